//go:build unix

package mux

import (
	"errors"
	"fmt"
	"os/exec"
	"syscall"
)

const (
	sigStop = syscall.SIGSTOP
	sigCont = syscall.SIGCONT
	sigTerm = syscall.SIGTERM
)

// signalGroup delivers sig to the process group led by pid, falling back
// to the process itself when it is not a group leader.
func signalGroup(backend string, pid int, sig syscall.Signal) error {
	err := syscall.Kill(-pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		err = syscall.Kill(pid, sig)
	}
	if err == nil {
		return nil
	}
	if errors.Is(err, syscall.ESRCH) {
		return &CommandError{Backend: backend, Op: "signal", Kind: ErrPaneNotFound, Err: fmt.Errorf("process %d is gone", pid)}
	}
	return &CommandError{Backend: backend, Op: "signal", Kind: ErrCommandFailed, Err: err}
}

// processAlive reports whether pid exists (signal 0).
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// detach puts cmd in its own process group so it outlives the caller's
// terminal and can be signalled as a unit.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
