//go:build !unix

package mux

import (
	"errors"
	"os/exec"
	"syscall"
)

const (
	sigStop = syscall.Signal(0x13)
	sigCont = syscall.Signal(0x12)
	sigTerm = syscall.SIGTERM
)

func signalGroup(backend string, pid int, sig syscall.Signal) error {
	return &CommandError{Backend: backend, Op: "signal", Kind: ErrCommandFailed, Err: errors.New("process signals are not supported on this platform")}
}

func processAlive(pid int) bool {
	return pid > 0
}

func detach(cmd *exec.Cmd) {}
