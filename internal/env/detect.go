// Package env inspects the process environment to decide which
// multiplexers and terminal features are usable.
//
// Detection never fails. Anything that cannot be determined falls back to
// the conservative answer (no splits, no sessions).
package env

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/muesli/termenv"
	"golang.org/x/sync/singleflight"
	"golang.org/x/term"
)

// Capabilities are the terminal/multiplexer features the router may rely on.
type Capabilities struct {
	SplitPanes bool `json:"split_panes"`
	Sessions   bool `json:"sessions"`
	StatusBar  bool `json:"status_bar"`
	Mouse      bool `json:"mouse"`
	Clipboard  bool `json:"clipboard"`
	Color      bool `json:"color"`
	Unicode    bool `json:"unicode"`
}

// Descriptor describes the detected environment.
type Descriptor struct {
	Platform        string `json:"platform"`
	Shell           string `json:"shell"`
	Terminal        string `json:"terminal"`
	TerminalVersion string `json:"terminal_version,omitempty"`
	// Multiplexer is the multiplexer the process runs inside ("" when none).
	Multiplexer string `json:"multiplexer,omitempty"`
	// Available lists multiplexer/terminal CLIs found on PATH.
	Available    []string     `json:"available"`
	Capabilities Capabilities `json:"capabilities"`
	Interactive  bool         `json:"interactive"`
	DetectedAt   time.Time    `json:"detected_at"`
}

// Has reports whether a binary was found on PATH.
func (d Descriptor) Has(name string) bool {
	for _, a := range d.Available {
		if a == name {
			return true
		}
	}
	return false
}

// Without returns a copy with name removed from Available and, if it was
// the active multiplexer, no active multiplexer. Used to re-route after a
// backend proved unusable.
func (d Descriptor) Without(name string) Descriptor {
	c := d
	c.Available = nil
	for _, a := range d.Available {
		if a != name {
			c.Available = append(c.Available, a)
		}
	}
	if c.Multiplexer == name {
		c.Multiplexer = ""
	}
	if name == "wezterm" && c.Terminal == "wezterm" {
		c.Terminal = "unknown"
	}
	return c
}

// CommandProbe answers whether an executable is available.
type CommandProbe interface {
	Exists(name string) bool
}

// PathProbe looks executables up on PATH.
type PathProbe struct{}

// Exists reports whether name resolves on PATH.
func (PathProbe) Exists(name string) bool {
	p, err := exec.LookPath(name)
	return err == nil && p != ""
}

// Detector inspects the environment and caches the result.
type Detector struct {
	probe  CommandProbe
	getenv func(string) string
	isTTY  func() bool
	now    func() time.Time

	group  singleflight.Group
	mu     sync.Mutex
	cached *Descriptor
}

// Option configures a Detector.
type Option func(*Detector)

// WithProbe replaces the PATH probe.
func WithProbe(p CommandProbe) Option { return func(d *Detector) { d.probe = p } }

// WithGetenv replaces os.Getenv.
func WithGetenv(fn func(string) string) Option { return func(d *Detector) { d.getenv = fn } }

// WithTTY replaces the stdin/stdout terminal check.
func WithTTY(fn func() bool) Option { return func(d *Detector) { d.isTTY = fn } }

// NewDetector creates a detector with the given options.
func NewDetector(opts ...Option) *Detector {
	d := &Detector{
		probe:  PathProbe{},
		getenv: os.Getenv,
		isTTY: func() bool {
			return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
		},
		now: time.Now,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// probedBinaries are looked up on PATH, in router priority order.
var probedBinaries = []string{"tmux", "zellij", "screen", "wezterm"}

// Detect returns the environment descriptor. With useCache the first
// complete result is reused for the life of the detector. Concurrent calls
// share one probe.
func (d *Detector) Detect(ctx context.Context, useCache bool) Descriptor {
	if useCache {
		d.mu.Lock()
		if d.cached != nil {
			c := *d.cached
			d.mu.Unlock()
			return c
		}
		d.mu.Unlock()
	}
	v, _, _ := d.group.Do("detect", func() (any, error) {
		desc := d.detect(ctx)
		// A cancelled probe may have stopped early; don't keep its result.
		if ctx.Err() == nil {
			d.mu.Lock()
			d.cached = &desc
			d.mu.Unlock()
		}
		return desc, nil
	})
	return v.(Descriptor)
}

// Invalidate drops the cached descriptor.
func (d *Detector) Invalidate() {
	d.mu.Lock()
	d.cached = nil
	d.mu.Unlock()
}

func (d *Detector) detect(ctx context.Context) Descriptor {
	desc := Descriptor{
		Platform:    runtime.GOOS,
		Shell:       d.shell(),
		Interactive: d.isTTY(),
		DetectedAt:  d.now(),
	}
	desc.Terminal, desc.TerminalVersion = d.terminal()
	desc.Multiplexer = d.activeMultiplexer()

	for _, bin := range probedBinaries {
		if ctx.Err() != nil {
			break
		}
		if d.probe.Exists(bin) {
			desc.Available = append(desc.Available, bin)
		}
	}
	sort.Strings(desc.Available)
	desc.Capabilities = d.capabilities(desc)
	return desc
}

func (d *Detector) shell() string {
	sh := d.getenv("SHELL")
	if sh == "" {
		if runtime.GOOS == "windows" {
			return "cmd"
		}
		return "sh"
	}
	return filepath.Base(sh)
}

// terminal identifies the terminal emulator from TERM_PROGRAM and friends.
func (d *Detector) terminal() (string, string) {
	version := d.getenv("TERM_PROGRAM_VERSION")
	switch prog := strings.ToLower(d.getenv("TERM_PROGRAM")); {
	case prog == "wezterm" || d.getenv("WEZTERM_PANE") != "":
		return "wezterm", version
	case prog == "iterm.app":
		return "iterm2", version
	case prog == "apple_terminal":
		return "apple-terminal", version
	case prog == "vscode":
		return "vscode", version
	case prog == "ghostty":
		return "ghostty", version
	case d.getenv("KITTY_WINDOW_ID") != "":
		return "kitty", ""
	case d.getenv("ALACRITTY_WINDOW_ID") != "" || d.getenv("ALACRITTY_LOG") != "":
		return "alacritty", ""
	case prog == "tmux" || prog == "screen":
		// Inside a multiplexer TERM_PROGRAM names the multiplexer, not the terminal.
		return "unknown", ""
	case prog != "":
		return prog, version
	}
	if t := d.getenv("TERM"); t != "" && t != "dumb" {
		return "unknown", ""
	}
	return "dumb", ""
}

func (d *Detector) activeMultiplexer() string {
	switch {
	case d.getenv("TMUX") != "":
		return "tmux"
	case d.getenv("ZELLIJ") != "" || d.getenv("ZELLIJ_SESSION_NAME") != "":
		return "zellij"
	case d.getenv("STY") != "":
		return "screen"
	}
	return ""
}

func (d *Detector) capabilities(desc Descriptor) Capabilities {
	var c Capabilities
	mux := desc.Multiplexer
	if mux == "" {
		for _, m := range []string{"tmux", "zellij", "screen"} {
			if desc.Has(m) {
				mux = m
				break
			}
		}
	}
	switch mux {
	case "tmux", "zellij":
		c.Sessions, c.SplitPanes, c.StatusBar, c.Mouse = true, true, true, true
	case "screen":
		c.Sessions, c.SplitPanes, c.StatusBar = true, true, true
	}
	if desc.Terminal == "wezterm" && desc.Has("wezterm") {
		c.SplitPanes = true
	}
	switch desc.Terminal {
	case "wezterm", "iterm2", "kitty", "ghostty":
		c.Clipboard = true
	}
	if desc.Multiplexer == "tmux" || desc.Multiplexer == "zellij" {
		c.Clipboard = true
	}
	c.Color = d.colorProfile() != termenv.Ascii
	c.Unicode = d.unicodeLocale()
	return c
}

// colorProfile honours NO_COLOR/CLICOLOR_FORCE and COLORTERM through termenv.
func (d *Detector) colorProfile() termenv.Profile {
	if d.getenv("NO_COLOR") != "" {
		return termenv.Ascii
	}
	switch strings.ToLower(d.getenv("COLORTERM")) {
	case "truecolor", "24bit":
		return termenv.TrueColor
	}
	t := d.getenv("TERM")
	switch {
	case t == "" || t == "dumb":
		return termenv.Ascii
	case strings.Contains(t, "256color"):
		return termenv.ANSI256
	case strings.Contains(t, "color") || strings.HasPrefix(t, "xterm") || strings.HasPrefix(t, "screen") || strings.HasPrefix(t, "tmux"):
		return termenv.ANSI
	}
	return termenv.EnvColorProfile()
}

func (d *Detector) unicodeLocale() bool {
	for _, k := range []string{"LC_ALL", "LC_CTYPE", "LANG"} {
		if v := strings.ToUpper(d.getenv(k)); v != "" {
			return strings.Contains(v, "UTF-8") || strings.Contains(v, "UTF8")
		}
	}
	return runtime.GOOS == "windows" || runtime.GOOS == "darwin"
}
