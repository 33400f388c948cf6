package mux

import (
	"fmt"
	"strings"
)

// Backend names in router priority order.
const (
	BackendTmux     = "tmux"
	BackendZellij   = "zellij"
	BackendScreen   = "screen"
	BackendWezTerm  = "wezterm"
	BackendFallback = "fallback"
)

// Backends lists every supported backend.
var Backends = []string{BackendTmux, BackendZellij, BackendScreen, BackendWezTerm, BackendFallback}

// New creates the adapter for a backend name.
func New(name string, opts Options) (Adapter, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case BackendTmux:
		return NewTmux(opts), nil
	case BackendZellij:
		return NewZellij(opts), nil
	case BackendScreen:
		return NewScreen(opts), nil
	case BackendWezTerm, "native":
		return NewWezTerm(opts), nil
	case BackendFallback:
		return NewFallback(opts), nil
	default:
		return nil, fmt.Errorf("unknown multiplexer backend %q (supported: %s)", name, strings.Join(Backends, ", "))
	}
}

// Supported reports whether name is a known backend.
func Supported(name string) bool {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case BackendTmux, BackendZellij, BackendScreen, BackendWezTerm, BackendFallback, "native":
		return true
	}
	return false
}
