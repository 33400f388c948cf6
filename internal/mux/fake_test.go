package mux

import (
	"context"
	"strings"
	"sync"
)

type fakeResult struct {
	out string
	err error
}

// fakeRunner records calls and answers by the joined argument list.
// Unknown calls succeed with empty output.
type fakeRunner struct {
	mu      sync.Mutex
	calls   [][]string
	results map[string]fakeResult
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{results: map[string]fakeResult{}}
}

func (f *fakeRunner) on(args string, out string, err error) {
	f.results[args] = fakeResult{out: out, err: err}
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, append([]string{name}, args...))
	if r, ok := f.results[strings.Join(args, " ")]; ok {
		return r.out, r.err
	}
	return "", nil
}

func (f *fakeRunner) joined() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		out = append(out, strings.Join(c, " "))
	}
	return out
}

func (f *fakeRunner) called(prefix string) bool {
	for _, c := range f.joined() {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}
