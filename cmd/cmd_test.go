package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/timvw/orchflow/internal/config"
	"github.com/timvw/orchflow/internal/env"
	"github.com/timvw/orchflow/internal/flow"
	"github.com/timvw/orchflow/internal/model"
	"github.com/timvw/orchflow/internal/mux"
)

func TestParseKeyArg(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"1", 1, false},
		{"9", 9, false},
		{"0", 0, true},
		{"10", 0, true},
		{"x", 0, true},
	}
	for _, tt := range tests {
		got, err := parseKeyArg(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("parseKeyArg(%q) = %d, %v", tt.in, got, err)
		}
	}
}

func TestPrintWorkers(t *testing.T) {
	var buf bytes.Buffer
	printWorkers(&buf, nil)
	if strings.TrimSpace(buf.String()) != "no workers" {
		t.Errorf("empty output = %q", buf.String())
	}

	buf.Reset()
	printWorkers(&buf, []model.WorkerView{
		{ID: "w-1", DescriptiveName: "API Developer", Status: model.StatusRunning, QuickAccessKey: 1, Progress: 40, TaskDescription: "build the\nREST api"},
		{ID: "w-2", DescriptiveName: "Test Engineer", Status: model.StatusError, Error: "pane lost", TaskDescription: "write tests"},
	})
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("lines = %d:\n%s", len(lines), buf.String())
	}
	if !strings.HasPrefix(lines[0], "KEY") {
		t.Errorf("header = %q", lines[0])
	}
	if !strings.Contains(lines[1], "API Developer") || !strings.Contains(lines[1], " 40%") || !strings.Contains(lines[1], "build the REST api") {
		t.Errorf("row 1 = %q", lines[1])
	}
	if !strings.HasPrefix(lines[2], "-") || !strings.Contains(lines[2], "pane lost") {
		t.Errorf("row 2 = %q", lines[2])
	}
}

func TestWatchTarget(t *testing.T) {
	dir := t.TempDir()

	got, match := watchTarget(dir)
	if got != dir || !match(filepath.Join(dir, "snap-000001.json")) {
		t.Errorf("directory store: watch %q", got)
	}

	db := filepath.Join(dir, "orchflow.db")
	if err := os.WriteFile(db, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	got, match = watchTarget(db)
	if got != dir {
		t.Errorf("database store: watch %q, want %q", got, dir)
	}
	for name, want := range map[string]bool{
		"orchflow.db":     true,
		"orchflow.db-wal": true,
		"other.db":        false,
	} {
		if match(filepath.Join(dir, name)) != want {
			t.Errorf("match(%s) = %v, want %v", name, !want, want)
		}
	}
}

type noBinaries struct{}

func (noBinaries) Exists(string) bool { return false }

func TestDetect(t *testing.T) {
	flows, err := flow.Defaults()
	if err != nil {
		t.Fatal(err)
	}
	r := flow.NewRouter(flows)
	d := env.NewDetector(
		env.WithProbe(noBinaries{}),
		env.WithGetenv(func(string) string { return "" }),
		env.WithTTY(func() bool { return false }),
	)

	got := detect(context.Background(), d, r, "")
	if got.Flow.Name != flow.NameFallback {
		t.Errorf("routed flow = %s, want fallback", got.Flow.Name)
	}
	if len(got.Environment.Available) != 0 {
		t.Errorf("available = %v", got.Environment.Available)
	}

	got = detect(context.Background(), d, r, "tmux")
	if got.Flow.Backend != "tmux" {
		t.Errorf("forced flow backend = %s, want tmux", got.Flow.Backend)
	}
}

func TestFallbackRecordsUnderStateDir(t *testing.T) {
	cfg := config.Defaults()
	cfg.StateDir = t.TempDir()

	f := mux.NewFallback(muxOptions(cfg, nil, nil))
	if _, err := f.EnsureSession(context.Background(), "orchflow-test"); err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	if _, err := os.Stat(filepath.Join(cfg.StateDir, "fallback", "orchflow-test")); err != nil {
		t.Errorf("session dir not under state/fallback: %v", err)
	}
	if _, err := os.Stat(filepath.Join(cfg.StateDir, "fallback", "fallback")); !os.IsNotExist(err) {
		t.Errorf("nested fallback dir exists: %v", err)
	}
}
