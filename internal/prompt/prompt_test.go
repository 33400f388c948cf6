package prompt

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestNonInteractive(t *testing.T) {
	var out bytes.Buffer
	p := NonInteractive{Out: &out}
	ctx := context.Background()

	i, err := p.ChooseOption(ctx, "backend?", []string{"tmux", "screen"})
	if err != nil || i != 0 {
		t.Errorf("ChooseOption = %d, %v", i, err)
	}
	if _, err := p.ChooseOption(ctx, "backend?", nil); err == nil {
		t.Errorf("expected error for no options")
	}
	for _, def := range []bool{true, false} {
		if got, _ := p.Confirm(ctx, "ok?", def); got != def {
			t.Errorf("Confirm(def=%v) = %v", def, got)
		}
	}
	p.ShowProgress(2, 5, "checking tmux")
	if out.String() != "[2/5] checking tmux\n" {
		t.Errorf("progress = %q", out.String())
	}
	NonInteractive{}.ShowProgress(1, 1, "silent")
}

func TestTTYChooseOption(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  int
	}{
		{"explicit", "2\n", 1},
		{"default", "\n", 0},
		{"retry after bad input", "9\nabc\n3\n", 2},
		{"last line without newline", "2", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			p := NewTTY(strings.NewReader(tt.input), &out)
			got, err := p.ChooseOption(context.Background(), "pick", []string{"a", "b", "c"})
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("got %d, want %d", got, tt.want)
			}
			if !strings.Contains(out.String(), "pick") {
				t.Errorf("question not shown: %q", out.String())
			}
		})
	}
}

func TestTTYConfirm(t *testing.T) {
	tests := []struct {
		input string
		def   bool
		want  bool
	}{
		{"y\n", false, true},
		{"YES\n", false, true},
		{"n\n", true, false},
		{"\n", true, true},
		{"\n", false, false},
		{"maybe\ny\n", false, true},
	}
	for _, tt := range tests {
		p := NewTTY(strings.NewReader(tt.input), &bytes.Buffer{})
		got, err := p.Confirm(context.Background(), "continue?", tt.def)
		if err != nil {
			t.Fatalf("input %q: %v", tt.input, err)
		}
		if got != tt.want {
			t.Errorf("input %q def %v: got %v", tt.input, tt.def, got)
		}
	}
}

func TestTTYEOFAborts(t *testing.T) {
	p := NewTTY(strings.NewReader(""), &bytes.Buffer{})
	if _, err := p.Confirm(context.Background(), "continue?", true); !errors.Is(err, ErrAborted) {
		t.Errorf("expected ErrAborted, got %v", err)
	}
}

type blockingReader struct{}

func (blockingReader) Read([]byte) (int, error) {
	time.Sleep(time.Hour)
	return 0, nil
}

func TestTTYContextCancel(t *testing.T) {
	p := NewTTY(blockingReader{}, &bytes.Buffer{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := p.Confirm(ctx, "continue?", true); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected DeadlineExceeded, got %v", err)
	}
}
