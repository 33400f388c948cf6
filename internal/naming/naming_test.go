package naming

import (
	"context"
	"errors"
	"testing"
)

func TestDerive(t *testing.T) {
	tests := []struct {
		task string
		want string
	}{
		{"Build REST API", "API Developer"},
		{"write unit tests", "Test Engineer"},
		{"create React component", "React Component Developer"},
		{"write unit tests for the API", "Test Engineer"},
		{"update the README", "Documentation Writer"},
		{"investigate flaky network", "Research Analyst"},
		{"fix crash on startup", "Bug Fixer"},
		{"set up CI pipeline", "DevOps Engineer"},
		{"style the landing page", "Frontend Developer"},
		{"organize photo library", "Organize Photo Library"},
		{"build the new thing", "Thing"},
		{"", "Worker"},
		{"the and a", "Worker"},
	}
	for _, tt := range tests {
		t.Run(tt.task, func(t *testing.T) {
			if got := Derive(tt.task); got != tt.want {
				t.Errorf("Derive(%q) = %q, want %q", tt.task, got, tt.want)
			}
		})
	}
}

func TestInferTaskType(t *testing.T) {
	tests := []struct {
		task string
		want string
	}{
		{"write unit tests", "test"},
		{"document the CLI", "docs"},
		{"review PR 12", "review"},
		{"research caching options", "research"},
		{"Build REST API", "code"},
		{"water the plants", "general"},
	}
	for _, tt := range tests {
		if got := InferTaskType(tt.task); got != tt.want {
			t.Errorf("InferTaskType(%q) = %q, want %q", tt.task, got, tt.want)
		}
	}
}

func TestUnique(t *testing.T) {
	taken := map[string]bool{"API Developer": true, "API Developer 2": true}
	if got := Unique("API Developer", taken); got != "API Developer 3" {
		t.Errorf("Unique = %q", got)
	}
	if got := Unique("Test Engineer", taken); got != "Test Engineer" {
		t.Errorf("Unique = %q", got)
	}
}

type stubNamer struct {
	answer string
	err    error
}

func (s stubNamer) Provider() string { return "stub" }
func (s stubNamer) Name(context.Context, string) (string, error) {
	return s.answer, s.err
}

func TestWithFallback(t *testing.T) {
	var reported error
	onErr := func(err error) { reported = err }

	tests := []struct {
		name   string
		namer  Namer
		want   string
		errHit bool
	}{
		{"clean answer", stubNamer{answer: "Schema Designer"}, "Schema Designer", false},
		{"quoted and fenced", stubNamer{answer: "```\n\"Schema Designer\"\n```"}, "Schema Designer", false},
		{"multi line keeps first", stubNamer{answer: "Schema Designer\nbecause..."}, "Schema Designer", false},
		{"too long", stubNamer{answer: "A Very Long Name That Goes On And On Forever And Ever"}, "API Developer", false},
		{"api error", stubNamer{err: errors.New("boom")}, "API Developer", true},
		{"empty", stubNamer{answer: "   "}, "API Developer", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reported = nil
			n := WithFallback(tt.namer, onErr)
			got, err := n.Name(context.Background(), "Build REST API")
			if err != nil {
				t.Fatalf("fallback namer must not fail: %v", err)
			}
			if got != tt.want {
				t.Errorf("Name = %q, want %q", got, tt.want)
			}
			if (reported != nil) != tt.errHit {
				t.Errorf("error reported = %v, want %v", reported, tt.errHit)
			}
		})
	}

	if _, ok := WithFallback(nil, nil).(Heuristic); !ok {
		t.Errorf("nil namer should become Heuristic")
	}
}

func TestStripMarkdownFences(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"plain", "plain"},
		{"```\nname\n```", "name"},
		{"```text\nname\n```", "name"},
		{"  ```\nname\n```  ", "name"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := stripMarkdownFences(tt.in); got != tt.want {
			t.Errorf("stripMarkdownFences(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
