// Package naming derives short, human-readable role names for workers from
// their task descriptions ("Build REST API" -> "API Developer").
//
// The heuristic namer is deterministic and always available. The LLM namers
// (Anthropic, OpenAI) are optional and fall back to the heuristic on any
// failure, so naming never blocks a spawn.
package naming

import (
	"context"
	"strconv"
	"strings"
	"unicode"
)

// Namer produces a descriptive name for a task.
type Namer interface {
	Name(ctx context.Context, task string) (string, error)
	// Provider returns "heuristic", "anthropic" or "openai".
	Provider() string
}

// Heuristic names tasks by keyword.
type Heuristic struct{}

// Provider returns "heuristic".
func (Heuristic) Provider() string { return "heuristic" }

// Name never fails.
func (Heuristic) Name(_ context.Context, task string) (string, error) {
	return Derive(task), nil
}

type roleRule struct {
	all  []string // every keyword must be present
	any  []string // at least one must be present
	name string
}

// Rules are checked in order; the first match wins.
var roleRules = []roleRule{
	{all: []string{"react"}, any: []string{"component", "components", "hook", "hooks"}, name: "React Component Developer"},
	{any: []string{"test", "tests", "testing", "unittest", "e2e"}, name: "Test Engineer"},
	{any: []string{"api", "apis", "endpoint", "endpoints", "rest", "graphql", "grpc"}, name: "API Developer"},
	{any: []string{"database", "schema", "migration", "migrations", "sql", "postgres", "sqlite"}, name: "Database Engineer"},
	{any: []string{"security", "vulnerability", "vulnerabilities", "cve", "auth", "authentication"}, name: "Security Engineer"},
	{any: []string{"deploy", "deployment", "ci", "pipeline", "docker", "kubernetes", "k8s", "terraform"}, name: "DevOps Engineer"},
	{any: []string{"docs", "documentation", "readme", "document", "tutorial"}, name: "Documentation Writer"},
	{any: []string{"review", "audit"}, name: "Code Reviewer"},
	{any: []string{"research", "investigate", "analyze", "analyse", "explore", "compare"}, name: "Research Analyst"},
	{any: []string{"refactor", "refactoring", "cleanup"}, name: "Refactoring Specialist"},
	{any: []string{"bug", "bugs", "fix", "debug", "crash"}, name: "Bug Fixer"},
	{any: []string{"react", "frontend", "ui", "css", "component", "components", "page"}, name: "Frontend Developer"},
	{any: []string{"performance", "optimize", "optimise", "profiling", "latency"}, name: "Performance Engineer"},
}

var stopWords = map[string]bool{
	"a": true, "an": true, "the": true, "and": true, "or": true, "for": true,
	"to": true, "of": true, "in": true, "on": true, "with": true, "please": true,
	"create": true, "build": true, "write": true, "make": true, "implement": true,
	"add": true, "new": true, "some": true, "our": true, "my": true,
}

// Derive maps a task description to a role name. Unknown tasks get their
// leading significant words title-cased ("organize photo library" ->
// "Organize Photo Library").
func Derive(task string) string {
	words := tokenize(task)
	if len(words) == 0 {
		return "Worker"
	}
	set := make(map[string]bool, len(words))
	for _, w := range words {
		set[w] = true
	}
	for _, r := range roleRules {
		if matches(set, r) {
			return r.name
		}
	}

	var picked []string
	for _, w := range words {
		if stopWords[w] {
			continue
		}
		picked = append(picked, titleCase(w))
		if len(picked) == 3 {
			break
		}
	}
	if len(picked) == 0 {
		return "Worker"
	}
	return strings.Join(picked, " ")
}

// InferTaskType classifies a description into code, test, research, docs,
// review or general.
func InferTaskType(task string) string {
	words := tokenize(task)
	has := func(keys ...string) bool {
		for _, w := range words {
			for _, k := range keys {
				if w == k {
					return true
				}
			}
		}
		return false
	}
	switch {
	case has("test", "tests", "testing", "unittest", "e2e"):
		return "test"
	case has("docs", "documentation", "readme", "document", "tutorial"):
		return "docs"
	case has("review", "audit"):
		return "review"
	case has("research", "investigate", "analyze", "analyse", "explore", "compare"):
		return "research"
	case has("build", "implement", "create", "fix", "refactor", "add", "write", "api", "component", "bug", "code"):
		return "code"
	}
	return "general"
}

func matches(set map[string]bool, r roleRule) bool {
	for _, k := range r.all {
		if !set[k] {
			return false
		}
	}
	if len(r.any) == 0 {
		return true
	}
	for _, k := range r.any {
		if set[k] {
			return true
		}
	}
	return false
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func titleCase(w string) string {
	r := []rune(w)
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}

// Unique appends " 2", " 3", ... to name until it is not in taken.
func Unique(name string, taken map[string]bool) string {
	if !taken[name] {
		return name
	}
	for i := 2; ; i++ {
		candidate := name + " " + strconv.Itoa(i)
		if !taken[candidate] {
			return candidate
		}
	}
}

// WithFallback wraps an LLM namer so failures and unusable answers fall
// back to the heuristic.
func WithFallback(n Namer, onError func(error)) Namer {
	if n == nil {
		return Heuristic{}
	}
	return &fallbackNamer{primary: n, onError: onError}
}

type fallbackNamer struct {
	primary Namer
	onError func(error)
}

func (f *fallbackNamer) Provider() string { return f.primary.Provider() }

func (f *fallbackNamer) Name(ctx context.Context, task string) (string, error) {
	name, err := f.primary.Name(ctx, task)
	if err == nil {
		if cleaned := cleanName(name); cleaned != "" {
			return cleaned, nil
		}
	}
	if err != nil && f.onError != nil {
		f.onError(err)
	}
	return Derive(task), nil
}

const maxNameLen = 40

// cleanName extracts a usable single-line name from a model answer.
func cleanName(raw string) string {
	s := stripMarkdownFences(raw)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	s = strings.Trim(strings.TrimSpace(s), "\"'`.*")
	s = strings.TrimSpace(strings.TrimPrefix(s, "Name:"))
	if s == "" || len([]rune(s)) > maxNameLen {
		return ""
	}
	return s
}

// stripMarkdownFences removes a surrounding ``` fence (with optional language tag).
func stripMarkdownFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	} else {
		s = ""
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
