package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/sahilm/fuzzy"
	"go.opentelemetry.io/otel/attribute"

	"github.com/timvw/orchflow/internal/events"
	"github.com/timvw/orchflow/internal/model"
	"github.com/timvw/orchflow/internal/mux"
)

// maxSuggestions caps the names offered when connect finds nothing.
const maxSuggestions = 5

// ConnectResult is the outcome of Connect.
type ConnectResult struct {
	// Worker is the focused worker, nil when nothing matched.
	Worker *model.WorkerView `json:"worker,omitempty"`
	// Matches are every worker whose name contained the identifier, newest first.
	Matches []model.WorkerView `json:"matches,omitempty"`
	// Suggestions are names to try when nothing matched.
	Suggestions []string `json:"suggestions,omitempty"`
}

// Connect focuses a worker's pane. A single digit 1-9 is a quick-access
// key; anything else matches worker names case-insensitively by substring,
// and the most recently created match wins. With no match the result
// carries suggestions and the error wraps ErrNoMatch.
func (o *Orchestrator) Connect(ctx context.Context, identifier string) (res ConnectResult, err error) {
	ctx, span := o.startSpan(ctx, "connect", attribute.String("identifier", identifier))
	defer func() { endSpan(span, err) }()

	ident := strings.TrimSpace(identifier)
	if ident == "" {
		return res, fmt.Errorf("connect: empty identifier")
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	var target *model.Worker
	if k, ok := parseKey(ident); ok {
		id, held := o.keys.Resolve(k)
		if !held {
			return res, fmt.Errorf("connect %d: %w", k, ErrKeyUnassigned)
		}
		if target, err = o.registry.Get(id); err != nil {
			return res, err
		}
	} else {
		matches := o.nameMatchesLocked(ident, true)
		for _, w := range matches {
			res.Matches = append(res.Matches, w.View())
		}
		if len(matches) == 0 {
			res.Suggestions = suggest(ident, o.registry.List(), maxSuggestions)
			return res, fmt.Errorf("connect %q: %w", ident, ErrNoMatch)
		}
		target = matches[0]
	}

	if target.PaneRef == "" {
		return res, fmt.Errorf("connect %s: %w", target.ID, ErrNoPane)
	}
	adapter, err := o.adapterLocked(ctx, target.Backend)
	if err != nil {
		return res, err
	}
	if err := adapter.FocusPane(ctx, target.PaneRef); err != nil {
		if errors.Is(err, mux.ErrPaneNotFound) {
			o.loseLocked(ctx, target)
		}
		return res, fmt.Errorf("connect %s: %w", target.ID, err)
	}
	w, err := o.registry.Update(target.ID, func(*model.Worker) {})
	if err != nil {
		return res, err
	}
	v := w.View()
	res.Worker = &v
	return res, nil
}

// loseLocked marks a worker whose pane vanished as error and frees its key.
func (o *Orchestrator) loseLocked(ctx context.Context, w *model.Worker) {
	prevKeys := o.keys.Table()
	if w.Status.Active() {
		if _, err := o.registry.Transition(w.ID, model.StatusError); err != nil {
			o.log.Warn("mark lost", "worker", w.ID, "err", err)
			return
		}
	}
	o.keys.ReleaseWorker(w.ID)
	lost, err := o.registry.Update(w.ID, func(w *model.Worker) {
		w.PaneRef = ""
		w.QuickAccessKey = 0
		if w.Status == model.StatusError && w.Error == "" {
			w.Error = "pane lost"
		}
	})
	if err != nil {
		return
	}
	o.log.Warn("worker pane lost", "worker", w.ID)
	o.emitWorker(events.KindWorkerUpdated, lost)
	o.emitKeyChanges(ctx, o.keyDiff(prevKeys))
}

func parseKey(s string) (int, bool) {
	if len(s) != 1 {
		return 0, false
	}
	k, err := strconv.Atoi(s)
	if err != nil || k < 1 || k > 9 {
		return 0, false
	}
	return k, true
}

// nameMatchesLocked returns workers whose name contains ident, newest
// first. With paned only workers bound to a pane are considered.
func (o *Orchestrator) nameMatchesLocked(ident string, paned bool) []*model.Worker {
	needle := strings.ToLower(ident)
	var out []*model.Worker
	for _, w := range o.registry.List() {
		if paned && w.PaneRef == "" {
			continue
		}
		if strings.Contains(strings.ToLower(w.DescriptiveName), needle) {
			out = append(out, w)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Seq > out[j].Seq })
	return out
}

// resolveLocked finds a worker by id, key, exact name, then name substring
// (newest wins).
func (o *Orchestrator) resolveLocked(identifier string) (*model.Worker, error) {
	ident := strings.TrimSpace(identifier)
	if ident == "" {
		return nil, fmt.Errorf("%w: empty identifier", ErrWorkerNotFound)
	}
	if w, err := o.registry.Get(ident); err == nil {
		return w, nil
	}
	if k, ok := parseKey(ident); ok {
		if id, held := o.keys.Resolve(k); held {
			return o.registry.Get(id)
		}
		return nil, fmt.Errorf("key %d: %w", k, ErrKeyUnassigned)
	}
	ws := o.registry.List()
	for i := len(ws) - 1; i >= 0; i-- {
		if strings.EqualFold(ws[i].DescriptiveName, ident) {
			return ws[i], nil
		}
	}
	if m := o.nameMatchesLocked(ident, false); len(m) > 0 {
		return m[0], nil
	}
	return nil, fmt.Errorf("%w: %s", ErrWorkerNotFound, ident)
}

// suggest ranks worker names for an identifier that matched nothing:
// fuzzy matches first, then names with a word starting like the
// identifier, then everything else by recency. The list is non-empty
// whenever any worker exists.
func suggest(ident string, ws []*model.Worker, limit int) []string {
	ident = strings.TrimSpace(ident)
	if len(ws) == 0 || limit <= 0 || ident == "" {
		return nil
	}
	byRecency := append([]*model.Worker(nil), ws...)
	sort.SliceStable(byRecency, func(i, j int) bool { return byRecency[i].Seq > byRecency[j].Seq })

	names := make([]string, len(byRecency))
	for i, w := range byRecency {
		names[i] = w.DescriptiveName
	}

	var out []string
	seen := map[string]bool{}
	add := func(n string) {
		if !seen[n] && len(out) < limit {
			seen[n] = true
			out = append(out, n)
		}
	}

	for _, m := range fuzzy.Find(ident, names) {
		add(m.Str)
	}
	first := []rune(strings.ToLower(ident))[0]
	for _, n := range names {
		if wordStartsWith(n, first) {
			add(n)
		}
	}
	for _, n := range names {
		add(n)
	}
	return out
}

func wordStartsWith(name string, r rune) bool {
	words := strings.FieldsFunc(strings.ToLower(name), func(c rune) bool {
		return !unicode.IsLetter(c) && !unicode.IsDigit(c)
	})
	for _, w := range words {
		if []rune(w)[0] == r {
			return true
		}
	}
	return false
}
