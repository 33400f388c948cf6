// Package status renders the live worker list shown in the status pane.
// It follows orchestrator events and lets the user jump to, pause, resume,
// stop and message workers from the keyboard.
package status

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"
	"github.com/sahilm/fuzzy"

	"github.com/timvw/orchflow/internal/events"
	"github.com/timvw/orchflow/internal/model"
	"github.com/timvw/orchflow/internal/orchestrator"
)

// Controller is the part of the orchestrator the status view drives.
type Controller interface {
	ListWorkers(sortBy string, includeInactive bool) ([]model.WorkerView, error)
	Connect(ctx context.Context, identifier string) (orchestrator.ConnectResult, error)
	Pause(ctx context.Context, identifier string) (model.WorkerView, error)
	Resume(ctx context.Context, identifier string) (model.WorkerView, error)
	Stop(ctx context.Context, identifier string, keepRecord bool) (model.WorkerView, error)
	Send(ctx context.Context, identifier, text string) error
	Subscribe(buffer int) events.Subscription
}

// view mode
type viewMode int

const (
	modeList viewMode = iota
	modeFilter
	modeSend
)

// messages
type workersMsg struct {
	workers []model.WorkerView
	err     error
}

type eventMsg struct {
	event events.Event
	ok    bool
}

type actionMsg struct {
	message string
	err     error
}

type tickMsg struct{}

// TUI runs the interactive status view.
type TUI struct {
	Controller      Controller
	Title           string
	Theme           Theme
	SortBy          string
	RefreshInterval time.Duration // 0 disables periodic refresh
}

// tuiModel implements tea.Model.
type tuiModel struct {
	ctrl    Controller
	ctx     context.Context
	sub     events.Subscription
	title   string
	sortBy  string
	refresh time.Duration
	st      styles

	workers      []model.WorkerView
	visible      []int // indices into workers after filtering
	cursor       int
	mode         viewMode
	showInactive bool

	filter    textinput.Model
	sendInput textinput.Model
	sendTo    *model.WorkerView

	width  int
	height int

	message   string
	events    int
	lastEvent events.Event
	activity  *events.Store
	now       func() time.Time
}

// activityTTL is how long a worker's latest event is shown next to it.
const activityTTL = 3 * time.Minute

// Run starts the TUI and blocks until the user quits or ctx is done.
func (t *TUI) Run(ctx context.Context) error {
	m := newModel(ctx, t.Controller, t.Title, t.SortBy, t.RefreshInterval, t.Theme)
	defer m.sub.Close()
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}

func newModel(ctx context.Context, ctrl Controller, title, sortBy string, refresh time.Duration, theme Theme) *tuiModel {
	if title == "" {
		title = "orchflow"
	}
	filter := textinput.New()
	filter.Placeholder = "filter workers..."
	filter.Prompt = "/ "
	filter.CharLimit = 64

	send := textinput.New()
	send.Placeholder = "Type text and press Enter..."
	send.CharLimit = 2048
	send.Width = 80

	return &tuiModel{
		ctrl:      ctrl,
		ctx:       ctx,
		sub:       ctrl.Subscribe(events.DefaultBuffer),
		title:     title,
		sortBy:    sortBy,
		refresh:   refresh,
		st:        newStyles(theme),
		filter:    filter,
		sendInput: send,
		activity:  events.NewStore(activityTTL),
		now:       time.Now,
	}
}

func (m *tuiModel) Init() tea.Cmd {
	return tea.Batch(m.load(), m.waitForEvent(), m.scheduleTick())
}

func (m *tuiModel) load() tea.Cmd {
	ctrl, sortBy, inactive := m.ctrl, m.sortBy, m.showInactive
	return func() tea.Msg {
		ws, err := ctrl.ListWorkers(sortBy, inactive)
		return workersMsg{workers: ws, err: err}
	}
}

func (m *tuiModel) waitForEvent() tea.Cmd {
	ch := m.sub.Events
	return func() tea.Msg {
		e, ok := <-ch
		return eventMsg{event: e, ok: ok}
	}
}

// scheduleTick returns nil if periodic refresh is disabled.
func (m *tuiModel) scheduleTick() tea.Cmd {
	if m.refresh <= 0 {
		return nil
	}
	return tea.Tick(m.refresh, func(time.Time) tea.Msg { return tickMsg{} })
}

// act runs a controller call off the UI goroutine and reports the outcome.
func (m *tuiModel) act(fn func(ctx context.Context) (string, error)) tea.Cmd {
	ctx := m.ctx
	return func() tea.Msg {
		msg, err := fn(ctx)
		return actionMsg{message: msg, err: err}
	}
}

func (m *tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case workersMsg:
		if msg.err != nil {
			m.message = fmt.Sprintf("List error: %v", msg.err)
			return m, nil
		}
		m.setWorkers(msg.workers)
		return m, nil

	case eventMsg:
		if !msg.ok {
			m.message = "event stream closed"
			return m, nil
		}
		m.events++
		m.lastEvent = msg.event
		if msg.event.Kind == events.KindWorkerStopped {
			m.activity.Forget(msg.event.Subject())
		} else {
			m.activity.Upsert(msg.event)
		}
		return m, tea.Batch(m.load(), m.waitForEvent())

	case actionMsg:
		if msg.err != nil {
			m.message = msg.err.Error()
		} else {
			m.message = msg.message
		}
		return m, m.load()

	case tickMsg:
		return m, tea.Batch(m.load(), m.scheduleTick())
	}
	return m, nil
}

// setWorkers replaces the list, keeping the cursor on the same worker when
// it is still visible.
func (m *tuiModel) setWorkers(ws []model.WorkerView) {
	prev := ""
	if w := m.selected(); w != nil {
		prev = w.ID
	}
	m.workers = ws
	m.applyFilter()
	m.cursor = 0
	for i, idx := range m.visible {
		if m.workers[idx].ID == prev {
			m.cursor = i
			break
		}
	}
}

// applyFilter recomputes the visible rows. A non-empty filter ranks names
// by fuzzy score.
func (m *tuiModel) applyFilter() {
	m.visible = m.visible[:0]
	q := strings.TrimSpace(m.filter.Value())
	if q == "" {
		for i := range m.workers {
			m.visible = append(m.visible, i)
		}
	} else {
		names := make([]string, len(m.workers))
		for i, w := range m.workers {
			names[i] = w.DescriptiveName
		}
		for _, match := range fuzzy.Find(q, names) {
			m.visible = append(m.visible, match.Index)
		}
	}
	if m.cursor >= len(m.visible) {
		m.cursor = max(0, len(m.visible)-1)
	}
}

func (m *tuiModel) selected() *model.WorkerView {
	if m.cursor < 0 || m.cursor >= len(m.visible) {
		return nil
	}
	w := m.workers[m.visible[m.cursor]]
	return &w
}

func (m *tuiModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch m.mode {
	case modeFilter:
		return m.handleFilterKey(msg)
	case modeSend:
		return m.handleSendKey(msg)
	}
	return m.handleListKey(msg)
}

func (m *tuiModel) handleListKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	ctrl := m.ctrl
	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit

	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}

	case "down", "j":
		if m.cursor < len(m.visible)-1 {
			m.cursor++
		}

	case "enter":
		w := m.selected()
		if w == nil {
			return m, nil
		}
		id, name := w.ID, w.DescriptiveName
		return m, m.act(func(ctx context.Context) (string, error) {
			if _, err := ctrl.Connect(ctx, id); err != nil {
				return "", err
			}
			return "Focused " + name, nil
		})

	case "1", "2", "3", "4", "5", "6", "7", "8", "9":
		key := msg.String()
		return m, m.act(func(ctx context.Context) (string, error) {
			res, err := ctrl.Connect(ctx, key)
			if err != nil {
				return "", err
			}
			return "Focused " + res.Worker.DescriptiveName, nil
		})

	case "p":
		return m, m.onSelected(func(ctx context.Context, id string) (string, error) {
			w, err := ctrl.Pause(ctx, id)
			return "Paused " + w.DescriptiveName, err
		})

	case "r":
		return m, m.onSelected(func(ctx context.Context, id string) (string, error) {
			w, err := ctrl.Resume(ctx, id)
			return "Resumed " + w.DescriptiveName, err
		})

	case "x":
		return m, m.onSelected(func(ctx context.Context, id string) (string, error) {
			w, err := ctrl.Stop(ctx, id, true)
			return "Stopped " + w.DescriptiveName, err
		})

	case "a":
		m.showInactive = !m.showInactive
		if m.showInactive {
			m.message = "Showing finished workers"
		} else {
			m.message = "Hiding finished workers"
		}
		return m, m.load()

	case "/":
		m.mode = modeFilter
		m.filter.Focus()
		return m, textinput.Blink

	case "t":
		w := m.selected()
		if w == nil {
			return m, nil
		}
		m.mode = modeSend
		m.sendTo = w
		m.sendInput.SetValue("")
		m.sendInput.Focus()
		return m, textinput.Blink

	case "esc", "escape":
		if m.filter.Value() != "" {
			m.filter.SetValue("")
			m.applyFilter()
		}
	}
	return m, nil
}

func (m *tuiModel) onSelected(fn func(ctx context.Context, id string) (string, error)) tea.Cmd {
	w := m.selected()
	if w == nil {
		return nil
	}
	id := w.ID
	return m.act(func(ctx context.Context) (string, error) { return fn(ctx, id) })
}

func (m *tuiModel) handleFilterKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc", "escape":
		m.filter.SetValue("")
		m.filter.Blur()
		m.mode = modeList
		m.applyFilter()
		return m, nil
	case "enter":
		m.filter.Blur()
		m.mode = modeList
		return m, nil
	}
	var cmd tea.Cmd
	m.filter, cmd = m.filter.Update(msg)
	m.applyFilter()
	return m, cmd
}

func (m *tuiModel) handleSendKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc", "escape":
		m.mode = modeList
		m.sendTo = nil
		m.sendInput.Blur()
		return m, nil

	case "enter":
		text := m.sendInput.Value()
		target := m.sendTo
		m.mode = modeList
		m.sendTo = nil
		m.sendInput.Blur()
		if text == "" || target == nil {
			return m, nil
		}
		ctrl := m.ctrl
		id, name := target.ID, target.DescriptiveName
		return m, m.act(func(ctx context.Context) (string, error) {
			if err := ctrl.Send(ctx, id, text+"\n"); err != nil {
				return "", err
			}
			return fmt.Sprintf("Sent '%s' to %s", truncate(text, 40), name), nil
		})
	}
	var cmd tea.Cmd
	m.sendInput, cmd = m.sendInput.Update(msg)
	return m, cmd
}

func (m *tuiModel) View() string {
	if m.width == 0 {
		return "Loading..."
	}
	if m.mode == modeSend {
		return m.viewSend()
	}
	return m.viewList()
}

func (m *tuiModel) viewList() string {
	var b strings.Builder

	b.WriteString(m.st.title.Render(m.title))
	b.WriteString("  ")
	b.WriteString(m.st.dim.Render("Enter/1-9=jump  p/r=pause/resume  x=stop  t=type  /=filter  a=all  q=quit"))
	b.WriteString("\n")

	if m.mode == modeFilter || m.filter.Value() != "" {
		b.WriteString(m.filter.View())
		b.WriteString("\n")
	}

	if len(m.visible) == 0 {
		if len(m.workers) == 0 {
			b.WriteString("  No workers.\n")
		} else {
			b.WriteString("  No workers match.\n")
		}
	}

	// Layout: cursor+key | icon | name | progress | task
	const keyWidth, barWidth = 4, 12
	nameWidth := 12
	for _, idx := range m.visible {
		if w := runewidth.StringWidth(m.workers[idx].DescriptiveName); w > nameWidth {
			nameWidth = w
		}
	}
	if nameWidth > 28 {
		nameWidth = 28
	}
	taskWidth := m.width - keyWidth - 2 - nameWidth - barWidth - 8
	if taskWidth < 10 {
		taskWidth = 10
	}

	maxRows := m.height - 4
	if maxRows < 1 {
		maxRows = 1
	}
	start := 0
	if m.cursor >= maxRows {
		start = m.cursor - maxRows + 1
	}
	end := min(len(m.visible), start+maxRows)

	for i := start; i < end; i++ {
		w := m.workers[m.visible[i]]
		cursor := "  "
		if i == m.cursor {
			cursor = "→ "
		}
		name := padRight(truncate(w.DescriptiveName, nameWidth), nameWidth)
		bar := progressBar(w.Progress, barWidth-5) + fmt.Sprintf(" %3d%%", w.Progress)
		task := truncate(oneLine(w.TaskDescription), taskWidth)
		if w.Status == model.StatusError && w.Error != "" {
			task = truncate(w.Error, taskWidth)
		} else if e, ok := m.activity.Latest(w.ID, m.now()); ok {
			task = truncate("["+string(e.Kind)+"] "+oneLine(w.TaskDescription), taskWidth)
		}

		if i == m.cursor {
			line := fmt.Sprintf("%s%-2s %s %s  %s  %s", cursor, w.KeyLabel(), statusIcon(w.Status), name, bar, task)
			b.WriteString(m.st.selected.Render(padRight(line, m.width)))
		} else {
			b.WriteString(cursor)
			b.WriteString(m.st.key.Render(fmt.Sprintf("%-2s", w.KeyLabel())))
			b.WriteString(" ")
			b.WriteString(m.statusStyle(w.Status).Render(statusIcon(w.Status)))
			b.WriteString(" ")
			b.WriteString(m.st.text.Render(name))
			b.WriteString("  ")
			b.WriteString(m.st.dim.Render(bar))
			b.WriteString("  ")
			b.WriteString(m.st.dim.Render(task))
		}
		b.WriteString("\n")
	}

	b.WriteString(m.st.dim.Render(m.summary()))
	b.WriteString("\n")
	if m.message != "" {
		b.WriteString(m.st.dim.Render("  " + m.message))
		b.WriteString("\n")
	}
	return b.String()
}

// summary counts workers per status.
func (m *tuiModel) summary() string {
	counts := map[model.Status]int{}
	for _, w := range m.workers {
		counts[w.Status]++
	}
	s := fmt.Sprintf("  %d running | %d paused | %d pending", counts[model.StatusRunning], counts[model.StatusPaused], counts[model.StatusPending])
	if m.showInactive {
		s += fmt.Sprintf(" | %d done | %d failed", counts[model.StatusCompleted], counts[model.StatusError])
	}
	if m.events > 0 {
		s += fmt.Sprintf(" | %d events, last %s", m.events, m.lastEvent.Kind)
	}
	return s
}

func (m *tuiModel) viewSend() string {
	if m.sendTo == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(m.st.title.Render("  Send to worker"))
	b.WriteString("\n")
	b.WriteString(m.st.header.Render("  " + strings.Repeat("─", 41)))
	b.WriteString("\n")
	fmt.Fprintf(&b, "  Worker: %s (%s)\n", m.sendTo.DescriptiveName, m.sendTo.ID)
	fmt.Fprintf(&b, "  Task:   %s\n", truncate(oneLine(m.sendTo.TaskDescription), 60))
	b.WriteString("\n")
	b.WriteString(m.st.dim.Render("  Enter=send  Escape=cancel"))
	b.WriteString("\n\n")
	b.WriteString("  " + m.sendInput.View())
	b.WriteString("\n")
	return b.String()
}

func (m *tuiModel) statusStyle(s model.Status) lipgloss.Style {
	switch s {
	case model.StatusRunning:
		return m.st.running
	case model.StatusPaused:
		return m.st.paused
	case model.StatusCompleted:
		return m.st.done
	case model.StatusError:
		return m.st.err
	default:
		return m.st.dim
	}
}

func statusIcon(s model.Status) string {
	switch s {
	case model.StatusRunning:
		return "●"
	case model.StatusPaused:
		return "‖"
	case model.StatusCompleted:
		return "✓"
	case model.StatusError:
		return "✗"
	default:
		return "·"
	}
}

// progressBar renders pct (0-100) as a bar of width cells.
func progressBar(pct, width int) string {
	if width <= 0 {
		return ""
	}
	pct = max(0, min(100, pct))
	filled := pct * width / 100
	return strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// truncate cuts s to at most maxWidth terminal cells.
func truncate(s string, maxWidth int) string {
	if runewidth.StringWidth(s) <= maxWidth {
		return s
	}
	if maxWidth <= 3 {
		return runewidth.Truncate(s, maxWidth, "")
	}
	return runewidth.Truncate(s, maxWidth, "...")
}

// padRight pads s with spaces to the given visible width, ignoring ANSI
// escape sequences.
func padRight(s string, width int) string {
	visible := lipgloss.Width(s)
	if visible >= width {
		return s
	}
	return s + strings.Repeat(" ", width-visible)
}
