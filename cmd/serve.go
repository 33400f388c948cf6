package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/timvw/orchflow/internal/events"
	"github.com/timvw/orchflow/internal/model"
	"github.com/timvw/orchflow/internal/orchestrator"
	"github.com/timvw/orchflow/internal/session"
	"github.com/timvw/orchflow/internal/status"
)

var (
	flagHeadless    bool
	flagTheme       string
	flagEventSocket string
	flagServeSort   string
)

// reloadDebounce coalesces bursts of store writes into one reload.
const reloadDebounce = 200 * time.Millisecond

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the live status view and collect worker reports",
	Long: `Run the status display for the orchestration session.

serve listens for worker exit and progress reports on a unix socket,
periodically checks the multiplexer for panes that died or vanished, and
picks up changes made by other orchflow invocations by watching the
snapshot store. In the status view, 1-9 jumps to a worker, / filters by
name, p/r pause and resume, x stops, t types text into the worker.

Run it in the status pane created by 'orchflow up'. Use --headless to run
without the display (e.g. as a background collector).`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().BoolVar(&flagHeadless, "headless", false, "collect reports and sync without the status display")
	serveCmd.Flags().StringVar(&flagTheme, "theme", "", "color theme: dark, light (default: from config)")
	serveCmd.Flags().StringVar(&flagEventSocket, "event-socket", "", "unix datagram socket for worker reports (default: from config)")
	serveCmd.Flags().StringVar(&flagServeSort, "sort", "", "sort by: created, priority, progress, name")
	rootCmd.AddCommand(serveCmd)
}

func runServe(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	s := newServer(a)
	if err := s.start(ctx); err != nil {
		return err
	}

	socket := flagEventSocket
	if socket == "" {
		socket = a.cfg.EventSocket
	}
	if socket == "" {
		socket = events.DefaultSocketPath()
	}
	collector := events.NewCollector(func(r events.Report) { s.applyReport(ctx, r) }, socket)
	collector.Logger = a.log
	if err := collector.Start(ctx); err != nil {
		return fmt.Errorf("report collector: %w", err)
	}
	a.log.Info("report collector listening", "socket", collector.SocketPath())

	go s.syncLoop(ctx, a.cfg.RefreshDuration)
	go s.watchStore(ctx)

	if flagHeadless {
		<-ctx.Done()
		return nil
	}

	theme := flagTheme
	if theme == "" {
		theme = a.cfg.Theme
	}
	tui := &status.TUI{
		Controller:      &serverController{s: s},
		Title:           "orchflow " + a.orch.SessionName(),
		Theme:           status.ThemeByName(theme),
		SortBy:          flagServeSort,
		RefreshInterval: a.cfg.RefreshDuration,
	}
	err = tui.Run(ctx)
	stop()
	return err
}

// server keeps one long-lived orchestrator in step with the snapshot store
// that short-lived invocations read and write.
type server struct {
	app *app

	// mu orders reload, mutation and save so a change made elsewhere is
	// never overwritten by a stale save.
	mu     sync.Mutex
	lastID string
}

func newServer(a *app) *server {
	return &server{app: a}
}

// start restores or sets up the session and records the state it saw.
func (s *server) start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.app.ensure(ctx); err != nil {
		return err
	}
	id, err := s.app.save(ctx)
	if err != nil {
		return err
	}
	s.lastID = id
	return nil
}

// update picks up external changes, runs fn and saves when fn reports a
// change.
func (s *server) update(ctx context.Context, fn func(ctx context.Context) (bool, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.reloadLocked(ctx); err != nil {
		s.app.log.Warn("reload before update", "err", err)
	}
	changed, err := fn(ctx)
	if !changed {
		return err
	}
	id, saveErr := s.app.save(ctx)
	if saveErr != nil {
		s.app.log.Warn("save state", "err", saveErr)
	} else {
		s.lastID = id
	}
	return err
}

// reload restores the newest snapshot if another process wrote it.
func (s *server) reload(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reloadLocked(ctx)
}

func (s *server) reloadLocked(ctx context.Context) (bool, error) {
	snap, err := s.app.persist.Load(ctx, "")
	if errors.Is(err, session.ErrSnapshotNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if snap.ID == s.lastID {
		return false, nil
	}
	rep, err := s.app.orch.Restore(ctx, snap.ID)
	if err != nil {
		return false, err
	}
	s.lastID = rep.SnapshotID
	s.app.log.Info("picked up external changes", "snapshot", rep.SnapshotID)
	return true, nil
}

func (s *server) applyReport(ctx context.Context, r events.Report) {
	err := s.update(ctx, func(ctx context.Context) (bool, error) {
		return true, s.app.orch.ApplyReport(ctx, r)
	})
	if err != nil {
		s.app.log.Warn("apply report", "worker", r.WorkerID, "pane", r.Pane, "kind", r.Kind, "err", err)
	}
}

// syncOnce reconciles the registry with the multiplexer.
func (s *server) syncOnce(ctx context.Context) (orchestrator.SyncReport, error) {
	var rep orchestrator.SyncReport
	err := s.update(ctx, func(ctx context.Context) (bool, error) {
		var err error
		rep, err = s.app.orch.Sync(ctx)
		return len(rep.Lost)+len(rep.Exited) > 0, err
	})
	return rep, err
}

func (s *server) syncLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.syncOnce(ctx); err != nil {
				s.app.log.Warn("sync", "err", err)
			}
		}
	}
}

// watchStore reloads when the snapshot store changes on disk. Without a
// usable watcher the sync loop's reload-before-update still catches up.
func (s *server) watchStore(ctx context.Context) {
	path := s.app.store.WatchPath()
	dir, match := watchTarget(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.app.log.Warn("store watch disabled", "path", dir, "err", err)
		return
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.app.log.Warn("store watch disabled", "err", err)
		return
	}
	defer func() { _ = watcher.Close() }()
	if err := watcher.Add(dir); err != nil {
		s.app.log.Warn("store watch disabled", "path", dir, "err", err)
		return
	}

	timer := time.NewTimer(reloadDebounce)
	timer.Stop()
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 && match(ev.Name) {
				timer.Reset(reloadDebounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.app.log.Warn("store watch", "err", err)
		case <-timer.C:
			if _, err := s.reload(ctx); err != nil {
				s.app.log.Warn("reload", "err", err)
			}
		}
	}
}

// watchTarget returns the directory to watch for a store path and a filter
// for event names. A file store watches its directory; a database file
// is watched through its directory, matching the file and its journals.
func watchTarget(path string) (string, func(string) bool) {
	if fi, err := os.Stat(path); err == nil && fi.IsDir() {
		return path, func(string) bool { return true }
	}
	if filepath.Ext(path) == "" {
		return path, func(string) bool { return true }
	}
	base := filepath.Base(path)
	return filepath.Dir(path), func(name string) bool {
		return strings.HasPrefix(filepath.Base(name), base)
	}
}

// serverController drives the orchestrator for the status view, saving
// after every change so other invocations see it.
type serverController struct {
	s *server
}

func (c *serverController) ListWorkers(sortBy string, includeInactive bool) ([]model.WorkerView, error) {
	return c.s.app.orch.ListWorkers(sortBy, includeInactive)
}

func (c *serverController) Subscribe(buffer int) events.Subscription {
	return c.s.app.orch.Subscribe(buffer)
}

func (c *serverController) Connect(ctx context.Context, identifier string) (orchestrator.ConnectResult, error) {
	var res orchestrator.ConnectResult
	err := c.s.update(ctx, func(ctx context.Context) (bool, error) {
		var err error
		res, err = c.s.app.orch.Connect(ctx, identifier)
		return true, err
	})
	return res, err
}

func (c *serverController) Pause(ctx context.Context, identifier string) (model.WorkerView, error) {
	return c.mutate(ctx, func(ctx context.Context) (model.WorkerView, error) {
		return c.s.app.orch.Pause(ctx, identifier)
	})
}

func (c *serverController) Resume(ctx context.Context, identifier string) (model.WorkerView, error) {
	return c.mutate(ctx, func(ctx context.Context) (model.WorkerView, error) {
		return c.s.app.orch.Resume(ctx, identifier)
	})
}

func (c *serverController) Stop(ctx context.Context, identifier string, keepRecord bool) (model.WorkerView, error) {
	return c.mutate(ctx, func(ctx context.Context) (model.WorkerView, error) {
		return c.s.app.orch.Stop(ctx, identifier, keepRecord)
	})
}

func (c *serverController) Send(ctx context.Context, identifier, text string) error {
	return c.s.update(ctx, func(ctx context.Context) (bool, error) {
		return false, c.s.app.orch.Send(ctx, identifier, text)
	})
}

func (c *serverController) mutate(ctx context.Context, op func(context.Context) (model.WorkerView, error)) (model.WorkerView, error) {
	var w model.WorkerView
	err := c.s.update(ctx, func(ctx context.Context) (bool, error) {
		var err error
		w, err = op(ctx)
		return err == nil, err
	})
	return w, err
}
