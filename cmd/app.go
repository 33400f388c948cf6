package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/timvw/orchflow/internal/config"
	"github.com/timvw/orchflow/internal/env"
	"github.com/timvw/orchflow/internal/events"
	"github.com/timvw/orchflow/internal/flow"
	"github.com/timvw/orchflow/internal/mux"
	"github.com/timvw/orchflow/internal/naming"
	"github.com/timvw/orchflow/internal/orchestrator"
	telem "github.com/timvw/orchflow/internal/otel"
	"github.com/timvw/orchflow/internal/prompt"
	"github.com/timvw/orchflow/internal/session"
)

// autoSnapshot names the snapshots written after every command.
const autoSnapshot = "auto"

// app is the wiring shared by every command: configuration, telemetry,
// the snapshot store and an orchestrator built on top of them.
type app struct {
	cfg     *config.Config
	log     *slog.Logger
	tel     *telem.Telemetry
	store   session.Store
	persist *session.Persistence
	bus     *events.Bus
	orch    *orchestrator.Orchestrator
}

// newApp loads configuration and builds the orchestrator. Close must be
// called when done.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.ConfigFile != "" {
		slog.Debug("config loaded", "path", cfg.ConfigFile)
	}
	log := slog.Default()

	telem.Version = Version
	tel, err := telem.Init(ctx, telem.OTELConfig{
		Endpoint: cfg.OTELEndpoint,
		Headers:  cfg.OTELHeaders,
		Session:  cfg.SessionName,
	})
	if err != nil {
		warnf("otel init failed: %v", err)
	}
	var metrics *telem.Metrics
	if tel != nil {
		metrics = tel.Metrics
	}

	store, err := openStore(cfg)
	if err != nil {
		if tel != nil {
			tel.Shutdown(ctx)
		}
		return nil, err
	}

	flows, err := loadFlows(cfg)
	if err != nil {
		_ = store.Close()
		if tel != nil {
			tel.Shutdown(ctx)
		}
		return nil, err
	}

	runner := mux.NewExecRunner(cfg.CommandTimeoutDuration)
	muxOpts := muxOptions(cfg, runner, metrics.MuxObserver())
	flowRunner := flow.NewRunner(runner, prompt.Default(cfg.IsInteractive()), cfg.SetupTimeoutDuration)
	flowRunner.SetLogger(log)

	bus := events.NewBus(
		events.WithLogger(log),
		events.WithDropHook(func() { metrics.RecordEventDropped(context.Background()) }),
	)

	binary, err := os.Executable()
	if err != nil {
		binary = "orchflow"
	}

	deps := orchestrator.Deps{
		Detector:    env.NewDetector(),
		Router:      flow.NewRouter(flows),
		FlowRunner:  flowRunner,
		Adapters:    func(backend string) (mux.Adapter, error) { return mux.New(backend, muxOpts) },
		Namer:       newNamer(cfg, metrics, log),
		Persistence: session.New(store),
		Bus:         bus,
		Metrics:     metrics,
		Logger:      log,
	}
	if tel != nil {
		deps.Tracer = tel.Tracer
	}

	orch := orchestrator.New(orchestrator.Config{
		SessionName:   cfg.SessionName,
		PrimaryWidth:  cfg.PrimaryWidth,
		StatusWidth:   cfg.StatusWidth,
		WorkerCommand: cfg.WorkerCommand,
		APIEndpoint:   cfg.APIEndpoint,
		Binary:        binary,
		ReportExit:    cfg.ReportsExit(),
		TmuxConfPath:  filepath.Join(cfg.StateDir, "tmux.conf"),
		PinBackend:    cfg.Backend != "",
	}, deps)

	return &app{
		cfg:     cfg,
		log:     log,
		tel:     tel,
		store:   store,
		persist: deps.Persistence,
		bus:     bus,
		orch:    orch,
	}, nil
}

// Close releases the store and flushes telemetry.
func (a *app) Close(ctx context.Context) {
	if err := a.store.Close(); err != nil {
		a.log.Warn("close store", "err", err)
	}
	a.bus.Close()
	if a.tel != nil {
		a.tel.Shutdown(ctx)
	}
}

func openStore(cfg *config.Config) (session.Store, error) {
	switch cfg.Store {
	case "sqlite":
		if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
			return nil, fmt.Errorf("state dir: %w", err)
		}
		return session.NewSQLiteStore(cfg.StorePath())
	default:
		return session.NewFileStore(cfg.StorePath())
	}
}

func loadFlows(cfg *config.Config) (map[string]flow.Flow, error) {
	if cfg.FlowsFile != "" {
		flows, err := flow.Load(cfg.FlowsFile)
		if err != nil {
			return nil, fmt.Errorf("flows: %w", err)
		}
		return flows, nil
	}
	return flow.Defaults()
}

// newNamer returns the configured worker namer. LLM namers fall back to
// the heuristic when a call fails.
func newNamer(cfg *config.Config, metrics *telem.Metrics, log *slog.Logger) naming.Namer {
	llm := naming.LLMConfig{
		BaseURL:   cfg.NamerBaseURL,
		APIKey:    cfg.NamerAPIKey,
		Model:     cfg.NamerModel,
		MaxTokens: cfg.NamerMaxTokens,
		OnUsage:   metrics.RecordTokens,
	}
	if config.IsAzureEndpoint(cfg.NamerBaseURL) || os.Getenv("AZURE_RESOURCE_NAME") != "" {
		llm.ExtraHeaders = map[string]string{"api-key": cfg.NamerAPIKey}
	}

	var primary naming.Namer
	switch cfg.Namer {
	case "anthropic":
		primary = naming.NewAnthropicNamer(llm)
	case "openai":
		primary = naming.NewOpenAINamer(llm)
	default:
		return naming.Heuristic{}
	}
	if cfg.NamerAPIKey == "" {
		warnf("namer %s has no API key; using heuristic names", cfg.Namer)
		return naming.Heuristic{}
	}
	return naming.WithFallback(primary, func(err error) {
		log.Warn("worker naming failed, using heuristic", "namer", cfg.Namer, "err", err)
	})
}

// muxOptions builds adapter options. Backends pick their own directory
// under the state dir.
func muxOptions(cfg *config.Config, runner mux.Runner, observe mux.Observer) mux.Options {
	return mux.Options{
		Runner:   runner,
		Observer: observe,
		StateDir: cfg.StateDir,
	}
}

// load restores the latest snapshot, reconciling it with the live
// multiplexer. It reports false when there is nothing to restore.
func (a *app) load(ctx context.Context) (bool, error) {
	rep, err := a.orch.Restore(ctx, "")
	if errors.Is(err, session.ErrSnapshotNotFound) {
		return false, nil
	}
	if errors.Is(err, session.ErrSnapshotCorrupt) {
		return false, fmt.Errorf("%w (list snapshots with 'orchflow snapshots' and pick one with 'orchflow restore <id>')", err)
	}
	if err != nil {
		return false, err
	}
	for _, id := range rep.Lost {
		warnf("worker %s lost its pane", id)
	}
	return true, nil
}

// ensure restores the latest snapshot, or sets up a session when none
// exists yet.
func (a *app) ensure(ctx context.Context) error {
	ok, err := a.load(ctx)
	if err != nil || ok {
		return err
	}
	res, err := a.orch.Setup(ctx, orchestrator.SetupOptions{Backend: a.cfg.Backend})
	if err != nil {
		return fmt.Errorf("setup: %w", err)
	}
	for _, w := range res.Warnings {
		warnf("%s", w)
	}
	return nil
}

// save writes an auto snapshot, prunes old ones and returns the new id.
func (a *app) save(ctx context.Context) (string, error) {
	id, err := a.orch.Snapshot(ctx, autoSnapshot)
	if err != nil {
		return "", fmt.Errorf("save state: %w", err)
	}
	if a.cfg.KeepAutosaves > 0 {
		if _, err := a.store.Prune(ctx, autoSnapshot, a.cfg.KeepAutosaves); err != nil {
			a.log.Warn("prune snapshots", "err", err)
		}
	}
	return id, nil
}

// withApp runs fn against a restored orchestrator and saves the state
// afterwards, also when fn fails (a failed spawn may still have changed
// state).
func withApp(ctx context.Context, fn func(ctx context.Context, a *app) error) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close(ctx)

	if err := a.ensure(ctx); err != nil {
		return err
	}
	runErr := fn(ctx, a)
	if _, err := a.save(ctx); err != nil {
		if runErr == nil {
			return err
		}
		a.log.Warn("save state", "err", err)
	}
	return runErr
}
