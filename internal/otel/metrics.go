package otel

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/timvw/orchflow/internal/mux"
)

const meterName = "orchflow"

// Metrics holds all OTEL metric instruments for orchflow.
// All counters are cumulative (monotonic) and safe for concurrent use.
type Metrics struct {
	// Worker lifecycle
	WorkersSpawned      metric.Int64Counter
	WorkerSpawnFailures metric.Int64Counter
	WorkersExited       metric.Int64Counter

	QuickAccessChanges metric.Int64Counter

	// Multiplexer calls (partitioned by backend, op, outcome)
	MuxCommands        metric.Int64Counter
	MuxCommandDuration metric.Float64Histogram

	Snapshots          metric.Int64Counter
	RestoreLostWorkers metric.Int64Counter

	EventsDropped metric.Int64Counter

	// LLM token counters for worker naming (partitioned by provider + model)
	InputTokens  metric.Int64Counter
	OutputTokens metric.Int64Counter
}

// NewMetrics creates all metric instruments. Returns no-op instruments
// when no MeterProvider is registered (safe to call unconditionally).
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error
	counter := func(name, desc string) metric.Int64Counter {
		if err != nil {
			return nil
		}
		var c metric.Int64Counter
		c, err = meter.Int64Counter(name, metric.WithDescription(desc))
		return c
	}

	m.WorkersSpawned = counter("workers.spawned", "Workers spawned successfully")
	m.WorkerSpawnFailures = counter("workers.spawn_failures", "Worker spawns that failed and were rolled back")
	m.WorkersExited = counter("workers.exited", "Workers that reached completed or error, by status")
	m.QuickAccessChanges = counter("quick_access.changes", "Quick-access keys whose holder changed")
	m.MuxCommands = counter("mux.commands", "Multiplexer commands by backend, op and outcome")
	m.Snapshots = counter("session.snapshots", "Session snapshots written")
	m.RestoreLostWorkers = counter("session.restore.lost_workers", "Workers whose pane was missing or dead on restore")
	m.EventsDropped = counter("events.dropped", "Lifecycle events dropped for slow subscribers")
	if err != nil {
		return nil, err
	}

	m.InputTokens, err = meter.Int64Counter("llm.tokens.input",
		metric.WithDescription("Total LLM input tokens consumed by worker naming"),
		metric.WithUnit("{token}"))
	if err != nil {
		return nil, err
	}
	m.OutputTokens, err = meter.Int64Counter("llm.tokens.output",
		metric.WithDescription("Total LLM output tokens consumed by worker naming"),
		metric.WithUnit("{token}"))
	if err != nil {
		return nil, err
	}

	m.MuxCommandDuration, err = meter.Float64Histogram("mux.command.duration",
		metric.WithDescription("Multiplexer command latency"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordSpawn records a spawn outcome.
func (m *Metrics) RecordSpawn(ctx context.Context, backend string, ok bool) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("mux.backend", backend))
	if ok {
		m.WorkersSpawned.Add(ctx, 1, attrs)
		return
	}
	m.WorkerSpawnFailures.Add(ctx, 1, attrs)
}

// RecordExit records a worker reaching a terminal status.
func (m *Metrics) RecordExit(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.WorkersExited.Add(ctx, 1, metric.WithAttributes(attribute.String("worker.status", status)))
}

// RecordQuickAccessChanges records n key holder changes.
func (m *Metrics) RecordQuickAccessChanges(ctx context.Context, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.QuickAccessChanges.Add(ctx, int64(n))
}

// RecordMuxCommand records one multiplexer call.
func (m *Metrics) RecordMuxCommand(ctx context.Context, backend, op string, d time.Duration, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("mux.backend", backend),
		attribute.String("mux.op", op),
		attribute.String("mux.outcome", outcome(err)),
	)
	m.MuxCommands.Add(ctx, 1, attrs)
	m.MuxCommandDuration.Record(ctx, d.Seconds(), attrs)
}

// MuxObserver adapts RecordMuxCommand to a mux.Observer.
func (m *Metrics) MuxObserver() mux.Observer {
	return func(backend, op string, d time.Duration, err error) {
		m.RecordMuxCommand(context.Background(), backend, op, d, err)
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, mux.ErrBackendUnavailable):
		return "backend_unavailable"
	case errors.Is(err, mux.ErrPaneNotFound):
		return "pane_not_found"
	default:
		return "command_failed"
	}
}

// RecordSnapshot records a snapshot write.
func (m *Metrics) RecordSnapshot(ctx context.Context, name string) {
	if m == nil {
		return
	}
	m.Snapshots.Add(ctx, 1, metric.WithAttributes(attribute.String("snapshot.name", name)))
}

// RecordRestoreLost records workers that lost their pane during a restore.
func (m *Metrics) RecordRestoreLost(ctx context.Context, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.RestoreLostWorkers.Add(ctx, int64(n))
}

// RecordEventDropped records one dropped event delivery.
func (m *Metrics) RecordEventDropped(ctx context.Context) {
	if m == nil {
		return
	}
	m.EventsDropped.Add(ctx, 1)
}

// RecordTokens records LLM token usage on the metric counters.
func (m *Metrics) RecordTokens(ctx context.Context, provider, model string, input, output int64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("llm.provider", provider),
		attribute.String("llm.model", model),
	)
	m.InputTokens.Add(ctx, input, attrs)
	m.OutputTokens.Add(ctx, output, attrs)
}
