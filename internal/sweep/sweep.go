// Package sweep schedules periodic InvalidateFromRoots calls against a
// graph on cron expressions, persisting schedules and an audit trail via
// internal/store — the same robfig/cron/v3 plus BoltDB combination the
// orchestrator used for its workflow schedules, repurposed from
// triggering workflow runs to triggering invalidation sweeps.
package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/incgraph/internal/eventbus"
	"github.com/swarmguard/incgraph/internal/resilience"
	"github.com/swarmguard/incgraph/internal/store"
)

// PredicateFunc is what a predicate label resolves to: a zero-argument
// closure over a concrete *engine.Graph[N, I] and its pred func(N) bool,
// built by the embedder (Controller itself stays generic-free so one
// Controller serves any N/I pair).
// NewController takes a closure of this shape rather than trying to
// express engine.NodeType generically here, since Controller itself must
// stay non-generic to be embedder-agnostic.
type PredicateFunc func() InvalidateResult

// InvalidateResult is the subset of engine.InvalidationResult the sweep
// controller records; kept as a plain struct so this package does not
// need to import the generic engine.Graph type.
type InvalidateResult struct {
	Cleared int
	Dirtied int
}

// Controller wraps a cron scheduler and a store, invoking a registered
// predicate function by label on each firing.
type Controller struct {
	cron  *cron.Cron
	store *store.Store
	pub   *eventbus.Publisher
	log   *slog.Logger

	mu        sync.RWMutex
	predicate map[string]PredicateFunc
	cronIDs   map[string]cron.EntryID

	sweepRuns metric.Int64Counter
	sweepFail metric.Int64Counter
	tracer    trace.Tracer
}

// NewController builds a Controller backed by st, optionally publishing
// events through pub (nil is fine — Publish methods are no-ops on a nil
// Publisher).
func NewController(st *store.Store, pub *eventbus.Publisher, log *slog.Logger) *Controller {
	meter := otel.Meter("incgraph")
	sweepRuns, _ := meter.Int64Counter("incgraph_sweep_runs_total")
	sweepFail, _ := meter.Int64Counter("incgraph_sweep_failures_total")
	return &Controller{
		cron:      cron.New(cron.WithSeconds()),
		store:     st,
		pub:       pub,
		log:       log,
		predicate: make(map[string]PredicateFunc),
		cronIDs:   make(map[string]cron.EntryID),
		sweepRuns: sweepRuns,
		sweepFail: sweepFail,
		tracer:    otel.Tracer("incgraph-sweep"),
	}
}

// RegisterPredicate associates label with fn so a persisted
// SweepSchedule naming label can be resolved back to a callable
// predicate on AddSchedule or RestoreSchedules. Predicates are
// functions and so cannot themselves survive a restart; the label is
// the serializable stand-in, exactly as the teacher's
// ScheduleConfig.WorkflowName stood in for a closure.
func (c *Controller) RegisterPredicate(label string, fn PredicateFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.predicate[label] = fn
}

// Start begins firing registered schedules.
func (c *Controller) Start() {
	c.cron.Start()
	c.log.Info("sweep controller started")
}

// Stop gracefully stops the scheduler, waiting for in-flight sweeps to
// finish or ctx to expire.
func (c *Controller) Stop(ctx context.Context) error {
	stopCtx := c.cron.Stop()
	select {
	case <-stopCtx.Done():
		c.log.Info("sweep controller stopped")
		return nil
	case <-ctx.Done():
		c.log.Warn("sweep controller stop timeout")
		return ctx.Err()
	}
}

// AddSchedule registers sched's cron expression to fire the predicate
// named by sched.PredicateLabel, and persists sched via internal/store
// (wrapped in resilience.Retry — BoltDB can return transient
// lock-timeout errors under concurrent writers).
func (c *Controller) AddSchedule(ctx context.Context, sched store.SweepSchedule) error {
	ctx, span := c.tracer.Start(ctx, "sweep.add_schedule",
		trace.WithAttributes(attribute.String("schedule", sched.Name), attribute.String("cron", sched.CronExpr)))
	defer span.End()

	c.mu.RLock()
	_, known := c.predicate[sched.PredicateLabel]
	c.mu.RUnlock()
	if !known {
		return fmt.Errorf("sweep: no predicate registered for label %q", sched.PredicateLabel)
	}

	id, err := c.cron.AddFunc(sched.CronExpr, func() { c.fire(context.Background(), sched) })
	if err != nil {
		return fmt.Errorf("add cron schedule: %w", err)
	}

	c.mu.Lock()
	c.cronIDs[sched.Name] = id
	c.mu.Unlock()

	_, err = resilience.Retry(ctx, "sweep_persist_schedule", 3, 50*time.Millisecond, func() (struct{}, error) {
		return struct{}{}, c.store.PutSchedule(ctx, sched)
	})
	if err != nil {
		return fmt.Errorf("persist schedule: %w", err)
	}

	c.log.Info("sweep schedule added", "schedule", sched.Name, "cron", sched.CronExpr)
	return nil
}

// RemoveSchedule unregisters and deletes the named schedule.
func (c *Controller) RemoveSchedule(ctx context.Context, name string) error {
	c.mu.Lock()
	if id, ok := c.cronIDs[name]; ok {
		c.cron.Remove(id)
		delete(c.cronIDs, name)
	}
	c.mu.Unlock()

	if err := c.store.DeleteSchedule(ctx, name); err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	c.log.Info("sweep schedule removed", "schedule", name)
	return nil
}

// RestoreSchedules reloads persisted, enabled schedules on startup,
// skipping any whose predicate label has not been registered via
// RegisterPredicate (the embedder is expected to register every label
// its schedules use before calling this).
func (c *Controller) RestoreSchedules(ctx context.Context) error {
	scheds, err := c.store.ListSchedules(ctx)
	if err != nil {
		return fmt.Errorf("list schedules: %w", err)
	}
	restored, failed := 0, 0
	for _, sched := range scheds {
		if !sched.Enabled {
			continue
		}
		if err := c.AddSchedule(ctx, sched); err != nil {
			c.log.Error("failed to restore sweep schedule", "schedule", sched.Name, "error", err)
			failed++
			continue
		}
		restored++
	}
	c.log.Info("sweep schedules restored", "restored", restored, "failed", failed)
	return nil
}

// fire runs one schedule's predicate, records the outcome, and notifies
// the event bus.
func (c *Controller) fire(ctx context.Context, sched store.SweepSchedule) {
	ctx, span := c.tracer.Start(ctx, "sweep.fire", trace.WithAttributes(attribute.String("schedule", sched.Name)))
	defer span.End()

	c.mu.RLock()
	predicate, ok := c.predicate[sched.PredicateLabel]
	c.mu.RUnlock()
	if !ok {
		c.sweepFail.Add(ctx, 1, metric.WithAttributes(attribute.String("schedule", sched.Name)))
		c.log.Error("sweep fired with no registered predicate", "schedule", sched.Name, "label", sched.PredicateLabel)
		return
	}

	start := time.Now()
	result := predicate()

	rec := store.InvalidationRecord{
		Timestamp:      start,
		Cleared:        result.Cleared,
		Dirtied:        result.Dirtied,
		PredicateLabel: sched.PredicateLabel,
	}
	_, err := resilience.Retry(ctx, "sweep_record_invalidation", 3, 50*time.Millisecond, func() (struct{}, error) {
		return struct{}{}, c.store.RecordInvalidation(ctx, rec)
	})
	if err != nil {
		c.log.Error("failed to record sweep run", "schedule", sched.Name, "error", err)
	}

	c.pub.PublishInvalidated(ctx, eventbus.InvalidatedEvent{
		PredicateLabel: sched.PredicateLabel,
		Cleared:        result.Cleared,
		Dirtied:        result.Dirtied,
		At:             start,
	})

	c.sweepRuns.Add(ctx, 1, metric.WithAttributes(
		attribute.String("schedule", sched.Name),
		attribute.Int("cleared", result.Cleared),
		attribute.Int("dirtied", result.Dirtied),
	))
	c.log.Info("sweep completed", "schedule", sched.Name, "cleared", result.Cleared, "dirtied", result.Dirtied,
		"duration_ms", time.Since(start).Milliseconds())
}
