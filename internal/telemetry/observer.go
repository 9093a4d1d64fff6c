package telemetry

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/incgraph/engine"
)

// GraphObserver is the concrete engine.Observer implementation wired into
// cmd/incgraphd. The engine package itself never
// imports slog or OpenTelemetry; this type is where those ambient
// concerns attach, grounded on the teacher's pattern of keeping
// otelinit/logging as separate packages the business logic depends on
// rather than the other way around.
type GraphObserver struct {
	log  *slog.Logger
	inst Instruments
}

// NewGraphObserver builds an Observer that logs through log and emits the
// counters in inst. Pass the Instruments returned by InitMetrics.
func NewGraphObserver(log *slog.Logger, inst Instruments) *GraphObserver {
	return &GraphObserver{log: log, inst: inst}
}

func (o *GraphObserver) EntryCreated(id engine.EntryID) {
	o.inst.EntriesTotal.Add(context.Background(), 1)
	o.log.Debug("entry created", "entry", id)
}

func (o *GraphObserver) StateChanged(id engine.EntryID, from, to engine.EntryState) {
	o.log.Debug("entry state changed", "entry", id, "from", from, "to", to)
}

// RunCompleted logs a successful run at Info, an expected engine-level
// rejection (ErrCyclic, ErrInvalidated — every Get against a cyclic or
// concurrently-invalidated entry produces one of these, so they are
// routine rather than exceptional) at Debug, and any other error — a
// real failure inside a Node's own Run — at Warn, since that is the one
// case an operator actually wants paged on.
func (o *GraphObserver) RunCompleted(id engine.EntryID, generation uint64, err error) {
	ctx := context.Background()
	if err == nil {
		o.inst.RunsTotal.Add(ctx, 1)
		o.log.Info("run completed", "entry", id, "generation", generation)
		return
	}
	o.inst.RunFailuresTotal.Add(ctx, 1)
	if errors.Is(err, engine.ErrCyclic) || errors.Is(err, engine.ErrInvalidated) {
		o.log.Debug("run completed with expected engine error", "entry", id, "generation", generation, "error", err)
		return
	}
	o.log.Warn("run completed with node error", "entry", id, "generation", generation, "error", err)
}

func (o *GraphObserver) CacheHit(id engine.EntryID) {
	o.inst.CacheHitsTotal.Add(context.Background(), 1)
	o.log.Debug("cache hit", "entry", id)
}

// CyclicRejected fires every time declareDep would close a cycle — an
// expected, frequent outcome of how callers discover their dependency
// graph's shape, not a sign of a misbehaving node, so it logs at Debug.
func (o *GraphObserver) CyclicRejected(caller, dep engine.EntryID) {
	o.inst.CyclicRejectionsTotal.Add(context.Background(), 1)
	o.log.Debug("cyclic dependency rejected", "caller", caller, "dep", dep)
}

func (o *GraphObserver) Invalidated(result engine.InvalidationResult) {
	ctx := context.Background()
	o.inst.InvalidationsTotal.Add(ctx, int64(result.Cleared))
	o.inst.DirtiedTotal.Add(ctx, int64(result.Dirtied))
	o.log.Info("roots invalidated", "cleared", result.Cleared, "dirtied", result.Dirtied)
}

func (o *GraphObserver) DrainChanged(draining bool) {
	o.inst.DrainTransitionsTotal.Add(context.Background(), 1,
		metric.WithAttributes(attribute.Bool("draining", draining)))
	o.log.Info("drain state changed", "draining", draining)
}

// Span names for spans around Graph calls. cmd/incgraphd's handlers start
// spans named SpanGraphCreate, SpanGraphInvalidateFromRoots,
// SpanGraphMarkDraining and SpanGraphCriticalPath; SpanGraphGet is not
// started anywhere in this module.
const (
	SpanGraphGet                 = "graph.get"
	SpanGraphCreate              = "graph.create"
	SpanGraphInvalidateFromRoots = "graph.invalidate_from_roots"
	SpanGraphMarkDraining        = "graph.mark_draining"
	SpanGraphCriticalPath        = "graph.critical_path"
)
