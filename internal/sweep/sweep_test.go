package sweep

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	noopmetric "go.opentelemetry.io/otel/metric/noop"

	"github.com/swarmguard/incgraph/internal/store"
)

func newTestController(t *testing.T) *Controller {
	t.Helper()
	mp := noopmetric.MeterProvider{}
	st, err := store.Open(filepath.Join(t.TempDir(), "incgraph.db"), mp.Meter("test"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewController(st, nil, log)
}

func TestAddScheduleRejectsUnknownPredicate(t *testing.T) {
	c := newTestController(t)
	err := c.AddSchedule(context.Background(), store.SweepSchedule{
		Name: "x", CronExpr: "0 0 * * * *", PredicateLabel: "missing", Enabled: true,
	})
	if err == nil {
		t.Fatal("want error for unregistered predicate label")
	}
}

func TestFireRecordsInvalidationAndNeverTouchesGraphDirectly(t *testing.T) {
	c := newTestController(t)
	calls := 0
	c.RegisterPredicate("all", func() InvalidateResult {
		calls++
		return InvalidateResult{Cleared: 2, Dirtied: 5}
	})

	sched := store.SweepSchedule{Name: "nightly", CronExpr: "0 0 2 * * *", PredicateLabel: "all", Enabled: true}
	c.fire(context.Background(), sched)

	if calls != 1 {
		t.Fatalf("want predicate invoked once, got %d", calls)
	}
	recs, err := c.store.RecentInvalidations(context.Background(), 10)
	if err != nil {
		t.Fatalf("recent invalidations: %v", err)
	}
	if len(recs) != 1 || recs[0].Cleared != 2 || recs[0].Dirtied != 5 {
		t.Fatalf("want one record {2,5}, got %v", recs)
	}
}

func TestRestoreSchedulesSkipsDisabled(t *testing.T) {
	c := newTestController(t)
	c.RegisterPredicate("all", func() InvalidateResult { return InvalidateResult{} })

	ctx := context.Background()
	if err := c.store.PutSchedule(ctx, store.SweepSchedule{Name: "on", CronExpr: "0 0 * * * *", PredicateLabel: "all", Enabled: true}); err != nil {
		t.Fatalf("put on: %v", err)
	}
	if err := c.store.PutSchedule(ctx, store.SweepSchedule{Name: "off", CronExpr: "0 0 * * * *", PredicateLabel: "all", Enabled: false}); err != nil {
		t.Fatalf("put off: %v", err)
	}

	if err := c.RestoreSchedules(ctx); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if _, ok := c.cronIDs["on"]; !ok {
		t.Fatal("want enabled schedule restored into cron")
	}
	if _, ok := c.cronIDs["off"]; ok {
		t.Fatal("want disabled schedule not restored into cron")
	}
}

func TestZeroSchedulesNeverInvalidates(t *testing.T) {
	c := newTestController(t)
	calls := 0
	c.RegisterPredicate("all", func() InvalidateResult { calls++; return InvalidateResult{} })
	c.Start()
	defer c.Stop(context.Background())

	if calls != 0 {
		t.Fatalf("want zero predicate calls with no registered schedules, got %d", calls)
	}
}
