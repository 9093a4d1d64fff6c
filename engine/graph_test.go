package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/swarmguard/incgraph/engine"
)

func newTestGraph() *engine.Graph[node, int] {
	return engine.NewGraph[node, int]()
}

func TestCreateCachesResult(t *testing.T) {
	reg := newRegistry()
	reg.setBase(1, 5)
	reg.setBase(2, 7)
	reg.setDeps(1, 2)

	g := newTestGraph()
	ctx := context.Background()

	v, err := g.Create(ctx, node{id: 1, reg: reg}, rootContext(g))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 12 {
		t.Fatalf("want 12, got %d", v)
	}
	if reg.runCount(1) != 1 || reg.runCount(2) != 1 {
		t.Fatalf("want one run each, got %d/%d", reg.runCount(1), reg.runCount(2))
	}

	v2, err := g.Create(ctx, node{id: 1, reg: reg}, rootContext(g))
	if err != nil || v2 != 12 {
		t.Fatalf("want cached 12, got %d, %v", v2, err)
	}
	if reg.runCount(1) != 1 {
		t.Fatalf("expected cached result, no rerun; run count %d", reg.runCount(1))
	}
}

func TestGetRejectsSynchronousCycle(t *testing.T) {
	reg := newRegistry()
	reg.setDeps(1, 2)
	reg.setDeps(2, 1)

	g := newTestGraph()
	ctx := context.Background()

	_, err := g.Create(ctx, node{id: 1, reg: reg}, rootContext(g))
	if !errors.Is(err, engine.ErrCyclic) {
		t.Fatalf("want ErrCyclic, got %v", err)
	}
}

func TestInvalidateAndClean(t *testing.T) {
	reg := newRegistry()
	reg.setBase(1, 0)
	reg.setBase(2, 10)
	reg.setDeps(1, 2)

	g := newTestGraph()
	ctx := context.Background()

	v, err := g.Create(ctx, node{id: 1, reg: reg}, rootContext(g))
	if err != nil || v != 10 {
		t.Fatalf("setup: want 10, got %d, %v", v, err)
	}

	result := g.InvalidateFromRoots(func(n node) bool { return n.id == 2 })
	if result.Cleared != 1 || result.Dirtied != 1 {
		t.Fatalf("want cleared=1 dirtied=1, got %+v", result)
	}

	v, err = g.Create(ctx, node{id: 1, reg: reg}, rootContext(g))
	if err != nil || v != 10 {
		t.Fatalf("want unchanged 10 after clean, got %d, %v", v, err)
	}
	if reg.runCount(2) != 2 {
		t.Fatalf("want dependency rerun, got run count %d", reg.runCount(2))
	}
	if reg.runCount(1) != 1 {
		t.Fatalf("want dependent NOT rerun (clean kept it), got run count %d", reg.runCount(1))
	}
}

func TestInvalidateAndRerun(t *testing.T) {
	reg := newRegistry()
	reg.setBase(1, 0)
	reg.setBase(2, 10)
	reg.setDeps(1, 2)

	g := newTestGraph()
	ctx := context.Background()

	v, err := g.Create(ctx, node{id: 1, reg: reg}, rootContext(g))
	if err != nil || v != 10 {
		t.Fatalf("setup: want 10, got %d, %v", v, err)
	}

	g.InvalidateFromRoots(func(n node) bool { return n.id == 2 })
	reg.setBase(2, 99) // dependency's own computation now yields a different value

	v, err = g.Create(ctx, node{id: 1, reg: reg}, rootContext(g))
	if err != nil || v != 99 {
		t.Fatalf("want rerun reflecting changed dependency (99), got %d, %v", v, err)
	}
	if reg.runCount(1) != 2 {
		t.Fatalf("want dependent rerun since dependency changed, got run count %d", reg.runCount(1))
	}
}

func TestInvalidateWithChangedDependencies(t *testing.T) {
	reg := newRegistry()
	reg.setBase(1, 0)
	reg.setBase(2, 10)
	reg.setBase(3, 1000)
	reg.setDeps(1, 2)

	g := newTestGraph()
	ctx := context.Background()

	v, err := g.Create(ctx, node{id: 1, reg: reg}, rootContext(g))
	if err != nil || v != 10 {
		t.Fatalf("setup: want 10, got %d, %v", v, err)
	}

	// Switch node 1's declared dependency from 2 to 3, and clear node 1
	// itself so the switch takes effect (Cleaning only re-validates
	// existing deps; a changed dependency set requires a fresh Run).
	reg.setDeps(1, 3)
	g.InvalidateFromRoots(func(n node) bool { return n.id == 1 })

	v, err = g.Create(ctx, node{id: 1, reg: reg}, rootContext(g))
	if err != nil || v != 1000 {
		t.Fatalf("want 1000 after switching dependency, got %d, %v", v, err)
	}
	runsBefore := reg.runCount(1)

	// Node 1 no longer depends on node 2: invalidating node 2 must not
	// reach node 1 at all.
	result := g.InvalidateFromRoots(func(n node) bool { return n.id == 2 })
	if result.Dirtied != 0 {
		t.Fatalf("want node 1 no longer reachable from node 2, got dirtied=%d", result.Dirtied)
	}
	v, err = g.Create(ctx, node{id: 1, reg: reg}, rootContext(g))
	if err != nil || v != 1000 || reg.runCount(1) != runsBefore {
		t.Fatalf("want node 1 unaffected, got %d runs=%d err=%v", v, reg.runCount(1), err)
	}

	// Node 3, its current dependency, does still reach it.
	result = g.InvalidateFromRoots(func(n node) bool { return n.id == 3 })
	if result.Dirtied != 1 {
		t.Fatalf("want node 1 dirtied via its current dependency, got %+v", result)
	}
}

func TestDrainAndResume(t *testing.T) {
	reg := newRegistry()
	reg.setBase(1, 42)
	reg.setDelay(1, 150*time.Millisecond)

	g := newTestGraph()
	ctx := context.Background()

	type res struct {
		v   int
		err error
	}
	resultCh := make(chan res, 1)
	go func() {
		v, err := g.Create(ctx, node{id: 1, reg: reg}, rootContext(g))
		resultCh <- res{v, err}
	}()

	time.Sleep(30 * time.Millisecond)
	if err := g.MarkDraining(true); err != nil {
		t.Fatalf("MarkDraining(true): %v", err)
	}

	select {
	case r := <-resultCh:
		if !errors.Is(r.err, engine.ErrInvalidated) {
			t.Fatalf("want ErrInvalidated from a drained run, got v=%d err=%v", r.v, r.err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for drained request to unblock")
	}

	if err := g.MarkDraining(false); err != nil {
		t.Fatalf("MarkDraining(false): %v", err)
	}
	reg.setDelay(1, 0)

	v, err := g.Create(ctx, node{id: 1, reg: reg}, rootContext(g))
	if err != nil || v != 42 {
		t.Fatalf("want clean resumption after undraining, got %d, %v", v, err)
	}
}

func TestMarkDrainingRejectsRedundantCall(t *testing.T) {
	g := newTestGraph()
	if err := g.MarkDraining(true); err != nil {
		t.Fatalf("first call: %v", err)
	}
	if err := g.MarkDraining(true); !errors.Is(err, engine.ErrDraining) {
		t.Fatalf("want ErrDraining on redundant call, got %v", err)
	}
}

func TestUncacheableNodeRerunsEveryRequest(t *testing.T) {
	reg := newRegistry()
	reg.setBase(1, 1)
	reg.setUncacheable(1, true)

	g := newTestGraph()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := g.Create(ctx, node{id: 1, reg: reg}, rootContext(g))
		if err != nil {
			t.Fatalf("iteration %d: %v", i, err)
		}
	}
	if reg.runCount(1) != 3 {
		t.Fatalf("want a rerun on every request, got run count %d", reg.runCount(1))
	}
}

// TestCyclicDirtying demonstrates that a dependency edge may reverse
// direction across a generation boundary: once the old edge's owner has
// genuinely been recomputed (not merely marked Dirty) without
// redeclaring the old edge, the reverse edge is free to be declared,
// because cycle detection only considers entries currently Completed or
// Running — an entry that has already moved past its stale edges
// (by actually rerunning) no longer contributes them to any reachability
// check.
func TestCyclicDirtying(t *testing.T) {
	reg := newRegistry()
	reg.setBase(1, 1)
	reg.setBase(2, 2)
	reg.setDeps(1, 2) // node 1 depends on node 2

	g := newTestGraph()
	ctx := context.Background()

	if _, err := g.Create(ctx, node{id: 1, reg: reg}, rootContext(g)); err != nil {
		t.Fatalf("setup: %v", err)
	}

	// Sever node 1's dependency and force it through a real rerun, so
	// its edge to node 2 is structurally removed rather than merely
	// stale.
	reg.setDeps(1)
	g.InvalidateFromRoots(func(n node) bool { return n.id == 1 })
	if _, err := g.Create(ctx, node{id: 1, reg: reg}, rootContext(g)); err != nil {
		t.Fatalf("rerun without dependency: %v", err)
	}

	// Now reverse direction: node 2 depends on node 1.
	reg.setDeps(2, 1)
	g.InvalidateFromRoots(func(n node) bool { return n.id == 2 })
	v, err := g.Create(ctx, node{id: 2, reg: reg}, rootContext(g))
	if err != nil {
		t.Fatalf("want reversed edge to succeed, got %v", err)
	}
	if v != 3 {
		t.Fatalf("want node 2's value to reflect node 1, got %d", v)
	}
}
