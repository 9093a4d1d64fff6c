package engine

import (
	"context"
	"errors"
)

// Create resolves node as a top-level request: no calling entry, so no
// dependency edge is declared and no cycle check runs. It is exactly
// Get with caller == 0.
func (g *Graph[N, I]) Create(ctx context.Context, node N, rc NodeContext) (I, error) {
	return g.request(ctx, 0, rc, node)
}

// Get resolves dep on behalf of caller, declaring a dependency edge from
// caller to dep's entry. caller must be the EntryID of an entry currently
// Running or Cleaning (i.e. the EntryID threaded into the NodeContext
// that CloneFor produced for the calling Run).
func (g *Graph[N, I]) Get(ctx context.Context, caller EntryID, rc NodeContext, dep N) (I, error) {
	return g.request(ctx, caller, rc, dep)
}

func (g *Graph[N, I]) request(ctx context.Context, caller EntryID, rc NodeContext, node N) (I, error) {
	g.mu.Lock()
	id := g.ensureEntryLocked(node)
	if caller != 0 {
		if err := g.declareDepLocked(caller, id); err != nil {
			g.mu.Unlock()
			var zero I
			return zero, err
		}
	}
	e := g.entries[id]

	forceRun := !e.node.Cacheable() && e.state != StateRunning && e.state != StateCleaning

	switch {
	case forceRun, e.state == StateNotStarted:
		ch := make(chan outcome[I], 1)
		e.waiters = append(e.waiters, ch)
		g.startRunLocked(ctx, e, rc)
		g.mu.Unlock()
		return g.await(ctx, caller, id, ch)

	case e.state == StateDirty:
		ch := make(chan outcome[I], 1)
		e.waiters = append(e.waiters, ch)
		g.startCleaningLocked(ctx, e, rc)
		g.mu.Unlock()
		return g.await(ctx, caller, id, ch)

	case e.state == StateCompleted:
		out := e.outcome
		g.observer.CacheHit(id)
		g.mu.Unlock()
		return g.recordAndReturn(caller, id, out)

	default: // Running or Cleaning: join the existing waiters.
		ch := make(chan outcome[I], 1)
		e.waiters = append(e.waiters, ch)
		g.mu.Unlock()
		return g.await(ctx, caller, id, ch)
	}
}

// await blocks until ch delivers an outcome or ctx is cancelled, then
// records the outcome against caller's in-flight dependency declaration.
func (g *Graph[N, I]) await(ctx context.Context, caller, id EntryID, ch chan outcome[I]) (I, error) {
	select {
	case out := <-ch:
		return g.recordAndReturn(caller, id, out)
	case <-ctx.Done():
		var zero I
		return zero, ctx.Err()
	}
}

func (g *Graph[N, I]) recordAndReturn(caller, id EntryID, out outcome[I]) (I, error) {
	if caller != 0 {
		g.mu.Lock()
		if ce, ok := g.entries[caller]; ok && ce.pendingOutcomes != nil {
			ce.pendingOutcomes[id] = out
		}
		g.mu.Unlock()
	}
	return out.val, out.err
}

// startRunLocked transitions e to Running and launches its Node.Run in a
// fresh goroutine. Any previously declared edges are removed up front:
// the new run redeclares its dependencies from scratch, which is also
// how a node is allowed to change which dependencies it uses between
// runs (Invariant: the edge set of a Completed entry always equals
// exactly the deps requested by its most recent successful run).
func (g *Graph[N, I]) startRunLocked(ctx context.Context, e *entry[N, I], rc NodeContext) {
	g.removeEdgesFromLocked(e.id)
	e.pendingDeps = nil
	e.pendingOutcomes = make(map[EntryID]outcome[I])
	e.runToken++
	token := e.runToken
	g.setStateLocked(e, StateRunning)

	nodeCtx := rc.CloneFor(e.id)
	node := e.node
	id := e.id
	go func() {
		val, err := node.Run(ctx, nodeCtx)
		g.completeRun(id, token, outcome[I]{val: val, err: err})
	}()
}

func (g *Graph[N, I]) completeRun(id EntryID, token uint64, out outcome[I]) {
	g.mu.Lock()
	defer g.mu.Unlock()

	e, ok := g.entries[id]
	if !ok || e.runToken != token {
		return // stale: superseded by invalidation, a drain, or a newer run
	}

	if isTransientFailure(out.err) || g.draining.Load() {
		failErr := out.err
		if g.draining.Load() {
			failErr = ErrInvalidated
		}
		g.setStateLocked(e, StateNotStarted)
		e.pendingDeps, e.pendingOutcomes = nil, nil
		g.notifyWaitersLocked(e, outcome[I]{err: failErr})
		g.observer.RunCompleted(id, e.generation, failErr)
		return
	}

	e.outcome = out
	e.generation++
	e.deps, e.depOutcomes = commitPending(e.pendingDeps, e.pendingOutcomes)
	e.pendingDeps, e.pendingOutcomes = nil, nil
	g.setStateLocked(e, StateCompleted)
	if !e.node.Cacheable() {
		g.setStateLocked(e, StateDirty)
	}
	g.notifyWaitersLocked(e, out)
	g.observer.RunCompleted(id, e.generation, out.err)
}

// startCleaningLocked transitions e to Cleaning and launches a goroutine
// that re-requests e's previously declared dependencies, in declaration
// order, to decide whether the stored result can be kept. Structural
// edges are left untouched: they are only rebuilt by a subsequent
// startRunLocked if Cleaning discovers a change.
func (g *Graph[N, I]) startCleaningLocked(ctx context.Context, e *entry[N, I], rc NodeContext) {
	e.pendingDeps = nil
	e.pendingOutcomes = make(map[EntryID]outcome[I])
	e.runToken++
	token := e.runToken
	g.setStateLocked(e, StateCleaning)

	priorDeps := append([]EntryID(nil), e.deps...)
	priorOutcomes := append([]outcome[I](nil), e.depOutcomes...)
	depNodes := make([]N, len(priorDeps))
	for i, d := range priorDeps {
		depNodes[i] = g.entries[d].node
	}
	nodeCtx := rc.CloneFor(e.id)
	id := e.id

	go g.runCleaning(ctx, id, token, nodeCtx, depNodes, priorOutcomes)
}

func (g *Graph[N, I]) runCleaning(ctx context.Context, id EntryID, token uint64, nodeCtx NodeContext, depNodes []N, priorOutcomes []outcome[I]) {
	changed := false
	for i, depNode := range depNodes {
		val, err := g.Get(ctx, id, nodeCtx, depNode)
		if !outcomesEqual(outcome[I]{val: val, err: err}, priorOutcomes[i]) {
			changed = true
			break
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	e, ok := g.entries[id]
	if !ok || e.runToken != token {
		return
	}

	if changed || g.draining.Load() {
		if g.draining.Load() && !changed {
			// Draining cut the clean off before it could even observe a
			// change; fail outright rather than starting a doomed run.
			g.setStateLocked(e, StateNotStarted)
			e.pendingDeps, e.pendingOutcomes = nil, nil
			g.notifyWaitersLocked(e, outcome[I]{err: ErrInvalidated})
			return
		}
		g.startRunLocked(ctx, e, nodeCtx)
		return
	}

	e.deps, e.depOutcomes = commitPending(e.pendingDeps, e.pendingOutcomes)
	e.pendingDeps, e.pendingOutcomes = nil, nil
	e.generation++
	g.setStateLocked(e, StateCompleted)
	if !e.node.Cacheable() {
		g.setStateLocked(e, StateDirty)
	}
	g.notifyWaitersLocked(e, e.outcome)
	g.observer.RunCompleted(id, e.generation, e.outcome.err)
}

func commitPending[I any](pendingDeps []EntryID, pendingOutcomes map[EntryID]outcome[I]) ([]EntryID, []outcome[I]) {
	deps := append([]EntryID(nil), pendingDeps...)
	outcomes := make([]outcome[I], len(deps))
	for i, d := range deps {
		outcomes[i] = pendingOutcomes[d]
	}
	return deps, outcomes
}

func isTransientFailure(err error) bool {
	return errors.Is(err, ErrInvalidated) || errors.Is(err, ErrCyclic)
}
