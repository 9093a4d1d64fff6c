package engine

// InvalidationResult summarizes one InvalidateFromRoots call.
type InvalidationResult struct {
	// Cleared is the number of entries matching the predicate that were
	// reset to NotStarted (stored result and edges discarded).
	Cleared int
	// Dirtied is the number of entries, reachable from the cleared set
	// by following dependents, that transitioned Completed -> Dirty.
	Dirtied int
}

// InvalidateFromRoots clears every entry whose node satisfies pred, then
// propagates Dirty to every Completed entry reachable from the cleared
// set by walking dependents (entries that declared a cleared entry as a
// dependency, transitively). Running or Cleaning entries in that reverse
// closure have their in-flight work discarded as ErrInvalidated rather
// than being left to complete with stale inputs.
func (g *Graph[N, I]) InvalidateFromRoots(pred func(N) bool) InvalidationResult {
	g.mu.Lock()
	defer g.mu.Unlock()

	var result InvalidationResult

	roots := make([]EntryID, 0)
	for id, e := range g.entries {
		if pred(e.node) {
			roots = append(roots, id)
			g.clearEntryLocked(e)
			result.Cleared++
		}
	}

	visited := make(map[EntryID]bool, len(roots))
	queue := append([]EntryID(nil), roots...)
	for _, id := range roots {
		visited[id] = true
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, dependent := range g.dependents[id] {
			if visited[dependent] {
				continue
			}
			visited[dependent] = true
			queue = append(queue, dependent)

			e := g.entries[dependent]
			switch e.state {
			case StateCompleted:
				g.setStateLocked(e, StateDirty)
				result.Dirtied++
			case StateRunning, StateCleaning:
				g.discardInFlightLocked(e)
			}
		}
	}

	g.observer.Invalidated(result)
	return result
}

// clearEntryLocked resets e to NotStarted: stored result, declared
// dependency edges and any in-flight waiters are all discarded. Waiters
// are failed with ErrInvalidated rather than left hanging.
func (g *Graph[N, I]) clearEntryLocked(e *entry[N, I]) {
	g.removeEdgesFromLocked(e.id)
	e.deps, e.depOutcomes = nil, nil
	e.pendingDeps, e.pendingOutcomes = nil, nil
	e.outcome = outcome[I]{}
	e.runToken++
	g.setStateLocked(e, StateNotStarted)
	g.notifyWaitersLocked(e, outcome[I]{err: ErrInvalidated})
}

// discardInFlightLocked cuts off a Running/Cleaning entry reachable from
// an invalidation without waiting for its goroutine to notice: its
// run_token is bumped so that goroutine's eventual completion is a
// silent no-op, and its current waiters are failed immediately so they
// can retry against current state instead of blocking on a computation
// that is already known to be stale.
func (g *Graph[N, I]) discardInFlightLocked(e *entry[N, I]) {
	e.runToken++
	e.pendingDeps, e.pendingOutcomes = nil, nil
	g.setStateLocked(e, StateNotStarted)
	g.notifyWaitersLocked(e, outcome[I]{err: ErrInvalidated})
}
