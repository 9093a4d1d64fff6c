package engine

import "time"

// CriticalPath computes the longest weighted path through the subgraph
// reachable from roots, where weights come from duration(node) and
// traversal follows dependents (the reverse of a dependency edge): a
// root is a node nothing else needs yet to have finished, and the path
// walks forward through everything that, transitively, depends on it.
//
// finish(n) = duration(n) + max(finish(d) for d in dependents(n) that
// are in the reachable subgraph), or just duration(n) if n has no such
// dependents. The result is the maximum finish(root) over roots, along
// with one path achieving it. Ties (equal finish times) are broken by
// declaration order — the dependent whose edge to its dependency was
// declared first wins — which makes the result deterministic without
// requiring node identities to be ordered.
func (g *Graph[N, I]) CriticalPath(roots []N, duration func(N) time.Duration) (time.Duration, []N) {
	g.mu.Lock()
	defer g.mu.Unlock()

	rootIDs := make([]EntryID, 0, len(roots))
	for _, r := range roots {
		rootIDs = append(rootIDs, g.ensureEntryLocked(r))
	}

	subgraph := make(map[EntryID]bool, len(rootIDs))
	stack := append([]EntryID(nil), rootIDs...)
	for _, id := range rootIDs {
		subgraph[id] = true
	}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, dependent := range g.dependents[id] {
			if !subgraph[dependent] {
				subgraph[dependent] = true
				stack = append(stack, dependent)
			}
		}
	}

	finish := make(map[EntryID]time.Duration, len(subgraph))
	bestChild := make(map[EntryID]EntryID, len(subgraph))

	var computeFinish func(id EntryID) time.Duration
	computeFinish = func(id EntryID) time.Duration {
		if f, ok := finish[id]; ok {
			return f
		}
		total := duration(g.entries[id].node)
		var maxChild time.Duration
		var chosen EntryID
		found := false
		for _, child := range g.dependents[id] {
			if !subgraph[child] {
				continue
			}
			cf := computeFinish(child)
			if !found || cf > maxChild {
				maxChild, chosen, found = cf, child, true
			}
		}
		if found {
			total += maxChild
			bestChild[id] = chosen
		}
		finish[id] = total
		return total
	}

	var total time.Duration
	var bestRoot EntryID
	foundRoot := false
	for _, id := range rootIDs {
		f := computeFinish(id)
		if !foundRoot || f > total {
			total, bestRoot, foundRoot = f, id, true
		}
	}
	if !foundRoot {
		return 0, nil
	}

	path := []N{g.entries[bestRoot].node}
	for cur := bestRoot; ; {
		next, ok := bestChild[cur]
		if !ok {
			break
		}
		path = append(path, g.entries[next].node)
		cur = next
	}
	return total, path
}
