// Package engine implements a memoizing, invalidation-aware computation
// graph: a scheduler that runs a user-defined graph of Nodes, caches their
// results, and recomputes only the parts that have observably changed.
//
// The engine is deliberately silent on what a Node actually computes, how
// its continuations are scheduled onto goroutines, and how its results are
// persisted or transported — those are embedder concerns. See the
// sibling internal/ packages and cmd/incgraphd for a concrete embedding.
package engine

import (
	"context"
	"errors"
)

// EntryID identifies a single Entry within a Graph. The zero value never
// names a live entry; Graph reserves it to mean "no calling entry" (the
// caller argument of a top-level Create).
type EntryID uint64

// ErrCyclic is returned when declaring a dependency edge would create a
// cycle among entries currently Completed or Running. It is never
// persisted on an entry: the requesting Run observes it as an ordinary
// error and may propagate or swallow it.
var ErrCyclic = errors.New("engine: cyclic dependency")

// ErrInvalidated is returned to a request whose result was discarded
// because the entry it depended on (or the entry itself) was invalidated,
// dirtied, or cut off by a drain while the request was in flight. Like
// ErrCyclic it is never persisted on an entry.
var ErrInvalidated = errors.New("engine: invalidated")

// ErrDraining is returned by MarkDraining when the graph is already in
// the requested draining state.
var ErrDraining = errors.New("engine: already in requested draining state")

// NodeContext is the capability an entry's Run receives to request its
// own dependencies and to detach background work. Embedders implement it
// on a concrete type that holds the *Graph and the EntryID the context is
// scoped to, and that resolves a dependency by calling Graph.Get with
// that EntryID as the caller; the engine only ever calls CloneFor and
// never inspects the value otherwise.
type NodeContext interface {
	// CloneFor returns a NodeContext scoped to the given entry, to be
	// handed to that entry's Run. Implementations typically copy a
	// reference to the graph and overwrite a stored EntryID.
	CloneFor(id EntryID) NodeContext

	// Spawn detaches fn to run without blocking the caller. The engine
	// never calls Spawn itself; it exists so a Run body can fan out
	// fire-and-forget work (e.g. publishing an event) without the
	// engine needing to know about goroutines, executors, or worker
	// pools at all.
	Spawn(fn func())
}

// NodeType is the constraint a user's node identity type must satisfy to
// be used as a Graph's N type parameter. Embedding comparable restricts
// NodeType to generic constraint position only — it is never used as an
// ordinary interface value — which lets a single concrete type serve as
// both the map key identity of an entry and its runnable behavior.
type NodeType[I any] interface {
	comparable

	// Run executes the node and returns its result. The engine invokes
	// Run at most once per run_token and never retries it. When an
	// invalidation or a drain discards an in-flight run, the engine does
	// not stop that Run: it keeps executing, its result is dropped, and a
	// later request may start a fresh Run of the same entry while it is
	// still executing. rc is scoped to this node's entry via CloneFor.
	Run(ctx context.Context, rc NodeContext) (I, error)

	// Cacheable reports whether a completed result may be reused by a
	// later request. A node reporting false is always treated as if
	// freshly dirtied: every request triggers a new Run.
	Cacheable() bool
}
