package engine

import (
	"sync"
	"sync/atomic"
)

// Observer receives best-effort notifications of graph activity. It is
// the engine's only concession to the "external collaborator" ambient
// concerns (logging, tracing, metrics) the core spec treats as out of
// scope: Graph never imports a tracing or metrics library itself, it
// only calls an Observer if one was supplied via WithObserver. Without
// WithObserver the Graph uses a no-op Observer.
type Observer interface {
	EntryCreated(id EntryID)
	StateChanged(id EntryID, from, to EntryState)
	// RunCompleted reports the outcome of a Node.Run or Cleaning pass.
	// err is nil on success, and is exactly the error the run produced
	// otherwise — including ErrCyclic/ErrInvalidated, which an Observer
	// is expected to treat as routine rather than alarming, since every
	// Get on a cyclic or concurrently-invalidated entry produces one. A
	// run whose result is discarded because the graph is draining is
	// reported with ErrInvalidated.
	RunCompleted(id EntryID, generation uint64, err error)
	CacheHit(id EntryID)
	CyclicRejected(caller, dep EntryID)
	Invalidated(result InvalidationResult)
	DrainChanged(draining bool)
}

type noopObserver struct{}

func (noopObserver) EntryCreated(EntryID)                         {}
func (noopObserver) StateChanged(EntryID, EntryState, EntryState) {}
func (noopObserver) RunCompleted(EntryID, uint64, error)          {}
func (noopObserver) CacheHit(EntryID)                             {}
func (noopObserver) CyclicRejected(EntryID, EntryID)              {}
func (noopObserver) Invalidated(InvalidationResult)               {}
func (noopObserver) DrainChanged(bool)                            {}

// Option configures a Graph at construction time.
type Option[N NodeType[I], I any] func(*Graph[N, I])

// WithObserver attaches an Observer. Concrete OpenTelemetry/slog-backed
// observers live in internal/telemetry.
func WithObserver[N NodeType[I], I any](obs Observer) Option[N, I] {
	return func(g *Graph[N, I]) { g.observer = obs }
}

// Graph is a single in-memory directed graph of Entry records keyed by a
// user-supplied Node identity N, producing results of type I. All
// structural mutation goes through a single coarse mutex; Node.Run
// executes outside that lock.
type Graph[N NodeType[I], I any] struct {
	mu sync.Mutex

	ids     map[N]EntryID
	entries map[EntryID]*entry[N, I]
	nextID  EntryID

	// dependents[d] lists the entries that declared d as a dependency,
	// in the order those edges were first declared. It is the reverse
	// of entry.outEdges and drives both invalidation's reverse BFS and
	// CriticalPath's forward traversal.
	dependents map[EntryID][]EntryID

	draining atomic.Bool
	observer Observer
}

// NewGraph constructs an empty Graph.
func NewGraph[N NodeType[I], I any](opts ...Option[N, I]) *Graph[N, I] {
	g := &Graph[N, I]{
		ids:        make(map[N]EntryID),
		entries:    make(map[EntryID]*entry[N, I]),
		nextID:     1,
		dependents: make(map[EntryID][]EntryID),
		observer:   noopObserver{},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// ensureEntryLocked returns the EntryID for node, creating a fresh
// NotStarted entry if this is the first time node has been seen. Caller
// must hold g.mu.
func (g *Graph[N, I]) ensureEntryLocked(node N) EntryID {
	if id, ok := g.ids[node]; ok {
		return id
	}
	id := g.nextID
	g.nextID++
	g.ids[node] = id
	g.entries[id] = newEntry[N, I](id, node)
	g.observer.EntryCreated(id)
	return id
}

// reachableLocked reports whether to is reachable from from by following
// outEdges of entries currently Completed or Running. Dirty/Cleaning
// entries do not participate, which is what allows a dependency path to
// reverse direction while one side of it is being cleaned (see
// DESIGN.md, the cyclic_dirtying scenario).
func (g *Graph[N, I]) reachableLocked(from, to EntryID) bool {
	visited := map[EntryID]bool{from: true}
	stack := []EntryID{from}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if id == to {
			return true
		}
		e := g.entries[id]
		if e.state != StateCompleted && e.state != StateRunning {
			continue
		}
		for dep := range e.outEdges {
			if !visited[dep] {
				visited[dep] = true
				stack = append(stack, dep)
			}
		}
	}
	return false
}

// declareDepLocked records that caller depends on dep, rejecting the
// declaration with ErrCyclic if it would close a cycle among
// Completed/Running entries. It also appends dep to caller's in-flight
// declaration order, if caller is currently accumulating one (Running or
// Cleaning); see entry.pendingDeps.
func (g *Graph[N, I]) declareDepLocked(caller, dep EntryID) error {
	if caller == dep {
		g.observer.CyclicRejected(caller, dep)
		return ErrCyclic
	}
	ce := g.entries[caller]
	if _, exists := ce.outEdges[dep]; !exists {
		if g.reachableLocked(dep, caller) {
			g.observer.CyclicRejected(caller, dep)
			return ErrCyclic
		}
		ce.outEdges[dep] = struct{}{}
		g.dependents[dep] = append(g.dependents[dep], caller)
	}
	if ce.pendingOutcomes != nil {
		ce.pendingDeps = append(ce.pendingDeps, dep)
	}
	return nil
}

// removeDependentLocked removes caller from dep's reverse-adjacency list.
func (g *Graph[N, I]) removeDependentLocked(dep, caller EntryID) {
	list := g.dependents[dep]
	for i, id := range list {
		if id == caller {
			g.dependents[dep] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// removeEdgesFromLocked structurally removes every outgoing edge of id,
// in preparation for a fresh Run that will redeclare its dependencies
// from scratch. It must never be called before a Cleaning pass has
// decided a fresh Run is actually needed — Cleaning that confirms the
// stored result is still valid keeps the existing edges untouched.
func (g *Graph[N, I]) removeEdgesFromLocked(id EntryID) {
	e := g.entries[id]
	for dep := range e.outEdges {
		g.removeDependentLocked(dep, id)
	}
	e.outEdges = make(map[EntryID]struct{})
}

func (g *Graph[N, I]) setStateLocked(e *entry[N, I], to EntryState) {
	from := e.state
	e.state = to
	if from != to {
		g.observer.StateChanged(e.id, from, to)
	}
}

func (g *Graph[N, I]) notifyWaitersLocked(e *entry[N, I], out outcome[I]) {
	for _, ch := range e.waiters {
		ch <- out
	}
	e.waiters = nil
}
