package engine

import (
	"reflect"

	"github.com/google/go-cmp/cmp"
)

// EntryState is the lifecycle state of a single Entry.
type EntryState int

const (
	// StateNotStarted: no result is available to readers. Either no run
	// has completed yet, or InvalidateFromRoots cleared the entry (stored
	// outcome and declared edges discarded), or an in-flight run or clean
	// was discarded (stored outcome, deps and declared edges are left in
	// place, unused). The next request starts a fresh Run.
	StateNotStarted EntryState = iota
	// StateRunning: a Run is in flight.
	StateRunning
	// StateCompleted: a result is stored and believed current.
	StateCompleted
	// StateDirty: a result is stored but a dependency may have changed;
	// the result is withheld from readers until Cleaning confirms it.
	StateDirty
	// StateCleaning: re-requesting the prior declared dependencies, in
	// their declaration order, to decide whether the stored result can
	// be kept or a fresh Run is required.
	StateCleaning
)

func (s EntryState) String() string {
	switch s {
	case StateNotStarted:
		return "NotStarted"
	case StateRunning:
		return "Running"
	case StateCompleted:
		return "Completed"
	case StateDirty:
		return "Dirty"
	case StateCleaning:
		return "Cleaning"
	default:
		return "Unknown"
	}
}

// outcome is the result of one Run or one successful Cleaning pass: a
// value and/or an error, exactly as returned from Node.Run.
type outcome[I any] struct {
	val I
	err error
}

// entry is a single vertex of the graph. All fields are guarded by the
// owning Graph's mu; nothing here is safe to touch without that lock,
// except while a Run is actually executing (during which the engine
// itself holds no reference into the entry other than its id and token).
type entry[N NodeType[I], I any] struct {
	id    EntryID
	node  N
	state EntryState

	outcome    outcome[I]
	generation uint64
	runToken   uint64

	// deps/depOutcomes are the committed declaration, from the entry's
	// last successful Run or Cleaning pass: deps[i] was requested and
	// observed to produce depOutcomes[i]. Both are nil before the first
	// successful Run and after InvalidateFromRoots clears the entry.
	deps        []EntryID
	depOutcomes []outcome[I]

	// outEdges is the structural dependency-edge set backing deps, kept
	// for O(1) cycle-check membership tests. dependents (the reverse
	// adjacency) lives on the Graph, not the entry, since it is needed
	// for invalidation and critical-path traversal from either side.
	outEdges map[EntryID]struct{}

	// pendingDeps/pendingOutcomes accumulate the in-flight declaration
	// while state is Running or Cleaning; pendingOutcomes is non-nil
	// exactly while such a run is in flight. They are committed into
	// deps/depOutcomes (in declaration order) when the run completes
	// successfully, and discarded otherwise.
	pendingDeps     []EntryID
	pendingOutcomes map[EntryID]outcome[I]

	waiters []chan outcome[I]
}

func newEntry[N NodeType[I], I any](id EntryID, node N) *entry[N, I] {
	return &entry[N, I]{
		id:       id,
		node:     node,
		state:    StateNotStarted,
		outEdges: make(map[EntryID]struct{}),
	}
}

// valuesEqual reports whether two node results are structurally equal,
// for the purposes of deciding whether Cleaning may keep a stored result.
// I is not constrained to comparable (slices and maps are common result
// shapes), so equality goes through go-cmp; cmp panics on certain
// unexported-field shapes it cannot introspect, in which case we fall
// back to reflect.DeepEqual rather than treating the comparison as fatal.
func valuesEqual[I any](a, b I) (eq bool) {
	defer func() {
		if recover() != nil {
			eq = reflect.DeepEqual(a, b)
		}
	}()
	return cmp.Equal(a, b)
}

func outcomesEqual[I any](a, b outcome[I]) bool {
	if (a.err == nil) != (b.err == nil) {
		return false
	}
	if a.err != nil {
		return a.err.Error() == b.err.Error()
	}
	return valuesEqual(a.val, b.val)
}
