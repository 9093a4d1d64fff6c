package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/swarmguard/incgraph/engine"
)

// defKind distinguishes a leaf source cell (its own fixed value) from a
// derived cell (computed from other cells).
type defKind int

const (
	kindSource defKind = iota
	kindDerived
)

// cellDef is one entry in a Registry: either a source value an operator
// sets directly, or a derived expression over other cells' values,
// analogous to a spreadsheet cell or a build target's recipe.
type cellDef struct {
	kind       defKind
	value      string
	deps       []string
	combine    func(values []string) (string, error)
	cacheable  bool
	simulate   time.Duration
}

// ComputeNode is the Graph's N type parameter: its identity is the cell
// key, and Run/Cacheable delegate to the cell's definition in reg. This
// mirrors the engine test harness's node/registry split, generalized
// from synthetic test values to string-keyed, string-valued cells a demo
// HTTP client can actually populate and query.
type ComputeNode struct {
	Key string
	reg *Registry
}

func (n ComputeNode) Cacheable() bool {
	def, ok := n.reg.get(n.Key)
	if !ok {
		return true
	}
	return def.cacheable
}

func (n ComputeNode) Run(ctx context.Context, rc engine.NodeContext) (string, error) {
	def, ok := n.reg.get(n.Key)
	if !ok {
		return "", fmt.Errorf("incgraphd: unknown cell %q", n.Key)
	}
	if def.simulate > 0 {
		select {
		case <-time.After(def.simulate):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if def.kind == kindSource {
		return def.value, nil
	}

	gc := rc.(*graphContext)
	values := make([]string, len(def.deps))
	for i, depKey := range def.deps {
		v, err := gc.get(ctx, ComputeNode{Key: depKey, reg: n.reg})
		if err != nil {
			return "", err
		}
		values[i] = v
	}
	return def.combine(values)
}

// Registry holds every cell definition a running incgraphd process knows
// about. It is deliberately separate from the Graph itself: the Graph
// only ever sees ComputeNode values, which carry a pointer back to the
// Registry that gives them meaning, the same split the engine's own
// tests use between a node's identity and a registry driving its
// behavior.
type Registry struct {
	cells map[string]*cellDef
}

func NewRegistry() *Registry {
	return &Registry{cells: make(map[string]*cellDef)}
}

func (r *Registry) get(key string) (*cellDef, bool) {
	d, ok := r.cells[key]
	return d, ok
}

// SetSource registers or updates a leaf cell's value.
func (r *Registry) SetSource(key, value string) {
	r.cells[key] = &cellDef{kind: kindSource, value: value, cacheable: true}
}

// SetDerived registers or updates a derived cell computed from deps by
// joining their values with sep — a small, deliberately trivial combine
// function standing in for whatever real computation an embedder wants;
// the point of the demo is exercising the graph, not the arithmetic.
func (r *Registry) SetDerived(key, sep string, deps []string, cacheable bool, simulate time.Duration) {
	r.cells[key] = &cellDef{
		kind: kindDerived,
		deps: deps,
		combine: func(values []string) (string, error) {
			return strings.Join(values, sep), nil
		},
		cacheable: cacheable,
		simulate:  simulate,
	}
}

// Keys lists every registered cell key, for InvalidateFromRoots
// predicates built from name prefixes or sets.
func (r *Registry) Keys() []string {
	keys := make([]string, 0, len(r.cells))
	for k := range r.cells {
		keys = append(keys, k)
	}
	return keys
}
