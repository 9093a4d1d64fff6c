package engine_test

import (
	"context"
	"sync"
	"time"

	"github.com/swarmguard/incgraph/engine"
)

// registry backs a small family of test nodes: it lets a test reconfigure
// a node's dependencies, base value, injected error, or run delay
// between phases of a scenario, and observe how many times each node's
// Run actually executed.
type registry struct {
	mu          sync.Mutex
	runs        map[int]int
	deps        map[int][]int
	base        map[int]int
	delay       map[int]time.Duration
	errs        map[int]error
	uncacheable map[int]bool
}

func newRegistry() *registry {
	return &registry{
		runs:        make(map[int]int),
		deps:        make(map[int][]int),
		base:        make(map[int]int),
		delay:       make(map[int]time.Duration),
		errs:        make(map[int]error),
		uncacheable: make(map[int]bool),
	}
}

func (r *registry) setDeps(id int, deps ...int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deps[id] = append([]int(nil), deps...)
}

func (r *registry) setBase(id, v int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.base[id] = v
}

func (r *registry) setErr(id int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs[id] = err
}

func (r *registry) setDelay(id int, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delay[id] = d
}

func (r *registry) setUncacheable(id int, v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.uncacheable[id] = v
}

func (r *registry) runCount(id int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs[id]
}

// node is a comparable node identity usable as engine.NodeType[int]; all
// its mutable behavior lives in the shared registry, keyed by id.
type node struct {
	id  int
	reg *registry
}

func (n node) Cacheable() bool {
	n.reg.mu.Lock()
	defer n.reg.mu.Unlock()
	return !n.reg.uncacheable[n.id]
}

func (n node) Run(ctx context.Context, rc engine.NodeContext) (int, error) {
	n.reg.mu.Lock()
	n.reg.runs[n.id]++
	deps := append([]int(nil), n.reg.deps[n.id]...)
	base := n.reg.base[n.id]
	delay := n.reg.delay[n.id]
	err := n.reg.errs[n.id]
	n.reg.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	if err != nil {
		return 0, err
	}

	tc := rc.(*nodeContext)
	sum := base
	for _, d := range deps {
		v, gerr := tc.get(ctx, node{id: d, reg: n.reg})
		if gerr != nil {
			return 0, gerr
		}
		sum += v
	}
	return sum, nil
}

// nodeContext is the NodeContext implementation every scenario test
// shares: it carries a reference back to the graph and the EntryID it
// was scoped to, which is exactly the pattern engine.NodeContext is
// designed around (see engine/node.go's doc comment).
type nodeContext struct {
	g  *engine.Graph[node, int]
	id engine.EntryID
}

func (c *nodeContext) CloneFor(id engine.EntryID) engine.NodeContext {
	return &nodeContext{g: c.g, id: id}
}

func (c *nodeContext) Spawn(fn func()) { go fn() }

func (c *nodeContext) get(ctx context.Context, dep node) (int, error) {
	return c.g.Get(ctx, c.id, c, dep)
}

// rootContext is handed to Create calls, which have no EntryID of their
// own yet; CloneFor produces the real, entry-scoped context.
func rootContext(g *engine.Graph[node, int]) *nodeContext {
	return &nodeContext{g: g, id: 0}
}
