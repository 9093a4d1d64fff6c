package main

import (
	"context"

	"github.com/swarmguard/incgraph/engine"
)

// graphContext is the NodeContext implementation incgraphd hands to
// every ComputeNode's Run, following the same graph-pointer-plus-EntryID
// pattern documented in engine/node.go and exercised in the engine's own
// tests.
type graphContext struct {
	g  *engine.Graph[ComputeNode, string]
	id engine.EntryID
}

func rootContext(g *engine.Graph[ComputeNode, string]) *graphContext {
	return &graphContext{g: g, id: 0}
}

func (c *graphContext) CloneFor(id engine.EntryID) engine.NodeContext {
	return &graphContext{g: c.g, id: id}
}

func (c *graphContext) Spawn(fn func()) { go fn() }

func (c *graphContext) get(ctx context.Context, dep ComputeNode) (string, error) {
	return c.g.Get(ctx, c.id, c, dep)
}
