//
// Copyright (C) 2026 The valuegraph Authors.  All rights reserved.
//
// valuegraph is licensed under the Apache License Version 2.0.
//
//

// Package graph implements a durable superstep graph runtime: compiled
// graphs of function nodes run in parallel supersteps, their writes are
// folded through per-channel reducers, and every superstep boundary is
// checkpointed so execution can resume after an interrupt or a restart.
package graph

import (
	"context"
	"fmt"
	"time"
)

// Reserved node names.
const (
	// Start is the virtual entry node.
	Start = "__start__"
	// End is the virtual terminal node.
	End = "__end__"
)

// NodeFunc is a node body. It receives a read-only state snapshot and
// returns either a State (partial update), a *Command, or nil.
type NodeFunc func(ctx context.Context, state State) (any, error)

// ProjectFunc maps a completed subgraph's state back into an update for the
// parent graph. The default copies channels the parent schema shares.
type ProjectFunc func(parent, sub State) State

// Node is one vertex of a compiled graph.
type Node struct {
	// Name identifies the node within the graph.
	Name string
	// Run is the node body. Exactly one of Run and Subgraph is set.
	Run NodeFunc
	// Subgraph, when set, makes this node invoke a compiled subgraph under
	// the child namespace.
	Subgraph *Graph
	// Project maps subgraph output back into the parent state.
	Project ProjectFunc
	// Triggers lists channels whose writes activate this node.
	Triggers []string
	// Retry, when set, absorbs retryable failures of the node body.
	Retry *RetryPolicy
	// Timeout bounds a single attempt of the node body. Zero means the
	// executor default.
	Timeout time.Duration
	// Degrade, when set, converts a node or subgraph error into a state
	// update instead of failing the execution. The node ends with status
	// degraded.
	Degrade func(err error) State
}

// conditionalEdge routes from a node based on state.
type conditionalEdge struct {
	path func(ctx context.Context, state State) []string
}

// Graph is a compiled, immutable graph. Build one with StateGraph.
type Graph struct {
	schema       *StateSchema
	nodes        map[string]*Node
	edges        map[string][]string
	conditionals map[string]*conditionalEdge
	entryPoint   string
}

// Schema returns the state schema the graph was compiled with.
func (g *Graph) Schema() *StateSchema { return g.schema }

// Node returns the named node, or nil.
func (g *Graph) Node(name string) *Node { return g.nodes[name] }

// EntryPoint returns the name of the entry node.
func (g *Graph) EntryPoint() string { return g.entryPoint }

// successors computes the next active nodes after node completed, honoring
// a Command override when provided.
func (g *Graph) successors(ctx context.Context, state State, node string, override []string) ([]string, error) {
	if len(override) > 0 {
		for _, target := range override {
			if err := g.checkTarget(target); err != nil {
				return nil, err
			}
		}
		return trimEnd(override), nil
	}
	if cond, ok := g.conditionals[node]; ok {
		targets := cond.path(ctx, state)
		for _, target := range targets {
			if err := g.checkTarget(target); err != nil {
				return nil, err
			}
		}
		return trimEnd(targets), nil
	}
	return trimEnd(g.edges[node]), nil
}

// triggered returns the nodes whose trigger channels intersect the written
// set.
func (g *Graph) triggered(written map[string]bool) []string {
	var active []string
	for name, node := range g.nodes {
		for _, ch := range node.Triggers {
			if written[ch] {
				active = append(active, name)
				break
			}
		}
	}
	return active
}

func (g *Graph) checkTarget(target string) error {
	if target == End {
		return nil
	}
	if _, ok := g.nodes[target]; !ok {
		return NewError(ErrKindValidation, fmt.Sprintf("edge targets unknown node %q", target))
	}
	return nil
}

func trimEnd(targets []string) []string {
	out := targets[:0:0]
	for _, t := range targets {
		if t != End {
			out = append(out, t)
		}
	}
	return out
}

// defaultProjection copies the subgraph channels the parent schema declares.
func defaultProjection(schema *StateSchema) ProjectFunc {
	return func(parent, sub State) State {
		update := make(State)
		for name := range schema.Fields {
			if value, ok := sub[name]; ok {
				update[name] = value
			}
		}
		return update
	}
}
