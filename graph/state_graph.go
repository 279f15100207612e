//
// Copyright (C) 2026 The valuegraph Authors.  All rights reserved.
//
// valuegraph is licensed under the Apache License Version 2.0.
//
//

package graph

import (
	"context"
	"fmt"
	"time"
)

// StateGraph builds a Graph. Errors are collected and reported by Compile so
// the builder chains fluently.
type StateGraph struct {
	graph *Graph
	errs  []error
}

// NewStateGraph creates a builder over the given state schema.
func NewStateGraph(schema *StateSchema) *StateGraph {
	return &StateGraph{
		graph: &Graph{
			schema:       schema,
			nodes:        make(map[string]*Node),
			edges:        make(map[string][]string),
			conditionals: make(map[string]*conditionalEdge),
		},
	}
}

// NodeOption configures a node.
type NodeOption func(*Node)

// WithRetryPolicy attaches a retry policy to the node.
func WithRetryPolicy(policy *RetryPolicy) NodeOption {
	return func(n *Node) { n.Retry = policy }
}

// WithNodeTimeout bounds one attempt of the node body.
func WithNodeTimeout(d time.Duration) NodeOption {
	return func(n *Node) { n.Timeout = d }
}

// WithTriggers activates the node whenever one of the named channels is
// written, in addition to its incoming edges.
func WithTriggers(channels ...string) NodeOption {
	return func(n *Node) { n.Triggers = append(n.Triggers, channels...) }
}

// WithProjection sets the adapter mapping a subgraph's output state back
// into the parent update.
func WithProjection(project ProjectFunc) NodeOption {
	return func(n *Node) { n.Project = project }
}

// WithDegradeOnError converts a node or subgraph failure into a state
// update. The node ends with status degraded and the execution continues.
func WithDegradeOnError(degrade func(err error) State) NodeOption {
	return func(n *Node) { n.Degrade = degrade }
}

// AddNode registers a function node.
func (sg *StateGraph) AddNode(name string, run NodeFunc, opts ...NodeOption) *StateGraph {
	if name == Start || name == End {
		sg.errs = append(sg.errs, fmt.Errorf("node name %q is reserved", name))
		return sg
	}
	if _, exists := sg.graph.nodes[name]; exists {
		sg.errs = append(sg.errs, fmt.Errorf("duplicate node %q", name))
		return sg
	}
	node := &Node{Name: name, Run: run}
	for _, opt := range opts {
		opt(node)
	}
	sg.graph.nodes[name] = node
	return sg
}

// AddSubgraph registers a node whose body is a compiled subgraph. The
// subgraph inherits the executor's saver; its checkpoints are written under
// the child namespace.
func (sg *StateGraph) AddSubgraph(name string, sub *Graph, opts ...NodeOption) *StateGraph {
	if _, exists := sg.graph.nodes[name]; exists {
		sg.errs = append(sg.errs, fmt.Errorf("duplicate node %q", name))
		return sg
	}
	node := &Node{Name: name, Subgraph: sub}
	for _, opt := range opts {
		opt(node)
	}
	if node.Project == nil {
		node.Project = defaultProjection(sg.graph.schema)
	}
	sg.graph.nodes[name] = node
	return sg
}

// AddEdge adds a static edge. Use End as the target to terminate the branch.
func (sg *StateGraph) AddEdge(from, to string) *StateGraph {
	if from == Start {
		return sg.SetEntryPoint(to)
	}
	sg.graph.edges[from] = append(sg.graph.edges[from], to)
	return sg
}

// AddConditionalEdge routes from a node through a pure function of state.
// The function returns the names of the nodes to activate next.
func (sg *StateGraph) AddConditionalEdge(from string, path func(ctx context.Context, state State) []string) *StateGraph {
	sg.graph.conditionals[from] = &conditionalEdge{path: path}
	return sg
}

// SetEntryPoint names the node activated at step 0.
func (sg *StateGraph) SetEntryPoint(name string) *StateGraph {
	sg.graph.entryPoint = name
	return sg
}

// Compile validates the builder and returns the immutable graph.
func (sg *StateGraph) Compile() (*Graph, error) {
	if len(sg.errs) > 0 {
		return nil, sg.errs[0]
	}
	g := sg.graph
	if g.entryPoint == "" {
		return nil, ErrEntryPointNotSet
	}
	if _, ok := g.nodes[g.entryPoint]; !ok {
		return nil, fmt.Errorf("entry point %q: %w", g.entryPoint, ErrEntryPointNotSet)
	}
	for from, targets := range g.edges {
		if _, ok := g.nodes[from]; !ok {
			return nil, NewError(ErrKindValidation, fmt.Sprintf("edge from unknown node %q", from))
		}
		for _, to := range targets {
			if err := g.checkTarget(to); err != nil {
				return nil, err
			}
		}
	}
	for from := range g.conditionals {
		if _, ok := g.nodes[from]; !ok {
			return nil, NewError(ErrKindValidation, fmt.Sprintf("conditional edge from unknown node %q", from))
		}
	}
	for name, node := range g.nodes {
		for _, ch := range node.Triggers {
			if _, ok := g.schema.Fields[ch]; !ok {
				return nil, NewError(ErrKindValidation,
					fmt.Sprintf("node %q triggers on undeclared channel %q", name, ch))
			}
		}
	}
	return g, nil
}
