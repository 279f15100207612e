//
// Copyright (C) 2026 The valuegraph Authors.  All rights reserved.
//
// valuegraph is licensed under the Apache License Version 2.0.
//
//

package graph

// Command is a node result that both updates state and overrides the static
// routing for the next superstep.
type Command struct {
	// Update is applied to the state through the channel reducers.
	Update State
	// Goto names the nodes to activate next, overriding the node's edges.
	Goto []string
}

// NewCommand creates a command with the given update.
func NewCommand(update State, next ...string) *Command {
	return &Command{Update: update, Goto: next}
}
