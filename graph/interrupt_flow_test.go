//
// Copyright (C) 2026 The valuegraph Authors.  All rights reserved.
//
// valuegraph is licensed under the Apache License Version 2.0.
//
//

package graph_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valuegraph/valuegraph/graph"
	"github.com/valuegraph/valuegraph/graph/checkpoint/inmemory"
)

// approvalGraph pairs a suspending approval node with a sibling that
// completes in the same superstep.
func approvalGraph(t *testing.T, sideEffects *int, mu *sync.Mutex) *graph.Graph {
	return compile(t, func(sg *graph.StateGraph) {
		sg.AddNode("prepare", func(_ context.Context, _ graph.State) (any, error) {
			return nil, nil
		})
		sg.AddNode("approval", func(ctx context.Context, state graph.State) (any, error) {
			if sideEffects != nil {
				mu.Lock()
				*sideEffects++
				mu.Unlock()
			}
			verdict, err := graph.Interrupt(ctx, state, "gate", map[string]any{"q": "publish?"})
			if err != nil {
				return nil, err
			}
			return graph.State{"approved": verdict}, nil
		})
		sg.AddNode("sibling", func(_ context.Context, _ graph.State) (any, error) {
			return graph.State{"findings": "sibling done"}, nil
		})
		sg.AddNode("publish", func(_ context.Context, _ graph.State) (any, error) {
			return graph.State{"result": "published"}, nil
		})
		sg.SetEntryPoint("prepare")
		sg.AddEdge("prepare", "approval")
		sg.AddEdge("prepare", "sibling")
		sg.AddEdge("approval", "publish")
		sg.AddEdge("sibling", graph.End)
		sg.AddEdge("publish", graph.End)
	})
}

func TestInterruptSuspendsAndResumes(t *testing.T) {
	var mu sync.Mutex
	sideEffects := 0
	g := approvalGraph(t, &sideEffects, &mu)
	saver := inmemory.NewSaver()
	exec := newExecutor(t, g, saver)

	var events eventLog
	result, err := exec.Run(context.Background(), "t1", graph.State{"input": 1}, events.sink())
	require.NoError(t, err)
	require.Equal(t, graph.RunStatusInterrupted, result.Status)
	require.Len(t, result.Interrupts, 1)
	record := result.Interrupts[0]
	assert.Equal(t, "approval", record.Node)
	assert.Len(t, record.ID, 16)

	// No node.end for the suspending node; the completed sibling got one and
	// its writes are in the suspended checkpoint.
	assert.Empty(t, events.nodeEnds("approval"))
	require.Len(t, events.nodeEnds("sibling"), 1)
	requests := events.ofType(graph.ExecEventInterruptRequest)
	require.Len(t, requests, 1)
	assert.Equal(t, record.ID, requests[0].Interrupt.ID)

	tuple, err := saver.GetTuple(context.Background(), graph.CreateCheckpointConfig("t1", "", ""))
	require.NoError(t, err)
	assert.True(t, tuple.Checkpoint.Suspended())
	assert.Equal(t, []any{"sibling done"}, tuple.Checkpoint.ChannelValues["findings"])
	assert.Contains(t, tuple.Checkpoint.NextNodes, "approval")
	assert.NotContains(t, tuple.Checkpoint.NextNodes, "sibling")
	assert.Equal(t, graph.CheckpointSourceInterrupt, tuple.Metadata.Source)

	// Resume with the verdict. The node body re-executes in full.
	var resumeEvents eventLog
	resumed, err := exec.Resume(context.Background(), "t1",
		[]graph.ResumePayload{{InterruptID: record.ID, Value: true}}, resumeEvents.sink())
	require.NoError(t, err)
	require.Equal(t, graph.RunStatusComplete, resumed.Status)
	assert.Equal(t, true, resumed.FinalState["approved"])
	assert.Equal(t, "published", resumed.FinalState["result"])

	mu.Lock()
	assert.Equal(t, 2, sideEffects, "the suspending node re-executes in full")
	mu.Unlock()

	resolved := resumeEvents.ofType(graph.ExecEventInterruptResolved)
	require.Len(t, resolved, 1)
	assert.Equal(t, record.ID, resolved[0].Interrupt.ID)
	// The sibling does not run again.
	assert.Empty(t, resumeEvents.nodeEnds("sibling"))
}

func TestInterruptIDStableAcrossReplay(t *testing.T) {
	g := approvalGraph(t, nil, nil)
	saver := inmemory.NewSaver()
	exec := newExecutor(t, g, saver)

	result, err := exec.Run(context.Background(), "t1", graph.State{"input": 1}, nil)
	require.NoError(t, err)
	require.Equal(t, graph.RunStatusInterrupted, result.Status)
	firstID := result.Interrupts[0].ID

	// Crash-recovery replay without payloads: the node suspends again under
	// the same id, so a resume addressed before the replay still lands.
	replayed, err := exec.Resume(context.Background(), "t1", nil, nil)
	require.NoError(t, err)
	require.Equal(t, graph.RunStatusInterrupted, replayed.Status)
	require.Len(t, replayed.Interrupts, 1)
	assert.Equal(t, firstID, replayed.Interrupts[0].ID)

	// The original id still resolves.
	resumed, err := exec.Resume(context.Background(), "t1",
		[]graph.ResumePayload{{InterruptID: firstID, Value: false}}, nil)
	require.NoError(t, err)
	require.Equal(t, graph.RunStatusComplete, resumed.Status)
	assert.Equal(t, false, resumed.FinalState["approved"])
}

func TestResumeUnknownInterrupt(t *testing.T) {
	g := approvalGraph(t, nil, nil)
	exec := newExecutor(t, g, inmemory.NewSaver())

	result, err := exec.Run(context.Background(), "t1", graph.State{"input": 1}, nil)
	require.NoError(t, err)
	require.Equal(t, graph.RunStatusInterrupted, result.Status)

	_, err = exec.Resume(context.Background(), "t1",
		[]graph.ResumePayload{{InterruptID: "deadbeefdeadbeef", Value: true}}, nil)
	require.Error(t, err)
	assert.Equal(t, graph.ErrKindNotFound, graph.KindOf(err))
	require.ErrorIs(t, err, graph.ErrUnknownInterrupt)
}

func TestResumeUnknownThread(t *testing.T) {
	g := approvalGraph(t, nil, nil)
	exec := newExecutor(t, g, inmemory.NewSaver())

	_, err := exec.Resume(context.Background(), "ghost", nil, nil)
	require.Error(t, err)
	assert.Equal(t, graph.ErrKindNotFound, graph.KindOf(err))
}

func TestParallelInterruptsResolveIndependently(t *testing.T) {
	gate := func(key string) graph.NodeFunc {
		return func(ctx context.Context, state graph.State) (any, error) {
			verdict, err := graph.Interrupt(ctx, state, key, map[string]any{"gate": key})
			if err != nil {
				return nil, err
			}
			return graph.State{"findings": verdict}, nil
		}
	}
	g := compile(t, func(sg *graph.StateGraph) {
		sg.AddNode("split", func(_ context.Context, _ graph.State) (any, error) { return nil, nil })
		sg.AddNode("gate_a", gate("a"))
		sg.AddNode("gate_b", gate("b"))
		sg.SetEntryPoint("split")
		sg.AddEdge("split", "gate_a")
		sg.AddEdge("split", "gate_b")
		sg.AddEdge("gate_a", graph.End)
		sg.AddEdge("gate_b", graph.End)
	})
	saver := inmemory.NewSaver()
	exec := newExecutor(t, g, saver)

	result, err := exec.Run(context.Background(), "t1", graph.State{"input": 1}, nil)
	require.NoError(t, err)
	require.Equal(t, graph.RunStatusInterrupted, result.Status)
	require.Len(t, result.Interrupts, 2)

	byNode := map[string]string{}
	for _, record := range result.Interrupts {
		byNode[record.Node] = record.ID
	}

	// Resolving one gate leaves the thread suspended on the other.
	partial, err := exec.Resume(context.Background(), "t1",
		[]graph.ResumePayload{{InterruptID: byNode["gate_a"], Value: "ok-a"}}, nil)
	require.NoError(t, err)
	require.Equal(t, graph.RunStatusInterrupted, partial.Status)
	require.Len(t, partial.Interrupts, 1)
	assert.Equal(t, "gate_b", partial.Interrupts[0].Node)

	final, err := exec.Resume(context.Background(), "t1",
		[]graph.ResumePayload{{InterruptID: byNode["gate_b"], Value: "ok-b"}}, nil)
	require.NoError(t, err)
	require.Equal(t, graph.RunStatusComplete, final.Status)
	assert.ElementsMatch(t, []any{"ok-a", "ok-b"}, final.FinalState["findings"])
}

func TestSubgraphInterruptAndResume(t *testing.T) {
	subSchema := graph.NewStateSchema().
		AddField("input", graph.StateField{Kind: graph.ValueKindJSON}).
		AddField("approved", graph.StateField{Kind: graph.ValueKindJSON})
	subBuilder := graph.NewStateGraph(subSchema)
	subBuilder.AddNode("inner_gate", func(ctx context.Context, state graph.State) (any, error) {
		verdict, err := graph.Interrupt(ctx, state, "inner", "approve inner?")
		if err != nil {
			return nil, err
		}
		return graph.State{"approved": verdict}, nil
	})
	subBuilder.SetEntryPoint("inner_gate")
	subBuilder.AddEdge("inner_gate", graph.End)
	sub, err := subBuilder.Compile()
	require.NoError(t, err)

	g := compile(t, func(sg *graph.StateGraph) {
		sg.AddSubgraph("review", sub)
		sg.AddNode("wrap", func(_ context.Context, state graph.State) (any, error) {
			return graph.State{"result": state["approved"]}, nil
		})
		sg.SetEntryPoint("review")
		sg.AddEdge("review", "wrap")
		sg.AddEdge("wrap", graph.End)
	})
	saver := inmemory.NewSaver()
	exec := newExecutor(t, g, saver)

	result, err := exec.Run(context.Background(), "t1", graph.State{"input": 1}, nil)
	require.NoError(t, err)
	require.Equal(t, graph.RunStatusInterrupted, result.Status)
	require.Len(t, result.Interrupts, 1)
	record := result.Interrupts[0]
	assert.Equal(t, "inner_gate", record.Node)
	assert.Equal(t, "review", record.Namespace)

	// The subgraph keeps its own checkpoint timeline under the child
	// namespace.
	subTuple, err := saver.GetTuple(context.Background(),
		graph.CreateCheckpointConfig("t1", "", "review"))
	require.NoError(t, err)
	require.NotNil(t, subTuple)
	assert.True(t, subTuple.Checkpoint.Suspended())

	resumed, err := exec.Resume(context.Background(), "t1",
		[]graph.ResumePayload{{InterruptID: record.ID, Value: "inner-yes"}}, nil)
	require.NoError(t, err)
	require.Equal(t, graph.RunStatusComplete, resumed.Status)
	assert.Equal(t, "inner-yes", resumed.FinalState["result"])
}

func TestUpdateStateForksBranch(t *testing.T) {
	g := approvalGraph(t, nil, nil)
	saver := inmemory.NewSaver()
	exec := newExecutor(t, g, saver)

	result, err := exec.Run(context.Background(), "t1", graph.State{"input": 1}, nil)
	require.NoError(t, err)
	require.Equal(t, graph.RunStatusInterrupted, result.Status)

	update, err := exec.UpdateState(context.Background(),
		graph.CheckpointRef{ThreadID: "t1"},
		graph.State{"findings": "edited by hand"}, "sibling")
	require.NoError(t, err)
	require.NotEmpty(t, graph.GetCheckpointID(update))

	tuple, err := saver.GetTuple(context.Background(), graph.CreateCheckpointConfig("t1", "", ""))
	require.NoError(t, err)
	assert.Equal(t, graph.CheckpointSourceUpdate, tuple.Metadata.Source)
	// The append reducer folds the edit onto the existing findings.
	assert.Equal(t, []any{"sibling done", "edited by hand"},
		tuple.Checkpoint.ChannelValues["findings"])

	// The prior branch remains in history.
	history, err := exec.History(context.Background(), "t1", 10, "")
	require.NoError(t, err)
	sources := make([]string, 0, len(history))
	for _, item := range history {
		sources = append(sources, item.Metadata.Source)
	}
	assert.Contains(t, sources, graph.CheckpointSourceInterrupt)
	assert.Contains(t, sources, graph.CheckpointSourceUpdate)
}

func TestNodeTimeoutClassified(t *testing.T) {
	g := compile(t, func(sg *graph.StateGraph) {
		sg.AddNode("stall", func(ctx context.Context, _ graph.State) (any, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(5 * time.Second):
				return nil, nil
			}
		}, graph.WithNodeTimeout(20*time.Millisecond))
		sg.SetEntryPoint("stall")
		sg.AddEdge("stall", graph.End)
	})
	exec := newExecutor(t, g, inmemory.NewSaver())

	result, err := exec.Run(context.Background(), "t1", graph.State{"input": 1}, nil)
	require.NoError(t, err)
	require.Equal(t, graph.RunStatusError, result.Status)
	assert.Equal(t, graph.ErrKindExecutionTimeout, result.Err.Kind)
}
