//
// Copyright (C) 2026 The valuegraph Authors.  All rights reserved.
//
// valuegraph is licensed under the Apache License Version 2.0.
//
//

package runner

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valuegraph/valuegraph/artifact"
	"github.com/valuegraph/valuegraph/event"
	"github.com/valuegraph/valuegraph/graph"
	"github.com/valuegraph/valuegraph/graph/checkpoint/inmemory"
)

func testSchema() *graph.StateSchema {
	return graph.NewStateSchema().
		AddField("input", graph.StateField{Kind: graph.ValueKindJSON}).
		AddField("result", graph.StateField{Kind: graph.ValueKindJSON}).
		AddField("findings", graph.StateField{
			Kind:    graph.ValueKindJSON,
			Reducer: graph.ReducerAppend,
			Default: func() any { return []any{} },
		})
}

func compileGraph(t *testing.T, build func(sg *graph.StateGraph)) *graph.Graph {
	t.Helper()
	sg := graph.NewStateGraph(testSchema())
	build(sg)
	g, err := sg.Compile()
	require.NoError(t, err)
	return g
}

func newTestRunner(t *testing.T, g *graph.Graph, saver graph.Saver, opts ...Option) *Runner {
	t.Helper()
	r, err := NewRunner(g, saver, opts)
	require.NoError(t, err)
	t.Cleanup(r.Close)
	return r
}

// drain reads the subscription until lifecycle.end or the channel closes.
func drain(t *testing.T, sub *Subscription) []event.Envelope {
	t.Helper()
	var events []event.Envelope
	deadline := time.After(10 * time.Second)
	for {
		select {
		case env, open := <-sub.Events():
			if !open {
				return events
			}
			events = append(events, env)
			if env.Type == event.TypeLifecycleEnd {
				return events
			}
		case <-deadline:
			t.Fatalf("stream did not finish; saw %d events", len(events))
		}
	}
}

func ofType(events []event.Envelope, eventType string) []event.Envelope {
	var out []event.Envelope
	for _, env := range events {
		if env.Type == eventType {
			out = append(out, env)
		}
	}
	return out
}

func lifecycleEnd(t *testing.T, events []event.Envelope) event.LifecycleEnd {
	t.Helper()
	ends := ofType(events, event.TypeLifecycleEnd)
	require.Len(t, ends, 1)
	var end event.LifecycleEnd
	require.NoError(t, json.Unmarshal(ends[0].Data, &end))
	return end
}

func linearGraph(t *testing.T) *graph.Graph {
	return compileGraph(t, func(sg *graph.StateGraph) {
		sg.AddNode("double", func(_ context.Context, state graph.State) (any, error) {
			n, _ := graph.GetStateValue[float64](state, "input")
			return graph.State{"result": n * 2}, nil
		})
		sg.SetEntryPoint("double")
		sg.AddEdge("double", graph.End)
	})
}

func gatedGraph(t *testing.T) *graph.Graph {
	return compileGraph(t, func(sg *graph.StateGraph) {
		sg.AddNode("gate", func(ctx context.Context, state graph.State) (any, error) {
			decision, err := graph.Interrupt(ctx, state, "approval", map[string]any{"question": "approve?"})
			if err != nil {
				return nil, err
			}
			return graph.State{"result": decision}, nil
		})
		sg.SetEntryPoint("gate")
		sg.AddEdge("gate", graph.End)
	})
}

func TestStartStreamsOrderedLifecycle(t *testing.T) {
	r := newTestRunner(t, linearGraph(t), inmemory.NewSaver())

	threadID, err := r.Start(context.Background(), "", graph.State{"input": float64(21)}, "input=21")
	require.NoError(t, err)
	require.NotEmpty(t, threadID)

	sub, err := r.Attach(context.Background(), threadID, -1)
	require.NoError(t, err)
	defer r.Detach(context.Background(), threadID, sub)

	events := drain(t, sub)
	require.NotEmpty(t, events)
	assert.Equal(t, event.TypeLifecycleStart, events[0].Type)
	assert.Equal(t, event.ReasonComplete, lifecycleEnd(t, events).Reason)

	var prev int64
	for _, env := range events {
		assert.Greater(t, env.SeqID, prev, "seq ids must be strictly increasing")
		assert.Equal(t, event.ProtocolVersion, env.ProtocolVersion)
		assert.Equal(t, threadID, env.ThreadID)
		prev = env.SeqID
	}

	require.NotEmpty(t, ofType(events, event.TypeNodeStart))
	require.NotEmpty(t, ofType(events, event.TypeNodeEnd))
	updates := ofType(events, event.TypeStateUpdate)
	require.NotEmpty(t, updates)
	var update event.StateUpdate
	require.NoError(t, json.Unmarshal(updates[0].Data, &update))
	assert.Equal(t, "result", update.Channel)
}

func TestStartRejectsSecondExecution(t *testing.T) {
	release := make(chan struct{})
	g := compileGraph(t, func(sg *graph.StateGraph) {
		sg.AddNode("hold", func(_ context.Context, _ graph.State) (any, error) {
			<-release
			return graph.State{"result": "done"}, nil
		})
		sg.SetEntryPoint("hold")
		sg.AddEdge("hold", graph.End)
	})
	r := newTestRunner(t, g, inmemory.NewSaver())

	threadID, err := r.Start(context.Background(), "t1", nil, "")
	require.NoError(t, err)
	sub, err := r.Attach(context.Background(), threadID, -1)
	require.NoError(t, err)

	_, err = r.Start(context.Background(), threadID, nil, "")
	require.Error(t, err)
	assert.Equal(t, graph.ErrKindAlreadyRunning, graph.KindOf(err))

	close(release)
	drain(t, sub)
	r.Detach(context.Background(), threadID, sub)
}

func TestInterruptSuspendsThenResumeCompletes(t *testing.T) {
	r := newTestRunner(t, gatedGraph(t), inmemory.NewSaver())

	threadID, err := r.Start(context.Background(), "t1", nil, "")
	require.NoError(t, err)
	sub, err := r.Attach(context.Background(), threadID, -1)
	require.NoError(t, err)

	events := drain(t, sub)
	r.Detach(context.Background(), threadID, sub)
	assert.Equal(t, event.ReasonInterrupted, lifecycleEnd(t, events).Reason)

	requests := ofType(events, event.TypeInterruptRequest)
	require.Len(t, requests, 1)
	var request event.InterruptRequest
	require.NoError(t, json.Unmarshal(requests[0].Data, &request))
	assert.NotEmpty(t, request.InterruptID)
	assert.Contains(t, string(request.Payload), "approve?")

	info, err := r.ThreadInfo(context.Background(), threadID)
	require.NoError(t, err)
	assert.Equal(t, StatusSuspended, info.Status)
	require.NotNil(t, info.Interrupt)
	assert.Equal(t, request.InterruptID, info.Interrupt.ID)

	err = r.Resume(context.Background(), threadID,
		[]graph.ResumePayload{{InterruptID: request.InterruptID, Value: "approved"}})
	require.NoError(t, err)
	sub, err = r.Attach(context.Background(), threadID, -1)
	require.NoError(t, err)
	events = drain(t, sub)
	r.Detach(context.Background(), threadID, sub)

	assert.Equal(t, event.ReasonComplete, lifecycleEnd(t, events).Reason)
	resolved := ofType(events, event.TypeInterruptResolved)
	require.Len(t, resolved, 1)

	info, err = r.ThreadInfo(context.Background(), threadID)
	require.NoError(t, err)
	assert.Equal(t, StatusIdle, info.Status)
	assert.Empty(t, info.Pending)
}

func TestResumeUnknownInterruptRejected(t *testing.T) {
	r := newTestRunner(t, gatedGraph(t), inmemory.NewSaver())

	threadID, err := r.Start(context.Background(), "t1", nil, "")
	require.NoError(t, err)
	sub, err := r.Attach(context.Background(), threadID, -1)
	require.NoError(t, err)
	drain(t, sub)
	r.Detach(context.Background(), threadID, sub)

	err = r.Resume(context.Background(), threadID,
		[]graph.ResumePayload{{InterruptID: "no-such-interrupt", Value: true}})
	require.Error(t, err)
	assert.Equal(t, graph.ErrKindNotFound, graph.KindOf(err))
	assert.ErrorIs(t, err, graph.ErrUnknownInterrupt)
}

func TestResumeWithPayloadRequiresSuspension(t *testing.T) {
	r := newTestRunner(t, linearGraph(t), inmemory.NewSaver())

	threadID, err := r.Start(context.Background(), "t1", graph.State{"input": float64(1)}, "")
	require.NoError(t, err)
	sub, err := r.Attach(context.Background(), threadID, -1)
	require.NoError(t, err)
	drain(t, sub)
	r.Detach(context.Background(), threadID, sub)

	err = r.Resume(context.Background(), threadID,
		[]graph.ResumePayload{{InterruptID: "whatever", Value: true}})
	require.Error(t, err)
	assert.Equal(t, graph.ErrKindNotSuspended, graph.KindOf(err))
}

func TestResumeUnknownThread(t *testing.T) {
	r := newTestRunner(t, linearGraph(t), inmemory.NewSaver())
	err := r.Resume(context.Background(), "ghost", nil)
	require.Error(t, err)
	assert.Equal(t, graph.ErrKindNotFound, graph.KindOf(err))
}

func TestHeartbeatDuringQuietStream(t *testing.T) {
	g := compileGraph(t, func(sg *graph.StateGraph) {
		sg.AddNode("sleeper", func(ctx context.Context, _ graph.State) (any, error) {
			select {
			case <-time.After(250 * time.Millisecond):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return graph.State{"result": "rested"}, nil
		})
		sg.SetEntryPoint("sleeper")
		sg.AddEdge("sleeper", graph.End)
	})
	r := newTestRunner(t, g, inmemory.NewSaver(), WithHeartbeatInterval(30*time.Millisecond))

	threadID, err := r.Start(context.Background(), "t1", nil, "")
	require.NoError(t, err)
	sub, err := r.Attach(context.Background(), threadID, -1)
	require.NoError(t, err)
	events := drain(t, sub)
	r.Detach(context.Background(), threadID, sub)

	beats := ofType(events, event.TypeHeartbeat)
	require.NotEmpty(t, beats)
	var beat event.Heartbeat
	require.NoError(t, json.Unmarshal(beats[0].Data, &beat))
	assert.Equal(t, []string{"sleeper"}, beat.ActiveNodes)
}

func TestCancelRunningExecution(t *testing.T) {
	g := compileGraph(t, func(sg *graph.StateGraph) {
		sg.AddNode("hold", func(ctx context.Context, _ graph.State) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})
		sg.SetEntryPoint("hold")
		sg.AddEdge("hold", graph.End)
	})
	r := newTestRunner(t, g, inmemory.NewSaver())

	threadID, err := r.Start(context.Background(), "t1", nil, "")
	require.NoError(t, err)
	sub, err := r.Attach(context.Background(), threadID, -1)
	require.NoError(t, err)

	// Let the node start before cancelling.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, r.Cancel(context.Background(), threadID))

	events := drain(t, sub)
	r.Detach(context.Background(), threadID, sub)
	assert.Equal(t, event.ReasonCancelled, lifecycleEnd(t, events).Reason)
}

func TestCancelSuspendedThreadTerminates(t *testing.T) {
	r := newTestRunner(t, gatedGraph(t), inmemory.NewSaver())

	threadID, err := r.Start(context.Background(), "t1", nil, "")
	require.NoError(t, err)
	sub, err := r.Attach(context.Background(), threadID, -1)
	require.NoError(t, err)
	drain(t, sub)
	r.Detach(context.Background(), threadID, sub)

	require.NoError(t, r.Cancel(context.Background(), threadID))
	info, err := r.ThreadInfo(context.Background(), threadID)
	require.NoError(t, err)
	assert.Equal(t, StatusTerminated, info.Status)
	assert.Empty(t, info.Pending)
}

func TestThreadHydratesFromStoreAfterRestart(t *testing.T) {
	saver := inmemory.NewSaver()
	first, err := NewRunner(gatedGraph(t), saver, nil)
	require.NoError(t, err)

	threadID, err := first.Start(context.Background(), "t1", nil, "")
	require.NoError(t, err)
	sub, err := first.Attach(context.Background(), threadID, -1)
	require.NoError(t, err)
	events := drain(t, sub)
	first.Detach(context.Background(), threadID, sub)
	lastSeq := events[len(events)-1].SeqID
	// Close waits for the execution goroutine, so the sequence high-water
	// mark is persisted before the second runner hydrates.
	first.Close()

	// A new runner over the same store sees the suspended thread.
	second := newTestRunner(t, gatedGraph(t), saver)
	info, err := second.ThreadInfo(context.Background(), threadID)
	require.NoError(t, err)
	assert.Equal(t, StatusSuspended, info.Status)
	require.NotNil(t, info.Interrupt)
	assert.Equal(t, lastSeq, info.LastSeqID, "sequence high-water mark survives restarts")

	// Resuming through the new runner picks up strictly after the old seq.
	err = second.Resume(context.Background(), threadID,
		[]graph.ResumePayload{{InterruptID: info.Interrupt.ID, Value: "approved"}})
	require.NoError(t, err)
	sub, err = second.Attach(context.Background(), threadID, -1)
	require.NoError(t, err)
	resumed := drain(t, sub)
	second.Detach(context.Background(), threadID, sub)
	require.NotEmpty(t, resumed)
	assert.Greater(t, resumed[0].SeqID, lastSeq)
	assert.Equal(t, event.ReasonComplete, lifecycleEnd(t, resumed).Reason)
}

func TestStateMapperNormalizesUpdates(t *testing.T) {
	r := newTestRunner(t, linearGraph(t), inmemory.NewSaver(),
		WithStateMapper("result", func(value any) (any, error) {
			return map[string]any{"wrapped": value}, nil
		}))

	threadID, err := r.Start(context.Background(), "t1", graph.State{"input": float64(21)}, "")
	require.NoError(t, err)
	sub, err := r.Attach(context.Background(), threadID, -1)
	require.NoError(t, err)
	events := drain(t, sub)
	r.Detach(context.Background(), threadID, sub)

	updates := ofType(events, event.TypeStateUpdate)
	require.NotEmpty(t, updates)
	var update event.StateUpdate
	require.NoError(t, json.Unmarshal(updates[0].Data, &update))
	assert.JSONEq(t, `{"wrapped":42}`, string(update.Value))
}

func TestOversizedUpdateOffloadedToArtifacts(t *testing.T) {
	g := compileGraph(t, func(sg *graph.StateGraph) {
		sg.AddNode("author", func(_ context.Context, _ graph.State) (any, error) {
			return graph.State{"result": strings.Repeat("long report ", 100)}, nil
		})
		sg.SetEntryPoint("author")
		sg.AddEdge("author", graph.End)
	})
	store := artifact.NewInMemoryService()
	r := newTestRunner(t, g, inmemory.NewSaver(), WithArtifactStore(store, 64))

	threadID, err := r.Start(context.Background(), "t1", nil, "")
	require.NoError(t, err)
	sub, err := r.Attach(context.Background(), threadID, -1)
	require.NoError(t, err)
	events := drain(t, sub)
	r.Detach(context.Background(), threadID, sub)

	updates := ofType(events, event.TypeStateUpdate)
	require.NotEmpty(t, updates)
	var update event.StateUpdate
	require.NoError(t, json.Unmarshal(updates[0].Data, &update))

	var ref struct {
		ArtifactID string `json:"artifact_id"`
		Type       string `json:"type"`
	}
	require.NoError(t, json.Unmarshal(update.Value, &ref))
	require.NotEmpty(t, ref.ArtifactID)
	assert.Equal(t, "result", ref.Type)

	stored, err := store.Load(context.Background(), threadID, ref.ArtifactID)
	require.NoError(t, err)
	assert.Contains(t, string(stored.Data), "long report")
}

func TestAttachUnknownThread(t *testing.T) {
	r := newTestRunner(t, linearGraph(t), inmemory.NewSaver())
	_, err := r.Attach(context.Background(), "ghost", -1)
	require.Error(t, err)
	assert.Equal(t, graph.ErrKindNotFound, graph.KindOf(err))
}

func TestDeleteThreadRemovesEverything(t *testing.T) {
	saver := inmemory.NewSaver()
	r := newTestRunner(t, linearGraph(t), saver)

	threadID, err := r.Start(context.Background(), "t1", graph.State{"input": float64(1)}, "")
	require.NoError(t, err)
	sub, err := r.Attach(context.Background(), threadID, -1)
	require.NoError(t, err)
	drain(t, sub)

	require.NoError(t, r.DeleteThread(context.Background(), threadID))

	_, err = r.ThreadInfo(context.Background(), threadID)
	require.Error(t, err)
	assert.Equal(t, graph.ErrKindNotFound, graph.KindOf(err))

	tuple, err := saver.GetTuple(context.Background(), graph.CreateCheckpointConfig(threadID, "", ""))
	require.NoError(t, err)
	assert.Nil(t, tuple)
}
