//
// Copyright (C) 2026 The valuegraph Authors.  All rights reserved.
//
// valuegraph is licensed under the Apache License Version 2.0.
//
//

// Package runner coordinates thread lifecycles: at most one active execution
// per thread, event sequencing and fan-out to subscribers, interrupt
// bookkeeping and resume routing.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/valuegraph/valuegraph/artifact"
	"github.com/valuegraph/valuegraph/event"
	"github.com/valuegraph/valuegraph/graph"
	"github.com/valuegraph/valuegraph/log"
)

// Thread statuses.
const (
	StatusIdle       = "idle"
	StatusRunning    = "running"
	StatusSuspended  = "suspended"
	StatusTerminated = "terminated"
)

// Defaults per deployment configuration.
const (
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultQueueCapacity     = 256
	DefaultReplayCapacity    = 10000
	DefaultGCGracePeriod     = 10 * time.Minute
)

// Mapper normalizes one channel's value into the wire shape carried in
// state.update events. Internal state shapes never leak verbatim; a mapper
// error fails the event loudly instead of emitting partial JSON.
type Mapper func(value any) (any, error)

// ThreadInfo is the introspection view of a thread, used for reattach.
type ThreadInfo struct {
	ThreadID  string          `json:"thread_id"`
	LastSeqID int64           `json:"last_seq_id"`
	Status    string          `json:"status"`
	Interrupt *InterruptView  `json:"interrupt,omitempty"`
	Pending   []InterruptView `json:"pending_interrupts,omitempty"`
}

// InterruptView is the caller-visible form of a pending interrupt.
type InterruptView struct {
	ID      string `json:"id"`
	Payload any    `json:"payload"`
}

// threadState is the in-memory record of one thread. The runner's map is
// the only holder; subscribers address threads by id, never by pointer.
type threadState struct {
	id string

	mu         sync.Mutex
	status     string
	runID      string
	cancel     context.CancelFunc
	interrupts map[string]*graph.InterruptRecord
	active     map[string]bool
	lastDone   time.Time

	seq         atomic.Int64
	broadcaster *broadcaster
}

func (ts *threadState) nextSeq() int64 { return ts.seq.Add(1) }

// Runner owns the thread registry. All mutations of a thread's lifecycle go
// through its serialized entry points.
type Runner struct {
	saver    graph.Saver
	executor *graph.Executor

	heartbeatInterval time.Duration
	queueCapacity     int
	replayCapacity    int
	gcGrace           time.Duration

	artifacts         artifact.Service
	artifactThreshold int

	mappers map[string]Mapper

	mu      sync.Mutex
	threads map[string]*threadState

	wg     sync.WaitGroup
	closed chan struct{}
}

// Option configures a runner.
type Option func(*Runner)

// WithHeartbeatInterval sets the idle-stream heartbeat cadence.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(r *Runner) { r.heartbeatInterval = d }
}

// WithQueueCapacity bounds each subscriber's event queue.
func WithQueueCapacity(n int) Option {
	return func(r *Runner) { r.queueCapacity = n }
}

// WithReplayCapacity sizes the per-execution replay ring buffer.
func WithReplayCapacity(n int) Option {
	return func(r *Runner) { r.replayCapacity = n }
}

// WithGCGracePeriod sets how long an idle thread stays in memory after its
// execution ended. Checkpoints are never collected.
func WithGCGracePeriod(d time.Duration) Option {
	return func(r *Runner) { r.gcGrace = d }
}

// WithStateMapper registers the wire mapper for a channel.
func WithStateMapper(channel string, mapper Mapper) Option {
	return func(r *Runner) { r.mappers[channel] = mapper }
}

// WithArtifactStore offloads state.update values larger than threshold
// bytes to the artifact service; the event then carries a reference and a
// preview instead of the full value.
func WithArtifactStore(svc artifact.Service, threshold int) Option {
	return func(r *Runner) {
		r.artifacts = svc
		r.artifactThreshold = threshold
	}
}

// NewRunner creates a runner over a compiled graph and a checkpoint saver.
// Executor options are forwarded to the underlying executor.
func NewRunner(g *graph.Graph, saver graph.Saver, opts []Option, execOpts ...graph.ExecutorOption) (*Runner, error) {
	r := &Runner{
		saver:             saver,
		heartbeatInterval: DefaultHeartbeatInterval,
		queueCapacity:     DefaultQueueCapacity,
		replayCapacity:    DefaultReplayCapacity,
		gcGrace:           DefaultGCGracePeriod,
		mappers:           make(map[string]Mapper),
		threads:           make(map[string]*threadState),
		closed:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	execOpts = append(execOpts, graph.WithMetadataExtra(r.metadataExtra))
	executor, err := graph.NewExecutor(g, saver, execOpts...)
	if err != nil {
		return nil, err
	}
	r.executor = executor

	r.wg.Add(1)
	go r.gcLoop()
	return r, nil
}

// Close stops background work and releases the executor.
func (r *Runner) Close() {
	close(r.closed)
	r.wg.Wait()
	r.executor.Close()
}

type threadCtxKey struct{}

// metadataExtra stamps every checkpoint commit with the thread's event
// sequence high-water mark, so sequencing stays monotonic across restarts.
func (r *Runner) metadataExtra(ctx context.Context) map[string]any {
	ts, ok := ctx.Value(threadCtxKey{}).(*threadState)
	if !ok {
		return nil
	}
	return map[string]any{graph.MetaKeyLastSeqID: ts.seq.Load()}
}

// thread returns the in-memory state for threadID, hydrating it from the
// checkpoint store when the process has not seen the thread yet. With
// create false, a thread absent from both memory and store yields nil.
func (r *Runner) thread(ctx context.Context, threadID string, create bool) (*threadState, error) {
	r.mu.Lock()
	if ts, ok := r.threads[threadID]; ok {
		r.mu.Unlock()
		return ts, nil
	}
	r.mu.Unlock()

	ts := &threadState{
		id:          threadID,
		status:      StatusIdle,
		interrupts:  make(map[string]*graph.InterruptRecord),
		active:      make(map[string]bool),
		broadcaster: newBroadcaster(r.replayCapacity, r.queueCapacity),
	}
	tuple, err := r.saver.GetTuple(ctx, graph.CreateCheckpointConfig(threadID, "", ""))
	if err != nil {
		return nil, fmt.Errorf("load thread %s: %w", threadID, err)
	}
	if tuple == nil && !create {
		return nil, nil
	}
	if tuple != nil {
		if tuple.Checkpoint.Suspended() {
			ts.status = StatusSuspended
			for id, record := range tuple.Checkpoint.InterruptsPending {
				ts.interrupts[id] = record
			}
		}
		if tuple.Metadata != nil {
			ts.seq.Store(lastSeqFrom(tuple.Metadata.Extra))
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.threads[threadID]; ok {
		return existing, nil
	}
	r.threads[threadID] = ts
	return ts, nil
}

func lastSeqFrom(extra map[string]any) int64 {
	switch v := extra[graph.MetaKeyLastSeqID].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	default:
		return 0
	}
}

// Start begins a fresh execution for the thread. An empty thread id creates
// a new thread; the assigned id is returned and carried in lifecycle.start.
// A thread with a running execution is rejected with kind already_running.
func (r *Runner) Start(ctx context.Context, threadID string, input graph.State, inputSummary string) (string, error) {
	if threadID == "" {
		threadID = uuid.NewString()
	}
	ts, err := r.thread(ctx, threadID, true)
	if err != nil {
		return "", err
	}

	ts.mu.Lock()
	if ts.status == StatusRunning {
		ts.mu.Unlock()
		return "", &graph.Error{Kind: graph.ErrKindAlreadyRunning,
			Message: fmt.Sprintf("thread %s already has an active execution", threadID)}
	}
	ts.status = StatusRunning
	ts.runID = uuid.NewString()
	ts.interrupts = make(map[string]*graph.InterruptRecord)
	ts.broadcaster.reset()
	ts.mu.Unlock()

	r.spawn(ts, inputSummary, func(ctx context.Context, sink graph.EventSink) (*graph.RunResult, error) {
		return r.executor.Run(ctx, threadID, input, sink)
	})
	return threadID, nil
}

// Resume continues a suspended or recoverable thread. Payloads resolve
// pending interrupts by id; resuming a thread that is not suspended with a
// payload is rejected with kind not_suspended. An unknown thread yields
// not_found.
func (r *Runner) Resume(ctx context.Context, threadID string, payloads []graph.ResumePayload) error {
	ts, err := r.thread(ctx, threadID, false)
	if err != nil {
		return err
	}
	if ts == nil {
		return &graph.Error{Kind: graph.ErrKindNotFound, Message: fmt.Sprintf("thread %s not found", threadID)}
	}

	ts.mu.Lock()
	if ts.status == StatusRunning {
		ts.mu.Unlock()
		return &graph.Error{Kind: graph.ErrKindAlreadyRunning,
			Message: fmt.Sprintf("thread %s already has an active execution", threadID)}
	}
	if len(payloads) > 0 && ts.status != StatusSuspended {
		ts.mu.Unlock()
		return &graph.Error{Kind: graph.ErrKindNotSuspended,
			Message: fmt.Sprintf("thread %s is %s, not suspended", threadID, ts.status)}
	}
	for _, payload := range payloads {
		if _, ok := ts.interrupts[payload.InterruptID]; !ok {
			ts.mu.Unlock()
			return &graph.Error{Kind: graph.ErrKindNotFound,
				Message: fmt.Sprintf("interrupt %s: %v", payload.InterruptID, graph.ErrUnknownInterrupt),
				Err:     graph.ErrUnknownInterrupt}
		}
	}
	ts.status = StatusRunning
	ts.runID = uuid.NewString()
	ts.broadcaster.reset()
	ts.mu.Unlock()

	r.spawn(ts, "resume", func(ctx context.Context, sink graph.EventSink) (*graph.RunResult, error) {
		return r.executor.Resume(ctx, threadID, payloads, sink)
	})
	return nil
}

// StartFrom begins a new execution branch from a pinned checkpoint.
func (r *Runner) StartFrom(ctx context.Context, threadID, checkpointID string) error {
	ts, err := r.thread(ctx, threadID, false)
	if err != nil {
		return err
	}
	if ts == nil {
		return &graph.Error{Kind: graph.ErrKindNotFound, Message: fmt.Sprintf("thread %s not found", threadID)}
	}
	ts.mu.Lock()
	if ts.status == StatusRunning {
		ts.mu.Unlock()
		return &graph.Error{Kind: graph.ErrKindAlreadyRunning,
			Message: fmt.Sprintf("thread %s already has an active execution", threadID)}
	}
	ts.status = StatusRunning
	ts.runID = uuid.NewString()
	ts.broadcaster.reset()
	ts.mu.Unlock()

	r.spawn(ts, "fork", func(ctx context.Context, sink graph.EventSink) (*graph.RunResult, error) {
		return r.executor.ResumeFrom(ctx, threadID, checkpointID, nil, sink)
	})
	return nil
}

// spawn runs one execution to completion on its own goroutine.
func (r *Runner) spawn(ts *threadState, inputSummary string, run func(context.Context, graph.EventSink) (*graph.RunResult, error)) {
	ctx, cancel := context.WithCancel(context.WithValue(context.Background(), threadCtxKey{}, ts))
	ts.mu.Lock()
	ts.cancel = cancel
	ts.active = make(map[string]bool)
	ts.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer cancel()

		r.publish(ts, event.TypeLifecycleStart, "", event.LifecycleStart{InputSummary: inputSummary})

		stopHeartbeat := r.startHeartbeat(ts)
		result, err := run(ctx, func(ev graph.ExecEvent) { r.translate(ts, ev) })
		stopHeartbeat()

		r.finish(ts, result, err)
	}()
}

// finish publishes the terminal lifecycle.end and settles the thread state.
func (r *Runner) finish(ts *threadState, result *graph.RunResult, err error) {
	end := event.LifecycleEnd{Reason: event.ReasonComplete}
	status := StatusIdle
	switch {
	case err != nil:
		end.Reason = event.ReasonError
		end.Error = errorInfo(err)
	case result == nil:
		end.Reason = event.ReasonError
		end.Error = &event.ErrorInfo{Kind: graph.ErrKindNodeError, Message: "execution returned no result"}
	case result.Status == graph.RunStatusInterrupted:
		end.Reason = event.ReasonInterrupted
		status = StatusSuspended
	case result.Status == graph.RunStatusCancelled:
		end.Reason = event.ReasonCancelled
	case result.Status == graph.RunStatusError:
		end.Reason = event.ReasonError
		if result.Err != nil {
			end.Error = errorInfo(result.Err)
		}
	}
	r.publish(ts, event.TypeLifecycleEnd, "", end)

	ts.mu.Lock()
	ts.status = status
	ts.cancel = nil
	ts.lastDone = time.Now()
	if status == StatusSuspended && result != nil {
		ts.interrupts = make(map[string]*graph.InterruptRecord)
		for _, record := range result.Interrupts {
			ts.interrupts[record.ID] = record
		}
	}
	ts.mu.Unlock()

	// Persist the final sequence high-water mark: lifecycle.end itself must
	// never be reissued under an already-seen seq after a restart. The
	// re-put is an idempotent metadata upsert of the last checkpoint.
	r.persistSeq(ts)
}

func (r *Runner) persistSeq(ts *threadState) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tuple, err := r.saver.GetTuple(ctx, graph.CreateCheckpointConfig(ts.id, "", ""))
	if err != nil || tuple == nil {
		return
	}
	if tuple.Metadata == nil {
		tuple.Metadata = &graph.CheckpointMetadata{Source: graph.CheckpointSourceLoop}
	}
	if tuple.Metadata.Extra == nil {
		tuple.Metadata.Extra = make(map[string]any)
	}
	tuple.Metadata.Extra[graph.MetaKeyLastSeqID] = ts.seq.Load()
	if _, err := r.saver.PutFull(ctx, graph.PutFullRequest{
		Config:        graph.CreateCheckpointConfig(ts.id, "", ""),
		Checkpoint:    tuple.Checkpoint,
		Metadata:      tuple.Metadata,
		PendingWrites: tuple.PendingWrites,
	}); err != nil {
		log.Warnf("persist seq high-water mark for thread %s: %v", ts.id, err)
	}
}

// publish wraps data into an envelope with the next seq id and fans it out.
// The seq id is claimed inside the broadcaster lock: the execution goroutine
// and the heartbeat goroutine publish concurrently, and claiming outside the
// lock would let their events enter the ring out of seq order.
func (r *Runner) publish(ts *threadState, eventType, source string, data any) {
	ts.mu.Lock()
	runID := ts.runID
	ts.mu.Unlock()
	ts.broadcaster.publish(func() event.Envelope {
		return event.New(ts.nextSeq(), ts.id, runID, eventType, source, data)
	})
}

// translate converts one internal runtime event into its wire envelope.
func (r *Runner) translate(ts *threadState, ev graph.ExecEvent) {
	source := eventSource(ev.Namespace, ev.Node)
	switch ev.Type {
	case graph.ExecEventNodeStart:
		ts.mu.Lock()
		ts.active[ev.Node] = true
		ts.mu.Unlock()
		r.publish(ts, event.TypeNodeStart, source, event.NodeStart{Name: ev.Node, Namespace: ev.Namespace})
	case graph.ExecEventNodeEnd:
		ts.mu.Lock()
		delete(ts.active, ev.Node)
		ts.mu.Unlock()
		r.publish(ts, event.TypeNodeEnd, source, event.NodeEnd{Name: ev.Node, Namespace: ev.Namespace, Status: ev.Status})
	case graph.ExecEventStateUpdate:
		r.publishStateUpdate(ts, ev)
	case graph.ExecEventContentDelta:
		r.publish(ts, event.TypeContentDelta, source, event.ContentDelta{StreamID: ev.StreamID, Text: ev.Text})
	case graph.ExecEventInterruptRequest:
		ts.mu.Lock()
		ts.interrupts[ev.Interrupt.ID] = ev.Interrupt
		ts.mu.Unlock()
		payload, err := json.Marshal(ev.Interrupt.Payload)
		if err != nil {
			r.publish(ts, event.TypeError, source, event.ErrorInfo{
				Kind: graph.ErrKindNodeError, Node: ev.Interrupt.Node, Namespace: ev.Interrupt.Namespace,
				Message: "interrupt payload not serializable: " + err.Error(),
			})
			return
		}
		r.publish(ts, event.TypeInterruptRequest, eventSource(ev.Interrupt.Namespace, ev.Interrupt.Node),
			event.InterruptRequest{InterruptID: ev.Interrupt.ID, Payload: payload})
	case graph.ExecEventInterruptResolved:
		ts.mu.Lock()
		delete(ts.interrupts, ev.Interrupt.ID)
		ts.mu.Unlock()
		r.publish(ts, event.TypeInterruptResolved, source, event.InterruptResolved{InterruptID: ev.Interrupt.ID})
	case graph.ExecEventError:
		if ev.Err == nil {
			return
		}
		r.publish(ts, event.TypeError, source, errorInfo(ev.Err))
	case graph.ExecEventStepCommitted:
		// Engine bookkeeping, not a wire event.
	}
}

// publishStateUpdate normalizes the channel value through the registered
// mapper, offloading oversized values to the artifact store.
func (r *Runner) publishStateUpdate(ts *threadState, ev graph.ExecEvent) {
	value := ev.Value
	if mapper, ok := r.mappers[ev.Channel]; ok {
		mapped, err := mapper(value)
		if err != nil {
			r.publish(ts, event.TypeError, eventSource(ev.Namespace, ""), event.ErrorInfo{
				Kind:      graph.ErrKindValidation,
				Namespace: ev.Namespace,
				Message:   fmt.Sprintf("state mapper for channel %q: %v", ev.Channel, err),
			})
			return
		}
		value = mapped
	}
	blob, err := graph.MarshalValue(value)
	if err != nil {
		r.publish(ts, event.TypeError, eventSource(ev.Namespace, ""), event.ErrorInfo{
			Kind:      graph.ErrKindValidation,
			Namespace: ev.Namespace,
			Message:   fmt.Sprintf("channel %q value not serializable: %v", ev.Channel, err),
		})
		return
	}
	if r.artifacts != nil && r.artifactThreshold > 0 && len(blob) > r.artifactThreshold {
		ref, err := r.artifacts.Save(context.Background(), ts.id, &artifact.Artifact{
			Type:    ev.Channel,
			Summary: fmt.Sprintf("channel %s at seq %d", ev.Channel, ts.seq.Load()),
			Data:    blob,
		})
		if err != nil {
			log.Errorf("offload channel %s of thread %s: %v", ev.Channel, ts.id, err)
		} else {
			preview := blob
			if len(preview) > r.artifactThreshold {
				preview = nil
			}
			blob, _ = json.Marshal(map[string]any{
				"artifact_id": ref.ArtifactID,
				"type":        ref.Type,
				"summary":     ref.Summary,
				"preview":     json.RawMessage(preview),
			})
		}
	}
	r.publish(ts, event.TypeStateUpdate, eventSource(ev.Namespace, ""), event.StateUpdate{
		Channel: ev.Channel,
		Value:   blob,
	})
}

// startHeartbeat emits heartbeat events while the stream is quiet. The
// returned function stops the ticker.
func (r *Runner) startHeartbeat(ts *threadState) func() {
	stop := make(chan struct{})
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-r.closed:
				return
			case tick := <-ticker.C:
				if !ts.broadcaster.quietSince(tick.Add(-r.heartbeatInterval)) {
					continue
				}
				ts.mu.Lock()
				active := make([]string, 0, len(ts.active))
				for name := range ts.active {
					active = append(active, name)
				}
				ts.mu.Unlock()
				sort.Strings(active)
				r.publish(ts, event.TypeHeartbeat, "", event.Heartbeat{ActiveNodes: active})
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(stop) }) }
}

// Attach registers a subscriber to the thread's event stream. lastEventID
// follows SSE Last-Event-ID semantics: events with greater seq ids are
// replayed first. Pass a negative lastEventID for a fresh subscription that
// replays the current execution from its start.
func (r *Runner) Attach(ctx context.Context, threadID string, lastEventID int64) (*Subscription, error) {
	ts, err := r.thread(ctx, threadID, false)
	if err != nil {
		return nil, err
	}
	if ts == nil {
		return nil, &graph.Error{Kind: graph.ErrKindNotFound, Message: fmt.Sprintf("thread %s not found", threadID)}
	}
	if lastEventID < 0 {
		lastEventID = 0
		ts.mu.Lock()
		if ts.status != StatusRunning {
			// Nothing live to follow; the caller reads final state from the
			// store instead.
			lastEventID = ts.seq.Load()
		}
		ts.mu.Unlock()
		return ts.broadcaster.attachFresh(lastEventID), nil
	}
	return ts.broadcaster.attach(lastEventID, ts.seq.Load()), nil
}

// Detach tears down a subscription.
func (r *Runner) Detach(ctx context.Context, threadID string, sub *Subscription) {
	ts, err := r.thread(ctx, threadID, false)
	if err != nil || ts == nil {
		sub.close(nil)
		return
	}
	ts.broadcaster.detach(sub)
	r.maybeRelease(ts)
}

func (r *Runner) maybeRelease(ts *threadState) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.status != StatusRunning && ts.broadcaster.subscriberCount() == 0 {
		ts.broadcaster.reset()
	}
}

// Cancel signals cancellation of the thread's active execution. Cancelling
// a suspended thread discards its pending interrupts and terminates it.
func (r *Runner) Cancel(ctx context.Context, threadID string) error {
	ts, err := r.thread(ctx, threadID, false)
	if err != nil {
		return err
	}
	if ts == nil {
		return &graph.Error{Kind: graph.ErrKindNotFound, Message: fmt.Sprintf("thread %s not found", threadID)}
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	switch ts.status {
	case StatusRunning:
		if ts.cancel != nil {
			ts.cancel()
		}
	case StatusSuspended:
		ts.interrupts = make(map[string]*graph.InterruptRecord)
		ts.status = StatusTerminated
	}
	return nil
}

// ThreadInfo reports the thread's status, sequence high-water mark and
// pending interrupt, for client reattach.
func (r *Runner) ThreadInfo(ctx context.Context, threadID string) (*ThreadInfo, error) {
	ts, err := r.thread(ctx, threadID, false)
	if err != nil {
		return nil, err
	}
	if ts == nil {
		return nil, &graph.Error{Kind: graph.ErrKindNotFound, Message: fmt.Sprintf("thread %s not found", threadID)}
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	info := &ThreadInfo{
		ThreadID:  threadID,
		LastSeqID: ts.seq.Load(),
		Status:    ts.status,
	}
	ids := make([]string, 0, len(ts.interrupts))
	for id := range ts.interrupts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		view := InterruptView{ID: id, Payload: ts.interrupts[id].Payload}
		info.Pending = append(info.Pending, view)
		if info.Interrupt == nil {
			v := view
			info.Interrupt = &v
		}
	}
	return info, nil
}

// History returns the thread's checkpoint tuples, newest first.
func (r *Runner) History(ctx context.Context, threadID string, limit int, before string) ([]*graph.CheckpointTuple, error) {
	return r.executor.History(ctx, threadID, limit, before)
}

// UpdateState forks a new checkpoint with edited values, as in time travel.
func (r *Runner) UpdateState(ctx context.Context, ref graph.CheckpointRef, values graph.State, asNode string) (map[string]any, error) {
	ts, err := r.thread(ctx, ref.ThreadID, false)
	if err != nil {
		return nil, err
	}
	if ts == nil {
		return nil, &graph.Error{Kind: graph.ErrKindNotFound, Message: fmt.Sprintf("thread %s not found", ref.ThreadID)}
	}
	ts.mu.Lock()
	if ts.status == StatusRunning {
		ts.mu.Unlock()
		return nil, &graph.Error{Kind: graph.ErrKindAlreadyRunning,
			Message: fmt.Sprintf("thread %s already has an active execution", ref.ThreadID)}
	}
	ts.mu.Unlock()
	return r.executor.UpdateState(context.WithValue(ctx, threadCtxKey{}, ts), ref, values, asNode)
}

// DeleteThread removes the thread from memory and the checkpoint store.
// A running thread is cancelled first.
func (r *Runner) DeleteThread(ctx context.Context, threadID string) error {
	r.mu.Lock()
	ts := r.threads[threadID]
	delete(r.threads, threadID)
	r.mu.Unlock()
	if ts != nil {
		ts.mu.Lock()
		if ts.cancel != nil {
			ts.cancel()
		}
		ts.mu.Unlock()
		ts.broadcaster.closeAll()
	}
	return r.saver.DeleteThread(ctx, threadID)
}

// gcLoop evicts idle in-memory thread records after the grace period.
// Checkpoints stay in the store; a later request rehydrates the thread.
func (r *Runner) gcLoop() {
	defer r.wg.Done()
	interval := r.gcGrace / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.closed:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-r.gcGrace)
			r.mu.Lock()
			for id, ts := range r.threads {
				ts.mu.Lock()
				idle := ts.status != StatusRunning &&
					ts.broadcaster.subscriberCount() == 0 &&
					!ts.lastDone.IsZero() && ts.lastDone.Before(cutoff)
				ts.mu.Unlock()
				if idle {
					delete(r.threads, id)
				}
			}
			r.mu.Unlock()
		}
	}
}

func eventSource(namespace, node string) string {
	if node == "" {
		return namespace
	}
	if namespace == "" {
		return node
	}
	return namespace + ":" + node
}

func errorInfo(err error) *event.ErrorInfo {
	if err == nil {
		return nil
	}
	if classified, ok := err.(*graph.Error); ok && classified != nil {
		return &event.ErrorInfo{
			Kind: classified.Kind, Message: classified.Message,
			Node: classified.Node, Namespace: classified.Namespace,
		}
	}
	return &event.ErrorInfo{Kind: graph.ErrKindNodeError, Message: err.Error()}
}
