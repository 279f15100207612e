//
// Copyright (C) 2026 The valuegraph Authors.  All rights reserved.
//
// valuegraph is licensed under the Apache License Version 2.0.
//
//

package graph

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/valuegraph/valuegraph/log"
)

// Execution result statuses.
const (
	RunStatusComplete    = "complete"
	RunStatusInterrupted = "interrupted"
	RunStatusCancelled   = "cancelled"
	RunStatusError       = "error"
)

// Executor defaults.
const (
	DefaultRecursionLimit = 25
	DefaultMaxConcurrency = 64
)

// RunResult summarizes one execution of a thread.
type RunResult struct {
	// Status is one of the RunStatus constants.
	Status string
	// FinalState is the state at the last committed checkpoint.
	FinalState State
	// CheckpointID is the id of the last committed checkpoint.
	CheckpointID string
	// Interrupts holds the suspension records when Status is interrupted.
	Interrupts []*InterruptRecord
	// Err is set when Status is error.
	Err *Error
}

// Executor runs a compiled graph against a checkpoint saver, one thread at a
// time. It is safe for concurrent use across distinct threads; the caller
// serializes executions of a single thread.
type Executor struct {
	graph          *Graph
	saver          Saver
	pool           *ants.Pool
	recursionLimit int
	nodeTimeout    time.Duration
	execTimeout    time.Duration
	defaultRetry   *RetryPolicy
	metadataExtra  func(ctx context.Context) map[string]any
	tracer         trace.Tracer
}

// ExecutorOption configures an executor.
type ExecutorOption func(*Executor)

// WithRecursionLimit caps the number of supersteps per execution.
func WithRecursionLimit(limit int) ExecutorOption {
	return func(e *Executor) { e.recursionLimit = limit }
}

// WithDefaultNodeTimeout sets the default per-attempt node timeout for
// nodes without their own.
func WithDefaultNodeTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.nodeTimeout = d }
}

// WithExecutionTimeout bounds one execution's wall clock.
func WithExecutionTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.execTimeout = d }
}

// WithDefaultRetryPolicy applies a retry policy to nodes without their own.
func WithDefaultRetryPolicy(policy *RetryPolicy) ExecutorOption {
	return func(e *Executor) { e.defaultRetry = policy }
}

// WithMaxConcurrency sizes the worker pool running node bodies.
func WithMaxConcurrency(n int) ExecutorOption {
	return func(e *Executor) {
		if pool, err := ants.NewPool(n); err == nil {
			if e.pool != nil {
				e.pool.Release()
			}
			e.pool = pool
		}
	}
}

// WithMetadataExtra registers a hook contributing extra checkpoint metadata
// at every commit, such as the event sequence high-water mark. The hook
// receives the execution context.
func WithMetadataExtra(extra func(ctx context.Context) map[string]any) ExecutorOption {
	return func(e *Executor) { e.metadataExtra = extra }
}

// NewExecutor creates an executor for a compiled graph.
func NewExecutor(g *Graph, saver Saver, opts ...ExecutorOption) (*Executor, error) {
	if g == nil {
		return nil, NewError(ErrKindValidation, "graph is nil")
	}
	if saver == nil {
		return nil, NewError(ErrKindValidation, "saver is nil")
	}
	pool, err := ants.NewPool(DefaultMaxConcurrency)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	e := &Executor{
		graph:          g,
		saver:          saver,
		pool:           pool,
		recursionLimit: DefaultRecursionLimit,
		tracer:         otel.Tracer("valuegraph.graph"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Close releases the executor's worker pool.
func (e *Executor) Close() {
	if e.pool != nil {
		e.pool.Release()
	}
}

// Run starts a fresh execution of the thread from caller input. It writes
// the input checkpoint, then steps the graph until completion, interrupt,
// cancellation or error. Internal events are delivered to sink.
func (e *Executor) Run(ctx context.Context, threadID string, input State, sink EventSink) (*RunResult, error) {
	ctx, cancel := e.withExecTimeout(ctx)
	defer cancel()
	ctx, span := e.tracer.Start(ctx, "graph.run",
		trace.WithAttributes(attribute.String("thread.id", threadID)))
	defer span.End()

	state := e.graph.schema.Init()
	versions := make(map[string]int64)
	writes := make([]channelWrite, 0, len(input))
	for channel, value := range input {
		writes = append(writes, channelWrite{TaskID: "input", Node: Start, Channel: channel, Value: value})
	}
	state, err := e.graph.schema.applyWrites(state, writes)
	if err != nil {
		return nil, err
	}
	for channel := range input {
		versions[channel]++
	}

	entry := e.graph.entryPoint
	ckpt := NewCheckpoint(state.Clone(), cloneVersions(versions), []string{entry})
	meta := e.metadata(ctx, CheckpointSourceInput, -1, nil)
	cfg := CreateCheckpointConfig(threadID, "", "")
	if _, err := e.saver.PutFull(ctx, PutFullRequest{Config: cfg, Checkpoint: ckpt, Metadata: meta}); err != nil {
		return e.persistFailure(sink, err), nil
	}

	loop := &runLoop{
		exec:      e,
		graph:     e.graph,
		threadID:  threadID,
		namespace: "",
		sink:      sink,
		state:     state,
		versions:  versions,
		parentID:  ckpt.ID,
		pending:   map[string]*InterruptRecord{},
		step:      0,
		remaining: e.recursionLimit,
	}
	return loop.run(ctx, []string{entry})
}

// ResumePayload routes one resume value to a pending interrupt.
type ResumePayload struct {
	InterruptID string
	Value       any
}

// Resume continues a thread from its latest checkpoint. Payloads resolve
// pending interrupts; an empty payload list replays the scheduled nodes,
// which is the crash-recovery path.
func (e *Executor) Resume(ctx context.Context, threadID string, payloads []ResumePayload, sink EventSink) (*RunResult, error) {
	return e.resumeFrom(ctx, threadID, "", payloads, sink)
}

// ResumeFrom continues a thread from a pinned checkpoint, forking a new
// branch when the checkpoint is not the latest.
func (e *Executor) ResumeFrom(ctx context.Context, threadID, checkpointID string, payloads []ResumePayload, sink EventSink) (*RunResult, error) {
	return e.resumeFrom(ctx, threadID, checkpointID, payloads, sink)
}

func (e *Executor) resumeFrom(ctx context.Context, threadID, checkpointID string, payloads []ResumePayload, sink EventSink) (*RunResult, error) {
	ctx, cancel := e.withExecTimeout(ctx)
	defer cancel()
	ctx, span := e.tracer.Start(ctx, "graph.resume",
		trace.WithAttributes(attribute.String("thread.id", threadID)))
	defer span.End()

	cfg := CreateCheckpointConfig(threadID, checkpointID, "")
	tuple, err := e.saver.GetTuple(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	if tuple == nil || tuple.Checkpoint == nil {
		return nil, &Error{Kind: ErrKindNotFound, Message: fmt.Sprintf("thread %s has no checkpoint", threadID)}
	}
	ckpt := tuple.Checkpoint.Clone()

	// Route resume values and work out which interrupts they resolve.
	resolvedByNode := map[string][]string{}
	for _, payload := range payloads {
		record, ok := ckpt.InterruptsPending[payload.InterruptID]
		if !ok {
			return nil, &Error{
				Kind:    ErrKindNotFound,
				Message: fmt.Sprintf("interrupt %s: %v", payload.InterruptID, ErrUnknownInterrupt),
				Err:     ErrUnknownInterrupt,
			}
		}
		AddResumeValue(ckpt.ChannelValues, payload.InterruptID, payload.Value)
		resolvedByNode[rootNodeOf(record)] = append(resolvedByNode[rootNodeOf(record)], record.ID)
	}

	pending := map[string]*InterruptRecord{}
	stepOverride := map[string]int{}
	for id, record := range ckpt.InterruptsPending {
		pending[id] = record
		if record.Namespace == "" {
			stepOverride[record.Node] = record.Step
		}
	}

	// Forking off an earlier checkpoint starts a new branch in history.
	parentID := ckpt.ID
	step := tupleStep(tuple)
	if checkpointID != "" {
		fork := NewCheckpoint(ckpt.ChannelValues.Clone(), cloneVersions(ckpt.ChannelVersions), ckpt.NextNodes)
		fork.InterruptsPending = ckpt.InterruptsPending
		meta := e.metadata(ctx, CheckpointSourceFork, step, map[string]string{"": ckpt.ID})
		if _, err := e.saver.PutFull(ctx, PutFullRequest{
			Config: CreateCheckpointConfig(threadID, "", ""), Checkpoint: fork, Metadata: meta,
		}); err != nil {
			return e.persistFailure(sink, err), nil
		}
		parentID = fork.ID
	}

	// Nodes whose interrupts stay unresolved are withheld from this round.
	var active []string
	for _, node := range ckpt.NextNodes {
		if stillSuspended(node, pending, resolvedByNode) {
			continue
		}
		active = append(active, node)
	}
	sort.Strings(active)
	if len(active) == 0 && len(pending) > 0 {
		return nil, &Error{Kind: ErrKindValidation, Message: "no pending interrupt was resolved"}
	}

	loop := &runLoop{
		exec:         e,
		graph:        e.graph,
		threadID:     threadID,
		namespace:    "",
		sink:         sink,
		state:        ckpt.ChannelValues,
		versions:     cloneVersions(ckpt.ChannelVersions),
		parentID:     parentID,
		pending:      pending,
		resolved:     resolvedByNode,
		stepOverride: stepOverride,
		step:         step + 1,
		remaining:    e.recursionLimit,
	}
	return loop.run(ctx, active)
}

func (e *Executor) withExecTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.execTimeout > 0 {
		return context.WithTimeout(ctx, e.execTimeout)
	}
	return context.WithCancel(ctx)
}

func (e *Executor) metadata(ctx context.Context, source string, step int, parents map[string]string) *CheckpointMetadata {
	meta := &CheckpointMetadata{Source: source, Step: step, Parents: parents}
	if e.metadataExtra != nil {
		meta.Extra = e.metadataExtra(ctx)
	}
	return meta
}

func (e *Executor) persistFailure(sink EventSink, err error) *RunResult {
	classified := &Error{Kind: ErrKindPersistence, Message: err.Error(), Err: err}
	log.Errorf("checkpoint commit failed: %v", err)
	emit(sink, ExecEvent{Type: ExecEventError, Err: classified})
	return &RunResult{Status: RunStatusError, Err: classified}
}

// rootNodeOf maps an interrupt record back to the root-graph node scheduled
// for re-execution: the first element of its namespace path, or the node
// itself when it suspended at the root.
func rootNodeOf(record *InterruptRecord) string {
	return localNodeOf(record, "")
}

// localNodeOf maps an interrupt record to the node of the graph running
// under namespace that owns it: the record's node when it suspended at this
// level, otherwise the subgraph node on the path down to it.
func localNodeOf(record *InterruptRecord, namespace string) string {
	path := NamespacePath(record.Namespace)
	base := NamespacePath(namespace)
	if len(path) > len(base) {
		return path[len(base)]
	}
	return record.Node
}

// stillSuspended reports whether node has a pending interrupt that this
// resume round does not resolve.
func stillSuspended(node string, pending map[string]*InterruptRecord, resolved map[string][]string) bool {
	resolvedIDs := map[string]bool{}
	for _, ids := range resolved {
		for _, id := range ids {
			resolvedIDs[id] = true
		}
	}
	for id, record := range pending {
		if rootNodeOf(record) == node && !resolvedIDs[id] {
			return true
		}
	}
	return false
}

func tupleStep(tuple *CheckpointTuple) int {
	if tuple.Metadata != nil {
		return tuple.Metadata.Step
	}
	return 0
}

func cloneVersions(versions map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(versions))
	for k, v := range versions {
		out[k] = v
	}
	return out
}

func emit(sink EventSink, ev ExecEvent) {
	if sink != nil {
		sink(ev)
	}
}

// taskOutcome is the result of one node execution within a superstep.
type taskOutcome struct {
	node       string
	taskID     string
	status     string
	writes     []channelWrite
	gotoNodes  []string
	interrupts []*InterruptRecord
	err        error
}

// runLoop carries the mutable state of one execution within one namespace.
type runLoop struct {
	exec      *Executor
	graph     *Graph
	threadID  string
	namespace string
	sink      EventSink
	state     State
	versions  map[string]int64
	parentID  string
	// pending tracks unresolved interrupts across supersteps.
	pending map[string]*InterruptRecord
	// resolved maps node name to the interrupt ids a resume injected, so
	// interrupt.resolved fires once the node completes.
	resolved map[string][]string
	// stepOverride pins re-executed nodes to the superstep they originally
	// suspended at, keeping their interrupt ids stable across the re-run.
	stepOverride map[string]int
	step         int
	remaining    int
}

// run executes supersteps until no node is active, an interrupt suspends the
// thread, the context is cancelled, or an error terminates the execution.
func (l *runLoop) run(ctx context.Context, active []string) (*RunResult, error) {
	for {
		if len(active) == 0 {
			return &RunResult{Status: RunStatusComplete, FinalState: l.state, CheckpointID: l.parentID}, nil
		}
		if err := ctx.Err(); err != nil {
			return l.terminate(ctx, err)
		}
		if l.remaining <= 0 {
			classified := &Error{
				Kind:    ErrKindRecursionLimit,
				Message: fmt.Sprintf("recursion limit of %d supersteps reached", l.exec.recursionLimit),
			}
			emit(l.sink, ExecEvent{Type: ExecEventError, Namespace: l.namespace, Err: classified})
			return &RunResult{Status: RunStatusError, FinalState: l.state, CheckpointID: l.parentID, Err: classified}, nil
		}
		l.remaining--

		outcomes := l.runSuperstep(ctx, active)
		if err := ctx.Err(); err != nil {
			return l.terminate(ctx, err)
		}

		result, next, err := l.commit(ctx, active, outcomes)
		if err != nil {
			return nil, err
		}
		if result != nil {
			return result, nil
		}
		active = next
		l.step++
	}
}

// runSuperstep executes all active nodes concurrently and joins at the
// barrier.
func (l *runLoop) runSuperstep(ctx context.Context, active []string) []taskOutcome {
	outcomes := make([]taskOutcome, len(active))
	var wg sync.WaitGroup
	for i, name := range active {
		node := l.graph.nodes[name]
		emit(l.sink, ExecEvent{Type: ExecEventNodeStart, Node: name, Namespace: l.namespace, ActiveNodes: active})
		wg.Add(1)
		task := func() {
			defer wg.Done()
			outcomes[i] = l.runTask(ctx, node)
		}
		if err := l.exec.pool.Submit(task); err != nil {
			// Pool exhausted or released; run inline rather than dropping
			// the task.
			task()
		}
	}
	wg.Wait()
	return outcomes
}

// runTask executes one node with retries and timeout.
func (l *runLoop) runTask(ctx context.Context, node *Node) taskOutcome {
	outcome := taskOutcome{
		node:   node.Name,
		taskID: fmt.Sprintf("%d:%s", l.step, node.Name),
		status: NodeStatusOK,
	}
	policy := node.Retry
	if policy == nil {
		policy = l.exec.defaultRetry
	}
	attempts := 1
	if policy != nil && policy.MaxAttempts > 1 {
		attempts = policy.MaxAttempts
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		result, interrupts, err := l.attempt(ctx, node)
		if err == nil {
			// A subgraph that suspended returns its records with no error.
			if len(interrupts) > 0 {
				outcome.interrupts = interrupts
				return outcome
			}
			if attempt > 1 {
				outcome.status = NodeStatusDegraded
			}
			l.collectResult(node, result, &outcome)
			return outcome
		}
		var suspension *InterruptError
		if errors.As(err, &suspension) {
			outcome.interrupts = append(interrupts, suspension.Record)
			return outcome
		}
		if len(interrupts) > 0 {
			outcome.interrupts = interrupts
			return outcome
		}
		lastErr = err
		if attempt < attempts && policy.shouldRetry(err) {
			delay := policy.backoff(attempt)
			log.Warnf("node %s attempt %d failed, retrying in %s: %v", node.Name, attempt, delay, err)
			select {
			case <-ctx.Done():
				outcome.status = NodeStatusError
				outcome.err = ctx.Err()
				return outcome
			case <-time.After(delay):
			}
			continue
		}
		break
	}

	if node.Degrade != nil {
		update := node.Degrade(lastErr)
		outcome.status = NodeStatusDegraded
		l.collectResult(node, update, &outcome)
		return outcome
	}
	outcome.status = NodeStatusError
	if policy != nil && policy.MaxAttempts > 1 && policy.shouldRetry(lastErr) {
		outcome.err = &Error{
			Kind: ErrKindRetryExhausted, Node: node.Name, Namespace: l.namespace,
			Message: fmt.Sprintf("after %d attempts: %v", attempts, lastErr), Err: lastErr,
		}
	} else {
		outcome.err = lastErr
	}
	return outcome
}

// attempt runs one attempt of the node body or its subgraph.
func (l *runLoop) attempt(ctx context.Context, node *Node) (any, []*InterruptRecord, error) {
	timeout := node.Timeout
	if timeout == 0 {
		timeout = l.exec.nodeTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	ctx, span := l.exec.tracer.Start(ctx, "graph.node",
		trace.WithAttributes(
			attribute.String("node.name", node.Name),
			attribute.String("node.namespace", l.namespace)))
	defer span.End()

	if node.Subgraph != nil {
		return l.runSubgraph(ctx, node)
	}

	step := l.step
	if pinned, ok := l.stepOverride[node.Name]; ok {
		step = pinned
	}
	ctx = withExecInfo(ctx, execInfo{Namespace: l.namespace, Node: node.Name, Step: step})
	ctx = withEmitter(ctx, &Emitter{node: node.Name, namespace: l.namespace, sink: l.sink})
	result, err := node.Run(ctx, l.state.Clone())
	if err != nil {
		if ctxErr := ctx.Err(); errors.Is(ctxErr, context.DeadlineExceeded) {
			return nil, nil, &Error{
				Kind: ErrKindExecutionTimeout, Node: node.Name, Namespace: l.namespace,
				Message: fmt.Sprintf("node timed out after %s", timeout), Err: err,
			}
		}
		return nil, nil, err
	}
	return result, nil, nil
}

// runSubgraph steps a compiled subgraph under the child namespace. The
// subgraph checkpoints independently; a suspended subgraph resumes from its
// own latest checkpoint on re-entry.
func (l *runLoop) runSubgraph(ctx context.Context, node *Node) (any, []*InterruptRecord, error) {
	childNS := ChildNamespace(l.namespace, node.Name)
	sub := node.Subgraph
	cfg := CreateCheckpointConfig(l.threadID, "", childNS)

	tuple, err := l.exec.saver.GetTuple(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("load subgraph checkpoint: %w", err)
	}

	child := &runLoop{
		exec:      l.exec,
		graph:     sub,
		threadID:  l.threadID,
		namespace: childNS,
		sink:      l.sink,
		pending:   map[string]*InterruptRecord{},
		remaining: l.exec.recursionLimit,
	}

	var active []string
	if tuple != nil && tuple.Checkpoint != nil && len(tuple.Checkpoint.NextNodes) > 0 {
		// Re-entry into a suspended subgraph.
		ckpt := tuple.Checkpoint.Clone()
		child.state = ckpt.ChannelValues
		child.versions = cloneVersions(ckpt.ChannelVersions)
		child.parentID = ckpt.ID
		child.step = tupleStep(tuple) + 1
		child.stepOverride = map[string]int{}
		child.resolved = map[string][]string{}
		resumeMap, _ := l.state[StateKeyResumeMap].(map[string]any)
		for id, record := range ckpt.InterruptsPending {
			child.pending[id] = record
			if record.Namespace == childNS {
				child.stepOverride[record.Node] = record.Step
			}
			if _, ok := resumeMap[id]; ok {
				owner := localNodeOf(record, childNS)
				child.resolved[owner] = append(child.resolved[owner], id)
			}
		}
		if resumeMap != nil {
			child.state[StateKeyResumeMap] = resumeMap
		}
		for _, name := range ckpt.NextNodes {
			active = append(active, name)
		}
	} else {
		// Fresh invocation: seed the subgraph with the shared channels.
		state := sub.schema.Init()
		for name := range sub.schema.Fields {
			if value, ok := l.state[name]; ok {
				state[name] = value
			}
		}
		if resumeMap, ok := l.state[StateKeyResumeMap].(map[string]any); ok {
			state[StateKeyResumeMap] = resumeMap
		}
		child.state = state
		child.versions = make(map[string]int64)
		ckpt := NewCheckpoint(state.Clone(), nil, []string{sub.entryPoint})
		meta := l.exec.metadata(ctx, CheckpointSourceInput, -1, map[string]string{l.namespace: l.parentID})
		if _, err := l.exec.saver.PutFull(ctx, PutFullRequest{Config: cfg, Checkpoint: ckpt, Metadata: meta}); err != nil {
			return nil, nil, &Error{Kind: ErrKindPersistence, Message: err.Error(), Err: err}
		}
		child.parentID = ckpt.ID
		active = []string{sub.entryPoint}
	}

	result, err := child.run(ctx, active)
	if err != nil {
		return nil, nil, err
	}
	switch result.Status {
	case RunStatusComplete:
		return node.Project(l.state, result.FinalState), nil, nil
	case RunStatusInterrupted:
		return nil, result.Interrupts, nil
	default:
		if result.Err != nil {
			return nil, nil, result.Err
		}
		return nil, nil, fmt.Errorf("subgraph %s terminated with status %s", node.Name, result.Status)
	}
}

// collectResult turns a node return value into writes and routing overrides.
func (l *runLoop) collectResult(node *Node, result any, outcome *taskOutcome) {
	var update State
	switch typed := result.(type) {
	case nil:
	case State:
		update = typed
	case map[string]any:
		update = State(typed)
	case *Command:
		update = typed.Update
		outcome.gotoNodes = typed.Goto
	default:
		outcome.status = NodeStatusError
		outcome.err = &Error{
			Kind: ErrKindNodeError, Node: node.Name, Namespace: l.namespace,
			Message: fmt.Sprintf("unsupported node result type %T", result),
		}
		return
	}
	for channel, value := range update {
		outcome.writes = append(outcome.writes, channelWrite{
			TaskID:  outcome.taskID,
			Node:    node.Name,
			Channel: channel,
			Value:   value,
		})
	}
	sort.Slice(outcome.writes, func(i, j int) bool {
		return outcome.writes[i].Channel < outcome.writes[j].Channel
	})
}

// commit folds the superstep's outcomes into state, persists the checkpoint
// and decides what runs next. A non-nil result terminates the loop.
func (l *runLoop) commit(ctx context.Context, active []string, outcomes []taskOutcome) (*RunResult, []string, error) {
	var (
		writes        []channelWrite
		interrupts    []*InterruptRecord
		nextSet       = map[string]bool{}
		pendingWrites []PendingWrite
	)

	for _, outcome := range outcomes {
		if outcome.err != nil {
			return l.fail(outcome)
		}
		if len(outcome.interrupts) > 0 {
			// The suspending node's writes are withheld and no node.end is
			// emitted; the node re-executes in full on resume.
			for _, record := range outcome.interrupts {
				interrupts = append(interrupts, record)
				l.pending[record.ID] = record
			}
			nextSet[outcome.node] = true
			continue
		}
		emit(l.sink, ExecEvent{
			Type: ExecEventNodeEnd, Node: outcome.node, Namespace: l.namespace,
			Status: outcome.status,
		})
		// A later re-run of this node in a cycle derives fresh interrupt ids.
		delete(l.stepOverride, outcome.node)
		writes = append(writes, outcome.writes...)
		for _, w := range outcome.writes {
			pendingWrites = append(pendingWrites, PendingWrite{
				TaskID: w.TaskID, Channel: w.Channel, Value: w.Value,
				Sequence: int64(len(pendingWrites)),
			})
		}
		for _, id := range l.resolved[outcome.node] {
			record := l.pending[id]
			delete(l.pending, id)
			// Records owned by a deeper namespace are announced by the loop
			// that runs the suspending node itself.
			if record != nil && record.Namespace == l.namespace {
				emit(l.sink, ExecEvent{
					Type: ExecEventInterruptResolved, Node: outcome.node, Namespace: l.namespace,
					Interrupt: record,
				})
			}
		}
		targets, err := l.graph.successors(ctx, l.state, outcome.node, outcome.gotoNodes)
		if err != nil {
			return nil, nil, err
		}
		for _, t := range targets {
			nextSet[t] = true
		}
	}

	// Barrier: apply reducers.
	state, err := l.graph.schema.applyWrites(l.state, writes)
	if err != nil {
		var classified *Error
		if !errors.As(err, &classified) {
			classified = &Error{Kind: ErrKindNodeError, Message: err.Error(), Err: err}
		}
		classified.Namespace = l.namespace
		emit(l.sink, ExecEvent{Type: ExecEventError, Namespace: l.namespace, Err: classified})
		return &RunResult{Status: RunStatusError, FinalState: l.state, CheckpointID: l.parentID, Err: classified}, nil, nil
	}
	l.state = state

	written := map[string]bool{}
	for _, w := range writes {
		if isInternalStateKey(w.Channel) {
			continue
		}
		if !written[w.Channel] {
			written[w.Channel] = true
			l.versions[w.Channel]++
		}
	}
	for _, name := range l.graph.triggered(written) {
		nextSet[name] = true
	}

	// Nodes still waiting on unresolved interrupts stay scheduled.
	for _, record := range l.pending {
		nextSet[localNodeOf(record, l.namespace)] = true
	}

	next := make([]string, 0, len(nextSet))
	for name := range nextSet {
		next = append(next, name)
	}
	sort.Strings(next)

	source := CheckpointSourceLoop
	if len(interrupts) > 0 {
		source = CheckpointSourceInterrupt
	}
	ckpt := NewCheckpoint(l.state.Clone(), cloneVersions(l.versions), next)
	if len(l.pending) > 0 {
		ckpt.InterruptsPending = make(map[string]*InterruptRecord, len(l.pending))
		for id, record := range l.pending {
			ckpt.InterruptsPending[id] = record
		}
	}
	// Events are emitted before the commit so the sequence high-water mark
	// the metadata hook captures covers them; a restart then never reissues
	// a seq id an earlier subscriber already saw.
	channels := make([]string, 0, len(written))
	for ch := range written {
		channels = append(channels, ch)
	}
	sort.Strings(channels)
	for _, ch := range channels {
		emit(l.sink, ExecEvent{
			Type: ExecEventStateUpdate, Namespace: l.namespace,
			Channel: ch, Value: l.state[ch],
		})
	}
	emit(l.sink, ExecEvent{
		Type: ExecEventStepCommitted, Namespace: l.namespace,
		Step: l.step, CheckpointID: ckpt.ID,
	})
	sort.Slice(interrupts, func(i, j int) bool { return interrupts[i].ID < interrupts[j].ID })
	for _, record := range interrupts {
		emit(l.sink, ExecEvent{
			Type: ExecEventInterruptRequest, Node: record.Node, Namespace: record.Namespace,
			Interrupt: record,
		})
	}

	meta := l.exec.metadata(ctx, source, l.step, map[string]string{l.namespace: l.parentID})
	cfg := CreateCheckpointConfig(l.threadID, "", l.namespace)
	req := PutFullRequest{Config: cfg, Checkpoint: ckpt, Metadata: meta}
	if len(interrupts) > 0 {
		req.PendingWrites = pendingWrites
	}
	if _, err := l.exec.saver.PutFull(ctx, req); err != nil {
		return l.exec.persistFailure(l.sink, err), nil, nil
	}
	l.parentID = ckpt.ID

	if len(interrupts) > 0 {
		return &RunResult{
			Status: RunStatusInterrupted, FinalState: l.state,
			CheckpointID: ckpt.ID, Interrupts: interrupts,
		}, nil, nil
	}
	if len(l.pending) > 0 {
		// Earlier interrupts remain unresolved; the thread stays suspended.
		remaining := make([]*InterruptRecord, 0, len(l.pending))
		for _, record := range l.pending {
			remaining = append(remaining, record)
		}
		sort.Slice(remaining, func(i, j int) bool { return remaining[i].ID < remaining[j].ID })
		return &RunResult{
			Status: RunStatusInterrupted, FinalState: l.state,
			CheckpointID: ckpt.ID, Interrupts: remaining,
		}, nil, nil
	}
	return nil, next, nil
}

// fail terminates the execution on a node error. The last committed
// checkpoint stays authoritative; no partial state is written.
func (l *runLoop) fail(outcome taskOutcome) (*RunResult, []string, error) {
	classified := classifyNodeError(outcome, l.namespace)
	emit(l.sink, ExecEvent{
		Type: ExecEventNodeEnd, Node: outcome.node, Namespace: l.namespace, Status: NodeStatusError,
	})
	emit(l.sink, ExecEvent{Type: ExecEventError, Node: outcome.node, Namespace: l.namespace, Err: classified})
	return &RunResult{
		Status: RunStatusError, FinalState: l.state, CheckpointID: l.parentID, Err: classified,
	}, nil, nil
}

// terminate handles cancellation and execution timeout at the superstep
// boundary, writing a terminal checkpoint so the thread can be inspected.
func (l *runLoop) terminate(ctx context.Context, cause error) (*RunResult, error) {
	kind := ErrKindCancelled
	source := CheckpointSourceCancelled
	message := "execution cancelled"
	if errors.Is(cause, context.DeadlineExceeded) {
		kind = ErrKindExecutionTimeout
		message = "execution wall-clock timeout"
	}

	ckpt := NewCheckpoint(l.state.Clone(), cloneVersions(l.versions), nil)
	meta := l.exec.metadata(ctx, source, l.step, map[string]string{l.namespace: l.parentID})
	cfg := CreateCheckpointConfig(l.threadID, "", l.namespace)
	// The terminal checkpoint is written on a fresh context: the execution
	// context is already done.
	putCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if _, err := l.exec.saver.PutFull(putCtx, PutFullRequest{Config: cfg, Checkpoint: ckpt, Metadata: meta}); err != nil {
		log.Errorf("terminal checkpoint for thread %s failed: %v", l.threadID, err)
	} else {
		l.parentID = ckpt.ID
	}

	classified := &Error{Kind: kind, Namespace: l.namespace, Message: message, Err: cause}
	status := RunStatusCancelled
	if kind == ErrKindExecutionTimeout {
		status = RunStatusError
		emit(l.sink, ExecEvent{Type: ExecEventError, Namespace: l.namespace, Err: classified})
	}
	return &RunResult{Status: status, FinalState: l.state, CheckpointID: l.parentID, Err: classified}, nil
}

func classifyNodeError(outcome taskOutcome, namespace string) *Error {
	var classified *Error
	if errors.As(outcome.err, &classified) {
		if classified.Node == "" {
			classified.Node = outcome.node
		}
		if classified.Namespace == "" {
			classified.Namespace = namespace
		}
		return classified
	}
	return &Error{
		Kind: ErrKindNodeError, Node: outcome.node, Namespace: namespace,
		Message: outcome.err.Error(), Err: outcome.err,
	}
}
