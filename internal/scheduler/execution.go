package scheduler

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Keyring-Network/railgraph/internal/evidence"
	"github.com/Keyring-Network/railgraph/internal/graph"
	"github.com/Keyring-Network/railgraph/internal/metrics"
	"github.com/Keyring-Network/railgraph/internal/processor"
	"github.com/Keyring-Network/railgraph/internal/store"
)

type edgeKey struct {
	from, to string
}

type pendingEvent struct {
	eventType string
	traceID   string
	payload   map[string]any
}

type completion struct {
	nodeID  string
	engine  bool
	started time.Time
	outcome processor.Outcome
	err     error
}

// execution is the per-run state. Everything below mu is owned by the run
// loop and the node hooks; nothing is shared between runs.
type execution struct {
	s          *Scheduler
	runID      string
	idx        graph.Index
	ctx        context.Context
	cancel     context.CancelFunc
	persistCtx context.Context
	stopWatch  func() bool

	paused    atomic.Bool
	cancelled atomic.Bool

	mu        sync.Mutex
	record    store.RunRecord
	dead      map[edgeKey]bool
	remaining map[string]int
	touched   map[string]int
	clock     int
	lastDone  string
	traces    map[string]string
	pending   []pendingEvent
	tickets   uint64

	// Event batches are recorded in ticket order, outside mu.
	emitMu   sync.Mutex
	emitTurn *sync.Cond
	serving  uint64

	once  sync.Once
	done  chan struct{}
	final store.RunRecord
}

func newExecution(parent context.Context, s *Scheduler, runID string, req RunRequest) *execution {
	ctx, cancel := context.WithCancel(parent)
	idx := graph.BuildIndex(req.Graph)
	states := make(map[string]store.NodeState, len(idx.Order))
	for _, id := range idx.Order {
		states[id] = store.NodeState{Status: store.StatusIdle}
	}
	e := &execution{
		s:          s,
		runID:      runID,
		idx:        idx,
		ctx:        ctx,
		cancel:     cancel,
		persistCtx: context.WithoutCancel(parent),
		record: store.RunRecord{
			RunID:          runID,
			Question:       req.Question,
			StartedAt:      store.Now(),
			Status:         store.RunRunning,
			StatusText:     "graph run in progress",
			Transitions:    []store.Transition{},
			SummaryLogs:    []string{},
			NodeLogs:       map[string][]string{},
			NodeStates:     states,
			Outputs:        map[string]any{},
			Evidence:       map[string][]store.EvidenceEnvelope{},
			RunMemory:      map[string]store.NodeMemory{},
			ConflictLedger: []store.Conflict{},
			GraphSnapshot:  req.Graph,
		},
		dead:      map[edgeKey]bool{},
		remaining: maps.Clone(idx.Indegree),
		touched:   map[string]int{},
		traces:    map[string]string{},
		done:      make(chan struct{}),
	}
	e.emitTurn = sync.NewCond(&e.emitMu)
	e.stopWatch = context.AfterFunc(parent, func() { e.cancelled.Store(true) })
	return e
}

func (e *execution) resume() {
	e.paused.Store(false)
}

func (e *execution) requestCancel() {
	if e.cancelled.Swap(true) {
		return
	}
	e.mu.Lock()
	e.summaryLocked("cancel requested")
	e.unlock()
	e.cancel()
}

func (e *execution) run() {
	defer e.finalize()
	metrics.ActiveRuns.Inc()
	e.s.logger.Info("run started", "run_id", e.runID, "nodes", len(e.idx.Order), "max_threads", e.s.cfg.MaxThreads)

	results := make(chan completion, len(e.idx.Order))
	inflight := map[string]bool{}
	engineBusy := false
	queue := []string{}

	e.mu.Lock()
	e.summaryLocked(fmt.Sprintf("run started with %d nodes", len(e.idx.Order)))
	for _, id := range e.idx.Roots() {
		if e.transitionLocked(id, store.StatusQueued, "ready") {
			queue = append(queue, id)
		}
	}
	e.unlock()

	handle := func(c completion) {
		delete(inflight, c.nodeID)
		if c.engine {
			engineBusy = false
		}
		queue = append(queue, e.complete(c)...)
		e.persist()
	}

	for len(queue) > 0 || len(inflight) > 0 {
		if e.cancelled.Load() {
			if len(inflight) == 0 {
				break
			}
			handle(<-results)
			continue
		}
		if e.paused.Load() {
			if len(inflight) > 0 {
				handle(<-results)
				continue
			}
			e.waitWhilePaused()
			continue
		}
		queue = e.dispatch(queue, inflight, &engineBusy, results)
		if len(inflight) == 0 {
			break
		}
		handle(<-results)
	}
}

// waitWhilePaused polls until the pause is released or the run cancelled.
func (e *execution) waitWhilePaused() {
	e.mu.Lock()
	e.summaryLocked("run paused")
	e.queueLocked("run.paused", "", map[string]any{"run_id": e.runID})
	e.unlock()

	ticker := time.NewTicker(PausePoll)
	defer ticker.Stop()
	for e.paused.Load() && !e.cancelled.Load() {
		select {
		case <-ticker.C:
		case <-e.ctx.Done():
		}
	}
	if e.cancelled.Load() {
		return
	}
	e.mu.Lock()
	e.summaryLocked("run resumed")
	e.queueLocked("run.resumed", "", map[string]any{"run_id": e.runID})
	e.unlock()
}

// dispatch starts queued nodes up to MaxThreads. Engine turns additionally
// run one at a time; a blocked engine turn does not hold up the nodes
// queued behind it.
func (e *execution) dispatch(queue []string, inflight map[string]bool, engineBusy *bool, results chan<- completion) []string {
	rest := make([]string, 0, len(queue))
	for _, id := range queue {
		if len(inflight) >= e.s.cfg.MaxThreads {
			rest = append(rest, id)
			continue
		}
		engine := e.idx.Nodes[id].IsEngineTurn()
		if engine && *engineBusy {
			rest = append(rest, id)
			continue
		}
		if engine {
			*engineBusy = true
		}
		inflight[id] = true
		e.launch(id, engine, results)
	}
	return rest
}

func (e *execution) launch(id string, engine bool, results chan<- completion) {
	node := e.idx.Nodes[id]
	ctx, span := e.s.tracer.Start(e.ctx, "scheduler.node", trace.WithAttributes(
		attribute.String("run.id", e.runID),
		attribute.String("node.id", id),
		attribute.String("node.type", string(node.Type)),
	))

	e.mu.Lock()
	if sc := span.SpanContext(); sc.HasTraceID() {
		e.traces[id] = sc.TraceID().String()
	}
	e.transitionLocked(id, store.StatusRunning, "started")
	task := e.taskLocked(id)
	e.unlock()

	hooks := processor.Hooks{
		Log: func(message string) { e.appendLog(id, message) },
		Waiting: func(message string) {
			e.mu.Lock()
			defer e.unlock()
			e.transitionLocked(id, store.StatusWaitingUser, message)
		},
		Resumed: func(message string) {
			e.mu.Lock()
			defer e.unlock()
			e.transitionLocked(id, store.StatusRunning, message)
		},
	}

	started := time.Now()
	go func() {
		outcome, err := e.execute(ctx, task, hooks)
		span.SetAttributes(attribute.String("node.status", string(outcome.Status)))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else if outcome.Status == store.StatusFailed {
			span.SetStatus(codes.Error, outcome.Message)
		}
		span.End()
		results <- completion{nodeID: id, engine: engine, started: started, outcome: outcome, err: err}
	}()
}

func (e *execution) execute(ctx context.Context, task processor.Task, hooks processor.Hooks) (outcome processor.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("node %s panicked: %v", task.Node.ID, r)
		}
	}()
	return e.s.cfg.Executor.Execute(ctx, task, hooks)
}

// taskLocked builds the read-only view a node executes against. Only live
// parents contribute outputs.
func (e *execution) taskLocked(id string) processor.Task {
	parents := e.idx.Parents[id]
	live := make([]string, 0, len(parents))
	outputs := map[string]any{}
	envelopes := map[string][]store.EvidenceEnvelope{}
	for _, parent := range parents {
		if e.dead[edgeKey{parent, id}] || !e.record.NodeStates[parent].Status.Succeeded() {
			continue
		}
		live = append(live, parent)
		outputs[parent] = e.record.Outputs[parent]
		envelopes[parent] = slices.Clone(e.record.Evidence[parent])
	}
	return processor.Task{
		RunID: e.runID,
		Node:  e.idx.Nodes[id],
		Snapshot: processor.Snapshot{
			Question: e.record.Question,
			Incoming: len(parents),
			Parents:  live,
			Children: slices.Clone(e.idx.Children[id]),
			IsSink:   e.idx.SinkIndex[id],
			Outputs:  outputs,
			Evidence: envelopes,
			Memory:   maps.Clone(e.record.RunMemory),
		},
	}
}

// complete records a node's outcome and returns the children that became
// ready to run.
func (e *execution) complete(c completion) []string {
	e.mu.Lock()
	defer e.unlock()
	id := c.nodeID
	node := e.idx.Nodes[id]
	outcome := c.outcome
	status, message := outcome.Status, outcome.Message
	if c.err != nil {
		e.s.logger.Error("node execution fault", "run_id", e.runID, "node_id", id, "error", c.err)
		status, message = store.StatusFailed, c.err.Error()
	}
	if !status.Terminal() {
		status, message = store.StatusFailed, fmt.Sprintf("node returned non-terminal status %q", status)
	}
	if status == store.StatusFailed && e.cancelled.Load() {
		status = store.StatusCancelled
	}

	state := e.record.NodeStates[id]
	state.Code = string(outcome.Code)
	if status != store.StatusDone {
		state.Error = message
	}
	e.record.NodeStates[id] = state

	if status.Succeeded() {
		e.record.Outputs[id] = outcome.Output
		if outcome.Envelope != nil {
			e.record.Evidence[id] = append(e.record.Evidence[id], *outcome.Envelope)
			evidence.UpdateMemory(e.record.RunMemory, *outcome.Envelope)
		}
		if status == store.StatusDone {
			e.lastDone = id
		}
	}
	e.transitionLocked(id, status, message)
	metrics.ObserveNode(string(node.Type), string(status), time.Since(c.started))
	e.s.logger.Info("node finished", "run_id", e.runID, "node_id", id, "status", status, "elapsed", time.Since(c.started))

	if !status.Succeeded() {
		return nil
	}
	excluded := make(map[string]bool, len(outcome.Excluded))
	for _, child := range outcome.Excluded {
		excluded[child] = true
	}
	return e.settleChildrenLocked(id, excluded, false)
}

// settleChildrenLocked releases the edges out of parent. A child whose last
// edge settles is queued, or skipped when every incoming edge is dead.
func (e *execution) settleChildrenLocked(parent string, excluded map[string]bool, parentSkipped bool) []string {
	ready := []string{}
	for _, child := range e.idx.Children[parent] {
		if parentSkipped || excluded[child] {
			e.dead[edgeKey{parent, child}] = true
		}
		e.remaining[child]--
		if e.remaining[child] > 0 {
			continue
		}
		if e.allIncomingDeadLocked(child) {
			if e.transitionLocked(child, store.StatusSkipped, "every incoming edge is inactive") {
				ready = append(ready, e.settleChildrenLocked(child, nil, true)...)
			}
			continue
		}
		if e.transitionLocked(child, store.StatusQueued, "ready") {
			ready = append(ready, child)
		}
	}
	return ready
}

func (e *execution) allIncomingDeadLocked(id string) bool {
	for _, parent := range e.idx.Parents[id] {
		if !e.dead[edgeKey{parent, id}] {
			return false
		}
	}
	return true
}

func legalTransition(from, to store.NodeStatus) bool {
	if from.Terminal() {
		return false
	}
	switch to {
	case store.StatusQueued:
		return from == store.StatusIdle
	case store.StatusRunning:
		return from == store.StatusQueued || from == store.StatusWaitingUser
	case store.StatusWaitingUser:
		return from == store.StatusRunning
	case store.StatusSkipped:
		return from == store.StatusIdle || from == store.StatusQueued
	case store.StatusCancelled:
		return true
	case store.StatusDone, store.StatusLowQuality, store.StatusFailed:
		return from == store.StatusRunning || from == store.StatusWaitingUser
	}
	return false
}

// transitionLocked moves a node to status and records it. Illegal moves are
// refused and logged.
func (e *execution) transitionLocked(id string, status store.NodeStatus, message string) bool {
	state := e.record.NodeStates[id]
	if state.Status == status {
		return false
	}
	if !legalTransition(state.Status, status) {
		e.s.logger.Warn("refused node transition", "run_id", e.runID, "node_id", id, "from", state.Status, "to", status)
		return false
	}
	now := store.Now()
	state.Status = status
	if status == store.StatusRunning && state.StartedAt == "" {
		state.StartedAt = now
	}
	if status.Terminal() {
		state.FinishedAt = now
	}
	e.record.NodeStates[id] = state
	e.record.Transitions = append(e.record.Transitions, store.Transition{At: now, NodeID: id, Status: status, Message: message})
	e.clock++
	e.touched[id] = e.clock

	nodeType := string(e.idx.Nodes[id].Type)
	metrics.NodeTransitions.WithLabelValues(nodeType, string(status)).Inc()
	payload := map[string]any{"node_id": id, "node_type": nodeType, "status": string(status)}
	if message != "" {
		payload["message"] = message
	}
	e.queueLocked("node.status", e.traces[id], payload)
	return true
}

func (e *execution) appendLog(id, message string) {
	e.mu.Lock()
	defer e.unlock()
	state := e.record.NodeStates[id]
	state.Logs = append(state.Logs, message)
	e.record.NodeStates[id] = state
	e.queueLocked("node.log", e.traces[id], map[string]any{"node_id": id, "message": message})
}

func (e *execution) summaryLocked(message string) {
	e.record.SummaryLogs = append(e.record.SummaryLogs, fmt.Sprintf("[%s] %s", store.Now(), message))
}

func (e *execution) queueLocked(eventType, traceID string, payload map[string]any) {
	e.pending = append(e.pending, pendingEvent{eventType: eventType, traceID: traceID, payload: payload})
}

// unlock releases mu and then records the events queued while it was held.
func (e *execution) unlock() {
	batch := e.pending
	e.pending = nil
	if len(batch) == 0 {
		e.mu.Unlock()
		return
	}
	ticket := e.tickets
	e.tickets++
	e.mu.Unlock()

	e.emitMu.Lock()
	defer e.emitMu.Unlock()
	for e.serving != ticket {
		e.emitTurn.Wait()
	}
	for _, event := range batch {
		e.emit(event.eventType, event.traceID, event.payload)
	}
	e.serving++
	e.emitTurn.Broadcast()
}

func (e *execution) emit(eventType, traceID string, payload map[string]any) {
	if e.s.cfg.Recorder == nil {
		return
	}
	if _, err := e.s.cfg.Recorder.Emit(e.persistCtx, e.runID, eventType, eventSource, traceID, payload); err != nil {
		e.s.logger.Warn("failed to record run event", "run_id", e.runID, "type", eventType, "error", err)
	}
}

func (e *execution) persist() {
	e.mu.Lock()
	snapshot := e.snapshotLocked()
	e.unlock()
	ctx, cancel := context.WithTimeout(e.persistCtx, persistTimeout)
	defer cancel()
	if err := e.s.cfg.Store.SaveRun(ctx, snapshot); err != nil {
		e.s.logger.Warn("failed to persist run progress", "run_id", e.runID, "error", err)
	}
}

// snapshotLocked copies the record so readers never share maps with the
// run loop.
func (e *execution) snapshotLocked() store.RunRecord {
	out := e.record
	out.Transitions = slices.Clone(e.record.Transitions)
	out.SummaryLogs = slices.Clone(e.record.SummaryLogs)
	out.NodeStates = maps.Clone(e.record.NodeStates)
	out.Outputs = maps.Clone(e.record.Outputs)
	out.RunMemory = maps.Clone(e.record.RunMemory)
	out.ConflictLedger = slices.Clone(e.record.ConflictLedger)
	out.Evidence = make(map[string][]store.EvidenceEnvelope, len(e.record.Evidence))
	for id, envelopes := range e.record.Evidence {
		out.Evidence[id] = slices.Clone(envelopes)
	}
	out.NodeLogs = make(map[string][]string, len(e.record.NodeStates))
	for id, state := range e.record.NodeStates {
		if len(state.Logs) > 0 {
			out.NodeLogs[id] = slices.Clone(state.Logs)
		}
	}
	return out
}
