package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Keyring-Network/railgraph/internal/events"
	"github.com/Keyring-Network/railgraph/internal/graph"
	"github.com/Keyring-Network/railgraph/internal/logging"
	"github.com/Keyring-Network/railgraph/internal/processor"
	"github.com/Keyring-Network/railgraph/internal/provider"
	"github.com/Keyring-Network/railgraph/internal/store"
	"github.com/Keyring-Network/railgraph/internal/store/memory"
)

type behavior func(ctx context.Context, task processor.Task, hooks processor.Hooks) processor.Outcome

// fakeExecutor runs scripted behaviors and records what the scheduler
// handed it.
type fakeExecutor struct {
	mu         sync.Mutex
	behaviors  map[string]behavior
	started    []string
	tasks      map[string]processor.Task
	running    int
	maxRunning int
	engine     int
	maxEngine  int
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{behaviors: map[string]behavior{}, tasks: map[string]processor.Task{}}
}

func (f *fakeExecutor) on(id string, b behavior) *fakeExecutor {
	f.behaviors[id] = b
	return f
}

func (f *fakeExecutor) Execute(ctx context.Context, task processor.Task, hooks processor.Hooks) (processor.Outcome, error) {
	id := task.Node.ID
	engine := task.Node.IsEngineTurn()
	f.mu.Lock()
	f.started = append(f.started, id)
	f.tasks[id] = task
	f.running++
	f.maxRunning = max(f.maxRunning, f.running)
	if engine {
		f.engine++
		f.maxEngine = max(f.maxEngine, f.engine)
	}
	b := f.behaviors[id]
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.running--
		if engine {
			f.engine--
		}
		f.mu.Unlock()
	}()
	if b == nil {
		b = succeed
	}
	return b(ctx, task, hooks), nil
}

func (f *fakeExecutor) startedNodes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.started...)
}

func succeed(ctx context.Context, task processor.Task, hooks processor.Hooks) processor.Outcome {
	return processor.Outcome{
		Status:   store.StatusDone,
		Output:   map[string]any{"text": "answer from " + task.Node.ID},
		Envelope: &store.EvidenceEnvelope{NodeID: task.Node.ID, Text: "answer from " + task.Node.ID, Confidence: "medium"},
	}
}

func sleepThen(d time.Duration) behavior {
	return func(ctx context.Context, task processor.Task, hooks processor.Hooks) processor.Outcome {
		select {
		case <-time.After(d):
			return succeed(ctx, task, hooks)
		case <-ctx.Done():
			return processor.Outcome{Status: store.StatusCancelled, Message: "interrupted"}
		}
	}
}

func failWith(code provider.Code, message string) behavior {
	return func(context.Context, processor.Task, processor.Hooks) processor.Outcome {
		return processor.Outcome{Status: store.StatusFailed, Code: code, Message: message}
	}
}

// blockUntil waits for release or cancellation.
func blockUntil(release <-chan struct{}) behavior {
	return func(ctx context.Context, task processor.Task, hooks processor.Hooks) processor.Outcome {
		select {
		case <-release:
			return succeed(ctx, task, hooks)
		case <-ctx.Done():
			return processor.Outcome{Status: store.StatusFailed, Message: "context ended"}
		}
	}
}

type graphBuilder struct {
	g graph.Graph
}

func newGraph() *graphBuilder {
	return &graphBuilder{g: graph.Graph{Nodes: []graph.Node{{ID: "in", Type: graph.NodeInput}}}}
}

func (b *graphBuilder) transform(ids ...string) *graphBuilder {
	for _, id := range ids {
		b.g.Nodes = append(b.g.Nodes, graph.Node{ID: id, Type: graph.NodeTransform, Transform: &graph.TransformConfig{Mode: graph.TransformTemplate, Template: "{{input}}"}})
	}
	return b
}

func (b *graphBuilder) engine(ids ...string) *graphBuilder {
	for _, id := range ids {
		b.g.Nodes = append(b.g.Nodes, graph.Node{ID: id, Type: graph.NodeTurn, Turn: &graph.TurnConfig{Executor: graph.ExecutorEngine, Prompt: "{{input}}"}})
	}
	return b
}

func (b *graphBuilder) gate(id string, cfg graph.GateConfig) *graphBuilder {
	b.g.Nodes = append(b.g.Nodes, graph.Node{ID: id, Type: graph.NodeGate, Gate: &cfg})
	return b
}

func (b *graphBuilder) edge(from string, to ...string) *graphBuilder {
	for _, target := range to {
		b.g.Edges = append(b.g.Edges, graph.Edge{From: from, To: target})
	}
	return b
}

type harness struct {
	sched *Scheduler
	store *memory.MemoryStore
	exec  *fakeExecutor
}

func newHarness(t *testing.T, exec *fakeExecutor, maxThreads int) *harness {
	t.Helper()
	st := memory.New()
	return &harness{
		sched: New(Config{
			Store:      st,
			Recorder:   events.NewRecorder(st, events.NewBroker()),
			Executor:   exec,
			MaxThreads: maxThreads,
			Logger:     logging.Discard(),
		}),
		store: st,
		exec:  exec,
	}
}

func (h *harness) events(t *testing.T, runID, eventType string) []store.RunEvent {
	t.Helper()
	all, err := h.store.ListEvents(context.Background(), runID, 0)
	require.NoError(t, err)
	out := []store.RunEvent{}
	for _, event := range all {
		if event.Type == eventType {
			out = append(out, event)
		}
	}
	return out
}

func transitionIndex(record store.RunRecord, nodeID string, status store.NodeStatus) int {
	for i, tr := range record.Transitions {
		if tr.NodeID == nodeID && tr.Status == status {
			return i
		}
	}
	return -1
}

func TestRun_LinearChainCompletes(t *testing.T) {
	h := newHarness(t, newFakeExecutor(), 2)
	g := newGraph().engine("draft").transform("polish").edge("in", "draft").edge("draft", "polish").g

	record, err := h.sched.Run(context.Background(), RunRequest{RunID: "run-1", Question: "why?", Graph: g})
	require.NoError(t, err)
	require.Equal(t, store.RunCompleted, record.Status)
	require.Equal(t, "polish", record.FinalNodeID)
	require.Equal(t, "answer from polish", record.FinalAnswer)
	require.NotEmpty(t, record.FinishedAt)
	for _, id := range []string{"in", "draft", "polish"} {
		require.Equal(t, store.StatusDone, record.NodeStates[id].Status, id)
	}
	require.Len(t, record.Evidence["draft"], 1)
	require.Equal(t, "answer from draft", record.RunMemory["draft"].Summary)

	stored, err := h.store.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	require.Equal(t, store.RunCompleted, stored.Status)
	require.True(t, stored.Finalized())

	require.Len(t, h.events(t, "run-1", "run.finished"), 1)
	require.Len(t, h.events(t, "run-1", "node.status"), len(record.Transitions))
	_, active := h.sched.Active()
	require.False(t, active)
}

func TestRun_ParentsFinishBeforeChildren(t *testing.T) {
	exec := newFakeExecutor().on("a", sleepThen(20*time.Millisecond)).on("b", sleepThen(5*time.Millisecond))
	h := newHarness(t, exec, 4)
	g := newGraph().transform("a", "b", "join").edge("in", "a", "b").edge("a", "join").edge("b", "join").g

	record, err := h.sched.Run(context.Background(), RunRequest{Question: "q", Graph: g})
	require.NoError(t, err)
	require.Equal(t, store.RunCompleted, record.Status)

	joinStart := transitionIndex(record, "join", store.StatusRunning)
	require.Greater(t, joinStart, transitionIndex(record, "a", store.StatusDone))
	require.Greater(t, joinStart, transitionIndex(record, "b", store.StatusDone))
	require.ElementsMatch(t, []string{"a", "b"}, exec.tasks["join"].Snapshot.Parents)
	require.Equal(t, 2, exec.maxRunning, "siblings overlap")
	require.Equal(t, 4, len(exec.startedNodes()), "every node runs exactly once")
}

func TestRun_MaxThreadsOneSerializes(t *testing.T) {
	exec := newFakeExecutor()
	for _, id := range []string{"a", "b", "c"} {
		exec.on(id, sleepThen(5*time.Millisecond))
	}
	h := newHarness(t, exec, 1)
	g := newGraph().transform("a", "b", "c").edge("in", "a", "b", "c").g

	record, err := h.sched.Run(context.Background(), RunRequest{Question: "q", Graph: g})
	require.NoError(t, err)
	require.Equal(t, 1, exec.maxRunning)
	require.Equal(t, []string{"in", "a", "b", "c"}, exec.startedNodes())
	require.Equal(t, store.RunCompleted, record.Status)
}

func TestRun_EngineTurnsRunOneAtATime(t *testing.T) {
	exec := newFakeExecutor()
	for _, id := range []string{"e1", "e2", "t1"} {
		exec.on(id, sleepThen(15*time.Millisecond))
	}
	h := newHarness(t, exec, 4)
	g := newGraph().engine("e1", "e2").transform("t1").edge("in", "e1", "e2", "t1").g

	_, err := h.sched.Run(context.Background(), RunRequest{Question: "q", Graph: g})
	require.NoError(t, err)
	require.Equal(t, 1, exec.maxEngine)
	require.Equal(t, 2, exec.maxRunning, "the transform runs beside the engine turn")
}

func TestRun_FailureStarvesDescendants(t *testing.T) {
	exec := newFakeExecutor().on("a", failWith(provider.CodeInternal, "engine turn failed: boom"))
	h := newHarness(t, exec, 2)
	g := newGraph().engine("a").transform("b").edge("in", "a").edge("a", "b").g

	record, err := h.sched.Run(context.Background(), RunRequest{Question: "q", Graph: g})
	require.NoError(t, err)
	require.Equal(t, store.RunFailed, record.Status)
	require.Equal(t, "final node b not reached (state idle)", record.Reason)
	require.Equal(t, store.StatusFailed, record.NodeStates["a"].Status)
	require.Equal(t, "engine turn failed: boom", record.NodeStates["a"].Error)
	require.Equal(t, string(provider.CodeInternal), record.NodeStates["a"].Code)
	require.Equal(t, store.StatusIdle, record.NodeStates["b"].Status)
	require.NotContains(t, exec.startedNodes(), "b")
	require.Empty(t, record.FinalAnswer)
}

func TestRun_FailedFinalNode(t *testing.T) {
	exec := newFakeExecutor().on("a", failWith(provider.CodeNotLoggedIn, "sign in"))
	h := newHarness(t, exec, 2)
	g := newGraph().engine("a").edge("in", "a").g

	record, err := h.sched.Run(context.Background(), RunRequest{Question: "q", Graph: g})
	require.NoError(t, err)
	require.Equal(t, store.RunFailed, record.Status)
	require.Equal(t, "final node a state=failed", record.Reason)
	require.Contains(t, record.StatusText, record.Reason)
}

func TestRun_WebTimeoutLeavesSiblingsAlone(t *testing.T) {
	exec := newFakeExecutor().
		on("web", failWith(provider.CodeTimeout, "gemini did not answer within 5s")).
		on("local", sleepThen(10*time.Millisecond))
	h := newHarness(t, exec, 4)
	g := newGraph().transform("web", "local").edge("in", "web", "local").g

	record, err := h.sched.Run(context.Background(), RunRequest{Question: "q", Graph: g})
	require.NoError(t, err)
	require.Equal(t, store.StatusFailed, record.NodeStates["web"].Status)
	require.Equal(t, string(provider.CodeTimeout), record.NodeStates["web"].Code)
	require.Equal(t, store.StatusDone, record.NodeStates["local"].Status)
	require.Equal(t, "local", record.FinalNodeID, "the successful sink wins")
	require.Equal(t, store.RunCompleted, record.Status)
}

func TestRun_GateSkipsRejectedBranch(t *testing.T) {
	exec := newFakeExecutor().on("check", func(context.Context, processor.Task, processor.Hooks) processor.Outcome {
		return processor.Outcome{
			Status:   store.StatusDone,
			Output:   map[string]any{"decision": "PASS", "pass": true},
			Excluded: []string{"rework"},
		}
	})
	h := newHarness(t, exec, 4)
	g := newGraph().
		gate("check", graph.GateConfig{}).
		transform("accept", "rework", "rework2", "report").
		edge("in", "check").
		edge("check", "accept", "rework").
		edge("rework", "rework2").
		edge("accept", "report").
		edge("rework2", "report").g

	record, err := h.sched.Run(context.Background(), RunRequest{Question: "q", Graph: g})
	require.NoError(t, err)
	require.Equal(t, store.StatusSkipped, record.NodeStates["rework"].Status)
	require.Equal(t, store.StatusSkipped, record.NodeStates["rework2"].Status, "skips propagate")
	require.Equal(t, store.StatusDone, record.NodeStates["report"].Status)
	require.Equal(t, []string{"accept"}, exec.tasks["report"].Snapshot.Parents)
	require.Equal(t, 2, exec.tasks["report"].Snapshot.Incoming)
	require.NotContains(t, exec.startedNodes(), "rework")
	require.Equal(t, store.RunCompleted, record.Status)
	require.Equal(t, "report", record.FinalNodeID)
}

func TestRun_SkippedOnlySinkFails(t *testing.T) {
	exec := newFakeExecutor().on("check", func(context.Context, processor.Task, processor.Hooks) processor.Outcome {
		return processor.Outcome{Status: store.StatusDone, Output: map[string]any{"decision": "REJECT"}, Excluded: []string{"next"}}
	})
	h := newHarness(t, exec, 2)
	g := newGraph().gate("check", graph.GateConfig{}).transform("next").edge("in", "check").edge("check", "next").g

	record, err := h.sched.Run(context.Background(), RunRequest{Question: "q", Graph: g})
	require.NoError(t, err)
	require.Equal(t, store.RunFailed, record.Status)
	require.Equal(t, "final node next state=skipped", record.Reason)
}

func TestRun_WaitingUserTransitions(t *testing.T) {
	exec := newFakeExecutor().on("web", func(ctx context.Context, task processor.Task, hooks processor.Hooks) processor.Outcome {
		hooks.Log("[web] task queued")
		hooks.Waiting("waiting for the user to send the prompt")
		hooks.Resumed("responding")
		return succeed(ctx, task, hooks)
	})
	h := newHarness(t, exec, 2)
	g := newGraph().transform("web").edge("in", "web").g

	record, err := h.sched.Run(context.Background(), RunRequest{Question: "q", Graph: g})
	require.NoError(t, err)
	waiting := transitionIndex(record, "web", store.StatusWaitingUser)
	require.Positive(t, waiting)
	require.Equal(t, store.StatusRunning, record.Transitions[waiting+1].Status)
	require.Equal(t, []string{"[web] task queued"}, record.NodeLogs["web"])
	require.Len(t, h.events(t, record.RunID, "node.log"), 1)
}

// stallingStore holds node.log appends until released.
type stallingStore struct {
	*memory.MemoryStore
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *stallingStore) AppendEvent(ctx context.Context, event store.RunEvent) error {
	if event.Type == "node.log" {
		s.once.Do(func() { close(s.entered) })
		<-s.release
	}
	return s.MemoryStore.AppendEvent(ctx, event)
}

func TestRun_SlowEventStoreDoesNotHoldRunState(t *testing.T) {
	st := &stallingStore{MemoryStore: memory.New(), entered: make(chan struct{}), release: make(chan struct{})}
	exec := newFakeExecutor().on("web", func(ctx context.Context, task processor.Task, hooks processor.Hooks) processor.Outcome {
		hooks.Log("[web] claimed by extension")
		return succeed(ctx, task, hooks)
	})
	sched := New(Config{Store: st, Executor: exec, MaxThreads: 2, Logger: logging.Discard()})
	g := newGraph().transform("web").edge("in", "web").g

	handle, err := sched.Start(context.Background(), RunRequest{Question: "q", Graph: g})
	require.NoError(t, err)
	select {
	case <-st.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("node.log was never recorded")
	}

	snapshots := make(chan store.RunRecord, 1)
	go func() {
		record, _ := sched.Snapshot(handle.RunID)
		snapshots <- record
	}()
	select {
	case record := <-snapshots:
		require.Equal(t, []string{"[web] claimed by extension"}, record.NodeLogs["web"])
	case <-time.After(time.Second):
		t.Fatal("snapshot blocked behind the event store")
	}

	close(st.release)
	record, err := handle.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, store.RunCompleted, record.Status)

	all, err := st.ListEvents(context.Background(), record.RunID, 0)
	require.NoError(t, err)
	webEvents := []string{}
	for _, event := range all {
		if event.Payload["node_id"] != "web" {
			continue
		}
		label := event.Type
		if status, ok := event.Payload["status"].(string); ok {
			label += ":" + status
		}
		webEvents = append(webEvents, label)
	}
	require.Equal(t, []string{"node.status:queued", "node.status:running", "node.log", "node.status:done"}, webEvents)
	require.Equal(t, "run.finished", all[len(all)-1].Type)
}

func TestCancel_FinalizesOnce(t *testing.T) {
	release := make(chan struct{})
	exec := newFakeExecutor().on("a", blockUntil(release)).on("b", blockUntil(release))
	h := newHarness(t, exec, 2)
	g := newGraph().transform("a", "b", "c").edge("in", "a", "b").edge("a", "c").g

	handle, err := h.sched.Start(context.Background(), RunRequest{RunID: "run-c", Question: "q", Graph: g})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(exec.startedNodes()) == 3 }, time.Second, time.Millisecond)

	require.NoError(t, h.sched.Cancel("run-c"))
	record, err := handle.Wait(context.Background())
	require.NoError(t, err)

	require.Equal(t, store.RunCancelled, record.Status)
	require.Equal(t, store.StatusCancelled, record.NodeStates["a"].Status, "failure after cancel is recorded as cancelled")
	require.Equal(t, store.StatusCancelled, record.NodeStates["c"].Status)
	for id, state := range record.NodeStates {
		require.True(t, state.Status.Terminal(), id)
	}
	require.Len(t, h.events(t, "run-c", "run.finished"), 1)
	require.ErrorIs(t, h.sched.Cancel("run-c"), ErrNoActiveRun)

	stored, err := h.store.GetRun(context.Background(), "run-c")
	require.NoError(t, err)
	require.Equal(t, store.RunCancelled, stored.Status)
}

func TestRun_CallerContextCancels(t *testing.T) {
	exec := newFakeExecutor().on("a", sleepThen(time.Minute))
	h := newHarness(t, exec, 2)
	g := newGraph().transform("a").edge("in", "a").g

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	record, err := h.sched.Run(ctx, RunRequest{Question: "q", Graph: g})
	require.NoError(t, err)
	require.Equal(t, store.RunCancelled, record.Status)
	require.Equal(t, store.StatusCancelled, record.NodeStates["a"].Status)
}

func TestPauseResume(t *testing.T) {
	release := make(chan struct{})
	exec := newFakeExecutor().on("a", blockUntil(release))
	h := newHarness(t, exec, 1)
	g := newGraph().transform("a", "b").edge("in", "a").edge("a", "b").g

	handle, err := h.sched.Start(context.Background(), RunRequest{RunID: "run-p", Question: "q", Graph: g})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(exec.startedNodes()) == 2 }, time.Second, time.Millisecond)

	require.NoError(t, h.sched.Pause("run-p"))
	close(release)
	require.Eventually(t, func() bool { return len(h.events(t, "run-p", "run.paused")) == 1 }, time.Second, 5*time.Millisecond)

	snapshot, ok := h.sched.Snapshot("run-p")
	require.True(t, ok)
	require.Equal(t, store.StatusDone, snapshot.NodeStates["a"].Status, "in-flight node finishes while paused")
	require.Equal(t, store.StatusQueued, snapshot.NodeStates["b"].Status)
	time.Sleep(3 * PausePoll)
	require.NotContains(t, exec.startedNodes(), "b")
	require.Len(t, h.events(t, "run-p", "run.paused"), 1, "paused is emitted once")

	require.NoError(t, h.sched.Resume("run-p"))
	record, err := handle.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, store.RunCompleted, record.Status)
	require.Len(t, h.events(t, "run-p", "run.resumed"), 1)
}

func TestRun_SingleActiveRun(t *testing.T) {
	release := make(chan struct{})
	exec := newFakeExecutor().on("a", blockUntil(release))
	h := newHarness(t, exec, 2)
	g := newGraph().transform("a").edge("in", "a").g

	handle, err := h.sched.Start(context.Background(), RunRequest{RunID: "first", Question: "q", Graph: g})
	require.NoError(t, err)
	id, active := h.sched.Active()
	require.True(t, active)
	require.Equal(t, "first", id)

	_, err = h.sched.Run(context.Background(), RunRequest{Question: "q", Graph: g})
	require.ErrorIs(t, err, ErrRunActive)
	require.ErrorIs(t, h.sched.Pause("other"), ErrNoActiveRun)

	require.NoError(t, h.sched.Pause("first"))
	_, err = h.sched.Start(context.Background(), RunRequest{Question: "q", Graph: g})
	require.ErrorIs(t, err, ErrRunActive)
	require.False(t, handle.exec.paused.Load(), "starting over a paused run resumes it")

	close(release)
	record, err := handle.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, store.RunCompleted, record.Status)
}

func TestRun_RejectsInvalidGraph(t *testing.T) {
	h := newHarness(t, newFakeExecutor(), 2)
	g := newGraph().transform("a", "b").edge("in", "a").edge("a", "b").edge("b", "a").g

	_, err := h.sched.Run(context.Background(), RunRequest{RunID: "bad", Question: "q", Graph: g})
	var invalid *graph.ValidationError
	require.True(t, errors.As(err, &invalid))
	require.Empty(t, h.exec.startedNodes())
	_, err = h.store.GetRun(context.Background(), "bad")
	require.Error(t, err)

	_, err = h.sched.Run(context.Background(), RunRequest{})
	require.ErrorIs(t, err, ErrEmptyRequest)
}

func TestResolveFinalNode(t *testing.T) {
	g := newGraph().transform("a", "b").edge("in", "a", "b").g
	e := newExecution(context.Background(), New(Config{Store: memory.New(), Logger: logging.Discard()}), "r", RunRequest{Graph: g})
	defer e.cancel()

	e.lastDone = "in"
	require.Equal(t, "in", e.resolveFinalNodeLocked(), "no sink transitioned")

	e.record.NodeStates["a"] = store.NodeState{Status: store.StatusDone}
	e.record.NodeStates["b"] = store.NodeState{Status: store.StatusFailed}
	e.touched["a"], e.touched["b"] = 1, 2
	require.Equal(t, "a", e.resolveFinalNodeLocked())

	e.record.NodeStates["a"] = store.NodeState{Status: store.StatusFailed}
	require.Equal(t, "b", e.resolveFinalNodeLocked())
}

func TestLegalTransition(t *testing.T) {
	require.True(t, legalTransition(store.StatusIdle, store.StatusQueued))
	require.True(t, legalTransition(store.StatusWaitingUser, store.StatusRunning))
	require.True(t, legalTransition(store.StatusQueued, store.StatusCancelled))
	require.False(t, legalTransition(store.StatusDone, store.StatusRunning))
	require.False(t, legalTransition(store.StatusSkipped, store.StatusCancelled))
	require.False(t, legalTransition(store.StatusIdle, store.StatusRunning))
}
