package api

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/mock"

	"github.com/Keyring-Network/railgraph/internal/events"
	"github.com/Keyring-Network/railgraph/internal/graph"
	"github.com/Keyring-Network/railgraph/internal/llm"
	"github.com/Keyring-Network/railgraph/internal/logging"
	"github.com/Keyring-Network/railgraph/internal/processor"
	"github.com/Keyring-Network/railgraph/internal/scheduler"
	"github.com/Keyring-Network/railgraph/internal/store"
	"github.com/Keyring-Network/railgraph/internal/store/memory"
)

type MockRuns struct {
	mock.Mock
}

func (m *MockRuns) StartRun(ctx context.Context, req scheduler.RunRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

func (m *MockRuns) PauseRun(ctx context.Context, runID string) error {
	return m.Called(ctx, runID).Error(0)
}

func (m *MockRuns) ResumeRun(ctx context.Context, runID string) error {
	return m.Called(ctx, runID).Error(0)
}

func (m *MockRuns) CancelRun(ctx context.Context, runID string) error {
	return m.Called(ctx, runID).Error(0)
}

type fakeLive struct {
	records map[string]store.RunRecord
}

func (f fakeLive) Snapshot(runID string) (store.RunRecord, bool) {
	record, ok := f.records[runID]
	return record, ok
}

type fakeManual struct {
	delivered map[string]string
	waiting   map[string]bool
}

func (f *fakeManual) Deliver(runID, nodeID, text string) error {
	if !f.waiting[runID+"/"+nodeID] {
		return processor.ErrNotWaiting
	}
	f.delivered[runID+"/"+nodeID] = text
	delete(f.waiting, runID+"/"+nodeID)
	return nil
}

func (f *fakeManual) Waiting(runID string) []string {
	nodes := []string{}
	for key := range f.waiting {
		if nodeID, ok := strings.CutPrefix(key, runID+"/"); ok {
			nodes = append(nodes, nodeID)
		}
	}
	return nodes
}

type fakeProber struct {
	err error
}

func (f fakeProber) Probe(ctx context.Context) error {
	return f.err
}

var errProbe = errors.New("engine unreachable")

type testEnv struct {
	store    *memory.MemoryStore
	broker   *events.Broker
	recorder *events.Recorder
	server   *Server
}

func newTestEnv(t *testing.T, runs RunController, opts Options) *testEnv {
	t.Helper()
	st := memory.New()
	broker := events.NewBroker()
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	return &testEnv{
		store:    st,
		broker:   broker,
		recorder: events.NewRecorder(st, broker),
		server:   NewServer(st, broker, runs, opts),
	}
}

// newLocalEnv wires the API to a real scheduler running the echo engine.
func newLocalEnv(t *testing.T) (*testEnv, *scheduler.Scheduler) {
	t.Helper()
	st := memory.New()
	broker := events.NewBroker()
	recorder := events.NewRecorder(st, broker)
	sched := scheduler.New(scheduler.Config{
		Store:      st,
		Recorder:   recorder,
		Executor:   processor.New(processor.Config{Engine: llm.LocalProvider{}, Logger: logging.Discard()}),
		MaxThreads: 2,
		Logger:     logging.Discard(),
	})
	server := NewServer(st, broker, LocalRuns{Scheduler: sched}, Options{
		Live:   sched,
		Prober: llm.LocalProvider{},
		Logger: logging.Discard(),
	})
	return &testEnv{store: st, broker: broker, recorder: recorder, server: server}, sched
}

func (e *testEnv) do(method, target, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rec, req)
	return rec
}

func echoGraph() graph.Graph {
	return graph.Graph{
		Nodes: []graph.Node{
			{ID: "in", Type: graph.NodeInput},
			{ID: "answer", Type: graph.NodeTurn, Turn: &graph.TurnConfig{Executor: graph.ExecutorEngine, Prompt: "{{input}}"}},
		},
		Edges: []graph.Edge{{From: "in", To: "answer"}},
	}
}
