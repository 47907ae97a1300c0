// Package scheduler executes a reasoning graph: it dispatches ready nodes to
// the processor with bounded concurrency and finalizes the run record once.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/Keyring-Network/railgraph/internal/events"
	"github.com/Keyring-Network/railgraph/internal/graph"
	"github.com/Keyring-Network/railgraph/internal/logging"
	"github.com/Keyring-Network/railgraph/internal/processor"
	"github.com/Keyring-Network/railgraph/internal/store"
)

var (
	ErrRunActive    = errors.New("another run is active")
	ErrNoActiveRun  = errors.New("run is not active")
	ErrEmptyRequest = errors.New("run request has no graph")
)

const (
	PausePoll      = 100 * time.Millisecond
	persistTimeout = 10 * time.Second
	eventSource    = "scheduler"
)

// Executor runs a single node. *processor.Processor satisfies it.
type Executor interface {
	Execute(ctx context.Context, task processor.Task, hooks processor.Hooks) (processor.Outcome, error)
}

type Config struct {
	Store      store.Store
	Recorder   *events.Recorder
	Executor   Executor
	MaxThreads int
	Logger     *slog.Logger
	Tracer     trace.Tracer
}

type RunRequest struct {
	RunID    string      `json:"run_id,omitempty"`
	Question string      `json:"question"`
	Graph    graph.Graph `json:"graph"`
}

// Scheduler owns at most one active run at a time.
type Scheduler struct {
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer

	mu     sync.Mutex
	active *execution
}

func New(cfg Config) *Scheduler {
	if cfg.MaxThreads <= 0 {
		cfg.MaxThreads = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.New("scheduler")
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer("github.com/Keyring-Network/railgraph/internal/scheduler")
	}
	if cfg.Recorder == nil && cfg.Store != nil {
		cfg.Recorder = events.NewRecorder(cfg.Store, nil)
	}
	return &Scheduler{cfg: cfg, logger: cfg.Logger, tracer: cfg.Tracer}
}

// Handle tracks a run started in the background.
type Handle struct {
	RunID string
	exec  *execution
}

// Wait blocks until the run is finalized and returns its record.
func (h *Handle) Wait(ctx context.Context) (store.RunRecord, error) {
	select {
	case <-h.exec.done:
		return h.exec.final, nil
	case <-ctx.Done():
		return store.RunRecord{}, ctx.Err()
	}
}

// Done is closed once the run is finalized.
func (h *Handle) Done() <-chan struct{} {
	return h.exec.done
}

// Run executes the graph and returns the finalized record. Invalid graphs
// are rejected before any node runs.
func (s *Scheduler) Run(ctx context.Context, req RunRequest) (store.RunRecord, error) {
	exec, err := s.begin(ctx, req)
	if err != nil {
		return store.RunRecord{}, err
	}
	exec.run()
	return exec.final, nil
}

// Start launches the run in the background.
func (s *Scheduler) Start(ctx context.Context, req RunRequest) (*Handle, error) {
	exec, err := s.begin(context.WithoutCancel(ctx), req)
	if err != nil {
		return nil, err
	}
	go exec.run()
	return &Handle{RunID: exec.runID, exec: exec}, nil
}

func (s *Scheduler) begin(ctx context.Context, req RunRequest) (*execution, error) {
	if len(req.Graph.Nodes) == 0 {
		return nil, ErrEmptyRequest
	}
	if err := graph.Validate(req.Graph); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil {
		if s.active.paused.Load() {
			s.active.resume()
		}
		return nil, ErrRunActive
	}
	runID := req.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	exec := newExecution(ctx, s, runID, req)
	if err := s.cfg.Store.SaveRun(ctx, exec.snapshotLocked()); err != nil {
		exec.stopWatch()
		exec.cancel()
		return nil, fmt.Errorf("persist new run: %w", err)
	}
	s.active = exec
	return exec, nil
}

func (s *Scheduler) release(exec *execution) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == exec {
		s.active = nil
	}
}

func (s *Scheduler) lookup(runID string) (*execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil || (runID != "" && s.active.runID != runID) {
		return nil, ErrNoActiveRun
	}
	return s.active, nil
}

// Active returns the id of the running run, if any.
func (s *Scheduler) Active() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return "", false
	}
	return s.active.runID, true
}

// Snapshot returns the live record of the active run.
func (s *Scheduler) Snapshot(runID string) (store.RunRecord, bool) {
	exec, err := s.lookup(runID)
	if err != nil {
		return store.RunRecord{}, false
	}
	exec.mu.Lock()
	defer exec.mu.Unlock()
	return exec.snapshotLocked(), true
}

// Pause stops new dispatches. Nodes already running finish normally.
func (s *Scheduler) Pause(runID string) error {
	exec, err := s.lookup(runID)
	if err != nil {
		return err
	}
	exec.paused.Store(true)
	return nil
}

func (s *Scheduler) Resume(runID string) error {
	exec, err := s.lookup(runID)
	if err != nil {
		return err
	}
	exec.resume()
	return nil
}

// Cancel stops dispatching and interrupts running nodes. The run is
// finalized as cancelled once in-flight nodes return.
func (s *Scheduler) Cancel(runID string) error {
	exec, err := s.lookup(runID)
	if err != nil {
		return err
	}
	exec.requestCancel()
	return nil
}
