package workflows

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.temporal.io/sdk/activity"

	"github.com/Keyring-Network/railgraph/internal/events"
	"github.com/Keyring-Network/railgraph/internal/graph"
	"github.com/Keyring-Network/railgraph/internal/logging"
	"github.com/Keyring-Network/railgraph/internal/scheduler"
	"github.com/Keyring-Network/railgraph/internal/store"
)

type GraphRunInput struct {
	RunID    string
	Question string
	Graph    graph.Graph
}

type RunResult struct {
	Status      string
	FinalNodeID string
	Reason      string
}

type ControlInput struct {
	RunID  string
	Action string
}

type RunFailureInput struct {
	RunID string
	Error string
}

const (
	ActionPause  = "pause"
	ActionResume = "resume"
	ActionCancel = "cancel"
)

var (
	recordHeartbeat = activity.RecordHeartbeat
	heartbeatEvery  = 5 * time.Second
)

// GraphRunner is the part of the scheduler the activities drive.
type GraphRunner interface {
	Start(ctx context.Context, req scheduler.RunRequest) (*scheduler.Handle, error)
	Pause(runID string) error
	Resume(runID string) error
	Cancel(runID string) error
}

type RunActivities struct {
	runner   GraphRunner
	recorder *events.Recorder
	logger   *slog.Logger
}

func NewRunActivities(runner GraphRunner, runStore store.Store, recorder *events.Recorder) *RunActivities {
	if recorder == nil {
		recorder = events.NewRecorder(runStore, nil)
	}
	return &RunActivities{runner: runner, recorder: recorder, logger: logging.New("worker")}
}

// ExecuteGraph runs the graph on the worker's scheduler and heartbeats until
// the run is finalized. Activity cancellation cancels the run.
func (a *RunActivities) ExecuteGraph(ctx context.Context, input GraphRunInput) (RunResult, error) {
	handle, err := a.runner.Start(ctx, scheduler.RunRequest{RunID: input.RunID, Question: input.Question, Graph: input.Graph})
	if err != nil {
		var invalid *graph.ValidationError
		if errors.As(err, &invalid) {
			return RunResult{Status: string(store.RunFailed), Reason: invalid.Error()}, nil
		}
		return RunResult{}, fmt.Errorf("start run %s: %w", input.RunID, err)
	}

	ticker := time.NewTicker(heartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-handle.Done():
			record, err := handle.Wait(context.WithoutCancel(ctx))
			if err != nil {
				return RunResult{}, err
			}
			return RunResult{Status: string(record.Status), FinalNodeID: record.FinalNodeID, Reason: record.Reason}, nil
		case <-ticker.C:
			recordHeartbeat(ctx, handle.RunID)
		case <-ctx.Done():
			a.logger.Info("activity cancelled, cancelling run", "run_id", handle.RunID)
			if err := a.runner.Cancel(handle.RunID); err != nil && !errors.Is(err, scheduler.ErrNoActiveRun) {
				a.logger.Warn("failed to cancel run", "run_id", handle.RunID, "error", err)
			}
			record, err := handle.Wait(context.WithoutCancel(ctx))
			if err != nil {
				return RunResult{}, err
			}
			return RunResult{Status: string(record.Status), FinalNodeID: record.FinalNodeID, Reason: record.Reason}, ctx.Err()
		}
	}
}

// ControlRun forwards pause, resume and cancel to the active run.
func (a *RunActivities) ControlRun(ctx context.Context, input ControlInput) error {
	switch input.Action {
	case ActionPause:
		return a.runner.Pause(input.RunID)
	case ActionResume:
		return a.runner.Resume(input.RunID)
	case ActionCancel:
		return a.runner.Cancel(input.RunID)
	default:
		return fmt.Errorf("unknown run action %q", input.Action)
	}
}

// HandleRunFailure records an error event for a run whose activity failed
// outside the scheduler.
func (a *RunActivities) HandleRunFailure(ctx context.Context, input RunFailureInput) error {
	if _, err := a.recorder.Emit(ctx, input.RunID, "run.error", "worker", "", map[string]any{"error": input.Error}); err != nil {
		return fmt.Errorf("record failure event: %w", err)
	}
	return nil
}
