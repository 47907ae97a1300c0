package api

import (
	"context"

	"github.com/google/uuid"

	"github.com/Keyring-Network/railgraph/internal/scheduler"
	"github.com/Keyring-Network/railgraph/internal/workflows"
)

// RunController starts and steers graph runs, either in process or
// through Temporal.
type RunController interface {
	StartRun(ctx context.Context, req scheduler.RunRequest) (string, error)
	PauseRun(ctx context.Context, runID string) error
	ResumeRun(ctx context.Context, runID string) error
	CancelRun(ctx context.Context, runID string) error
}

// LocalRuns executes runs on an in-process scheduler.
type LocalRuns struct {
	Scheduler *scheduler.Scheduler
}

func (l LocalRuns) StartRun(ctx context.Context, req scheduler.RunRequest) (string, error) {
	handle, err := l.Scheduler.Start(ctx, req)
	if err != nil {
		return "", err
	}
	return handle.RunID, nil
}

func (l LocalRuns) PauseRun(ctx context.Context, runID string) error {
	return l.Scheduler.Pause(runID)
}

func (l LocalRuns) ResumeRun(ctx context.Context, runID string) error {
	return l.Scheduler.Resume(runID)
}

func (l LocalRuns) CancelRun(ctx context.Context, runID string) error {
	return l.Scheduler.Cancel(runID)
}

// TemporalRuns hands runs to a Temporal worker and steers them with signals.
type TemporalRuns struct {
	Service *workflows.Service
}

func (t TemporalRuns) StartRun(ctx context.Context, req scheduler.RunRequest) (string, error) {
	runID := req.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	input := workflows.GraphRunInput{RunID: runID, Question: req.Question, Graph: req.Graph}
	if err := t.Service.StartRun(ctx, input); err != nil {
		return "", err
	}
	return runID, nil
}

func (t TemporalRuns) PauseRun(ctx context.Context, runID string) error {
	return t.Service.SignalControl(ctx, runID, workflows.ActionPause)
}

func (t TemporalRuns) ResumeRun(ctx context.Context, runID string) error {
	return t.Service.SignalControl(ctx, runID, workflows.ActionResume)
}

func (t TemporalRuns) CancelRun(ctx context.Context, runID string) error {
	return t.Service.CancelRun(ctx, runID)
}
