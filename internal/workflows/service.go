package workflows

import (
	"context"
	"fmt"

	"go.temporal.io/sdk/client"

	"github.com/Keyring-Network/railgraph/internal/graph"
)

const (
	ControlSignalName = "control"
)

// Service starts and steers graph runs executed by a Temporal worker.
type Service struct {
	client    client.Client
	taskQueue string
}

func NewService(client client.Client, taskQueue string) *Service {
	if taskQueue == "" {
		taskQueue = "railgraph-runs"
	}
	return &Service{client: client, taskQueue: taskQueue}
}

// StartRun validates the graph locally so shape errors surface to the
// caller instead of inside the worker.
func (s *Service) StartRun(ctx context.Context, input GraphRunInput) error {
	if err := graph.Validate(input.Graph); err != nil {
		return err
	}
	options := client.StartWorkflowOptions{
		ID:        workflowID(input.RunID),
		TaskQueue: s.taskQueue,
	}
	_, err := s.client.ExecuteWorkflow(ctx, options, GraphRunWorkflow, input)
	return err
}

func (s *Service) SignalControl(ctx context.Context, runID string, action string) error {
	switch action {
	case ActionPause, ActionResume, ActionCancel:
	default:
		return fmt.Errorf("unknown run action %q", action)
	}
	return s.client.SignalWorkflow(ctx, workflowID(runID), "", ControlSignalName, action)
}

func (s *Service) CancelRun(ctx context.Context, runID string) error {
	return s.client.CancelWorkflow(ctx, workflowID(runID), "")
}

func workflowID(runID string) string {
	return fmt.Sprintf("run:%s", runID)
}
