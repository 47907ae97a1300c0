package workflows

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

// GraphRunWorkflow executes one graph run as a long activity and forwards
// control signals to it while it runs.
func GraphRunWorkflow(ctx workflow.Context, input GraphRunInput) (RunResult, error) {
	runOptions := workflow.ActivityOptions{
		StartToCloseTimeout: 2 * time.Hour,
		HeartbeatTimeout:    time.Minute,
		WaitForCancellation: true,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 1,
		},
	}
	controlOptions := workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 3,
		},
	}
	runCtx := workflow.WithActivityOptions(ctx, runOptions)
	controlCtx := workflow.WithActivityOptions(ctx, controlOptions)

	logger := workflow.GetLogger(ctx)
	controlCh := workflow.GetSignalChannel(ctx, ControlSignalName)
	future := workflow.ExecuteActivity(runCtx, "ExecuteGraph", input)

	var (
		result   RunResult
		runErr   error
		finished bool
	)
	for !finished {
		selector := workflow.NewSelector(ctx)
		selector.AddFuture(future, func(f workflow.Future) {
			runErr = f.Get(ctx, &result)
			finished = true
		})
		selector.AddReceive(controlCh, func(c workflow.ReceiveChannel, more bool) {
			var action string
			c.Receive(ctx, &action)
			logger.Info("received control signal", "run_id", input.RunID, "action", action)
			if err := workflow.ExecuteActivity(controlCtx, "ControlRun", ControlInput{RunID: input.RunID, Action: action}).Get(ctx, nil); err != nil {
				logger.Warn("control activity failed", "action", action, "error", err)
			}
		})
		selector.Select(ctx)
	}

	if ctx.Err() != nil {
		return RunResult{Status: "cancelled", FinalNodeID: result.FinalNodeID, Reason: result.Reason}, nil
	}
	if runErr != nil {
		logger.Error("graph run activity failed", "run_id", input.RunID, "error", runErr)
		failureCtx, _ := workflow.NewDisconnectedContext(controlCtx)
		failureInput := RunFailureInput{RunID: input.RunID, Error: "execution: " + runErr.Error()}
		if err := workflow.ExecuteActivity(failureCtx, "HandleRunFailure", failureInput).Get(failureCtx, nil); err != nil {
			logger.Error("failed to persist run failure event", "error", err)
		}
		return RunResult{Status: "failed", Reason: runErr.Error()}, nil
	}
	return result, nil
}
