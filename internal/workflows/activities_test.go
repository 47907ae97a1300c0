package workflows

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	tests "go.temporal.io/sdk/testsuite"

	"github.com/Keyring-Network/railgraph/internal/events"
	"github.com/Keyring-Network/railgraph/internal/llm"
	"github.com/Keyring-Network/railgraph/internal/logging"
	"github.com/Keyring-Network/railgraph/internal/processor"
	"github.com/Keyring-Network/railgraph/internal/scheduler"
	"github.com/Keyring-Network/railgraph/internal/store"
	"github.com/Keyring-Network/railgraph/internal/store/memory"
)

func newTestActivities(t *testing.T) (*RunActivities, *memory.MemoryStore) {
	t.Helper()
	st := memory.New()
	recorder := events.NewRecorder(st, nil)
	sched := scheduler.New(scheduler.Config{
		Store:      st,
		Recorder:   recorder,
		Executor:   processor.New(processor.Config{Engine: llm.LocalProvider{}, Logger: logging.Discard()}),
		MaxThreads: 2,
		Logger:     logging.Discard(),
	})
	return NewRunActivities(sched, st, recorder), st
}

func TestExecuteGraph_RunsToCompletion(t *testing.T) {
	activities, st := newTestActivities(t)
	var testSuite tests.WorkflowTestSuite
	env := testSuite.NewTestActivityEnvironment()
	env.RegisterActivity(activities)

	encoded, err := env.ExecuteActivity(activities.ExecuteGraph, sampleInput("run-act"))
	require.NoError(t, err)
	var result RunResult
	require.NoError(t, encoded.Get(&result))
	require.Equal(t, string(store.RunCompleted), result.Status)
	require.Equal(t, "answer", result.FinalNodeID)

	record, err := st.GetRun(context.Background(), "run-act")
	require.NoError(t, err)
	require.Equal(t, "why is the sky blue?", record.FinalAnswer)
}

func TestExecuteGraph_InvalidGraphIsAFailedResult(t *testing.T) {
	activities, _ := newTestActivities(t)
	var testSuite tests.WorkflowTestSuite
	env := testSuite.NewTestActivityEnvironment()
	env.RegisterActivity(activities)

	input := sampleInput("run-invalid")
	input.Graph.Edges = nil
	encoded, err := env.ExecuteActivity(activities.ExecuteGraph, input)
	require.NoError(t, err)
	var result RunResult
	require.NoError(t, encoded.Get(&result))
	require.Equal(t, string(store.RunFailed), result.Status)
	require.Contains(t, result.Reason, "invalid graph")
}

func TestControlRun(t *testing.T) {
	activities, _ := newTestActivities(t)
	require.ErrorIs(t, activities.ControlRun(context.Background(), ControlInput{RunID: "none", Action: ActionPause}), scheduler.ErrNoActiveRun)
	require.Error(t, activities.ControlRun(context.Background(), ControlInput{RunID: "none", Action: "explode"}))
}

func TestHandleRunFailure_RecordsEvent(t *testing.T) {
	activities, st := newTestActivities(t)
	require.NoError(t, activities.HandleRunFailure(context.Background(), RunFailureInput{RunID: "run-x", Error: "execution: boom"}))

	recorded, err := st.ListEvents(context.Background(), "run-x", 0)
	require.NoError(t, err)
	require.Len(t, recorded, 1)
	require.Equal(t, "run.error", recorded[0].Type)
	require.Equal(t, "execution: boom", recorded[0].Payload["error"])
}
