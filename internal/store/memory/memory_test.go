package memory

import (
	"context"
	"sync"
	"testing"

	"github.com/Keyring-Network/railgraph/internal/store"
	"github.com/stretchr/testify/require"
)

func sampleRun(id, startedAt string) store.RunRecord {
	return store.RunRecord{
		RunID:     id,
		Question:  "what changed?",
		StartedAt: startedAt,
		Status:    store.RunRunning,
		NodeStates: map[string]store.NodeState{
			"question": {Status: store.StatusDone},
		},
		Outputs: map[string]any{"question": "what changed?"},
	}
}

func TestSaveAndGetRun(t *testing.T) {
	ctx := context.Background()
	mem := New()
	run := sampleRun("run-1", "2026-01-01T00:00:00Z")

	require.NoError(t, mem.SaveRun(ctx, run))

	stored, err := mem.GetRun(ctx, "run-1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	require.Equal(t, "what changed?", stored.Question)
	require.Equal(t, store.StatusDone, stored.NodeStates["question"].Status)

	stored.NodeStates["question"] = store.NodeState{Status: store.StatusFailed}
	again, err := mem.GetRun(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, store.StatusDone, again.NodeStates["question"].Status)
}

func TestGetRun_Missing(t *testing.T) {
	stored, err := New().GetRun(context.Background(), "nope")
	require.NoError(t, err)
	require.Nil(t, stored)
}

func TestSaveRun_RejectsOverwriteOfFinalizedRecord(t *testing.T) {
	ctx := context.Background()
	mem := New()
	run := sampleRun("run-1", "2026-01-01T00:00:00Z")
	run.Status = store.RunCompleted
	run.FinishedAt = "2026-01-01T00:01:00Z"
	require.NoError(t, mem.SaveRun(ctx, run))

	run.Status = store.RunFailed
	require.ErrorIs(t, mem.SaveRun(ctx, run), store.ErrRunFinalized)

	stored, err := mem.GetRun(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, store.RunCompleted, stored.Status)
}

func TestListRuns_NewestFirst(t *testing.T) {
	ctx := context.Background()
	mem := New()
	require.NoError(t, mem.SaveRun(ctx, sampleRun("old", "2026-01-01T00:00:00Z")))
	require.NoError(t, mem.SaveRun(ctx, sampleRun("new", "2026-02-01T00:00:00Z")))

	runs, err := mem.ListRuns(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.Equal(t, "new", runs[0].RunID)
	require.Equal(t, "old", runs[1].RunID)
}

func TestEvents_AfterSeqAndNormalization(t *testing.T) {
	ctx := context.Background()
	mem := New()
	for i := 0; i < 3; i++ {
		seq, err := mem.NextSeq(ctx, "run-1")
		require.NoError(t, err)
		require.NoError(t, mem.AppendEvent(ctx, store.RunEvent{RunID: "run-1", Seq: seq, Type: " Node_Status "}))
	}

	all, err := mem.ListEvents(ctx, "run-1", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, "node.status", all[0].Type)

	tail, err := mem.ListEvents(ctx, "run-1", 2)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	require.Equal(t, int64(3), tail[0].Seq)
}

func TestDeleteRun(t *testing.T) {
	ctx := context.Background()
	mem := New()
	require.NoError(t, mem.SaveRun(ctx, sampleRun("run-1", "")))
	require.NoError(t, mem.AppendEvent(ctx, store.RunEvent{RunID: "run-1", Seq: 1, Type: "run.started"}))

	require.NoError(t, mem.DeleteRun(ctx, "run-1"))

	stored, err := mem.GetRun(ctx, "run-1")
	require.NoError(t, err)
	require.Nil(t, stored)
	events, err := mem.ListEvents(ctx, "run-1", 0)
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestNextSeq_Concurrent(t *testing.T) {
	ctx := context.Background()
	mem := New()
	var wg sync.WaitGroup
	seen := sync.Map{}
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seq, err := mem.NextSeq(ctx, "run-1")
			require.NoError(t, err)
			_, dup := seen.LoadOrStore(seq, true)
			require.False(t, dup)
		}()
	}
	wg.Wait()
	seq, err := mem.NextSeq(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, int64(51), seq)
}
