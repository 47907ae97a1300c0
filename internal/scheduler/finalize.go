package scheduler

import (
	"context"
	"fmt"

	"github.com/Keyring-Network/railgraph/internal/evidence"
	"github.com/Keyring-Network/railgraph/internal/metrics"
	"github.com/Keyring-Network/railgraph/internal/store"
)

// finalize stamps and persists the run record. It runs exactly once per
// run, whichever way the loop ended.
func (e *execution) finalize() {
	e.once.Do(func() {
		e.stopWatch()
		e.mu.Lock()
		cancelled := e.cancelled.Load()
		if cancelled {
			for _, id := range e.idx.Order {
				if !e.record.NodeStates[id].Status.Terminal() {
					e.transitionLocked(id, store.StatusCancelled, "run cancelled")
				}
			}
		}

		all := []store.EvidenceEnvelope{}
		for _, id := range e.idx.Order {
			all = append(all, e.record.Evidence[id]...)
		}
		e.record.ConflictLedger = evidence.BuildConflictLedger(all)
		if e.record.ConflictLedger == nil {
			e.record.ConflictLedger = []store.Conflict{}
		}
		e.record.FinalConfidence = evidence.ComputeConfidence(all, e.record.ConflictLedger)

		finalID := e.resolveFinalNodeLocked()
		e.record.FinalNodeID = finalID
		finalState := e.record.NodeStates[finalID].Status
		switch {
		case cancelled:
			e.record.Status = store.RunCancelled
			e.record.StatusText = "graph run cancelled"
			e.record.Reason = "cancelled by request"
		case finalID == "":
			e.fail("final node could not be resolved")
		case finalState.Succeeded():
			e.record.FinalAnswer = evidence.ExtractFinalAnswer(e.record.Outputs[finalID])
			e.record.Status = store.RunCompleted
			e.record.StatusText = "graph run completed"
			if finalState == store.StatusLowQuality {
				e.record.Status = store.RunCompletedLowQuality
				e.record.StatusText = "graph run completed with low quality output"
			}
		case !finalState.Terminal():
			e.fail(fmt.Sprintf("final node %s not reached (state %s)", finalID, finalState))
		default:
			e.fail(fmt.Sprintf("final node %s state=%s", finalID, finalState))
		}
		e.record.FinishedAt = store.Now()
		e.summaryLocked(e.record.StatusText)
		e.final = e.snapshotLocked()
		e.unlock()

		ctx, cancel := context.WithTimeout(e.persistCtx, persistTimeout)
		defer cancel()
		if err := e.s.cfg.Store.SaveRun(ctx, e.final); err != nil {
			e.s.logger.Error("failed to persist finalized run", "run_id", e.runID, "error", err)
		}
		payload := map[string]any{
			"run_id":           e.runID,
			"status":           string(e.final.Status),
			"final_node_id":    e.final.FinalNodeID,
			"final_confidence": e.final.FinalConfidence,
		}
		if e.final.Reason != "" {
			payload["reason"] = e.final.Reason
		}
		e.mu.Lock()
		e.queueLocked("run.finished", "", payload)
		e.unlock()
		metrics.RunsFinished.WithLabelValues(string(e.final.Status)).Inc()
		metrics.ActiveRuns.Dec()
		e.s.logger.Info("run finished", "run_id", e.runID, "status", e.final.Status, "final_node_id", e.final.FinalNodeID, "reason", e.final.Reason)

		e.cancel()
		e.s.release(e)
		close(e.done)
	})
}

func (e *execution) fail(reason string) {
	e.record.Status = store.RunFailed
	e.record.Reason = reason
	e.record.StatusText = "graph run failed (" + reason + ")"
}

// resolveFinalNodeLocked picks the node whose output answers the run: the
// single sink, else the most recently transitioned successful sink, else the
// most recently transitioned sink, else the last node that finished done.
func (e *execution) resolveFinalNodeLocked() string {
	sinks := e.idx.Sinks
	if len(sinks) == 1 {
		return sinks[0]
	}
	latest := func(accept func(store.NodeStatus) bool) string {
		best, bestAt := "", 0
		for _, id := range sinks {
			at := e.touched[id]
			if at > bestAt && accept(e.record.NodeStates[id].Status) {
				best, bestAt = id, at
			}
		}
		return best
	}
	if id := latest(store.NodeStatus.Succeeded); id != "" {
		return id
	}
	if id := latest(func(store.NodeStatus) bool { return true }); id != "" {
		return id
	}
	return e.lastDone
}
