package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/Keyring-Network/railgraph/internal/graph"
	"github.com/Keyring-Network/railgraph/internal/processor"
	"github.com/Keyring-Network/railgraph/internal/scheduler"
	"github.com/Keyring-Network/railgraph/internal/store"
)

const (
	actionPause  = "pause"
	actionResume = "resume"
	actionCancel = "cancel"
)

type createRunRequest struct {
	Question string      `json:"question" validate:"required"`
	Graph    graph.Graph `json:"graph"`
}

type listRunsResponse struct {
	Runs []store.RunSummary `json:"runs"`
}

type nodeResponseRequest struct {
	Text string `json:"text" validate:"required"`
}

func (s *Server) createRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if !s.decode(w, r, &req) {
		return
	}
	runID, err := s.runs.StartRun(r.Context(), scheduler.RunRequest{
		Question: strings.TrimSpace(req.Question),
		Graph:    req.Graph,
	})
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	s.logger.Info("run accepted", "run_id", runID, "nodes", len(req.Graph.Nodes))
	writeJSONStatus(w, map[string]string{"run_id": runID}, http.StatusAccepted)
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.ListRuns(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if runs == nil {
		runs = []store.RunSummary{}
	}
	writeJSONStatus(w, listRunsResponse{Runs: runs}, http.StatusOK)
}

// getRun prefers the live record so callers see nodes progress before the
// next persist.
func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	if s.live != nil {
		if record, ok := s.live.Snapshot(runID); ok {
			writeJSONStatus(w, record, http.StatusOK)
			return
		}
	}
	record, err := s.store.GetRun(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if record == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("run %s not found", runID))
		return
	}
	writeJSONStatus(w, record, http.StatusOK)
}

func (s *Server) deleteRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	if s.live != nil {
		if _, ok := s.live.Snapshot(runID); ok {
			writeError(w, http.StatusConflict, scheduler.ErrRunActive)
			return
		}
	}
	if err := s.store.DeleteRun(r.Context(), runID); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) controlRun(action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runID := chi.URLParam(r, "id")
		var err error
		switch action {
		case actionPause:
			err = s.runs.PauseRun(r.Context(), runID)
		case actionResume:
			err = s.runs.ResumeRun(r.Context(), runID)
		case actionCancel:
			err = s.runs.CancelRun(r.Context(), runID)
		}
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		s.logger.Info("run control", "run_id", runID, "action", action)
		writeJSONStatus(w, map[string]string{"run_id": runID, "action": action}, http.StatusAccepted)
	}
}

func (s *Server) listManual(w http.ResponseWriter, r *http.Request) {
	nodes := []string{}
	if s.manual != nil {
		nodes = s.manual.Waiting(chi.URLParam(r, "id"))
	}
	writeJSONStatus(w, map[string]any{"waiting": nodes}, http.StatusOK)
}

func (s *Server) nodeResponse(w http.ResponseWriter, r *http.Request) {
	if s.manual == nil {
		writeError(w, http.StatusNotImplemented, errors.New("manual responses are not handled by this process"))
		return
	}
	var req nodeResponseRequest
	if !s.decode(w, r, &req) {
		return
	}
	runID := chi.URLParam(r, "id")
	nodeID := chi.URLParam(r, "nodeID")
	if err := s.manual.Deliver(runID, nodeID, req.Text); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	s.logger.Info("manual response delivered", "run_id", runID, "node_id", nodeID, "chars", len(req.Text))
	writeJSONStatus(w, map[string]string{"run_id": runID, "node_id": nodeID}, http.StatusAccepted)
}

func statusFor(err error) int {
	var invalid *graph.ValidationError
	switch {
	case errors.As(err, &invalid), errors.Is(err, scheduler.ErrEmptyRequest):
		return http.StatusBadRequest
	case errors.Is(err, scheduler.ErrRunActive),
		errors.Is(err, scheduler.ErrNoActiveRun),
		errors.Is(err, processor.ErrNotWaiting):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
