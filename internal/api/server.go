package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
	"github.com/rs/cors"

	"github.com/Keyring-Network/railgraph/internal/events"
	"github.com/Keyring-Network/railgraph/internal/llm"
	"github.com/Keyring-Network/railgraph/internal/logging"
	"github.com/Keyring-Network/railgraph/internal/metrics"
	"github.com/Keyring-Network/railgraph/internal/store"
)

const maxBodyBytes = 8 << 20

type Server struct {
	store    store.Store
	broker   Broker
	runs     RunController
	live     LiveRuns
	manual   ManualResponder
	prober   llm.Prober
	origins  []string
	logger   *slog.Logger
	validate *validator.Validate
}

type Broker interface {
	Subscribe(ctx context.Context, runID string) <-chan events.RunEvent
}

// LiveRuns exposes the in-memory record of a run that is still executing.
type LiveRuns interface {
	Snapshot(runID string) (store.RunRecord, bool)
}

// ManualResponder accepts answers pasted by a user for manual web turns.
type ManualResponder interface {
	Deliver(runID, nodeID, text string) error
	Waiting(runID string) []string
}

// Options carries the optional collaborators. Nil fields disable the
// routes or readiness checks that need them.
type Options struct {
	Live    LiveRuns
	Manual  ManualResponder
	Prober  llm.Prober
	Origins []string
	Logger  *slog.Logger
}

func NewServer(store store.Store, broker Broker, runs RunController, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = logging.New("api")
	}
	origins := opts.Origins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return &Server{
		store:    store,
		broker:   broker,
		runs:     runs,
		live:     opts.Live,
		manual:   opts.Manual,
		prober:   opts.Prober,
		origins:  origins,
		logger:   logger,
		validate: validator.New(),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(quietRequestLogger)
	r.Use(middleware.Recoverer)
	r.Use(s.newCORS().Handler)

	r.Post("/runs", s.createRun)
	r.Get("/runs", s.listRuns)
	r.Get("/runs/{id}", s.getRun)
	r.Delete("/runs/{id}", s.deleteRun)
	r.Post("/runs/{id}/pause", s.controlRun(actionPause))
	r.Post("/runs/{id}/resume", s.controlRun(actionResume))
	r.Post("/runs/{id}/cancel", s.controlRun(actionCancel))
	r.Get("/runs/{id}/manual", s.listManual)
	r.Post("/runs/{id}/nodes/{nodeID}/response", s.nodeResponse)
	r.Get("/runs/{id}/events", s.streamEvents)
	r.Get("/runs/{id}/ws", s.streamWebsocket)
	r.Get("/health", s.health)
	r.Get("/ready", s.ready)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	return r
}

func (s *Server) newCORS() *cors.Cors {
	return cors.New(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{
			http.MethodGet,
			http.MethodPost,
			http.MethodDelete,
			http.MethodOptions,
		},
		AllowedHeaders: []string{"Content-Type", "Last-Event-ID"},
	})
}

func quietRequestLogger(next http.Handler) http.Handler {
	logged := middleware.Logger(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if shouldSuppressRequestLog(r.Method, r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		logged.ServeHTTP(w, r)
	})
}

func shouldSuppressRequestLog(method string, path string) bool {
	cleanPath := strings.TrimSpace(path)
	if method == http.MethodGet && (strings.HasSuffix(cleanPath, "/events") || strings.HasSuffix(cleanPath, "/ws")) {
		return true
	}
	if method == http.MethodGet && (cleanPath == "/runs" || cleanPath == "/metrics" || cleanPath == "/health") {
		return true
	}
	return method == http.MethodOptions
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSONStatus(w, map[string]string{"status": "ok"}, http.StatusOK)
}

type subsystemStatus struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type readinessResponse struct {
	Status     string                     `json:"status"`
	Subsystems map[string]subsystemStatus `json:"subsystems"`
}

func (s *Server) ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	subsystems := map[string]subsystemStatus{}
	overall := http.StatusOK

	if _, err := s.store.ListRuns(ctx); err != nil {
		subsystems["store"] = subsystemStatus{Status: "error", Error: err.Error()}
		overall = http.StatusServiceUnavailable
	} else {
		subsystems["store"] = subsystemStatus{Status: "ok"}
	}

	if s.prober == nil {
		subsystems["engine"] = subsystemStatus{Status: "skipped"}
	} else if err := s.prober.Probe(ctx); err != nil {
		subsystems["engine"] = subsystemStatus{Status: "error", Error: err.Error()}
		overall = http.StatusServiceUnavailable
	} else {
		subsystems["engine"] = subsystemStatus{Status: "ok"}
	}

	status := "ok"
	if overall != http.StatusOK {
		status = "degraded"
	}
	writeJSONStatus(w, readinessResponse{Status: status, Subsystems: subsystems}, overall)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return false
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		body = []byte("{}")
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json: %w", err))
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			err = fmt.Errorf("%s failed %q", strings.ToLower(fieldErrs[0].Field()), fieldErrs[0].Tag())
		}
		writeError(w, http.StatusBadRequest, err)
		return false
	}
	return true
}

func writeJSONStatus(w http.ResponseWriter, value any, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, statusCode int, err error) {
	writeJSONStatus(w, map[string]string{"error": err.Error()}, statusCode)
}

func (s *Server) Start(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		_ = server.Shutdown(context.Background())
	}()
	s.logger.Info("control plane listening", "addr", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
