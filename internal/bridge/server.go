package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
	"github.com/rs/cors"
	"golang.org/x/time/rate"

	"github.com/Keyring-Network/railgraph/internal/logging"
	"github.com/Keyring-Network/railgraph/internal/metrics"
	"github.com/Keyring-Network/railgraph/internal/provider"
)

const maxBodyBytes = 4 << 20

type Options struct {
	// Origins are allowed CORS origins; a trailing "*" matches any suffix.
	Origins []string
	Logger  *slog.Logger
	// EventRate bounds how many diagnostic events per second reach the log.
	EventRate  rate.Limit
	EventBurst int
}

type Server struct {
	mailbox  *Mailbox
	tokens   *Tokens
	logger   *slog.Logger
	validate *validator.Validate
	limiter  *rate.Limiter
	origins  []string
	started  time.Time
}

func NewServer(mailbox *Mailbox, tokens *Tokens, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = logging.New("bridge")
	}
	limit := opts.EventRate
	if limit <= 0 {
		limit = rate.Every(time.Second)
	}
	burst := opts.EventBurst
	if burst <= 0 {
		burst = 5
	}
	return &Server{
		mailbox:  mailbox,
		tokens:   tokens,
		logger:   logger,
		validate: validator.New(),
		limiter:  rate.NewLimiter(limit, burst),
		origins:  opts.Origins,
		started:  time.Now().UTC(),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(quietRequestLogger)
	r.Use(middleware.Recoverer)
	r.Use(s.newCORS().Handler)
	r.Use(s.authorize)

	r.Post("/v1/task/claim", s.claim)
	r.Post("/v1/task/{id}/stage", s.stage)
	r.Post("/v1/task/{id}/result", s.result)
	r.Post("/v1/task/{id}/error", s.fail)
	r.Get("/v1/health", s.health)
	r.Post("/v1/bridge/event", s.event)
	r.Post("/v1/bridge/token/rotate", s.rotateToken)
	return r
}

func (s *Server) newCORS() *cors.Cors {
	return cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodGet,
			http.MethodPost,
			http.MethodOptions,
		},
		AllowOriginFunc: s.allowOrigin,
		AllowedHeaders:  []string{"Authorization", "Content-Type"},
		MaxAge:          600,
	})
}

func (s *Server) allowOrigin(origin string) bool {
	for _, pattern := range s.origins {
		if pattern == "*" || pattern == origin {
			return true
		}
		if prefix, ok := strings.CutSuffix(pattern, "*"); ok && strings.HasPrefix(origin, prefix) {
			return true
		}
	}
	return false
}

func (s *Server) authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		if err := s.tokens.Check(r.Header.Get("Authorization")); err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// quietRequestLogger keeps claim polling and diagnostics out of the request log.
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
	switch {
	case method == http.MethodOptions:
		return true
	case method == http.MethodPost && (path == "/v1/task/claim" || path == "/v1/bridge/event"):
		return true
	case method == http.MethodGet && path == "/v1/health":
		return true
	}
	return false
}

type claimRequest struct {
	Provider string `json:"provider" validate:"required"`
	PageURL  string `json:"pageUrl"`
}

type stageRequest struct {
	Stage   string `json:"stage" validate:"required"`
	Detail  string `json:"detail"`
	PageURL string `json:"pageUrl"`
}

type resultRequest struct {
	Text    string         `json:"text" validate:"required"`
	Raw     any            `json:"raw"`
	Meta    map[string]any `json:"meta"`
	PageURL string         `json:"pageUrl"`
}

type errorRequest struct {
	Code    string `json:"code" validate:"required"`
	Message string `json:"message"`
	PageURL string `json:"pageUrl"`
}

type eventRequest struct {
	Provider string `json:"provider"`
	Level    string `json:"level" validate:"omitempty,oneof=debug info warn error"`
	Code     string `json:"code" validate:"required"`
	Message  string `json:"message"`
	PageURL  string `json:"pageUrl"`
}

func (s *Server) claim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if !s.decode(w, r, &req) {
		return
	}
	id := provider.Normalize(req.Provider)
	if !provider.Supported(id) {
		metrics.BridgeClaims.WithLabelValues(string(id), "unsupported").Inc()
		writeError(w, http.StatusBadRequest, fmt.Errorf("unsupported provider %q", req.Provider))
		return
	}
	task := s.mailbox.Claim(id, req.PageURL)
	if task == nil {
		metrics.BridgeClaims.WithLabelValues(string(id), "empty").Inc()
		writeJSONStatus(w, map[string]any{"ok": true, "task": nil}, http.StatusOK)
		return
	}
	metrics.BridgeClaims.WithLabelValues(string(id), "claimed").Inc()
	s.logger.Info("task claimed", "task_id", task.ID, "provider", task.Provider, "page_url", req.PageURL)
	writeJSONStatus(w, map[string]any{"ok": true, "task": task}, http.StatusOK)
}

func (s *Server) stage(w http.ResponseWriter, r *http.Request) {
	var req stageRequest
	if !s.decode(w, r, &req) {
		return
	}
	taskID := chi.URLParam(r, "id")
	if err := s.mailbox.Stage(taskID, TaskStatus(req.Stage), req.Detail, req.PageURL); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	s.logger.Debug("task stage", "task_id", taskID, "stage", req.Stage, "detail", req.Detail)
	writeJSONStatus(w, map[string]any{"ok": true}, http.StatusOK)
}

func (s *Server) result(w http.ResponseWriter, r *http.Request) {
	var req resultRequest
	if !s.decode(w, r, &req) {
		return
	}
	taskID := chi.URLParam(r, "id")
	err := s.mailbox.Resolve(taskID, Result{Text: req.Text, Raw: req.Raw, Meta: req.Meta, PageURL: req.PageURL})
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	s.logger.Info("task resolved", "task_id", taskID, "chars", len(req.Text))
	writeJSONStatus(w, map[string]any{"ok": true}, http.StatusOK)
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request) {
	var req errorRequest
	if !s.decode(w, r, &req) {
		return
	}
	taskID := chi.URLParam(r, "id")
	code := provider.Code(strings.ToUpper(strings.TrimSpace(req.Code)))
	if !provider.KnownCode(code) {
		s.logger.Warn("unknown task error code", "task_id", taskID, "code", req.Code)
		code = provider.CodeBridgeCaptureFailed
	}
	if err := s.mailbox.Fail(taskID, code, req.Message); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	s.logger.Warn("task failed", "task_id", taskID, "code", code, "message", req.Message)
	writeJSONStatus(w, map[string]any{"ok": true}, http.StatusOK)
}

// rotateToken replaces the bearer token. Only the authenticated caller sees
// the new value; every other holder of the old token is locked out.
func (s *Server) rotateToken(w http.ResponseWriter, r *http.Request) {
	token, err := s.tokens.Rotate()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	masked := s.tokens.Masked()
	s.logger.Info("bridge token rotated", "token", masked)
	writeJSONStatus(w, map[string]any{
		"ok":          true,
		"token":       token,
		"tokenMasked": masked,
	}, http.StatusOK)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSONStatus(w, map[string]any{
		"ok":          true,
		"running":     true,
		"startedAt":   s.started.Format(time.RFC3339),
		"tokenMasked": s.tokens.Masked(),
		"providers":   s.mailbox.Activity(),
		"pending":     s.mailbox.Pending(),
	}, http.StatusOK)
}

func (s *Server) event(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if !s.decode(w, r, &req) {
		return
	}
	logged := s.limiter.Allow()
	if logged {
		level := slog.LevelInfo
		switch req.Level {
		case "error":
			level = slog.LevelError
		case "warn":
			level = slog.LevelWarn
		case "debug":
			level = slog.LevelDebug
		}
		s.logger.Log(r.Context(), level, "bridge event",
			"provider", req.Provider, "code", req.Code, "message", req.Message, "page_url", req.PageURL)
	}
	writeJSONStatus(w, map[string]any{"ok": true, "logged": logged}, http.StatusOK)
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
		writeError(w, http.StatusBadRequest, validationError(err))
		return false
	}
	return true
}

func validationError(err error) error {
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		first := fieldErrs[0]
		return fmt.Errorf("%s failed %q", strings.ToLower(first.Field()), first.Tag())
	}
	return err
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrTaskNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidStage):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSONStatus(w http.ResponseWriter, value any, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, statusCode int, err error) {
	writeJSONStatus(w, map[string]any{"ok": false, "error": err.Error()}, statusCode)
}

// ListenAndServe serves the bridge on the loopback port until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context, port int) error {
	base, err := ValidateURL(DefaultURL(port))
	if err != nil {
		return err
	}
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(portOf(base)))
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	s.logger.Info("bridge listening", "addr", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func portOf(base string) int {
	idx := strings.LastIndex(base, ":")
	port, _ := strconv.Atoi(base[idx+1:])
	return port
}
