package worker

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/Keyring-Network/railgraph/internal/logging"
	"github.com/Keyring-Network/railgraph/internal/metrics"
	"github.com/Keyring-Network/railgraph/internal/provider"
	"github.com/Keyring-Network/railgraph/internal/session"
)

const maxLineBytes = 8 << 20

// Runner drives provider pages; session.Manager is the production implementation.
type Runner interface {
	Run(ctx context.Context, req session.RunRequest, progress session.ProgressFunc) (session.RunResult, error)
	OpenSession(ctx context.Context, id provider.ID) (session.SessionInfo, error)
	ResetSession(ctx context.Context, id provider.ID) (session.ResetInfo, error)
	Health(ctx context.Context) session.Health
}

type activeRun struct {
	cancel    context.CancelFunc
	cancelled bool
}

type Handler struct {
	runner Runner
	out    *lineWriter
	logger *slog.Logger

	mu         sync.Mutex
	active     map[provider.ID]*activeRun
	lastActive provider.ID
	lastError  string
	inflight   sync.WaitGroup
}

func NewHandler(runner Runner, w io.Writer, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = logging.New("worker")
	}
	return &Handler{
		runner: runner,
		out:    &lineWriter{w: w},
		logger: logger,
		active: map[provider.ID]*activeRun{},
	}
}

// Serve reads requests until r is exhausted or ctx ends, then waits for
// in-flight requests and announces the stop. Requests are handled
// concurrently so a cancel can reach a running provider.
func (h *Handler) Serve(ctx context.Context, r io.Reader, startedInfo map[string]any) error {
	h.notify(NotifyStarted, withTimestamp(startedInfo, "startedAt"))
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				readErr <- ctx.Err()
				return
			}
		}
		readErr <- scanner.Err()
	}()

	reason := "stdin closed"
	var err error
loop:
	for {
		select {
		case line := <-lines:
			h.handleLine(ctx, line)
		case err = <-readErr:
			if err != nil {
				reason = err.Error()
			}
			break loop
		case <-ctx.Done():
			reason = "context cancelled"
			break loop
		}
	}
	h.cancelAll()
	h.inflight.Wait()
	h.notify(NotifyStopped, map[string]any{"reason": reason, "stoppedAt": now()})
	return err
}

func (h *Handler) handleLine(ctx context.Context, raw string) {
	line := strings.TrimSpace(raw)
	if line == "" {
		return
	}
	var msg Message
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		h.logger.Warn("invalid json line ignored", "line", clip(line, 200), "error", err)
		return
	}
	if len(msg.ID) == 0 || msg.Method == "" {
		id := msg.ID
		if len(id) == 0 {
			id = json.RawMessage("null")
		}
		h.respondError(id, CodeInvalidRequest, "Invalid request")
		return
	}
	h.inflight.Add(1)
	go func() {
		defer h.inflight.Done()
		h.dispatch(ctx, msg)
	}()
}

func (h *Handler) dispatch(ctx context.Context, msg Message) {
	defer func() {
		if recovered := recover(); recovered != nil {
			message := fmt.Sprint(recovered)
			h.setLastError(provider.CodeInternal, message)
			h.respond(msg.ID, Failure{ErrorCode: string(provider.CodeInternal), Error: message})
		}
	}()
	switch msg.Method {
	case MethodHealth:
		h.respond(msg.ID, h.health(ctx))
	case MethodRun:
		var params RunParams
		if h.decodeParams(msg, &params) {
			h.respond(msg.ID, h.run(ctx, params))
		}
	case MethodOpenSession:
		var params ProviderParams
		if h.decodeParams(msg, &params) {
			h.respond(msg.ID, h.openSession(ctx, params))
		}
	case MethodResetSession:
		var params ProviderParams
		if h.decodeParams(msg, &params) {
			h.respond(msg.ID, h.resetSession(ctx, params))
		}
	case MethodCancel:
		var params ProviderParams
		if h.decodeParams(msg, &params) {
			h.respond(msg.ID, h.cancel(provider.Normalize(params.Provider)))
		}
	default:
		h.respondError(msg.ID, CodeMethodNotFound, "Method not found: "+msg.Method)
	}
}

// decodeParams answers -32602 itself when the params do not fit v. Absent
// params decode as the zero value.
func (h *Handler) decodeParams(msg Message, v any) bool {
	raw := bytes.TrimSpace(msg.Params)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return true
	}
	if err := json.Unmarshal(raw, v); err != nil {
		h.respondError(msg.ID, CodeInvalidParams, "Invalid params: "+err.Error())
		return false
	}
	return true
}

func (h *Handler) health(ctx context.Context) session.Health {
	health := h.runner.Health(ctx)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.lastError != "" {
		health.LastError = h.lastError
	}
	if _, running := h.active[h.lastActive]; running {
		health.ActiveProvider = string(h.lastActive)
	}
	return health
}

func (h *Handler) run(ctx context.Context, params RunParams) any {
	id := provider.Normalize(params.Provider)
	if id == "" {
		return Failure{ErrorCode: string(provider.CodeUnsupportedProvider), Error: "provider is empty"}
	}
	if !provider.Supported(id) {
		return Failure{ErrorCode: string(provider.CodeUnsupportedProvider), Error: fmt.Sprintf("unsupported provider %q", id)}
	}
	if strings.TrimSpace(params.Prompt) == "" {
		return Failure{ErrorCode: string(provider.CodeInvalidPrompt), Error: "prompt is empty"}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	token := &activeRun{cancel: cancel}
	h.mu.Lock()
	if _, busy := h.active[id]; busy {
		h.mu.Unlock()
		return Failure{ErrorCode: string(provider.CodeInternal), Error: fmt.Sprintf("provider %s is busy with another run", id)}
	}
	h.active[id] = token
	h.lastActive = id
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		if h.active[id] == token {
			delete(h.active, id)
		}
		h.mu.Unlock()
	}()

	h.logger.Info("provider run started", "provider", id, "prompt_chars", len(params.Prompt))
	result, err := h.runner.Run(runCtx, session.RunRequest{Provider: id, Prompt: params.Prompt, TimeoutMs: params.TimeoutMs}, func(stage, message string) {
		h.notify(NotifyProgress, Progress{Provider: string(id), Stage: stage, Message: message})
	})
	if err != nil {
		code := provider.CodeOf(err)
		h.mu.Lock()
		if token.cancelled {
			code = provider.CodeCancelled
		}
		h.mu.Unlock()
		message := err.Error()
		var typed *provider.Error
		if errors.As(err, &typed) && typed.Message != "" {
			message = typed.Message
		}
		h.setLastError(code, message)
		metrics.WorkerRuns.WithLabelValues(string(id), string(code)).Inc()
		h.notify(NotifyProgress, Progress{Provider: string(id), Stage: "error", Message: fmt.Sprintf("%s: %s", code, message)})
		h.logger.Warn("provider run failed", "provider", id, "code", code, "error", message)
		return Failure{
			ErrorCode: string(code),
			Error:     message,
			Meta:      map[string]any{"provider": string(id), "failedAt": now()},
		}
	}
	metrics.WorkerRuns.WithLabelValues(string(id), "ok").Inc()
	h.logger.Info("provider run finished", "provider", id, "chars", len(result.Text))
	return result
}

func (h *Handler) openSession(ctx context.Context, params ProviderParams) any {
	id := provider.Normalize(params.Provider)
	if id == "" {
		return Failure{Error: "provider is empty"}
	}
	info, err := h.runner.OpenSession(ctx, id)
	if err != nil {
		return Failure{ErrorCode: string(provider.CodeOf(err)), Error: err.Error()}
	}
	h.notify(NotifyProgress, Progress{Provider: string(id), Stage: "session_open", Message: "login session window opened"})
	return info
}

func (h *Handler) resetSession(ctx context.Context, params ProviderParams) any {
	id := provider.Normalize(params.Provider)
	if id == "" {
		return Failure{Error: "provider is empty"}
	}
	h.cancel(id)
	info, err := h.runner.ResetSession(ctx, id)
	if err != nil {
		return Failure{Error: "session reset failed: " + err.Error()}
	}
	return info
}

func (h *Handler) cancel(id provider.ID) CancelResult {
	h.mu.Lock()
	defer h.mu.Unlock()
	run, ok := h.active[id]
	if !ok {
		return CancelResult{OK: true, Cancelled: false}
	}
	run.cancelled = true
	run.cancel()
	return CancelResult{OK: true, Cancelled: true}
}

func (h *Handler) cancelAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, run := range h.active {
		run.cancelled = true
		run.cancel()
	}
}

func (h *Handler) setLastError(code provider.Code, message string) {
	h.mu.Lock()
	h.lastError = fmt.Sprintf("%s: %s", code, message)
	h.mu.Unlock()
}

func (h *Handler) respond(id json.RawMessage, result any) {
	if err := h.out.write(outgoing{ID: id, Result: result}); err != nil {
		h.logger.Error("write response", "error", err)
	}
}

func (h *Handler) respondError(id json.RawMessage, code int, message string) {
	if err := h.out.write(outgoing{ID: id, Error: &RPCError{Code: code, Message: message}}); err != nil {
		h.logger.Error("write error response", "error", err)
	}
}

func (h *Handler) notify(method string, params any) {
	if err := h.out.write(outgoing{Method: method, Params: params}); err != nil {
		h.logger.Error("write notification", "method", method, "error", err)
	}
}

func withTimestamp(fields map[string]any, key string) map[string]any {
	out := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	out[key] = now()
	return out
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func clip(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	return text[:limit]
}
