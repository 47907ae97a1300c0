package worker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"

	"github.com/Keyring-Network/railgraph/internal/logging"
	"github.com/Keyring-Network/railgraph/internal/provider"
	"github.com/Keyring-Network/railgraph/internal/session"
)

var ErrClientClosed = errors.New("worker client closed")

const defaultCancelTimeout = 5 * time.Second

// Client talks to a headless worker over a pair of streams, usually the
// stdio of a spawned subprocess. Responses are matched to requests by id.
type Client struct {
	in     io.WriteCloser
	writer *lineWriter
	logger *slog.Logger
	cmd    *exec.Cmd

	nextID atomic.Int64

	mu       sync.Mutex
	pending  map[string]chan Message
	progress map[provider.ID]session.ProgressFunc
	onNotify func(method string, params json.RawMessage)
	closed   bool
	done     chan struct{}
}

// Spawn starts the worker command line and connects to its stdio.
func Spawn(ctx context.Context, command string, logger *slog.Logger) (*Client, error) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return nil, errors.New("worker command is empty")
	}
	cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}
	client := NewClient(stdin, stdout, logger)
	client.cmd = cmd
	return client, nil
}

func NewClient(in io.WriteCloser, out io.Reader, logger *slog.Logger) *Client {
	if logger == nil {
		logger = logging.New("worker")
	}
	c := &Client{
		in:       in,
		writer:   &lineWriter{w: in},
		logger:   logger,
		pending:  map[string]chan Message{},
		progress: map[provider.ID]session.ProgressFunc{},
		done:     make(chan struct{}),
	}
	go c.readLoop(out)
	return c
}

// OnNotify registers a callback for notifications other than run progress.
func (c *Client) OnNotify(fn func(method string, params json.RawMessage)) {
	c.mu.Lock()
	c.onNotify = fn
	c.mu.Unlock()
}

func (c *Client) readLoop(out io.Reader) {
	defer c.shutdown()
	scanner := bufio.NewScanner(out)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var msg Message
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			c.logger.Warn("worker emitted invalid json", "line", clip(line, 200))
			continue
		}
		if len(msg.ID) == 0 || string(msg.ID) == "null" {
			if msg.Method != "" {
				c.dispatchNotification(msg)
			} else if msg.Error != nil {
				c.logger.Warn("worker rejected a request", "code", msg.Error.Code, "message", msg.Error.Message)
			}
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[string(msg.ID)]
		delete(c.pending, string(msg.ID))
		c.mu.Unlock()
		if ok {
			ch <- msg
		}
	}
}

func (c *Client) dispatchNotification(msg Message) {
	c.mu.Lock()
	onNotify := c.onNotify
	c.mu.Unlock()
	if msg.Method == NotifyProgress {
		var progress Progress
		if err := json.Unmarshal(msg.Params, &progress); err == nil {
			c.mu.Lock()
			fn := c.progress[provider.Normalize(progress.Provider)]
			c.mu.Unlock()
			if fn != nil {
				fn(progress.Stage, progress.Message)
			}
		}
	}
	if onNotify != nil {
		onNotify(msg.Method, msg.Params)
	}
}

func (c *Client) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
}

// call sends a request and decodes the result into out.
func (c *Client) call(ctx context.Context, method string, params any, out any) error {
	id := strconv.FormatInt(c.nextID.Add(1), 10)
	ch := make(chan Message, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.writer.write(outgoing{ID: json.RawMessage(id), Method: method, Params: params}); err != nil {
		c.forget(id)
		return fmt.Errorf("send %s: %w", method, err)
	}
	select {
	case msg := <-ch:
		if msg.Error != nil {
			return msg.Error
		}
		if out == nil {
			return nil
		}
		return json.Unmarshal(msg.Result, out)
	case <-ctx.Done():
		c.forget(id)
		return ctx.Err()
	case <-c.done:
		c.forget(id)
		return ErrClientClosed
	}
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// result decodes either a domain failure or the success payload.
type result[T any] struct {
	Value   T
	Failed  bool
	Failure Failure
}

func decodeResult[T any](raw json.RawMessage) (result[T], error) {
	var out result[T]
	var probe struct {
		OK *bool `json:"ok"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return out, err
	}
	if probe.OK != nil && !*probe.OK {
		out.Failed = true
		return out, json.Unmarshal(raw, &out.Failure)
	}
	return out, json.Unmarshal(raw, &out.Value)
}

func failureError(f Failure) error {
	code := provider.Code(f.ErrorCode)
	if code == "" {
		code = provider.CodeInternal
	}
	return &provider.Error{Code: code, Message: f.Error, Details: f.Meta}
}

func (c *Client) Health(ctx context.Context) (session.Health, error) {
	var health session.Health
	err := c.call(ctx, MethodHealth, map[string]any{}, &health)
	return health, err
}

// Run executes one provider turn. Domain failures come back as *provider.Error.
func (c *Client) Run(ctx context.Context, req session.RunRequest, progress session.ProgressFunc) (session.RunResult, error) {
	id := provider.Normalize(string(req.Provider))
	if progress != nil {
		c.mu.Lock()
		c.progress[id] = progress
		c.mu.Unlock()
		defer func() {
			c.mu.Lock()
			delete(c.progress, id)
			c.mu.Unlock()
		}()
	}
	var raw json.RawMessage
	params := RunParams{Provider: string(id), Prompt: req.Prompt, TimeoutMs: req.TimeoutMs}
	if err := c.call(ctx, MethodRun, params, &raw); err != nil {
		if ctx.Err() != nil {
			cancelCtx, cancel := context.WithTimeout(context.Background(), defaultCancelTimeout)
			defer cancel()
			_, _ = c.Cancel(cancelCtx, id)
		}
		return session.RunResult{}, err
	}
	decoded, err := decodeResult[session.RunResult](raw)
	if err != nil {
		return session.RunResult{}, err
	}
	if decoded.Failed {
		return session.RunResult{}, failureError(decoded.Failure)
	}
	return decoded.Value, nil
}

func (c *Client) OpenSession(ctx context.Context, id provider.ID) (session.SessionInfo, error) {
	var raw json.RawMessage
	if err := c.call(ctx, MethodOpenSession, ProviderParams{Provider: string(id)}, &raw); err != nil {
		return session.SessionInfo{}, err
	}
	decoded, err := decodeResult[session.SessionInfo](raw)
	if err != nil {
		return session.SessionInfo{}, err
	}
	if decoded.Failed {
		return session.SessionInfo{}, failureError(decoded.Failure)
	}
	return decoded.Value, nil
}

func (c *Client) ResetSession(ctx context.Context, id provider.ID) (session.ResetInfo, error) {
	var raw json.RawMessage
	if err := c.call(ctx, MethodResetSession, ProviderParams{Provider: string(id)}, &raw); err != nil {
		return session.ResetInfo{}, err
	}
	decoded, err := decodeResult[session.ResetInfo](raw)
	if err != nil {
		return session.ResetInfo{}, err
	}
	if decoded.Failed {
		return session.ResetInfo{}, failureError(decoded.Failure)
	}
	return decoded.Value, nil
}

func (c *Client) Cancel(ctx context.Context, id provider.ID) (bool, error) {
	var out CancelResult
	err := c.call(ctx, MethodCancel, ProviderParams{Provider: string(id)}, &out)
	return out.Cancelled, err
}

// Close ends the worker's stdin and waits for a spawned process to exit.
func (c *Client) Close() error {
	err := c.in.Close()
	if c.cmd != nil {
		if waitErr := c.cmd.Wait(); waitErr != nil && err == nil {
			err = waitErr
		}
	}
	return err
}

// Done is closed once the worker's output stream ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}
