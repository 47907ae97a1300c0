// Package worker implements the headless web worker: newline-delimited
// JSON-RPC 2.0 over stdio, one provider run at a time per provider.
package worker

import (
	"io"
	"sync"

	json "github.com/goccy/go-json"
)

const (
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
)

const (
	MethodHealth       = "health"
	MethodRun          = "provider/run"
	MethodOpenSession  = "provider/openSession"
	MethodResetSession = "provider/resetSession"
	MethodCancel       = "provider/cancel"

	NotifyProgress = "web/progress"
	NotifyStarted  = "web/worker/started"
	NotifyStopped  = "web/worker/stopped"
	NotifyError    = "web/worker/error"
)

// Message is any line on the wire. Requests carry ID and Method,
// responses ID and Result or Error, notifications only Method.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

func (e *RPCError) Error() string {
	return e.Message
}

type outgoing struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  any             `json:"params,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// lineWriter serializes whole lines so concurrent responses never interleave.
type lineWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (lw *lineWriter) write(msg outgoing) error {
	msg.JSONRPC = "2.0"
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	payload = append(payload, '\n')
	lw.mu.Lock()
	defer lw.mu.Unlock()
	_, err = lw.w.Write(payload)
	return err
}

type RunParams struct {
	Provider  string `json:"provider"`
	Prompt    string `json:"prompt"`
	TimeoutMs int    `json:"timeoutMs,omitempty"`
}

type ProviderParams struct {
	Provider string `json:"provider"`
}

type Progress struct {
	Provider string `json:"provider"`
	Stage    string `json:"stage"`
	Message  string `json:"message"`
}

// Failure is the domain error shape: a successful RPC response with ok=false.
type Failure struct {
	OK        bool           `json:"ok"`
	ErrorCode string         `json:"errorCode,omitempty"`
	Error     string         `json:"error"`
	Meta      map[string]any `json:"meta,omitempty"`
}

type CancelResult struct {
	OK        bool `json:"ok"`
	Cancelled bool `json:"cancelled"`
}
