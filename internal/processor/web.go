package processor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Keyring-Network/railgraph/internal/bridge"
	"github.com/Keyring-Network/railgraph/internal/evidence"
	"github.com/Keyring-Network/railgraph/internal/extract"
	"github.com/Keyring-Network/railgraph/internal/graph"
	"github.com/Keyring-Network/railgraph/internal/provider"
	"github.com/Keyring-Network/railgraph/internal/session"
	"github.com/Keyring-Network/railgraph/internal/store"
)

const (
	ModeHeadlessWorker = "headlessWorker"
	ModeManualPaste    = "manualPaste"
)

var ErrNotWaiting = errors.New("node is not waiting for a manual response")

// webTimeout is max(5s, the node's timeout or the configured default).
func (p *Processor) webTimeout(turn *graph.TurnConfig) time.Duration {
	timeout := p.cfg.WebTimeout
	if turn.WebTimeoutMs > 0 {
		timeout = time.Duration(turn.WebTimeoutMs) * time.Millisecond
	}
	return max(timeout, minWebTimeout)
}

func (p *Processor) webTurn(ctx context.Context, task Task, input any, hooks Hooks) Outcome {
	turn := task.Node.Turn
	id := provider.Normalize(string(turn.Provider))
	if !provider.Supported(id) {
		return failed(provider.CodeUnsupportedProvider, "unsupported web provider %q", turn.Provider)
	}
	prompt := bridge.NormalizePrompt(renderPrompt(turn.Prompt, input))
	if prompt == "" {
		return failed(provider.CodeInvalidPrompt, "rendered prompt is empty")
	}
	timeout := p.webTimeout(turn)
	webCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		result session.RunResult
		mode   string
		err    error
	)
	switch {
	case turn.WebMode == graph.WebModeManual:
		mode = ModeManualPaste
		hooks.waiting(fmt.Sprintf("waiting for a pasted %s answer", id))
		var text string
		text, err = p.cfg.Manual.await(webCtx, task.RunID, task.Node.ID)
		result = session.RunResult{OK: true, Text: text}
		if err == nil {
			hooks.resumed("manual answer received")
		}
	case p.cfg.Mailbox != nil:
		result, mode, err = p.viaBridge(webCtx, id, prompt, timeout, hooks)
	case p.cfg.Worker != nil:
		mode = ModeHeadlessWorker
		result, err = p.viaWorker(webCtx, id, prompt, timeout, hooks)
	default:
		return failed(provider.CodeInternal, "no web executor configured")
	}
	if err != nil {
		return webFailure(ctx, webCtx, id, timeout, err)
	}

	text := strings.TrimSpace(result.Text)
	if text == "" {
		return failed(provider.CodeExtractionFailed, "%s returned an empty answer", id)
	}
	if extract.IsPromptEcho(text, prompt) {
		hooks.log("[web] discarded answer that echoes the prompt")
		return failed(provider.CodePromptEcho, "%s answer echoed the prompt", id)
	}
	row := map[string]any{"text": text, "meta": result.Meta}
	if result.Raw != nil {
		row["raw"] = result.Raw
	}
	return Outcome{
		Status:  store.StatusDone,
		Output:  evidence.NormalizeWebEvidence(string(id), row, mode),
		Message: fmt.Sprintf("%s answered (%d chars)", id, len(text)),
	}
}

func webFailure(parent, webCtx context.Context, id provider.ID, timeout time.Duration, err error) Outcome {
	if parent.Err() != nil {
		return cancelled(fmt.Sprintf("%s turn cancelled", id))
	}
	if webCtx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
		return failed(provider.CodeTimeout, "%s did not answer within %s", id, timeout)
	}
	code := provider.CodeOf(err)
	message := err.Error()
	var typed *provider.Error
	if errors.As(err, &typed) && typed.Message != "" {
		message = typed.Message
	}
	return failed(code, "%s: %s", id, message)
}

// viaBridge posts the task to the mailbox and waits for a content script to
// resolve it. Unclaimed tasks move to the headless worker after the grace
// period when one is configured.
func (p *Processor) viaBridge(ctx context.Context, id provider.ID, prompt string, timeout time.Duration, hooks Hooks) (session.RunResult, string, error) {
	mailbox := p.cfg.Mailbox
	ticket, err := p.enqueue(ctx, id, prompt, timeout)
	if err != nil {
		return session.RunResult{}, "", err
	}
	hooks.log("[web] task %s queued for %s", ticket.TaskID, id)

	var graceC <-chan time.Time
	if p.cfg.Worker != nil && p.cfg.ClaimGrace > 0 {
		grace := time.NewTimer(p.cfg.ClaimGrace)
		defer grace.Stop()
		graceC = grace.C
	}
	var stallC <-chan time.Time
	var stall *time.Timer
	defer func() {
		if stall != nil {
			stall.Stop()
		}
	}()
	waiting := false

	for {
		select {
		case update := <-ticket.Stages:
			graceC = nil
			hooks.log("[web] %s: %s %s", id, update.Stage, update.Detail)
			switch {
			case update.Stage == bridge.TaskWaitingUserSend && !waiting:
				waiting = true
				hooks.waiting(fmt.Sprintf("waiting for the user to send the %s prompt", id))
				if p.cfg.StallWarn > 0 {
					stall = time.NewTimer(p.cfg.StallWarn)
					stallC = stall.C
				}
			case update.Stage == bridge.TaskResponding && waiting:
				waiting = false
				stallC = nil
				hooks.resumed(fmt.Sprintf("%s is responding", id))
			}
		case outcome := <-ticket.Done:
			if waiting {
				hooks.resumed(fmt.Sprintf("%s task finished", id))
			}
			if outcome.Err != nil {
				return session.RunResult{}, evidence.ModeBridgeAssisted, outcome.Err
			}
			meta := outcome.Result.Meta
			if meta == nil {
				meta = map[string]any{}
			}
			if _, ok := meta["url"]; !ok && outcome.Result.PageURL != "" {
				meta["url"] = outcome.Result.PageURL
			}
			return session.RunResult{OK: true, Text: outcome.Result.Text, Raw: outcome.Result.Raw, Meta: meta}, evidence.ModeBridgeAssisted, nil
		case <-graceC:
			graceC = nil
			if mailbox.Withdraw(ticket.TaskID) {
				hooks.log("[web] no tab claimed %s within %s, using the headless worker", id, p.cfg.ClaimGrace)
				result, err := p.viaWorker(ctx, id, prompt, timeout, hooks)
				return result, ModeHeadlessWorker, err
			}
		case <-stallC:
			stallC = nil
			hooks.log("[web] %s prompt has not been sent for %s", id, p.cfg.StallWarn)
			p.logger.Warn("web turn stalled waiting for user send", "provider", id, "task_id", ticket.TaskID)
		case <-ctx.Done():
			mailbox.Cancel(ticket.TaskID)
			return session.RunResult{}, evidence.ModeBridgeAssisted, ctx.Err()
		}
	}
}

// enqueue waits for the provider's mailbox slot when another node holds it.
func (p *Processor) enqueue(ctx context.Context, id provider.ID, prompt string, timeout time.Duration) (*bridge.Ticket, error) {
	for {
		ticket, err := p.cfg.Mailbox.Enqueue(id, prompt, int(timeout/time.Millisecond))
		if !errors.Is(err, bridge.ErrProviderBusy) {
			return ticket, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(busyPoll):
		}
	}
}

// workerSlot returns the provider's single-token semaphore.
func (p *Processor) workerSlot(id provider.ID) chan struct{} {
	p.slotsMu.Lock()
	defer p.slotsMu.Unlock()
	slot, ok := p.workerSlots[id]
	if !ok {
		slot = make(chan struct{}, 1)
		p.workerSlots[id] = slot
	}
	return slot
}

// viaWorker runs the turn on the headless worker. Turns for a provider that
// is already running there queue until it is free.
func (p *Processor) viaWorker(ctx context.Context, id provider.ID, prompt string, timeout time.Duration, hooks Hooks) (session.RunResult, error) {
	if p.cfg.Worker == nil {
		return session.RunResult{}, provider.Errorf(provider.CodeInternal, "no headless worker configured")
	}
	slot := p.workerSlot(id)
	select {
	case slot <- struct{}{}:
	default:
		hooks.log("[worker] %s is busy, waiting for its turn", id)
		select {
		case slot <- struct{}{}:
		case <-ctx.Done():
			return session.RunResult{}, ctx.Err()
		}
	}
	defer func() { <-slot }()

	return p.cfg.Worker.Run(ctx, session.RunRequest{
		Provider:  id,
		Prompt:    prompt,
		TimeoutMs: int(timeout / time.Millisecond),
	}, func(stage, message string) {
		hooks.log("[worker] %s: %s %s", id, stage, message)
	})
}

// ManualInbox holds web turns waiting for a user to paste the answer.
type ManualInbox struct {
	mu      sync.Mutex
	waiting map[string]chan string
}

func NewManualInbox() *ManualInbox {
	return &ManualInbox{waiting: map[string]chan string{}}
}

func manualKey(runID, nodeID string) string {
	return runID + "/" + nodeID
}

func (m *ManualInbox) await(ctx context.Context, runID, nodeID string) (string, error) {
	key := manualKey(runID, nodeID)
	ch := make(chan string, 1)
	m.mu.Lock()
	m.waiting[key] = ch
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		if m.waiting[key] == ch {
			delete(m.waiting, key)
		}
		m.mu.Unlock()
	}()
	select {
	case text := <-ch:
		return text, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Deliver hands a pasted answer to the waiting node.
func (m *ManualInbox) Deliver(runID, nodeID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := manualKey(runID, nodeID)
	ch, ok := m.waiting[key]
	if !ok {
		return ErrNotWaiting
	}
	delete(m.waiting, key)
	ch <- text
	return nil
}

// Waiting lists nodes of a run that wait for a manual answer.
func (m *ManualInbox) Waiting(runID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := runID + "/"
	nodes := []string{}
	for key := range m.waiting {
		if nodeID, ok := strings.CutPrefix(key, prefix); ok {
			nodes = append(nodes, nodeID)
		}
	}
	return nodes
}
