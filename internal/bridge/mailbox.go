package bridge

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/Keyring-Network/railgraph/internal/metrics"
	"github.com/Keyring-Network/railgraph/internal/provider"
)

var (
	ErrTaskNotFound  = errors.New("task not found")
	ErrProviderBusy  = errors.New("provider already has a pending task")
	ErrInvalidStage  = errors.New("invalid task stage")
	ErrInvalidPrompt = errors.New("prompt is empty")
)

type TaskStatus string

const (
	TaskPending         TaskStatus = "pending"
	TaskClaimed         TaskStatus = "claimed"
	TaskPromptFilled    TaskStatus = "prompt_filled"
	TaskWaitingUserSend TaskStatus = "waiting_user_send"
	TaskResponding      TaskStatus = "responding"
	TaskDone            TaskStatus = "done"
	TaskError           TaskStatus = "error"
)

// reportable lists the stages a claimant may report through the stage endpoint.
var reportable = map[TaskStatus]bool{
	TaskClaimed:         true,
	TaskPromptFilled:    true,
	TaskWaitingUserSend: true,
	TaskResponding:      true,
}

type Task struct {
	ID         string      `json:"id"`
	Provider   provider.ID `json:"provider"`
	Prompt     string      `json:"prompt"`
	TimeoutMs  int         `json:"timeoutMs"`
	Status     TaskStatus  `json:"status"`
	CreatedAt  time.Time   `json:"createdAt"`
	ClaimedAt  *time.Time  `json:"claimedAt,omitempty"`
	PageURL    string      `json:"pageUrl,omitempty"`
	LastDetail string      `json:"lastDetail,omitempty"`
}

// Result is the successful answer a claimant posts for a task.
type Result struct {
	Text    string         `json:"text"`
	Raw     any            `json:"raw,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`
	PageURL string         `json:"pageUrl,omitempty"`
}

// Outcome resolves a ticket exactly once: either Result or Err is set.
type Outcome struct {
	Result *Result
	Err    *provider.Error
}

type StageUpdate struct {
	TaskID  string
	Stage   TaskStatus
	Detail  string
	PageURL string
	At      time.Time
}

// Ticket is the owner's handle on an enqueued task.
type Ticket struct {
	TaskID string
	Stages <-chan StageUpdate
	Done   <-chan Outcome
}

type entry struct {
	task   Task
	stages chan StageUpdate
	done   chan Outcome
}

// ProviderActivity is what the mailbox knows about a provider's claimants.
type ProviderActivity struct {
	LastClaimAt *time.Time  `json:"lastClaimAt,omitempty"`
	PageURL     string      `json:"pageUrl,omitempty"`
	TaskID      string      `json:"taskId,omitempty"`
	TaskStatus  TaskStatus  `json:"taskStatus,omitempty"`
	Provider    provider.ID `json:"provider"`
}

// Mailbox holds at most one task per provider. The pending to claimed
// transition is a compare-and-swap under the mailbox lock.
type Mailbox struct {
	mu         sync.Mutex
	byProvider map[provider.ID]*entry
	byID       map[string]*entry
	lastClaim  map[provider.ID]time.Time
	lastPage   map[provider.ID]string
	now        func() time.Time
}

func NewMailbox() *Mailbox {
	return &Mailbox{
		byProvider: map[provider.ID]*entry{},
		byID:       map[string]*entry{},
		lastClaim:  map[provider.ID]time.Time{},
		lastPage:   map[provider.ID]string{},
		now:        time.Now,
	}
}

// NormalizePrompt trims the prompt and collapses CRLF line endings.
func NormalizePrompt(prompt string) string {
	return strings.TrimSpace(strings.ReplaceAll(prompt, "\r\n", "\n"))
}

func (m *Mailbox) Enqueue(id provider.ID, prompt string, timeoutMs int) (*Ticket, error) {
	id = provider.Normalize(string(id))
	if !provider.Supported(id) {
		return nil, provider.Errorf(provider.CodeUnsupportedProvider, "unsupported provider %q", id)
	}
	prompt = NormalizePrompt(prompt)
	if prompt == "" {
		return nil, ErrInvalidPrompt
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.byProvider[id]; busy {
		return nil, ErrProviderBusy
	}
	e := &entry{
		task: Task{
			ID:        ulid.Make().String(),
			Provider:  id,
			Prompt:    prompt,
			TimeoutMs: timeoutMs,
			Status:    TaskPending,
			CreatedAt: m.now().UTC(),
		},
		stages: make(chan StageUpdate, 16),
		done:   make(chan Outcome, 1),
	}
	m.byProvider[id] = e
	m.byID[e.task.ID] = e
	metrics.BridgePending.Set(float64(len(m.byID)))
	return &Ticket{TaskID: e.task.ID, Stages: e.stages, Done: e.done}, nil
}

// Claim hands the provider's pending task to the caller. It returns nil
// when nothing is pending; such calls only refresh the provider activity.
func (m *Mailbox) Claim(id provider.ID, pageURL string) *Task {
	id = provider.Normalize(string(id))
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now().UTC()
	m.lastClaim[id] = now
	if pageURL != "" {
		m.lastPage[id] = pageURL
	}
	e, ok := m.byProvider[id]
	if !ok || !e.compareAndSwap(TaskPending, TaskClaimed) {
		return nil
	}
	e.task.ClaimedAt = &now
	e.task.PageURL = pageURL
	e.notify(StageUpdate{TaskID: e.task.ID, Stage: TaskClaimed, PageURL: pageURL, At: now})
	claimed := e.task
	return &claimed
}

func (e *entry) compareAndSwap(from, to TaskStatus) bool {
	if e.task.Status != from {
		return false
	}
	e.task.Status = to
	return true
}

// notify never blocks; an owner that stopped reading misses intermediate stages.
func (e *entry) notify(update StageUpdate) {
	select {
	case e.stages <- update:
	default:
	}
}

func (m *Mailbox) Stage(taskID string, stage TaskStatus, detail, pageURL string) error {
	if !reportable[stage] {
		return ErrInvalidStage
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byID[taskID]
	if !ok || e.task.Status == TaskPending {
		return ErrTaskNotFound
	}
	e.task.Status = stage
	e.task.LastDetail = detail
	if pageURL != "" {
		e.task.PageURL = pageURL
	}
	e.notify(StageUpdate{TaskID: taskID, Stage: stage, Detail: detail, PageURL: pageURL, At: m.now().UTC()})
	return nil
}

func (m *Mailbox) Resolve(taskID string, result Result) error {
	e, err := m.finish(taskID, TaskDone)
	if err != nil {
		return err
	}
	metrics.BridgeTasks.WithLabelValues(string(e.task.Provider), "done").Inc()
	e.done <- Outcome{Result: &result}
	return nil
}

func (m *Mailbox) Fail(taskID string, code provider.Code, message string) error {
	e, err := m.finish(taskID, TaskError)
	if err != nil {
		return err
	}
	if code == "" {
		code = provider.CodeBridgeCaptureFailed
	}
	metrics.BridgeTasks.WithLabelValues(string(e.task.Provider), string(code)).Inc()
	e.done <- Outcome{Err: &provider.Error{Code: code, Message: message}}
	return nil
}

// finish removes a claimed task. Results for a task nobody claimed are refused.
func (m *Mailbox) finish(taskID string, status TaskStatus) (*entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byID[taskID]
	if !ok || e.task.Status == TaskPending {
		return nil, ErrTaskNotFound
	}
	e.task.Status = status
	m.removeLocked(e)
	return e, nil
}

// Withdraw removes a task that is still pending and reports whether it did.
// A task that was already claimed stays with its claimant.
func (m *Mailbox) Withdraw(taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byID[taskID]
	if !ok || e.task.Status != TaskPending {
		return false
	}
	m.removeLocked(e)
	metrics.BridgeTasks.WithLabelValues(string(e.task.Provider), "withdrawn").Inc()
	return true
}

// Cancel removes a task in any state. Late results for it get ErrTaskNotFound.
func (m *Mailbox) Cancel(taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byID[taskID]
	if !ok {
		return false
	}
	m.removeLocked(e)
	metrics.BridgeTasks.WithLabelValues(string(e.task.Provider), "cancelled").Inc()
	return true
}

func (m *Mailbox) removeLocked(e *entry) {
	delete(m.byID, e.task.ID)
	if current, ok := m.byProvider[e.task.Provider]; ok && current == e {
		delete(m.byProvider, e.task.Provider)
	}
	metrics.BridgePending.Set(float64(len(m.byID)))
}

func (m *Mailbox) Get(taskID string) (Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byID[taskID]
	if !ok {
		return Task{}, false
	}
	return e.task, true
}

func (m *Mailbox) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, e := range m.byID {
		if e.task.Status == TaskPending {
			count++
		}
	}
	return count
}

// Activity reports claim polling and task state for every supported provider.
func (m *Mailbox) Activity() map[provider.ID]ProviderActivity {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[provider.ID]ProviderActivity, len(provider.All()))
	for _, id := range provider.All() {
		activity := ProviderActivity{Provider: id, PageURL: m.lastPage[id]}
		if at, ok := m.lastClaim[id]; ok {
			at := at
			activity.LastClaimAt = &at
		}
		if e, ok := m.byProvider[id]; ok {
			activity.TaskID = e.task.ID
			activity.TaskStatus = e.task.Status
		}
		out[id] = activity
	}
	return out
}
