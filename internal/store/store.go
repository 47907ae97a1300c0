package store

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/Keyring-Network/railgraph/internal/graph"
	json "github.com/goccy/go-json"
)

var ErrRunFinalized = errors.New("run record already finalized")

type NodeStatus string

const (
	StatusIdle        NodeStatus = "idle"
	StatusQueued      NodeStatus = "queued"
	StatusRunning     NodeStatus = "running"
	StatusWaitingUser NodeStatus = "waiting_user"
	StatusDone        NodeStatus = "done"
	StatusLowQuality  NodeStatus = "low_quality"
	StatusFailed      NodeStatus = "failed"
	StatusSkipped     NodeStatus = "skipped"
	StatusCancelled   NodeStatus = "cancelled"
)

func (s NodeStatus) Terminal() bool {
	switch s {
	case StatusDone, StatusLowQuality, StatusFailed, StatusSkipped, StatusCancelled:
		return true
	}
	return false
}

// Succeeded reports whether the node produced a usable output.
func (s NodeStatus) Succeeded() bool {
	return s == StatusDone || s == StatusLowQuality
}

type RunStatus string

const (
	RunRunning             RunStatus = "running"
	RunCompleted           RunStatus = "completed"
	RunCompletedLowQuality RunStatus = "completed_low_quality"
	RunFailed              RunStatus = "failed"
	RunCancelled           RunStatus = "cancelled"
)

type NodeState struct {
	Status     NodeStatus `json:"status"`
	StartedAt  string     `json:"started_at,omitempty"`
	FinishedAt string     `json:"finished_at,omitempty"`
	Logs       []string   `json:"logs,omitempty"`
	Error      string     `json:"error,omitempty"`
	Code       string     `json:"code,omitempty"`
}

type Transition struct {
	At      string     `json:"at"`
	NodeID  string     `json:"node_id"`
	Status  NodeStatus `json:"status"`
	Message string     `json:"message,omitempty"`
}

type EvidenceEnvelope struct {
	ID                string            `json:"id"`
	NodeID            string            `json:"node_id"`
	Role              string            `json:"role"`
	Provider          string            `json:"provider,omitempty"`
	SourceType        string            `json:"source_type"`
	CapturedAt        string            `json:"captured_at"`
	Text              string            `json:"text"`
	Raw               any               `json:"raw,omitempty"`
	Claims            map[string]string `json:"claims,omitempty"`
	Confidence        string            `json:"confidence"`
	Citations         []string          `json:"citations,omitempty"`
	NeedsVerification bool              `json:"needs_verification"`
}

// NodeMemory is the condensed view of a node's latest evidence that
// descendants receive in synthesis packets.
type NodeMemory struct {
	NodeID     string            `json:"node_id"`
	Role       string            `json:"role"`
	Summary    string            `json:"summary"`
	Claims     map[string]string `json:"claims,omitempty"`
	UpdatedAt  string            `json:"updated_at"`
	Confidence string            `json:"confidence"`
}

type ConflictValue struct {
	NodeID string `json:"node_id"`
	Value  string `json:"value"`
}

type Conflict struct {
	Claim  string          `json:"claim"`
	Values []ConflictValue `json:"values"`
}

type RunRecord struct {
	RunID           string                        `json:"run_id"`
	Question        string                        `json:"question"`
	StartedAt       string                        `json:"started_at"`
	FinishedAt      string                        `json:"finished_at,omitempty"`
	Status          RunStatus                     `json:"status"`
	StatusText      string                        `json:"status_text,omitempty"`
	Reason          string                        `json:"reason,omitempty"`
	Transitions     []Transition                  `json:"transitions"`
	SummaryLogs     []string                      `json:"summary_logs"`
	NodeLogs        map[string][]string           `json:"node_logs"`
	NodeStates      map[string]NodeState          `json:"node_states"`
	Outputs         map[string]any                `json:"outputs"`
	Evidence        map[string][]EvidenceEnvelope `json:"evidence"`
	RunMemory       map[string]NodeMemory         `json:"run_memory"`
	ConflictLedger  []Conflict                    `json:"conflict_ledger"`
	FinalConfidence float64                       `json:"final_confidence"`
	FinalNodeID     string                        `json:"final_node_id,omitempty"`
	FinalAnswer     string                        `json:"final_answer,omitempty"`
	GraphSnapshot   graph.Graph                   `json:"graph"`
}

// Finalized reports whether the record has been stamped as finished.
func (r RunRecord) Finalized() bool {
	return r.FinishedAt != ""
}

type RunSummary struct {
	RunID       string    `json:"run_id"`
	Question    string    `json:"question"`
	Status      RunStatus `json:"status"`
	StartedAt   string    `json:"started_at"`
	FinishedAt  string    `json:"finished_at,omitempty"`
	FinalNodeID string    `json:"final_node_id,omitempty"`
	NodeCount   int       `json:"node_count"`
}

func Summarize(r RunRecord) RunSummary {
	return RunSummary{
		RunID:       r.RunID,
		Question:    r.Question,
		Status:      r.Status,
		StartedAt:   r.StartedAt,
		FinishedAt:  r.FinishedAt,
		FinalNodeID: r.FinalNodeID,
		NodeCount:   len(r.GraphSnapshot.Nodes),
	}
}

type RunEvent struct {
	RunID     string
	Seq       int64
	Type      string
	Timestamp string
	Source    string
	TraceID   string
	Payload   map[string]any
}

type Store interface {
	SaveRun(ctx context.Context, run RunRecord) error
	GetRun(ctx context.Context, runID string) (*RunRecord, error)
	ListRuns(ctx context.Context) ([]RunSummary, error)
	DeleteRun(ctx context.Context, runID string) error
	AppendEvent(ctx context.Context, event RunEvent) error
	ListEvents(ctx context.Context, runID string, afterSeq int64) ([]RunEvent, error)
	NextSeq(ctx context.Context, runID string) (int64, error)
}

func Now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// GuardOverwrite rejects writes over a record that has already been
// finalized. Backends call it with the currently stored record, if any.
func GuardOverwrite(existing *RunRecord) error {
	if existing != nil && existing.Finalized() {
		return ErrRunFinalized
	}
	return nil
}

func EncodeRun(run RunRecord) ([]byte, error) {
	return json.Marshal(run)
}

func DecodeRun(data []byte) (*RunRecord, error) {
	var run RunRecord
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// SortSummaries orders runs newest first.
func SortSummaries(runs []RunSummary) {
	sort.SliceStable(runs, func(i, j int) bool {
		return parseTime(runs[i].StartedAt).After(parseTime(runs[j].StartedAt))
	})
}

func parseTime(value string) time.Time {
	parsed, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}
	}
	return parsed
}
