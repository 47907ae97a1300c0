// Package processor executes a single graph node: it resolves the node's
// input from its parents, runs it and reports one terminal outcome.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Keyring-Network/railgraph/internal/bridge"
	"github.com/Keyring-Network/railgraph/internal/evidence"
	"github.com/Keyring-Network/railgraph/internal/graph"
	"github.com/Keyring-Network/railgraph/internal/llm"
	"github.com/Keyring-Network/railgraph/internal/logging"
	"github.com/Keyring-Network/railgraph/internal/provider"
	"github.com/Keyring-Network/railgraph/internal/session"
	"github.com/Keyring-Network/railgraph/internal/store"
)

const DefaultWebTimeout = 180 * time.Second

var (
	minWebTimeout = 5 * time.Second
	busyPoll      = 250 * time.Millisecond
)

// TurnEngine runs engine turns. llm.Provider implementations satisfy it.
type TurnEngine interface {
	Generate(ctx context.Context, messages []llm.Message) (string, error)
}

// WebRunner executes a web turn in a headless browser; worker.Client and
// session.Manager both satisfy it.
type WebRunner interface {
	Run(ctx context.Context, req session.RunRequest, progress session.ProgressFunc) (session.RunResult, error)
}

type Config struct {
	Engine     TurnEngine
	Mailbox    *bridge.Mailbox
	Worker     WebRunner
	Manual     *ManualInbox
	ClaimGrace time.Duration
	StallWarn  time.Duration
	WebTimeout time.Duration
	Logger     *slog.Logger
}

type Processor struct {
	cfg    Config
	logger *slog.Logger

	slotsMu sync.Mutex
	// workerSlots holds one token per provider; a web turn owns the
	// provider on the headless worker while it holds the token.
	workerSlots map[provider.ID]chan struct{}
}

func New(cfg Config) *Processor {
	if cfg.Logger == nil {
		cfg.Logger = logging.New("processor")
	}
	if cfg.Manual == nil {
		cfg.Manual = NewManualInbox()
	}
	if cfg.WebTimeout <= 0 {
		cfg.WebTimeout = DefaultWebTimeout
	}
	return &Processor{cfg: cfg, logger: cfg.Logger, workerSlots: map[provider.ID]chan struct{}{}}
}

// Manual returns the inbox that manual web turns wait on.
func (p *Processor) Manual() *ManualInbox {
	return p.cfg.Manual
}

// Snapshot is the read-only view of the run a node executes against.
type Snapshot struct {
	Question string
	// Incoming counts all incoming edges; Parents lists only live ones.
	Incoming int
	Parents  []string
	Children []string
	IsSink   bool
	Outputs  map[string]any
	Evidence map[string][]store.EvidenceEnvelope
	Memory   map[string]store.NodeMemory
}

type Task struct {
	RunID    string
	Node     graph.Node
	Snapshot Snapshot
}

// Hooks lets the scheduler observe a node while it runs.
type Hooks struct {
	Log     func(message string)
	Waiting func(message string)
	Resumed func(message string)
}

func (h Hooks) log(format string, args ...any) {
	if h.Log != nil {
		h.Log(fmt.Sprintf(format, args...))
	}
}

func (h Hooks) waiting(message string) {
	if h.Waiting != nil {
		h.Waiting(message)
	}
}

func (h Hooks) resumed(message string) {
	if h.Resumed != nil {
		h.Resumed(message)
	}
}

// Outcome is the single terminal result of a node.
type Outcome struct {
	Status   store.NodeStatus
	Output   any
	Message  string
	Code     provider.Code
	Excluded []string
	Envelope *store.EvidenceEnvelope
}

func failed(code provider.Code, format string, args ...any) Outcome {
	return Outcome{Status: store.StatusFailed, Code: code, Message: fmt.Sprintf(format, args...)}
}

func cancelled(message string) Outcome {
	return Outcome{Status: store.StatusCancelled, Code: provider.CodeCancelled, Message: message}
}

// ResolveInput picks what a node consumes: the question for roots, the
// single live parent's output, or a map of live parents. Sink turns with
// several live parents get a synthesis packet instead.
func ResolveInput(node graph.Node, snap Snapshot) any {
	if snap.Incoming == 0 {
		return snap.Question
	}
	if node.Type == graph.NodeTurn && snap.IsSink && len(snap.Parents) > 1 {
		return synthesisPacket(snap).AsMap()
	}
	if len(snap.Parents) == 1 {
		return snap.Outputs[snap.Parents[0]]
	}
	merged := make(map[string]any, len(snap.Parents))
	for _, parent := range snap.Parents {
		merged[parent] = snap.Outputs[parent]
	}
	return merged
}

func synthesisPacket(snap Snapshot) evidence.SynthesisPacket {
	latest := make([]store.EvidenceEnvelope, 0, len(snap.Parents))
	all := []store.EvidenceEnvelope{}
	for _, parent := range snap.Parents {
		envelopes := snap.Evidence[parent]
		if len(envelopes) == 0 {
			continue
		}
		latest = append(latest, envelopes[len(envelopes)-1])
		all = append(all, envelopes...)
	}
	memory := make(map[string]store.NodeMemory, len(snap.Parents))
	for _, parent := range snap.Parents {
		if entry, ok := snap.Memory[parent]; ok {
			memory[parent] = entry
		}
	}
	return evidence.SynthesisPacket{
		Question:  snap.Question,
		Evidence:  latest,
		Conflicts: evidence.BuildConflictLedger(all),
		Memory:    memory,
	}
}

// Execute runs one node. Node-level problems come back as a failed
// Outcome; the error is reserved for faults the scheduler must surface.
func (p *Processor) Execute(ctx context.Context, task Task, hooks Hooks) (Outcome, error) {
	node := task.Node
	if err := ctx.Err(); err != nil {
		return cancelled("run cancelled before node start"), nil
	}
	input := ResolveInput(node, task.Snapshot)

	var (
		outcome Outcome
		source  string
		role    string
		prov    string
	)
	switch node.Type {
	case graph.NodeInput:
		outcome = Outcome{Status: store.StatusDone, Output: task.Snapshot.Question, Message: "question ready"}
		source = evidence.SourceInput
	case graph.NodeTurn:
		if node.Turn == nil {
			return Outcome{}, fmt.Errorf("turn node %s has no turn config", node.ID)
		}
		role = node.Turn.Role
		if node.IsWebTurn() {
			source = evidence.SourceWeb
			prov = string(provider.Normalize(string(node.Turn.Provider)))
			outcome = p.webTurn(ctx, task, input, hooks)
		} else {
			source = evidence.SourceEngine
			outcome = p.engineTurn(ctx, node, input, hooks)
		}
	case graph.NodeTransform:
		if node.Transform == nil {
			return Outcome{}, fmt.Errorf("transform node %s has no transform config", node.ID)
		}
		source = evidence.SourceTransform
		outcome = transform(*node.Transform, input)
	case graph.NodeGate:
		if node.Gate == nil {
			return Outcome{}, fmt.Errorf("gate node %s has no gate config", node.ID)
		}
		source = evidence.SourceGate
		outcome = gate(*node.Gate, input, task.Snapshot.Children, hooks)
	default:
		return Outcome{}, fmt.Errorf("node %s has unknown type %q", node.ID, node.Type)
	}

	if outcome.Status == store.StatusFailed && ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled) {
		outcome = cancelled(outcome.Message)
	}
	if outcome.Status.Succeeded() {
		envelope := evidence.NormalizeEnvelope(evidence.EnvelopeInput{
			NodeID:     node.ID,
			Role:       role,
			Provider:   prov,
			SourceType: source,
			Output:     outcome.Output,
		})
		outcome.Envelope = &envelope
	}
	return outcome, nil
}

// renderPrompt substitutes {{input}}; templates without the placeholder get
// the input appended.
func renderPrompt(template string, input any) string {
	inputText := evidence.Stringify(input)
	if strings.TrimSpace(template) == "" {
		return inputText
	}
	if strings.Contains(template, "{{input}}") {
		return strings.ReplaceAll(template, "{{input}}", inputText)
	}
	if inputText == "" {
		return template
	}
	return template + "\n\n" + inputText
}
