package graph

import (
	"github.com/Keyring-Network/railgraph/internal/provider"
)

type NodeType string

const (
	NodeInput     NodeType = "input"
	NodeTurn      NodeType = "turn"
	NodeTransform NodeType = "transform"
	NodeGate      NodeType = "gate"
)

type Graph struct {
	EntryNodeID string `json:"entry_node_id,omitempty" yaml:"entry,omitempty"`
	Nodes       []Node `json:"nodes" yaml:"nodes" validate:"required,min=1,dive"`
	Edges       []Edge `json:"edges" yaml:"edges" validate:"dive"`
}

// Node carries exactly one config matching Type.
type Node struct {
	ID        string           `json:"id" yaml:"id" validate:"required"`
	Type      NodeType         `json:"type" yaml:"type" validate:"required,oneof=input turn transform gate"`
	Turn      *TurnConfig      `json:"turn,omitempty" yaml:"turn,omitempty"`
	Transform *TransformConfig `json:"transform,omitempty" yaml:"transform,omitempty"`
	Gate      *GateConfig      `json:"gate,omitempty" yaml:"gate,omitempty"`
}

type Edge struct {
	From string `json:"from" yaml:"from" validate:"required"`
	To   string `json:"to" yaml:"to" validate:"required"`
	Port string `json:"port,omitempty" yaml:"port,omitempty"`
}

type Executor string

const (
	ExecutorEngine Executor = "engine"
	ExecutorWeb    Executor = "web"
)

type WebMode string

const (
	WebModeBridge WebMode = "bridge"
	WebModeManual WebMode = "manual"
)

type TurnConfig struct {
	Executor         Executor       `json:"executor" yaml:"executor"`
	Provider         provider.ID    `json:"provider,omitempty" yaml:"provider,omitempty"`
	Role             string         `json:"role,omitempty" yaml:"role,omitempty"`
	Prompt           string         `json:"prompt,omitempty" yaml:"prompt,omitempty"`
	OutputSchema     map[string]any `json:"output_schema,omitempty" yaml:"output_schema,omitempty"`
	MaxSchemaRetries int            `json:"max_schema_retries,omitempty" yaml:"max_schema_retries,omitempty" validate:"gte=0,lte=5"`
	WebTimeoutMs     int            `json:"web_timeout_ms,omitempty" yaml:"web_timeout_ms,omitempty" validate:"gte=0"`
	WebMode          WebMode        `json:"web_mode,omitempty" yaml:"web_mode,omitempty"`
}

type TransformMode string

const (
	TransformPick     TransformMode = "pick"
	TransformMerge    TransformMode = "merge"
	TransformTemplate TransformMode = "template"
)

type TransformConfig struct {
	Mode     TransformMode  `json:"mode" yaml:"mode"`
	PickPath string         `json:"pick_path,omitempty" yaml:"pick_path,omitempty"`
	Merge    map[string]any `json:"merge,omitempty" yaml:"merge,omitempty"`
	Template string         `json:"template,omitempty" yaml:"template,omitempty"`
}

type GateConfig struct {
	DecisionPath string         `json:"decision_path,omitempty" yaml:"decision_path,omitempty"`
	Expression   string         `json:"expression,omitempty" yaml:"expression,omitempty"`
	PassNodeID   string         `json:"pass_node_id,omitempty" yaml:"pass,omitempty"`
	RejectNodeID string         `json:"reject_node_id,omitempty" yaml:"reject,omitempty"`
	Schema       map[string]any `json:"schema,omitempty" yaml:"schema,omitempty"`
}

// IsWebTurn reports whether the node submits its prompt to a web provider.
func (n Node) IsWebTurn() bool {
	return n.Type == NodeTurn && n.Turn != nil && n.Turn.Executor == ExecutorWeb
}

// IsEngineTurn reports whether the node runs on the local engine.
func (n Node) IsEngineTurn() bool {
	return n.Type == NodeTurn && !n.IsWebTurn()
}

// Index is the adjacency view computed once per run.
type Index struct {
	Nodes     map[string]Node
	Order     []string
	Indegree  map[string]int
	Children  map[string][]string
	Parents   map[string][]string
	Sinks     []string
	SinkIndex map[string]bool
}

func BuildIndex(g Graph) Index {
	idx := Index{
		Nodes:     make(map[string]Node, len(g.Nodes)),
		Order:     make([]string, 0, len(g.Nodes)),
		Indegree:  make(map[string]int, len(g.Nodes)),
		Children:  make(map[string][]string, len(g.Nodes)),
		Parents:   make(map[string][]string, len(g.Nodes)),
		SinkIndex: make(map[string]bool),
	}
	for _, node := range g.Nodes {
		idx.Nodes[node.ID] = node
		idx.Order = append(idx.Order, node.ID)
		idx.Indegree[node.ID] = 0
	}
	seen := make(map[[2]string]bool, len(g.Edges))
	for _, edge := range g.Edges {
		key := [2]string{edge.From, edge.To}
		if seen[key] {
			continue
		}
		seen[key] = true
		idx.Indegree[edge.To]++
		idx.Children[edge.From] = append(idx.Children[edge.From], edge.To)
		idx.Parents[edge.To] = append(idx.Parents[edge.To], edge.From)
	}
	for _, id := range idx.Order {
		if len(idx.Children[id]) == 0 {
			idx.Sinks = append(idx.Sinks, id)
			idx.SinkIndex[id] = true
		}
	}
	return idx
}

// Roots returns nodes without incoming edges, in declaration order.
func (idx Index) Roots() []string {
	roots := make([]string, 0, 1)
	for _, id := range idx.Order {
		if idx.Indegree[id] == 0 {
			roots = append(roots, id)
		}
	}
	return roots
}
