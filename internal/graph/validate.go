package graph

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/Keyring-Network/railgraph/internal/provider"
)

// ValidationError is a scheduler-fatal graph shape problem.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid graph: " + e.Reason
}

func invalid(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

var structValidator = validator.New(validator.WithRequiredStructEnabled())

func Validate(g Graph) error {
	if len(g.Nodes) == 0 {
		return invalid("graph has no nodes")
	}
	if err := structValidator.Struct(g); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			first := fieldErrs[0]
			return invalid("%s failed %q", first.Namespace(), first.Tag())
		}
		return invalid("%v", err)
	}

	ids := make(map[string]bool, len(g.Nodes))
	for _, node := range g.Nodes {
		id := strings.TrimSpace(node.ID)
		if id == "" {
			return invalid("node with empty id")
		}
		if ids[id] {
			return invalid("duplicate node id %q", id)
		}
		ids[id] = true
		if err := validateNodeConfig(node); err != nil {
			return err
		}
	}
	for _, edge := range g.Edges {
		if !ids[edge.From] {
			return invalid("edge references unknown source %q", edge.From)
		}
		if !ids[edge.To] {
			return invalid("edge references unknown target %q", edge.To)
		}
		if edge.From == edge.To {
			return invalid("self loop on %q", edge.From)
		}
	}

	idx := BuildIndex(g)
	if cycle := findCycle(idx); cycle != "" {
		return invalid("cycle detected through %q", cycle)
	}
	roots := idx.Roots()
	if len(roots) != 1 {
		return invalid("expected exactly one entry node without incoming edges, found %d (%s)", len(roots), strings.Join(roots, ","))
	}
	if g.EntryNodeID != "" && roots[0] != g.EntryNodeID {
		return invalid("entry node %q is not the graph root %q", g.EntryNodeID, roots[0])
	}
	for _, node := range g.Nodes {
		if node.Type != NodeGate || node.Gate == nil {
			continue
		}
		children := idx.Children[node.ID]
		for _, target := range []string{node.Gate.PassNodeID, node.Gate.RejectNodeID} {
			if target != "" && !contains(children, target) {
				return invalid("gate %q targets %q which is not one of its children", node.ID, target)
			}
		}
	}
	return nil
}

func validateNodeConfig(node Node) error {
	switch node.Type {
	case NodeInput:
		if node.Turn != nil || node.Transform != nil || node.Gate != nil {
			return invalid("input node %q must not carry a config", node.ID)
		}
	case NodeTurn:
		if node.Turn == nil || node.Transform != nil || node.Gate != nil {
			return invalid("turn node %q requires exactly a turn config", node.ID)
		}
		switch node.Turn.Executor {
		case ExecutorEngine, "":
		case ExecutorWeb:
			if !provider.Supported(node.Turn.Provider) {
				return invalid("turn node %q uses unsupported provider %q", node.ID, node.Turn.Provider)
			}
			switch node.Turn.WebMode {
			case "", WebModeBridge, WebModeManual:
			default:
				return invalid("turn node %q has unknown web mode %q", node.ID, node.Turn.WebMode)
			}
		default:
			return invalid("turn node %q has unknown executor %q", node.ID, node.Turn.Executor)
		}
	case NodeTransform:
		if node.Transform == nil || node.Turn != nil || node.Gate != nil {
			return invalid("transform node %q requires exactly a transform config", node.ID)
		}
		switch node.Transform.Mode {
		case "", TransformPick, TransformMerge, TransformTemplate:
		default:
			return invalid("transform node %q has unknown mode %q", node.ID, node.Transform.Mode)
		}
	case NodeGate:
		if node.Gate == nil || node.Turn != nil || node.Transform != nil {
			return invalid("gate node %q requires exactly a gate config", node.ID)
		}
	default:
		return invalid("node %q has unknown type %q", node.ID, node.Type)
	}
	return nil
}

// findCycle runs a colored DFS and returns a node on a cycle, or "".
func findCycle(idx Index) string {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(idx.Order))
	var visit func(id string) string
	visit = func(id string) string {
		color[id] = grey
		for _, child := range idx.Children[id] {
			switch color[child] {
			case grey:
				return child
			case white:
				if found := visit(child); found != "" {
					return found
				}
			}
		}
		color[id] = black
		return ""
	}
	for _, id := range idx.Order {
		if color[id] == white {
			if found := visit(id); found != "" {
				return found
			}
		}
	}
	return ""
}

func contains(values []string, target string) bool {
	for _, value := range values {
		if value == target {
			return true
		}
	}
	return false
}
