package processor

import (
	"regexp"
	"strings"

	"github.com/expr-lang/expr"

	"github.com/Keyring-Network/railgraph/internal/evidence"
	"github.com/Keyring-Network/railgraph/internal/graph"
	"github.com/Keyring-Network/railgraph/internal/provider"
	"github.com/Keyring-Network/railgraph/internal/store"
)

const (
	DecisionPass   = "PASS"
	DecisionReject = "REJECT"
)

var (
	decisionJSON  = regexp.MustCompile(`"DECISION"\s*:\s*"(PASS|REJECT)"`)
	rejectKeyword = regexp.MustCompile(`\bREJECT\b`)
	passKeyword   = regexp.MustCompile(`\bPASS\b`)
)

func gate(cfg graph.GateConfig, input any, children []string, hooks Hooks) Outcome {
	if len(cfg.Schema) > 0 {
		compiled, err := compileSchema(cfg.Schema)
		if err != nil {
			return failed(provider.CodeInternal, "gate schema is invalid: %v", err)
		}
		if problems := validate(compiled, input); len(problems) > 0 {
			return failed(provider.CodeInternal, "gate input failed schema validation: %s", strings.Join(problems, "; "))
		}
	}

	raw := rawDecision(cfg, input)
	var decision, fallback string
	if strings.TrimSpace(cfg.Expression) != "" {
		pass, err := evalExpression(cfg.Expression, input, raw)
		if err != nil {
			return failed(provider.CodeInternal, "gate expression failed: %v", err)
		}
		decision = DecisionReject
		if pass {
			decision = DecisionPass
		}
	} else {
		decision, fallback = parseDecision(raw, input)
		if fallback != "" {
			hooks.log("[gate] %s", fallback)
		}
		if decision == "" {
			return failed(provider.CodeInternal, "gate decision must be PASS or REJECT, got %q", raw)
		}
	}

	allowed := ""
	if decision == DecisionPass {
		allowed = firstNonEmpty(cfg.PassNodeID, childAt(children, 0))
	} else {
		allowed = firstNonEmpty(cfg.RejectNodeID, childAt(children, 1))
	}
	excluded := []string{}
	for _, child := range children {
		if child != allowed {
			excluded = append(excluded, child)
		}
	}
	target := allowed
	if target == "" {
		target = "none"
	}
	output := map[string]any{"decision": decision, "pass": decision == DecisionPass}
	if fallback != "" {
		output["fallback"] = fallback
	} else {
		output["fallback"] = nil
	}
	return Outcome{
		Status:   store.StatusDone,
		Output:   output,
		Excluded: excluded,
		Message:  "decision=" + decision + ", next=" + target,
	}
}

func rawDecision(cfg graph.GateConfig, input any) string {
	path := cfg.DecisionPath
	if strings.TrimSpace(path) == "" {
		path = "DECISION"
	}
	candidates := []string{path}
	switch path {
	case "DECISION":
		candidates = append(candidates, "decision")
	case "decision":
		candidates = append(candidates, "DECISION")
	}
	for _, candidate := range candidates {
		if value, ok := evidence.GetByPath(input, candidate); ok && value != nil {
			return strings.TrimSpace(evidence.Stringify(value))
		}
		if raw, ok := evidence.GetByPath(input, "raw."+candidate); ok && raw != nil {
			return strings.TrimSpace(evidence.Stringify(raw))
		}
	}
	return ""
}

// parseDecision reads PASS/REJECT, falling back to a JSON pattern in the
// text and then to keywords. The second value notes which fallback applied.
func parseDecision(raw string, input any) (string, string) {
	switch strings.ToUpper(raw) {
	case DecisionPass:
		return DecisionPass, ""
	case DecisionReject:
		return DecisionReject, ""
	}
	text := strings.ToUpper(evidence.Stringify(input))
	if match := decisionJSON.FindStringSubmatch(text); match != nil {
		return match[1], "decision inferred from JSON text: " + match[1]
	}
	if rejectKeyword.MatchString(text) {
		return DecisionReject, "decision inferred from REJECT keyword"
	}
	if passKeyword.MatchString(text) {
		return DecisionPass, "decision inferred from PASS keyword"
	}
	return "", ""
}

func evalExpression(expression string, input any, raw string) (bool, error) {
	env := map[string]any{
		"input":    input,
		"decision": strings.ToUpper(raw),
		"text":     evidence.Stringify(input),
	}
	program, err := expr.Compile(expression, expr.Env(env), expr.AsBool())
	if err != nil {
		return false, err
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return false, err
	}
	pass, _ := out.(bool)
	return pass, nil
}

func childAt(children []string, i int) string {
	if i < len(children) {
		return children[i]
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
