package processor

import (
	"errors"
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/google/jsonschema-go/jsonschema"

	"github.com/Keyring-Network/railgraph/internal/evidence"
)

const retryClip = 2800

// compileSchema turns a schema object from the graph into a resolved validator.
func compileSchema(raw map[string]any) (*jsonschema.Resolved, error) {
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("encode schema: %w", err)
	}
	var schema jsonschema.Schema
	if err := json.Unmarshal(encoded, &schema); err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	resolved, err := schema.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("resolve schema: %w", err)
	}
	return resolved, nil
}

// validate returns one message per violation, or nil.
func validate(resolved *jsonschema.Resolved, instance any) []string {
	normalized, err := toJSONValue(instance)
	if err != nil {
		return []string{err.Error()}
	}
	err = resolved.Validate(normalized)
	if err == nil {
		return nil
	}
	var joined interface{ Unwrap() []error }
	if errors.As(err, &joined) {
		messages := []string{}
		for _, inner := range joined.Unwrap() {
			messages = append(messages, inner.Error())
		}
		if len(messages) > 0 {
			return messages
		}
	}
	messages := []string{}
	for _, line := range strings.Split(err.Error(), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			messages = append(messages, line)
		}
	}
	return messages
}

// toJSONValue round-trips through JSON so the validator only ever sees
// maps, slices, strings, float64, bool and nil.
func toJSONValue(value any) (any, error) {
	encoded, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("instance is not JSON: %w", err)
	}
	var out any
	if err := json.Unmarshal(encoded, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// validationTarget picks the part of a turn output the schema applies to:
// the parsed raw object, JSON parsed from the text, or {text}.
func validationTarget(output any) any {
	row, ok := output.(map[string]any)
	if !ok {
		return output
	}
	if raw, ok := row["raw"]; ok && raw != nil {
		return raw
	}
	if text, ok := row["text"].(string); ok {
		if parsed, ok := parseJSONText(text); ok {
			return parsed
		}
		return map[string]any{"text": text}
	}
	return output
}

// parseJSONText accepts a bare JSON value or one fenced in ```json blocks.
func parseJSONText(text string) (any, bool) {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(trimmed), "```"))
	}
	if trimmed == "" || (trimmed[0] != '{' && trimmed[0] != '[') {
		return nil, false
	}
	var parsed any
	if err := json.Unmarshal([]byte(trimmed), &parsed); err != nil {
		return nil, false
	}
	return parsed, true
}

func clipForRetry(value any) string {
	text := strings.TrimSpace(evidence.Stringify(value))
	if text == "" {
		return "(none)"
	}
	runes := []rune(text)
	if len(runes) <= retryClip {
		return text
	}
	return string(runes[:retryClip]) + "\n...(truncated)"
}

// schemaRetryPrompt asks the engine to redo an output that failed validation.
func schemaRetryPrompt(input, previous any, schema map[string]any, problems []string) string {
	schemaText, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		schemaText = []byte(evidence.Stringify(schema))
	}
	numbered := make([]string, len(problems))
	for i, problem := range problems {
		numbered[i] = fmt.Sprintf("%d. %s", i+1, problem)
	}
	return strings.Join([]string{
		"[Original input]",
		clipForRetry(input),
		"[Previous output]",
		clipForRetry(validationTarget(previous)),
		"[Output schema (JSON)]",
		string(schemaText),
		"[Schema errors]",
		strings.Join(numbered, "\n"),
		"[Instruction]",
		"Regenerate the result so it strictly satisfies the schema above. Output only the structure the schema describes, without explanation.",
	}, "\n\n")
}
