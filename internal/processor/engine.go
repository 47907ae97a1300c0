package processor

import (
	"context"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/Keyring-Network/railgraph/internal/graph"
	"github.com/Keyring-Network/railgraph/internal/llm"
	"github.com/Keyring-Network/railgraph/internal/metrics"
	"github.com/Keyring-Network/railgraph/internal/provider"
	"github.com/Keyring-Network/railgraph/internal/store"
)

const defaultSchemaRetries = 1

func (p *Processor) engineTurn(ctx context.Context, node graph.Node, input any, hooks Hooks) Outcome {
	if p.cfg.Engine == nil {
		return failed(provider.CodeInternal, "no engine configured for engine turns")
	}
	turn := node.Turn
	var compiled *jsonschema.Resolved
	if len(turn.OutputSchema) > 0 {
		var err error
		if compiled, err = compileSchema(turn.OutputSchema); err != nil {
			return failed(provider.CodeInternal, "output schema is invalid: %v", err)
		}
	}

	output, err := p.generate(ctx, turn.Role, renderPrompt(turn.Prompt, input))
	if err != nil {
		return engineFailure(ctx, err)
	}
	if compiled == nil {
		return Outcome{Status: store.StatusDone, Output: output, Message: "engine turn completed"}
	}

	problems := validate(compiled, validationTarget(output))
	if len(problems) == 0 {
		return Outcome{Status: store.StatusDone, Output: output, Message: "engine turn completed, schema ok"}
	}
	hooks.log("[schema] validation failed: %s", strings.Join(problems, "; "))

	retries := turn.MaxSchemaRetries
	if retries <= 0 {
		retries = defaultSchemaRetries
	}
	for attempt := 1; attempt <= retries && len(problems) > 0; attempt++ {
		metrics.SchemaRetries.Inc()
		hooks.log("[schema] retry %d/%d", attempt, retries)
		retried, err := p.generate(ctx, turn.Role, schemaRetryPrompt(input, output, turn.OutputSchema, problems))
		if err != nil {
			return engineFailure(ctx, err)
		}
		output = retried
		problems = validate(compiled, validationTarget(output))
	}
	if len(problems) > 0 {
		return Outcome{
			Status:  store.StatusLowQuality,
			Output:  output,
			Message: "output schema validation failed: " + strings.Join(problems, "; "),
		}
	}
	return Outcome{Status: store.StatusDone, Output: output, Message: "engine turn completed after schema retry"}
}

func (p *Processor) generate(ctx context.Context, role, prompt string) (map[string]any, error) {
	messages := make([]llm.Message, 0, 2)
	if role = strings.TrimSpace(role); role != "" {
		messages = append(messages, llm.Message{Role: "system", Content: "Your role in this workflow: " + role})
	}
	messages = append(messages, llm.Message{Role: "user", Content: prompt})
	text, err := p.cfg.Engine.Generate(ctx, messages)
	if err != nil {
		return nil, err
	}
	output := map[string]any{"text": text}
	if parsed, ok := parseJSONText(text); ok {
		output["raw"] = parsed
	}
	return output, nil
}

func engineFailure(ctx context.Context, err error) Outcome {
	if ctx.Err() != nil {
		return cancelled("engine turn interrupted: " + err.Error())
	}
	return failed(provider.CodeOf(err), "engine turn failed: %v", err)
}
