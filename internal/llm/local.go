package llm

import (
	"context"
	"strings"

	"github.com/Keyring-Network/railgraph/internal/provider"
)

// LocalProvider answers with the last user message. It lets graphs run
// end to end without a model server.
type LocalProvider struct{}

func (LocalProvider) Generate(ctx context.Context, messages []Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role != "user" {
			continue
		}
		if text := strings.TrimSpace(messages[i].Content); text != "" {
			return text, nil
		}
	}
	return "", provider.Errorf(provider.CodeInvalidPrompt, "local engine received no user message")
}

func (LocalProvider) Probe(ctx context.Context) error {
	return ctx.Err()
}
