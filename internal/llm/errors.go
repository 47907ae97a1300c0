package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/Keyring-Network/railgraph/internal/provider"
)

// Engine failures carry the same codes as web turns, so a failed node
// reports one taxonomy whichever executor ran it.

func unsupportedProvider(name string) error {
	return provider.Errorf(provider.CodeUnsupportedProvider, "unsupported engine provider %q", name)
}

func missingAPIKey() error {
	return provider.Errorf(provider.CodeNotLoggedIn, "missing API key for remote engine")
}

// statusCode maps a chat-completions HTTP status onto the taxonomy.
func statusCode(status int) provider.Code {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return provider.CodeNotLoggedIn
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return provider.CodeTimeout
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge, http.StatusUnprocessableEntity:
		return provider.CodeInvalidPrompt
	default:
		return provider.CodeSubmitFailed
	}
}

func statusError(resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	detail := strings.TrimSpace(string(snippet))
	code := statusCode(resp.StatusCode)
	if detail == "" {
		return provider.Errorf(code, "engine request failed: %s", resp.Status)
	}
	return provider.Errorf(code, "engine request failed: %s: %s", resp.Status, detail)
}

// transportError leaves context errors untouched so callers can still
// tell cancellation apart.
func transportError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &provider.Error{Code: provider.CodeTimeout, Message: fmt.Sprintf("engine request timed out: %v", err)}
	}
	return &provider.Error{Code: provider.CodeSubmitFailed, Message: fmt.Sprintf("engine unreachable: %v", err)}
}
