package session

import (
	"time"

	"github.com/Keyring-Network/railgraph/internal/provider"
)

const DefaultRunTimeout = 90 * time.Second

type RunRequest struct {
	Provider  provider.ID `json:"provider"`
	Prompt    string      `json:"prompt"`
	TimeoutMs int         `json:"timeoutMs,omitempty"`
}

func (r RunRequest) Timeout() time.Duration {
	if r.TimeoutMs <= 0 {
		return DefaultRunTimeout
	}
	return time.Duration(r.TimeoutMs) * time.Millisecond
}

// ProgressFunc receives stage names such as navigation, prompt_filled and
// response_streaming with a human readable message.
type ProgressFunc func(stage, message string)

type RunResult struct {
	OK   bool           `json:"ok"`
	Text string         `json:"text"`
	Raw  any            `json:"raw,omitempty"`
	Meta map[string]any `json:"meta,omitempty"`
}

type SessionInfo struct {
	OK           bool                  `json:"ok"`
	Provider     provider.ID           `json:"provider"`
	URL          string                `json:"url"`
	SessionState provider.SessionState `json:"sessionState"`
}

type ResetInfo struct {
	OK         bool        `json:"ok"`
	Provider   provider.ID `json:"provider"`
	ProfileDir string      `json:"profileDir"`
}

type ProviderHealth struct {
	ContextOpen  bool                  `json:"contextOpen"`
	ProfileDir   string                `json:"profileDir"`
	URL          string                `json:"url"`
	SessionState provider.SessionState `json:"sessionState"`
}

type Health struct {
	Running        bool                           `json:"running"`
	LastError      string                         `json:"lastError,omitempty"`
	Providers      map[provider.ID]ProviderHealth `json:"providers"`
	LogPath        string                         `json:"logPath"`
	ProfileRoot    string                         `json:"profileRoot"`
	ActiveProvider string                         `json:"activeProvider,omitempty"`
}
