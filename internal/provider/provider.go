package provider

import (
	"sort"
	"strings"
)

type ID string

const (
	Gemini     ID = "gemini"
	GPT        ID = "gpt"
	Grok       ID = "grok"
	Perplexity ID = "perplexity"
	Claude     ID = "claude"
)

// Spec describes how a provider's chat page is reached and read.
type Spec struct {
	ID                  ID
	HomeURLs            []string
	ActiveSignals       []string
	LoginSignals        []string
	InputSelectors      []string
	ResponseSelectors   []string
	SubmitSelectors     []string
	GenerationSelectors []string
	MinResponseChars    int
}

const defaultMinResponseChars = 24

var specs = map[ID]Spec{
	Gemini: {
		ID:            Gemini,
		HomeURLs:      []string{"https://gemini.google.com/app", "https://gemini.google.com/"},
		ActiveSignals: []string{"gemini.google.com/app"},
		LoginSignals:  []string{"accounts.google.com"},
		InputSelectors: []string{
			`textarea[aria-label*="prompt" i]`,
			`div[contenteditable="true"][role="textbox"]`,
			`div[contenteditable="true"][aria-label*="prompt" i]`,
			`rich-textarea div[contenteditable="true"]`,
			`textarea`,
		},
		ResponseSelectors: []string{
			`[data-message-author-role="model"]`,
			`model-response`,
			`main article`,
			`main .markdown`,
		},
		SubmitSelectors: []string{
			`button[aria-label*="Send" i]`,
			`button[type="submit"]`,
		},
		GenerationSelectors: []string{
			`button[aria-label*="Stop" i]`,
			`button[data-testid*="stop" i]`,
		},
	},
	GPT: {
		ID:            GPT,
		HomeURLs:      []string{"https://chatgpt.com/"},
		ActiveSignals: []string{"chatgpt.com"},
		LoginSignals:  []string{"auth.openai.com", "chatgpt.com/auth"},
		InputSelectors: []string{
			`#prompt-textarea`,
			`textarea[placeholder*="Message" i]`,
			`div[contenteditable="true"][id*="prompt" i]`,
			`textarea`,
		},
		ResponseSelectors: []string{
			`[data-message-author-role="assistant"]`,
			`article[data-testid*="assistant" i]`,
			`[data-testid*="assistant" i]`,
		},
		SubmitSelectors: []string{
			`button[data-testid*="send" i]`,
			`button[aria-label*="Send" i]`,
			`button[type="submit"]`,
		},
		GenerationSelectors: []string{
			`button[data-testid*="stop" i]`,
			`button[aria-label*="Stop" i]`,
		},
	},
	Grok: {
		ID:            Grok,
		HomeURLs:      []string{"https://grok.com/"},
		ActiveSignals: []string{"grok.com"},
		LoginSignals:  []string{"accounts.x.com", "x.com/i/flow/login", "grok.com/login"},
		InputSelectors: []string{
			`textarea[placeholder*="Ask" i]`,
			`div[contenteditable="true"]`,
			`textarea`,
		},
		ResponseSelectors: []string{
			`[data-message-author-role='assistant']`,
			`[data-testid*='assistant' i]`,
			`[data-testid*='answer' i]`,
		},
		SubmitSelectors: []string{
			`button[aria-label*="Send" i]`,
			`button[data-testid*="send" i]`,
			`button[type="submit"]`,
		},
		GenerationSelectors: []string{
			`button[data-testid*="stop" i]`,
			`button[aria-label*="Stop" i]`,
		},
	},
	Perplexity: {
		ID:            Perplexity,
		HomeURLs:      []string{"https://www.perplexity.ai/"},
		ActiveSignals: []string{"perplexity.ai"},
		LoginSignals:  []string{"perplexity.ai/sign-in", "perplexity.ai/login"},
		InputSelectors: []string{
			`textarea[placeholder*="Ask" i]`,
			`div[contenteditable="true"]`,
			`textarea`,
		},
		ResponseSelectors: []string{
			`[data-testid*='answer' i]`,
			`[data-message-author-role='assistant']`,
		},
		SubmitSelectors: []string{
			`button[aria-label*="Submit" i]`,
			`button[aria-label*="Send" i]`,
			`button[type="submit"]`,
		},
		GenerationSelectors: []string{
			`button[aria-label*="Stop" i]`,
			`[data-testid*="stop" i]`,
		},
	},
	Claude: {
		ID:            Claude,
		HomeURLs:      []string{"https://claude.ai/"},
		ActiveSignals: []string{"claude.ai"},
		LoginSignals:  []string{"claude.ai/login"},
		InputSelectors: []string{
			`div[contenteditable="true"][role="textbox"]`,
			`textarea[placeholder*="Message" i]`,
			`textarea`,
		},
		ResponseSelectors: []string{
			`[data-message-author-role='assistant']`,
			`[data-testid*='assistant' i]`,
			`[data-testid*='answer' i]`,
		},
		SubmitSelectors: []string{
			`button[aria-label*="Send" i]`,
			`button[type="submit"]`,
		},
		GenerationSelectors: []string{
			`button[aria-label*="Stop" i]`,
			`button[data-testid*="stop" i]`,
		},
	},
}

// SignInMarkers are DOM selectors whose visibility indicates a sign-in wall.
var SignInMarkers = []string{
	`input[type="email"]`,
	`input[type="password"]`,
	`a[href*="login" i]`,
	`a[href*="signin" i]`,
	`button[data-testid*="login" i]`,
}

func Normalize(raw string) ID {
	return ID(strings.ToLower(strings.TrimSpace(raw)))
}

func Lookup(id ID) (Spec, bool) {
	spec, ok := specs[Normalize(string(id))]
	if !ok {
		return Spec{}, false
	}
	if spec.MinResponseChars == 0 {
		spec.MinResponseChars = defaultMinResponseChars
	}
	return spec, true
}

func Supported(id ID) bool {
	_, ok := specs[Normalize(string(id))]
	return ok
}

func All() []ID {
	ids := make([]ID, 0, len(specs))
	for id := range specs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

type SessionState string

const (
	SessionActive        SessionState = "active"
	SessionLoginRequired SessionState = "login_required"
	SessionUnknown       SessionState = "unknown"
)

// InferSessionState classifies a sanitized page URL against the provider's
// login and active signals. Login signals take precedence.
func InferSessionState(id ID, pageURL string) SessionState {
	spec, ok := Lookup(id)
	if !ok || strings.TrimSpace(pageURL) == "" {
		return SessionUnknown
	}
	lower := strings.ToLower(pageURL)
	for _, signal := range spec.LoginSignals {
		if strings.Contains(lower, signal) {
			return SessionLoginRequired
		}
	}
	for _, signal := range spec.ActiveSignals {
		if strings.Contains(lower, signal) {
			return SessionActive
		}
	}
	return SessionUnknown
}
