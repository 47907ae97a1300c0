// Package session owns one persistent browser profile per provider and drives
// provider chat pages: navigation, prompt submission and answer extraction.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Keyring-Network/railgraph/internal/extract"
	"github.com/Keyring-Network/railgraph/internal/logging"
	"github.com/Keyring-Network/railgraph/internal/provider"
)

const (
	inputWaitTimeout = 15 * time.Second
	inputPoll        = 200 * time.Millisecond
	// ExtractionStrategy labels results produced by this package.
	ExtractionStrategy = "dom-bottom-most-stable-text"
)

type Config struct {
	ProfileRoot     string
	LogPath         string
	Launcher        Launcher
	AuthGraceWindow time.Duration
	AuthGraceProbes int
	// Poll and Quiet tune the stability extractor; zero keeps its defaults.
	Poll   time.Duration
	Quiet  time.Duration
	Logger *slog.Logger
}

// Handle is a live browser context bound to one provider profile.
type Handle struct {
	Provider   provider.ID
	ProfileDir string
	page       Page

	mu     sync.Mutex
	closed bool
	url    string
}

func (h *Handle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return true
	}
	select {
	case <-h.page.Done():
		h.closed = true
	default:
	}
	return h.closed
}

func (h *Handle) setURL(raw string) {
	h.mu.Lock()
	h.url = SanitizeURL(raw)
	h.mu.Unlock()
}

func (h *Handle) URL() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.url
}

type authState struct {
	lastSuccess time.Time
	probes      int
}

type Manager struct {
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
	inputWait time.Duration
	// launches collapses concurrent launches per provider; mu is never held
	// across a Launcher call.
	launches singleflight.Group

	mu        sync.Mutex
	handles   map[provider.ID]*Handle
	auth      map[provider.ID]*authState
	lastError string
}

func NewManager(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.New("session")
	}
	return &Manager{
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
		inputWait: inputWaitTimeout,
		handles:   map[provider.ID]*Handle{},
		auth:      map[provider.ID]*authState{},
	}
}

func (m *Manager) ProfileDir(id provider.ID) string {
	return filepath.Join(m.cfg.ProfileRoot, string(id)+"-profile")
}

// Ensure returns the provider's open handle, launching a browser context
// on its profile directory when none is open.
func (m *Manager) Ensure(ctx context.Context, id provider.ID) (*Handle, error) {
	id = provider.Normalize(string(id))
	if !provider.Supported(id) {
		return nil, provider.Errorf(provider.CodeUnsupportedProvider, "unsupported provider %q", id)
	}
	if current := m.openHandle(id); current != nil {
		return current, nil
	}
	if m.cfg.Launcher == nil {
		return nil, provider.Errorf(provider.CodeBrowserMissing, "no browser launcher configured")
	}
	launched, err, _ := m.launches.Do(string(id), func() (any, error) {
		if current := m.openHandle(id); current != nil {
			return current, nil
		}
		handle, err := m.launch(ctx, id)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		m.handles[id] = handle
		m.mu.Unlock()
		return handle, nil
	})
	if err != nil {
		return nil, err
	}
	return launched.(*Handle), nil
}

func (m *Manager) openHandle(id provider.ID) *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.handles[id]; ok && !current.Closed() {
		return current
	}
	return nil
}

func (m *Manager) launch(ctx context.Context, id provider.ID) (*Handle, error) {
	profileDir := m.ProfileDir(id)
	if err := hardenDir(profileDir); err != nil {
		return nil, provider.Errorf(provider.CodeInternal, "prepare profile dir: %v", err)
	}
	m.logger.Info("launching browser context", "provider", id, "profile_dir", profileDir)
	page, err := m.cfg.Launcher(ctx, profileDir)
	if err != nil {
		if provider.CodeOf(err) == provider.CodeInternal {
			return nil, provider.Errorf(provider.CodeBrowserMissing, "start browser context: %v", err)
		}
		return nil, err
	}
	return &Handle{Provider: id, ProfileDir: profileDir, page: page}, nil
}

// OpenSession brings the provider home page to the front so the user can log in.
func (m *Manager) OpenSession(ctx context.Context, id provider.ID) (SessionInfo, error) {
	handle, err := m.Ensure(ctx, id)
	if err != nil {
		return SessionInfo{}, m.fail(err)
	}
	if err := m.landOnHome(ctx, handle); err != nil {
		return SessionInfo{}, m.fail(err)
	}
	_ = handle.page.Activate(ctx)
	state := m.inferState(ctx, handle)
	return SessionInfo{OK: true, Provider: handle.Provider, URL: handle.URL(), SessionState: state}, nil
}

// ResetSession closes the provider context and wipes its profile directory.
func (m *Manager) ResetSession(ctx context.Context, id provider.ID) (ResetInfo, error) {
	id = provider.Normalize(string(id))
	if !provider.Supported(id) {
		return ResetInfo{}, provider.Errorf(provider.CodeUnsupportedProvider, "unsupported provider %q", id)
	}
	m.mu.Lock()
	handle, ok := m.handles[id]
	delete(m.handles, id)
	delete(m.auth, id)
	m.mu.Unlock()
	if ok {
		_ = handle.page.Close()
		handle.mu.Lock()
		handle.closed = true
		handle.mu.Unlock()
	}
	profileDir := m.ProfileDir(id)
	if err := os.RemoveAll(profileDir); err != nil {
		return ResetInfo{}, m.fail(fmt.Errorf("remove profile dir: %w", err))
	}
	if err := hardenDir(profileDir); err != nil {
		return ResetInfo{}, m.fail(err)
	}
	m.logger.Info("session reset", "provider", id)
	return ResetInfo{OK: true, Provider: id, ProfileDir: profileDir}, nil
}

// Run submits a prompt to the provider page and waits for a stable answer.
func (m *Manager) Run(ctx context.Context, req RunRequest, progress ProgressFunc) (RunResult, error) {
	if progress == nil {
		progress = func(string, string) {}
	}
	started := m.now()
	spec, ok := provider.Lookup(req.Provider)
	if !ok {
		return RunResult{}, provider.Errorf(provider.CodeUnsupportedProvider, "unsupported provider %q", req.Provider)
	}
	handle, err := m.Ensure(ctx, spec.ID)
	if err != nil {
		return RunResult{}, m.fail(err)
	}

	progress("navigation", "preparing provider page")
	if err := m.landOnHome(ctx, handle); err != nil {
		return RunResult{}, m.fail(err)
	}

	progress("input", "looking for the prompt input")
	input, err := m.waitForInput(ctx, handle, spec)
	if err != nil {
		return RunResult{}, m.fail(err)
	}
	progress("input_found", "prompt input found")

	baseline := m.baseline(ctx, handle, spec)
	if err := handle.page.Fill(ctx, input, req.Prompt); err != nil {
		return RunResult{}, m.fail(provider.Errorf(provider.CodeInputNotFound, "fill prompt: %v", err))
	}
	progress("prompt_filled", "prompt entered")

	if err := m.submit(ctx, handle, spec, input); err != nil {
		return RunResult{}, m.fail(err)
	}
	progress("await_response", "waiting for the response")

	extractor := extract.New(handle.page.Sampler(spec), extract.Options{
		Prompt:   req.Prompt,
		MinChars: spec.MinResponseChars,
		Poll:     m.cfg.Poll,
		Quiet:    m.cfg.Quiet,
		Timeout:  req.Timeout(),
		Baseline: baseline,
		OnProgress: func(text string) {
			progress("response_streaming", fmt.Sprintf("collecting response (%d chars)", len([]rune(text))))
		},
	})
	text, err := extractor.Wait(ctx)
	if err != nil {
		return RunResult{}, m.fail(err)
	}
	if current, urlErr := handle.page.URL(ctx); urlErr == nil {
		handle.setURL(current)
	}
	m.recordAuthSuccess(spec.ID)
	finished := m.now()
	return RunResult{
		OK:   true,
		Text: text,
		Raw:  map[string]any{"provider": string(spec.ID)},
		Meta: map[string]any{
			"provider":           string(spec.ID),
			"url":                handle.URL(),
			"startedAt":          started.UTC().Format(time.RFC3339Nano),
			"finishedAt":         finished.UTC().Format(time.RFC3339Nano),
			"elapsedMs":          finished.Sub(started).Milliseconds(),
			"extractionStrategy": ExtractionStrategy,
		},
	}, nil
}

func (m *Manager) landOnHome(ctx context.Context, handle *Handle) error {
	spec, _ := provider.Lookup(handle.Provider)
	for _, home := range spec.HomeURLs {
		if err := handle.page.Navigate(ctx, home); err != nil {
			if ctx.Err() != nil {
				return provider.Errorf(provider.CodeCancelled, "navigation cancelled")
			}
			m.logger.Warn("navigation failed", "provider", handle.Provider, "url", home, "error", err)
			continue
		}
		if current, err := handle.page.URL(ctx); err == nil {
			handle.setURL(current)
		} else {
			handle.setURL(home)
		}
		return nil
	}
	return provider.Errorf(provider.CodeNavigationFailed, "could not open %s", handle.Provider)
}

func (m *Manager) waitForInput(ctx context.Context, handle *Handle, spec provider.Spec) (string, error) {
	deadline := m.now().Add(m.inputWait)
	for m.now().Before(deadline) {
		selector, found, err := handle.page.FirstVisible(ctx, spec.InputSelectors)
		if err == nil && found {
			return selector, nil
		}
		if ctx.Err() != nil {
			return "", provider.Errorf(provider.CodeCancelled, "input wait cancelled")
		}
		timer := time.NewTimer(inputPoll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", provider.Errorf(provider.CodeCancelled, "input wait cancelled")
		case <-timer.C:
		}
	}
	if m.signInVisible(ctx, handle) {
		return "", provider.Errorf(provider.CodeNotLoggedIn, "%s needs a signed-in session; open the session and log in first", spec.ID)
	}
	return "", provider.Errorf(provider.CodeInputNotFound, "prompt input not found on %s", spec.ID)
}

func (m *Manager) signInVisible(ctx context.Context, handle *Handle) bool {
	if provider.InferSessionState(handle.Provider, handle.URL()) == provider.SessionLoginRequired {
		return true
	}
	_, visible, err := handle.page.FirstVisible(ctx, provider.SignInMarkers)
	return err == nil && visible
}

// baseline collects texts already on the page so old answers are never reported.
func (m *Manager) baseline(ctx context.Context, handle *Handle, spec provider.Spec) []string {
	snapshot, err := handle.page.Sampler(spec).Sample(ctx)
	if err != nil {
		return nil
	}
	texts := make([]string, 0, len(snapshot.Rows))
	for _, row := range snapshot.Rows {
		texts = append(texts, row.Text)
	}
	return texts
}

// submit clicks the first visible send button and falls back to Enter.
func (m *Manager) submit(ctx context.Context, handle *Handle, spec provider.Spec, input string) error {
	if selector, found, err := handle.page.FirstVisible(ctx, spec.SubmitSelectors); err == nil && found {
		if err := handle.page.Click(ctx, selector); err == nil {
			return nil
		}
	}
	if err := handle.page.PressEnter(ctx, input); err != nil {
		return provider.Errorf(provider.CodeSubmitFailed, "submit prompt: %v", err)
	}
	return nil
}

// inferState combines URL signals, visible sign-in markers and prompt
// readiness, then applies the auth grace window.
func (m *Manager) inferState(ctx context.Context, handle *Handle) provider.SessionState {
	if handle.Closed() {
		return provider.SessionUnknown
	}
	state := provider.InferSessionState(handle.Provider, handle.URL())
	if _, visible, err := handle.page.FirstVisible(ctx, provider.SignInMarkers); err == nil && visible {
		state = provider.SessionLoginRequired
	} else if spec, ok := provider.Lookup(handle.Provider); ok {
		if _, ready, err := handle.page.FirstVisible(ctx, spec.InputSelectors); err == nil && ready && state != provider.SessionLoginRequired {
			state = provider.SessionActive
		}
	}
	return m.applyAuthGrace(handle.Provider, state)
}

func (m *Manager) recordAuthSuccess(id provider.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.auth[id] = &authState{lastSuccess: m.now()}
}

// applyAuthGrace treats a recent successful session as still authenticated
// for a bounded number of inconclusive probes.
func (m *Manager) applyAuthGrace(id provider.ID, state provider.SessionState) provider.SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if state == provider.SessionActive {
		m.auth[id] = &authState{lastSuccess: m.now()}
		return state
	}
	entry, ok := m.auth[id]
	if !ok || m.cfg.AuthGraceWindow <= 0 {
		return state
	}
	if m.now().Sub(entry.lastSuccess) > m.cfg.AuthGraceWindow || entry.probes >= m.cfg.AuthGraceProbes {
		return state
	}
	entry.probes++
	return provider.SessionActive
}

func (m *Manager) fail(err error) error {
	m.mu.Lock()
	m.lastError = fmt.Sprintf("%s: %v", provider.CodeOf(err), err)
	m.mu.Unlock()
	return err
}

func (m *Manager) Health(ctx context.Context) Health {
	m.mu.Lock()
	handles := make([]*Handle, 0, len(m.handles))
	for _, handle := range m.handles {
		handles = append(handles, handle)
	}
	lastError := m.lastError
	m.mu.Unlock()

	providers := make(map[provider.ID]ProviderHealth, len(handles))
	for _, handle := range handles {
		open := !handle.Closed()
		status := ProviderHealth{ContextOpen: open, ProfileDir: handle.ProfileDir, SessionState: provider.SessionUnknown}
		if open {
			status.URL = handle.URL()
			status.SessionState = m.inferState(ctx, handle)
		}
		providers[handle.Provider] = status
	}
	return Health{
		Running:     true,
		LastError:   lastError,
		Providers:   providers,
		LogPath:     m.cfg.LogPath,
		ProfileRoot: m.cfg.ProfileRoot,
	}
}

// Close shuts every browser context down.
func (m *Manager) Close() {
	m.mu.Lock()
	handles := m.handles
	m.handles = map[provider.ID]*Handle{}
	m.mu.Unlock()
	for _, handle := range handles {
		_ = handle.page.Close()
	}
}

// SanitizeURL keeps origin and path only, dropping query strings and fragments.
func SanitizeURL(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return ""
	}
	return parsed.Scheme + "://" + parsed.Host + parsed.Path
}
