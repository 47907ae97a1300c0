// Package extract decides when a streaming answer in a provider page has
// finished by watching the bottom-most response row until it stops changing.
package extract

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/Keyring-Network/railgraph/internal/provider"
)

const (
	DefaultPoll     = 450 * time.Millisecond
	DefaultQuiet    = 1600 * time.Millisecond
	DefaultMinChars = 24
)

// Row is one candidate response element: its visible text and the vertical
// position of its bottom edge.
type Row struct {
	Text   string  `json:"text"`
	Bottom float64 `json:"bottom"`
}

// Snapshot is a single sample of the page.
type Snapshot struct {
	Rows       []Row `json:"rows"`
	Generating bool  `json:"generating"`
}

type Sampler interface {
	Sample(ctx context.Context) (Snapshot, error)
}

type SamplerFunc func(ctx context.Context) (Snapshot, error)

func (f SamplerFunc) Sample(ctx context.Context) (Snapshot, error) {
	return f(ctx)
}

type Options struct {
	Prompt   string
	MinChars int
	Poll     time.Duration
	Quiet    time.Duration
	Timeout  time.Duration
	// When set, rows whose bottom edge is not below this line existed
	// before the prompt was sent and are ignored.
	MinBottom *float64
	// Baseline texts were already on the page and never count as answers.
	Baseline   []string
	OnProgress func(text string)
}

type Extractor struct {
	sampler Sampler
	opts    Options
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

func New(sampler Sampler, opts Options) *Extractor {
	if opts.MinChars <= 0 {
		opts.MinChars = DefaultMinChars
	}
	if opts.Poll <= 0 {
		opts.Poll = DefaultPoll
	}
	if opts.Quiet <= 0 {
		opts.Quiet = DefaultQuiet
	}
	return &Extractor{sampler: sampler, opts: opts, now: time.Now, sleep: sleepContext}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Wait polls the sampler until the best candidate has been unchanged for the
// quiet period while no generation indicator is visible.
func (e *Extractor) Wait(ctx context.Context) (string, error) {
	start := e.now()
	var deadline time.Time
	if e.opts.Timeout > 0 {
		deadline = start.Add(e.opts.Timeout)
	}
	baseline := map[string]struct{}{}
	for _, text := range e.opts.Baseline {
		if normalized := NormalizeText(text); normalized != "" {
			baseline[normalized] = struct{}{}
		}
	}
	last := ""
	lastChange := start
	for {
		if err := ctx.Err(); err != nil {
			return "", provider.Errorf(provider.CodeCancelled, "response wait cancelled")
		}
		if !deadline.IsZero() && !e.now().Before(deadline) {
			return "", provider.Errorf(provider.CodeTimeout, "no stable response within %s", e.opts.Timeout)
		}
		snapshot, err := e.sampler.Sample(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return "", provider.Errorf(provider.CodeCancelled, "response wait cancelled")
			}
			return "", &provider.Error{Code: provider.CodeExtractionFailed, Message: err.Error()}
		}
		if text, ok := e.pick(snapshot.Rows, baseline); ok {
			switch {
			case text != last:
				last = text
				lastChange = e.now()
				if e.opts.OnProgress != nil {
					e.opts.OnProgress(text)
				}
			case !snapshot.Generating && e.now().Sub(lastChange) >= e.opts.Quiet:
				return text, nil
			}
		}
		if err := e.sleep(ctx, e.opts.Poll); err != nil {
			return "", provider.Errorf(provider.CodeCancelled, "response wait cancelled")
		}
	}
}

func (e *Extractor) pick(rows []Row, baseline map[string]struct{}) (string, bool) {
	filtered := make([]Row, 0, len(rows))
	for _, row := range rows {
		if e.opts.MinBottom != nil && row.Bottom <= *e.opts.MinBottom {
			continue
		}
		row.Text = strings.TrimSpace(row.Text)
		if _, seen := baseline[NormalizeText(row.Text)]; seen {
			continue
		}
		if !Acceptable(row.Text, e.opts.Prompt, e.opts.MinChars) {
			continue
		}
		filtered = append(filtered, row)
	}
	if len(filtered) == 0 {
		return "", false
	}
	sort.SliceStable(filtered, func(i, j int) bool { return filtered[i].Bottom < filtered[j].Bottom })
	return filtered[len(filtered)-1].Text, true
}

// Acceptable reports whether text may be taken as an answer to prompt.
func Acceptable(text, prompt string, minChars int) bool {
	text = strings.TrimSpace(text)
	if len([]rune(text)) < minChars {
		return false
	}
	trimmedPrompt := strings.TrimSpace(prompt)
	if trimmedPrompt != "" && strings.HasPrefix(text, trimmedPrompt) {
		return false
	}
	return !IsPromptEcho(text, prompt)
}
