package extract

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Keyring-Network/railgraph/internal/provider"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.now = c.now.Add(d)
	return nil
}

// sequenceSampler returns one text per sample and then repeats the last.
type sequenceSampler struct {
	texts      []string
	generating []bool
	calls      int
}

func (s *sequenceSampler) Sample(ctx context.Context) (Snapshot, error) {
	idx := min(s.calls, len(s.texts)-1)
	s.calls++
	snapshot := Snapshot{Rows: []Row{{Text: s.texts[idx], Bottom: 100}}}
	if idx < len(s.generating) {
		snapshot.Generating = s.generating[idx]
	}
	return snapshot, nil
}

func newTestExtractor(sampler Sampler, opts Options) (*Extractor, *fakeClock) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	extractor := New(sampler, opts)
	extractor.now = clock.Now
	extractor.sleep = clock.Sleep
	return extractor, clock
}

func answer(word string) string {
	return strings.Repeat(word+" ", 30)
}

func TestWait_ReturnsLastStableCandidate(t *testing.T) {
	const poll = 100 * time.Millisecond
	// A is one poll short of quiet when B replaces it.
	sampler := &sequenceSampler{texts: []string{answer("A"), answer("A"), answer("B"), answer("B"), answer("B")}}
	progress := []string{}
	extractor, clock := newTestExtractor(sampler, Options{
		Prompt:     "what is up",
		Timeout:    time.Minute,
		Poll:       poll,
		Quiet:      2 * poll,
		OnProgress: func(text string) { progress = append(progress, text) },
	})

	text, err := extractor.Wait(context.Background())

	require.NoError(t, err)
	require.Equal(t, strings.TrimSpace(answer("B")), text)
	require.Equal(t, []string{strings.TrimSpace(answer("A")), strings.TrimSpace(answer("B"))}, progress)
	require.Equal(t, 5, sampler.calls)
	require.Equal(t, time.Unix(0, 0).Add(4*poll), clock.now)
}

func TestWait_ChangeOnSecondSampleRestartsQuietWindow(t *testing.T) {
	const poll = 100 * time.Millisecond
	sampler := &sequenceSampler{texts: []string{answer("A"), answer("B"), answer("B"), answer("B"), answer("C")}}
	extractor, clock := newTestExtractor(sampler, Options{
		Timeout: time.Minute,
		Poll:    poll,
		Quiet:   2 * poll,
	})

	text, err := extractor.Wait(context.Background())

	require.NoError(t, err)
	require.Equal(t, strings.TrimSpace(answer("B")), text)
	require.Equal(t, 4, sampler.calls)
	require.Equal(t, time.Unix(0, 0).Add(3*poll), clock.now)
}

func TestWait_HoldsWhileGenerating(t *testing.T) {
	sampler := &sequenceSampler{
		texts:      []string{answer("A"), answer("A"), answer("A"), answer("A"), answer("A"), answer("A"), answer("A")},
		generating: []bool{true, true, true, true, true, true, false},
	}
	extractor, _ := newTestExtractor(sampler, Options{Timeout: time.Minute})

	_, err := extractor.Wait(context.Background())

	require.NoError(t, err)
	require.GreaterOrEqual(t, sampler.calls, 7)
}

func TestWait_TimeoutWhenNothingStable(t *testing.T) {
	calls := 0
	sampler := SamplerFunc(func(ctx context.Context) (Snapshot, error) {
		calls++
		return Snapshot{Rows: []Row{{Text: answer(strings.Repeat("x", calls)), Bottom: 1}}}, nil
	})
	extractor, _ := newTestExtractor(sampler, Options{Timeout: 5 * time.Second})

	_, err := extractor.Wait(context.Background())

	require.Equal(t, provider.CodeTimeout, provider.CodeOf(err))
}

func TestWait_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	extractor, _ := newTestExtractor(&sequenceSampler{texts: []string{answer("A")}}, Options{})

	_, err := extractor.Wait(ctx)

	require.Equal(t, provider.CodeCancelled, provider.CodeOf(err))
}

func TestWait_SamplerFailure(t *testing.T) {
	sampler := SamplerFunc(func(ctx context.Context) (Snapshot, error) {
		return Snapshot{}, errors.New("target closed")
	})
	extractor, _ := newTestExtractor(sampler, Options{Timeout: time.Second})

	_, err := extractor.Wait(context.Background())

	require.Equal(t, provider.CodeExtractionFailed, provider.CodeOf(err))
}

func TestWait_NeverReturnsPromptEcho(t *testing.T) {
	prompt := "Summarize the quarterly revenue figures for the northern region and list the three biggest risks."
	sampler := SamplerFunc(func(ctx context.Context) (Snapshot, error) {
		return Snapshot{Rows: []Row{
			{Text: answer("real"), Bottom: 10},
			{Text: "You said: " + prompt, Bottom: 50},
			{Text: prompt, Bottom: 60},
		}}, nil
	})
	extractor, _ := newTestExtractor(sampler, Options{Prompt: prompt, Timeout: time.Minute})

	text, err := extractor.Wait(context.Background())

	require.NoError(t, err)
	require.Equal(t, strings.TrimSpace(answer("real")), text)
}

func TestPick_FiltersBaselineAndOldRows(t *testing.T) {
	line := 40.0
	extractor, _ := newTestExtractor(nil, Options{MinBottom: &line, Baseline: []string{answer("old")}})
	baseline := map[string]struct{}{NormalizeText(answer("old")): {}}

	text, ok := extractor.pick([]Row{
		{Text: answer("above"), Bottom: 30},
		{Text: answer("old"), Bottom: 90},
		{Text: "short", Bottom: 95},
		{Text: answer("new"), Bottom: 80},
	}, baseline)

	require.True(t, ok)
	require.Equal(t, strings.TrimSpace(answer("new")), text)
}

func TestIsPromptEcho(t *testing.T) {
	long := strings.Repeat("The migration plan covers storage, networking and identity services. ", 10)

	cases := []struct {
		name      string
		candidate string
		prompt    string
		want      bool
	}{
		{"empty prompt", "anything", "", false},
		{"you said prefix", "You said: hello", "hello world", true},
		{"user prefix", "USER: hi", "hello world", true},
		{"exact", "  hello   world ", "hello world", true},
		{"prefixed", "hello world and more", "hello world", true},
		{"unrelated", "The capital of France is Paris.", "hello world", false},
		{"contains head window", "Sure. " + long[:150] + " ok", long, true},
		{"contains tail window", "quote: " + long[len(long)-130:], long, true},
		{"short answer to long prompt", "Storage first, then networking.", long, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, IsPromptEcho(tc.candidate, tc.prompt))
		})
	}
}

func TestPromptNeedles(t *testing.T) {
	require.Equal(t, []string{"short prompt"}, promptNeedles("short prompt"))

	prompt := strings.Repeat("abcdefghij", 60)
	needles := promptNeedles(prompt)
	require.NotEmpty(t, needles)
	for _, needle := range needles {
		require.Len(t, needle, 96)
	}
}

func TestDOMSampler_ScriptEmbedsSelectors(t *testing.T) {
	script, err := DOMSampler{ResponseSelectors: []string{`[data-role="model"]`}}.script()
	require.NoError(t, err)
	require.Contains(t, script, `["[data-role=\"model\"]"]`)
	require.Contains(t, script, "const generation = [];")
}
