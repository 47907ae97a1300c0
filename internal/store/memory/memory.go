package memory

import (
	"context"
	"strings"
	"sync"

	"github.com/Keyring-Network/railgraph/internal/store"
)

// MemoryStore keeps encoded run records so callers never share maps with
// the stored copy.
type MemoryStore struct {
	mu     sync.RWMutex
	runs   map[string][]byte
	events map[string][]store.RunEvent
	seq    map[string]int64
}

func New() *MemoryStore {
	return &MemoryStore{
		runs:   map[string][]byte{},
		events: map[string][]store.RunEvent{},
		seq:    map[string]int64{},
	}
}

func (m *MemoryStore) SaveRun(ctx context.Context, run store.RunRecord) error {
	encoded, err := store.EncodeRun(run)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.runs[run.RunID]; ok {
		current, err := store.DecodeRun(existing)
		if err != nil {
			return err
		}
		if err := store.GuardOverwrite(current); err != nil {
			return err
		}
	}
	m.runs[run.RunID] = encoded
	return nil
}

func (m *MemoryStore) GetRun(ctx context.Context, runID string) (*store.RunRecord, error) {
	m.mu.RLock()
	encoded, ok := m.runs[runID]
	m.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return store.DecodeRun(encoded)
}

func (m *MemoryStore) ListRuns(ctx context.Context) ([]store.RunSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	results := make([]store.RunSummary, 0, len(m.runs))
	for _, encoded := range m.runs {
		run, err := store.DecodeRun(encoded)
		if err != nil {
			return nil, err
		}
		results = append(results, store.Summarize(*run))
	}
	store.SortSummaries(results)
	return results, nil
}

func (m *MemoryStore) DeleteRun(ctx context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.runs, runID)
	delete(m.events, runID)
	delete(m.seq, runID)
	return nil
}

func (m *MemoryStore) AppendEvent(ctx context.Context, event store.RunEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	event.Type = normalizeEventType(event.Type)
	event.Payload = cloneMap(event.Payload)
	m.events[event.RunID] = append(m.events[event.RunID], event)
	return nil
}

func normalizeEventType(eventType string) string {
	normalized := strings.TrimSpace(strings.ToLower(eventType))
	return strings.ReplaceAll(normalized, "_", ".")
}

func (m *MemoryStore) ListEvents(ctx context.Context, runID string, afterSeq int64) ([]store.RunEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	filtered := []store.RunEvent{}
	for _, event := range m.events[runID] {
		if event.Seq > afterSeq {
			filtered = append(filtered, event)
		}
	}
	return filtered, nil
}

func (m *MemoryStore) NextSeq(ctx context.Context, runID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq[runID] += 1
	return m.seq[runID], nil
}

func cloneMap(input map[string]any) map[string]any {
	if input == nil {
		return nil
	}
	out := make(map[string]any, len(input))
	for key, value := range input {
		out[key] = value
	}
	return out
}
