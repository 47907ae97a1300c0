package events

import (
	"context"
	"strings"
	"sync"

	"github.com/Keyring-Network/railgraph/internal/store"
)

type RunEvent struct {
	RunID   string         `json:"run_id"`
	Seq     int64          `json:"seq"`
	Type    string         `json:"type"`
	Ts      string         `json:"ts"`
	Source  string         `json:"source"`
	TraceID string         `json:"trace_id,omitempty"`
	Payload map[string]any `json:"payload"`
}

type Broker struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan RunEvent]struct{}
}

func NormalizeType(eventType string) string {
	return strings.ReplaceAll(strings.TrimSpace(strings.ToLower(eventType)), "_", ".")
}

func NewBroker() *Broker {
	return &Broker{
		subscribers: map[string]map[chan RunEvent]struct{}{},
	}
}

func (b *Broker) Subscribe(ctx context.Context, runID string) <-chan RunEvent {
	ch := make(chan RunEvent, 16)

	b.mu.Lock()
	if b.subscribers[runID] == nil {
		b.subscribers[runID] = map[chan RunEvent]struct{}{}
	}
	b.subscribers[runID][ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		if b.subscribers[runID] != nil {
			delete(b.subscribers[runID], ch)
			if len(b.subscribers[runID]) == 0 {
				delete(b.subscribers, runID)
			}
		}
		close(ch)
		b.mu.Unlock()
	}()

	return ch
}

// Publish never blocks: slow subscribers drop events and catch up from the
// store on reconnect.
func (b *Broker) Publish(event RunEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers[event.RunID] {
		select {
		case ch <- event:
		default:
		}
	}
}

func FromStore(event store.RunEvent) RunEvent {
	return RunEvent{
		RunID:   event.RunID,
		Seq:     event.Seq,
		Type:    event.Type,
		Ts:      event.Timestamp,
		Source:  event.Source,
		TraceID: event.TraceID,
		Payload: event.Payload,
	}
}

type EventStore interface {
	NextSeq(ctx context.Context, runID string) (int64, error)
	AppendEvent(ctx context.Context, event store.RunEvent) error
}

// Recorder sequences, persists and fans out run events.
type Recorder struct {
	store  EventStore
	broker *Broker
}

func NewRecorder(eventStore EventStore, broker *Broker) *Recorder {
	return &Recorder{store: eventStore, broker: broker}
}

func (r *Recorder) Emit(ctx context.Context, runID, eventType, source, traceID string, payload map[string]any) (RunEvent, error) {
	seq, err := r.store.NextSeq(ctx, runID)
	if err != nil {
		return RunEvent{}, err
	}
	if payload == nil {
		payload = map[string]any{}
	}
	stored := store.RunEvent{
		RunID:     runID,
		Seq:       seq,
		Type:      NormalizeType(eventType),
		Timestamp: store.Now(),
		Source:    source,
		TraceID:   traceID,
		Payload:   payload,
	}
	if err := r.store.AppendEvent(ctx, stored); err != nil {
		return RunEvent{}, err
	}
	event := FromStore(stored)
	if r.broker != nil {
		r.broker.Publish(event)
	}
	return event, nil
}
