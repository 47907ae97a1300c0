package badger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/dgraph-io/badger/v4"
	json "github.com/goccy/go-json"

	"github.com/Keyring-Network/railgraph/internal/store"
)

type Config struct {
	Path     string
	InMemory bool
	Logger   *slog.Logger
}

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

// BadgerStore persists run records and events in an embedded key-value
// database so a single-node control plane survives restarts without postgres.
type BadgerStore struct {
	db    *badger.DB
	seqMu sync.Mutex
}

func Open(cfg Config) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path).WithSyncWrites(true)
	}
	opts = opts.WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func runKey(runID string) []byte {
	return []byte("run/" + runID)
}

func eventPrefix(runID string) []byte {
	return []byte("event/" + runID + "/")
}

func eventKey(runID string, seq int64) []byte {
	return []byte(fmt.Sprintf("event/%s/%020d", runID, seq))
}

func seqKey(runID string) []byte {
	return []byte("seq/" + runID)
}

func (s *BadgerStore) SaveRun(ctx context.Context, run store.RunRecord) error {
	encoded, err := store.EncodeRun(run)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(runKey(run.RunID))
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
		case err != nil:
			return err
		default:
			var current *store.RunRecord
			if err := item.Value(func(val []byte) error {
				decoded, err := store.DecodeRun(val)
				current = decoded
				return err
			}); err != nil {
				return err
			}
			if err := store.GuardOverwrite(current); err != nil {
				return err
			}
		}
		return txn.Set(runKey(run.RunID), encoded)
	})
}

func (s *BadgerStore) GetRun(ctx context.Context, runID string) (*store.RunRecord, error) {
	var run *store.RunRecord
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(runKey(runID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			decoded, err := store.DecodeRun(val)
			run = decoded
			return err
		})
	})
	return run, err
}

func (s *BadgerStore) ListRuns(ctx context.Context) ([]store.RunSummary, error) {
	results := []store.RunSummary{}
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: true, PrefetchSize: 32, Prefix: []byte("run/")})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := it.Item().Value(func(val []byte) error {
				run, err := store.DecodeRun(val)
				if err != nil {
					return err
				}
				results = append(results, store.Summarize(*run))
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	store.SortSummaries(results)
	return results, nil
}

func (s *BadgerStore) DeleteRun(ctx context.Context, runID string) error {
	keys := [][]byte{runKey(runID), seqKey(runID)}
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: eventPrefix(runID)})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return err
	}
	batch := s.db.NewWriteBatch()
	defer batch.Cancel()
	for _, key := range keys {
		if err := batch.Delete(key); err != nil {
			return err
		}
	}
	return batch.Flush()
}

type storedEvent struct {
	RunID     string         `json:"run_id"`
	Seq       int64          `json:"seq"`
	Type      string         `json:"type"`
	Timestamp string         `json:"timestamp"`
	Source    string         `json:"source"`
	TraceID   string         `json:"trace_id,omitempty"`
	Payload   map[string]any `json:"payload"`
}

func (s *BadgerStore) AppendEvent(ctx context.Context, event store.RunEvent) error {
	if event.Timestamp == "" {
		event.Timestamp = store.Now()
	}
	encoded, err := json.Marshal(storedEvent{
		RunID:     event.RunID,
		Seq:       event.Seq,
		Type:      strings.ReplaceAll(strings.ToLower(strings.TrimSpace(event.Type)), "_", "."),
		Timestamp: event.Timestamp,
		Source:    event.Source,
		TraceID:   event.TraceID,
		Payload:   event.Payload,
	})
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(eventKey(event.RunID, event.Seq), encoded)
	})
}

func (s *BadgerStore) ListEvents(ctx context.Context, runID string, afterSeq int64) ([]store.RunEvent, error) {
	results := []store.RunEvent{}
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := eventPrefix(runID)
		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: true, PrefetchSize: 64, Prefix: prefix})
		defer it.Close()
		for it.Seek(eventKey(runID, afterSeq+1)); it.ValidForPrefix(prefix); it.Next() {
			var decoded storedEvent
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &decoded)
			}); err != nil {
				return err
			}
			results = append(results, store.RunEvent{
				RunID:     decoded.RunID,
				Seq:       decoded.Seq,
				Type:      decoded.Type,
				Timestamp: decoded.Timestamp,
				Source:    decoded.Source,
				TraceID:   decoded.TraceID,
				Payload:   decoded.Payload,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (s *BadgerStore) NextSeq(ctx context.Context, runID string) (int64, error) {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	var next int64
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(seqKey(runID))
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			next = 1
		case err != nil:
			return err
		default:
			if err := item.Value(func(val []byte) error {
				_, scanErr := fmt.Sscanf(string(val), "%d", &next)
				return scanErr
			}); err != nil {
				return err
			}
			next++
		}
		return txn.Set(seqKey(runID), []byte(fmt.Sprintf("%d", next)))
	})
	if err != nil {
		return 0, err
	}
	return next, nil
}
