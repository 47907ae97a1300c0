package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/Keyring-Network/railgraph/internal/store"
)

//go:embed schema.sql
var schemaSQL string

type PostgresStore struct {
	db *sql.DB
}

var openDB = sql.Open

var requiredTables = []string{"runs", "run_events", "run_event_sequences"}

// New connects, applies the embedded schema and verifies the tables exist.
func New(conn string) (*PostgresStore, error) {
	db, err := openDB("pgx", conn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := verifySchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Close() error {
	return p.db.Close()
}

func migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func verifySchema(ctx context.Context, db *sql.DB) error {
	for _, table := range requiredTables {
		var regclass sql.NullString
		if err := db.QueryRowContext(ctx, "SELECT to_regclass($1)", fmt.Sprintf("public.%s", table)).Scan(&regclass); err != nil {
			return err
		}
		if !regclass.Valid {
			return fmt.Errorf("database schema missing: %s table not found", table)
		}
	}
	return nil
}

func (p *PostgresStore) SaveRun(ctx context.Context, run store.RunRecord) error {
	encoded, err := store.EncodeRun(run)
	if err != nil {
		return err
	}
	const query = `
		INSERT INTO runs (id, question, status, started_at, finished_at, final_node_id, node_count, record)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			question = EXCLUDED.question,
			status = EXCLUDED.status,
			started_at = EXCLUDED.started_at,
			finished_at = EXCLUDED.finished_at,
			final_node_id = EXCLUDED.final_node_id,
			node_count = EXCLUDED.node_count,
			record = EXCLUDED.record
		WHERE runs.finished_at IS NULL
	`
	result, err := p.db.ExecContext(
		ctx,
		query,
		run.RunID,
		run.Question,
		string(run.Status),
		parseTimestampNull(run.StartedAt),
		parseTimestampNull(run.FinishedAt),
		nullString(run.FinalNodeID),
		len(run.GraphSnapshot.Nodes),
		encoded,
	)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrRunFinalized
	}
	return nil
}

func (p *PostgresStore) GetRun(ctx context.Context, runID string) (*store.RunRecord, error) {
	var encoded []byte
	err := p.db.QueryRowContext(ctx, "SELECT record FROM runs WHERE id = $1", runID).Scan(&encoded)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return store.DecodeRun(encoded)
}

func (p *PostgresStore) ListRuns(ctx context.Context) ([]store.RunSummary, error) {
	const query = `
		SELECT id, question, status, started_at, finished_at, final_node_id, node_count
		FROM runs
		ORDER BY started_at DESC NULLS LAST, id ASC
	`
	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []store.RunSummary{}
	for rows.Next() {
		var summary store.RunSummary
		var status string
		var startedAt, finishedAt sql.NullTime
		var finalNode sql.NullString
		if err := rows.Scan(&summary.RunID, &summary.Question, &status, &startedAt, &finishedAt, &finalNode, &summary.NodeCount); err != nil {
			return nil, err
		}
		summary.Status = store.RunStatus(status)
		summary.StartedAt = formatNullTime(startedAt)
		summary.FinishedAt = formatNullTime(finishedAt)
		summary.FinalNodeID = finalNode.String
		results = append(results, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func (p *PostgresStore) DeleteRun(ctx context.Context, runID string) (err error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	for _, query := range []string{
		"DELETE FROM run_events WHERE run_id = $1",
		"DELETE FROM run_event_sequences WHERE run_id = $1",
		"DELETE FROM runs WHERE id = $1",
	} {
		if _, err = tx.ExecContext(ctx, query, runID); err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

func (p *PostgresStore) AppendEvent(ctx context.Context, event store.RunEvent) error {
	event.Type = strings.ReplaceAll(strings.ToLower(strings.TrimSpace(event.Type)), "_", ".")
	payload := event.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	timestamp := event.Timestamp
	if timestamp == "" {
		timestamp = store.Now()
	}
	const query = `
		INSERT INTO run_events (run_id, seq, type, timestamp, source, trace_id, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err = p.db.ExecContext(ctx, query, event.RunID, event.Seq, event.Type, parseTimestampValue(timestamp), event.Source, traceIDValue(event.TraceID), encoded)
	return err
}

func (p *PostgresStore) ListEvents(ctx context.Context, runID string, afterSeq int64) ([]store.RunEvent, error) {
	const query = `
		SELECT run_id, seq, type, timestamp, source, trace_id, payload
		FROM run_events
		WHERE run_id = $1 AND seq > $2
		ORDER BY seq ASC
	`
	rows, err := p.db.QueryContext(ctx, query, runID, afterSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []store.RunEvent{}
	for rows.Next() {
		var payloadBytes []byte
		var timestamp time.Time
		var traceID sql.NullString
		var event store.RunEvent
		if err := rows.Scan(&event.RunID, &event.Seq, &event.Type, &timestamp, &event.Source, &traceID, &payloadBytes); err != nil {
			return nil, err
		}
		event.Timestamp = timestamp.UTC().Format(time.RFC3339Nano)
		event.TraceID = traceID.String
		event.Payload = map[string]any{}
		if len(payloadBytes) > 0 {
			if err := json.Unmarshal(payloadBytes, &event.Payload); err != nil {
				return nil, err
			}
		}
		results = append(results, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func (p *PostgresStore) NextSeq(ctx context.Context, runID string) (int64, error) {
	const query = `
		INSERT INTO run_event_sequences (run_id, last_seq)
		VALUES ($1, 1)
		ON CONFLICT (run_id)
		DO UPDATE SET last_seq = run_event_sequences.last_seq + 1
		RETURNING last_seq
	`
	var seq int64
	if err := p.db.QueryRowContext(ctx, query, runID).Scan(&seq); err != nil {
		return 0, err
	}
	return seq, nil
}

func parseTimestampValue(value string) time.Time {
	parsed, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Now().UTC()
	}
	return parsed
}

func parseTimestampNull(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	parsed, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return nil
	}
	return parsed
}

func formatNullTime(value sql.NullTime) string {
	if !value.Valid {
		return ""
	}
	return value.Time.UTC().Format(time.RFC3339Nano)
}

func nullString(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

// traceIDValue keeps only well-formed trace ids (32 hex chars or a uuid).
func traceIDValue(value string) any {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	if len(trimmed) == 32 && isHex(trimmed) {
		return trimmed
	}
	if _, err := uuid.Parse(trimmed); err == nil {
		return trimmed
	}
	return nil
}

func isHex(value string) bool {
	for _, r := range value {
		if !strings.ContainsRune("0123456789abcdef", r) {
			return false
		}
	}
	return true
}
