// Package store persists the activity event log and the delivery queue in a
// local sqlite database. Both survive process restarts; the queue is the
// at-least-once guarantee for event delivery.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/trackerd/trackerd/internal/models"
)

// Store wraps the sqlite handle. Safe for concurrent use; sqlite serializes
// writers internally and database/sql pools the connections.
type Store struct {
	db *sql.DB
}

// Open creates or opens the database at path and applies the schema. The
// parent directory is created if missing.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS activity_events (
	id          TEXT PRIMARY KEY,
	timestamp   TEXT NOT NULL,
	application TEXT NOT NULL,
	activity    TEXT NOT NULL,
	confidence  REAL NOT NULL,
	task_ref    TEXT
);
CREATE INDEX IF NOT EXISTS idx_events_timestamp ON activity_events (timestamp DESC);

CREATE TABLE IF NOT EXISTS sync_queue (
	event_id      TEXT PRIMARY KEY REFERENCES activity_events (id),
	attempt_count INTEGER NOT NULL DEFAULT 0,
	next_retry_at TEXT NOT NULL,
	enqueued_at   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_queue_order ON sync_queue (enqueued_at ASC);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// AppendEvent writes one event to the log and enqueues it for delivery in a
// single transaction, so a crash can never record an event without queueing
// it or vice versa.
func (s *Store) AppendEvent(ctx context.Context, event models.ActivityEvent) error {
	taskRef := sql.NullString{}
	if event.MatchedTask != nil {
		encoded, err := json.Marshal(event.MatchedTask)
		if err != nil {
			return fmt.Errorf("encode task ref: %w", err)
		}
		taskRef = sql.NullString{String: string(encoded), Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO activity_events (id, timestamp, application, activity, confidence, task_ref)
		VALUES (?, ?, ?, ?, ?, ?)`,
		event.ID,
		event.Timestamp.UTC().Format(time.RFC3339Nano),
		event.ApplicationHint,
		event.ActivityLabel,
		event.Confidence,
		taskRef,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sync_queue (event_id, attempt_count, next_retry_at, enqueued_at)
		VALUES (?, 0, ?, ?)`,
		event.ID, now, now,
	)
	if err != nil {
		return fmt.Errorf("enqueue event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}
	return nil
}

// RecentEvents returns up to limit events, newest first.
func (s *Store) RecentEvents(ctx context.Context, limit int) ([]models.ActivityEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp, application, activity, confidence, task_ref
		FROM activity_events ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []models.ActivityEvent
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// EventByID fetches one event; sql.ErrNoRows when absent.
func (s *Store) EventByID(ctx context.Context, id string) (models.ActivityEvent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, timestamp, application, activity, confidence, task_ref
		FROM activity_events WHERE id = ?`, id)
	return scanEvent(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (models.ActivityEvent, error) {
	var (
		event   models.ActivityEvent
		ts      string
		taskRef sql.NullString
	)
	if err := row.Scan(&event.ID, &ts, &event.ApplicationHint,
		&event.ActivityLabel, &event.Confidence, &taskRef); err != nil {
		return models.ActivityEvent{}, err
	}

	parsed, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return models.ActivityEvent{}, fmt.Errorf("parse event timestamp: %w", err)
	}
	event.Timestamp = parsed

	if taskRef.Valid {
		var ref models.TaskRef
		if err := json.Unmarshal([]byte(taskRef.String), &ref); err != nil {
			return models.ActivityEvent{}, fmt.Errorf("decode task ref: %w", err)
		}
		event.MatchedTask = &ref
	}
	return event, nil
}

// NextDue returns the queue head if its retry time has passed, or
// sql.ErrNoRows otherwise. Only the head is ever offered: a retrying head
// blocks everything behind it, which is what keeps delivery in strict
// enqueue order.
func (s *Store) NextDue(ctx context.Context, now time.Time) (models.SyncQueueItem, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT event_id, attempt_count, next_retry_at, enqueued_at
		FROM sync_queue
		ORDER BY enqueued_at ASC LIMIT 1`)
	item, err := scanQueueItem(row)
	if err != nil {
		return models.SyncQueueItem{}, err
	}
	if item.NextRetryAt.After(now) {
		return models.SyncQueueItem{}, sql.ErrNoRows
	}
	return item, nil
}

func scanQueueItem(row rowScanner) (models.SyncQueueItem, error) {
	var (
		item     models.SyncQueueItem
		retry    string
		enqueued string
	)
	if err := row.Scan(&item.EventID, &item.AttemptCount, &retry, &enqueued); err != nil {
		return models.SyncQueueItem{}, err
	}

	var err error
	if item.NextRetryAt, err = time.Parse(time.RFC3339Nano, retry); err != nil {
		return models.SyncQueueItem{}, fmt.Errorf("parse retry time: %w", err)
	}
	if item.EnqueuedAt, err = time.Parse(time.RFC3339Nano, enqueued); err != nil {
		return models.SyncQueueItem{}, fmt.Errorf("parse enqueue time: %w", err)
	}
	return item, nil
}

// MarkDelivered removes a queue item after a confirmed acknowledgment.
func (s *Store) MarkDelivered(ctx context.Context, eventID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM sync_queue WHERE event_id = ?`, eventID)
	if err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	return nil
}

// Reschedule records a failed attempt and pushes the retry time out.
func (s *Store) Reschedule(ctx context.Context, eventID string, attemptCount int, nextRetryAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_queue SET attempt_count = ?, next_retry_at = ?
		WHERE event_id = ?`,
		attemptCount, nextRetryAt.UTC().Format(time.RFC3339Nano), eventID)
	if err != nil {
		return fmt.Errorf("reschedule event: %w", err)
	}
	return nil
}

// QueueDepth counts pending deliveries.
func (s *Store) QueueDepth(ctx context.Context) (int, error) {
	var depth int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_queue`).Scan(&depth)
	if err != nil {
		return 0, fmt.Errorf("count queue: %w", err)
	}
	return depth, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
