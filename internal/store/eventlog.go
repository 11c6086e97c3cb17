package store

import (
	"context"
	"fmt"
	"time"

	"github.com/loomworks/loom/pkg/schema"
)

// EventLog appends run events with per-run monotonic sequences on top
// of a LibSQLStore.
type EventLog struct {
	store *LibSQLStore
}

func NewEventLog(s *LibSQLStore) *EventLog {
	return &EventLog{store: s}
}

// AppendEvent assigns the next sequence number for the event's run and
// inserts it. The sequence read and the insert share one write
// transaction so concurrent appenders cannot allocate the same number.
func (l *EventLog) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := l.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append tx: %w", err)
	}
	defer tx.Rollback()

	// In WAL mode the transaction stays deferred until its first write.
	// Touch a row up front to take the write lock before reading the
	// current sequence.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, name) VALUES (-1, '_lock_noop')`); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM schema_version WHERE version = -1`); err != nil {
		return fmt.Errorf("cleanup write lock: %w", err)
	}

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE run_id = ?`, event.RunID,
	).Scan(&seq); err != nil {
		return fmt.Errorf("next sequence: %w", err)
	}
	event.Sequence = seq
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events (run_id, step_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.RunID, nullStr(event.StepID), event.Type, nullRaw(event.Payload), event.Timestamp, seq,
	); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// GetEvents returns the run's events with sequence > since, ordered ascending.
func (l *EventLog) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	return l.store.GetEvents(ctx, runID, since)
}

// History returns the run's full ordered history and fails on any
// sequence gap, which would indicate a lost event.
func (l *EventLog) History(ctx context.Context, runID string) ([]*Event, error) {
	events, err := l.store.GetEvents(ctx, runID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events: %w", err)
	}
	for i, e := range events {
		if want := int64(i + 1); e.Sequence != want {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in run %s: expected %d, got %d", runID, want, e.Sequence)
		}
	}
	return events, nil
}
