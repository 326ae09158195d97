package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/thebtf/coach/pkg/models"
)

// EventStore persists detected signal events.
type EventStore struct {
	*Store
}

// OpenEventStore opens (creating if needed) the events database at path.
func OpenEventStore(path string) (*EventStore, error) {
	s, err := openStore(StoreConfig{Path: path}, EventMigrations)
	if err != nil {
		return nil, err
	}
	return &EventStore{Store: s}, nil
}

// OpenExistingEventStore opens the events database, failing with
// ErrNotInitialized when the file is missing.
func OpenExistingEventStore(path string) (*EventStore, error) {
	if err := requireExisting(path); err != nil {
		return nil, err
	}
	return OpenEventStore(path)
}

const insertEventSQL = `
	INSERT INTO events (id, timestamp, timestamp_epoch, event_type, signal_type, repo_id, confidence, content, context, processed)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// Insert stores one event.
func (s *EventStore) Insert(ctx context.Context, ev *models.Event) error {
	processed := 0
	if ev.Processed {
		processed = 1
	}
	_, err := s.ExecContext(ctx, insertEventSQL,
		ev.ID,
		ev.Timestamp.UTC().Format(time.RFC3339Nano),
		ev.Timestamp.UnixMilli(),
		string(ev.Phase),
		string(ev.SignalType),
		ev.RepoID,
		ev.Confidence,
		string(ev.Content),
		string(ev.ContextJSON),
		processed,
	)
	if err != nil {
		return fmt.Errorf("insert event %s: %w", ev.ID, err)
	}
	return nil
}

// Unprocessed returns all unprocessed events in chronological order.
func (s *EventStore) Unprocessed(ctx context.Context) ([]*models.Event, error) {
	rows, err := s.QueryContext(ctx, `
		SELECT id, timestamp, event_type, signal_type, repo_id, confidence, content, context, processed
		FROM events
		WHERE processed = 0
		ORDER BY timestamp_epoch ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query unprocessed events: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanEvents(rows)
}

// Recent returns the newest events regardless of processed state.
func (s *EventStore) Recent(ctx context.Context, limit int) ([]*models.Event, error) {
	rows, err := s.QueryContext(ctx, `
		SELECT id, timestamp, event_type, signal_type, repo_id, confidence, content, context, processed
		FROM events
		ORDER BY timestamp_epoch DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent events: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanEvents(rows)
}

// MarkProcessed flags the given events as consumed. Always called after
// aggregation, even for events that produced no candidate.
func (s *EventStore) MarkProcessed(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	_, err := s.db.ExecContext(ctx,
		"UPDATE events SET processed = 1 WHERE id IN ("+placeholders+")", args...)
	if err != nil {
		return fmt.Errorf("mark events processed: %w", err)
	}
	return nil
}

// CountsBySignal returns event counts grouped by signal type.
func (s *EventStore) CountsBySignal(ctx context.Context) (map[models.SignalType]int, error) {
	rows, err := s.QueryContext(ctx,
		"SELECT signal_type, COUNT(*) FROM events GROUP BY signal_type")
	if err != nil {
		return nil, fmt.Errorf("count events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[models.SignalType]int)
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		counts[models.SignalType(st)] = n
	}
	return counts, rows.Err()
}

// UnprocessedCount returns the number of events awaiting aggregation.
func (s *EventStore) UnprocessedCount(ctx context.Context) (int, error) {
	var n int
	err := s.QueryRowContext(ctx, "SELECT COUNT(*) FROM events WHERE processed = 0").Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count unprocessed events: %w", err)
	}
	return n, nil
}

func scanEvents(rows *sql.Rows) ([]*models.Event, error) {
	var out []*models.Event
	for rows.Next() {
		var (
			ev        models.Event
			ts        string
			phase     string
			signal    string
			content   string
			ctxJSON   sql.NullString
			processed int
		)
		if err := rows.Scan(&ev.ID, &ts, &phase, &signal, &ev.RepoID, &ev.Confidence, &content, &ctxJSON, &processed); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}

		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("parse event timestamp %q: %w", ts, err)
		}
		ev.Timestamp = parsed
		ev.Phase = models.EventPhase(phase)
		ev.SignalType = models.SignalType(signal)
		ev.Content = []byte(content)
		if ctxJSON.Valid {
			ev.ContextJSON = []byte(ctxJSON.String)
		}
		ev.Processed = processed != 0

		out = append(out, &ev)
	}
	return out, rows.Err()
}
