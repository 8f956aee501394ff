package store

import (
	"context"
	"time"
)

// Event is one entry in a take's lifecycle log.
type Event struct {
	ID        int64     `json:"id"`
	TakeID    string    `json:"take_id"`
	Type      string    `json:"type"`
	Payload   []byte    `json:"payload,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// AppendEvent writes an event into the log.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(take_id, event_type, payload, created_at) VALUES(?, ?, ?, ?)`,
		evt.TakeID, evt.Type, evt.Payload, evt.CreatedAt.UTC().UnixNano())
	return err
}

// ListTakeEvents retrieves up to limit events for a take ordered by time.
func (s *Store) ListTakeEvents(ctx context.Context, takeID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, take_id, event_type, payload, created_at
		 FROM events WHERE take_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, takeID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var created int64
		if err := rows.Scan(&e.ID, &e.TakeID, &e.Type, &e.Payload, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = time.Unix(0, created).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune drops events older than the configured retention. Takes and queue
// rows are never pruned.
func (s *Store) Prune(ctx context.Context) error {
	if s.cfg.EventRetentionDays <= 0 {
		return nil
	}
	cutoff := s.clock().Add(-time.Duration(s.cfg.EventRetentionDays) * 24 * time.Hour)
	_, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff.UTC().UnixNano())
	return err
}
