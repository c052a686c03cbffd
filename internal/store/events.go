package store

import (
	"context"
	"fmt"
	"time"
)

// Range limit policy: out-of-range counts fall back to the default.
const (
	DefaultRangeLimit = 50
	MaxRangeLimit     = 8192
)

// Event is the immutable event head row. The JSON shape doubles as the
// "head" half of the pub/sub payload.
type Event struct {
	ID        string `json:"id"`
	Ts        int64  `json:"ts"`
	Sender    string `json:"sender"`
	EventType string `json:"event_type"`
}

// Message is the message body row keyed by event id. Extensions is the
// canonical JSON encoding of the wire extensions map.
type Message struct {
	EventID        string `json:"event_id"`
	ReceiverID     string `json:"receiver_id"`
	ReceiverServer string `json:"receiver_server"`
	Text           string `json:"text"`
	Extensions     string `json:"extensions"`
}

// StoredEvent is one range-scan row: an event head joined to its message
// body.
type StoredEvent struct {
	Event   Event
	Message Message
}

// BoundKind selects the coordinate a range bound applies to.
type BoundKind int

const (
	ByID BoundKind = iota
	ByTimestamp
)

// Bound is one end of a Synchronize range: either an event id or a
// millisecond timestamp.
type Bound struct {
	Kind BoundKind
	ID   string
	Ts   uint64
}

func (b Bound) arg() any {
	if b.Kind == ByID {
		return b.ID
	}
	return int64(b.Ts)
}

// InsertEvent persists an event head.
func (s *Store) InsertEvent(ctx context.Context, e Event) error {
	defer s.observe("insert_event", time.Now())
	if _, err := s.db.ExecContext(ctx, s.stmts.insertEvent, e.ID, e.Ts, e.Sender, e.EventType); err != nil {
		return fmt.Errorf("insert event %s: %w", e.ID, err)
	}
	return nil
}

// InsertMessage persists a message body.
func (s *Store) InsertMessage(ctx context.Context, m Message) error {
	defer s.observe("insert_message", time.Now())
	if _, err := s.db.ExecContext(ctx, s.stmts.insertMessage,
		m.EventID, m.ReceiverID, m.ReceiverServer, m.Text, m.Extensions); err != nil {
		return fmt.Errorf("insert message %s: %w", m.EventID, err)
	}
	return nil
}

// RangeEvents returns events visible to userID through its message
// subscriptions, restricted to the half-open range (from, to] on the
// bounds' coordinates, newest event id first, at most limit rows.
// Counts outside [1, MaxRangeLimit] fall back to DefaultRangeLimit.
// Events without a message body never appear (inner join).
func (s *Store) RangeEvents(ctx context.Context, userID string, from, to Bound, limit int) ([]StoredEvent, error) {
	defer s.observe("range_events", time.Now())

	if limit < 1 || limit > MaxRangeLimit {
		limit = DefaultRangeLimit
	}

	query := s.stmts.rangeEvents[from.Kind][to.Kind]
	rows, err := s.db.QueryContext(ctx, query, userID, from.arg(), to.arg(), limit)
	if err != nil {
		return nil, fmt.Errorf("range events for %s: %w", userID, err)
	}
	defer rows.Close()

	var out []StoredEvent
	for rows.Next() {
		var se StoredEvent
		if err := rows.Scan(
			&se.Event.ID, &se.Event.Ts, &se.Event.Sender, &se.Event.EventType,
			&se.Message.EventID, &se.Message.ReceiverID, &se.Message.ReceiverServer,
			&se.Message.Text, &se.Message.Extensions,
		); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		out = append(out, se)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("range events for %s: %w", userID, err)
	}
	return out, nil
}
