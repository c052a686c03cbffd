// Package event implements the messaging core: SendEvent publishes and
// persists, OpenStream fans events out to live receivers, Synchronize
// replays the persisted log over a bounded range.
package event

import (
	"errors"

	"github.com/Limit-LAB/limit-server/internal/store"
)

// Event is the wire shape exchanged with clients, as JSON bodies on the
// send/synchronize calls and as one text frame per event on streams.
type Event struct {
	EventID   string `json:"event_id"`
	Timestamp int64  `json:"timestamp"` // milliseconds UTC
	Sender    string `json:"sender"`
	Detail    Detail `json:"detail"`
}

// Detail carries exactly one event variant. Message is the only one
// this server handles.
type Detail struct {
	Message *Message `json:"message,omitempty"`
}

// Message is a direct message addressed to one receiver on one server.
type Message struct {
	ReceiverID     string            `json:"receiver_id"`
	ReceiverServer string            `json:"receiver_server"`
	Text           string            `json:"text"`
	Extensions     map[string]string `json:"extensions"`
}

// Bound is one end of a Synchronize range: an event id or a millisecond
// timestamp, exactly one of the two.
type Bound struct {
	EventID *string `json:"event_id,omitempty"`
	Ts      *uint64 `json:"ts,omitempty"`
}

var errBadBound = errors.New("bound needs exactly one of event_id or ts")

func (b Bound) storeBound() (store.Bound, error) {
	switch {
	case b.EventID != nil && b.Ts == nil:
		return store.Bound{Kind: store.ByID, ID: *b.EventID}, nil
	case b.Ts != nil && b.EventID == nil:
		return store.Bound{Kind: store.ByTimestamp, Ts: *b.Ts}, nil
	default:
		return store.Bound{}, errBadBound
	}
}
