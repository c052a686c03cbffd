package event

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Limit-LAB/limit-server/internal/store"
)

// EventTypeMessage is the head event_type stamped on direct messages.
const EventTypeMessage = "message"

// Envelope is the fan-out payload published to receiver channels. Head
// and body reuse the persisted row shapes so the published bytes and
// the stored rows never drift apart.
type Envelope struct {
	Head store.Event  `json:"head"`
	Body EnvelopeBody `json:"body"`
}

// EnvelopeBody is a single-variant union keyed by variant name.
type EnvelopeBody struct {
	Message *store.Message `json:"Message,omitempty"`
}

var errNoMessageBody = errors.New("envelope has no message body")

// toEnvelope converts a wire event into its publish/persist form. The
// extensions map is flattened to its canonical JSON encoding, nil and
// empty maps both becoming "{}".
func toEnvelope(e Event) (Envelope, error) {
	msg := e.Detail.Message
	if msg == nil {
		return Envelope{}, errNoMessageBody
	}
	ext := msg.Extensions
	if ext == nil {
		ext = map[string]string{}
	}
	raw, err := json.Marshal(ext)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode extensions: %w", err)
	}
	return Envelope{
		Head: store.Event{
			ID:        e.EventID,
			Ts:        e.Timestamp,
			Sender:    e.Sender,
			EventType: EventTypeMessage,
		},
		Body: EnvelopeBody{Message: &store.Message{
			EventID:        e.EventID,
			ReceiverID:     msg.ReceiverID,
			ReceiverServer: msg.ReceiverServer,
			Text:           msg.Text,
			Extensions:     string(raw),
		}},
	}, nil
}

// toWire converts an envelope back into the wire shape delivered on
// streams and synchronize responses.
func toWire(env Envelope) (Event, error) {
	msg := env.Body.Message
	if msg == nil {
		return Event{}, errNoMessageBody
	}
	ext := map[string]string{}
	if msg.Extensions != "" {
		if err := json.Unmarshal([]byte(msg.Extensions), &ext); err != nil {
			return Event{}, fmt.Errorf("decode extensions: %w", err)
		}
	}
	if ext == nil {
		ext = map[string]string{}
	}
	return Event{
		EventID:   env.Head.ID,
		Timestamp: env.Head.Ts,
		Sender:    env.Head.Sender,
		Detail: Detail{Message: &Message{
			ReceiverID:     msg.ReceiverID,
			ReceiverServer: msg.ReceiverServer,
			Text:           msg.Text,
			Extensions:     ext,
		}},
	}, nil
}

func decodeEnvelope(payload []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Event{}, fmt.Errorf("decode envelope: %w", err)
	}
	return toWire(env)
}

func storedToWire(se store.StoredEvent) (Event, error) {
	return toWire(Envelope{Head: se.Event, Body: EnvelopeBody{Message: &se.Message}})
}
