package event

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/Limit-LAB/limit-server/internal/auth"
	"github.com/Limit-LAB/limit-server/internal/cache"
	"github.com/Limit-LAB/limit-server/internal/logging"
	"github.com/Limit-LAB/limit-server/internal/metrics"
	"github.com/Limit-LAB/limit-server/internal/status"
)

// Stream is one live ReceiveEvents subscription. Events decoded from
// the caller's channels arrive on Events; payloads that do not decode
// are counted and skipped, never delivered and never fatal.
type Stream struct {
	identity  auth.Identity
	sub       *cache.Subscription // nil when the caller has no subscriptions
	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
	logger    zerolog.Logger
}

// OpenStream authenticates the caller, loads its subscribed channels
// and registers on the fan-out fabric. A caller with no subscriptions
// gets an idle stream that stays open but never yields.
func (s *Service) OpenStream(ctx context.Context, token string) (*Stream, error) {
	identity, err := s.authenticate(token)
	if err != nil {
		return nil, err
	}
	channels, err := s.creds.ChannelNames(ctx, identity.UserID)
	if err != nil {
		return nil, status.Wrap(status.Internal, "load subscriptions", err)
	}

	st := &Stream{
		identity: identity,
		events:   make(chan Event),
		done:     make(chan struct{}),
		logger:   s.logger.With().Str("user_id", identity.UserID).Logger(),
	}
	if len(channels) > 0 {
		sub, err := s.cache.Subscribe(ctx, channels...)
		if err != nil {
			return nil, status.Wrap(status.Internal, "subscribe", err)
		}
		st.sub = sub
		go st.pump()
	}

	metrics.StreamsTotal.Inc()
	metrics.StreamsActive.Inc()
	s.logger.Info().
		Str("user_id", identity.UserID).
		Str("device_id", identity.DeviceID).
		Int("channels", len(channels)).
		Msg("stream opened")
	return st, nil
}

// Events delivers decoded events until the stream is closed.
func (st *Stream) Events() <-chan Event {
	return st.events
}

// Identity reports the authenticated caller.
func (st *Stream) Identity() auth.Identity {
	return st.identity
}

// Close tears down the subscription and closes Events. Idempotent.
func (st *Stream) Close() {
	st.closeOnce.Do(func() {
		close(st.done)
		if st.sub != nil {
			if err := st.sub.Close(); err != nil {
				st.logger.Debug().Err(err).Msg("subscription close")
			}
		} else {
			close(st.events)
		}
		metrics.StreamsActive.Dec()
		st.logger.Info().Msg("stream closed")
	})
}

// pump decodes fabric payloads into wire events. It owns closing
// st.events: the loop ends when the subscription closes its message
// channel or when Close is observed mid-send.
func (st *Stream) pump() {
	defer logging.RecoverPanic(st.logger, "streamPump", nil)
	defer close(st.events)
	for msg := range st.sub.Messages() {
		ev, err := decodeEnvelope([]byte(msg.Payload))
		if err != nil {
			metrics.EventsDropped.WithLabelValues(metrics.DropReasonBadPayload).Inc()
			st.logger.Warn().Err(err).Str("channel", msg.Channel).Msg("dropping undecodable payload")
			continue
		}
		select {
		case st.events <- ev:
		case <-st.done:
			return
		}
	}
}
