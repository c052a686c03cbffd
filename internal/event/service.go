package event

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Limit-LAB/limit-server/internal/auth"
	"github.com/Limit-LAB/limit-server/internal/cache"
	"github.com/Limit-LAB/limit-server/internal/config"
	"github.com/Limit-LAB/limit-server/internal/metrics"
	"github.com/Limit-LAB/limit-server/internal/queue"
	"github.com/Limit-LAB/limit-server/internal/repo"
	"github.com/Limit-LAB/limit-server/internal/status"
	"github.com/Limit-LAB/limit-server/internal/store"
)

const storeWriteTimeout = 5 * time.Second

// Service handles event send, live delivery and replay for
// authenticated users.
type Service struct {
	creds     *repo.Credentials
	store     *store.Store
	cache     *cache.Cache
	queue     *queue.Dispatcher
	tokens    *auth.Manager
	serverURL string
	logger    zerolog.Logger
}

func NewService(cfg *config.Config, creds *repo.Credentials, st *store.Store, c *cache.Cache,
	q *queue.Dispatcher, tokens *auth.Manager, logger zerolog.Logger) *Service {
	return &Service{
		creds:     creds,
		store:     st,
		cache:     c,
		queue:     q,
		tokens:    tokens,
		serverURL: cfg.URL,
		logger:    logger.With().Str("component", "event").Logger(),
	}
}

// authenticate resolves the caller identity from a bearer token.
func (s *Service) authenticate(token string) (auth.Identity, error) {
	if token == "" {
		return auth.Identity{}, status.New(status.Unauthenticated, "no auth token")
	}
	identity, err := s.tokens.Verify(token)
	if err != nil {
		s.logger.Warn().Err(err).Msg("token verification failed")
		return auth.Identity{}, status.New(status.Unauthenticated, "invalid token")
	}
	return identity, nil
}

// SendEvent publishes a message event to its receiver channel and
// enqueues the persistence writes. The server overrides any
// client-supplied event id with a fresh one; sender and timestamp are
// kept as sent. Publish happens before the store writes are enqueued,
// so a live receiver can observe the event before it is durable.
func (s *Service) SendEvent(ctx context.Context, token string, ev *Event) (string, error) {
	if _, err := s.authenticate(token); err != nil {
		return "", err
	}
	if ev == nil || ev.Detail.Message == nil {
		return "", status.New(status.Cancelled, "message is empty")
	}

	sent := *ev
	sent.EventID = uuid.NewString()
	msg := sent.Detail.Message
	if msg.ReceiverServer != s.serverURL {
		return "", status.New(status.Unimplemented, "cross-server delivery is not implemented")
	}

	env, err := toEnvelope(sent)
	if err != nil {
		return "", status.Wrap(status.Internal, "encode event", err)
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return "", status.Wrap(status.Internal, "encode event", err)
	}

	channel := cache.MessageChannel(msg.ReceiverID)
	if err := s.cache.Publish(ctx, channel, payload); err != nil {
		return "", status.Wrap(status.Internal, "publish event", err)
	}
	metrics.EventsPublished.Inc()
	s.logger.Debug().
		Str("event_id", sent.EventID).
		Str("channel", channel).
		Msg("event published")

	head := env.Head
	body := *env.Body.Message
	err = s.queue.SubmitBatch(ctx, []queue.Task{
		{Name: "store_event", Run: func() error {
			wctx, cancel := context.WithTimeout(context.Background(), storeWriteTimeout)
			defer cancel()
			return s.store.InsertEvent(wctx, head)
		}},
		{Name: "store_message", Run: func() error {
			wctx, cancel := context.WithTimeout(context.Background(), storeWriteTimeout)
			defer cancel()
			return s.store.InsertMessage(wctx, body)
		}},
	})
	if err != nil {
		// Receivers already saw the event; only durability is lost.
		s.logger.Error().Err(err).Str("event_id", sent.EventID).Msg("enqueue event persistence failed")
		return "", status.Wrap(status.Internal, "persist event", err)
	}
	return sent.EventID, nil
}

// Synchronize replays persisted events visible to the caller, newest
// first, between two bounds. Both bounds are required; each may be an
// event id or a millisecond timestamp, mixed freely.
func (s *Service) Synchronize(ctx context.Context, token string, from, to *Bound, count int) ([]Event, error) {
	identity, err := s.authenticate(token)
	if err != nil {
		return nil, err
	}
	if from == nil || to == nil {
		return nil, status.New(status.InvalidArgument, "both from and to bounds are required")
	}
	lower, err := from.storeBound()
	if err != nil {
		return nil, status.Wrap(status.InvalidArgument, "from", err)
	}
	upper, err := to.storeBound()
	if err != nil {
		return nil, status.Wrap(status.InvalidArgument, "to", err)
	}

	rows, err := s.store.RangeEvents(ctx, identity.UserID, lower, upper, count)
	if err != nil {
		return nil, status.Wrap(status.Internal, "range events", err)
	}
	events := make([]Event, 0, len(rows))
	for _, row := range rows {
		ev, err := storedToWire(row)
		if err != nil {
			s.logger.Warn().Err(err).Str("event_id", row.Event.ID).Msg("skipping undecodable stored event")
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}
