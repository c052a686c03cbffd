// Package repo composes the cache and the store into one credential
// view and owns the coherence rules between them: reads fall through to
// the store and repopulate the cache, passcode rotations hit the cache
// before the store write is enqueued, and subscription writes invalidate
// the cached channel list.
package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/Limit-LAB/limit-server/internal/cache"
	"github.com/Limit-LAB/limit-server/internal/metrics"
	"github.com/Limit-LAB/limit-server/internal/queue"
	"github.com/Limit-LAB/limit-server/internal/store"
)

// Store writes deferred to the background queue run under their own
// deadline; the request context is gone by the time they execute.
const storeWriteTimeout = 5 * time.Second

// Credentials serves hot credential and subscription reads cache-first.
type Credentials struct {
	cache  *cache.Cache
	store  *store.Store
	queue  *queue.Dispatcher
	logger zerolog.Logger
}

// New builds the credential repository.
func New(c *cache.Cache, s *store.Store, q *queue.Dispatcher, logger zerolog.Logger) *Credentials {
	return &Credentials{cache: c, store: s, queue: q, logger: logger}
}

// GetAuthBundle returns the credential triple for userID, serving from
// the cache when complete and falling through to the store otherwise.
// A store fallthrough rewrites the cache entry. store.ErrNotFound passes
// through untouched for the caller to classify.
func (r *Credentials) GetAuthBundle(ctx context.Context, userID string) (store.AuthBundle, error) {
	cached, err := r.cache.GetAuthBundle(ctx, userID)
	if err == nil {
		metrics.DoAuthCacheHit.Inc()
		return store.AuthBundle{
			SharedKey:     cached.SharedKey,
			Passcode:      cached.Passcode,
			JWTExpiration: cached.Duration,
		}, nil
	}
	if !errors.Is(err, cache.ErrMiss) {
		return store.AuthBundle{}, fmt.Errorf("auth bundle cache read: %w", err)
	}

	metrics.DoAuthCacheMiss.Inc()
	bundle, err := r.store.GetAuthBundle(ctx, userID)
	if err != nil {
		return store.AuthBundle{}, err
	}

	if err := r.cache.SetAuthBundle(ctx, userID, cache.AuthBundle{
		SharedKey: bundle.SharedKey,
		Passcode:  bundle.Passcode,
		Duration:  bundle.JWTExpiration,
	}); err != nil {
		return store.AuthBundle{}, fmt.Errorf("auth bundle write-back: %w", err)
	}
	return bundle, nil
}

// CachePasscode synchronously writes the passcode cache key. After this
// returns, DoAuth reads see the new value.
func (r *Credentials) CachePasscode(ctx context.Context, userID, passcode string) error {
	return r.cache.SetPasscode(ctx, userID, passcode)
}

// EnqueuePasscodeWrite defers the passcode store-row update to the
// background queue under taskName. Call only after CachePasscode has
// succeeded; the cache copy is authoritative until the task runs.
func (r *Credentials) EnqueuePasscodeWrite(ctx context.Context, userID, passcode, taskName string) error {
	return r.queue.Submit(ctx, queue.Task{
		Name: taskName,
		Run: func() error {
			ctx, cancel := context.WithTimeout(context.Background(), storeWriteTimeout)
			defer cancel()
			return r.store.SetPasscode(ctx, userID, passcode)
		},
	})
}

// RotatePasscode makes passcode the user's current credential: the cache
// is written synchronously, then a background task named taskName is
// enqueued to update the store row. A DoAuth arriving between the two
// writes is served the new passcode from cache.
func (r *Credentials) RotatePasscode(ctx context.Context, userID, passcode, taskName string) error {
	if err := r.CachePasscode(ctx, userID, passcode); err != nil {
		return err
	}
	return r.EnqueuePasscodeWrite(ctx, userID, passcode, taskName)
}

// ChannelNames resolves the pub/sub channels userID should stream from,
// cache-first with a store fallthrough that rewrites the cached list.
// A user with no subscriptions yields an empty list, cached as such.
func (r *Credentials) ChannelNames(ctx context.Context, userID string) ([]string, error) {
	cached, err := r.cache.GetSubscribed(ctx, userID)
	if err == nil {
		metrics.ReceiveEventsCacheHit.Inc()
		return cached, nil
	}
	if !errors.Is(err, cache.ErrMiss) {
		return nil, fmt.Errorf("subscription cache read: %w", err)
	}

	metrics.ReceiveEventsCacheMiss.Inc()
	subs, err := r.store.ListSubscriptions(ctx, userID)
	if err != nil {
		return nil, err
	}

	channels := make([]string, 0, len(subs))
	for _, sub := range subs {
		channels = append(channels, sub.ChannelName())
	}
	if err := r.cache.SetSubscribed(ctx, userID, channels); err != nil {
		return nil, fmt.Errorf("subscription write-back: %w", err)
	}
	return channels, nil
}

// AddSubscription writes the subscription row and drops the user's
// cached channel list so the next stream open sees the new channel.
func (r *Credentials) AddSubscription(ctx context.Context, sub store.Subscription) error {
	if err := r.store.AddSubscription(ctx, sub); err != nil {
		return err
	}
	return r.cache.InvalidateSubscribed(ctx, sub.UserID)
}
