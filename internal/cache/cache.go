// Package cache is the Redis layer: a read-through KV for hot
// credentials and the pub/sub fabric that fans events out to live
// streams. One client serves both roles.
//
// Key scheme, per user id:
//
//	<uid>:sharedkey   ECDH-derived AES key, base64
//	<uid>:passcode    current login passcode, plaintext
//	<uid>:duration    token lifetime in seconds
//	<uid>:subscribed  JSON array of "kind:id" channel names
//
// Entries carry no TTL; they live until rewritten or invalidated.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Limit-LAB/limit-server/internal/config"
)

// ErrMiss reports an absent or incomplete cache entry. A miss is the
// normal cold path; only transport failures are real errors.
var ErrMiss = errors.New("cache miss")

// AuthBundle is the hot credential triple served to DoAuth.
type AuthBundle struct {
	SharedKey string
	Passcode  string
	Duration  int64 // token lifetime, seconds
}

// Cache wraps one Redis client for KV reads/writes and pub/sub.
type Cache struct {
	client       *redis.Client
	pendingLimit int
	logger       zerolog.Logger
}

// New connects to the Redis named by cfg.RedisURL and verifies the
// connection with a ping. pendingLimit sizes per-subscription receive
// channels.
func New(cfg *config.Config, logger zerolog.Logger) (*Cache, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	logger.Info().Str("addr", opts.Addr).Msg("cache connected")

	return &Cache{
		client:       client,
		pendingLimit: cfg.PendingEventLimit,
		logger:       logger,
	}, nil
}

// Close releases the Redis connection pool.
func (c *Cache) Close() error {
	return c.client.Close()
}

// Ping reports cache reachability for health checks.
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func keySharedKey(userID string) string  { return userID + ":sharedkey" }
func keyPasscode(userID string) string   { return userID + ":passcode" }
func keyDuration(userID string) string   { return userID + ":duration" }
func keySubscribed(userID string) string { return userID + ":subscribed" }

// GetAuthBundle fetches the credential triple in one pipeline. Any
// absent key, or an unparseable duration, yields ErrMiss so the caller
// falls through to the store and rewrites the entry.
func (c *Cache) GetAuthBundle(ctx context.Context, userID string) (AuthBundle, error) {
	pipe := c.client.Pipeline()
	sharedKey := pipe.Get(ctx, keySharedKey(userID))
	passcode := pipe.Get(ctx, keyPasscode(userID))
	duration := pipe.Get(ctx, keyDuration(userID))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return AuthBundle{}, fmt.Errorf("auth bundle pipeline: %w", err)
	}

	var bundle AuthBundle
	var err error
	if bundle.SharedKey, err = stringResult(sharedKey); err != nil {
		return AuthBundle{}, err
	}
	if bundle.Passcode, err = stringResult(passcode); err != nil {
		return AuthBundle{}, err
	}
	raw, err := stringResult(duration)
	if err != nil {
		return AuthBundle{}, err
	}
	bundle.Duration, err = strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return AuthBundle{}, ErrMiss
	}
	return bundle, nil
}

// SetAuthBundle writes the credential triple in one pipeline.
func (c *Cache) SetAuthBundle(ctx context.Context, userID string, bundle AuthBundle) error {
	pipe := c.client.Pipeline()
	pipe.Set(ctx, keySharedKey(userID), bundle.SharedKey, 0)
	pipe.Set(ctx, keyPasscode(userID), bundle.Passcode, 0)
	pipe.Set(ctx, keyDuration(userID), strconv.FormatInt(bundle.Duration, 10), 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("write auth bundle: %w", err)
	}
	return nil
}

// SetPasscode overwrites only the passcode key. This is the synchronous
// half of a rotation; the store row follows via the background queue.
func (c *Cache) SetPasscode(ctx context.Context, userID, passcode string) error {
	if err := c.client.Set(ctx, keyPasscode(userID), passcode, 0).Err(); err != nil {
		return fmt.Errorf("write passcode: %w", err)
	}
	return nil
}

// GetPasscode reads the current passcode, ErrMiss when absent.
func (c *Cache) GetPasscode(ctx context.Context, userID string) (string, error) {
	return stringResult(c.client.Get(ctx, keyPasscode(userID)))
}

// GetSubscribed returns the cached channel-name list, ErrMiss when the
// key is absent or holds malformed JSON.
func (c *Cache) GetSubscribed(ctx context.Context, userID string) ([]string, error) {
	raw, err := stringResult(c.client.Get(ctx, keySubscribed(userID)))
	if err != nil {
		return nil, err
	}
	var channels []string
	if err := json.Unmarshal([]byte(raw), &channels); err != nil {
		return nil, ErrMiss
	}
	return channels, nil
}

// SetSubscribed caches the channel-name list as a JSON array.
func (c *Cache) SetSubscribed(ctx context.Context, userID string, channels []string) error {
	if channels == nil {
		channels = []string{}
	}
	raw, err := json.Marshal(channels)
	if err != nil {
		return fmt.Errorf("encode subscriptions: %w", err)
	}
	if err := c.client.Set(ctx, keySubscribed(userID), raw, 0).Err(); err != nil {
		return fmt.Errorf("write subscriptions: %w", err)
	}
	return nil
}

// InvalidateSubscribed drops the cached channel-name list so the next
// stream open reloads it from the store.
func (c *Cache) InvalidateSubscribed(ctx context.Context, userID string) error {
	if err := c.client.Del(ctx, keySubscribed(userID)).Err(); err != nil {
		return fmt.Errorf("invalidate subscriptions: %w", err)
	}
	return nil
}

func stringResult(cmd *redis.StringCmd) (string, error) {
	val, err := cmd.Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrMiss
	}
	if err != nil {
		return "", fmt.Errorf("cache read: %w", err)
	}
	return val, nil
}
