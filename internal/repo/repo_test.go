package repo

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Limit-LAB/limit-server/internal/cache"
	"github.com/Limit-LAB/limit-server/internal/config"
	"github.com/Limit-LAB/limit-server/internal/queue"
	"github.com/Limit-LAB/limit-server/internal/store"
)

type fixture struct {
	repo  *Credentials
	cache *cache.Cache
	store *store.Store
	queue *queue.Dispatcher
	redis *miniredis.Miniredis
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	mr := miniredis.RunT(t)
	cfg := &config.Config{
		DBDriver:          config.DriverSqlite,
		DBDSN:             filepath.Join(t.TempDir(), "limit.db"),
		DBPoolSize:        3,
		RedisURL:          "redis://" + mr.Addr(),
		PendingEventLimit: 100,
	}

	s, err := store.Open(cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Bootstrap(ctx))

	c, err := cache.New(cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	q := queue.New(8, zerolog.Nop())
	t.Cleanup(q.Stop)

	return &fixture{
		repo:  New(c, s, q, zerolog.Nop()),
		cache: c,
		store: s,
		queue: q,
		redis: mr,
	}
}

func seedUser(t *testing.T, s *store.Store, id string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.CreateUser(ctx, store.User{ID: id, Pubkey: "pub-" + id, Sharedkey: "shared-" + id}))
	require.NoError(t, s.SetPrivacySettings(ctx, store.PrivacySettings{
		ID:            id,
		Avatar:        "on",
		LastSeen:      "on",
		JoinedGroups:  "on",
		Forwards:      "on",
		JWTExpiration: 114514,
	}))
	require.NoError(t, s.SetPasscode(ctx, id, "123456"))
}

func TestGetAuthBundleColdPathPopulatesCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedUser(t, f.store, "u1")

	bundle, err := f.repo.GetAuthBundle(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "shared-u1", bundle.SharedKey)
	assert.Equal(t, "123456", bundle.Passcode)
	assert.Equal(t, int64(114514), bundle.JWTExpiration)

	// The fallthrough must have written all three keys.
	cached, err := f.cache.GetAuthBundle(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "shared-u1", cached.SharedKey)
	assert.Equal(t, "123456", cached.Passcode)
	assert.Equal(t, int64(114514), cached.Duration)
}

func TestGetAuthBundleServedFromCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Only the cache knows this user; a store fallthrough would fail.
	require.NoError(t, f.cache.SetAuthBundle(ctx, "ghost", cache.AuthBundle{
		SharedKey: "k", Passcode: "p", Duration: 60,
	}))

	bundle, err := f.repo.GetAuthBundle(ctx, "ghost")
	require.NoError(t, err)
	assert.Equal(t, "k", bundle.SharedKey)
	assert.Equal(t, int64(60), bundle.JWTExpiration)
}

func TestGetAuthBundleUnknownUser(t *testing.T) {
	f := newFixture(t)

	_, err := f.repo.GetAuthBundle(context.Background(), "nobody")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRotatePasscodeCacheFirstThenStore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedUser(t, f.store, "u1")

	require.NoError(t, f.repo.RotatePasscode(ctx, "u1", "^pQ_7=", "request_auth_update_user_passcode_db"))

	// Cache is current immediately.
	got, err := f.cache.GetPasscode(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "^pQ_7=", got)

	// The store row follows once the background task runs.
	require.Eventually(t, func() bool {
		bundle, err := f.store.GetAuthBundle(ctx, "u1")
		return err == nil && bundle.Passcode == "^pQ_7="
	}, 2*time.Second, 10*time.Millisecond)
}

func TestChannelNamesColdPathCachesList(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedUser(t, f.store, "u1")
	require.NoError(t, f.store.AddSubscription(ctx, store.Subscription{
		UserID: "u1", SubscribedTo: "u1", ChannelType: "message",
	}))

	channels, err := f.repo.ChannelNames(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"message:u1"}, channels)

	cached, err := f.cache.GetSubscribed(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"message:u1"}, cached)
}

func TestChannelNamesServedFromCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.cache.SetSubscribed(ctx, "u1", []string{"message:u1", "group:g1"}))

	channels, err := f.repo.ChannelNames(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"message:u1", "group:g1"}, channels)
}

func TestChannelNamesEmptyIsCached(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedUser(t, f.store, "u1")

	channels, err := f.repo.ChannelNames(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, channels)

	// Second read is a cache hit, not another store scan.
	cached, err := f.cache.GetSubscribed(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, cached)
}

func TestAddSubscriptionInvalidatesCachedList(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedUser(t, f.store, "u1")

	// Prime the cache with the pre-write state.
	_, err := f.repo.ChannelNames(ctx, "u1")
	require.NoError(t, err)

	require.NoError(t, f.repo.AddSubscription(ctx, store.Subscription{
		UserID: "u1", SubscribedTo: "g9", ChannelType: "group",
	}))

	// The stale empty list must not be served.
	channels, err := f.repo.ChannelNames(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"group:g9"}, channels)
}
