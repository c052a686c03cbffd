// Package limits holds the admission controls: a per-user token bucket
// in front of RequestAuth and a resource guard in front of stream
// upgrades.
package limits

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/Limit-LAB/limit-server/internal/metrics"
)

// Stale per-user buckets are dropped after this much inactivity.
const (
	userLimiterTTL  = 5 * time.Minute
	cleanupInterval = time.Minute
)

// AuthLimiter throttles RequestAuth per user id. Passcode generation
// invalidates the previous passcode, so an unthrottled caller could
// lock a victim out by rotating their credential in a loop.
type AuthLimiter struct {
	mu    sync.RWMutex
	users map[string]*userLimiterEntry

	rate  float64
	burst int

	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
	stopOnce      sync.Once
	logger        zerolog.Logger
}

type userLimiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// NewAuthLimiter builds the limiter and starts its cleanup goroutine.
// Each user id gets a token bucket refilled at ratePerSec with the given
// burst.
func NewAuthLimiter(ratePerSec float64, burst int, logger zerolog.Logger) *AuthLimiter {
	l := &AuthLimiter{
		users:       make(map[string]*userLimiterEntry),
		rate:        ratePerSec,
		burst:       burst,
		stopCleanup: make(chan struct{}),
		logger:      logger,
	}

	l.cleanupTicker = time.NewTicker(cleanupInterval)
	go l.cleanupLoop()

	return l
}

// Allow reports whether a RequestAuth for userID may proceed now.
// Denials are counted on the auth-throttled metric.
func (l *AuthLimiter) Allow(userID string) bool {
	if l.userLimiter(userID).Allow() {
		return true
	}

	metrics.AuthThrottled.Inc()
	l.logger.Debug().
		Str("user_id", userID).
		Float64("rate", l.rate).
		Int("burst", l.burst).
		Msg("request_auth throttled")
	return false
}

func (l *AuthLimiter) userLimiter(userID string) *rate.Limiter {
	l.mu.RLock()
	entry, ok := l.users[userID]
	l.mu.RUnlock()

	if ok {
		l.mu.Lock()
		entry.lastAccess = time.Now()
		l.mu.Unlock()
		return entry.limiter
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Double-check after taking the write lock.
	if entry, ok = l.users[userID]; ok {
		entry.lastAccess = time.Now()
		return entry.limiter
	}

	entry = &userLimiterEntry{
		limiter:    rate.NewLimiter(rate.Limit(l.rate), l.burst),
		lastAccess: time.Now(),
	}
	l.users[userID] = entry
	return entry.limiter
}

func (l *AuthLimiter) cleanupLoop() {
	for {
		select {
		case <-l.cleanupTicker.C:
			l.cleanup()
		case <-l.stopCleanup:
			l.cleanupTicker.Stop()
			return
		}
	}
}

func (l *AuthLimiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	removed := 0
	for id, entry := range l.users {
		if now.Sub(entry.lastAccess) > userLimiterTTL {
			delete(l.users, id)
			removed++
		}
	}
	if removed > 0 {
		l.logger.Debug().
			Int("removed", removed).
			Int("remaining", len(l.users)).
			Msg("dropped stale auth limiters")
	}
}

// Tracked reports how many user buckets are live.
func (l *AuthLimiter) Tracked() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.users)
}

// Stop ends the cleanup goroutine. Safe to call more than once.
func (l *AuthLimiter) Stop() {
	l.stopOnce.Do(func() {
		close(l.stopCleanup)
	})
}
