package limits

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthLimiterAllowsBurstThenDenies(t *testing.T) {
	t.Parallel()
	l := NewAuthLimiter(1, 5, zerolog.Nop())
	defer l.Stop()

	for i := 0; i < 5; i++ {
		assert.True(t, l.Allow("u1"), "request %d within burst", i+1)
	}
	assert.False(t, l.Allow("u1"), "burst+1 must be denied")
}

func TestAuthLimiterIsolatesUsers(t *testing.T) {
	t.Parallel()
	l := NewAuthLimiter(1, 1, zerolog.Nop())
	defer l.Stop()

	require.True(t, l.Allow("u1"))
	require.False(t, l.Allow("u1"))

	// Another id has its own bucket.
	assert.True(t, l.Allow("u2"))
	assert.Equal(t, 2, l.Tracked())
}

func TestAuthLimiterRefills(t *testing.T) {
	t.Parallel()
	l := NewAuthLimiter(50, 1, zerolog.Nop())
	defer l.Stop()

	require.True(t, l.Allow("u1"))
	require.False(t, l.Allow("u1"))

	assert.Eventually(t, func() bool { return l.Allow("u1") },
		time.Second, 5*time.Millisecond)
}

func TestAuthLimiterStopIsIdempotent(t *testing.T) {
	t.Parallel()
	l := NewAuthLimiter(1, 1, zerolog.Nop())
	l.Stop()
	l.Stop()
}

func TestStreamGuardSlotExhaustion(t *testing.T) {
	t.Parallel()
	g := NewStreamGuard(2, 85, 0, zerolog.Nop())

	ok, _ := g.Admit()
	require.True(t, ok)
	ok, _ = g.Admit()
	require.True(t, ok)
	assert.Equal(t, 2, g.Active())

	ok, reason := g.Admit()
	assert.False(t, ok)
	assert.Equal(t, RejectMaxStreams, reason)

	g.Release()
	ok, _ = g.Admit()
	assert.True(t, ok, "released slot must be reusable")
}

func TestStreamGuardCPURejection(t *testing.T) {
	t.Parallel()
	g := NewStreamGuard(10, 85, 0, zerolog.Nop())
	g.currentCPU.Store(99.5)

	ok, reason := g.Admit()
	assert.False(t, ok)
	assert.Equal(t, RejectCPU, reason)
	assert.Equal(t, 0, g.Active(), "rejected admit must not leak a slot")
}

func TestStreamGuardMemoryRejection(t *testing.T) {
	t.Parallel()
	g := NewStreamGuard(10, 85, 1, zerolog.Nop()) // 1-byte limit
	g.currentMemory.Store(int64(2))

	ok, reason := g.Admit()
	assert.False(t, ok)
	assert.Equal(t, RejectMemory, reason)
}

func TestStreamGuardMemoryCheckDisabled(t *testing.T) {
	t.Parallel()
	g := NewStreamGuard(10, 85, 0, zerolog.Nop())
	g.currentMemory.Store(int64(1 << 40))

	ok, _ := g.Admit()
	assert.True(t, ok, "zero memory limit disables the check")
}

func TestStreamGuardStats(t *testing.T) {
	t.Parallel()
	g := NewStreamGuard(3, 85, 0, zerolog.Nop())
	ok, _ := g.Admit()
	require.True(t, ok)

	stats := g.Stats()
	assert.Equal(t, 1, stats["streams_active"])
	assert.Equal(t, 3, stats["streams_max"])
	assert.NotEmpty(t, g.String())
}

func TestStreamGuardMonitoringStops(t *testing.T) {
	t.Parallel()
	g := NewStreamGuard(1, 85, 0, zerolog.Nop())
	stop := make(chan struct{})
	g.StartMonitoring(stop, 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	close(stop)
}

func writeCgroupFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestReadMemoryLimitCgroupV2(t *testing.T) {
	t.Parallel()
	v2 := writeCgroupFile(t, "memory.max", "536870912\n")

	limit, err := readMemoryLimit(v2, "/nonexistent")
	require.NoError(t, err)
	assert.Equal(t, int64(536870912), limit)
}

func TestReadMemoryLimitCgroupV2Unlimited(t *testing.T) {
	t.Parallel()
	v2 := writeCgroupFile(t, "memory.max", "max\n")

	limit, err := readMemoryLimit(v2, "/nonexistent")
	require.NoError(t, err)
	assert.Zero(t, limit)
}

func TestReadMemoryLimitFallsBackToV1(t *testing.T) {
	t.Parallel()
	v1 := writeCgroupFile(t, "memory.limit_in_bytes", "268435456")

	limit, err := readMemoryLimit("/nonexistent", v1)
	require.NoError(t, err)
	assert.Equal(t, int64(268435456), limit)
}

func TestReadMemoryLimitV1Unlimited(t *testing.T) {
	t.Parallel()
	// v1 reports "no limit" as a page-rounded huge number.
	v1 := writeCgroupFile(t, "memory.limit_in_bytes", "9223372036854771712")

	limit, err := readMemoryLimit("/nonexistent", v1)
	require.NoError(t, err)
	assert.Zero(t, limit)
}

func TestReadMemoryLimitNoCgroup(t *testing.T) {
	t.Parallel()
	limit, err := readMemoryLimit("/nonexistent", "/nonexistent")
	require.NoError(t, err)
	assert.Zero(t, limit)
}

func TestReadMemoryLimitMalformed(t *testing.T) {
	t.Parallel()
	v2 := writeCgroupFile(t, "memory.max", "not-a-number")

	_, err := readMemoryLimit(v2, "/nonexistent")
	assert.Error(t, err)
}
