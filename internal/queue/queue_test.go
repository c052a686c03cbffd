package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDispatcher(t *testing.T, capacity int) *Dispatcher {
	t.Helper()
	d := New(capacity, zerolog.Nop())
	t.Cleanup(d.Stop)
	return d
}

func TestSubmitExecutesTask(t *testing.T) {
	t.Parallel()
	d := testDispatcher(t, 4)

	ran := make(chan string, 1)
	err := d.Submit(context.Background(), Task{
		Name: "store_event",
		Run: func() error {
			ran <- "store_event"
			return nil
		},
	})
	require.NoError(t, err)

	select {
	case name := <-ran:
		assert.Equal(t, "store_event", name)
	case <-time.After(2 * time.Second):
		t.Fatal("task never ran")
	}
}

func TestSubmitBatchRunsAll(t *testing.T) {
	t.Parallel()
	d := testDispatcher(t, 8)

	var ran atomic.Int32
	var wg sync.WaitGroup
	wg.Add(3)
	tasks := []Task{
		{Name: "store_event", Run: func() error { defer wg.Done(); ran.Add(1); return nil }},
		{Name: "store_message", Run: func() error { defer wg.Done(); ran.Add(1); return nil }},
		{Name: "do_auth_update_user_passcode_db", Run: func() error { defer wg.Done(); ran.Add(1); return nil }},
	}
	require.NoError(t, d.SubmitBatch(context.Background(), tasks))

	wg.Wait()
	assert.Equal(t, int32(3), ran.Load())
}

func TestTaskFailureDoesNotReachSubmitter(t *testing.T) {
	t.Parallel()
	d := testDispatcher(t, 4)

	done := make(chan struct{})
	err := d.Submit(context.Background(), Task{
		Name: "store_message",
		Run: func() error {
			close(done)
			return assert.AnError
		},
	})
	require.NoError(t, err)
	<-done
}

func TestDispatcherSurvivesPanic(t *testing.T) {
	t.Parallel()
	d := testDispatcher(t, 4)

	panicked := make(chan struct{})
	require.NoError(t, d.Submit(context.Background(), Task{
		Name: "store_event",
		Run: func() error {
			defer close(panicked)
			panic("boom")
		},
	}))
	<-panicked

	// consumer must still accept and run work
	ran := make(chan struct{})
	require.NoError(t, d.Submit(context.Background(), Task{
		Name: "store_event",
		Run:  func() error { close(ran); return nil },
	}))
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher dead after task panic")
	}
}

func TestSubmitBlocksWhenFullAndHonorsContext(t *testing.T) {
	t.Parallel()
	d := testDispatcher(t, 1)

	// Plug the consumer with a slow task, then fill the channel.
	release := make(chan struct{})
	require.NoError(t, d.Submit(context.Background(), Task{
		Name: "slow",
		Run:  func() error { <-release; return nil },
	}))
	defer close(release)

	filled := false
	for i := 0; i < 4 && !filled; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		err := d.Submit(ctx, Task{Name: "filler", Run: func() error { <-release; return nil }})
		cancel()
		if err != nil {
			require.ErrorIs(t, err, context.DeadlineExceeded)
			filled = true
		}
	}
	assert.True(t, filled, "queue never exerted backpressure")
}

func TestStopDrainsAcceptedTasks(t *testing.T) {
	t.Parallel()
	d := New(8, zerolog.Nop())

	var ran atomic.Int32
	for i := 0; i < 5; i++ {
		require.NoError(t, d.Submit(context.Background(), Task{
			Name: "store_event",
			Run:  func() error { ran.Add(1); return nil },
		}))
	}

	d.Stop()
	assert.Equal(t, int32(5), ran.Load())

	err := d.Submit(context.Background(), Task{Name: "late", Run: func() error { return nil }})
	require.ErrorIs(t, err, ErrStopped)
}

func TestStopIsIdempotent(t *testing.T) {
	t.Parallel()
	d := New(2, zerolog.Nop())
	d.Stop()
	d.Stop()
}

func TestDepthAndCapacity(t *testing.T) {
	t.Parallel()
	d := testDispatcher(t, 7)
	assert.Equal(t, 7, d.Capacity())
	assert.GreaterOrEqual(t, d.Depth(), 0)
}

func TestDefaultCapacity(t *testing.T) {
	t.Parallel()
	d := New(0, zerolog.Nop())
	defer d.Stop()
	assert.Equal(t, DefaultCapacity, d.Capacity())
}
