// Package queue runs deferred persistence work off the request path.
//
// One process-wide Dispatcher owns a bounded work channel and a single
// consumer goroutine; each accepted task runs on its own goroutine so a
// slow store write never holds up the tasks behind it. Submission blocks
// while the channel is full, which is the backpressure surface handlers
// feel. Tasks accepted but not yet executed at process exit are lost;
// callers that need durability before replying must not use the queue.
package queue

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Limit-LAB/limit-server/internal/metrics"
)

// DefaultCapacity bounds the work channel when no explicit capacity is
// configured.
const DefaultCapacity = 100

// ErrStopped reports a submit attempted after Stop.
var ErrStopped = errors.New("background queue stopped")

// Task is one unit of deferred work. Name labels the task in logs and
// metrics; Run does the work. A returned error is logged and counted,
// never surfaced to the submitter.
type Task struct {
	Name string
	Run  func() error
}

// Dispatcher accepts tasks and executes them asynchronously.
//
// All methods are safe for concurrent use. Stop drains tasks already
// accepted, waits for in-flight ones, and releases blocked submitters
// with ErrStopped.
type Dispatcher struct {
	work    chan Task
	control chan struct{} // closed by Stop
	done    chan struct{} // closed when the consumer exits

	inflight sync.WaitGroup
	stopOnce sync.Once
	logger   zerolog.Logger
}

// New creates a dispatcher with the given work-channel capacity
// (DefaultCapacity when capacity <= 0) and starts its consumer.
func New(capacity int, logger zerolog.Logger) *Dispatcher {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	d := &Dispatcher{
		work:    make(chan Task, capacity),
		control: make(chan struct{}),
		done:    make(chan struct{}),
		logger:  logger,
	}
	go d.consume()
	return d
}

// Submit enqueues one task. It blocks while the work channel is full and
// fails only when ctx is done or the dispatcher has been stopped.
func (d *Dispatcher) Submit(ctx context.Context, task Task) error {
	select {
	case <-d.control:
		return ErrStopped
	default:
	}

	select {
	case d.work <- task:
		metrics.BackgroundQueueDepth.Set(float64(len(d.work)))
		return nil
	case <-d.control:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SubmitBatch enqueues tasks in order, stopping at the first failure.
func (d *Dispatcher) SubmitBatch(ctx context.Context, tasks []Task) error {
	for _, task := range tasks {
		if err := d.Submit(ctx, task); err != nil {
			return err
		}
	}
	return nil
}

// Stop shuts the dispatcher down: blocked submitters are released,
// already-accepted tasks are drained and executed, and Stop returns once
// every in-flight task has finished. Safe to call more than once.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.control)
		<-d.done
	})
}

// Depth reports how many tasks are waiting in the work channel.
func (d *Dispatcher) Depth() int {
	return len(d.work)
}

// Capacity reports the work-channel bound.
func (d *Dispatcher) Capacity() int {
	return cap(d.work)
}

// consume is the dispatcher event loop: take a task, spawn it, repeat.
// On stop it drains whatever was accepted before the control channel
// closed, then waits for the spawned tasks.
func (d *Dispatcher) consume() {
	defer close(d.done)

	for {
		select {
		case <-d.control:
			d.drain()
			return
		case task := <-d.work:
			d.dispatch(task)
		}
	}
}

func (d *Dispatcher) drain() {
	for {
		select {
		case task := <-d.work:
			d.dispatch(task)
		default:
			d.inflight.Wait()
			return
		}
	}
}

func (d *Dispatcher) dispatch(task Task) {
	metrics.BackgroundQueueDepth.Set(float64(len(d.work)))
	d.inflight.Add(1)
	go func() {
		defer d.inflight.Done()
		d.execute(task)
	}()
}

func (d *Dispatcher) execute(task Task) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			metrics.BackgroundTaskFailures.WithLabelValues(task.Name).Inc()
			d.logger.Error().
				Str("task", task.Name).
				Interface("panic_value", r).
				Str("stack_trace", string(debug.Stack())).
				Msg("background task panicked")
		}
	}()

	err := task.Run()
	elapsed := time.Since(start)
	metrics.BackgroundTaskDuration.WithLabelValues(task.Name).Observe(elapsed.Seconds())

	if err != nil {
		metrics.BackgroundTaskFailures.WithLabelValues(task.Name).Inc()
		d.logger.Error().
			Err(err).
			Str("task", task.Name).
			Dur("elapsed", elapsed).
			Msg("background task failed")
		return
	}

	d.logger.Debug().
		Str("task", task.Name).
		Dur("elapsed", elapsed).
		Msg("background task done")
}
