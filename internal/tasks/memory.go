package tasks

import (
	"context"
	"errors"
	"sync"
	"time"

	"booking-scheduler/internal/booking"
	"booking-scheduler/internal/observability/metrics"
	"booking-scheduler/pkg/logging"
)

// ErrQueueFull is returned by MemoryQueue.Enqueue when every buffer slot is taken.
var ErrQueueFull = errors.New("tasks: queue full")

const (
	DefaultBaseDelay = 5 * time.Second
	maxDelay         = time.Hour
)

// Backoff is the wait before retry n (0-based): base doubled per attempt, capped at an hour.
func Backoff(base time.Duration, n int) time.Duration {
	if n < 0 {
		n = 0
	}
	if n > 20 {
		return maxDelay
	}
	delay := base * time.Duration(1<<n)
	if delay > maxDelay || delay <= 0 {
		delay = maxDelay
	}
	return delay
}

type job struct {
	effect  booking.Effect
	attempt int
}

// MemoryQueue is an in-process outbox backed by a buffered channel and a fixed pool of
// workers. Used for local runs and tests; queued effects are lost on exit. Enqueue never
// waits: when the buffer is full the effect is dropped and counted.
type MemoryQueue struct {
	ch        chan job
	handler   EffectHandler
	workers   int
	maxRetry  int
	baseDelay time.Duration
	logger    *logging.Logger
	metrics   *metrics.SchedulingMetrics

	mu sync.Mutex
	// keys of effects queued, running or waiting to retry
	seen map[string]struct{}
	wg   sync.WaitGroup
}

func NewMemoryQueue(handler EffectHandler, buffer, workers, maxRetry int, logger *logging.Logger) *MemoryQueue {
	if buffer <= 0 {
		buffer = 128
	}
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &MemoryQueue{
		ch:        make(chan job, buffer),
		handler:   handler,
		workers:   workers,
		maxRetry:  maxRetry,
		baseDelay: DefaultBaseDelay,
		logger:    logger,
		seen:      make(map[string]struct{}),
	}
}

func (q *MemoryQueue) WithBaseDelay(d time.Duration) *MemoryQueue {
	if d > 0 {
		q.baseDelay = d
	}
	return q
}

func (q *MemoryQueue) WithMetrics(m *metrics.SchedulingMetrics) *MemoryQueue {
	q.metrics = m
	return q
}

// Enqueue adds e unless an effect with the same key is still pending.
func (q *MemoryQueue) Enqueue(ctx context.Context, e booking.Effect) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := e.Key()
	q.mu.Lock()
	if _, dup := q.seen[key]; dup {
		q.mu.Unlock()
		return nil
	}
	q.seen[key] = struct{}{}
	q.mu.Unlock()

	select {
	case q.ch <- job{effect: e}:
		return nil
	default:
		q.release(key)
		q.metrics.ObserveSideEffectDropped(string(e.Kind))
		q.logger.Warn("side effect dropped: queue full",
			"kind", e.Kind, "booking_id", e.BookingID, "buffer", cap(q.ch))
		return ErrQueueFull
	}
}

// Pending reports how many effects are queued, running or waiting to retry.
func (q *MemoryQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.seen)
}

func (q *MemoryQueue) release(key string) {
	q.mu.Lock()
	delete(q.seen, key)
	q.mu.Unlock()
}

// Start launches the workers until ctx is cancelled.
func (q *MemoryQueue) Start(ctx context.Context) {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.run(ctx, i)
	}
}

// Wait blocks until every worker has stopped.
func (q *MemoryQueue) Wait() {
	q.wg.Wait()
}

func (q *MemoryQueue) run(ctx context.Context, workerID int) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-q.ch:
			q.process(ctx, workerID, j)
		}
	}
}

func (q *MemoryQueue) process(ctx context.Context, workerID int, j job) {
	e := j.effect
	err := q.handler.Handle(ctx, e)
	if err == nil {
		q.release(e.Key())
		return
	}
	if Permanent(err) || j.attempt >= q.maxRetry {
		q.release(e.Key())
		q.logger.Error("side effect abandoned",
			"kind", e.Kind, "booking_id", e.BookingID, "attempts", j.attempt+1, "error", err)
		return
	}

	delay := Backoff(q.baseDelay, j.attempt)
	q.logger.Warn("side effect failed, retrying",
		"worker", workerID, "kind", e.Kind, "booking_id", e.BookingID, "attempt", j.attempt+1, "retry_in", delay, "error", err)
	next := job{effect: e, attempt: j.attempt + 1}
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
			select {
			case q.ch <- next:
			case <-ctx.Done():
			}
		}
	}()
}
