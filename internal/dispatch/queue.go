package dispatch

import (
	"context"
	"reflect"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/notification-dispatcher/internal/metrics"
)

// Job is one unit of queued work. It runs to completion, retries included,
// before the queue moves on.
type Job func()

type queueItem struct {
	job  Job
	done chan struct{}
}

// QueueOption customises a Queue.
type QueueOption func(*Queue)

// WithQueueSleep overrides the pacing wait.
func WithQueueSleep(sleep func(ctx context.Context, d time.Duration) error) QueueOption {
	return func(q *Queue) {
		if sleep != nil {
			q.sleep = sleep
		}
	}
}

// Queue is an unbounded FIFO drained by at most one goroutine at a time.
// After every job the drain loop pauses for the item delay.
type Queue struct {
	itemDelay time.Duration
	sleep     func(ctx context.Context, d time.Duration) error
	logger    zerolog.Logger

	mu       sync.Mutex
	items    []*queueItem
	draining bool
	stopped  bool
	idle     chan struct{}
}

// NewQueue constructs an idle queue.
func NewQueue(itemDelay time.Duration, logger zerolog.Logger, opts ...QueueOption) *Queue {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	if itemDelay < 0 {
		itemDelay = 0
	}
	idle := make(chan struct{})
	close(idle)
	q := &Queue{
		itemDelay: itemDelay,
		sleep:     wait,
		logger:    logger.With().Str("component", "dispatch_queue").Logger(),
		idle:      idle,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(q)
		}
	}
	return q
}

// Submit appends job and starts the drain loop if none is running. The
// returned channel is closed once job has finished.
func (q *Queue) Submit(job Job) (<-chan struct{}, error) {
	item := &queueItem{job: job, done: make(chan struct{})}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return nil, ErrQueueStopped
	}
	q.items = append(q.items, item)
	metrics.QueueDepth.Set(float64(len(q.items)))
	if !q.draining {
		q.draining = true
		q.idle = make(chan struct{})
		go q.drain(q.idle)
	}
	return item.done, nil
}

// Len returns the number of jobs waiting to start.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Stop refuses further submissions and waits until queued jobs have drained
// or ctx ends.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	q.stopped = true
	idle := q.idle
	pending := len(q.items)
	q.mu.Unlock()

	q.logger.Info().Int("pending", pending).Msg("queue stopping")
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) drain(idle chan struct{}) {
	defer close(idle)
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.draining = false
			q.mu.Unlock()
			return
		}
		item := q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		metrics.QueueDepth.Set(float64(len(q.items)))
		q.mu.Unlock()

		q.run(item)

		if q.itemDelay > 0 {
			_ = q.sleep(context.Background(), q.itemDelay)
		}
	}
}

func (q *Queue) run(item *queueItem) {
	defer close(item.done)
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error().Interface("panic", r).Msg("queued job panicked")
		}
	}()
	item.job()
}
