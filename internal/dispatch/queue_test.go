package dispatch

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

func TestQueueDrainsInFIFOOrderOneAtATime(t *testing.T) {
	sleeps := &sleepRecorder{}
	q := NewQueue(100*time.Millisecond, zerolog.Nop(), WithQueueSleep(sleeps.Sleep))

	var (
		mu      sync.Mutex
		order   []int
		running int32
		overlap atomic.Bool
	)
	gate := make(chan struct{})

	var dones []<-chan struct{}
	for i := 0; i < 5; i++ {
		i := i
		done, err := q.Submit(func() {
			if atomic.AddInt32(&running, 1) > 1 {
				overlap.Store(true)
			}
			if i == 0 {
				<-gate
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			atomic.AddInt32(&running, -1)
		})
		require.NoError(t, err)
		dones = append(dones, done)
	}
	close(gate)

	for _, done := range dones {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("queued job did not finish")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
	assert.False(t, overlap.Load(), "jobs must never run concurrently")

	require.Eventually(t, func() bool { return len(sleeps.Delays()) == 5 }, time.Second, 5*time.Millisecond)
	for _, d := range sleeps.Delays() {
		assert.Equal(t, 100*time.Millisecond, d)
	}
}

func TestQueueRestartsAfterIdle(t *testing.T) {
	q := NewQueue(0, zerolog.Nop())

	for round := 0; round < 2; round++ {
		var ran atomic.Bool
		done, err := q.Submit(func() { ran.Store(true) })
		require.NoError(t, err)
		<-done
		assert.True(t, ran.Load())
		require.Eventually(t, func() bool { return q.Len() == 0 }, time.Second, 5*time.Millisecond)
	}
}

func TestQueueStopWaitsForPendingJobs(t *testing.T) {
	q := NewQueue(0, zerolog.Nop())
	release := make(chan struct{})
	var finished atomic.Int32

	for i := 0; i < 3; i++ {
		_, err := q.Submit(func() {
			<-release
			finished.Add(1)
		})
		require.NoError(t, err)
	}

	stopped := make(chan error, 1)
	go func() { stopped <- q.Stop(context.Background()) }()

	require.Eventually(t, func() bool {
		_, err := q.Submit(func() {})
		return err == ErrQueueStopped
	}, time.Second, 5*time.Millisecond)

	close(release)
	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not return")
	}
	assert.Equal(t, int32(3), finished.Load())
}

func TestQueueStopHonoursContext(t *testing.T) {
	q := NewQueue(0, zerolog.Nop())
	release := make(chan struct{})
	defer close(release)

	_, err := q.Submit(func() { <-release })
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Stop(ctx), context.DeadlineExceeded)
}

func TestQueueSurvivesPanickingJob(t *testing.T) {
	q := NewQueue(0, zerolog.Nop())

	first, err := q.Submit(func() { panic("boom") })
	require.NoError(t, err)
	var ran atomic.Bool
	second, err := q.Submit(func() { ran.Store(true) })
	require.NoError(t, err)

	<-first
	<-second
	assert.True(t, ran.Load())
}
