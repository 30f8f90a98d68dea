package tracking

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/notification-dispatcher/internal/transport"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

var epoch = time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusQueued, true},
		{StatusPending, StatusSending, true},
		{StatusQueued, StatusSending, true},
		{StatusSending, StatusSent, true},
		{StatusSending, StatusFailed, true},
		{StatusSending, StatusSending, true},
		{StatusSent, StatusBounced, true},
		{StatusSending, StatusQueued, false},
		{StatusSent, StatusSending, false},
		{StatusFailed, StatusQueued, false},
		{StatusSent, StatusFailed, false},
		{StatusFailed, StatusBounced, false},
		{StatusPending, StatusBounced, false},
		{StatusBounced, StatusSent, false},
		{Status("bogus"), StatusSent, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestMemoryCreateGet(t *testing.T) {
	clock := &fakeClock{now: epoch}
	s := NewMemoryStore(WithMemoryClock(clock.Now))
	ctx := context.Background()

	rec := Record{
		ID:        "a@x.com-1",
		Recipient: "a@x.com",
		Subject:   "Hi",
		Tags:      []transport.Tag{{Name: "category", Value: "invite"}},
	}
	require.NoError(t, s.Create(ctx, rec))

	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, epoch, got.CreatedAt)
	assert.Equal(t, epoch, got.LastAttemptAt)

	got.Tags[0].Value = "mutated"
	again, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "invite", again.Tags[0].Value, "store must hand out copies")

	assert.ErrorIs(t, s.Create(ctx, rec), ErrAlreadyExists)
	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryUpdateMergesAndRefreshesTimestamp(t *testing.T) {
	clock := &fakeClock{now: epoch}
	s := NewMemoryStore(WithMemoryClock(clock.Now))
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, Record{ID: "r1", Recipient: "a@x.com"}))

	clock.Set(epoch.Add(time.Minute))
	rec, err := s.Update(ctx, "r1", Update{
		Status:    Ptr(StatusSending),
		Attempts:  Ptr(1),
		LastError: Ptr("timeout"),
	})
	require.NoError(t, err)
	assert.Equal(t, StatusSending, rec.Status)
	assert.Equal(t, "timeout", rec.LastError)
	assert.Equal(t, epoch.Add(time.Minute), rec.LastAttemptAt)

	sentAt := epoch.Add(2 * time.Minute)
	clock.Set(sentAt)
	rec, err = s.Update(ctx, "r1", Update{
		Status:            Ptr(StatusSent),
		Attempts:          Ptr(2),
		ProviderMessageID: Ptr("msg_1"),
		ClearLastError:    true,
		SentAt:            &sentAt,
	})
	require.NoError(t, err)
	assert.Empty(t, rec.LastError)
	assert.Equal(t, "msg_1", rec.ProviderMessageID)
	require.NotNil(t, rec.SentAt)
	assert.Equal(t, sentAt, *rec.SentAt)
	assert.Equal(t, "a@x.com", rec.Recipient, "unset fields are preserved")

	_, err = s.Update(ctx, "r1", Update{Status: Ptr(StatusQueued)})
	assert.ErrorIs(t, err, ErrInvalidTransition)
	got, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, StatusSent, got.Status)

	_, err = s.Update(ctx, "missing", Update{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryPrune(t *testing.T) {
	clock := &fakeClock{now: epoch}
	s := NewMemoryStore(WithMemoryClock(clock.Now))
	ctx := context.Background()

	for _, age := range []int{10, 5, 1} {
		require.NoError(t, s.Create(ctx, Record{
			ID:            fmt.Sprintf("r-%dd", age),
			LastAttemptAt: epoch.Add(-time.Duration(age) * 24 * time.Hour),
		}))
	}

	removed, err := s.Prune(ctx, 7*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = s.Get(ctx, "r-10d")
	assert.ErrorIs(t, err, ErrNotFound)
	all, err := s.GetAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestMemoryConcurrentUpdates(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("r-%d", i)
			if err := s.Create(ctx, Record{ID: id}); err != nil {
				t.Errorf("create %s: %v", id, err)
				return
			}
			for attempt := 1; attempt <= 3; attempt++ {
				if _, err := s.Update(ctx, id, Update{Status: Ptr(StatusSending), Attempts: Ptr(attempt)}); err != nil {
					t.Errorf("update %s: %v", id, err)
				}
			}
			_, _ = s.GetAll(ctx)
		}(i)
	}
	wg.Wait()

	all, err := s.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, n)
	for _, rec := range all {
		assert.Equal(t, 3, rec.Attempts)
	}
}

func TestObservedReportsChanges(t *testing.T) {
	var seen []Status
	repo := NewObserved(NewMemoryStore(), func(_ context.Context, rec Record) {
		seen = append(seen, rec.Status)
	})
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, Record{ID: "r1"}))
	_, err := repo.Update(ctx, "r1", Update{Status: Ptr(StatusSending)})
	require.NoError(t, err)
	_, err = repo.Update(ctx, "r1", Update{Status: Ptr(StatusPending)})
	require.Error(t, err)

	assert.Equal(t, []Status{StatusPending, StatusSending}, seen)
}
