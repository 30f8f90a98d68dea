package dispatch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/notification-dispatcher/internal/tracking"
	"github.com/example/notification-dispatcher/internal/transport"
)

func TestNewRejectsBadConfiguration(t *testing.T) {
	repo := tracking.NewMemoryStore()
	primary := &fakeTransport{name: "primary"}

	_, err := New(DefaultConfig(), Dependencies{Primary: primary, Mode: transport.ModeLive, Repository: repo})
	assert.ErrorIs(t, err, ErrConfiguration, "live mode needs a from address")

	cfg := testConfig()
	_, err = New(cfg, Dependencies{Primary: primary, Mode: transport.ModeLive})
	assert.ErrorIs(t, err, ErrConfiguration)

	cfg.BatchSize = 0
	_, err = New(cfg, Dependencies{Primary: primary, Mode: transport.ModeLive, Repository: repo})
	assert.ErrorIs(t, err, ErrConfiguration)

	cfg = testConfig()
	cfg.MaxRetries = -1
	_, err = New(cfg, Dependencies{Primary: primary, Mode: transport.ModeLive, Repository: repo})
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestSendRejectsInvalidRequestWithoutRecord(t *testing.T) {
	primary := &fakeTransport{name: "primary"}
	h := newHarness(t, testConfig(), primary, nil)

	cases := []Request{
		{Subject: "Hi"},
		{To: Recipients{"not-an-address"}, Subject: "Hi"},
		{To: Recipients{"a@x.com"}, Subject: "   "},
		{To: Recipients{"a@x.com"}, Subject: strings.Repeat("s", 999)},
		{To: Recipients{"a@x.com"}, Subject: "Hi", ReplyTo: "nope"},
		{To: Recipients{"a@x.com"}, Subject: "Hi", Tags: []transport.Tag{{Name: "", Value: "x"}}},
	}
	for i, req := range cases {
		res, err := h.svc.Send(context.Background(), req)
		assert.ErrorIs(t, err, ErrInvalidRequest, "case %d", i)
		assert.Nil(t, res)
	}

	all, err := h.svc.GetAllTracking(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)
	assert.Zero(t, primary.Calls())
}

func TestSendAppliesDefaultsAndNormalizes(t *testing.T) {
	var got *transport.Message
	primary := &captureTransport{fn: func(m *transport.Message) { got = m }}
	cfg := testConfig()
	cfg.ReplyTo = "help@example.com"
	h := newHarness(t, cfg, primary, nil)

	res, err := h.svc.Send(context.Background(), Request{
		To:      Recipients{"Alice@Example.com", "bob@example.com"},
		Subject: " Your username ",
		Tags:    []transport.Tag{{Name: " category ", Value: "username_reminder"}},
	})
	require.NoError(t, err)
	require.True(t, res.Success)

	require.NotNil(t, got)
	assert.Equal(t, "noreply@example.com", got.From)
	assert.Equal(t, "help@example.com", got.ReplyTo)
	assert.Equal(t, []string{"alice@example.com", "bob@example.com"}, got.To)
	assert.Equal(t, "Your username", got.Subject)
	assert.Equal(t, "category", got.Tags[0].Name)
	assert.Equal(t, res.TrackingID, got.TrackingID)

	rec, err := h.svc.GetStatus(context.Background(), res.TrackingID)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", rec.Recipient, "multi-recipient sends share one record")
	assert.Len(t, rec.Recipients, 2)
	assert.True(t, strings.HasPrefix(rec.ID, "alice@example.com-"))
}

type captureTransport struct {
	fn func(*transport.Message)
}

func (c *captureTransport) Name() string { return "capture" }

func (c *captureTransport) Send(_ context.Context, m *transport.Message) (*transport.Receipt, error) {
	c.fn(m)
	return &transport.Receipt{MessageID: "cap-1"}, nil
}

func TestTrackingIDsAreUniquePerSend(t *testing.T) {
	fixed := time.Date(2026, time.May, 1, 9, 0, 0, 0, time.UTC)
	repo := tracking.NewMemoryStore()
	cfg := testConfig()
	svc, err := New(cfg, Dependencies{
		Primary:    &fakeTransport{name: "primary"},
		Mode:       transport.ModeLive,
		Repository: repo,
		Now:        func() time.Time { return fixed },
	})
	require.NoError(t, err)

	ids := map[string]bool{}
	for i := 0; i < 3; i++ {
		res, err := svc.Send(context.Background(), hello("a@x.com"))
		require.NoError(t, err)
		ids[res.TrackingID] = true
	}
	assert.Len(t, ids, 3)
	assert.True(t, ids[fmt.Sprintf("a@x.com-%d", fixed.UnixMilli())])
	assert.True(t, ids[fmt.Sprintf("a@x.com-%d-1", fixed.UnixMilli())])
}

func TestSendBatchPreservesOrder(t *testing.T) {
	primary := &fakeTransport{name: "primary", delay: func(m *transport.Message) time.Duration {
		if m.PrimaryRecipient() == "r1@x.com" {
			return 60 * time.Millisecond
		}
		return 0
	}}
	cfg := testConfig()
	cfg.BatchSize = 2
	cfg.BatchDelay = 750 * time.Millisecond
	h := newHarness(t, cfg, primary, nil)

	reqs := []Request{hello("r1@x.com"), hello("r2@x.com"), hello("r3@x.com"), {Subject: "no recipient"}}
	results := h.svc.SendBatch(context.Background(), reqs)

	require.Len(t, results, 4)
	for i, want := range []string{"r1@x.com-", "r2@x.com-", "r3@x.com-"} {
		assert.True(t, results[i].Success, "result %d", i)
		assert.True(t, strings.HasPrefix(results[i].TrackingID, want), "result %d has %s", i, results[i].TrackingID)
	}
	assert.False(t, results[3].Success)
	assert.Contains(t, results[3].Error, "invalid request")
	assert.Equal(t, []time.Duration{750 * time.Millisecond}, h.sleeps.Delays())
}

func TestSendBatchChunksRunConcurrently(t *testing.T) {
	var (
		mu      sync.Mutex
		active  int
		maxSeen int
	)
	primary := &fakeTransport{name: "primary", delay: func(*transport.Message) time.Duration {
		mu.Lock()
		active++
		if active > maxSeen {
			maxSeen = active
		}
		mu.Unlock()
		time.Sleep(30 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
		return 0
	}}
	cfg := testConfig()
	cfg.BatchSize = 3
	h := newHarness(t, cfg, primary, nil)

	results := h.svc.SendBatch(context.Background(), []Request{hello("a@x.com"), hello("b@x.com"), hello("c@x.com")})
	for _, r := range results {
		assert.True(t, r.Success)
	}
	assert.Greater(t, maxSeen, 1)
	assert.LessOrEqual(t, maxSeen, 3)
}

func TestStatusSequenceIsMonotonic(t *testing.T) {
	for _, useQueue := range []bool{true, false} {
		t.Run(fmt.Sprintf("queue_%t", useQueue), func(t *testing.T) {
			var (
				mu   sync.Mutex
				seen []tracking.Status
			)
			repo := tracking.NewObserved(tracking.NewMemoryStore(), func(_ context.Context, rec tracking.Record) {
				mu.Lock()
				defer mu.Unlock()
				if len(seen) == 0 || seen[len(seen)-1] != rec.Status {
					seen = append(seen, rec.Status)
				}
			})
			cfg := testConfig()
			cfg.UseQueue = useQueue
			svc, err := New(cfg, Dependencies{
				Primary:    &fakeTransport{name: "primary", script: []error{errUnavailable}},
				Mode:       transport.ModeLive,
				Repository: repo,
				Sleep:      (&sleepRecorder{}).Sleep,
			})
			require.NoError(t, err)
			defer svc.Close(context.Background())

			res, err := svc.Send(context.Background(), hello("a@x.com"))
			require.NoError(t, err)
			require.True(t, res.Success)

			want := []tracking.Status{tracking.StatusPending, tracking.StatusSending, tracking.StatusSent}
			if useQueue {
				want = []tracking.Status{tracking.StatusPending, tracking.StatusQueued, tracking.StatusSending, tracking.StatusSent}
			}
			mu.Lock()
			defer mu.Unlock()
			assert.Equal(t, want, seen)
		})
	}
}

func TestPruneRemovesOldRecords(t *testing.T) {
	now := time.Date(2026, time.June, 20, 0, 0, 0, 0, time.UTC)
	repo := tracking.NewMemoryStore(tracking.WithMemoryClock(func() time.Time { return now }))
	svc, err := New(testConfig(), Dependencies{Primary: &fakeTransport{name: "p"}, Mode: transport.ModeLive, Repository: repo})
	require.NoError(t, err)

	ctx := context.Background()
	for _, age := range []int{10, 5, 1} {
		require.NoError(t, repo.Create(ctx, tracking.Record{
			ID:            fmt.Sprintf("r-%d", age),
			LastAttemptAt: now.Add(-time.Duration(age) * 24 * time.Hour),
		}))
	}

	removed, err := svc.Prune(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = svc.GetStatus(ctx, "r-10")
	assert.ErrorIs(t, err, tracking.ErrNotFound)

	_, err = svc.Prune(ctx, 0)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestGetAllTrackingOldestFirst(t *testing.T) {
	h := newHarness(t, testConfig(), &fakeTransport{name: "primary"}, nil)
	ctx := context.Background()
	base := time.Date(2026, time.June, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, h.repo.Create(ctx, tracking.Record{ID: "b", CreatedAt: base.Add(time.Hour)}))
	require.NoError(t, h.repo.Create(ctx, tracking.Record{ID: "a", CreatedAt: base}))

	all, err := h.svc.GetAllTracking(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].ID)
}

func TestRecordBounce(t *testing.T) {
	primary := &fakeTransport{name: "primary", script: []error{nil, errBadAddress}}
	h := newHarness(t, testConfig(), primary, nil)
	ctx := context.Background()

	sent, err := h.svc.Send(ctx, hello("a@x.com"))
	require.NoError(t, err)
	require.True(t, sent.Success)

	rec, err := h.svc.RecordBounce(ctx, sent.TrackingID, "mailbox full")
	require.NoError(t, err)
	assert.Equal(t, tracking.StatusBounced, rec.Status)
	assert.Equal(t, "mailbox full", rec.BounceReason)
	assert.NotNil(t, rec.BouncedAt)

	failed, err := h.svc.Send(ctx, hello("b@x.com"))
	require.NoError(t, err)
	require.False(t, failed.Success)
	_, err = h.svc.RecordBounce(ctx, failed.TrackingID, "n/a")
	assert.ErrorIs(t, err, tracking.ErrInvalidTransition)

	_, err = h.svc.RecordBounce(ctx, "missing", "n/a")
	assert.ErrorIs(t, err, tracking.ErrNotFound)
}

func TestSendTimeoutBoundsQueuedSend(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	primary := &blockingTransport{release: block}

	cfg := testConfig()
	cfg.UseQueue = true
	cfg.MaxRetries = 0
	cfg.SendTimeout = 40 * time.Millisecond
	repo := tracking.NewMemoryStore()
	svc, err := New(cfg, Dependencies{Primary: primary, Mode: transport.ModeLive, Repository: repo, Logger: zerolog.Nop()})
	require.NoError(t, err)

	start := time.Now()
	res, err := svc.Send(context.Background(), hello("a@x.com"))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Less(t, time.Since(start), 2*time.Second)

	require.Eventually(t, func() bool {
		rec, err := svc.GetStatus(context.Background(), res.TrackingID)
		return err == nil && rec.Status == tracking.StatusFailed
	}, 2*time.Second, 10*time.Millisecond)
}

// blockingTransport waits for release or ctx.
type blockingTransport struct {
	release chan struct{}
}

func (b *blockingTransport) Name() string { return "blocking" }

func (b *blockingTransport) Send(ctx context.Context, _ *transport.Message) (*transport.Receipt, error) {
	select {
	case <-ctx.Done():
		return nil, transport.WrapTransient(ctx.Err())
	case <-b.release:
		return &transport.Receipt{MessageID: "late"}, nil
	}
}

func TestSendAfterCloseFails(t *testing.T) {
	cfg := testConfig()
	cfg.UseQueue = true
	h := newHarness(t, cfg, &fakeTransport{name: "primary"}, nil)
	require.NoError(t, h.svc.Close(context.Background()))

	res, err := h.svc.Send(context.Background(), hello("a@x.com"))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "queue stopped")

	rec, err := h.svc.GetStatus(context.Background(), res.TrackingID)
	require.NoError(t, err)
	assert.Equal(t, tracking.StatusFailed, rec.Status)
}

func TestCallerCancellationDoesNotAbortDelivery(t *testing.T) {
	for _, queued := range []bool{false, true} {
		t.Run(fmt.Sprintf("queued_%t", queued), func(t *testing.T) {
			primary := &fakeTransport{name: "primary", script: []error{errUnavailable}}
			cfg := testConfig()
			cfg.UseQueue = queued
			h := newHarness(t, cfg, primary, nil)

			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			res, err := h.svc.Send(ctx, hello("a@x.com"))
			require.NoError(t, err)

			assert.True(t, res.Success, res.Error)
			assert.Equal(t, 2, res.Attempts)
			assert.Equal(t, 2, primary.Calls())

			rec, err := h.svc.GetStatus(context.Background(), res.TrackingID)
			require.NoError(t, err)
			assert.Equal(t, tracking.StatusSent, rec.Status)
			assert.Equal(t, 2, rec.Attempts)
		})
	}
}

func TestCallerCancellationDuringBackoff(t *testing.T) {
	primary := &fakeTransport{name: "primary", script: []error{errUnavailable}}
	cfg := testConfig()
	cfg.BaseRetryDelay = 200 * time.Millisecond
	svc, err := New(cfg, Dependencies{
		Primary:    primary,
		Mode:       transport.ModeLive,
		Repository: tracking.NewMemoryStore(),
		Logger:     zerolog.Nop(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	timer := time.AfterFunc(50*time.Millisecond, cancel)
	defer timer.Stop()

	res, err := svc.Send(ctx, hello("a@x.com"))
	require.NoError(t, err)
	assert.True(t, res.Success, res.Error)
	assert.Equal(t, 2, res.Attempts)

	rec, err := svc.GetStatus(context.Background(), res.TrackingID)
	require.NoError(t, err)
	assert.Equal(t, tracking.StatusSent, rec.Status)
}

func TestSendBatchIgnoresCallerCancellation(t *testing.T) {
	primary := &fakeTransport{name: "primary"}
	cfg := testConfig()
	cfg.BatchSize = 1
	h := newHarness(t, cfg, primary, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	results := h.svc.SendBatch(ctx, []Request{hello("a@x.com"), hello("b@x.com")})

	require.Len(t, results, 2)
	assert.True(t, results[0].Success, results[0].Error)
	assert.True(t, results[1].Success, results[1].Error)
	assert.Equal(t, []time.Duration{DefaultBatchDelay}, h.sleeps.Delays())
}
