package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/example/notification-dispatcher/internal/tracking"
	"github.com/example/notification-dispatcher/internal/transport"
)

var (
	errUnavailable = transport.WrapTransient(errors.New("503 service unavailable"))
	errBadAddress  = transport.WrapPermanent(errors.New("invalid recipient"))
)

type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, name)
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

// fakeTransport fails with the scripted errors in order, then with def
// (nil meaning success).
type fakeTransport struct {
	name  string
	log   *callLog
	delay func(msg *transport.Message) time.Duration

	mu     sync.Mutex
	script []error
	def    error
	calls  int
}

func (f *fakeTransport) Name() string { return f.name }

func (f *fakeTransport) Send(ctx context.Context, msg *transport.Message) (*transport.Receipt, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	err := f.def
	if len(f.script) > 0 {
		err = f.script[0]
		f.script = f.script[1:]
	}
	f.mu.Unlock()

	if f.log != nil {
		f.log.add(f.name)
	}
	if f.delay != nil {
		if d := f.delay(msg); d > 0 {
			select {
			case <-ctx.Done():
				return nil, transport.WrapTransient(ctx.Err())
			case <-time.After(d):
			}
		}
	}
	if err != nil {
		return nil, err
	}
	return &transport.Receipt{MessageID: fmt.Sprintf("%s-%d", f.name, n), Provider: f.name, Timestamp: time.Now()}, nil
}

func (f *fakeTransport) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *sleepRecorder) Sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *sleepRecorder) Delays() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

type harness struct {
	svc    *Service
	repo   *tracking.MemoryStore
	sleeps *sleepRecorder
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.UseQueue = false
	cfg.From = "noreply@example.com"
	return cfg
}

func newHarness(t *testing.T, cfg Config, primary, fallback transport.Transport) *harness {
	t.Helper()
	h := &harness{repo: tracking.NewMemoryStore(), sleeps: &sleepRecorder{}}
	svc, err := New(cfg, Dependencies{
		Primary:    primary,
		Fallback:   fallback,
		Mode:       transport.ModeLive,
		Repository: h.repo,
		Logger:     zerolog.Nop(),
		Sleep:      h.sleeps.Sleep,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close(context.Background()) })
	h.svc = svc
	return h
}

func hello(to string) Request {
	return Request{To: Recipients{to}, Subject: "Hi", Body: "<p>hello</p>"}
}
