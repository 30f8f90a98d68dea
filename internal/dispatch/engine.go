package dispatch

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/notification-dispatcher/internal/metrics"
	"github.com/example/notification-dispatcher/internal/transport"
)

// Attempt describes one transport call made by the engine.
type Attempt struct {
	Number    int
	Transport string
	Fallback  bool
	Receipt   *transport.Receipt
	Err       error
	At        time.Time
}

// Outcome is the terminal result of Deliver.
type Outcome struct {
	Sent     bool
	Receipt  *transport.Receipt
	Provider string
	Attempts int
	Err      error
}

// EngineOption customises an Engine.
type EngineOption func(*Engine)

// WithNow overrides the engine clock.
func WithNow(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithSleep overrides how the engine waits between retries. The function
// must return ctx.Err() when the context ends before d elapses.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) EngineOption {
	return func(e *Engine) {
		if sleep != nil {
			e.sleep = sleep
		}
	}
}

// Engine drives one message to a terminal outcome: it calls the primary,
// engages the fallback once after the very first failure and then retries
// the primary with exponential backoff.
type Engine struct {
	primary        transport.Transport
	fallback       transport.Transport
	useFallback    bool
	maxRetries     int
	baseRetryDelay time.Duration
	logger         zerolog.Logger
	now            func() time.Time
	sleep          func(ctx context.Context, d time.Duration) error
}

// NewEngine validates collaborators and returns an engine. fallback may be
// nil; when useFallback is set the engagement is then a logged no-op.
func NewEngine(cfg Config, primary, fallback transport.Transport, logger zerolog.Logger, opts ...EngineOption) (*Engine, error) {
	if isNil(primary) {
		return nil, fmt.Errorf("%w: primary transport is required", ErrConfiguration)
	}
	if isNil(fallback) {
		fallback = nil
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	e := &Engine{
		primary:        primary,
		fallback:       fallback,
		useFallback:    cfg.UseFallback,
		maxRetries:     cfg.MaxRetries,
		baseRetryDelay: cfg.BaseRetryDelay,
		logger:         logger.With().Str("component", "attempt_engine").Logger(),
		now:            time.Now,
		sleep:          wait,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e, nil
}

// Backoff returns the delay before retry number attempt+1, i.e.
// base * 2^attempt with attempt 0-indexed.
func (e *Engine) Backoff(attempt int) time.Duration {
	if e.baseRetryDelay <= 0 || attempt < 0 {
		return 0
	}
	if attempt > 30 {
		attempt = 30
	}
	return e.baseRetryDelay << uint(attempt)
}

// Deliver runs the retry/fallback algorithm for msg. report, when non-nil,
// is invoked after every transport call. Deliver never returns an error;
// failures are carried in the Outcome.
func (e *Engine) Deliver(ctx context.Context, msg *transport.Message, report func(Attempt)) Outcome {
	calls := 0
	log := e.logger.With().Str("tracking_id", msg.TrackingID).Logger()

	attempt := 0
	receipt, err := e.call(ctx, e.primary, msg, &calls, false, report)
	if err == nil {
		return e.sent(receipt, e.primary.Name(), calls)
	}

	if e.useFallback && attempt == 0 {
		if receipt, ferr := e.engageFallback(ctx, msg, &calls, report, log); ferr == nil {
			return e.sent(receipt, e.fallback.Name(), calls)
		}
	}

	for attempt < e.maxRetries {
		if transport.IsPermanent(err) {
			log.Warn().Err(err).Int("attempts", calls).Msg("permanent error, skipping remaining retries")
			break
		}
		delay := e.Backoff(attempt)
		log.Info().
			Int("attempt", attempt+1).
			Dur("backoff", delay).
			Msg("scheduling retry after transient error")
		if serr := e.sleep(ctx, delay); serr != nil {
			err = transport.WrapTransient(fmt.Errorf("dispatch: retry abandoned: %w", serr))
			break
		}
		attempt++
		receipt, err = e.call(ctx, e.primary, msg, &calls, false, report)
		if err == nil {
			return e.sent(receipt, e.primary.Name(), calls)
		}
	}

	log.Error().Err(err).Int("attempts", calls).Msg("delivery failed")
	return Outcome{Attempts: calls, Err: err}
}

func (e *Engine) engageFallback(ctx context.Context, msg *transport.Message, calls *int, report func(Attempt), log zerolog.Logger) (*transport.Receipt, error) {
	if e.fallback == nil {
		metrics.FallbackEngaged.WithLabelValues("unavailable").Inc()
		log.Warn().Err(transport.ErrFallbackUnavailable).Msg("fallback engaged but not configured, continuing with primary retries")
		return nil, transport.ErrFallbackUnavailable
	}
	receipt, err := e.call(ctx, e.fallback, msg, calls, true, report)
	if err != nil {
		metrics.FallbackEngaged.WithLabelValues("failed").Inc()
		log.Warn().Err(err).Str("transport", e.fallback.Name()).Msg("fallback attempt failed")
		return nil, err
	}
	metrics.FallbackEngaged.WithLabelValues("sent").Inc()
	return receipt, nil
}

func (e *Engine) call(ctx context.Context, t transport.Transport, msg *transport.Message, calls *int, fallback bool, report func(Attempt)) (*transport.Receipt, error) {
	*calls++
	at := e.now()

	var (
		receipt *transport.Receipt
		err     error
	)
	if cerr := ctx.Err(); cerr != nil {
		err = transport.WrapTransient(cerr)
	} else {
		receipt, err = t.Send(ctx, msg)
		if err == nil && receipt == nil {
			err = transport.WrapTransient(errors.New("dispatch: transport returned no receipt"))
		}
	}

	outcome := "sent"
	switch {
	case err == nil:
	case transport.IsPermanent(err):
		outcome = "permanent"
	default:
		outcome = "transient"
	}
	metrics.TransportAttempts.WithLabelValues(t.Name(), outcome).Inc()

	if report != nil {
		report(Attempt{Number: *calls, Transport: t.Name(), Fallback: fallback, Receipt: receipt, Err: err, At: at})
	}
	return receipt, err
}

func (e *Engine) sent(receipt *transport.Receipt, provider string, calls int) Outcome {
	if receipt.Provider == "" {
		receipt.Provider = provider
	}
	return Outcome{Sent: true, Receipt: receipt, Provider: provider, Attempts: calls}
}

// isNil catches typed nil pointers hidden in an interface, e.g. a nil
// *webhook.Transport passed as the fallback.
func isNil(t transport.Transport) bool {
	if t == nil {
		return true
	}
	v := reflect.ValueOf(t)
	switch v.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return v.IsNil()
	}
	return false
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
