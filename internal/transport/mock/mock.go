// Package mock provides a scenario driven transport for staging environments
// and automated tests. No network calls are made.
package mock

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/notification-dispatcher/internal/transport"
)

// Name identifies this transport in logs, metrics and records.
const Name = "mock"

// ScenarioTag selects a scenario for a single message.
const ScenarioTag = "mock_scenario"

// Scenario enumerates the supported mock behaviours.
type Scenario string

const (
	ScenarioSuccess   Scenario = "success"
	ScenarioTransient Scenario = "transient"
	ScenarioPermanent Scenario = "permanent"
	ScenarioTimeout   Scenario = "timeout"
)

// Option customizes the mock at construction time.
type Option func(*Transport)

// WithName overrides the transport name, so two mocks can stand in for the
// primary and fallback channels at once.
func WithName(name string) Option {
	return func(t *Transport) {
		if strings.TrimSpace(name) != "" {
			t.name = strings.TrimSpace(name)
		}
	}
}

// WithLatencyRange overrides the simulated latency. Negative values are
// clamped to zero and max < min is coerced to min.
func WithLatencyRange(min, max time.Duration) Option {
	return func(t *Transport) {
		if min < 0 {
			min = 0
		}
		if max < min {
			max = min
		}
		t.minLatency = min
		t.maxLatency = max
	}
}

// WithDefaultScenario configures the behaviour for untagged messages.
func WithDefaultScenario(s Scenario) Option {
	return func(t *Transport) {
		t.defaultScenario = s
	}
}

// WithScript makes the next calls follow the supplied scenarios in order;
// once exhausted the default scenario applies again.
func WithScript(steps ...Scenario) Option {
	return func(t *Transport) {
		t.script = append([]Scenario(nil), steps...)
	}
}

// WithRandomSeed swaps the RNG seed used for ids and latency.
func WithRandomSeed(seed int64) Option {
	return func(t *Transport) {
		t.rnd = rand.New(rand.NewSource(seed)) // #nosec G404 -- deterministic seed for tests.
	}
}

// Transport simulates a provider.
type Transport struct {
	logger          zerolog.Logger
	name            string
	minLatency      time.Duration
	maxLatency      time.Duration
	defaultScenario Scenario

	mu     sync.Mutex
	rnd    *rand.Rand
	script []Scenario
	calls  []*transport.Message
}

// New constructs a mock transport. By default every call succeeds without
// latency.
func New(logger zerolog.Logger, opts ...Option) *Transport {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	t := &Transport{
		logger:          logger,
		name:            Name,
		defaultScenario: ScenarioSuccess,
		rnd:             rand.New(rand.NewSource(time.Now().UnixNano())), // #nosec G404
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

// Name implements transport.Transport.
func (t *Transport) Name() string { return t.name }

// Calls returns the messages received so far.
func (t *Transport) Calls() []*transport.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*transport.Message(nil), t.calls...)
}

// Send implements transport.Transport.
func (t *Transport) Send(ctx context.Context, msg *transport.Message) (*transport.Receipt, error) {
	if msg == nil {
		return nil, transport.WrapPermanent(errors.New("mock transport: message is nil"))
	}
	at := time.Now()
	scenario, latency := t.next(msg)

	receipt, err := t.play(ctx, scenario, latency)
	transport.LogOutcome(t.logger.With().Str("scenario", string(scenario)).Logger(), t.name, msg, receipt, err, at)
	return receipt, err
}

func (t *Transport) play(ctx context.Context, scenario Scenario, latency time.Duration) (*transport.Receipt, error) {
	if err := sleep(ctx, latency); err != nil {
		return nil, transport.WrapTransient(err)
	}
	switch scenario {
	case ScenarioPermanent:
		return nil, transport.WrapPermanent(errors.New("mock: invalid recipient"))
	case ScenarioTransient:
		return nil, transport.WrapTransient(errors.New("mock: service unavailable, try again later"))
	case ScenarioTimeout:
		return nil, transport.WrapTransient(context.DeadlineExceeded)
	default:
		return &transport.Receipt{
			MessageID: t.nextID(),
			Provider:  t.name,
			Timestamp: time.Now(),
		}, nil
	}
}

func (t *Transport) next(msg *transport.Message) (Scenario, time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.calls = append(t.calls, msg)

	scenario := t.defaultScenario
	if len(t.script) > 0 {
		scenario = t.script[0]
		t.script = t.script[1:]
	}
	for _, tag := range msg.Tags {
		if strings.EqualFold(tag.Name, ScenarioTag) && tag.Value != "" {
			scenario = Scenario(strings.ToLower(strings.TrimSpace(tag.Value)))
		}
	}

	latency := t.minLatency
	if t.maxLatency > t.minLatency {
		latency += time.Duration(t.rnd.Int63n(int64(t.maxLatency-t.minLatency) + 1))
	}
	return scenario, latency
}

func (t *Transport) nextID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return fmt.Sprintf("%s-%08x", t.name, t.rnd.Uint32())
}

func sleep(ctx context.Context, d time.Duration) error {
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
