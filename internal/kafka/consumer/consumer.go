package consumer

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"
)

const (
	clientID                = "notification-dispatcher-intake"
	defaultSessionTimeout   = 30 * time.Second
	defaultHeartbeat        = 3 * time.Second
	defaultRebalanceTimeout = 30 * time.Second
	defaultConsumeBackoff   = time.Second
)

var (
	// ErrRecordRequired is returned by Commit for a nil record.
	ErrRecordRequired = errors.New("kafka consumer: record is required")
	// ErrDetachedRecord is returned by Commit for records that were not
	// delivered by a consumer group session.
	ErrDetachedRecord = errors.New("kafka consumer: record missing session data")
)

// Handler is invoked for every record delivered by the consumer. Records are
// handled one at a time per claimed partition.
type Handler func(ctx context.Context, record *Record) error

// Option customises the consumer during construction.
type Option func(*options)

type options struct {
	config  *sarama.Config
	backoff time.Duration
}

// WithConfig supplies a Sarama config. The configuration is cloned so the
// caller retains ownership. Auto-commit is always disabled.
func WithConfig(cfg *sarama.Config) Option {
	return func(o *options) {
		if cfg != nil {
			o.config = cfg
		}
	}
}

// WithConsumeBackoff overrides the pause between failed group sessions.
func WithConsumeBackoff(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.backoff = d
		}
	}
}

// Record is a message request read from the intake topic.
type Record struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Timestamp time.Time
	Headers   map[string][]byte

	session sarama.ConsumerGroupSession
	message *sarama.ConsumerMessage

	mu        sync.Mutex
	committed bool
}

// Consumer reads message requests from a single topic as part of a consumer
// group. Offsets are only committed through Commit.
type Consumer struct {
	logger  zerolog.Logger
	group   sarama.ConsumerGroup
	groupID string
	topic   string
	backoff time.Duration

	ready        atomic.Bool
	errorsDoneCh chan struct{}

	mu      sync.Mutex
	cancel  context.CancelFunc
	running sync.WaitGroup
}

// New joins groupID on the supplied brokers. Consumption starts with Run.
func New(brokers []string, groupID, topic string, logger zerolog.Logger, opts ...Option) (*Consumer, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka consumer: at least one broker is required")
	}
	if groupID == "" {
		return nil, errors.New("kafka consumer: group id is required")
	}
	if topic == "" {
		return nil, errors.New("kafka consumer: topic is required")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	settings := &options{config: defaultConfig(), backoff: defaultConsumeBackoff}
	for _, opt := range opts {
		if opt != nil {
			opt(settings)
		}
	}
	cfg := cloneConfig(settings.config)
	cfg.Consumer.Offsets.AutoCommit.Enable = false
	cfg.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(brokers, groupID, cfg)
	if err != nil {
		return nil, fmt.Errorf("kafka consumer: create consumer group: %w", err)
	}

	c := &Consumer{
		logger: logger.With().
			Str("component", "kafka_consumer").
			Str("group_id", groupID).
			Str("topic", topic).
			Logger(),
		group:        group,
		groupID:      groupID,
		topic:        topic,
		backoff:      settings.backoff,
		errorsDoneCh: make(chan struct{}),
	}
	go c.consumeErrors()
	return c, nil
}

// Run blocks, feeding records to handler until ctx is cancelled or the
// consumer is closed. Session errors are logged and the session is rejoined
// after a short backoff.
func (c *Consumer) Run(ctx context.Context, handler Handler) error {
	if handler == nil {
		return errors.New("kafka consumer: handler is required")
	}

	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	defer cancel()

	c.running.Add(1)
	defer c.running.Done()

	gh := &groupHandler{consumer: c, handler: handler}
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		err := c.group.Consume(ctx, []string{c.topic}, gh)
		if err == nil {
			continue
		}
		if errors.Is(err, sarama.ErrClosedConsumerGroup) {
			return nil
		}
		c.logger.Error().Err(err).Msg("kafka consumer: session ended")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.backoff):
		}
	}
}

// Commit marks the record as processed and flushes the offset. Committing the
// same record twice is a no-op.
func (c *Consumer) Commit(_ context.Context, record *Record) error {
	if record == nil {
		return ErrRecordRequired
	}
	if record.session == nil || record.message == nil {
		return ErrDetachedRecord
	}

	record.mu.Lock()
	defer record.mu.Unlock()
	if record.committed {
		return nil
	}
	record.committed = true
	record.session.MarkMessage(record.message, "")
	record.session.Commit()
	return nil
}

// IsReady reports whether the consumer currently holds a group session.
func (c *Consumer) IsReady() bool {
	return c.ready.Load()
}

// Close leaves the group and waits for Run to return.
func (c *Consumer) Close() error {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()

	err := c.group.Close()
	c.running.Wait()
	<-c.errorsDoneCh
	return err
}

func (c *Consumer) consumeErrors() {
	defer close(c.errorsDoneCh)
	for err := range c.group.Errors() {
		if err != nil {
			c.logger.Error().Err(err).Msg("kafka consumer error")
		}
	}
}

type groupHandler struct {
	consumer *Consumer
	handler  Handler
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error {
	h.consumer.ready.Store(true)
	h.consumer.logger.Info().Msg("kafka consumer joined group")
	return nil
}

func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	h.consumer.ready.Store(false)
	h.consumer.logger.Info().Msg("kafka consumer left group")
	return nil
}

func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		record := newRecord(session, msg)
		if err := h.handler(session.Context(), record); err != nil {
			h.consumer.logger.Error().
				Err(err).
				Int32("partition", msg.Partition).
				Int64("offset", msg.Offset).
				Msg("kafka consumer handler error")
		}
	}
	return nil
}

func newRecord(session sarama.ConsumerGroupSession, msg *sarama.ConsumerMessage) *Record {
	return &Record{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Key:       cloneBytes(msg.Key),
		Value:     cloneBytes(msg.Value),
		Timestamp: msg.Timestamp,
		Headers:   fromHeaders(msg.Headers),
		session:   session,
		message:   msg,
	}
}

func defaultConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.ClientID = clientID
	cfg.Consumer.Group.Session.Timeout = defaultSessionTimeout
	cfg.Consumer.Group.Heartbeat.Interval = defaultHeartbeat
	cfg.Consumer.Group.Rebalance.Timeout = defaultRebalanceTimeout
	cfg.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRange()}
	cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	cfg.Consumer.Offsets.AutoCommit.Enable = false
	cfg.Consumer.Return.Errors = true
	return cfg
}

func cloneConfig(cfg *sarama.Config) *sarama.Config {
	if cfg == nil {
		return defaultConfig()
	}
	cloned := *cfg
	return &cloned
}

func cloneBytes(src []byte) []byte {
	if len(src) == 0 {
		return nil
	}
	dst := make([]byte, len(src))
	copy(dst, src)
	return dst
}

func fromHeaders(headers []*sarama.RecordHeader) map[string][]byte {
	if len(headers) == 0 {
		return nil
	}
	out := make(map[string][]byte, len(headers))
	for _, h := range headers {
		if h == nil || len(h.Key) == 0 {
			continue
		}
		out[string(h.Key)] = cloneBytes(h.Value)
	}
	return out
}
