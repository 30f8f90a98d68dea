package producer

import (
	"errors"
	"fmt"
	"reflect"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"
)

const (
	clientID                       = "notification-dispatcher-status"
	defaultMetadataRefreshInterval = 30 * time.Second
)

// ErrTopicRequired is returned when a publish call names no topic.
var ErrTopicRequired = errors.New("kafka producer: topic is required")

// Option customises the producer during construction.
type Option func(*options)

type options struct {
	config *sarama.Config
}

// WithConfig supplies a preconfigured Sarama config. The configuration is
// cloned so the caller retains ownership.
func WithConfig(cfg *sarama.Config) Option {
	return func(o *options) {
		if cfg != nil {
			o.config = cfg
		}
	}
}

// Producer publishes messages synchronously and tracks whether the last
// publish reached the brokers.
type Producer struct {
	logger zerolog.Logger
	sync   sarama.SyncProducer
	ready  atomic.Bool
}

// New connects a sync producer to brokers.
func New(brokers []string, logger zerolog.Logger, opts ...Option) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka producer: at least one broker is required")
	}

	settings := &options{config: defaultConfig()}
	for _, opt := range opts {
		if opt != nil {
			opt(settings)
		}
	}
	cfg := cloneConfig(settings.config)
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true

	sp, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: create sync producer: %w", err)
	}
	return NewFromSyncProducer(sp, logger), nil
}

// NewFromSyncProducer wraps an existing Sarama sync producer.
func NewFromSyncProducer(sp sarama.SyncProducer, logger zerolog.Logger) *Producer {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	p := &Producer{
		logger: logger.With().Str("component", "kafka_producer").Logger(),
		sync:   sp,
	}
	p.ready.Store(true)
	return p
}

// PublishSync publishes a message and waits for the brokers to acknowledge it.
func (p *Producer) PublishSync(topic string, key []byte, headers map[string][]byte, payload []byte) error {
	if topic == "" {
		return ErrTopicRequired
	}

	msg := &sarama.ProducerMessage{
		Topic:   topic,
		Value:   sarama.ByteEncoder(payload),
		Headers: toRecordHeaders(headers),
	}
	if len(key) > 0 {
		msg.Key = sarama.ByteEncoder(key)
	}

	partition, offset, err := p.sync.SendMessage(msg)
	if err != nil {
		if p.ready.Swap(false) {
			p.logger.Warn().Err(err).Str("topic", topic).Msg("kafka producer became unavailable")
		}
		return fmt.Errorf("kafka producer: send sync: %w", err)
	}
	if !p.ready.Swap(true) {
		p.logger.Info().Str("topic", topic).Msg("kafka producer recovered")
	}
	p.logger.Debug().Str("topic", topic).Int32("partition", partition).Int64("offset", offset).Msg("published")
	return nil
}

// IsReady reports whether the most recent publish succeeded.
func (p *Producer) IsReady() bool {
	return p.ready.Load()
}

// Close flushes and releases the underlying producer.
func (p *Producer) Close() error {
	if err := p.sync.Close(); err != nil {
		return fmt.Errorf("kafka producer: close: %w", err)
	}
	return nil
}

func toRecordHeaders(headers map[string][]byte) []sarama.RecordHeader {
	if len(headers) == 0 {
		return nil
	}
	out := make([]sarama.RecordHeader, 0, len(headers))
	for k, v := range headers {
		out = append(out, sarama.RecordHeader{Key: []byte(k), Value: cloneBytes(v)})
	}
	return out
}

func cloneBytes(src []byte) []byte {
	if len(src) == 0 {
		return nil
	}
	dst := make([]byte, len(src))
	copy(dst, src)
	return dst
}

func defaultConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.ClientID = clientID
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 6
	cfg.Producer.Retry.Backoff = 250 * time.Millisecond
	cfg.Producer.Return.Errors = true
	cfg.Producer.Return.Successes = true
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1
	cfg.Metadata.RefreshFrequency = defaultMetadataRefreshInterval
	return cfg
}

func cloneConfig(cfg *sarama.Config) *sarama.Config {
	if cfg == nil {
		return defaultConfig()
	}
	cloned := *cfg
	return &cloned
}
