package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/notification-dispatcher/internal/tracking"
)

// ErrProducerNotInitialised is returned when publishing without a producer.
var ErrProducerNotInitialised = errors.New("kafka publisher: producer not initialised")

// SyncProducer captures the subset of producer behaviour the publisher needs.
type SyncProducer interface {
	PublishSync(topic string, key []byte, headers map[string][]byte, payload []byte) error
}

// StatusEvent is the wire form of a tracking change.
type StatusEvent struct {
	TrackingID        string          `json:"tracking_id"`
	Recipient         string          `json:"recipient"`
	Status            tracking.Status `json:"status"`
	Attempts          int             `json:"attempts"`
	Provider          string          `json:"provider,omitempty"`
	ProviderMessageID string          `json:"provider_message_id,omitempty"`
	Error             string          `json:"error,omitempty"`
	Timestamp         time.Time       `json:"timestamp"`
}

// EventFromRecord builds the event for the current state of rec.
func EventFromRecord(rec tracking.Record) StatusEvent {
	return StatusEvent{
		TrackingID:        rec.ID,
		Recipient:         rec.Recipient,
		Status:            rec.Status,
		Attempts:          rec.Attempts,
		Provider:          rec.Provider,
		ProviderMessageID: rec.ProviderMessageID,
		Error:             rec.LastError,
		Timestamp:         rec.LastAttemptAt.UTC(),
	}
}

// StatusPublisher emits tracking changes to a Kafka topic, keyed by tracking
// id so every change of one delivery lands on the same partition.
type StatusPublisher struct {
	producer SyncProducer
	topic    string
	logger   zerolog.Logger
}

// NewStatusPublisher constructs a StatusPublisher. It returns nil without a
// producer.
func NewStatusPublisher(prod SyncProducer, topic string, logger zerolog.Logger) *StatusPublisher {
	if prod == nil {
		return nil
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &StatusPublisher{
		producer: prod,
		topic:    topic,
		logger:   logger.With().Str("component", "status_publisher").Str("topic", topic).Logger(),
	}
}

// PublishStatus writes event to Kafka synchronously.
func (p *StatusPublisher) PublishStatus(_ context.Context, event StatusEvent) error {
	if p == nil || p.producer == nil {
		return ErrProducerNotInitialised
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("kafka publisher: marshal status event: %w", err)
	}
	headers := map[string][]byte{
		"content-type": []byte("application/json"),
		"status":       []byte(event.Status),
	}
	if err := p.producer.PublishSync(p.topic, []byte(event.TrackingID), headers, payload); err != nil {
		return fmt.Errorf("kafka publisher: publish status event: %w", err)
	}
	return nil
}

// OnChange publishes rec and logs failures. Its signature matches
// tracking.ChangeFunc.
func (p *StatusPublisher) OnChange(ctx context.Context, rec tracking.Record) {
	if p == nil {
		return
	}
	if err := p.PublishStatus(ctx, EventFromRecord(rec)); err != nil {
		p.logger.Warn().
			Err(err).
			Str("tracking_id", rec.ID).
			Str("status", string(rec.Status)).
			Msg("status event not published")
	}
}
