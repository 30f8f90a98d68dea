package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/rs/zerolog"

	"github.com/example/notification-dispatcher/internal/kafka/consumer"
)

// Committer acknowledges a consumed record.
type Committer interface {
	Commit(ctx context.Context, record *consumer.Record) error
}

// KafkaHandler returns a consumer.Handler that decodes each record into a
// Request and sends it synchronously. The offset is committed once Send has
// returned, whether or not delivery succeeded, and also for payloads that
// cannot be decoded or validated, since redelivery would not fix them.
func KafkaHandler(svc *Service, committer Committer, logger zerolog.Logger) consumer.Handler {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	logger = logger.With().Str("component", "kafka_intake").Logger()

	return func(ctx context.Context, rec *consumer.Record) error {
		if svc == nil || rec == nil {
			return nil
		}
		log := logger.With().
			Str("topic", rec.Topic).
			Int32("partition", rec.Partition).
			Int64("offset", rec.Offset).
			Logger()

		var req Request
		if err := json.Unmarshal(rec.Value, &req); err != nil {
			log.Warn().Err(err).Msg("discarding undecodable message request")
			return commit(ctx, committer, rec)
		}

		res, err := svc.Send(ctx, req)
		switch {
		case err != nil:
			log.Warn().Err(err).Msg("discarding invalid message request")
		case !res.Success:
			log.Warn().Str("tracking_id", res.TrackingID).Str("error", res.Error).Int("attempts", res.Attempts).Msg("message request failed")
		default:
			log.Info().Str("tracking_id", res.TrackingID).Str("provider", res.Provider).Msg("message request delivered")
		}
		return commit(ctx, committer, rec)
	}
}

func commit(ctx context.Context, committer Committer, rec *consumer.Record) error {
	if committer == nil {
		return nil
	}
	if err := committer.Commit(ctx, rec); err != nil {
		return fmt.Errorf("dispatch: commit offset %d: %w", rec.Offset, err)
	}
	return nil
}
