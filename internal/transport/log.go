package transport

import (
	"time"

	"github.com/rs/zerolog"
)

// LogOutcome writes the per-call log line every transport emits.
func LogOutcome(logger zerolog.Logger, transportName string, msg *Message, receipt *Receipt, err error, at time.Time) {
	var evt *zerolog.Event
	if err != nil {
		evt = logger.Warn().Err(err).Str("outcome", "failed").Bool("permanent", IsPermanent(err))
	} else {
		evt = logger.Info().Str("outcome", "sent")
		if receipt != nil {
			evt = evt.Str("provider_message_id", receipt.MessageID)
		}
	}
	evt.Str("transport", transportName).
		Str("tracking_id", msg.TrackingID).
		Str("recipient", msg.PrimaryRecipient()).
		Int("recipients", len(msg.To)).
		Str("subject", msg.Subject).
		Time("attempted_at", at).
		Msg("transport call completed")
}
