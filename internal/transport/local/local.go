// Package local provides the transport used when no provider key is
// configured. Messages are logged and acknowledged with a synthetic id.
package local

import (
	"context"
	"errors"
	"reflect"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/example/notification-dispatcher/internal/transport"
)

// Name identifies this transport in logs, metrics and records.
const Name = "local"

// IDPrefix starts every synthetic message id.
const IDPrefix = "dev-"

// Transport never performs network I/O.
type Transport struct {
	logger zerolog.Logger
	now    func() time.Time
}

// New constructs a local transport.
func New(logger zerolog.Logger) *Transport {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &Transport{logger: logger, now: time.Now}
}

// Name implements transport.Transport.
func (t *Transport) Name() string { return Name }

// Send implements transport.Transport.
func (t *Transport) Send(ctx context.Context, msg *transport.Message) (*transport.Receipt, error) {
	if msg == nil {
		return nil, transport.WrapPermanent(errors.New("local transport: message is nil"))
	}
	if err := ctx.Err(); err != nil {
		return nil, transport.WrapTransient(err)
	}

	at := t.now()
	receipt := &transport.Receipt{
		MessageID: IDPrefix + uuid.NewString(),
		Provider:  Name,
		Timestamp: at,
	}
	t.logger.Debug().
		Strs("to", msg.To).
		Str("reply_to", msg.ReplyTo).
		Int("body_bytes", len(msg.Body)).
		Msg("local mode: message not transmitted")
	transport.LogOutcome(t.logger, Name, msg, receipt, nil, at)
	return receipt, nil
}
