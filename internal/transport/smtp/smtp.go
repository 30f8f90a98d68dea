// Package smtp implements an SMTP backed primary transport for deployments
// that relay mail through their own server instead of an HTTP API.
package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/gomail.v2"

	"github.com/example/notification-dispatcher/internal/transport"
)

// Name identifies this transport in logs, metrics and records.
const Name = "smtp"

// Config holds SMTP connection details.
type Config struct {
	Host               string
	Port               int
	User               string
	Pass               string
	From               string
	FromName           string
	ReplyTo            string
	InsecureSkipVerify bool
}

// Dialer is the subset of gomail.Dialer used by the transport.
type Dialer interface {
	DialAndSend(m ...*gomail.Message) error
}

// Option customises the transport.
type Option func(*Transport)

// WithDialer replaces the gomail dialer.
func WithDialer(d Dialer) Option {
	return func(t *Transport) {
		if d != nil {
			t.dialer = d
		}
	}
}

// WithClock overrides the clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(t *Transport) {
		if now != nil {
			t.now = now
		}
	}
}

// Transport delivers messages over SMTP.
type Transport struct {
	logger   zerolog.Logger
	dialer   Dialer
	host     string
	from     string
	fromName string
	replyTo  string
	now      func() time.Time
}

// New constructs an SMTP transport.
func New(cfg Config, logger zerolog.Logger, opts ...Option) (*Transport, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, errors.New("smtp transport: host is required")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("smtp transport: invalid port %d", cfg.Port)
	}
	if strings.TrimSpace(cfg.From) == "" {
		return nil, errors.New("smtp transport: from address is required")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	d := gomail.NewDialer(cfg.Host, cfg.Port, cfg.User, cfg.Pass)
	d.TLSConfig = &tls.Config{ServerName: cfg.Host, MinVersion: tls.VersionTLS12}
	if cfg.InsecureSkipVerify {
		logger.Warn().Str("host", cfg.Host).Msg("smtp transport: TLS verification disabled")
		d.TLSConfig.InsecureSkipVerify = true // #nosec G402 -- operator opt-in.
	}

	t := &Transport{
		logger:   logger,
		dialer:   d,
		host:     cfg.Host,
		from:     strings.TrimSpace(cfg.From),
		fromName: strings.TrimSpace(cfg.FromName),
		replyTo:  strings.TrimSpace(cfg.ReplyTo),
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t, nil
}

// Name implements transport.Transport.
func (t *Transport) Name() string { return Name }

// Send implements transport.Transport. gomail has no context support, so a
// cancelled context abandons the in-flight dial rather than interrupting it.
func (t *Transport) Send(ctx context.Context, msg *transport.Message) (*transport.Receipt, error) {
	if msg == nil {
		return nil, transport.WrapPermanent(errors.New("smtp transport: message is nil"))
	}
	at := t.now()
	receipt, err := t.send(ctx, msg, at)
	transport.LogOutcome(t.logger, Name, msg, receipt, err, at)
	return receipt, err
}

func (t *Transport) send(ctx context.Context, msg *transport.Message, at time.Time) (*transport.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, transport.WrapTransient(err)
	}

	m, messageID := t.buildMessage(msg, at)

	done := make(chan error, 1)
	go func() {
		done <- t.dialer.DialAndSend(m)
	}()

	select {
	case <-ctx.Done():
		return nil, transport.WrapTransient(fmt.Errorf("smtp transport: %w", ctx.Err()))
	case err := <-done:
		if err != nil {
			return nil, transport.ClassifySMTP(fmt.Errorf("smtp transport: %w", err))
		}
	}

	return &transport.Receipt{
		MessageID: messageID,
		Provider:  Name,
		Timestamp: t.now(),
	}, nil
}

func (t *Transport) buildMessage(msg *transport.Message, at time.Time) (*gomail.Message, string) {
	from := msg.From
	if from == "" {
		from = t.from
	}
	replyTo := msg.ReplyTo
	if replyTo == "" {
		replyTo = t.replyTo
	}

	messageID := fmt.Sprintf("<%d.%s@%s>", at.UnixNano(), sanitizeLocal(msg.TrackingID), t.host)

	m := gomail.NewMessage()
	m.SetAddressHeader("From", from, t.fromName)
	m.SetHeader("To", msg.To...)
	m.SetHeader("Subject", msg.Subject)
	m.SetHeader("Message-ID", messageID)
	m.SetDateHeader("Date", at)
	if replyTo != "" {
		m.SetHeader("Reply-To", replyTo)
	}
	for _, tag := range msg.Tags {
		if name := headerToken(tag.Name); name != "" {
			m.SetHeader("X-Tag-"+name, tag.Value)
		}
	}
	m.SetBody("text/html", msg.Body)
	return m, messageID
}

func sanitizeLocal(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "msg"
	}
	return b.String()
}

func headerToken(name string) string {
	// Header field names are restricted to ASCII; anything else separates words.
	parts := strings.FieldsFunc(name, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9')
	})
	for i, part := range parts {
		parts[i] = strings.ToUpper(part[:1]) + strings.ToLower(part[1:])
	}
	return strings.Join(parts, "-")
}
