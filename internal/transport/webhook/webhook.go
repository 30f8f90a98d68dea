// Package webhook implements the fallback transport: a JSON POST to an
// operator configured relay URL.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/example/notification-dispatcher/internal/transport"
	"github.com/example/notification-dispatcher/internal/util"
)

// Name identifies this transport in logs, metrics and records.
const Name = "webhook"

const (
	defaultTimeout = 30 * time.Second
	maxBodyChars   = 1024
)

// Config describes the fallback relay.
type Config struct {
	URL     string
	Timeout time.Duration
	// IncludeBody adds the rendered body to the payload. Off by default so
	// the relay only receives metadata.
	IncludeBody bool
}

// Option customises the transport.
type Option func(*Transport)

// WithHTTPClient swaps the underlying HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(t *Transport) {
		if client != nil {
			t.httpClient = client
		}
	}
}

// WithClock overrides the clock used for payload and receipt timestamps.
func WithClock(now func() time.Time) Option {
	return func(t *Transport) {
		if now != nil {
			t.now = now
		}
	}
}

// Payload is the JSON document delivered to the relay.
type Payload struct {
	To        []string        `json:"to"`
	Subject   string          `json:"subject"`
	ReplyTo   string          `json:"replyTo,omitempty"`
	Tags      []transport.Tag `json:"tags"`
	Body      string          `json:"body,omitempty"`
	Timestamp string          `json:"timestamp"`
}

type relayResponse struct {
	ID        string `json:"id"`
	MessageID string `json:"messageId"`
}

// Transport posts message metadata to the fallback relay.
type Transport struct {
	logger      zerolog.Logger
	client      *resty.Client
	httpClient  *http.Client
	url         string
	includeBody bool
	now         func() time.Time
}

// New constructs the fallback transport.
func New(cfg Config, logger zerolog.Logger, opts ...Option) (*Transport, error) {
	target, err := util.ValidateHTTPURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("webhook transport: %w", err)
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	t := &Transport{
		logger:      logger,
		url:         target,
		includeBody: cfg.IncludeBody,
		now:         time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	client := resty.New()
	if t.httpClient != nil {
		client = resty.NewWithClient(t.httpClient)
	}
	t.client = client.SetTimeout(timeout).SetHeader("Content-Type", "application/json")

	return t, nil
}

// Name implements transport.Transport.
func (t *Transport) Name() string { return Name }

// Send implements transport.Transport.
func (t *Transport) Send(ctx context.Context, msg *transport.Message) (*transport.Receipt, error) {
	if msg == nil {
		return nil, transport.WrapPermanent(errors.New("webhook transport: message is nil"))
	}
	at := t.now()
	receipt, err := t.send(ctx, msg, at)
	transport.LogOutcome(t.logger, Name, msg, receipt, err, at)
	return receipt, err
}

// BuildPayload renders the relay document for msg.
func (t *Transport) BuildPayload(msg *transport.Message, at time.Time) Payload {
	tags := msg.Tags
	if tags == nil {
		tags = []transport.Tag{}
	}
	p := Payload{
		To:        append([]string(nil), msg.To...),
		Subject:   msg.Subject,
		ReplyTo:   msg.ReplyTo,
		Tags:      tags,
		Timestamp: at.UTC().Format(time.RFC3339Nano),
	}
	if t.includeBody {
		p.Body = msg.Body
	}
	return p
}

func (t *Transport) send(ctx context.Context, msg *transport.Message, at time.Time) (*transport.Receipt, error) {
	var ok relayResponse
	resp, err := t.client.R().
		SetContext(ctx).
		SetBody(t.BuildPayload(msg, at)).
		SetResult(&ok).
		Post(t.url)
	if err != nil {
		return nil, transport.WrapTransient(fmt.Errorf("webhook transport: %w", err))
	}

	raw := truncate(resp.String(), maxBodyChars)

	if resp.IsError() {
		message := strings.TrimSpace(raw)
		if message == "" {
			message = http.StatusText(resp.StatusCode())
		}
		cause := fmt.Errorf("webhook transport: http %d: %s", resp.StatusCode(), message)
		return nil, transport.ClassifyHTTPStatus(resp.StatusCode(), cause)
	}

	id := ok.ID
	if id == "" {
		id = ok.MessageID
	}
	if id == "" {
		id = fmt.Sprintf("webhook-%d", at.UnixNano())
	}

	return &transport.Receipt{
		MessageID: id,
		Provider:  Name,
		Raw:       raw,
		Timestamp: t.now(),
	}, nil
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
