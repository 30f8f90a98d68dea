// Package emailapi implements the primary transport on top of a transactional
// email HTTP API.
package emailapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/example/notification-dispatcher/internal/transport"
)

const (
	// Name identifies this transport in logs, metrics and records.
	Name = "email_api"

	defaultBaseURL = "https://api.resend.com"
	defaultTimeout = 30 * time.Second
	sendPath       = "/emails"
)

// Config carries the provider settings required to talk to the API.
type Config struct {
	APIKey  string
	BaseURL string
	From    string
	ReplyTo string
	Timeout time.Duration
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

// WithClock overrides the clock used for receipt timestamps.
func WithClock(now func() time.Time) Option {
	return func(t *Transport) {
		if now != nil {
			t.now = now
		}
	}
}

// Transport sends messages through the transactional email API.
type Transport struct {
	logger     zerolog.Logger
	client     *resty.Client
	httpClient *http.Client
	from       string
	replyTo    string
	now        func() time.Time
}

type sendRequest struct {
	From    string          `json:"from"`
	To      []string        `json:"to"`
	Subject string          `json:"subject"`
	HTML    string          `json:"html,omitempty"`
	ReplyTo string          `json:"reply_to,omitempty"`
	Tags    []transport.Tag `json:"tags,omitempty"`
}

type sendResponse struct {
	ID string `json:"id"`
}

type apiError struct {
	StatusCode int    `json:"statusCode"`
	Name       string `json:"name"`
	Message    string `json:"message"`
}

// New constructs the primary API transport.
func New(cfg Config, logger zerolog.Logger, opts ...Option) (*Transport, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("email api transport: api key is required")
	}
	if strings.TrimSpace(cfg.From) == "" {
		return nil, errors.New("email api transport: from address is required")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	t := &Transport{
		logger:  logger,
		from:    strings.TrimSpace(cfg.From),
		replyTo: strings.TrimSpace(cfg.ReplyTo),
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}

	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	client := resty.New()
	if t.httpClient != nil {
		client = resty.NewWithClient(t.httpClient)
	}
	t.client = client.
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetAuthToken(strings.TrimSpace(cfg.APIKey)).
		SetHeader("Accept", "application/json")

	return t, nil
}

// Name implements transport.Transport.
func (t *Transport) Name() string { return Name }

// Send implements transport.Transport.
func (t *Transport) Send(ctx context.Context, msg *transport.Message) (*transport.Receipt, error) {
	if msg == nil {
		return nil, transport.WrapPermanent(errors.New("email api transport: message is nil"))
	}
	at := t.now()
	receipt, err := t.send(ctx, msg)
	transport.LogOutcome(t.logger, Name, msg, receipt, err, at)
	return receipt, err
}

func (t *Transport) send(ctx context.Context, msg *transport.Message) (*transport.Receipt, error) {
	from := msg.From
	if from == "" {
		from = t.from
	}
	replyTo := msg.ReplyTo
	if replyTo == "" {
		replyTo = t.replyTo
	}

	var (
		ok     sendResponse
		failed apiError
	)
	resp, err := t.client.R().
		SetContext(ctx).
		SetBody(sendRequest{
			From:    from,
			To:      append([]string(nil), msg.To...),
			Subject: msg.Subject,
			HTML:    msg.Body,
			ReplyTo: replyTo,
			Tags:    msg.Tags,
		}).
		SetResult(&ok).
		SetError(&failed).
		Post(sendPath)
	if err != nil {
		return nil, transport.WrapTransient(fmt.Errorf("email api transport: %w", err))
	}

	if resp.IsError() {
		message := failed.Message
		if message == "" {
			message = strings.TrimSpace(resp.String())
		}
		if message == "" {
			message = http.StatusText(resp.StatusCode())
		}
		cause := fmt.Errorf("email api transport: http %d: %s", resp.StatusCode(), message)
		return nil, transport.ClassifyHTTPStatus(resp.StatusCode(), cause)
	}

	if ok.ID == "" {
		return nil, transport.WrapTransient(fmt.Errorf("email api transport: http %d: response missing message id", resp.StatusCode()))
	}

	return &transport.Receipt{
		MessageID: ok.ID,
		Provider:  Name,
		Raw:       resp.String(),
		Timestamp: t.now(),
	}, nil
}
