// Package transport defines the contract shared by every outbound delivery
// channel together with the error taxonomy the attempt engine relies on to
// decide whether a failed call is worth retrying.
package transport

import (
	"context"
	"time"
)

// Mode describes whether transports talk to real providers or only log.
type Mode int

const (
	// ModeLive sends through the configured external providers.
	ModeLive Mode = iota
	// ModeLocal logs messages and reports synthetic successes.
	ModeLocal
)

func (m Mode) String() string {
	switch m {
	case ModeLive:
		return "live"
	case ModeLocal:
		return "local"
	default:
		return "unknown"
	}
}

// Tag is a classification key/value attached to a message for observability.
type Tag struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Message is the canonical outbound notification handed to a Transport. The
// body is opaque to the dispatch subsystem and forwarded as-is.
type Message struct {
	TrackingID string
	From       string
	To         []string
	Subject    string
	Body       string
	ReplyTo    string
	Tags       []Tag
}

// PrimaryRecipient returns the first recipient or an empty string.
func (m *Message) PrimaryRecipient() string {
	if m == nil || len(m.To) == 0 {
		return ""
	}
	return m.To[0]
}

// Receipt is returned by a transport on success.
type Receipt struct {
	MessageID string
	Provider  string
	Raw       string
	Timestamp time.Time
}

// Transport delivers a single message through one external provider. Failed
// calls return an error wrapped with ErrTransient or ErrPermanent.
type Transport interface {
	Name() string
	Send(ctx context.Context, msg *Message) (*Receipt, error)
}
