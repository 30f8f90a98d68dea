package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/example/notification-dispatcher/internal/transport"
	"github.com/example/notification-dispatcher/internal/util"
)

const (
	maxRecipients  = 50
	maxSubjectLen  = 998
	maxTags        = 20
	maxTagNameLen  = 64
	maxTagValueLen = 256
)

// Recipients accepts either a single address or a list when decoded from
// JSON.
type Recipients []string

// UnmarshalJSON implements json.Unmarshaler.
func (r *Recipients) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*r = Recipients{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return errors.New("to must be a string or an array of strings")
	}
	*r = many
	return nil
}

// Request is a fully rendered notification supplied by the caller.
type Request struct {
	To      Recipients      `json:"to"`
	From    string          `json:"from,omitempty"`
	Subject string          `json:"subject"`
	Body    string          `json:"body"`
	ReplyTo string          `json:"replyTo,omitempty"`
	Tags    []transport.Tag `json:"tags,omitempty"`
}

// normalize validates the request and returns the transport message with
// addresses lowercased and tags trimmed.
func (r Request) normalize(cfg Config) (*transport.Message, error) {
	to, err := util.NormalizeEmails(r.To, 1, maxRecipients)
	if err != nil {
		return nil, fmt.Errorf("%w: to: %v", ErrInvalidRequest, err)
	}

	subject := strings.TrimSpace(r.Subject)
	if subject == "" {
		return nil, fmt.Errorf("%w: subject is required", ErrInvalidRequest)
	}
	if err := util.EnsureMaxRunes("subject", subject, maxSubjectLen); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	from := cfg.From
	if strings.TrimSpace(r.From) != "" {
		if from, err = util.NormalizeEmail(r.From); err != nil {
			return nil, fmt.Errorf("%w: from: %v", ErrInvalidRequest, err)
		}
	}

	replyTo := cfg.ReplyTo
	if strings.TrimSpace(r.ReplyTo) != "" {
		if replyTo, err = util.NormalizeEmail(r.ReplyTo); err != nil {
			return nil, fmt.Errorf("%w: replyTo: %v", ErrInvalidRequest, err)
		}
	}

	if len(r.Tags) > maxTags {
		return nil, fmt.Errorf("%w: too many tags: got %d, max %d", ErrInvalidRequest, len(r.Tags), maxTags)
	}
	var tags []transport.Tag
	for i, tag := range r.Tags {
		name, value, err := util.NormalizeTag(tag.Name, tag.Value, maxTagNameLen, maxTagValueLen)
		if err != nil {
			return nil, fmt.Errorf("%w: tags[%d]: %v", ErrInvalidRequest, i, err)
		}
		tags = append(tags, transport.Tag{Name: name, Value: value})
	}

	return &transport.Message{
		From:    from,
		To:      to,
		Subject: subject,
		Body:    r.Body,
		ReplyTo: replyTo,
		Tags:    tags,
	}, nil
}
