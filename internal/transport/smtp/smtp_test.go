package smtp

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/gomail.v2"

	"github.com/example/notification-dispatcher/internal/transport"
)

type fakeDialer struct {
	mu    sync.Mutex
	err   error
	block chan struct{}
	sent  []*gomail.Message
}

func (d *fakeDialer) DialAndSend(m ...*gomail.Message) error {
	if d.block != nil {
		<-d.block
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, m...)
	return d.err
}

func newTransport(t *testing.T, d Dialer) *Transport {
	t.Helper()
	tr, err := New(Config{
		Host:     "smtp.example.com",
		Port:     587,
		From:     "noreply@example.com",
		FromName: "Accounts",
		ReplyTo:  "help@example.com",
	}, zerolog.Nop(), WithDialer(d), WithClock(func() time.Time {
		return time.Date(2026, time.January, 2, 3, 4, 5, 0, time.UTC)
	}))
	require.NoError(t, err)
	return tr
}

func TestNewValidatesConfig(t *testing.T) {
	cases := []Config{
		{Port: 25, From: "a@x.com"},
		{Host: "h", Port: 0, From: "a@x.com"},
		{Host: "h", Port: 70000, From: "a@x.com"},
		{Host: "h", Port: 25},
	}
	for _, cfg := range cases {
		_, err := New(cfg, zerolog.Nop())
		assert.Error(t, err, "%+v", cfg)
	}
}

func TestSendBuildsMessage(t *testing.T) {
	d := &fakeDialer{}
	tr := newTransport(t, d)

	receipt, err := tr.Send(context.Background(), &transport.Message{
		TrackingID: "a@x.com-17",
		To:         []string{"a@x.com"},
		Subject:    "Your username",
		Body:       "<p>it is alice</p>",
		Tags:       []transport.Tag{{Name: "category", Value: "username_reminder"}},
	})
	require.NoError(t, err)
	assert.Equal(t, Name, receipt.Provider)
	assert.True(t, strings.HasSuffix(receipt.MessageID, "@smtp.example.com>"), receipt.MessageID)

	require.Len(t, d.sent, 1)
	var buf bytes.Buffer
	_, err = d.sent[0].WriteTo(&buf)
	require.NoError(t, err)
	raw := buf.String()
	assert.Contains(t, raw, "Subject: Your username")
	assert.Contains(t, raw, "Reply-To: help@example.com")
	assert.Contains(t, raw, "X-Tag-Category: username_reminder")
	assert.Contains(t, raw, "a@x.com")
}

func TestSendClassifiesReplyCodes(t *testing.T) {
	d := &fakeDialer{err: errors.New("gomail: could not send email 1: 550 5.1.1 invalid recipient")}
	_, err := newTransport(t, d).Send(context.Background(), &transport.Message{To: []string{"nobody@x.com"}, Subject: "s"})
	assert.ErrorIs(t, err, transport.ErrPermanent)
	assert.Contains(t, err.Error(), "invalid recipient")

	d = &fakeDialer{err: errors.New("dial tcp 10.0.0.1:587: i/o timeout")}
	_, err = newTransport(t, d).Send(context.Background(), &transport.Message{To: []string{"a@x.com"}, Subject: "s"})
	assert.ErrorIs(t, err, transport.ErrTransient)
}

func TestSendHonoursContext(t *testing.T) {
	d := &fakeDialer{block: make(chan struct{})}
	defer close(d.block)
	tr := newTransport(t, d)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := tr.Send(ctx, &transport.Message{To: []string{"a@x.com"}, Subject: "s"})
	assert.ErrorIs(t, err, transport.ErrTransient)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHeaderToken(t *testing.T) {
	assert.Equal(t, "Account-Lock", headerToken("account_lock"))
	assert.Equal(t, "Role", headerToken("ROLE"))
	assert.Equal(t, "Caf-Id", headerToken("café id"))
	assert.Empty(t, headerToken("é"))
	for _, name := range []string{"é", "über_tag", "日本"} {
		assert.True(t, utf8.ValidString(headerToken(name)), name)
	}
}
