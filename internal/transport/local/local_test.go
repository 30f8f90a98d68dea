package local

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/notification-dispatcher/internal/transport"
)

func TestSendReturnsSyntheticID(t *testing.T) {
	var buf bytes.Buffer
	tr := New(zerolog.New(&buf))

	receipt, err := tr.Send(context.Background(), &transport.Message{To: []string{"a@x.com"}, Subject: "Hi"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(receipt.MessageID, IDPrefix), receipt.MessageID)
	assert.Equal(t, Name, receipt.Provider)
	assert.Contains(t, buf.String(), `"recipient":"a@x.com"`)
	assert.Contains(t, buf.String(), `"subject":"Hi"`)
	assert.Contains(t, buf.String(), `"outcome":"sent"`)
}

func TestSendIDsAreUnique(t *testing.T) {
	tr := New(zerolog.Nop())
	msg := &transport.Message{To: []string{"a@x.com"}, Subject: "Hi"}
	first, err := tr.Send(context.Background(), msg)
	require.NoError(t, err)
	second, err := tr.Send(context.Background(), msg)
	require.NoError(t, err)
	assert.NotEqual(t, first.MessageID, second.MessageID)
}

func TestSendNilMessage(t *testing.T) {
	_, err := New(zerolog.Nop()).Send(context.Background(), nil)
	assert.ErrorIs(t, err, transport.ErrPermanent)
}
