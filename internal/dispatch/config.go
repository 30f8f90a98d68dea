package dispatch

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrConfiguration reports settings that make every send meaningless.
	ErrConfiguration = errors.New("dispatch: configuration error")
	// ErrInvalidRequest reports a malformed Message Request. No record is
	// created for it.
	ErrInvalidRequest = errors.New("dispatch: invalid request")
	// ErrQueueStopped is returned for submissions after the queue stopped.
	ErrQueueStopped = errors.New("dispatch: queue stopped")
)

const (
	DefaultMaxRetries     = 3
	DefaultBaseRetryDelay = time.Second
	DefaultBatchSize      = 10
	DefaultBatchDelay     = time.Second
	DefaultQueueItemDelay = 100 * time.Millisecond
	DefaultSendTimeout    = 2 * time.Minute
)

// Config holds per-service dispatch settings.
type Config struct {
	UseQueue       bool
	UseFallback    bool
	MaxRetries     int
	BaseRetryDelay time.Duration
	BatchSize      int
	BatchDelay     time.Duration
	QueueItemDelay time.Duration
	// SendTimeout bounds a whole Send call including queueing. Zero disables
	// the ceiling.
	SendTimeout time.Duration
	// From and ReplyTo are applied when a request leaves them empty.
	From    string
	ReplyTo string
}

// DefaultConfig returns the documented defaults with queueing enabled and
// fallback disabled.
func DefaultConfig() Config {
	return Config{
		UseQueue:       true,
		MaxRetries:     DefaultMaxRetries,
		BaseRetryDelay: DefaultBaseRetryDelay,
		BatchSize:      DefaultBatchSize,
		BatchDelay:     DefaultBatchDelay,
		QueueItemDelay: DefaultQueueItemDelay,
		SendTimeout:    DefaultSendTimeout,
	}
}

func (c Config) validate() error {
	switch {
	case c.MaxRetries < 0:
		return fmt.Errorf("%w: max retries must be >= 0", ErrConfiguration)
	case c.BaseRetryDelay < 0:
		return fmt.Errorf("%w: base retry delay cannot be negative", ErrConfiguration)
	case c.BatchSize < 1:
		return fmt.Errorf("%w: batch size must be >= 1", ErrConfiguration)
	case c.BatchDelay < 0:
		return fmt.Errorf("%w: batch delay cannot be negative", ErrConfiguration)
	case c.QueueItemDelay < 0:
		return fmt.Errorf("%w: queue item delay cannot be negative", ErrConfiguration)
	case c.SendTimeout < 0:
		return fmt.Errorf("%w: send timeout cannot be negative", ErrConfiguration)
	}
	return nil
}
