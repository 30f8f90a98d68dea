// Package tracking keeps the delivery record for every submitted message and
// enforces the forward-only status state machine.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/notification-dispatcher/internal/transport"
)

var (
	// ErrNotFound is returned when no record exists for an id.
	ErrNotFound = errors.New("tracking: record not found")
	// ErrAlreadyExists is returned by Create when the id is taken.
	ErrAlreadyExists = errors.New("tracking: record already exists")
	// ErrInvalidTransition is returned when an update would move a record
	// backwards through the state machine.
	ErrInvalidTransition = errors.New("tracking: invalid status transition")
)

// DefaultRetentionDays is the prune window used when none is configured.
const DefaultRetentionDays = 7

// Status is the lifecycle state of a delivery record.
type Status string

const (
	StatusPending Status = "pending"
	StatusQueued  Status = "queued"
	StatusSending Status = "sending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
	StatusBounced Status = "bounced"
)

var statusRank = map[Status]int{
	StatusPending: 0,
	StatusQueued:  1,
	StatusSending: 2,
	StatusSent:    3,
	StatusFailed:  3,
	StatusBounced: 4,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// Terminal reports whether no internal transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusFailed || s == StatusBounced
}

// CanTransition reports whether a record may move from one status to
// another. Staying in place is allowed; Bounced is reachable only from Sent.
func CanTransition(from, to Status) bool {
	if from == to {
		return from.Valid()
	}
	if to == StatusBounced {
		return from == StatusSent
	}
	fr, ok := statusRank[from]
	if !ok {
		return false
	}
	tr, ok := statusRank[to]
	if !ok {
		return false
	}
	if from.Terminal() {
		return false
	}
	return tr > fr
}

// Record is the tracked state of one Send call.
type Record struct {
	ID                string          `json:"id"`
	Recipient         string          `json:"recipient"`
	Recipients        []string        `json:"recipients,omitempty"`
	Subject           string          `json:"subject"`
	Tags              []transport.Tag `json:"tags,omitempty"`
	Status            Status          `json:"status"`
	Attempts          int             `json:"attempts"`
	Provider          string          `json:"provider,omitempty"`
	ProviderMessageID string          `json:"providerMessageId,omitempty"`
	LastError         string          `json:"lastError,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
	LastAttemptAt     time.Time       `json:"lastAttemptAt"`
	SentAt            *time.Time      `json:"sentAt,omitempty"`
	BouncedAt         *time.Time      `json:"bouncedAt,omitempty"`
	BounceReason      string          `json:"bounceReason,omitempty"`
}

// Clone returns a deep copy so callers never share slices or pointers with
// the store.
func (r Record) Clone() Record {
	out := r
	if r.Recipients != nil {
		out.Recipients = append([]string(nil), r.Recipients...)
	}
	if r.Tags != nil {
		out.Tags = append([]transport.Tag(nil), r.Tags...)
	}
	if r.SentAt != nil {
		v := *r.SentAt
		out.SentAt = &v
	}
	if r.BouncedAt != nil {
		v := *r.BouncedAt
		out.BouncedAt = &v
	}
	return out
}

// Update is a partial change. Nil fields are left untouched.
type Update struct {
	Status            *Status
	Attempts          *int
	Provider          *string
	ProviderMessageID *string
	LastError         *string
	ClearLastError    bool
	SentAt            *time.Time
	BouncedAt         *time.Time
	BounceReason      *string
}

// Apply merges u into rec and refreshes LastAttemptAt. rec is left unchanged
// when the status transition is rejected.
func (u Update) Apply(rec *Record, at time.Time) error {
	if u.Status != nil && !CanTransition(rec.Status, *u.Status) {
		return fmt.Errorf("%w: %s -> %s (record %s)", ErrInvalidTransition, rec.Status, *u.Status, rec.ID)
	}
	if u.Status != nil {
		rec.Status = *u.Status
	}
	if u.Attempts != nil {
		rec.Attempts = *u.Attempts
	}
	if u.Provider != nil {
		rec.Provider = *u.Provider
	}
	if u.ProviderMessageID != nil {
		rec.ProviderMessageID = *u.ProviderMessageID
	}
	if u.LastError != nil {
		rec.LastError = *u.LastError
	}
	if u.ClearLastError {
		rec.LastError = ""
	}
	if u.SentAt != nil {
		v := *u.SentAt
		rec.SentAt = &v
	}
	if u.BouncedAt != nil {
		v := *u.BouncedAt
		rec.BouncedAt = &v
	}
	if u.BounceReason != nil {
		rec.BounceReason = *u.BounceReason
	}
	rec.LastAttemptAt = at
	return nil
}

// Repository stores delivery records. Implementations must be safe for
// concurrent use.
type Repository interface {
	Create(ctx context.Context, rec Record) error
	Update(ctx context.Context, id string, u Update) (Record, error)
	Get(ctx context.Context, id string) (Record, error)
	GetAll(ctx context.Context) ([]Record, error)
	// Prune deletes records whose LastAttemptAt is older than olderThan and
	// returns how many were removed.
	Prune(ctx context.Context, olderThan time.Duration) (int, error)
}

// Ptr returns a pointer to v. Handy for building Updates.
func Ptr[T any](v T) *T { return &v }
