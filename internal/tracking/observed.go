package tracking

import (
	"context"
)

// ChangeFunc receives a snapshot after every successful create or update.
type ChangeFunc func(ctx context.Context, rec Record)

// Observed decorates a Repository and reports every change to a callback,
// e.g. a status event publisher. Callback failures are the callback's
// concern; they never fail the write.
type Observed struct {
	Repository
	onChange ChangeFunc
}

// NewObserved wraps repo. A nil onChange makes the decorator transparent.
func NewObserved(repo Repository, onChange ChangeFunc) *Observed {
	return &Observed{Repository: repo, onChange: onChange}
}

// Create implements Repository.
func (o *Observed) Create(ctx context.Context, rec Record) error {
	if err := o.Repository.Create(ctx, rec); err != nil {
		return err
	}
	if o.onChange != nil {
		if stored, err := o.Repository.Get(ctx, rec.ID); err == nil {
			o.onChange(ctx, stored)
		}
	}
	return nil
}

// Update implements Repository.
func (o *Observed) Update(ctx context.Context, id string, u Update) (Record, error) {
	rec, err := o.Repository.Update(ctx, id, u)
	if err != nil {
		return rec, err
	}
	if o.onChange != nil {
		o.onChange(ctx, rec.Clone())
	}
	return rec, nil
}
