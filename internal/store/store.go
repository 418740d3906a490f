// Package store is the event persistence façade. Uniqueness of event ids is
// enforced by the backing store; callers' existence checks are only a fast path.
package store

import (
	"context"
	"errors"

	"nostr-ilp-relay/internal/types"
)

// ErrDuplicate is returned by Save when an event with the same id is already stored.
var ErrDuplicate = errors.New("event already stored")

// DefaultQueryLimit caps the rows returned for a filter without its own limit.
const DefaultQueryLimit = 5000

// EventStore persists events.
type EventStore interface {
	// Exists reports whether id has ever been stored, including soft-deleted events.
	Exists(ctx context.Context, id string) (bool, error)
	// Save stores evt. It returns ErrDuplicate on an id collision and any other
	// error only for transient failures.
	Save(ctx context.Context, evt *types.Event) error
	// Get returns the event or nil when absent or deleted.
	Get(ctx context.Context, id string) (*types.Event, error)
	// QueryByFilters returns events matching any filter, newest first, without duplicates.
	QueryByFilters(ctx context.Context, filters types.Filters) ([]*types.Event, error)
	Delete(ctx context.Context, id string) error
	MarkDeleted(ctx context.Context, id string) error
	Close() error
}

// filterLimit resolves the row cap for one filter.
func filterLimit(f *types.Filter, max int) int {
	if max <= 0 {
		max = DefaultQueryLimit
	}
	if f.Limit > 0 && f.Limit < max {
		return f.Limit
	}
	return max
}
