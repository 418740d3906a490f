package store

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"nostr-ilp-relay/internal/types"
)

// RetryPolicy bounds persistence retries by attempt count and total backoff time.
type RetryPolicy struct {
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsed      time.Duration
}

// DefaultRetryPolicy returns the policy used by the EVENT handler.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     4,
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     time.Second,
		MaxElapsed:      5 * time.Second,
	}
}

// SaveWithRetry saves evt, retrying transient failures with jittered exponential
// backoff. ErrDuplicate is returned immediately and never retried.
func SaveWithRetry(ctx context.Context, s EventStore, evt *types.Event, policy RetryPolicy) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = policy.InitialInterval
	b.MaxInterval = policy.MaxInterval
	b.RandomizationFactor = 0.5
	b.Multiplier = 2

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := s.Save(ctx, evt)
		if errors.Is(err, ErrDuplicate) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(policy.MaxAttempts),
		backoff.WithMaxElapsedTime(policy.MaxElapsed),
		backoff.WithNotify(func(err error, next time.Duration) {
			slog.Warn("event save failed, retrying",
				"event_id", evt.ID, "attempt", attempt, "next_in_ms", next.Milliseconds(), "error", err)
		}),
	)
	return err
}
