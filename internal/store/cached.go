package store

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"nostr-ilp-relay/internal/cache"
	"nostr-ilp-relay/internal/types"
)

// CachedStore puts the cache collaborator in front of an EventStore. Get and
// Exists read the cache first, Save fills it, and Delete/MarkDeleted
// invalidate it. Cache failures are logged and never change a result.
type CachedStore struct {
	EventStore
	cache  cache.Backend
	ttl    time.Duration
	logger *slog.Logger

	hits   *atomic.Int64
	misses *atomic.Int64
}

// CachedOption configures a CachedStore.
type CachedOption func(*CachedStore)

// WithCacheLogger sets the logger for cache failures.
func WithCacheLogger(l *slog.Logger) CachedOption {
	return func(s *CachedStore) { s.logger = l }
}

// WithCacheCounters counts lookups answered by the cache and those that fell
// through to the store.
func WithCacheCounters(hits, misses *atomic.Int64) CachedOption {
	return func(s *CachedStore) {
		s.hits = hits
		s.misses = misses
	}
}

// NewCachedStore wraps inner. A nil backend disables caching.
func NewCachedStore(inner EventStore, c cache.Backend, ttl time.Duration, opts ...CachedOption) *CachedStore {
	if c == nil {
		c = cache.Noop{}
	}
	s := &CachedStore{
		EventStore: inner,
		cache:      c,
		ttl:        ttl,
		logger:     slog.Default(),
		hits:       new(atomic.Int64),
		misses:     new(atomic.Int64),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Hits returns the number of lookups answered by the cache.
func (s *CachedStore) Hits() int64 { return s.hits.Load() }

// Misses returns the number of lookups that reached the store.
func (s *CachedStore) Misses() int64 { return s.misses.Load() }

// Exists answers from the cache when the event is cached.
func (s *CachedStore) Exists(ctx context.Context, id string) (bool, error) {
	ok, err := s.cache.Exists(ctx, cache.EventKey(id))
	if err != nil {
		s.logger.Debug("cache exists check failed", "event_id", id, "error", err)
	}
	if err == nil && ok {
		s.hits.Add(1)
		return true, nil
	}
	s.misses.Add(1)
	return s.EventStore.Exists(ctx, id)
}

// Save stores evt and caches it once it is durable.
func (s *CachedStore) Save(ctx context.Context, evt *types.Event) error {
	if err := s.EventStore.Save(ctx, evt); err != nil {
		return err
	}
	s.put(ctx, evt)
	return nil
}

// Get returns the cached event, loading and caching it on a miss.
func (s *CachedStore) Get(ctx context.Context, id string) (*types.Event, error) {
	data, ok, err := s.cache.Get(ctx, cache.EventKey(id))
	if err != nil {
		s.logger.Debug("cache read failed", "event_id", id, "error", err)
	}
	if err == nil && ok {
		var evt types.Event
		if jerr := json.Unmarshal(data, &evt); jerr == nil {
			s.hits.Add(1)
			return &evt, nil
		}
		s.logger.Warn("dropping undecodable cache entry", "event_id", id)
		s.invalidate(ctx, id)
	}
	s.misses.Add(1)

	evt, err := s.EventStore.Get(ctx, id)
	if err != nil || evt == nil {
		return evt, err
	}
	s.put(ctx, evt)
	return evt, nil
}

// Delete removes id from the store and the cache.
func (s *CachedStore) Delete(ctx context.Context, id string) error {
	err := s.EventStore.Delete(ctx, id)
	s.invalidate(ctx, id)
	return err
}

// MarkDeleted soft-deletes id and drops its cache entry.
func (s *CachedStore) MarkDeleted(ctx context.Context, id string) error {
	err := s.EventStore.MarkDeleted(ctx, id)
	s.invalidate(ctx, id)
	return err
}

func (s *CachedStore) put(ctx context.Context, evt *types.Event) {
	data, err := json.Marshal(evt)
	if err == nil {
		err = s.cache.SetWithTTL(ctx, cache.EventKey(evt.ID), data, s.ttl)
	}
	if err != nil {
		s.logger.Warn("cache write failed", "event_id", evt.ID, "error", err)
	}
}

func (s *CachedStore) invalidate(ctx context.Context, id string) {
	if err := s.cache.Invalidate(ctx, cache.EventKey(id)); err != nil {
		s.logger.Debug("cache invalidation failed", "event_id", id, "error", err)
	}
}
