package cache

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// Backend is the optional cache collaborator. Every implementation must be
// safe to call when the underlying service is unavailable.
type Backend interface {
	// Get retrieves a value from the cache
	// Returns (value, found, error)
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// SetWithTTL stores a value in the cache with the given TTL
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Exists reports whether a live entry is stored under key
	Exists(ctx context.Context, key string) (bool, error)

	// Invalidate removes key, or every key matching a glob pattern containing '*'
	Invalidate(ctx context.Context, keyOrPattern string) error

	// Close releases the backend
	Close() error
}

// Open returns a redis backend when redisURL is set, otherwise an in-memory one.
// A redis backend that cannot be reached degrades to Noop.
func Open(redisURL string, cfg Config) Backend {
	if redisURL == "" {
		slog.Info("cache: using in-memory backend", "max_entries", cfg.MaxEntries)
		return NewMemoryCache(cfg.MaxEntries, cfg.CleanupInterval)
	}
	rc, err := NewRedisCache(redisURL, cfg.Prefix)
	if err != nil {
		slog.Warn("cache: redis unavailable, caching disabled", "error", err)
		return Noop{}
	}
	slog.Info("cache: using redis backend", "prefix", cfg.Prefix)
	return rc
}

func isPattern(key string) bool {
	return strings.Contains(key, "*")
}

// Noop is a Backend that stores nothing.
type Noop struct{}

func (Noop) Get(ctx context.Context, key string) ([]byte, bool, error) { return nil, false, nil }

func (Noop) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return nil
}

func (Noop) Exists(ctx context.Context, key string) (bool, error) { return false, nil }

func (Noop) Invalidate(ctx context.Context, keyOrPattern string) error { return nil }

func (Noop) Close() error { return nil }
