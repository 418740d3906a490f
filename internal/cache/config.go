package cache

import "time"

// Config holds cache sizing and TTL configuration
type Config struct {
	Prefix          string
	EventTTL        time.Duration
	MaxEntries      int
	CleanupInterval time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Prefix:          "relay:",
		EventTTL:        10 * time.Minute, // hot events are re-read by REQ id lookups
		MaxEntries:      50000,
		CleanupInterval: time.Minute,
	}
}

// EventKey is the cache key for a stored event.
func EventKey(id string) string {
	return "event:" + id
}
