// Package config loads node settings from the environment.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"nostr-ilp-relay/internal/transport"
)

// Config is the node's runtime configuration.
type Config struct {
	Port          string
	LogLevel      string
	NodeAddress   string
	DatabaseURL   string
	RedisURL      string
	PricingConfig string
	Currency      string

	RoutingFee     uint64
	Peers          []string
	ForwardTimeout time.Duration

	SweepInterval time.Duration
	MaxFilters    int
	MaxQueryLimit int
	CacheTTL      time.Duration

	RateLimitPerSecond float64
	RateLimitBurst     int
	DedupTTL           time.Duration
	DedupMaxEntries    int
}

// Default returns the settings used for unset variables.
func Default() *Config {
	return &Config{
		Port:               "8080",
		LogLevel:           "info",
		NodeAddress:        "ws://localhost:8080/ilp",
		DatabaseURL:        "sqlite://relay.db",
		Currency:           "msat",
		ForwardTimeout:     10 * time.Second,
		SweepInterval:      30 * time.Second,
		MaxFilters:         10,
		MaxQueryLimit:      5000,
		CacheTTL:           10 * time.Minute,
		RateLimitPerSecond: 10,
		RateLimitBurst:     20,
		DedupTTL:           10 * time.Minute,
		DedupMaxEntries:    10000,
	}
}

// Load reads the environment. Unparseable values are logged and replaced by
// their defaults; it never fails.
func Load() *Config {
	cfg := Default()

	cfg.Port = envString("PORT", cfg.Port)
	cfg.LogLevel = strings.ToLower(envString("LOG_LEVEL", cfg.LogLevel))
	cfg.NodeAddress = envString("NODE_ADDRESS", cfg.NodeAddress)
	cfg.DatabaseURL = envString("DATABASE_URL", cfg.DatabaseURL)
	cfg.RedisURL = envString("REDIS_URL", cfg.RedisURL)
	cfg.PricingConfig = envString("PRICING_CONFIG", cfg.PricingConfig)
	cfg.Currency = envString("CURRENCY", cfg.Currency)

	cfg.RoutingFee = envUint("ROUTING_FEE", cfg.RoutingFee)
	cfg.Peers = parsePeers(os.Getenv("PEERS"))
	cfg.ForwardTimeout = envDuration("FORWARD_TIMEOUT", cfg.ForwardTimeout)

	cfg.SweepInterval = envDuration("SWEEP_INTERVAL", cfg.SweepInterval)
	cfg.MaxFilters = envInt("MAX_FILTERS", cfg.MaxFilters)
	cfg.MaxQueryLimit = envInt("MAX_QUERY_LIMIT", cfg.MaxQueryLimit)
	cfg.CacheTTL = envDuration("CACHE_TTL", cfg.CacheTTL)

	cfg.RateLimitPerSecond = envFloat("RATE_LIMIT_PER_SECOND", cfg.RateLimitPerSecond)
	cfg.RateLimitBurst = envInt("RATE_LIMIT_BURST", cfg.RateLimitBurst)
	cfg.DedupTTL = envDuration("DEDUP_TTL", cfg.DedupTTL)
	cfg.DedupMaxEntries = envInt("DEDUP_MAX_ENTRIES", cfg.DedupMaxEntries)

	return cfg
}

// parsePeers splits a comma-separated peer list, dropping invalid and
// repeated entries.
func parsePeers(raw string) []string {
	var peers []string
	seen := make(map[string]bool)
	for _, part := range strings.Split(raw, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		peer, err := transport.NormalizePeerURL(part)
		if err != nil {
			slog.Warn("ignoring invalid peer", "peer", part, "error", err)
			continue
		}
		if !seen[peer] {
			seen[peer] = true
			peers = append(peers, peer)
		}
	}
	return peers
}

func envString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		slog.Warn("invalid integer setting, using default", "key", key, "value", v, "default", def)
		return def
	}
	return n
}

func envUint(key string, def uint64) uint64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		slog.Warn("invalid amount setting, using default", "key", key, "value", v, "default", def)
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 {
		slog.Warn("invalid rate setting, using default", "key", key, "value", v, "default", def)
		return def
	}
	return f
}

func envDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		// bare integers are seconds
		secs, serr := strconv.Atoi(v)
		if serr != nil || secs <= 0 {
			slog.Warn("invalid duration setting, using default", "key", key, "value", v, "default", def)
			return def
		}
		d = time.Duration(secs) * time.Second
	}
	if d <= 0 {
		return def
	}
	return d
}
