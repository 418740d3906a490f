// Package pricing maps protocol actions to the payment they require.
package pricing

import (
	"fmt"
	"log/slog"
	"math"
	"math/bits"
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

// SubscriptionPricing prices a REQ by its time-to-live.
type SubscriptionPricing struct {
	Base       uint64 `yaml:"base"`
	PerSecond  uint64 `yaml:"per_second"`
	MinTTL     int64  `yaml:"min_ttl"`
	MaxTTL     int64  `yaml:"max_ttl"`
	DefaultTTL int64  `yaml:"default_ttl"`
}

// Table is a complete price list. Default applies to any kind not listed.
type Table struct {
	Default      *uint64             `yaml:"default"`
	Kinds        map[int]uint64      `yaml:"kinds"`
	Subscription SubscriptionPricing `yaml:"subscription"`
}

// FallbackTable is used when no price table can be loaded.
func FallbackTable() *Table {
	def := uint64(100)
	return &Table{
		Default: &def,
		Kinds: map[int]uint64{
			0:     10,  // profile metadata
			1:     50,  // short text note
			3:     10,  // contact list
			4:     100, // encrypted DM
			5:     10,  // deletion
			6:     20,  // repost
			7:     5,   // reaction
			30023: 500, // long-form article
		},
		Subscription: SubscriptionPricing{
			Base:       100,
			PerSecond:  1,
			MinTTL:     60,
			MaxTTL:     86400,
			DefaultTTL: 3600,
		},
	}
}

// Validate checks a table is usable. A default entry is mandatory.
func (t *Table) Validate() error {
	if t.Default == nil {
		return fmt.Errorf("price table has no default entry")
	}
	s := t.Subscription
	if s.MinTTL <= 0 || s.MaxTTL < s.MinTTL {
		return fmt.Errorf("subscription ttl bounds invalid: min=%d max=%d", s.MinTTL, s.MaxTTL)
	}
	if s.DefaultTTL < s.MinTTL || s.DefaultTTL > s.MaxTTL {
		return fmt.Errorf("subscription default ttl %d outside [%d, %d]", s.DefaultTTL, s.MinTTL, s.MaxTTL)
	}
	if _, ok := s.cost(s.MaxTTL); !ok {
		return fmt.Errorf("subscription price overflows at max ttl %d: base=%d per_second=%d", s.MaxTTL, s.Base, s.PerSecond)
	}
	return nil
}

// LoadFile reads a YAML price table.
func LoadFile(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load price table: %w", err)
	}
	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse price table %q: %w", path, err)
	}
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("price table %q: %w", path, err)
	}
	return &t, nil
}

// TTLRangeError explains why a requested subscription TTL is rejected.
type TTLRangeError struct {
	TTL    int64
	MinTTL int64
	MaxTTL int64
}

func (e *TTLRangeError) Error() string {
	if e.TTL < e.MinTTL {
		return fmt.Sprintf("ttl %ds is below the minimum of %ds", e.TTL, e.MinTTL)
	}
	return fmt.Sprintf("ttl %ds exceeds the maximum of %ds", e.TTL, e.MaxTTL)
}

// Oracle answers price questions from the currently loaded table.
// Reload swaps the table atomically; prices already returned are unaffected.
type Oracle struct {
	table atomic.Pointer[Table]
}

// NewOracle loads path, falling back to FallbackTable on any error. It never fails.
func NewOracle(path string) *Oracle {
	o := &Oracle{}
	o.table.Store(loadOrFallback(path))
	return o
}

// NewOracleFromTable uses t directly (tests, embedded configs).
func NewOracleFromTable(t *Table) *Oracle {
	o := &Oracle{}
	if t == nil || t.Validate() != nil {
		t = FallbackTable()
	}
	o.table.Store(t)
	return o
}

// Reload re-reads path; on failure the current table is kept.
func (o *Oracle) Reload(path string) error {
	t, err := LoadFile(path)
	if err != nil {
		return err
	}
	o.table.Store(t)
	slog.Info("price table reloaded", "path", path, "kinds", len(t.Kinds))
	return nil
}

func loadOrFallback(path string) *Table {
	if path == "" {
		slog.Debug("no price table configured, using fallback")
		return FallbackTable()
	}
	t, err := LoadFile(path)
	if err != nil {
		slog.Warn("could not load price table, using fallback", "path", path, "error", err)
		return FallbackTable()
	}
	slog.Info("loaded price table", "path", path, "kinds", len(t.Kinds), "default", *t.Default)
	return t
}

// Snapshot returns the current table. Callers that ask several questions about
// one packet use a single snapshot so a concurrent Reload cannot mix tables.
func (o *Oracle) Snapshot() *Table {
	return o.table.Load()
}

// EventCost returns the payment required to publish an event of kind.
func (o *Oracle) EventCost(kind int) uint64 { return o.Snapshot().EventCost(kind) }

// SubscriptionCost prices a subscription against the current table.
func (o *Oracle) SubscriptionCost(ttlSeconds int64) uint64 {
	return o.Snapshot().SubscriptionCost(ttlSeconds)
}

// ValidateTTL checks ttlSeconds against the current table.
func (o *Oracle) ValidateTTL(ttlSeconds int64) error { return o.Snapshot().ValidateTTL(ttlSeconds) }

// DefaultTTL is the TTL used when a REQ does not carry one.
func (o *Oracle) DefaultTTL() int64 { return o.Snapshot().Subscription.DefaultTTL }

// EventCost returns the payment required to publish an event of kind.
func (t *Table) EventCost(kind int) uint64 {
	if price, ok := t.Kinds[kind]; ok {
		return price
	}
	return *t.Default
}

// SubscriptionCost returns the payment required for a subscription lasting ttlSeconds.
// The TTL is clamped to the configured bounds, so cost is monotonic in TTL.
// A result that does not fit in uint64 saturates at math.MaxUint64.
func (t *Table) SubscriptionCost(ttlSeconds int64) uint64 {
	s := t.Subscription
	ttl := ttlSeconds
	if ttl < s.MinTTL {
		ttl = s.MinTTL
	}
	if ttl > s.MaxTTL {
		ttl = s.MaxTTL
	}
	cost, ok := s.cost(ttl)
	if !ok {
		return math.MaxUint64
	}
	return cost
}

// ValidateTTL returns a *TTLRangeError when ttlSeconds is outside the configured bounds.
func (t *Table) ValidateTTL(ttlSeconds int64) error {
	s := t.Subscription
	if ttlSeconds < s.MinTTL || ttlSeconds > s.MaxTTL {
		return &TTLRangeError{TTL: ttlSeconds, MinTTL: s.MinTTL, MaxTTL: s.MaxTTL}
	}
	return nil
}

// cost computes base + per_second*ttl, reporting false on overflow.
func (s SubscriptionPricing) cost(ttl int64) (uint64, bool) {
	hi, variable := bits.Mul64(s.PerSecond, uint64(ttl))
	if hi != 0 {
		return 0, false
	}
	total, carry := bits.Add64(s.Base, variable, 0)
	return total, carry == 0
}

// ParseAmount parses a payment amount. Amounts are unsigned decimal strings.
func ParseAmount(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty amount")
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q", s)
	}
	return n, nil
}

// FormatAmount renders an amount the way it travels on the wire.
func FormatAmount(n uint64) string {
	return strconv.FormatUint(n, 10)
}
