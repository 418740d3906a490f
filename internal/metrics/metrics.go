// Package metrics keeps process-wide counters and renders them in the
// Prometheus text exposition format.
package metrics

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
)

// Registry holds the node's counters.
type Registry struct {
	PacketsTotal      atomic.Int64
	FramingErrors     atomic.Int64
	EventsAccepted    atomic.Int64
	EventsDuplicate   atomic.Int64
	EventsDiscarded   atomic.Int64
	SubscriptionsOpen atomic.Int64
	EventsStreamed    atomic.Int64
	ClosesTotal       atomic.Int64
	CacheHits         atomic.Int64
	CacheMisses       atomic.Int64

	mu         sync.Mutex
	rejections map[string]int64
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{rejections: make(map[string]int64)}
}

// Reject counts a rejection by reason code.
func (r *Registry) Reject(code string) {
	r.mu.Lock()
	r.rejections[code]++
	r.mu.Unlock()
}

// Rejections returns a copy of the per-code rejection counts.
func (r *Registry) Rejections() map[string]int64 {
	out := make(map[string]int64)
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, v := range r.rejections {
		out[k] = v
	}
	return out
}

// WriteTo renders every counter.
func (r *Registry) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	counter := func(name, help string, v int64) {
		fmt.Fprintf(cw, "# HELP %s %s\n", name, help)
		fmt.Fprintf(cw, "# TYPE %s counter\n", name)
		fmt.Fprintf(cw, "%s %d\n\n", name, v)
	}

	counter("relay_packets_total", "Inbound packets handled", r.PacketsTotal.Load())
	counter("relay_framing_errors_total", "Packets rejected before dispatch", r.FramingErrors.Load())
	counter("relay_events_accepted_total", "Events persisted", r.EventsAccepted.Load())
	counter("relay_events_duplicate_total", "Events already stored", r.EventsDuplicate.Load())
	counter("relay_events_discarded_total", "Paid events discarded for failing verification", r.EventsDiscarded.Load())
	counter("relay_subscriptions_opened_total", "Subscriptions registered or renewed", r.SubscriptionsOpen.Load())
	counter("relay_events_streamed_total", "Stored events streamed in reply to REQ", r.EventsStreamed.Load())
	counter("relay_closes_total", "CLOSE packets handled", r.ClosesTotal.Load())
	counter("cache_hits_total", "Event lookups answered by the cache", r.CacheHits.Load())
	counter("cache_misses_total", "Event lookups that fell through to the store", r.CacheMisses.Load())

	rejections := r.Rejections()
	codes := make([]string, 0, len(rejections))
	for code := range rejections {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	fmt.Fprintf(cw, "# HELP relay_rejections_total Rejected packets by reason code\n")
	fmt.Fprintf(cw, "# TYPE relay_rejections_total counter\n")
	for _, code := range codes {
		fmt.Fprintf(cw, "relay_rejections_total{reason=%q} %d\n", code, rejections[code])
	}
	fmt.Fprintf(cw, "\n")
	return cw.n, cw.err
}

type countingWriter struct {
	w   io.Writer
	n   int64
	err error
}

func (c *countingWriter) Write(p []byte) (int, error) {
	if c.err != nil {
		return 0, c.err
	}
	n, err := c.w.Write(p)
	c.n += int64(n)
	c.err = err
	return n, err
}
