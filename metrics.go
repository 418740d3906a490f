package main

import (
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"
)

// HTTP metrics
var (
	httpRequestsTotal atomic.Int64
	httpErrorsTotal   atomic.Int64
)

// metricsHandler serves Prometheus-compatible metrics
func (n *node) metricsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	// Build info metric
	fmt.Fprintf(w, "# HELP relay_build_info Build and configuration information\n")
	fmt.Fprintf(w, "# TYPE relay_build_info gauge\n")
	fmt.Fprintf(w, "relay_build_info{cache_backend=%q,go_version=%q} 1\n\n", n.cacheBackend, runtime.Version())

	// Process metrics
	fmt.Fprintf(w, "# HELP process_start_time_seconds Unix timestamp of process start\n")
	fmt.Fprintf(w, "# TYPE process_start_time_seconds gauge\n")
	fmt.Fprintf(w, "process_start_time_seconds %d\n\n", n.startedAt.Unix())

	fmt.Fprintf(w, "# HELP process_uptime_seconds Time since process started\n")
	fmt.Fprintf(w, "# TYPE process_uptime_seconds gauge\n")
	fmt.Fprintf(w, "process_uptime_seconds %.0f\n\n", time.Since(n.startedAt).Seconds())

	// Go runtime metrics
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	fmt.Fprintf(w, "# HELP go_goroutines Number of active goroutines\n")
	fmt.Fprintf(w, "# TYPE go_goroutines gauge\n")
	fmt.Fprintf(w, "go_goroutines %d\n\n", runtime.NumGoroutine())

	fmt.Fprintf(w, "# HELP go_memstats_alloc_bytes Currently allocated memory in bytes\n")
	fmt.Fprintf(w, "# TYPE go_memstats_alloc_bytes gauge\n")
	fmt.Fprintf(w, "go_memstats_alloc_bytes %d\n\n", memStats.Alloc)

	fmt.Fprintf(w, "# HELP go_memstats_heap_inuse_bytes Heap memory in use\n")
	fmt.Fprintf(w, "# TYPE go_memstats_heap_inuse_bytes gauge\n")
	fmt.Fprintf(w, "go_memstats_heap_inuse_bytes %d\n\n", memStats.HeapInuse)

	fmt.Fprintf(w, "# HELP go_gc_cycles_total Number of completed GC cycles\n")
	fmt.Fprintf(w, "# TYPE go_gc_cycles_total counter\n")
	fmt.Fprintf(w, "go_gc_cycles_total %d\n\n", memStats.NumGC)

	// HTTP metrics
	fmt.Fprintf(w, "# HELP http_requests_total Total number of HTTP requests\n")
	fmt.Fprintf(w, "# TYPE http_requests_total counter\n")
	fmt.Fprintf(w, "http_requests_total %d\n\n", httpRequestsTotal.Load())

	fmt.Fprintf(w, "# HELP http_errors_total Total number of HTTP 5xx errors\n")
	fmt.Fprintf(w, "# TYPE http_errors_total counter\n")
	fmt.Fprintf(w, "http_errors_total %d\n\n", httpErrorsTotal.Load())

	// Connection metrics
	fmt.Fprintf(w, "# HELP relay_connections_active Open subscriber and peer websocket connections\n")
	fmt.Fprintf(w, "# TYPE relay_connections_active gauge\n")
	fmt.Fprintf(w, "relay_connections_active %d\n\n", n.ws.ActiveConnections())

	fmt.Fprintf(w, "# HELP relay_peer_connections_active Outbound peer connections\n")
	fmt.Fprintf(w, "# TYPE relay_peer_connections_active gauge\n")
	fmt.Fprintf(w, "relay_peer_connections_active %d\n\n", n.pool.ActiveConnections())

	fmt.Fprintf(w, "# HELP relay_subscriptions Registered subscriptions\n")
	fmt.Fprintf(w, "# TYPE relay_subscriptions gauge\n")
	fmt.Fprintf(w, "relay_subscriptions %d\n\n", n.index.Len())

	// Handler counters
	n.handler.Metrics().WriteTo(w)

	// Forwarding economics
	rev := n.propagation.Revenue()
	fmt.Fprintf(w, "# HELP relay_fees_retained_total Routing fees and dust kept by this node\n")
	fmt.Fprintf(w, "# TYPE relay_fees_retained_total counter\n")
	fmt.Fprintf(w, "relay_fees_retained_total %d\n\n", rev.FeesRetained)

	fmt.Fprintf(w, "# HELP relay_amount_forwarded_total Payment forwarded to peers\n")
	fmt.Fprintf(w, "# TYPE relay_amount_forwarded_total counter\n")
	fmt.Fprintf(w, "relay_amount_forwarded_total %d\n\n", rev.AmountForwarded)

	fmt.Fprintf(w, "# HELP relay_forwards_total Forwards by result\n")
	fmt.Fprintf(w, "# TYPE relay_forwards_total counter\n")
	fmt.Fprintf(w, "relay_forwards_total{result=\"ok\"} %d\n", rev.Forwards)
	fmt.Fprintf(w, "relay_forwards_total{result=\"failed\"} %d\n", rev.ForwardFailures)
	fmt.Fprintf(w, "relay_forwards_total{result=\"duplicate\"} %d\n", rev.DuplicatesDropped)
	fmt.Fprintf(w, "relay_forwards_total{result=\"rate_limited\"} %d\n\n", rev.RateLimited)

	fmt.Fprintf(w, "# HELP relay_local_deliveries_total Events pushed to local subscriptions by result\n")
	fmt.Fprintf(w, "# TYPE relay_local_deliveries_total counter\n")
	fmt.Fprintf(w, "relay_local_deliveries_total{result=\"ok\"} %d\n", rev.LocalDeliveries)
	fmt.Fprintf(w, "relay_local_deliveries_total{result=\"failed\"} %d\n", rev.FailedDeliveries)
}
