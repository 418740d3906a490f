package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"nostr-ilp-relay/internal/config"
	"nostr-ilp-relay/internal/handler"
	"nostr-ilp-relay/internal/propagation"
	"nostr-ilp-relay/internal/subscription"
	"nostr-ilp-relay/internal/transport"
)

// node bundles the long-lived components the HTTP surface reports on.
type node struct {
	cfg          *config.Config
	handler      *handler.Handler
	index        *subscription.Index
	propagation  *propagation.Service
	pool         *transport.PeerPool
	ws           *transport.Server
	cacheBackend string
	startedAt    time.Time
}

func (n *node) routes() http.Handler {
	n.ws = transport.NewServer(n.handlePacket,
		transport.WithOnClose(n.handler.OnConnClosed),
		transport.WithLogger(slog.Default().With("component", "transport")),
	)

	mux := http.NewServeMux()
	mux.Handle("/ilp", n.ws)
	mux.HandleFunc("/health", n.healthHandler)
	mux.HandleFunc("/metrics", n.metricsHandler)
	return RequestLoggingMiddleware(mux)
}

// handlePacket attaches a per-packet logger and runs the state machine.
func (n *node) handlePacket(ctx context.Context, in transport.Inbound) {
	logger := slog.Default().With("packet_id", uuid.NewString()[:8])
	out := n.handler.HandlePacket(handler.ContextWithLogger(ctx, logger), in)
	if out.Status == handler.Rejected {
		logger.Debug("packet rejected", "conn_id", in.Stream.ID(), "reason", out.Reason, "error", out.Err)
	}
}

func (n *node) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":        "ok",
		"address":       n.cfg.NodeAddress,
		"subscriptions": n.index.Len(),
		"connections":   n.ws.ActiveConnections(),
		"peers":         len(n.cfg.Peers),
		"revenue":       n.propagation.Revenue(),
	})
}
