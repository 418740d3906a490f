// Package handler runs the per-packet protocol state machine: decode, price,
// verify, persist, stream and settle.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"nostr-ilp-relay/internal/metrics"
	"nostr-ilp-relay/internal/packet"
	"nostr-ilp-relay/internal/pricing"
	"nostr-ilp-relay/internal/propagation"
	"nostr-ilp-relay/internal/store"
	"nostr-ilp-relay/internal/subscription"
	"nostr-ilp-relay/internal/transport"
	"nostr-ilp-relay/internal/types"
)

// Propagator fans accepted events out.
type Propagator interface {
	Propagate(ctx context.Context, evt *types.Event, origin propagation.Origin) propagation.Report
}

// Config holds handler settings.
type Config struct {
	NodeAddress string
	MaxFilters  int
	Retry       store.RetryPolicy
}

// DefaultConfig returns the settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		MaxFilters: 10,
		Retry:      store.DefaultRetryPolicy(),
	}
}

// Handler is shared by every connection.
type Handler struct {
	pricing    *pricing.Oracle
	store      store.EventStore
	index      *subscription.Index
	propagator Propagator
	metrics    *metrics.Registry
	cfg        Config
	logger     *slog.Logger
	now        func() time.Time

	queries singleflight.Group
}

// Option configures a Handler.
type Option func(*Handler)

// WithPropagator sets the service accepted events are handed to.
func WithPropagator(p Propagator) Option {
	return func(h *Handler) { h.propagator = p }
}

// WithMetrics sets the counter registry.
func WithMetrics(m *metrics.Registry) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithLogger sets the fallback logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

// New creates a Handler.
func New(oracle *pricing.Oracle, st store.EventStore, index *subscription.Index, cfg Config, opts ...Option) *Handler {
	if cfg.MaxFilters <= 0 {
		cfg.MaxFilters = DefaultConfig().MaxFilters
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = store.DefaultRetryPolicy()
	}
	h := &Handler{
		pricing: oracle,
		store:   st,
		index:   index,
		metrics: metrics.New(),
		cfg:     cfg,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Metrics returns the handler's counter registry.
func (h *Handler) Metrics() *metrics.Registry { return h.metrics }

// HandlePacket processes one inbound packet and settles its stream.
func (h *Handler) HandlePacket(ctx context.Context, in transport.Inbound) Outcome {
	h.metrics.PacketsTotal.Add(1)
	log := LoggerFromContext(ctx, h.logger).With("conn_id", in.Stream.ID())

	pkt, err := packet.Decode(in.Data)
	if err != nil {
		h.metrics.FramingErrors.Add(1)
		log.Debug("framing error", "error", err)
		return h.reject(ctx, in, ReasonMalformedPacket, err.Error(), err)
	}

	log = log.With("type", pkt.Header.Type.String())
	ctx = ContextWithLogger(ctx, log)

	switch pkt.Header.Type {
	case packet.TypeEvent:
		return h.handleEvent(ctx, in, pkt)
	case packet.TypeReq:
		return h.handleReq(ctx, in, pkt)
	case packet.TypeClose:
		return h.handleClose(ctx, in, pkt)
	default:
		return h.reject(ctx, in, ReasonUnsupportedMessage,
			fmt.Sprintf("%s is not accepted from clients", pkt.Header.Type), nil)
	}
}

// OnConnClosed drops every subscription owned by the closed connection.
func (h *Handler) OnConnClosed(connID string) {
	if removed := h.index.RemoveConn(connID); len(removed) > 0 {
		h.logger.Debug("connection closed, subscriptions removed", "conn_id", connID, "count", len(removed))
	}
}

// paidAmount prefers the transport's declared amount over the payload's.
func paidAmount(in transport.Inbound, pkt *packet.Packet) (uint64, error) {
	amount := in.Amount
	if amount == "" {
		amount = pkt.Payload.Payment.Amount
	}
	return pricing.ParseAmount(amount)
}

func (h *Handler) fulfill(ctx context.Context, in transport.Inbound, out Outcome) Outcome {
	if err := in.Stream.Fulfill(ctx); err != nil {
		LoggerFromContext(ctx, h.logger).Warn("fulfill failed", "error", err)
	}
	return out
}

func (h *Handler) reject(ctx context.Context, in transport.Inbound, code, detail string, cause error) Outcome {
	reason := code
	if detail != "" {
		reason = code + ": " + detail
	}
	h.metrics.Reject(code)
	if err := in.Stream.Reject(ctx, reason); err != nil {
		LoggerFromContext(ctx, h.logger).Warn("reject failed", "reason", reason, "error", err)
	}
	if cause == nil {
		cause = errors.New(reason)
	}
	return Outcome{Status: Rejected, Reason: reason, Err: cause}
}

// notice sends a diagnostic; delivery failures are only logged.
func (h *Handler) notice(ctx context.Context, in transport.Inbound, msg string) {
	data, err := packet.EncodeNotice(h.cfg.NodeAddress, msg)
	if err == nil {
		err = in.Stream.SendPacket(ctx, data)
	}
	if err != nil {
		LoggerFromContext(ctx, h.logger).Debug("notice not delivered", "notice", msg, "error", err)
	}
}

// noticeAndReject is the REQ failure path.
func (h *Handler) noticeAndReject(ctx context.Context, in transport.Inbound, code, detail string, cause error) Outcome {
	h.notice(ctx, in, code+": "+detail)
	return h.reject(ctx, in, code, detail, cause)
}

// eventExists is the duplicate fast path. Store errors are logged and treated
// as absent; the store's uniqueness constraint still guards the insert.
func (h *Handler) eventExists(ctx context.Context, id string) bool {
	ok, err := h.store.Exists(ctx, id)
	if err != nil {
		LoggerFromContext(ctx, h.logger).Warn("existence check failed, continuing", "event_id", id, "error", err)
		return false
	}
	return ok
}

// queryKey builds a stable singleflight key for a filter list.
func queryKey(filters types.Filters) string {
	var b strings.Builder
	for _, f := range filters {
		data, _ := json.Marshal(f)
		b.Write(data)
		b.WriteByte('|')
	}
	return b.String()
}

// queryStored coalesces identical concurrent historical queries.
func (h *Handler) queryStored(ctx context.Context, filters types.Filters) ([]*types.Event, error) {
	v, err, shared := h.queries.Do(queryKey(filters), func() (any, error) {
		return h.store.QueryByFilters(ctx, filters)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		LoggerFromContext(ctx, h.logger).Debug("singleflight: shared stored query")
	}
	return v.([]*types.Event), nil
}
