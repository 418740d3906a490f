// Package propagation fans newly accepted events out to local subscribers and
// forwards them to peer nodes with a routing fee deducted.
package propagation

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"nostr-ilp-relay/internal/guard"
	"nostr-ilp-relay/internal/nostr"
	"nostr-ilp-relay/internal/packet"
	"nostr-ilp-relay/internal/pricing"
	"nostr-ilp-relay/internal/subscription"
	"nostr-ilp-relay/internal/types"
)

// Forwarder delivers an encoded packet to a peer node carrying amount.
type Forwarder interface {
	Forward(ctx context.Context, peer string, amount uint64, data []byte) error
}

// Origin describes how an event reached this node.
type Origin struct {
	// Amount is the payment that arrived with the event.
	Amount uint64
	// Source is the sending node's address; it never gets the event back.
	Source string
}

// Config holds forwarding parameters.
type Config struct {
	NodeAddress    string
	Peers          []string
	RoutingFee     uint64
	Currency       string
	ForwardTimeout time.Duration
}

// Revenue is a point-in-time view of forwarding economics and counters.
type Revenue struct {
	FeesRetained      uint64 `json:"fees_retained"`
	AmountForwarded   uint64 `json:"amount_forwarded"`
	AmountUndelivered uint64 `json:"amount_undelivered"`
	Forwards          int64  `json:"forwards"`
	ForwardFailures   int64  `json:"forward_failures"`
	DuplicatesDropped int64  `json:"duplicates_dropped"`
	RateLimited       int64  `json:"rate_limited"`
	LocalDeliveries   int64  `json:"local_deliveries"`
	FailedDeliveries  int64  `json:"failed_deliveries"`
}

// Report summarises one Propagate call.
type Report struct {
	Delivered int
	Removed   int
	Forwarded []string
	Failed    []string
	Skipped   []string
	Share     uint64
	Retained  uint64
	Duplicate bool
}

// Service is constructed once per node and shared by all handlers.
type Service struct {
	index     *subscription.Index
	dedup     *guard.Dedup
	limiter   *guard.RateLimiter
	forwarder Forwarder
	cfg       Config
	logger    *slog.Logger

	mu      sync.Mutex
	revenue Revenue

	localDeliveries  atomic.Int64
	failedDeliveries atomic.Int64
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithForwarder enables peer forwarding.
func WithForwarder(f Forwarder) Option {
	return func(s *Service) { s.forwarder = f }
}

// WithGuards sets the dedup cache and per-peer limiter used before forwarding.
func WithGuards(d *guard.Dedup, rl *guard.RateLimiter) Option {
	return func(s *Service) {
		s.dedup = d
		s.limiter = rl
	}
}

// NewService creates a propagation service over index.
func NewService(index *subscription.Index, cfg Config, opts ...Option) *Service {
	if cfg.ForwardTimeout <= 0 {
		cfg.ForwardTimeout = 10 * time.Second
	}
	s := &Service{
		index:  index,
		cfg:    cfg,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.dedup == nil {
		s.dedup = guard.NewDedup(10*time.Minute, 10000)
	}
	if s.limiter == nil {
		s.limiter = guard.NewRateLimiter(0, 0)
	}
	return s
}

// Propagate delivers evt to matching local subscriptions and forwards it to
// peers. Failures are logged and counted, never returned.
func (s *Service) Propagate(ctx context.Context, evt *types.Event, origin Origin) Report {
	var rep Report
	s.deliverLocal(ctx, evt, &rep)
	s.forward(ctx, evt, origin, &rep)
	return rep
}

func (s *Service) deliverLocal(ctx context.Context, evt *types.Event, rep *Report) {
	for _, sub := range s.index.Match(evt) {
		data, err := packet.EncodeEventDelivery(s.cfg.NodeAddress, sub.ID, evt)
		if err != nil {
			s.logger.Error("encode delivery failed", "event_id", evt.ID, "error", err)
			return
		}
		if err := sub.Conn.SendPacket(ctx, data); err != nil {
			// the connection is unusable; stop paying attention to it
			s.index.Remove(sub.Key())
			s.failedDeliveries.Add(1)
			rep.Removed++
			s.logger.Warn("delivery failed, subscription removed",
				"conn_id", sub.Conn.ID(), "sub_id", sub.ID, "event_id", nostr.ShortID(evt.ID), "error", err)
			continue
		}
		s.localDeliveries.Add(1)
		rep.Delivered++
	}
}

func (s *Service) forward(ctx context.Context, evt *types.Event, origin Origin, rep *Report) {
	if s.forwarder == nil || len(s.cfg.Peers) == 0 {
		return
	}
	if s.dedup.CheckAndRecord(evt.ID) {
		rep.Duplicate = true
		s.addRevenue(func(r *Revenue) { r.DuplicatesDropped++ })
		return
	}

	var peers []string
	for _, peer := range s.cfg.Peers {
		if peer == origin.Source {
			continue
		}
		if !s.limiter.Allow(peer) {
			rep.Skipped = append(rep.Skipped, peer)
			s.addRevenue(func(r *Revenue) { r.RateLimited++ })
			continue
		}
		peers = append(peers, peer)
	}
	if len(peers) == 0 {
		return
	}

	if origin.Amount <= s.cfg.RoutingFee {
		rep.Retained = origin.Amount
		s.addRevenue(func(r *Revenue) { r.FeesRetained += origin.Amount })
		s.logger.Debug("payment does not cover routing fee, not forwarding",
			"event_id", nostr.ShortID(evt.ID), "amount", origin.Amount, "fee", s.cfg.RoutingFee)
		return
	}
	remainder := origin.Amount - s.cfg.RoutingFee
	share := remainder / uint64(len(peers))
	dust := remainder % uint64(len(peers))
	if share == 0 {
		rep.Retained = origin.Amount
		s.addRevenue(func(r *Revenue) { r.FeesRetained += origin.Amount })
		return
	}
	rep.Share = share
	rep.Retained = s.cfg.RoutingFee + dust
	s.addRevenue(func(r *Revenue) { r.FeesRetained += s.cfg.RoutingFee + dust })

	data, err := packet.EncodeMessage(packet.TypeEvent,
		packet.Payment{Amount: pricing.FormatAmount(share), Currency: s.cfg.Currency, Purpose: "forward"},
		evt,
		packet.Metadata{Timestamp: time.Now().Unix(), Sender: s.cfg.NodeAddress})
	if err != nil {
		s.logger.Error("encode forward failed", "event_id", evt.ID, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.ForwardTimeout)
	defer cancel()

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, peer := range peers {
		g.Go(func() error {
			err := s.forwarder.Forward(gctx, peer, share, data)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				rep.Failed = append(rep.Failed, peer)
				s.addRevenue(func(r *Revenue) {
					r.ForwardFailures++
					r.AmountUndelivered += share
				})
				s.logger.Warn("forward failed", "peer", peer, "event_id", nostr.ShortID(evt.ID), "error", err)
				// one peer failing must not cancel the others
				return nil
			}
			rep.Forwarded = append(rep.Forwarded, peer)
			s.addRevenue(func(r *Revenue) {
				r.Forwards++
				r.AmountForwarded += share
			})
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Service) addRevenue(fn func(*Revenue)) {
	s.mu.Lock()
	fn(&s.revenue)
	s.mu.Unlock()
}

// Revenue returns a snapshot of the forwarding counters.
func (s *Service) Revenue() Revenue {
	s.mu.Lock()
	r := s.revenue
	s.mu.Unlock()
	r.LocalDeliveries = s.localDeliveries.Load()
	r.FailedDeliveries = s.failedDeliveries.Load()
	return r
}

// NotifyExpired sends a closing notice to the owners of expired subscriptions.
func (s *Service) NotifyExpired(ctx context.Context, subs []*subscription.Subscription) {
	for _, sub := range subs {
		data, err := packet.EncodeClosed(s.cfg.NodeAddress, sub.ID, "closed: subscription expired")
		if err != nil {
			continue
		}
		if err := sub.Conn.SendPacket(ctx, data); err != nil {
			s.logger.Debug("expiry notice not delivered", "conn_id", sub.Conn.ID(), "sub_id", sub.ID, "error", err)
		}
	}
}
