package guard

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter hands out a token bucket per peer and evicts idle ones.
type RateLimiter struct {
	mu    sync.Mutex
	peers map[string]*peerLimiter

	limit rate.Limit
	burst int
	idle  time.Duration
	now   func() time.Time
}

type peerLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows perSecond forwards per peer with the given burst.
// A non-positive rate disables limiting.
func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		peers: make(map[string]*peerLimiter),
		limit: limit,
		burst: burst,
		idle:  3 * time.Minute,
		now:   time.Now,
	}
}

// Allow takes one token from peer's bucket.
func (rl *RateLimiter) Allow(peer string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	p, ok := rl.peers[peer]
	if !ok {
		p = &peerLimiter{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.peers[peer] = p
	}
	p.lastSeen = now
	return p.limiter.AllowN(now, 1)
}

// Evict drops peers not seen for the idle period and returns how many.
func (rl *RateLimiter) Evict() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	n := 0
	for peer, p := range rl.peers {
		if now.Sub(p.lastSeen) > rl.idle {
			delete(rl.peers, peer)
			n++
		}
	}
	return n
}

// Len returns the number of tracked peers.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.peers)
}

// Run evicts idle peers every interval until ctx is done.
func (rl *RateLimiter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.Evict()
		}
	}
}
