package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"
)

// NormalizePeerURL validates a peer node address and returns its canonical
// form: lowercase scheme and host, no trailing slash.
func NormalizePeerURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("empty peer url")
	}
	if strings.Count(raw, "://") != 1 {
		return "", fmt.Errorf("peer url %q: missing or repeated scheme", raw)
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("peer url %q: %w", raw, err)
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "ws" && scheme != "wss" {
		return "", fmt.Errorf("peer url %q: scheme must be ws or wss", raw)
	}
	host := strings.ToLower(parsed.Hostname())
	if host == "" {
		return "", fmt.Errorf("peer url %q: missing host", raw)
	}

	result := scheme + "://" + host
	if strings.Contains(host, ":") {
		result = scheme + "://[" + host + "]"
	}
	if parsed.Port() != "" {
		result += ":" + parsed.Port()
	}
	if parsed.Path != "" && parsed.Path != "/" {
		result += strings.TrimSuffix(parsed.Path, "/")
	}
	return result, nil
}

// Dialer opens a client connection; replaced in tests.
type Dialer func(ctx context.Context, url string) (*Client, error)

// PeerPool keeps one outbound connection per peer node and forwards packets
// over them.
type PeerPool struct {
	source      string
	dial        Dialer
	dialTimeout time.Duration
	idleTimeout time.Duration
	logger      *slog.Logger

	mu      sync.RWMutex
	clients map[string]*Client

	stop     chan struct{}
	stopOnce sync.Once
}

// PoolOption configures a PeerPool.
type PoolOption func(*PeerPool)

// WithDialer replaces the websocket dialer.
func WithDialer(d Dialer) PoolOption {
	return func(p *PeerPool) { p.dial = d }
}

// WithIdleTimeout sets how long an unused peer connection is kept open.
func WithIdleTimeout(d time.Duration) PoolOption {
	return func(p *PeerPool) { p.idleTimeout = d }
}

// WithPoolLogger sets the pool logger.
func WithPoolLogger(l *slog.Logger) PoolOption {
	return func(p *PeerPool) { p.logger = l }
}

// NewPeerPool creates a pool that stamps forwarded packets with source.
func NewPeerPool(source string, opts ...PoolOption) *PeerPool {
	p := &PeerPool{
		source:      source,
		dial:        Dial,
		dialTimeout: 10 * time.Second,
		idleTimeout: 2 * time.Minute,
		logger:      slog.Default(),
		clients:     make(map[string]*Client),
		stop:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	go p.cleanupLoop()
	return p
}

// Forward sends data to peer carrying amount and waits for settlement.
func (p *PeerPool) Forward(ctx context.Context, peer string, amount uint64, data []byte) error {
	c, err := p.getOrCreate(ctx, peer)
	if err != nil {
		return fmt.Errorf("connect %s: %w", peer, err)
	}
	err = c.Prepare(ctx, amount, peer, p.source, data)
	if errors.Is(err, ErrClosed) {
		p.remove(peer, c)
	}
	return err
}

func (p *PeerPool) getOrCreate(ctx context.Context, peer string) (*Client, error) {
	p.mu.RLock()
	c := p.clients[peer]
	p.mu.RUnlock()
	if c != nil && !c.Closed() {
		return c, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// another goroutine may have dialed while we waited
	c = p.clients[peer]
	if c != nil && !c.Closed() {
		return c, nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, p.dialTimeout)
	defer cancel()
	p.logger.Info("dialing peer", "peer", peer)
	c, err := p.dial(dialCtx, peer)
	if err != nil {
		return nil, err
	}
	p.clients[peer] = c
	go p.drain(c)
	return c, nil
}

// drain discards packets a peer pushes back on a forwarding connection.
func (p *PeerPool) drain(c *Client) {
	for data := range c.Packets() {
		p.logger.Debug("discarding packet from peer", "peer", c.URL(), "bytes", len(data))
	}
}

func (p *PeerPool) remove(peer string, c *Client) {
	p.mu.Lock()
	if p.clients[peer] == c {
		delete(p.clients, peer)
	}
	p.mu.Unlock()
	_ = c.Close()
}

// ActiveConnections returns the number of open peer connections.
func (p *PeerPool) ActiveConnections() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.clients)
}

func (p *PeerPool) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.cleanup()
		case <-p.stop:
			return
		}
	}
}

// cleanup removes closed connections and those idle too long.
func (p *PeerPool) cleanup() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for peer, c := range p.clients {
		if c.Closed() || c.Idle(p.idleTimeout) {
			if !c.Closed() {
				p.logger.Info("closing idle peer connection", "peer", peer)
				_ = c.Close()
			}
			delete(p.clients, peer)
		}
	}
}

// Close shuts every peer connection and stops the cleanup loop.
func (p *PeerPool) Close() error {
	p.stopOnce.Do(func() { close(p.stop) })
	p.mu.Lock()
	defer p.mu.Unlock()
	for peer, c := range p.clients {
		_ = c.Close()
		delete(p.clients, peer)
	}
	return nil
}
