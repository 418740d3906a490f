package transport

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const packetBuffer = 1024

// Client is an outbound connection to a node. Prepare sends a packet and waits
// for its settlement; unsolicited packets are delivered on Packets.
type Client struct {
	*wsConn
	url    string
	logger *slog.Logger

	seq atomic.Uint64

	mu           sync.Mutex
	pending      map[uint64]chan Frame
	lastActivity time.Time

	packets chan []byte
	dropped atomic.Int64
}

// Dial connects to a node's websocket endpoint.
func Dial(ctx context.Context, url string) (*Client, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	c := &Client{
		wsConn:       newWSConn(ws, defaultWriteTimeout),
		url:          url,
		logger:       slog.Default().With("peer", url),
		pending:      make(map[uint64]chan Frame),
		lastActivity: time.Now(),
		packets:      make(chan []byte, packetBuffer),
	}
	go c.readLoop()
	return c, nil
}

// URL returns the dialed address.
func (c *Client) URL() string { return c.url }

// Packets delivers packets pushed by the remote node. It is closed when the
// connection ends.
func (c *Client) Packets() <-chan []byte { return c.packets }

// Dropped counts pushed packets discarded because Packets was full.
func (c *Client) Dropped() int64 { return c.dropped.Load() }

// Prepare sends data with the given payment and waits for fulfill or reject.
// A reject is returned as *RejectError.
func (c *Client) Prepare(ctx context.Context, amount uint64, destination, source string, data []byte) error {
	seq := c.seq.Add(1)
	ch := make(chan Frame, 1)

	c.mu.Lock()
	c.pending[seq] = ch
	c.lastActivity = time.Now()
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, seq)
		c.mu.Unlock()
	}()

	err := c.write(ctx, Frame{
		Type:        FramePrepare,
		Seq:         seq,
		Amount:      strconv.FormatUint(amount, 10),
		Destination: destination,
		Source:      source,
		Data:        data,
	})
	if err != nil {
		_ = c.Close()
		return err
	}

	select {
	case f := <-ch:
		if f.Type == FrameReject {
			return &RejectError{Reason: f.Reason}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
}

// Idle reports whether the client has no pending packets and no traffic for d.
func (c *Client) Idle(d time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending) == 0 && time.Since(c.lastActivity) > d
}

// Closed reports whether the connection has ended.
func (c *Client) Closed() bool { return c.isClosed() }

// Close ends the connection.
func (c *Client) Close() error { return c.close() }

func (c *Client) readLoop() {
	defer close(c.packets)
	defer func() { _ = c.Close() }()

	for {
		var f Frame
		if err := c.conn.ReadJSON(&f); err != nil {
			if !c.isClosed() {
				c.logger.Debug("read failed", "error", err)
			}
			return
		}

		c.mu.Lock()
		c.lastActivity = time.Now()
		ch := c.pending[f.Seq]
		c.mu.Unlock()

		switch f.Type {
		case FrameFulfill, FrameReject:
			if ch != nil {
				select {
				case ch <- f:
				default:
				}
			}
		case FramePacket:
			select {
			case c.packets <- f.Data:
			default:
				// consumer is behind, drop
				c.dropped.Add(1)
			}
		}
	}
}
