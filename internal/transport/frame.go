package transport

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// FrameType tags websocket frames.
type FrameType string

const (
	FramePrepare FrameType = "prepare"
	FrameFulfill FrameType = "fulfill"
	FrameReject  FrameType = "reject"
	FramePacket  FrameType = "packet"
)

// Frame is the JSON envelope exchanged over websocket connections. Data is
// base64 encoded by encoding/json.
type Frame struct {
	Type        FrameType `json:"type"`
	Seq         uint64    `json:"seq,omitempty"`
	Amount      string    `json:"amount,omitempty"`
	Destination string    `json:"destination,omitempty"`
	Source      string    `json:"source,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	Data        []byte    `json:"data,omitempty"`
}

const defaultWriteTimeout = 10 * time.Second

// wsConn serialises writes on a websocket and tracks closure.
type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func newWSConn(conn *websocket.Conn, writeTimeout time.Duration) *wsConn {
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	return &wsConn{conn: conn, writeTimeout: writeTimeout, done: make(chan struct{})}
}

func (c *wsConn) write(ctx context.Context, f Frame) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(deadline)
	defer func() { _ = c.conn.SetWriteDeadline(time.Time{}) }()
	return c.conn.WriteJSON(f)
}

func (c *wsConn) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *wsConn) close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}
