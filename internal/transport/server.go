package transport

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Server accepts websocket connections and dispatches every prepare frame
// to a HandlerFunc on its own goroutine.
type Server struct {
	upgrader     websocket.Upgrader
	handle       HandlerFunc
	onClose      func(connID string)
	logger       *slog.Logger
	readLimit    int64
	writeTimeout time.Duration

	active   atomic.Int64
	prepares atomic.Int64
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithLogger sets the server logger.
func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// WithOnClose registers a callback run after a connection and all of its
// in-flight handlers have finished.
func WithOnClose(fn func(connID string)) ServerOption {
	return func(s *Server) { s.onClose = fn }
}

// WithReadLimit bounds the size of a single inbound frame.
func WithReadLimit(n int64) ServerOption {
	return func(s *Server) { s.readLimit = n }
}

// WithWriteTimeout bounds a single outbound frame write.
func WithWriteTimeout(d time.Duration) ServerOption {
	return func(s *Server) { s.writeTimeout = d }
}

// NewServer creates a Server dispatching to handle.
func NewServer(handle HandlerFunc, opts ...ServerOption) *Server {
	s := &Server{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// node-to-node traffic, not browsers
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		handle:    handle,
		logger:    slog.Default(),
		readLimit: 256 * 1024,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ActiveConnections returns the number of open connections.
func (s *Server) ActiveConnections() int64 { return s.active.Load() }

// PreparesTotal returns the number of prepare frames dispatched.
func (s *Server) PreparesTotal() int64 { return s.prepares.Load() }

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	ws.SetReadLimit(s.readLimit)

	conn := &serverConn{wsConn: newWSConn(ws, s.writeTimeout), id: uuid.NewString()}
	logger := s.logger.With("conn_id", conn.id)
	logger.Debug("connection opened", "remote_addr", r.RemoteAddr)

	s.active.Add(1)
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	defer func() {
		cancel()
		_ = conn.close()
		wg.Wait()
		s.active.Add(-1)
		if s.onClose != nil {
			s.onClose(conn.id)
		}
		logger.Debug("connection closed")
	}()

	for {
		var f Frame
		if err := ws.ReadJSON(&f); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !conn.isClosed() {
				logger.Debug("read failed", "error", err)
			}
			return
		}
		if f.Type != FramePrepare {
			logger.Debug("ignoring frame", "type", f.Type, "seq", f.Seq)
			continue
		}

		s.prepares.Add(1)
		in := Inbound{
			Amount:      f.Amount,
			Destination: f.Destination,
			Source:      f.Source,
			Data:        f.Data,
			Stream:      &preparedStream{conn: conn, seq: f.Seq},
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handle(ctx, in)
		}()
	}
}

type serverConn struct {
	*wsConn
	id string
}

// preparedStream settles one prepare frame.
type preparedStream struct {
	conn    *serverConn
	seq     uint64
	settled atomic.Bool
}

func (p *preparedStream) ID() string { return p.conn.id }

func (p *preparedStream) Fulfill(ctx context.Context) error {
	if !p.settled.CompareAndSwap(false, true) {
		return ErrSettled
	}
	return p.conn.write(ctx, Frame{Type: FrameFulfill, Seq: p.seq})
}

func (p *preparedStream) Reject(ctx context.Context, reason string) error {
	if !p.settled.CompareAndSwap(false, true) {
		return ErrSettled
	}
	return p.conn.write(ctx, Frame{Type: FrameReject, Seq: p.seq, Reason: reason})
}

func (p *preparedStream) SendPacket(ctx context.Context, data []byte) error {
	return p.conn.write(ctx, Frame{Type: FramePacket, Data: data})
}

func (p *preparedStream) Close() error { return p.conn.close() }
