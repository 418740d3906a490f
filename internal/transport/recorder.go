package transport

import (
	"context"
	"errors"
	"sync"
)

// Recorder is an in-memory Stream that records everything sent through it.
type Recorder struct {
	id string

	mu         sync.Mutex
	fulfilled  int
	rejections []string
	packets    [][]byte
	closed     bool
	failSends  bool
}

// NewRecorder returns a Recorder for connection id.
func NewRecorder(id string) *Recorder {
	return &Recorder{id: id}
}

func (r *Recorder) ID() string { return r.id }

func (r *Recorder) Fulfill(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fulfilled++
	return nil
}

func (r *Recorder) Reject(ctx context.Context, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rejections = append(r.rejections, reason)
	return nil
}

func (r *Recorder) SendPacket(ctx context.Context, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failSends || r.closed {
		return errors.New("recorder: send failed")
	}
	r.packets = append(r.packets, append([]byte(nil), data...))
	return nil
}

func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

// FailSends makes subsequent SendPacket calls fail.
func (r *Recorder) FailSends() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failSends = true
}

// Fulfilled returns how many times Fulfill was called.
func (r *Recorder) Fulfilled() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fulfilled
}

// Rejections returns the reasons passed to Reject.
func (r *Recorder) Rejections() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.rejections...)
}

// Packets returns copies of every packet sent.
func (r *Recorder) Packets() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]byte, len(r.packets))
	copy(out, r.packets)
	return out
}

// Closed reports whether Close was called.
func (r *Recorder) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}
