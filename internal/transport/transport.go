// Package transport carries payment-bearing packets between nodes and
// subscribers. Each inbound packet arrives with a Stream that can settle its
// payment exactly once and push further packets over the same connection.
package transport

import (
	"context"
	"errors"
)

var (
	// ErrClosed is returned when writing to a connection that has gone away.
	ErrClosed = errors.New("transport: connection closed")
	// ErrSettled is returned when a packet is fulfilled or rejected twice.
	ErrSettled = errors.New("transport: packet already settled")
)

// Stream is the capability handed to packet handlers.
type Stream interface {
	// ID identifies the owning connection; it is shared by every packet on it.
	ID() string
	// Fulfill accepts the payment attached to the packet.
	Fulfill(ctx context.Context) error
	// Reject refuses the payment with a machine-parseable reason.
	Reject(ctx context.Context, reason string) error
	// SendPacket pushes an encoded packet to the peer. It remains usable after
	// the originating packet has been settled.
	SendPacket(ctx context.Context, data []byte) error
	Close() error
}

// Inbound is one packet as delivered by the transport.
type Inbound struct {
	Amount      string
	Destination string
	Source      string
	Data        []byte
	Stream      Stream
}

// HandlerFunc processes one inbound packet. It owns settlement of in.Stream.
type HandlerFunc func(ctx context.Context, in Inbound)

// RejectError reports a packet the remote side refused.
type RejectError struct {
	Reason string
}

func (e *RejectError) Error() string {
	return "transport: rejected: " + e.Reason
}
