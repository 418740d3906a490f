package handler

import (
	"context"
	"fmt"
	"log/slog"

	"nostr-ilp-relay/internal/nostr"
)

// Status is the branch of the state machine a packet ended in.
type Status int

const (
	// Accepted means the payment was fulfilled and the work done.
	Accepted Status = iota
	// Duplicate means the event was already stored; the payment is fulfilled.
	Duplicate
	// Rejected means the payment was refused.
	Rejected
	// DiscardedPaid means the payment was kept but the event dropped for
	// failing verification.
	DiscardedPaid
)

func (s Status) String() string {
	switch s {
	case Accepted:
		return "accepted"
	case Duplicate:
		return "duplicate"
	case Rejected:
		return "rejected"
	case DiscardedPaid:
		return "discarded_paid"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Reject reason codes.
const (
	ReasonMalformedPacket     = "malformed_packet"
	ReasonInsufficientPayment = "insufficient_payment"
	ReasonInvalidPayment      = "invalid_payment"
	ReasonInvalidSubscription = "invalid_subscription"
	ReasonInvalidTTL          = "invalid_ttl"
	ReasonInvalidFilter       = "invalid_filter"
	ReasonUnsupportedMessage  = "unsupported_message"
	ReasonInternalError       = "internal_error"
)

// Outcome is what HandlePacket did with a packet. Reason is the reject string
// sent to the transport, or the verdict for discarded events.
type Outcome struct {
	Status Status
	Reason string
	Err    error
}

// InsufficientPaymentError reports an underpaid packet.
type InsufficientPaymentError struct {
	Required uint64
	Paid     uint64
}

func (e *InsufficientPaymentError) Error() string {
	return fmt.Sprintf("required %d, paid %d", e.Required, e.Paid)
}

// AuthenticityError reports an event whose id or signature did not verify.
type AuthenticityError struct {
	EventID string
	Verdict nostr.Verdict
}

func (e *AuthenticityError) Error() string {
	return fmt.Sprintf("event %s: %s", nostr.ShortID(e.EventID), e.Verdict)
}

type ctxKey struct{}

// ContextWithLogger attaches a request-scoped logger.
func ContextWithLogger(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// LoggerFromContext returns the logger attached to ctx, or fallback.
func LoggerFromContext(ctx context.Context, fallback *slog.Logger) *slog.Logger {
	if l, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok {
		return l
	}
	return fallback
}
