package handler

import (
	"context"
	"errors"
	"fmt"

	"nostr-ilp-relay/internal/nostr"
	"nostr-ilp-relay/internal/packet"
	"nostr-ilp-relay/internal/propagation"
	"nostr-ilp-relay/internal/store"
	"nostr-ilp-relay/internal/transport"
	"nostr-ilp-relay/internal/types"
)

func (h *Handler) handleEvent(ctx context.Context, in transport.Inbound, pkt *packet.Packet) Outcome {
	evt, err := pkt.Event()
	if err != nil {
		return h.reject(ctx, in, ReasonMalformedPacket, err.Error(), err)
	}
	log := LoggerFromContext(ctx, h.logger).With("event_id", nostr.ShortID(evt.ID), "kind", evt.Kind)

	required := h.pricing.EventCost(evt.Kind)
	paid, err := paidAmount(in, pkt)
	if err != nil {
		return h.reject(ctx, in, ReasonInvalidPayment, err.Error(), err)
	}
	if paid < required {
		perr := &InsufficientPaymentError{Required: required, Paid: paid}
		log.Debug("underpaid event", "required", required, "paid", paid)
		return h.reject(ctx, in, ReasonInsufficientPayment, perr.Error(), perr)
	}

	if h.eventExists(ctx, evt.ID) {
		h.metrics.EventsDuplicate.Add(1)
		return h.fulfill(ctx, in, Outcome{Status: Duplicate})
	}

	if verdict := nostr.VerifyEvent(evt); verdict != nostr.Valid {
		h.metrics.EventsDiscarded.Add(1)
		log.Info("discarding paid event", "verdict", verdict.String())
		return h.fulfill(ctx, in, Outcome{
			Status: DiscardedPaid,
			Reason: verdict.String(),
			Err:    &AuthenticityError{EventID: evt.ID, Verdict: verdict},
		})
	}

	if err := store.SaveWithRetry(ctx, h.store, evt, h.cfg.Retry); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			// lost a race with a concurrent submission of the same id
			h.metrics.EventsDuplicate.Add(1)
			return h.fulfill(ctx, in, Outcome{Status: Duplicate})
		}
		log.Error("event not persisted", "error", err)
		return h.reject(ctx, in, ReasonInternalError, "event not persisted",
			fmt.Errorf("save %s: %w", evt.ID, err))
	}
	h.metrics.EventsAccepted.Add(1)

	if evt.Kind == KindDeletion {
		h.applyDeletion(ctx, evt)
	}
	if h.propagator != nil {
		rep := h.propagator.Propagate(ctx, evt, propagation.Origin{Amount: paid, Source: in.Source})
		log.Debug("event propagated", "delivered", rep.Delivered, "forwarded", len(rep.Forwarded))
	}

	return h.fulfill(ctx, in, Outcome{Status: Accepted})
}

// KindDeletion is the NIP-09 deletion request kind.
const KindDeletion = 5

// applyDeletion soft-deletes the events a deletion request references, as
// long as they share its author. Failures are logged only.
func (h *Handler) applyDeletion(ctx context.Context, req *types.Event) {
	log := LoggerFromContext(ctx, h.logger)
	for _, id := range req.TagValues("e") {
		target, err := h.store.Get(ctx, id)
		if err != nil {
			log.Warn("deletion lookup failed", "target", id, "error", err)
			continue
		}
		if target == nil || target.PubKey != req.PubKey || target.Kind == KindDeletion {
			continue
		}
		if err := h.store.MarkDeleted(ctx, id); err != nil {
			log.Warn("deletion failed", "target", id, "error", err)
			continue
		}
		log.Debug("event deleted by author", "target", nostr.ShortID(id))
	}
}
