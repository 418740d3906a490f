package handler

import (
	"context"

	"nostr-ilp-relay/internal/packet"
	"nostr-ilp-relay/internal/subscription"
	"nostr-ilp-relay/internal/transport"
)

// handleClose always ends in fulfillment; CLOSE carries no payment.
func (h *Handler) handleClose(ctx context.Context, in transport.Inbound, pkt *packet.Packet) Outcome {
	h.metrics.ClosesTotal.Add(1)
	log := LoggerFromContext(ctx, h.logger)

	msg, err := pkt.Close()
	if err != nil || msg.SubscriptionID == "" {
		h.notice(ctx, in, "invalid subscription id")
		return h.fulfill(ctx, in, Outcome{Status: Accepted, Reason: ReasonInvalidSubscription})
	}
	subID := msg.SubscriptionID

	out := Outcome{Status: Accepted}
	if !h.index.Remove(subscription.Key{ConnID: in.Stream.ID(), ID: subID}) {
		h.notice(ctx, in, "subscription not found: "+subID)
		out.Reason = "not_found"
	}

	data, err := packet.EncodeClosed(h.cfg.NodeAddress, subID, "closed")
	if err == nil {
		err = in.Stream.SendPacket(ctx, data)
	}
	if err != nil {
		log.Debug("close confirmation not delivered", "sub_id", subID, "error", err)
	}
	return h.fulfill(ctx, in, out)
}
