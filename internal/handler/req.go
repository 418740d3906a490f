package handler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"nostr-ilp-relay/internal/packet"
	"nostr-ilp-relay/internal/pricing"
	"nostr-ilp-relay/internal/subscription"
	"nostr-ilp-relay/internal/transport"
	"nostr-ilp-relay/internal/types"
)

func (h *Handler) handleReq(ctx context.Context, in transport.Inbound, pkt *packet.Packet) Outcome {
	req, err := pkt.Req()
	if err != nil {
		var ferr *types.FilterError
		if errors.As(err, &ferr) {
			return h.noticeAndReject(ctx, in, ReasonInvalidFilter, ferr.Error(), err)
		}
		return h.noticeAndReject(ctx, in, ReasonMalformedPacket, "unreadable REQ: "+err.Error(), err)
	}
	log := LoggerFromContext(ctx, h.logger).With("sub_id", req.SubscriptionID)

	if req.SubscriptionID == "" || len(req.SubscriptionID) > subscription.MaxIDLength {
		return h.noticeAndReject(ctx, in, ReasonInvalidSubscription,
			fmt.Sprintf("subscription id must be 1-%d characters", subscription.MaxIDLength), nil)
	}
	if err := h.validateFilters(req.Filters); err != nil {
		return h.noticeAndReject(ctx, in, ReasonInvalidFilter, err.Error(), err)
	}

	prices := h.pricing.Snapshot()
	ttl := prices.Subscription.DefaultTTL
	if meta := pkt.Payload.Metadata.TTL; meta != nil {
		ttl = *meta
	}
	if err := prices.ValidateTTL(ttl); err != nil {
		return h.noticeAndReject(ctx, in, ReasonInvalidTTL, err.Error(), err)
	}

	required := prices.SubscriptionCost(ttl)
	paid, err := paidAmount(in, pkt)
	if err != nil {
		return h.noticeAndReject(ctx, in, ReasonInvalidPayment, err.Error(), err)
	}
	if paid < required {
		perr := &InsufficientPaymentError{Required: required, Paid: paid}
		return h.noticeAndReject(ctx, in, ReasonInsufficientPayment, perr.Error(), perr)
	}

	events, err := h.queryStored(ctx, req.Filters)
	if err != nil {
		log.Error("stored query failed", "error", err)
		return h.noticeAndReject(ctx, in, ReasonInternalError, "query failed", err)
	}
	for _, evt := range events {
		data, err := packet.EncodeEventDelivery(h.cfg.NodeAddress, req.SubscriptionID, evt)
		if err == nil {
			err = in.Stream.SendPacket(ctx, data)
		}
		if err != nil {
			log.Warn("streaming stored events failed", "error", err)
			return h.reject(ctx, in, ReasonInternalError, "delivery failed", err)
		}
	}
	h.metrics.EventsStreamed.Add(int64(len(events)))

	eose, err := packet.EncodeEOSE(h.cfg.NodeAddress, req.SubscriptionID)
	if err == nil {
		err = in.Stream.SendPacket(ctx, eose)
	}
	if err != nil {
		log.Warn("EOSE not delivered", "error", err)
		return h.reject(ctx, in, ReasonInternalError, "delivery failed", err)
	}

	now := h.now()
	fresh := h.index.Add(&subscription.Subscription{
		ID:        req.SubscriptionID,
		Conn:      in.Stream,
		Filters:   req.Filters,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Duration(ttl) * time.Second),
	})
	h.metrics.SubscriptionsOpen.Add(1)
	log.Debug("subscription registered", "renewal", !fresh, "ttl", ttl, "stored", len(events),
		"paid", pricing.FormatAmount(paid))

	return h.fulfill(ctx, in, Outcome{Status: Accepted})
}

func (h *Handler) validateFilters(filters types.Filters) error {
	if len(filters) == 0 {
		return &types.FilterError{Field: "filters", Reason: "at least one filter is required"}
	}
	if len(filters) > h.cfg.MaxFilters {
		return &types.FilterError{Field: "filters", Reason: fmt.Sprintf("at most %d filters allowed", h.cfg.MaxFilters)}
	}
	for i := range filters {
		if err := filters[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}
