package packet

import (
	"encoding/json"
	"fmt"
	"time"

	"nostr-ilp-relay/internal/types"
)

// ReqMessage is the nostr variant of a REQ packet.
type ReqMessage struct {
	SubscriptionID string        `json:"subscriptionId"`
	Filters        types.Filters `json:"filters"`
}

// CloseMessage is the nostr variant of a CLOSE packet.
type CloseMessage struct {
	SubscriptionID string `json:"subscriptionId"`
}

// NoticeMessage is a human-readable diagnostic.
type NoticeMessage struct {
	Message string `json:"message"`
}

// EOSEMessage marks the end of stored results for a subscription.
type EOSEMessage struct {
	SubscriptionID string `json:"subscriptionId"`
}

// OKMessage acknowledges an event or confirms a closed subscription.
type OKMessage struct {
	SubscriptionID string `json:"subscriptionId,omitempty"`
	EventID        string `json:"eventId,omitempty"`
	Accepted       bool   `json:"accepted"`
	Message        string `json:"message,omitempty"`
}

// Event decodes the nostr variant of an EVENT packet.
func (p *Packet) Event() (*types.Event, error) {
	if p.Header.Type != TypeEvent {
		return nil, fmt.Errorf("packet is %s, not EVENT", p.Header.Type)
	}
	var evt types.Event
	if err := json.Unmarshal(p.Payload.Nostr, &evt); err != nil {
		return nil, &InvalidPayloadStructureError{Reason: "nostr: " + err.Error()}
	}
	return &evt, nil
}

// Req decodes the nostr variant of a REQ packet.
func (p *Packet) Req() (*ReqMessage, error) {
	if p.Header.Type != TypeReq {
		return nil, fmt.Errorf("packet is %s, not REQ", p.Header.Type)
	}
	var req ReqMessage
	if err := json.Unmarshal(p.Payload.Nostr, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

// Close decodes the nostr variant of a CLOSE packet.
func (p *Packet) Close() (*CloseMessage, error) {
	if p.Header.Type != TypeClose {
		return nil, fmt.Errorf("packet is %s, not CLOSE", p.Header.Type)
	}
	var msg CloseMessage
	if err := json.Unmarshal(p.Payload.Nostr, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// EncodeMessage marshals nostr as the variant for t and frames it.
func EncodeMessage(t MessageType, payment Payment, nostr any, meta Metadata) ([]byte, error) {
	raw, err := marshalJSON(nostr)
	if err != nil {
		return nil, fmt.Errorf("encode %s body: %w", t, err)
	}
	return Encode(t, Payload{Payment: payment, Nostr: raw, Metadata: meta})
}

// Replies pushed by a node carry no payment.
func replyPayment(purpose string) Payment {
	return Payment{Amount: "0", Purpose: purpose}
}

func replyMetadata(sender, subID string) Metadata {
	return Metadata{Timestamp: time.Now().Unix(), Sender: sender, SubscriptionID: subID}
}

// EncodeNotice builds a NOTICE packet.
func EncodeNotice(sender, message string) ([]byte, error) {
	return EncodeMessage(TypeNotice, replyPayment("notice"), NoticeMessage{Message: message}, replyMetadata(sender, ""))
}

// EncodeEOSE builds an end-of-stored-events packet for subID.
func EncodeEOSE(sender, subID string) ([]byte, error) {
	return EncodeMessage(TypeEOSE, replyPayment("eose"), EOSEMessage{SubscriptionID: subID}, replyMetadata(sender, subID))
}

// EncodeClosed builds the OK packet confirming subID is closed.
func EncodeClosed(sender, subID, message string) ([]byte, error) {
	ok := OKMessage{SubscriptionID: subID, Accepted: true, Message: message}
	return EncodeMessage(TypeOK, replyPayment("close"), ok, replyMetadata(sender, subID))
}

// EncodeEventDelivery builds the EVENT-shaped message delivered to subscription subID.
func EncodeEventDelivery(sender, subID string, evt *types.Event) ([]byte, error) {
	return EncodeMessage(TypeEvent, replyPayment("delivery"), evt, replyMetadata(sender, subID))
}
