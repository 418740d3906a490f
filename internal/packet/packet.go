// Package packet implements the framing used to carry Nostr protocol messages
// inside payment-bearing transport packets.
//
// Wire layout:
//
//	[version:u8][messageType:u8][payloadLength:u16 big-endian][payload: UTF-8 JSON]
//
// The JSON payload always has exactly three top-level keys: payment, nostr and metadata.
package packet

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"unicode/utf8"
)

const (
	// HeaderSize is the fixed size of the packet header in bytes.
	HeaderSize = 4
	// Version1 is the only supported framing version.
	Version1 uint8 = 1
	// MaxPayloadSize is the largest payload a uint16 length can describe.
	MaxPayloadSize = math.MaxUint16
)

// MessageType identifies the protocol message carried in a packet.
type MessageType uint8

const (
	TypeEvent  MessageType = 1
	TypeReq    MessageType = 2
	TypeClose  MessageType = 3
	TypeNotice MessageType = 4
	TypeEOSE   MessageType = 5
	TypeOK     MessageType = 6
	TypeAuth   MessageType = 7
)

func (t MessageType) String() string {
	switch t {
	case TypeEvent:
		return "EVENT"
	case TypeReq:
		return "REQ"
	case TypeClose:
		return "CLOSE"
	case TypeNotice:
		return "NOTICE"
	case TypeEOSE:
		return "EOSE"
	case TypeOK:
		return "OK"
	case TypeAuth:
		return "AUTH"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

// Valid reports whether t is one of the defined message types.
func (t MessageType) Valid() bool {
	return t >= TypeEvent && t <= TypeAuth
}

// Header is the fixed 4-byte packet prefix.
type Header struct {
	Version       uint8
	Type          MessageType
	PayloadLength uint16
}

// Payment describes the payment a packet claims to carry.
type Payment struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
	Purpose  string `json:"purpose"`
}

// Metadata is sender-supplied context for a packet.
type Metadata struct {
	Timestamp int64  `json:"timestamp"`
	Sender    string `json:"sender"`
	TTL       *int64 `json:"ttl,omitempty"`
	// SubscriptionID is set on messages a node pushes to subscribers.
	SubscriptionID string `json:"subscriptionId,omitempty"`
}

// Payload is the JSON body of a packet. Nostr holds the message variant
// selected by the header's message type.
type Payload struct {
	Payment  Payment         `json:"payment"`
	Nostr    json.RawMessage `json:"nostr"`
	Metadata Metadata        `json:"metadata"`
}

// Packet is a decoded header plus payload.
type Packet struct {
	Header  Header
	Payload Payload
}

var requiredKeys = []string{"payment", "nostr", "metadata"}

// Decode parses a framed packet. It never panics; every failure is one of the
// framing error types in this package.
func Decode(data []byte) (*Packet, error) {
	if len(data) < HeaderSize {
		return nil, &TruncatedPacketError{Required: HeaderSize, Actual: len(data)}
	}

	h := Header{
		Version:       data[0],
		Type:          MessageType(data[1]),
		PayloadLength: binary.BigEndian.Uint16(data[2:4]),
	}
	if h.Version != Version1 {
		return nil, &InvalidVersionError{Received: h.Version, Expected: Version1}
	}
	if !h.Type.Valid() {
		return nil, &InvalidMessageTypeError{Received: uint8(h.Type)}
	}

	body := data[HeaderSize:]
	declared := int(h.PayloadLength)
	if len(body) < declared {
		return nil, &TruncatedPacketError{Required: HeaderSize + declared, Actual: len(data)}
	}
	if len(body) != declared {
		return nil, &PayloadLengthMismatchError{Declared: declared, Actual: len(body)}
	}

	if !utf8.Valid(body) {
		return nil, &MalformedPayloadError{Reason: "payload is not valid UTF-8"}
	}
	var top map[string]json.RawMessage
	if err := json.Unmarshal(body, &top); err != nil {
		return nil, &MalformedPayloadError{Reason: err.Error()}
	}

	var missing []string
	for _, key := range requiredKeys {
		raw, ok := top[key]
		if !ok || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return nil, &InvalidPayloadStructureError{Missing: missing}
	}

	p := &Packet{Header: h}
	if err := json.Unmarshal(top["payment"], &p.Payload.Payment); err != nil {
		return nil, &InvalidPayloadStructureError{Reason: "payment: " + err.Error()}
	}
	if err := json.Unmarshal(top["metadata"], &p.Payload.Metadata); err != nil {
		return nil, &InvalidPayloadStructureError{Reason: "metadata: " + err.Error()}
	}
	p.Payload.Nostr = append(json.RawMessage(nil), top["nostr"]...)
	return p, nil
}

// Encode serialises payload and frames it with a header for message type t.
// The payload length is always derived from the serialised JSON.
func Encode(t MessageType, payload Payload) ([]byte, error) {
	if !t.Valid() {
		return nil, &InvalidMessageTypeError{Received: uint8(t)}
	}
	if len(payload.Nostr) == 0 {
		payload.Nostr = json.RawMessage("{}")
	}
	body, err := marshalJSON(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	if len(body) > MaxPayloadSize {
		return nil, &PayloadTooLargeError{Size: len(body)}
	}

	out := make([]byte, HeaderSize+len(body))
	out[0] = Version1
	out[1] = byte(t)
	binary.BigEndian.PutUint16(out[2:4], uint16(len(body)))
	copy(out[HeaderSize:], body)
	return out, nil
}

// EncodePacket encodes p, ignoring any caller-supplied payload length.
func EncodePacket(p *Packet) ([]byte, error) {
	return Encode(p.Header.Type, p.Payload)
}

// marshalJSON encodes v without HTML escaping so that content survives byte-exact.
func marshalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	// Encoder.Encode adds a trailing newline
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
