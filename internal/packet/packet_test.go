package packet

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nostr-ilp-relay/internal/types"
)

func frame(version, msgType uint8, declared uint16, body string) []byte {
	out := []byte{version, msgType, 0, 0}
	binary.BigEndian.PutUint16(out[2:], declared)
	return append(out, body...)
}

const validBody = `{"payment":{"amount":"50","currency":"msat","purpose":"event"},"nostr":{"id":"x"},"metadata":{"timestamp":1700000000,"sender":"g.alice"}}`

func TestDecodeTruncatedHeader(t *testing.T) {
	_, err := Decode([]byte{0x01, 0x01})
	var te *TruncatedPacketError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 4, te.Required)
	assert.Equal(t, 2, te.Actual)
	assert.True(t, errors.Is(err, ErrFraming))
}

func TestDecodeInvalidVersion(t *testing.T) {
	_, err := Decode([]byte{0x02, 0x01, 0x00, 0x00})
	var ve *InvalidVersionError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, uint8(2), ve.Received)
	assert.Equal(t, uint8(1), ve.Expected)
}

func TestDecodeInvalidMessageType(t *testing.T) {
	for _, mt := range []uint8{0, 8, 255} {
		_, err := Decode([]byte{0x01, mt, 0x00, 0x00})
		var me *InvalidMessageTypeError
		require.ErrorAs(t, err, &me, "type %d", mt)
		assert.Equal(t, mt, me.Received)
	}
}

func TestDecodeTruncatedPayload(t *testing.T) {
	data := frame(1, 1, 100, `{"payment":{}}`)
	_, err := Decode(data)
	var te *TruncatedPacketError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 104, te.Required)
	assert.Equal(t, len(data), te.Actual)
}

func TestDecodeLengthMismatch(t *testing.T) {
	data := frame(1, 1, uint16(len(validBody)), validBody+"  ")
	_, err := Decode(data)
	var me *PayloadLengthMismatchError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, len(validBody), me.Declared)
	assert.Equal(t, len(validBody)+2, me.Actual)
}

func TestDecodeMalformedPayload(t *testing.T) {
	cases := map[string]string{
		"not json":    `{"payment":`,
		"not object":  `[1,2,3]`,
		"invalid utf": "\xff\xfe",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(frame(1, 1, uint16(len(body)), body))
			var me *MalformedPayloadError
			assert.ErrorAs(t, err, &me)
		})
	}
}

func TestDecodeMissingKeys(t *testing.T) {
	body := `{"payment":{"amount":"1"},"nostr":null}`
	_, err := Decode(frame(1, 2, uint16(len(body)), body))
	var se *InvalidPayloadStructureError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, []string{"nostr", "metadata"}, se.Missing)
	assert.Contains(t, se.Error(), "nostr, metadata")
}

func TestDecodeValid(t *testing.T) {
	p, err := Decode(frame(1, 1, uint16(len(validBody)), validBody))
	require.NoError(t, err)
	assert.Equal(t, TypeEvent, p.Header.Type)
	assert.Equal(t, "50", p.Payload.Payment.Amount)
	assert.Equal(t, "g.alice", p.Payload.Metadata.Sender)
	assert.Nil(t, p.Payload.Metadata.TTL)
	assert.JSONEq(t, `{"id":"x"}`, string(p.Payload.Nostr))
}

func TestEncodeRecomputesLength(t *testing.T) {
	p := &Packet{
		Header: Header{Version: 1, Type: TypeClose, PayloadLength: 3},
		Payload: Payload{
			Payment:  Payment{Amount: "0", Currency: "msat", Purpose: "close"},
			Nostr:    json.RawMessage(`{"subscriptionId":"sub-1"}`),
			Metadata: Metadata{Timestamp: 1, Sender: "g.bob"},
		},
	}
	data, err := EncodePacket(p)
	require.NoError(t, err)
	assert.Equal(t, uint16(len(data)-HeaderSize), binary.BigEndian.Uint16(data[2:4]))
	assert.NotEqual(t, uint16(3), binary.BigEndian.Uint16(data[2:4]))
}

func TestEncodeDoesNotEscapeHTML(t *testing.T) {
	data, err := EncodeMessage(TypeEvent, Payment{Amount: "1"}, &types.Event{Content: "<b>&</b>"}, Metadata{})
	require.NoError(t, err)
	assert.Contains(t, string(data), "<b>&</b>")
}

func TestEncodeTooLarge(t *testing.T) {
	big := strings.Repeat("a", MaxPayloadSize)
	_, err := EncodeMessage(TypeNotice, Payment{}, NoticeMessage{Message: big}, Metadata{})
	var te *PayloadTooLargeError
	assert.ErrorAs(t, err, &te)
}

func TestTypedVariants(t *testing.T) {
	req := ReqMessage{SubscriptionID: "s1", Filters: types.Filters{{Kinds: []int{1}, Tags: map[string][]string{"e": {"abc"}}}}}
	data, err := EncodeMessage(TypeReq, Payment{Amount: "100"}, req, Metadata{Timestamp: 5})
	require.NoError(t, err)

	p, err := Decode(data)
	require.NoError(t, err)
	got, err := p.Req()
	require.NoError(t, err)
	assert.Equal(t, "s1", got.SubscriptionID)
	require.Len(t, got.Filters, 1)
	assert.Equal(t, []int{1}, got.Filters[0].Kinds)
	assert.Equal(t, []string{"abc"}, got.Filters[0].Tags["e"])

	_, err = p.Event()
	assert.Error(t, err)
}

func TestRoundTripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("decode(encode(x)) == x", prop.ForAll(
		func(mt uint8, amount, sender, content string, ts, ttl int64) bool {
			nostr, err := marshalJSON(map[string]any{"content": content, "n": ts})
			if err != nil {
				return false
			}
			in := Payload{
				Payment:  Payment{Amount: amount, Currency: "msat", Purpose: "p"},
				Nostr:    nostr,
				Metadata: Metadata{Timestamp: ts, Sender: sender, TTL: &ttl},
			}
			data, err := Encode(MessageType(mt), in)
			if err != nil {
				return false
			}
			if int(binary.BigEndian.Uint16(data[2:4])) != len(data)-HeaderSize {
				return false
			}
			out, err := Decode(data)
			if err != nil {
				return false
			}
			return out.Header.Type == MessageType(mt) &&
				out.Payload.Payment == in.Payment &&
				string(out.Payload.Nostr) == string(in.Nostr) &&
				out.Payload.Metadata.Timestamp == ts &&
				out.Payload.Metadata.Sender == sender &&
				*out.Payload.Metadata.TTL == ttl
		},
		gen.UInt8Range(1, 7),
		gen.NumString(),
		gen.AlphaString(),
		gen.AnyString(),
		gen.Int64Range(0, 1<<40),
		gen.Int64Range(0, 86400),
	))

	properties.TestingRun(t)
}
