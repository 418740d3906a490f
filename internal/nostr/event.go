// Package nostr verifies the authenticity of NIP-01 events.
package nostr

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"

	"nostr-ilp-relay/internal/types"
)

// Verdict is the outcome of verifying an event.
type Verdict int

const (
	Valid Verdict = iota
	InvalidID
	InvalidSignature
)

func (v Verdict) String() string {
	switch v {
	case Valid:
		return "valid"
	case InvalidID:
		return "invalid_event_id"
	case InvalidSignature:
		return "invalid_signature"
	default:
		return "unknown"
	}
}

// SerializeEvent returns the canonical NIP-01 serialization hashed into an event id:
//
//	[0,<pubkey>,<created_at>,<kind>,<tags>,<content>]
//
// compact JSON, no HTML escaping, U+2028/U+2029 unescaped, nil tags encoded as [].
func SerializeEvent(evt *types.Event) ([]byte, error) {
	tags := evt.Tags
	if tags == nil {
		tags = [][]string{}
	}
	serialized := []interface{}{
		0,
		evt.PubKey,
		evt.CreatedAt,
		evt.Kind,
		tags,
		evt.Content,
	}

	// Relays and clients expect unescaped <, > and &; json.Marshal would escape them.
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(serialized); err != nil {
		return nil, err
	}
	return unescapeLineSeparators(bytes.TrimSuffix(buf.Bytes(), []byte("\n"))), nil
}

// unescapeLineSeparators undoes encoding/json's \u2028 and \u2029 escapes,
// which NIP-01 serializes as raw characters. Escaped backslashes are skipped so
// a literal `\\u2028` in content is left alone.
func unescapeLineSeparators(data []byte) []byte {
	if !bytes.Contains(data, []byte(`\u202`)) {
		return data
	}
	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		if data[i] != '\\' || i+1 >= len(data) {
			out = append(out, data[i])
			continue
		}
		if data[i+1] == 'u' && i+6 <= len(data) {
			switch string(data[i+2 : i+6]) {
			case "2028":
				out = append(out, "\u2028"...)
				i += 5
				continue
			case "2029":
				out = append(out, "\u2029"...)
				i += 5
				continue
			}
		}
		// keep any other escape pair intact
		out = append(out, data[i], data[i+1])
		i++
	}
	return out
}

// ComputeEventID returns the lowercase hex SHA-256 of the canonical serialization.
func ComputeEventID(evt *types.Event) string {
	data, err := SerializeEvent(evt)
	if err != nil {
		return ""
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// VerifyEvent recomputes the id and checks the Schnorr signature over it.
// Malformed input yields a non-Valid verdict, never a panic.
func VerifyEvent(evt *types.Event) Verdict {
	if evt == nil {
		return InvalidID
	}
	computed := ComputeEventID(evt)
	if computed == "" || computed != evt.ID {
		return InvalidID
	}
	if !ValidateEventSignature(evt) {
		return InvalidSignature
	}
	return Valid
}

// ValidateEventSignature verifies the Schnorr signature of evt.ID against evt.PubKey.
func ValidateEventSignature(evt *types.Event) bool {
	if len(evt.Sig) != 128 || len(evt.PubKey) != 64 || len(evt.ID) != 64 {
		return false
	}

	sigBytes, err := hex.DecodeString(evt.Sig)
	if err != nil {
		return false
	}
	pubKeyBytes, err := hex.DecodeString(evt.PubKey)
	if err != nil {
		return false
	}
	idBytes, err := hex.DecodeString(evt.ID)
	if err != nil {
		return false
	}

	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return false
	}
	pubKey, err := schnorr.ParsePubKey(pubKeyBytes)
	if err != nil {
		return false
	}

	return sig.Verify(idBytes, pubKey)
}

// PublicKeyHex returns the x-only public key Nostr uses for privKey.
func PublicKeyHex(privKey *btcec.PrivateKey) string {
	return hex.EncodeToString(schnorr.SerializePubKey(privKey.PubKey()))
}

// ParsePrivateKey decodes a hex-encoded secp256k1 private key.
func ParsePrivateKey(privKeyHex string) (*btcec.PrivateKey, error) {
	b, err := hex.DecodeString(privKeyHex)
	if err != nil {
		return nil, err
	}
	if len(b) != 32 {
		return nil, errors.New("private key must be 32 bytes")
	}
	priv, _ := btcec.PrivKeyFromBytes(b)
	return priv, nil
}

// SignEvent fills in PubKey, ID and Sig for evt.
func SignEvent(privKey *btcec.PrivateKey, evt *types.Event) error {
	evt.PubKey = PublicKeyHex(privKey)
	evt.ID = ComputeEventID(evt)
	idBytes, err := hex.DecodeString(evt.ID)
	if err != nil {
		return err
	}
	sig, err := schnorr.Sign(privKey, idBytes)
	if err != nil {
		return err
	}
	evt.Sig = hex.EncodeToString(sig.Serialize())
	return nil
}

// ShortID truncates ID/pubkey to 12 chars for logging
func ShortID(id string) string {
	if len(id) >= 12 {
		return id[:12]
	}
	return id
}
