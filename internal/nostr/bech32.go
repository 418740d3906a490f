package nostr

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil/bech32"
)

// EncodeNpub encodes a hex pubkey in NIP-19 npub form.
func EncodeNpub(hexPubkey string) (string, error) {
	return encodeEntity("npub", hexPubkey)
}

// EncodeNote encodes a hex event id in NIP-19 note form.
func EncodeNote(hexEventID string) (string, error) {
	return encodeEntity("note", hexEventID)
}

func encodeEntity(hrp, hexValue string) (string, error) {
	raw, err := hex.DecodeString(hexValue)
	if err != nil {
		return "", err
	}
	if len(raw) != 32 {
		return "", fmt.Errorf("%s: expected 32 bytes, got %d", hrp, len(raw))
	}
	data, err := bech32.ConvertBits(raw, 8, 5, true)
	if err != nil {
		return "", err
	}
	return bech32.Encode(hrp, data)
}

// DecodeEntity returns the hrp and 32-byte hex payload of an npub, nsec or note.
func DecodeEntity(s string) (string, string, error) {
	hrp, data, err := bech32.Decode(s)
	if err != nil {
		return "", "", err
	}
	raw, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return "", "", err
	}
	if len(raw) != 32 {
		return "", "", fmt.Errorf("%s: expected 32 bytes, got %d", hrp, len(raw))
	}
	return hrp, hex.EncodeToString(raw), nil
}

// PrivateKeyHex accepts a private key as hex or nsec and returns hex.
func PrivateKeyHex(s string) (string, error) {
	if !strings.HasPrefix(s, "nsec1") {
		return s, nil
	}
	hrp, key, err := DecodeEntity(s)
	if err != nil {
		return "", err
	}
	if hrp != "nsec" {
		return "", errors.New("not a private key")
	}
	return key, nil
}
