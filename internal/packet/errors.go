package packet

import (
	"errors"
	"fmt"
	"strings"
)

// ErrFraming is matched by every decode error in this package.
var ErrFraming = errors.New("packet framing error")

// TruncatedPacketError reports fewer bytes than the header or declared payload require.
type TruncatedPacketError struct {
	Required int
	Actual   int
}

func (e *TruncatedPacketError) Error() string {
	return fmt.Sprintf("truncated packet: required %d bytes, got %d", e.Required, e.Actual)
}

func (e *TruncatedPacketError) Is(target error) bool { return target == ErrFraming }

// InvalidVersionError reports an unsupported header version.
type InvalidVersionError struct {
	Received uint8
	Expected uint8
}

func (e *InvalidVersionError) Error() string {
	return fmt.Sprintf("invalid version: received %d, expected %d", e.Received, e.Expected)
}

func (e *InvalidVersionError) Is(target error) bool { return target == ErrFraming }

// InvalidMessageTypeError reports a message type outside 1..7.
type InvalidMessageTypeError struct {
	Received uint8
}

func (e *InvalidMessageTypeError) Error() string {
	return fmt.Sprintf("invalid message type %d", e.Received)
}

func (e *InvalidMessageTypeError) Is(target error) bool { return target == ErrFraming }

// PayloadLengthMismatchError reports bytes beyond the declared payload length.
type PayloadLengthMismatchError struct {
	Declared int
	Actual   int
}

func (e *PayloadLengthMismatchError) Error() string {
	return fmt.Sprintf("payload length mismatch: declared %d, actual %d", e.Declared, e.Actual)
}

func (e *PayloadLengthMismatchError) Is(target error) bool { return target == ErrFraming }

// MalformedPayloadError reports a payload that is not UTF-8 JSON.
type MalformedPayloadError struct {
	Reason string
}

func (e *MalformedPayloadError) Error() string {
	return "malformed payload: " + e.Reason
}

func (e *MalformedPayloadError) Is(target error) bool { return target == ErrFraming }

// InvalidPayloadStructureError reports missing or mistyped top-level payload keys.
type InvalidPayloadStructureError struct {
	Missing []string
	Reason  string
}

func (e *InvalidPayloadStructureError) Error() string {
	if len(e.Missing) > 0 {
		return "invalid payload structure: missing " + strings.Join(e.Missing, ", ")
	}
	return "invalid payload structure: " + e.Reason
}

func (e *InvalidPayloadStructureError) Is(target error) bool { return target == ErrFraming }

// PayloadTooLargeError is returned by Encode when the JSON does not fit a u16 length.
type PayloadTooLargeError struct {
	Size int
}

func (e *PayloadTooLargeError) Error() string {
	return fmt.Sprintf("payload too large: %d bytes (max %d)", e.Size, MaxPayloadSize)
}
