package rfid

import (
	"errors"
	"fmt"
	"strings"
)

// TagLen is the decoded EM4100 payload length in bytes.
const TagLen = 5

var ErrInvalidTagID = errors.New("rfid: invalid tag id")

// TagID is a decoded EM4100 identity. Byte 0 is the manufacturer/version
// byte; bytes 1..4 are the card id.
type TagID [TagLen]byte

// String returns the wire form: colon-separated uppercase hex.
func (t TagID) String() string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X", t[0], t[1], t[2], t[3], t[4])
}

// Decimal returns the comma-separated decimal form printed by reader firmware.
func (t TagID) Decimal() string {
	return fmt.Sprintf("%d,%d,%d,%d,%d", t[0], t[1], t[2], t[3], t[4])
}

// CardNumber returns the 32-bit id carried in bytes 1..4.
func (t TagID) CardNumber() uint32 {
	return uint32(t[1])<<24 | uint32(t[2])<<16 | uint32(t[3])<<8 | uint32(t[4])
}

func (t TagID) IsZero() bool {
	return t == TagID{}
}

// MarshalText encodes the wire form so TagID can be used in JSON payloads.
func (t TagID) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *TagID) UnmarshalText(raw []byte) error {
	id, err := ParseTagID(string(raw))
	if err != nil {
		return err
	}
	*t = id
	return nil
}

// ParseTagID accepts exactly five colon-separated two-digit uppercase hex
// bytes. Lowercase digits are rejected to keep one canonical spelling on the
// wire and in storage.
func ParseTagID(raw string) (TagID, error) {
	var out TagID
	parts := strings.Split(raw, ":")
	if len(parts) != TagLen {
		return TagID{}, fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidTagID, TagLen, len(parts))
	}
	for i, part := range parts {
		if len(part) != 2 {
			return TagID{}, fmt.Errorf("%w: byte %d %q", ErrInvalidTagID, i, part)
		}
		hi, ok := upperHex(part[0])
		if !ok {
			return TagID{}, fmt.Errorf("%w: byte %d %q", ErrInvalidTagID, i, part)
		}
		lo, ok := upperHex(part[1])
		if !ok {
			return TagID{}, fmt.Errorf("%w: byte %d %q", ErrInvalidTagID, i, part)
		}
		out[i] = hi<<4 | lo
	}
	return out, nil
}

func upperHex(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	default:
		return 0, false
	}
}
