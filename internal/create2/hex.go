package create2

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidHex    = errors.New("create2: invalid hex")
	ErrInvalidLength = errors.New("create2: invalid length")
)

// ParseAddress decodes a 20-byte value. The 0x prefix is optional; any other
// decoded length is rejected.
func ParseAddress(s string) ([20]byte, error) {
	var out [20]byte
	if err := parseFixed(s, out[:]); err != nil {
		return [20]byte{}, err
	}
	return out, nil
}

// ParseBytes32 decodes a 32-byte value with the same rules as ParseAddress.
func ParseBytes32(s string) ([32]byte, error) {
	var out [32]byte
	if err := parseFixed(s, out[:]); err != nil {
		return [32]byte{}, err
	}
	return out, nil
}

// FormatAddress renders 0x-prefixed lowercase hex.
func FormatAddress(a [20]byte) string {
	return "0x" + hex.EncodeToString(a[:])
}

// FormatBytes32 renders 0x-prefixed lowercase hex.
func FormatBytes32(b [32]byte) string {
	return "0x" + hex.EncodeToString(b[:])
}

func parseFixed(s string, dst []byte) error {
	raw := strings.TrimSpace(s)
	if strings.HasPrefix(raw, "0x") || strings.HasPrefix(raw, "0X") {
		raw = raw[2:]
	}
	b, err := hex.DecodeString(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidHex, err)
	}
	if len(b) != len(dst) {
		return fmt.Errorf("%w: got %d bytes want %d", ErrInvalidLength, len(b), len(dst))
	}
	copy(dst, b)
	return nil
}
