package ledger

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Address identifies an account on the ledger (20 bytes, hex-encoded with a
// 0x prefix in wire formats and logs).
type Address [20]byte

// ZeroAddress is the invalid destination sentinel.
var ZeroAddress Address

// ParseAddress decodes a 0x-prefixed hex address.
func ParseAddress(s string) (Address, error) {
	var a Address
	s = strings.TrimPrefix(strings.ToLower(s), "0x")
	if len(s) != 40 {
		return a, fmt.Errorf("parse address %q: want 40 hex chars, got %d", s, len(s))
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return a, fmt.Errorf("parse address %q: %w", s, err)
	}
	copy(a[:], raw)
	return a, nil
}

func (a Address) String() string {
	return "0x" + hex.EncodeToString(a[:])
}

// IsZero reports whether the address is the zero sentinel.
func (a Address) IsZero() bool {
	return a == ZeroAddress
}
