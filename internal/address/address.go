// Package address validates the base58 account addresses used for deposits
// and commission payouts.
package address

import (
	"errors"
	"fmt"

	"filippo.io/edwards25519"
	"github.com/mr-tron/base58"
)

// Size is the byte length of a decoded address.
const Size = 32

var (
	// ErrInvalidEncoding means the string is not base58 or not Size bytes.
	ErrInvalidEncoding = errors.New("address: invalid encoding")
	// ErrOffCurve means the bytes are not an ed25519 public key and cannot sign.
	ErrOffCurve = errors.New("address: not on ed25519 curve")
)

// Decode returns the raw bytes of a base58 address.
func Decode(s string) ([Size]byte, error) {
	var out [Size]byte

	raw, err := base58.Decode(s)
	if err != nil {
		return out, fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
	}
	if len(raw) != Size {
		return out, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidEncoding, len(raw), Size)
	}
	copy(out[:], raw)
	return out, nil
}

// Encode returns the base58 form of b.
func Encode(b [Size]byte) string {
	return base58.Encode(b[:])
}

// IsOnCurve reports whether b is a valid compressed ed25519 point.
func IsOnCurve(b [Size]byte) bool {
	_, err := new(edwards25519.Point).SetBytes(b[:])
	return err == nil
}

// Validate checks that s is a wallet address able to receive and sign:
// 32 base58 bytes encoding an ed25519 point.
func Validate(s string) error {
	b, err := Decode(s)
	if err != nil {
		return err
	}
	if !IsOnCurve(b) {
		return ErrOffCurve
	}
	return nil
}
