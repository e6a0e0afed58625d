package market

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// AddressLength is the number of bytes in an Address.
const AddressLength = 20

// Address identifies an account, a token or an item contract.
// The zero Address means "none".
type Address [AddressLength]byte

// ZeroAddress is the null sentinel.
var ZeroAddress Address

// ParseAddress parses a hex encoded address, with or without the 0x prefix.
func ParseAddress(s string) (Address, error) {
	var a Address
	h := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "0x"), "0X")
	if len(h) != AddressLength*2 {
		return a, fmt.Errorf("%w: address %q must have %d hex characters", ErrInvalidInput, s, AddressLength*2)
	}
	if _, err := hex.Decode(a[:], []byte(h)); err != nil {
		return a, fmt.Errorf("%w: address %q: %v", ErrInvalidInput, s, err)
	}
	return a, nil
}

// MustParseAddress is like ParseAddress but panics on error.
func MustParseAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

// IsZero returns true for the null sentinel.
func (a Address) IsZero() bool {
	return a == ZeroAddress
}

// String returns the 0x prefixed hex encoding.
func (a Address) String() string {
	return "0x" + hex.EncodeToString(a[:])
}

// MarshalText implements encoding.TextMarshaler.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
