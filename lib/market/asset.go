package market

import (
	"errors"
	"fmt"
	"strings"
)

// NativeDecimals is the number of decimals of the native currency.
const NativeDecimals int32 = 18

// AssetKind tags the variant of an Asset.
type AssetKind int

const (
	// AssetKindNative is the native currency.
	AssetKindNative AssetKind = iota
	// AssetKindToken is a fungible token identified by its address.
	AssetKindToken
)

var assetKindStrings = map[AssetKind]string{
	AssetKindNative: "native",
	AssetKindToken:  "token",
}

// String returns a string-encoded asset kind.
func (k AssetKind) String() string {
	if s, exists := assetKindStrings[k]; exists {
		return s
	}
	return "invalid"
}

// Asset is a payment asset: the native currency or a token.
type Asset struct {
	Kind  AssetKind
	Token Address
}

// NativeAsset returns the native currency asset.
func NativeAsset() Asset {
	return Asset{Kind: AssetKindNative}
}

// TokenAsset returns the token asset at address.
func TokenAsset(token Address) Asset {
	return Asset{Kind: AssetKindToken, Token: token}
}

// ParseAsset parses "native" or a token address.
func ParseAsset(s string) (Asset, error) {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, AssetKindNative.String()) {
		return NativeAsset(), nil
	}
	token, err := ParseAddress(s)
	if err != nil {
		return Asset{}, err
	}
	a := TokenAsset(token)
	if err := a.Validate(); err != nil {
		return Asset{}, err
	}
	return a, nil
}

// IsNative returns true for the native currency.
func (a Asset) IsNative() bool {
	return a.Kind == AssetKindNative
}

// Validate checks the asset is a well formed variant.
func (a Asset) Validate() error {
	switch a.Kind {
	case AssetKindNative:
		if !a.Token.IsZero() {
			return fmt.Errorf("%w: native asset cannot carry a token address", ErrInvalidInput)
		}
	case AssetKindToken:
		if a.Token.IsZero() {
			return fmt.Errorf("%w: token address is empty", ErrInvalidInput)
		}
	default:
		return fmt.Errorf("%w: unknown asset kind %d", ErrInvalidInput, a.Kind)
	}
	return nil
}

// String returns "native" or the token address.
func (a Asset) String() string {
	if a.IsNative() {
		return AssetKindNative.String()
	}
	return a.Token.String()
}

// MarshalText implements encoding.TextMarshaler.
func (a Asset) MarshalText() ([]byte, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Asset) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		return errors.New("empty asset")
	}
	parsed, err := ParseAsset(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
