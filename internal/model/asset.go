package model

import (
	"fmt"
	"strings"
)

// AssetType is the discriminant carried by every upstream asset object.
type AssetType string

const (
	AssetNative           AssetType = "native"
	AssetCreditAlphanum4  AssetType = "credit_alphanum4"
	AssetCreditAlphanum12 AssetType = "credit_alphanum12"
)

// Asset is either the native unit or an issuer-backed credit token.
type Asset struct {
	Type   AssetType
	Code   string
	Issuer string
}

// NativeAsset returns the chain's native asset.
func NativeAsset() Asset {
	return Asset{Type: AssetNative}
}

// CreditAsset builds a credit asset of the given variant.
func CreditAsset(t AssetType, code, issuer string) Asset {
	return Asset{Type: t, Code: code, Issuer: issuer}
}

// IsNative reports whether a is the native asset.
func (a Asset) IsNative() bool {
	return a.Type == AssetNative
}

// Equal compares variant, code and issuer.
func (a Asset) Equal(other Asset) bool {
	return a == other
}

// String renders "native" or "CODE:ISSUER".
func (a Asset) String() string {
	if a.IsNative() {
		return string(AssetNative)
	}
	return fmt.Sprintf("%s:%s", a.Code, a.Issuer)
}

// ParseAsset converts an upstream asset object into an Asset. Only the three
// known variants are accepted; anything else is rejected. A value that is not
// an object has no asset_type.
func ParseAsset(v any) (Asset, error) {
	obj, _ := v.(map[string]any)
	assetType, ok := stringField(obj, "asset_type")
	if !ok {
		return Asset{}, missingField("asset_type")
	}

	switch t := AssetType(assetType); t {
	case AssetNative:
		return NativeAsset(), nil
	case AssetCreditAlphanum4, AssetCreditAlphanum12:
		code, ok := stringField(obj, "asset_code")
		if !ok || !validCodeLength(t, code) {
			return Asset{}, missingField("asset_code")
		}
		issuer, ok := stringField(obj, "asset_issuer")
		if !ok {
			return Asset{}, missingField("asset_issuer")
		}
		return CreditAsset(t, code, issuer), nil
	default:
		return Asset{}, &NormalizationError{Kind: UnknownAssetType, Value: assetType}
	}
}

// ParseAssetString is the inverse of String. The credit variant is chosen
// from the code length: up to 4 characters is alphanum4, up to 12 alphanum12.
func ParseAssetString(s string) (Asset, error) {
	if s == string(AssetNative) {
		return NativeAsset(), nil
	}
	code, issuer, ok := strings.Cut(s, ":")
	if !ok || code == "" || issuer == "" {
		return Asset{}, fmt.Errorf("asset %q: want \"native\" or CODE:ISSUER", s)
	}
	switch {
	case len(code) <= 4:
		return CreditAsset(AssetCreditAlphanum4, code, issuer), nil
	case len(code) <= 12:
		return CreditAsset(AssetCreditAlphanum12, code, issuer), nil
	default:
		return Asset{}, fmt.Errorf("asset %q: code longer than 12 characters", s)
	}
}

// validCodeLength holds credit codes to 1..4 or 1..12 characters by variant.
func validCodeLength(t AssetType, code string) bool {
	limit := 4
	if t == AssetCreditAlphanum12 {
		limit = 12
	}
	return code != "" && len(code) <= limit
}

func stringField(v map[string]any, key string) (string, bool) {
	raw, ok := v[key]
	if !ok {
		return "", false
	}
	s, ok := raw.(string)
	return s, ok
}
