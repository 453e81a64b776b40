package model

import (
	"errors"
	"fmt"
)

// ErrorKind classifies why a raw record could not be normalized.
type ErrorKind int

const (
	InvalidID ErrorKind = iota + 1
	MissingField
	UnknownAssetType
	PriceOutOfRange
	MalformedRecord
)

func (k ErrorKind) String() string {
	switch k {
	case InvalidID:
		return "invalid_id"
	case MissingField:
		return "missing_field"
	case UnknownAssetType:
		return "unknown_asset_type"
	case PriceOutOfRange:
		return "price_out_of_range"
	case MalformedRecord:
		return "malformed_record"
	default:
		return "unknown"
	}
}

var (
	ErrInvalidID        = errors.New("invalid offer id")
	ErrMissingField     = errors.New("missing field")
	ErrUnknownAssetType = errors.New("unknown asset type")
	ErrPriceOutOfRange  = errors.New("price fraction out of range")
	ErrMalformedRecord  = errors.New("malformed record")
)

// NormalizationError is returned for a single offending raw record. It is
// always recoverable: callers skip the record and continue.
type NormalizationError struct {
	Kind ErrorKind
	// Value holds the offending id, the missing field name, the unknown
	// asset type, the overflowing price component or the decode failure.
	Value string
}

func (e *NormalizationError) Error() string {
	switch e.Kind {
	case InvalidID:
		return fmt.Sprintf("invalid offer id: %q", e.Value)
	case MissingField:
		return fmt.Sprintf("missing field: %s", e.Value)
	case UnknownAssetType:
		return fmt.Sprintf("unknown asset_type: %s", e.Value)
	case PriceOutOfRange:
		return fmt.Sprintf("price fraction out of int32 range: %s", e.Value)
	case MalformedRecord:
		return fmt.Sprintf("malformed record: %s", e.Value)
	default:
		return "normalization failed"
	}
}

func (e *NormalizationError) Unwrap() error {
	switch e.Kind {
	case InvalidID:
		return ErrInvalidID
	case MissingField:
		return ErrMissingField
	case UnknownAssetType:
		return ErrUnknownAssetType
	case PriceOutOfRange:
		return ErrPriceOutOfRange
	case MalformedRecord:
		return ErrMalformedRecord
	default:
		return nil
	}
}

func missingField(name string) error {
	return &NormalizationError{Kind: MissingField, Value: name}
}
