package model

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// PriceRatio is the upstream exact price fraction.
type PriceRatio struct {
	N int64 `json:"n"`
	D int64 `json:"d"`
}

// RawOffer mirrors one record of the ledger-data API offers collection.
// Asset values stay untyped until Normalize inspects their discriminant.
type RawOffer struct {
	ID                 string      `json:"id"`
	PagingToken        string      `json:"paging_token"`
	Seller             string      `json:"seller"`
	Selling            any         `json:"selling"`
	Buying             any         `json:"buying"`
	Amount             string      `json:"amount"`
	PriceR             *PriceRatio `json:"price_r,omitempty"`
	Price              string      `json:"price"`
	LastModifiedLedger uint64      `json:"last_modified_ledger"`

	// DecodeErr is set by DecodeRawOffer when the record did not fit the
	// shape above. Normalize reports it before any field check.
	DecodeErr error `json:"-"`
}

// DecodeRawOffer decodes one upstream record. It never fails: a record that
// does not fit RawOffer comes back with DecodeErr set and whatever id and
// paging token could be recovered, so the caller can skip it and still page
// past it.
func DecodeRawOffer(data []byte) RawOffer {
	var raw RawOffer
	err := json.Unmarshal(data, &raw)
	if err == nil {
		return raw
	}

	var keys struct {
		ID          json.RawMessage `json:"id"`
		PagingToken json.RawMessage `json:"paging_token"`
	}
	_ = json.Unmarshal(data, &keys)
	return RawOffer{
		ID:          scalarText(keys.ID),
		PagingToken: scalarText(keys.PagingToken),
		DecodeErr:   &NormalizationError{Kind: MalformedRecord, Value: err.Error()},
	}
}

// scalarText renders a JSON string or number as text, anything else as "".
func scalarText(v json.RawMessage) string {
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(v, &n); err == nil {
		return n.String()
	}
	return ""
}

// Offer is the canonical exchange order record. Values are immutable once
// built; use WithLastModifiedTime to derive a backfilled copy.
type Offer struct {
	ID                 uint64
	Seller             string
	Selling            Asset
	Buying             Asset
	Amount             string
	Price              string
	PriceN             int32
	PriceD             int32
	LastModifiedLedger uint64
	LastModifiedTime   *time.Time
}

// Normalize converts one raw record into an Offer. Validation runs in a fixed
// order (id, selling, buying, price fraction) so the first violation is the
// one reported. No partial Offer is ever returned.
func Normalize(raw RawOffer) (Offer, error) {
	if raw.DecodeErr != nil {
		return Offer{}, raw.DecodeErr
	}

	id, err := strconv.ParseUint(raw.ID, 10, 64)
	if err != nil {
		return Offer{}, &NormalizationError{Kind: InvalidID, Value: raw.ID}
	}

	selling, err := ParseAsset(raw.Selling)
	if err != nil {
		return Offer{}, err
	}
	buying, err := ParseAsset(raw.Buying)
	if err != nil {
		return Offer{}, err
	}

	priceN, priceD, err := priceFraction(raw.PriceR)
	if err != nil {
		return Offer{}, err
	}

	return Offer{
		ID:                 id,
		Seller:             raw.Seller,
		Selling:            selling,
		Buying:             buying,
		Amount:             raw.Amount,
		Price:              raw.Price,
		PriceN:             priceN,
		PriceD:             priceD,
		LastModifiedLedger: raw.LastModifiedLedger,
	}, nil
}

// An absent fraction is legitimate and maps to 0/1.
func priceFraction(r *PriceRatio) (int32, int32, error) {
	if r == nil {
		return 0, 1, nil
	}
	if r.N < math.MinInt32 || r.N > math.MaxInt32 || r.D < math.MinInt32 || r.D > math.MaxInt32 {
		return 0, 0, &NormalizationError{Kind: PriceOutOfRange, Value: fmt.Sprintf("%d/%d", r.N, r.D)}
	}
	return int32(r.N), int32(r.D), nil
}

// WithLastModifiedTime returns a copy of o carrying the ledger close time.
func (o Offer) WithLastModifiedTime(t time.Time) Offer {
	ts := t.UTC()
	o.LastModifiedTime = &ts
	return o
}

// PriceDecimal returns the exact fraction as a decimal, falling back to the
// upstream price string when no fraction was supplied.
func (o Offer) PriceDecimal() decimal.Decimal {
	if o.PriceD != 0 && o.PriceN != 0 {
		return decimal.NewFromInt32(o.PriceN).DivRound(decimal.NewFromInt32(o.PriceD), 7)
	}
	if d, err := decimal.NewFromString(o.Price); err == nil {
		return d
	}
	return decimal.Zero
}

// Equal compares two offers field by field, including the optional time.
func (o Offer) Equal(other Offer) bool {
	if o.LastModifiedTime == nil || other.LastModifiedTime == nil {
		if o.LastModifiedTime != other.LastModifiedTime {
			return false
		}
	} else if !o.LastModifiedTime.Equal(*other.LastModifiedTime) {
		return false
	}
	return o.ID == other.ID &&
		o.Seller == other.Seller &&
		o.Selling.Equal(other.Selling) &&
		o.Buying.Equal(other.Buying) &&
		o.Amount == other.Amount &&
		o.Price == other.Price &&
		o.PriceN == other.PriceN &&
		o.PriceD == other.PriceD &&
		o.LastModifiedLedger == other.LastModifiedLedger
}
