package math

import (
	"fmt"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// ParseUsd parses a human decimal USD string ("1250.5") into USD 1e18 units.
func ParseUsd(s string) (*uint256.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("parse usd %q: %w", s, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("parse usd %q: negative amount", s)
	}
	scaled := d.Shift(USDDecimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("parse usd %q: more than %d fractional digits", s, USDDecimals)
	}
	out, overflow := uint256.FromBig(scaled.BigInt())
	if overflow {
		return nil, fmt.Errorf("parse usd %q: %w", s, ErrOverflow)
	}
	return out, nil
}

// MustParseUsd is ParseUsd for constants and tests.
func MustParseUsd(s string) *uint256.Int {
	v, err := ParseUsd(s)
	if err != nil {
		panic(err)
	}
	return v
}

// FormatUsd renders USD 1e18 units as a decimal string ("25.5").
func FormatUsd(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v.ToBig(), -USDDecimals).String()
}

// FormatPrice renders a 1e8 canonical price as a decimal string.
func FormatPrice(px1e8 uint64) string {
	return decimal.NewFromBigInt(uint256.NewInt(px1e8).ToBig(), -PriceDecimals1e8).String()
}
