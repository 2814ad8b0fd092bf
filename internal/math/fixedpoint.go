// internal/math/fixedpoint.go
package math

import (
	"errors"
	"fmt"
	"math/bits"

	"github.com/holiman/uint256"
)

const (
	// PriceDecimals1e8 is the precision of every canonical price.
	PriceDecimals1e8 = 8
	// USDDecimals is the precision of every canonical USD amount.
	USDDecimals = 18
	// BpsDenominator is 100% in basis points.
	BpsDenominator = 10_000

	// MaxVenueDecimals bounds size and settlement decimals so that any
	// uint64 raw amount scaled by 10^diff fits in 256 bits.
	MaxVenueDecimals = 36
)

var (
	ErrOverflow  = errors.New("fixed-point overflow")
	ErrZeroPrice = errors.New("zero price")
)

// RoundingMode selects how a division remainder is handled.
type RoundingMode int

const (
	RoundDown RoundingMode = iota // Floor toward zero
	RoundUp                       // Ceiling away from zero
)

// pow10Table[i] == 10^i. 10^77 is the largest power of ten below 2^256.
var pow10Table [78]uint256.Int

func init() {
	pow10Table[0].SetOne()
	ten := uint256.NewInt(10)
	for i := 1; i < len(pow10Table); i++ {
		pow10Table[i].Mul(&pow10Table[i-1], ten)
	}
}

// Pow10 returns a fresh copy of 10^n. Panics for n > 77.
func Pow10(n uint) *uint256.Int {
	if n >= uint(len(pow10Table)) {
		panic(fmt.Sprintf("FATAL: 10^%d does not fit in 256 bits", n))
	}
	return new(uint256.Int).Set(&pow10Table[n])
}

// AssetDecimalProfile is the venue's decimal convention for one token.
type AssetDecimalProfile struct {
	SizeDecimals       uint8 // precision of order sizes and spot balances
	SettlementDecimals uint8 // precision of custody balances (wei)
}

// PriceDecimals is the number of fractional digits in a raw venue price tick.
// The tick is scaled by 10^(8 - PriceDecimals) to reach 1e8.
func (p AssetDecimalProfile) PriceDecimals() uint8 {
	if p.SizeDecimals >= PriceDecimals1e8 {
		return 0
	}
	return PriceDecimals1e8 - p.SizeDecimals
}

// Validate checks the decimal bounds every conversion in this package relies on.
func (p AssetDecimalProfile) Validate() error {
	if p.SizeDecimals > MaxVenueDecimals {
		return fmt.Errorf("size_decimals must be <= %d, got %d", MaxVenueDecimals, p.SizeDecimals)
	}
	if p.SettlementDecimals > MaxVenueDecimals {
		return fmt.Errorf("settlement_decimals must be <= %d, got %d", MaxVenueDecimals, p.SettlementDecimals)
	}
	return nil
}

// ToSettlementUnits converts a balance in size decimals to settlement decimals.
// Division truncates toward zero. The profile must pass Validate.
func ToSettlementUnits(raw uint64, p AssetDecimalProfile) *uint256.Int {
	out := uint256.NewInt(raw)
	switch {
	case p.SettlementDecimals > p.SizeDecimals:
		out.Mul(out, &pow10Table[p.SettlementDecimals-p.SizeDecimals])
	case p.SettlementDecimals < p.SizeDecimals:
		out.Div(out, &pow10Table[p.SizeDecimals-p.SettlementDecimals])
	}
	return out
}

// FromSettlementUnits is the inverse of ToSettlementUnits (floor).
func FromSettlementUnits(settle *uint256.Int, p AssetDecimalProfile) (uint64, error) {
	out := new(uint256.Int).Set(settle)
	switch {
	case p.SettlementDecimals > p.SizeDecimals:
		out.Div(out, &pow10Table[p.SettlementDecimals-p.SizeDecimals])
	case p.SettlementDecimals < p.SizeDecimals:
		if _, overflow := out.MulOverflow(out, &pow10Table[p.SizeDecimals-p.SettlementDecimals]); overflow {
			return 0, ErrOverflow
		}
	}
	if !out.IsUint64() {
		return 0, fmt.Errorf("%w: %s size units", ErrOverflow, out.Dec())
	}
	return out.Uint64(), nil
}

// ToCanonicalPrice scales a raw venue price tick to 1e8 precision. A raw tick
// carries PriceDecimals() fractional digits, so the factor is
// 10^(8 - PriceDecimals()).
func ToCanonicalPrice(rawTick uint64, p AssetDecimalProfile) (uint64, error) {
	exp := PriceDecimals1e8 - p.PriceDecimals()
	hi, lo := bits.Mul64(rawTick, pow10Table[exp].Uint64())
	if hi != 0 {
		return 0, fmt.Errorf("%w: raw tick %d * 10^%d", ErrOverflow, rawTick, exp)
	}
	return lo, nil
}

// ToOrderSize converts a USD 1e18 magnitude to an order size in size decimals:
// |usd| * 10^sizeDecimals / (px1e8 * 1e10), floored. A zero result means the
// amount is below one size unit.
func ToOrderSize(usd1e18 *uint256.Int, px1e8 uint64, sizeDecimals uint8) (uint64, error) {
	if px1e8 == 0 {
		return 0, ErrZeroPrice
	}
	num, overflow := new(uint256.Int).MulOverflow(usd1e18, &pow10Table[sizeDecimals])
	if overflow {
		return 0, ErrOverflow
	}
	den := new(uint256.Int).Mul(uint256.NewInt(px1e8), &pow10Table[USDDecimals-PriceDecimals1e8])
	size := num.Div(num, den)
	if !size.IsUint64() {
		return 0, fmt.Errorf("%w: order size %s", ErrOverflow, size.Dec())
	}
	return size.Uint64(), nil
}

// PositionUsd1e18 values a settlement-unit balance at a 1e8 price:
// bal * px * 10^(18 - settle - 8), or divided by 10^(settle + 8 - 18).
func PositionUsd1e18(balSettle *uint256.Int, px1e8 uint64, settlementDecimals uint8) (*uint256.Int, error) {
	v, overflow := new(uint256.Int).MulOverflow(balSettle, uint256.NewInt(px1e8))
	if overflow {
		return nil, ErrOverflow
	}
	scale := int(settlementDecimals) + PriceDecimals1e8
	if scale <= USDDecimals {
		if _, overflow := v.MulOverflow(v, &pow10Table[USDDecimals-scale]); overflow {
			return nil, ErrOverflow
		}
		return v, nil
	}
	return v.Div(v, &pow10Table[scale-USDDecimals]), nil
}

// SettlementUnitsForUsd is the floor inverse of PositionUsd1e18: the largest
// balance whose value does not exceed usd1e18.
func SettlementUnitsForUsd(usd1e18 *uint256.Int, px1e8 uint64, settlementDecimals uint8) (*uint256.Int, error) {
	if px1e8 == 0 {
		return nil, ErrZeroPrice
	}
	px := uint256.NewInt(px1e8)
	scale := int(settlementDecimals) + PriceDecimals1e8
	if scale <= USDDecimals {
		den, overflow := new(uint256.Int).MulOverflow(px, &pow10Table[USDDecimals-scale])
		if overflow {
			return nil, ErrOverflow
		}
		return new(uint256.Int).Div(usd1e18, den), nil
	}
	out, overflow := new(uint256.Int).MulDivOverflow(usd1e18, &pow10Table[scale-USDDecimals], px)
	if overflow {
		return nil, ErrOverflow
	}
	return out, nil
}

// MulDiv returns x * y / d with a 512-bit intermediate.
func MulDiv(x, y, d *uint256.Int, mode RoundingMode) (*uint256.Int, error) {
	if d.IsZero() {
		return nil, errors.New("division by zero")
	}
	out, overflow := new(uint256.Int).MulDivOverflow(x, y, d)
	if overflow {
		return nil, ErrOverflow
	}
	if mode == RoundUp {
		rem := new(uint256.Int).MulMod(x, y, d)
		if !rem.IsZero() {
			if _, overflow := out.AddOverflow(out, uint256.NewInt(1)); overflow {
				return nil, ErrOverflow
			}
		}
	}
	return out, nil
}

// ApplyBps returns x * bps / 10000, floored.
func ApplyBps(x *uint256.Int, bps uint64) *uint256.Int {
	out, _ := new(uint256.Int).MulDivOverflow(x, uint256.NewInt(bps), uint256.NewInt(BpsDenominator))
	return out
}

// AdjustPriceBps moves a 1e8 price up (buy) or down (sell) by bps, floored.
func AdjustPriceBps(px1e8 uint64, bps uint64, up bool) (uint64, error) {
	factor := uint64(BpsDenominator) + bps
	if !up {
		if bps >= BpsDenominator {
			return 0, nil
		}
		factor = BpsDenominator - bps
	}
	hi, lo := bits.Mul64(px1e8, factor)
	if hi >= BpsDenominator {
		return 0, ErrOverflow
	}
	q, _ := bits.Div64(hi, lo, BpsDenominator)
	return q, nil
}

// QuantizePrice rounds a 1e8 price to at most PriceDecimals() fractional
// digits, i.e. to a multiple of 10^(8 - PriceDecimals()).
func QuantizePrice(px1e8 uint64, sizeDecimals uint8, mode RoundingMode) (uint64, error) {
	p := AssetDecimalProfile{SizeDecimals: sizeDecimals}
	step := pow10Table[PriceDecimals1e8-p.PriceDecimals()].Uint64()
	rem := px1e8 % step
	if rem == 0 {
		return px1e8, nil
	}
	if mode == RoundDown {
		return px1e8 - rem, nil
	}
	out, carry := bits.Add64(px1e8-rem, step, 0)
	if carry != 0 {
		return 0, ErrOverflow
	}
	return out, nil
}
