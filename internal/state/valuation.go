package state

import (
	"IndexVault/internal/event"
	fpmath "IndexVault/internal/math"
	"IndexVault/internal/pricing"
	"fmt"

	"github.com/holiman/uint256"
)

// CashPrice1e8 is the fixed price of the venue cash token.
const CashPrice1e8 uint64 = 100_000_000

// AssetReading is one asset's venue state as read at the start of an operation.
// RawBalance is still in size decimals: Value converts it exactly once.
type AssetReading struct {
	Asset       AssetParams
	Profile     fpmath.AssetDecimalProfile
	RawBalance  uint64
	Hold        uint64 // part of RawBalance locked by resting orders
	OraclePx1e8 uint64
	Book        pricing.Book
}

// Free is the balance an order may sell, in size decimals.
func (r AssetReading) Free() uint64 {
	if r.Hold >= r.RawBalance {
		return 0
	}
	return r.RawBalance - r.Hold
}

// CashReading is the vault's cash token balance on the venue.
type CashReading struct {
	TokenID    uint32
	Profile    fpmath.AssetDecimalProfile
	RawBalance uint64
}

// Valuation is a full recomputation of vault equity. Positions align with the
// readings passed to Value.
type Valuation struct {
	LocalCashUsd1e18 *uint256.Int
	VenueCashUsd1e18 *uint256.Int
	Positions        []*uint256.Int
	EquityUsd1e18    *uint256.Int
}

// CashUsd1e18 is local plus venue cash.
func (v *Valuation) CashUsd1e18() *uint256.Int {
	return new(uint256.Int).Add(v.LocalCashUsd1e18, v.VenueCashUsd1e18)
}

// RiskUsd1e18 is the sum of all risk positions.
func (v *Valuation) RiskUsd1e18() *uint256.Int {
	sum := new(uint256.Int)
	for _, p := range v.Positions {
		sum.Add(sum, p)
	}
	return sum
}

// Value converts each reading to settlement units, prices it at the oracle and
// sums everything with local and venue cash.
func Value(localCash *uint256.Int, cash CashReading, readings []AssetReading) (*Valuation, error) {
	venueCash, err := PositionOf(cash.RawBalance, cash.Profile, CashPrice1e8)
	if err != nil {
		return nil, &event.ScaleError{Asset: "cash", Value: cash.RawBalance, Reason: "cash valuation", Err: err}
	}

	v := &Valuation{
		LocalCashUsd1e18: localCash.Clone(),
		VenueCashUsd1e18: venueCash,
		Positions:        make([]*uint256.Int, len(readings)),
	}

	equity := new(uint256.Int).Add(v.LocalCashUsd1e18, venueCash)
	for i, r := range readings {
		pos, err := PositionOf(r.RawBalance, r.Profile, r.OraclePx1e8)
		if err != nil {
			return nil, &event.ScaleError{Asset: r.Asset.Name, Value: r.RawBalance, Reason: "position valuation", Err: err}
		}
		v.Positions[i] = pos
		if _, overflow := equity.AddOverflow(equity, pos); overflow {
			return nil, &event.ScaleError{Asset: r.Asset.Name, Reason: "equity overflow", Err: fpmath.ErrOverflow}
		}
	}
	v.EquityUsd1e18 = equity
	return v, nil
}

// PositionOf values a raw size-decimal balance at px1e8.
func PositionOf(rawBalance uint64, profile fpmath.AssetDecimalProfile, px1e8 uint64) (*uint256.Int, error) {
	settle := fpmath.ToSettlementUnits(rawBalance, profile)
	pos, err := fpmath.PositionUsd1e18(settle, px1e8, profile.SettlementDecimals)
	if err != nil {
		return nil, fmt.Errorf("balance %d at %d: %w", rawBalance, px1e8, err)
	}
	return pos, nil
}
