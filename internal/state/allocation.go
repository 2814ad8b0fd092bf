package state

import (
	fpmath "IndexVault/internal/math"

	"github.com/holiman/uint256"
)

// Delta is a signed USD 1e18 amount: target minus current.
type Delta struct {
	Amount   *uint256.Int // magnitude
	Negative bool
}

// ZeroDelta is "no trade".
func ZeroDelta() Delta { return Delta{Amount: new(uint256.Int)} }

func (d Delta) IsZero() bool { return d.Amount == nil || d.Amount.IsZero() }

// IsBuy reports a positive, non-zero delta.
func (d Delta) IsBuy() bool { return !d.IsZero() && !d.Negative }

func (d Delta) String() string {
	if d.IsZero() {
		return "0"
	}
	if d.Negative {
		return "-" + fpmath.FormatUsd(d.Amount)
	}
	return fpmath.FormatUsd(d.Amount)
}

// Dec renders the signed raw 1e18 value.
func (d Delta) Dec() string {
	if d.IsZero() {
		return "0"
	}
	if d.Negative {
		return "-" + d.Amount.Dec()
	}
	return d.Amount.Dec()
}

// SubSigned returns a - b as a Delta.
func SubSigned(a, b *uint256.Int) Delta {
	if a.Lt(b) {
		return Delta{Amount: new(uint256.Int).Sub(b, a), Negative: true}
	}
	return Delta{Amount: new(uint256.Int).Sub(a, b)}
}

// TargetPerAssetUsd = equity * (10000 - reserveBps) / 10000 / n.
func TargetPerAssetUsd(equity *uint256.Int, reserveBps uint64, numRiskAssets int) *uint256.Int {
	if numRiskAssets == 0 {
		return new(uint256.Int)
	}
	risk := fpmath.ApplyBps(equity, fpmath.BpsDenominator-reserveBps)
	return risk.Div(risk, uint256.NewInt(uint64(numRiskAssets)))
}

// DeadbandThreshold = equity * deadbandBps / 10000.
func DeadbandThreshold(equity *uint256.Int, deadbandBps uint64) *uint256.Int {
	return fpmath.ApplyBps(equity, deadbandBps)
}

// ComputeDeltas returns one delta per position. Each asset is filtered by the
// deadband independently: |delta| below the threshold becomes zero.
func ComputeDeltas(equity *uint256.Int, positions []*uint256.Int, reserveBps, deadbandBps uint64) []Delta {
	target := TargetPerAssetUsd(equity, reserveBps, len(positions))
	threshold := DeadbandThreshold(equity, deadbandBps)

	deltas := make([]Delta, len(positions))
	for i, pos := range positions {
		d := SubSigned(target, pos)
		if d.Amount.Lt(threshold) {
			d = ZeroDelta()
		}
		deltas[i] = d
	}
	return deltas
}

// AnyNonZero is the trade decision after the deadband filter.
func AnyNonZero(deltas []Delta) bool {
	for _, d := range deltas {
		if !d.IsZero() {
			return true
		}
	}
	return false
}
