package state_test

import (
	fpmath "IndexVault/internal/math"
	"IndexVault/internal/state"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var usd = fpmath.MustParseUsd

func TestTargetPerAssetUsd(t *testing.T) {
	// 100 equity, 10% reserve, two assets -> 45 each
	got := state.TargetPerAssetUsd(usd("100"), 1_000, 2)
	assert.True(t, got.Eq(usd("45")), "got %s", got.Dec())

	assert.True(t, state.TargetPerAssetUsd(usd("100"), 1_000, 0).IsZero())
}

func TestComputeDeltas_SignsAndDeadband(t *testing.T) {
	equity := usd("100")

	deltas := state.ComputeDeltas(equity, []*uint256.Int{usd("50"), usd("40")}, 1_000, 50)
	require.Len(t, deltas, 2)

	assert.True(t, deltas[0].Negative)
	assert.True(t, deltas[0].Amount.Eq(usd("5")))
	assert.False(t, deltas[0].IsBuy())

	assert.False(t, deltas[1].Negative)
	assert.True(t, deltas[1].Amount.Eq(usd("5")))
	assert.True(t, deltas[1].IsBuy())
	assert.Equal(t, "5", deltas[1].String())
	assert.Equal(t, "-5", deltas[0].String())
}

func TestComputeDeltas_DeadbandIsPerAsset(t *testing.T) {
	// threshold = 0.5; first asset is 0.3 over target, second is 5 under
	deltas := state.ComputeDeltas(usd("100"), []*uint256.Int{usd("45.3"), usd("40")}, 1_000, 50)

	assert.True(t, deltas[0].IsZero(), "inside deadband must be zeroed")
	assert.False(t, deltas[1].IsZero(), "outside deadband must trade")
	assert.True(t, state.AnyNonZero(deltas))
}

func TestComputeDeltas_DeadbandIdempotence(t *testing.T) {
	one := uint256.NewInt(1)
	for _, eq := range []string{"1", "100", "12345.678", "1000000000"} {
		equity := usd(eq)
		target := state.TargetPerAssetUsd(equity, 1_000, 2)
		threshold := state.DeadbandThreshold(equity, 50)
		require.False(t, threshold.IsZero())

		justInside := new(uint256.Int).Sub(threshold, one)
		above := new(uint256.Int).Add(target, justInside)
		below := new(uint256.Int).Sub(target, justInside)

		for _, positions := range [][]*uint256.Int{
			{target, target},
			{above, below},
			{below, above},
			{above, above},
		} {
			deltas := state.ComputeDeltas(equity, positions, 1_000, 50)
			assert.False(t, state.AnyNonZero(deltas), "equity %s: expected no trade", eq)
		}
	}
}

func TestComputeDeltas_ExactlyAtThresholdTrades(t *testing.T) {
	equity := usd("100")
	threshold := state.DeadbandThreshold(equity, 50)
	pos := new(uint256.Int).Sub(usd("45"), threshold)

	deltas := state.ComputeDeltas(equity, []*uint256.Int{pos, usd("45")}, 1_000, 50)
	assert.True(t, deltas[0].IsBuy())
	assert.True(t, deltas[1].IsZero())
}

func TestSubSigned(t *testing.T) {
	d := state.SubSigned(usd("3"), usd("5"))
	assert.True(t, d.Negative)
	assert.Equal(t, "-2000000000000000000", d.Dec())

	d = state.SubSigned(usd("5"), usd("5"))
	assert.True(t, d.IsZero())
	assert.Equal(t, "0", d.Dec())
}
