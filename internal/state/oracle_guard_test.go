package state_test

import (
	"IndexVault/internal/event"
	"IndexVault/internal/state"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOracleGuard_FirstReadingInitializes(t *testing.T) {
	g := state.NewOracleGuard(500)
	assert.NoError(t, g.Check("HYPE", 5_000_000_000))

	_, ok := g.Last("HYPE")
	assert.False(t, ok, "Check must not record")
}

func TestOracleGuard_Bounds(t *testing.T) {
	g := state.NewOracleGuard(500)
	g.Record("HYPE", 5_000_000_000)

	assert.NoError(t, g.Check("HYPE", 5_250_000_000), "exactly 5% is allowed")
	assert.NoError(t, g.Check("HYPE", 4_750_000_000))

	err := g.Check("HYPE", 5_260_000_000)
	require.Error(t, err)
	assert.True(t, errors.Is(err, event.ErrOracleDeviation))

	var dev *event.OracleDeviationError
	require.True(t, errors.As(err, &dev))
	assert.Equal(t, uint64(520), dev.DeviationBps)
	assert.Equal(t, uint64(5_000_000_000), dev.LastPx1e8)

	err = g.Check("HYPE", 4_700_000_000)
	require.True(t, errors.As(err, &dev))
	assert.Equal(t, uint64(600), dev.DeviationBps)
}

func TestOracleGuard_Disabled(t *testing.T) {
	g := state.NewOracleGuard(0)
	g.Record("HYPE", 5_000_000_000)
	assert.NoError(t, g.Check("HYPE", 50_000_000_000))
}

func TestOracleGuard_CheckReadingsReportsFirstTrip(t *testing.T) {
	g := state.NewOracleGuard(100)
	g.Record("BTC", 4_500_000_000_000)
	g.Record("HYPE", 5_000_000_000)

	readings := []state.AssetReading{
		{Asset: state.AssetParams{Name: "BTC"}, OraclePx1e8: 4_501_000_000_000},
		{Asset: state.AssetParams{Name: "HYPE"}, OraclePx1e8: 6_000_000_000},
	}
	err := g.CheckReadings(readings)
	var dev *event.OracleDeviationError
	require.True(t, errors.As(err, &dev))
	assert.Equal(t, "HYPE", dev.Asset)

	g.RecordReadings(readings)
	assert.NoError(t, g.CheckReadings(readings))
}

func TestOracleGuard_SnapshotRestore(t *testing.T) {
	g := state.NewOracleGuard(500)
	g.Record("HYPE", 5_000_000_000)
	g.Record("BTC", 4_500_000_000_000)

	restored := state.NewOracleGuard(500)
	restored.Restore(g.Snapshot())
	assert.Equal(t, g.CanonicalBytes(), restored.CanonicalBytes())

	clone := g.Clone()
	clone.Record("HYPE", 1)
	px, _ := g.Last("HYPE")
	assert.Equal(t, uint64(5_000_000_000), px)
}
