package state_test

import (
	"IndexVault/internal/event"
	fpmath "IndexVault/internal/math"
	"IndexVault/internal/pricing"
	"IndexVault/internal/state"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hypeReading() state.AssetReading {
	return state.AssetReading{
		Asset:       state.AssetParams{Name: "HYPE", TokenID: 2, SpotAssetID: 10002},
		Profile:     fpmath.AssetDecimalProfile{SizeDecimals: 2, SettlementDecimals: 8},
		RawBalance:  1_000,
		OraclePx1e8: 4_995_000_000,
		Book:        pricing.Book{Bid: 4_990_000_000, Ask: 5_000_000_000},
	}
}

func buy(amount string) state.Delta  { return state.Delta{Amount: usd(amount)} }
func sell(amount string) state.Delta { return state.Delta{Amount: usd(amount), Negative: true} }

func TestBuildOrder_Buy(t *testing.T) {
	params := state.DefaultVaultParams.Clone()
	cloid := uuid.New()

	order, err := state.BuildOrder(hypeReading(), buy("25"), params, cloid)
	require.NoError(t, err)

	assert.True(t, order.IsBuy)
	assert.Equal(t, uint32(10002), order.SpotAssetID)
	assert.Equal(t, uint64(5_005_000_000), order.LimitPrice1e8)
	// 25 / 50.05 = 49.95 -> 49 at two size decimals
	assert.Equal(t, uint64(49), order.Size)
	assert.Equal(t, "Ioc", order.TimeInForce)
	assert.Equal(t, cloid, order.ClientOrderID)
	assert.Equal(t, pricing.SourceBook, order.PriceSource)
	assert.Equal(t, "2452450000", order.Notional1e8(2).Dec())
}

func TestBuildOrder_SellUsesBid(t *testing.T) {
	order, err := state.BuildOrder(hypeReading(), sell("25"), state.DefaultVaultParams.Clone(), uuid.Nil)
	require.NoError(t, err)

	assert.False(t, order.IsBuy)
	assert.Equal(t, uint64(4_985_010_000), order.LimitPrice1e8)
	assert.Equal(t, uint64(50), order.Size)
	assert.NotEqual(t, uuid.Nil, order.ClientOrderID, "nil id is replaced")
}

func TestBuildOrder_SellCappedAtBalance(t *testing.T) {
	// 600 USD at the bid is 12.03 HYPE, the vault holds 10
	order, err := state.BuildOrder(hypeReading(), sell("600"), state.DefaultVaultParams.Clone(), uuid.Nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000), order.Size)
	assert.Equal(t, "49850100000", order.Notional1e8(2).Dec())
}

func TestBuildOrder_SellSkipsHeldBalance(t *testing.T) {
	r := hypeReading()
	r.Hold = 600

	order, err := state.BuildOrder(r, sell("600"), state.DefaultVaultParams.Clone(), uuid.Nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(400), order.Size)

	r.Hold = 1_000
	_, err = state.BuildOrder(r, sell("25"), state.DefaultVaultParams.Clone(), uuid.Nil)
	var sup *state.SuppressedError
	require.True(t, errors.As(err, &sup))
	assert.Equal(t, event.SuppressNoFreeBalance, sup.Reason)
}

func TestBuildOrder_CappedSellRechecksMinNotional(t *testing.T) {
	r := hypeReading()
	r.Hold = 990

	// 0.10 HYPE left is about 5 USD
	_, err := state.BuildOrder(r, sell("100"), state.DefaultVaultParams.Clone(), uuid.Nil)
	var sup *state.SuppressedError
	require.True(t, errors.As(err, &sup))
	assert.Equal(t, event.SuppressMinNotional, sup.Reason)
	assert.Equal(t, uint64(10), sup.Size)
}

func TestBuildOrder_BuyIgnoresBalance(t *testing.T) {
	r := hypeReading()
	r.Hold = r.RawBalance

	order, err := state.BuildOrder(r, buy("600"), state.DefaultVaultParams.Clone(), uuid.Nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_198), order.Size)
}

func TestBuildOrder_SuppressesZeroSize(t *testing.T) {
	_, err := state.BuildOrder(hypeReading(), buy("0.1"), state.DefaultVaultParams.Clone(), uuid.Nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, state.ErrOrderSuppressed))

	var sup *state.SuppressedError
	require.True(t, errors.As(err, &sup))
	assert.Equal(t, event.SuppressZeroSize, sup.Reason)

	_, err = state.BuildOrder(hypeReading(), state.ZeroDelta(), state.DefaultVaultParams.Clone(), uuid.Nil)
	assert.True(t, errors.Is(err, state.ErrOrderSuppressed))
}

func TestBuildOrder_SuppressesBelowMinNotional(t *testing.T) {
	_, err := state.BuildOrder(hypeReading(), buy("5"), state.DefaultVaultParams.Clone(), uuid.Nil)

	var sup *state.SuppressedError
	require.True(t, errors.As(err, &sup))
	assert.Equal(t, event.SuppressMinNotional, sup.Reason)
	assert.Equal(t, uint64(9), sup.Size)
}

func TestBuildOrder_MarketUnavailable(t *testing.T) {
	r := hypeReading()
	r.Book = pricing.Book{}
	r.OraclePx1e8 = 0

	_, err := state.BuildOrder(r, buy("25"), state.DefaultVaultParams.Clone(), uuid.Nil)
	assert.True(t, errors.Is(err, event.ErrMarketUnavailable))
	assert.False(t, errors.Is(err, state.ErrOrderSuppressed))
}

func TestBuildOrder_RejectsOutOfBandPrice(t *testing.T) {
	r := hypeReading()
	r.Book = pricing.Book{Bid: 45_000_000_000_000, Ask: 45_000_000_000_000}

	_, err := state.BuildOrder(r, buy("25"), state.DefaultVaultParams.Clone(), uuid.Nil)
	assert.True(t, errors.Is(err, event.ErrScale))

	// A per-asset ceiling high enough admits the price.
	r.Asset.MaxPrice1e8 = 100_000_000_000_000
	params := state.DefaultVaultParams.Clone()
	params.MinNotionalUsd1e8 = 0
	_, err = state.BuildOrder(r, buy("25000"), params, uuid.Nil)
	assert.NoError(t, err)
}
