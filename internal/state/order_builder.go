package state

import (
	"IndexVault/internal/event"
	fpmath "IndexVault/internal/math"
	"IndexVault/internal/pricing"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// ErrOrderSuppressed marks an order that is not worth submitting. It is not a
// failure of the rebalance.
var ErrOrderSuppressed = errors.New("order suppressed")

type SuppressedError struct {
	Asset  string
	Reason string // event.Suppress*
	Size   uint64
}

func (e *SuppressedError) Error() string {
	return fmt.Sprintf("order on %s suppressed: %s (size=%d)", e.Asset, e.Reason, e.Size)
}

func (e *SuppressedError) Is(target error) bool { return target == ErrOrderSuppressed }

// PendingOrder is built fresh for one rebalance attempt and never reused.
type PendingOrder struct {
	Asset         string
	SpotAssetID   uint32
	IsBuy         bool
	LimitPrice1e8 uint64
	Size          uint64 // size decimals
	TimeInForce   string
	ClientOrderID uuid.UUID
	PriceSource   pricing.PriceSource
	Delta         Delta
}

// Notional1e8 = size * limit / 10^sizeDecimals.
func (o *PendingOrder) Notional1e8(sizeDecimals uint8) *uint256.Int {
	n := new(uint256.Int).Mul(uint256.NewInt(o.Size), uint256.NewInt(o.LimitPrice1e8))
	return n.Div(n, fpmath.Pow10(uint(sizeDecimals)))
}

// BuildOrder turns a post-deadband delta into a venue order.
//
// The limit price comes first because it is also the sizing price. Errors:
// ScaleError or MarketUnavailableError from pricing, ScaleError on a sizing
// overflow, SuppressedError for a zero size, nothing free to sell, or a
// notional below the floor. Sells are capped at the free balance before the
// notional check.
func BuildOrder(r AssetReading, delta Delta, params *VaultParams, cloid uuid.UUID) (*PendingOrder, error) {
	if delta.IsZero() {
		return nil, &SuppressedError{Asset: r.Asset.Name, Reason: event.SuppressZeroSize}
	}
	isBuy := delta.IsBuy()

	quote, err := pricing.LimitPrice(r.Asset.Name, r.Book, r.OraclePx1e8, isBuy, r.Profile.SizeDecimals, params.PricingParams(r.Asset))
	if err != nil {
		return nil, err
	}

	size, err := fpmath.ToOrderSize(delta.Amount, quote.LimitPrice1e8, r.Profile.SizeDecimals)
	if err != nil {
		return nil, &event.ScaleError{Asset: r.Asset.Name, Value: quote.LimitPrice1e8, Reason: "order size", Err: err}
	}
	if size == 0 {
		return nil, &SuppressedError{Asset: r.Asset.Name, Reason: event.SuppressZeroSize}
	}
	// the delta is valued at the oracle and sized at the bid, so a sell can
	// ask for more than the vault holds
	if !isBuy && size > r.Free() {
		size = r.Free()
		if size == 0 {
			return nil, &SuppressedError{Asset: r.Asset.Name, Reason: event.SuppressNoFreeBalance}
		}
	}

	if cloid == uuid.Nil {
		cloid = uuid.New()
	}
	order := &PendingOrder{
		Asset:         r.Asset.Name,
		SpotAssetID:   r.Asset.SpotAssetID,
		IsBuy:         isBuy,
		LimitPrice1e8: quote.LimitPrice1e8,
		Size:          size,
		TimeInForce:   params.TimeInForce,
		ClientOrderID: cloid,
		PriceSource:   quote.Source,
		Delta:         delta,
	}

	if order.Notional1e8(r.Profile.SizeDecimals).Lt(uint256.NewInt(params.MinNotionalUsd1e8)) {
		return nil, &SuppressedError{Asset: r.Asset.Name, Reason: event.SuppressMinNotional, Size: size}
	}
	return order, nil
}
