// Package venue is the boundary to the execution venue: reads of balances,
// token metadata and prices, and writes of orders and transfers.
package venue

import (
	fpmath "IndexVault/internal/math"
	"context"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// SpotBalance is an owner's balance of one token. Total and Hold are in the
// token's size decimals.
type SpotBalance struct {
	Total    uint64
	Hold     uint64
	EntryNtl string
}

type TokenInfo struct {
	Name               string
	SizeDecimals       uint8
	SettlementDecimals uint8
}

func (t TokenInfo) Profile() fpmath.AssetDecimalProfile {
	return fpmath.AssetDecimalProfile{SizeDecimals: t.SizeDecimals, SettlementDecimals: t.SettlementDecimals}
}

// BBO holds raw price ticks. Zero means no resting order on that side.
type BBO struct {
	Bid uint64
	Ask uint64
}

type Order struct {
	Asset         uint32 // spot asset id
	IsBuy         bool
	LimitPrice1e8 uint64
	Size          uint64
	TimeInForce   string
	ClientOrderID uuid.UUID
}

// OrderAck is the venue's acceptance of an order. A rejected order is an error.
type OrderAck struct {
	Status  string // resting, filled
	OrderID uint64
}

// Transfer moves Amount settlement units of TokenID to Destination.
type Transfer struct {
	Destination string
	TokenID     uint32
	Amount      *uint256.Int
}

// StateReader is the read side of the venue.
type StateReader interface {
	SpotBalance(ctx context.Context, owner string, tokenID uint32) (SpotBalance, error)
	TokenInfo(ctx context.Context, tokenID uint32) (TokenInfo, error)
	RawOraclePrice(ctx context.Context, tokenID uint32) (uint64, error)
	BBO(ctx context.Context, assetID uint32) (BBO, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// ActionSubmitter is the write side. Each call fully lands or returns an error.
type ActionSubmitter interface {
	SubmitOrder(ctx context.Context, o Order) (OrderAck, error)
	Transfer(ctx context.Context, t Transfer) error
}

// Venue is both sides, as implemented by BridgeClient and venuetest.Mock.
type Venue interface {
	StateReader
	ActionSubmitter
}
