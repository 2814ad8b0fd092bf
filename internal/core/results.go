package core

import (
	"IndexVault/internal/event"
	"IndexVault/internal/state"
	"IndexVault/internal/venue"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

type DepositResult struct {
	ID                uuid.UUID
	SharesMinted      *uint256.Int
	FeeUsd1e18        *uint256.Int
	PricePerShare1e18 *uint256.Int

	// Auto-deploy outcome. A failed deploy leaves the cash local and does
	// not fail the deposit.
	DeployedUsd1e18 *uint256.Int
	DeployErr       error

	// Buys placed with the deployed cash. AllocationSkipped carries the
	// reason when a successful deploy was left unallocated.
	Orders            []OrderOutcome
	AllocationSkipped string

	Settlement *SettleResult
}

type WithdrawResult struct {
	Request    *state.WithdrawalRequest
	Settled    bool
	Settlement *SettleResult
}

type SettleResult struct {
	Settled     []*state.WithdrawalRequest
	PaidUsd1e18 *uint256.Int
	Remaining   int
	// Shortfall is set when the FIFO head could not be paid.
	Shortfall *event.LiquidityError
}

type TransferResult struct {
	AmountUsd1e18 *uint256.Int
}

type RecallResult struct {
	ID               uuid.UUID
	RequestedUsd1e18 *uint256.Int
	RecalledUsd1e18  *uint256.Int
	Orders           []OrderOutcome
	Settlement       *SettleResult
}

// RebalanceRequest carries optional client order ids, one per configured
// asset in config order. Missing or nil ids are generated.
type RebalanceRequest struct {
	ClientOrderIDs []uuid.UUID
}

type RebalanceResult struct {
	ID            uuid.UUID
	EquityUsd1e18 *uint256.Int
	Skipped       bool
	SkipReason    string
	Deltas        []state.Delta
	Orders        []OrderOutcome
}

// Order outcome statuses.
const (
	OrderStatusSubmitted  = "submitted"
	OrderStatusRejected   = "rejected"
	OrderStatusSuppressed = "suppressed"
)

type OrderOutcome struct {
	Asset  string
	Delta  state.Delta
	Order  *state.PendingOrder
	Ack    venue.OrderAck
	Status string
	Reason string
	Err    error
}

// CountOrders counts outcomes with the given status.
func CountOrders(outcomes []OrderOutcome, status string) int {
	n := 0
	for _, o := range outcomes {
		if o.Status == status {
			n++
		}
	}
	return n
}
