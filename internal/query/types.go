package query

import (
	"time"

	"github.com/google/uuid"
)

// WithdrawalRecord is one withdrawal request as projected from the event
// log. USD amounts are human-readable decimals.
type WithdrawalRecord struct {
	WithdrawalID      uuid.UUID `json:"withdrawal_id"`
	Requester         string    `json:"requester"`
	SharesBurned      string    `json:"shares_burned"`
	FeeBps            int64     `json:"fee_bps"`
	GrossUsd          string    `json:"gross_usd"`
	NetUsd            string    `json:"net_usd"`
	Status            string    `json:"status"`
	RequestedSequence int64     `json:"requested_sequence"`
	RequestedBlock    int64     `json:"requested_block"`
	SettledBlock      *int64    `json:"settled_block,omitempty"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// WithdrawalHistoryResponse pages a requester's withdrawals, newest first.
type WithdrawalHistoryResponse struct {
	Requester    string             `json:"requester"`
	Withdrawals  []WithdrawalRecord `json:"withdrawals"`
	NextCursor   *int64             `json:"next_cursor,omitempty"`
	AsOfSequence int64              `json:"as_of_sequence"`
}

// OrderRecord is one order outcome of a rebalance or recall.
type OrderRecord struct {
	OrderID     uuid.UUID `json:"order_id"`
	RebalanceID uuid.UUID `json:"rebalance_id"`
	Asset       string    `json:"asset"`
	Side        string    `json:"side"`
	Status      string    `json:"status"`
	Size        int64     `json:"size"`
	LimitPrice  string    `json:"limit_price"`
	DeltaUsd    string    `json:"delta_usd"`
	Reason      string    `json:"reason,omitempty"`
	Sequence    int64     `json:"sequence"`
	CreatedAt   time.Time `json:"created_at"`
}

type OrdersResponse struct {
	Orders       []OrderRecord `json:"orders"`
	AsOfSequence int64         `json:"as_of_sequence"`
}

// IntegrityReport is the result of a hash chain check over the event log.
type IntegrityReport struct {
	IsHealthy       bool    `json:"is_healthy"`
	LatestSequence  int64   `json:"latest_sequence"`
	HashChainBreaks []int64 `json:"hash_chain_breaks,omitempty"`
	ProjectionLag   int64   `json:"projection_lag"`
}
