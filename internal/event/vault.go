package event

import "github.com/google/uuid"

// Amounts in payloads are decimal strings of the canonical fixed-point value
// (USD 1e18, price 1e8, settlement units) so the JSON stays lossless.

// Meta is embedded in every payload.
type Meta struct {
	ID        uuid.UUID `json:"id"`
	AssetName string    `json:"asset,omitempty"`
}

func (m Meta) IdempotencyKey() string { return m.ID.String() }

func (m Meta) Asset() *string {
	if m.AssetName == "" {
		return nil
	}
	s := m.AssetName
	return &s
}

type DepositRecorded struct {
	Meta
	Depositor      string `json:"depositor"`
	AmountUsd      string `json:"amount_usd_1e18"`
	FeeUsd         string `json:"fee_usd_1e18"`
	SharesMinted   string `json:"shares_minted"`
	PricePerShare  string `json:"pps_1e18"`
	LocalCashAfter string `json:"local_cash_usd_1e18"`
}

func (DepositRecorded) EventType() EventType { return EventTypeDepositRecorded }

type WithdrawalRequested struct {
	Meta
	WithdrawalID  uuid.UUID `json:"withdrawal_id"`
	Requester     string    `json:"requester"`
	SharesBurned  string    `json:"shares_burned"`
	FeeBps        uint64    `json:"fee_bps"`
	GrossUsd      string    `json:"gross_usd_1e18"`
	NetUsd        string    `json:"net_usd_1e18"`
	PricePerShare string    `json:"pps_1e18"`
}

func (WithdrawalRequested) EventType() EventType { return EventTypeWithdrawalRequested }

type WithdrawalSettled struct {
	Meta
	WithdrawalID uuid.UUID `json:"withdrawal_id"`
	Requester    string    `json:"requester"`
	NetUsd       string    `json:"net_usd_1e18"`
	FeeBps       uint64    `json:"fee_bps"`
}

func (WithdrawalSettled) EventType() EventType { return EventTypeWithdrawalSettled }

// WithdrawalQueued records that the FIFO head could not be paid from local custody.
type WithdrawalQueued struct {
	Meta
	WithdrawalID uuid.UUID `json:"withdrawal_id"`
	Requester    string    `json:"requester"`
	NetUsd       string    `json:"net_usd_1e18"`
	AvailableUsd string    `json:"available_usd_1e18"`
	QueueLength  int       `json:"queue_length"`
}

func (WithdrawalQueued) EventType() EventType { return EventTypeWithdrawalQueued }

type OrderSubmitted struct {
	Meta
	RebalanceID   uuid.UUID `json:"rebalance_id"`
	SpotAssetID   uint32    `json:"spot_asset_id"`
	IsBuy         bool      `json:"is_buy"`
	LimitPrice1e8 uint64    `json:"limit_price_1e8"`
	Size          uint64    `json:"size"`
	TimeInForce   string    `json:"time_in_force"`
	DeltaUsd      string    `json:"delta_usd_1e18"`
	PriceSource   string    `json:"price_source"`
}

func (OrderSubmitted) EventType() EventType { return EventTypeOrderSubmitted }

// Order rejection reasons.
const (
	RejectScale             = "scale"
	RejectMarketUnavailable = "market_unavailable"
	RejectSubmitFailed      = "submit_failed"
	SuppressZeroSize        = "zero_size"
	SuppressMinNotional     = "below_min_notional"
	SuppressNoFreeBalance   = "no_free_balance"
)

type OrderRejected struct {
	Meta
	RebalanceID uuid.UUID `json:"rebalance_id"`
	IsBuy       bool      `json:"is_buy"`
	DeltaUsd    string    `json:"delta_usd_1e18"`
	Reason      string    `json:"reason"`
	Detail      string    `json:"detail"`
}

func (OrderRejected) EventType() EventType { return EventTypeOrderRejected }

type OrderSuppressed struct {
	Meta
	RebalanceID uuid.UUID `json:"rebalance_id"`
	IsBuy       bool      `json:"is_buy"`
	DeltaUsd    string    `json:"delta_usd_1e18"`
	Size        uint64    `json:"size"`
	Reason      string    `json:"reason"`
}

func (OrderSuppressed) EventType() EventType { return EventTypeOrderSuppressed }

type RebalanceCompleted struct {
	Meta
	EquityUsd       string `json:"equity_usd_1e18"`
	OrdersSubmitted int    `json:"orders_submitted"`
	OrdersRejected  int    `json:"orders_rejected"`
	OrdersSkipped   int    `json:"orders_suppressed"`
}

func (RebalanceCompleted) EventType() EventType { return EventTypeRebalanceCompleted }

// Rebalance skip reasons.
const (
	SkipZeroEquity      = "zero_equity"
	SkipWithinDeadband  = "within_deadband"
	SkipOracleDeviation = "oracle_deviation"
)

type RebalanceSkipped struct {
	Meta
	Reason    string `json:"reason"`
	EquityUsd string `json:"equity_usd_1e18"`
	Detail    string `json:"detail,omitempty"`
}

func (RebalanceSkipped) EventType() EventType { return EventTypeRebalanceSkipped }

// SkipVenueRead is a deposit allocation skipped because the venue could not
// be read after the deploy.
const SkipVenueRead = "venue_read"

// DepositAllocationSkipped records a deposit whose deployed cash was left
// unallocated. The deposit itself is credited.
type DepositAllocationSkipped struct {
	Meta
	DepositID   uuid.UUID `json:"deposit_id"`
	Reason      string    `json:"reason"`
	DeployedUsd string    `json:"deployed_usd_1e18"`
	Detail      string    `json:"detail,omitempty"`
}

func (DepositAllocationSkipped) EventType() EventType { return EventTypeDepositAllocationSkipped }

type OracleDeviation struct {
	Meta
	RebalanceID  uuid.UUID `json:"rebalance_id"`
	LastPx1e8    uint64    `json:"last_px_1e8"`
	CurrentPx1e8 uint64    `json:"current_px_1e8"`
	DeviationBps uint64    `json:"deviation_bps"`
	MaxBps       uint64    `json:"max_bps"`
}

func (OracleDeviation) EventType() EventType { return EventTypeOracleDeviation }

// Transfer directions.
const (
	DirectionDeploy = "deploy" // local custody -> venue
	DirectionRecall = "recall" // venue -> local custody
)

type TransferSent struct {
	Meta
	Direction    string `json:"direction"`
	Destination  string `json:"destination"`
	TokenID      uint32 `json:"token_id"`
	AmountSettle string `json:"amount_settlement_units"`
	AmountUsd    string `json:"amount_usd_1e18"`
}

func (TransferSent) EventType() EventType { return EventTypeTransferSent }

type TransferFailed struct {
	Meta
	Direction string `json:"direction"`
	AmountUsd string `json:"amount_usd_1e18"`
	Detail    string `json:"detail"`
}

func (TransferFailed) EventType() EventType { return EventTypeTransferFailed }

type RateLimited struct {
	Meta
	Direction       string `json:"direction"`
	RequestedUsd    string `json:"requested_usd_1e18"`
	RemainingUsd    string `json:"remaining_usd_1e18"`
	EpochStartBlock uint64 `json:"epoch_start_block"`
}

func (RateLimited) EventType() EventType { return EventTypeRateLimited }

type RecallCompleted struct {
	Meta
	RequestedUsd    string `json:"requested_usd_1e18"`
	RecalledUsd     string `json:"recalled_usd_1e18"`
	OrdersSubmitted int    `json:"orders_submitted"`
}

func (RecallCompleted) EventType() EventType { return EventTypeRecallCompleted }
