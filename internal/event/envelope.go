package event

import (
	"time"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeDepositRecorded
	EventTypeWithdrawalRequested
	EventTypeWithdrawalSettled
	EventTypeWithdrawalQueued
	EventTypeOrderSubmitted
	EventTypeOrderRejected
	EventTypeOrderSuppressed
	EventTypeRebalanceCompleted
	EventTypeRebalanceSkipped
	EventTypeOracleDeviation
	EventTypeTransferSent
	EventTypeTransferFailed
	EventTypeRateLimited
	EventTypeRecallCompleted
	EventTypeDepositAllocationSkipped
)

var eventTypeNames = map[EventType]string{
	EventTypeDepositRecorded:     "DepositRecorded",
	EventTypeWithdrawalRequested: "WithdrawalRequested",
	EventTypeWithdrawalSettled:   "WithdrawalSettled",
	EventTypeWithdrawalQueued:    "WithdrawalQueued",
	EventTypeOrderSubmitted:      "OrderSubmitted",
	EventTypeOrderRejected:       "OrderRejected",
	EventTypeOrderSuppressed:     "OrderSuppressed",
	EventTypeRebalanceCompleted:  "RebalanceCompleted",
	EventTypeRebalanceSkipped:    "RebalanceSkipped",
	EventTypeOracleDeviation:     "OracleDeviation",
	EventTypeTransferSent:        "TransferSent",
	EventTypeTransferFailed:      "TransferFailed",
	EventTypeRateLimited:         "RateLimited",
	EventTypeRecallCompleted:     "RecallCompleted",

	EventTypeDepositAllocationSkipped: "DepositAllocationSkipped",
}

// EventEnvelope wraps every event in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by the engine
	Sequence int64

	// Stable idempotency key (event id)
	IdempotencyKey string

	EventType EventType

	// Asset context (nil for vault-wide events)
	Asset *string

	// Venue block height observed by the operation that produced the event
	Block uint64

	Timestamp time.Time

	// JSON-encoded event payload
	Payload []byte

	// SHA-256 of vault state AFTER the operation that emitted this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all event payloads must implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// Asset returns the asset context (nil for vault-wide events)
	Asset() *string
}

func (et EventType) String() string {
	if name, ok := eventTypeNames[et]; ok {
		return name
	}
	return "Unknown"
}

// ParseEventType is the inverse of EventType.String.
func ParseEventType(name string) EventType {
	for et, n := range eventTypeNames {
		if n == name {
			return et
		}
	}
	return EventTypeUnknown
}
