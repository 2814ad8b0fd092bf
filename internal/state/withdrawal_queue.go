package state

import (
	"IndexVault/internal/event"
	fpmath "IndexVault/internal/math"
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// WithdrawalRequest is created with shares already burned. Gross and net are
// fixed at request time from the pps and fee schedule of that moment.
type WithdrawalRequest struct {
	ID                uuid.UUID
	Requester         string
	SharesBurned      *uint256.Int
	FeeBpsSnapshot    uint64
	PricePerShare1e18 *uint256.Int
	GrossUsd1e18      *uint256.Int
	NetUsd1e18        *uint256.Int
	Settled           bool
	RequestedBlock    uint64
	SettledBlock      uint64
}

// NewWithdrawalRequest computes gross = shares * pps / 1e18 and
// net = gross - gross * feeBps / 10000.
func NewWithdrawalRequest(id uuid.UUID, requester string, shares, pps1e18 *uint256.Int, feeBps uint64, block uint64) (*WithdrawalRequest, error) {
	if feeBps > fpmath.BpsDenominator {
		return nil, fmt.Errorf("fee bps %d exceeds %d", feeBps, fpmath.BpsDenominator)
	}
	gross, err := fpmath.MulDiv(shares, pps1e18, fpmath.Pow10(fpmath.USDDecimals), fpmath.RoundDown)
	if err != nil {
		return nil, fmt.Errorf("gross amount: %w", err)
	}
	fee := fpmath.ApplyBps(gross, feeBps)
	return &WithdrawalRequest{
		ID:                id,
		Requester:         requester,
		SharesBurned:      shares.Clone(),
		FeeBpsSnapshot:    feeBps,
		PricePerShare1e18: pps1e18.Clone(),
		GrossUsd1e18:      gross,
		NetUsd1e18:        new(uint256.Int).Sub(gross, fee),
		RequestedBlock:    block,
	}, nil
}

// FeeUsd1e18 is the fee retained by the vault.
func (r *WithdrawalRequest) FeeUsd1e18() *uint256.Int {
	return new(uint256.Int).Sub(r.GrossUsd1e18, r.NetUsd1e18)
}

func (r *WithdrawalRequest) Clone() *WithdrawalRequest {
	out := *r
	out.SharesBurned = r.SharesBurned.Clone()
	out.PricePerShare1e18 = r.PricePerShare1e18.Clone()
	out.GrossUsd1e18 = r.GrossUsd1e18.Clone()
	out.NetUsd1e18 = r.NetUsd1e18.Clone()
	return &out
}

// CanonicalBytes for deterministic hashing
func (r *WithdrawalRequest) CanonicalBytes() []byte {
	buf := make([]byte, 0, 192)
	buf = append(buf, r.ID[:]...)
	buf = appendString(buf, r.Requester)
	buf = appendUint256(buf, r.SharesBurned)
	buf = appendUint64LE(buf, r.FeeBpsSnapshot)
	buf = appendUint256(buf, r.GrossUsd1e18)
	buf = appendUint256(buf, r.NetUsd1e18)
	buf = appendUint64LE(buf, r.RequestedBlock)
	return buf
}

// WithdrawalQueue is a strict FIFO of unsettled requests.
type WithdrawalQueue struct {
	pending []*WithdrawalRequest
}

func NewWithdrawalQueue() *WithdrawalQueue {
	return &WithdrawalQueue{}
}

func (q *WithdrawalQueue) Enqueue(r *WithdrawalRequest) {
	q.pending = append(q.pending, r)
}

func (q *WithdrawalQueue) Len() int { return len(q.pending) }

// Head returns the oldest unsettled request or nil.
func (q *WithdrawalQueue) Head() *WithdrawalRequest {
	if len(q.pending) == 0 {
		return nil
	}
	return q.pending[0]
}

// Settle pays requests from the head while liquid covers the head's net
// amount. Paid requests leave the queue marked settled. When the head cannot
// be paid, the returned LiquidityError names it and everything behind it stays
// queued. paid is the total net amount released.
func (q *WithdrawalQueue) Settle(liquid *uint256.Int, block uint64) (settled []*WithdrawalRequest, paid *uint256.Int, err error) {
	remaining := liquid.Clone()
	paid = new(uint256.Int)

	for len(q.pending) > 0 {
		head := q.pending[0]
		if remaining.Lt(head.NetUsd1e18) {
			return settled, paid, &event.LiquidityError{
				Required:  head.NetUsd1e18.Clone(),
				Available: remaining,
			}
		}
		remaining.Sub(remaining, head.NetUsd1e18)
		paid.Add(paid, head.NetUsd1e18)

		head.Settled = true
		head.SettledBlock = block
		settled = append(settled, head)

		q.pending[0] = nil
		q.pending = q.pending[1:]
	}
	return settled, paid, nil
}

// Pending returns copies in FIFO order.
func (q *WithdrawalQueue) Pending() []*WithdrawalRequest {
	out := make([]*WithdrawalRequest, len(q.pending))
	for i, r := range q.pending {
		out[i] = r.Clone()
	}
	return out
}

// TotalOwed is the sum of net amounts still queued.
func (q *WithdrawalQueue) TotalOwed() *uint256.Int {
	sum := new(uint256.Int)
	for _, r := range q.pending {
		sum.Add(sum, r.NetUsd1e18)
	}
	return sum
}

func (q *WithdrawalQueue) Clone() *WithdrawalQueue {
	return &WithdrawalQueue{pending: q.Pending()}
}

// CanonicalBytes for deterministic hashing
func (q *WithdrawalQueue) CanonicalBytes() []byte {
	buf := appendUint64LE(nil, uint64(len(q.pending)))
	for _, r := range q.pending {
		buf = append(buf, r.CanonicalBytes()...)
	}
	return buf
}
