package event

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

// Sentinels for errors.Is. Every typed error below matches exactly one.
var (
	ErrScale             = errors.New("scale error")
	ErrLiquidity         = errors.New("insufficient liquidity")
	ErrRateLimited       = errors.New("outbound rate limit exceeded")
	ErrMarketUnavailable = errors.New("market unavailable")
	ErrOracleDeviation   = errors.New("oracle deviation")
)

// ScaleError: a decimal conversion produced an out-of-band value.
// Fatal to the single operation, never retried.
type ScaleError struct {
	Asset  string
	Value  uint64 // offending canonical price or size
	Reason string
	Err    error
}

func (e *ScaleError) Error() string {
	msg := fmt.Sprintf("scale error on %s: %s (value=%d)", e.Asset, e.Reason, e.Value)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ScaleError) Is(target error) bool { return target == ErrScale }
func (e *ScaleError) Unwrap() error        { return e.Err }

// LiquidityError: local liquid custody cannot cover an amount owed.
// Recoverable by leaving the request queued.
type LiquidityError struct {
	Required  *uint256.Int
	Available *uint256.Int
}

func (e *LiquidityError) Error() string {
	return fmt.Sprintf("insufficient liquidity: required=%s available=%s", dec(e.Required), dec(e.Available))
}

func (e *LiquidityError) Is(target error) bool { return target == ErrLiquidity }

// RateLimitError: the epoch cap would be exceeded. Retry next epoch.
type RateLimitError struct {
	Requested       *uint256.Int
	Remaining       *uint256.Int
	EpochStartBlock uint64
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("outbound rate limit exceeded: requested=%s remaining=%s epoch_start=%d",
		dec(e.Requested), dec(e.Remaining), e.EpochStartBlock)
}

func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimited }

// MarketUnavailableError: the consumed book side is empty and the oracle
// fallback is unusable. Only the affected asset is skipped.
type MarketUnavailableError struct {
	Asset  string
	Reason string
	Err    error
}

func (e *MarketUnavailableError) Error() string {
	msg := fmt.Sprintf("market unavailable for %s: %s", e.Asset, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MarketUnavailableError) Is(target error) bool { return target == ErrMarketUnavailable }
func (e *MarketUnavailableError) Unwrap() error        { return e.Err }

// OracleDeviationError: circuit breaker trip, the whole rebalance is skipped.
type OracleDeviationError struct {
	Asset        string
	LastPx1e8    uint64
	CurrentPx1e8 uint64
	DeviationBps uint64
	MaxBps       uint64
}

func (e *OracleDeviationError) Error() string {
	return fmt.Sprintf("oracle deviation on %s: last=%d current=%d deviation=%dbps max=%dbps",
		e.Asset, e.LastPx1e8, e.CurrentPx1e8, e.DeviationBps, e.MaxBps)
}

func (e *OracleDeviationError) Is(target error) bool { return target == ErrOracleDeviation }

func dec(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}
