package state

import (
	fpmath "IndexVault/internal/math"
	"IndexVault/internal/pricing"
	"fmt"
	"sync"

	"github.com/holiman/uint256"
)

// AssetParams identifies a tradable risk asset on the venue.
type AssetParams struct {
	Name        string
	TokenID     uint32 // spot token (balances, oracle, transfers)
	SpotAssetID uint32 // spot market (BBO, orders)
	MaxPrice1e8 uint64 // per-asset sanity ceiling; 0 uses the vault default
}

// FeeTier applies FeeBps to withdrawals whose gross amount is at least MinAmountUsd1e18.
type FeeTier struct {
	MinAmountUsd1e18 *uint256.Int
	FeeBps           uint64
}

// VaultParams are the vault's tunable policies. All *Bps fields use a 10_000 scale.
type VaultParams struct {
	ReserveBps        uint64 // share of equity held as cash
	DeadbandBps       uint64 // per-asset |delta| threshold as share of equity
	EpsilonBps        uint64 // BBO price improvement allowance
	MaxSlippageBps    uint64 // extra allowance on oracle fallback
	DeviationBps      uint64 // oracle circuit breaker; 0 disables
	MinNotionalUsd1e8 uint64
	MaxPrice1e8       uint64 // default sanity ceiling
	DepositFeeBps     uint64
	WithdrawFeeBps    uint64
	WithdrawFeeTiers  []FeeTier // ascending by MinAmountUsd1e18
	AutoDeployBps     uint64    // share of each deposit sent to the venue
	AllocateOnDeposit bool      // buy risk assets with the deployed share right away
	TimeInForce       string    // Alo, Ioc or Gtc
}

// DefaultVaultParams mirror the production deployment.
var DefaultVaultParams = VaultParams{
	ReserveBps:        1_000,
	DeadbandBps:       50,
	EpsilonBps:        10,
	MaxSlippageBps:    50,
	DeviationBps:      500,
	MinNotionalUsd1e8: 10 * 100_000_000,
	MaxPrice1e8:       pricing.DefaultMaxPrice1e8,
	WithdrawFeeBps:    50,
	AutoDeployBps:     9_000,
	AllocateOnDeposit: true,
	TimeInForce:       "Ioc",
}

// ValidateVaultParams checks ranges. reserve < 100%, epsilon/slippage < 100%,
// fees <= 100%, tiers strictly ascending.
func ValidateVaultParams(p *VaultParams) error {
	if p.ReserveBps >= fpmath.BpsDenominator {
		return fmt.Errorf("reserve_bps must be < %d, got %d", fpmath.BpsDenominator, p.ReserveBps)
	}
	if p.DeadbandBps >= fpmath.BpsDenominator {
		return fmt.Errorf("deadband_bps must be < %d, got %d", fpmath.BpsDenominator, p.DeadbandBps)
	}
	if p.EpsilonBps+p.MaxSlippageBps >= fpmath.BpsDenominator {
		return fmt.Errorf("epsilon_bps + max_slippage_bps must be < %d, got %d",
			fpmath.BpsDenominator, p.EpsilonBps+p.MaxSlippageBps)
	}
	if p.DepositFeeBps > fpmath.BpsDenominator {
		return fmt.Errorf("deposit_fee_bps must be <= %d, got %d", fpmath.BpsDenominator, p.DepositFeeBps)
	}
	if p.WithdrawFeeBps > fpmath.BpsDenominator {
		return fmt.Errorf("withdraw_fee_bps must be <= %d, got %d", fpmath.BpsDenominator, p.WithdrawFeeBps)
	}
	if p.AutoDeployBps > fpmath.BpsDenominator {
		return fmt.Errorf("auto_deploy_bps must be <= %d, got %d", fpmath.BpsDenominator, p.AutoDeployBps)
	}
	if p.MaxPrice1e8 == 0 {
		return fmt.Errorf("max_price_1e8 must be > 0")
	}
	switch p.TimeInForce {
	case "Alo", "Ioc", "Gtc":
	default:
		return fmt.Errorf("time_in_force must be one of Alo, Ioc, Gtc, got %q", p.TimeInForce)
	}
	for i, tier := range p.WithdrawFeeTiers {
		if tier.MinAmountUsd1e18 == nil {
			return fmt.Errorf("withdraw fee tier %d: missing min amount", i)
		}
		if tier.FeeBps > fpmath.BpsDenominator {
			return fmt.Errorf("withdraw fee tier %d: fee_bps must be <= %d, got %d", i, fpmath.BpsDenominator, tier.FeeBps)
		}
		if i > 0 && !p.WithdrawFeeTiers[i-1].MinAmountUsd1e18.Lt(tier.MinAmountUsd1e18) {
			return fmt.Errorf("withdraw fee tiers must be strictly ascending (tier %d)", i)
		}
	}
	return nil
}

// Clone returns a deep copy.
func (p *VaultParams) Clone() *VaultParams {
	out := *p
	out.WithdrawFeeTiers = make([]FeeTier, len(p.WithdrawFeeTiers))
	for i, tier := range p.WithdrawFeeTiers {
		out.WithdrawFeeTiers[i] = FeeTier{MinAmountUsd1e18: tier.MinAmountUsd1e18.Clone(), FeeBps: tier.FeeBps}
	}
	return &out
}

// WithdrawFeeBpsForAmount returns the fee of the highest tier whose threshold
// is <= gross, or the base withdraw fee when no tier applies.
func (p *VaultParams) WithdrawFeeBpsForAmount(gross *uint256.Int) uint64 {
	fee := p.WithdrawFeeBps
	for _, tier := range p.WithdrawFeeTiers {
		if tier.MinAmountUsd1e18.Gt(gross) {
			break
		}
		fee = tier.FeeBps
	}
	return fee
}

// PricingParams returns the limit-price configuration for asset.
func (p *VaultParams) PricingParams(asset AssetParams) pricing.Params {
	ceiling := p.MaxPrice1e8
	if asset.MaxPrice1e8 != 0 {
		ceiling = asset.MaxPrice1e8
	}
	return pricing.Params{
		EpsilonBps:     p.EpsilonBps,
		MaxSlippageBps: p.MaxSlippageBps,
		MaxPrice1e8:    ceiling,
	}
}

// ParamsManager guards the live parameter set. Readers get a copy so a
// later Update never changes a value an operation already captured.
type ParamsManager struct {
	mu     sync.RWMutex
	params *VaultParams
}

func NewParamsManager(p *VaultParams) (*ParamsManager, error) {
	if err := ValidateVaultParams(p); err != nil {
		return nil, fmt.Errorf("invalid vault params: %w", err)
	}
	return &ParamsManager{params: p.Clone()}, nil
}

func (pm *ParamsManager) Get() *VaultParams {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.params.Clone()
}

func (pm *ParamsManager) Update(p *VaultParams) error {
	if err := ValidateVaultParams(p); err != nil {
		return fmt.Errorf("invalid vault params: %w", err)
	}
	pm.mu.Lock()
	pm.params = p.Clone()
	pm.mu.Unlock()
	return nil
}
