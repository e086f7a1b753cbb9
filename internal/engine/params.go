package engine

import (
	"fmt"

	"PerpCore/internal/fixed"
	"PerpCore/internal/slab"
)

// Per-crank work budgets. The sweep scans at most AccountsPerCrank slot
// positions per invocation, so a full sweep over the slab completes in
// ceil(MaxAccounts/AccountsPerCrank) calls regardless of occupancy.
const (
	AccountsPerCrank           = 256
	LiqBudgetPerCrank          = 120
	ForceRealizeBudgetPerCrank = 32
	GCCloseBudget              = 32
)

// RiskParams is the immutable-per-epoch risk configuration. The engine
// never mutates it after construction.
type RiskParams struct {
	// Warmup: realized profit vests linearly over this many slots before
	// it becomes withdrawable. Zero disables vesting.
	WarmupPeriodSlots uint64

	// Margin requirements in basis points of position notional.
	MaintenanceMarginBps int64
	InitialMarginBps     int64

	// LiquidationBufferBps is required above maintenance margin after a
	// partial liquidation, so the account does not re-trip immediately.
	LiquidationBufferBps int64

	// MinLiquidationAbs is the dust floor: a partial liquidation that
	// would leave a smaller absolute position closes it fully instead.
	MinLiquidationAbs int64

	// Fees. Caps and per-slot charges are quote units.
	TradingFeeBps         int64
	LiquidationFeeBps     int64
	LiquidationFeeCap     int64
	MaintenanceFeePerSlot int64
	NewAccountFee         int64

	// MaxOraclePrice bounds every accepted price input.
	MaxOraclePrice int64

	// RiskReductionThreshold: when the insurance fund balance is at or
	// below this, only position-reducing trades are accepted.
	RiskReductionThreshold int64

	// MaxCrankStalenessSlots: trades are rejected when the last crank is
	// older than this many slots.
	MaxCrankStalenessSlots uint64
}

// DefaultRiskParams returns the production parameter set.
func DefaultRiskParams() RiskParams {
	return RiskParams{
		WarmupPeriodSlots:      3600,
		MaintenanceMarginBps:   500,
		InitialMarginBps:       1000,
		LiquidationBufferBps:   100,
		MinLiquidationAbs:      100,
		TradingFeeBps:          10,
		LiquidationFeeBps:      50,
		LiquidationFeeCap:      1_000_000_000,
		MaintenanceFeePerSlot:  0,
		NewAccountFee:          0,
		MaxOraclePrice:         fixed.MaxOraclePrice,
		RiskReductionThreshold: 0,
		MaxCrankStalenessSlots: 150,
	}
}

// Validate rejects parameter sets the engine cannot operate under.
func (p RiskParams) Validate() error {
	if p.MaintenanceMarginBps <= 0 || p.MaintenanceMarginBps >= fixed.BpsDenom {
		return fmt.Errorf("maintenance margin %d bps out of range", p.MaintenanceMarginBps)
	}
	if p.InitialMarginBps < p.MaintenanceMarginBps {
		return fmt.Errorf("initial margin %d bps below maintenance %d bps", p.InitialMarginBps, p.MaintenanceMarginBps)
	}
	if p.LiquidationBufferBps < 0 {
		return fmt.Errorf("negative liquidation buffer %d bps", p.LiquidationBufferBps)
	}
	if p.MaintenanceMarginBps+p.LiquidationBufferBps >= fixed.BpsDenom {
		return fmt.Errorf("maintenance margin plus buffer %d bps out of range", p.MaintenanceMarginBps+p.LiquidationBufferBps)
	}
	if p.TradingFeeBps < 0 || p.LiquidationFeeBps < 0 {
		return fmt.Errorf("negative fee rate")
	}
	if p.LiquidationFeeBps >= p.MaintenanceMarginBps+p.LiquidationBufferBps {
		return fmt.Errorf("liquidation fee %d bps must stay below maintenance plus buffer", p.LiquidationFeeBps)
	}
	if p.MaxOraclePrice <= 0 || p.MaxOraclePrice > fixed.MaxOraclePrice {
		return fmt.Errorf("max oracle price %d out of range", p.MaxOraclePrice)
	}
	if p.MinLiquidationAbs < 0 || p.LiquidationFeeCap < 0 || p.MaintenanceFeePerSlot < 0 || p.NewAccountFee < 0 {
		return fmt.Errorf("negative fee or floor parameter")
	}
	if p.MaxCrankStalenessSlots == 0 {
		return fmt.Errorf("crank staleness window must be positive")
	}
	return nil
}

// MaxAccounts re-exports the slab capacity for callers sizing storage.
const MaxAccounts = slab.MaxAccounts
