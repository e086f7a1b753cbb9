package engine

import (
	"errors"

	"PerpCore/internal/slab"
)

// Sentinel errors returned by engine operations. Every per-account
// operation is atomic: any of these aborts the call with zero state
// mutation. Crank-internal liquidation and force-realize failures are
// counted in the CrankOutcome instead of being propagated.
var (
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrUndercollateralized   = errors.New("undercollateralized")
	ErrUnauthorized          = errors.New("unauthorized")
	ErrInvalidMatchingEngine = errors.New("invalid matching engine")
	ErrPnlNotWarmedUp        = errors.New("pnl not warmed up")
	ErrOverflow              = errors.New("arithmetic overflow")
	ErrNotAnLPAccount        = errors.New("not an LP account")
	ErrPositionSizeMismatch  = errors.New("position size mismatch")
	ErrAccountKindMismatch   = errors.New("account kind mismatch")
	ErrInvalidOraclePrice    = errors.New("invalid oracle price")
	ErrCrankStale            = errors.New("crank stale, trading blocked")
	ErrClockRegression       = errors.New("clock moved backward")
	ErrRiskReductionOnly     = errors.New("risk reduction mode, trade must reduce position")

	// Storage errors are shared with the slab so errors.Is works across
	// both packages.
	ErrAccountNotFound = slab.ErrAccountNotFound
	ErrSlabFull        = slab.ErrSlabFull
)
