package engine

// ClosedOutcome reports what a liquidation or force-realize did to one
// position.
type ClosedOutcome struct {
	// AbsPos is the absolute position size closed.
	AbsPos int64
	// MarkPnl is the variation-margin settlement realized at the oracle
	// price immediately before the close.
	MarkPnl int64
	// CapBefore and CapAfter bracket the fee deduction.
	CapBefore int64
	CapAfter  int64
	// PositionWasClosed is false when the account needed no action.
	PositionWasClosed bool
}

// CrankOutcome reports one crank invocation.
type CrankOutcome struct {
	// Advanced is the number of slot positions the cursor moved.
	Advanced uint16
	// SlotsForgiven is the caller's maintenance-fee forgiveness window.
	SlotsForgiven uint64
	// CallerSettleOk reports whether the caller's own settlement applied.
	CallerSettleOk bool

	NumLiquidations uint16
	NumLiqErrors    uint16
	NumGcClosed     uint16

	ForceRealizeClosed uint16
	ForceRealizeErrors uint16
	// ForceRealizeNeeded is set when underwater positions remain after the
	// force-realize budget was exhausted.
	ForceRealizeNeeded bool

	// PanicNeeded is set when the system is under-collateralized and a
	// haircut below 100% was in effect for this invocation.
	PanicNeeded bool

	LastCursor    uint16
	SweepComplete bool
}

// PanicOutcome reports a full panic settlement pass.
type PanicOutcome struct {
	AccountsSettled uint16
	TotalHaircut    int64
	HaircutApplied  bool
}
