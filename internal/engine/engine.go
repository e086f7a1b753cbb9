// Package engine implements the accounting and risk core of the perpetual
// futures clearing system: account slab bookkeeping, margin and
// liquidation, lazy funding settlement, the budget-bounded crank sweep,
// and the ADL haircut waterfall.
//
// The engine is logically single-threaded. Every exported operation is an
// atomic state transition: it either fully commits or fails with a typed
// error and zero mutation. Callers serialize invocations; there is no
// internal locking.
package engine

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"PerpCore/internal/fixed"
	"PerpCore/internal/match"
	"PerpCore/internal/slab"
)

// aggregates are the incrementally maintained global totals. They are
// updated only through the txn mutators so no code path can drift them.
type aggregates struct {
	vault               int64
	insuranceBalance    int64
	insuranceFeeRevenue int64
	totalOpenInterest   int64
	cTot                int64
	pnlPosTot           int64

	// LP systemic-risk aggregates. lpMaxAbs is a lifetime high-water mark.
	netLpPos int64
	lpSumAbs int64
	lpMaxAbs int64
}

// Engine owns all ledger state. External components mutate it only through
// the exported operations.
type Engine struct {
	params   RiskParams
	accounts *slab.Slab
	agg      aggregates

	currentSlot     uint64
	fundingIndex    int64
	lastFundingSlot uint64

	lastCrankSlot uint64
	crankCursor   uint16
	sweepStart    uint16
	sweepActive   bool

	nextAccountID        uint64
	lifetimeLiquidations uint64
	lifetimeForceCloses  uint64

	// matchers is the registry of external matching strategies keyed by
	// the ID LP accounts reference. Not part of serialized state.
	matchers map[uuid.UUID]match.Matcher

	log zerolog.Logger
}

// New constructs an empty engine.
func New(params RiskParams, logger zerolog.Logger) (*Engine, error) {
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("invalid risk params: %w", err)
	}
	return &Engine{
		params:        params,
		accounts:      slab.New(),
		nextAccountID: 1,
		matchers:      make(map[uuid.UUID]match.Matcher),
		log:           logger.With().Str("component", "engine").Logger(),
	}, nil
}

// RegisterMatcher makes a matching strategy available to LP accounts.
// Matchers are host-side capabilities and are re-registered on restart.
func (e *Engine) RegisterMatcher(m match.Matcher) {
	e.matchers[m.ID()] = m
}

// Params returns the active risk configuration.
func (e *Engine) Params() RiskParams { return e.params }

// CurrentSlot returns the engine clock.
func (e *Engine) CurrentSlot() uint64 { return e.currentSlot }

// AdvanceSlot moves the engine clock forward. The clock drives warmup
// vesting, funding accrual, and crank staleness; it never moves backward.
func (e *Engine) AdvanceSlot(slot uint64) error {
	if slot < e.currentSlot {
		return fmt.Errorf("%w: slot %d < %d", ErrClockRegression, slot, e.currentSlot)
	}
	e.currentSlot = slot
	return nil
}

// Account returns a copy of the account at idx.
func (e *Engine) Account(idx uint16) (slab.Account, error) {
	a, err := e.accounts.Get(idx)
	if err != nil {
		return slab.Account{}, err
	}
	return *a, nil
}

// NumUsedAccounts returns the occupied slot count.
func (e *Engine) NumUsedAccounts() uint16 { return e.accounts.Len() }

// Vault returns total funds held by the engine.
func (e *Engine) Vault() int64 { return e.agg.vault }

// InsuranceBalance returns the spendable insurance buffer.
func (e *Engine) InsuranceBalance() int64 { return e.agg.insuranceBalance }

// InsuranceFeeRevenue returns cumulative fee income.
func (e *Engine) InsuranceFeeRevenue() int64 { return e.agg.insuranceFeeRevenue }

// TotalOpenInterest returns the sum of absolute position sizes.
func (e *Engine) TotalOpenInterest() int64 { return e.agg.totalOpenInterest }

// TotalCapital returns the sum of account capital.
func (e *Engine) TotalCapital() int64 { return e.agg.cTot }

// TotalPositivePnl returns the sum of positive account PnL.
func (e *Engine) TotalPositivePnl() int64 { return e.agg.pnlPosTot }

// LastCrankSlot returns the slot of the most recent crank.
func (e *Engine) LastCrankSlot() uint64 { return e.lastCrankSlot }

// CrankCursor returns the sweep cursor position.
func (e *Engine) CrankCursor() uint16 { return e.crankCursor }

// LifetimeLiquidations returns the all-time liquidation count.
func (e *Engine) LifetimeLiquidations() uint64 { return e.lifetimeLiquidations }

// LifetimeForceCloses returns the all-time force-realize count.
func (e *Engine) LifetimeForceCloses() uint64 { return e.lifetimeForceCloses }

// FundingIndex returns the global funding index.
func (e *Engine) FundingIndex() int64 { return e.fundingIndex }

// validatePrice bounds every accepted oracle or execution price.
func (e *Engine) validatePrice(price int64) error {
	if price <= 0 || price > e.params.MaxOraclePrice {
		return fmt.Errorf("%w: %d", ErrInvalidOraclePrice, price)
	}
	return nil
}

// crankFresh reports whether trading is currently allowed.
func (e *Engine) crankFresh() bool {
	return e.currentSlot-e.lastCrankSlot <= e.params.MaxCrankStalenessSlots
}

// ----------------------------------------------------------------------------
// Transactions
// ----------------------------------------------------------------------------

// txn stages mutations against account copies and an aggregate snapshot.
// Nothing is visible until commit; dropping the txn on an error path rolls
// everything back for free.
type txn struct {
	e     *Engine
	agg   aggregates
	accts map[uint16]*slab.Account
	frees []uint16
}

func (e *Engine) begin() *txn {
	return &txn{e: e, agg: e.agg, accts: make(map[uint16]*slab.Account, 2)}
}

// account returns the staged copy of the slot, loading it on first touch.
func (t *txn) account(idx uint16) (*slab.Account, error) {
	if a, ok := t.accts[idx]; ok {
		return a, nil
	}
	src, err := t.e.accounts.Get(idx)
	if err != nil {
		return nil, err
	}
	cp := *src
	t.accts[idx] = &cp
	return &cp, nil
}

// free schedules a slot closure for commit time.
func (t *txn) free(idx uint16) {
	t.frees = append(t.frees, idx)
}

// commit writes the staged copies and aggregates back.
func (t *txn) commit() {
	for idx, cp := range t.accts {
		*t.e.accounts.At(idx) = *cp
	}
	for _, idx := range t.frees {
		// Free zeroes the slot after the copy above.
		_ = t.e.accounts.Free(idx)
	}
	t.e.agg = t.agg
}

// setCapital is the sole mutator of account capital and cTot. Every code
// path that changes capital must come through here so the aggregate can
// never drift from the slab.
func (t *txn) setCapital(a *slab.Account, v int64) error {
	if v < 0 {
		return fmt.Errorf("%w: capital %d", ErrOverflow, v)
	}
	delta, ok := fixed.SubChecked(v, a.Capital)
	if !ok {
		return ErrOverflow
	}
	cTot, ok := fixed.AddChecked(t.agg.cTot, delta)
	if !ok {
		return ErrOverflow
	}
	t.agg.cTot = cTot
	a.Capital = v
	return nil
}

// setPnl is the sole mutator of account PnL and pnlPosTot. An increase of
// positive PnL restarts the warmup vesting clock from the current slot.
func (t *txn) setPnl(a *slab.Account, v int64) error {
	delta, ok := fixed.SubChecked(fixed.Max(v, 0), fixed.Max(a.Pnl, 0))
	if !ok {
		return ErrOverflow
	}
	posTot, ok := fixed.AddChecked(t.agg.pnlPosTot, delta)
	if !ok {
		return ErrOverflow
	}
	if v > a.Pnl && v > 0 {
		a.WarmupStartedAtSlot = t.e.currentSlot
		a.WarmupSlopePerStep = warmupSlope(v, t.e.params.WarmupPeriodSlots)
	}
	t.agg.pnlPosTot = posTot
	a.Pnl = v
	return nil
}

// setPosition is the sole mutator of position size and the open-interest
// and LP aggregates. Entry price is handled by settleToMark.
func (t *txn) setPosition(a *slab.Account, size int64) error {
	delta, ok := fixed.SubChecked(fixed.Abs(size), fixed.Abs(a.PositionSize))
	if !ok {
		return ErrOverflow
	}
	oi, ok := fixed.AddChecked(t.agg.totalOpenInterest, delta)
	if !ok {
		return ErrOverflow
	}
	t.agg.totalOpenInterest = oi
	if a.Kind == slab.KindLP {
		net, ok := fixed.AddChecked(t.agg.netLpPos, size-a.PositionSize)
		if !ok {
			return ErrOverflow
		}
		sum, ok := fixed.AddChecked(t.agg.lpSumAbs, delta)
		if !ok {
			return ErrOverflow
		}
		t.agg.netLpPos = net
		t.agg.lpSumAbs = sum
		t.agg.lpMaxAbs = fixed.Max(t.agg.lpMaxAbs, fixed.Abs(size))
	}
	a.PositionSize = size
	return nil
}

// payInsurance moves quote units into the insurance fund. The vault is
// untouched; fees are internal transfers.
func (t *txn) payInsurance(amount int64) error {
	bal, ok := fixed.AddChecked(t.agg.insuranceBalance, amount)
	if !ok {
		return ErrOverflow
	}
	rev, ok := fixed.AddChecked(t.agg.insuranceFeeRevenue, amount)
	if !ok {
		return ErrOverflow
	}
	t.agg.insuranceBalance = bal
	t.agg.insuranceFeeRevenue = rev
	return nil
}

// ----------------------------------------------------------------------------
// Aggregate verification
// ----------------------------------------------------------------------------

// RecomputeAggregates rebuilds cTot, pnlPosTot, open interest and the LP
// sums by full scan and compares them to the maintained values. It is a
// correctness fallback for tests and recovery checks, never the
// steady-state path.
func (e *Engine) RecomputeAggregates() error {
	var cTot, pnlPos, oi, netLp, lpSum int64
	for i := uint16(0); i < slab.MaxAccounts; i++ {
		if !e.accounts.IsUsed(i) {
			continue
		}
		a := e.accounts.At(i)
		cTot += a.Capital
		pnlPos += fixed.Max(a.Pnl, 0)
		oi += fixed.Abs(a.PositionSize)
		if a.Kind == slab.KindLP {
			netLp += a.PositionSize
			lpSum += fixed.Abs(a.PositionSize)
		}
	}
	if cTot != e.agg.cTot || pnlPos != e.agg.pnlPosTot || oi != e.agg.totalOpenInterest ||
		netLp != e.agg.netLpPos || lpSum != e.agg.lpSumAbs {
		return fmt.Errorf("aggregate drift: cTot %d/%d pnlPos %d/%d oi %d/%d netLp %d/%d lpSum %d/%d",
			cTot, e.agg.cTot, pnlPos, e.agg.pnlPosTot, oi, e.agg.totalOpenInterest,
			netLp, e.agg.netLpPos, lpSum, e.agg.lpSumAbs)
	}
	return nil
}
