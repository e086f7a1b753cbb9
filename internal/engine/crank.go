package engine

import (
	"PerpCore/internal/slab"
)

// Crank runs one budget-bounded maintenance step: it settles the caller
// with a fee-forgiveness discount, advances the sweep cursor over at most
// AccountsPerCrank slot positions (settling, liquidating, force-realizing
// and garbage-collecting the occupied slots it passes), then covers any
// shortfall from insurance and haircuts the visited accounts' unwarmed
// PnL. Per-account failures inside the sweep are counted in the outcome,
// never propagated, so one bad account cannot stall the safety net.
func (e *Engine) Crank(callerIdx uint16, oraclePrice int64) (*CrankOutcome, error) {
	if err := e.validatePrice(oraclePrice); err != nil {
		return nil, err
	}
	if !e.accounts.IsUsed(callerIdx) {
		return nil, ErrAccountNotFound
	}

	out := &CrankOutcome{}
	out.SlotsForgiven = (e.currentSlot - e.lastCrankSlot) / 2

	// The caller's own settlement gets the forgiveness window as the
	// incentive for turning the crank.
	ct := e.begin()
	if caller, err := ct.account(callerIdx); err == nil {
		if _, err := ct.touch(caller, oraclePrice, out.SlotsForgiven); err == nil {
			ct.commit()
			out.CallerSettleOk = true
		}
	}
	e.lastCrankSlot = e.currentSlot

	if !e.sweepActive {
		e.sweepStart = e.crankCursor
		e.sweepActive = true
	}
	remaining := (uint32(e.sweepStart) - uint32(e.crankCursor)) & slab.IndexMask
	if remaining == 0 {
		remaining = slab.MaxAccounts
	}
	n := uint16(remaining)
	if n > AccountsPerCrank {
		n = AccountsPerCrank
	}

	// Settle pass.
	var visited []uint16
	for i := uint16(0); i < n; i++ {
		idx := (e.crankCursor + i) & slab.IndexMask
		if !e.accounts.IsUsed(idx) {
			continue
		}
		e.crankStep(idx, oraclePrice, out)
		if e.accounts.IsUsed(idx) {
			visited = append(visited, idx)
		}
	}

	// Haircut pass, against the settled aggregates. Insurance is spent
	// first; whatever shortfall remains is socialized with one ratio so
	// the rule is consistent across everything this call visited.
	if spent := e.agg.coverShortfall(); spent > 0 {
		e.log.Warn().Int64("insurance_spent", spent).Msg("insurance covered shortfall")
	}
	hNum, hDen := haircutRatio(e.Residual(), e.agg.pnlPosTot)
	out.PanicNeeded = hNum < hDen
	if hNum < hDen {
		for _, idx := range visited {
			t := e.begin()
			a, err := t.account(idx)
			if err != nil {
				continue
			}
			if _, err := t.applyHaircut(a, hNum, hDen); err != nil {
				continue
			}
			t.commit()
		}
	}

	e.crankCursor = (e.crankCursor + n) & slab.IndexMask
	out.Advanced = n
	out.LastCursor = e.crankCursor
	if e.crankCursor == e.sweepStart {
		out.SweepComplete = true
		e.sweepActive = false
	}

	e.log.Debug().
		Uint16("cursor", out.LastCursor).
		Uint16("advanced", out.Advanced).
		Uint16("liquidations", out.NumLiquidations).
		Uint16("liq_errors", out.NumLiqErrors).
		Uint16("gc_closed", out.NumGcClosed).
		Bool("panic_needed", out.PanicNeeded).
		Bool("sweep_complete", out.SweepComplete).
		Msg("crank")
	return out, nil
}

// crankStep maintains a single occupied slot inside the sweep. The slot's
// mutations are staged and committed as a unit; any failure rolls the
// slot back and the sweep moves on.
func (e *Engine) crankStep(idx uint16, oraclePrice int64, out *CrankOutcome) {
	t := e.begin()
	a, err := t.account(idx)
	if err != nil {
		return
	}
	markPnl, err := t.touch(a, oraclePrice, 0)
	if err != nil {
		out.NumLiqErrors++
		return
	}

	liquidated := false
	forceClosed := false
	if !e.marginOK(a, oraclePrice, e.params.MaintenanceMarginBps) &&
		out.NumLiquidations < LiqBudgetPerCrank {
		res, err := t.liquidateCurrent(a, oraclePrice, markPnl)
		switch {
		case err == nil && res.PositionWasClosed:
			liquidated = true
		case err != nil:
			// Underwater past recovery: realize the position at the
			// oracle unconditionally if budget remains.
			out.NumLiqErrors++
			if out.ForceRealizeClosed < ForceRealizeBudgetPerCrank {
				fr, ferr := t.forceRealize(a, markPnl)
				if ferr != nil || !fr.PositionWasClosed {
					out.ForceRealizeErrors++
					return
				}
				forceClosed = true
			} else {
				out.ForceRealizeNeeded = true
				return
			}
		}
	}

	// Garbage-collect fully drained dust accounts.
	freed := false
	if out.NumGcClosed < GCCloseBudget &&
		a.Capital == 0 && a.PositionSize == 0 && a.Pnl <= 0 && a.FeeCredits <= 0 {
		if a.Pnl < 0 {
			// Written-off loss; pnlPosTot is unaffected by negatives.
			if err := t.setPnl(a, 0); err != nil {
				return
			}
		}
		t.free(idx)
		freed = true
	}

	t.commit()
	if liquidated {
		out.NumLiquidations++
		e.lifetimeLiquidations++
	}
	if forceClosed {
		out.ForceRealizeClosed++
		e.lifetimeForceCloses++
	}
	if freed {
		out.NumGcClosed++
	}
}

// CrankFresh reports whether the last crank is within the staleness
// window that gates trading.
func (e *Engine) CrankFresh() bool { return e.crankFresh() }

// SweepProgress exposes the cursor state for observability.
func (e *Engine) SweepProgress() (cursor, sweepStart uint16, active bool) {
	return e.crankCursor, e.sweepStart, e.sweepActive
}
