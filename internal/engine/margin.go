package engine

import (
	"fmt"
	"math/big"

	"PerpCore/internal/fixed"
	"PerpCore/internal/slab"
)

// equityAtMark values the account at the oracle price without mutating
// it: capital plus PnL plus unsettled funding and mark-to-market. The
// second result is false on arithmetic overflow.
func (e *Engine) equityAtMark(a *slab.Account, oraclePrice int64) (int64, bool) {
	eq, ok := fixed.AddChecked(a.Capital, a.Pnl)
	if !ok {
		return 0, false
	}
	if a.PositionSize == 0 {
		return eq, true
	}
	funding, ok := fixed.MulDiv(a.PositionSize, e.fundingIndex-a.FundingIndex, fixed.PriceScale)
	if !ok {
		return 0, false
	}
	mark, ok := fixed.MulDiv(a.PositionSize, oraclePrice-a.EntryPrice, fixed.PriceScale)
	if !ok {
		return 0, false
	}
	if eq, ok = fixed.AddChecked(eq, funding); !ok {
		return 0, false
	}
	return fixed.AddChecked(eq, mark)
}

// marginOK reports whether the account meets the given margin requirement
// at the oracle price. Flat accounts always pass; overflow fails closed.
func (e *Engine) marginOK(a *slab.Account, oraclePrice int64, marginBps int64) bool {
	if a.PositionSize == 0 {
		return true
	}
	equity, ok := e.equityAtMark(a, oraclePrice)
	if !ok {
		return false
	}
	notional, ok := fixed.Notional(a.PositionSize, oraclePrice)
	if !ok {
		return false
	}
	required, ok := fixed.MulDivCeil(notional, marginBps, fixed.BpsDenom)
	if !ok {
		return false
	}
	return equity >= required
}

// CheckMargin verifies the account meets maintenance margin at the oracle
// price. Read-only.
func (e *Engine) CheckMargin(idx uint16, oraclePrice int64) error {
	if err := e.validatePrice(oraclePrice); err != nil {
		return err
	}
	a, err := e.accounts.Get(idx)
	if err != nil {
		return err
	}
	if !e.marginOK(a, oraclePrice, e.params.MaintenanceMarginBps) {
		return ErrUndercollateralized
	}
	return nil
}

// partialCloseSize returns the smallest position amount whose closure at
// the oracle price, net of the liquidation fee, restores the account to
// maintenance margin plus the liquidation buffer.
//
// With equity E, absolute position N, price P, target margin r and fee f
// (both bps), the post-close requirement E - q*P*f/1e10 >= (N-q)*P*r/1e10
// solves to q >= (r*P*N - 1e10*E) / (P*(r-f)).
func (e *Engine) partialCloseSize(equity, absPos, oraclePrice int64) int64 {
	r := e.params.MaintenanceMarginBps + e.params.LiquidationBufferBps
	f := e.params.LiquidationFeeBps

	num := new(big.Int).SetInt64(oraclePrice)
	num.Mul(num, big.NewInt(absPos))
	num.Mul(num, big.NewInt(r))
	scaledEq := new(big.Int).SetInt64(equity)
	scaledEq.Mul(scaledEq, big.NewInt(fixed.PriceScale*fixed.BpsDenom))
	num.Sub(num, scaledEq)
	if num.Sign() <= 0 {
		return 0
	}

	den := new(big.Int).SetInt64(oraclePrice)
	den.Mul(den, big.NewInt(r-f))

	// Ceiling division; num and den are both positive here.
	q := new(big.Int)
	rem := new(big.Int)
	q.QuoRem(num, den, rem)
	if rem.Sign() != 0 {
		q.Add(q, big.NewInt(1))
	}
	if !q.IsInt64() || q.Int64() > absPos {
		return absPos
	}
	return q.Int64()
}

// liquidateCurrent closes enough of an already-settled position at the
// oracle price to restore margin. Deeply underwater accounts (equity at or
// below zero) cannot be liquidated and are deferred to force-realize.
func (t *txn) liquidateCurrent(a *slab.Account, oraclePrice int64, markPnl int64) (*ClosedOutcome, error) {
	e := t.e
	if e.marginOK(a, oraclePrice, e.params.MaintenanceMarginBps) {
		return &ClosedOutcome{MarkPnl: markPnl, CapBefore: a.Capital, CapAfter: a.Capital}, nil
	}
	equity, ok := fixed.AddChecked(a.Capital, a.Pnl)
	if !ok {
		return nil, ErrOverflow
	}
	if equity <= 0 {
		return nil, fmt.Errorf("%w: equity %d, needs force realize", ErrUndercollateralized, equity)
	}

	absPos := fixed.Abs(a.PositionSize)
	closeSize := e.partialCloseSize(equity, absPos, oraclePrice)
	if closeSize <= 0 || absPos-closeSize < e.params.MinLiquidationAbs {
		// Dust floor: never leave a position too small to liquidate again.
		closeSize = absPos
	}

	capBefore := a.Capital
	closedNotional, ok := fixed.Notional(closeSize, oraclePrice)
	if !ok {
		return nil, ErrOverflow
	}
	fee, ok := fixed.MulDiv(closedNotional, e.params.LiquidationFeeBps, fixed.BpsDenom)
	if !ok {
		return nil, ErrOverflow
	}
	fee = fixed.Min(fee, e.params.LiquidationFeeCap)
	fee = fixed.Min(fee, a.Capital)
	if fee > 0 {
		if err := t.setCapital(a, a.Capital-fee); err != nil {
			return nil, err
		}
		if err := t.payInsurance(fee); err != nil {
			return nil, err
		}
	}

	newPos := a.PositionSize
	if newPos > 0 {
		newPos -= closeSize
	} else {
		newPos += closeSize
	}
	if err := t.setPosition(a, newPos); err != nil {
		return nil, err
	}
	if newPos == 0 {
		a.EntryPrice = 0
	}

	return &ClosedOutcome{
		AbsPos:            closeSize,
		MarkPnl:           markPnl,
		CapBefore:         capBefore,
		CapAfter:          a.Capital,
		PositionWasClosed: true,
	}, nil
}

// forceRealize closes the position fully at the oracle price with no fee
// and no margin condition. Used when ordinary liquidation cannot restore
// solvency.
func (t *txn) forceRealize(a *slab.Account, markPnl int64) (*ClosedOutcome, error) {
	out := &ClosedOutcome{
		AbsPos:    fixed.Abs(a.PositionSize),
		MarkPnl:   markPnl,
		CapBefore: a.Capital,
		CapAfter:  a.Capital,
	}
	if a.PositionSize == 0 {
		return out, nil
	}
	if err := t.setPosition(a, 0); err != nil {
		return nil, err
	}
	a.EntryPrice = 0
	out.PositionWasClosed = true
	return out, nil
}

// Liquidate is the explicit, urgent-case liquidation entry point outside
// the scheduled sweep. Healthy accounts settle and return a no-op outcome.
func (e *Engine) Liquidate(idx uint16, oraclePrice int64) (*ClosedOutcome, error) {
	if err := e.validatePrice(oraclePrice); err != nil {
		return nil, err
	}
	t := e.begin()
	a, err := t.account(idx)
	if err != nil {
		return nil, err
	}
	markPnl, err := t.touch(a, oraclePrice, 0)
	if err != nil {
		return nil, err
	}
	out, err := t.liquidateCurrent(a, oraclePrice, markPnl)
	if err != nil {
		return nil, err
	}
	t.commit()
	if out.PositionWasClosed {
		e.lifetimeLiquidations++
		e.log.Info().
			Uint16("index", idx).
			Int64("closed", out.AbsPos).
			Int64("price", oraclePrice).
			Int64("fee", out.CapBefore-out.CapAfter).
			Msg("liquidation")
	}
	return out, nil
}
