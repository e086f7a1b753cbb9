package engine

import (
	"fmt"

	"github.com/google/uuid"

	"PerpCore/internal/fixed"
	"PerpCore/internal/match"
	"PerpCore/internal/slab"
)

// CreateAccount allocates a slot and returns its index. LP accounts must
// reference a registered matching strategy; user accounts must not carry
// one. The new-account fee is booked as negative fee credits and settles
// out of the first deposit.
func (e *Engine) CreateAccount(owner uuid.UUID, kind slab.Kind, matcherID uuid.UUID) (uint16, error) {
	switch kind {
	case slab.KindLP:
		if _, ok := e.matchers[matcherID]; !ok {
			return 0, fmt.Errorf("%w: matcher %s not registered", ErrInvalidMatchingEngine, matcherID)
		}
	case slab.KindUser:
		if matcherID != uuid.Nil {
			return 0, fmt.Errorf("%w: user account cannot carry a matcher", ErrAccountKindMismatch)
		}
	default:
		return 0, fmt.Errorf("%w: unknown kind %d", ErrAccountKindMismatch, kind)
	}

	idx, err := e.accounts.Allocate()
	if err != nil {
		return 0, err
	}
	a := e.accounts.At(idx)
	a.AccountID = e.nextAccountID
	a.Kind = kind
	a.Owner = owner
	a.MatcherID = matcherID
	a.FeeCredits = -e.params.NewAccountFee
	a.LastFeeSlot = e.currentSlot
	a.WarmupStartedAtSlot = e.currentSlot
	a.FundingIndex = e.fundingIndex
	e.nextAccountID++

	e.log.Debug().
		Uint16("index", idx).
		Uint64("account_id", a.AccountID).
		Str("kind", kind.String()).
		Msg("account created")
	return idx, nil
}

// riskReductionActive reports whether the insurance buffer has fallen to
// the point where only position-reducing trades are accepted.
func (e *Engine) riskReductionActive() bool {
	return e.agg.insuranceBalance <= e.params.RiskReductionThreshold
}

// RiskReductionActive exposes the trading gate state.
func (e *Engine) RiskReductionActive() bool { return e.riskReductionActive() }

// validateExecution enforces the matching contract on a proposed
// execution: bounded positive price, limit respected, direction matching
// the request, and size no larger than requested.
func (e *Engine) validateExecution(req match.Request, exec match.Execution) error {
	if exec.ExecPrice <= 0 || exec.ExecPrice > e.params.MaxOraclePrice {
		return fmt.Errorf("%w: execution price %d", ErrInvalidMatchingEngine, exec.ExecPrice)
	}
	if req.LimitPrice > 0 {
		if req.Side == match.SideBuy && exec.ExecPrice > req.LimitPrice {
			return fmt.Errorf("%w: execution price %d above buy limit %d", ErrInvalidMatchingEngine, exec.ExecPrice, req.LimitPrice)
		}
		if req.Side == match.SideSell && exec.ExecPrice < req.LimitPrice {
			return fmt.Errorf("%w: execution price %d below sell limit %d", ErrInvalidMatchingEngine, exec.ExecPrice, req.LimitPrice)
		}
	}
	if req.Side == match.SideBuy && exec.ExecSize < 0 || req.Side == match.SideSell && exec.ExecSize > 0 {
		return fmt.Errorf("%w: execution direction contradicts request", ErrPositionSizeMismatch)
	}
	if fixed.Abs(exec.ExecSize) > req.Size {
		return fmt.Errorf("%w: executed %d, requested %d", ErrPositionSizeMismatch, exec.ExecSize, req.Size)
	}
	return nil
}

// Trade fills a taker request against an LP account through its matching
// strategy. The whole operation is atomic: settlement, matching, fill,
// fee, and margin checks either all commit or none do.
func (e *Engine) Trade(takerIdx, lpIdx uint16, side match.Side, size int64, limitPrice int64, oraclePrice int64) (*match.Execution, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: trade size %d", ErrPositionSizeMismatch, size)
	}
	if limitPrice < 0 {
		return nil, fmt.Errorf("%w: limit price %d", ErrInvalidOraclePrice, limitPrice)
	}
	if err := e.validatePrice(oraclePrice); err != nil {
		return nil, err
	}
	if !e.crankFresh() {
		return nil, fmt.Errorf("%w: last crank at slot %d, now %d", ErrCrankStale, e.lastCrankSlot, e.currentSlot)
	}
	if takerIdx == lpIdx {
		return nil, fmt.Errorf("%w: taker and LP are the same account", ErrAccountKindMismatch)
	}

	t := e.begin()
	taker, err := t.account(takerIdx)
	if err != nil {
		return nil, err
	}
	lp, err := t.account(lpIdx)
	if err != nil {
		return nil, err
	}
	if taker.Kind != slab.KindUser {
		return nil, fmt.Errorf("%w: taker must be a user account", ErrAccountKindMismatch)
	}
	if lp.Kind != slab.KindLP {
		return nil, ErrNotAnLPAccount
	}
	matcher, ok := e.matchers[lp.MatcherID]
	if !ok {
		return nil, fmt.Errorf("%w: matcher %s not registered", ErrInvalidMatchingEngine, lp.MatcherID)
	}

	if _, err := t.touch(taker, oraclePrice, 0); err != nil {
		return nil, err
	}
	if _, err := t.touch(lp, oraclePrice, 0); err != nil {
		return nil, err
	}

	req := match.Request{
		TakerAccountID: taker.AccountID,
		LPAccountID:    lp.AccountID,
		Side:           side,
		Size:           size,
		LimitPrice:     limitPrice,
		OraclePrice:    oraclePrice,
	}
	exec, err := matcher.ProposeTrade(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMatchingEngine, err)
	}
	if exec.ExecSize == 0 {
		return nil, fmt.Errorf("%w: trade rejected by matcher", ErrInvalidMatchingEngine)
	}
	if err := e.validateExecution(req, exec); err != nil {
		return nil, err
	}

	// Risk-reduction gate: with the insurance buffer at or below the
	// threshold, the taker's absolute position must not grow.
	takerPos, ok := fixed.AddChecked(taker.PositionSize, exec.ExecSize)
	if !ok {
		return nil, ErrOverflow
	}
	if e.riskReductionActive() && fixed.Abs(takerPos) > fixed.Abs(taker.PositionSize) {
		return nil, ErrRiskReductionOnly
	}
	lpPos, ok := fixed.SubChecked(lp.PositionSize, exec.ExecSize)
	if !ok {
		return nil, ErrOverflow
	}

	takerGrew := fixed.Abs(takerPos) > fixed.Abs(taker.PositionSize)
	lpGrew := fixed.Abs(lpPos) > fixed.Abs(lp.PositionSize)
	if err := t.setPosition(taker, takerPos); err != nil {
		return nil, err
	}
	if err := t.setPosition(lp, lpPos); err != nil {
		return nil, err
	}
	taker.EntryPrice = oraclePrice
	lp.EntryPrice = oraclePrice
	if takerPos == 0 {
		taker.EntryPrice = 0
	}
	if lpPos == 0 {
		lp.EntryPrice = 0
	}

	// Both positions are carried at the oracle mark, so the gap between
	// execution price and oracle settles immediately as a zero-sum PnL
	// transfer. A buy below the oracle favors the taker.
	edge, ok := fixed.MulDiv(exec.ExecSize, oraclePrice-exec.ExecPrice, fixed.PriceScale)
	if !ok {
		return nil, ErrOverflow
	}
	if edge != 0 {
		takerPnl, ok := fixed.AddChecked(taker.Pnl, edge)
		if !ok {
			return nil, ErrOverflow
		}
		lpPnl, ok := fixed.SubChecked(lp.Pnl, edge)
		if !ok {
			return nil, ErrOverflow
		}
		if err := t.setPnl(taker, takerPnl); err != nil {
			return nil, err
		}
		if err := t.setPnl(lp, lpPnl); err != nil {
			return nil, err
		}
		if err := t.netLosses(taker); err != nil {
			return nil, err
		}
		if err := t.netLosses(lp); err != nil {
			return nil, err
		}
	}

	// Trading fee on executed notional, taker pays, insurance collects.
	execNotional, ok := fixed.Notional(exec.ExecSize, exec.ExecPrice)
	if !ok {
		return nil, ErrOverflow
	}
	fee, ok := fixed.MulDiv(execNotional, e.params.TradingFeeBps, fixed.BpsDenom)
	if !ok {
		return nil, ErrOverflow
	}
	if fee > 0 {
		if taker.Capital < fee {
			return nil, fmt.Errorf("%w: trading fee %d exceeds capital %d", ErrInsufficientBalance, fee, taker.Capital)
		}
		if err := t.setCapital(taker, taker.Capital-fee); err != nil {
			return nil, err
		}
		if err := t.payInsurance(fee); err != nil {
			return nil, err
		}
	}

	// Accounts that grew need initial margin headroom; the rest only need
	// to remain above maintenance.
	if !e.marginOK(taker, oraclePrice, e.tradeMarginBps(takerGrew)) {
		return nil, fmt.Errorf("%w: taker fails margin", ErrUndercollateralized)
	}
	if !e.marginOK(lp, oraclePrice, e.tradeMarginBps(lpGrew)) {
		return nil, fmt.Errorf("%w: lp fails margin", ErrUndercollateralized)
	}

	t.commit()
	e.log.Debug().
		Uint16("taker", takerIdx).
		Uint16("lp", lpIdx).
		Int64("size", exec.ExecSize).
		Int64("price", exec.ExecPrice).
		Int64("fee", fee).
		Msg("trade")
	return &exec, nil
}

func (e *Engine) tradeMarginBps(increased bool) int64 {
	if increased {
		return e.params.InitialMarginBps
	}
	return e.params.MaintenanceMarginBps
}
