package engine

import (
	"PerpCore/internal/fixed"
	"PerpCore/internal/slab"
)

// Residual is the portion of the vault backing positive PnL: funds held
// beyond total capital and the insurance buffer. Conservation requires it
// to be non-negative in every reachable state.
func (e *Engine) Residual() int64 {
	return fixed.Max(e.agg.vault-e.agg.cTot-e.agg.insuranceBalance, 0)
}

// coverShortfall spends insurance to close the gap between aggregate
// positive PnL and the residual backing it. Spending insurance raises the
// residual one-for-one, so the insurance buffer is consumed before any
// haircut touches account PnL. Returns the amount spent.
func (agg *aggregates) coverShortfall() int64 {
	residual := fixed.Max(agg.vault-agg.cTot-agg.insuranceBalance, 0)
	shortfall := agg.pnlPosTot - residual
	if shortfall <= 0 || agg.insuranceBalance <= 0 {
		return 0
	}
	spend := fixed.Min(shortfall, agg.insuranceBalance)
	agg.insuranceBalance -= spend
	return spend
}

// haircutRatio returns the fraction of aggregate positive PnL that is
// honorable given available backing, as the rational num/den. den == 0
// means no positive PnL exists and the ratio is taken as 1.
func haircutRatio(residual, pnlPosTot int64) (num, den int64) {
	if pnlPosTot <= 0 {
		return 1, 1
	}
	return fixed.Min(residual, pnlPosTot), pnlPosTot
}

// applyHaircut socializes the shortfall into the account's unwarmed PnL:
// the unvested portion is scaled down to num/den of itself. Vested PnL
// and capital are never touched, and once unwarmed PnL is exhausted no
// further reduction occurs. Returns the amount removed.
func (t *txn) applyHaircut(a *slab.Account, num, den int64) (int64, error) {
	unwarmed := t.e.unwarmedPnl(a)
	if unwarmed <= 0 {
		return 0, nil
	}
	keep, ok := fixed.MulDiv(unwarmed, num, den)
	if !ok {
		return 0, ErrOverflow
	}
	cut := unwarmed - keep
	if cut <= 0 {
		return 0, nil
	}
	if err := t.setPnl(a, a.Pnl-cut); err != nil {
		return 0, err
	}
	return cut, nil
}

// PanicSettleAll settles every account against the oracle price in one
// atomic pass and applies a single globally consistent haircut to all
// unwarmed PnL. It is the on-demand counterpart of the haircut the crank
// applies incrementally.
func (e *Engine) PanicSettleAll(oraclePrice int64) (*PanicOutcome, error) {
	if err := e.validatePrice(oraclePrice); err != nil {
		return nil, err
	}
	t := e.begin()

	// Settle first so the haircut observes a single marked state.
	for i := uint16(0); i < slab.MaxAccounts; i++ {
		if !e.accounts.IsUsed(i) {
			continue
		}
		a, err := t.account(i)
		if err != nil {
			return nil, err
		}
		if _, err := t.touch(a, oraclePrice, 0); err != nil {
			return nil, err
		}
	}

	spent := t.agg.coverShortfall()
	residual := fixed.Max(t.agg.vault-t.agg.cTot-t.agg.insuranceBalance, 0)
	num, den := haircutRatio(residual, t.agg.pnlPosTot)
	out := &PanicOutcome{HaircutApplied: num < den}
	for _, a := range t.accts {
		out.AccountsSettled++
		if num < den {
			cut, err := t.applyHaircut(a, num, den)
			if err != nil {
				return nil, err
			}
			total, ok := fixed.AddChecked(out.TotalHaircut, cut)
			if !ok {
				return nil, ErrOverflow
			}
			out.TotalHaircut = total
		}
	}

	t.commit()
	if out.HaircutApplied || spent > 0 {
		e.log.Warn().
			Int64("haircut_total", out.TotalHaircut).
			Int64("insurance_spent", spent).
			Int64("residual", residual).
			Msg("panic settle covered shortfall")
	}
	return out, nil
}
