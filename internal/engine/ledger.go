package engine

import (
	"fmt"

	"PerpCore/internal/fixed"
	"PerpCore/internal/slab"
)

// warmupSlope returns the per-slot vesting rate for a positive PnL
// balance. Rounded up so vesting completes within the warmup period.
func warmupSlope(pnl int64, periodSlots uint64) int64 {
	if pnl <= 0 {
		return 0
	}
	if periodSlots == 0 {
		return pnl
	}
	slope, ok := fixed.MulDivCeil(pnl, 1, int64(periodSlots))
	if !ok {
		return pnl
	}
	return slope
}

// vestedPnl returns the withdrawable portion of the account's positive
// PnL at the current slot. Vesting is piecewise linear from
// WarmupStartedAtSlot and capped at the full balance.
func (e *Engine) vestedPnl(a *slab.Account) int64 {
	if a.Pnl <= 0 {
		return 0
	}
	if e.params.WarmupPeriodSlots == 0 || a.WarmupSlopePerStep <= 0 {
		return a.Pnl
	}
	if e.currentSlot < a.WarmupStartedAtSlot {
		return 0
	}
	elapsed := e.currentSlot - a.WarmupStartedAtSlot
	if elapsed >= e.params.WarmupPeriodSlots {
		return a.Pnl
	}
	vested, ok := fixed.MulDiv(a.WarmupSlopePerStep, int64(elapsed), 1)
	if !ok {
		return a.Pnl
	}
	return fixed.Min(vested, a.Pnl)
}

// unwarmedPnl is the portion still subject to the ADL haircut.
func (e *Engine) unwarmedPnl(a *slab.Account) int64 {
	if a.Pnl <= 0 {
		return 0
	}
	return a.Pnl - e.vestedPnl(a)
}

// settleFunding applies the lazy per-account funding settlement: the PnL
// absorbs the index movement since the account's last snapshot.
func (t *txn) settleFunding(a *slab.Account) error {
	idx := t.e.fundingIndex
	if a.FundingIndex == idx {
		return nil
	}
	if a.PositionSize != 0 {
		delta, ok := fixed.MulDiv(a.PositionSize, idx-a.FundingIndex, fixed.PriceScale)
		if !ok {
			return ErrOverflow
		}
		pnl, ok := fixed.AddChecked(a.Pnl, delta)
		if !ok {
			return ErrOverflow
		}
		if err := t.setPnl(a, pnl); err != nil {
			return err
		}
	}
	a.FundingIndex = idx
	return nil
}

// settleFees charges maintenance fees for the slots elapsed since the
// account's last settlement. Fee credits absorb the charge first; the
// remainder draws from capital into the insurance fund, and any shortfall
// stays as negative credits.
func (t *txn) settleFees(a *slab.Account, forgivenSlots uint64) error {
	if t.e.currentSlot <= a.LastFeeSlot {
		return nil
	}
	elapsed := t.e.currentSlot - a.LastFeeSlot
	a.LastFeeSlot = t.e.currentSlot
	if t.e.params.MaintenanceFeePerSlot == 0 {
		return nil
	}
	if forgivenSlots > elapsed {
		forgivenSlots = elapsed
	}
	owed, ok := fixed.MulDiv(t.e.params.MaintenanceFeePerSlot, int64(elapsed-forgivenSlots), 1)
	if !ok {
		return ErrOverflow
	}
	credits, ok := fixed.SubChecked(a.FeeCredits, owed)
	if !ok {
		return ErrOverflow
	}
	if credits < 0 {
		draw := fixed.Min(-credits, a.Capital)
		if err := t.setCapital(a, a.Capital-draw); err != nil {
			return err
		}
		if err := t.payInsurance(draw); err != nil {
			return err
		}
		credits += draw
	}
	a.FeeCredits = credits
	return nil
}

// settleToMark performs variation-margin settlement: the gap between the
// entry price and the oracle price is realized into PnL and the entry
// price resets to the mark. Every position mutation routes through here
// first so positions are fungible across counterparties.
func (t *txn) settleToMark(a *slab.Account, oraclePrice int64) (int64, error) {
	if a.PositionSize == 0 {
		return 0, nil
	}
	delta, ok := fixed.MulDiv(a.PositionSize, oraclePrice-a.EntryPrice, fixed.PriceScale)
	if !ok {
		return 0, ErrOverflow
	}
	if delta != 0 {
		pnl, ok := fixed.AddChecked(a.Pnl, delta)
		if !ok {
			return 0, ErrOverflow
		}
		if err := t.setPnl(a, pnl); err != nil {
			return 0, err
		}
	}
	a.EntryPrice = oraclePrice
	return delta, nil
}

// netLosses realizes negative PnL against capital. Equity is unchanged,
// but the capital reduction is what creates the vault residual that backs
// counterparties' positive PnL, so it must happen on every settlement
// rather than waiting for a withdrawal.
func (t *txn) netLosses(a *slab.Account) error {
	if a.Pnl >= 0 || a.Capital == 0 {
		return nil
	}
	offset := fixed.Min(-a.Pnl, a.Capital)
	if err := t.setCapital(a, a.Capital-offset); err != nil {
		return err
	}
	return t.setPnl(a, a.Pnl+offset)
}

// touch brings an account fully current: funding, maintenance fees, mark
// settlement, then loss realization. Returns the realized mark PnL.
func (t *txn) touch(a *slab.Account, oraclePrice int64, forgivenSlots uint64) (int64, error) {
	if err := t.settleFunding(a); err != nil {
		return 0, err
	}
	if err := t.settleFees(a, forgivenSlots); err != nil {
		return 0, err
	}
	markPnl, err := t.settleToMark(a, oraclePrice)
	if err != nil {
		return 0, err
	}
	if err := t.netLosses(a); err != nil {
		return 0, err
	}
	return markPnl, nil
}

// ----------------------------------------------------------------------------
// Deposits and withdrawals
// ----------------------------------------------------------------------------

// Deposit credits amount into the account's capital and the vault.
func (e *Engine) Deposit(idx uint16, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: deposit amount %d", ErrInsufficientBalance, amount)
	}
	t := e.begin()
	a, err := t.account(idx)
	if err != nil {
		return err
	}
	newCap, ok := fixed.AddChecked(a.Capital, amount)
	if !ok {
		return ErrOverflow
	}
	if err := t.setCapital(a, newCap); err != nil {
		return err
	}
	vault, ok := fixed.AddChecked(t.agg.vault, amount)
	if !ok {
		return ErrOverflow
	}
	t.agg.vault = vault
	t.commit()
	e.log.Debug().Uint16("index", idx).Int64("amount", amount).Msg("deposit")
	return nil
}

// Withdraw debits amount from the account, drawing capital first and then
// vested PnL. Unvested profit is never withdrawable, and vested profit
// leaves the vault only up to what the residual plus the insurance buffer
// back. A withdrawal that would breach initial margin on an open position
// is rejected.
func (e *Engine) Withdraw(idx uint16, amount int64, oraclePrice int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: withdraw amount %d", ErrInsufficientBalance, amount)
	}
	if err := e.validatePrice(oraclePrice); err != nil {
		return err
	}
	t := e.begin()
	a, err := t.account(idx)
	if err != nil {
		return err
	}
	if _, err := t.touch(a, oraclePrice, 0); err != nil {
		return err
	}

	if a.Pnl >= 0 {
		vested := e.vestedPnl(a)
		total, ok := fixed.AddChecked(a.Capital, a.Pnl)
		if !ok {
			return ErrOverflow
		}
		if amount > total {
			return fmt.Errorf("%w: requested %d, equity %d", ErrInsufficientBalance, amount, total)
		}
		avail, ok := fixed.AddChecked(a.Capital, vested)
		if !ok {
			return ErrOverflow
		}
		if amount > avail {
			return fmt.Errorf("%w: requested %d, withdrawable %d", ErrPnlNotWarmedUp, amount, avail)
		}
		fromCapital := fixed.Min(amount, a.Capital)
		fromPnl := amount - fromCapital
		if fromPnl > 0 {
			// A counterparty loss that has not been realized yet is not
			// backing; only the residual and the insurance buffer are.
			residual := fixed.Max(t.agg.vault-t.agg.cTot-t.agg.insuranceBalance, 0)
			backed, ok := fixed.AddChecked(residual, t.agg.insuranceBalance)
			if !ok {
				return ErrOverflow
			}
			if fromPnl > backed {
				return fmt.Errorf("%w: pnl withdrawal %d, backed %d", ErrInsufficientBalance, fromPnl, backed)
			}
			if fromPnl > residual {
				t.agg.insuranceBalance -= fromPnl - residual
			}
		}
		if err := t.setCapital(a, a.Capital-fromCapital); err != nil {
			return err
		}
		if fromPnl > 0 {
			if err := t.setPnl(a, a.Pnl-fromPnl); err != nil {
				return err
			}
		}
	} else {
		// Losses realize into capital before any withdrawal.
		equity, ok := fixed.AddChecked(a.Capital, a.Pnl)
		if !ok {
			return ErrOverflow
		}
		if amount > equity {
			return fmt.Errorf("%w: requested %d, equity %d", ErrInsufficientBalance, amount, equity)
		}
		if err := t.setCapital(a, equity-amount); err != nil {
			return err
		}
		if err := t.setPnl(a, 0); err != nil {
			return err
		}
	}

	if a.PositionSize != 0 && !e.marginOK(a, oraclePrice, e.params.InitialMarginBps) {
		return fmt.Errorf("%w: withdrawal would breach initial margin", ErrUndercollateralized)
	}

	vault, ok := fixed.SubChecked(t.agg.vault, amount)
	if !ok || vault < 0 {
		return ErrOverflow
	}
	t.agg.vault = vault
	t.commit()
	e.log.Debug().Uint16("index", idx).Int64("amount", amount).Msg("withdraw")
	return nil
}

// FundInsurance credits an external contribution into the insurance fund
// and the vault. Operator-seeded insurance is what lifts the system out
// of risk-reduction mode at genesis.
func (e *Engine) FundInsurance(amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: insurance contribution %d", ErrInsufficientBalance, amount)
	}
	vault, ok := fixed.AddChecked(e.agg.vault, amount)
	if !ok {
		return ErrOverflow
	}
	bal, ok := fixed.AddChecked(e.agg.insuranceBalance, amount)
	if !ok {
		return ErrOverflow
	}
	e.agg.vault = vault
	e.agg.insuranceBalance = bal
	e.log.Info().Int64("amount", amount).Int64("balance", bal).Msg("insurance funded")
	return nil
}

// Settle brings the account current against the oracle price and commits.
// Returns the realized mark PnL.
func (e *Engine) Settle(idx uint16, oraclePrice int64) (int64, error) {
	if err := e.validatePrice(oraclePrice); err != nil {
		return 0, err
	}
	t := e.begin()
	a, err := t.account(idx)
	if err != nil {
		return 0, err
	}
	markPnl, err := t.touch(a, oraclePrice, 0)
	if err != nil {
		return 0, err
	}
	t.commit()
	return markPnl, nil
}
