package engine

import (
	"fmt"

	"PerpCore/internal/fixed"
)

// AccrueFunding advances the global funding index by rateBpsPerSlot of
// the oracle price for each slot since the last accrual. The index only
// moves forward in time: a rate can never be applied to slots already
// indexed, so late or replayed accruals cannot rewrite history.
// Per-account settlement happens lazily on touch.
func (e *Engine) AccrueFunding(slot uint64, rateBpsPerSlot int64, oraclePrice int64) error {
	if err := e.validatePrice(oraclePrice); err != nil {
		return err
	}
	if slot < e.lastFundingSlot {
		return fmt.Errorf("%w: funding slot %d < %d", ErrClockRegression, slot, e.lastFundingSlot)
	}
	if slot > e.currentSlot {
		if err := e.AdvanceSlot(slot); err != nil {
			return err
		}
	}
	elapsed := slot - e.lastFundingSlot
	if elapsed == 0 || rateBpsPerSlot == 0 {
		e.lastFundingSlot = slot
		return nil
	}

	perSlot, ok := fixed.MulDiv(oraclePrice, rateBpsPerSlot, fixed.BpsDenom)
	if !ok {
		return ErrOverflow
	}
	delta, ok := fixed.MulDiv(perSlot, int64(elapsed), 1)
	if !ok {
		return ErrOverflow
	}
	index, ok := fixed.AddChecked(e.fundingIndex, delta)
	if !ok {
		return ErrOverflow
	}
	e.fundingIndex = index
	e.lastFundingSlot = slot
	e.log.Debug().
		Uint64("slot", slot).
		Int64("rate_bps", rateBpsPerSlot).
		Int64("index", index).
		Msg("funding accrued")
	return nil
}
