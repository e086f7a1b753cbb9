// Package command defines the wire-level command envelope the engine
// consumes. Every external mutation arrives as one of these, tagged
// with a client-chosen CommandID used for idempotent replay.
package command

import (
	"fmt"

	"github.com/google/uuid"
)

// Kind identifies the operation a command requests.
type Kind string

const (
	KindCreateAccount Kind = "create_account"
	KindDeposit       Kind = "deposit"
	KindWithdraw      Kind = "withdraw"
	KindTrade         Kind = "trade"
	KindSettle        Kind = "settle"
	KindLiquidate     Kind = "liquidate"
	KindCrank         Kind = "crank"
	KindPanicSettle   Kind = "panic_settle"
	KindFundInsurance Kind = "fund_insurance"
	KindOracleUpdate  Kind = "oracle_update"
	KindClockTick     Kind = "clock_tick"
	KindFundingRate   Kind = "funding_rate"
)

// Command is the envelope delivered over NATS. Exactly one payload
// pointer is set, matching Kind.
type Command struct {
	CommandID uuid.UUID `json:"command_id"`
	Kind      Kind      `json:"kind"`

	CreateAccount *CreateAccount `json:"create_account,omitempty"`
	Deposit       *Deposit       `json:"deposit,omitempty"`
	Withdraw      *Withdraw      `json:"withdraw,omitempty"`
	Trade         *Trade         `json:"trade,omitempty"`
	Settle        *Settle        `json:"settle,omitempty"`
	Liquidate     *Liquidate     `json:"liquidate,omitempty"`
	Crank         *Crank         `json:"crank,omitempty"`
	PanicSettle   *PanicSettle   `json:"panic_settle,omitempty"`
	FundInsurance *FundInsurance `json:"fund_insurance,omitempty"`
	OracleUpdate  *OracleUpdate  `json:"oracle_update,omitempty"`
	ClockTick     *ClockTick     `json:"clock_tick,omitempty"`
	FundingRate   *FundingRate   `json:"funding_rate,omitempty"`
}

type CreateAccount struct {
	Owner     uuid.UUID `json:"owner"`
	Kind      string    `json:"kind"` // "user" or "lp"
	MatcherID uuid.UUID `json:"matcher_id,omitempty"`
}

type Deposit struct {
	AccountIndex uint16 `json:"account_index"`
	Amount       int64  `json:"amount"`
}

type Withdraw struct {
	AccountIndex uint16 `json:"account_index"`
	Amount       int64  `json:"amount"`
}

type Trade struct {
	TakerIndex uint16 `json:"taker_index"`
	LPIndex    uint16 `json:"lp_index"`
	Side       string `json:"side"` // "buy" or "sell"
	Size       int64  `json:"size"`
	LimitPrice int64  `json:"limit_price,omitempty"`
}

type Settle struct {
	AccountIndex uint16 `json:"account_index"`
}

type Liquidate struct {
	AccountIndex uint16 `json:"account_index"`
}

type Crank struct {
	CallerIndex uint16 `json:"caller_index"`
}

type PanicSettle struct{}

type FundInsurance struct {
	Amount int64 `json:"amount"`
}

type OracleUpdate struct {
	Price int64 `json:"price"`
}

type ClockTick struct {
	Slot uint64 `json:"slot"`
}

type FundingRate struct {
	Slot           uint64 `json:"slot"`
	RateBpsPerSlot int64  `json:"rate_bps_per_slot"`
}

// Validate checks the envelope is well formed: a non-nil CommandID, a
// known kind, and the matching payload present with sane field values.
// Engine-level checks (margin, balances, staleness) happen at apply time.
func (c *Command) Validate() error {
	if c.CommandID == uuid.Nil {
		return fmt.Errorf("command_id is required")
	}
	switch c.Kind {
	case KindCreateAccount:
		if c.CreateAccount == nil {
			return missingPayload(c.Kind)
		}
		if c.CreateAccount.Kind != "user" && c.CreateAccount.Kind != "lp" {
			return fmt.Errorf("create_account: kind must be user or lp, got %q", c.CreateAccount.Kind)
		}
	case KindDeposit:
		if c.Deposit == nil {
			return missingPayload(c.Kind)
		}
		if c.Deposit.Amount <= 0 {
			return fmt.Errorf("deposit: amount must be > 0")
		}
	case KindWithdraw:
		if c.Withdraw == nil {
			return missingPayload(c.Kind)
		}
		if c.Withdraw.Amount <= 0 {
			return fmt.Errorf("withdraw: amount must be > 0")
		}
	case KindTrade:
		if c.Trade == nil {
			return missingPayload(c.Kind)
		}
		if c.Trade.Side != "buy" && c.Trade.Side != "sell" {
			return fmt.Errorf("trade: side must be buy or sell, got %q", c.Trade.Side)
		}
		if c.Trade.Size <= 0 {
			return fmt.Errorf("trade: size must be > 0")
		}
		if c.Trade.LimitPrice < 0 {
			return fmt.Errorf("trade: limit_price must be >= 0")
		}
	case KindSettle:
		if c.Settle == nil {
			return missingPayload(c.Kind)
		}
	case KindLiquidate:
		if c.Liquidate == nil {
			return missingPayload(c.Kind)
		}
	case KindCrank:
		if c.Crank == nil {
			return missingPayload(c.Kind)
		}
	case KindPanicSettle:
		if c.PanicSettle == nil {
			return missingPayload(c.Kind)
		}
	case KindFundInsurance:
		if c.FundInsurance == nil {
			return missingPayload(c.Kind)
		}
		if c.FundInsurance.Amount <= 0 {
			return fmt.Errorf("fund_insurance: amount must be > 0")
		}
	case KindOracleUpdate:
		if c.OracleUpdate == nil {
			return missingPayload(c.Kind)
		}
		if c.OracleUpdate.Price <= 0 {
			return fmt.Errorf("oracle_update: price must be > 0")
		}
	case KindClockTick:
		if c.ClockTick == nil {
			return missingPayload(c.Kind)
		}
	case KindFundingRate:
		if c.FundingRate == nil {
			return missingPayload(c.Kind)
		}
	default:
		return fmt.Errorf("unknown command kind %q", c.Kind)
	}
	return nil
}

func missingPayload(k Kind) error {
	return fmt.Errorf("%s: payload is required", k)
}
