// Package match defines the boundary between the risk engine and pluggable
// matching strategies. The engine never trusts a strategy: every execution
// it proposes is re-validated against hard bounds before any account state
// moves.
package match

import "github.com/google/uuid"

// Side is the taker's direction for a trade request.
type Side uint8

const (
	SideBuy Side = iota
	SideSell
)

func (s Side) String() string {
	if s == SideBuy {
		return "Buy"
	}
	return "Sell"
}

// Request is what the engine hands a matching strategy: the taker's intent
// plus the current oracle price for reference pricing.
type Request struct {
	TakerAccountID uint64
	LPAccountID    uint64
	Side           Side
	Size           int64 // base units, always positive
	LimitPrice     int64 // 1e6 fixed point, 0 means no limit
	OraclePrice    int64 // 1e6 fixed point
}

// Execution is the strategy's proposal. ExecSize carries the taker's sign
// convention (positive for buy, negative for sell) and must not exceed the
// requested size in magnitude; ExecPrice must be positive and within the
// engine's oracle price bound.
type Execution struct {
	ExecSize  int64
	ExecPrice int64
}

// Matcher is a registered matching strategy. ProposeTrade may return a
// zero-size execution to decline the trade; errors abort it. The engine
// treats any violation of the Execution contract as ErrInvalidMatchingEngine
// and rolls the trade back.
type Matcher interface {
	ID() uuid.UUID
	ProposeTrade(req Request) (Execution, error)
}
