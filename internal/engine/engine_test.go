package engine_test

import (
	"PerpCore/internal/engine"
	"PerpCore/internal/match"
	"PerpCore/internal/slab"
	"bytes"
	"errors"
	"math"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const oneQuote = 1_000_000 // price 1.0 in 1e6 fixed point

// --- Test helpers ---

func testParams() engine.RiskParams {
	p := engine.DefaultRiskParams()
	p.WarmupPeriodSlots = 100
	p.MaintenanceMarginBps = 500
	p.InitialMarginBps = 1000
	p.LiquidationBufferBps = 100
	p.MinLiquidationAbs = 100
	p.TradingFeeBps = 0
	p.LiquidationFeeBps = 50
	p.MaintenanceFeePerSlot = 0
	p.NewAccountFee = 0
	p.RiskReductionThreshold = -1 // gate disabled unless a test opts in
	p.MaxCrankStalenessSlots = 150
	return p
}

func newTestEngine(t *testing.T, p engine.RiskParams) *engine.Engine {
	t.Helper()
	e, err := engine.New(p, zerolog.Nop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return e
}

// stubMatcher fills the full requested size. A zero price means "fill at
// the oracle"; exec overrides the proposal entirely.
type stubMatcher struct {
	id    uuid.UUID
	price int64
	exec  *match.Execution
	err   error
}

func newStubMatcher() *stubMatcher {
	return &stubMatcher{id: uuid.New()}
}

func (m *stubMatcher) ID() uuid.UUID { return m.id }

func (m *stubMatcher) ProposeTrade(req match.Request) (match.Execution, error) {
	if m.err != nil {
		return match.Execution{}, m.err
	}
	if m.exec != nil {
		return *m.exec, nil
	}
	price := m.price
	if price == 0 {
		price = req.OraclePrice
	}
	size := req.Size
	if req.Side == match.SideSell {
		size = -size
	}
	return match.Execution{ExecSize: size, ExecPrice: price}, nil
}

func newUser(t *testing.T, e *engine.Engine, capital int64) uint16 {
	t.Helper()
	idx, err := e.CreateAccount(uuid.New(), slab.KindUser, uuid.Nil)
	if err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}
	if capital > 0 {
		if err := e.Deposit(idx, capital); err != nil {
			t.Fatalf("Deposit failed: %v", err)
		}
	}
	return idx
}

func newLP(t *testing.T, e *engine.Engine, m match.Matcher, capital int64) uint16 {
	t.Helper()
	e.RegisterMatcher(m)
	idx, err := e.CreateAccount(uuid.New(), slab.KindLP, m.ID())
	if err != nil {
		t.Fatalf("CreateAccount(LP) failed: %v", err)
	}
	if capital > 0 {
		if err := e.Deposit(idx, capital); err != nil {
			t.Fatalf("Deposit failed: %v", err)
		}
	}
	return idx
}

func mustTrade(t *testing.T, e *engine.Engine, taker, lp uint16, side match.Side, size, oracle int64) {
	t.Helper()
	if _, err := e.Trade(taker, lp, side, size, 0, oracle); err != nil {
		t.Fatalf("Trade failed: %v", err)
	}
}

func mustAccount(t *testing.T, e *engine.Engine, idx uint16) slab.Account {
	t.Helper()
	a, err := e.Account(idx)
	if err != nil {
		t.Fatalf("Account(%d) failed: %v", idx, err)
	}
	return a
}

// checkConservation asserts vault == cTot + insurance + residual with a
// non-negative residual, and that the incremental aggregates agree with a
// full rescan.
func checkConservation(t *testing.T, e *engine.Engine) {
	t.Helper()
	if err := e.RecomputeAggregates(); err != nil {
		t.Fatalf("aggregates drifted: %v", err)
	}
	raw := e.Vault() - e.TotalCapital() - e.InsuranceBalance()
	if raw < 0 {
		t.Fatalf("conservation violated: vault %d, cTot %d, insurance %d, residual %d",
			e.Vault(), e.TotalCapital(), e.InsuranceBalance(), raw)
	}
}

// ============================================================================
// Test: Account lifecycle
// ============================================================================

func TestCreateAccount_AssignsMonotonicIDs(t *testing.T) {
	e := newTestEngine(t, testParams())

	a := newUser(t, e, 0)
	b := newUser(t, e, 0)
	acctA := mustAccount(t, e, a)
	acctB := mustAccount(t, e, b)
	if acctB.AccountID != acctA.AccountID+1 {
		t.Errorf("expected consecutive account IDs, got %d then %d", acctA.AccountID, acctB.AccountID)
	}
}

func TestCreateAccount_LPRequiresRegisteredMatcher(t *testing.T) {
	e := newTestEngine(t, testParams())

	_, err := e.CreateAccount(uuid.New(), slab.KindLP, uuid.New())
	if !errors.Is(err, engine.ErrInvalidMatchingEngine) {
		t.Errorf("expected ErrInvalidMatchingEngine, got %v", err)
	}
}

func TestCreateAccount_UserRejectsMatcher(t *testing.T) {
	e := newTestEngine(t, testParams())

	_, err := e.CreateAccount(uuid.New(), slab.KindUser, uuid.New())
	if !errors.Is(err, engine.ErrAccountKindMismatch) {
		t.Errorf("expected ErrAccountKindMismatch, got %v", err)
	}
}

// ============================================================================
// Test: Deposit / Withdraw
// ============================================================================

func TestDepositWithdraw_RoundTrip(t *testing.T) {
	e := newTestEngine(t, testParams())
	idx := newUser(t, e, 1000)

	if err := e.Withdraw(idx, 1000, oneQuote); err != nil {
		t.Fatalf("Withdraw failed: %v", err)
	}
	a := mustAccount(t, e, idx)
	if a.Capital != 0 || a.Pnl != 0 {
		t.Errorf("expected zero capital and pnl, got %d / %d", a.Capital, a.Pnl)
	}
	if e.Vault() != 0 {
		t.Errorf("expected empty vault, got %d", e.Vault())
	}
	checkConservation(t, e)
}

func TestWithdraw_OverBalanceFails(t *testing.T) {
	e := newTestEngine(t, testParams())
	idx := newUser(t, e, 1000)

	err := e.Withdraw(idx, 1001, oneQuote)
	if !errors.Is(err, engine.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if mustAccount(t, e, idx).Capital != 1000 {
		t.Error("failed withdrawal mutated capital")
	}
}

func TestWithdraw_UnknownAccount(t *testing.T) {
	e := newTestEngine(t, testParams())
	if err := e.Withdraw(7, 100, oneQuote); !errors.Is(err, engine.ErrAccountNotFound) {
		t.Errorf("expected ErrAccountNotFound, got %v", err)
	}
	if err := e.Deposit(7, 100); !errors.Is(err, engine.ErrAccountNotFound) {
		t.Errorf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestDeposit_OverflowRejected(t *testing.T) {
	e := newTestEngine(t, testParams())
	idx := newUser(t, e, 0)

	if err := e.Deposit(idx, math.MaxInt64); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}
	if err := e.Deposit(idx, 1); !errors.Is(err, engine.ErrOverflow) {
		t.Fatalf("expected ErrOverflow, got %v", err)
	}
	if mustAccount(t, e, idx).Capital != math.MaxInt64 {
		t.Error("overflowing deposit mutated capital")
	}
}

// openProfit gives the taker +1000 realized PnL by filling a 10k buy at
// 0.90 against a 1.00 oracle, then closing flat at the oracle.
func openProfit(t *testing.T, e *engine.Engine) (taker, lp uint16) {
	t.Helper()
	m := newStubMatcher()
	m.price = 900_000
	taker = newUser(t, e, 10_000)
	lp = newLP(t, e, m, 20_000)
	mustTrade(t, e, taker, lp, match.SideBuy, 10_000, oneQuote)
	m.price = 0 // close at oracle
	mustTrade(t, e, taker, lp, match.SideSell, 10_000, oneQuote)
	return taker, lp
}

func TestWithdraw_UnvestedProfitBlocked(t *testing.T) {
	e := newTestEngine(t, testParams())
	taker, _ := openProfit(t, e)

	a := mustAccount(t, e, taker)
	if a.Pnl != 1000 || a.Capital != 10_000 {
		t.Fatalf("expected pnl 1000 capital 10000, got %d / %d", a.Pnl, a.Capital)
	}

	// Nothing vested yet: profit is locked, capital is not.
	if err := e.Withdraw(taker, 10_001, oneQuote); !errors.Is(err, engine.ErrPnlNotWarmedUp) {
		t.Fatalf("expected ErrPnlNotWarmedUp, got %v", err)
	}
	if err := e.Withdraw(taker, 10_000, oneQuote); err != nil {
		t.Fatalf("capital withdrawal failed: %v", err)
	}

	// Beyond total equity is a plain balance error.
	if err := e.Withdraw(taker, 1001, oneQuote); !errors.Is(err, engine.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	// Fully vested after the warmup period.
	if err := e.AdvanceSlot(100); err != nil {
		t.Fatalf("AdvanceSlot failed: %v", err)
	}
	if err := e.Withdraw(taker, 1000, oneQuote); err != nil {
		t.Fatalf("vested withdrawal failed: %v", err)
	}
	checkConservation(t, e)
}

func TestWithdraw_PartialVesting(t *testing.T) {
	e := newTestEngine(t, testParams())
	taker, _ := openProfit(t, e)

	// Slope ceil(1000/100) = 10 per slot, so 50 slots vest 500.
	if err := e.AdvanceSlot(50); err != nil {
		t.Fatalf("AdvanceSlot failed: %v", err)
	}
	if err := e.Withdraw(taker, 10_501, oneQuote); !errors.Is(err, engine.ErrPnlNotWarmedUp) {
		t.Fatalf("expected ErrPnlNotWarmedUp, got %v", err)
	}
	if err := e.Withdraw(taker, 10_500, oneQuote); err != nil {
		t.Fatalf("Withdraw failed: %v", err)
	}
	a := mustAccount(t, e, taker)
	if a.Capital != 0 || a.Pnl != 500 {
		t.Errorf("expected capital 0 pnl 500, got %d / %d", a.Capital, a.Pnl)
	}
	checkConservation(t, e)
}

func TestWithdraw_UnbackedProfitBlocked(t *testing.T) {
	e := newTestEngine(t, testParams())
	m := newStubMatcher()
	taker := newUser(t, e, 50_000)
	lp := newLP(t, e, m, 10_000)
	mustTrade(t, e, taker, lp, match.SideBuy, 10_000, oneQuote)

	// Mark moves in the taker's favor but only the winner settles, so the
	// LP's loss stays unrealized and the vault holds no residual.
	const mark = 1_200_000
	if _, err := e.Settle(taker, mark); err != nil {
		t.Fatalf("Settle failed: %v", err)
	}
	if err := e.AdvanceSlot(100); err != nil {
		t.Fatalf("AdvanceSlot failed: %v", err)
	}

	// Vested but unbacked: capital may leave, the 560 of PnL may not.
	if err := e.Withdraw(taker, 50_560, mark); !errors.Is(err, engine.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance for unbacked pnl, got %v", err)
	}
	checkConservation(t, e)

	// Realizing the counterparty loss creates the residual that backs it.
	if _, err := e.Settle(lp, mark); err != nil {
		t.Fatalf("Settle(lp) failed: %v", err)
	}
	if err := e.Withdraw(taker, 50_560, mark); err != nil {
		t.Fatalf("backed withdrawal failed: %v", err)
	}
	checkConservation(t, e)
}

func TestWithdraw_InsuranceBacksVestedProfit(t *testing.T) {
	e := newTestEngine(t, testParams())
	m := newStubMatcher()
	taker := newUser(t, e, 50_000)
	lp := newLP(t, e, m, 10_000)
	mustTrade(t, e, taker, lp, match.SideBuy, 10_000, oneQuote)

	const mark = 1_200_000
	if _, err := e.Settle(taker, mark); err != nil {
		t.Fatalf("Settle failed: %v", err)
	}
	if err := e.AdvanceSlot(100); err != nil {
		t.Fatalf("AdvanceSlot failed: %v", err)
	}

	// With no residual the insurance buffer backs the PnL portion and is
	// spent by the withdrawal.
	if err := e.FundInsurance(600); err != nil {
		t.Fatalf("FundInsurance failed: %v", err)
	}
	if err := e.Withdraw(taker, 50_560, mark); err != nil {
		t.Fatalf("insurance-backed withdrawal failed: %v", err)
	}
	if bal := e.InsuranceBalance(); bal != 40 {
		t.Errorf("expected insurance 40 after spend, got %d", bal)
	}
	checkConservation(t, e)
}

func TestWarmup_NewProfitRestartsVesting(t *testing.T) {
	e := newTestEngine(t, testParams())
	m := newStubMatcher()
	m.price = 900_000
	taker := newUser(t, e, 10_000)
	lp := newLP(t, e, m, 30_000)
	mustTrade(t, e, taker, lp, match.SideBuy, 10_000, oneQuote)
	m.price = 0
	mustTrade(t, e, taker, lp, match.SideSell, 10_000, oneQuote)

	if err := e.AdvanceSlot(100); err != nil {
		t.Fatalf("AdvanceSlot failed: %v", err)
	}

	// A second gain resets the vesting clock for the whole balance.
	if _, err := e.Crank(taker, oneQuote); err != nil {
		t.Fatalf("Crank failed: %v", err)
	}
	m.price = 900_000
	mustTrade(t, e, taker, lp, match.SideBuy, 5_000, oneQuote)
	m.price = 0
	mustTrade(t, e, taker, lp, match.SideSell, 5_000, oneQuote)

	a := mustAccount(t, e, taker)
	if a.Pnl != 1500 {
		t.Fatalf("expected pnl 1500, got %d", a.Pnl)
	}
	err := e.Withdraw(taker, 10_000+1, oneQuote)
	if !errors.Is(err, engine.ErrPnlNotWarmedUp) {
		t.Errorf("expected ErrPnlNotWarmedUp after vesting restart, got %v", err)
	}
}

// ============================================================================
// Test: Trading
// ============================================================================

func TestTrade_FillMovesPositionsEqualAndOpposite(t *testing.T) {
	e := newTestEngine(t, testParams())
	m := newStubMatcher()
	taker := newUser(t, e, 10_000)
	lp := newLP(t, e, m, 50_000)

	mustTrade(t, e, taker, lp, match.SideBuy, 10_000, oneQuote)

	ta := mustAccount(t, e, taker)
	la := mustAccount(t, e, lp)
	if ta.PositionSize != 10_000 || la.PositionSize != -10_000 {
		t.Errorf("expected +10000/-10000, got %d / %d", ta.PositionSize, la.PositionSize)
	}
	if ta.EntryPrice != oneQuote || la.EntryPrice != oneQuote {
		t.Errorf("expected entry at oracle, got %d / %d", ta.EntryPrice, la.EntryPrice)
	}
	if e.TotalOpenInterest() != 20_000 {
		t.Errorf("expected open interest 20000, got %d", e.TotalOpenInterest())
	}
	checkConservation(t, e)
}

func TestTrade_FeeFlowsToInsurance(t *testing.T) {
	p := testParams()
	p.TradingFeeBps = 10
	e := newTestEngine(t, p)
	m := newStubMatcher()
	taker := newUser(t, e, 10_000)
	lp := newLP(t, e, m, 50_000)

	mustTrade(t, e, taker, lp, match.SideBuy, 10_000, oneQuote)

	// 10 bps of 10_000 executed notional.
	if got := e.InsuranceBalance(); got != 10 {
		t.Errorf("expected insurance 10, got %d", got)
	}
	if got := e.InsuranceFeeRevenue(); got != 10 {
		t.Errorf("expected fee revenue 10, got %d", got)
	}
	if got := mustAccount(t, e, taker).Capital; got != 9_990 {
		t.Errorf("expected taker capital 9990, got %d", got)
	}
	checkConservation(t, e)
}

func TestTrade_InitialMarginRequiredToGrow(t *testing.T) {
	e := newTestEngine(t, testParams())
	m := newStubMatcher()
	taker := newUser(t, e, 999) // initial margin on 10k notional is 1000
	lp := newLP(t, e, m, 50_000)

	before := mustAccount(t, e, taker)
	_, err := e.Trade(taker, lp, match.SideBuy, 10_000, 0, oneQuote)
	if !errors.Is(err, engine.ErrUndercollateralized) {
		t.Fatalf("expected ErrUndercollateralized, got %v", err)
	}
	if mustAccount(t, e, taker) != before {
		t.Error("failed trade mutated taker account")
	}
	checkConservation(t, e)
}

func TestTrade_RejectsNonLPCounterparty(t *testing.T) {
	e := newTestEngine(t, testParams())
	taker := newUser(t, e, 10_000)
	other := newUser(t, e, 10_000)

	_, err := e.Trade(taker, other, match.SideBuy, 100, 0, oneQuote)
	if !errors.Is(err, engine.ErrNotAnLPAccount) {
		t.Errorf("expected ErrNotAnLPAccount, got %v", err)
	}
}

func TestTrade_MatcherRejectionAbortsCleanly(t *testing.T) {
	e := newTestEngine(t, testParams())
	m := newStubMatcher()
	m.err = errors.New("no liquidity")
	taker := newUser(t, e, 10_000)
	lp := newLP(t, e, m, 50_000)

	before := mustAccount(t, e, lp)
	_, err := e.Trade(taker, lp, match.SideBuy, 100, 0, oneQuote)
	if !errors.Is(err, engine.ErrInvalidMatchingEngine) {
		t.Fatalf("expected ErrInvalidMatchingEngine, got %v", err)
	}
	if mustAccount(t, e, lp) != before {
		t.Error("rejected trade mutated LP account")
	}
}

func TestTrade_OversizedExecutionRejected(t *testing.T) {
	e := newTestEngine(t, testParams())
	m := newStubMatcher()
	m.exec = &match.Execution{ExecSize: 200, ExecPrice: oneQuote}
	taker := newUser(t, e, 10_000)
	lp := newLP(t, e, m, 50_000)

	_, err := e.Trade(taker, lp, match.SideBuy, 100, 0, oneQuote)
	if !errors.Is(err, engine.ErrPositionSizeMismatch) {
		t.Errorf("expected ErrPositionSizeMismatch, got %v", err)
	}
}

func TestTrade_WrongDirectionExecutionRejected(t *testing.T) {
	e := newTestEngine(t, testParams())
	m := newStubMatcher()
	m.exec = &match.Execution{ExecSize: -100, ExecPrice: oneQuote}
	taker := newUser(t, e, 10_000)
	lp := newLP(t, e, m, 50_000)

	_, err := e.Trade(taker, lp, match.SideBuy, 100, 0, oneQuote)
	if !errors.Is(err, engine.ErrPositionSizeMismatch) {
		t.Errorf("expected ErrPositionSizeMismatch, got %v", err)
	}
}

func TestTrade_LimitPriceEnforced(t *testing.T) {
	e := newTestEngine(t, testParams())
	m := newStubMatcher()
	m.price = 1_050_000
	taker := newUser(t, e, 10_000)
	lp := newLP(t, e, m, 50_000)

	_, err := e.Trade(taker, lp, match.SideBuy, 100, 1_000_000, oneQuote)
	if !errors.Is(err, engine.ErrInvalidMatchingEngine) {
		t.Errorf("expected ErrInvalidMatchingEngine for limit breach, got %v", err)
	}
}

func TestTrade_OraclePriceBounds(t *testing.T) {
	e := newTestEngine(t, testParams())
	m := newStubMatcher()
	taker := newUser(t, e, 10_000)
	lp := newLP(t, e, m, 50_000)

	if _, err := e.Trade(taker, lp, match.SideBuy, 100, 0, 0); !errors.Is(err, engine.ErrInvalidOraclePrice) {
		t.Errorf("expected ErrInvalidOraclePrice for zero price, got %v", err)
	}
	over := testParams().MaxOraclePrice + 1
	if _, err := e.Trade(taker, lp, match.SideBuy, 100, 0, over); !errors.Is(err, engine.ErrInvalidOraclePrice) {
		t.Errorf("expected ErrInvalidOraclePrice above bound, got %v", err)
	}
}

func TestTrade_IsolationOfBystanders(t *testing.T) {
	e := newTestEngine(t, testParams())
	m := newStubMatcher()
	taker := newUser(t, e, 10_000)
	lp := newLP(t, e, m, 50_000)
	bystander := newUser(t, e, 7777)

	before := mustAccount(t, e, bystander)
	mustTrade(t, e, taker, lp, match.SideBuy, 5_000, oneQuote)
	if mustAccount(t, e, bystander) != before {
		t.Error("trade between other accounts mutated a bystander")
	}
}

func TestTrade_StaleCrankBlocks(t *testing.T) {
	e := newTestEngine(t, testParams())
	m := newStubMatcher()
	taker := newUser(t, e, 10_000)
	lp := newLP(t, e, m, 50_000)

	if err := e.AdvanceSlot(151); err != nil {
		t.Fatalf("AdvanceSlot failed: %v", err)
	}
	_, err := e.Trade(taker, lp, match.SideBuy, 100, 0, oneQuote)
	if !errors.Is(err, engine.ErrCrankStale) {
		t.Fatalf("expected ErrCrankStale, got %v", err)
	}

	if _, err := e.Crank(taker, oneQuote); err != nil {
		t.Fatalf("Crank failed: %v", err)
	}
	if _, err := e.Trade(taker, lp, match.SideBuy, 100, 0, oneQuote); err != nil {
		t.Fatalf("trade after crank failed: %v", err)
	}
}

// ============================================================================
// Test: Funding
// ============================================================================

func TestFunding_AntiRetroactive(t *testing.T) {
	e := newTestEngine(t, testParams())

	if err := e.AccrueFunding(10, 5, oneQuote); err != nil {
		t.Fatalf("AccrueFunding failed: %v", err)
	}
	index := e.FundingIndex()
	if index != 5_000 { // 1e6 * 5bps * 10 slots
		t.Fatalf("expected funding index 5000, got %d", index)
	}

	if err := e.AccrueFunding(5, 5, oneQuote); !errors.Is(err, engine.ErrClockRegression) {
		t.Errorf("expected ErrClockRegression, got %v", err)
	}
	if err := e.AccrueFunding(10, 99, oneQuote); err != nil {
		t.Errorf("same-slot accrual should be a no-op, got %v", err)
	}
	if e.FundingIndex() != index {
		t.Errorf("same-slot accrual moved the index to %d", e.FundingIndex())
	}
}

func TestFunding_SettlesLazilyOnTouch(t *testing.T) {
	e := newTestEngine(t, testParams())
	m := newStubMatcher()
	taker := newUser(t, e, 10_000)
	lp := newLP(t, e, m, 50_000)
	mustTrade(t, e, taker, lp, match.SideBuy, 10_000, oneQuote)

	if err := e.AccrueFunding(10, 5, oneQuote); err != nil {
		t.Fatalf("AccrueFunding failed: %v", err)
	}

	// Long position earns 10_000 * 5000 / 1e6 = 50 on settlement.
	if _, err := e.Settle(taker, oneQuote); err != nil {
		t.Fatalf("Settle failed: %v", err)
	}
	ta := mustAccount(t, e, taker)
	if ta.Pnl != 50 {
		t.Errorf("expected taker funding pnl 50, got %d", ta.Pnl)
	}
	if ta.FundingIndex != e.FundingIndex() {
		t.Errorf("funding snapshot not advanced: %d vs %d", ta.FundingIndex, e.FundingIndex())
	}

	// The short pays on its own touch; the loss nets against capital.
	if _, err := e.Settle(lp, oneQuote); err != nil {
		t.Fatalf("Settle failed: %v", err)
	}
	la := mustAccount(t, e, lp)
	if la.Capital != 49_950 || la.Pnl != 0 {
		t.Errorf("expected lp capital 49950 pnl 0, got %d / %d", la.Capital, la.Pnl)
	}
	checkConservation(t, e)
}

// ============================================================================
// Test: Margin & Liquidation
// ============================================================================

func TestLiquidate_HealthyAccountIsNoop(t *testing.T) {
	e := newTestEngine(t, testParams())
	m := newStubMatcher()
	taker := newUser(t, e, 10_000)
	lp := newLP(t, e, m, 50_000)
	mustTrade(t, e, taker, lp, match.SideBuy, 10_000, oneQuote)

	out, err := e.Liquidate(taker, oneQuote)
	if err != nil {
		t.Fatalf("Liquidate failed: %v", err)
	}
	if out.PositionWasClosed {
		t.Error("healthy account was liquidated")
	}
	if mustAccount(t, e, taker).PositionSize != 10_000 {
		t.Error("healthy liquidation changed position")
	}
}

func TestLiquidate_PartialRestoresMarginBuffer(t *testing.T) {
	e := newTestEngine(t, testParams())
	m := newStubMatcher()
	taker := newUser(t, e, 11_000)
	lp := newLP(t, e, m, 50_000)
	mustTrade(t, e, taker, lp, match.SideBuy, 100_000, oneQuote)

	// At 0.93 the mark loss is 7000: equity 4000 against a 4650
	// maintenance requirement on 93_000 notional.
	out, err := e.Liquidate(taker, 930_000)
	if err != nil {
		t.Fatalf("Liquidate failed: %v", err)
	}
	if !out.PositionWasClosed {
		t.Fatal("expected a partial close")
	}
	if out.AbsPos != 30_890 {
		t.Errorf("expected closed size 30890, got %d", out.AbsPos)
	}
	a := mustAccount(t, e, taker)
	if a.PositionSize != 69_110 {
		t.Errorf("expected remaining position 69110, got %d", a.PositionSize)
	}
	if a.Capital != 3_857 { // 11000 - 7000 mark loss - 143 liquidation fee
		t.Errorf("expected capital 3857, got %d", a.Capital)
	}
	if e.InsuranceBalance() != 143 {
		t.Errorf("expected insurance 143, got %d", e.InsuranceBalance())
	}
	if err := e.CheckMargin(taker, 930_000); err != nil {
		t.Errorf("margin not restored after partial liquidation: %v", err)
	}
	checkConservation(t, e)
}

func TestLiquidate_DustFloorForcesFullClose(t *testing.T) {
	e := newTestEngine(t, testParams())
	m := newStubMatcher()
	taker := newUser(t, e, 12)
	lp := newLP(t, e, m, 1_000)
	mustTrade(t, e, taker, lp, match.SideBuy, 105, oneQuote)

	// A partial close would leave fewer than MinLiquidationAbs units, so
	// the whole 105 goes.
	out, err := e.Liquidate(taker, 900_000)
	if err != nil {
		t.Fatalf("Liquidate failed: %v", err)
	}
	if !out.PositionWasClosed || out.AbsPos != 105 {
		t.Fatalf("expected full close of 105, got closed=%v size=%d", out.PositionWasClosed, out.AbsPos)
	}
	if mustAccount(t, e, taker).PositionSize != 0 {
		t.Error("position not fully closed")
	}
	checkConservation(t, e)
}

func TestLiquidate_BankruptAccountDeferred(t *testing.T) {
	e := newTestEngine(t, testParams())
	m := newStubMatcher()
	taker := newUser(t, e, 1_100)
	lp := newLP(t, e, m, 50_000)
	mustTrade(t, e, taker, lp, match.SideBuy, 10_000, oneQuote)

	// At 0.80 the loss is 2000 against 1100 capital: equity is negative
	// and ordinary liquidation must refuse without mutating anything.
	before := mustAccount(t, e, taker)
	_, err := e.Liquidate(taker, 800_000)
	if !errors.Is(err, engine.ErrUndercollateralized) {
		t.Fatalf("expected ErrUndercollateralized, got %v", err)
	}
	if mustAccount(t, e, taker) != before {
		t.Error("failed liquidation mutated the account")
	}
}

// ============================================================================
// Test: Crank scheduler
// ============================================================================

func TestCrank_SweepCompletesWithinBudgetBound(t *testing.T) {
	e := newTestEngine(t, testParams())
	caller := newUser(t, e, 1_000)
	for i := 0; i < 10; i++ {
		newUser(t, e, 100)
	}

	// 4096 slots at 256 per call is exactly 16 invocations.
	for call := 1; call <= 16; call++ {
		out, err := e.Crank(caller, oneQuote)
		if err != nil {
			t.Fatalf("Crank %d failed: %v", call, err)
		}
		if call < 16 && out.SweepComplete {
			t.Fatalf("sweep completed early on call %d", call)
		}
		if call == 16 && !out.SweepComplete {
			t.Fatal("sweep not complete after 16 calls")
		}
	}
}

func TestCrank_ForceRealizesBankruptAndGCs(t *testing.T) {
	e := newTestEngine(t, testParams())
	m := newStubMatcher()
	taker := newUser(t, e, 1_100)
	lp := newLP(t, e, m, 50_000)
	mustTrade(t, e, taker, lp, match.SideBuy, 10_000, oneQuote)

	out, err := e.Crank(lp, 800_000)
	if err != nil {
		t.Fatalf("Crank failed: %v", err)
	}
	if out.NumLiqErrors != 1 {
		t.Errorf("expected 1 liquidation error, got %d", out.NumLiqErrors)
	}
	if out.ForceRealizeClosed != 1 {
		t.Errorf("expected 1 force close, got %d", out.ForceRealizeClosed)
	}
	if out.NumGcClosed != 1 {
		t.Errorf("expected 1 gc close, got %d", out.NumGcClosed)
	}
	if !out.PanicNeeded {
		t.Error("expected shortfall to flag panic")
	}
	// The drained slot is gone; the LP's 2000 mark gain is haircut to the
	// 1100 the bankrupt counterparty actually backed.
	if _, err := e.Account(taker); !errors.Is(err, engine.ErrAccountNotFound) {
		t.Errorf("expected bankrupt account to be collected, got %v", err)
	}
	if got := mustAccount(t, e, lp).Pnl; got != 1_100 {
		t.Errorf("expected lp pnl 1100 after haircut, got %d", got)
	}
	if e.LifetimeForceCloses() != 1 {
		t.Errorf("expected lifetime force closes 1, got %d", e.LifetimeForceCloses())
	}
	checkConservation(t, e)
}

func TestCrank_LiquidatesDuringSweep(t *testing.T) {
	e := newTestEngine(t, testParams())
	m := newStubMatcher()
	taker := newUser(t, e, 11_000)
	lp := newLP(t, e, m, 50_000)
	mustTrade(t, e, taker, lp, match.SideBuy, 100_000, oneQuote)

	out, err := e.Crank(lp, 930_000)
	if err != nil {
		t.Fatalf("Crank failed: %v", err)
	}
	if out.NumLiquidations != 1 {
		t.Errorf("expected 1 liquidation, got %d", out.NumLiquidations)
	}
	if e.LifetimeLiquidations() != 1 {
		t.Errorf("expected lifetime liquidations 1, got %d", e.LifetimeLiquidations())
	}
	a := mustAccount(t, e, taker)
	if a.PositionSize == 0 || a.PositionSize == 100_000 {
		t.Errorf("expected a partial close, position is %d", a.PositionSize)
	}
	checkConservation(t, e)
}

func TestCrank_CallerFeeForgiveness(t *testing.T) {
	p := testParams()
	p.MaintenanceFeePerSlot = 1
	e := newTestEngine(t, p)
	caller := newUser(t, e, 1_000)
	other := newUser(t, e, 1_000)

	if err := e.AdvanceSlot(100); err != nil {
		t.Fatalf("AdvanceSlot failed: %v", err)
	}
	out, err := e.Crank(caller, oneQuote)
	if err != nil {
		t.Fatalf("Crank failed: %v", err)
	}
	if out.SlotsForgiven != 50 {
		t.Errorf("expected 50 slots forgiven, got %d", out.SlotsForgiven)
	}
	if !out.CallerSettleOk {
		t.Error("caller settlement did not apply")
	}
	if got := mustAccount(t, e, caller).Capital; got != 950 {
		t.Errorf("expected caller capital 950, got %d", got)
	}
	if got := mustAccount(t, e, other).Capital; got != 900 {
		t.Errorf("expected other capital 900, got %d", got)
	}
	if e.InsuranceBalance() != 150 {
		t.Errorf("expected insurance 150, got %d", e.InsuranceBalance())
	}
	checkConservation(t, e)
}

func TestCrank_UnknownCaller(t *testing.T) {
	e := newTestEngine(t, testParams())
	if _, err := e.Crank(9, oneQuote); !errors.Is(err, engine.ErrAccountNotFound) {
		t.Errorf("expected ErrAccountNotFound, got %v", err)
	}
}

// ============================================================================
// Test: ADL waterfall
// ============================================================================

// openShortfall leaves the taker long 10k against a bankrupt LP whose
// loss cannot be paid in full, so aggregate positive PnL exceeds the
// vault residual by 1000 once settled at 1.20.
func openShortfall(t *testing.T, e *engine.Engine) (taker, lp uint16) {
	t.Helper()
	m := newStubMatcher()
	taker = newUser(t, e, 10_000)
	lp = newLP(t, e, m, 1_000)
	mustTrade(t, e, taker, lp, match.SideBuy, 10_000, oneQuote)
	return taker, lp
}

func TestPanicSettle_HaircutsOnlyUnwarmedPnl(t *testing.T) {
	e := newTestEngine(t, testParams())
	taker, lp := openShortfall(t, e)

	out, err := e.PanicSettleAll(1_200_000)
	if err != nil {
		t.Fatalf("PanicSettleAll failed: %v", err)
	}
	if !out.HaircutApplied {
		t.Fatal("expected a haircut")
	}
	// Taker gain 2000, LP can pay 1000: half the (fully unwarmed) profit
	// survives.
	ta := mustAccount(t, e, taker)
	if ta.Pnl != 1_000 {
		t.Errorf("expected taker pnl 1000 after haircut, got %d", ta.Pnl)
	}
	if ta.Capital != 10_000 {
		t.Errorf("haircut touched capital: %d", ta.Capital)
	}
	if out.TotalHaircut != 1_000 {
		t.Errorf("expected total haircut 1000, got %d", out.TotalHaircut)
	}
	la := mustAccount(t, e, lp)
	if la.Capital != 0 || la.Pnl != -1_000 {
		t.Errorf("expected lp fully drained, got capital %d pnl %d", la.Capital, la.Pnl)
	}
	checkConservation(t, e)
}

func TestPanicSettle_VestedPnlSurvivesHaircut(t *testing.T) {
	e := newTestEngine(t, testParams())
	taker, _ := openShortfall(t, e)

	// Realize the gain, then let 60 slots vest 1200 of the 2000.
	if _, err := e.Settle(taker, 1_200_000); err != nil {
		t.Fatalf("Settle failed: %v", err)
	}
	if err := e.AdvanceSlot(60); err != nil {
		t.Fatalf("AdvanceSlot failed: %v", err)
	}

	out, err := e.PanicSettleAll(1_200_000)
	if err != nil {
		t.Fatalf("PanicSettleAll failed: %v", err)
	}
	// Half of the unwarmed 800 is removed; the vested 1200 is untouchable
	// even though the shortfall is larger.
	if out.TotalHaircut != 400 {
		t.Errorf("expected haircut 400, got %d", out.TotalHaircut)
	}
	if got := mustAccount(t, e, taker).Pnl; got != 1_600 {
		t.Errorf("expected taker pnl 1600, got %d", got)
	}
}

func TestPanicSettle_InsuranceSpentBeforeHaircut(t *testing.T) {
	e := newTestEngine(t, testParams())
	taker, _ := openShortfall(t, e)
	if err := e.FundInsurance(600); err != nil {
		t.Fatalf("FundInsurance failed: %v", err)
	}

	out, err := e.PanicSettleAll(1_200_000)
	if err != nil {
		t.Fatalf("PanicSettleAll failed: %v", err)
	}
	if e.InsuranceBalance() != 0 {
		t.Errorf("expected insurance fully spent, got %d", e.InsuranceBalance())
	}
	// Insurance covered 600 of the 1000 shortfall, leaving a 400 cut.
	if out.TotalHaircut != 400 {
		t.Errorf("expected haircut 400, got %d", out.TotalHaircut)
	}
	if got := mustAccount(t, e, taker).Pnl; got != 1_600 {
		t.Errorf("expected taker pnl 1600, got %d", got)
	}
	checkConservation(t, e)
}

func TestPanicSettle_NoShortfallNoHaircut(t *testing.T) {
	e := newTestEngine(t, testParams())
	m := newStubMatcher()
	taker := newUser(t, e, 10_000)
	lp := newLP(t, e, m, 50_000)
	mustTrade(t, e, taker, lp, match.SideBuy, 10_000, oneQuote)

	out, err := e.PanicSettleAll(1_050_000)
	if err != nil {
		t.Fatalf("PanicSettleAll failed: %v", err)
	}
	if out.HaircutApplied || out.TotalHaircut != 0 {
		t.Errorf("unexpected haircut: applied=%v total=%d", out.HaircutApplied, out.TotalHaircut)
	}
	if got := mustAccount(t, e, taker).Pnl; got != 500 {
		t.Errorf("expected fully backed pnl 500, got %d", got)
	}
	checkConservation(t, e)
}

// ============================================================================
// Test: Risk-reduction gate
// ============================================================================

func TestRiskReduction_BoundaryIsInclusive(t *testing.T) {
	p := testParams()
	p.RiskReductionThreshold = 0
	e := newTestEngine(t, p)
	m := newStubMatcher()
	taker := newUser(t, e, 10_000)
	lp := newLP(t, e, m, 50_000)

	// Insurance exactly at the threshold gates increasing trades.
	if !e.RiskReductionActive() {
		t.Fatal("expected gate active at the threshold")
	}
	_, err := e.Trade(taker, lp, match.SideBuy, 100, 0, oneQuote)
	if !errors.Is(err, engine.ErrRiskReductionOnly) {
		t.Fatalf("expected ErrRiskReductionOnly, got %v", err)
	}

	// One unit above the threshold reopens trading.
	if err := e.FundInsurance(1); err != nil {
		t.Fatalf("FundInsurance failed: %v", err)
	}
	if e.RiskReductionActive() {
		t.Fatal("expected gate inactive above the threshold")
	}
	if _, err := e.Trade(taker, lp, match.SideBuy, 100, 0, oneQuote); err != nil {
		t.Fatalf("trade above threshold failed: %v", err)
	}
}

func TestRiskReduction_AllowsReducingTrades(t *testing.T) {
	p := testParams()
	p.RiskReductionThreshold = 0
	e := newTestEngine(t, p)
	m := newStubMatcher()
	taker := newUser(t, e, 10_000)
	lp := newLP(t, e, m, 1_000)
	if err := e.FundInsurance(1); err != nil {
		t.Fatalf("FundInsurance failed: %v", err)
	}
	mustTrade(t, e, taker, lp, match.SideBuy, 10_000, oneQuote)

	// The LP goes bankrupt at 1.20; the resulting shortfall makes the
	// crank spend the insurance buffer back down to the threshold.
	if _, err := e.Crank(taker, 1_200_000); err != nil {
		t.Fatalf("Crank failed: %v", err)
	}
	if _, err := e.Crank(taker, 1_200_000); err != nil {
		t.Fatalf("Crank failed: %v", err)
	}
	if !e.RiskReductionActive() {
		t.Fatalf("expected gate active after insurance spend, balance %d", e.InsuranceBalance())
	}

	_, err := e.Trade(taker, newLP(t, e, newStubMatcher(), 50_000), match.SideBuy, 100, 0, 1_200_000)
	if !errors.Is(err, engine.ErrRiskReductionOnly) {
		t.Fatalf("expected ErrRiskReductionOnly for increase, got %v", err)
	}
	lp2 := newLP(t, e, newStubMatcher(), 50_000)
	if _, err := e.Trade(taker, lp2, match.SideSell, 5_000, 0, 1_200_000); err != nil {
		t.Fatalf("reducing trade rejected under gate: %v", err)
	}
	checkConservation(t, e)
}

// ============================================================================
// Test: Serialization
// ============================================================================

func TestCodec_RoundTrip(t *testing.T) {
	e := newTestEngine(t, testParams())
	m := newStubMatcher()
	taker := newUser(t, e, 10_000)
	lp := newLP(t, e, m, 50_000)
	mustTrade(t, e, taker, lp, match.SideBuy, 10_000, oneQuote)
	if err := e.AccrueFunding(10, 5, oneQuote); err != nil {
		t.Fatalf("AccrueFunding failed: %v", err)
	}
	if _, err := e.Crank(taker, oneQuote); err != nil {
		t.Fatalf("Crank failed: %v", err)
	}

	data, err := e.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary failed: %v", err)
	}
	if len(data) != engine.RecordSize {
		t.Fatalf("expected record size %d, got %d", engine.RecordSize, len(data))
	}

	restored := newTestEngine(t, testParams())
	if err := restored.UnmarshalBinary(data); err != nil {
		t.Fatalf("UnmarshalBinary failed: %v", err)
	}
	if restored.NumUsedAccounts() != e.NumUsedAccounts() {
		t.Errorf("account count mismatch: %d vs %d", restored.NumUsedAccounts(), e.NumUsedAccounts())
	}
	if got := mustAccount(t, restored, taker); got != mustAccount(t, e, taker) {
		t.Errorf("taker account mismatch after restore: %+v", got)
	}
	if restored.Vault() != e.Vault() || restored.FundingIndex() != e.FundingIndex() ||
		restored.CrankCursor() != e.CrankCursor() {
		t.Error("aggregate state mismatch after restore")
	}

	again, err := restored.MarshalBinary()
	if err != nil {
		t.Fatalf("second MarshalBinary failed: %v", err)
	}
	if !bytes.Equal(data, again) {
		t.Error("serialization is not deterministic across a round trip")
	}
}

func TestCodec_RejectsCorruptRecords(t *testing.T) {
	e := newTestEngine(t, testParams())

	if err := e.UnmarshalBinary(make([]byte, 16)); err == nil {
		t.Error("expected error for truncated record")
	}
	data, err := e.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary failed: %v", err)
	}
	data[0] ^= 0xFF
	if err := e.UnmarshalBinary(data); err == nil {
		t.Error("expected error for bad magic")
	}
}

// ============================================================================
// Test: Clock
// ============================================================================

func TestAdvanceSlot_RejectsRegression(t *testing.T) {
	e := newTestEngine(t, testParams())
	if err := e.AdvanceSlot(50); err != nil {
		t.Fatalf("AdvanceSlot failed: %v", err)
	}
	if err := e.AdvanceSlot(49); !errors.Is(err, engine.ErrClockRegression) {
		t.Errorf("expected ErrClockRegression, got %v", err)
	}
	if err := e.AdvanceSlot(50); err != nil {
		t.Errorf("same-slot advance should succeed, got %v", err)
	}
}
