// Package runner owns the single-writer loop. All engine mutations flow
// through one goroutine, so the engine itself needs no locking and
// command application is strictly ordered.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"PerpCore/internal/command"
	"PerpCore/internal/engine"
	"PerpCore/internal/ingestion"
	"PerpCore/internal/match"
	"PerpCore/internal/observability"
	"PerpCore/internal/slab"
)

// SnapshotSaver persists an engine state record. The runner triggers it
// every SnapshotInterval applied commands; main calls it on shutdown.
type SnapshotSaver interface {
	SaveSnapshot(ctx context.Context, slot uint64, state []byte, recentKeys []string) error
}

// ProcessedRecorder persists applied command IDs for tier-2 dedup.
type ProcessedRecorder interface {
	RecordProcessed(ctx context.Context, commandID string, slot uint64) error
}

// Runner consumes raw messages, parses and deduplicates them, applies
// them to the engine, and publishes outcomes.
type Runner struct {
	// mu guards the engine. Writes happen only on the runner goroutine;
	// the read API takes RLock for point-in-time views.
	mu sync.RWMutex

	eng     *engine.Engine
	dedup   *IdempotencyChecker
	metrics *observability.Metrics
	log     zerolog.Logger

	cmdChan     <-chan ingestion.RawMessage
	publishChan chan<- ingestion.PublishableEvent

	snapshots        SnapshotSaver
	processed        ProcessedRecorder
	snapshotInterval int64

	// Last oracle price. Engine operations that mark to market use
	// this; zero means no oracle update has arrived yet.
	oraclePrice int64

	appliedSinceSnapshot int64
}

type Options struct {
	Engine           *engine.Engine
	Dedup            *IdempotencyChecker
	Metrics          *observability.Metrics
	Logger           zerolog.Logger
	CommandChan      <-chan ingestion.RawMessage
	PublishChan      chan<- ingestion.PublishableEvent
	Snapshots        SnapshotSaver
	Processed        ProcessedRecorder
	SnapshotInterval int64
}

func New(opts Options) *Runner {
	return &Runner{
		eng:              opts.Engine,
		dedup:            opts.Dedup,
		metrics:          opts.Metrics,
		log:              opts.Logger.With().Str("component", "runner").Logger(),
		cmdChan:          opts.CommandChan,
		publishChan:      opts.PublishChan,
		snapshots:        opts.Snapshots,
		processed:        opts.Processed,
		snapshotInterval: opts.SnapshotInterval,
	}
}

// OraclePrice returns the last oracle price seen by the loop. Only safe
// to call from the runner goroutine or after Run has returned.
func (r *Runner) OraclePrice() int64 {
	return r.oraclePrice
}

// Run processes messages until ctx is cancelled or cmdChan closes.
func (r *Runner) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			r.nakPending()
			return ctx.Err()

		case raw, ok := <-r.cmdChan:
			if !ok {
				return nil
			}
			r.handle(ctx, raw)
		}
	}
}

// nakPending drains messages already buffered in cmdChan at shutdown and
// naks them so JetStream redelivers immediately instead of after AckWait.
func (r *Runner) nakPending() {
	for {
		select {
		case raw, ok := <-r.cmdChan:
			if !ok {
				return
			}
			if raw.NakFunc != nil {
				raw.NakFunc()
			}
		default:
			return
		}
	}
}

func (r *Runner) handle(ctx context.Context, raw ingestion.RawMessage) {
	if !raw.Timestamp.IsZero() {
		r.metrics.NATSPullLatency.WithLabelValues(raw.Subject).Observe(time.Since(raw.Timestamp).Seconds())
	}

	cmd, err := ingestion.ParseMessage(raw.Subject, raw.Data)
	if err != nil {
		r.metrics.ParseErrors.WithLabelValues(raw.Subject).Inc()
		r.log.Warn().Err(err).Str("subject", raw.Subject).Msg("dropping unparseable message")
		// Malformed payloads never become parseable; ack so they are
		// not redelivered.
		raw.AckFunc()
		return
	}

	id := cmd.CommandID.String()
	if dup, tier := r.dedup.IsDuplicate(id); dup {
		r.metrics.IdempotencyDuplicates.WithLabelValues(string(cmd.Kind), tier).Inc()
		raw.AckFunc()
		return
	}

	start := time.Now()
	r.mu.Lock()
	outcome, applyErr := r.apply(cmd)
	r.mu.Unlock()
	r.metrics.CommandDuration.WithLabelValues(string(cmd.Kind)).Observe(time.Since(start).Seconds())

	if applyErr != nil {
		r.metrics.CommandsRejected.WithLabelValues(string(cmd.Kind), rejectionReason(applyErr)).Inc()
		r.log.Debug().Err(applyErr).Str("command_id", id).Str("kind", string(cmd.Kind)).Msg("command rejected")
	} else {
		r.metrics.CommandsApplied.WithLabelValues(string(cmd.Kind)).Inc()
		r.dedup.MarkProcessed(id)
		if r.processed != nil {
			if err := r.processed.RecordProcessed(ctx, id, r.eng.CurrentSlot()); err != nil {
				r.log.Warn().Err(err).Str("command_id", id).Msg("record processed failed")
			}
		}
		r.appliedSinceSnapshot++
	}

	// Rejections are terminal decisions, not transient failures. Ack
	// either way so the stream does not redeliver.
	raw.AckFunc()

	r.publishOutcome(cmd, outcome, applyErr)
	r.updateGauges()

	if r.snapshots != nil && r.snapshotInterval > 0 && r.appliedSinceSnapshot >= r.snapshotInterval {
		if err := r.Snapshot(ctx); err != nil {
			r.log.Error().Err(err).Msg("periodic snapshot failed")
		}
	}
}

// apply dispatches a validated command to the engine. It returns the
// operation-specific outcome for publishing, or the engine's rejection.
func (r *Runner) apply(cmd *command.Command) (interface{}, error) {
	switch cmd.Kind {
	case command.KindCreateAccount:
		p := cmd.CreateAccount
		kind := slab.KindUser
		if p.Kind == "lp" {
			kind = slab.KindLP
		}
		idx, err := r.eng.CreateAccount(p.Owner, kind, p.MatcherID)
		if err != nil {
			return nil, err
		}
		acct, err := r.eng.Account(idx)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"account_index": idx,
			"account_id":    acct.AccountID,
		}, nil

	case command.KindDeposit:
		return nil, r.eng.Deposit(cmd.Deposit.AccountIndex, cmd.Deposit.Amount)

	case command.KindWithdraw:
		price, err := r.requireOracle()
		if err != nil {
			return nil, err
		}
		return nil, r.eng.Withdraw(cmd.Withdraw.AccountIndex, cmd.Withdraw.Amount, price)

	case command.KindTrade:
		price, err := r.requireOracle()
		if err != nil {
			return nil, err
		}
		p := cmd.Trade
		side := match.SideBuy
		if p.Side == "sell" {
			side = match.SideSell
		}
		exec, err := r.eng.Trade(p.TakerIndex, p.LPIndex, side, p.Size, p.LimitPrice, price)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"exec_size":  exec.ExecSize,
			"exec_price": exec.ExecPrice,
		}, nil

	case command.KindSettle:
		price, err := r.requireOracle()
		if err != nil {
			return nil, err
		}
		markPnl, err := r.eng.Settle(cmd.Settle.AccountIndex, price)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"mark_pnl": markPnl}, nil

	case command.KindLiquidate:
		price, err := r.requireOracle()
		if err != nil {
			return nil, err
		}
		out, err := r.eng.Liquidate(cmd.Liquidate.AccountIndex, price)
		if err != nil {
			return nil, err
		}
		r.metrics.LiquidationsTotal.Inc()
		return out, nil

	case command.KindCrank:
		price, err := r.requireOracle()
		if err != nil {
			return nil, err
		}
		out, err := r.eng.Crank(cmd.Crank.CallerIndex, price)
		if err != nil {
			return nil, err
		}
		r.recordCrank(out)
		return out, nil

	case command.KindPanicSettle:
		price, err := r.requireOracle()
		if err != nil {
			return nil, err
		}
		out, err := r.eng.PanicSettleAll(price)
		if err != nil {
			return nil, err
		}
		r.metrics.PanicSettles.Inc()
		if out.HaircutApplied {
			r.metrics.HaircutEvents.Inc()
			r.metrics.HaircutAmount.Add(float64(out.TotalHaircut))
		}
		return out, nil

	case command.KindFundInsurance:
		return nil, r.eng.FundInsurance(cmd.FundInsurance.Amount)

	case command.KindOracleUpdate:
		r.oraclePrice = cmd.OracleUpdate.Price
		return nil, nil

	case command.KindClockTick:
		return nil, r.eng.AdvanceSlot(cmd.ClockTick.Slot)

	case command.KindFundingRate:
		price, err := r.requireOracle()
		if err != nil {
			return nil, err
		}
		p := cmd.FundingRate
		return nil, r.eng.AccrueFunding(p.Slot, p.RateBpsPerSlot, price)

	default:
		return nil, fmt.Errorf("unknown command kind %q", cmd.Kind)
	}
}

var errNoOracle = errors.New("no oracle price received yet")

func (r *Runner) requireOracle() (int64, error) {
	if r.oraclePrice <= 0 {
		return 0, errNoOracle
	}
	return r.oraclePrice, nil
}

func (r *Runner) recordCrank(out *engine.CrankOutcome) {
	r.metrics.CrankCalls.Inc()
	r.metrics.CrankAccountsSwept.Add(float64(out.Advanced))
	r.metrics.LiquidationsTotal.Add(float64(out.NumLiquidations))
	r.metrics.LiquidationErrors.Add(float64(out.NumLiqErrors))
	r.metrics.ForceCloses.Add(float64(out.ForceRealizeClosed))
	r.metrics.AccountsGCd.Add(float64(out.NumGcClosed))
	if out.SweepComplete {
		r.metrics.CrankSweepsComplete.Inc()
	}
}

func (r *Runner) publishOutcome(cmd *command.Command, outcome interface{}, applyErr error) {
	if r.publishChan == nil {
		return
	}
	evt := ingestion.PublishableEvent{
		CommandID: cmd.CommandID,
		Kind:      string(cmd.Kind),
		Slot:      r.eng.CurrentSlot(),
		Outcome:   outcome,
		Timestamp: time.Now(),
	}
	if applyErr != nil {
		evt.Error = applyErr.Error()
	}
	select {
	case r.publishChan <- evt:
		r.metrics.EventsPublished.Inc()
	default:
		r.metrics.PublishDrops.Inc()
	}
}

func (r *Runner) updateGauges() {
	m := r.metrics
	m.CurrentSlot.Set(float64(r.eng.CurrentSlot()))
	m.VaultBalance.Set(float64(r.eng.Vault()))
	m.TotalCapital.Set(float64(r.eng.TotalCapital()))
	m.TotalPositivePnl.Set(float64(r.eng.TotalPositivePnl()))
	m.InsuranceFundBalance.Set(float64(r.eng.InsuranceBalance()))
	m.TotalOpenInterest.Set(float64(r.eng.TotalOpenInterest()))
	m.AccountsUsed.Set(float64(r.eng.NumUsedAccounts()))
	m.DedupLRUSize.Set(float64(r.dedup.Size()))
	observability.SetBool(m.RiskReductionActive, r.eng.RiskReductionActive())
}

// ReadView runs fn against the engine under the read lock. fn must not
// retain the engine pointer past its return.
func (r *Runner) ReadView(fn func(*engine.Engine)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn(r.eng)
}

// Snapshot marshals the engine state and hands it to the saver along
// with recent dedup keys for LRU warming on restart.
func (r *Runner) Snapshot(ctx context.Context) error {
	if r.snapshots == nil {
		return nil
	}
	start := time.Now()
	r.mu.RLock()
	state, err := r.eng.MarshalBinary()
	r.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshal engine state: %w", err)
	}
	keys := r.dedup.RecentKeys(10_000)
	if err := r.snapshots.SaveSnapshot(ctx, r.eng.CurrentSlot(), state, keys); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	r.appliedSinceSnapshot = 0
	r.metrics.SnapshotTaken.Inc()
	r.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
	r.metrics.SnapshotSizeBytes.Set(float64(len(state)))
	r.metrics.SnapshotLastSlot.Set(float64(r.eng.CurrentSlot()))
	r.log.Info().Uint64("slot", r.eng.CurrentSlot()).Int("bytes", len(state)).Msg("snapshot saved")
	return nil
}

// rejectionReason buckets engine errors into stable metric labels.
func rejectionReason(err error) string {
	switch {
	case errors.Is(err, engine.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, engine.ErrUndercollateralized):
		return "undercollateralized"
	case errors.Is(err, engine.ErrPnlNotWarmedUp):
		return "pnl_not_warmed_up"
	case errors.Is(err, engine.ErrAccountNotFound):
		return "account_not_found"
	case errors.Is(err, engine.ErrCrankStale):
		return "crank_stale"
	case errors.Is(err, engine.ErrRiskReductionOnly):
		return "risk_reduction_only"
	case errors.Is(err, engine.ErrInvalidMatchingEngine):
		return "invalid_matcher"
	case errors.Is(err, engine.ErrInvalidOraclePrice):
		return "invalid_oracle_price"
	case errors.Is(err, engine.ErrClockRegression):
		return "clock_regression"
	case errors.Is(err, errNoOracle):
		return "no_oracle"
	default:
		return "other"
	}
}

// SetOraclePrice seeds the loop's oracle price before Run starts, used
// when recovering from a snapshot taken after oracle updates.
func (r *Runner) SetOraclePrice(price int64) {
	if price > 0 {
		r.oraclePrice = price
	}
}
