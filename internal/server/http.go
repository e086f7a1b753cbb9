// Package server exposes the read-only HTTP/JSON API over engine state.
// All mutations go through NATS; this surface is for dashboards,
// tooling, and curl.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"PerpCore/internal/engine"
	"PerpCore/internal/observability"
	"PerpCore/internal/slab"
)

// EngineReader provides point-in-time read access to the engine.
type EngineReader interface {
	ReadView(fn func(*engine.Engine))
}

type HTTPServer struct {
	addr    string
	reader  EngineReader
	health  *observability.HealthChecker
	metrics *observability.Metrics
	log     zerolog.Logger
	srv     *http.Server
}

func NewHTTPServer(addr string, reader EngineReader, health *observability.HealthChecker, metrics *observability.Metrics, log zerolog.Logger) *HTTPServer {
	s := &HTTPServer{
		addr:    addr,
		reader:  reader,
		health:  health,
		metrics: metrics,
		log:     log.With().Str("component", "http_server").Logger(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.LivenessHandler)
	mux.HandleFunc("/readyz", health.ReadinessHandler)
	mux.HandleFunc("/v1/state", s.instrument("state", s.handleState))
	mux.HandleFunc("/v1/accounts", s.instrument("accounts", s.handleAccounts))
	mux.HandleFunc("/v1/accounts/", s.instrument("account", s.handleAccount))

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Run serves until ctx is cancelled.
func (s *HTTPServer) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.srv.Shutdown(shutCtx)
	}()

	s.log.Info().Str("addr", s.addr).Msg("http server listening")
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// --- JSON views ---

type stateView struct {
	CurrentSlot          uint64 `json:"current_slot"`
	Vault                int64  `json:"vault"`
	TotalCapital         int64  `json:"total_capital"`
	TotalPositivePnl     int64  `json:"total_positive_pnl"`
	InsuranceBalance     int64  `json:"insurance_balance"`
	InsuranceFeeRevenue  int64  `json:"insurance_fee_revenue"`
	TotalOpenInterest    int64  `json:"total_open_interest"`
	Residual             int64  `json:"residual"`
	FundingIndex         int64  `json:"funding_index"`
	AccountsUsed         uint16 `json:"accounts_used"`
	LastCrankSlot        uint64 `json:"last_crank_slot"`
	CrankCursor          uint16 `json:"crank_cursor"`
	CrankFresh           bool   `json:"crank_fresh"`
	RiskReductionActive  bool   `json:"risk_reduction_active"`
	LifetimeLiquidations uint64 `json:"lifetime_liquidations"`
	LifetimeForceCloses  uint64 `json:"lifetime_force_closes"`
}

type accountView struct {
	Index               uint16 `json:"index"`
	AccountID           uint64 `json:"account_id"`
	Kind                string `json:"kind"`
	Owner               string `json:"owner"`
	Capital             int64  `json:"capital"`
	Pnl                 int64  `json:"pnl"`
	WarmupStartedAtSlot uint64 `json:"warmup_started_at_slot"`
	WarmupSlopePerStep  int64  `json:"warmup_slope_per_step"`
	PositionSize        int64  `json:"position_size"`
	EntryPrice          int64  `json:"entry_price"`
	FundingIndex        int64  `json:"funding_index"`
	MatcherID           string `json:"matcher_id,omitempty"`
	FeeCredits          int64  `json:"fee_credits"`
	LastFeeSlot         uint64 `json:"last_fee_slot"`
}

func accountToView(a slab.Account) accountView {
	v := accountView{
		Index:               a.Index,
		AccountID:           a.AccountID,
		Kind:                a.Kind.String(),
		Owner:               a.Owner.String(),
		Capital:             a.Capital,
		Pnl:                 a.Pnl,
		WarmupStartedAtSlot: a.WarmupStartedAtSlot,
		WarmupSlopePerStep:  a.WarmupSlopePerStep,
		PositionSize:        a.PositionSize,
		EntryPrice:          a.EntryPrice,
		FundingIndex:        a.FundingIndex,
		FeeCredits:          a.FeeCredits,
		LastFeeSlot:         a.LastFeeSlot,
	}
	if a.Kind == slab.KindLP {
		v.MatcherID = a.MatcherID.String()
	}
	return v
}

// --- Handlers ---

func (s *HTTPServer) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var view stateView
	s.reader.ReadView(func(e *engine.Engine) {
		view = stateView{
			CurrentSlot:          e.CurrentSlot(),
			Vault:                e.Vault(),
			TotalCapital:         e.TotalCapital(),
			TotalPositivePnl:     e.TotalPositivePnl(),
			InsuranceBalance:     e.InsuranceBalance(),
			InsuranceFeeRevenue:  e.InsuranceFeeRevenue(),
			TotalOpenInterest:    e.TotalOpenInterest(),
			Residual:             e.Residual(),
			FundingIndex:         e.FundingIndex(),
			AccountsUsed:         e.NumUsedAccounts(),
			LastCrankSlot:        e.LastCrankSlot(),
			CrankCursor:          e.CrankCursor(),
			CrankFresh:           e.CrankFresh(),
			RiskReductionActive:  e.RiskReductionActive(),
			LifetimeLiquidations: e.LifetimeLiquidations(),
			LifetimeForceCloses:  e.LifetimeForceCloses(),
		}
	})

	writeJSON(w, http.StatusOK, view)
}

func (s *HTTPServer) handleAccounts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	views := make([]accountView, 0, 64)
	s.reader.ReadView(func(e *engine.Engine) {
		for idx := uint16(0); idx < engine.MaxAccounts; idx++ {
			if a, err := e.Account(idx); err == nil {
				views = append(views, accountToView(a))
			}
		}
	})

	writeJSON(w, http.StatusOK, map[string]interface{}{"accounts": views})
}

func (s *HTTPServer) handleAccount(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	raw := strings.TrimPrefix(r.URL.Path, "/v1/accounts/")
	idx, err := strconv.ParseUint(raw, 10, 16)
	if err != nil || idx >= engine.MaxAccounts {
		writeError(w, http.StatusBadRequest, "invalid account index")
		return
	}

	var (
		view  accountView
		found bool
	)
	s.reader.ReadView(func(e *engine.Engine) {
		if a, aerr := e.Account(uint16(idx)); aerr == nil {
			view = accountToView(a)
			found = true
		}
	})

	if !found {
		writeError(w, http.StatusNotFound, "account not found")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// instrument wraps a handler with request count and latency metrics.
func (s *HTTPServer) instrument(endpoint string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		s.metrics.QueryRequests.WithLabelValues(endpoint, strconv.Itoa(rec.status)).Inc()
		s.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
