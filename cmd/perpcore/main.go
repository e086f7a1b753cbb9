package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"PerpCore/internal/config"
	"PerpCore/internal/engine"
	"PerpCore/internal/ingestion"
	"PerpCore/internal/observability"
	"PerpCore/internal/persistence"
	"PerpCore/internal/runner"
	"PerpCore/internal/server"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file (optional)")
	flag.Parse()

	logger := observability.NewLogger("main")
	logger.Info().Msg("perpcore starting")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}

	// --- Context with graceful shutdown ---
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres open")
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Postgres.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Postgres.ConnLifetime)

	if err := db.PingContext(ctx); err != nil {
		logger.Fatal().Err(err).Msg("postgres ping")
	}
	logger.Info().Msg("postgres connected")

	// --- Migrations ---
	migrator := persistence.NewMigrator(db, cfg.Migration.Dir, logger)
	if err := migrator.Up(ctx); err != nil {
		logger.Fatal().Err(err).Msg("run migrations")
	}

	snapMgr := persistence.NewSnapshotManager(db)
	dbChecker := persistence.NewPostgresIdempotencyChecker(db)

	// --- Observability ---
	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()

	// --- Engine ---
	params := cfg.RiskParams()
	eng, err := engine.New(params, observability.NewLogger("engine"))
	if err != nil {
		logger.Fatal().Err(err).Msg("engine init")
	}

	// --- Recovery ---
	dedup := runner.NewIdempotencyChecker(cfg.Dedup.LRUCapacity, dbChecker, metrics)

	snap, err := snapMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("load snapshot failed")
	}
	if snap != nil {
		if err := eng.UnmarshalBinary(snap.State); err != nil {
			logger.Fatal().Err(err).Msg("restore snapshot")
		}
		dedup.WarmFromKeys(snap.RecentKeys)
		logger.Info().
			Uint64("slot", snap.Slot).
			Int("warmed_keys", len(snap.RecentKeys)).
			Msg("restored from snapshot")
	} else {
		logger.Info().Msg("no snapshot found, cold start")
	}

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATS.URL, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("nats connect")
	}
	defer nc.Close()
	logger.Info().Msg("nats connected")

	if err := ingestion.EnsureStreams(ctx, js); err != nil {
		logger.Fatal().Err(err).Msg("ensure streams")
	}
	if err := ingestion.EnsureOutboundStream(ctx, js); err != nil {
		logger.Fatal().Err(err).Msg("ensure outbound stream")
	}

	// --- Channels ---
	cmdChan := make(chan ingestion.RawMessage, cfg.NATS.CommandChanSize)
	publishChan := make(chan ingestion.PublishableEvent, cfg.NATS.PublishChanSize)

	natsSubscriber := ingestion.NewNATSSubscriber(js, cmdChan, logger)
	if err := natsSubscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
		logger.Fatal().Err(err).Msg("nats subscribe")
	}

	outboundPublisher := ingestion.NewOutboundPublisher(js, publishChan, logger)

	// --- Runner ---
	run := runner.New(runner.Options{
		Engine:           eng,
		Dedup:            dedup,
		Metrics:          metrics,
		Logger:           logger,
		CommandChan:      cmdChan,
		PublishChan:      publishChan,
		Snapshots:        snapMgr,
		Processed:        dbChecker,
		SnapshotInterval: cfg.Snapshot.IntervalCommands,
	})

	// --- Read API ---
	httpServer := server.NewHTTPServer(cfg.Server.HTTPAddr, run, healthChecker, metrics, logger)

	// --- Goroutines ---
	errChan := make(chan error, 4)

	go func() {
		errChan <- run.Run(ctx)
	}()
	go func() {
		errChan <- outboundPublisher.Run(ctx)
	}()
	go func() {
		errChan <- httpServer.Run(ctx)
	}()
	go func() {
		errChan <- runMetricsServer(ctx, cfg.Server.MetricsAddr, logger)
	}()

	healthChecker.SetReady(true)
	logger.Info().
		Str("http", cfg.Server.HTTPAddr).
		Str("metrics", cfg.Server.MetricsAddr).
		Msg("perpcore ready")

	// --- Wait for shutdown ---
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		if err != nil && err != context.Canceled {
			logger.Error().Err(err).Msg("goroutine failed, shutting down")
		}
	}

	healthChecker.SetReady(false)
	cancel()
	natsSubscriber.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := run.Snapshot(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("final snapshot failed")
	} else {
		logger.Info().Msg("final snapshot saved")
	}

	logger.Info().Msg("perpcore shutdown complete")
}

func runMetricsServer(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
