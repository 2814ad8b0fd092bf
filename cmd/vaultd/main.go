package main

import (
	"IndexVault/internal/config"
	"IndexVault/internal/core"
	"IndexVault/internal/ingestion"
	"IndexVault/internal/observability"
	"IndexVault/internal/persistence"
	"IndexVault/internal/projection"
	"IndexVault/internal/query"
	"IndexVault/internal/server"
	"IndexVault/internal/state"
	"IndexVault/internal/venue"
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

func main() {
	logger := observability.NewLogger("vaultd")
	logger.Info().Msg("IndexVault starting")

	cfg, err := config.Load(config.Path())
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}

	// intake (API, commands, scheduler) stops first; workers drain after
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.Postgres.URL)
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres open")
	}
	defer db.Close()

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		logger.Fatal().Err(err).Msg("postgres ping")
	}
	logger.Info().Msg("Postgres connected")

	if err := persistence.NewMigrator(db, persistence.EmbeddedMigrations()).Up(ctx); err != nil {
		logger.Fatal().Err(err).Msg("run migrations")
	}

	// --- Observability ---
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	healthChecker := observability.NewHealthChecker()
	healthChecker.AddCheck("postgres", db.PingContext)

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATS.URL, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("nats connect")
	}
	defer nc.Close()
	healthChecker.AddCheck("nats", func(context.Context) error {
		if !nc.IsConnected() {
			return errors.New("not connected")
		}
		return nil
	})
	if err := ingestion.EnsureStreams(ctx, js, logger); err != nil {
		logger.Fatal().Err(err).Msg("ensure NATS streams")
	}

	// --- Engine ---
	coreCfg, err := cfg.CoreConfig()
	if err != nil {
		logger.Fatal().Err(err).Msg("engine config")
	}
	vaultParams, err := cfg.VaultParams()
	if err != nil {
		logger.Fatal().Err(err).Msg("vault params")
	}
	params, err := state.NewParamsManager(vaultParams)
	if err != nil {
		logger.Fatal().Err(err).Msg("vault params")
	}

	bridge := venue.NewBridgeClient(nc, cfg.VenueBridgeConfig(), metrics, observability.NewLogger("venue"))

	rt := cfg.Runtime
	persistCoreChan := make(chan core.CoreOutput, rt.PersistChanSize)
	projectionCoreChan := make(chan core.CoreOutput, rt.ProjectionChanSize)
	persistWorkerChan := make(chan persistence.CoreOutput, rt.PersistChanSize)
	projectionWorkerChan := make(chan projection.ProjectionOutput, rt.ProjectionChanSize)
	publishChan := make(chan ingestion.PublishableEvent, rt.PublishChanSize)

	engine, err := core.NewVaultEngine(coreCfg, core.Options{
		Reader:         bridge,
		Submitter:      bridge,
		Params:         params,
		Metrics:        metrics,
		Logger:         observability.NewLogger("core"),
		PersistChan:    persistCoreChan,
		ProjectionChan: projectionCoreChan,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("create engine")
	}

	// --- Recovery ---
	if err := recoverState(ctx, db, engine); err != nil {
		logger.Fatal().Err(err).Msg("recovery")
	}

	queries := query.NewQueryService(db, metrics)
	if err := catchUpProjections(ctx, db, queries, engine.GetSequence()-1); err != nil {
		logger.Fatal().Err(err).Msg("rebuild projections")
	}

	// --- Command dedup ---
	dbChecker := persistence.NewPostgresIdempotencyChecker(db)
	dedup := core.NewIdempotencyChecker(rt.IdempotencyLRUCapacity, dbChecker, metrics, observability.NewLogger("idempotency"))
	keys, err := dbChecker.RecentCommandKeys(ctx, rt.IdempotencyLRUCapacity)
	if err != nil {
		logger.Warn().Err(err).Msg("warm command dedup failed")
	}
	dedup.Warm(keys)

	persistWorker := persistence.NewPersistenceWorker(db, persistWorkerChan, rt.PersistBatchSize, rt.PersistFlushTimeout, metrics, observability.NewLogger("persistence"))
	dispatcher := ingestion.NewDispatcher(engine, dedup, persistWorker.Writer(), metrics, observability.NewLogger("commands"))

	srv, err := server.NewServer(cfg.Server.GRPCAddr, cfg.Server.HTTPAddr, &server.Deps{
		Vault:         engine,
		Queries:       queries,
		Commands:      dispatcher,
		HealthChecker: healthChecker,
		Metrics:       metrics,
		Logger:        observability.NewLogger("server"),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("create server")
	}

	// --- Workers (stop after intake) ---
	var workers sync.WaitGroup
	errChan := make(chan error, 10)

	outputs := &outputBridge{
		persistIn:     persistCoreChan,
		projectionIn:  projectionCoreChan,
		persistOut:    persistWorkerChan,
		projectionOut: projectionWorkerChan,
		publishOut:    publishChan,
		metrics:       metrics,
		logger:        observability.NewLogger("bridge"),
	}
	projWorker := projection.NewProjectionWorker(db, projectionWorkerChan, metrics, observability.NewLogger("projection"))
	publisher := ingestion.NewOutboundPublisher(js, publishChan, observability.NewLogger("publisher"))

	workers.Add(3)
	go func() {
		defer workers.Done()
		if err := persistWorker.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("persistence worker: %w", err)
		}
	}()
	go func() {
		defer workers.Done()
		if err := projWorker.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("projection worker: %w", err)
		}
	}()
	go func() {
		defer workers.Done()
		if err := publisher.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("publisher: %w", err)
		}
	}()

	bridgeDone := make(chan struct{})
	bridgeCtx, stopBridge := context.WithCancel(context.Background())
	defer stopBridge()
	go func() {
		outputs.run(bridgeCtx)
		close(bridgeDone)
	}()

	go reportChannels(workerCtx, metrics, map[string]func() (int, int){
		"persist":           func() (int, int) { return len(persistCoreChan), cap(persistCoreChan) },
		"projection":        func() (int, int) { return len(projectionCoreChan), cap(projectionCoreChan) },
		"persist_worker":    func() (int, int) { return len(persistWorkerChan), cap(persistWorkerChan) },
		"projection_worker": func() (int, int) { return len(projectionWorkerChan), cap(projectionWorkerChan) },
		"publish":           func() (int, int) { return len(publishChan), cap(publishChan) },
	})

	// --- Intake ---
	consumer := ingestion.NewCommandConsumer(js, dispatcher, observability.NewLogger("commands"))
	if err := consumer.Subscribe(ctx); err != nil {
		logger.Fatal().Err(err).Msg("subscribe commands")
	}

	schedLogger := observability.NewLogger("scheduler")
	go runEvery(ctx, "rebalance", cfg.Rebalance.Interval, func(ctx context.Context) error {
		_, err := engine.Rebalance(ctx, core.RebalanceRequest{})
		return err
	}, schedLogger)
	go runEvery(ctx, "settle", cfg.Withdrawals.SettleInterval, func(ctx context.Context) error {
		_, err := engine.SettleWithdrawals(ctx)
		return err
	}, schedLogger)

	go func() {
		if err := srv.StartGRPC(ctx); err != nil {
			errChan <- fmt.Errorf("grpc server: %w", err)
		}
	}()
	go func() {
		if err := srv.StartHTTP(ctx); err != nil {
			errChan <- fmt.Errorf("http server: %w", err)
		}
	}()
	go serveMetrics(ctx, cfg.Server.MetricsAddr, errChan, logger)

	healthChecker.SetReady(true)
	srv.SetServing(true)
	logger.Info().
		Int64("sequence", engine.GetSequence()-1).
		Str("grpc", cfg.Server.GRPCAddr).
		Str("http", cfg.Server.HTTPAddr).
		Str("metrics", cfg.Server.MetricsAddr).
		Msg("IndexVault ready")

	// --- Wait for shutdown signal ---
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		logger.Error().Err(err).Msg("goroutine failed, shutting down")
	}

	// --- Graceful shutdown ---
	healthChecker.SetReady(false)
	cancel()
	consumer.Stop()

	stopBridge()
	<-bridgeDone

	done := make(chan struct{})
	go func() {
		workers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		logger.Error().Msg("workers did not drain in time")
		cancelWorkers()
	}

	logger.Info().Int64("sequence", engine.GetSequence()-1).Msg("IndexVault shutdown complete")
}

// recoverState restores the engine from the newest verified snapshot. Every
// persisted batch ends with an operation's snapshot, so the snapshot must
// sit at the log tip.
func recoverState(ctx context.Context, db *sql.DB, engine *core.VaultEngine) error {
	sm := persistence.NewSnapshotManager(db)
	latest, err := sm.GetLatestSequence(ctx)
	if err != nil {
		return fmt.Errorf("latest sequence: %w", err)
	}
	row, err := sm.LoadLatestSnapshot(ctx)
	if err != nil {
		return err
	}
	if row == nil {
		if latest > 0 {
			return fmt.Errorf("event log holds %d events but no verified snapshot", latest)
		}
		return nil
	}
	if row.Sequence != latest {
		return fmt.Errorf("snapshot at sequence %d does not match log tip %d", row.Sequence, latest)
	}

	snap, err := restoreSnapshot(row)
	if err != nil {
		return fmt.Errorf("decode snapshot %d: %w", row.Sequence, err)
	}
	engine.RestoreFromSnapshot(snap)

	tip := engine.GetStateHash()
	if !bytes.Equal(tip[:], row.StateHash) {
		return fmt.Errorf("state hash mismatch after restore: stored %x, engine %x", row.StateHash, tip)
	}
	return nil
}

// catchUpProjections rebuilds the read models when they lag the log, e.g.
// after dropped projection updates.
func catchUpProjections(ctx context.Context, db *sql.DB, queries *query.QueryService, tip int64) error {
	watermark, err := queries.GetWatermark(ctx)
	if err != nil {
		return err
	}
	if watermark >= tip {
		return nil
	}
	return projection.RebuildProjections(ctx, db, 500, observability.NewLogger("projection"))
}

func reportChannels(ctx context.Context, metrics *observability.Metrics, channels map[string]func() (int, int)) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for name, fn := range channels {
				size, capacity := fn()
				metrics.SetChannelMetrics(name, size, capacity)
			}
		}
	}
}

func serveMetrics(ctx context.Context, addr string, errChan chan<- error, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		metricsServer.Shutdown(shutCtx)
	}()
	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		errChan <- fmt.Errorf("metrics server: %w", err)
	}
}
