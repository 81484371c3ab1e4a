// Package main runs the ledger service:
// - HTTP API (bots, status, transactions, simulate-day, reset)
// - Settlement watcher (optional): confirms submitted transfers from the network
// - Prometheus metrics on /metrics
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"commission-ledger/internal/api"
	"commission-ledger/internal/catalog"
	"commission-ledger/internal/config"
	"commission-ledger/internal/ledger"
	"commission-ledger/internal/logging"
	"commission-ledger/internal/observability"
	"commission-ledger/internal/reconcile"
	"commission-ledger/internal/returns"
	"commission-ledger/internal/settlement"
	"commission-ledger/internal/solana"
	"commission-ledger/internal/storage"
	chstore "commission-ledger/internal/storage/clickhouse"
	"commission-ledger/internal/storage/memory"
	"commission-ledger/internal/storage/migrations"
	pgstore "commission-ledger/internal/storage/postgres"
	"commission-ledger/internal/storage/sqlite"
)

// stores holds the storage backends selected by configuration.
type stores struct {
	ledger  storage.LedgerStore
	backend string
	// records is the ClickHouse analytics sink, nil when not configured.
	records *chstore.DailyRecordStore
}

func main() {
	// Load .env file and environment
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// Parse flags (config values as defaults)
	flag.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "HTTP listen address")
	flag.StringVar(&cfg.Store, "store", cfg.Store, "Ledger store: memory, sqlite or postgres")
	flag.StringVar(&cfg.PostgresDSN, "postgres-dsn", cfg.PostgresDSN, "PostgreSQL connection string")
	flag.StringVar(&cfg.SQLitePath, "sqlite-path", cfg.SQLitePath, "SQLite database file")
	flag.StringVar(&cfg.ClickHouseDSN, "clickhouse-dsn", cfg.ClickHouseDSN, "ClickHouse connection string (optional daily record analytics)")
	flag.StringVar(&cfg.CatalogPath, "catalog", cfg.CatalogPath, "Bot catalog YAML (default: built-in catalog)")
	flag.Uint64Var(&cfg.Seed, "seed", cfg.Seed, "Daily return seed (0: random)")
	flag.DurationVar(&cfg.LockTimeout, "lock-timeout", cfg.LockTimeout, "Position lock wait limit")
	flag.StringVar(&cfg.SolanaRPCEndpoint, "rpc-endpoint", cfg.SolanaRPCEndpoint, "Solana RPC HTTP endpoint (enables settlement watcher)")
	flag.StringVar(&cfg.SolanaWSEndpoint, "ws-endpoint", cfg.SolanaWSEndpoint, "Solana WebSocket endpoint (optional)")
	flag.DurationVar(&cfg.SettlementInterval, "settlement-interval", cfg.SettlementInterval, "Settlement poll interval")
	flag.DurationVar(&cfg.SettlementMaxPending, "settlement-max-pending", cfg.SettlementMaxPending, "Fail transfers unknown to the network after this long (0: never)")
	flag.StringVar(&cfg.Network, "network", cfg.Network, "Network named in transfer descriptors")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug, info, warn, error")
	flag.StringVar(&cfg.LogFile, "log-file", cfg.LogFile, "Rotated log file (optional)")
	flag.Parse()

	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, logCloser, err := logging.New(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile})
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logCloser.Close()

	if err := run(cfg, logger); err != nil {
		logger.Error("server error", "error", err)
		logCloser.Close()
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Channel to signal completion
	done := make(chan struct{})
	defer close(done)

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, initiating graceful shutdown", "signal", sig.String())
			cancel()
		case <-done:
			return
		}

		// Wait for second signal for immediate shutdown
		select {
		case sig := <-sigCh:
			logger.Warn("received second signal, forcing immediate shutdown", "signal", sig.String())
			os.Exit(1)
		case <-time.After(30 * time.Second):
			logger.Warn("graceful shutdown timed out after 30s, forcing exit")
			os.Exit(1)
		case <-done:
		}
	}()

	metrics := observability.DefaultMetrics

	cat, err := loadCatalog(cfg.CatalogPath)
	if err != nil {
		return err
	}

	st, cleanup, err := createStores(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("create stores: %w", err)
	}
	defer cleanup()

	seed := cfg.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}

	engineOpts := ledger.Options{
		Store:       storage.Instrument(st.ledger, st.backend, metrics),
		Schedules:   cat,
		Returns:     returns.NewUniform(seed),
		LockTimeout: cfg.LockTimeout,
		Metrics:     metrics,
		Logger:      logger,
	}
	if st.records != nil {
		engineOpts.Sink = st.records
	}
	engine, err := ledger.New(engineOpts)
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}

	rec, err := reconcile.New(reconcile.Options{
		Store:     engineOpts.Store,
		Ledger:    engine,
		Schedules: cat,
		Network:   cfg.Network,
		Metrics:   metrics,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("create reconciler: %w", err)
	}

	watcher, closeWatcher, err := createWatcher(ctx, cfg, rec, cat, metrics, logger)
	if err != nil {
		return err
	}
	defer closeWatcher()

	apiOpts := api.Options{
		Ledger:      engine,
		Reconciler:  rec,
		Catalog:     cat,
		Metrics:     observability.Handler(),
		Logger:      logger,
		BaseContext: ctx,
	}
	if watcher != nil {
		apiOpts.Watcher = watcher
		apiOpts.Readiness = watcher
	}
	if st.records != nil {
		apiOpts.Fees = st.records
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.NewServer(apiOpts).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)

	go func() {
		logger.Info("http server listening", "addr", cfg.HTTPAddr, "store", st.backend, "network", cfg.Network)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	if watcher != nil {
		go func() {
			logger.Info("settlement watcher started", "interval", cfg.SettlementInterval)
			if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("settlement watcher: %w", err)
			}
		}()
	}

	// Wait for context cancellation or error
	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	return runErr
}

func loadCatalog(path string) (*catalog.Catalog, error) {
	if path == "" {
		return catalog.Default(), nil
	}
	cat, err := catalog.LoadFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	return cat, nil
}

// createStores opens the ledger store selected by cfg and the optional
// ClickHouse record sink, applying migrations.
func createStores(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*stores, func(), error) {
	var closers []io.Closer
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i].Close()
		}
	}

	st := &stores{backend: cfg.Store}
	switch cfg.Store {
	case config.StoreMemory:
		st.ledger = memory.NewLedgerStore()

	case config.StoreSQLite:
		db, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		closers = append(closers, db)
		st.ledger = sqlite.NewLedgerStore(db)

	case config.StorePostgres:
		pool, err := pgstore.NewPool(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		closers = append(closers, closerFunc(pool.Close))
		if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
			cleanup()
			return nil, nil, err
		}
		st.ledger = pgstore.NewLedgerStore(pool)

	default:
		return nil, nil, fmt.Errorf("unknown store %q", cfg.Store)
	}

	if cfg.ClickHouseDSN != "" {
		conn, err := migrations.RunClickhouseMigrations(ctx, cfg.ClickHouseDSN)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		closers = append(closers, conn)
		st.records = chstore.NewDailyRecordStore(conn)
		logger.Info("clickhouse daily record sink enabled")
	}

	return st, cleanup, nil
}

// createWatcher builds the settlement watcher when an RPC endpoint is configured.
func createWatcher(ctx context.Context, cfg *config.Config, rec *reconcile.Reconciler, cat *catalog.Catalog, metrics *observability.Metrics, logger *slog.Logger) (*settlement.Watcher, func(), error) {
	if cfg.SolanaRPCEndpoint == "" {
		logger.Info("no rpc endpoint configured, settlement watcher disabled")
		return nil, func() {}, nil
	}

	opts := settlement.Options{
		Reconciler:      rec,
		RPC:             solana.NewHTTPClient(cfg.SolanaRPCEndpoint, solana.WithMetrics(metrics)),
		Schedules:       cat,
		Interval:        cfg.SettlementInterval,
		MaxPending:      cfg.SettlementMaxPending,
		VerifyTransfers: true,
		Metrics:         metrics,
		Logger:          logger,
	}

	closeWS := func() {}
	if cfg.SolanaWSEndpoint != "" {
		wsCfg := solana.DefaultWSConfig()
		wsCfg.Logger = logger
		ws, err := solana.NewWSClient(ctx, cfg.SolanaWSEndpoint, &wsCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("create websocket client: %w", err)
		}
		opts.WS = ws
		closeWS = func() { ws.Close() }
	}

	w, err := settlement.New(opts)
	if err != nil {
		closeWS()
		return nil, nil, fmt.Errorf("create settlement watcher: %w", err)
	}
	return w, closeWS, nil
}

type closerFunc func()

func (f closerFunc) Close() error {
	f()
	return nil
}
