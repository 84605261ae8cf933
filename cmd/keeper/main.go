// Package main runs the limit order keeper: the intake API, the pool
// watcher, the evaluation engine, and the execution dispatcher in one
// process backed by PostgreSQL and optionally ClickHouse.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"limit-order-keeper/internal/api"
	"limit-order-keeper/internal/dispatch"
	"limit-order-keeper/internal/engine"
	"limit-order-keeper/internal/evm"
	"limit-order-keeper/internal/matcher"
	"limit-order-keeper/internal/notify"
	"limit-order-keeper/internal/observability"
	"limit-order-keeper/internal/oracle"
	"limit-order-keeper/internal/pool"
	"limit-order-keeper/internal/relayer"
	"limit-order-keeper/internal/storage"
	chstore "limit-order-keeper/internal/storage/clickhouse"
	"limit-order-keeper/internal/storage/memory"
	"limit-order-keeper/internal/storage/migrations"
	pgstore "limit-order-keeper/internal/storage/postgres"
	"limit-order-keeper/internal/watch"
)

func main() {
	// .env is optional; system env vars win when both are set.
	_ = godotenv.Load()

	// Parse flags (env vars as defaults)
	rpcEndpoint := flag.String("rpc-endpoint", os.Getenv("RPC_URL"), "EVM JSON-RPC HTTP endpoint")
	wsEndpoint := flag.String("ws-endpoint", os.Getenv("WS_URL"), "EVM WebSocket endpoint (empty to poll only)")
	postgresDSN := flag.String("postgres-dsn", os.Getenv("POSTGRES_DSN"), "PostgreSQL connection string")
	clickhouseDSN := flag.String("clickhouse-dsn", os.Getenv("CLICKHOUSE_DSN"), "ClickHouse connection string (empty to skip rate history)")
	relayerKey := flag.String("relayer-key", os.Getenv("RELAYER_PRIVATE_KEY"), "Relayer private key (hex)")
	factoryAddr := flag.String("factory", os.Getenv("FACTORY_ADDRESS"), "UniswapV2 factory contract address")
	managerAddr := flag.String("manager", os.Getenv("MANAGER_ADDRESS"), "LimitOrderManager contract address")
	notifyURL := flag.String("notify-url", os.Getenv("NOTIFY_URL"), "Execution notification webhook URL (empty to disable)")
	apiAddr := flag.String("api-addr", ":8080", "HTTP API listen address")
	metricsAddr := flag.String("metrics-addr", ":9090", "Prometheus metrics HTTP address (empty to disable)")
	sweepInterval := flag.Duration("sweep-interval", 30*time.Second, "Safety sweep interval")
	useMemory := flag.Bool("use-memory", false, "Use in-memory storage instead of PostgreSQL")
	devLogging := flag.Bool("dev-logging", false, "Use human-readable log output")

	flag.Parse()

	logger, err := newLogger(*devLogging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(logger, config{
		rpcEndpoint:   *rpcEndpoint,
		wsEndpoint:    *wsEndpoint,
		postgresDSN:   *postgresDSN,
		clickhouseDSN: *clickhouseDSN,
		relayerKey:    *relayerKey,
		factoryAddr:   *factoryAddr,
		managerAddr:   *managerAddr,
		notifyURL:     *notifyURL,
		apiAddr:       *apiAddr,
		metricsAddr:   *metricsAddr,
		sweepInterval: *sweepInterval,
		useMemory:     *useMemory,
	}); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("keeper exited", zap.Error(err))
	}

	logger.Info("shutdown complete")
}

type config struct {
	rpcEndpoint   string
	wsEndpoint    string
	postgresDSN   string
	clickhouseDSN string
	relayerKey    string
	factoryAddr   string
	managerAddr   string
	notifyURL     string
	apiAddr       string
	metricsAddr   string
	sweepInterval time.Duration
	useMemory     bool
}

func (c config) validate() error {
	if c.rpcEndpoint == "" {
		return fmt.Errorf("--rpc-endpoint is required")
	}
	if c.relayerKey == "" {
		return fmt.Errorf("--relayer-key is required")
	}
	if !common.IsHexAddress(c.factoryAddr) {
		return fmt.Errorf("--factory must be a hex address, got %q", c.factoryAddr)
	}
	if !common.IsHexAddress(c.managerAddr) {
		return fmt.Errorf("--manager must be a hex address, got %q", c.managerAddr)
	}
	if !c.useMemory && c.postgresDSN == "" {
		return fmt.Errorf("--postgres-dsn is required (use --use-memory for in-memory storage)")
	}
	return nil
}

func newLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(logger *zap.Logger, cfg config) error {
	if err := cfg.validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals with graceful timeout.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("initiating graceful shutdown", zap.String("signal", sig.String()))
			cancel()
		case <-done:
			return
		}

		select {
		case sig := <-sigCh:
			logger.Warn("forcing immediate shutdown", zap.String("signal", sig.String()))
			os.Exit(1)
		case <-time.After(30 * time.Second):
			logger.Warn("graceful shutdown timed out after 30s, forcing exit")
			os.Exit(1)
		case <-done:
		}
	}()

	// Storage
	var (
		orders   storage.OrderStore        = memory.NewOrderStore()
		progress storage.ScanProgressStore = memory.NewScanProgressStore()
		rates    storage.RateSampleStore
	)
	if cfg.useMemory {
		rates = memory.NewRateSampleStore()
		logger.Warn("using in-memory storage, orders will not survive restart")
	} else {
		pgPool, err := pgstore.NewPool(ctx, cfg.postgresDSN)
		if err != nil {
			return fmt.Errorf("connect to postgres: %w", err)
		}
		defer pgPool.Close()

		if err := migrations.RunPostgresMigrations(ctx, pgPool); err != nil {
			return fmt.Errorf("run postgres migrations: %w", err)
		}

		orders = pgstore.NewOrderStore(pgPool)
		progress = pgstore.NewScanProgressStore(pgPool)
	}
	if cfg.clickhouseDSN != "" {
		chConn, err := migrations.RunClickhouseMigrations(ctx, cfg.clickhouseDSN)
		if err != nil {
			return fmt.Errorf("run clickhouse migrations: %w", err)
		}
		defer chConn.Close()
		rates = chstore.NewRateSampleStore(chConn)
	}

	// Chain clients
	client := evm.NewHTTPClient(cfg.rpcEndpoint)

	var subscriber evm.LogSubscriber
	if cfg.wsEndpoint != "" {
		ws, err := evm.NewWSClient(ctx, cfg.wsEndpoint, nil)
		if err != nil {
			// The watcher falls back to polling, so a dead WS endpoint
			// degrades latency rather than blocking startup.
			logger.Warn("websocket connect failed, polling only", zap.Error(err))
		} else {
			subscriber = ws
			defer ws.Close()
		}
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("query chain id: %w", err)
	}
	logger.Info("connected", zap.String("chainId", chainID.String()))

	manager := common.HexToAddress(cfg.managerAddr)
	factory := common.HexToAddress(cfg.factoryAddr)

	rel, err := relayer.New(cfg.relayerKey, client, logger)
	if err != nil {
		return fmt.Errorf("create relayer: %w", err)
	}

	signer := evm.NewOrderSigner(evm.OrderDomain(chainID, manager))
	reader := pool.NewReader(factory, client, logger)
	match := matcher.New(orders, logger)
	dispatcher := dispatch.New(orders, evm.NewOrderManager(manager, client), client, rel, logger)
	watcher := watch.New(client, subscriber, progress, logger)

	var notifier notify.Notifier = notify.Noop{}
	if cfg.notifyURL != "" {
		notifier = notify.NewHTTP(cfg.notifyURL, logger)
	}

	priceOracle := oracle.NewClient(logger)

	eng := engine.New(engine.Options{
		Orders:        orders,
		Rates:         rates,
		PoolReader:    reader,
		Matcher:       match,
		Dispatcher:    dispatcher,
		Watcher:       watcher,
		Notifier:      notifier,
		Logger:        logger,
		SweepInterval: cfg.sweepInterval,
	})

	// HTTP API
	apiServer := api.NewServer(orders, rates, signer, priceOracle, logger)
	httpServer := &http.Server{
		Addr:              cfg.apiAddr,
		Handler:           apiServer.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("starting api server", zap.String("addr", cfg.apiAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server error", zap.Error(err))
		}
	}()
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("api server shutdown", zap.Error(err))
		}
	}()

	// Metrics
	if cfg.metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", observability.Handler())
			mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
				w.Write([]byte("ok"))
			})
			logger.Info("starting metrics server", zap.String("addr", cfg.metricsAddr))
			if err := http.ListenAndServe(cfg.metricsAddr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server error", zap.Error(err))
			}
		}()
	}

	logger.Info("starting keeper engine",
		zap.String("factory", factory.Hex()),
		zap.String("manager", manager.Hex()),
		zap.Duration("sweepInterval", cfg.sweepInterval))

	return eng.Run(ctx)
}
