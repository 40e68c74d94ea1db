/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the points engine server. Handles configuration,
  dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags
  2. Load layered configuration (defaults, YAML file, env vars)
  3. Initialize structured logging
  4. Initialize SQLite store
  5. Build engine components (ledger, quota, guard, workflows)
  6. Configure HTTP router and start the expiry sweeper
  7. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  Config file path (default: search standard locations)
  -port    HTTP server port (overrides config)
  -db      SQLite database path (overrides config)
           Use ":memory:" for an in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete
  3. Stop the sweeper, close database connection
  4. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/points.db"

  # Run with in-memory database
  ./server -db=":memory:"

  # Run with explicit config
  ./server -config=./config.yaml

ENVIRONMENT:
  All config keys are reachable as POINTS_* env vars, e.g.
  POINTS_SERVER_PORT, POINTS_DATABASE_PATH, POINTS_SWAP_EXCHANGE_RATE.

SEE ALSO:
  - config/config.go: Configuration loading
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/warp/points-engine/api"
	"github.com/warp/points-engine/catalog"
	"github.com/warp/points-engine/config"
	"github.com/warp/points-engine/points"
	"github.com/warp/points-engine/store/sqlite"
)

func main() {
	// Flags
	configPath := flag.String("config", "", "config file path")
	port := flag.Int("port", 0, "HTTP server port (overrides config)")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	flag.Parse()

	// Configuration
	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadFile(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}

	// Logging
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	// Store
	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		logger.Fatal("failed to initialize database", zap.Error(err))
	}
	defer store.Close()

	// Catalog
	cat := catalog.Default()
	if cfg.Purchase.CatalogPath != "" {
		data, err := os.ReadFile(cfg.Purchase.CatalogPath)
		if err != nil {
			logger.Fatal("failed to read catalog file", zap.Error(err))
		}
		cat, err = catalog.Parse(data)
		if err != nil {
			logger.Fatal("failed to parse catalog file", zap.Error(err))
		}
	}

	// Engine components
	ledger := points.NewLedger(store)
	quota := points.NewQuota(store, cfg.Quota.DailyLimit, cfg.Quota.MonthlyLimit)
	guard := points.NewGuard(store, cfg.Idempotency.Retention)

	purchases := points.NewPurchases(store, ledger, guard, cat, points.PurchaseConfig{
		MinConfirmations: cfg.Purchase.MinConfirmations,
		Expiry:           cfg.Purchase.Expiry,
	})
	swaps := points.NewSwaps(store, ledger, guard, quota, points.SwapConfig{
		Active:           cfg.Swap.Active,
		ExchangeRate:     cfg.ExchangeRateDecimal(),
		MinSwapAmount:    cfg.Swap.MinAmount,
		MaxSwapAmount:    cfg.Swap.MaxAmount,
		DailyLimit:       cfg.Quota.DailyLimit,
		MonthlyLimit:     cfg.Quota.MonthlyLimit,
		MinConfirmations: cfg.Swap.MinConfirmations,
		Expiry:           cfg.Swap.Expiry,
	})

	// API
	handler := api.NewHandler(ledger, purchases, swaps, guard, cat, logger)
	handler.DefaultPageSize = cfg.Server.DefaultPageSize
	handler.MaxPageSize = cfg.Server.MaxPageSize

	router := api.NewRouter(handler, api.RouterOptions{APIKey: cfg.Server.APIKey})

	sweeper := api.NewSweeper(handler, logger)
	sweeper.Start()
	defer sweeper.Stop()

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("server starting",
			zap.String("addr", server.Addr),
			zap.String("db", cfg.Database.Path))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Fatal("server forced to shutdown", zap.Error(err))
	}

	logger.Info("server stopped")
}
