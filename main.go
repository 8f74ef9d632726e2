package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"orderpilot/config"
	"orderpilot/internal/adapters/binanceclient"
	"orderpilot/internal/adapters/logger"
	"orderpilot/internal/adapters/sqlite"
	"orderpilot/internal/app"
	"orderpilot/internal/domain"
	"orderpilot/internal/execution"
	"orderpilot/internal/exits"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "orderpilot",
		Short: "Order execution and position exit engine",
		Long:  `An execution engine that routes order intents, retries transient broker failures, batches and nets queued orders, and manages staged position exits`,
		RunE:  runEngine,
	}
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runEngine(cmd *cobra.Command, args []string) error {
	// 1. Load Configuration
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// 2. Initialize Logger
	appLogger := logger.New(logger.ParseLevel(cfg.Logging.Level), cfg.Logging.JSON)
	ctx := context.Background()
	appLogger.Info(ctx, "Logger initialized", map[string]interface{}{"level": cfg.Logging.Level, "json": cfg.Logging.JSON})

	// 3. Initialize Cost Repository (Database Adapter)
	costRepo, err := sqlite.NewCostRepository(sqlite.Config{
		DBPath: cfg.Database.Path,
		Logger: appLogger,
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize cost repository")
		return fmt.Errorf("failed to initialize cost repository: %w", err)
	}
	defer func() {
		if err := costRepo.Close(); err != nil {
			appLogger.Error(ctx, err, "Error closing cost repository")
		}
	}()

	// 4. Initialize Broker Gateway (Binance Adapter)
	broker, err := binanceclient.New(binanceclient.Config{
		APIKey:               cfg.Broker.APIKey,
		SecretKey:            cfg.Broker.SecretKey,
		UseTestnet:           cfg.Broker.UseTestnet,
		Logger:               appLogger,
		ReconnectDelay:       cfg.Broker.ReconnectDelay(),
		MaxReconnectAttempts: cfg.Broker.MaxReconnectAttempts,
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize broker gateway")
		return fmt.Errorf("failed to initialize broker gateway: %w", err)
	}

	// 5. Build the execution pipeline: retry -> router -> queue
	retry, err := execution.NewCoordinator(execution.RetryConfig{
		MaxRetries:       cfg.Retry.MaxRetries,
		BaseDelay:        time.Duration(cfg.Retry.BaseDelayMs) * time.Millisecond,
		MaxDelay:         time.Duration(cfg.Retry.MaxDelaySec) * time.Second,
		Factor:           cfg.Retry.Factor,
		SessionRetention: time.Duration(cfg.Retry.RetentionMin) * time.Minute,
	}, appLogger)
	if err != nil {
		return fmt.Errorf("failed to initialize retry coordinator: %w", err)
	}

	router, err := execution.NewRouter(broker, retry, costRepo, appLogger, execution.RouterConfig{
		SpreadLimitPct:     cfg.Router.SpreadLimitPct,
		LargeOrderQty:      cfg.Router.LargeOrderQty,
		PollInterval:       time.Duration(cfg.Router.PollIntervalMs) * time.Millisecond,
		MarketFillTimeout:  time.Duration(cfg.Router.MarketFillTimeoutSec) * time.Second,
		PartialGraceWindow: time.Duration(cfg.Router.PartialGraceSec) * time.Second,
		AcceptPartialPct:   cfg.Router.AcceptPartialPct,
		GracePartialPct:    cfg.Router.GracePartialPct,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize order router: %w", err)
	}

	exitMgr, err := exits.NewManager(appLogger, exits.Config{
		Target1Pct:       cfg.Exits.Target1Pct,
		Target2Pct:       cfg.Exits.Target2Pct,
		Target3Pct:       cfg.Exits.Target3Pct,
		TargetFraction:   cfg.Exits.TargetFraction,
		StopLossPct:      cfg.Exits.StopLossPct,
		TrailingStopPct:  cfg.Exits.TrailingStopPct,
		BreakevenPct:     cfg.Exits.BreakevenPct,
		MaxHold:          time.Duration(cfg.Exits.MaxHoldHours) * time.Hour,
		MinProfitPct:     cfg.Exits.MinProfitPct,
		DTEThresholdDays: cfg.Exits.DTEThresholdDays,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize exit manager: %w", err)
	}

	// The queue completion callback needs the service, and the service
	// needs the queue. Wire the callback through a late-bound closure.
	var engine *app.EngineService
	queue, err := execution.NewQueue(router, appLogger, execution.QueueConfig{
		MinBatchSize:  cfg.Queue.MinBatchSize,
		MaxBatchSize:  cfg.Queue.MaxBatchSize,
		BatchTimeout:  time.Duration(cfg.Queue.BatchTimeoutSec) * time.Second,
		DrainInterval: time.Duration(cfg.Queue.DrainIntervalMs) * time.Millisecond,
		NetThreshold:  cfg.Queue.NetThreshold,
		OrderPacing:   time.Duration(cfg.Queue.OrderPacingMs) * time.Millisecond,
	}, func(result domain.ExecutionResult) {
		if engine != nil {
			engine.HandleQueuedFill(result)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to initialize order queue: %w", err)
	}

	// 6. Initialize Application Service
	engine, err = app.NewEngineService(cfg, appLogger, broker, router, queue, exitMgr)
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize engine service")
		return fmt.Errorf("failed to initialize engine service: %w", err)
	}

	// 7. Metrics endpoint
	if cfg.Metrics.Enabled {
		go func() {
			addr := fmt.Sprintf(":%d", cfg.Metrics.Port)
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			appLogger.Info(ctx, "Metrics endpoint listening", map[string]interface{}{"addr": addr})
			if err := http.ListenAndServe(addr, mux); err != nil {
				appLogger.Error(ctx, err, "Metrics endpoint stopped")
			}
		}()
	}

	// 8. Run
	if err := engine.Start(ctx); err != nil {
		appLogger.Error(ctx, err, "Engine exited with error")
		return err
	}

	appLogger.Info(ctx, "Application finished gracefully.")
	return nil
}
