package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tradebot-engine/config"
	"tradebot-engine/internal/api"
	"tradebot-engine/internal/binance"
	"tradebot-engine/internal/database"
	"tradebot-engine/internal/engine"
	"tradebot-engine/internal/events"
	"tradebot-engine/internal/logging"
	"tradebot-engine/internal/notification"
	"tradebot-engine/internal/vault"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	logger := logging.New(&logging.Config{
		Level:       cfg.LoggingConfig.Level,
		Output:      cfg.LoggingConfig.Output,
		JSONFormat:  cfg.LoggingConfig.JSONFormat,
		IncludeFile: cfg.LoggingConfig.IncludeFile,
		Component:   "main",
	})
	logging.SetDefault(logger)
	logger.Info("Structured logging initialized", "level", cfg.LoggingConfig.Level)

	ctx := context.Background()

	// PostgreSQL: bot definitions and durable stats
	db, err := database.NewDB(ctx, cfg.DatabaseConfig)
	if err != nil {
		logger.Fatal("Failed to connect to database", "error", err)
	}
	defer db.Close()
	if err := db.RunMigrations(ctx); err != nil {
		logger.Fatal("Failed to run migrations", "error", err)
	}
	repo := database.NewRepository(db)

	// Redis: runtime snapshots, with in-memory fallback
	redisClient := database.NewRedisClient(cfg.RedisConfig)
	if redisClient != nil {
		defer redisClient.Close()
	}
	runtimeStore := database.NewRedisRuntimeStore(redisClient)

	// Vault: per-user exchange credentials
	vaultClient, err := vault.NewClient(cfg.VaultConfig, logger)
	if err != nil {
		logger.Fatal("Failed to initialize Vault client", "error", err)
	}
	if vaultClient.IsEnabled() {
		hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := vaultClient.Health(hctx); err != nil {
			logger.Warn("Vault health check failed, live bots cannot start until it recovers", "error", err)
		}
		cancel()
	}

	exchanges := binance.NewFactory(vaultClient, cfg.BinanceConfig, logger)
	if cfg.BinanceConfig.MockMode {
		logger.Warn("Mock mode enabled, every bot trades on the paper venue")
	}

	eventBus := events.NewEventBus()
	if notifier := notification.NewManagerFromConfig(cfg.NotificationConfig, logger); notifier != nil {
		notifier.Attach(eventBus)
		logger.Info("Operator notifications enabled", "lifecycle", cfg.NotificationConfig.Lifecycle)
	}

	controller, err := engine.NewController(engine.Dependencies{
		Exchanges: exchanges,
		Stats:     repo,
		Runtime:   runtimeStore,
		Events:    eventBus,
		Logger:    logger,
	}, engine.Options{
		InitialDelay:     cfg.EngineConfig.InitialDelay,
		DefaultFrequency: cfg.EngineConfig.DefaultFrequency,
		CycleTimeout:     cfg.EngineConfig.CycleTimeout,
		StopTimeout:      cfg.EngineConfig.StopTimeout,
		CandleLimit:      cfg.EngineConfig.CandleLimit,
		OrderBookDepth:   cfg.EngineConfig.OrderBookDepth,
	})
	if err != nil {
		logger.Fatal("Failed to create engine", "error", err)
	}

	// Restart bots that were running when the process last stopped
	if !cfg.EngineConfig.SkipRecovery {
		recoverBots(ctx, repo, controller, logger)
	}

	server := api.NewServer(cfg.ServerConfig, api.Dependencies{
		Engine:      controller,
		Repo:        repo,
		Credentials: vaultClient,
		Exchanges:   exchanges,
		Events:      eventBus,
		Logger:      logger,
	})
	go func() {
		if err := server.Start(); err != nil {
			logger.Fatal("Failed to start HTTP server", "error", err)
		}
	}()

	monitorCtx, stopMonitor := context.WithCancel(ctx)
	go monitorRedis(monitorCtx, runtimeStore, logger)

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("Shutting down", "signal", sig.String())
	stopMonitor()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ServerConfig.ShutdownTimeout)*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Error shutting down web server", "error", err)
	}

	// Bots stay marked running and are recovered on the next start
	controller.Shutdown(shutdownCtx)

	logger.Info("Shutdown complete")
}

func recoverBots(ctx context.Context, repo *database.Repository, controller *engine.Controller, logger *logging.Logger) {
	specs, err := repo.ListRunningBotSpecs(ctx)
	if err != nil {
		logger.Warn("Failed to list bots for recovery", "error", err)
		return
	}
	if len(specs) == 0 {
		return
	}
	report := controller.RecoverRunning(ctx, specs)
	for botID, err := range report.Failed {
		logger.Warn("Bot not recovered", "bot_id", botID, "error", err)
	}
}

// monitorRedis re-checks Redis so runtime snapshots move back from memory once it recovers
func monitorRedis(ctx context.Context, store *database.RedisRuntimeStore, logger *logging.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if store.IsRedisAvailable() {
				continue
			}
			if err := store.CheckRedisConnection(ctx); err != nil {
				logger.Debug("Redis still unavailable", "error", err)
			}
		}
	}
}
