package main

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"eigenl2/offchain/internal/api"
	"eigenl2/offchain/internal/blockchain/ccip"
	"eigenl2/offchain/internal/blockchain/evm"
	"eigenl2/offchain/internal/config"
	"eigenl2/offchain/internal/database"
	"eigenl2/offchain/internal/eip712"
	"eigenl2/offchain/internal/events"
	"eigenl2/offchain/internal/retry"
	"eigenl2/offchain/internal/service"
	"eigenl2/offchain/internal/worker"
)

func main() {
	// Initialize logger
	logger, err := initLogger()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("Starting EigenL2 ledger service")

	// Known digests must hash to their published values before anything is signed
	if err := eip712.SelfCheck(); err != nil {
		logger.Fatal("Hashing self-check failed", zap.Error(err))
	}

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	logger.Info("Configuration loaded",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("ledger_backend", cfg.Database.Backend),
		zap.Int64("l1_chain_id", cfg.L1.ChainID),
		zap.Int64("l2_chain_id", cfg.L2.ChainID))

	store, closeStore := openStore(cfg, logger)
	defer closeStore()

	ledger := service.NewLedgerService(store, cfg.L1.ChainID, cfg.L2.ChainID, logger.Named("ledger"))
	policy := retryPolicy(cfg.Retry)

	// L1 reader
	l1Client, err := evm.NewClient(&cfg.L1, "", policy, logger.Named("l1"))
	if err != nil {
		logger.Fatal("Failed to connect to L1", zap.Error(err))
	}
	defer l1Client.Close()

	eigenLayer, err := evm.NewEigenLayer(l1Client, &cfg.L1, logger.Named("eigenlayer"))
	if err != nil {
		logger.Fatal("Failed to initialize EigenLayer reader", zap.Error(err))
	}

	// Services
	nonces := service.NewNonceReconciler(ledger, eigenLayer, logger.Named("nonce"))

	keyring, err := config.LoadOperatorKeyring(cfg.Delegation.OperatorKeysFile)
	if err != nil {
		logger.Fatal("Failed to load operator keys", zap.Error(err))
	}
	if keyring.Len() == 0 {
		logger.Warn("No operator keys loaded, every delegation request will be unauthorized")
	}

	signer := service.NewSigningService(service.SigningConfig{
		AgentDomainVersion: cfg.Agent.DomainVersion,
		L1ChainID:          big.NewInt(cfg.L1.ChainID),
		DelegationManager:  common.HexToAddress(cfg.L1.DelegationManagerAddress),
		DelegationTTL:      cfg.Delegation.SignatureTTL,
		StrictDigestCheck:  cfg.Delegation.StrictDigestCheck,
	}, keyring, eigenLayer, logger.Named("signing"))

	bridge := ccip.NewClient(cfg.Bridge, policy, logger.Named("ccip"))
	publisher := openPublisher(cfg.Events, logger)

	logger.Info("Services initialized",
		zap.Int("operators", keyring.Len()),
		zap.Bool("strict_digest_check", cfg.Delegation.StrictDigestCheck))

	// Workers
	reconciler := worker.NewStatusReconciler(ledger, bridge, publisher, cfg.Bridge.PollInterval, logger.Named("reconciler"))
	workerManager := worker.NewWorkerManager(reconciler, publisher, logger)

	// Initialize API handlers
	apiHandler := api.NewHandler(ledger, nonces, signer, reconciler, bridge, logger.Named("api"))
	router := api.SetupRouter(apiHandler, cfg.Server.AdminJWTSecret, logger)

	// Create HTTP server
	serverAddr := fmt.Sprintf(":%d", cfg.Server.Port)
	httpServer := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start HTTP server in goroutine
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP server",
			zap.String("addr", serverAddr))
		serverErrors <- httpServer.ListenAndServe()
	}()

	// Start workers
	workerManager.Start()

	logger.Info("Service initialized successfully",
		zap.String("status", "ready"),
		zap.Int("port", cfg.Server.Port))

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	// Wait for interrupt signal or server error
	select {
	case err := <-serverErrors:
		logger.Fatal("HTTP server error", zap.Error(err))
	case sig := <-quit:
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	}

	logger.Info("Shutting down service...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// Shutdown workers first
	if err := workerManager.Shutdown(10 * time.Second); err != nil {
		logger.Error("Worker shutdown error", zap.Error(err))
	}

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
		httpServer.Close()
	} else {
		logger.Info("HTTP server stopped gracefully")
	}

	logger.Info("Service stopped successfully")
}

// openStore connects the configured ledger backend
func openStore(cfg *config.Config, logger *zap.Logger) (service.Store, func()) {
	if cfg.Database.Backend == "memory" {
		logger.Warn("Using in-memory ledger, records are lost on restart")
		return database.NewMemoryStore(), func() {}
	}

	db, err := database.Connect(database.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		DBName:   cfg.Database.DBName,
		SSLMode:  cfg.Database.SSLMode,
	})
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	logger.Info("Database connected successfully")

	if err := database.RunMigrations(db, cfg.Database.MigrationsPath); err != nil {
		logger.Warn("Failed to run migrations (may already be applied)", zap.Error(err))
	} else {
		logger.Info("Database migrations applied successfully")
	}

	if err := db.Ping(); err != nil {
		logger.Fatal("Failed to ping database", zap.Error(err))
	}
	logger.Info("Database health check passed")

	return db, func() { db.Close() }
}

// openPublisher connects to NATS when configured; events are dropped otherwise
func openPublisher(cfg config.EventsConfig, logger *zap.Logger) events.Publisher {
	if cfg.NATSURL == "" {
		logger.Info("NATS_URL not set, completion events disabled")
		return events.NopPublisher{}
	}
	publisher, err := events.NewNATSPublisher(cfg.NATSURL, cfg.Subject, logger.Named("events"))
	if err != nil {
		logger.Warn("NATS unavailable, completion events disabled", zap.Error(err))
		return events.NopPublisher{}
	}
	logger.Info("Publishing completion events", zap.String("subject", cfg.Subject))
	return publisher
}

func retryPolicy(cfg config.RetryConfig) retry.Policy {
	policy := retry.DefaultPolicy()
	if cfg.MaxAttempts > 0 {
		policy.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.InitialInterval > 0 {
		policy.InitialInterval = cfg.InitialInterval
	}
	if cfg.MaxInterval > 0 {
		policy.MaxInterval = cfg.MaxInterval
	}
	return policy
}

func initLogger() (*zap.Logger, error) {
	env := os.Getenv("ENV")
	if env == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}
