package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/custodix/remitter/internal/adapter"
	"github.com/custodix/remitter/internal/anomaly"
	"github.com/custodix/remitter/internal/api/middleware"
	"github.com/custodix/remitter/internal/api/rest"
	"github.com/custodix/remitter/internal/api/server"
	"github.com/custodix/remitter/internal/bankrail"
	"github.com/custodix/remitter/internal/config"
	"github.com/custodix/remitter/internal/evidence"
	"github.com/custodix/remitter/internal/idempotency"
	"github.com/custodix/remitter/internal/ledger"
	"github.com/custodix/remitter/internal/logger"
	"github.com/custodix/remitter/internal/messaging"
	"github.com/custodix/remitter/internal/providers/jetstream"
	"github.com/custodix/remitter/internal/recon"
	"github.com/custodix/remitter/internal/release"
	"github.com/custodix/remitter/internal/rpt"
	"github.com/custodix/remitter/internal/store"
)

var (
	configFile = flag.String("config", "", "Path to configuration file")
	envPath    = flag.String("env", "config/", "Path to environment files")
)

func main() {
	flag.Parse()

	// Load configuration
	config.ChdirRepoRoot()
	cfg, err := config.LoadAPIConfig(*configFile, *envPath)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize logger with sentry integration
	err = logger.Initialize(logger.Config{
		Debug:     cfg.Debug,
		SentryDSN: cfg.SentryDSN,
		Service:   "api",
	})
	if err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}
	defer logger.Flush(2 * time.Second)
	logger.InfoCtx(ctx, "Starting Remitter API")

	// Initialize store
	dataStore, err := openStore(ctx, cfg.Database)
	if err != nil {
		logger.FatalCtx(ctx, "Failed to open store", zap.Error(err))
	}

	// Initialize adapters
	clock := adapter.NewClock()
	jcs := adapter.NewJCS()

	// Bootstrap the RPT signing key set
	keys := rpt.NewKeyStore(dataStore)
	kid, err := keys.Bootstrap(ctx)
	if err != nil {
		logger.FatalCtx(ctx, "Failed to bootstrap signing keys", zap.Error(err))
	}
	logger.InfoCtx(ctx, "Active signing key ready", zap.String("kid", kid))

	// Bank rail: simulator wrapped with retries, optionally shadowed
	var rail bankrail.Rail = bankrail.NewSimulator(clock)
	var shadow *bankrail.ShadowRail
	if cfg.Bank.Shadow {
		shadow = bankrail.NewShadowRail(rail, bankrail.NewSimulator(clock))
		rail = shadow
		logger.InfoCtx(ctx, "Shadow rail enabled")
	}
	rail = bankrail.NewRetryRail(rail, cfg.Bank.CallTimeout)
	if cfg.Bank.KillSwitch {
		logger.WarnCtx(ctx, "Release kill switch is ON, all releases will be refused")
	}

	// Period event publisher
	var publisher messaging.Publisher = messaging.Nop()
	if cfg.NATS.URL != "" {
		publisher, err = jetstream.NewPublisher(ctx, jetstream.Config{
			URL:            cfg.NATS.URL,
			StreamName:     cfg.NATS.StreamName,
			MaxReconnects:  cfg.NATS.MaxReconnects,
			ReconnectWait:  cfg.NATS.ReconnectWait,
			ConnectionName: cfg.NATS.ConnectionName,
		})
		if err != nil {
			logger.FatalCtx(ctx, "Failed to connect to NATS", zap.Error(err), zap.String("url", cfg.NATS.URL))
		}
		logger.InfoCtx(ctx, "Connected to NATS", zap.String("url", cfg.NATS.URL))
	}
	defer publisher.Close()

	auditor := ledger.NewAuditor(jcs)
	issuer := rpt.NewIssuer(keys, jcs, clock, rpt.DefaultTTL)
	verifier := rpt.NewVerifier(dataStore, keys, clock)
	coordinator := idempotency.NewCoordinator(dataStore, clock)
	gate := anomaly.NewGate(anomaly.Thresholds{
		VarianceRatio:   cfg.Anomaly.VarianceRatio,
		DupRate:         cfg.Anomaly.DupRate,
		GapMinutes:      cfg.Anomaly.GapMinutes,
		DeltaVsBaseline: cfg.Anomaly.DeltaVsBaseline,
	}, cfg.Anomaly.Seed)

	orchestrator := release.NewOrchestrator(release.Deps{
		Store:        dataStore,
		Publisher:    publisher,
		Rail:         rail,
		Gate:         gate,
		Issuer:       issuer,
		Verifier:     verifier,
		Idempotency:  coordinator,
		Auditor:      auditor,
		Clock:        clock,
		EpsilonCents: cfg.Release.EpsilonCents,
		RatesVersion: cfg.Release.RatesVersion,
		ReleaseTTL:   cfg.Release.IdempotencyTTL,
	})

	handler := rest.NewHandler(rest.Deps{
		Store:            dataStore,
		Orchestrator:     orchestrator,
		Recon:            recon.NewEngine(dataStore),
		Evidence:         evidence.NewBuilder(dataStore, auditor, clock),
		Keys:             keys,
		Verifier:         verifier,
		ReleasesDisabled: cfg.Bank.KillSwitch,
	})

	// Create server config
	serverConfig := server.Config{
		Debug:        cfg.Debug,
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
		Auth: middleware.AuthConfig{
			JWTPublicKey: cfg.Auth.JWTPublicKey,
			APIKeys:      cfg.Auth.APIKeys,
		},
	}

	// Create and start server
	srv := server.New(serverConfig, handler)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.InfoCtx(ctx, "Received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	case err := <-errCh:
		logger.ErrorCtx(ctx, err, zap.String("component", "server"))
		cancel()
	}

	// Create shutdown context with timeout (don't use canceled ctx)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	logger.InfoCtx(shutdownCtx, "Shutting down server...")

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.FatalCtx(shutdownCtx, "Server forced to shutdown", zap.Error(err))
	}
	if shadow != nil {
		shadow.Stop()
	}

	// Use non-context logger for final message since original ctx is canceled
	logger.Info("API server stopped")
}

// openStore opens the configured store backend, migrating on postgres
func openStore(ctx context.Context, cfg config.DatabaseConfig) (store.Store, error) {
	if cfg.Driver == "memory" {
		logger.WarnCtx(ctx, "Using in-memory store, all state is lost on restart")
		return store.NewMemoryStore(), nil
	}

	db, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := store.ConfigureConnectionPool(db, cfg.MaxOpenConns, cfg.MaxIdleConns, cfg.ConnMaxLifetime, cfg.ConnMaxIdleTime); err != nil {
		return nil, fmt.Errorf("failed to configure connection pool: %w", err)
	}
	if err := store.Migrate(db); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	logger.InfoCtx(ctx, "Connected to database",
		zap.Int("max_open_conns", cfg.MaxOpenConns),
		zap.Int("max_idle_conns", cfg.MaxIdleConns),
	)
	return store.NewPGStore(db), nil
}
