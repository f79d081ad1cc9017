package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dyluth/warren/internal/config"
	"github.com/dyluth/warren/internal/health"
	"github.com/dyluth/warren/internal/logging"
	"github.com/dyluth/warren/internal/orchestrator"
	"github.com/dyluth/warren/internal/telemetry"
)

// Version information - set during build
var version = "dev"

// envHealthAddr overrides the health server listen address.
const envHealthAddr = "WARREN_HEALTH_ADDR"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load warren.yml (WARREN_CONFIG and WARREN_REDIS_URL override)
	cfg, err := config.LoadWithEnv(config.DefaultPath)
	if err != nil {
		return err
	}

	// 2. Logging
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	if err != nil {
		return err
	}
	logger = logger.With().Str("service", cfg.Telemetry.ServiceName).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// 3. Tracing
	shutdownTracing, err := telemetry.Init(ctx, cfg.Telemetry, version, logger)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn().Err(err).Msg("Failed to flush traces")
		}
	}()

	// 4. Stream store
	b, err := orchestrator.NewBus(cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	if err := b.Ping(ctx); err != nil {
		return fmt.Errorf("redis not accessible: %w", err)
	}

	// 5. Handoff protocol and processing loops
	protocol, err := orchestrator.NewProtocol(cfg.Handoff, logger)
	if err != nil {
		return err
	}

	engine, err := orchestrator.NewEngine(cfg, b, protocol, logger)
	if err != nil {
		return err
	}

	logger.Info().
		Str("version", version).
		Strs("tenants", cfg.TenantIDs()).
		Strs("loops", engine.Loops()).
		Str("checker", cfg.Handoff.Checker).
		Msg("warrend starting")

	// 6. Health endpoints
	addr := os.Getenv(envHealthAddr)
	if addr == "" {
		addr = ":8080"
	}
	healthServer := health.NewServer(b, engine.Ready, logger)
	healthServer.Start(addr)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		healthServer.Shutdown(shutdownCtx)
	}()

	// 7. Run until signalled
	err = engine.Run(ctx)
	logger.Info().Msg("warrend stopped")
	return err
}
