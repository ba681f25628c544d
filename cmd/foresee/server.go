package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/goodtune/foresee/internal/api"
	"github.com/goodtune/foresee/internal/config"
	"github.com/goodtune/foresee/internal/metrics"
	"github.com/goodtune/foresee/internal/systemd"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the ForeSee server",
	Long:  `Start the usage API, the usage monitor and the metrics endpoint.`,
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Msg("Starting ForeSee server")

	// Check for systemd socket activation
	sdListeners, err := systemd.GetListeners()
	if err != nil {
		return fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	// Initialize storage
	store, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close storage")
		}
	}()

	logger.Info().
		Str("type", cfg.Storage.Type).
		Str("redis_host", cfg.Storage.Redis.Host).
		Int("redis_port", cfg.Storage.Redis.Port).
		Msg("Storage initialized")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Usage monitor
	monitor := newMonitor(cfg, store, logger)
	if cfg.Monitor.Enabled {
		if err := monitor.Start(ctx); err != nil {
			return fmt.Errorf("failed to start usage monitor: %w", err)
		}
		defer monitor.Stop()
	} else {
		logger.Warn().Msg("Usage monitor disabled; polls run only on demand")
	}

	// API server
	apiServer := api.NewServer(listenAddr(cfg.Server.BindAddress, cfg.Server.APIPort), store, monitor, logger)
	if sdListeners.API != nil {
		apiServer.SetListener(sdListeners.API)
	}
	if err := apiServer.Start(); err != nil {
		return fmt.Errorf("failed to start API server: %w", err)
	}

	// Metrics server
	metricsServer, err := startMetrics(cfg, sdListeners, logger)
	if err != nil {
		_ = apiServer.Stop()
		return err
	}

	notifyReady(ctx, logger)
	logger.Info().Msg("ForeSee server started")

	<-ctx.Done()
	logger.Info().Msg("Shutdown signal received, gracefully stopping...")

	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd stopping notification")
	}

	if err := apiServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping API server")
	}

	if err := metricsServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping Metrics server")
	}

	logger.Info().Msg("ForeSee server stopped")

	return nil
}

func startMetrics(cfg *config.Config, sdListeners *systemd.Listeners, logger zerolog.Logger) (*metrics.Server, error) {
	metricsServer := metrics.NewServer(listenAddr(cfg.Server.BindAddress, cfg.Server.MetricsPort), logger)
	if sdListeners.Metrics != nil {
		metricsServer.SetListener(sdListeners.Metrics)
	}
	if err := metricsServer.Start(); err != nil {
		return nil, fmt.Errorf("failed to start metrics server: %w", err)
	}
	return metricsServer, nil
}

// notifyReady tells systemd startup is complete and keeps the watchdog fed
// until ctx ends
func notifyReady(ctx context.Context, logger zerolog.Logger) {
	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
	}

	go func() {
		if err := systemd.RunWatchdog(ctx); err != nil {
			logger.Warn().Err(err).Msg("systemd watchdog stopped")
		}
	}()
}
