package main

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/goodtune/foresee/internal/config"
	"github.com/goodtune/foresee/internal/notify"
	"github.com/goodtune/foresee/internal/storage"
	"github.com/goodtune/foresee/internal/storage/redis"
	"github.com/goodtune/foresee/internal/usage"
	"github.com/rs/zerolog"
)

func openStorage(cfg config.StorageConfig) (storage.Store, error) {
	storageType := cfg.Type
	if storageType == "" {
		storageType = "redis"
	}

	switch storageType {
	case "redis":
		return redis.Open(cfg.Redis)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s (only 'redis' is supported)", storageType)
	}
}

// monitorConfig converts the monitor section into usage.Config
func monitorConfig(cfg config.MonitorConfig) usage.Config {
	return usage.Config{
		PollInterval:  parseDuration(cfg.PollInterval, usage.DefaultPollInterval),
		QueryWindow:   parseDuration(cfg.QueryWindow, usage.DefaultQueryWindow),
		NotifyTimeout: parseDuration(cfg.NotifyTimeout, usage.DefaultNotifyTimeout),
		Thresholds: usage.Thresholds{
			Cooldown: parseDuration(cfg.Cooldown, usage.DefaultCooldown),
			Level1:   parseDuration(cfg.Level1Threshold, usage.DefaultLevel1Threshold),
			Level2:   parseDuration(cfg.Level2Threshold, usage.DefaultLevel2Threshold),
		},
	}
}

// buildNotifier assembles the configured alert sinks. It returns nil when
// every sink is disabled.
func buildNotifier(cfg config.NotifyConfig, logger zerolog.Logger) notify.Notifier {
	var sinks []notify.Notifier
	if cfg.Log {
		sinks = append(sinks, notify.NewLogNotifier(logger))
	}
	if cfg.WebhookURL != "" {
		sinks = append(sinks, notify.NewWebhookNotifier(cfg.WebhookURL, parseDuration(cfg.WebhookTimeout, notify.DefaultWebhookTimeout)))
	}

	multi := notify.NewMulti(sinks...)
	if multi.Len() == 0 {
		return nil
	}
	return multi
}

// newMonitor wires a usage monitor to storage and the configured notifiers
func newMonitor(cfg *config.Config, store storage.Store, logger zerolog.Logger) *usage.Monitor {
	return usage.NewMonitor(
		store.Usage(),
		store.Alerts(),
		buildNotifier(cfg.Notify, logger),
		monitorConfig(cfg.Monitor),
		logger,
		usage.WithBuilder(notify.NewBuilder(nil, cfg.Notify.SnoozeBaseURL)),
	)
}

func listenAddr(bind string, port int) string {
	return net.JoinHostPort(bind, strconv.Itoa(port))
}

// setupLogger configures the logger based on configuration
func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	// Set log level
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	zerolog.SetGlobalLevel(level)

	// Set output format
	if cfg.Format == "text" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Default to JSON
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// parseDuration parses a duration string with a fallback
func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
