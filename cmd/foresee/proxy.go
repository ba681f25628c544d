package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/goodtune/foresee/internal/config"
	"github.com/goodtune/foresee/internal/llmproxy"
	"github.com/goodtune/foresee/internal/systemd"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var proxyMode string

var proxyCmd = &cobra.Command{
	Use:   "proxy",
	Short: "Start the LLM chat relay",
	Long: `Start the chat completion relay. Requests are forwarded to the configured
upstream API with the server-side API key attached. In stream mode the upstream
event stream is piped through as it arrives; in batch mode the request is
normalized and the full JSON response is returned at once.

The API key is read from llm_proxy.api_key, FORESEE_LLM_PROXY_API_KEY or
OPENROUTER_API_KEY. The relay refuses to start without one.`,
	RunE: runProxy,
}

func init() {
	proxyCmd.Flags().StringVar(&proxyMode, "mode", "", "Relay mode: stream or batch (overrides llm_proxy.mode)")
	rootCmd.AddCommand(proxyCmd)
}

// proxyConfig converts the llm_proxy section into llmproxy.Config
func proxyConfig(cfg config.LLMProxyConfig) llmproxy.Config {
	return llmproxy.Config{
		Mode:               llmproxy.Mode(cfg.Mode),
		UpstreamURL:        cfg.UpstreamURL,
		APIKey:             cfg.APIKey,
		Referer:            cfg.Referer,
		Title:              cfg.Title,
		Timeout:            parseDuration(cfg.Timeout, llmproxy.DefaultTimeout),
		MaxBodyBytes:       cfg.MaxBodyBytes,
		DefaultMaxTokens:   cfg.DefaultMaxTokens,
		DefaultTemperature: cfg.DefaultTemperature,
		RateLimit:          cfg.RateLimit,
		RateBurst:          cfg.RateBurst,
		RateLimitClients:   cfg.RateLimitClients,
	}
}

func runProxy(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if proxyMode != "" {
		cfg.LLMProxy.Mode = proxyMode
	}

	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Msg("Starting ForeSee LLM proxy")

	relay, err := llmproxy.New(proxyConfig(cfg.LLMProxy), logger)
	if errors.Is(err, llmproxy.ErrMissingCredential) {
		return fmt.Errorf("%w: set llm_proxy.api_key, FORESEE_LLM_PROXY_API_KEY or OPENROUTER_API_KEY", err)
	}
	if err != nil {
		return fmt.Errorf("failed to create LLM proxy: %w", err)
	}

	sdListeners, err := systemd.GetListeners()
	if err != nil {
		return fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	proxyServer := llmproxy.NewServer(listenAddr(cfg.Server.BindAddress, cfg.Server.ProxyPort), relay, logger)
	if sdListeners.Proxy != nil {
		proxyServer.SetListener(sdListeners.Proxy)
	}
	if err := proxyServer.Start(); err != nil {
		return fmt.Errorf("failed to start LLM proxy server: %w", err)
	}

	metricsServer, err := startMetrics(cfg, sdListeners, logger)
	if err != nil {
		_ = proxyServer.Stop()
		return err
	}

	notifyReady(ctx, logger)
	logger.Info().
		Str("mode", string(relay.Mode())).
		Str("upstream", cfg.LLMProxy.UpstreamURL).
		Msg("LLM proxy started")

	<-ctx.Done()
	logger.Info().Msg("Shutdown signal received, gracefully stopping...")

	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd stopping notification")
	}

	if err := proxyServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping LLM proxy server")
	}

	if err := metricsServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping Metrics server")
	}

	logger.Info().Msg("ForeSee LLM proxy stopped")

	return nil
}
