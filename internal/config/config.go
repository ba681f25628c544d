package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the complete application configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Storage  StorageConfig  `mapstructure:"storage" yaml:"storage"`
	Logging  LoggingConfig  `mapstructure:"logging" yaml:"logging"`
	Monitor  MonitorConfig  `mapstructure:"monitor" yaml:"monitor"`
	Notify   NotifyConfig   `mapstructure:"notify" yaml:"notify"`
	LLMProxy LLMProxyConfig `mapstructure:"llm_proxy" yaml:"llm_proxy"`
}

// ServerConfig defines server ports and addresses
type ServerConfig struct {
	BindAddress string `mapstructure:"bind_address" yaml:"bind_address"`
	APIPort     int    `mapstructure:"api_port" yaml:"api_port"`
	ProxyPort   int    `mapstructure:"proxy_port" yaml:"proxy_port"`
	MetricsPort int    `mapstructure:"metrics_port" yaml:"metrics_port"`
}

// StorageConfig defines storage backend settings
type StorageConfig struct {
	Type  string      `mapstructure:"type" yaml:"type"`
	Redis RedisConfig `mapstructure:"redis" yaml:"redis"`
}

// RedisConfig defines Redis connection settings
type RedisConfig struct {
	Host         string `mapstructure:"host" yaml:"host"`
	Port         int    `mapstructure:"port" yaml:"port"`
	Password     string `mapstructure:"password" yaml:"password"`
	DB           int    `mapstructure:"db" yaml:"db"`
	PoolSize     int    `mapstructure:"pool_size" yaml:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns" yaml:"min_idle_conns"`
	DialTimeout  string `mapstructure:"dial_timeout" yaml:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout" yaml:"write_timeout"`
	KeyPrefix    string `mapstructure:"key_prefix" yaml:"key_prefix"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// MonitorConfig defines the usage monitor schedule and thresholds
type MonitorConfig struct {
	Enabled         bool   `mapstructure:"enabled" yaml:"enabled"`
	PollInterval    string `mapstructure:"poll_interval" yaml:"poll_interval"`
	QueryWindow     string `mapstructure:"query_window" yaml:"query_window"`
	Cooldown        string `mapstructure:"cooldown" yaml:"cooldown"`
	Level1Threshold string `mapstructure:"level1_threshold" yaml:"level1_threshold"`
	Level2Threshold string `mapstructure:"level2_threshold" yaml:"level2_threshold"`
	NotifyTimeout   string `mapstructure:"notify_timeout" yaml:"notify_timeout"`
}

// NotifyConfig defines where alerts are delivered
type NotifyConfig struct {
	Log            bool   `mapstructure:"log" yaml:"log"`
	WebhookURL     string `mapstructure:"webhook_url" yaml:"webhook_url"`
	WebhookTimeout string `mapstructure:"webhook_timeout" yaml:"webhook_timeout"`
	SnoozeBaseURL  string `mapstructure:"snooze_base_url" yaml:"snooze_base_url"`
}

// LLMProxyConfig defines the chat completion relay
type LLMProxyConfig struct {
	Mode               string  `mapstructure:"mode" yaml:"mode"`
	UpstreamURL        string  `mapstructure:"upstream_url" yaml:"upstream_url"`
	APIKey             string  `mapstructure:"api_key" yaml:"-"`
	Referer            string  `mapstructure:"referer" yaml:"referer"`
	Title              string  `mapstructure:"title" yaml:"title"`
	Timeout            string  `mapstructure:"timeout" yaml:"timeout"`
	MaxBodyBytes       int64   `mapstructure:"max_body_bytes" yaml:"max_body_bytes"`
	DefaultMaxTokens   int     `mapstructure:"default_max_tokens" yaml:"default_max_tokens"`
	DefaultTemperature float64 `mapstructure:"default_temperature" yaml:"default_temperature"`
	RateLimit          float64 `mapstructure:"rate_limit" yaml:"rate_limit"`
	RateBurst          int     `mapstructure:"rate_burst" yaml:"rate_burst"`
	RateLimitClients   int     `mapstructure:"rate_limit_clients" yaml:"rate_limit_clients"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	SetDefaults(v)

	// Configure viper
	v.SetConfigFile(configPath)
	v.SetEnvPrefix("FORESEE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// The relay credential is commonly provisioned under the upstream's own name
	_ = v.BindEnv("llm_proxy.api_key", "FORESEE_LLM_PROXY_API_KEY", "OPENROUTER_API_KEY")

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if !isConfigNotFound(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and environment variables
	}

	// Unmarshal config
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate config
	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Defaults returns the configuration produced by defaults alone
func Defaults() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// SetDefaults sets default configuration values
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.bind_address", "0.0.0.0")
	v.SetDefault("server.api_port", 8080)
	v.SetDefault("server.proxy_port", 8787)
	v.SetDefault("server.metrics_port", 9090)

	// Storage defaults
	v.SetDefault("storage.type", "redis")
	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", 6379)
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.min_idle_conns", 2)
	v.SetDefault("storage.redis.dial_timeout", "5s")
	v.SetDefault("storage.redis.read_timeout", "3s")
	v.SetDefault("storage.redis.write_timeout", "3s")
	v.SetDefault("storage.redis.key_prefix", "foresee")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Monitor defaults
	v.SetDefault("monitor.enabled", true)
	v.SetDefault("monitor.poll_interval", "15m")
	v.SetDefault("monitor.query_window", "3h")
	v.SetDefault("monitor.cooldown", "20m")
	v.SetDefault("monitor.level1_threshold", "90m")
	v.SetDefault("monitor.level2_threshold", "130m")
	v.SetDefault("monitor.notify_timeout", "10s")

	// Notify defaults
	v.SetDefault("notify.log", true)
	v.SetDefault("notify.webhook_url", "")
	v.SetDefault("notify.webhook_timeout", "5s")
	v.SetDefault("notify.snooze_base_url", "")

	// LLM proxy defaults
	v.SetDefault("llm_proxy.mode", "stream")
	v.SetDefault("llm_proxy.upstream_url", "https://openrouter.ai/api/v1/chat/completions")
	v.SetDefault("llm_proxy.api_key", "")
	v.SetDefault("llm_proxy.referer", "https://foresee.app")
	v.SetDefault("llm_proxy.title", "ForeSee AI")
	v.SetDefault("llm_proxy.timeout", "120s")
	v.SetDefault("llm_proxy.max_body_bytes", 1<<20)
	v.SetDefault("llm_proxy.default_max_tokens", 3600)
	v.SetDefault("llm_proxy.default_temperature", 0.7)
	v.SetDefault("llm_proxy.rate_limit", 0)
	v.SetDefault("llm_proxy.rate_burst", 0)
	v.SetDefault("llm_proxy.rate_limit_clients", 4096)
}

// validate validates the configuration
func validate(cfg *Config) error {
	for name, port := range map[string]int{
		"API":     cfg.Server.APIPort,
		"proxy":   cfg.Server.ProxyPort,
		"metrics": cfg.Server.MetricsPort,
	} {
		if port <= 0 || port > 65535 {
			return fmt.Errorf("invalid %s port: %d", name, port)
		}
	}

	if cfg.Storage.Type == "" {
		cfg.Storage.Type = "redis"
	}
	if cfg.Storage.Type != "redis" {
		return fmt.Errorf("unsupported storage type: %s (only 'redis' is supported)", cfg.Storage.Type)
	}

	switch cfg.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("invalid logging format: %s (must be json or text)", cfg.Logging.Format)
	}

	if err := validateMonitor(cfg.Monitor); err != nil {
		return err
	}

	switch cfg.LLMProxy.Mode {
	case "stream", "batch":
	default:
		return fmt.Errorf("invalid llm_proxy mode: %s (must be stream or batch)", cfg.LLMProxy.Mode)
	}

	if cfg.LLMProxy.UpstreamURL == "" {
		return fmt.Errorf("llm_proxy upstream_url is required")
	}

	if cfg.LLMProxy.RateLimit < 0 {
		return fmt.Errorf("llm_proxy rate_limit must not be negative")
	}

	return nil
}

func validateMonitor(m MonitorConfig) error {
	durations := map[string]string{
		"poll_interval":    m.PollInterval,
		"query_window":     m.QueryWindow,
		"cooldown":         m.Cooldown,
		"level1_threshold": m.Level1Threshold,
		"level2_threshold": m.Level2Threshold,
		"notify_timeout":   m.NotifyTimeout,
	}

	parsed := make(map[string]time.Duration, len(durations))
	for name, value := range durations {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid monitor %s: %w", name, err)
		}
		if d <= 0 {
			return fmt.Errorf("monitor %s must be positive", name)
		}
		parsed[name] = d
	}

	if parsed["level2_threshold"] <= parsed["level1_threshold"] {
		return fmt.Errorf("monitor level2_threshold (%s) must be greater than level1_threshold (%s)",
			m.Level2Threshold, m.Level1Threshold)
	}

	// The query window must cover more than one poll so a missed poll is tolerated
	if parsed["query_window"] < parsed["poll_interval"] {
		return fmt.Errorf("monitor query_window (%s) must not be shorter than poll_interval (%s)",
			m.QueryWindow, m.PollInterval)
	}

	return nil
}

func isConfigNotFound(err error) bool {
	if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		return true
	}
	// SetConfigFile with a missing path surfaces as a filesystem error
	return strings.Contains(err.Error(), "no such file or directory")
}
