// Package config loads and validates sitepeek configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/sitepeek/internal/storage/local"
)

// Config captures all service and client configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Providers ProvidersConfig `mapstructure:"providers"`
	Proxy     ProxyConfig     `mapstructure:"proxy"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Client    ClientConfig    `mapstructure:"client"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// ProvidersConfig tunes liveness probing against screenshot providers.
type ProvidersConfig struct {
	ProbeTimeout   time.Duration `mapstructure:"probe_timeout"`
	ProbeUserAgent string        `mapstructure:"probe_user_agent"`
	// ProbeRPS caps HEAD probes per provider host; zero means unlimited.
	ProbeRPS           float64 `mapstructure:"probe_rps"`
	ProbeBurst         int     `mapstructure:"probe_burst"`
	StandardProbeDepth int     `mapstructure:"standard_probe_depth"`
}

// ProxyConfig controls the image retrieval proxy.
type ProxyConfig struct {
	UserAgent           string        `mapstructure:"user_agent"`
	Timeout             time.Duration `mapstructure:"timeout"`
	MaxBytes            int64         `mapstructure:"max_bytes"`
	HostRPS             float64       `mapstructure:"host_rps"`
	HostBurst           int           `mapstructure:"host_burst"`
	RestrictToProviders bool          `mapstructure:"restrict_to_providers"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// ProgressConfig controls the render lifecycle event hub.
type ProgressConfig struct {
	Enabled       bool                `mapstructure:"enabled"`
	LogEnabled    bool                `mapstructure:"log_enabled"`
	BufferSize    int                 `mapstructure:"buffer_size"`
	Batch         ProgressBatchConfig `mapstructure:"batch"`
	SinkTimeoutMs int                 `mapstructure:"sink_timeout_ms"`
}

// ProgressBatchConfig bounds hub batches.
type ProgressBatchConfig struct {
	MaxEvents int `mapstructure:"max_events"`
	MaxWaitMs int `mapstructure:"max_wait_ms"`
}

// PubSubConfig holds metadata for render notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// TelemetryConfig names the service for tracing and selects the exporter.
type TelemetryConfig struct {
	ServiceName string `mapstructure:"service_name"`
	Version     string `mapstructure:"version"`
	ProjectID   string `mapstructure:"project_id"`
}

// ClientConfig drives the capture command's orchestrator.
type ClientConfig struct {
	BaseURL          string        `mapstructure:"base_url"`
	APIKey           string        `mapstructure:"api_key"`
	Flow             string        `mapstructure:"flow"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	ImageTimeout     time.Duration `mapstructure:"image_timeout"`
	ProbeTimeout     time.Duration `mapstructure:"probe_timeout"`
	ProgressInterval time.Duration `mapstructure:"progress_interval"`
	HistorySize      int           `mapstructure:"history_size"`
	ProbeImage       bool          `mapstructure:"probe_image"`
	// Loader selects how images are loaded: "http" or "chromedp".
	Loader      string        `mapstructure:"loader"`
	OpenBrowser bool          `mapstructure:"open_browser"`
	Storage     StorageConfig `mapstructure:"storage"`
}

// StorageConfig selects where downloaded screenshots are written.
type StorageConfig struct {
	Backend string       `mapstructure:"backend"`
	Bucket  string       `mapstructure:"bucket"`
	Prefix  string       `mapstructure:"prefix"`
	Local   local.Config `mapstructure:"local"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SITEPEEK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("server.port", "SITEPEEK_SERVER_PORT", "PORT"); err != nil {
		return Config{}, fmt.Errorf("bind port env: %w", err)
	}

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("providers.probe_timeout", 3*time.Second)
	v.SetDefault("providers.probe_user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36")
	v.SetDefault("providers.probe_rps", 5.0)
	v.SetDefault("providers.probe_burst", 5)
	v.SetDefault("providers.standard_probe_depth", 1)
	v.SetDefault("proxy.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) "+
		"AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36")
	v.SetDefault("proxy.timeout", 30*time.Second)
	v.SetDefault("proxy.max_bytes", 10<<20)
	v.SetDefault("proxy.host_rps", 0.0)
	v.SetDefault("proxy.host_burst", 1)
	v.SetDefault("proxy.restrict_to_providers", true)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.log_enabled", false)
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.batch.max_events", 100)
	v.SetDefault("progress.batch.max_wait_ms", 500)
	v.SetDefault("progress.sink_timeout_ms", 5000)
	v.SetDefault("telemetry.service_name", "sitepeek")
	v.SetDefault("telemetry.version", "dev")
	v.SetDefault("client.base_url", "http://localhost:8080")
	v.SetDefault("client.flow", "standard")
	v.SetDefault("client.request_timeout", 10*time.Second)
	v.SetDefault("client.image_timeout", 10*time.Second)
	v.SetDefault("client.probe_timeout", 3*time.Second)
	v.SetDefault("client.progress_interval", 200*time.Millisecond)
	v.SetDefault("client.history_size", 5)
	v.SetDefault("client.probe_image", true)
	v.SetDefault("client.loader", "http")
	v.SetDefault("client.open_browser", true)
	v.SetDefault("client.storage.backend", "local")
	v.SetDefault("client.storage.prefix", "")
	v.SetDefault("client.storage.local.base_dir", "screenshots")
}

// Validate enforces required values and reasonable limits.
// maxHistorySize caps the recent-URL list shown by the client.
const maxHistorySize = 5

func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Providers.ProbeTimeout <= 0 {
		return fmt.Errorf("providers.probe_timeout must be > 0")
	}
	if c.Providers.StandardProbeDepth < 0 {
		return fmt.Errorf("providers.standard_probe_depth must be >= 0")
	}
	if c.Proxy.Timeout <= 0 {
		return fmt.Errorf("proxy.timeout must be > 0")
	}
	if c.Proxy.MaxBytes <= 0 {
		return fmt.Errorf("proxy.max_bytes must be > 0")
	}
	if c.Client.RequestTimeout <= 0 || c.Client.ImageTimeout <= 0 {
		return fmt.Errorf("client.request_timeout and client.image_timeout must be > 0")
	}
	if c.Client.HistorySize <= 0 || c.Client.HistorySize > maxHistorySize {
		return fmt.Errorf("client.history_size must be between 1 and %d", maxHistorySize)
	}
	switch c.Client.Loader {
	case "http", "chromedp":
	default:
		return fmt.Errorf("client.loader must be http or chromedp, got %q", c.Client.Loader)
	}
	switch c.Client.Storage.Backend {
	case "memory", "local":
	case "gcs":
		if c.Client.Storage.Bucket == "" {
			return fmt.Errorf("client.storage.bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("client.storage.backend must be memory, local, or gcs, got %q", c.Client.Storage.Backend)
	}
	return nil
}

// HubBatchWait converts the configured batch wait into a duration.
func (c ProgressConfig) HubBatchWait() time.Duration {
	return time.Duration(c.Batch.MaxWaitMs) * time.Millisecond
}

// HubSinkTimeout converts the configured sink timeout into a duration.
func (c ProgressConfig) HubSinkTimeout() time.Duration {
	return time.Duration(c.SinkTimeoutMs) * time.Millisecond
}
