package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Config represents the runtime configuration for the Pelaris edge agent.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	API        APIConfig        `mapstructure:"api"`
	Realtime   RealtimeConfig   `mapstructure:"realtime"`
	Store      StoreConfig      `mapstructure:"store"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Sync       SyncConfig       `mapstructure:"sync"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

// ServerConfig configures the local status HTTP server.
type ServerConfig struct {
	Port       int    `mapstructure:"port"`
	LogLevel   string `mapstructure:"log_level"`
	LogConsole bool   `mapstructure:"log_console"`
}

// APIConfig describes how the agent reaches the central backend.
type APIConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// RealtimeConfig tunes the websocket event channel.
type RealtimeConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	URL              string        `mapstructure:"url"`
	MaxAttempts      int           `mapstructure:"max_attempts"`
	MinBackoff       time.Duration `mapstructure:"min_backoff"`
	MaxBackoff       time.Duration `mapstructure:"max_backoff"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
}

// StoreConfig locates the local sqlite database.
type StoreConfig struct {
	Path string `mapstructure:"path"`
	DSN  string `mapstructure:"dsn"`
}

// CacheConfig tunes the in-memory response cache.
type CacheConfig struct {
	TTL            time.Duration `mapstructure:"ttl"`
	StaleThreshold time.Duration `mapstructure:"stale_threshold"`
}

// SyncConfig scopes the agent to a branch and schedules reconciliation.
type SyncConfig struct {
	BranchID          string `mapstructure:"branch_id"`
	ReconcileSchedule string `mapstructure:"reconcile_schedule"`
}

// MonitoringConfig enables health checks and metrics.
type MonitoringConfig struct {
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
	Health     HealthConfig     `mapstructure:"health_check"`
}

// PrometheusConfig toggles metrics endpoints.
type PrometheusConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
}

// HealthConfig toggles health endpoints.
type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// LoadConfig initialises application configuration using Viper with sensible defaults.
func LoadConfig(paths ...string) (*Config, error) {
	v := viper.NewWithOptions(viper.ExperimentalBindStruct())
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.AddConfigPath("./config")
	for _, path := range paths {
		v.AddConfigPath(path)
	}

	setDefaults(v)

	v.SetEnvPrefix("PELARIS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var cfgErr viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgErr) {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config, decodeHook()); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	return &config, nil
}

// Validate reports configuration the agent cannot run without.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Sync.BranchID) == "" {
		return errors.New("config: sync.branch_id is required")
	}
	if strings.TrimSpace(c.API.BaseURL) == "" {
		return errors.New("config: api.base_url is required")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 7070)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.log_console", false)

	v.SetDefault("api.base_url", "http://localhost:8000/api")
	v.SetDefault("api.token", "")
	v.SetDefault("api.timeout", "15s")

	v.SetDefault("realtime.enabled", true)
	v.SetDefault("realtime.url", "")
	v.SetDefault("realtime.max_attempts", 10)
	v.SetDefault("realtime.min_backoff", "1s")
	v.SetDefault("realtime.max_backoff", "5s")
	v.SetDefault("realtime.handshake_timeout", "10s")

	v.SetDefault("store.path", "./data/pelaris-edge.sqlite")

	v.SetDefault("cache.ttl", "5m")
	v.SetDefault("cache.stale_threshold", "1m")

	v.SetDefault("sync.branch_id", "")
	v.SetDefault("sync.reconcile_schedule", "@every 1m")

	v.SetDefault("monitoring.prometheus.enabled", true)
	v.SetDefault("monitoring.prometheus.endpoint", "/metrics")
	v.SetDefault("monitoring.health_check.enabled", true)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
