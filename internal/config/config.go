// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Browser   BrowserConfig   `mapstructure:"browser"`
	Scraper   ScraperConfig   `mapstructure:"scraper"`
	Recommend RecommendConfig `mapstructure:"recommend"`
	Scorer    ScorerConfig    `mapstructure:"scorer"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Snapshots SnapshotsConfig `mapstructure:"snapshots"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// BrowserConfig governs the headless browser page pool.
type BrowserConfig struct {
	PoolSize     int    `mapstructure:"pool_size"`
	UserAgent    string `mapstructure:"user_agent"`
	Locale       string `mapstructure:"locale"`
	Timezone     string `mapstructure:"timezone"`
	WindowWidth  int    `mapstructure:"window_width"`
	WindowHeight int    `mapstructure:"window_height"`
}

// ScraperConfig controls per-keyword search behavior.
type ScraperConfig struct {
	BaseURL           string `mapstructure:"base_url"`
	MaxAttempts       int    `mapstructure:"max_attempts"`
	NavTimeoutSec     int    `mapstructure:"nav_timeout_seconds"`
	MarkerTimeoutSec  int    `mapstructure:"marker_timeout_seconds"`
	BackoffMinMs      int    `mapstructure:"backoff_min_ms"`
	BackoffMaxMs      int    `mapstructure:"backoff_max_ms"`
}

// RecommendConfig governs keyword derivation and result shaping.
type RecommendConfig struct {
	PrimaryCap      int `mapstructure:"primary_cap"`
	MaxKeywords     int `mapstructure:"max_keywords"`
	CandidateSample int `mapstructure:"candidate_sample"`
	RandomSample    int `mapstructure:"random_sample"`
	ColdStartSample int `mapstructure:"cold_start_sample"`
}

// ScorerConfig points the lexical scorer at its catalog.
type ScorerConfig struct {
	CatalogPath string `mapstructure:"catalog_path"`
	TopN        int    `mapstructure:"top_n"`
}

// DatabaseConfig controls the Postgres task store. An empty DSN selects the
// in-memory store.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// SnapshotsConfig selects where debug page snapshots are archived.
type SnapshotsConfig struct {
	Backend string `mapstructure:"backend"` // "", "memory", "local", "gcs"
	Bucket  string `mapstructure:"bucket"`
	BaseDir string `mapstructure:"base_dir"`
	Prefix  string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for task lifecycle event publishing.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SHOPSCOUT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

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
	v.SetDefault("logging.development", true)
	v.SetDefault("browser.pool_size", 8)
	v.SetDefault("browser.user_agent",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/114.0.0.0 Safari/537.36")
	v.SetDefault("browser.locale", "ko-KR")
	v.SetDefault("browser.timezone", "Asia/Seoul")
	v.SetDefault("browser.window_width", 1920)
	v.SetDefault("browser.window_height", 1080)
	v.SetDefault("scraper.base_url", "https://www.google.com/search")
	v.SetDefault("scraper.max_attempts", 2)
	v.SetDefault("scraper.nav_timeout_seconds", 15)
	v.SetDefault("scraper.marker_timeout_seconds", 10)
	v.SetDefault("scraper.backoff_min_ms", 1000)
	v.SetDefault("scraper.backoff_max_ms", 3000)
	v.SetDefault("recommend.primary_cap", 3)
	v.SetDefault("recommend.max_keywords", 4)
	v.SetDefault("recommend.candidate_sample", 3)
	v.SetDefault("recommend.random_sample", 8)
	v.SetDefault("recommend.cold_start_sample", 3)
	v.SetDefault("scorer.top_n", 30)
	v.SetDefault("snapshots.prefix", "snapshots")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Browser.PoolSize <= 0 {
		return fmt.Errorf("browser.pool_size must be > 0")
	}
	if c.Scraper.MaxAttempts <= 0 {
		return fmt.Errorf("scraper.max_attempts must be > 0")
	}
	if c.Scraper.BackoffMinMs > c.Scraper.BackoffMaxMs {
		return fmt.Errorf("scraper.backoff_min_ms must be <= scraper.backoff_max_ms")
	}
	if c.Recommend.MaxKeywords <= 0 {
		return fmt.Errorf("recommend.max_keywords must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Snapshots.Backend {
	case "", "memory":
	case "local":
		if c.Snapshots.BaseDir == "" {
			return fmt.Errorf("snapshots.base_dir must be set for the local backend")
		}
	case "gcs":
		if c.Snapshots.Bucket == "" {
			return fmt.Errorf("snapshots.bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("unknown snapshots backend: %s", c.Snapshots.Backend)
	}
	return nil
}

// NavTimeout converts the scraper navigation timeout into a duration.
func (c Config) NavTimeout() time.Duration {
	return time.Duration(c.Scraper.NavTimeoutSec) * time.Second
}

// MarkerTimeout converts the content marker wait timeout into a duration.
func (c Config) MarkerTimeout() time.Duration {
	return time.Duration(c.Scraper.MarkerTimeoutSec) * time.Second
}
