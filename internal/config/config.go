// Package config defines the top-level configuration for the arena engine
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by ARENA_* environment variables.
type Config struct {
	Database   DatabaseConfig   `toml:"database"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Feed       FeedConfig       `toml:"feed"`
	Match      MatchConfig      `toml:"match"`
	Aggregator AggregatorConfig `toml:"aggregator"`
	Metrics    MetricsConfig    `toml:"metrics"`
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
}

// DatabaseConfig holds PostgreSQL connection parameters.
type DatabaseConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr         string   `toml:"addr"`
	Password     string   `toml:"password"`
	DB           int      `toml:"db"`
	PoolSize     int      `toml:"pool_size"`
	MaxRetries   int      `toml:"max_retries"`
	TLSEnabled   bool     `toml:"tls_enabled"`
	PriceTTL     duration `toml:"price_ttl"`
	StreamMaxLen int      `toml:"stream_max_len"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// FeedConfig holds the upstream ticker WebSocket used in relay mode.
type FeedConfig struct {
	WsURL             string   `toml:"ws_url"`
	Symbols           []string `toml:"symbols"`
	ReconnectDelay    duration `toml:"reconnect_delay"`
	MaxReconnectDelay duration `toml:"max_reconnect_delay"`
}

// MatchConfig holds phase budgets and battle parameters.
type MatchConfig struct {
	AnalysisTimeout    duration `toml:"analysis_timeout"`
	HypothesisTimeout  duration `toml:"hypothesis_timeout"`
	BattleTimeout      duration `toml:"battle_timeout"`
	BattleBaseDuration duration `toml:"battle_base_duration"`
	BattleMinDuration  duration `toml:"battle_min_duration"`
	HistoryCap         int      `toml:"history_cap"`
	DefaultSpeed       int      `toml:"default_speed"`
	TakeProfitPct      float64  `toml:"take_profit_pct"`
	StopLossPct        float64  `toml:"stop_loss_pct"`
	LockTTL            duration `toml:"lock_ttl"`
	CommandStream      string   `toml:"command_stream"`
	ArchiveBattles     bool     `toml:"archive_battles"`
}

// AggregatorConfig names the agent panels and offense priors.
type AggregatorConfig struct {
	OffenseAgents []string           `toml:"offense_agents"`
	ContextAgents []string           `toml:"context_agents"`
	Weights       map[string]float64 `toml:"weights"`
}

// MetricsConfig holds the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
	Path    string `toml:"path"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Database: DatabaseConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "arena",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			PoolSize:     20,
			MaxRetries:   3,
			PriceTTL:     duration{10 * time.Minute},
			StreamMaxLen: 10000,
		},
		S3: S3Config{
			Enabled:        true,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "arena-battles",
			ForcePathStyle: true,
		},
		Feed: FeedConfig{
			WsURL:             "wss://stream.binance.com:9443/stream",
			Symbols:           []string{"BTCUSDT", "ETHUSDT"},
			ReconnectDelay:    duration{2 * time.Second},
			MaxReconnectDelay: duration{60 * time.Second},
		},
		Match: MatchConfig{
			AnalysisTimeout:    duration{60 * time.Second},
			HypothesisTimeout:  duration{30 * time.Second},
			BattleTimeout:      duration{300 * time.Second},
			BattleBaseDuration: duration{300 * time.Second},
			BattleMinDuration:  duration{30 * time.Second},
			HistoryCap:         300,
			DefaultSpeed:       1,
			TakeProfitPct:      2.0,
			StopLossPct:        1.0,
			LockTTL:            duration{10 * time.Minute},
			CommandStream:      "arena:commands",
			ArchiveBattles:     true,
		},
		Aggregator: AggregatorConfig{
			OffenseAgents: []string{"STRUCTURE", "VPA", "ICT"},
			ContextAgents: []string{"MACRO", "FLOW", "SENTI", "DERIV"},
			Weights: map[string]float64{
				"STRUCTURE": 0.40,
				"VPA":       0.35,
				"ICT":       0.25,
			},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9090",
			Path:    "/metrics",
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"worker": true,
	"relay":  true,
	"full":   true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	// Mode
	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: worker, relay, full)", c.Mode))
	}

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Database
	if strings.TrimSpace(c.Database.DSN) == "" {
		if c.Database.Host == "" {
			errs = append(errs, "database: host must not be empty (or set database.dsn)")
		}
		if c.Database.Port <= 0 || c.Database.Port > 65535 {
			errs = append(errs, fmt.Sprintf("database: port must be 1-65535, got %d", c.Database.Port))
		}
		if c.Database.Database == "" {
			errs = append(errs, "database: database must not be empty")
		}
	}
	if c.Database.PoolMaxConns < 1 {
		errs = append(errs, "database: pool_max_conns must be >= 1")
	}
	if c.Database.PoolMinConns < 0 {
		errs = append(errs, "database: pool_min_conns must be >= 0")
	}
	if c.Database.PoolMinConns > c.Database.PoolMaxConns {
		errs = append(errs, "database: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
	}

	// Feed, only the relay reads it.
	if c.Mode == "relay" || c.Mode == "full" {
		if c.Feed.WsURL == "" {
			errs = append(errs, "feed: ws_url must not be empty for mode "+c.Mode)
		}
		if len(c.Feed.Symbols) == 0 {
			errs = append(errs, "feed: at least one symbol is required for mode "+c.Mode)
		}
	}

	// Match
	m := c.Match
	budgets := []struct {
		name string
		d    time.Duration
	}{
		{"analysis_timeout", m.AnalysisTimeout.Duration},
		{"hypothesis_timeout", m.HypothesisTimeout.Duration},
		{"battle_timeout", m.BattleTimeout.Duration},
	}
	for _, b := range budgets {
		if b.d < 0 {
			errs = append(errs, fmt.Sprintf("match: %s must be >= 0, got %s", b.name, b.d))
		}
	}
	if m.BattleBaseDuration.Duration <= 0 {
		errs = append(errs, "match: battle_base_duration must be > 0")
	}
	if m.BattleMinDuration.Duration <= 0 {
		errs = append(errs, "match: battle_min_duration must be > 0")
	}
	if m.HistoryCap < 1 {
		errs = append(errs, "match: history_cap must be >= 1")
	}
	if m.DefaultSpeed < 1 || m.DefaultSpeed > 5 {
		errs = append(errs, fmt.Sprintf("match: default_speed must be 1-5, got %d", m.DefaultSpeed))
	}
	if m.TakeProfitPct <= 0 {
		errs = append(errs, "match: take_profit_pct must be > 0")
	}
	if m.StopLossPct <= 0 || m.StopLossPct >= 100 {
		errs = append(errs, "match: stop_loss_pct must be in (0, 100)")
	}
	if m.CommandStream == "" {
		errs = append(errs, "match: command_stream must not be empty")
	}

	// Aggregator
	if len(c.Aggregator.OffenseAgents) == 0 {
		errs = append(errs, "aggregator: offense_agents must not be empty")
	}
	if len(c.Aggregator.ContextAgents) == 0 {
		errs = append(errs, "aggregator: context_agents must not be empty")
	}
	for id, w := range c.Aggregator.Weights {
		if w <= 0 {
			errs = append(errs, fmt.Sprintf("aggregator: weight for %s must be > 0, got %v", id, w))
		}
	}

	// Metrics
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		errs = append(errs, "metrics: addr must not be empty when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
