package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load decodes the TOML file at path over Defaults, then lets ARENA_*
// variables from the process environment or a local .env file win. The
// result still has to pass Validate.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}

	// A missing .env is normal outside development.
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

// applyEnvOverrides copies every set ARENA_* variable onto cfg. Values that
// fail to parse are ignored and the file or default value stands.
func applyEnvOverrides(cfg *Config) {
	db := &cfg.Database
	override(&db.DSN, "ARENA_DATABASE_DSN", parseString)
	override(&db.DSN, "ARENA_DATABASE_URL", parseString)
	override(&db.Host, "ARENA_DATABASE_HOST", parseString)
	override(&db.Port, "ARENA_DATABASE_PORT", strconv.Atoi)
	override(&db.Database, "ARENA_DATABASE_NAME", parseString)
	override(&db.User, "ARENA_DATABASE_USER", parseString)
	override(&db.Password, "ARENA_DATABASE_PASSWORD", parseString)
	override(&db.SSLMode, "ARENA_DATABASE_SSL_MODE", parseString)
	override(&db.PoolMaxConns, "ARENA_DATABASE_POOL_MAX_CONNS", strconv.Atoi)
	override(&db.PoolMinConns, "ARENA_DATABASE_POOL_MIN_CONNS", strconv.Atoi)
	override(&db.RunMigrations, "ARENA_DATABASE_RUN_MIGRATIONS", strconv.ParseBool)

	rd := &cfg.Redis
	override(&rd.Addr, "ARENA_REDIS_ADDR", parseString)
	override(&rd.Password, "ARENA_REDIS_PASSWORD", parseString)
	override(&rd.DB, "ARENA_REDIS_DB", strconv.Atoi)
	override(&rd.PoolSize, "ARENA_REDIS_POOL_SIZE", strconv.Atoi)
	override(&rd.MaxRetries, "ARENA_REDIS_MAX_RETRIES", strconv.Atoi)
	override(&rd.TLSEnabled, "ARENA_REDIS_TLS_ENABLED", strconv.ParseBool)
	override(&rd.PriceTTL, "ARENA_REDIS_PRICE_TTL", parseDuration)
	override(&rd.StreamMaxLen, "ARENA_REDIS_STREAM_MAX_LEN", strconv.Atoi)

	s3 := &cfg.S3
	override(&s3.Enabled, "ARENA_S3_ENABLED", strconv.ParseBool)
	override(&s3.Endpoint, "ARENA_S3_ENDPOINT", parseString)
	override(&s3.Region, "ARENA_S3_REGION", parseString)
	override(&s3.Bucket, "ARENA_S3_BUCKET", parseString)
	override(&s3.AccessKey, "ARENA_S3_ACCESS_KEY", parseString)
	override(&s3.SecretKey, "ARENA_S3_SECRET_KEY", parseString)
	override(&s3.UseSSL, "ARENA_S3_USE_SSL", strconv.ParseBool)
	override(&s3.ForcePathStyle, "ARENA_S3_FORCE_PATH_STYLE", strconv.ParseBool)

	fd := &cfg.Feed
	override(&fd.WsURL, "ARENA_FEED_WS_URL", parseString)
	override(&fd.Symbols, "ARENA_FEED_SYMBOLS", parseList)
	override(&fd.ReconnectDelay, "ARENA_FEED_RECONNECT_DELAY", parseDuration)
	override(&fd.MaxReconnectDelay, "ARENA_FEED_MAX_RECONNECT_DELAY", parseDuration)

	m := &cfg.Match
	override(&m.AnalysisTimeout, "ARENA_MATCH_ANALYSIS_TIMEOUT", parseDuration)
	override(&m.HypothesisTimeout, "ARENA_MATCH_HYPOTHESIS_TIMEOUT", parseDuration)
	override(&m.BattleTimeout, "ARENA_MATCH_BATTLE_TIMEOUT", parseDuration)
	override(&m.BattleBaseDuration, "ARENA_MATCH_BATTLE_BASE_DURATION", parseDuration)
	override(&m.BattleMinDuration, "ARENA_MATCH_BATTLE_MIN_DURATION", parseDuration)
	override(&m.HistoryCap, "ARENA_MATCH_HISTORY_CAP", strconv.Atoi)
	override(&m.DefaultSpeed, "ARENA_MATCH_DEFAULT_SPEED", strconv.Atoi)
	override(&m.TakeProfitPct, "ARENA_MATCH_TAKE_PROFIT_PCT", parseFloat)
	override(&m.StopLossPct, "ARENA_MATCH_STOP_LOSS_PCT", parseFloat)
	override(&m.LockTTL, "ARENA_MATCH_LOCK_TTL", parseDuration)
	override(&m.CommandStream, "ARENA_MATCH_COMMAND_STREAM", parseString)
	override(&m.ArchiveBattles, "ARENA_MATCH_ARCHIVE_BATTLES", strconv.ParseBool)

	override(&cfg.Aggregator.OffenseAgents, "ARENA_AGGREGATOR_OFFENSE_AGENTS", parseList)
	override(&cfg.Aggregator.ContextAgents, "ARENA_AGGREGATOR_CONTEXT_AGENTS", parseList)

	override(&cfg.Metrics.Enabled, "ARENA_METRICS_ENABLED", strconv.ParseBool)
	override(&cfg.Metrics.Addr, "ARENA_METRICS_ADDR", parseString)
	override(&cfg.Metrics.Path, "ARENA_METRICS_PATH", parseString)

	override(&cfg.Mode, "ARENA_MODE", parseString)
	override(&cfg.LogLevel, "ARENA_LOG_LEVEL", parseString)
}

// override sets *dst from key when the variable is non-empty and parses.
func override[T any](dst *T, key string, parse func(string) (T, error)) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if parsed, err := parse(v); err == nil {
		*dst = parsed
	}
}

func parseString(v string) (string, error) { return v, nil }

func parseFloat(v string) (float64, error) { return strconv.ParseFloat(v, 64) }

func parseDuration(v string) (duration, error) {
	d, err := time.ParseDuration(v)
	return duration{d}, err
}

// parseList splits a comma separated list, dropping blanks. An all-blank
// list is an error so the configured list stays.
func parseList(v string) ([]string, error) {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("empty list")
	}
	return out, nil
}
