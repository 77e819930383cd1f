package app

import (
	"context"
	"fmt"
	"time"

	s3blob "github.com/alanyoungcy/agentarena/internal/blob/s3"
	"github.com/alanyoungcy/agentarena/internal/cache/redis"
	"github.com/alanyoungcy/agentarena/internal/config"
	"github.com/alanyoungcy/agentarena/internal/domain"
	"github.com/alanyoungcy/agentarena/internal/store/postgres"
)

// Dependencies is the infrastructure a mode runs on. Postgres stores and
// the archiver are nil in relay mode; Archiver is also nil with S3 off.
type Dependencies struct {
	MatchStore  domain.MatchStore
	ResultStore domain.ResultStore
	AuditStore  domain.AuditStore

	PriceCache  domain.PriceCache
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	Archiver domain.BattleArchiver
}

// needsPostgres reports whether mode runs matches and so persists them.
func needsPostgres(mode string) bool {
	return mode == "worker" || mode == "full"
}

// needsS3 reports whether mode archives battles.
func needsS3(cfg *config.Config) bool {
	return cfg.S3.Enabled && needsPostgres(cfg.Mode)
}

// Wire constructs the concrete dependency implementations from cfg and
// returns them together with a cleanup function that releases them in reverse
// order.
func Wire(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL ---
	if needsPostgres(cfg.Mode) {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Database.DSN,
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			Database: cfg.Database.Database,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			SSLMode:  cfg.Database.SSLMode,
			MaxConns: cfg.Database.PoolMaxConns,
			MinConns: cfg.Database.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Database.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		pool := pgClient.Pool()
		deps.MatchStore = postgres.NewMatchStore(pool)
		deps.ResultStore = postgres.NewResultStore(pool)
		deps.AuditStore = postgres.NewAuditStore(pool)
	}

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	priceTTL := cfg.Redis.PriceTTL.Duration
	if priceTTL <= 0 {
		priceTTL = time.Hour
	}
	deps.PriceCache = redis.NewPriceCache(redisClient, priceTTL)
	deps.LockManager = redis.NewLockManager(redisClient)
	deps.SignalBus = redis.NewSignalBus(redisClient, int64(cfg.Redis.StreamMaxLen))

	// --- S3 blob storage ---
	if needsS3(cfg) {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		if err := s3Client.Health(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}

		deps.Archiver = s3blob.NewArchiver(s3blob.NewWriter(s3Client), s3blob.NewReader(s3Client), deps.ResultStore, deps.AuditStore)
	}

	return deps, cleanup, nil
}
