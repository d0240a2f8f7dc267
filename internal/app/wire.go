package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/alanyoungcy/venuecore/internal/blob/s3"
	"github.com/alanyoungcy/venuecore/internal/cache/redis"
	"github.com/alanyoungcy/venuecore/internal/config"
	"github.com/alanyoungcy/venuecore/internal/crypto"
	"github.com/alanyoungcy/venuecore/internal/domain"
	"github.com/alanyoungcy/venuecore/internal/events"
	"github.com/alanyoungcy/venuecore/internal/server/handler"
	"github.com/alanyoungcy/venuecore/internal/store/badger"
	"github.com/alanyoungcy/venuecore/internal/store/memory"
	"github.com/alanyoungcy/venuecore/internal/store/postgres"
	"github.com/alanyoungcy/venuecore/internal/stream/kafka"
)

// Dependencies bundles the infrastructure the engines run on. It is built by
// Wire and released by the cleanup function Wire returns.
type Dependencies struct {
	// Stores
	OrderStore      domain.OrderStore
	SnapshotStore   domain.RiskSnapshotStore
	AuditStore      domain.AuditStore
	CredentialStore domain.CredentialStore

	// Optional Redis-backed collaborators. All nil when Redis is disabled.
	QuoteCache  domain.QuoteCache
	Mirror      domain.EmergencyMirror
	LockManager domain.LockManager
	RateLimiter domain.RateLimiter
	SignalBus   domain.SignalBus

	// Sinks are the external event sinks (Redis pub/sub, Kafka). The
	// websocket hub is added by the app.
	Sinks []events.Sink

	// Archiver copies history to S3 when configured.
	Archiver *s3blob.Archiver

	// Vault seals venue credentials; nil without a passphrase.
	Vault *crypto.Vault

	// Badger is set when the badger driver is selected so the app can
	// schedule value-log GC.
	Badger *badger.DB

	// Probes feed the health endpoint.
	Probes []handler.Probe
}

// Wire constructs the concrete infrastructure selected by cfg. On error every
// resource opened so far is released before returning.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{}

	// --- Stores ---
	switch cfg.Store.Driver {
	case "postgres":
		pg, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pg.Close)

		if cfg.Postgres.RunMigrations {
			if err := pg.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		}

		pool := pg.Pool()
		deps.OrderStore = postgres.NewOrderStore(pool)
		deps.SnapshotStore = postgres.NewRiskSnapshotStore(pool)
		deps.AuditStore = postgres.NewAuditStore(pool)
		deps.CredentialStore = postgres.NewCredentialStore(pool)
		deps.Probes = append(deps.Probes, handler.Probe{Name: "postgres", Check: pool.Ping})

	case "badger":
		db, err := badger.Open(cfg.Badger.Path)
		if err != nil {
			return fail(fmt.Errorf("wire: %w", err))
		}
		closers = append(closers, func() {
			if err := db.Close(); err != nil {
				logger.Warn("badger close failed", slog.String("error", err.Error()))
			}
		})
		deps.Badger = db
		deps.OrderStore = badger.NewOrderStore(db)
		deps.SnapshotStore = badger.NewRiskSnapshotStore(db)
		deps.AuditStore = badger.NewAuditStore(db)
		deps.CredentialStore = badger.NewCredentialStore(db)

	default:
		deps.OrderStore = memory.NewOrderStore()
		deps.SnapshotStore = memory.NewRiskSnapshotStore(cfg.Store.SnapshotHistory)
		deps.AuditStore = memory.NewAuditStore()
		deps.CredentialStore = memory.NewCredentialStore()
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		rc, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			Namespace:  cfg.Redis.Namespace,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = rc.Close() })

		deps.QuoteCache = redis.NewQuoteCache(rc, cfg.Redis.QuoteTTL.Duration)
		deps.Mirror = redis.NewEmergencyMirror(rc)
		deps.LockManager = redis.NewLockManager(rc)
		deps.RateLimiter = redis.NewRateLimiter(rc)
		deps.SignalBus = redis.NewSignalBus(rc)
		deps.Probes = append(deps.Probes, handler.Probe{Name: "redis", Check: rc.Ping})

		// Monitor peers consume the bus instead of feeding it.
		if cfg.Mode != "monitor" {
			deps.Sinks = append(deps.Sinks, redis.NewEventSink(deps.SignalBus))
		}
	}

	// --- Kafka ---
	if cfg.Kafka.Enabled {
		sink, err := kafka.NewSink(kafka.Config{
			Brokers:      cfg.Kafka.Brokers,
			Topic:        cfg.Kafka.Topic,
			BatchSize:    cfg.Kafka.BatchSize,
			BatchTimeout: cfg.Kafka.BatchTimeout.Duration,
			WriteTimeout: cfg.Kafka.WriteTimeout.Duration,
			RequiredAcks: cfg.Kafka.RequiredAcks,
			Compression:  cfg.Kafka.Compression,
		}, logger)
		if err != nil {
			return fail(fmt.Errorf("wire: %w", err))
		}
		closers = append(closers, func() {
			if err := sink.Close(); err != nil {
				logger.Warn("kafka close failed", slog.String("error", err.Error()))
			}
		})
		deps.Sinks = append(deps.Sinks, sink)
	}

	// --- S3 archive ---
	if cfg.S3.Enabled {
		sc, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		deps.Archiver = s3blob.NewArchiver(s3blob.NewWriter(sc), deps.SnapshotStore, deps.AuditStore, cfg.Archive.Prefix, logger)
		deps.Probes = append(deps.Probes, handler.Probe{Name: "s3", Check: sc.Health})
	}

	// --- Credential vault ---
	if cfg.Vault.Passphrase != "" {
		v, err := crypto.NewVault(cfg.Vault.Passphrase, cfg.Vault.Salt, cfg.Vault.Iterations)
		if err != nil {
			return fail(fmt.Errorf("wire: vault: %w", err))
		}
		deps.Vault = v
	}

	return deps, cleanup, nil
}
