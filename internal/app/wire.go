package app

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"strings"

	"github.com/shopspring/decimal"

	s3blob "copytrade/internal/blob/s3"
	"copytrade/internal/broker/iifl"
	"copytrade/internal/cache/redis"
	"copytrade/internal/config"
	"copytrade/internal/domain"
	"copytrade/internal/instrument"
	"copytrade/internal/replicator"
	"copytrade/internal/risk"
	"copytrade/internal/store/postgres"
	"copytrade/internal/vault"
)

// Dependencies bundles every domain-level dependency the application modes
// need to operate. It is constructed by Wire and torn down by the returned
// cleanup function. Fields outside the mode's needs stay nil.
type Dependencies struct {
	// Stores
	Orders      domain.OrderStore
	Links       domain.LinkStore
	Accounts    domain.AccountStore
	Instruments domain.InstrumentStore
	Events      domain.EventStore

	// Caches and bus
	Snapshots domain.SnapshotCache
	Marks     domain.MarkCache
	Series    domain.BalanceSeries
	Bus       domain.EventBus

	// Broker access
	Broker domain.Broker
	Vault  *vault.Vault

	// Replication graph
	Mapper     *instrument.Mapper
	Gate       *risk.Gate
	Registry   *replicator.Registry
	Dispatcher *replicator.Dispatcher
	Hook       *replicator.Hook
	Reconciler *replicator.Reconciler

	// Cold storage
	Exporter domain.Exporter
}

// needsReplication returns true for modes that run the order path. They pull
// in Redis, the broker adapter, the vault and the fan-out graph.
func needsReplication(mode string) bool {
	switch mode {
	case "replicate", "reconcile", "full":
		return true
	default:
		return false
	}
}

// needsS3 returns true when exports can run and object storage must be wired.
func needsS3(cfg *config.Config) bool {
	return cfg.Export.Enabled || strings.ToLower(cfg.Mode) == "export"
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	logger := slog.Default()
	mode := strings.ToLower(cfg.Mode)

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL (every mode persists through it) ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
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
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	deps.Orders = postgres.NewOrderStore(pool)
	deps.Links = postgres.NewLinkStore(pool)
	deps.Accounts = postgres.NewAccountStore(pool)
	deps.Instruments = postgres.NewInstrumentStore(pool)
	deps.Events = postgres.NewEventStore(pool)

	// --- Redis, broker and the replication graph (order-path modes only) ---
	if needsReplication(mode) {
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

		deps.Snapshots = redis.NewSnapshotCache(redisClient, cfg.Replicator.FollowerSnapshotTTL())
		deps.Marks = redis.NewMarkCache(redisClient)
		deps.Series = redis.NewBalanceSeries(redisClient)
		deps.Bus = redis.NewEventBus(redisClient)

		broker := iifl.NewClient(iifl.Config{
			BaseURL:         cfg.Broker.Endpoint(),
			SubscriptionKey: cfg.Broker.SubscriptionKey,
			AppName:         cfg.Broker.AppName,
			AppVersion:      cfg.Broker.AppVersion,
			OSName:          cfg.Broker.OSName,
			AppSource:       cfg.Broker.AppSource,
			RequesterCode:   cfg.Broker.RequesterCode,
			PublicIP:        cfg.Broker.PublicIP,
			Timeout:         cfg.Broker.HTTPTimeout.Duration,
		}, logger)
		deps.Broker = broker
		deps.Vault = vault.New(deps.Accounts, broker, cfg.Vault.Passphrase,
			cfg.Replicator.SessionRefreshGuard(), logger)

		deps.Mapper = instrument.NewMapper(deps.Instruments, logger)
		deps.Gate = risk.NewGate(deps.Orders, deps.Marks, deps.Series, systemEnvelope(cfg.Risk), logger)
		deps.Registry = replicator.NewRegistry(deps.Links, deps.Snapshots, logger)
		deps.Dispatcher = replicator.NewDispatcher(
			replicator.Config{
				MaxInFlightBrokerCalls: int64(cfg.Replicator.MaxInFlightBrokerCalls),
				WorkerSlots:            int64(runtime.NumCPU() * cfg.Replicator.WorkerPoolMultiplier),
				DispatchTimeout:        cfg.Replicator.DispatchTimeout(),
				MaxRetries:             cfg.Replicator.MaxRetries,
				RetryBase:              cfg.Replicator.RetryBase(),
				RetryCap:               cfg.Replicator.RetryCap(),
				RetryJitterPct:         cfg.Replicator.RetryJitterPct,
			},
			replicator.Deps{
				Orders:   deps.Orders,
				Accounts: deps.Accounts,
				Events:   deps.Events,
				Registry: deps.Registry,
				Mapper:   deps.Mapper,
				Gate:     deps.Gate,
				Sessions: deps.Vault,
				Broker:   deps.Broker,
				Marks:    deps.Marks,
			},
			logger,
		)
		deps.Hook = replicator.NewHook(deps.Dispatcher, deps.Bus, cfg.Replicator.IngressStream, logger)
		deps.Reconciler = replicator.NewReconciler(replicator.ReconcilerDeps{
			Orders:   deps.Orders,
			Accounts: deps.Accounts,
			Mapper:   deps.Mapper,
			Sessions: deps.Vault,
			Broker:   deps.Broker,
			Marks:    deps.Marks,
			Series:   deps.Series,
			Bus:      deps.Bus,
		}, cfg.Replicator.ReconcileInterval(), logger)
	}

	// --- S3 (only when exports can run) ---
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
		closers = append(closers, func() { _ = s3Client.Close() })

		deps.Exporter = s3blob.NewExporter(
			s3blob.NewWriter(s3Client), deps.Events, deps.Orders, cfg.Export.Prefix, logger,
		)
	}

	return deps, cleanup, nil
}

// systemEnvelope converts the configured limits into the widest risk envelope.
// Accounts and links narrow it per fan-out; they never widen it.
func systemEnvelope(rc config.RiskConfig) domain.RiskEnvelope {
	return domain.RiskEnvelope{
		MaxDailyLoss:        decimal.NewFromFloat(rc.MaxDailyLoss),
		MaxDrawdownFrac:     decimal.NewFromFloat(rc.MaxDrawdownFrac),
		MaxPositionNotional: decimal.NewFromFloat(rc.MaxPositionNotional),
		MaxOpenPositions:    rc.MaxOpenPositions,
		MaxExposure:         decimal.NewFromFloat(rc.MaxExposure),
		StopLossRequired:    rc.StopLossRequired,
	}
}
