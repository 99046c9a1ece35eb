package keysearch

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"cloud.google.com/go/firestore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/tinywideclouds/go-keysearch/internal/dispatch"
	"github.com/tinywideclouds/go-keysearch/internal/fault"
	"github.com/tinywideclouds/go-keysearch/internal/metrics"
	"github.com/tinywideclouds/go-keysearch/internal/registry"
	fs "github.com/tinywideclouds/go-keysearch/internal/storage/firestore"
	"github.com/tinywideclouds/go-keysearch/internal/storage/inmemory"
	pg "github.com/tinywideclouds/go-keysearch/internal/storage/postgres"
	rds "github.com/tinywideclouds/go-keysearch/internal/storage/redis"
	"github.com/tinywideclouds/go-keysearch/keysearch/config"
	"github.com/tinywideclouds/go-keysearch/pkg/keysearch"
)

// NewMirrorStore opens the mirror store selected by cfg.Mirror.Driver.
// The returned close function releases the underlying client.
func NewMirrorStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (keysearch.MirrorStore, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Mirror.Driver {
	case config.DriverMemory, "":
		logger.Info("Using in-memory mirror store")
		return inmemory.New(), noop, nil

	case config.DriverFirestore:
		client, err := firestore.NewClient(ctx, cfg.ProjectID)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create Firestore client for project %s: %w", cfg.ProjectID, err)
		}
		logger.Info("Using Firestore mirror store", "project_id", cfg.ProjectID, "collection", cfg.Mirror.FirestoreCollection)
		return fs.NewFirestoreStore(client, cfg.Mirror.FirestoreCollection, logger), client.Close, nil

	case config.DriverRedis:
		opts, err := redis.ParseURL(cfg.Mirror.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid redis url: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("failed to reach redis at %s: %w", opts.Addr, err)
		}
		var storeOpts []rds.Option
		if cfg.Mirror.RedisKeyPrefix != "" {
			storeOpts = append(storeOpts, rds.WithKeyPrefix(cfg.Mirror.RedisKeyPrefix))
		}
		logger.Info("Using Redis mirror store", "addr", opts.Addr)
		return rds.NewRedisStore(client, logger, storeOpts...), client.Close, nil

	case config.DriverPostgres:
		db, err := sql.Open("postgres", cfg.Mirror.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("failed to reach postgres: %w", err)
		}
		store := pg.NewPostgresStore(db, logger)
		if err := store.EnsureSchema(ctx); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		logger.Info("Using Postgres mirror store")
		return store, db.Close, nil
	}
	return nil, nil, fmt.Errorf("%w: unknown mirror driver %q", config.ErrInvalidConfig, cfg.Mirror.Driver)
}

// NewEngineFromConfig builds the registry, adapter factory and dispatcher
// described by cfg. A nil registerer disables metrics.
func NewEngineFromConfig(cfg *config.Config, store keysearch.MirrorStore, reg prometheus.Registerer, logger *slog.Logger) (*Engine, error) {
	policy, err := fault.ParsePolicy(cfg.OOMPolicy)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", config.ErrInvalidConfig, err)
	}
	reporter := fault.NewReporter(policy, logger)

	endpoints, err := registry.New(cfg.Endpoints())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", config.ErrInvalidConfig, err)
	}

	var m *metrics.Metrics
	if reg != nil {
		m = metrics.New(reg)
	}

	factory := NewFactory(BackendDeps{
		Mirror:           store,
		Fault:            reporter,
		MaxResponseBytes: cfg.MaxResponseBytes,
	}, logger)
	d := dispatch.New(factory, logger,
		dispatch.WithMaxConcurrency(cfg.MaxConcurrency),
		dispatch.WithMetrics(m))

	return NewEngine(endpoints, d, logger,
		WithFaultReporter(reporter),
		WithMetrics(m)), nil
}
