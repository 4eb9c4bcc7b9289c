package cmd

import (
	"context"

	"example.com/backstage/ingest/config"
	"example.com/backstage/ingest/internal/api"
	"example.com/backstage/ingest/internal/cache"
	"example.com/backstage/ingest/internal/database"
	"example.com/backstage/ingest/internal/metrics"
	"example.com/backstage/ingest/internal/normalizer"
	"example.com/backstage/ingest/internal/repositories"
	"example.com/backstage/ingest/internal/search"
	"example.com/backstage/ingest/internal/services"
	"example.com/backstage/ingest/internal/tracing"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

const driverMemory = "memory"

// dependencies holds everything the api and worker commands share
type dependencies struct {
	cfg        config.Config
	db         *gorm.DB
	store      repositories.Store
	cache      *cache.RedisCache
	search     *search.ElasticClient
	tracer     tracing.Tracer
	metrics    *metrics.Metrics
	processor  *services.EventProcessor
	aggregator *services.Aggregator
}

// loadConfig reads configuration and applies logging settings
func loadConfig() (config.Config, error) {
	cfg, err := config.LoadConfig(".")
	if err != nil {
		return config.Config{}, err
	}
	configureLogging(cfg)
	return cfg, nil
}

// initDependencies wires storage, side channels and services
func initDependencies(cfg config.Config) (*dependencies, error) {
	deps := &dependencies{
		cfg:     cfg,
		metrics: metrics.NewMetrics(),
	}

	if err := deps.initStore(); err != nil {
		return nil, err
	}

	redisCache, err := cache.NewRedisCache(cfg.Redis)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Redis cache, continuing without duplicate hints")
	} else {
		deps.cache = redisCache
	}

	tracer, err := tracing.NewTracer(cfg.Tracing)
	if err != nil || tracer == nil {
		log.Warn().Err(err).Msg("Failed to initialize tracer, continuing without tracing")
		tracer = tracing.Disabled()
	}
	deps.tracer = tracer

	elasticClient, err := search.NewElasticClient(cfg.Elastic)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Elasticsearch client, continuing without search projection")
	}
	deps.search = elasticClient

	n, err := initNormalizer(cfg.Normalizer)
	if err != nil {
		deps.close()
		return nil, err
	}

	opts := []services.ProcessorOption{
		services.WithTracer(deps.tracer),
		services.WithMetrics(deps.metrics),
	}
	if deps.cache.Enabled() {
		opts = append(opts, services.WithDuplicateHints(deps.cache))
	}
	if deps.search != nil {
		opts = append(opts, services.WithIndexer(deps.search))
	}

	deps.processor = services.NewEventProcessor(deps.store, n, opts...)
	deps.aggregator = services.NewAggregator(deps.store, deps.metrics)

	return deps, nil
}

func (d *dependencies) initStore() error {
	if d.cfg.DB.Driver == driverMemory {
		log.Warn().Msg("Using in-memory store, events are lost on exit")
		d.store = repositories.NewMemoryStore()
		return nil
	}

	db, err := database.Connect(d.cfg.DB, d.metrics)
	if err != nil {
		return err
	}
	if err := database.Migrate(db); err != nil {
		_ = database.Close(db)
		return errors.Wrap(err, "failed to run migrations")
	}

	d.db = db
	d.store = repositories.NewGormStore(db)
	return nil
}

func initNormalizer(cfg config.NormalizerConfig) (*normalizer.Normalizer, error) {
	if cfg.MappingsFile == "" {
		return normalizer.New(nil), nil
	}
	set, err := normalizer.LoadMappingsFile(cfg.MappingsFile)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load field mappings")
	}
	log.Info().Str("file", cfg.MappingsFile).Strs("clients", set.Clients()).Msg("Loaded field mappings")
	return normalizer.New(set), nil
}

// healthChecks lists the probes served on /health
func (d *dependencies) healthChecks() []api.HealthCheck {
	var checks []api.HealthCheck
	if d.db != nil {
		checks = append(checks, api.HealthCheck{
			Component: metrics.ComponentDatabase,
			Check:     func(context.Context) error { return database.Ping(d.db) },
		})
	}
	if d.cache.Enabled() {
		checks = append(checks, api.HealthCheck{Component: metrics.ComponentCache, Check: d.cache.Ping})
	}
	if d.search != nil {
		checks = append(checks, api.HealthCheck{Component: metrics.ComponentSearch, Check: d.search.Ping})
	}
	return checks
}

func (d *dependencies) close() {
	if d.tracer != nil {
		d.tracer.Close()
	}
	if d.cache != nil {
		if err := d.cache.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close Redis client")
		}
	}
	if d.db != nil {
		if err := database.Close(d.db); err != nil {
			log.Warn().Err(err).Msg("Failed to close database")
		}
	}
}
