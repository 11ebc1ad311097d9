package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tigearis/Payroll-ByteMy-sub012/internal/audit"
	"github.com/tigearis/Payroll-ByteMy-sub012/internal/cache"
	"github.com/tigearis/Payroll-ByteMy-sub012/internal/config"
	"github.com/tigearis/Payroll-ByteMy-sub012/internal/datasource"
	httpserver "github.com/tigearis/Payroll-ByteMy-sub012/internal/http"
	"github.com/tigearis/Payroll-ByteMy-sub012/internal/http/handlers"
	"github.com/tigearis/Payroll-ByteMy-sub012/internal/kv"
	"github.com/tigearis/Payroll-ByteMy-sub012/internal/logging"
	"github.com/tigearis/Payroll-ByteMy-sub012/internal/metrics"
	"github.com/tigearis/Payroll-ByteMy-sub012/internal/queue"
	"github.com/tigearis/Payroll-ByteMy-sub012/internal/report"
	"github.com/tigearis/Payroll-ByteMy-sub012/internal/scheduler"
	"github.com/tigearis/Payroll-ByteMy-sub012/internal/security"
	"github.com/tigearis/Payroll-ByteMy-sub012/internal/template"
)

func main() {
	cfg, dotenvFiles, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	logger.Info("configuration loaded", zap.Strings("dotenv_files", dotenvFiles), zap.String("storage", cfg.Storage.Backend))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("report api stopped with error", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("report api stopped")
}

type closers []func()

func (c *closers) add(fn func()) { *c = append(*c, fn) }

func (c closers) closeAll() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	var cleanup closers
	defer cleanup.closeAll()

	store, pgStore, err := setupStore(ctx, cfg.Storage, logger, &cleanup)
	if err != nil {
		return err
	}

	fetcher, err := setupFetcher(ctx, cfg, pgStore, logger, &cleanup)
	if err != nil {
		return err
	}

	permissions, err := security.LoadStaticSource(cfg.Data.PermissionsFile)
	if err != nil {
		return fmt.Errorf("load permissions: %w", err)
	}

	var joiner report.Joiner
	if cfg.Data.RelationshipsFile != "" {
		relationships, err := report.LoadRelationships(cfg.Data.RelationshipsFile)
		if err != nil {
			return fmt.Errorf("load relationships: %w", err)
		}
		joiner = report.NewKeyJoiner(relationships)
	}

	sink, err := setupAuditSink(ctx, cfg, pgStore, logger, &cleanup)
	if err != nil {
		return err
	}
	auditLogger := audit.NewLogger(sink, audit.Config{WriteTimeout: cfg.Audit.WriteTimeout, Logger: logger})

	collector := metrics.NewCollector()
	results := cache.NewReportCache(store, cache.Config{TTL: cfg.Pipeline.CacheTTL, Logger: logger})
	jobs := queue.NewJobQueue(store, queue.Config{ProcessingTimeout: cfg.Pipeline.ProcessingTimeout, Logger: logger})
	generator := report.NewGenerator(report.Dependencies{
		Queue:   jobs,
		Cache:   results,
		Access:  security.NewValidator(permissions),
		Fetcher: fetcher,
		Joiner:  joiner,
		Audit:   auditLogger,
		Metrics: collector,
		Logger:  logger,
	})

	api := handlers.NewAPI(handlers.Dependencies{
		Generator:    generator,
		Cache:        results,
		Templates:    template.NewService(store, auditLogger, template.Config{Logger: logger}),
		Logger:       logger,
		MaxBodyBytes: cfg.HTTP.MaxBodyBytes,
	})

	group, groupCtx := errgroup.WithContext(ctx)

	handler := httpserver.NewRouter(groupCtx, httpserver.RouterDependencies{
		API:            api,
		Logger:         logger,
		Metrics:        collector,
		JWTSecret:      cfg.HTTP.JWTSecret,
		CORSOrigins:    cfg.HTTP.AllowedOrigins,
		RateLimitRPS:   cfg.HTTP.RateLimitRPS,
		RateLimitBurst: cfg.HTTP.RateLimitBurst,
	})

	if cfg.Worker.Enabled {
		worker := report.NewWorker(generator, report.WorkerConfig{
			Concurrency:  cfg.Worker.Concurrency,
			PollInterval: cfg.Worker.PollInterval,
			MaxBackoff:   cfg.Worker.MaxBackoff,
		})
		group.Go(func() error { return worker.Run(groupCtx) })
		logger.Info("worker started", zap.Int("concurrency", cfg.Worker.Concurrency))
	} else {
		logger.Info("worker disabled by configuration")
	}

	retentionConfig := scheduler.RetentionConfig{
		Schedule: cfg.Retention.Schedule,
		MaxAge:   cfg.Retention.MaxAge,
		Metrics:  collector,
		Logger:   logger,
	}
	if pgStore != nil {
		retentionConfig.Purger = pgStore
	}
	retention, err := scheduler.NewRetention(jobs, retentionConfig)
	if err != nil {
		return fmt.Errorf("retention: %w", err)
	}
	if retention.Enabled() {
		if err := retention.Start(groupCtx); err != nil {
			return fmt.Errorf("start retention: %w", err)
		}
		cleanup.add(retention.Stop)
	}

	server := &http.Server{
		Addr:              cfg.HTTP.Addr(),
		Handler:           handler,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
	}
	group.Go(func() error {
		logger.Info("api listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(groupCtx), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown: %w", err)
		}
		return nil
	})

	return group.Wait()
}

func setupStore(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger, cleanup *closers) (kv.Store, *kv.PostgresStore, error) {
	switch cfg.Backend {
	case config.BackendRedis:
		store, err := kv.NewRedisStore(ctx, kv.RedisConfig{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		if err != nil {
			return nil, nil, fmt.Errorf("redis store: %w", err)
		}
		cleanup.add(func() { _ = store.Close() })
		logger.Info("redis store initialized", zap.String("addr", cfg.RedisAddr))
		return store, nil, nil
	case config.BackendPostgres:
		store, err := kv.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres store: %w", err)
		}
		cleanup.add(store.Close)
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, nil, fmt.Errorf("postgres store schema: %w", err)
		}
		logger.Info("postgres store initialized")
		return store, store, nil
	default:
		logger.Warn("using in-memory store; jobs and cache are lost on restart")
		return kv.NewMemoryStore(), nil, nil
	}
}

// setupFetcher reads domain tables from Postgres when a schema file is
// configured, otherwise it serves fixtures from memory.
func setupFetcher(ctx context.Context, cfg config.Config, pgStore *kv.PostgresStore, logger *zap.Logger, cleanup *closers) (report.Fetcher, error) {
	if cfg.Data.SchemaFile == "" {
		if cfg.Data.FixturesFile == "" {
			logger.Warn("no data source configured; every domain returns no rows")
			return datasource.NewMemoryFetcher(nil), nil
		}
		fetcher, err := datasource.LoadFixtures(cfg.Data.FixturesFile)
		if err != nil {
			return nil, err
		}
		logger.Info("serving domain rows from fixtures", zap.String("file", cfg.Data.FixturesFile))
		return fetcher, nil
	}

	schema, err := datasource.LoadSchema(cfg.Data.SchemaFile)
	if err != nil {
		return nil, err
	}
	pool, err := domainPool(ctx, cfg.Storage.DatabaseURL, pgStore, cleanup)
	if err != nil {
		return nil, err
	}
	logger.Info("serving domain rows from postgres", zap.String("schema", cfg.Data.SchemaFile))
	return datasource.NewPostgresFetcher(pool, schema), nil
}

func domainPool(ctx context.Context, databaseURL string, pgStore *kv.PostgresStore, cleanup *closers) (*pgxpool.Pool, error) {
	if pgStore != nil {
		return pgStore.Pool(), nil
	}
	if databaseURL == "" {
		return nil, errors.New("schema file requires a database url")
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	cleanup.add(pool.Close)
	return pool, nil
}

func setupAuditSink(ctx context.Context, cfg config.Config, pgStore *kv.PostgresStore, logger *zap.Logger, cleanup *closers) (audit.Sink, error) {
	sinks := audit.MultiSink{audit.NewZapSink(logger)}

	if len(cfg.Audit.KafkaBrokers) > 0 {
		kafkaSink, err := audit.NewKafkaSink(audit.KafkaConfig{
			Brokers:      cfg.Audit.KafkaBrokers,
			Topic:        cfg.Audit.KafkaTopic,
			WriteTimeout: cfg.Audit.WriteTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("kafka audit sink: %w", err)
		}
		cleanup.add(func() { _ = kafkaSink.Close() })
		sinks = append(sinks, kafkaSink)
		logger.Info("audit events published to kafka", zap.String("topic", cfg.Audit.KafkaTopic))
	}

	if cfg.Audit.Postgres {
		pool, err := domainPool(ctx, cfg.Storage.DatabaseURL, pgStore, cleanup)
		if err != nil {
			return nil, err
		}
		pgSink := audit.NewPostgresSink(pool)
		if err := pgSink.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("audit schema: %w", err)
		}
		sinks = append(sinks, pgSink)
	}

	return sinks, nil
}
