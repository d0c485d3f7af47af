// Package app initializes and holds long-lived application services, acting as a dependency injection container.
package app

import (
	"context"
	"fmt"

	"cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/record-reconciler/internal/artifact"
	"github.com/JakeFAU/record-reconciler/internal/clock/system"
	"github.com/JakeFAU/record-reconciler/internal/config"
	"github.com/JakeFAU/record-reconciler/internal/id/uuid"
	"github.com/JakeFAU/record-reconciler/internal/loader"
	"github.com/JakeFAU/record-reconciler/internal/orchestrator"
	"github.com/JakeFAU/record-reconciler/internal/publisher/pubsub"
	"github.com/JakeFAU/record-reconciler/internal/ratelimit"
	"github.com/JakeFAU/record-reconciler/internal/records"
	"github.com/JakeFAU/record-reconciler/internal/storage/gcs"
	"github.com/JakeFAU/record-reconciler/internal/storage/local"
	"github.com/JakeFAU/record-reconciler/internal/storage/memory"
	"github.com/JakeFAU/record-reconciler/internal/storage/postgres"
	"github.com/JakeFAU/record-reconciler/internal/telemetry"
	"github.com/JakeFAU/record-reconciler/internal/uploader"
	"github.com/JakeFAU/record-reconciler/internal/verify"
)

// App holds the shared, long-lived services for one process.
// It is built once at startup and closed by a Cobra hook when the command exits.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	pool      *pgxpool.Pool
	gcsClient *storage.Client
	pubsub    *pubsub.Publisher
	tracer    *sdktrace.TracerProvider

	records  records.RecordStore
	registry records.RegistryStore
	objects  records.ObjectStore
	clock    records.Clock

	orchestrator *orchestrator.Orchestrator
}

// GetLogger returns the shared zap logger.
func (a *App) GetLogger() *zap.Logger {
	return a.logger
}

// GetConfig returns the configuration the App was built from.
func (a *App) GetConfig() config.Config {
	return a.cfg
}

// GetRecords exposes the record store.
func (a *App) GetRecords() records.RecordStore {
	return a.records
}

// GetRegistry exposes the upload registry.
func (a *App) GetRegistry() records.RegistryStore {
	return a.registry
}

// GetObjects exposes the configured object store.
func (a *App) GetObjects() records.ObjectStore {
	return a.objects
}

// GetClock returns the process clock.
func (a *App) GetClock() records.Clock {
	return a.clock
}

// GetOrchestrator returns the pipeline orchestrator.
func (a *App) GetOrchestrator() *orchestrator.Orchestrator {
	return a.orchestrator
}

// GetMigrator returns a schema migrator, or nil when the database provider has no schema.
func (a *App) GetMigrator() (*postgres.Migrator, error) {
	if a.pool == nil {
		return nil, nil
	}
	return postgres.NewMigrator(a.pool, a.postgresConfig())
}

// New builds every service described by cfg. It fails fast when a
// critical backend cannot be reached.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger, clock: system.New()}
	logger.Info("initializing application services",
		zap.String("database", cfg.Database.Provider),
		zap.String("storage", cfg.Storage.Provider),
	)

	tp, err := telemetry.InitTracerProvider(ctx, "record-reconciler")
	if err != nil {
		return nil, err
	}
	a.tracer = tp

	if err := a.initDatabase(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.initStorage(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.initOrchestrator(ctx); err != nil {
		a.Close()
		return nil, err
	}

	logger.Info("application services initialized")
	return a, nil
}

func (a *App) postgresConfig() postgres.Config {
	db := a.cfg.Database
	return postgres.Config{
		DSN:             db.DSN,
		RecordsTable:    db.RecordsTable,
		RegistryTable:   db.RegistryTable,
		MaxConns:        db.MaxConns,
		MinConns:        db.MinConns,
		MaxConnLifetime: db.MaxConnLifetime,
	}
}

func (a *App) initDatabase(ctx context.Context) error {
	switch a.cfg.Database.Provider {
	case "postgres":
		pgCfg := a.postgresConfig()
		pool, err := postgres.NewPool(ctx, pgCfg)
		if err != nil {
			return fmt.Errorf("init database: %w", err)
		}
		a.pool = pool
		recs, err := postgres.NewRecordStore(pool, pgCfg)
		if err != nil {
			return fmt.Errorf("init record store: %w", err)
		}
		reg, err := postgres.NewRegistryStore(pool, pgCfg)
		if err != nil {
			return fmt.Errorf("init registry store: %w", err)
		}
		a.records, a.registry = recs, reg
	case "memory":
		a.logger.Warn("using in-memory database; state is lost on exit")
		a.records = memory.NewRecordStore()
		a.registry = memory.NewRegistryStore()
	default:
		return fmt.Errorf("unknown database provider: %s", a.cfg.Database.Provider)
	}
	return nil
}

func (a *App) initStorage(ctx context.Context) error {
	st := a.cfg.Storage
	switch st.Provider {
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return records.Infrastructure("create storage client", err)
		}
		a.gcsClient = client
		store, err := gcs.New(client, gcs.Config{Bucket: st.GCSBucket})
		if err != nil {
			return fmt.Errorf("init gcs store: %w", err)
		}
		if err := store.CheckBucket(ctx); err != nil {
			return fmt.Errorf("init gcs store: %w", err)
		}
		a.objects = store
	case "local":
		store, err := local.New(local.Config{BaseDir: st.LocalDir})
		if err != nil {
			return records.Infrastructure("init local store", err)
		}
		a.objects = store
	case "memory":
		a.logger.Warn("using in-memory object store; uploads are discarded on exit")
		a.objects = memory.NewBlobStore()
	default:
		return fmt.Errorf("unknown storage provider: %s", st.Provider)
	}
	return nil
}

func (a *App) initOrchestrator(ctx context.Context) error {
	cfg := a.cfg
	policy := cfg.RetryPolicy()

	scanner := artifact.NewScanner(artifact.Config{
		MetadataFile:   cfg.Ingest.MetadataFile,
		IDFields:       cfg.Ingest.IDFields,
		VolatileFields: cfg.Ingest.VolatileFields,
	}, a.logger.Named("scanner"))

	ld, err := loader.New(a.records, scanner, a.clock, loader.Config{
		Concurrency: cfg.Pipeline.LoadConcurrency,
		Retry:       policy,
	}, a.logger.Named("loader"))
	if err != nil {
		return fmt.Errorf("init loader: %w", err)
	}
	up, err := uploader.New(a.registry, a.objects, a.clock, uploader.Config{
		Concurrency: cfg.Pipeline.UploadConcurrency,
		Retry:       policy,
		Limiter:     ratelimit.New(ratelimit.Config{RPS: cfg.Pipeline.UploadRPS, Burst: cfg.Pipeline.UploadBurst}),
	}, a.logger.Named("uploader"))
	if err != nil {
		return fmt.Errorf("init uploader: %w", err)
	}
	sweeper, err := verify.New(a.records, a.registry, a.objects, a.clock, verify.Config{
		CheckLive: cfg.Verify.CheckLive,
	}, a.logger.Named("verify"))
	if err != nil {
		return fmt.Errorf("init sweeper: %w", err)
	}

	deps := orchestrator.Deps{
		Scanner:  scanner,
		Loader:   ld,
		Uploader: up,
		Sweeper:  sweeper,
		Records:  a.records,
		IDs:      uuid.New(),
		Clock:    a.clock,
	}
	if cfg.PubSub.Topic != "" {
		pub, err := pubsub.NewFromProject(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			return fmt.Errorf("init publisher: %w", err)
		}
		a.pubsub = pub
		deps.Publisher = pub
		a.logger.Info("publishing run summaries", zap.String("topic", cfg.PubSub.Topic))
	}

	orch, err := orchestrator.New(deps, orchestrator.Config{
		IngestRoot: cfg.Ingest.RootDir,
		Timeouts: orchestrator.StageTimeouts{
			Scan:   cfg.Pipeline.ScanTimeout,
			Load:   cfg.Pipeline.LoadTimeout,
			Upload: cfg.Pipeline.UploadTimeout,
			Verify: cfg.Pipeline.VerifyTimeout,
		},
		VerifyLookback: cfg.Verify.Lookback,
		Repair:         cfg.Verify.Repair,
		Topic:          cfg.PubSub.Topic,
	}, a.logger.Named("orchestrator"))
	if err != nil {
		return fmt.Errorf("init orchestrator: %w", err)
	}
	a.orchestrator = orch
	return nil
}

// Close releases every backend held by the App. It is safe on a partially built App.
func (a *App) Close() {
	a.logger.Info("shutting down application services")
	if a.pubsub != nil {
		if err := a.pubsub.Close(); err != nil {
			a.logger.Warn("error closing pubsub client", zap.Error(err))
		}
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("error closing storage client", zap.Error(err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	} else {
		if a.records != nil {
			a.records.Close()
		}
		if a.registry != nil {
			a.registry.Close()
		}
	}
	if a.tracer != nil {
		if err := a.tracer.Shutdown(context.Background()); err != nil {
			a.logger.Warn("error shutting down tracer provider", zap.Error(err))
		}
	}
	_ = a.logger.Sync() //nolint:errcheck // stderr sync fails on some terminals
}
