package app

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/timmy/catalogsync/internal/cache"
	"github.com/timmy/catalogsync/internal/checkpoint"
	"github.com/timmy/catalogsync/internal/clock"
	"github.com/timmy/catalogsync/internal/config"
	"github.com/timmy/catalogsync/internal/dedup"
	"github.com/timmy/catalogsync/internal/lock"
	"github.com/timmy/catalogsync/internal/logger"
	"github.com/timmy/catalogsync/internal/orchestrator"
	"github.com/timmy/catalogsync/internal/repository"
	"github.com/timmy/catalogsync/internal/retry"
	"github.com/timmy/catalogsync/internal/scheduler"
	"github.com/timmy/catalogsync/internal/source"
	"github.com/timmy/catalogsync/internal/source/httpapi"
	"github.com/timmy/catalogsync/internal/source/manifest"
	"github.com/timmy/catalogsync/internal/storage"
	"github.com/timmy/catalogsync/internal/syncerr"
	"github.com/timmy/catalogsync/internal/telemetry"
	"gorm.io/gorm"
)

const catalogTxTimeout = 30 * time.Second

// engine holds the wired components shared by every command.
type engine struct {
	cfg   *config.Config
	log   *logger.Logger
	db    *gorm.DB
	sqlDB *sql.DB

	metrics   *telemetry.Metrics
	jobs      *repository.JobRepository
	catalog   *repository.CatalogRepository
	cache     *cache.Cache
	assets    *dedup.Store
	scheduler *scheduler.Local
	orch      *orchestrator.Orchestrator
}

// bucketEnsurer is implemented by the remote object storages.
type bucketEnsurer interface {
	EnsureBucket(ctx context.Context) error
}

// newEngine wires storage, persistence and the orchestrator from cfg. The
// scheduler is created but not started.
func newEngine(ctx context.Context, cfg *config.Config, log *logger.Logger, withRuntimeMetrics bool) (*engine, error) {
	db, err := repository.InitDB(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("init database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql handle: %w", err)
	}

	objects, err := storage.NewStorage(&cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}
	if eb, ok := objects.(bucketEnsurer); ok {
		if err := eb.EnsureBucket(ctx); err != nil {
			return nil, fmt.Errorf("ensure bucket: %w", err)
		}
	}

	src, err := newSource(cfg.Source)
	if err != nil {
		return nil, err
	}

	policy := retry.Policy{
		Base:        cfg.Sync.Retry.Base,
		Cap:         cfg.Sync.Retry.Cap,
		Jitter:      cfg.Sync.Retry.Jitter,
		MaxAttempts: cfg.Sync.Retry.MaxAttempts,
	}

	metrics := telemetry.NewMetrics(withRuntimeMetrics)
	events := telemetry.NewSink(metrics)

	var backend cache.Backend = cache.NewMemoryBackend()
	if cfg.Cache.Backend == "db" {
		backend = repository.NewCacheRepository(db)
	}
	c, err := cache.New(backend, cache.Config{
		DefaultTTL: cfg.Cache.DefaultTTL,
		TTL:        cfg.Cache.TTL,
		Threshold:  cfg.Cache.EvictionThreshold,
		Observer:   metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("init cache: %w", err)
	}

	encoding, err := dedup.ParseEncoding(cfg.Dedup.PayloadEncoding)
	if err != nil {
		return nil, err
	}
	assets := dedup.NewStore(repository.NewBlobRepository(db), objects, dedup.Config{
		ChunkSize:   cfg.Dedup.ChunkSize,
		Encoding:    encoding,
		SpoolDir:    cfg.Dedup.SpoolDir,
		OrphanGrace: cfg.Dedup.OrphanGrace,
		Policy:      policy,
		Observer:    metrics,
	})

	locks := lock.NewManager(repository.NewLockRepository(db), lock.Config{
		Lease:       cfg.Sync.LeaseDuration,
		MaxAttempts: cfg.Sync.LockMaxAttempts,
		Probe:       lock.NewPIDProbe(),
		OnSteal:     orchestrator.StealNotifier(events, clock.Real{}),
	})

	sched := scheduler.NewLocal(scheduler.LocalConfig{Redelivery: policy})
	jobs := repository.NewJobRepository(db)
	catalog := repository.NewCatalogRepository(db, catalogTxTimeout)

	orch := orchestrator.New(ctx, orchestrator.Deps{
		Jobs:        jobs,
		Locks:       locks,
		Checkpoints: checkpoint.NewStore(repository.NewCheckpointRepository(db), policy, nil),
		Assets:      assets,
		Source:      src,
		Writer:      catalog,
		Scheduler:   sched,
		Cache:       c,
		Events:      events,
	}, orchestrator.Config{
		BatchSize:         cfg.Sync.BatchSize,
		Lease:             cfg.Sync.LeaseDuration,
		ContinuationDelay: cfg.Sync.ContinuationDelay,
		AssetWorkers:      cfg.Sync.AssetWorkers,
		Policy:            policy,
	})

	log.WithFields(logger.Fields{
		logger.FieldSource: src.GetSourceID(),
		"storage":          cfg.Storage.Type,
		"cache_backend":    cfg.Cache.Backend,
	}).Info("Sync engine initialized")

	return &engine{
		cfg:       cfg,
		log:       log,
		db:        db,
		sqlDB:     sqlDB,
		metrics:   metrics,
		jobs:      jobs,
		catalog:   catalog,
		cache:     c,
		assets:    assets,
		scheduler: sched,
		orch:      orch,
	}, nil
}

func newSource(cfg config.SourceConfig) (source.Client, error) {
	switch cfg.Type {
	case "http":
		return httpapi.New(httpapi.Config{
			Name:    cfg.Name,
			BaseURL: cfg.BaseURL,
			APIKey:  cfg.APIKey,
			Timeout: cfg.Timeout,
		}), nil
	case "manifest":
		return manifest.NewAdapter(cfg.ManifestPath, cfg.Name), nil
	default:
		return nil, fmt.Errorf("unknown source type %q", cfg.Type)
	}
}

// startWorkers starts batch delivery and re-defers jobs left running by a
// previous process.
func (e *engine) startWorkers(ctx context.Context) error {
	e.scheduler.Start(ctx, e.orch.RunBatch)
	if _, err := e.orch.Recover(ctx); err != nil {
		return fmt.Errorf("recover jobs: %w", err)
	}
	return nil
}

// newCron registers the configured sync triggers and maintenance tasks.
func (e *engine) newCron(ctx context.Context) (*scheduler.Cron, error) {
	cr := scheduler.NewCron(ctx)
	for kind, spec := range e.cfg.Schedules {
		if err := cr.Add("sync:"+kind, spec, func(ctx context.Context) error {
			job, err := e.orch.Trigger(ctx, kind, orchestrator.CreateOptions{Trigger: "cron"})
			if syncerr.IsBusy(err) {
				log := logger.FromContext(ctx).WithField(logger.FieldEntityKind, kind)
				if job != nil {
					log = log.WithField(logger.FieldJobID, job.ID)
				}
				log.Info("Scheduled sync skipped, job already active")
				return nil
			}
			return err
		}); err != nil {
			return nil, fmt.Errorf("schedule %s: %w", kind, err)
		}
	}
	if spec := e.cfg.Cache.DecaySchedule; spec != "" {
		if err := cr.Add("cache-decay", spec, func(ctx context.Context) error {
			_, err := e.cache.Decay(ctx)
			return err
		}); err != nil {
			return nil, fmt.Errorf("schedule cache decay: %w", err)
		}
	}
	if spec := e.cfg.Dedup.SweepSchedule; spec != "" {
		if err := cr.Add("dedup-sweep", spec, func(ctx context.Context) error {
			_, err := e.assets.SweepOrphans(ctx, 0)
			return err
		}); err != nil {
			return nil, fmt.Errorf("schedule dedup sweep: %w", err)
		}
	}
	return cr, nil
}

// close stops deliveries, releases held locks and closes the database.
func (e *engine) close(ctx context.Context) {
	if err := e.scheduler.Stop(ctx); err != nil {
		e.log.WithError(err).Warn("Scheduler did not stop cleanly")
	}
	e.orch.Shutdown(ctx)
	if err := e.sqlDB.Close(); err != nil {
		e.log.WithError(err).Warn("Failed to close database")
	}
}
