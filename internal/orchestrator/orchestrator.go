// Package orchestrator drives sync jobs through their lifecycle.
//
// A job runs as a chain of batches. Each batch fetches one source page,
// stores its assets, commits one short catalog unit of work, saves a
// checkpoint and then defers the next batch to the scheduler instead of
// looping, so no single invocation runs for the whole job. The lock on the
// job's entity kind is held across batches by a renewed lease.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/timmy/catalogsync/internal/cache"
	"github.com/timmy/catalogsync/internal/catalog"
	"github.com/timmy/catalogsync/internal/checkpoint"
	"github.com/timmy/catalogsync/internal/clock"
	"github.com/timmy/catalogsync/internal/dedup"
	"github.com/timmy/catalogsync/internal/domain"
	"github.com/timmy/catalogsync/internal/lock"
	"github.com/timmy/catalogsync/internal/logger"
	"github.com/timmy/catalogsync/internal/retry"
	"github.com/timmy/catalogsync/internal/scheduler"
	"github.com/timmy/catalogsync/internal/source"
	"github.com/timmy/catalogsync/internal/syncerr"
	"gorm.io/gorm"
)

const (
	DefaultBatchSize    = 50
	DefaultAssetWorkers = 4
	maxBatchSize        = 1000
)

// JobStore persists sync jobs.
type JobStore interface {
	Create(ctx context.Context, job *domain.SyncJob) error
	GetByID(ctx context.Context, id string) (*domain.SyncJob, error)
	Transition(ctx context.Context, id string, from []domain.JobStatus, to domain.JobStatus, extra map[string]interface{}) (bool, error)
	RecordBatch(ctx context.Context, id string, processed, errs, duplicates int64, cursor string) error
	RestoreCounters(ctx context.Context, id string, processed, errs, duplicates int64, cursor string) error
	SetFlag(ctx context.Context, id, column string, value bool) error
	ActiveForKind(ctx context.Context, kind string) (*domain.SyncJob, error)
	List(ctx context.Context, kind string, status domain.JobStatus, limit, offset int) ([]domain.SyncJob, error)
	ListByStatus(ctx context.Context, status domain.JobStatus) ([]domain.SyncJob, error)
}

// Locker hands out leases on entity kinds.
type Locker interface {
	Acquire(ctx context.Context, key string, leaseDuration time.Duration) (*lock.Lease, error)
}

// Checkpoints stores resume points.
type Checkpoints interface {
	Save(ctx context.Context, jobID, cursor string, sequence int64, stats checkpoint.Stats) (bool, error)
	Load(ctx context.Context, jobID string) (*domain.Checkpoint, error)
	Clear(ctx context.Context, jobID string) error
}

// AssetStore deduplicates binary assets.
type AssetStore interface {
	Put(ctx context.Context, originID string, orderIndex int, r io.Reader) (*dedup.StoredRef, error)
	Resolve(ctx context.Context, originID string) ([]dedup.StoredRef, error)
}

// Config configures an Orchestrator.
type Config struct {
	BatchSize int
	// Lease is the lock lease; zero uses the lock manager default.
	Lease time.Duration
	// ContinuationDelay spaces consecutive batches of a job.
	ContinuationDelay time.Duration
	// AssetWorkers bounds concurrent asset uploads within a batch.
	AssetWorkers int
	// Policy retries page fetches, asset stores and catalog commits.
	Policy retry.Policy
	Clock  clock.Clock
}

// Deps are the collaborators of an Orchestrator. Cache and Events are
// optional.
type Deps struct {
	Jobs        JobStore
	Locks       Locker
	Checkpoints Checkpoints
	Assets      AssetStore
	Source      source.Client
	Writer      catalog.Writer
	Scheduler   scheduler.Scheduler
	Cache       *cache.Cache
	Events      EventSink
}

// run is the in-process state of a job holding its lock.
type run struct {
	lease    *lock.Lease
	cursor   string
	sequence int64
	stats    checkpoint.Stats
}

// Orchestrator is safe for concurrent use. Jobs of different entity kinds
// run independently.
type Orchestrator struct {
	deps Deps
	cfg  Config

	// base outlives requests; lease renewers run on it.
	base context.Context

	mu   sync.Mutex
	runs map[string]*run
	// batches serializes RunBatch per job.
	batches map[string]*sync.Mutex
}

// New creates an Orchestrator. Lease renewers run until base is done or
// Shutdown is called.
func New(base context.Context, deps Deps, cfg Config) *Orchestrator {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.AssetWorkers <= 0 {
		cfg.AssetWorkers = DefaultAssetWorkers
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Policy.Clock == nil {
		cfg.Policy.Clock = cfg.Clock
	}
	if deps.Events == nil {
		deps.Events = nopSink{}
	}
	return &Orchestrator{
		deps:    deps,
		cfg:     cfg,
		base:    base,
		runs:    make(map[string]*run),
		batches: make(map[string]*sync.Mutex),
	}
}

func (o *Orchestrator) log(ctx context.Context) *logger.Logger {
	return logger.FromContext(ctx).WithComponent("orchestrator")
}

// LockKey returns the lock resource key of an entity kind.
func LockKey(entityKind string) string {
	return "sync:" + entityKind
}

// CreateOptions tunes a new job.
type CreateOptions struct {
	BatchSize int
	Direction domain.Direction
	// Trigger records who asked for the job (api, cron, cli).
	Trigger string
}

// Create inserts a pending job for entityKind.
func (o *Orchestrator) Create(ctx context.Context, entityKind string, opts CreateOptions) (*domain.SyncJob, error) {
	if entityKind == "" {
		return nil, syncerr.Invalid("entity_kind", "must not be empty")
	}
	if opts.BatchSize < 0 || opts.BatchSize > maxBatchSize {
		return nil, syncerr.Invalid("batch_size", fmt.Sprintf("must be between 1 and %d", maxBatchSize))
	}
	if opts.BatchSize == 0 {
		opts.BatchSize = o.cfg.BatchSize
	}
	switch opts.Direction {
	case "":
		opts.Direction = domain.DirectionImport
	case domain.DirectionImport, domain.DirectionExport:
	default:
		return nil, syncerr.Invalid("direction", fmt.Sprintf("unknown direction %q", opts.Direction))
	}

	now := o.cfg.Clock.Now()
	job := &domain.SyncJob{
		ID:         uuid.New().String(),
		EntityKind: entityKind,
		Direction:  opts.Direction,
		Status:     domain.JobStatusPending,
		BatchSize:  opts.BatchSize,
		Trigger:    opts.Trigger,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := o.deps.Jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	o.log(ctx).WithFields(logger.Fields{
		logger.FieldJobID:      job.ID,
		logger.FieldEntityKind: entityKind,
		"trigger":              opts.Trigger,
	}).Info("Sync job created")
	return job, nil
}

// Trigger starts a sync of entityKind unless one is already active. An
// active pending job is started; a running or paused one is returned with
// a *syncerr.ResourceBusyError.
func (o *Orchestrator) Trigger(ctx context.Context, entityKind string, opts CreateOptions) (*domain.SyncJob, error) {
	active, err := o.deps.Jobs.ActiveForKind(ctx, entityKind)
	if err != nil {
		return nil, fmt.Errorf("find active job: %w", err)
	}
	job := active
	if job != nil && job.Status != domain.JobStatusPending {
		return job, &syncerr.ResourceBusyError{ResourceKey: LockKey(entityKind), Owner: job.ID}
	}
	if job == nil {
		if job, err = o.Create(ctx, entityKind, opts); err != nil {
			return nil, err
		}
	}
	if err := o.Start(ctx, job.ID); err != nil {
		return job, err
	}
	return o.Status(ctx, job.ID)
}

// Start moves a pending job to running. When the entity kind is locked by a
// live owner the job stays pending and a *syncerr.ResourceBusyError is
// returned.
func (o *Orchestrator) Start(ctx context.Context, jobID string) error {
	job, err := o.Status(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != domain.JobStatusPending {
		return fmt.Errorf("start job %s in status %s: %w", jobID, job.Status, syncerr.ErrInvalidTransition)
	}
	now := o.cfg.Clock.Now()
	return o.begin(ctx, job, domain.JobStatusPending, map[string]interface{}{"started_at": now})
}

// Resume moves a paused job back to running from its last checkpoint.
func (o *Orchestrator) Resume(ctx context.Context, jobID string) error {
	job, err := o.Status(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != domain.JobStatusPaused {
		return fmt.Errorf("resume job %s in status %s: %w", jobID, job.Status, syncerr.ErrInvalidTransition)
	}
	if err := o.deps.Jobs.SetFlag(ctx, jobID, "pause_requested", false); err != nil {
		return fmt.Errorf("clear pause flag: %w", err)
	}
	return o.begin(ctx, job, domain.JobStatusPaused, nil)
}

// begin acquires the job's lock, restores its checkpoint, marks it running
// and defers the first batch.
func (o *Orchestrator) begin(ctx context.Context, job *domain.SyncJob, from domain.JobStatus, extra map[string]interface{}) error {
	ctx = logger.SetEntityKind(logger.SetJobID(ctx, job.ID), job.EntityKind)

	r, err := o.attach(ctx, job)
	if err != nil {
		return err
	}

	ok, err := o.deps.Jobs.Transition(ctx, job.ID, []domain.JobStatus{from}, domain.JobStatusRunning, extra)
	if err != nil || !ok {
		o.detach(ctx, job.ID)
		if err != nil {
			return err
		}
		return fmt.Errorf("job %s left status %s: %w", job.ID, from, syncerr.ErrInvalidTransition)
	}

	o.log(ctx).WithFields(logger.Fields{
		logger.FieldCursor: r.cursor,
		"sequence":         r.sequence,
	}).Info("Sync job running")
	o.deps.Events.Emit(ctx, Event{
		Type:       EventJobStarted,
		JobID:      job.ID,
		EntityKind: job.EntityKind,
		At:         o.cfg.Clock.Now(),
		Cursor:     r.cursor,
		Sequence:   r.sequence,
	})

	if err := o.deps.Scheduler.DeferCall(ctx, job.ID, o.cfg.Clock.Now()); err != nil {
		return fmt.Errorf("defer first batch: %w", err)
	}
	return nil
}

// attach acquires the lock for job and loads its resume point into a run.
func (o *Orchestrator) attach(ctx context.Context, job *domain.SyncJob) (*run, error) {
	lease, err := o.deps.Locks.Acquire(ctx, LockKey(job.EntityKind), o.cfg.Lease)
	if err != nil {
		if syncerr.IsBusy(err) {
			o.log(ctx).WithError(err).Info("Entity kind busy, job stays pending")
		}
		return nil, err
	}

	r := &run{lease: lease}
	cp, err := o.deps.Checkpoints.Load(ctx, job.ID)
	if err != nil {
		_, _ = lease.Release(ctx)
		return nil, err
	}
	switch {
	case cp != nil:
		stats := cp.Stats.Data()
		r.cursor, r.sequence, r.stats = cp.Cursor, cp.Sequence, stats
		if err := o.deps.Jobs.RestoreCounters(ctx, job.ID, stats.Processed, stats.Errors, stats.Duplicates, cp.Cursor); err != nil {
			_, _ = lease.Release(ctx)
			return nil, fmt.Errorf("restore counters: %w", err)
		}
		o.log(ctx).WithFields(logger.Fields{
			logger.FieldCursor: cp.Cursor,
			"sequence":         cp.Sequence,
		}).Info("Resuming from checkpoint")
	case job.ProcessedCount != 0 || job.ErrorCount != 0 || job.DuplicateCount != 0:
		// No durable resume point: the source is replayed from the start,
		// so counters from the lost batches would be counted twice.
		if err := o.deps.Jobs.RestoreCounters(ctx, job.ID, 0, 0, 0, ""); err != nil {
			_, _ = lease.Release(ctx)
			return nil, fmt.Errorf("reset counters: %w", err)
		}
		o.log(ctx).WithField(logger.FieldCount, job.ProcessedCount).Warn("No checkpoint, restarting job from the beginning")
	}

	lease.StartRenewer(o.base)

	o.mu.Lock()
	o.runs[job.ID] = r
	o.mu.Unlock()
	return r, nil
}

// detach releases the lock of jobID and forgets its run.
func (o *Orchestrator) detach(ctx context.Context, jobID string) {
	o.mu.Lock()
	r := o.runs[jobID]
	delete(o.runs, jobID)
	o.mu.Unlock()
	if r == nil {
		return
	}
	if _, err := r.lease.Release(ctx); err != nil {
		o.log(ctx).WithField(logger.FieldJobID, jobID).WithError(err).Warn("Failed to release job lock")
	}
}

func (o *Orchestrator) runFor(jobID string) *run {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.runs[jobID]
}

// dropBatchLock forgets the RunBatch mutex of a job that stopped running.
func (o *Orchestrator) dropBatchLock(jobID string) {
	o.mu.Lock()
	delete(o.batches, jobID)
	o.mu.Unlock()
}

func (o *Orchestrator) batchLock(jobID string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	m, ok := o.batches[jobID]
	if !ok {
		m = &sync.Mutex{}
		o.batches[jobID] = m
	}
	return m
}

// Pause asks a running job to stop after its current batch. Resume
// continues it.
func (o *Orchestrator) Pause(ctx context.Context, jobID string) (*domain.SyncJob, error) {
	job, err := o.Status(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != domain.JobStatusRunning {
		return job, fmt.Errorf("pause job %s in status %s: %w", jobID, job.Status, syncerr.ErrInvalidTransition)
	}
	if err := o.deps.Jobs.SetFlag(ctx, jobID, "pause_requested", true); err != nil {
		return nil, err
	}
	return o.Status(ctx, jobID)
}

// Cancel stops a job. Pending and paused jobs are cancelled at once; a
// running job is cancelled at its next batch boundary.
func (o *Orchestrator) Cancel(ctx context.Context, jobID string) (*domain.SyncJob, error) {
	job, err := o.Status(ctx, jobID)
	if err != nil {
		return nil, err
	}
	ctx = logger.SetJobID(ctx, jobID)

	switch job.Status {
	case domain.JobStatusPending, domain.JobStatusPaused:
		ok, err := o.deps.Jobs.Transition(ctx, jobID, []domain.JobStatus{job.Status}, domain.JobStatusCancelled,
			map[string]interface{}{"completed_at": o.cfg.Clock.Now(), "cancel_requested": true})
		if err != nil {
			return nil, err
		}
		if !ok {
			// Raced with Start or Resume; cancel at the next batch instead.
			if err := o.deps.Jobs.SetFlag(ctx, jobID, "cancel_requested", true); err != nil {
				return nil, err
			}
		} else {
			o.finished(ctx, job, domain.JobStatusCancelled, nil)
		}
	case domain.JobStatusRunning:
		if err := o.deps.Jobs.SetFlag(ctx, jobID, "cancel_requested", true); err != nil {
			return nil, err
		}
		o.log(ctx).Info("Cancellation requested")
	default:
		return job, fmt.Errorf("cancel job %s in status %s: %w", jobID, job.Status, syncerr.ErrInvalidTransition)
	}
	return o.Status(ctx, jobID)
}

// Status returns a point-in-time snapshot of a job.
func (o *Orchestrator) Status(ctx context.Context, jobID string) (*domain.SyncJob, error) {
	job, err := o.deps.Jobs.GetByID(ctx, jobID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("job %s: %w", jobID, syncerr.ErrJobNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", jobID, err)
	}
	return job, nil
}

// List returns jobs newest first.
func (o *Orchestrator) List(ctx context.Context, entityKind string, status domain.JobStatus, limit, offset int) ([]domain.SyncJob, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return o.deps.Jobs.List(ctx, entityKind, status, limit, offset)
}

// Recover re-defers every running job, so jobs whose process died resume
// from their checkpoints once their lease can be taken over.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	jobs, err := o.deps.Jobs.ListByStatus(ctx, domain.JobStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("list running jobs: %w", err)
	}
	now := o.cfg.Clock.Now()
	for _, job := range jobs {
		if err := o.deps.Scheduler.DeferCall(ctx, job.ID, now); err != nil {
			return 0, fmt.Errorf("defer recovered job %s: %w", job.ID, err)
		}
	}
	if len(jobs) > 0 {
		o.log(ctx).WithField(logger.FieldCount, len(jobs)).Info("Recovered running jobs")
	}
	return len(jobs), nil
}

// Shutdown releases every lock this process holds. Jobs stay running and
// are picked up again by Recover.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.mu.Lock()
	ids := make([]string, 0, len(o.runs))
	for id := range o.runs {
		ids = append(ids, id)
	}
	o.mu.Unlock()
	for _, id := range ids {
		o.detach(ctx, id)
	}
}

// finished emits job_finished and drops in-memory state.
func (o *Orchestrator) finished(ctx context.Context, job *domain.SyncJob, status domain.JobStatus, cause error) {
	o.detach(ctx, job.ID)
	o.dropBatchLock(job.ID)

	fields := logger.Fields{logger.FieldStatus: string(status)}
	log := o.log(ctx).WithFields(fields)
	if cause != nil {
		log.WithError(cause).Error("Sync job finished")
	} else {
		log.Info("Sync job finished")
	}
	o.deps.Events.Emit(ctx, Event{
		Type:       EventJobFinished,
		JobID:      job.ID,
		EntityKind: job.EntityKind,
		At:         o.cfg.Clock.Now(),
		Status:     status,
		Err:        cause,
	})
}
