package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/timmy/catalogsync/internal/cache"
	"github.com/timmy/catalogsync/internal/catalog"
	"github.com/timmy/catalogsync/internal/dedup"
	"github.com/timmy/catalogsync/internal/domain"
	"github.com/timmy/catalogsync/internal/logger"
	"github.com/timmy/catalogsync/internal/retry"
	"github.com/timmy/catalogsync/internal/source"
	"github.com/timmy/catalogsync/internal/syncerr"
	"golang.org/x/sync/errgroup"
)

// assetCachePrefix keys resolved asset references by origin.
const assetCachePrefix = "assets:"

// batchResult counts the outcome of one batch.
type batchResult struct {
	written    int64
	failed     int64
	duplicates int64
	// touched lists origins whose assets changed.
	touched []string
}

// RunBatch processes the next page of a job. It is the scheduler handler:
// a non-nil error asks for redelivery, so it is returned only for failures
// that a later attempt can fix. Job failures are recorded on the job and
// reported as nil.
func (o *Orchestrator) RunBatch(ctx context.Context, jobID string) error {
	m := o.batchLock(jobID)
	m.Lock()
	defer m.Unlock()

	job, err := o.Status(ctx, jobID)
	if errors.Is(err, syncerr.ErrJobNotFound) {
		o.log(ctx).WithField(logger.FieldJobID, jobID).Warn("Dropping batch for unknown job")
		return nil
	}
	if err != nil {
		return err
	}
	ctx = logger.SetEntityKind(logger.SetJobID(ctx, jobID), job.EntityKind)

	if job.Status != domain.JobStatusRunning {
		if job.Status.Terminal() {
			o.detach(ctx, jobID)
		}
		o.log(ctx).WithField(logger.FieldStatus, string(job.Status)).Debug("Skipping batch, job not running")
		return nil
	}

	r := o.runFor(jobID)
	if r == nil {
		// Another process ran this job before, or this process restarted.
		r, err = o.attach(ctx, job)
		if syncerr.IsBusy(err) {
			o.log(ctx).WithError(err).Info("Job lock held elsewhere, skipping batch")
			return nil
		}
		if err != nil {
			return err
		}
	}

	if stop, err := o.checkStop(ctx, job, r); stop || err != nil {
		return err
	}

	start := o.cfg.Clock.Now()
	page, err := retry.Run(ctx, o.cfg.Policy, "fetch page", func(ctx context.Context) (*source.Page, error) {
		return o.deps.Source.FetchPage(ctx, r.cursor, job.BatchSize)
	})
	if err != nil {
		return o.abort(ctx, job, err)
	}

	var res batchResult
	if job.EntityKind == domain.EntityImages {
		res, err = o.importAssets(ctx, job, r, page)
	} else {
		res, err = o.importRecords(ctx, job, r, page)
	}
	if err != nil {
		return o.abort(ctx, job, err)
	}
	o.invalidate(ctx, res.touched)

	r.sequence++
	r.cursor = page.NextCursor
	r.stats.Processed += res.written
	r.stats.Errors += res.failed
	r.stats.Duplicates += res.duplicates

	if page.NextCursor != "" {
		if _, err := o.deps.Checkpoints.Save(ctx, jobID, page.NextCursor, r.sequence, r.stats); err != nil {
			// The page is committed and idempotent; a crash replays it.
			o.log(ctx).WithError(err).Warn("Checkpoint save failed")
		}
	}
	if err := o.deps.Jobs.RecordBatch(ctx, jobID, res.written, res.failed, res.duplicates, page.NextCursor); err != nil {
		o.log(ctx).WithError(err).Warn("Failed to record batch counters")
	}

	elapsed := o.cfg.Clock.Now().Sub(start)
	o.log(ctx).WithFields(logger.Fields{
		"sequence":             r.sequence,
		logger.FieldCursor:     page.NextCursor,
		logger.FieldCount:      res.written,
		"errors":               res.failed,
		"duplicates":           res.duplicates,
		logger.FieldDurationMs: elapsed.Milliseconds(),
	}).Info("Batch committed")
	o.deps.Events.Emit(ctx, Event{
		Type:       EventBatchCommitted,
		JobID:      jobID,
		EntityKind: job.EntityKind,
		At:         o.cfg.Clock.Now(),
		Sequence:   r.sequence,
		Cursor:     page.NextCursor,
		Processed:  res.written,
		Errors:     res.failed,
		Duplicates: res.duplicates,
		Duration:   elapsed,
	})

	if page.NextCursor == "" {
		return o.complete(ctx, job)
	}

	// Flags may have been set while the batch ran.
	job, err = o.Status(ctx, jobID)
	if err != nil {
		return err
	}
	if stop, err := o.checkStop(ctx, job, r); stop || err != nil {
		return err
	}
	return o.deps.Scheduler.DeferCall(ctx, jobID, o.cfg.Clock.Now().Add(o.cfg.ContinuationDelay))
}

// checkStop honours cancel and pause requests and stops a job whose lease
// is gone. It reports whether the job was stopped.
func (o *Orchestrator) checkStop(ctx context.Context, job *domain.SyncJob, r *run) (bool, error) {
	switch {
	case job.CancelRequested:
		ok, err := o.deps.Jobs.Transition(ctx, job.ID, []domain.JobStatus{domain.JobStatusRunning}, domain.JobStatusCancelled,
			map[string]interface{}{"completed_at": o.cfg.Clock.Now()})
		if err != nil {
			return true, err
		}
		if ok {
			o.finished(ctx, job, domain.JobStatusCancelled, nil)
		}
		return true, nil
	case job.PauseRequested:
		ok, err := o.deps.Jobs.Transition(ctx, job.ID, []domain.JobStatus{domain.JobStatusRunning}, domain.JobStatusPaused, nil)
		if err != nil {
			return true, err
		}
		if ok {
			o.detach(ctx, job.ID)
			o.dropBatchLock(job.ID)
			o.log(ctx).WithField(logger.FieldCursor, r.cursor).Info("Sync job paused")
		}
		return true, nil
	case !r.lease.Held():
		return true, o.fail(ctx, job, syncerr.ErrLeaseLost)
	}
	return false, nil
}

// importRecords upserts one catalog record per item, referencing the assets
// already stored for its origin.
func (o *Orchestrator) importRecords(ctx context.Context, job *domain.SyncJob, r *run, page *source.Page) (batchResult, error) {
	var res batchResult
	recs := make([]catalog.Record, 0, len(page.Items))
	for _, item := range page.Items {
		if err := item.Validate(); err != nil {
			res.failed++
			o.log(ctx).WithField("origin_id", item.OriginID).WithError(err).Warn("Skipping invalid item")
			continue
		}
		refs, err := o.assetRefs(ctx, item.OriginID)
		if err != nil {
			return res, err
		}
		recs = append(recs, toRecord(job, item, refs))
	}

	written, rejected, err := o.commit(ctx, r, recs)
	res.written, res.failed = written, res.failed+rejected
	return res, err
}

// assetRefs returns the resolved assets of an origin, cached by origin.
func (o *Orchestrator) assetRefs(ctx context.Context, originID string) ([]domain.AssetRef, error) {
	key := assetCachePrefix + originID
	if o.deps.Cache != nil {
		if refs, ok := cache.GetJSON[[]domain.AssetRef](ctx, o.deps.Cache, key); ok {
			return refs, nil
		}
	}

	stored, err := retry.Run(ctx, o.cfg.Policy, "resolve assets", func(ctx context.Context) ([]dedup.StoredRef, error) {
		return o.deps.Assets.Resolve(ctx, originID)
	})
	if err != nil {
		return nil, err
	}
	refs := make([]domain.AssetRef, 0, len(stored))
	for _, s := range stored {
		refs = append(refs, s.AssetRef())
	}

	if o.deps.Cache != nil {
		if err := cache.SetJSON(ctx, o.deps.Cache, key, refs, 0); err != nil {
			o.log(ctx).WithField("key", key).WithError(err).Debug("Asset refs not cached")
		}
	}
	return refs, nil
}

// itemAssets is the phase one outcome of one item.
type itemAssets struct {
	refs       []domain.AssetRef
	duplicates int64
	err        error
}

// importAssets runs in two phases. Phase one stores every item's assets
// with bounded concurrency and no catalog writes. Phase two commits one
// lightweight record per item that stored cleanly.
func (o *Orchestrator) importAssets(ctx context.Context, job *domain.SyncJob, r *run, page *source.Page) (batchResult, error) {
	var res batchResult
	results := make([]itemAssets, len(page.Items))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.AssetWorkers)
	for i, item := range page.Items {
		if err := item.Validate(); err != nil {
			results[i].err = err
			continue
		}
		g.Go(func() error {
			refs, dups, err := o.storeAssets(gctx, item)
			if err != nil && !syncerr.IsItemFailure(err) {
				return err
			}
			results[i] = itemAssets{refs: refs, duplicates: dups, err: err}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}

	recs := make([]catalog.Record, 0, len(page.Items))
	for i, item := range page.Items {
		out := results[i]
		if out.err != nil {
			res.failed++
			o.log(ctx).WithField("origin_id", item.OriginID).WithError(out.err).Warn("Skipping item, assets not stored")
			continue
		}
		res.duplicates += out.duplicates
		res.touched = append(res.touched, item.OriginID)
		rec := toRecord(job, item, out.refs)
		rec.OwnsAssets = true
		recs = append(recs, rec)
	}

	written, rejected, err := o.commit(ctx, r, recs)
	res.written, res.failed = written, res.failed+rejected
	return res, err
}

// storeAssets fetches and stores the assets of one item. Errors confined to
// the item (syncerr.IsItemFailure) are returned for the caller to count;
// anything else, fatal source errors included, fails the batch.
func (o *Orchestrator) storeAssets(ctx context.Context, item source.Item) ([]domain.AssetRef, int64, error) {
	assets, err := retry.Run(ctx, o.cfg.Policy, "fetch assets", func(ctx context.Context) ([]source.Asset, error) {
		return o.deps.Source.FetchAssets(ctx, item.OriginID)
	})
	if err != nil {
		return nil, 0, err
	}

	var (
		refs = make([]domain.AssetRef, 0, len(assets))
		dups int64
	)
	for _, a := range assets {
		ref, err := retry.Run(ctx, o.cfg.Policy, "store asset", func(ctx context.Context) (*dedup.StoredRef, error) {
			rc, err := a.Open(ctx)
			if err != nil {
				return nil, err
			}
			defer rc.Close()
			return o.deps.Assets.Put(ctx, item.OriginID, a.OrderIndex, rc)
		})
		if err != nil {
			return nil, 0, fmt.Errorf("asset %d: %w", a.OrderIndex, err)
		}
		if ref.Duplicate {
			dups++
		}
		refs = append(refs, ref.AssetRef())
	}
	return refs, dups, nil
}

// commit writes recs in one unit of work. Rejected records are counted and
// skipped; any other failure rolls the whole batch back.
func (o *Orchestrator) commit(ctx context.Context, r *run, recs []catalog.Record) (written, rejected int64, err error) {
	if len(recs) == 0 {
		return 0, 0, nil
	}
	if !r.lease.Held() {
		return 0, 0, syncerr.Fatal("commit batch", syncerr.ErrLeaseLost)
	}

	err = o.cfg.Policy.Do(ctx, "commit batch", func(ctx context.Context) error {
		written, rejected = 0, 0
		return o.deps.Writer.WithinTx(ctx, func(ctx context.Context, uow catalog.UnitOfWork) error {
			for _, rec := range recs {
				if _, err := uow.UpsertRecord(ctx, rec); err != nil {
					var re *catalog.RecordError
					if errors.As(err, &re) {
						rejected++
						o.log(ctx).WithField("natural_key", rec.NaturalKey).WithError(err).Warn("Record rejected")
						continue
					}
					return err
				}
				written++
			}
			// Never commit on a lease that lapsed mid-batch.
			if !r.lease.Held() {
				return syncerr.Fatal("commit batch", syncerr.ErrLeaseLost)
			}
			return nil
		})
	})
	if err != nil {
		return 0, 0, err
	}
	return written, rejected, nil
}

func toRecord(job *domain.SyncJob, item source.Item, refs []domain.AssetRef) catalog.Record {
	fields := make(map[string]interface{}, len(item.Attributes)+2)
	for k, v := range item.Attributes {
		fields[k] = v
	}
	if item.Title != "" {
		fields["title"] = item.Title
	}
	fields["origin_id"] = item.OriginID

	kind := item.Kind
	if kind == "" {
		kind = job.EntityKind
	}
	return catalog.Record{
		NaturalKey:      item.NaturalKey,
		Kind:            kind,
		Fields:          fields,
		AssetRefs:       refs,
		SourceUpdatedAt: item.UpdatedAt,
	}
}

// invalidate drops cached asset refs of origins whose assets changed.
func (o *Orchestrator) invalidate(ctx context.Context, origins []string) {
	if o.deps.Cache == nil || len(origins) == 0 {
		return
	}
	keys := make([]string, len(origins))
	for i, origin := range origins {
		keys[i] = assetCachePrefix + origin
	}
	if _, err := o.deps.Cache.Delete(ctx, keys...); err != nil {
		o.log(ctx).WithError(err).Warn("Failed to invalidate asset refs")
	}
}

// complete finishes a job whose source is exhausted.
func (o *Orchestrator) complete(ctx context.Context, job *domain.SyncJob) error {
	ok, err := o.deps.Jobs.Transition(ctx, job.ID, []domain.JobStatus{domain.JobStatusRunning}, domain.JobStatusCompleted,
		map[string]interface{}{"completed_at": o.cfg.Clock.Now()})
	if err != nil {
		return err
	}
	if !ok {
		// Cancelled or failed concurrently; that status stands.
		o.detach(ctx, job.ID)
		return nil
	}
	if err := o.deps.Checkpoints.Clear(ctx, job.ID); err != nil {
		o.log(ctx).WithError(err).Warn("Failed to clear checkpoint")
	}
	if o.deps.Cache != nil {
		res := o.deps.Cache.Evict(ctx, assetCachePrefix+"*", cache.EvictOptions{PreserveHot: true})
		o.log(ctx).WithFields(logger.Fields{
			"cleared":   res.Cleared,
			"preserved": res.Preserved,
		}).Debug("Asset refs evicted")
	}
	o.finished(ctx, job, domain.JobStatusCompleted, nil)
	return nil
}

// abort handles a batch failure. Shutdown leaves the job running for
// recovery; anything else fails the job.
func (o *Orchestrator) abort(ctx context.Context, job *domain.SyncJob, err error) error {
	if ctx.Err() != nil {
		o.log(ctx).WithError(err).Warn("Batch interrupted, job left for recovery")
		return nil
	}
	return o.fail(ctx, job, err)
}

// fail marks job failed and releases its lock.
func (o *Orchestrator) fail(ctx context.Context, job *domain.SyncJob, cause error) error {
	ok, err := o.deps.Jobs.Transition(ctx, job.ID,
		[]domain.JobStatus{domain.JobStatusRunning, domain.JobStatusPaused}, domain.JobStatusFailed,
		map[string]interface{}{"completed_at": o.cfg.Clock.Now(), "last_error": cause.Error()})
	if err != nil {
		return err
	}
	if !ok {
		o.detach(ctx, job.ID)
		return nil
	}
	o.deps.Events.Emit(ctx, Event{
		Type:       EventFatalError,
		JobID:      job.ID,
		EntityKind: job.EntityKind,
		At:         o.cfg.Clock.Now(),
		Err:        cause,
	})
	o.finished(ctx, job, domain.JobStatusFailed, cause)
	return nil
}
