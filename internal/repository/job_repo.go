package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/timmy/catalogsync/internal/domain"
	"gorm.io/gorm"
)

// JobRepository handles sync job persistence.
type JobRepository struct {
	db *gorm.DB
}

// NewJobRepository creates a new JobRepository.
// Parameters:
//   - db: GORM database handle used for queries.
//
// Returns:
//   - *JobRepository: repository instance bound to db.
func NewJobRepository(db *gorm.DB) *JobRepository {
	return &JobRepository{db: db}
}

// Create inserts a new sync job.
func (r *JobRepository) Create(ctx context.Context, job *domain.SyncJob) error {
	return r.db.WithContext(ctx).Create(job).Error
}

// GetByID retrieves a job by ID. A missing job yields gorm.ErrRecordNotFound.
func (r *JobRepository) GetByID(ctx context.Context, id string) (*domain.SyncJob, error) {
	var job domain.SyncJob
	if err := r.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

// Transition moves a job to status `to` when its current status is one of
// `from`, applying extra column updates in the same statement.
// Returns:
//   - bool: true if the row matched and was updated.
//   - error: non-nil if the update fails.
func (r *JobRepository) Transition(ctx context.Context, id string, from []domain.JobStatus, to domain.JobStatus, extra map[string]interface{}) (bool, error) {
	updates := map[string]interface{}{"status": to}
	for k, v := range extra {
		updates[k] = v
	}
	result := r.db.WithContext(ctx).Model(&domain.SyncJob{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if result.Error != nil {
		return false, fmt.Errorf("transition job %s to %s: %w", id, to, result.Error)
	}
	return result.RowsAffected == 1, nil
}

// RecordBatch adds per-batch counters and stores the committed cursor.
func (r *JobRepository) RecordBatch(ctx context.Context, id string, processed, errs, duplicates int64, cursor string) error {
	return r.db.WithContext(ctx).Model(&domain.SyncJob{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"processed_count":        gorm.Expr("processed_count + ?", processed),
			"error_count":            gorm.Expr("error_count + ?", errs),
			"duplicate_count":        gorm.Expr("duplicate_count + ?", duplicates),
			"total_items":            gorm.Expr("total_items + ?", processed+errs),
			"last_checkpoint_cursor": cursor,
		}).Error
}

// RestoreCounters overwrites the counters, used when resuming from a checkpoint.
func (r *JobRepository) RestoreCounters(ctx context.Context, id string, processed, errs, duplicates int64, cursor string) error {
	return r.db.WithContext(ctx).Model(&domain.SyncJob{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"processed_count":        processed,
			"error_count":            errs,
			"duplicate_count":        duplicates,
			"total_items":            processed + errs,
			"last_checkpoint_cursor": cursor,
		}).Error
}

// SetFlag sets a boolean request flag (cancel_requested, pause_requested).
func (r *JobRepository) SetFlag(ctx context.Context, id, column string, value bool) error {
	switch column {
	case "cancel_requested", "pause_requested":
	default:
		return fmt.Errorf("unknown job flag %q", column)
	}
	result := r.db.WithContext(ctx).Model(&domain.SyncJob{}).Where("id = ?", id).Update(column, value)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// ActiveForKind returns the pending, running or paused job for an entity
// kind, or nil when none exists.
func (r *JobRepository) ActiveForKind(ctx context.Context, kind string) (*domain.SyncJob, error) {
	var job domain.SyncJob
	err := r.db.WithContext(ctx).
		Where("entity_kind = ? AND status IN ?", kind, []domain.JobStatus{
			domain.JobStatusRunning, domain.JobStatusPaused, domain.JobStatusPending,
		}).
		Order("created_at ASC").
		First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// List retrieves jobs, newest first, optionally filtered by kind and status.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - kind: entity kind filter; empty means all.
//   - status: status filter; empty means all.
//   - limit: maximum number of records to return.
//   - offset: number of records to skip.
func (r *JobRepository) List(ctx context.Context, kind string, status domain.JobStatus, limit, offset int) ([]domain.SyncJob, error) {
	var jobs []domain.SyncJob
	query := r.db.WithContext(ctx)
	if kind != "" {
		query = query.Where("entity_kind = ?", kind)
	}
	if status != "" {
		query = query.Where("status = ?", status)
	}
	if err := query.
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

// ListByStatus returns all jobs in the given status.
func (r *JobRepository) ListByStatus(ctx context.Context, status domain.JobStatus) ([]domain.SyncJob, error) {
	var jobs []domain.SyncJob
	if err := r.db.WithContext(ctx).Where("status = ?", status).Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}
