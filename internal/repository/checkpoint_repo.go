package repository

import (
	"context"
	"errors"

	"github.com/timmy/catalogsync/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CheckpointRepository stores one resume marker per job.
type CheckpointRepository struct {
	db *gorm.DB
}

// NewCheckpointRepository creates a new CheckpointRepository.
func NewCheckpointRepository(db *gorm.DB) *CheckpointRepository {
	return &CheckpointRepository{db: db}
}

// Upsert overwrites the checkpoint for cp.JobID.
func (r *CheckpointRepository) Upsert(ctx context.Context, cp *domain.Checkpoint) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "job_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"cursor", "sequence", "stats", "updated_at"}),
	}).Create(cp).Error
}

// Get returns the checkpoint for jobID, or nil when none exists.
func (r *CheckpointRepository) Get(ctx context.Context, jobID string) (*domain.Checkpoint, error) {
	var cp domain.Checkpoint
	err := r.db.WithContext(ctx).First(&cp, "job_id = ?", jobID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

// Delete removes the checkpoint for jobID. Missing rows are not an error.
func (r *CheckpointRepository) Delete(ctx context.Context, jobID string) error {
	return r.db.WithContext(ctx).Delete(&domain.Checkpoint{}, "job_id = ?", jobID).Error
}
