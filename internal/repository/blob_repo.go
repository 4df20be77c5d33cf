package repository

import (
	"context"
	"errors"
	"time"

	"github.com/timmy/catalogsync/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// BlobRepository handles content blob mappings for the dedup store.
type BlobRepository struct {
	db *gorm.DB
}

// NewBlobRepository creates a new BlobRepository.
func NewBlobRepository(db *gorm.DB) *BlobRepository {
	return &BlobRepository{db: db}
}

// FindByOriginHash returns the mapping for (originID, hash), or nil.
func (r *BlobRepository) FindByOriginHash(ctx context.Context, originID, hash string) (*domain.ContentBlob, error) {
	var blob domain.ContentBlob
	err := r.db.WithContext(ctx).
		First(&blob, "origin_id = ? AND content_hash = ?", originID, hash).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &blob, nil
}

// AddReference bumps the reference count of an existing mapping and moves it
// to orderIndex.
func (r *BlobRepository) AddReference(ctx context.Context, id string, orderIndex int, now time.Time) (*domain.ContentBlob, error) {
	var blob domain.ContentBlob
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&domain.ContentBlob{}).
			Where("id = ?", id).
			Updates(map[string]interface{}{
				"reference_count": gorm.Expr("reference_count + 1"),
				"order_index":     orderIndex,
				"updated_at":      now,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return tx.First(&blob, "id = ?", id).Error
	})
	if err != nil {
		return nil, err
	}
	return &blob, nil
}

// InsertOrReference creates blob, or, when another writer created the same
// (origin, hash) mapping first, adds a reference to that row instead.
// Returns:
//   - *domain.ContentBlob: the persisted row.
//   - bool: true when this call created the row.
//   - error: non-nil if the write fails.
func (r *BlobRepository) InsertOrReference(ctx context.Context, blob *domain.ContentBlob) (*domain.ContentBlob, bool, error) {
	var stored domain.ContentBlob
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "origin_id"}, {Name: "content_hash"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"reference_count": gorm.Expr("content_blobs.reference_count + 1"),
				"order_index":     blob.OrderIndex,
				"updated_at":      blob.UpdatedAt,
			}),
		}).Create(blob).Error; err != nil {
			return err
		}
		return tx.First(&stored, "origin_id = ? AND content_hash = ?", blob.OriginID, blob.ContentHash).Error
	})
	if err != nil {
		return nil, false, err
	}
	return &stored, stored.ID == blob.ID, nil
}

// ListByOrigin returns every mapping for an origin ordered by order index.
func (r *BlobRepository) ListByOrigin(ctx context.Context, originID string) ([]domain.ContentBlob, error) {
	var blobs []domain.ContentBlob
	if err := r.db.WithContext(ctx).
		Where("origin_id = ?", originID).
		Order("order_index ASC, updated_at DESC").
		Find(&blobs).Error; err != nil {
		return nil, err
	}
	return blobs, nil
}

// ReleaseReference decrements the reference count, never below zero.
// Returns false when no mapping exists.
func (r *BlobRepository) ReleaseReference(ctx context.Context, originID, hash string, now time.Time) (bool, error) {
	result := r.db.WithContext(ctx).Model(&domain.ContentBlob{}).
		Where("origin_id = ? AND content_hash = ?", originID, hash).
		Updates(map[string]interface{}{
			"reference_count": gorm.Expr("CASE WHEN reference_count > 0 THEN reference_count - 1 ELSE 0 END"),
			"updated_at":      now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// orphanClause matches rows no record holds: released down to zero before
// cutoff, or never attached and untouched since cutoff.
const orphanClause = "((reference_count <= 0 AND created_at < ?) OR (attached_at IS NULL AND updated_at < ?))"

// ListOrphans returns mappings that are orphaned as of cutoff.
func (r *BlobRepository) ListOrphans(ctx context.Context, cutoff time.Time, limit int) ([]domain.ContentBlob, error) {
	var blobs []domain.ContentBlob
	if err := r.db.WithContext(ctx).
		Where(orphanClause, cutoff, cutoff).
		Order("created_at ASC").
		Limit(limit).
		Find(&blobs).Error; err != nil {
		return nil, err
	}
	return blobs, nil
}

// DeleteIfOrphan removes the mapping only while it is still orphaned as of
// cutoff.
func (r *BlobRepository) DeleteIfOrphan(ctx context.Context, id string, cutoff time.Time) (bool, error) {
	result := r.db.WithContext(ctx).
		Where("id = ? AND "+orphanClause, id, cutoff, cutoff).
		Delete(&domain.ContentBlob{})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// CountByHash returns how many mappings share a content hash.
func (r *BlobRepository) CountByHash(ctx context.Context, hash string) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&domain.ContentBlob{}).
		Where("content_hash = ?", hash).
		Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// attachBlobs marks ids as referenced by a committed record. It runs on the
// writer's transaction so a rolled back batch leaves its blobs unattached.
func attachBlobs(tx *gorm.DB, ids []string, now time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	return tx.Model(&domain.ContentBlob{}).
		Where("id IN ? AND attached_at IS NULL", ids).
		Update("attached_at", now).Error
}

// releaseBlobs drops one reference per ref, never below zero. A blob listed
// twice was referenced twice by Put and loses two.
func releaseBlobs(tx *gorm.DB, refs []domain.AssetRef, now time.Time) error {
	for _, ref := range refs {
		if ref.BlobID == "" {
			continue
		}
		if err := tx.Model(&domain.ContentBlob{}).
			Where("id = ?", ref.BlobID).
			Updates(map[string]interface{}{
				"reference_count": gorm.Expr("CASE WHEN reference_count > 0 THEN reference_count - 1 ELSE 0 END"),
				"updated_at":      now,
			}).Error; err != nil {
			return err
		}
	}
	return nil
}
