package repository

import (
	"context"
	"errors"

	"github.com/timmy/catalogsync/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LockRepository persists lease rows. Every mutating method is a single
// conditional statement so that correctness does not depend on isolation
// level: insert-if-absent for acquisition, compare-and-replace keyed on the
// previous owner token for steals, renewals and releases.
type LockRepository struct {
	db *gorm.DB
}

// NewLockRepository creates a new LockRepository.
func NewLockRepository(db *gorm.DB) *LockRepository {
	return &LockRepository{db: db}
}

// InsertIfAbsent creates lock unless a row already exists for its resource key.
// Returns:
//   - bool: true when this call created the row.
//   - error: non-nil if the insert fails.
func (r *LockRepository) InsertIfAbsent(ctx context.Context, lock *domain.Lock) (bool, error) {
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(lock)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// Get returns the lock row for key, or nil when none exists.
func (r *LockRepository) Get(ctx context.Context, key string) (*domain.Lock, error) {
	var lock domain.Lock
	err := r.db.WithContext(ctx).First(&lock, "resource_key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &lock, nil
}

// Replace swaps the row owned by expectedOwner for next. When expiredBefore
// is non-zero the swap additionally requires the current lease to have
// expired before that instant (unix ms), so a concurrent renewal wins.
func (r *LockRepository) Replace(ctx context.Context, expectedOwner string, expiredBefore int64, next *domain.Lock) (bool, error) {
	q := r.db.WithContext(ctx).Model(&domain.Lock{}).
		Where("resource_key = ? AND owner_token = ?", next.ResourceKey, expectedOwner)
	if expiredBefore > 0 {
		q = q.Where("lease_expires_at < ?", expiredBefore)
	}
	result := q.Updates(map[string]interface{}{
		"owner_token":       next.OwnerToken,
		"acquired_at":       next.AcquiredAt,
		"lease_expires_at":  next.LeaseExpiresAt,
		"last_heartbeat_at": next.LastHeartbeatAt,
	})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// Extend pushes the lease expiry of a lock still owned by owner and not yet
// expired at now (unix ms).
func (r *LockRepository) Extend(ctx context.Context, key, owner string, now, expiresAt int64) (bool, error) {
	result := r.db.WithContext(ctx).Model(&domain.Lock{}).
		Where("resource_key = ? AND owner_token = ? AND lease_expires_at >= ?", key, owner, now).
		Updates(map[string]interface{}{
			"lease_expires_at":  expiresAt,
			"last_heartbeat_at": now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// DeleteOwned removes the lock for key only when owner still holds it.
func (r *LockRepository) DeleteOwned(ctx context.Context, key, owner string) (bool, error) {
	result := r.db.WithContext(ctx).
		Where("resource_key = ? AND owner_token = ?", key, owner).
		Delete(&domain.Lock{})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// List returns every lock row ordered by resource key.
func (r *LockRepository) List(ctx context.Context) ([]domain.Lock, error) {
	var locks []domain.Lock
	if err := r.db.WithContext(ctx).Order("resource_key").Find(&locks).Error; err != nil {
		return nil, err
	}
	return locks, nil
}
