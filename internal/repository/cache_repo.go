package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/timmy/catalogsync/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CacheRepository is the durable cache backend: entries and their access
// metrics live in two tables keyed by cache key.
type CacheRepository struct {
	db *gorm.DB
}

// NewCacheRepository creates a new CacheRepository.
func NewCacheRepository(db *gorm.DB) *CacheRepository {
	return &CacheRepository{db: db}
}

// Load returns the entry for key, or nil when absent.
func (r *CacheRepository) Load(ctx context.Context, key string) (*domain.CacheEntry, error) {
	var entry domain.CacheEntry
	err := r.db.WithContext(ctx).First(&entry, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// Store upserts an entry.
func (r *CacheRepository) Store(ctx context.Context, entry *domain.CacheEntry) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "ttl_seconds", "created_at", "expires_at"}),
	}).Create(entry).Error
}

// Remove deletes entries and their metrics.
func (r *CacheRepository) Remove(ctx context.Context, keys []string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	var removed int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Where("key IN ?", keys).Delete(&domain.CacheEntry{})
		if result.Error != nil {
			return result.Error
		}
		removed = result.RowsAffected
		return tx.Where("key IN ?", keys).Delete(&domain.CacheMetric{}).Error
	})
	if err != nil {
		return 0, err
	}
	return int(removed), nil
}

// Keys returns entry keys matching a glob pattern where '*' matches any run
// of characters. The SQL LIKE is case-insensitive on sqlite, so the result
// may be a superset; callers match again.
func (r *CacheRepository) Keys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	if err := r.db.WithContext(ctx).Model(&domain.CacheEntry{}).
		Where(`key LIKE ? ESCAPE '\'`, globToLike(pattern)).
		Order("key").
		Pluck("key", &keys).Error; err != nil {
		return nil, err
	}
	return keys, nil
}

// Hit increments the access counter for key.
func (r *CacheRepository) Hit(ctx context.Context, key string, at time.Time) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "key"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"hits":             gorm.Expr("cache_metrics.hits + 1"),
			"last_accessed_at": at,
		}),
	}).Create(&domain.CacheMetric{Key: key, Hits: 1, LastAccessedAt: at}).Error
}

// Hits returns the access counters for keys. Keys without metrics are absent
// from the map.
func (r *CacheRepository) Hits(ctx context.Context, keys []string) (map[string]int64, error) {
	out := make(map[string]int64, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	var metrics []domain.CacheMetric
	if err := r.db.WithContext(ctx).Where("key IN ?", keys).Find(&metrics).Error; err != nil {
		return nil, err
	}
	for _, m := range metrics {
		out[m.Key] = m.Hits
	}
	return out, nil
}

// Decay halves every access counter and purges entries expired at now.
// Returns:
//   - int: number of counters that changed.
//   - int: number of expired entries removed.
//   - error: non-nil if either statement fails.
func (r *CacheRepository) Decay(ctx context.Context, now time.Time) (int, int, error) {
	var decayed, purged int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&domain.CacheMetric{}).
			Where("hits > 0").
			Update("hits", gorm.Expr("hits / 2"))
		if result.Error != nil {
			return result.Error
		}
		decayed = result.RowsAffected

		var expired []string
		if err := tx.Model(&domain.CacheEntry{}).
			Where("expires_at <= ?", now.UnixMilli()).
			Pluck("key", &expired).Error; err != nil {
			return err
		}
		if len(expired) == 0 {
			return nil
		}
		result = tx.Where("key IN ?", expired).Delete(&domain.CacheEntry{})
		if result.Error != nil {
			return result.Error
		}
		purged = result.RowsAffected
		return tx.Where("key IN ?", expired).Delete(&domain.CacheMetric{}).Error
	})
	if err != nil {
		return 0, 0, err
	}
	return int(decayed), int(purged), nil
}

func globToLike(pattern string) string {
	var b strings.Builder
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteByte('%')
		case '%', '_', '\\':
			b.WriteByte('\\')
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
