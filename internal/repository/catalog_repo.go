package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/timmy/catalogsync/internal/catalog"
	"github.com/timmy/catalogsync/internal/domain"
	"github.com/timmy/catalogsync/internal/syncerr"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CatalogRepository is the bundled destination writer backed by the
// catalog_records table.
type CatalogRepository struct {
	db        *gorm.DB
	txTimeout time.Duration
}

// NewCatalogRepository creates a new CatalogRepository. A positive txTimeout
// bounds each unit of work.
func NewCatalogRepository(db *gorm.DB, txTimeout time.Duration) *CatalogRepository {
	return &CatalogRepository{db: db, txTimeout: txTimeout}
}

// WithinTx runs fn in one transaction.
func (r *CatalogRepository) WithinTx(ctx context.Context, fn func(ctx context.Context, uow catalog.UnitOfWork) error) error {
	if r.txTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.txTimeout)
		defer cancel()
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(ctx, &catalogTx{tx: tx})
	})
}

// UpsertRecord writes rec outside of any explicit unit of work.
func (r *CatalogRepository) UpsertRecord(ctx context.Context, rec catalog.Record) (string, error) {
	return upsertRecord(r.db.WithContext(ctx), rec)
}

// GetByNaturalKey returns the record for key, or nil.
func (r *CatalogRepository) GetByNaturalKey(ctx context.Context, key string) (*domain.CatalogRecord, error) {
	var rec domain.CatalogRecord
	err := r.db.WithContext(ctx).First(&rec, "natural_key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Count returns the number of records of a kind; empty kind counts all.
func (r *CatalogRepository) Count(ctx context.Context, kind string) (int64, error) {
	var count int64
	query := r.db.WithContext(ctx).Model(&domain.CatalogRecord{})
	if kind != "" {
		query = query.Where("kind = ?", kind)
	}
	if err := query.Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

type catalogTx struct {
	tx *gorm.DB
	n  int
}

// UpsertRecord isolates each record behind a savepoint so one rejected row
// does not poison the rest of the transaction.
func (c *catalogTx) UpsertRecord(ctx context.Context, rec catalog.Record) (string, error) {
	c.n++
	sp := fmt.Sprintf("rec_%d", c.n)
	tx := c.tx.WithContext(ctx)
	if err := tx.SavePoint(sp).Error; err != nil {
		return "", err
	}
	id, err := upsertRecord(tx, rec)
	if err != nil {
		if rbErr := tx.RollbackTo(sp).Error; rbErr != nil {
			return "", fmt.Errorf("rollback to savepoint: %w (after %v)", rbErr, err)
		}
		return "", &catalog.RecordError{NaturalKey: rec.NaturalKey, Err: err}
	}
	return id, nil
}

func upsertRecord(db *gorm.DB, rec catalog.Record) (string, error) {
	if rec.NaturalKey == "" {
		return "", syncerr.Invalid("natural_key", "is required")
	}

	var previous []domain.AssetRef
	if rec.OwnsAssets {
		var prev domain.CatalogRecord
		if err := db.Select("asset_refs").
			Where("natural_key = ?", rec.NaturalKey).
			Limit(1).
			Find(&prev).Error; err != nil {
			return "", fmt.Errorf("load previous asset refs of %s: %w", rec.NaturalKey, err)
		}
		previous = prev.AssetRefs
	}

	row := &domain.CatalogRecord{
		ID:              uuid.New().String(),
		NaturalKey:      rec.NaturalKey,
		Kind:            rec.Kind,
		Fields:          datatypes.JSONMap(rec.Fields),
		AssetRefs:       datatypes.NewJSONSlice(rec.AssetRefs),
		SourceUpdatedAt: rec.SourceUpdatedAt,
	}
	if err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "natural_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"kind", "fields", "asset_refs", "source_updated_at", "updated_at"}),
	}).Create(row).Error; err != nil {
		return "", fmt.Errorf("failed to upsert record %s: %w", rec.NaturalKey, err)
	}

	now := db.NowFunc()
	if err := attachBlobs(db, blobIDs(rec.AssetRefs), now); err != nil {
		return "", fmt.Errorf("attach assets of %s: %w", rec.NaturalKey, err)
	}
	if err := releaseBlobs(db, previous, now); err != nil {
		return "", fmt.Errorf("release replaced assets of %s: %w", rec.NaturalKey, err)
	}

	var ids []string
	if err := db.Model(&domain.CatalogRecord{}).
		Where("natural_key = ?", rec.NaturalKey).
		Pluck("id", &ids).Error; err != nil {
		return "", err
	}
	if len(ids) == 0 {
		return "", gorm.ErrRecordNotFound
	}
	return ids[0], nil
}

func blobIDs(refs []domain.AssetRef) []string {
	ids := make([]string, 0, len(refs))
	seen := make(map[string]struct{}, len(refs))
	for _, ref := range refs {
		if ref.BlobID == "" {
			continue
		}
		if _, dup := seen[ref.BlobID]; dup {
			continue
		}
		seen[ref.BlobID] = struct{}{}
		ids = append(ids, ref.BlobID)
	}
	return ids
}
