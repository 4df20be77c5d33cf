package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/catalogsync/internal/catalog"
	"github.com/timmy/catalogsync/internal/domain"
	"github.com/timmy/catalogsync/internal/syncerr"
	"github.com/timmy/catalogsync/internal/testutil"
	"gorm.io/gorm"
)

func TestLockRepository_InsertIfAbsent(t *testing.T) {
	ctx := context.Background()
	repo := NewLockRepository(testutil.OpenDB(t))

	first := &domain.Lock{ResourceKey: "products", OwnerToken: "a", AcquiredAt: 1, LeaseExpiresAt: 100, LastHeartbeatAt: 1}
	ok, err := repo.InsertIfAbsent(ctx, first)
	require.NoError(t, err)
	assert.True(t, ok)

	second := &domain.Lock{ResourceKey: "products", OwnerToken: "b", AcquiredAt: 2, LeaseExpiresAt: 200, LastHeartbeatAt: 2}
	ok, err = repo.InsertIfAbsent(ctx, second)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := repo.Get(ctx, "products")
	require.NoError(t, err)
	assert.Equal(t, "a", got.OwnerToken)
}

func TestLockRepository_ReplaceRequiresExpiry(t *testing.T) {
	ctx := context.Background()
	repo := NewLockRepository(testutil.OpenDB(t))

	_, err := repo.InsertIfAbsent(ctx, &domain.Lock{ResourceKey: "images", OwnerToken: "a", LeaseExpiresAt: 1000})
	require.NoError(t, err)

	next := &domain.Lock{ResourceKey: "images", OwnerToken: "b", AcquiredAt: 500, LeaseExpiresAt: 1500}
	ok, err := repo.Replace(ctx, "a", 500, next)
	require.NoError(t, err)
	assert.False(t, ok, "lease still live at 500")

	ok, err = repo.Replace(ctx, "a", 1001, next)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.Replace(ctx, "a", 2000, &domain.Lock{ResourceKey: "images", OwnerToken: "c"})
	require.NoError(t, err)
	assert.False(t, ok, "stale expected owner")
}

func TestLockRepository_ExtendAndDelete(t *testing.T) {
	ctx := context.Background()
	repo := NewLockRepository(testutil.OpenDB(t))
	_, err := repo.InsertIfAbsent(ctx, &domain.Lock{ResourceKey: "k", OwnerToken: "a", LeaseExpiresAt: 1000})
	require.NoError(t, err)

	ok, err := repo.Extend(ctx, "k", "a", 900, 2000)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.Extend(ctx, "k", "a", 2500, 3000)
	require.NoError(t, err)
	assert.False(t, ok, "expired leases cannot be extended")

	ok, err = repo.DeleteOwned(ctx, "k", "b")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = repo.DeleteOwned(ctx, "k", "a")
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := repo.Get(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCheckpointRepository_UpsertOverwrites(t *testing.T) {
	ctx := context.Background()
	repo := NewCheckpointRepository(testutil.OpenDB(t))

	got, err := repo.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Nil(t, got)

	for i, cursor := range []string{"page-1", "page-2"} {
		cp := &domain.Checkpoint{JobID: "job-1", Cursor: cursor, Sequence: int64(i + 1)}
		require.NoError(t, repo.Upsert(ctx, cp))
	}

	got, err = repo.Get(ctx, "job-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "page-2", got.Cursor)
	assert.Equal(t, int64(2), got.Sequence)

	require.NoError(t, repo.Delete(ctx, "job-1"))
	require.NoError(t, repo.Delete(ctx, "job-1"))
	got, err = repo.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestJobRepository_TransitionAndCounters(t *testing.T) {
	ctx := context.Background()
	repo := NewJobRepository(testutil.OpenDB(t))

	job := &domain.SyncJob{ID: "j1", EntityKind: domain.EntityProducts, Status: domain.JobStatusPending, BatchSize: 2}
	require.NoError(t, repo.Create(ctx, job))

	ok, err := repo.Transition(ctx, "j1", []domain.JobStatus{domain.JobStatusRunning}, domain.JobStatusCompleted, nil)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = repo.Transition(ctx, "j1", []domain.JobStatus{domain.JobStatusPending}, domain.JobStatusRunning, nil)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, repo.RecordBatch(ctx, "j1", 2, 1, 0, "c1"))
	require.NoError(t, repo.RecordBatch(ctx, "j1", 2, 0, 1, "c2"))

	got, err := repo.GetByID(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), got.ProcessedCount)
	assert.Equal(t, int64(1), got.ErrorCount)
	assert.Equal(t, int64(1), got.DuplicateCount)
	assert.Equal(t, int64(5), got.TotalItems)
	assert.Equal(t, "c2", got.LastCheckpointCursor)

	active, err := repo.ActiveForKind(ctx, domain.EntityProducts)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, "j1", active.ID)

	require.NoError(t, repo.SetFlag(ctx, "j1", "cancel_requested", true))
	assert.Error(t, repo.SetFlag(ctx, "j1", "status", true))
	assert.True(t, errors.Is(repo.SetFlag(ctx, "missing", "pause_requested", true), gorm.ErrRecordNotFound))

	_, err = repo.GetByID(ctx, "missing")
	assert.True(t, errors.Is(err, gorm.ErrRecordNotFound))
}

func TestBlobRepository_InsertOrReference(t *testing.T) {
	ctx := context.Background()
	repo := NewBlobRepository(testutil.OpenDB(t))
	now := time.Now().UTC()

	first := &domain.ContentBlob{ID: "b1", OriginID: "42", ContentHash: "h", StorageKey: "blobs/h", ReferenceCount: 1, CreatedAt: now, UpdatedAt: now}
	stored, created, err := repo.InsertOrReference(ctx, first)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, int64(1), stored.ReferenceCount)

	racer := &domain.ContentBlob{ID: "b2", OriginID: "42", ContentHash: "h", OrderIndex: 3, StorageKey: "blobs/h", ReferenceCount: 1, CreatedAt: now, UpdatedAt: now}
	stored, created, err = repo.InsertOrReference(ctx, racer)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "b1", stored.ID)
	assert.Equal(t, int64(2), stored.ReferenceCount)
	assert.Equal(t, 3, stored.OrderIndex)

	stored, err = repo.AddReference(ctx, "b1", 0, now)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stored.ReferenceCount)

	count, err := repo.CountByHash(ctx, "h")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestBlobRepository_ReleaseAndOrphans(t *testing.T) {
	ctx := context.Background()
	repo := NewBlobRepository(testutil.OpenDB(t))
	now := time.Now().UTC()
	old := now.Add(-100 * time.Hour)

	_, _, err := repo.InsertOrReference(ctx, &domain.ContentBlob{ID: "old", OriginID: "1", ContentHash: "a", StorageKey: "k", ReferenceCount: 1, CreatedAt: old, UpdatedAt: old})
	require.NoError(t, err)
	_, _, err = repo.InsertOrReference(ctx, &domain.ContentBlob{ID: "new", OriginID: "2", ContentHash: "b", StorageKey: "k", ReferenceCount: 1, CreatedAt: now, UpdatedAt: now})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		ok, err := repo.ReleaseReference(ctx, "1", "a", now)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := repo.ReleaseReference(ctx, "2", "b", now)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := repo.FindByOriginHash(ctx, "1", "a")
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.ReferenceCount, "reference count floors at zero")

	orphans, err := repo.ListOrphans(ctx, now.Add(-72*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, "old", orphans[0].ID)

	deleted, err := repo.DeleteIfOrphan(ctx, "old", now.Add(-72*time.Hour))
	require.NoError(t, err)
	assert.True(t, deleted)

	missing, err := repo.FindByOriginHash(ctx, "1", "a")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestBlobRepository_ListByOriginOrdered(t *testing.T) {
	ctx := context.Background()
	repo := NewBlobRepository(testutil.OpenDB(t))
	now := time.Now().UTC()

	for i, hash := range []string{"c", "a", "b"} {
		_, _, err := repo.InsertOrReference(ctx, &domain.ContentBlob{
			ID: hash, OriginID: "o", ContentHash: hash, OrderIndex: 2 - i,
			StorageKey: "k", ReferenceCount: 1, CreatedAt: now, UpdatedAt: now,
		})
		require.NoError(t, err)
	}

	blobs, err := repo.ListByOrigin(ctx, "o")
	require.NoError(t, err)
	require.Len(t, blobs, 3)
	assert.Equal(t, []string{"b", "a", "c"}, []string{blobs[0].ID, blobs[1].ID, blobs[2].ID})
}

func TestCacheRepository_KeysHitsAndDecay(t *testing.T) {
	ctx := context.Background()
	repo := NewCacheRepository(testutil.OpenDB(t))
	now := time.Now()

	for _, key := range []string{"stock:1", "stock:2", "category:tree", "stock_x"} {
		require.NoError(t, repo.Store(ctx, &domain.CacheEntry{
			Key: key, Value: []byte("v"), TTLSeconds: 60, CreatedAt: now, ExpiresAt: now.Add(time.Minute).UnixMilli(),
		}))
	}
	require.NoError(t, repo.Store(ctx, &domain.CacheEntry{Key: "stale", ExpiresAt: now.Add(-time.Second).UnixMilli()}))

	keys, err := repo.Keys(ctx, "stock:*")
	require.NoError(t, err)
	assert.Equal(t, []string{"stock:1", "stock:2"}, keys)

	keys, err = repo.Keys(ctx, "stock_*")
	require.NoError(t, err)
	assert.Equal(t, []string{"stock_x"}, keys, "underscore is literal")

	for i := 0; i < 5; i++ {
		require.NoError(t, repo.Hit(ctx, "stock:1", now))
	}
	require.NoError(t, repo.Hit(ctx, "stale", now))

	hits, err := repo.Hits(ctx, []string{"stock:1", "stock:2"})
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"stock:1": 5}, hits)

	decayed, purged, err := repo.Decay(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 2, decayed)
	assert.Equal(t, 1, purged)

	hits, err = repo.Hits(ctx, []string{"stock:1", "stale"})
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"stock:1": 2}, hits)

	removed, err := repo.Remove(ctx, []string{"stock:1", "stock:2", "nope"})
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	entry, err := repo.Load(ctx, "stock:1")
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestCatalogRepository_UpsertIsIdempotent(t *testing.T) {
	ctx := context.Background()
	repo := NewCatalogRepository(testutil.OpenDB(t), time.Second)

	var firstID string
	for i := 0; i < 2; i++ {
		err := repo.WithinTx(ctx, func(ctx context.Context, uow catalog.UnitOfWork) error {
			id, err := uow.UpsertRecord(ctx, catalog.Record{
				NaturalKey: "sku-1",
				Kind:       domain.EntityProducts,
				Fields:     map[string]interface{}{"name": "Chair", "rev": i},
			})
			if err != nil {
				return err
			}
			if firstID == "" {
				firstID = id
			}
			assert.Equal(t, firstID, id)

			_, err = uow.UpsertRecord(ctx, catalog.Record{Kind: domain.EntityProducts})
			var rejected *catalog.RecordError
			assert.True(t, errors.As(err, &rejected), "missing natural key is rejected per item")
			assert.True(t, syncerr.IsValidation(err))
			return nil
		})
		require.NoError(t, err)
	}

	count, err := repo.Count(ctx, domain.EntityProducts)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	rec, err := repo.GetByNaturalKey(ctx, "sku-1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, rec.Fields["rev"])
}

func TestCatalogRepository_RollbackOnError(t *testing.T) {
	ctx := context.Background()
	repo := NewCatalogRepository(testutil.OpenDB(t), 0)

	boom := errors.New("boom")
	err := repo.WithinTx(ctx, func(ctx context.Context, uow catalog.UnitOfWork) error {
		if _, err := uow.UpsertRecord(ctx, catalog.Record{NaturalKey: "sku-9", Kind: "products"}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	rec, err := repo.GetByNaturalKey(ctx, "sku-9")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestCatalogRepository_AttachesAndReleasesOwnedAssets(t *testing.T) {
	ctx := context.Background()
	db := testutil.OpenDB(t)
	blobs := NewBlobRepository(db)
	repo := NewCatalogRepository(db, 0)
	now := time.Now().UTC()

	for _, id := range []string{"b1", "b2", "b3"} {
		_, _, err := blobs.InsertOrReference(ctx, &domain.ContentBlob{ID: id, OriginID: "7", ContentHash: id, StorageKey: "k/" + id, ReferenceCount: 1, CreatedAt: now, UpdatedAt: now})
		require.NoError(t, err)
	}
	ref := func(id string, idx int) domain.AssetRef {
		return domain.AssetRef{BlobID: id, ContentHash: id, OrderIndex: idx}
	}

	err := repo.WithinTx(ctx, func(ctx context.Context, uow catalog.UnitOfWork) error {
		_, err := uow.UpsertRecord(ctx, catalog.Record{NaturalKey: "img-7", Kind: domain.EntityImages, AssetRefs: []domain.AssetRef{ref("b1", 0), ref("b2", 1)}, OwnsAssets: true})
		return err
	})
	require.NoError(t, err)

	for _, id := range []string{"b1", "b2"} {
		got, err := blobs.FindByOriginHash(ctx, "7", id)
		require.NoError(t, err)
		assert.NotNil(t, got.AttachedAt, "%s attached by commit", id)
		assert.Equal(t, int64(1), got.ReferenceCount)
	}
	b3, err := blobs.FindByOriginHash(ctx, "7", "b3")
	require.NoError(t, err)
	assert.Nil(t, b3.AttachedAt)

	// The new version still holds b2 (Put took another reference) and drops b1.
	_, err = blobs.AddReference(ctx, "b2", 0, now)
	require.NoError(t, err)
	_, err = blobs.AddReference(ctx, "b3", 1, now)
	require.NoError(t, err)
	_, err = repo.UpsertRecord(ctx, catalog.Record{NaturalKey: "img-7", Kind: domain.EntityImages, AssetRefs: []domain.AssetRef{ref("b2", 0), ref("b3", 1)}, OwnsAssets: true})
	require.NoError(t, err)

	counts := map[string]int64{}
	for _, id := range []string{"b1", "b2", "b3"} {
		got, err := blobs.FindByOriginHash(ctx, "7", id)
		require.NoError(t, err)
		counts[id] = got.ReferenceCount
	}
	assert.Equal(t, map[string]int64{"b1": 0, "b2": 1, "b3": 2}, counts)

	// Products only attach what they point at; they never release.
	_, err = repo.UpsertRecord(ctx, catalog.Record{NaturalKey: "sku-7", Kind: domain.EntityProducts, AssetRefs: []domain.AssetRef{ref("b2", 0)}})
	require.NoError(t, err)
	_, err = repo.UpsertRecord(ctx, catalog.Record{NaturalKey: "sku-7", Kind: domain.EntityProducts})
	require.NoError(t, err)
	b2, err := blobs.FindByOriginHash(ctx, "7", "b2")
	require.NoError(t, err)
	assert.Equal(t, int64(1), b2.ReferenceCount)

	orphans, err := blobs.ListOrphans(ctx, now.Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, "b1", orphans[0].ID)
}
