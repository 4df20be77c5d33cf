package dedup

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/catalogsync/internal/catalog"
	"github.com/timmy/catalogsync/internal/clock"
	"github.com/timmy/catalogsync/internal/domain"
	"github.com/timmy/catalogsync/internal/repository"
	"github.com/timmy/catalogsync/internal/retry"
	"github.com/timmy/catalogsync/internal/storage"
	"github.com/timmy/catalogsync/internal/syncerr"
	"github.com/timmy/catalogsync/internal/testutil"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type countingStorage struct {
	storage.ObjectStorage
	uploads    atomic.Int32
	deletes    atomic.Int32
	failUpload atomic.Int32
}

func (c *countingStorage) Upload(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	if c.failUpload.Load() > 0 {
		c.failUpload.Add(-1)
		return errors.New("connection reset by peer")
	}
	c.uploads.Add(1)
	return c.ObjectStorage.Upload(ctx, key, r, size, contentType)
}

func (c *countingStorage) Delete(ctx context.Context, key string) error {
	c.deletes.Add(1)
	return c.ObjectStorage.Delete(ctx, key)
}

type fixture struct {
	store   *Store
	repo    *repository.BlobRepository
	catalog *repository.CatalogRepository
	objects *countingStorage
	clk     *clock.Fake
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	local, err := storage.NewLocalStorage(t.TempDir(), "https://cdn.example.com")
	require.NoError(t, err)

	db := testutil.OpenDB(t)
	f := &fixture{
		repo:    repository.NewBlobRepository(db),
		catalog: repository.NewCatalogRepository(db, 0),
		objects: &countingStorage{ObjectStorage: local},
		clk:     clock.NewFake(t0),
	}
	cfg := Config{
		ChunkSize: 128,
		SpoolDir:  t.TempDir(),
		Clock:     f.clk,
		Policy: retry.Policy{
			Base:        time.Second,
			Cap:         time.Minute,
			MaxAttempts: 3,
			Clock:       f.clk,
			Rand:        func() float64 { return 0 },
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	f.store = NewStore(f.repo, f.objects, cfg)
	return f
}

// attach commits a catalog record pointing at refs, the way a finished batch
// does.
func (f *fixture) attach(t *testing.T, key string, refs ...*StoredRef) {
	t.Helper()
	rec := catalog.Record{NaturalKey: key, Kind: domain.EntityImages}
	for _, ref := range refs {
		rec.AssetRefs = append(rec.AssetRefs, ref.AssetRef())
	}
	_, err := f.catalog.UpsertRecord(context.Background(), rec)
	require.NoError(t, err)
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestPut_Origin42SecondPutIsDeduplicated(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	payload := bytes.Repeat([]byte{0xAB}, 500)

	first, err := f.store.PutBytes(ctx, "42", 0, payload)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)
	assert.Equal(t, int64(500), first.Size)
	assert.Equal(t, int64(1), first.ReferenceCount)

	second, err := f.store.PutBytes(ctx, "42", 0, payload)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.BlobID, second.BlobID)
	assert.Equal(t, first.StorageKey, second.StorageKey)
	assert.Equal(t, first.URL, second.URL)
	assert.Equal(t, int64(2), second.ReferenceCount)

	assert.Equal(t, int32(1), f.objects.uploads.Load())
}

func TestPut_NIdenticalPutsKeepOneBlob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	payload := []byte(strings.Repeat("same bytes ", 100))

	const n = 6
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.store.PutBytes(ctx, "sku-1", 0, payload)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	refs, err := f.store.Resolve(ctx, "sku-1")
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, int64(n), refs[0].ReferenceCount)
	assert.Equal(t, int32(1), f.objects.uploads.Load())
}

func TestPut_SharedDigestUploadsOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	payload := []byte("logo shared by two products")

	a, err := f.store.PutBytes(ctx, "sku-1", 0, payload)
	require.NoError(t, err)
	b, err := f.store.PutBytes(ctx, "sku-2", 0, payload)
	require.NoError(t, err)

	assert.NotEqual(t, a.BlobID, b.BlobID, "each origin gets its own mapping")
	assert.Equal(t, a.StorageKey, b.StorageKey)
	assert.False(t, b.Duplicate)
	assert.Equal(t, int32(1), f.objects.uploads.Load())
}

func TestPut_StorageKeyAndMetadata(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	ref, err := f.store.PutBytes(ctx, "img-1", 0, pngBytes(t, 7, 3))
	require.NoError(t, err)

	assert.Equal(t, "image/png", ref.ContentType)
	assert.Equal(t, 7, ref.Width)
	assert.Equal(t, 3, ref.Height)
	assert.Len(t, ref.ContentHash, 64)
	assert.Equal(t, "blobs/"+ref.ContentHash[:2]+"/"+ref.ContentHash+".png", ref.StorageKey)
	assert.Equal(t, "https://cdn.example.com/"+ref.StorageKey, ref.URL)

	text, err := f.store.PutBytes(ctx, "img-1", 1, []byte("plain text body"))
	require.NoError(t, err)
	assert.Equal(t, "text/plain; charset=utf-8", text.ContentType)
	assert.Equal(t, "blobs/"+text.ContentHash[:2]+"/"+text.ContentHash, text.StorageKey)
}

func TestPut_Base64PayloadIsDecodedBeforeHashing(t *testing.T) {
	ctx := context.Background()
	raw := newFixture(t, nil)
	encoded := newFixture(t, func(c *Config) { c.Encoding = EncodingBase64 })
	payload := bytes.Repeat([]byte("0123456789"), 50)

	want, err := raw.store.PutBytes(ctx, "a", 0, payload)
	require.NoError(t, err)

	got, err := encoded.store.Put(ctx, "a", 0, strings.NewReader(base64.StdEncoding.EncodeToString(payload)))
	require.NoError(t, err)
	assert.Equal(t, want.ContentHash, got.ContentHash)
	assert.Equal(t, int64(500), got.Size)

	_, err = encoded.store.Put(ctx, "a", 1, strings.NewReader("not base64!"))
	assert.True(t, syncerr.IsValidation(err))
}

func TestPut_RejectsInvalidInput(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(c *Config) { c.MaxSize = 10 })

	_, err := f.store.PutBytes(ctx, "", 0, []byte("x"))
	assert.True(t, syncerr.IsValidation(err))

	_, err = f.store.PutBytes(ctx, "a", 0, nil)
	assert.True(t, syncerr.IsValidation(err))

	_, err = f.store.PutBytes(ctx, "a", 0, bytes.Repeat([]byte("x"), 11))
	assert.True(t, syncerr.IsValidation(err))

	assert.Equal(t, int32(0), f.objects.uploads.Load())
}

func TestPut_UploadIsRetried(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.objects.failUpload.Store(2)

	ref, err := f.store.PutBytes(ctx, "a", 0, []byte("flaky network"))
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, f.clk.Sleeps())

	rc, err := f.objects.Download(ctx, ref.StorageKey)
	require.NoError(t, err)
	defer rc.Close()
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "flaky network", string(body), "each attempt rereads the spool from the start")
}

func TestResolve_OrderedOnePerIndex(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	_, err := f.store.PutBytes(ctx, "sku", 2, []byte("third"))
	require.NoError(t, err)
	_, err = f.store.PutBytes(ctx, "sku", 0, []byte("primary"))
	require.NoError(t, err)
	f.clk.Advance(time.Second)
	_, err = f.store.PutBytes(ctx, "sku", 1, []byte("second, old"))
	require.NoError(t, err)
	f.clk.Advance(time.Second)
	newer, err := f.store.PutBytes(ctx, "sku", 1, []byte("second, new"))
	require.NoError(t, err)

	refs, err := f.store.Resolve(ctx, "sku")
	require.NoError(t, err)
	require.Len(t, refs, 3)
	assert.Equal(t, []int{0, 1, 2}, []int{refs[0].OrderIndex, refs[1].OrderIndex, refs[2].OrderIndex})
	assert.Equal(t, newer.BlobID, refs[1].BlobID)

	none, err := f.store.Resolve(ctx, "unknown")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRelease_FloorsAtZeroAndHidesFromResolve(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	ref, err := f.store.PutBytes(ctx, "sku", 0, []byte("payload"))
	require.NoError(t, err)

	ok, err := f.store.Release(ctx, "sku", ref.ContentHash)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = f.store.Release(ctx, "sku", ref.ContentHash)
	require.NoError(t, err)
	assert.True(t, ok)

	blob, err := f.repo.FindByOriginHash(ctx, "sku", ref.ContentHash)
	require.NoError(t, err)
	assert.Equal(t, int64(0), blob.ReferenceCount)

	refs, err := f.store.Resolve(ctx, "sku")
	require.NoError(t, err)
	assert.Empty(t, refs)

	ok, err = f.store.Release(ctx, "other", ref.ContentHash)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSweepOrphans_RespectsGraceAndSharedDigests(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	shared := []byte("shared asset")
	lonely := []byte("only used once")

	a, err := f.store.PutBytes(ctx, "sku-1", 0, shared)
	require.NoError(t, err)
	b, err := f.store.PutBytes(ctx, "sku-2", 0, shared)
	require.NoError(t, err)
	f.attach(t, "sku-2", b)
	l, err := f.store.PutBytes(ctx, "sku-1", 1, lonely)
	require.NoError(t, err)

	_, err = f.store.Release(ctx, "sku-1", a.ContentHash)
	require.NoError(t, err)
	_, err = f.store.Release(ctx, "sku-1", l.ContentHash)
	require.NoError(t, err)

	// Inside the grace period nothing goes.
	f.clk.Advance(71 * time.Hour)
	res, err := f.store.SweepOrphans(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, res)

	f.clk.Advance(2 * time.Hour)
	res, err = f.store.SweepOrphans(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Scanned)
	assert.Equal(t, 2, res.DeletedRows)
	assert.Equal(t, 1, res.DeletedObjects, "the shared object is still used by sku-2")
	assert.Equal(t, 0, res.Failed)

	exists, err := f.objects.Exists(ctx, a.StorageKey)
	require.NoError(t, err)
	assert.True(t, exists)
	exists, err = f.objects.Exists(ctx, l.StorageKey)
	require.NoError(t, err)
	assert.False(t, exists)

	refs, err := f.store.Resolve(ctx, "sku-2")
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, a.ContentHash, refs[0].ContentHash)
}

func TestSweepOrphans_ReapsBlobsNoRecordAttached(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	kept, err := f.store.PutBytes(ctx, "img-1", 0, []byte("committed"))
	require.NoError(t, err)
	f.attach(t, "img-1", kept)
	stray, err := f.store.PutBytes(ctx, "img-2", 0, []byte("upload of a rolled back batch"))
	require.NoError(t, err)

	f.clk.Advance(DefaultOrphanGrace - time.Minute)
	res, err := f.store.SweepOrphans(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, res.DeletedRows, "unattached blobs get the grace window too")

	f.clk.Advance(2 * time.Minute)
	res, err = f.store.SweepOrphans(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.DeletedRows)
	assert.Equal(t, 1, res.DeletedObjects)

	gone, err := f.repo.FindByOriginHash(ctx, "img-2", stray.ContentHash)
	require.NoError(t, err)
	assert.Nil(t, gone)
	exists, err := f.objects.Exists(ctx, stray.StorageKey)
	require.NoError(t, err)
	assert.False(t, exists)

	exists, err = f.objects.Exists(ctx, kept.StorageKey)
	require.NoError(t, err)
	assert.True(t, exists)
	refs, err := f.store.Resolve(ctx, "img-1")
	require.NoError(t, err)
	assert.Len(t, refs, 1)
}

func TestSweepOrphans_SharedDigestKeepsObjectForSurvivor(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	payload := []byte("same bytes, two products")

	first, err := f.store.PutBytes(ctx, "sku-1", 0, payload)
	require.NoError(t, err)
	second, err := f.store.PutBytes(ctx, "sku-2", 0, payload)
	require.NoError(t, err)
	require.Equal(t, first.StorageKey, second.StorageKey)
	f.attach(t, "sku-1", first)
	f.attach(t, "sku-2", second)

	_, err = f.store.Release(ctx, "sku-1", first.ContentHash)
	require.NoError(t, err)

	f.clk.Advance(DefaultOrphanGrace + time.Hour)
	res, err := f.store.SweepOrphans(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.DeletedRows)
	assert.Zero(t, res.DeletedObjects)
	assert.Zero(t, f.objects.deletes.Load())

	exists, err := f.objects.Exists(ctx, second.StorageKey)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestSweepOrphans_ReuploadsAfterObjectWasCollected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	payload := []byte("comes back later")

	ref, err := f.store.PutBytes(ctx, "sku", 0, payload)
	require.NoError(t, err)
	_, err = f.store.Release(ctx, "sku", ref.ContentHash)
	require.NoError(t, err)

	f.clk.Advance(DefaultOrphanGrace + time.Minute)
	_, err = f.store.SweepOrphans(ctx, 0)
	require.NoError(t, err)

	again, err := f.store.PutBytes(ctx, "sku", 0, payload)
	require.NoError(t, err)
	assert.False(t, again.Duplicate)
	assert.Equal(t, int32(2), f.objects.uploads.Load())
}

func TestParseEncoding(t *testing.T) {
	tests := []struct {
		in      string
		want    Encoding
		wantErr bool
	}{
		{"", EncodingRaw, false},
		{"raw", EncodingRaw, false},
		{" Base64 ", EncodingBase64, false},
		{"gzip", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseEncoding(tt.in)
			if tt.wantErr {
				assert.True(t, syncerr.IsValidation(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestKeyLock_SerializesSameKey(t *testing.T) {
	k := newKeyLock()
	var (
		wg      sync.WaitGroup
		inside  atomic.Int32
		overlap atomic.Bool
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("h")
			if inside.Add(1) > 1 {
				overlap.Store(true)
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			unlock()
		}()
	}
	wg.Wait()
	assert.False(t, overlap.Load())
	assert.Empty(t, k.locks)
}
