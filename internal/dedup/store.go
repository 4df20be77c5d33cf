// Package dedup stores binary assets by content digest. Identical bytes
// submitted again for the same origin record only add a reference, and a
// digest shared across origins is uploaded to object storage once.
package dedup

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/timmy/catalogsync/internal/clock"
	"github.com/timmy/catalogsync/internal/domain"
	"github.com/timmy/catalogsync/internal/logger"
	"github.com/timmy/catalogsync/internal/retry"
	"github.com/timmy/catalogsync/internal/storage"
	"github.com/timmy/catalogsync/internal/syncerr"
)

const (
	DefaultChunkSize   = 64 * 1024
	DefaultKeyPrefix   = "blobs"
	DefaultOrphanGrace = 72 * time.Hour

	sweepBatch = 500
)

// Encoding is how payloads arrive on the reader passed to Put.
type Encoding string

const (
	EncodingRaw    Encoding = "raw"
	EncodingBase64 Encoding = "base64"
)

// ParseEncoding maps a config value to an Encoding. Empty means raw.
func ParseEncoding(s string) (Encoding, error) {
	switch Encoding(strings.ToLower(strings.TrimSpace(s))) {
	case "", EncodingRaw:
		return EncodingRaw, nil
	case EncodingBase64:
		return EncodingBase64, nil
	default:
		return "", syncerr.Invalid("payload_encoding", fmt.Sprintf("unknown encoding %q", s))
	}
}

// Repository persists (origin, hash) mappings.
type Repository interface {
	FindByOriginHash(ctx context.Context, originID, hash string) (*domain.ContentBlob, error)
	AddReference(ctx context.Context, id string, orderIndex int, now time.Time) (*domain.ContentBlob, error)
	InsertOrReference(ctx context.Context, blob *domain.ContentBlob) (*domain.ContentBlob, bool, error)
	ListByOrigin(ctx context.Context, originID string) ([]domain.ContentBlob, error)
	ReleaseReference(ctx context.Context, originID, hash string, now time.Time) (bool, error)
	ListOrphans(ctx context.Context, cutoff time.Time, limit int) ([]domain.ContentBlob, error)
	DeleteIfOrphan(ctx context.Context, id string, cutoff time.Time) (bool, error)
	CountByHash(ctx context.Context, hash string) (int64, error)
}

// Observer receives dedup outcomes, typically for metrics.
type Observer interface {
	BlobStored(size int64)
	BlobDeduplicated()
	OrphansSwept(rows, objects int)
}

type nopObserver struct{}

func (nopObserver) BlobStored(int64)      {}
func (nopObserver) BlobDeduplicated()     {}
func (nopObserver) OrphansSwept(int, int) {}

// Config configures a Store.
type Config struct {
	// ChunkSize is the copy buffer used while spooling payloads.
	ChunkSize int
	Encoding  Encoding
	// MaxSize rejects decoded payloads larger than this. Zero means no limit.
	MaxSize int64
	// SpoolDir holds temporary payload files. Empty means os.TempDir.
	SpoolDir    string
	KeyPrefix   string
	OrphanGrace time.Duration
	Clock       clock.Clock
	// Policy retries object storage uploads.
	Policy   retry.Policy
	Observer Observer
}

// StoredRef describes a stored asset as seen by one origin.
type StoredRef struct {
	BlobID         string `json:"blob_id"`
	OriginID       string `json:"origin_id"`
	ContentHash    string `json:"content_hash"`
	StorageKey     string `json:"storage_key"`
	URL            string `json:"url"`
	OrderIndex     int    `json:"order_index"`
	Size           int64  `json:"size"`
	ContentType    string `json:"content_type"`
	Width          int    `json:"width,omitempty"`
	Height         int    `json:"height,omitempty"`
	ReferenceCount int64  `json:"reference_count"`
	// Duplicate is set when Put found an existing mapping for the origin.
	Duplicate bool `json:"duplicate"`
}

// AssetRef returns the lightweight form stored on catalog records.
func (r StoredRef) AssetRef() domain.AssetRef {
	return domain.AssetRef{
		BlobID:      r.BlobID,
		ContentHash: r.ContentHash,
		OrderIndex:  r.OrderIndex,
		URL:         r.URL,
	}
}

// Store is safe for concurrent use.
type Store struct {
	repo    Repository
	storage storage.ObjectStorage
	cfg     Config
	hashes  *keyLock
}

// NewStore creates a Store. Zero config fields take defaults.
func NewStore(repo Repository, objects storage.ObjectStorage, cfg Config) *Store {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.Encoding == "" {
		cfg.Encoding = EncodingRaw
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultKeyPrefix
	}
	if cfg.OrphanGrace <= 0 {
		cfg.OrphanGrace = DefaultOrphanGrace
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	return &Store{
		repo:    repo,
		storage: objects,
		cfg:     cfg,
		hashes:  newKeyLock(),
	}
}

func (s *Store) log(ctx context.Context) *logger.Logger {
	return logger.FromContext(ctx).WithComponent("dedup")
}

// StorageKey returns the object key for a digest and image format.
func (s *Store) StorageKey(hash, format string) string {
	key := fmt.Sprintf("%s/%s/%s", s.cfg.KeyPrefix, hash[:2], hash)
	if format != "" {
		key += "." + format
	}
	return key
}

// Put stores the payload read from r as the asset at orderIndex of originID.
// Payloads already stored for the origin only gain a reference.
func (s *Store) Put(ctx context.Context, originID string, orderIndex int, r io.Reader) (*StoredRef, error) {
	if originID == "" {
		return nil, syncerr.Invalid("origin_id", "must not be empty")
	}

	spool, err := s.spool(r)
	if err != nil {
		return nil, err
	}
	defer spool.cleanup()

	unlock := s.hashes.Lock(spool.hash)
	defer unlock()

	log := s.log(ctx).WithFields(logger.Fields{
		"origin_id":    originID,
		"content_hash": spool.hash,
		"order_index":  orderIndex,
	})
	now := s.cfg.Clock.Now()

	existing, err := s.repo.FindByOriginHash(ctx, originID, spool.hash)
	if err != nil {
		return nil, fmt.Errorf("dedup lookup: %w", err)
	}
	if existing != nil {
		blob, err := s.repo.AddReference(ctx, existing.ID, orderIndex, now)
		if err != nil {
			return nil, fmt.Errorf("dedup add reference: %w", err)
		}
		log.WithField("reference_count", blob.ReferenceCount).Debug("Duplicate payload, reference added")
		s.cfg.Observer.BlobDeduplicated()
		return toRef(blob, true), nil
	}

	meta := spool.probe()
	key := s.StorageKey(spool.hash, meta.Format)

	uploaded, err := s.ensureObject(ctx, key, spool, meta.ContentType)
	if err != nil {
		return nil, err
	}

	blob := &domain.ContentBlob{
		ID:             uuid.New().String(),
		ContentHash:    spool.hash,
		OriginID:       originID,
		OrderIndex:     orderIndex,
		StorageKey:     key,
		StorageURL:     s.storage.GetURL(key),
		Size:           spool.size,
		ContentType:    meta.ContentType,
		Width:          meta.Width,
		Height:         meta.Height,
		ReferenceCount: 1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	stored, created, err := s.repo.InsertOrReference(ctx, blob)
	if err != nil {
		if uploaded {
			s.rollbackObject(ctx, spool.hash, key)
		}
		return nil, fmt.Errorf("dedup insert mapping: %w", err)
	}

	if !created {
		log.Debug("Mapping created concurrently, reference added")
		s.cfg.Observer.BlobDeduplicated()
		return toRef(stored, true), nil
	}

	log.WithFields(logger.Fields{
		logger.FieldSize: spool.size,
		"storage_key":    key,
		"uploaded":       uploaded,
	}).Info("Blob stored")
	if uploaded {
		s.cfg.Observer.BlobStored(spool.size)
	}
	return toRef(stored, false), nil
}

// PutBytes is Put for an in-memory payload.
func (s *Store) PutBytes(ctx context.Context, originID string, orderIndex int, payload []byte) (*StoredRef, error) {
	return s.Put(ctx, originID, orderIndex, bytes.NewReader(payload))
}

// ensureObject uploads the spooled payload unless an object with the same
// key is already stored. It reports whether this call wrote the object.
func (s *Store) ensureObject(ctx context.Context, key string, sp *spoolFile, contentType string) (bool, error) {
	exists, err := s.storage.Exists(ctx, key)
	if err != nil {
		return false, fmt.Errorf("dedup check object %s: %w", key, err)
	}
	if exists {
		s.log(ctx).WithField("storage_key", key).Debug("Object already in storage, skipping upload")
		return false, nil
	}

	err = s.cfg.Policy.Do(ctx, "dedup.upload", func(ctx context.Context) error {
		if _, err := sp.file.Seek(0, io.SeekStart); err != nil {
			return syncerr.Fatal("dedup.upload", err)
		}
		return s.storage.Upload(ctx, key, sp.file, sp.size, contentType)
	})
	if err != nil {
		return false, fmt.Errorf("dedup upload %s: %w", key, err)
	}
	return true, nil
}

// rollbackObject removes an object uploaded by a Put whose mapping insert
// failed, unless another mapping now references the digest.
func (s *Store) rollbackObject(ctx context.Context, hash, key string) {
	count, err := s.repo.CountByHash(ctx, hash)
	if err != nil || count > 0 {
		return
	}
	if err := s.storage.Delete(ctx, key); err != nil {
		s.log(ctx).WithField("storage_key", key).WithError(err).Warn("Failed to roll back uploaded object")
	}
}

// Resolve returns the live assets of an origin ordered by order index, one
// per index. When several digests share an index the most recently
// referenced one wins.
func (s *Store) Resolve(ctx context.Context, originID string) ([]StoredRef, error) {
	blobs, err := s.repo.ListByOrigin(ctx, originID)
	if err != nil {
		return nil, fmt.Errorf("dedup resolve %s: %w", originID, err)
	}
	refs := make([]StoredRef, 0, len(blobs))
	seen := make(map[int]struct{}, len(blobs))
	for i := range blobs {
		b := &blobs[i]
		if b.ReferenceCount <= 0 {
			continue
		}
		if _, dup := seen[b.OrderIndex]; dup {
			continue
		}
		seen[b.OrderIndex] = struct{}{}
		refs = append(refs, *toRef(b, false))
	}
	return refs, nil
}

// Release drops one reference held by originID on hash. The count never goes
// below zero. It returns false when no such mapping exists.
func (s *Store) Release(ctx context.Context, originID, hash string) (bool, error) {
	unlock := s.hashes.Lock(hash)
	defer unlock()

	ok, err := s.repo.ReleaseReference(ctx, originID, hash, s.cfg.Clock.Now())
	if err != nil {
		return false, fmt.Errorf("dedup release: %w", err)
	}
	return ok, nil
}

// SweepResult counts the outcome of SweepOrphans.
type SweepResult struct {
	Scanned        int `json:"scanned"`
	DeletedRows    int `json:"deleted_rows"`
	DeletedObjects int `json:"deleted_objects"`
	Failed         int `json:"failed"`
}

// SweepOrphans deletes orphaned mappings and removes their objects once no
// mapping shares the digest. A mapping is orphaned when its references were
// released before the grace window (zero means the configured grace), or when
// no committed record attached it and nothing touched it within the window.
// Failures on single blobs are logged and skipped.
func (s *Store) SweepOrphans(ctx context.Context, grace time.Duration) (SweepResult, error) {
	if grace <= 0 {
		grace = s.cfg.OrphanGrace
	}
	cutoff := s.cfg.Clock.Now().Add(-grace)

	var result SweepResult
	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		batch, err := s.repo.ListOrphans(ctx, cutoff, sweepBatch)
		if err != nil {
			return result, fmt.Errorf("dedup list orphans: %w", err)
		}
		result.Scanned += len(batch)

		progressed := false
		for i := range batch {
			deleted, removedObject := s.sweepOne(ctx, &batch[i], cutoff, &result)
			if deleted {
				progressed = true
				result.DeletedRows++
			}
			if removedObject {
				result.DeletedObjects++
			}
		}
		if len(batch) < sweepBatch || !progressed {
			break
		}
	}

	s.log(ctx).WithFields(logger.Fields{
		"scanned":         result.Scanned,
		"deleted_rows":    result.DeletedRows,
		"deleted_objects": result.DeletedObjects,
		"failed":          result.Failed,
	}).Info("Orphan sweep finished")
	s.cfg.Observer.OrphansSwept(result.DeletedRows, result.DeletedObjects)
	return result, nil
}

func (s *Store) sweepOne(ctx context.Context, blob *domain.ContentBlob, cutoff time.Time, result *SweepResult) (deleted, removedObject bool) {
	unlock := s.hashes.Lock(blob.ContentHash)
	defer unlock()

	log := s.log(ctx).WithFields(logger.Fields{
		"blob_id":      blob.ID,
		"content_hash": blob.ContentHash,
	})

	ok, err := s.repo.DeleteIfOrphan(ctx, blob.ID, cutoff)
	if err != nil {
		log.WithError(err).Warn("Failed to delete orphan mapping")
		result.Failed++
		return false, false
	}
	if !ok {
		// Referenced or attached since it was listed.
		return false, false
	}

	remaining, err := s.repo.CountByHash(ctx, blob.ContentHash)
	if err != nil {
		log.WithError(err).Warn("Failed to count mappings sharing digest")
		result.Failed++
		return true, false
	}
	if remaining > 0 {
		return true, false
	}
	if err := s.storage.Delete(ctx, blob.StorageKey); err != nil {
		log.WithField("storage_key", blob.StorageKey).WithError(err).Warn("Failed to delete orphan object")
		result.Failed++
		return true, false
	}
	return true, true
}

func toRef(b *domain.ContentBlob, duplicate bool) *StoredRef {
	return &StoredRef{
		BlobID:         b.ID,
		OriginID:       b.OriginID,
		ContentHash:    b.ContentHash,
		StorageKey:     b.StorageKey,
		URL:            b.StorageURL,
		OrderIndex:     b.OrderIndex,
		Size:           b.Size,
		ContentType:    b.ContentType,
		Width:          b.Width,
		Height:         b.Height,
		ReferenceCount: b.ReferenceCount,
		Duplicate:      duplicate,
	}
}

// spoolFile is a decoded payload written to a temporary file.
type spoolFile struct {
	file *os.File
	hash string
	size int64
}

// readerOnly hides io.WriterTo so io.CopyBuffer uses the chunk buffer.
type readerOnly struct{ io.Reader }

// spool decodes r into a temporary file while hashing it.
func (s *Store) spool(r io.Reader) (*spoolFile, error) {
	src := r
	if s.cfg.Encoding == EncodingBase64 {
		src = base64.NewDecoder(base64.StdEncoding, r)
	}
	if s.cfg.MaxSize > 0 {
		src = io.LimitReader(src, s.cfg.MaxSize+1)
	}

	f, err := os.CreateTemp(s.cfg.SpoolDir, "dedup-*")
	if err != nil {
		return nil, fmt.Errorf("dedup spool: %w", err)
	}
	sp := &spoolFile{file: f}

	h := sha256.New()
	buf := make([]byte, s.cfg.ChunkSize)
	n, err := io.CopyBuffer(io.MultiWriter(f, h), readerOnly{src}, buf)
	if err != nil {
		sp.cleanup()
		var corrupt base64.CorruptInputError
		if errors.As(err, &corrupt) {
			return nil, syncerr.Invalid("payload", err.Error())
		}
		return nil, fmt.Errorf("dedup spool: %w", err)
	}
	if n == 0 {
		sp.cleanup()
		return nil, syncerr.Invalid("payload", "empty")
	}
	if s.cfg.MaxSize > 0 && n > s.cfg.MaxSize {
		sp.cleanup()
		return nil, syncerr.Invalid("payload", fmt.Sprintf("larger than %d bytes", s.cfg.MaxSize))
	}

	sp.size = n
	sp.hash = hex.EncodeToString(h.Sum(nil))
	return sp, nil
}

func (sp *spoolFile) probe() Metadata {
	if _, err := sp.file.Seek(0, io.SeekStart); err != nil {
		return Metadata{ContentType: "application/octet-stream"}
	}
	return probeMetadata(sp.file)
}

func (sp *spoolFile) cleanup() {
	name := sp.file.Name()
	_ = sp.file.Close()
	_ = os.Remove(name)
}
