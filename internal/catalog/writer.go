// Package catalog defines the destination side of a sync: records are
// upserted by natural key inside short, bounded units of work.
package catalog

import (
	"context"
	"fmt"
	"time"

	"github.com/timmy/catalogsync/internal/domain"
)

// Record is one destination record. Writing a record attaches the blobs its
// AssetRefs point at. When OwnsAssets is set the record also holds one
// reference on each of them, taken when the assets were stored; the
// references held by the version it replaces are released.
type Record struct {
	NaturalKey      string
	Kind            string
	Fields          map[string]interface{}
	AssetRefs       []domain.AssetRef
	OwnsAssets      bool
	SourceUpdatedAt *time.Time
}

// UnitOfWork writes records inside one transaction.
type UnitOfWork interface {
	// UpsertRecord creates or updates the record with rec.NaturalKey and
	// returns its destination ID. Repeated calls converge on the same row.
	UpsertRecord(ctx context.Context, rec Record) (string, error)
}

// Writer opens units of work. fn's writes commit together when it returns
// nil and roll back otherwise.
type Writer interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, uow UnitOfWork) error) error
}

// RecordError is a per-record rejection. The unit of work stays usable after
// one; any other error from UpsertRecord means the unit of work is broken.
type RecordError struct {
	NaturalKey string
	Err        error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("record %q rejected: %v", e.NaturalKey, e.Err)
}

func (e *RecordError) Unwrap() error { return e.Err }
