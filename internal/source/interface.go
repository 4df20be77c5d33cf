package source

import (
	"context"
	"io"
	"time"

	"github.com/timmy/catalogsync/internal/syncerr"
)

// Item is one record of a source page.
type Item struct {
	// OriginID identifies the record in the source system. Assets are
	// deduplicated per origin.
	OriginID string `json:"origin_id"`
	// NaturalKey is the destination upsert key.
	NaturalKey string                 `json:"natural_key"`
	Kind       string                 `json:"kind"`
	Title      string                 `json:"title,omitempty"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
	UpdatedAt  *time.Time             `json:"updated_at,omitempty"`
}

// Validate rejects items the engine cannot write.
func (it Item) Validate() error {
	if it.OriginID == "" {
		return syncerr.Invalid("origin_id", "must not be empty")
	}
	if it.NaturalKey == "" {
		return syncerr.Invalid("natural_key", "must not be empty")
	}
	return nil
}

// Page is one fetched page. An empty NextCursor means the source is exhausted.
type Page struct {
	Items      []Item
	NextCursor string
}

// Asset is one binary payload attached to an item.
type Asset struct {
	OrderIndex  int
	ContentType string
	// Open streams the payload. The caller closes the reader.
	Open func(ctx context.Context) (io.ReadCloser, error)
}

// Client reads records and their assets from an external system. Failures
// are *syncerr.TransientError or *syncerr.FatalError so retries can route
// on them.
type Client interface {
	// GetSourceID returns a stable identifier for this source.
	GetSourceID() string

	// FetchPage returns up to pageSize items after cursor. The empty cursor
	// is the start.
	FetchPage(ctx context.Context, cursor string, pageSize int) (*Page, error)

	// FetchAssets lists the assets of originID in order.
	FetchAssets(ctx context.Context, originID string) ([]Asset, error)
}
