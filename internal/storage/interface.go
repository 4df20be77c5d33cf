package storage

import (
	"context"
	"io"
)

// ObjectStorage is the blob backend used by the dedup store. Keys are
// content-addressed, so writing the same key twice stores the same bytes.
type ObjectStorage interface {
	// Upload stores size bytes read from reader under key.
	Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error

	// Download opens the object stored under key.
	Download(ctx context.Context, key string) (io.ReadCloser, error)

	// GetURL returns the address clients fetch key from.
	GetURL(key string) string

	// Delete removes the object; deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Exists reports whether key is stored.
	Exists(ctx context.Context, key string) (bool, error)
}
