// Package manifest reads a catalog export from disk: a JSON Lines manifest
// plus a directory of asset files.
package manifest

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/timmy/catalogsync/internal/logger"
	"github.com/timmy/catalogsync/internal/source"
	"github.com/timmy/catalogsync/internal/syncerr"
)

const (
	// ManifestFileName is the JSONL manifest file name in an export.
	ManifestFileName = "manifest.jsonl"
	// AssetsDir is the directory name for exported asset files.
	AssetsDir = "assets"
)

// Entry is one line of manifest.jsonl.
type Entry struct {
	ID         string                 `json:"id"`
	Key        string                 `json:"key"`
	Kind       string                 `json:"kind"`
	Title      string                 `json:"title"`
	Attributes map[string]interface{} `json:"attributes"`
	Assets     []string               `json:"assets"`
	UpdatedAt  *time.Time             `json:"updated_at"`
}

// Adapter implements source.Client for an export directory.
type Adapter struct {
	basePath string
	name     string

	once    sync.Once
	loadErr error
	entries []Entry
	byID    map[string]*Entry
}

// NewAdapter creates an adapter reading basePath/manifest.jsonl.
func NewAdapter(basePath, name string) *Adapter {
	if name == "" {
		name = filepath.Base(basePath)
	}
	return &Adapter{basePath: basePath, name: name}
}

// GetSourceID returns the unique identifier for this source.
func (a *Adapter) GetSourceID() string {
	return "manifest:" + a.name
}

// FetchPage returns the entries after cursor, an index into the manifest
// sorted by id.
func (a *Adapter) FetchPage(ctx context.Context, cursor string, pageSize int) (*source.Page, error) {
	if err := a.load(ctx); err != nil {
		return nil, err
	}
	if pageSize <= 0 {
		return nil, syncerr.Invalid("page_size", "must be positive")
	}

	start := 0
	if cursor != "" {
		var err error
		start, err = strconv.Atoi(cursor)
		if err != nil || start < 0 {
			return nil, syncerr.Fatal("fetch page", fmt.Errorf("invalid cursor %q", cursor))
		}
	}
	if start >= len(a.entries) {
		return &source.Page{}, nil
	}

	end := start + pageSize
	if end > len(a.entries) {
		end = len(a.entries)
	}

	page := &source.Page{Items: make([]source.Item, 0, end-start)}
	for _, e := range a.entries[start:end] {
		key := e.Key
		if key == "" {
			key = e.ID
		}
		page.Items = append(page.Items, source.Item{
			OriginID:   e.ID,
			NaturalKey: key,
			Kind:       e.Kind,
			Title:      e.Title,
			Attributes: e.Attributes,
			UpdatedAt:  e.UpdatedAt,
		})
	}
	if end < len(a.entries) {
		page.NextCursor = strconv.Itoa(end)
	}
	return page, nil
}

// FetchAssets lists the asset files of originID in manifest order.
func (a *Adapter) FetchAssets(ctx context.Context, originID string) ([]source.Asset, error) {
	if err := a.load(ctx); err != nil {
		return nil, err
	}
	e, ok := a.byID[originID]
	if !ok {
		return nil, syncerr.NotFound("fetch assets", fmt.Errorf("unknown origin %q", originID))
	}

	assets := make([]source.Asset, 0, len(e.Assets))
	for i, name := range e.Assets {
		path, err := a.assetPath(name)
		if err != nil {
			return nil, err
		}
		assets = append(assets, source.Asset{
			OrderIndex: i,
			Open: func(context.Context) (io.ReadCloser, error) {
				f, err := os.Open(path)
				if errors.Is(err, fs.ErrNotExist) {
					return nil, syncerr.NotFound("open asset", err)
				}
				if err != nil {
					return nil, syncerr.Fatal("open asset", err)
				}
				return f, nil
			},
		})
	}
	return assets, nil
}

func (a *Adapter) assetPath(name string) (string, error) {
	clean := filepath.Clean("/" + name)
	if clean == "/" {
		return "", syncerr.Invalid("asset", "empty file name")
	}
	return filepath.Join(a.basePath, AssetsDir, clean), nil
}

func (a *Adapter) load(ctx context.Context) error {
	a.once.Do(func() {
		a.loadErr = a.loadEntries(ctx)
	})
	return a.loadErr
}

// loadEntries reads every manifest line. Malformed lines and lines without
// an id are skipped with a warning.
func (a *Adapter) loadEntries(ctx context.Context) error {
	manifestPath := filepath.Join(a.basePath, ManifestFileName)
	file, err := os.Open(manifestPath)
	if err != nil {
		if os.IsNotExist(err) {
			return syncerr.Fatal("load manifest", fmt.Errorf("manifest file not found: %s", manifestPath))
		}
		return syncerr.Transient("load manifest", err)
	}
	defer file.Close()

	log := logger.FromContext(ctx).WithField(logger.FieldSource, a.GetSourceID())
	a.byID = make(map[string]*Entry)

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			log.WithField("line", lineNo).WithError(err).Warn("Skipping malformed manifest line")
			continue
		}
		if e.ID == "" {
			log.WithField("line", lineNo).Warn("Skipping manifest line without id")
			continue
		}
		if _, dup := a.byID[e.ID]; dup {
			log.WithFields(logger.Fields{"line": lineNo, "id": e.ID}).Warn("Duplicate manifest id, keeping the later line")
			for i := range a.entries {
				if a.entries[i].ID == e.ID {
					a.entries[i] = e
				}
			}
		} else {
			a.entries = append(a.entries, e)
		}
		a.byID[e.ID] = nil
	}
	if err := scanner.Err(); err != nil {
		return syncerr.Fatal("load manifest", fmt.Errorf("error reading manifest: %w", err))
	}

	// Ids give a stable order so cursors survive a restart.
	sort.Slice(a.entries, func(i, j int) bool {
		return a.entries[i].ID < a.entries[j].ID
	})
	for i := range a.entries {
		a.byID[a.entries[i].ID] = &a.entries[i]
	}

	log.WithField(logger.FieldCount, len(a.entries)).Info("Manifest loaded")
	return nil
}
