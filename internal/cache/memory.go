package cache

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/timmy/catalogsync/internal/domain"
)

// MemoryBackend keeps entries in process memory.
type MemoryBackend struct {
	mu      sync.Mutex
	entries map[string]domain.CacheEntry
	hits    map[string]int64
}

// NewMemoryBackend returns an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		entries: make(map[string]domain.CacheEntry),
		hits:    make(map[string]int64),
	}
}

func (m *MemoryBackend) Load(_ context.Context, key string) (*domain.CacheEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, nil
	}
	e.Value = append([]byte(nil), e.Value...)
	return &e, nil
}

func (m *MemoryBackend) Store(_ context.Context, entry *domain.CacheEntry) error {
	e := *entry
	e.Value = append([]byte(nil), entry.Value...)
	m.mu.Lock()
	m.entries[e.Key] = e
	m.mu.Unlock()
	return nil
}

func (m *MemoryBackend) Remove(_ context.Context, keys []string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, k := range keys {
		if _, ok := m.entries[k]; ok {
			delete(m.entries, k)
			n++
		}
		delete(m.hits, k)
	}
	return n, nil
}

func (m *MemoryBackend) Keys(_ context.Context, pattern string) ([]string, error) {
	re, err := regexp.Compile("^" + strings.ReplaceAll(regexp.QuoteMeta(pattern), `\*`, ".*") + "$")
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.entries {
		if re.MatchString(k) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryBackend) Hit(_ context.Context, key string, _ time.Time) error {
	m.mu.Lock()
	m.hits[key]++
	m.mu.Unlock()
	return nil
}

func (m *MemoryBackend) Hits(_ context.Context, keys []string) (map[string]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int64, len(keys))
	for _, k := range keys {
		if h, ok := m.hits[k]; ok {
			out[k] = h
		}
	}
	return out, nil
}

func (m *MemoryBackend) Decay(_ context.Context, now time.Time) (int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	decayed := 0
	for k, h := range m.hits {
		if h > 0 {
			m.hits[k] = h / 2
			decayed++
		}
	}
	purged := 0
	for k, e := range m.entries {
		if e.Expired(now) {
			delete(m.entries, k)
			delete(m.hits, k)
			purged++
		}
	}
	return decayed, purged, nil
}
