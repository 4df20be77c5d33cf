// Package cache is a TTL key/value cache that tracks how often each key is
// read. Bulk eviction skips keys read at least as often as a threshold, so
// lookups shared by every batch survive the cleanup between batches.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/timmy/catalogsync/internal/clock"
	"github.com/timmy/catalogsync/internal/domain"
	"github.com/timmy/catalogsync/internal/logger"
	"github.com/timmy/catalogsync/internal/syncerr"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultTTL       = time.Hour
	DefaultThreshold = FrequencyMedium

	maxPatternLen = 128
)

var patternRe = regexp.MustCompile(`^[A-Za-z0-9_:.*-]+$`)

// Backend stores entries and per-key hit counters.
type Backend interface {
	// Load returns the entry for key, or nil.
	Load(ctx context.Context, key string) (*domain.CacheEntry, error)
	Store(ctx context.Context, entry *domain.CacheEntry) error
	// Remove deletes entries together with their counters.
	Remove(ctx context.Context, keys []string) (int, error)
	// Keys lists keys matching a '*' glob. It may return a superset.
	Keys(ctx context.Context, pattern string) ([]string, error)
	Hit(ctx context.Context, key string, at time.Time) error
	// Hits returns counters for keys; keys without a counter are omitted.
	Hits(ctx context.Context, keys []string) (map[string]int64, error)
	// Decay halves all counters and drops entries expired at now.
	Decay(ctx context.Context, now time.Time) (decayed int, purged int, err error)
}

// Observer receives cache outcomes, typically for metrics.
type Observer interface {
	CacheLookup(hit bool)
	CacheEvicted(cleared, preserved int)
}

type nopObserver struct{}

func (nopObserver) CacheLookup(bool)      {}
func (nopObserver) CacheEvicted(int, int) {}

// Config configures a Cache.
type Config struct {
	// DefaultTTL applies to keys whose class has no entry in TTL.
	DefaultTTL time.Duration
	// TTL maps a resource class (the key prefix before the first ':') to
	// its TTL.
	TTL map[string]time.Duration
	// Threshold is the level name at or above which Evict preserves keys.
	// Empty means medium.
	Threshold string
	Clock     clock.Clock
	Observer  Observer
}

// Cache is safe for concurrent use. Set and Evict are serialized so an
// eviction never removes a value written while it ran.
type Cache struct {
	backend   Backend
	cfg       Config
	threshold Frequency

	mu    sync.RWMutex
	loads singleflight.Group
}

// New creates a Cache over backend.
func New(backend Backend, cfg Config) (*Cache, error) {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultTTL
	}
	threshold := DefaultThreshold
	if cfg.Threshold != "" {
		var err error
		if threshold, err = ParseFrequency(cfg.Threshold); err != nil {
			return nil, fmt.Errorf("cache: eviction threshold: %w", err)
		}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	return &Cache{backend: backend, cfg: cfg, threshold: threshold}, nil
}

func (c *Cache) log(ctx context.Context) *logger.Logger {
	return logger.FromContext(ctx).WithComponent("cache")
}

// TTLFor returns the TTL of key's resource class.
func (c *Cache) TTLFor(key string) time.Duration {
	class, _, found := strings.Cut(key, ":")
	if found {
		if ttl, ok := c.cfg.TTL[class]; ok && ttl > 0 {
			return ttl
		}
	}
	return c.cfg.DefaultTTL
}

// Get returns the value for key. A hit increments the key's counter.
// Backend failures are logged and reported as misses.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	entry, err := c.backend.Load(ctx, key)
	if err != nil {
		c.log(ctx).WithField("key", key).WithError(err).Warn("Cache load failed")
		c.cfg.Observer.CacheLookup(false)
		return nil, false
	}
	now := c.cfg.Clock.Now()
	if entry == nil || entry.Expired(now) {
		c.cfg.Observer.CacheLookup(false)
		return nil, false
	}
	if err := c.backend.Hit(ctx, key, now); err != nil {
		c.log(ctx).WithField("key", key).WithError(err).Warn("Cache hit counter update failed")
	}
	c.cfg.Observer.CacheLookup(true)
	return entry.Value, true
}

// Set stores value under key. ttl <= 0 uses the key's class TTL.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return fmt.Errorf("cache: empty key")
	}
	if ttl <= 0 {
		ttl = c.TTLFor(key)
	}
	now := c.cfg.Clock.Now()

	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.backend.Store(ctx, &domain.CacheEntry{
		Key:        key,
		Value:      value,
		TTLSeconds: int64(ttl / time.Second),
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl).UnixMilli(),
	})
}

// Delete removes keys regardless of frequency.
func (c *Cache) Delete(ctx context.Context, keys ...string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.backend.Remove(ctx, keys)
}

// Frequency returns the access level of key. Keys without a counter are
// never accessed.
func (c *Cache) Frequency(ctx context.Context, key string) (Frequency, error) {
	hits, err := c.backend.Hits(ctx, []string{key})
	if err != nil {
		return FrequencyNever, err
	}
	return FrequencyOf(hits[key]), nil
}

// Tier classifies key against the configured threshold.
func (c *Cache) Tier(ctx context.Context, key string) (Tier, error) {
	f, err := c.Frequency(ctx, key)
	if err != nil {
		return TierCold, err
	}
	return TierOf(f, c.threshold), nil
}

// EvictOptions tunes Evict.
type EvictOptions struct {
	// PreserveHot skips keys at or above Threshold.
	PreserveHot bool
	// Threshold is a level name; empty means the configured threshold.
	Threshold string
}

// EvictResult counts the outcome of an Evict call.
type EvictResult struct {
	Cleared   int `json:"cleared"`
	Preserved int `json:"preserved"`
}

// Evict deletes keys matching pattern, where '*' matches any run of
// characters. Invalid patterns or thresholds make Evict a no-op returning a
// zero result.
func (c *Cache) Evict(ctx context.Context, pattern string, opts EvictOptions) EvictResult {
	matcher, err := compilePattern(pattern)
	if err != nil {
		c.log(ctx).WithField("pattern", pattern).WithError(err).Warn("Evict rejected")
		return EvictResult{}
	}
	threshold := c.threshold
	if opts.Threshold != "" {
		if threshold, err = ParseFrequency(opts.Threshold); err != nil {
			err = syncerr.Invalid("threshold", err.Error())
			c.log(ctx).WithField("threshold", opts.Threshold).WithError(err).Warn("Evict rejected")
			return EvictResult{}
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	candidates, err := c.backend.Keys(ctx, pattern)
	if err != nil {
		c.log(ctx).WithError(err).Error("Evict key scan failed")
		return EvictResult{}
	}
	keys := candidates[:0]
	for _, k := range candidates {
		if matcher.MatchString(k) {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return EvictResult{}
	}

	var result EvictResult
	victims := keys
	if opts.PreserveHot {
		hits, err := c.backend.Hits(ctx, keys)
		if err != nil {
			c.log(ctx).WithError(err).Error("Evict metric lookup failed")
			return EvictResult{}
		}
		victims = make([]string, 0, len(keys))
		for _, k := range keys {
			if FrequencyOf(hits[k]) >= threshold {
				result.Preserved++
				continue
			}
			victims = append(victims, k)
		}
	}

	cleared, err := c.backend.Remove(ctx, victims)
	if err != nil {
		c.log(ctx).WithError(err).Error("Evict delete failed")
		return EvictResult{Preserved: result.Preserved}
	}
	result.Cleared = cleared

	c.log(ctx).WithFields(logger.Fields{
		"pattern":   pattern,
		"threshold": threshold.String(),
		"cleared":   result.Cleared,
		"preserved": result.Preserved,
	}).Debug("Cache evicted")
	c.cfg.Observer.CacheEvicted(result.Cleared, result.Preserved)
	return result
}

// DecayResult counts the outcome of a Decay sweep.
type DecayResult struct {
	Decayed int `json:"decayed"`
	Purged  int `json:"purged"`
}

// Decay halves every hit counter, moving stale hot keys toward cold, and
// drops expired entries.
func (c *Cache) Decay(ctx context.Context) (DecayResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	decayed, purged, err := c.backend.Decay(ctx, c.cfg.Clock.Now())
	if err != nil {
		return DecayResult{}, fmt.Errorf("cache decay: %w", err)
	}
	c.log(ctx).WithFields(logger.Fields{
		"decayed": decayed,
		"purged":  purged,
	}).Info("Cache decay finished")
	return DecayResult{Decayed: decayed, Purged: purged}, nil
}

// GetOrLoad returns the cached value for key or calls load once across all
// concurrent callers and caches its result. load runs detached from the
// cancellation of whichever caller started it; a caller whose ctx ends stops
// waiting, the others still get the value.
func (c *Cache) GetOrLoad(ctx context.Context, key string, ttl time.Duration, load func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	if v, ok := c.Get(ctx, key); ok {
		return v, nil
	}
	loadCtx := context.WithoutCancel(ctx)
	ch := c.loads.DoChan(key, func() (interface{}, error) {
		value, err := load(loadCtx)
		if err != nil {
			return nil, err
		}
		if err := c.Set(loadCtx, key, value, ttl); err != nil {
			c.log(loadCtx).WithField("key", key).WithError(err).Warn("Cache fill failed")
		}
		return value, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	}
}

// GetJSON decodes the cached value for key into a T.
func GetJSON[T any](ctx context.Context, c *Cache, key string) (T, bool) {
	var v T
	raw, ok := c.Get(ctx, key)
	if !ok {
		return v, false
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		c.log(ctx).WithField("key", key).WithError(err).Warn("Cached value is not valid JSON")
		return v, false
	}
	return v, true
}

// SetJSON encodes v and stores it under key.
func SetJSON[T any](ctx context.Context, c *Cache, key string, v T, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("cache: encode %s: %w", key, err)
	}
	return c.Set(ctx, key, raw, ttl)
}

// compilePattern validates a glob pattern and returns an anchored matcher.
func compilePattern(pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, syncerr.Invalid("pattern", "empty")
	}
	if len(pattern) > maxPatternLen {
		return nil, syncerr.Invalid("pattern", fmt.Sprintf("longer than %d characters", maxPatternLen))
	}
	if !patternRe.MatchString(pattern) {
		return nil, syncerr.Invalid("pattern", "characters outside [A-Za-z0-9_:.*-]")
	}
	expr := strings.ReplaceAll(regexp.QuoteMeta(pattern), `\*`, ".*")
	return regexp.Compile("^" + expr + "$")
}
