package cache

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/catalogsync/internal/clock"
	"github.com/timmy/catalogsync/internal/repository"
	"github.com/timmy/catalogsync/internal/testutil"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type recorder struct {
	hits, misses       int
	cleared, preserved int
}

func (r *recorder) CacheLookup(hit bool) {
	if hit {
		r.hits++
	} else {
		r.misses++
	}
}

func (r *recorder) CacheEvicted(cleared, preserved int) {
	r.cleared += cleared
	r.preserved += preserved
}

// backends runs fn against the in-memory and the database backend.
func backends(t *testing.T, fn func(t *testing.T, c *Cache, clk *clock.Fake)) {
	t.Helper()
	for name, mk := range map[string]func(t *testing.T) Backend{
		"memory": func(*testing.T) Backend { return NewMemoryBackend() },
		"db":     func(t *testing.T) Backend { return repository.NewCacheRepository(testutil.OpenDB(t)) },
	} {
		t.Run(name, func(t *testing.T) {
			clk := clock.NewFake(t0)
			c, err := New(mk(t), Config{
				DefaultTTL: time.Hour,
				TTL: map[string]time.Duration{
					"stock":    2 * time.Minute,
					"taxonomy": 24 * time.Hour,
				},
				Clock: clk,
			})
			require.NoError(t, err)
			fn(t, c, clk)
		})
	}
}

func hit(t *testing.T, c *Cache, key string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, ok := c.Get(context.Background(), key)
		require.True(t, ok, "expected hit for %s", key)
	}
}

func TestCache_GetSetAndExpiry(t *testing.T) {
	backends(t, func(t *testing.T, c *Cache, clk *clock.Fake) {
		ctx := context.Background()

		_, ok := c.Get(ctx, "stock:sku-1")
		assert.False(t, ok)

		require.NoError(t, c.Set(ctx, "stock:sku-1", []byte("7"), 0))
		v, ok := c.Get(ctx, "stock:sku-1")
		require.True(t, ok)
		assert.Equal(t, "7", string(v))

		clk.Advance(2 * time.Minute)
		_, ok = c.Get(ctx, "stock:sku-1")
		assert.False(t, ok, "stock entries live two minutes")

		require.NoError(t, c.Set(ctx, "taxonomy:tree", []byte("t"), 0))
		clk.Advance(23 * time.Hour)
		_, ok = c.Get(ctx, "taxonomy:tree")
		assert.True(t, ok)

		assert.Error(t, c.Set(ctx, "", []byte("x"), 0))
	})
}

func TestCache_TTLFor(t *testing.T) {
	c, err := New(NewMemoryBackend(), Config{
		DefaultTTL: 30 * time.Minute,
		TTL:        map[string]time.Duration{"price": 10 * time.Minute},
	})
	require.NoError(t, err)

	assert.Equal(t, 10*time.Minute, c.TTLFor("price:sku-1"))
	assert.Equal(t, 30*time.Minute, c.TTLFor("category:42"))
	assert.Equal(t, 30*time.Minute, c.TTLFor("price"), "a key without a class separator uses the default")
}

func TestCache_EvictPreservesHotKeys(t *testing.T) {
	backends(t, func(t *testing.T, c *Cache, _ *clock.Fake) {
		ctx := context.Background()
		for _, k := range []string{"category:hot", "category:warm", "category:cold", "stock:1"} {
			require.NoError(t, c.Set(ctx, k, []byte(k), 0))
		}
		hit(t, c, "category:hot", 50)  // high
		hit(t, c, "category:warm", 20) // medium
		hit(t, c, "category:cold", 4)  // very_low

		f, err := c.Frequency(ctx, "category:hot")
		require.NoError(t, err)
		assert.Equal(t, FrequencyHigh, f)
		tier, err := c.Tier(ctx, "category:cold")
		require.NoError(t, err)
		assert.Equal(t, TierCold, tier)

		res := c.Evict(ctx, "category:*", EvictOptions{PreserveHot: true})
		assert.Equal(t, EvictResult{Cleared: 1, Preserved: 2}, res)

		_, ok := c.Get(ctx, "category:hot")
		assert.True(t, ok)
		_, ok = c.Get(ctx, "category:cold")
		assert.False(t, ok)
		_, ok = c.Get(ctx, "stock:1")
		assert.True(t, ok, "keys outside the pattern are untouched")
	})
}

func TestCache_EvictThresholdOverride(t *testing.T) {
	backends(t, func(t *testing.T, c *Cache, _ *clock.Fake) {
		ctx := context.Background()
		require.NoError(t, c.Set(ctx, "category:warm", []byte("w"), 0))
		hit(t, c, "category:warm", 20)

		res := c.Evict(ctx, "category:*", EvictOptions{PreserveHot: true, Threshold: "high"})
		assert.Equal(t, EvictResult{Cleared: 1}, res)
	})
}

func TestCache_EvictAbsentMetricsMeansNever(t *testing.T) {
	backends(t, func(t *testing.T, c *Cache, _ *clock.Fake) {
		ctx := context.Background()
		require.NoError(t, c.Set(ctx, "count:products", []byte("10"), 0))

		res := c.Evict(ctx, "count:products", EvictOptions{PreserveHot: true, Threshold: "very_low"})
		assert.Equal(t, EvictResult{Cleared: 1}, res)
	})
}

func TestCache_EvictWithoutPreservation(t *testing.T) {
	backends(t, func(t *testing.T, c *Cache, _ *clock.Fake) {
		ctx := context.Background()
		require.NoError(t, c.Set(ctx, "category:hot", []byte("h"), 0))
		hit(t, c, "category:hot", 100)

		res := c.Evict(ctx, "*", EvictOptions{})
		assert.Equal(t, EvictResult{Cleared: 1}, res)
	})
}

func TestCache_EvictInvalidInputIsNoop(t *testing.T) {
	backends(t, func(t *testing.T, c *Cache, _ *clock.Fake) {
		ctx := context.Background()
		require.NoError(t, c.Set(ctx, "stock:1", []byte("1"), 0))

		for _, tc := range []struct {
			name, pattern, threshold string
		}{
			{"empty pattern", "", ""},
			{"space", "stock *", ""},
			{"sql wildcard", "stock%", ""},
			{"quote", "stock'--", ""},
			{"too long", strings.Repeat("a", 129), ""},
			{"bad threshold", "stock:*", "lukewarm"},
		} {
			t.Run(tc.name, func(t *testing.T) {
				res := c.Evict(ctx, tc.pattern, EvictOptions{PreserveHot: true, Threshold: tc.threshold})
				assert.Equal(t, EvictResult{}, res)
			})
		}

		_, ok := c.Get(ctx, "stock:1")
		assert.True(t, ok)
	})
}

func TestCache_DecayCoolsStaleKeys(t *testing.T) {
	backends(t, func(t *testing.T, c *Cache, clk *clock.Fake) {
		ctx := context.Background()
		require.NoError(t, c.Set(ctx, "category:tree", []byte("t"), 0))
		require.NoError(t, c.Set(ctx, "stock:1", []byte("1"), 0))
		hit(t, c, "category:tree", 40)

		clk.Advance(3 * time.Minute)
		res, err := c.Decay(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Decayed)
		assert.Equal(t, 1, res.Purged, "expired stock entry is purged")

		f, err := c.Frequency(ctx, "category:tree")
		require.NoError(t, err)
		assert.Equal(t, FrequencyMedium, f)

		_, err = c.Decay(ctx)
		require.NoError(t, err)
		f, err = c.Frequency(ctx, "category:tree")
		require.NoError(t, err)
		assert.Equal(t, FrequencyLow, f)

		res2 := c.Evict(ctx, "category:*", EvictOptions{PreserveHot: true})
		assert.Equal(t, EvictResult{Cleared: 1}, res2)
	})
}

func TestCache_GetOrLoad(t *testing.T) {
	ctx := context.Background()
	c, err := New(NewMemoryBackend(), Config{})
	require.NoError(t, err)

	var calls atomic.Int32
	load := func(context.Context) ([]byte, error) {
		calls.Add(1)
		time.Sleep(10 * time.Millisecond)
		return []byte("loaded"), nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := c.GetOrLoad(ctx, "count:products", 0, load)
			assert.NoError(t, err)
			assert.Equal(t, "loaded", string(v))
		}()
	}
	wg.Wait()
	first := calls.Load()
	assert.GreaterOrEqual(t, first, int32(1))

	_, err = c.GetOrLoad(ctx, "count:products", 0, load)
	require.NoError(t, err)
	assert.Equal(t, first, calls.Load(), "served from cache")
}

func TestCache_GetOrLoadSurvivesFirstCallerCancel(t *testing.T) {
	c, err := New(NewMemoryBackend(), Config{})
	require.NoError(t, err)

	var once sync.Once
	started := make(chan struct{})
	release := make(chan struct{})
	load := func(ctx context.Context) ([]byte, error) {
		once.Do(func() { close(started) })
		<-release
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return []byte("42"), nil
	}

	firstCtx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := c.GetOrLoad(firstCtx, "count:images", 0, load)
		firstErr <- err
	}()
	<-started

	waiter := make(chan []byte, 1)
	go func() {
		v, err := c.GetOrLoad(context.Background(), "count:images", 0, load)
		assert.NoError(t, err)
		waiter <- v
	}()

	cancel()
	assert.ErrorIs(t, <-firstErr, context.Canceled)
	close(release)

	assert.Equal(t, "42", string(<-waiter))
	v, ok := c.Get(context.Background(), "count:images")
	require.True(t, ok, "the detached load still fills the cache")
	assert.Equal(t, "42", string(v))
}

func TestCache_JSONHelpers(t *testing.T) {
	ctx := context.Background()
	obs := &recorder{}
	c, err := New(NewMemoryBackend(), Config{Observer: obs})
	require.NoError(t, err)

	type mapping struct {
		Source string `json:"source"`
		Target int    `json:"target"`
	}
	require.NoError(t, SetJSON(ctx, c, "category:7", mapping{Source: "chairs", Target: 12}, 0))

	got, ok := GetJSON[mapping](ctx, c, "category:7")
	require.True(t, ok)
	assert.Equal(t, mapping{Source: "chairs", Target: 12}, got)

	require.NoError(t, c.Set(ctx, "category:8", []byte("{broken"), 0))
	_, ok = GetJSON[mapping](ctx, c, "category:8")
	assert.False(t, ok)

	_, ok = GetJSON[mapping](ctx, c, "category:9")
	assert.False(t, ok)
	assert.Equal(t, 2, obs.hits)
	assert.Equal(t, 1, obs.misses)
}

func TestNew_RejectsUnknownThreshold(t *testing.T) {
	_, err := New(NewMemoryBackend(), Config{Threshold: "tepid"})
	assert.Error(t, err)
}

func TestFrequencyOf(t *testing.T) {
	tests := []struct {
		hits int64
		want Frequency
	}{
		{-1, FrequencyNever},
		{0, FrequencyNever},
		{1, FrequencyVeryLow},
		{4, FrequencyVeryLow},
		{5, FrequencyLow},
		{19, FrequencyLow},
		{20, FrequencyMedium},
		{49, FrequencyMedium},
		{50, FrequencyHigh},
		{99, FrequencyHigh},
		{100, FrequencyVeryHigh},
		{1 << 40, FrequencyVeryHigh},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FrequencyOf(tt.hits), "hits=%d", tt.hits)
	}

	for f := FrequencyNever; f <= FrequencyVeryHigh; f++ {
		parsed, err := ParseFrequency(f.String())
		require.NoError(t, err)
		assert.Equal(t, f, parsed)
		assert.Equal(t, f, FrequencyOf(f.MinHits()))
	}
	assert.True(t, FrequencyHigh > FrequencyMedium)
	assert.Equal(t, TierHot, TierOf(FrequencyHigh, FrequencyMedium))
}
