package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/catalogsync/internal/retry"
)

func fastRedelivery(attempts int) retry.Policy {
	return retry.Policy{
		Base:        time.Millisecond,
		Cap:         5 * time.Millisecond,
		MaxAttempts: attempts,
		Rand:        func() float64 { return 0 },
	}
}

type recorder struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]int
	done  chan string
}

func newRecorder() *recorder {
	return &recorder{fail: map[string]int{}, done: make(chan string, 64)}
}

func (r *recorder) handle(_ context.Context, jobID string) error {
	r.mu.Lock()
	r.calls = append(r.calls, jobID)
	fail := r.fail[jobID] > 0
	if fail {
		r.fail[jobID]--
	}
	r.mu.Unlock()
	r.done <- jobID
	if fail {
		return errors.New("handler failed")
	}
	return nil
}

func (r *recorder) count(jobID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c == jobID {
			n++
		}
	}
	return n
}

func waitCalls(t *testing.T, r *recorder, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-r.done:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for call %d of %d", i+1, n)
		}
	}
}

func TestLocal_DeliversDeferredCall(t *testing.T) {
	ctx := context.Background()
	rec := newRecorder()
	l := NewLocal(LocalConfig{Redelivery: fastRedelivery(3)})

	require.NoError(t, l.DeferCall(ctx, "job-1", time.Now()))
	assert.True(t, l.Pending("job-1"))

	l.Start(ctx, rec.handle)
	waitCalls(t, rec, 1)
	require.NoError(t, l.Stop(ctx))
	assert.Equal(t, 1, rec.count("job-1"))
}

func TestLocal_RedeliversOnError(t *testing.T) {
	ctx := context.Background()
	rec := newRecorder()
	rec.fail["job-1"] = 2
	l := NewLocal(LocalConfig{Redelivery: fastRedelivery(5)})
	l.Start(ctx, rec.handle)

	require.NoError(t, l.DeferCall(ctx, "job-1", time.Now()))
	waitCalls(t, rec, 3)

	require.Eventually(t, func() bool { return !l.Pending("job-1") }, time.Second, time.Millisecond)
	require.NoError(t, l.Stop(ctx))
	assert.Equal(t, 3, rec.count("job-1"))
}

func TestLocal_DropsAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	rec := newRecorder()
	rec.fail["job-1"] = 100
	l := NewLocal(LocalConfig{Redelivery: fastRedelivery(2)})
	l.Start(ctx, rec.handle)

	require.NoError(t, l.DeferCall(ctx, "job-1", time.Now()))
	waitCalls(t, rec, 2)
	require.Eventually(t, func() bool { return !l.Pending("job-1") }, time.Second, time.Millisecond)
	require.NoError(t, l.Stop(ctx))
	assert.Equal(t, 2, rec.count("job-1"))
}

func TestLocal_CoalescesPendingCalls(t *testing.T) {
	ctx := context.Background()
	rec := newRecorder()
	l := NewLocal(LocalConfig{})

	at := time.Now().Add(20 * time.Millisecond)
	require.NoError(t, l.DeferCall(ctx, "job-1", at))
	require.NoError(t, l.DeferCall(ctx, "job-1", at.Add(time.Hour)))
	require.NoError(t, l.DeferCall(ctx, "job-1", at))

	l.Start(ctx, rec.handle)
	waitCalls(t, rec, 1)
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, l.Stop(ctx))
	assert.Equal(t, 1, rec.count("job-1"))
}

func TestLocal_CallsForOneJobNeverOverlap(t *testing.T) {
	ctx := context.Background()
	l := NewLocal(LocalConfig{})

	var (
		inside  atomic.Int32
		overlap atomic.Bool
		runs    atomic.Int32
		done    = make(chan struct{})
	)
	l.Start(ctx, func(ctx context.Context, jobID string) error {
		if inside.Add(1) > 1 {
			overlap.Store(true)
		}
		defer inside.Add(-1)
		n := runs.Add(1)
		if n < 3 {
			// A continuation deferred from inside the handler runs after it returns.
			assert.NoError(t, l.DeferCall(ctx, jobID, time.Now()))
			time.Sleep(5 * time.Millisecond)
		} else {
			close(done)
		}
		return nil
	})

	require.NoError(t, l.DeferCall(ctx, "job-1", time.Now()))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("continuations were not delivered")
	}
	require.NoError(t, l.Stop(ctx))
	assert.False(t, overlap.Load())
	assert.Equal(t, int32(3), runs.Load())
}

func TestLocal_StopCancelsQueuedCalls(t *testing.T) {
	ctx := context.Background()
	rec := newRecorder()
	l := NewLocal(LocalConfig{})
	l.Start(ctx, rec.handle)

	require.NoError(t, l.DeferCall(ctx, "job-1", time.Now().Add(time.Hour)))
	require.NoError(t, l.Stop(ctx))
	assert.ErrorIs(t, l.DeferCall(ctx, "job-2", time.Now()), ErrStopped)
	assert.Equal(t, 0, rec.count("job-1"))
}

func TestCron_RunsAndReplacesTasks(t *testing.T) {
	ctx := context.Background()
	c := NewCron(ctx)

	var runs atomic.Int32
	require.NoError(t, c.Add("products", "@every 1h", func(context.Context) error { return nil }))
	require.NoError(t, c.Add("products", "@every 10ms", func(context.Context) error {
		runs.Add(1)
		return errors.New("busy")
	}))
	assert.Equal(t, []string{"products"}, c.Names())

	c.Start()
	require.Eventually(t, func() bool { return runs.Load() >= 1 }, 3*time.Second, 5*time.Millisecond)
	require.NoError(t, c.Stop(ctx))
}

func TestValidateSpec(t *testing.T) {
	tests := []struct {
		spec    string
		wantErr bool
	}{
		{"*/15 * * * *", false},
		{"0 3 * * *", false},
		{"@hourly", false},
		{"@every 10m", false},
		{"* * * * * *", true},
		{"nonsense", true},
	}
	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			err := ValidateSpec(tt.spec)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}

	assert.Error(t, NewCron(context.Background()).Add("x", "bad", func(context.Context) error { return nil }))
}
