package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/timmy/catalogsync/internal/domain"
	"github.com/timmy/catalogsync/internal/logger"
)

// lostAfterFailures is how many consecutive renewal errors mark a lease lost.
const lostAfterFailures = 2

// Lease is a held lock. Callers must stop writing once Held reports false
// or Lost is closed.
type Lease struct {
	Key   string
	Token string

	m        *Manager
	duration time.Duration

	expiresAt atomic.Int64 // unix ms
	failures  int
	mu        sync.Mutex

	lost     chan struct{}
	lostOnce sync.Once

	stopOnce sync.Once
	stop     context.CancelFunc
	done     chan struct{}
}

func newLease(m *Manager, row *domain.Lock, duration time.Duration) *Lease {
	l := &Lease{
		Key:      row.ResourceKey,
		Token:    row.OwnerToken,
		m:        m,
		duration: duration,
		lost:     make(chan struct{}),
	}
	l.expiresAt.Store(row.LeaseExpiresAt)
	return l
}

// Lost is closed once the lease can no longer be proven held.
func (l *Lease) Lost() <-chan struct{} {
	return l.lost
}

// Held reports whether the lease is still ours: not marked lost and not past
// the last expiry this process successfully wrote.
func (l *Lease) Held() bool {
	select {
	case <-l.lost:
		return false
	default:
	}
	return l.m.cfg.Clock.Now().UnixMilli() <= l.expiresAt.Load()
}

// ExpiresAt returns the last known lease expiry.
func (l *Lease) ExpiresAt() time.Time {
	return time.UnixMilli(l.expiresAt.Load())
}

// Renew extends the lease once. A rejected renewal (the row is gone or owned
// by someone else) marks the lease lost at once; errors mark it lost after
// two in a row.
func (l *Lease) Renew(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.m.cfg.Clock.Now()
	ok, err := l.m.renew(ctx, l.Key, l.Token, l.duration)
	if err != nil {
		l.failures++
		logger.FromContext(ctx).WithFields(logger.Fields{
			logger.FieldResourceKey: l.Key,
			"failures":              l.failures,
		}).WithError(err).Warn("Lease renewal failed")
		if l.failures >= lostAfterFailures {
			l.markLost(ctx, "renewal failed repeatedly")
		}
		return err
	}
	if !ok {
		l.markLost(ctx, "lock no longer owned")
		return nil
	}
	l.failures = 0
	l.expiresAt.Store(now.Add(l.duration).UnixMilli())
	return nil
}

// StartRenewer renews the lease every lease/5 until Release or ctx ends.
// Calling it more than once has no effect.
func (l *Lease) StartRenewer(ctx context.Context) {
	l.stopOnce.Do(func() {
		ctx, l.stop = context.WithCancel(ctx)
		l.done = make(chan struct{})
		go l.renewLoop(ctx, l.m.renewInterval(l.duration))
	})
}

func (l *Lease) renewLoop(ctx context.Context, interval time.Duration) {
	defer close(l.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.lost:
			return
		case <-ticker.C:
			_ = l.Renew(ctx)
		}
	}
}

// Release stops the renewer and deletes the lock if still owned.
func (l *Lease) Release(ctx context.Context) (bool, error) {
	l.stopRenewer()
	l.markLostQuiet()
	return l.m.Release(ctx, l.Key, l.Token)
}

func (l *Lease) stopRenewer() {
	l.stopOnce.Do(func() {})
	if l.stop != nil {
		l.stop()
		<-l.done
	}
}

func (l *Lease) markLost(ctx context.Context, reason string) {
	l.lostOnce.Do(func() {
		logger.FromContext(ctx).WithFields(logger.Fields{
			logger.FieldResourceKey: l.Key,
			logger.FieldOwnerToken:  l.Token,
			"reason":                reason,
		}).Error("Lease lost")
		close(l.lost)
	})
}

func (l *Lease) markLostQuiet() {
	l.lostOnce.Do(func() { close(l.lost) })
}
