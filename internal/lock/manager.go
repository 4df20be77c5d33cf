// Package lock implements lease-based mutual exclusion on named resources,
// backed by the sync_locks table.
//
// Acquisition is an insert-if-absent. An existing row may be taken over
// with a compare-and-replace keyed on the previous owner token when its
// lease has expired, or when the liveness probe proves the owner dead.
// Otherwise acquisition backs off and eventually reports the resource busy.
package lock

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/timmy/catalogsync/internal/clock"
	"github.com/timmy/catalogsync/internal/domain"
	"github.com/timmy/catalogsync/internal/logger"
	"github.com/timmy/catalogsync/internal/retry"
	"github.com/timmy/catalogsync/internal/syncerr"
)

const (
	DefaultLease       = 5 * time.Minute
	DefaultMaxAttempts = 5

	acquireBase   = time.Second
	acquireCap    = 30 * time.Second
	acquireJitter = time.Second
)

// Store is the persistence the manager needs. Each method must be a single
// atomic statement.
type Store interface {
	InsertIfAbsent(ctx context.Context, lock *domain.Lock) (bool, error)
	Get(ctx context.Context, key string) (*domain.Lock, error)
	Replace(ctx context.Context, expectedOwner string, expiredBefore int64, next *domain.Lock) (bool, error)
	Extend(ctx context.Context, key, owner string, now, expiresAt int64) (bool, error)
	DeleteOwned(ctx context.Context, key, owner string) (bool, error)
}

// StealReason says why a held lock was taken over.
type StealReason string

const (
	StealExpired   StealReason = "expired"
	StealOwnerDead StealReason = "owner_dead"
)

// Config configures a Manager.
type Config struct {
	// Lease is used by Renew and as the Acquire default.
	Lease       time.Duration
	MaxAttempts int

	// RenewInterval overrides the lease/5 renewal cadence.
	RenewInterval time.Duration

	Probe LivenessProbe
	Clock clock.Clock
	Host  string
	PID   int

	// Rand overrides the jitter source of the acquisition backoff.
	Rand func() float64

	// OnSteal is called after a lock was taken over from prevOwner.
	OnSteal func(ctx context.Context, key, prevOwner string, reason StealReason)
}

// Manager acquires, renews and releases leases.
type Manager struct {
	store Store
	cfg   Config
}

// NewManager creates a Manager. Zero config fields take defaults.
func NewManager(store Store, cfg Config) *Manager {
	if cfg.Lease <= 0 {
		cfg.Lease = DefaultLease
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Host == "" {
		cfg.Host, _ = os.Hostname()
	}
	if cfg.PID == 0 {
		cfg.PID = os.Getpid()
	}
	return &Manager{store: store, cfg: cfg}
}

// Backoff returns the acquisition schedule: 1s doubling to 30s, ±1s jitter.
func (m *Manager) Backoff() backoff.BackOff {
	return retry.Policy{
		Base:            acquireBase,
		Cap:             acquireCap,
		Jitter:          acquireJitter,
		SymmetricJitter: true,
		MaxAttempts:     m.cfg.MaxAttempts,
		Rand:            m.cfg.Rand,
	}.BackOff()
}

// Acquire takes the lease on key for leaseDuration (zero means the
// configured lease). It returns a *syncerr.ResourceBusyError, matching
// syncerr.ErrResourceBusy, when a live owner holds the lock through every
// attempt; any other error is a persistence failure.
func (m *Manager) Acquire(ctx context.Context, key string, leaseDuration time.Duration) (*Lease, error) {
	if key == "" {
		return nil, syncerr.Invalid("resource_key", "must not be empty")
	}
	if leaseDuration <= 0 {
		leaseDuration = m.cfg.Lease
	}

	ctx = logger.SetResourceKey(ctx, key)
	token := NewOwnerToken(m.cfg.Host, m.cfg.PID)
	sched := m.Backoff()

	for attempt := 1; ; attempt++ {
		row, holder, err := m.tryAcquire(ctx, key, token, leaseDuration)
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if row != nil {
			logger.FromContext(ctx).WithFields(logger.Fields{
				logger.FieldOwnerToken: token,
				"attempt":              attempt,
				"lease_ms":             leaseDuration.Milliseconds(),
			}).Info("Lock acquired")
			return newLease(m, row, leaseDuration), nil
		}

		delay := sched.NextBackOff()
		if delay == backoff.Stop {
			logger.FromContext(ctx).WithFields(logger.Fields{
				"holder":   holder,
				"attempts": attempt,
			}).Info("Lock busy")
			return nil, &syncerr.ResourceBusyError{ResourceKey: key, Owner: holder, Attempts: attempt}
		}
		if err := m.cfg.Clock.Sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

// tryAcquire makes one acquisition attempt. It returns the new row on
// success, or the current holder's token when the lock stays taken.
func (m *Manager) tryAcquire(ctx context.Context, key, token string, lease time.Duration) (*domain.Lock, string, error) {
	now := m.cfg.Clock.Now()
	row := &domain.Lock{
		ResourceKey:     key,
		OwnerToken:      token,
		AcquiredAt:      now.UnixMilli(),
		LeaseExpiresAt:  now.Add(lease).UnixMilli(),
		LastHeartbeatAt: now.UnixMilli(),
	}

	inserted, err := m.store.InsertIfAbsent(ctx, row)
	if err != nil {
		return nil, "", err
	}
	if inserted {
		return row, "", nil
	}

	current, err := m.store.Get(ctx, key)
	if err != nil {
		return nil, "", err
	}
	if current == nil {
		// Released between the two statements; the next attempt inserts.
		return nil, "", nil
	}

	var (
		reason        StealReason
		expiredBefore int64
	)
	switch {
	case current.Expired(now):
		reason, expiredBefore = StealExpired, now.UnixMilli()
	case m.cfg.Probe != nil && !m.cfg.Probe.IsProcessAlive(ctx, current.OwnerToken):
		reason = StealOwnerDead
	default:
		return nil, current.OwnerToken, nil
	}

	swapped, err := m.store.Replace(ctx, current.OwnerToken, expiredBefore, row)
	if err != nil {
		return nil, "", err
	}
	if !swapped {
		// Renewed or stolen by someone else in the meantime.
		return nil, current.OwnerToken, nil
	}

	logger.FromContext(ctx).WithFields(logger.Fields{
		"previous_owner":       current.OwnerToken,
		logger.FieldOwnerToken: token,
		"reason":               string(reason),
	}).Warn("Lock stolen")
	if m.cfg.OnSteal != nil {
		m.cfg.OnSteal(ctx, key, current.OwnerToken, reason)
	}
	return row, "", nil
}

// Renew extends the lease held by token by the configured lease duration.
// It returns false when token no longer holds a live lease on key.
func (m *Manager) Renew(ctx context.Context, key, token string) (bool, error) {
	return m.renew(ctx, key, token, m.cfg.Lease)
}

func (m *Manager) renew(ctx context.Context, key, token string, lease time.Duration) (bool, error) {
	now := m.cfg.Clock.Now()
	ok, err := m.store.Extend(ctx, key, token, now.UnixMilli(), now.Add(lease).UnixMilli())
	if err != nil {
		return false, fmt.Errorf("renew lock %s: %w", key, err)
	}
	return ok, nil
}

// Release deletes the lock only if token still owns it. A stale token is a
// no-op returning false.
func (m *Manager) Release(ctx context.Context, key, token string) (bool, error) {
	ok, err := m.store.DeleteOwned(ctx, key, token)
	if err != nil {
		return false, fmt.Errorf("release lock %s: %w", key, err)
	}
	if !ok {
		logger.FromContext(ctx).WithFields(logger.Fields{
			logger.FieldResourceKey: key,
			logger.FieldOwnerToken:  token,
		}).Warn("Release ignored, lock owned by someone else")
	}
	return ok, nil
}

// Holder returns the current lock row for key, or nil.
func (m *Manager) Holder(ctx context.Context, key string) (*domain.Lock, error) {
	return m.store.Get(ctx, key)
}

func (m *Manager) renewInterval(lease time.Duration) time.Duration {
	if m.cfg.RenewInterval > 0 {
		return m.cfg.RenewInterval
	}
	return lease / 5
}
