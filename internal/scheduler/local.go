// Package scheduler runs deferred batch continuations and recurring
// triggers inside the process.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/timmy/catalogsync/internal/clock"
	"github.com/timmy/catalogsync/internal/logger"
	"github.com/timmy/catalogsync/internal/retry"
)

// ErrStopped is returned by DeferCall after Stop.
var ErrStopped = errors.New("scheduler stopped")

// Handler runs one deferred call for a job. A non-nil error asks for
// redelivery.
type Handler func(ctx context.Context, jobID string) error

// Scheduler defers a call for jobID until notBefore. Delivery is
// at-least-once.
type Scheduler interface {
	DeferCall(ctx context.Context, jobID string, notBefore time.Time) error
}

// LocalConfig configures a Local scheduler.
type LocalConfig struct {
	// Redelivery spaces retries of failed calls. MaxAttempts bounds the
	// deliveries of one call; zero means retry.DefaultMaxAttempts.
	Redelivery retry.Policy
	Clock      clock.Clock
}

type jobState struct {
	timer    *time.Timer
	due      time.Time
	running  bool
	rerun    bool
	attempts int
}

// Local is an in-process timer queue. Calls for the same job never run
// concurrently, and pending calls for one job coalesce to the earliest.
type Local struct {
	cfg     LocalConfig
	handler Handler

	mu      sync.Mutex
	jobs    map[string]*jobState
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewLocal creates a Local scheduler. Calls are delivered only after Start.
func NewLocal(cfg LocalConfig) *Local {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Redelivery.MaxAttempts <= 0 {
		cfg.Redelivery.MaxAttempts = retry.DefaultMaxAttempts
	}
	return &Local{cfg: cfg, jobs: make(map[string]*jobState)}
}

// Start sets the handler and arms calls deferred so far. ctx is passed to
// every handler invocation.
func (l *Local) Start(ctx context.Context, handler Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handler = handler
	l.ctx, l.cancel = context.WithCancel(logger.SetComponent(ctx, "scheduler"))
	for id, st := range l.jobs {
		if st.timer == nil && !st.running {
			l.armLocked(id, st, st.due)
		}
	}
}

// DeferCall schedules handler(jobID) at or after notBefore.
func (l *Local) DeferCall(ctx context.Context, jobID string, notBefore time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return ErrStopped
	}

	st, ok := l.jobs[jobID]
	if !ok {
		st = &jobState{}
		l.jobs[jobID] = st
	}
	if st.running {
		// Delivered again once the running call returns.
		st.rerun = true
		if st.due.IsZero() || notBefore.Before(st.due) {
			st.due = notBefore
		}
		return nil
	}
	if !st.due.IsZero() && !notBefore.Before(st.due) {
		return nil
	}
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	st.due = notBefore
	if l.handler != nil {
		l.armLocked(jobID, st, notBefore)
	}

	logger.FromContext(ctx).WithFields(logger.Fields{
		logger.FieldJobID: jobID,
		"not_before":      notBefore,
	}).Debug("Call deferred")
	return nil
}

// Pending reports whether a call for jobID is queued or running.
func (l *Local) Pending(jobID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.jobs[jobID]
	return ok
}

// Stop cancels queued calls and waits for running ones to return.
func (l *Local) Stop(ctx context.Context) error {
	l.mu.Lock()
	l.stopped = true
	for _, st := range l.jobs {
		if st.timer != nil {
			st.timer.Stop()
			st.timer = nil
		}
	}
	if l.cancel != nil {
		l.cancel()
	}
	l.mu.Unlock()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Local) armLocked(jobID string, st *jobState, at time.Time) {
	delay := at.Sub(l.cfg.Clock.Now())
	if delay < 0 {
		delay = 0
	}
	st.due = at
	st.timer = time.AfterFunc(delay, func() { l.fire(jobID) })
}

func (l *Local) fire(jobID string) {
	l.mu.Lock()
	st, ok := l.jobs[jobID]
	if !ok || l.stopped {
		l.mu.Unlock()
		return
	}
	st.timer = nil
	st.running = true
	st.rerun = false
	st.due = time.Time{}
	st.attempts++
	attempt := st.attempts
	ctx := l.ctx
	l.wg.Add(1)
	l.mu.Unlock()

	defer l.wg.Done()
	ctx = logger.SetJobID(ctx, jobID)
	err := l.handler(ctx, jobID)

	l.mu.Lock()
	defer l.mu.Unlock()
	st.running = false
	if l.stopped {
		delete(l.jobs, jobID)
		return
	}

	switch {
	case err != nil && attempt < l.cfg.Redelivery.MaxAttempts:
		delay := l.cfg.Redelivery.Delay(attempt)
		logger.FromContext(ctx).WithFields(logger.Fields{
			"attempt":  attempt,
			"delay_ms": delay.Milliseconds(),
		}).WithError(err).Warn("Deferred call failed, redelivering")
		at := l.cfg.Clock.Now().Add(delay)
		if st.rerun && st.due.Before(at) {
			at = st.due
		}
		l.armLocked(jobID, st, at)
	case err != nil:
		logger.FromContext(ctx).WithField("attempts", attempt).WithError(err).Error("Deferred call dropped after repeated failures")
		st.attempts = 0
		if st.rerun {
			l.armLocked(jobID, st, st.due)
		} else {
			delete(l.jobs, jobID)
		}
	default:
		st.attempts = 0
		if st.rerun {
			l.armLocked(jobID, st, st.due)
		} else {
			delete(l.jobs, jobID)
		}
	}
	st.rerun = false
}
