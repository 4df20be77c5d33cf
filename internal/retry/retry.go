package retry

import (
	"context"
	"errors"

	"github.com/cenkalti/backoff/v5"
	"github.com/timmy/catalogsync/internal/logger"
	"github.com/timmy/catalogsync/internal/syncerr"
)

// Do runs op until it succeeds, a failure is classified fatal, or the
// attempt budget is spent. Every non-nil error returned is a
// *syncerr.FatalError carrying the attempt history.
func (p Policy) Do(ctx context.Context, name string, op func(ctx context.Context) error) error {
	_, err := Run(ctx, p, name, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Run is Do for operations that return a value.
func Run[T any](ctx context.Context, p Policy, name string, op func(ctx context.Context) (T, error)) (T, error) {
	p = p.normalized()
	sched := p.BackOff()

	var (
		zero    T
		history []syncerr.Attempt
	)

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, fatal(name, err, history)
		}

		v, err := op(ctx)
		if err == nil {
			if attempt > 1 {
				logger.CtxDebug(ctx, "%s succeeded on attempt %d", name, attempt)
			}
			return v, nil
		}

		rec := syncerr.Attempt{Number: attempt, Err: err, At: p.Clock.Now()}

		if p.Classifier(err) == syncerr.ClassFatal {
			history = append(history, rec)
			return zero, fatal(name, err, history)
		}

		delay := sched.NextBackOff()
		if delay == backoff.Stop {
			history = append(history, rec)
			logger.FromContext(ctx).WithFields(logger.Fields{
				"operation": name,
				"attempts":  attempt,
			}).WithError(err).Warn("Retry budget exhausted")
			return zero, fatal(name, err, history)
		}

		rec.Delay = delay
		history = append(history, rec)

		logger.FromContext(ctx).WithFields(logger.Fields{
			"operation": name,
			"attempt":   attempt,
			"delay_ms":  delay.Milliseconds(),
		}).WithError(err).Warn("Transient failure, retrying")

		if err := p.Clock.Sleep(ctx, delay); err != nil {
			return zero, fatal(name, err, history)
		}
	}
}

func fatal(name string, err error, history []syncerr.Attempt) error {
	var fe *syncerr.FatalError
	if errors.As(err, &fe) {
		// fe may be shared by other callers; annotate a copy.
		out := *fe
		if len(out.Attempts) == 0 {
			out.Attempts = history
		}
		return &out
	}
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Unwrap()
	}
	return &syncerr.FatalError{Op: name, Err: err, Attempts: history}
}
