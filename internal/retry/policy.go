// Package retry wraps fallible operations with classified, exponentially
// backed-off retries.
package retry

import (
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/timmy/catalogsync/internal/clock"
	"github.com/timmy/catalogsync/internal/syncerr"
)

const (
	DefaultBase        = 2 * time.Second
	DefaultCap         = 60 * time.Second
	DefaultJitter      = time.Second
	DefaultMaxAttempts = 3
)

// Policy describes how a failed operation is retried. The delay after the
// k-th failed attempt (k starting at 1) is min(Base*2^(k-1) + jitter, Cap).
// Jitter is drawn from [0, Jitter), or from [-Jitter, Jitter) when
// SymmetricJitter is set.
type Policy struct {
	Base            time.Duration
	Cap             time.Duration
	Jitter          time.Duration
	SymmetricJitter bool
	MaxAttempts     int

	// Classifier decides whether a failure is worth retrying. Nil means
	// syncerr.Classify.
	Classifier syncerr.Classifier

	// Clock drives sleeping between attempts. Nil means the wall clock.
	Clock clock.Clock

	// Rand returns a float in [0, 1). Nil means math/rand/v2.
	Rand func() float64
}

// DefaultPolicy returns base 2s, cap 60s, jitter [0,1s), 3 attempts.
func DefaultPolicy() Policy {
	return Policy{
		Base:        DefaultBase,
		Cap:         DefaultCap,
		Jitter:      DefaultJitter,
		MaxAttempts: DefaultMaxAttempts,
	}
}

// WithMaxAttempts returns a copy of p with a different attempt budget.
func (p Policy) WithMaxAttempts(n int) Policy {
	p.MaxAttempts = n
	return p
}

// WithClock returns a copy of p that sleeps on c.
func (p Policy) WithClock(c clock.Clock) Policy {
	p.Clock = c
	return p
}

func (p Policy) normalized() Policy {
	if p.Base <= 0 {
		p.Base = DefaultBase
	}
	if p.Cap <= 0 {
		p.Cap = DefaultCap
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.Classifier == nil {
		p.Classifier = syncerr.Classify
	}
	if p.Clock == nil {
		p.Clock = clock.Real{}
	}
	if p.Rand == nil {
		//nolint:gosec // jitter does not need a cryptographic source
		p.Rand = rand.Float64
	}
	return p
}

// Delay returns the wait after the given failed attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	p = p.normalized()
	if attempt < 1 {
		attempt = 1
	}

	d := p.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.Cap {
			d = p.Cap
			break
		}
	}

	if p.Jitter > 0 {
		r := p.Rand()
		if p.SymmetricJitter {
			d += time.Duration((2*r - 1) * float64(p.Jitter))
		} else {
			d += time.Duration(r * float64(p.Jitter))
		}
	}

	if d > p.Cap {
		d = p.Cap
	}
	if d < 0 {
		d = 0
	}
	return d
}

// BackOff returns a fresh stateful schedule for p that satisfies
// backoff.BackOff. It yields backoff.Stop once MaxAttempts-1 delays have been
// handed out.
func (p Policy) BackOff() backoff.BackOff {
	return &schedule{policy: p.normalized()}
}

type schedule struct {
	policy  Policy
	attempt int
}

func (s *schedule) NextBackOff() time.Duration {
	s.attempt++
	if s.attempt >= s.policy.MaxAttempts {
		return backoff.Stop
	}
	return s.policy.Delay(s.attempt)
}

func (s *schedule) Reset() { s.attempt = 0 }
