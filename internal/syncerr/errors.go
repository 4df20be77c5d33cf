// Package syncerr defines the error taxonomy shared by the sync engine.
//
// Transient failures are retried and fatal failures abort the current job.
// Validation and not-found failures are never retried either, but they stay
// confined to the item they concern. Busy failures tell the trigger layer to
// try again later.
package syncerr

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrResourceBusy is returned when a lock is held by a live owner.
	ErrResourceBusy = errors.New("resource busy")

	// ErrLeaseLost is returned when the lease guarding a job can no longer be
	// proven to be held by this process.
	ErrLeaseLost = errors.New("lease lost")

	// ErrJobNotFound is returned when a sync job does not exist.
	ErrJobNotFound = errors.New("sync job not found")

	// ErrInvalidTransition is returned for a job state change that the
	// lifecycle does not allow.
	ErrInvalidTransition = errors.New("invalid job state transition")
)

// TransientError marks a failure that is expected to succeed when retried:
// network timeouts, rate limits, temporary contention.
type TransientError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transient: %s (status %d): %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transient: %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

// Attempt records the outcome of one try of a retried operation.
type Attempt struct {
	Number int
	Err    error
	Delay  time.Duration
	At     time.Time
}

// FatalError aborts the current job. Attempts is populated when the error
// was produced by exhausting a retry policy.
type FatalError struct {
	Op       string
	Err      error
	Attempts []Attempt
}

func (e *FatalError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "fatal: %s: %v", e.Op, e.Err)
	if len(e.Attempts) > 1 {
		fmt.Fprintf(&b, " (after %d attempts)", len(e.Attempts))
	}
	return b.String()
}

func (e *FatalError) Unwrap() error { return e.Err }

// Fatal wraps err as a FatalError.
func Fatal(op string, err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Op: op, Err: err}
}

// NotFoundError reports that the remote record or asset one item refers to
// no longer exists. It fails that item only; the job carries on.
type NotFoundError struct {
	Op  string
	Err error
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("not found: %s: %v", e.Op, e.Err)
}

func (e *NotFoundError) Unwrap() error { return e.Err }

// NotFound wraps err as a NotFoundError.
func NotFound(op string, err error) error {
	if err == nil {
		return nil
	}
	return &NotFoundError{Op: op, Err: err}
}

// ValidationError reports malformed input to a boundary operation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Invalid returns a ValidationError for field.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// ResourceBusyError carries the current holder of a busy resource.
type ResourceBusyError struct {
	ResourceKey string
	Owner       string
	Attempts    int
}

func (e *ResourceBusyError) Error() string {
	return fmt.Sprintf("resource %q held by %q after %d attempts", e.ResourceKey, e.Owner, e.Attempts)
}

func (e *ResourceBusyError) Is(target error) bool { return target == ErrResourceBusy }

// IsTransient reports whether err is, or wraps, a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsFatal reports whether err is, or wraps, a FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// IsValidation reports whether err is, or wraps, a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsNotFound reports whether err is, or wraps, a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsItemFailure reports whether err is confined to a single item: the item
// was malformed or what it refers to is gone. Such failures are counted and
// skipped; every other failure belongs to the batch.
func IsItemFailure(err error) bool {
	return IsValidation(err) || IsNotFound(err)
}

// IsBusy reports whether err signals a busy resource.
func IsBusy(err error) bool {
	return errors.Is(err, ErrResourceBusy)
}
