package syncerr

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/cenkalti/backoff/v5"
)

// Class is the retry classification of an error.
type Class int

const (
	ClassTransient Class = iota
	ClassFatal
)

func (c Class) String() string {
	if c == ClassFatal {
		return "fatal"
	}
	return "transient"
}

// Classifier maps a failure to a retry class.
type Classifier func(err error) Class

// Classify is the default classifier. Explicitly typed errors win; a
// cancelled context is fatal; deadline expiry is transient; anything unknown
// is treated as transient and left to the retry budget.
func Classify(err error) Class {
	switch {
	case err == nil:
		return ClassTransient
	case IsFatal(err), IsValidation(err), IsNotFound(err):
		return ClassFatal
	case IsTransient(err), IsBusy(err):
		return ClassTransient
	case errors.Is(err, context.Canceled):
		return ClassFatal
	case errors.Is(err, context.DeadlineExceeded):
		return ClassTransient
	}

	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return ClassFatal
	}
	return ClassTransient
}

// FromStatus converts an HTTP status code into a classified error, or nil
// for 2xx responses.
func FromStatus(op string, status int, err error) error {
	if status >= 200 && status < 300 {
		return nil
	}
	if err == nil {
		err = errors.New(http.StatusText(status))
	}
	switch {
	case status == http.StatusRequestTimeout,
		status == http.StatusTooEarly,
		status == http.StatusTooManyRequests,
		status >= 500:
		return &TransientError{Op: op, StatusCode: status, Err: err}
	case status == http.StatusNotFound, status == http.StatusGone:
		return &NotFoundError{Op: op, Err: fmt.Errorf("status %d: %w", status, err)}
	default:
		return &FatalError{Op: op, Err: fmt.Errorf("status %d: %w", status, err)}
	}
}
