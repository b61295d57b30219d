package jobs

import (
	"errors"
	"fmt"
	"time"
)

type skipError struct{ reason string }

func (e *skipError) Error() string { return "skipped: " + e.reason }

// Skip finishes a job as skipped. Use it for idempotency short-circuits and
// inputs that can never succeed.
func Skip(reason string) error { return &skipError{reason: reason} }

func Skipf(format string, args ...any) error { return Skip(fmt.Sprintf(format, args...)) }

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent fails the job without further attempts.
func Permanent(err error) error { return &permanentError{err: err} }

type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient forces a retry even for errors that would otherwise skip the
// job, such as storage.ErrNotFound caused by replication lag.
func Transient(err error) error { return &transientError{err: err} }

type deferError struct {
	delay  time.Duration
	reason string
}

func (e *deferError) Error() string { return "deferred: " + e.reason }

// Defer puts the job back in the queue for delay without using up an attempt.
// Use it when the job has to wait for another one to finish first.
func Defer(delay time.Duration, reason string) error {
	return &deferError{delay: delay, reason: reason}
}

func deferral(err error) (*deferError, bool) {
	var d *deferError
	if errors.As(err, &d) {
		return d, true
	}
	return nil, false
}

// SkipReason returns the reason when err is a Skip.
func SkipReason(err error) (string, bool) {
	var s *skipError
	if errors.As(err, &s) {
		return s.reason, true
	}
	return "", false
}

func isPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

func isTransient(err error) bool {
	var t *transientError
	return errors.As(err, &t)
}
