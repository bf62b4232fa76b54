package domain

import (
	"errors"
	"fmt"
)

// Class partitions failures by how the pipeline must react to them:
// permanent errors dead-letter immediately, transient errors retry up to a
// bounded number of attempts, overload errors surface to the caller so the
// feed slows down.
type Class string

const (
	ClassPermanent Class = "permanent"
	ClassTransient Class = "transient"
	ClassOverload  Class = "overload"
)

// ClassifiedError tags an underlying error with its failure class and the
// operation that produced it.
type ClassifiedError struct {
	Class Class
	Op    string
	Err   error
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s: %v (%s)", e.Op, e.Err, e.Class)
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// Permanent wraps err as a data error that must never be retried.
func Permanent(op string, err error) error {
	return &ClassifiedError{Class: ClassPermanent, Op: op, Err: err}
}

// Transient wraps err as an infrastructure error eligible for retry.
func Transient(op string, err error) error {
	return &ClassifiedError{Class: ClassTransient, Op: op, Err: err}
}

// Overload wraps err as a saturation signal for the caller.
func Overload(op string, err error) error {
	return &ClassifiedError{Class: ClassOverload, Op: op, Err: err}
}

// ClassOf extracts the failure class from err. Unclassified errors report
// transient, the defensive default for unknown infrastructure failures.
func ClassOf(err error) Class {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}
	return ClassTransient
}

// IsPermanent reports whether err carries the permanent class.
func IsPermanent(err error) bool {
	var ce *ClassifiedError
	return errors.As(err, &ce) && ce.Class == ClassPermanent
}

// IsOverload reports whether err carries the overload class.
func IsOverload(err error) bool {
	var ce *ClassifiedError
	return errors.As(err, &ce) && ce.Class == ClassOverload
}

var (
	// ErrInvalidMetrics rejects updates with missing or null metrics.
	ErrInvalidMetrics = errors.New("metric update has missing metrics")

	// ErrCacheUnavailable marks a failed ranking-cache operation; callers
	// engage the store fallback rather than failing the batch.
	ErrCacheUnavailable = errors.New("ranking cache unavailable")

	// ErrStoreUnavailable marks a durable store that is unreachable.
	ErrStoreUnavailable = errors.New("durable store unavailable")

	// ErrLogUnavailable marks a durability log that cannot accept appends;
	// the update is not accepted and the batch is retried.
	ErrLogUnavailable = errors.New("durability log unavailable")

	// ErrUnavailable is returned by queries when both the cache and the
	// store are unreachable; stale or partial data is never served instead.
	ErrUnavailable = errors.New("leaderboard unavailable: cache and store are both down")
)
