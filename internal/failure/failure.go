// Package failure classifies errors returned by job handlers and their collaborators.
//
// Handlers wrap errors with one of the constructors below; the worker pool reads the
// classification back with KindOf and RetryAfterOf to decide between retrying,
// dead-lettering and failing a job.
package failure

import (
	"errors"
	"fmt"
	"time"
)

type Kind int

const (
	// KindTransient is retryable: network errors, timeouts, 5xx, rate limits.
	KindTransient Kind = iota
	// KindAuth is permanent until a human acts (reconnect, fix credentials).
	KindAuth
	// KindValidation marks malformed input. Never retried.
	KindValidation
)

func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindValidation:
		return "validation"
	default:
		return "transient"
	}
}

type classified struct {
	kind  Kind
	after time.Duration
	err   error
}

func (e *classified) Error() string {
	if e.after > 0 {
		return fmt.Sprintf("%s (retry after %s): %v", e.kind, e.after, e.err)
	}
	return fmt.Sprintf("%s: %v", e.kind, e.err)
}

func (e *classified) Unwrap() error { return e.err }

func wrap(kind Kind, err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return &classified{kind: kind, err: err, after: after}
}

// Transient marks err as retryable.
func Transient(err error) error { return wrap(KindTransient, err, 0) }

// RateLimited marks err as retryable no sooner than after.
func RateLimited(err error, after time.Duration) error { return wrap(KindTransient, err, after) }

// Auth marks err as a credential failure.
func Auth(err error) error { return wrap(KindAuth, err, 0) }

// Validation marks err as malformed input.
func Validation(err error) error { return wrap(KindValidation, err, 0) }

// KindOf returns the outermost classification in err's chain.
// Unclassified errors are transient.
func KindOf(err error) Kind {
	var c *classified
	if errors.As(err, &c) {
		return c.kind
	}
	return KindTransient
}

// IsAuth reports whether err is classified as an auth failure.
func IsAuth(err error) bool { return err != nil && KindOf(err) == KindAuth }

// IsValidation reports whether err is classified as a validation failure.
func IsValidation(err error) bool { return err != nil && KindOf(err) == KindValidation }

// RetryAfterOf returns the largest retry hint carried anywhere in err's chain.
func RetryAfterOf(err error) time.Duration {
	var best time.Duration
	for err != nil {
		if c, ok := err.(*classified); ok && c.after > best {
			best = c.after
		}
		err = errors.Unwrap(err)
	}
	return best
}
