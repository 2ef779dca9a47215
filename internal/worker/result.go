package worker

import (
	"context"
	"errors"
	"time"

	"slotsync/internal/failure"
)

type Outcome int

const (
	OutcomeDone Outcome = iota
	// OutcomeRetry consumes an attempt and reschedules with backoff.
	OutcomeRetry
	// OutcomePermanent dead-letters immediately.
	OutcomePermanent
	// OutcomeInvalid fails the job without retry and without touching any entity.
	OutcomeInvalid
)

func (o Outcome) String() string {
	switch o {
	case OutcomeRetry:
		return "retry"
	case OutcomePermanent:
		return "permanent"
	case OutcomeInvalid:
		return "invalid"
	default:
		return "done"
	}
}

// Result is what a handler reports back to the pool.
type Result struct {
	Outcome    Outcome
	Err        error
	RetryAfter time.Duration
}

func Done() Result               { return Result{Outcome: OutcomeDone} }
func Retry(err error) Result     { return Result{Outcome: OutcomeRetry, Err: err, RetryAfter: failure.RetryAfterOf(err)} }
func Permanent(err error) Result { return Result{Outcome: OutcomePermanent, Err: err} }
func Invalid(err error) Result   { return Result{Outcome: OutcomeInvalid, Err: err} }

// Classify maps an error onto a Result using the failure taxonomy.
// Deadlines are retryable; auth failures are permanent.
func Classify(err error) Result {
	switch {
	case err == nil:
		return Done()
	case errors.Is(err, context.DeadlineExceeded):
		return Retry(err)
	case failure.IsValidation(err):
		return Invalid(err)
	case failure.IsAuth(err):
		return Permanent(err)
	default:
		return Retry(err)
	}
}
