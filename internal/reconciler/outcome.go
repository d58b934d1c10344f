package reconciler

import (
	"errors"
	"time"
)

var (
	ErrNotYetMined        = errors.New("transaction not yet mined")
	ErrRevertedOrReorged  = errors.New("transaction reverted or no longer on chain")
	ErrRecordNotFound     = errors.New("no matching confirmation record")
	ErrTransientChain     = errors.New("chain oracle unavailable")
	ErrTransientStore     = errors.New("record store unavailable")
	ErrInvariantViolation = errors.New("invariant violation")
)

type Kind int

const (
	Confirmed Kind = iota
	Invalidated
	Unresolved
	RecordNotFound
	TransientFailure
	InvariantViolation
)

func (k Kind) String() string {
	switch k {
	case Confirmed:
		return "confirmed"
	case Invalidated:
		return "invalidated"
	case Unresolved:
		return "unresolved"
	case RecordNotFound:
		return "record_not_found"
	case TransientFailure:
		return "transient_failure"
	case InvariantViolation:
		return "invariant_violation"
	}
	return "unknown"
}

// Outcome is the typed result of one reconciliation. RetryAfter is only set for
// Unresolved outcomes of jobs that allow a retry; the scheduler owns the delay.
type Outcome struct {
	Kind       Kind
	RetryAfter time.Duration
	Executed   bool
	Err        error
}

func (o Outcome) Retryable() bool {
	return o.Kind == TransientFailure || (o.Kind == Unresolved && o.RetryAfter > 0)
}

func confirmed(executed bool) Outcome {
	return Outcome{Kind: Confirmed, Executed: executed}
}

func invalidated(err error) Outcome {
	return Outcome{Kind: Invalidated, Err: err}
}

func unresolved(retryAfter time.Duration) Outcome {
	return Outcome{Kind: Unresolved, RetryAfter: retryAfter, Err: ErrNotYetMined}
}

func recordNotFound(err error) Outcome {
	return Outcome{Kind: RecordNotFound, Err: err}
}

func transient(err error) Outcome {
	return Outcome{Kind: TransientFailure, Err: err}
}

func violation(err error) Outcome {
	return Outcome{Kind: InvariantViolation, Err: err}
}
