package dispatch

import (
	"context"
	"errors"
)

// FailureAction defines how a failed delivery should be handled.
type FailureAction int

const (
	// FailureRetry marks the failure as transient.
	FailureRetry FailureAction = iota
	// FailureDead marks the failure as non-retryable.
	FailureDead
)

// RetryClassifier decides whether a failed send attempt may be retried.
type RetryClassifier func(ctx context.Context, err error) FailureAction

// FailureClassifier decides whether a failed ledger replay is retried or dead-lettered.
type FailureClassifier func(ctx context.Context, record LedgerRecord, err error) FailureAction

// DefaultRetryClassifier treats broker rejections and contract violations as permanent.
func DefaultRetryClassifier(_ context.Context, err error) FailureAction {
	if isPermanent(err) {
		return FailureDead
	}

	return FailureRetry
}

func defaultFailureClassifier(_ context.Context, _ LedgerRecord, err error) FailureAction {
	if isPermanent(err) {
		return FailureDead
	}

	return FailureRetry
}

func isPermanent(err error) bool {
	switch {
	case errors.Is(err, ErrUnroutable),
		errors.Is(err, ErrNacked),
		errors.Is(err, ErrPermanent),
		errors.Is(err, ErrUnknownKind),
		errors.Is(err, ErrNoRoute):
		return true
	default:
		return false
	}
}
