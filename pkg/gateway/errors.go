package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/opgroeien/flowd/pkg/llm"
)

// FailureKind classifies why a gateway call ultimately failed.
type FailureKind string

const (
	FailureRateLimit FailureKind = "rate_limit"
	FailureTimeout   FailureKind = "timeout"
	FailureCancelled FailureKind = "cancelled"
	FailureUpstream  FailureKind = "upstream"
	FailureInvalid   FailureKind = "invalid"
)

// Error is the typed failure surfaced after all retries are exhausted.
type Error struct {
	Kind  FailureKind
	Model string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("llm call failed (%s, model=%s): %v", e.Kind, e.Model, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Kind extracts the failure kind from an error chain; returns
// FailureUpstream for unclassified errors.
func Kind(err error) FailureKind {
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr.Kind
	}
	return classify(err)
}

func classify(err error) FailureKind {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return FailureTimeout
	case errors.Is(err, context.Canceled):
		return FailureCancelled
	case errors.Is(err, llm.ErrRateLimited):
		return FailureRateLimit
	case errors.Is(err, llm.ErrInvalidInput), errors.Is(err, llm.ErrModelNotFound):
		return FailureInvalid
	default:
		return FailureUpstream
	}
}

func retryable(kind FailureKind) bool {
	return kind == FailureRateLimit || kind == FailureUpstream
}
