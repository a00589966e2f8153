package emitter

import (
	"context"
	"errors"

	"github.com/opgroeien/flowd/pkg/checkpoint"
	"github.com/opgroeien/flowd/pkg/gateway"
	"github.com/opgroeien/flowd/pkg/graph"
	"github.com/opgroeien/flowd/pkg/llm"
)

// Error kinds surfaced to clients in error events and mapped to HTTP
// statuses by the API layer.
const (
	KindRateLimit   = "rate_limit"
	KindTimeout     = "timeout"
	KindUpstream    = "upstream_unavailable"
	KindInvalid     = "invalid_input"
	KindCancelled   = "cancelled"
	KindAuthDenied  = "auth_denied"
	KindNotFound    = "not_found"
	KindPersistence = "persistence"
	KindInternal    = "internal"
)

// ErrorKind classifies an execution error into its client-facing kind.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, checkpoint.ErrNotFound):
		return KindNotFound
	case errors.Is(err, graph.ErrRecursionLimit):
		return KindInternal
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	}

	var gwErr *gateway.Error
	if errors.As(err, &gwErr) {
		switch gwErr.Kind {
		case gateway.FailureRateLimit:
			return KindRateLimit
		case gateway.FailureTimeout:
			return KindTimeout
		case gateway.FailureCancelled:
			return KindCancelled
		case gateway.FailureInvalid:
			return KindInvalid
		default:
			return KindUpstream
		}
	}

	switch {
	case errors.Is(err, llm.ErrRateLimited):
		return KindRateLimit
	case errors.Is(err, llm.ErrInvalidInput), errors.Is(err, llm.ErrModelNotFound):
		return KindInvalid
	case errors.Is(err, llm.ErrUnavailable):
		return KindUpstream
	default:
		return KindInternal
	}
}
