package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"

	"github.com/anthropics/anthropic-sdk-go"
	openai "github.com/sashabaranov/go-openai"
)

// Sentinel errors describing why a model call failed. The gateway
// inspects these to decide whether a call is retryable.
var (
	// ErrRateLimited indicates the provider rejected the call with a
	// rate-limit response (HTTP 429).
	ErrRateLimited = errors.New("llm: rate limited")

	// ErrUnavailable indicates a transient provider failure (HTTP 5xx,
	// connection reset, unexpected EOF).
	ErrUnavailable = errors.New("llm: upstream unavailable")

	// ErrInvalidInput indicates the request was rejected as malformed
	// (HTTP 4xx other than 429). Never retried.
	ErrInvalidInput = errors.New("llm: invalid input")

	// ErrModelNotFound indicates the logical model name is not registered.
	ErrModelNotFound = errors.New("llm: model not found")
)

// classifyError wraps provider SDK errors with the matching sentinel so
// callers can use errors.Is regardless of the backend.
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var oaiErr *openai.APIError
	if errors.As(err, &oaiErr) {
		return classifyStatus(oaiErr.HTTPStatusCode, err)
	}

	var antErr *anthropic.Error
	if errors.As(err, &antErr) {
		return classifyStatus(antErr.StatusCode, err)
	}

	// Connection-level failures are transient.
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	return err
}

func classifyStatus(status int, err error) error {
	switch {
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %w", ErrRateLimited, err)
	case status >= 500:
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	case status >= 400:
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	default:
		return err
	}
}
