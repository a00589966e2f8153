package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/opgroeien/flowd/pkg/auth"
	"github.com/opgroeien/flowd/pkg/emitter"
	"github.com/opgroeien/flowd/pkg/threads"
)

// errorKind extends the emitter classification with the HTTP-layer
// sentinels.
func errorKind(err error) string {
	switch {
	case errors.Is(err, auth.ErrDenied):
		return emitter.KindAuthDenied
	case errors.Is(err, threads.ErrNotFound):
		return emitter.KindNotFound
	default:
		return emitter.ErrorKind(err)
	}
}

// statusForKind maps error kinds onto HTTP status codes. Unknown kinds
// are treated as internal.
func statusForKind(kind string) int {
	switch kind {
	case emitter.KindInvalid:
		return http.StatusBadRequest
	case emitter.KindAuthDenied:
		return http.StatusForbidden
	case emitter.KindNotFound:
		return http.StatusNotFound
	case emitter.KindRateLimit:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, err error) {
	kind := errorKind(err)
	c.JSON(statusForKind(kind), gin.H{
		"error":      err.Error(),
		"error_type": kind,
	})
}

func respondInvalid(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":      message,
		"error_type": emitter.KindInvalid,
	})
}
