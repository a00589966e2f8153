package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/opgroeien/flowd/pkg/auth"
	"github.com/opgroeien/flowd/pkg/emitter"
)

const (
	principalKey = "flowd.principal"
	requestIDKey = "flowd.request_id"
)

// requestID tags every request with an id, honoring one supplied by the
// ingress, and logs the request on completion.
func (s *Server) requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Writer.Header().Set("X-Request-ID", id)

		start := time.Now()
		c.Next()

		s.logger.Info("request",
			"request_id", id,
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds())
	}
}

// authenticate requires a bearer token and resolves it to a grant. The
// token carries the caller's email; the ingress proxy in front of the
// service has already verified it.
func (s *Server) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		scheme, token, ok := strings.Cut(header, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":      "missing or invalid bearer token",
				"error_type": emitter.KindAuthDenied,
			})
			return
		}
		email := strings.ToLower(strings.TrimSpace(token))
		if _, ok := s.deps.Access.Resolve(email); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":      "unknown principal",
				"error_type": emitter.KindAuthDenied,
			})
			return
		}
		c.Set(principalKey, email)
		c.Next()
	}
}

// principal returns the authenticated email set by the middleware.
func principal(c *gin.Context) string {
	email, _ := c.Get(principalKey)
	s, _ := email.(string)
	return s
}

// authorize checks the principal may run the named flow; on denial it
// writes the 403 response and returns false.
func (s *Server) authorize(c *gin.Context, flow string) (auth.Grant, bool) {
	grant, err := s.deps.Access.Authorize(principal(c), s.cfg.Auth.Org, s.cfg.Auth.Project, flow)
	if err != nil {
		respondError(c, err)
		return auth.Grant{}, false
	}
	return grant, true
}

// cors applies the configured allow-list; an empty list disables CORS
// headers entirely.
func (s *Server) cors() gin.HandlerFunc {
	allowed := make(map[string]bool, len(s.cfg.Server.CORSAllowOrigins))
	wildcard := false
	for _, origin := range s.cfg.Server.CORSAllowOrigins {
		if origin == "*" {
			wildcard = true
		}
		allowed[origin] = true
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && (wildcard || allowed[origin]) {
			h := c.Writer.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			h.Set("Vary", "Origin")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
