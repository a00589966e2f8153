// Package api exposes the HTTP/SSE surface: the chat and report flow
// endpoints, checkpoint inspection, downloads, thread listing, and the
// health and metrics endpoints. Every flow route requires a bearer
// token checked against the access map.
package api

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opgroeien/flowd/pkg/auth"
	"github.com/opgroeien/flowd/pkg/cancel"
	"github.com/opgroeien/flowd/pkg/config"
	"github.com/opgroeien/flowd/pkg/database"
	"github.com/opgroeien/flowd/pkg/graph"
	"github.com/opgroeien/flowd/pkg/metrics"
	"github.com/opgroeien/flowd/pkg/models"
	"github.com/opgroeien/flowd/pkg/version"
)

// ThreadStore is the thread registry surface the server needs.
// *threads.Registry satisfies it.
type ThreadStore interface {
	Exists(ctx context.Context, threadID string) (bool, error)
	Get(ctx context.Context, threadID string) (*models.Thread, error)
	Upsert(ctx context.Context, threadID, userID string, title, flow *string) error
	ListForUser(ctx context.Context, userID string, flow *string) ([]*models.Thread, error)
}

// Deps bundle everything the server routes over.
type Deps struct {
	Config  *config.Config
	Access  *auth.AccessMap
	Threads ThreadStore
	DB      *sql.DB
	Bus     *cancel.Bus
	Metrics *metrics.Registry

	// Gatherer backs the /metrics endpoint; nil disables it.
	Gatherer prometheus.Gatherer

	Chat *graph.Compiled

	// Report builds the report graph for a model override; the empty
	// string selects the configured default.
	Report func(model string) *graph.Compiled

	// Procedures supplies the corpus a fresh report run covers.
	Procedures func(ctx context.Context) ([]models.Procedure, error)

	Logger *slog.Logger
}

// Server routes HTTP traffic onto the flow graphs.
type Server struct {
	deps   Deps
	cfg    *config.Config
	logger *slog.Logger
}

// NewServer wires the handler set.
func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		deps:   deps,
		cfg:    deps.Config,
		logger: logger.With("component", "api"),
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.requestID(), s.cors())

	r.GET("/healthz", s.handleHealth)
	if s.deps.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))
	}

	authed := r.Group("/", s.authenticate())
	authed.POST("/chat", s.handleChat)

	authed.POST("/report/start", s.handleReportStart)
	authed.POST("/report/:thread_id/stop", s.handleReportStop)
	authed.POST("/report/:thread_id/resume", s.handleReportResume)
	authed.GET("/report/:thread_id/load", s.handleReportLoad)
	authed.GET("/report/:thread_id/status", s.handleReportStatus)
	authed.GET("/report/:thread_id/snapshots", s.handleReportSnapshots)
	authed.POST("/report/:thread_id/restore", s.handleReportRestore)
	authed.GET("/report/:thread_id/chapters/download", s.handleChaptersDownload)
	authed.GET("/report/:thread_id/final-report/download", s.handleFinalReportDownload)

	authed.GET("/graph/structure", s.handleGraphStructure)
	authed.GET("/graph/state", s.handleGraphState)
	authed.GET("/threads", s.handleThreadsList)

	return r
}

// Serve runs the HTTP server until ctx is cancelled, then drains with a
// short grace period.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port),
		Handler: s.Router(),
	}

	errs := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errs <- err
		}
	}()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancelFn := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelFn()
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(c *gin.Context) {
	payload := gin.H{"status": "healthy", "version": version.Full()}
	if s.deps.DB != nil {
		ctx, cancelFn := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancelFn()
		dbHealth, err := database.Health(ctx, s.deps.DB)
		payload["database"] = dbHealth
		if err != nil {
			payload["status"] = "unhealthy"
			payload["error"] = err.Error()
			c.JSON(http.StatusServiceUnavailable, payload)
			return
		}
	}
	c.JSON(http.StatusOK, payload)
}
