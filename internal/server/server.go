// Package server provides the HTTP server for cms-storage, built on
// Echo v4. It hosts the tenant-facing media and backup endpoints and the
// admin management API.
package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/orkinosai/cms-storage/internal/apperr"
	"github.com/orkinosai/cms-storage/internal/backup"
	"github.com/orkinosai/cms-storage/internal/blob"
	"github.com/orkinosai/cms-storage/internal/config"
	"github.com/orkinosai/cms-storage/internal/metrics"
	"github.com/orkinosai/cms-storage/internal/schema"
	"github.com/orkinosai/cms-storage/internal/storage"
	"github.com/orkinosai/cms-storage/internal/tenant"
)

// Server wraps the Echo instance and application dependencies.
type Server struct {
	echo     *echo.Echo
	cfg      *config.Config
	registry tenant.Registry
	resolver *tenant.Resolver
	router   *storage.Router
	prov     *storage.Provisioner
	schema   *schema.Manager
	gateway  *blob.Gateway
	backups  *backup.Orchestrator
	migrator *storage.TierMigrator
	metrics  *metrics.Metrics
	logger   *zap.Logger

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
}

// Deps bundles the server's collaborators.
type Deps struct {
	Registry tenant.Registry
	Resolver *tenant.Resolver
	Router   *storage.Router
	Prov     *storage.Provisioner
	Schema   *schema.Manager
	Gateway  *blob.Gateway
	Backups  *backup.Orchestrator
	Migrator *storage.TierMigrator
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
}

// New creates a configured Echo server with all routes registered.
func New(cfg *config.Config, d Deps) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true // We log the listen address ourselves.

	s := &Server{
		echo:     e,
		cfg:      cfg,
		registry: d.Registry,
		resolver: d.Resolver,
		router:   d.Router,
		prov:     d.Prov,
		schema:   d.Schema,
		gateway:  d.Gateway,
		backups:  d.Backups,
		migrator: d.Migrator,
		metrics:  d.Metrics,
		logger:   d.Logger,
		limiters: make(map[string]*rate.Limiter),
	}

	e.Use(middleware.Recover())
	e.Use(s.requestID)
	e.Use(s.requestLogger)

	s.registerRoutes()
	return s
}

const tenantContextKey = "tenantContext"

// getTenant retrieves the tenant context set by middleware.
func getTenant(c echo.Context) *tenant.Context {
	if tc, ok := c.Get(tenantContextKey).(*tenant.Context); ok {
		return tc
	}
	return nil
}

// requestID assigns a request id when the caller did not send one.
func (s *Server) requestID(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := c.Request().Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		c.Response().Header().Set("X-Request-Id", id)
		c.Set("requestID", id)
		return next(c)
	}
}

// requestLogger emits one structured line per request and records the
// request metrics.
func (s *Server) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		if err != nil {
			c.Error(err)
		}

		req := c.Request()
		status := c.Response().Status
		dur := time.Since(start)

		fields := []zap.Field{
			zap.String("method", req.Method),
			zap.String("path", req.URL.Path),
			zap.Int("status", status),
			zap.Duration("duration", dur),
		}
		if id, ok := c.Get("requestID").(string); ok {
			fields = append(fields, zap.String("request_id", id))
		}
		if tc := getTenant(c); tc != nil {
			fields = append(fields, zap.String("tenant_id", tc.TenantID))
		}
		s.logger.Info("request", fields...)

		s.metrics.RequestsTotal.WithLabelValues(req.Method, c.Path(), strconv.Itoa(status)).Inc()
		s.metrics.RequestDuration.WithLabelValues(req.Method, c.Path()).Observe(dur.Seconds())
		return nil
	}
}

// requireTenant resolves the tenant for the request and stores its
// context. Requests that cannot be attributed to an active tenant are
// rejected before any resource access.
func (s *Server) requireTenant(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		tc, err := s.resolver.Resolve(c.Request().Context(), c.Request())
		if err != nil {
			return s.respondError(c, err)
		}
		c.Set(tenantContextKey, tc)
		return next(c)
	}
}

// uploadLimit applies the per-tenant upload token bucket.
func (s *Server) uploadLimit(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		tc := getTenant(c)
		if tc == nil {
			return s.respondError(c, apperr.TenantNotFound("no tenant context"))
		}
		if !s.limiter(tc.TenantID).Allow() {
			return c.JSON(http.StatusTooManyRequests, map[string]string{
				"error":   "RateLimited",
				"message": "Upload rate limit exceeded",
			})
		}
		return next(c)
	}
}

func (s *Server) limiter(tenantID string) *rate.Limiter {
	s.limiterMu.Lock()
	defer s.limiterMu.Unlock()
	l, ok := s.limiters[tenantID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(s.cfg.UploadsPerSecond), s.cfg.UploadBurst)
		s.limiters[tenantID] = l
	}
	return l
}

// adminAuth is middleware that validates the Authorization header against
// the configured admin key. Management API endpoints are protected by
// this middleware.
func (s *Server) adminAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		auth := c.Request().Header.Get("Authorization")
		if auth == "" {
			return c.JSON(http.StatusUnauthorized, map[string]string{
				"error":   "AuthRequired",
				"message": "Authorization header is required",
			})
		}

		const prefix = "Bearer "
		if len(auth) <= len(prefix) || auth[:len(prefix)] != prefix {
			return c.JSON(http.StatusUnauthorized, map[string]string{
				"error":   "InvalidAuth",
				"message": "Authorization header must use Bearer scheme",
			})
		}

		if auth[len(prefix):] != s.cfg.AdminKey {
			return c.JSON(http.StatusForbidden, map[string]string{
				"error":   "Forbidden",
				"message": "Invalid admin key",
			})
		}

		return next(c)
	}
}

// respondError maps an error to its HTTP status and tenant-safe body.
// Internal causes are logged server-side and never serialized.
func (s *Server) respondError(c echo.Context, err error) error {
	kind := apperr.KindOf(err)
	status := apperr.HTTPStatus(err)

	body := map[string]any{
		"error":   string(kind),
		"message": "An internal error occurred",
	}
	var e *apperr.Error
	if errors.As(err, &e) {
		body["message"] = e.Message
		if len(e.Detail) > 0 {
			body["detail"] = e.Detail
		}
	}

	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("path", c.Request().URL.Path),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
	}
	s.metrics.RequestErrors.WithLabelValues(string(kind)).Inc()
	return c.JSON(status, body)
}

// Start begins listening for HTTP requests. It blocks until the context
// is cancelled, then performs a graceful shutdown allowing in-flight
// requests to complete.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", zap.String("addr", s.cfg.ListenAddr))
		if err := s.echo.Start(s.cfg.ListenAddr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("shutting down HTTP server")
		return s.echo.Shutdown(context.Background())
	}
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo { return s.echo }
