package server

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/orkinosai/cms-storage/internal/apperr"
)

// registerRoutes sets up all HTTP routes.
func (s *Server) registerRoutes() {
	// --- Public endpoints (no tenant, no auth) ---
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/health/detailed", s.handleHealthDetailed)
	s.echo.GET("/media/content", s.handleContent)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// --- Tenant endpoints (tenant resolution required) ---
	t := s.echo.Group("", s.requireTenant)
	t.POST("/media/:container", s.handleUpload, s.uploadLimit)
	t.GET("/media/list", s.handleList)
	t.DELETE("/media", s.handleDelete)
	t.GET("/media/sas-url", s.handleTemporaryURL)
	t.POST("/backup", s.handleCreateBackup)
	t.GET("/backup", s.handleListBackups)
	t.POST("/backup/restore/:backupId", s.handleRestore)
	t.GET("/backup/restore/:restoreId", s.handleRestoreStatus)
	t.DELETE("/backup/:backupId", s.handleDeleteBackup)

	// --- Management API (admin auth required) ---
	admin := s.echo.Group("/admin", s.adminAuth)
	admin.POST("/tenants", s.handleCreateTenant)
	admin.GET("/tenants", s.handleListTenants)
	admin.POST("/tenants/:id/status", s.handleSetTenantStatus)
	admin.POST("/tenants/:id/tier", s.handleChangeTier)
	admin.POST("/tenants/:id/backup/cancel", s.handleCancelBackup)
	admin.GET("/tenants/:id/schema", s.handleSchemaStatus)
	admin.POST("/tenants/:id/schema/apply", s.handleSchemaApply)
	admin.POST("/tenants/:id/schema/mark-applied", s.handleSchemaMarkApplied)
	admin.GET("/migrations/:id", s.handleGetMigration)
}

// handleHealth returns basic liveness information.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "ok",
		"version": "0.1.0",
	})
}

// handleHealthDetailed also probes the registry database and the blob
// backend. Degraded dependencies are reported with a 503.
func (s *Server) handleHealthDetailed(c echo.Context) error {
	ctx := c.Request().Context()
	checks := map[string]string{
		"registry": "ok",
		"blob":     "ok",
	}
	healthy := true

	if pinger, ok := s.registry.(interface {
		Ping(ctx context.Context) error
	}); ok {
		if err := pinger.Ping(ctx); err != nil {
			checks["registry"] = "unreachable"
			healthy = false
		}
	}
	if err := s.gateway.Ping(ctx); err != nil {
		checks["blob"] = "unreachable"
		healthy = false
	}

	status := http.StatusOK
	overall := "ok"
	if !healthy {
		status = http.StatusServiceUnavailable
		overall = "degraded"
	}
	return c.JSON(status, map[string]any{
		"status": overall,
		"checks": checks,
	})
}

// --- Media handlers ---

// handleUpload accepts one multipart file and stores it in the tenant's
// prefix of the named container.
func (s *Server) handleUpload(c echo.Context) error {
	tc := getTenant(c)
	container := c.Param("container")

	fh, err := c.FormFile("file")
	if err != nil {
		return s.respondError(c, apperr.Validation("multipart field 'file' is required"))
	}

	f, err := fh.Open()
	if err != nil {
		return s.respondError(c, apperr.Validation("unreadable multipart file"))
	}
	defer f.Close()

	// Never buffer more than the largest configured limit; the gateway
	// applies the exact per-container cap afterwards.
	limit := s.gateway.MaxUploadBytes()
	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return s.respondError(c, apperr.Validation("unreadable multipart file"))
	}
	if int64(len(data)) > limit {
		s.metrics.ValidationFails.WithLabelValues(string(apperr.KindValidation)).Inc()
		return s.respondError(c, apperr.Validation("file exceeds the upload size limit").
			WithDetail("limitBytes", limit))
	}

	contentType := fh.Header.Get("Content-Type")
	res, err := s.gateway.Upload(c.Request().Context(), tc, container, fh.Filename, contentType, data)
	if err != nil {
		if apperr.IsKind(err, apperr.KindValidation) || apperr.IsKind(err, apperr.KindSignatureMismatch) {
			s.metrics.ValidationFails.WithLabelValues(string(apperr.KindOf(err))).Inc()
		}
		return s.respondError(c, err)
	}

	s.metrics.UploadBytes.WithLabelValues(container).Add(float64(res.Size))
	return c.JSON(http.StatusCreated, res)
}

// handleList returns the tenant's inventory for one container.
func (s *Server) handleList(c echo.Context) error {
	tc := getTenant(c)
	container := c.QueryParam("containerType")

	files, err := s.gateway.List(c.Request().Context(), tc, container)
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"tenantId":      tc.TenantID,
		"containerType": container,
		"count":         len(files),
		"files":         files,
	})
}

// handleDelete removes one object from the tenant's prefix.
func (s *Server) handleDelete(c echo.Context) error {
	tc := getTenant(c)
	container := c.QueryParam("containerType")
	fileName := c.QueryParam("fileName")
	if fileName == "" {
		return s.respondError(c, apperr.Validation("fileName is required"))
	}

	if err := s.gateway.Delete(c.Request().Context(), tc, container, fileName); err != nil {
		return s.respondError(c, err)
	}
	s.metrics.ObjectsDeleted.WithLabelValues(container).Inc()
	return c.JSON(http.StatusOK, map[string]string{
		"message": "Deleted: " + fileName,
	})
}

// handleTemporaryURL issues a signed, expiring access URL for one object.
func (s *Server) handleTemporaryURL(c echo.Context) error {
	tc := getTenant(c)
	container := c.QueryParam("containerType")
	fileName := c.QueryParam("fileName")
	if fileName == "" {
		return s.respondError(c, apperr.Validation("fileName is required"))
	}

	minutes := 60
	if v := c.QueryParam("expiryMinutes"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return s.respondError(c, apperr.Validation("expiryMinutes must be an integer"))
		}
		minutes = n
	}

	signed, err := s.gateway.TemporaryURL(c.Request().Context(), tc, container, fileName,
		time.Duration(minutes)*time.Minute)
	if err != nil {
		return s.respondError(c, err)
	}
	s.metrics.TempURLsIssued.Inc()
	return c.JSON(http.StatusOK, signed)
}

// handleContent serves the object behind a temporary URL token.
func (s *Server) handleContent(c echo.Context) error {
	token := c.QueryParam("token")
	if token == "" {
		return s.respondError(c, apperr.Validation("token is required"))
	}

	obj, err := s.gateway.Fetch(c.Request().Context(), token)
	if err != nil {
		return s.respondError(c, err)
	}
	c.Response().Header().Set("Content-Disposition", `inline; filename="`+obj.FileName+`"`)
	return c.Blob(http.StatusOK, obj.ContentType, obj.Data)
}

// --- Backup handlers ---

type createBackupRequest struct {
	Containers []string `json:"containers"`
}

// handleCreateBackup starts a background backup and returns its pending
// record for polling.
func (s *Server) handleCreateBackup(c echo.Context) error {
	tc := getTenant(c)

	var req createBackupRequest
	if err := c.Bind(&req); err != nil {
		return s.respondError(c, apperr.Validation("invalid JSON body"))
	}

	b, err := s.backups.CreateBackup(c.Request().Context(), tc, req.Containers)
	if err != nil {
		s.metrics.BackupsTotal.WithLabelValues("rejected").Inc()
		return s.respondError(c, err)
	}
	s.metrics.BackupsTotal.WithLabelValues("started").Inc()
	return c.JSON(http.StatusAccepted, map[string]any{
		"backupId":       b.ID,
		"fileCount":      b.FileCount,
		"totalSizeBytes": b.TotalSizeBytes,
		"createdAt":      b.CreatedAt,
		"containers":     b.ContainerList(),
		"status":         b.Status,
	})
}

// handleListBackups returns the tenant's backups, newest first.
func (s *Server) handleListBackups(c echo.Context) error {
	tc := getTenant(c)
	backups, err := s.backups.ListBackups(c.Request().Context(), tc)
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"tenantId": tc.TenantID,
		"backups":  backups,
	})
}

// handleRestore starts a background restore and returns its pending
// record for polling.
func (s *Server) handleRestore(c echo.Context) error {
	tc := getTenant(c)
	backupID := c.Param("backupId")

	rec, err := s.backups.Restore(c.Request().Context(), tc, backupID)
	if err != nil {
		s.metrics.RestoresTotal.WithLabelValues("rejected").Inc()
		return s.respondError(c, err)
	}
	s.metrics.RestoresTotal.WithLabelValues("started").Inc()
	return c.JSON(http.StatusAccepted, rec)
}

// handleRestoreStatus returns a restore run's persisted record.
func (s *Server) handleRestoreStatus(c echo.Context) error {
	tc := getTenant(c)
	rec, err := s.backups.RestoreStatus(c.Request().Context(), tc, c.Param("restoreId"))
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, rec)
}

// handleDeleteBackup removes a backup and its copied objects.
func (s *Server) handleDeleteBackup(c echo.Context) error {
	tc := getTenant(c)
	backupID := c.Param("backupId")

	if err := s.backups.Delete(c.Request().Context(), tc, backupID); err != nil {
		return s.respondError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

