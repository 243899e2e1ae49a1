package server

import (
	"errors"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/orkinosai/cms-storage/internal/apperr"
	"github.com/orkinosai/cms-storage/internal/storage"
	"github.com/orkinosai/cms-storage/internal/tenant"
)

// tenantIDPattern constrains tenant ids: they become schema names,
// database names, file names, and key prefixes.
var tenantIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,62}$`)

type createTenantRequest struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Tier         string `json:"tier"`
	CustomDomain string `json:"customDomain"`
}

// handleCreateTenant provisions a tenant: registry row, storage locator,
// backing store, and schema.
func (s *Server) handleCreateTenant(c echo.Context) error {
	var req createTenantRequest
	if err := c.Bind(&req); err != nil {
		return s.respondError(c, apperr.Validation("invalid JSON body"))
	}

	req.ID = strings.TrimSpace(strings.ToLower(req.ID))
	if !tenantIDPattern.MatchString(req.ID) {
		return s.respondError(c, apperr.Validation("id must be lowercase alphanumeric with hyphens").
			WithDetail("id", req.ID))
	}
	tier := tenant.Tier(req.Tier)
	if !tier.Valid() {
		return s.respondError(c, apperr.Validation("unknown tier").WithDetail("tier", req.Tier))
	}
	if req.Name == "" {
		req.Name = req.ID
	}

	ctx := c.Request().Context()
	strategy := tenant.StrategyForTier(tier)
	loc := s.prov.BuildLocator(req.ID, strategy)
	if err := s.prov.EnsureTarget(ctx, &loc); err != nil {
		return s.respondError(c, apperr.StorageUnavailable(err))
	}

	t := &tenant.Tenant{
		ID:        req.ID,
		Name:      req.Name,
		Tier:      tier,
		Isolation: strategy,
		Status:    tenant.StatusActive,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.registry.Create(ctx, t, &loc, strings.ToLower(strings.TrimSpace(req.CustomDomain))); err != nil {
		if isDuplicateKey(err) {
			return c.JSON(http.StatusConflict, map[string]string{
				"error":   "TenantExists",
				"message": "Tenant already exists: " + req.ID,
			})
		}
		return s.respondError(c, err)
	}

	tc := &tenant.Context{TenantID: t.ID, Tier: t.Tier, Isolation: t.Isolation}
	p, err := s.router.Provider(ctx, tc)
	if err != nil {
		return s.respondError(c, err)
	}
	if _, err := s.schema.Apply(ctx, t.ID, p); err != nil {
		return s.respondError(c, err)
	}

	s.logger.Info("tenant provisioned",
		zap.String("tenant_id", t.ID),
		zap.String("tier", string(t.Tier)),
		zap.String("isolation", string(t.Isolation)),
	)
	return c.JSON(http.StatusCreated, t)
}

// handleListTenants returns all tenants.
func (s *Server) handleListTenants(c echo.Context) error {
	tenants, err := s.registry.List(c.Request().Context())
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"tenants": tenants,
	})
}

type setStatusRequest struct {
	Status string `json:"status"`
}

// handleSetTenantStatus suspends or reactivates a tenant. The registry
// cache is invalidated write-through, so suspension takes effect within
// one request.
func (s *Server) handleSetTenantStatus(c echo.Context) error {
	id := c.Param("id")

	var req setStatusRequest
	if err := c.Bind(&req); err != nil {
		return s.respondError(c, apperr.Validation("invalid JSON body"))
	}
	status := tenant.Status(req.Status)
	switch status {
	case tenant.StatusActive, tenant.StatusSuspended:
	default:
		return s.respondError(c, apperr.Validation("status must be 'active' or 'suspended'"))
	}

	if err := s.registry.SetStatus(c.Request().Context(), id, status); err != nil {
		if errors.Is(err, tenant.ErrNotFound) {
			return s.respondError(c, apperr.New(apperr.KindNotFound, "tenant not found").
				WithDetail("tenantId", id))
		}
		return s.respondError(c, err)
	}

	s.logger.Info("tenant status changed",
		zap.String("tenant_id", id),
		zap.String("status", req.Status),
	)
	return c.JSON(http.StatusOK, map[string]string{
		"tenantId": id,
		"status":   req.Status,
	})
}

type changeTierRequest struct {
	Tier string `json:"tier"`
}

// handleChangeTier starts a supervised tier migration and returns the
// pollable migration record.
func (s *Server) handleChangeTier(c echo.Context) error {
	id := c.Param("id")

	var req changeTierRequest
	if err := c.Bind(&req); err != nil {
		return s.respondError(c, apperr.Validation("invalid JSON body"))
	}

	mig, err := s.migrator.Start(c.Request().Context(), id, tenant.Tier(req.Tier))
	if err != nil {
		if errors.Is(err, tenant.ErrNotFound) {
			return s.respondError(c, apperr.New(apperr.KindNotFound, "tenant not found").
				WithDetail("tenantId", id))
		}
		s.metrics.TierMigrationsTotal.WithLabelValues("rejected").Inc()
		return s.respondError(c, err)
	}
	s.metrics.TierMigrationsTotal.WithLabelValues("started").Inc()
	return c.JSON(http.StatusAccepted, mig)
}

// handleCancelBackup cooperatively stops a tenant's in-flight backup or
// restore. Operator path; the run stops at the next object boundary.
func (s *Server) handleCancelBackup(c echo.Context) error {
	id := c.Param("id")
	if err := s.backups.Cancel(id); err != nil {
		return s.respondError(c, err)
	}
	s.logger.Info("backup cancellation requested", zap.String("tenant_id", id))
	return c.JSON(http.StatusAccepted, map[string]string{
		"tenantId": id,
		"status":   "cancelling",
	})
}

// handleGetMigration returns a tier migration's persisted status.
func (s *Server) handleGetMigration(c echo.Context) error {
	mig, err := s.registry.GetTierMigration(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, tenant.ErrNotFound) {
			return s.respondError(c, apperr.New(apperr.KindNotFound, "migration not found").
				WithDetail("migrationId", c.Param("id")))
		}
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, mig)
}

// --- Schema management ---

// handleSchemaStatus reports a tenant's schema state without changing it.
func (s *Server) handleSchemaStatus(c echo.Context) error {
	_, p, err := s.openTarget(c, c.Param("id"))
	if err != nil {
		return s.respondError(c, err)
	}
	status, err := s.schema.Check(c.Request().Context(), p)
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, status)
}

// handleSchemaApply applies pending migrations to a tenant's store.
// Drifted stores are refused; resolve with mark-applied after manual
// reconciliation.
func (s *Server) handleSchemaApply(c echo.Context) error {
	id := c.Param("id")
	_, p, err := s.openTarget(c, id)
	if err != nil {
		return s.respondError(c, err)
	}
	status, err := s.schema.Apply(c.Request().Context(), id, p)
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, status)
}

type markAppliedRequest struct {
	IDs []string `json:"ids"`
}

// handleSchemaMarkApplied records migrations as applied without running
// them. Operator path for drift resolution.
func (s *Server) handleSchemaMarkApplied(c echo.Context) error {
	var req markAppliedRequest
	if err := c.Bind(&req); err != nil {
		return s.respondError(c, apperr.Validation("invalid JSON body"))
	}
	if len(req.IDs) == 0 {
		return s.respondError(c, apperr.Validation("ids is required"))
	}

	_, p, err := s.openTarget(c, c.Param("id"))
	if err != nil {
		return s.respondError(c, err)
	}
	if err := s.schema.MarkApplied(c.Request().Context(), p, req.IDs); err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"marked": req.IDs,
	})
}

// openTarget loads a tenant and opens its provider.
func (s *Server) openTarget(c echo.Context, tenantID string) (*tenant.Context, storage.Provider, error) {
	t, err := s.registry.Get(c.Request().Context(), tenantID)
	if errors.Is(err, tenant.ErrNotFound) {
		return nil, nil, apperr.New(apperr.KindNotFound, "tenant not found").
			WithDetail("tenantId", tenantID)
	}
	if err != nil {
		return nil, nil, err
	}
	tc := &tenant.Context{TenantID: t.ID, Tier: t.Tier, Isolation: t.Isolation}
	p, err := s.router.Provider(c.Request().Context(), tc)
	if err != nil {
		return nil, nil, err
	}
	return tc, p, nil
}

// isDuplicateKey checks whether an error is a PostgreSQL unique
// constraint violation (error code 23505).
func isDuplicateKey(err error) bool {
	return strings.Contains(err.Error(), "23505") ||
		strings.Contains(err.Error(), "duplicate key") ||
		strings.Contains(err.Error(), "unique constraint")
}
