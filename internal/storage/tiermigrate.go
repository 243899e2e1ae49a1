package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orkinosai/cms-storage/internal/apperr"
	"github.com/orkinosai/cms-storage/internal/schema"
	"github.com/orkinosai/cms-storage/internal/tenant"
)

// migrationTimeout bounds a whole background tier migration run.
const migrationTimeout = 30 * time.Minute

// TierMigrator runs supervised tier changes: export from the old
// provider, create the target, import, verify, atomically flip the
// storage locator, then decommission the old store. Any failure before
// the flip leaves the tenant on the old, working provider with zero
// visible downtime.
type TierMigrator struct {
	registry tenant.Registry
	router   *Router
	prov     *Provisioner
	schema   *schema.Manager
	logger   *zap.Logger

	mu       sync.Mutex
	inflight map[string]bool
}

// NewTierMigrator wires a migrator.
func NewTierMigrator(registry tenant.Registry, router *Router, prov *Provisioner, sm *schema.Manager, logger *zap.Logger) *TierMigrator {
	return &TierMigrator{
		registry: registry,
		router:   router,
		prov:     prov,
		schema:   sm,
		logger:   logger,
		inflight: make(map[string]bool),
	}
}

// Start validates and records a tier migration, then runs it in the
// background. The returned record is pollable by id; tier changes are
// never silent or implicit.
func (m *TierMigrator) Start(ctx context.Context, tenantID string, to tenant.Tier) (*tenant.TierMigration, error) {
	if !to.Valid() {
		return nil, apperr.Validation("unknown tier: " + string(to))
	}

	t, err := m.registry.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if t.Tier == to {
		return nil, apperr.Validation("tenant already on tier " + string(to))
	}
	if tenant.StrategyForTier(to) == t.Isolation {
		return nil, apperr.Validation("tier change does not alter the isolation strategy")
	}

	m.mu.Lock()
	if m.inflight[tenantID] {
		m.mu.Unlock()
		return nil, apperr.New(apperr.KindMigrationConflict, "a tier migration is already running for this tenant").
			WithDetail("tenantId", tenantID)
	}
	m.inflight[tenantID] = true
	m.mu.Unlock()

	mig := &tenant.TierMigration{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		FromTier:  t.Tier,
		ToTier:    to,
		Status:    tenant.MigrationPending,
		StartedAt: time.Now().UTC(),
	}
	if err := m.registry.CreateTierMigration(ctx, mig); err != nil {
		m.release(tenantID)
		return nil, err
	}

	go m.run(mig, to)
	return mig, nil
}

func (m *TierMigrator) release(tenantID string) {
	m.mu.Lock()
	delete(m.inflight, tenantID)
	m.mu.Unlock()
}

// run executes the migration steps on a detached, bounded context.
func (m *TierMigrator) run(mig *tenant.TierMigration, to tenant.Tier) {
	defer m.release(mig.TenantID)

	ctx, cancel := context.WithTimeout(context.Background(), migrationTimeout)
	defer cancel()

	if err := m.execute(ctx, mig, to); err != nil {
		// The old locator is still active; the operator resolves from
		// the persisted record.
		m.logger.Error("tier migration failed; tenant remains on old provider",
			zap.String("tenant_id", mig.TenantID),
			zap.String("migration_id", mig.ID),
			zap.Error(err),
		)
		if uerr := m.registry.UpdateTierMigration(ctx, mig.ID, tenant.MigrationFailed, err.Error(), true); uerr != nil {
			m.logger.Error("recording migration failure", zap.String("migration_id", mig.ID), zap.Error(uerr))
		}
	}
}

func (m *TierMigrator) execute(ctx context.Context, mig *tenant.TierMigration, to tenant.Tier) error {
	update := func(status, detail string, finished bool) error {
		return m.registry.UpdateTierMigration(ctx, mig.ID, status, detail, finished)
	}

	if err := update(tenant.MigrationRunning, "", false); err != nil {
		return err
	}

	oldLoc, err := m.registry.Locator(ctx, mig.TenantID)
	if err != nil {
		return err
	}
	source, err := Open(ctx, oldLoc)
	if err != nil {
		return fmt.Errorf("storage: open source provider: %w", err)
	}
	defer source.Close() //nolint:errcheck

	snap, err := NewRepository(source).Export(ctx)
	if err != nil {
		return err
	}

	newLoc := m.prov.BuildLocator(mig.TenantID, tenant.StrategyForTier(to))
	if err := m.prov.EnsureTarget(ctx, &newLoc); err != nil {
		return err
	}

	target, err := Open(ctx, &newLoc)
	if err != nil {
		m.cleanupTarget(ctx, &newLoc)
		return fmt.Errorf("storage: open target provider: %w", err)
	}
	defer target.Close() //nolint:errcheck

	targetRepo := NewRepository(target)
	if _, err := m.schema.Apply(ctx, mig.TenantID, target); err != nil {
		m.cleanupTarget(ctx, &newLoc)
		return err
	}
	if err := targetRepo.Import(ctx, snap); err != nil {
		m.cleanupTarget(ctx, &newLoc)
		return err
	}

	// Verify before the flip: the target must hold exactly what was
	// exported.
	got, err := targetRepo.Counts(ctx)
	if err != nil {
		m.cleanupTarget(ctx, &newLoc)
		return err
	}
	want := Counts{
		BlobObjects:   len(snap.BlobObjects),
		Backups:       len(snap.Backups),
		BackupObjects: len(snap.BackupObjects),
		Restores:      len(snap.Restores),
	}
	if got != want {
		m.cleanupTarget(ctx, &newLoc)
		return fmt.Errorf("storage: migration verify mismatch: imported %+v, expected %+v", got, want)
	}
	if err := update(tenant.MigrationVerified, "", false); err != nil {
		return err
	}

	// The cutover: one registry transaction replaces the locator and the
	// tier. There is never a dual-active window.
	if err := m.registry.FlipLocator(ctx, mig.TenantID, to, newLoc); err != nil {
		m.cleanupTarget(ctx, &newLoc)
		return err
	}
	m.router.Invalidate(mig.TenantID)

	// Past the flip the migration is a success; decommission trouble is
	// logged for the operator, not reported as failure.
	if err := m.prov.Decommission(ctx, oldLoc); err != nil {
		m.logger.Warn("decommission of old provider failed",
			zap.String("tenant_id", mig.TenantID),
			zap.String("kind", string(oldLoc.Kind)),
			zap.Error(err),
		)
	}

	m.logger.Info("tier migration complete",
		zap.String("tenant_id", mig.TenantID),
		zap.String("from", string(mig.FromTier)),
		zap.String("to", string(to)),
	)
	return update(tenant.MigrationComplete, "", true)
}

// cleanupTarget removes a half-built target store after a pre-flip
// failure. Best effort.
func (m *TierMigrator) cleanupTarget(ctx context.Context, loc *tenant.StorageLocator) {
	if err := m.prov.Decommission(ctx, loc); err != nil {
		m.logger.Warn("cleanup of migration target failed",
			zap.String("tenant_id", loc.TenantID),
			zap.Error(err),
		)
	}
}
