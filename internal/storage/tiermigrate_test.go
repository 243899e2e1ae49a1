package storage_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/orkinosai/cms-storage/internal/apperr"
	"github.com/orkinosai/cms-storage/internal/schema"
	"github.com/orkinosai/cms-storage/internal/storage"
	"github.com/orkinosai/cms-storage/internal/tenant"
	"github.com/orkinosai/cms-storage/internal/testutil"
)

func newMigrator(t *testing.T, reg *testutil.FakeRegistry) *storage.TierMigrator {
	t.Helper()
	logger := zap.NewNop()
	router := storage.NewRouter(reg, storage.RouterOptions{}, logger)
	t.Cleanup(router.Close)
	prov := storage.NewProvisioner(t.TempDir(), "postgres://u:p@localhost:5432", "cms_shared", "cms_registry", logger)
	return storage.NewTierMigrator(reg, router, prov, schema.NewManager(schema.Manifest(), logger), logger)
}

func TestTierMigrationRejectsUnknownTier(t *testing.T) {
	reg := testutil.NewFakeRegistry()
	embeddedTenant(t, reg, "t1")
	m := newMigrator(t, reg)

	_, err := m.Start(context.Background(), "t1", tenant.Tier("platinum"))
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
}

func TestTierMigrationRejectsSameTier(t *testing.T) {
	reg := testutil.NewFakeRegistry()
	embeddedTenant(t, reg, "t1")
	m := newMigrator(t, reg)

	_, err := m.Start(context.Background(), "t1", tenant.TierFree)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
}

func TestTierMigrationUnknownTenant(t *testing.T) {
	reg := testutil.NewFakeRegistry()
	m := newMigrator(t, reg)

	_, err := m.Start(context.Background(), "ghost", tenant.TierStandard)
	require.Error(t, err)
	assert.ErrorIs(t, err, tenant.ErrNotFound)
}

func TestBuildLocatorPerStrategy(t *testing.T) {
	prov := storage.NewProvisioner("/data/sqlite", "postgres://u:p@db:5432", "cms_shared", "cms_registry", zap.NewNop())

	loc := prov.BuildLocator("acme-co", tenant.IsolationEmbeddedFile)
	assert.Equal(t, tenant.IsolationEmbeddedFile, loc.Kind)
	assert.Equal(t, "/data/sqlite/acme-co.db", loc.DSN)
	assert.Equal(t, "acme-co", loc.BlobPrefix)

	loc = prov.BuildLocator("acme-co", tenant.IsolationSharedSchema)
	assert.Equal(t, tenant.IsolationSharedSchema, loc.Kind)
	assert.Contains(t, loc.DSN, "cms_shared")
	assert.Contains(t, loc.DSN, "search_path=tenant_acme_co")

	loc = prov.BuildLocator("acme-co", tenant.IsolationDedicated)
	assert.Equal(t, tenant.IsolationDedicated, loc.Kind)
	assert.Contains(t, loc.DSN, "cms_tenant_acme_co")
}
