package tenant_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orkinosai/cms-storage/internal/tenant"
)

func TestCachedGetServesFromCache(t *testing.T) {
	reg := seedRegistry()
	cached := tenant.NewCachedRegistry(reg, time.Minute)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		got, err := cached.Get(ctx, "acme")
		require.NoError(t, err)
		assert.Equal(t, "acme", got.ID)
	}
	assert.Equal(t, 1, reg.GetCalls)
}

func TestCachedGetExpires(t *testing.T) {
	reg := seedRegistry()
	cached := tenant.NewCachedRegistry(reg, time.Millisecond)

	ctx := context.Background()
	_, err := cached.Get(ctx, "acme")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	_, err = cached.Get(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 2, reg.GetCalls)
}

func TestSetStatusInvalidatesCache(t *testing.T) {
	reg := seedRegistry()
	cached := tenant.NewCachedRegistry(reg, time.Hour)

	ctx := context.Background()
	got, err := cached.Get(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, tenant.StatusActive, got.Status)

	require.NoError(t, cached.SetStatus(ctx, "acme", tenant.StatusSuspended))

	got, err = cached.Get(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, tenant.StatusSuspended, got.Status)
}

func TestFlipLocatorInvalidatesCache(t *testing.T) {
	reg := seedRegistry()
	reg.Locators["acme"] = &tenant.StorageLocator{
		TenantID: "acme",
		Kind:     tenant.IsolationEmbeddedFile,
		DSN:      "/tmp/acme.db",
	}
	cached := tenant.NewCachedRegistry(reg, time.Hour)

	ctx := context.Background()
	loc, err := cached.Locator(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, tenant.IsolationEmbeddedFile, loc.Kind)

	newLoc := tenant.StorageLocator{
		TenantID: "acme",
		Kind:     tenant.IsolationSharedSchema,
		DSN:      "postgres://db/cms_shared?search_path=tenant_acme",
	}
	require.NoError(t, cached.FlipLocator(ctx, "acme", tenant.TierStandard, newLoc))

	loc, err = cached.Locator(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, tenant.IsolationSharedSchema, loc.Kind)

	got, err := cached.Get(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, tenant.TierStandard, got.Tier)
}

func TestCachedGetByDomainInvalidation(t *testing.T) {
	reg := seedRegistry()
	cached := tenant.NewCachedRegistry(reg, time.Hour)

	ctx := context.Background()
	got, err := cached.GetByDomain(ctx, "www.acme.com")
	require.NoError(t, err)
	assert.Equal(t, "acme", got.ID)

	require.NoError(t, cached.SetStatus(ctx, "acme", tenant.StatusSuspended))

	got, err = cached.GetByDomain(ctx, "www.acme.com")
	require.NoError(t, err)
	assert.Equal(t, tenant.StatusSuspended, got.Status)
}
