package tenant_test

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orkinosai/cms-storage/internal/apperr"
	"github.com/orkinosai/cms-storage/internal/tenant"
	"github.com/orkinosai/cms-storage/internal/testutil"
)

const testSecret = "resolver-test-secret"

func seedRegistry() *testutil.FakeRegistry {
	reg := testutil.NewFakeRegistry()
	reg.AddTenant(&tenant.Tenant{
		ID:        "acme",
		Name:      "Acme",
		Tier:      tenant.TierFree,
		Isolation: tenant.IsolationEmbeddedFile,
		Status:    tenant.StatusActive,
	}, nil, "www.acme.com")
	reg.AddTenant(&tenant.Tenant{
		ID:        "frozen",
		Name:      "Frozen Co",
		Tier:      tenant.TierStandard,
		Isolation: tenant.IsolationSharedSchema,
		Status:    tenant.StatusSuspended,
	}, nil, "")
	return reg
}

func mintToken(t *testing.T, tenantID string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"tid": tenantID,
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return token
}

func TestResolveFromHeader(t *testing.T) {
	r := tenant.NewResolver(seedRegistry(), []byte(testSecret), "sites.example.com")

	req := httptest.NewRequest("GET", "http://anything.invalid/media/list", nil)
	req.Header.Set(tenant.TenantIDHeader, "acme")

	tc, err := r.Resolve(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "acme", tc.TenantID)
	assert.Equal(t, tenant.TierFree, tc.Tier)
	assert.Equal(t, tenant.IsolationEmbeddedFile, tc.Isolation)
}

func TestResolveFromClaimBeatsHeader(t *testing.T) {
	reg := seedRegistry()
	reg.AddTenant(&tenant.Tenant{
		ID: "other", Tier: tenant.TierFree,
		Isolation: tenant.IsolationEmbeddedFile, Status: tenant.StatusActive,
	}, nil, "")
	r := tenant.NewResolver(reg, []byte(testSecret), "")

	req := httptest.NewRequest("GET", "http://x.invalid/", nil)
	req.Header.Set("Authorization", "Bearer "+mintToken(t, "acme"))
	req.Header.Set(tenant.TenantIDHeader, "other")

	tc, err := r.Resolve(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "acme", tc.TenantID)
}

func TestResolveInvalidTokenFallsThrough(t *testing.T) {
	r := tenant.NewResolver(seedRegistry(), []byte(testSecret), "")

	req := httptest.NewRequest("GET", "http://x.invalid/", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	req.Header.Set(tenant.TenantIDHeader, "acme")

	tc, err := r.Resolve(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "acme", tc.TenantID)
}

func TestResolveFromCustomDomain(t *testing.T) {
	r := tenant.NewResolver(seedRegistry(), []byte(testSecret), "sites.example.com")

	req := httptest.NewRequest("GET", "http://www.acme.com:8443/media/list", nil)
	req.Host = "www.acme.com:8443"

	tc, err := r.Resolve(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "acme", tc.TenantID)
}

func TestResolveFromSubdomain(t *testing.T) {
	r := tenant.NewResolver(seedRegistry(), []byte(testSecret), "sites.example.com")

	req := httptest.NewRequest("GET", "http://acme.sites.example.com/media/list", nil)
	req.Host = "acme.sites.example.com"

	tc, err := r.Resolve(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "acme", tc.TenantID)
}

func TestResolveUnknownTenant(t *testing.T) {
	r := tenant.NewResolver(seedRegistry(), []byte(testSecret), "sites.example.com")

	req := httptest.NewRequest("GET", "http://nobody.sites.example.com/", nil)
	req.Host = "nobody.sites.example.com"

	_, err := r.Resolve(context.Background(), req)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindTenantNotFound))
}

func TestResolveNoSource(t *testing.T) {
	r := tenant.NewResolver(seedRegistry(), []byte(testSecret), "sites.example.com")

	req := httptest.NewRequest("GET", "http://unrelated.example.org/", nil)
	req.Host = "unrelated.example.org"

	_, err := r.Resolve(context.Background(), req)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindTenantNotFound))
}

func TestResolveSuspendedTenant(t *testing.T) {
	r := tenant.NewResolver(seedRegistry(), []byte(testSecret), "")

	req := httptest.NewRequest("GET", "http://x.invalid/", nil)
	req.Header.Set(tenant.TenantIDHeader, "frozen")

	_, err := r.Resolve(context.Background(), req)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindTenantSuspended))
}

func TestStrategyForTier(t *testing.T) {
	assert.Equal(t, tenant.IsolationEmbeddedFile, tenant.StrategyForTier(tenant.TierFree))
	assert.Equal(t, tenant.IsolationSharedSchema, tenant.StrategyForTier(tenant.TierStandard))
	assert.Equal(t, tenant.IsolationDedicated, tenant.StrategyForTier(tenant.TierEnterprise))
}

func TestResolveIPv6HostNotMangled(t *testing.T) {
	reg := seedRegistry()
	reg.AddTenant(&tenant.Tenant{
		ID: "local", Tier: tenant.TierFree,
		Isolation: tenant.IsolationEmbeddedFile, Status: tenant.StatusActive,
	}, nil, "::1")
	r := tenant.NewResolver(reg, []byte(testSecret), "")

	// Bare IPv6 literal, no port.
	req := httptest.NewRequest("GET", "http://x.invalid/", nil)
	req.Host = "::1"
	tc, err := r.Resolve(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "local", tc.TenantID)

	// Bracketed IPv6 with a port strips to the same host.
	req = httptest.NewRequest("GET", "http://x.invalid/", nil)
	req.Host = "[::1]:8080"
	tc, err = r.Resolve(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "local", tc.TenantID)
}
