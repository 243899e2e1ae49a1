package tenant

import (
	"context"
	"sync"
	"time"
)

// CachedRegistry wraps a Registry with a bounded-TTL read cache. It is
// the only process-wide shared mutable state in the service: read-mostly,
// refreshed by TTL expiry or explicit invalidation on tier/status change.
type CachedRegistry struct {
	inner Registry
	ttl   time.Duration

	mu       sync.RWMutex
	tenants  map[string]cacheEntry[*Tenant]
	locators map[string]cacheEntry[*StorageLocator]
	domains  map[string]cacheEntry[*Tenant]
}

type cacheEntry[T any] struct {
	value   T
	expires time.Time
}

// NewCachedRegistry creates a cache over inner with the given TTL.
func NewCachedRegistry(inner Registry, ttl time.Duration) *CachedRegistry {
	return &CachedRegistry{
		inner:    inner,
		ttl:      ttl,
		tenants:  make(map[string]cacheEntry[*Tenant]),
		locators: make(map[string]cacheEntry[*StorageLocator]),
		domains:  make(map[string]cacheEntry[*Tenant]),
	}
}

// Invalidate drops every cached entry for a tenant. Called after any
// status, tier, or locator change so stale contexts cannot outlive the
// change by more than one in-flight request.
func (c *CachedRegistry) Invalidate(tenantID string) {
	c.mu.Lock()
	delete(c.tenants, tenantID)
	delete(c.locators, tenantID)
	for d, e := range c.domains {
		if e.value != nil && e.value.ID == tenantID {
			delete(c.domains, d)
		}
	}
	c.mu.Unlock()
}

// Ping forwards a connectivity probe to the backing registry.
func (c *CachedRegistry) Ping(ctx context.Context) error {
	if p, ok := c.inner.(interface{ Ping(ctx context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}

// Get returns a tenant, serving from cache within the TTL.
func (c *CachedRegistry) Get(ctx context.Context, tenantID string) (*Tenant, error) {
	c.mu.RLock()
	e, ok := c.tenants[tenantID]
	c.mu.RUnlock()
	if ok && time.Now().Before(e.expires) {
		return e.value, nil
	}

	t, err := c.inner.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.tenants[tenantID] = cacheEntry[*Tenant]{value: t, expires: time.Now().Add(c.ttl)}
	c.mu.Unlock()
	return t, nil
}

// GetByDomain returns the tenant owning a custom domain, cached by domain.
func (c *CachedRegistry) GetByDomain(ctx context.Context, domain string) (*Tenant, error) {
	c.mu.RLock()
	e, ok := c.domains[domain]
	c.mu.RUnlock()
	if ok && time.Now().Before(e.expires) {
		return e.value, nil
	}

	t, err := c.inner.GetByDomain(ctx, domain)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.domains[domain] = cacheEntry[*Tenant]{value: t, expires: time.Now().Add(c.ttl)}
	c.mu.Unlock()
	return t, nil
}

// Locator returns the tenant's active storage locator, cached.
func (c *CachedRegistry) Locator(ctx context.Context, tenantID string) (*StorageLocator, error) {
	c.mu.RLock()
	e, ok := c.locators[tenantID]
	c.mu.RUnlock()
	if ok && time.Now().Before(e.expires) {
		return e.value, nil
	}

	loc, err := c.inner.Locator(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.locators[tenantID] = cacheEntry[*StorageLocator]{value: loc, expires: time.Now().Add(c.ttl)}
	c.mu.Unlock()
	return loc, nil
}

// List is a passthrough; tenant listings are admin-only and rare.
func (c *CachedRegistry) List(ctx context.Context) ([]Tenant, error) {
	return c.inner.List(ctx)
}

// Create writes through and leaves the cache cold for the new tenant.
func (c *CachedRegistry) Create(ctx context.Context, t *Tenant, loc *StorageLocator, customDomain string) error {
	return c.inner.Create(ctx, t, loc, customDomain)
}

// SetStatus writes through and invalidates the tenant.
func (c *CachedRegistry) SetStatus(ctx context.Context, tenantID string, status Status) error {
	if err := c.inner.SetStatus(ctx, tenantID, status); err != nil {
		return err
	}
	c.Invalidate(tenantID)
	return nil
}

// FlipLocator writes through and invalidates the tenant.
func (c *CachedRegistry) FlipLocator(ctx context.Context, tenantID string, tier Tier, loc StorageLocator) error {
	if err := c.inner.FlipLocator(ctx, tenantID, tier, loc); err != nil {
		return err
	}
	c.Invalidate(tenantID)
	return nil
}

// CreateTierMigration is a passthrough.
func (c *CachedRegistry) CreateTierMigration(ctx context.Context, m *TierMigration) error {
	return c.inner.CreateTierMigration(ctx, m)
}

// UpdateTierMigration is a passthrough.
func (c *CachedRegistry) UpdateTierMigration(ctx context.Context, id, status, detail string, finished bool) error {
	return c.inner.UpdateTierMigration(ctx, id, status, detail, finished)
}

// GetTierMigration is a passthrough; migration status must never be stale.
func (c *CachedRegistry) GetTierMigration(ctx context.Context, id string) (*TierMigration, error) {
	return c.inner.GetTierMigration(ctx, id)
}
