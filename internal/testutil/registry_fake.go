// Package testutil provides in-memory fakes shared by package tests.
package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/orkinosai/cms-storage/internal/tenant"
)

// FakeRegistry is an in-memory tenant.Registry for tests.
type FakeRegistry struct {
	mu         sync.Mutex
	Tenants    map[string]*tenant.Tenant
	Locators   map[string]*tenant.StorageLocator
	Domains    map[string]string // custom domain -> tenant id
	Migrations map[string]*tenant.TierMigration

	// GetCalls counts Get invocations, for cache tests.
	GetCalls int
}

// NewFakeRegistry creates an empty FakeRegistry.
func NewFakeRegistry() *FakeRegistry {
	return &FakeRegistry{
		Tenants:    make(map[string]*tenant.Tenant),
		Locators:   make(map[string]*tenant.StorageLocator),
		Domains:    make(map[string]string),
		Migrations: make(map[string]*tenant.TierMigration),
	}
}

// AddTenant seeds a tenant with its locator and optional custom domain.
func (f *FakeRegistry) AddTenant(t *tenant.Tenant, loc *tenant.StorageLocator, domain string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Tenants[t.ID] = t
	if loc != nil {
		f.Locators[t.ID] = loc
	}
	if domain != "" {
		f.Domains[domain] = t.ID
	}
}

func (f *FakeRegistry) Get(ctx context.Context, tenantID string) (*tenant.Tenant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.GetCalls++
	t, ok := f.Tenants[tenantID]
	if !ok {
		return nil, fmt.Errorf("%w: tenant %s", tenant.ErrNotFound, tenantID)
	}
	cp := *t
	return &cp, nil
}

func (f *FakeRegistry) GetByDomain(ctx context.Context, domain string) (*tenant.Tenant, error) {
	f.mu.Lock()
	id, ok := f.Domains[domain]
	f.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: domain %s", tenant.ErrNotFound, domain)
	}
	return f.Get(ctx, id)
}

func (f *FakeRegistry) List(ctx context.Context) ([]tenant.Tenant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []tenant.Tenant{}
	for _, t := range f.Tenants {
		out = append(out, *t)
	}
	return out, nil
}

func (f *FakeRegistry) Create(ctx context.Context, t *tenant.Tenant, loc *tenant.StorageLocator, customDomain string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.Tenants[t.ID]; exists {
		return fmt.Errorf("duplicate key: tenant %s", t.ID)
	}
	cp := *t
	f.Tenants[t.ID] = &cp
	if loc != nil {
		lcp := *loc
		f.Locators[t.ID] = &lcp
	}
	if customDomain != "" {
		f.Domains[customDomain] = t.ID
	}
	return nil
}

func (f *FakeRegistry) SetStatus(ctx context.Context, tenantID string, status tenant.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.Tenants[tenantID]
	if !ok {
		return fmt.Errorf("%w: tenant %s", tenant.ErrNotFound, tenantID)
	}
	t.Status = status
	return nil
}

func (f *FakeRegistry) Locator(ctx context.Context, tenantID string) (*tenant.StorageLocator, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	loc, ok := f.Locators[tenantID]
	if !ok {
		return nil, fmt.Errorf("%w: locator for tenant %s", tenant.ErrNotFound, tenantID)
	}
	cp := *loc
	return &cp, nil
}

func (f *FakeRegistry) FlipLocator(ctx context.Context, tenantID string, tier tenant.Tier, loc tenant.StorageLocator) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.Tenants[tenantID]
	if !ok {
		return fmt.Errorf("%w: tenant %s", tenant.ErrNotFound, tenantID)
	}
	t.Tier = tier
	t.Isolation = tenant.StrategyForTier(tier)
	loc.UpdatedAt = time.Now().UTC()
	f.Locators[tenantID] = &loc
	return nil
}

func (f *FakeRegistry) CreateTierMigration(ctx context.Context, m *tenant.TierMigration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *m
	f.Migrations[m.ID] = &cp
	return nil
}

func (f *FakeRegistry) UpdateTierMigration(ctx context.Context, id, status, detail string, finished bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.Migrations[id]
	if !ok {
		return fmt.Errorf("%w: migration %s", tenant.ErrNotFound, id)
	}
	m.Status = status
	m.Detail = detail
	if finished {
		now := time.Now().UTC()
		m.FinishedAt = &now
	}
	return nil
}

func (f *FakeRegistry) GetTierMigration(ctx context.Context, id string) (*tenant.TierMigration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.Migrations[id]
	if !ok {
		return nil, fmt.Errorf("%w: migration %s", tenant.ErrNotFound, id)
	}
	cp := *m
	return &cp, nil
}
