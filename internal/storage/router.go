package storage

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/orkinosai/cms-storage/internal/apperr"
	"github.com/orkinosai/cms-storage/internal/tenant"
)

// RouterOptions bound the router's external calls.
type RouterOptions struct {
	// RetryAttempts is the number of open/ping attempts before a
	// provider is reported unavailable.
	RetryAttempts int
	// RetryBackoff is the base delay between attempts, doubled each time.
	RetryBackoff time.Duration
	// Timeout bounds each individual attempt.
	Timeout time.Duration
}

// Router returns the storage provider handle for a tenant context. The
// locator's kind is resolved once per lookup (tagged variant, no runtime
// type inspection) and open handles are cached per tenant until the
// locator changes or the handle is invalidated.
type Router struct {
	registry tenant.Registry
	opts     RouterOptions
	logger   *zap.Logger

	mu      sync.Mutex
	handles map[string]routedHandle
	opening map[string]*sync.Mutex
}

type routedHandle struct {
	provider Provider
	dsn      string
}

// NewRouter creates a Router over a registry.
func NewRouter(registry tenant.Registry, opts RouterOptions, logger *zap.Logger) *Router {
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 3
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 200 * time.Millisecond
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &Router{
		registry: registry,
		opts:     opts,
		logger:   logger,
		handles:  make(map[string]routedHandle),
		opening:  make(map[string]*sync.Mutex),
	}
}

// Provider returns the tenant's storage handle, opening it on first use.
// A handle whose locator DSN has changed (tier migration flipped the
// locator) is closed and reopened transparently.
func (r *Router) Provider(ctx context.Context, tc *tenant.Context) (Provider, error) {
	loc, err := r.registry.Locator(ctx, tc.TenantID)
	if err != nil {
		return nil, err
	}

	if p, ok := r.cached(tc.TenantID, loc.DSN); ok {
		return p, nil
	}

	// Opens are serialized per tenant. The map mutex is never held
	// across an open, so a tenant with an unreachable provider cannot
	// stall lookups for other tenants.
	l := r.tenantLock(tc.TenantID)
	l.Lock()
	defer l.Unlock()

	if p, ok := r.cached(tc.TenantID, loc.DSN); ok {
		return p, nil
	}
	// Drop a stale handle from before a locator flip.
	r.evict(tc.TenantID)

	p, err := r.openWithRetry(ctx, loc)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.handles[tc.TenantID] = routedHandle{provider: p, dsn: loc.DSN}
	r.mu.Unlock()
	return p, nil
}

// cached returns the tenant's handle when its DSN still matches the
// locator.
func (r *Router) cached(tenantID, dsn string) (Provider, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.handles[tenantID]; ok && h.dsn == dsn {
		return h.provider, true
	}
	return nil, false
}

func (r *Router) tenantLock(tenantID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.opening[tenantID]
	if !ok {
		l = &sync.Mutex{}
		r.opening[tenantID] = l
	}
	return l
}

// evict pops and closes the tenant's cached handle, if any.
func (r *Router) evict(tenantID string) {
	r.mu.Lock()
	h, ok := r.handles[tenantID]
	if ok {
		delete(r.handles, tenantID)
	}
	r.mu.Unlock()
	if ok {
		if err := h.provider.Close(); err != nil {
			r.logger.Warn("closing provider", zap.String("tenant_id", tenantID), zap.Error(err))
		}
	}
}

// Repository returns the tenant-scoped repository over the tenant's
// provider.
func (r *Router) Repository(ctx context.Context, tc *tenant.Context) (*Repository, error) {
	p, err := r.Provider(ctx, tc)
	if err != nil {
		return nil, err
	}
	return NewRepository(p), nil
}

// openWithRetry opens a provider with bounded retry and exponential
// backoff. A provider that stays unreachable through the budget surfaces
// as a single StorageUnavailable.
func (r *Router) openWithRetry(ctx context.Context, loc *tenant.StorageLocator) (Provider, error) {
	var lastErr error
	backoff := r.opts.RetryBackoff

	for attempt := 1; attempt <= r.opts.RetryAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
		p, err := Open(attemptCtx, loc)
		cancel()
		if err == nil {
			return p, nil
		}
		lastErr = err
		r.logger.Warn("provider open failed",
			zap.String("tenant_id", loc.TenantID),
			zap.String("kind", string(loc.Kind)),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)

		if ctx.Err() != nil {
			break
		}
		if attempt < r.opts.RetryAttempts {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, apperr.StorageUnavailable(ctx.Err())
			}
			backoff *= 2
		}
	}
	return nil, apperr.StorageUnavailable(lastErr)
}

// Invalidate closes and drops a tenant's cached handle. Called after a
// locator flip so the next request opens the new provider.
func (r *Router) Invalidate(tenantID string) {
	r.evict(tenantID)
}

// Close shuts down every cached handle. Call during graceful shutdown.
func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, h := range r.handles {
		if err := h.provider.Close(); err != nil {
			r.logger.Warn("closing provider", zap.String("tenant_id", id), zap.Error(err))
		}
		delete(r.handles, id)
	}
}
