package tenant

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/orkinosai/cms-storage/internal/apperr"
)

// TenantIDHeader is the explicit service header carrying a tenant id.
const TenantIDHeader = "X-Tenant-Id"

// tenantClaims are the JWT claims accepted on authenticated requests.
// Only the tenant id is consumed here; full authentication flows live
// outside this service.
type tenantClaims struct {
	jwt.RegisteredClaims
	TenantID string `json:"tid"`
}

// Resolver derives a tenant Context from an inbound request. Resolution
// order: authenticated tenant claim, explicit service header, custom
// domain lookup, subdomain parse. The first source that yields a tenant
// id wins; later sources are not consulted.
type Resolver struct {
	registry   Registry
	secret     []byte
	baseDomain string
}

// NewResolver creates a Resolver over the given registry. secret
// validates tenant claim tokens; baseDomain enables subdomain parsing
// and may be empty.
func NewResolver(registry Registry, secret []byte, baseDomain string) *Resolver {
	return &Resolver{
		registry:   registry,
		secret:     secret,
		baseDomain: strings.ToLower(strings.TrimSpace(baseDomain)),
	}
}

// Resolve produces the tenant Context for a request, or TenantNotFound /
// TenantSuspended. Callers must refuse resource access on error.
func (r *Resolver) Resolve(ctx context.Context, req *http.Request) (*Context, error) {
	if id := r.claimTenantID(req); id != "" {
		return r.contextFor(ctx, id)
	}

	if id := strings.TrimSpace(req.Header.Get(TenantIDHeader)); id != "" {
		return r.contextFor(ctx, id)
	}

	host := stripPort(strings.ToLower(req.Host))
	if host == "" {
		return nil, apperr.TenantNotFound("no tenant claim, header, or host")
	}

	// Custom domain takes precedence over subdomain parsing: a customer
	// may point any domain at the platform.
	t, err := r.registry.GetByDomain(ctx, host)
	if err == nil {
		return r.contextForTenant(t)
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("tenant: resolve domain %q: %w", host, err)
	}

	if id := r.subdomainTenantID(host); id != "" {
		return r.contextFor(ctx, id)
	}

	return nil, apperr.TenantNotFound(host)
}

// claimTenantID extracts the tenant id from a Bearer token, if one is
// present and valid. Invalid tokens are ignored rather than rejected;
// the request may still resolve through a later source.
func (r *Resolver) claimTenantID(req *http.Request) string {
	h := req.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return ""
	}

	token, err := jwt.ParseWithClaims(h[len(prefix):], &tenantClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("tenant: unexpected signing method: %v", t.Header["alg"])
		}
		return r.secret, nil
	})
	if err != nil || !token.Valid {
		return ""
	}

	claims, ok := token.Claims.(*tenantClaims)
	if !ok {
		return ""
	}
	return claims.TenantID
}

// subdomainTenantID returns the first host label when the remainder
// matches the configured base domain.
func (r *Resolver) subdomainTenantID(host string) string {
	if r.baseDomain == "" {
		return ""
	}
	rest, found := strings.CutSuffix(host, "."+r.baseDomain)
	if !found || rest == "" || strings.Contains(rest, ".") {
		return ""
	}
	return rest
}

func (r *Resolver) contextFor(ctx context.Context, tenantID string) (*Context, error) {
	t, err := r.registry.Get(ctx, tenantID)
	if errors.Is(err, ErrNotFound) {
		return nil, apperr.TenantNotFound(tenantID)
	}
	if err != nil {
		return nil, fmt.Errorf("tenant: resolve %q: %w", tenantID, err)
	}
	return r.contextForTenant(t)
}

func (r *Resolver) contextForTenant(t *Tenant) (*Context, error) {
	if t.Status != StatusActive {
		return nil, apperr.TenantSuspended(t.ID)
	}
	return &Context{
		TenantID:  t.ID,
		Tier:      t.Tier,
		Isolation: t.Isolation,
	}, nil
}

// stripPort removes the port suffix from a host string. Hosts without
// a port, including bare IPv6 literals, pass through unchanged.
func stripPort(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}
