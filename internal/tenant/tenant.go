// Package tenant provides the tenant data model, the durable tenant
// registry, and request-time tenant resolution. Every storage operation
// in the system starts from a TenantContext produced here.
package tenant

import "time"

// Tier is the billing tier a tenant is provisioned on. The tier decides
// the isolation strategy.
type Tier string

const (
	TierFree       Tier = "free"
	TierStandard   Tier = "standard"
	TierEnterprise Tier = "enterprise"
)

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	switch t {
	case TierFree, TierStandard, TierEnterprise:
		return true
	}
	return false
}

// IsolationStrategy is the storage topology assigned to a tenant.
type IsolationStrategy string

const (
	// IsolationEmbeddedFile stores the tenant in a dedicated SQLite file.
	// Isolation is structural: a distinct resource handle per tenant.
	IsolationEmbeddedFile IsolationStrategy = "embedded-file"
	// IsolationSharedSchema stores the tenant in a shared database with
	// a tenant-owned schema baked into the connection.
	IsolationSharedSchema IsolationStrategy = "shared-schema"
	// IsolationDedicated stores the tenant on a fully separate database
	// endpoint.
	IsolationDedicated IsolationStrategy = "dedicated"
)

// StrategyForTier returns the isolation strategy a tier is provisioned on.
func StrategyForTier(t Tier) IsolationStrategy {
	switch t {
	case TierEnterprise:
		return IsolationDedicated
	case TierStandard:
		return IsolationSharedSchema
	default:
		return IsolationEmbeddedFile
	}
}

// Status is a tenant's lifecycle state.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
)

// Tenant is a logically isolated customer account.
type Tenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Tier      Tier      `json:"tier"`
	Isolation IsolationStrategy `json:"isolationStrategy"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

// StorageLocator describes where a tenant's relational data lives.
// Exactly one locator is active per tenant at a time; tier changes flip
// it atomically, never leaving two active.
type StorageLocator struct {
	TenantID   string            `json:"tenantId"`
	Kind       IsolationStrategy `json:"kind"`
	DSN        string            `json:"dsn"`
	BlobPrefix string            `json:"blobPrefix"`
	UpdatedAt  time.Time         `json:"updatedAt"`
}

// Context is the resolved tenant identity attached to a request. It is
// immutable once produced and safe to pass across goroutines.
type Context struct {
	TenantID  string
	Tier      Tier
	Isolation IsolationStrategy
}
