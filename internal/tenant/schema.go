package tenant

// RegistrySchema contains the SQL statements for the registry database.
// It stores the tenant directory, the active storage locator per tenant,
// custom domain mappings, and supervised tier migration records.
const RegistrySchema = `
-- tenants: One row per customer account.
CREATE TABLE IF NOT EXISTS tenants (
    id          VARCHAR(64) PRIMARY KEY,
    name        VARCHAR(255) NOT NULL,
    tier        VARCHAR(20) NOT NULL,
    isolation   VARCHAR(20) NOT NULL,
    status      VARCHAR(20) NOT NULL DEFAULT 'active',
    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_tenants_status ON tenants(status);

-- storage_locators: Exactly one active locator per tenant. Tier changes
-- replace the row inside a transaction so there is never a dual-active
-- window.
CREATE TABLE IF NOT EXISTS storage_locators (
    tenant_id   VARCHAR(64) PRIMARY KEY REFERENCES tenants(id) ON DELETE CASCADE,
    kind        VARCHAR(20) NOT NULL,
    dsn         TEXT NOT NULL,
    blob_prefix VARCHAR(255) NOT NULL,
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

-- custom_domains: Maps a customer-owned domain to its tenant for
-- request-time resolution.
CREATE TABLE IF NOT EXISTS custom_domains (
    domain     VARCHAR(253) PRIMARY KEY,
    tenant_id  VARCHAR(64) NOT NULL REFERENCES tenants(id) ON DELETE CASCADE
);

-- tier_migrations: Supervised tier-change runs. The status row is the
-- pollable record of a background migration and survives restarts.
CREATE TABLE IF NOT EXISTS tier_migrations (
    id          VARCHAR(64) PRIMARY KEY,
    tenant_id   VARCHAR(64) NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
    from_tier   VARCHAR(20) NOT NULL,
    to_tier     VARCHAR(20) NOT NULL,
    status      VARCHAR(20) NOT NULL DEFAULT 'pending',
    detail      TEXT NOT NULL DEFAULT '',
    started_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    finished_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_tier_migrations_tenant ON tier_migrations(tenant_id);
`
