package tenant

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when a registry lookup finds no matching row.
var ErrNotFound = errors.New("tenant: not found")

// TierMigration is the persisted status record of a supervised tier
// change. Long migrations run in the background; callers poll this row.
type TierMigration struct {
	ID         string     `json:"id"`
	TenantID   string     `json:"tenantId"`
	FromTier   Tier       `json:"fromTier"`
	ToTier     Tier       `json:"toTier"`
	Status     string     `json:"status"`
	Detail     string     `json:"detail,omitempty"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

// Tier migration statuses.
const (
	MigrationPending  = "pending"
	MigrationRunning  = "running"
	MigrationVerified = "verified"
	MigrationComplete = "complete"
	MigrationFailed   = "failed"
)

// Registry is the durable mapping tenantId → tier, isolation strategy,
// and storage locator. Implementations must be safe for concurrent use.
type Registry interface {
	Get(ctx context.Context, tenantID string) (*Tenant, error)
	GetByDomain(ctx context.Context, domain string) (*Tenant, error)
	List(ctx context.Context) ([]Tenant, error)
	Create(ctx context.Context, t *Tenant, loc *StorageLocator, customDomain string) error
	SetStatus(ctx context.Context, tenantID string, status Status) error
	Locator(ctx context.Context, tenantID string) (*StorageLocator, error)
	// FlipLocator atomically replaces the tenant's locator and updates
	// its tier and isolation strategy in one transaction. This is the
	// cutover point of a tier migration.
	FlipLocator(ctx context.Context, tenantID string, tier Tier, loc StorageLocator) error

	CreateTierMigration(ctx context.Context, m *TierMigration) error
	UpdateTierMigration(ctx context.Context, id, status, detail string, finished bool) error
	GetTierMigration(ctx context.Context, id string) (*TierMigration, error)
}

// PostgresRegistry is the pgx-backed Registry implementation.
type PostgresRegistry struct {
	pool *pgxpool.Pool
}

// OpenRegistry connects to the registry database, verifies the
// connection, and bootstraps the registry schema.
func OpenRegistry(ctx context.Context, connString string) (*PostgresRegistry, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("tenant: parse registry config: %w", err)
	}

	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("tenant: connect registry: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("tenant: ping registry: %w", err)
	}

	if _, err := pool.Exec(ctx, RegistrySchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("tenant: bootstrap registry schema: %w", err)
	}

	return &PostgresRegistry{pool: pool}, nil
}

// Close shuts down the registry pool. Call this during graceful shutdown.
func (r *PostgresRegistry) Close() {
	r.pool.Close()
}

// Ping verifies registry connectivity. Used by the detailed health check.
func (r *PostgresRegistry) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// Get returns a tenant by id. Returns ErrNotFound if no tenant matches.
func (r *PostgresRegistry) Get(ctx context.Context, tenantID string) (*Tenant, error) {
	var t Tenant
	err := r.pool.QueryRow(ctx,
		`SELECT id, name, tier, isolation, status, created_at
		 FROM tenants WHERE id = $1`,
		tenantID,
	).Scan(&t.ID, &t.Name, &t.Tier, &t.Isolation, &t.Status, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, tenantID)
	}
	if err != nil {
		return nil, fmt.Errorf("tenant: get %q: %w", tenantID, err)
	}
	return &t, nil
}

// GetByDomain returns the tenant owning a custom domain.
func (r *PostgresRegistry) GetByDomain(ctx context.Context, domain string) (*Tenant, error) {
	var t Tenant
	err := r.pool.QueryRow(ctx,
		`SELECT t.id, t.name, t.tier, t.isolation, t.status, t.created_at
		 FROM tenants t JOIN custom_domains d ON d.tenant_id = t.id
		 WHERE d.domain = $1`,
		domain,
	).Scan(&t.ID, &t.Name, &t.Tier, &t.Isolation, &t.Status, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: domain %s", ErrNotFound, domain)
	}
	if err != nil {
		return nil, fmt.Errorf("tenant: get by domain %q: %w", domain, err)
	}
	return &t, nil
}

// List returns all tenants ordered by id.
func (r *PostgresRegistry) List(ctx context.Context) ([]Tenant, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, name, tier, isolation, status, created_at
		 FROM tenants ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("tenant: list: %w", err)
	}
	defer rows.Close()

	tenants := []Tenant{} // empty slice, not nil (clean JSON: [] not null)
	for rows.Next() {
		var t Tenant
		if err := rows.Scan(&t.ID, &t.Name, &t.Tier, &t.Isolation, &t.Status, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("tenant: list scan: %w", err)
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

// Create inserts a tenant together with its initial storage locator and
// optional custom domain in a single transaction.
func (r *PostgresRegistry) Create(ctx context.Context, t *Tenant, loc *StorageLocator, customDomain string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("tenant: begin create: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx,
		`INSERT INTO tenants (id, name, tier, isolation, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		t.ID, t.Name, t.Tier, t.Isolation, t.Status, t.CreatedAt,
	); err != nil {
		return fmt.Errorf("tenant: insert %q: %w", t.ID, err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO storage_locators (tenant_id, kind, dsn, blob_prefix)
		 VALUES ($1, $2, $3, $4)`,
		loc.TenantID, loc.Kind, loc.DSN, loc.BlobPrefix,
	); err != nil {
		return fmt.Errorf("tenant: insert locator for %q: %w", t.ID, err)
	}

	if customDomain != "" {
		if _, err := tx.Exec(ctx,
			`INSERT INTO custom_domains (domain, tenant_id) VALUES ($1, $2)`,
			customDomain, t.ID,
		); err != nil {
			return fmt.Errorf("tenant: insert domain %q: %w", customDomain, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tenant: commit create %q: %w", t.ID, err)
	}
	return nil
}

// SetStatus changes a tenant's status. Returns ErrNotFound if the tenant
// does not exist.
func (r *PostgresRegistry) SetStatus(ctx context.Context, tenantID string, status Status) error {
	result, err := r.pool.Exec(ctx,
		`UPDATE tenants SET status = $1 WHERE id = $2`, status, tenantID)
	if err != nil {
		return fmt.Errorf("tenant: set status %q: %w", tenantID, err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, tenantID)
	}
	return nil
}

// Locator returns the tenant's active storage locator.
func (r *PostgresRegistry) Locator(ctx context.Context, tenantID string) (*StorageLocator, error) {
	var loc StorageLocator
	err := r.pool.QueryRow(ctx,
		`SELECT tenant_id, kind, dsn, blob_prefix, updated_at
		 FROM storage_locators WHERE tenant_id = $1`,
		tenantID,
	).Scan(&loc.TenantID, &loc.Kind, &loc.DSN, &loc.BlobPrefix, &loc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: locator for %s", ErrNotFound, tenantID)
	}
	if err != nil {
		return nil, fmt.Errorf("tenant: locator %q: %w", tenantID, err)
	}
	return &loc, nil
}

// FlipLocator replaces the tenant's locator and updates its tier and
// isolation in one transaction. Until the commit the old locator remains
// active, so a failed migration never leaves the tenant without a
// working provider.
func (r *PostgresRegistry) FlipLocator(ctx context.Context, tenantID string, tier Tier, loc StorageLocator) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("tenant: begin flip: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	result, err := tx.Exec(ctx,
		`UPDATE tenants SET tier = $1, isolation = $2 WHERE id = $3`,
		tier, loc.Kind, tenantID)
	if err != nil {
		return fmt.Errorf("tenant: flip tier %q: %w", tenantID, err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, tenantID)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE storage_locators
		 SET kind = $1, dsn = $2, blob_prefix = $3, updated_at = NOW()
		 WHERE tenant_id = $4`,
		loc.Kind, loc.DSN, loc.BlobPrefix, tenantID,
	); err != nil {
		return fmt.Errorf("tenant: flip locator %q: %w", tenantID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tenant: commit flip %q: %w", tenantID, err)
	}
	return nil
}

// CreateTierMigration records a new supervised migration run.
func (r *PostgresRegistry) CreateTierMigration(ctx context.Context, m *TierMigration) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO tier_migrations (id, tenant_id, from_tier, to_tier, status, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		m.ID, m.TenantID, m.FromTier, m.ToTier, m.Status, m.StartedAt)
	if err != nil {
		return fmt.Errorf("tenant: create migration %q: %w", m.ID, err)
	}
	return nil
}

// UpdateTierMigration advances a migration's status. Terminal updates
// set finished_at.
func (r *PostgresRegistry) UpdateTierMigration(ctx context.Context, id, status, detail string, finished bool) error {
	var err error
	if finished {
		_, err = r.pool.Exec(ctx,
			`UPDATE tier_migrations SET status = $1, detail = $2, finished_at = NOW() WHERE id = $3`,
			status, detail, id)
	} else {
		_, err = r.pool.Exec(ctx,
			`UPDATE tier_migrations SET status = $1, detail = $2 WHERE id = $3`,
			status, detail, id)
	}
	if err != nil {
		return fmt.Errorf("tenant: update migration %q: %w", id, err)
	}
	return nil
}

// GetTierMigration returns a migration status record by id.
func (r *PostgresRegistry) GetTierMigration(ctx context.Context, id string) (*TierMigration, error) {
	var m TierMigration
	err := r.pool.QueryRow(ctx,
		`SELECT id, tenant_id, from_tier, to_tier, status, detail, started_at, finished_at
		 FROM tier_migrations WHERE id = $1`,
		id,
	).Scan(&m.ID, &m.TenantID, &m.FromTier, &m.ToTier, &m.Status, &m.Detail, &m.StartedAt, &m.FinishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: migration %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("tenant: get migration %q: %w", id, err)
	}
	return &m, nil
}
