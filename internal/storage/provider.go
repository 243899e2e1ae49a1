// Package storage routes tenants to their backing stores. It implements
// the three isolation strategies behind one Provider interface, the
// per-tenant Repository used by the blob gateway and backup
// orchestrator, and the supervised tier migration that moves a tenant
// between strategies.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	_ "modernc.org/sqlite" // pure-Go SQLite driver, registered as "sqlite"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver, registered as "pgx"

	"github.com/orkinosai/cms-storage/internal/tenant"
)

// Provider is one tenant's storage handle. The concrete topology behind
// it differs per isolation strategy, but every query goes through the
// same bun.DB and is scoped to the tenant by construction: a distinct
// file, a baked-in search_path, or a separate endpoint.
type Provider interface {
	Kind() tenant.IsolationStrategy
	DB() *bun.DB
	Ping(ctx context.Context) error
	// HasTable reports whether a table exists in the tenant's scope.
	// Used for schema drift detection.
	HasTable(ctx context.Context, name string) (bool, error)
	Close() error
}

// embeddedProvider is one physical SQLite file per tenant. Isolation is
// structural: the resource handle itself belongs to exactly one tenant.
type embeddedProvider struct {
	path  string
	sqldb *sql.DB
	bundb *bun.DB
}

// OpenEmbedded opens (creating if needed) the tenant's SQLite file.
func OpenEmbedded(ctx context.Context, path string) (Provider, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("storage: create data dir: %w", err)
	}

	sqldb, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite %q: %w", path, err)
	}
	// SQLite allows one writer; a single pooled connection avoids
	// SQLITE_BUSY under concurrent request handlers.
	sqldb.SetMaxOpenConns(1)

	if _, err := sqldb.ExecContext(ctx, `PRAGMA journal_mode = WAL; PRAGMA foreign_keys = ON;`); err != nil {
		sqldb.Close()
		return nil, fmt.Errorf("storage: sqlite pragmas %q: %w", path, err)
	}

	return &embeddedProvider{
		path:  path,
		sqldb: sqldb,
		bundb: bun.NewDB(sqldb, sqlitedialect.New()),
	}, nil
}

func (p *embeddedProvider) Kind() tenant.IsolationStrategy { return tenant.IsolationEmbeddedFile }
func (p *embeddedProvider) DB() *bun.DB                    { return p.bundb }

func (p *embeddedProvider) Ping(ctx context.Context) error {
	return p.sqldb.PingContext(ctx)
}

func (p *embeddedProvider) HasTable(ctx context.Context, name string) (bool, error) {
	var n int
	err := p.sqldb.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, name,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("storage: sqlite table lookup %q: %w", name, err)
	}
	return n > 0, nil
}

func (p *embeddedProvider) Close() error { return p.bundb.Close() }

// pgProvider backs both the shared-schema and dedicated strategies. For
// shared-schema tenants the DSN carries search_path=<tenant schema>, so
// the schema is part of the connection itself and no query can omit
// tenant scoping. Dedicated tenants get a wholly separate endpoint.
type pgProvider struct {
	kind  tenant.IsolationStrategy
	sqldb *sql.DB
	bundb *bun.DB
}

// OpenPostgres connects to a tenant's PostgreSQL locator DSN.
func OpenPostgres(ctx context.Context, kind tenant.IsolationStrategy, dsn string) (Provider, error) {
	sqldb, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open postgres: %w", err)
	}
	sqldb.SetMaxOpenConns(10)
	sqldb.SetMaxIdleConns(2)

	if err := sqldb.PingContext(ctx); err != nil {
		sqldb.Close()
		return nil, fmt.Errorf("storage: ping postgres: %w", err)
	}

	return &pgProvider{
		kind:  kind,
		sqldb: sqldb,
		bundb: bun.NewDB(sqldb, pgdialect.New()),
	}, nil
}

func (p *pgProvider) Kind() tenant.IsolationStrategy { return p.kind }
func (p *pgProvider) DB() *bun.DB                    { return p.bundb }

func (p *pgProvider) Ping(ctx context.Context) error {
	return p.sqldb.PingContext(ctx)
}

func (p *pgProvider) HasTable(ctx context.Context, name string) (bool, error) {
	// current_schema() honors the search_path baked into the DSN, so a
	// shared-schema tenant only ever sees its own objects.
	var n int
	err := p.sqldb.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM information_schema.tables
		 WHERE table_schema = current_schema() AND table_name = $1`, name,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("storage: postgres table lookup %q: %w", name, err)
	}
	return n > 0, nil
}

func (p *pgProvider) Close() error { return p.bundb.Close() }

// Open opens the provider a storage locator points at.
func Open(ctx context.Context, loc *tenant.StorageLocator) (Provider, error) {
	switch loc.Kind {
	case tenant.IsolationEmbeddedFile:
		return OpenEmbedded(ctx, loc.DSN)
	case tenant.IsolationSharedSchema, tenant.IsolationDedicated:
		return OpenPostgres(ctx, loc.Kind, loc.DSN)
	default:
		return nil, fmt.Errorf("storage: unknown locator kind %q", loc.Kind)
	}
}
