package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/orkinosai/cms-storage/internal/tenant"
)

// Provisioner creates and tears down the physical store behind a
// storage locator: the SQLite file, the tenant schema on the shared
// instance, or the dedicated database.
type Provisioner struct {
	sqliteDir    string
	connBase     string
	sharedDBName string
	adminDBName  string
	logger       *zap.Logger
}

// NewProvisioner creates a Provisioner. connBase is a PostgreSQL
// connection string without a database name; adminDBName is the database
// used for CREATE/DROP DATABASE statements (they cannot run inside the
// target database itself).
func NewProvisioner(sqliteDir, connBase, sharedDBName, adminDBName string, logger *zap.Logger) *Provisioner {
	return &Provisioner{
		sqliteDir:    sqliteDir,
		connBase:     connBase,
		sharedDBName: sharedDBName,
		adminDBName:  adminDBName,
		logger:       logger,
	}
}

// BuildLocator constructs the storage locator for a tenant on the given
// strategy. The locator is not yet backed by a physical store; call
// EnsureTarget before use.
func (p *Provisioner) BuildLocator(tenantID string, strategy tenant.IsolationStrategy) tenant.StorageLocator {
	loc := tenant.StorageLocator{
		TenantID:   tenantID,
		Kind:       strategy,
		BlobPrefix: tenantID,
	}
	switch strategy {
	case tenant.IsolationEmbeddedFile:
		loc.DSN = filepath.Join(p.sqliteDir, tenantID+".db")
	case tenant.IsolationSharedSchema:
		// The tenant schema rides in the connection string itself, so
		// every session on this DSN is scoped before the first query.
		loc.DSN = fmt.Sprintf("%s/%s?sslmode=disable&search_path=%s",
			p.connBase, p.sharedDBName, schemaName(tenantID))
	case tenant.IsolationDedicated:
		loc.DSN = fmt.Sprintf("%s/%s?sslmode=disable", p.connBase, dbName(tenantID))
	}
	return loc
}

// EnsureTarget creates the physical store a locator points at, if it
// does not already exist.
func (p *Provisioner) EnsureTarget(ctx context.Context, loc *tenant.StorageLocator) error {
	switch loc.Kind {
	case tenant.IsolationEmbeddedFile:
		if err := os.MkdirAll(filepath.Dir(loc.DSN), 0o755); err != nil {
			return fmt.Errorf("storage: create sqlite dir: %w", err)
		}
		return nil

	case tenant.IsolationSharedSchema:
		return p.execOn(ctx, p.sharedDBName,
			fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %q`, schemaName(loc.TenantID)))

	case tenant.IsolationDedicated:
		// CREATE DATABASE cannot run in a transaction and is not
		// IF NOT EXISTS portable; tolerate the duplicate error.
		err := p.execOn(ctx, p.adminDBName,
			fmt.Sprintf(`CREATE DATABASE %q`, dbName(loc.TenantID)))
		if err != nil && strings.Contains(err.Error(), "already exists") {
			return nil
		}
		return err

	default:
		return fmt.Errorf("storage: unknown locator kind %q", loc.Kind)
	}
}

// Decommission removes the physical store behind a locator. Called after
// a verified tier migration has flipped the tenant away from it.
func (p *Provisioner) Decommission(ctx context.Context, loc *tenant.StorageLocator) error {
	switch loc.Kind {
	case tenant.IsolationEmbeddedFile:
		for _, path := range []string{loc.DSN, loc.DSN + "-wal", loc.DSN + "-shm"} {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("storage: remove %q: %w", path, err)
			}
		}
		return nil

	case tenant.IsolationSharedSchema:
		return p.execOn(ctx, p.sharedDBName,
			fmt.Sprintf(`DROP SCHEMA IF EXISTS %q CASCADE`, schemaName(loc.TenantID)))

	case tenant.IsolationDedicated:
		return p.execOn(ctx, p.adminDBName,
			fmt.Sprintf(`DROP DATABASE IF EXISTS %q`, dbName(loc.TenantID)))

	default:
		return fmt.Errorf("storage: unknown locator kind %q", loc.Kind)
	}
}

// execOn runs one statement over a short-lived connection to the given
// database. Provisioning is rare enough that pooling is not worth it.
func (p *Provisioner) execOn(ctx context.Context, database, stmt string) error {
	conn, err := pgx.Connect(ctx, fmt.Sprintf("%s/%s?sslmode=disable", p.connBase, database))
	if err != nil {
		return fmt.Errorf("storage: connect %q: %w", database, err)
	}
	defer conn.Close(ctx) //nolint:errcheck

	if _, err := conn.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("storage: exec on %q: %w", database, err)
	}
	return nil
}

// schemaName and dbName derive PostgreSQL identifiers from a tenant id.
// Tenant ids are validated at provisioning time; the replacement only
// normalizes the separator style.
func schemaName(tenantID string) string {
	return "tenant_" + strings.ReplaceAll(tenantID, "-", "_")
}

func dbName(tenantID string) string {
	return "cms_tenant_" + strings.ReplaceAll(tenantID, "-", "_")
}
