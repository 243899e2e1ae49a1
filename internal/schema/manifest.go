// Package schema ensures a tenant provider's schema matches the expected
// migration manifest, detects drift against pre-existing objects, and
// applies pending migrations in strict order.
package schema

// Migration is one manifest entry. The DDL is written to the portable
// subset accepted by both SQLite and PostgreSQL, since a migration may
// run against any isolation strategy.
type Migration struct {
	// ID is the unique, ordered migration identifier.
	ID string
	// Table is the object the migration creates, checked for conflicting
	// pre-existing definitions before the migration is applied.
	Table string
	// SQL is the forward DDL.
	SQL string
}

// Manifest returns the ordered migration list for tenant databases.
// Order is append-only: new migrations go at the end, existing entries
// are never edited.
func Manifest() []Migration {
	return []Migration{
		{
			ID:    "0001_blob_objects",
			Table: "blob_objects",
			SQL: `CREATE TABLE blob_objects (
    container    VARCHAR(64) NOT NULL,
    file_name    VARCHAR(255) NOT NULL,
    tenant_id    VARCHAR(64) NOT NULL,
    key          VARCHAR(512) NOT NULL,
    size         BIGINT NOT NULL,
    content_type VARCHAR(255) NOT NULL,
    checksum     VARCHAR(128) NOT NULL,
    updated_at   TIMESTAMP NOT NULL,
    PRIMARY KEY (container, file_name)
)`,
		},
		{
			ID:    "0002_backups",
			Table: "backups",
			SQL: `CREATE TABLE backups (
    id               VARCHAR(64) PRIMARY KEY,
    tenant_id        VARCHAR(64) NOT NULL,
    containers       VARCHAR(512) NOT NULL,
    file_count       INTEGER NOT NULL DEFAULT 0,
    total_size_bytes BIGINT NOT NULL DEFAULT 0,
    status           VARCHAR(20) NOT NULL,
    detail           VARCHAR(1024) NOT NULL DEFAULT '',
    created_at       TIMESTAMP NOT NULL
)`,
		},
		{
			ID:    "0003_backup_objects",
			Table: "backup_objects",
			SQL: `CREATE TABLE backup_objects (
    backup_id    VARCHAR(64) NOT NULL,
    container    VARCHAR(64) NOT NULL,
    file_name    VARCHAR(255) NOT NULL,
    key          VARCHAR(512) NOT NULL,
    copy_key     VARCHAR(512) NOT NULL,
    size         BIGINT NOT NULL,
    content_type VARCHAR(255) NOT NULL,
    checksum     VARCHAR(128) NOT NULL,
    status       VARCHAR(20) NOT NULL,
    error        VARCHAR(1024) NOT NULL DEFAULT '',
    PRIMARY KEY (backup_id, container, file_name)
)`,
		},
		{
			ID:    "0004_restores",
			Table: "restores",
			SQL: `CREATE TABLE restores (
    id             VARCHAR(64) PRIMARY KEY,
    tenant_id      VARCHAR(64) NOT NULL,
    backup_id      VARCHAR(64) NOT NULL,
    restored_count INTEGER NOT NULL DEFAULT 0,
    failed_count   INTEGER NOT NULL DEFAULT 0,
    status         VARCHAR(20) NOT NULL,
    detail         VARCHAR(1024) NOT NULL DEFAULT '',
    created_at     TIMESTAMP NOT NULL
)`,
		},
	}
}
