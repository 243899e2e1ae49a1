package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/uptrace/bun"
)

// ErrNotFound is returned when a repository lookup finds no matching row.
var ErrNotFound = errors.New("storage: not found")

// Backup statuses. A backup's status is set exactly once to a terminal
// value; SetBackupStatus enforces this.
const (
	BackupPending   = "pending"
	BackupComplete  = "complete"
	BackupFailed    = "failed"
	BackupCancelled = "cancelled"
)

// Backup object copy states recorded in the manifest.
const (
	ObjectCopied = "copied"
	ObjectFailed = "failed"
)

// BlobObject is the inventory record kept for every stored object,
// updated on each successful write. It feeds listings, billing, and
// backup enumeration.
type BlobObject struct {
	bun.BaseModel `bun:"table:blob_objects"`

	Container   string    `bun:"container,pk" json:"container"`
	FileName    string    `bun:"file_name,pk" json:"fileName"`
	TenantID    string    `bun:"tenant_id,notnull" json:"tenantId"`
	Key         string    `bun:"key,notnull" json:"key"`
	Size        int64     `bun:"size,notnull" json:"size"`
	ContentType string    `bun:"content_type,notnull" json:"contentType"`
	Checksum    string    `bun:"checksum,notnull" json:"checksum"`
	UpdatedAt   time.Time `bun:"updated_at,notnull" json:"updatedAt"`
}

// Backup is the persisted, pollable status record of one backup run.
type Backup struct {
	bun.BaseModel `bun:"table:backups"`

	ID             string    `bun:"id,pk" json:"backupId"`
	TenantID       string    `bun:"tenant_id,notnull" json:"tenantId"`
	Containers     string    `bun:"containers,notnull" json:"-"`
	FileCount      int       `bun:"file_count,notnull" json:"fileCount"`
	TotalSizeBytes int64     `bun:"total_size_bytes,notnull" json:"totalSizeBytes"`
	Status         string    `bun:"status,notnull" json:"status"`
	Detail         string    `bun:"detail,notnull,default:''" json:"detail,omitempty"`
	CreatedAt      time.Time `bun:"created_at,notnull" json:"createdAt"`
}

// ContainerList splits the stored container names.
func (b *Backup) ContainerList() []string {
	if b.Containers == "" {
		return []string{}
	}
	return strings.Split(b.Containers, ",")
}

// MarshalJSON emits the container names as a list.
func (b Backup) MarshalJSON() ([]byte, error) {
	type backupAlias Backup
	return json.Marshal(struct {
		backupAlias
		Containers []string `json:"containers"`
	}{backupAlias(b), b.ContainerList()})
}

// Restore is the persisted, pollable status record of one restore run.
type Restore struct {
	bun.BaseModel `bun:"table:restores"`

	ID            string    `bun:"id,pk" json:"restoreId"`
	TenantID      string    `bun:"tenant_id,notnull" json:"tenantId"`
	BackupID      string    `bun:"backup_id,notnull" json:"backupId"`
	RestoredCount int       `bun:"restored_count,notnull" json:"restored"`
	FailedCount   int       `bun:"failed_count,notnull" json:"failed"`
	Status        string    `bun:"status,notnull" json:"status"`
	Detail        string    `bun:"detail,notnull,default:''" json:"detail,omitempty"`
	CreatedAt     time.Time `bun:"created_at,notnull" json:"createdAt"`
}

// BackupObject is one manifest entry: a snapshot of a BlobObjectRef at
// backup time plus the outcome of its copy. Failed entries are retained
// for diagnostics and per-object retry, never discarded.
type BackupObject struct {
	bun.BaseModel `bun:"table:backup_objects"`

	BackupID    string `bun:"backup_id,pk" json:"backupId"`
	Container   string `bun:"container,pk" json:"container"`
	FileName    string `bun:"file_name,pk" json:"fileName"`
	Key         string `bun:"key,notnull" json:"key"`
	CopyKey     string `bun:"copy_key,notnull" json:"copyKey"`
	Size        int64  `bun:"size,notnull" json:"size"`
	ContentType string `bun:"content_type,notnull" json:"contentType"`
	Checksum    string `bun:"checksum,notnull" json:"checksum"`
	Status      string `bun:"status,notnull" json:"status"`
	Error       string `bun:"error,notnull,default:''" json:"error,omitempty"`
}

// Repository is the tenant-scoped data access layer. Every instance is
// bound to one Provider, so queries cannot cross tenants.
type Repository struct {
	provider Provider
}

// NewRepository binds a repository to a tenant's provider.
func NewRepository(p Provider) *Repository {
	return &Repository{provider: p}
}

// Provider returns the underlying storage handle.
func (r *Repository) Provider() Provider { return r.provider }

// UpsertBlobObject records a successful object write in the inventory.
func (r *Repository) UpsertBlobObject(ctx context.Context, obj *BlobObject) error {
	obj.UpdatedAt = time.Now().UTC()
	_, err := r.provider.DB().NewInsert().
		Model(obj).
		On("CONFLICT (container, file_name) DO UPDATE").
		Set("key = EXCLUDED.key").
		Set("size = EXCLUDED.size").
		Set("content_type = EXCLUDED.content_type").
		Set("checksum = EXCLUDED.checksum").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("storage: upsert blob object %q: %w", obj.Key, err)
	}
	return nil
}

// GetBlobObject returns one inventory record.
func (r *Repository) GetBlobObject(ctx context.Context, container, fileName string) (*BlobObject, error) {
	var obj BlobObject
	err := r.provider.DB().NewSelect().
		Model(&obj).
		Where("container = ?", container).
		Where("file_name = ?", fileName).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, container, fileName)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get blob object %s/%s: %w", container, fileName, err)
	}
	return &obj, nil
}

// ListBlobObjects returns the tenant's inventory for one container,
// ordered by file name.
func (r *Repository) ListBlobObjects(ctx context.Context, container string) ([]BlobObject, error) {
	objs := []BlobObject{}
	err := r.provider.DB().NewSelect().
		Model(&objs).
		Where("container = ?", container).
		Order("file_name ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: list blob objects %q: %w", container, err)
	}
	return objs, nil
}

// DeleteBlobObject removes an inventory record. Returns ErrNotFound if
// no record matched.
func (r *Repository) DeleteBlobObject(ctx context.Context, container, fileName string) error {
	res, err := r.provider.DB().NewDelete().
		Model((*BlobObject)(nil)).
		Where("container = ?", container).
		Where("file_name = ?", fileName).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("storage: delete blob object %s/%s: %w", container, fileName, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, container, fileName)
	}
	return nil
}

// InsertBackup records a new backup run in pending state.
func (r *Repository) InsertBackup(ctx context.Context, b *Backup) error {
	_, err := r.provider.DB().NewInsert().Model(b).Exec(ctx)
	if err != nil {
		return fmt.Errorf("storage: insert backup %q: %w", b.ID, err)
	}
	return nil
}

// SetBackupStatus moves a backup from pending to a terminal status,
// exactly once. A second transition is a no-op returning ErrNotFound.
func (r *Repository) SetBackupStatus(ctx context.Context, backupID, status, detail string, fileCount int, totalSize int64) error {
	res, err := r.provider.DB().NewUpdate().
		Model((*Backup)(nil)).
		Set("status = ?", status).
		Set("detail = ?", detail).
		Set("file_count = ?", fileCount).
		Set("total_size_bytes = ?", totalSize).
		Where("id = ?", backupID).
		Where("status = ?", BackupPending).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("storage: set backup status %q: %w", backupID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: pending backup %s", ErrNotFound, backupID)
	}
	return nil
}

// GetBackup returns one backup record.
func (r *Repository) GetBackup(ctx context.Context, backupID string) (*Backup, error) {
	var b Backup
	err := r.provider.DB().NewSelect().
		Model(&b).
		Where("id = ?", backupID).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: backup %s", ErrNotFound, backupID)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get backup %q: %w", backupID, err)
	}
	return &b, nil
}

// ListBackups returns the tenant's backups, newest first.
func (r *Repository) ListBackups(ctx context.Context) ([]Backup, error) {
	backups := []Backup{}
	err := r.provider.DB().NewSelect().
		Model(&backups).
		Order("created_at DESC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: list backups: %w", err)
	}
	return backups, nil
}

// DeleteBackup removes the backup record and its manifest. Idempotent:
// deleting an absent backup is not an error.
func (r *Repository) DeleteBackup(ctx context.Context, backupID string) error {
	if _, err := r.provider.DB().NewDelete().
		Model((*BackupObject)(nil)).
		Where("backup_id = ?", backupID).
		Exec(ctx); err != nil {
		return fmt.Errorf("storage: delete backup manifest %q: %w", backupID, err)
	}
	if _, err := r.provider.DB().NewDelete().
		Model((*Backup)(nil)).
		Where("id = ?", backupID).
		Exec(ctx); err != nil {
		return fmt.Errorf("storage: delete backup %q: %w", backupID, err)
	}
	return nil
}

// InsertBackupObject appends one manifest entry.
func (r *Repository) InsertBackupObject(ctx context.Context, obj *BackupObject) error {
	_, err := r.provider.DB().NewInsert().Model(obj).Exec(ctx)
	if err != nil {
		return fmt.Errorf("storage: insert backup object %q: %w", obj.Key, err)
	}
	return nil
}

// ListBackupObjects returns a backup's manifest entries.
func (r *Repository) ListBackupObjects(ctx context.Context, backupID string) ([]BackupObject, error) {
	objs := []BackupObject{}
	err := r.provider.DB().NewSelect().
		Model(&objs).
		Where("backup_id = ?", backupID).
		Order("container ASC", "file_name ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: list backup objects %q: %w", backupID, err)
	}
	return objs, nil
}

// InsertRestore records a new restore run in pending state.
func (r *Repository) InsertRestore(ctx context.Context, rec *Restore) error {
	_, err := r.provider.DB().NewInsert().Model(rec).Exec(ctx)
	if err != nil {
		return fmt.Errorf("storage: insert restore %q: %w", rec.ID, err)
	}
	return nil
}

// SetRestoreStatus moves a restore from pending to a terminal status,
// exactly once. A second transition is a no-op returning ErrNotFound.
func (r *Repository) SetRestoreStatus(ctx context.Context, restoreID, status, detail string, restored, failed int) error {
	res, err := r.provider.DB().NewUpdate().
		Model((*Restore)(nil)).
		Set("status = ?", status).
		Set("detail = ?", detail).
		Set("restored_count = ?", restored).
		Set("failed_count = ?", failed).
		Where("id = ?", restoreID).
		Where("status = ?", BackupPending).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("storage: set restore status %q: %w", restoreID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: pending restore %s", ErrNotFound, restoreID)
	}
	return nil
}

// GetRestore returns one restore record.
func (r *Repository) GetRestore(ctx context.Context, restoreID string) (*Restore, error) {
	var rec Restore
	err := r.provider.DB().NewSelect().
		Model(&rec).
		Where("id = ?", restoreID).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: restore %s", ErrNotFound, restoreID)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get restore %q: %w", restoreID, err)
	}
	return &rec, nil
}

// Export reads every row of the tenant's tables for a tier migration.
func (r *Repository) Export(ctx context.Context) (*Snapshot, error) {
	var snap Snapshot
	db := r.provider.DB()

	if err := db.NewSelect().Model(&snap.BlobObjects).Scan(ctx); err != nil {
		return nil, fmt.Errorf("storage: export blob objects: %w", err)
	}
	if err := db.NewSelect().Model(&snap.Backups).Scan(ctx); err != nil {
		return nil, fmt.Errorf("storage: export backups: %w", err)
	}
	if err := db.NewSelect().Model(&snap.BackupObjects).Scan(ctx); err != nil {
		return nil, fmt.Errorf("storage: export backup objects: %w", err)
	}
	if err := db.NewSelect().Model(&snap.Restores).Scan(ctx); err != nil {
		return nil, fmt.Errorf("storage: export restores: %w", err)
	}
	return &snap, nil
}

// Import writes a snapshot into the tenant's tables, inside one
// transaction where the backend supports it.
func (r *Repository) Import(ctx context.Context, snap *Snapshot) error {
	return r.provider.DB().RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if len(snap.BlobObjects) > 0 {
			if _, err := tx.NewInsert().Model(&snap.BlobObjects).Exec(ctx); err != nil {
				return fmt.Errorf("storage: import blob objects: %w", err)
			}
		}
		if len(snap.Backups) > 0 {
			if _, err := tx.NewInsert().Model(&snap.Backups).Exec(ctx); err != nil {
				return fmt.Errorf("storage: import backups: %w", err)
			}
		}
		if len(snap.BackupObjects) > 0 {
			if _, err := tx.NewInsert().Model(&snap.BackupObjects).Exec(ctx); err != nil {
				return fmt.Errorf("storage: import backup objects: %w", err)
			}
		}
		if len(snap.Restores) > 0 {
			if _, err := tx.NewInsert().Model(&snap.Restores).Exec(ctx); err != nil {
				return fmt.Errorf("storage: import restores: %w", err)
			}
		}
		return nil
	})
}

// Counts returns per-table row counts, used to verify a migration's
// import before the locator flip.
func (r *Repository) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	db := r.provider.DB()

	var err error
	if c.BlobObjects, err = db.NewSelect().Model((*BlobObject)(nil)).Count(ctx); err != nil {
		return c, fmt.Errorf("storage: count blob objects: %w", err)
	}
	if c.Backups, err = db.NewSelect().Model((*Backup)(nil)).Count(ctx); err != nil {
		return c, fmt.Errorf("storage: count backups: %w", err)
	}
	if c.BackupObjects, err = db.NewSelect().Model((*BackupObject)(nil)).Count(ctx); err != nil {
		return c, fmt.Errorf("storage: count backup objects: %w", err)
	}
	if c.Restores, err = db.NewSelect().Model((*Restore)(nil)).Count(ctx); err != nil {
		return c, fmt.Errorf("storage: count restores: %w", err)
	}
	return c, nil
}

// Snapshot is a full export of a tenant's relational data.
type Snapshot struct {
	BlobObjects   []BlobObject
	Backups       []Backup
	BackupObjects []BackupObject
	Restores      []Restore
}

// Counts holds per-table row counts.
type Counts struct {
	BlobObjects   int
	Backups       int
	BackupObjects int
	Restores      int
}
