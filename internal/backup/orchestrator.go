// Package backup runs tenant blob backups and restores. Backups copy
// every inventoried object to a tenant-scoped backup prefix and record a
// manifest in the tenant's database; backup and restore statuses are
// persisted and pollable, never held only in memory.
package backup

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/orkinosai/cms-storage/internal/apperr"
	"github.com/orkinosai/cms-storage/internal/blob"
	"github.com/orkinosai/cms-storage/internal/storage"
	"github.com/orkinosai/cms-storage/internal/tenant"
)

// backupTimeout bounds one background backup run.
const backupTimeout = 15 * time.Minute

// restoreConcurrency bounds the restore fan-out.
const restoreConcurrency = 4

// Orchestrator coordinates backup and restore runs. At most one backup
// or restore runs per tenant at a time; concurrent requests are rejected
// rather than queued.
type Orchestrator struct {
	router  *storage.Router
	backend blob.Backend
	logger  *zap.Logger

	mu     sync.Mutex
	leases map[string]context.CancelFunc
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(router *storage.Router, backend blob.Backend, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		router:  router,
		backend: backend,
		logger:  logger,
		leases:  make(map[string]context.CancelFunc),
	}
}

// copyKey builds the backup prefix key for one object.
func copyKey(tenantID, backupID, container, fileName string) string {
	return fmt.Sprintf("backups/%s/%s/%s/%s", tenantID, backupID, container, fileName)
}

func (o *Orchestrator) acquire(tenantID string, cancel context.CancelFunc) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, held := o.leases[tenantID]; held {
		return apperr.BackupInProgress(tenantID)
	}
	o.leases[tenantID] = cancel
	return nil
}

func (o *Orchestrator) release(tenantID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.leases, tenantID)
}

// Cancel cooperatively stops the tenant's in-flight backup or restore.
// The run stops at the next object boundary; a cancelled backup is
// recorded as cancelled with the manifest entries completed so far.
func (o *Orchestrator) Cancel(tenantID string) error {
	o.mu.Lock()
	cancel, held := o.leases[tenantID]
	o.mu.Unlock()
	if !held {
		return apperr.New(apperr.KindNotFound, "no backup or restore in flight").
			WithDetail("tenantId", tenantID)
	}
	cancel()
	return nil
}

// CreateBackup starts a backup of the given containers (both when empty)
// and returns its pending record immediately. The copy runs in the
// background; callers poll ListBackups for the terminal status.
func (o *Orchestrator) CreateBackup(ctx context.Context, tc *tenant.Context, containers []string) (*storage.Backup, error) {
	if len(containers) == 0 {
		containers = []string{blob.ContainerImages, blob.ContainerDocuments}
	}
	for _, c := range containers {
		if c != blob.ContainerImages && c != blob.ContainerDocuments {
			return nil, apperr.Validation("unknown container type").WithDetail("container", c)
		}
	}

	runCtx, cancel := context.WithTimeout(context.Background(), backupTimeout)
	if err := o.acquire(tc.TenantID, cancel); err != nil {
		cancel()
		return nil, err
	}

	repo, err := o.router.Repository(ctx, tc)
	if err != nil {
		o.release(tc.TenantID)
		cancel()
		return nil, err
	}

	b := &storage.Backup{
		ID:         uuid.NewString(),
		TenantID:   tc.TenantID,
		Containers: strings.Join(containers, ","),
		Status:     storage.BackupPending,
		CreatedAt:  time.Now().UTC(),
	}
	if err := repo.InsertBackup(ctx, b); err != nil {
		o.release(tc.TenantID)
		cancel()
		return nil, err
	}

	go func() {
		defer o.release(tc.TenantID)
		defer cancel()
		o.run(runCtx, repo, tc.TenantID, b.ID, containers)
	}()

	return b, nil
}

// run copies every inventoried object into the backup prefix and records
// the outcome per object. Failed copies are recorded in the manifest and
// the run continues; the terminal status reflects whether any failed.
func (o *Orchestrator) run(ctx context.Context, repo *storage.Repository, tenantID, backupID string, containers []string) {
	var (
		copied    int
		failed    int
		totalSize int64
	)

	for _, container := range containers {
		objs, err := repo.ListBlobObjects(ctx, container)
		if err != nil {
			if ctx.Err() != nil {
				o.finish(repo, backupID, storage.BackupCancelled,
					fmt.Sprintf("cancelled after %d objects", copied+failed), copied, totalSize)
				return
			}
			o.finish(repo, backupID, storage.BackupFailed,
				fmt.Sprintf("listing %s: %v", container, err), copied, totalSize)
			return
		}

		for _, obj := range objs {
			if ctx.Err() != nil {
				o.finish(repo, backupID, storage.BackupCancelled,
					fmt.Sprintf("cancelled after %d objects", copied+failed), copied, totalSize)
				return
			}
			dst := copyKey(tenantID, backupID, container, obj.FileName)
			entry := &storage.BackupObject{
				BackupID:    backupID,
				Container:   container,
				FileName:    obj.FileName,
				Key:         obj.Key,
				CopyKey:     dst,
				Size:        obj.Size,
				ContentType: obj.ContentType,
				Checksum:    obj.Checksum,
				Status:      storage.ObjectCopied,
			}
			if err := o.backend.Copy(ctx, obj.Key, dst); err != nil {
				if ctx.Err() != nil {
					o.finish(repo, backupID, storage.BackupCancelled,
						fmt.Sprintf("cancelled after %d objects", copied+failed), copied, totalSize)
					return
				}
				entry.Status = storage.ObjectFailed
				entry.Error = err.Error()
				failed++
				o.logger.Warn("backup copy failed",
					zap.String("tenant_id", tenantID),
					zap.String("backup_id", backupID),
					zap.String("key", obj.Key),
					zap.Error(err),
				)
			} else {
				copied++
				totalSize += obj.Size
			}
			if err := repo.InsertBackupObject(ctx, entry); err != nil {
				o.finish(repo, backupID, storage.BackupFailed,
					fmt.Sprintf("recording manifest: %v", err), copied, totalSize)
				return
			}
		}
	}

	status := storage.BackupComplete
	detail := ""
	if failed > 0 {
		status = storage.BackupFailed
		detail = fmt.Sprintf("%d of %d objects failed to copy", failed, copied+failed)
	}
	o.finish(repo, backupID, status, detail, copied, totalSize)

	o.logger.Info("backup finished",
		zap.String("tenant_id", tenantID),
		zap.String("backup_id", backupID),
		zap.String("status", status),
		zap.Int("copied", copied),
		zap.Int("failed", failed),
	)
}

// finish records the terminal status on a fresh context so a cancelled
// run can still persist its outcome.
func (o *Orchestrator) finish(repo *storage.Repository, backupID, status, detail string, fileCount int, totalSize int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := repo.SetBackupStatus(ctx, backupID, status, detail, fileCount, totalSize); err != nil {
		o.logger.Error("recording backup status",
			zap.String("backup_id", backupID),
			zap.String("status", status),
			zap.Error(err),
		)
	}
}

// ListBackups returns the tenant's backups, newest first.
func (o *Orchestrator) ListBackups(ctx context.Context, tc *tenant.Context) ([]storage.Backup, error) {
	repo, err := o.router.Repository(ctx, tc)
	if err != nil {
		return nil, err
	}
	return repo.ListBackups(ctx)
}

// Restore starts copying a backup's objects back over the originals and
// returns its pending record immediately. The fan-out runs in the
// background; callers poll RestoreStatus for the terminal outcome.
// Objects the backup failed to copy are skipped.
func (o *Orchestrator) Restore(ctx context.Context, tc *tenant.Context, backupID string) (*storage.Restore, error) {
	runCtx, cancel := context.WithTimeout(context.Background(), backupTimeout)
	if err := o.acquire(tc.TenantID, cancel); err != nil {
		cancel()
		return nil, err
	}
	abort := func() {
		o.release(tc.TenantID)
		cancel()
	}

	repo, err := o.router.Repository(ctx, tc)
	if err != nil {
		abort()
		return nil, err
	}

	b, err := repo.GetBackup(ctx, backupID)
	if err != nil {
		abort()
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperr.New(apperr.KindNotFound, "backup not found").
				WithDetail("backupId", backupID)
		}
		return nil, err
	}
	if b.Status == storage.BackupPending {
		abort()
		return nil, apperr.New(apperr.KindBackupInProgress, "backup has not finished").
			WithDetail("backupId", backupID)
	}

	entries, err := repo.ListBackupObjects(ctx, backupID)
	if err != nil {
		abort()
		return nil, err
	}

	rec := &storage.Restore{
		ID:        uuid.NewString(),
		TenantID:  tc.TenantID,
		BackupID:  backupID,
		Status:    storage.BackupPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := repo.InsertRestore(ctx, rec); err != nil {
		abort()
		return nil, err
	}

	go func() {
		defer o.release(tc.TenantID)
		defer cancel()
		o.runRestore(runCtx, repo, tc.TenantID, rec.ID, entries)
	}()

	return rec, nil
}

// runRestore copies manifest entries back concurrently. Per-object
// failures do not abort the run; the terminal status reflects whether
// every entry succeeded.
func (o *Orchestrator) runRestore(ctx context.Context, repo *storage.Repository, tenantID, restoreID string, entries []storage.BackupObject) {
	var (
		mu       sync.Mutex
		restored int
		failed   int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(restoreConcurrency)
	for _, entry := range entries {
		if entry.Status != storage.ObjectCopied {
			continue
		}
		entry := entry
		g.Go(func() error {
			if err := o.backend.Copy(gctx, entry.CopyKey, entry.Key); err != nil {
				o.logger.Warn("restore copy failed",
					zap.String("tenant_id", tenantID),
					zap.String("restore_id", restoreID),
					zap.String("key", entry.Key),
					zap.Error(err),
				)
				mu.Lock()
				failed++
				mu.Unlock()
				return nil
			}
			obj := &storage.BlobObject{
				Container:   entry.Container,
				FileName:    entry.FileName,
				TenantID:    tenantID,
				Key:         entry.Key,
				Size:        entry.Size,
				ContentType: entry.ContentType,
				Checksum:    entry.Checksum,
			}
			if err := repo.UpsertBlobObject(gctx, obj); err != nil {
				o.logger.Warn("restore inventory update failed",
					zap.String("tenant_id", tenantID),
					zap.String("restore_id", restoreID),
					zap.String("key", entry.Key),
					zap.Error(err),
				)
				mu.Lock()
				failed++
				mu.Unlock()
				return nil
			}
			mu.Lock()
			restored++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	status := storage.BackupComplete
	detail := ""
	switch {
	case ctx.Err() != nil:
		status = storage.BackupCancelled
		detail = fmt.Sprintf("cancelled after %d objects", restored+failed)
	case failed > 0:
		status = storage.BackupFailed
		detail = fmt.Sprintf("%d of %d objects failed to restore", failed, restored+failed)
	}
	o.finishRestore(repo, restoreID, status, detail, restored, failed)

	o.logger.Info("restore finished",
		zap.String("tenant_id", tenantID),
		zap.String("restore_id", restoreID),
		zap.String("status", status),
		zap.Int("restored", restored),
		zap.Int("failed", failed),
	)
}

// finishRestore records the terminal status on a fresh context so a
// cancelled run can still persist its outcome.
func (o *Orchestrator) finishRestore(repo *storage.Repository, restoreID, status, detail string, restored, failed int) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := repo.SetRestoreStatus(ctx, restoreID, status, detail, restored, failed); err != nil {
		o.logger.Error("recording restore status",
			zap.String("restore_id", restoreID),
			zap.String("status", status),
			zap.Error(err),
		)
	}
}

// RestoreStatus returns a restore's persisted record.
func (o *Orchestrator) RestoreStatus(ctx context.Context, tc *tenant.Context, restoreID string) (*storage.Restore, error) {
	repo, err := o.router.Repository(ctx, tc)
	if err != nil {
		return nil, err
	}
	rec, err := repo.GetRestore(ctx, restoreID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperr.New(apperr.KindNotFound, "restore not found").
				WithDetail("restoreId", restoreID)
		}
		return nil, err
	}
	return rec, nil
}

// Delete removes a backup's copied objects and its records. Idempotent:
// deleting an absent backup succeeds.
func (o *Orchestrator) Delete(ctx context.Context, tc *tenant.Context, backupID string) error {
	repo, err := o.router.Repository(ctx, tc)
	if err != nil {
		return err
	}

	entries, err := repo.ListBackupObjects(ctx, backupID)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.Status != storage.ObjectCopied {
			continue
		}
		if err := o.backend.Delete(ctx, entry.CopyKey); err != nil && !errors.Is(err, blob.ErrObjectNotExist) {
			o.logger.Warn("deleting backup copy",
				zap.String("backup_id", backupID),
				zap.String("key", entry.CopyKey),
				zap.Error(err),
			)
		}
	}
	return repo.DeleteBackup(ctx, backupID)
}
