package backup_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/orkinosai/cms-storage/internal/apperr"
	"github.com/orkinosai/cms-storage/internal/backup"
	"github.com/orkinosai/cms-storage/internal/blob"
	"github.com/orkinosai/cms-storage/internal/schema"
	"github.com/orkinosai/cms-storage/internal/storage"
	"github.com/orkinosai/cms-storage/internal/tenant"
	"github.com/orkinosai/cms-storage/internal/testutil"
)

type fixture struct {
	orch    *backup.Orchestrator
	backend *blob.MemBackend
	router  *storage.Router
	tc      *tenant.Context
	repo    *storage.Repository
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zap.NewNop()
	reg := testutil.NewFakeRegistry()
	reg.AddTenant(&tenant.Tenant{
		ID: "t1", Tier: tenant.TierFree,
		Isolation: tenant.IsolationEmbeddedFile, Status: tenant.StatusActive,
	}, &tenant.StorageLocator{
		TenantID:   "t1",
		Kind:       tenant.IsolationEmbeddedFile,
		DSN:        filepath.Join(t.TempDir(), "t1.db"),
		BlobPrefix: "t1",
	}, "")

	router := storage.NewRouter(reg, storage.RouterOptions{}, logger)
	t.Cleanup(router.Close)

	tc := &tenant.Context{TenantID: "t1", Tier: tenant.TierFree, Isolation: tenant.IsolationEmbeddedFile}
	p, err := router.Provider(context.Background(), tc)
	require.NoError(t, err)
	_, err = schema.NewManager(schema.Manifest(), logger).Apply(context.Background(), "t1", p)
	require.NoError(t, err)

	backend := blob.NewMemBackend()
	return &fixture{
		orch:    backup.NewOrchestrator(router, backend, logger),
		backend: backend,
		router:  router,
		tc:      tc,
		repo:    storage.NewRepository(p),
	}
}

// seedObject stores an object in the backend and the inventory.
func (f *fixture) seedObject(t *testing.T, container, name string, data []byte) {
	t.Helper()
	ctx := context.Background()
	key := blob.ObjectKey(container, f.tc.TenantID, name)
	require.NoError(t, f.backend.Put(ctx, key, data))
	require.NoError(t, f.repo.UpsertBlobObject(ctx, &storage.BlobObject{
		Container: container, FileName: name, TenantID: f.tc.TenantID,
		Key: key, Size: int64(len(data)), ContentType: "image/png", Checksum: "c",
	}))
}

// waitTerminal polls until the backup leaves pending state.
func (f *fixture) waitTerminal(t *testing.T, backupID string) *storage.Backup {
	t.Helper()
	var got *storage.Backup
	require.Eventually(t, func() bool {
		b, err := f.repo.GetBackup(context.Background(), backupID)
		if err != nil || b.Status == storage.BackupPending {
			return false
		}
		got = b
		return true
	}, 5*time.Second, 10*time.Millisecond)
	return got
}

// waitRestoreTerminal polls until the restore leaves pending state.
func (f *fixture) waitRestoreTerminal(t *testing.T, restoreID string) *storage.Restore {
	t.Helper()
	var got *storage.Restore
	require.Eventually(t, func() bool {
		r, err := f.repo.GetRestore(context.Background(), restoreID)
		if err != nil || r.Status == storage.BackupPending {
			return false
		}
		got = r
		return true
	}, 5*time.Second, 10*time.Millisecond)
	return got
}

func TestBackupCompletes(t *testing.T) {
	f := newFixture(t)
	f.seedObject(t, "images", "a.png", []byte("aaa"))
	f.seedObject(t, "images", "b.png", []byte("bbbb"))
	f.seedObject(t, "documents", "c.pdf", []byte("ccccc"))

	b, err := f.orch.CreateBackup(context.Background(), f.tc, nil)
	require.NoError(t, err)
	assert.Equal(t, storage.BackupPending, b.Status)

	done := f.waitTerminal(t, b.ID)
	assert.Equal(t, storage.BackupComplete, done.Status)
	assert.Equal(t, 3, done.FileCount)
	assert.Equal(t, int64(12), done.TotalSizeBytes)

	entries, err := f.repo.ListBackupObjects(context.Background(), b.ID)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for _, e := range entries {
		assert.Equal(t, storage.ObjectCopied, e.Status)
		data, err := f.backend.Get(context.Background(), e.CopyKey)
		require.NoError(t, err)
		assert.NotEmpty(t, data)
	}
}

func TestBackupPartialFailureRetainsManifest(t *testing.T) {
	f := newFixture(t)
	f.seedObject(t, "images", "good1.png", []byte("aaa"))
	f.seedObject(t, "images", "bad.png", []byte("bbb"))
	f.seedObject(t, "images", "good2.png", []byte("ccc"))
	f.backend.FailKeys = map[string]bool{"images/t1/bad.png": true}

	b, err := f.orch.CreateBackup(context.Background(), f.tc, []string{"images"})
	require.NoError(t, err)

	done := f.waitTerminal(t, b.ID)
	assert.Equal(t, storage.BackupFailed, done.Status)
	assert.Contains(t, done.Detail, "1 of 3")
	assert.Equal(t, 2, done.FileCount)

	entries, err := f.repo.ListBackupObjects(context.Background(), b.ID)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	var failed int
	for _, e := range entries {
		if e.Status == storage.ObjectFailed {
			failed++
			assert.NotEmpty(t, e.Error)
		}
	}
	assert.Equal(t, 1, failed)
}

func TestBackupUnknownContainer(t *testing.T) {
	f := newFixture(t)

	_, err := f.orch.CreateBackup(context.Background(), f.tc, []string{"videos"})
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
}

func TestRestoreRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedObject(t, "images", "a.png", []byte("aaa"))
	f.seedObject(t, "images", "b.png", []byte("bbb"))
	f.seedObject(t, "documents", "c.pdf", []byte("ccc"))

	b, err := f.orch.CreateBackup(ctx, f.tc, nil)
	require.NoError(t, err)
	f.waitTerminal(t, b.ID)

	// Lose one object entirely and corrupt another.
	require.NoError(t, f.backend.Delete(ctx, "images/t1/a.png"))
	require.NoError(t, f.backend.Put(ctx, "images/t1/b.png", []byte("corrupted")))

	rec, err := f.orch.Restore(ctx, f.tc, b.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.BackupPending, rec.Status)
	assert.Equal(t, b.ID, rec.BackupID)

	done := f.waitRestoreTerminal(t, rec.ID)
	assert.Equal(t, storage.BackupComplete, done.Status)
	assert.Equal(t, 3, done.RestoredCount)
	assert.Zero(t, done.FailedCount)

	data, err := f.backend.Get(ctx, "images/t1/a.png")
	require.NoError(t, err)
	assert.Equal(t, []byte("aaa"), data)
	data, err = f.backend.Get(ctx, "images/t1/b.png")
	require.NoError(t, err)
	assert.Equal(t, []byte("bbb"), data)

	// Inventory rows are reinstated.
	list, err := f.repo.ListBlobObjects(ctx, "images")
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestRestorePartialFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedObject(t, "images", "a.png", []byte("aaa"))
	f.seedObject(t, "images", "b.png", []byte("bbb"))
	f.seedObject(t, "images", "c.png", []byte("ccc"))

	b, err := f.orch.CreateBackup(ctx, f.tc, []string{"images"})
	require.NoError(t, err)
	f.waitTerminal(t, b.ID)

	// One backup copy becomes unreadable.
	f.backend.FailKeys = map[string]bool{
		"backups/t1/" + b.ID + "/images/b.png": true,
	}

	rec, err := f.orch.Restore(ctx, f.tc, b.ID)
	require.NoError(t, err)

	done := f.waitRestoreTerminal(t, rec.ID)
	assert.Equal(t, storage.BackupFailed, done.Status)
	assert.Equal(t, 2, done.RestoredCount)
	assert.Equal(t, 1, done.FailedCount)
	assert.Contains(t, done.Detail, "1 of 3 objects failed to restore")
}

func TestRestoreUnknownBackup(t *testing.T) {
	f := newFixture(t)

	_, err := f.orch.Restore(context.Background(), f.tc, "ghost")
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
}

func TestRestorePendingBackupRefused(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.repo.InsertBackup(ctx, &storage.Backup{
		ID: "b-pending", TenantID: "t1", Containers: "images",
		Status: storage.BackupPending, CreatedAt: time.Now().UTC(),
	}))

	_, err := f.orch.Restore(ctx, f.tc, "b-pending")
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindBackupInProgress))
}

func TestDeleteBackupRemovesCopies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedObject(t, "images", "a.png", []byte("aaa"))

	b, err := f.orch.CreateBackup(ctx, f.tc, []string{"images"})
	require.NoError(t, err)
	f.waitTerminal(t, b.ID)

	copies, err := f.backend.List(ctx, "backups/t1/"+b.ID+"/")
	require.NoError(t, err)
	require.Len(t, copies, 1)

	require.NoError(t, f.orch.Delete(ctx, f.tc, b.ID))

	copies, err = f.backend.List(ctx, "backups/t1/"+b.ID+"/")
	require.NoError(t, err)
	assert.Empty(t, copies)

	list, err := f.orch.ListBackups(ctx, f.tc)
	require.NoError(t, err)
	assert.Empty(t, list)

	// Deleting the same backup again is a no-op.
	require.NoError(t, f.orch.Delete(ctx, f.tc, b.ID))
}

func TestCreateDeleteListNeverShowsDeleted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedObject(t, "images", "a.png", []byte("aaa"))

	b, err := f.orch.CreateBackup(ctx, f.tc, []string{"images"})
	require.NoError(t, err)
	f.waitTerminal(t, b.ID)

	require.NoError(t, f.orch.Delete(ctx, f.tc, b.ID))

	list, err := f.orch.ListBackups(ctx, f.tc)
	require.NoError(t, err)
	for _, got := range list {
		assert.NotEqual(t, b.ID, got.ID)
	}
}

// gatedBackend blocks Copy until the gate opens or the context is
// cancelled, for exercising cancellation mid-run.
type gatedBackend struct {
	blob.Backend
	gate chan struct{}
}

func (g *gatedBackend) Copy(ctx context.Context, src, dst string) error {
	select {
	case <-g.gate:
		return g.Backend.Copy(ctx, src, dst)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestBackupCancelled(t *testing.T) {
	f := newFixture(t)
	f.seedObject(t, "images", "a.png", []byte("aaa"))
	f.seedObject(t, "images", "b.png", []byte("bbb"))

	gated := &gatedBackend{Backend: f.backend, gate: make(chan struct{})}
	orch := backup.NewOrchestrator(f.router, gated, zap.NewNop())

	b, err := orch.CreateBackup(context.Background(), f.tc, []string{"images"})
	require.NoError(t, err)

	// The run is blocked inside the first copy; cancel it.
	require.NoError(t, orch.Cancel(f.tc.TenantID))

	done := f.waitTerminal(t, b.ID)
	assert.Equal(t, storage.BackupCancelled, done.Status)
	assert.Contains(t, done.Detail, "cancelled after 0 objects")
	assert.Equal(t, 0, done.FileCount)
}

func TestCancelWithoutRun(t *testing.T) {
	f := newFixture(t)
	err := f.orch.Cancel(f.tc.TenantID)
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
}

func TestRestoreStatusUnknown(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.RestoreStatus(context.Background(), f.tc, "ghost")
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
}

func TestLeaseRejectsConcurrentRuns(t *testing.T) {
	f := newFixture(t)
	f.seedObject(t, "images", "a.png", []byte("aaa"))

	gated := &gatedBackend{Backend: f.backend, gate: make(chan struct{})}
	orch := backup.NewOrchestrator(f.router, gated, zap.NewNop())

	b, err := orch.CreateBackup(context.Background(), f.tc, []string{"images"})
	require.NoError(t, err)

	// The first run is parked inside its copy; a second backup and a
	// restore for the same tenant are both refused.
	_, err = orch.CreateBackup(context.Background(), f.tc, []string{"images"})
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindBackupInProgress))

	_, err = orch.Restore(context.Background(), f.tc, b.ID)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindBackupInProgress))

	close(gated.gate)
	done := f.waitTerminal(t, b.ID)
	assert.Equal(t, storage.BackupComplete, done.Status)
}
