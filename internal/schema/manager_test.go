package schema_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/orkinosai/cms-storage/internal/apperr"
	"github.com/orkinosai/cms-storage/internal/schema"
	"github.com/orkinosai/cms-storage/internal/storage"
	"github.com/orkinosai/cms-storage/internal/tenant"
)

func openTarget(t *testing.T) storage.Provider {
	t.Helper()
	loc := &tenant.StorageLocator{
		TenantID: "t1",
		Kind:     tenant.IsolationEmbeddedFile,
		DSN:      filepath.Join(t.TempDir(), "t1.db"),
	}
	p, err := storage.Open(context.Background(), loc)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func newManager(t *testing.T) *schema.Manager {
	t.Helper()
	return schema.NewManager(schema.Manifest(), zap.NewNop())
}

func TestApplyFreshTarget(t *testing.T) {
	p := openTarget(t)
	m := newManager(t)
	ctx := context.Background()

	status, err := m.Check(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, schema.PendingMigrations, status.State)
	assert.Len(t, status.Pending, len(schema.Manifest()))
	assert.Empty(t, status.Applied)

	status, err = m.Apply(ctx, "t1", p)
	require.NoError(t, err)
	assert.Equal(t, schema.UpToDate, status.State)
	assert.Len(t, status.Applied, len(schema.Manifest()))
	assert.Empty(t, status.Pending)

	// Tables exist now.
	for _, mig := range schema.Manifest() {
		exists, err := p.HasTable(ctx, mig.Table)
		require.NoError(t, err)
		assert.True(t, exists, mig.Table)
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	p := openTarget(t)
	m := newManager(t)
	ctx := context.Background()

	_, err := m.Apply(ctx, "t1", p)
	require.NoError(t, err)

	status, err := m.Apply(ctx, "t1", p)
	require.NoError(t, err)
	assert.Equal(t, schema.UpToDate, status.State)
}

func TestDriftPreexistingTable(t *testing.T) {
	p := openTarget(t)
	m := newManager(t)
	ctx := context.Background()

	// Someone created a manifest table outside the manager.
	_, err := p.DB().ExecContext(ctx, "CREATE TABLE blob_objects (x INTEGER)")
	require.NoError(t, err)

	status, err := m.Check(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, schema.DriftDetected, status.State)
	assert.NotEmpty(t, status.Conflicts)

	// Drift refuses automatic action: nothing gets applied.
	status, err = m.Apply(ctx, "t1", p)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindSchemaDrift))
	assert.Empty(t, status.Applied)
}

func TestDriftUnknownHistoryRow(t *testing.T) {
	p := openTarget(t)
	m := newManager(t)
	ctx := context.Background()

	_, err := m.Apply(ctx, "t1", p)
	require.NoError(t, err)

	_, err = p.DB().ExecContext(ctx,
		"INSERT INTO schema_migrations (id, applied_at) VALUES ('9999_mystery', CURRENT_TIMESTAMP)")
	require.NoError(t, err)

	status, err := m.Check(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, schema.DriftDetected, status.State)
}

func TestMarkAppliedReconcilesDrift(t *testing.T) {
	p := openTarget(t)
	m := newManager(t)
	ctx := context.Background()

	manifest := schema.Manifest()
	first := manifest[0]

	_, err := p.DB().ExecContext(ctx, first.SQL)
	require.NoError(t, err)

	status, err := m.Check(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, schema.DriftDetected, status.State)

	// Operator verified the table matches the manifest.
	require.NoError(t, m.MarkApplied(ctx, p, []string{first.ID}))

	status, err = m.Apply(ctx, "t1", p)
	require.NoError(t, err)
	assert.Equal(t, schema.UpToDate, status.State)
	assert.Len(t, status.Applied, len(manifest))
}

func TestMarkAppliedRejectsUnknownID(t *testing.T) {
	p := openTarget(t)
	m := newManager(t)

	err := m.MarkApplied(context.Background(), p, []string{"0042_bogus"})
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
}
