package blob_test

import (
	"context"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/orkinosai/cms-storage/internal/apperr"
	"github.com/orkinosai/cms-storage/internal/blob"
	"github.com/orkinosai/cms-storage/internal/schema"
	"github.com/orkinosai/cms-storage/internal/storage"
	"github.com/orkinosai/cms-storage/internal/tenant"
	"github.com/orkinosai/cms-storage/internal/testutil"
)

var (
	pngBytes  = append([]byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}, []byte("imagedata")...)
	jpegBytes = append([]byte{0xFF, 0xD8, 0xFF, 0xE0}, []byte("imagedata")...)
	pdfBytes  = []byte("%PDF-1.7\nsome document body")
)

type fixture struct {
	gateway *blob.Gateway
	backend *blob.MemBackend
	reg     *testutil.FakeRegistry
	router  *storage.Router
}

func newFixture(t *testing.T, limits blob.Limits) *fixture {
	t.Helper()
	if limits.MaxImageBytes == 0 {
		limits.MaxImageBytes = 5 << 20
	}
	if limits.MaxDocumentBytes == 0 {
		limits.MaxDocumentBytes = 20 << 20
	}

	logger := zap.NewNop()
	reg := testutil.NewFakeRegistry()
	router := storage.NewRouter(reg, storage.RouterOptions{}, logger)
	t.Cleanup(router.Close)

	backend := blob.NewMemBackend()
	signer := blob.NewURLSigner("test-secret", 24*time.Hour)
	gw := blob.NewGateway(backend, router, reg, signer, limits, "https://cdn.example.com", logger)

	return &fixture{gateway: gw, backend: backend, reg: reg, router: router}
}

// addTenant provisions an embedded tenant with its schema applied.
func (f *fixture) addTenant(t *testing.T, id string) *tenant.Context {
	t.Helper()
	f.reg.AddTenant(&tenant.Tenant{
		ID: id, Tier: tenant.TierFree,
		Isolation: tenant.IsolationEmbeddedFile, Status: tenant.StatusActive,
	}, &tenant.StorageLocator{
		TenantID:   id,
		Kind:       tenant.IsolationEmbeddedFile,
		DSN:        filepath.Join(t.TempDir(), id+".db"),
		BlobPrefix: id,
	}, "")

	tc := &tenant.Context{TenantID: id, Tier: tenant.TierFree, Isolation: tenant.IsolationEmbeddedFile}
	p, err := f.router.Provider(context.Background(), tc)
	require.NoError(t, err)
	_, err = schema.NewManager(schema.Manifest(), zap.NewNop()).Apply(context.Background(), id, p)
	require.NoError(t, err)
	return tc
}

func TestUploadStoresObjectAndInventory(t *testing.T) {
	f := newFixture(t, blob.Limits{})
	tc := f.addTenant(t, "t1")
	ctx := context.Background()

	res, err := f.gateway.Upload(ctx, tc, "images", "logo.png", "image/png", pngBytes)
	require.NoError(t, err)
	assert.Equal(t, "logo.png", res.FileName)
	assert.Equal(t, "t1", res.TenantID)
	assert.Equal(t, int64(len(pngBytes)), res.Size)
	assert.True(t, strings.HasSuffix(res.URI, "images/t1/logo.png"), res.URI)
	assert.NotEmpty(t, res.Checksum)
	assert.False(t, res.UploadedAt.IsZero())

	// The object lives under the server-constructed key.
	data, err := f.backend.Get(ctx, "images/t1/logo.png")
	require.NoError(t, err)
	assert.Equal(t, pngBytes, data)

	list, err := f.gateway.List(ctx, tc, "images")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "logo.png", list[0].FileName)
}

func TestUploadSignatureMismatchRejected(t *testing.T) {
	f := newFixture(t, blob.Limits{})
	tc := f.addTenant(t, "t1")

	// Declared JPEG, actual PNG bytes. Always refused regardless of
	// extension or declared type.
	_, err := f.gateway.Upload(context.Background(), tc, "images", "photo.jpg", "image/jpeg", pngBytes)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindSignatureMismatch))

	// Nothing was stored.
	_, err = f.backend.Get(context.Background(), "images/t1/photo.jpg")
	assert.ErrorIs(t, err, blob.ErrObjectNotExist)
}

func TestUploadOversizeRejected(t *testing.T) {
	f := newFixture(t, blob.Limits{MaxImageBytes: 4})
	tc := f.addTenant(t, "t1")

	_, err := f.gateway.Upload(context.Background(), tc, "images", "big.png", "image/png", pngBytes)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
}

func TestUploadBadFileNameRejected(t *testing.T) {
	f := newFixture(t, blob.Limits{})
	tc := f.addTenant(t, "t1")
	ctx := context.Background()

	for _, name := range []string{"../escape.png", "a b.png", "", ".hidden", "sub/dir.png"} {
		_, err := f.gateway.Upload(ctx, tc, "images", name, "image/png", pngBytes)
		require.Error(t, err, name)
		assert.True(t, apperr.IsKind(err, apperr.KindValidation), name)
	}
}

func TestUploadWrongContainerForType(t *testing.T) {
	f := newFixture(t, blob.Limits{})
	tc := f.addTenant(t, "t1")
	ctx := context.Background()

	_, err := f.gateway.Upload(ctx, tc, "images", "doc.pdf", "application/pdf", pdfBytes)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))

	_, err = f.gateway.Upload(ctx, tc, "videos", "clip.mp4", "video/mp4", jpegBytes)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
}

func TestTenantIsolation(t *testing.T) {
	f := newFixture(t, blob.Limits{})
	tcA := f.addTenant(t, "tenant-a")
	tcB := f.addTenant(t, "tenant-b")
	ctx := context.Background()

	_, err := f.gateway.Upload(ctx, tcA, "images", "logo.png", "image/png", pngBytes)
	require.NoError(t, err)
	_, err = f.gateway.Upload(ctx, tcB, "images", "logo.png", "image/jpeg", jpegBytes)
	require.NoError(t, err)

	// Same file name, two distinct keys.
	a, err := f.backend.Get(ctx, "images/tenant-a/logo.png")
	require.NoError(t, err)
	b, err := f.backend.Get(ctx, "images/tenant-b/logo.png")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	// Deleting A's object leaves B's intact.
	require.NoError(t, f.gateway.Delete(ctx, tcA, "images", "logo.png"))

	listA, err := f.gateway.List(ctx, tcA, "images")
	require.NoError(t, err)
	assert.Empty(t, listA)

	listB, err := f.gateway.List(ctx, tcB, "images")
	require.NoError(t, err)
	assert.Len(t, listB, 1)
}

func TestDeleteAbsentObject(t *testing.T) {
	f := newFixture(t, blob.Limits{})
	tc := f.addTenant(t, "t1")

	err := f.gateway.Delete(context.Background(), tc, "images", "ghost.png")
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
}

func TestTemporaryURLRoundTrip(t *testing.T) {
	f := newFixture(t, blob.Limits{})
	tc := f.addTenant(t, "t1")
	ctx := context.Background()

	_, err := f.gateway.Upload(ctx, tc, "documents", "report.pdf", "application/pdf", pdfBytes)
	require.NoError(t, err)

	signed, err := f.gateway.TemporaryURL(ctx, tc, "documents", "report.pdf", 10*time.Minute)
	require.NoError(t, err)
	assert.True(t, signed.ExpiresAt.After(time.Now()))

	u, err := url.Parse(signed.SASURL)
	require.NoError(t, err)
	token := u.Query().Get("token")
	require.NotEmpty(t, token)

	obj, err := f.gateway.Fetch(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, pdfBytes, obj.Data)
	assert.Equal(t, "application/pdf", obj.ContentType)
	assert.Equal(t, "report.pdf", obj.FileName)
}

func TestTemporaryURLExpiryClamped(t *testing.T) {
	f := newFixture(t, blob.Limits{})
	tc := f.addTenant(t, "t1")
	ctx := context.Background()

	_, err := f.gateway.Upload(ctx, tc, "documents", "report.pdf", "application/pdf", pdfBytes)
	require.NoError(t, err)

	// Below the floor: clamped up to one minute.
	signed, err := f.gateway.TemporaryURL(ctx, tc, "documents", "report.pdf", 0)
	require.NoError(t, err)
	assert.InDelta(t, time.Minute.Seconds(), time.Until(signed.ExpiresAt).Seconds(), 5)

	// Above the cap: clamped down to the configured maximum.
	signed, err = f.gateway.TemporaryURL(ctx, tc, "documents", "report.pdf", 100*24*time.Hour)
	require.NoError(t, err)
	assert.InDelta(t, (24 * time.Hour).Seconds(), time.Until(signed.ExpiresAt).Seconds(), 5)
}

func TestTemporaryURLAbsentObject(t *testing.T) {
	f := newFixture(t, blob.Limits{})
	tc := f.addTenant(t, "t1")

	_, err := f.gateway.TemporaryURL(context.Background(), tc, "documents", "ghost.pdf", time.Minute)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
}

func TestFetchInvalidToken(t *testing.T) {
	f := newFixture(t, blob.Limits{})

	_, err := f.gateway.Fetch(context.Background(), "garbage-token")
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
}

func TestFetchRefusedAfterSuspension(t *testing.T) {
	f := newFixture(t, blob.Limits{})
	tc := f.addTenant(t, "t1")
	ctx := context.Background()

	_, err := f.gateway.Upload(ctx, tc, "documents", "report.pdf", "application/pdf", pdfBytes)
	require.NoError(t, err)

	signed, err := f.gateway.TemporaryURL(ctx, tc, "documents", "report.pdf", 10*time.Minute)
	require.NoError(t, err)
	u, err := url.Parse(signed.SASURL)
	require.NoError(t, err)
	token := u.Query().Get("token")

	// The token stays valid, but a suspended tenant's objects are no
	// longer served.
	require.NoError(t, f.reg.SetStatus(ctx, "t1", tenant.StatusSuspended))
	_, err = f.gateway.Fetch(ctx, token)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindTenantSuspended))
}
