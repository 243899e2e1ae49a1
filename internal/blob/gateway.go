package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/orkinosai/cms-storage/internal/apperr"
	"github.com/orkinosai/cms-storage/internal/storage"
	"github.com/orkinosai/cms-storage/internal/tenant"
)

// Container names accepted by the gateway.
const (
	ContainerImages    = "images"
	ContainerDocuments = "documents"
)

// containerTypes maps each container to its accepted content types.
var containerTypes = map[string][]string{
	ContainerImages:    {"image/jpeg", "image/png", "image/gif", "image/webp"},
	ContainerDocuments: {"application/pdf", "text/plain"},
}

// fileNamePattern allow-lists object names: must start with an
// alphanumeric, then alphanumerics, dots, underscores, and hyphens.
var fileNamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

const maxFileNameLen = 255

// Limits are the per-class upload size caps.
type Limits struct {
	MaxImageBytes    int64
	MaxDocumentBytes int64
}

// MaxBytes returns the larger of the two caps, for bounding reads
// before the container is known.
func (l Limits) MaxBytes() int64 {
	if l.MaxImageBytes > l.MaxDocumentBytes {
		return l.MaxImageBytes
	}
	return l.MaxDocumentBytes
}

// UploadResult is returned to the caller after a successful upload.
type UploadResult struct {
	FileName    string    `json:"fileName"`
	URI         string    `json:"uri"`
	TenantID    string    `json:"tenantId"`
	Size        int64     `json:"size"`
	ContentType string    `json:"contentType"`
	Checksum    string    `json:"checksum"`
	UploadedAt  time.Time `json:"uploadedAt"`
}

// SignedURL is a temporary access URL with its expiry.
type SignedURL struct {
	SASURL    string    `json:"sasUrl"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Object is the payload of a temporary-URL fetch.
type Object struct {
	Data        []byte
	ContentType string
	FileName    string
}

// Gateway is the tenant-scoped blob storage facade. Object keys are
// always constructed server-side as {container}/{tenantId}/{fileName};
// callers never influence key layout, so tenants cannot read or write
// outside their own prefix.
type Gateway struct {
	backend  Backend
	router   *storage.Router
	registry tenant.Registry
	signer   *URLSigner
	limits   Limits
	baseURL  string
	logger   *zap.Logger
}

// NewGateway creates a Gateway. baseURL is the externally reachable base
// used when building object URIs and temporary access URLs.
func NewGateway(backend Backend, router *storage.Router, registry tenant.Registry, signer *URLSigner, limits Limits, baseURL string, logger *zap.Logger) *Gateway {
	return &Gateway{
		backend:  backend,
		router:   router,
		registry: registry,
		signer:   signer,
		limits:   limits,
		baseURL:  strings.TrimRight(baseURL, "/"),
		logger:   logger,
	}
}

// Ping probes the blob backend.
func (g *Gateway) Ping(ctx context.Context) error {
	return g.backend.Ping(ctx)
}

// MaxUploadBytes is the largest upload any container accepts.
func (g *Gateway) MaxUploadBytes() int64 {
	return g.limits.MaxBytes()
}

// ObjectKey builds the canonical storage key for an object.
func ObjectKey(container, tenantID, fileName string) string {
	return fmt.Sprintf("%s/%s/%s", container, tenantID, fileName)
}

// Upload validates and stores one object, then records it in the
// tenant's inventory. The validation pipeline runs in a fixed order:
// size, binary signature, file name. The first failure rejects the
// upload before any storage write.
func (g *Gateway) Upload(ctx context.Context, tc *tenant.Context, container, fileName, contentType string, data []byte) (*UploadResult, error) {
	if err := g.validate(container, fileName, contentType, data); err != nil {
		return nil, err
	}

	key := ObjectKey(container, tc.TenantID, fileName)
	if err := g.backend.Put(ctx, key, data); err != nil {
		return nil, apperr.StorageUnavailable(err)
	}

	sum := sha256.Sum256(data)
	checksum := hex.EncodeToString(sum[:])

	repo, err := g.router.Repository(ctx, tc)
	if err != nil {
		return nil, err
	}
	obj := &storage.BlobObject{
		Container:   container,
		FileName:    fileName,
		TenantID:    tc.TenantID,
		Key:         key,
		Size:        int64(len(data)),
		ContentType: contentType,
		Checksum:    checksum,
	}
	if err := repo.UpsertBlobObject(ctx, obj); err != nil {
		return nil, err
	}

	g.logger.Info("object stored",
		zap.String("tenant_id", tc.TenantID),
		zap.String("key", key),
		zap.Int64("size", obj.Size),
	)

	return &UploadResult{
		FileName:    fileName,
		URI:         g.baseURL + "/" + key,
		TenantID:    tc.TenantID,
		Size:        obj.Size,
		ContentType: contentType,
		Checksum:    checksum,
		UploadedAt:  obj.UpdatedAt,
	}, nil
}

// List returns the tenant's inventory for one container.
func (g *Gateway) List(ctx context.Context, tc *tenant.Context, container string) ([]storage.BlobObject, error) {
	if _, ok := containerTypes[container]; !ok {
		return nil, apperr.Validation("unknown container type").WithDetail("container", container)
	}
	repo, err := g.router.Repository(ctx, tc)
	if err != nil {
		return nil, err
	}
	return repo.ListBlobObjects(ctx, container)
}

// Delete removes an object from the backend and the inventory. Deleting
// an absent object reports NotFound.
func (g *Gateway) Delete(ctx context.Context, tc *tenant.Context, container, fileName string) error {
	if _, ok := containerTypes[container]; !ok {
		return apperr.Validation("unknown container type").WithDetail("container", container)
	}

	repo, err := g.router.Repository(ctx, tc)
	if err != nil {
		return err
	}
	if err := repo.DeleteBlobObject(ctx, container, fileName); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return apperr.New(apperr.KindNotFound, "object not found").
				WithDetail("fileName", fileName)
		}
		return err
	}

	key := ObjectKey(container, tc.TenantID, fileName)
	if err := g.backend.Delete(ctx, key); err != nil && !errors.Is(err, ErrObjectNotExist) {
		return apperr.StorageUnavailable(err)
	}

	g.logger.Info("object deleted",
		zap.String("tenant_id", tc.TenantID),
		zap.String("key", key),
	)
	return nil
}

// TemporaryURL issues a short-lived access URL for one object. The
// object must exist in the tenant's inventory; the requested lifetime is
// clamped by the signer.
func (g *Gateway) TemporaryURL(ctx context.Context, tc *tenant.Context, container, fileName string, ttl time.Duration) (*SignedURL, error) {
	if _, ok := containerTypes[container]; !ok {
		return nil, apperr.Validation("unknown container type").WithDetail("container", container)
	}

	repo, err := g.router.Repository(ctx, tc)
	if err != nil {
		return nil, err
	}
	if _, err := repo.GetBlobObject(ctx, container, fileName); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperr.New(apperr.KindNotFound, "object not found").
				WithDetail("fileName", fileName)
		}
		return nil, err
	}

	token, expiresAt, err := g.signer.Sign(tc.TenantID, container, fileName, ttl)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "issuing temporary url", err)
	}

	return &SignedURL{
		SASURL:    g.baseURL + "/media/content?token=" + url.QueryEscape(token),
		ExpiresAt: expiresAt,
	}, nil
}

// Fetch serves the object behind a temporary URL token. The token scopes
// the request; no host or header resolution happens on this path, but
// the issuing tenant must still be active.
func (g *Gateway) Fetch(ctx context.Context, token string) (*Object, error) {
	claims, err := g.signer.Verify(token)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "invalid or expired token", err)
	}

	t, err := g.registry.Get(ctx, claims.TenantID)
	if err != nil {
		if errors.Is(err, tenant.ErrNotFound) {
			return nil, apperr.TenantNotFound(claims.TenantID)
		}
		return nil, err
	}
	if t.Status != tenant.StatusActive {
		return nil, apperr.TenantSuspended(claims.TenantID)
	}

	key := ObjectKey(claims.Container, claims.TenantID, claims.FileName)
	data, err := g.backend.Get(ctx, key)
	if errors.Is(err, ErrObjectNotExist) {
		return nil, apperr.New(apperr.KindNotFound, "object not found").
			WithDetail("fileName", claims.FileName)
	}
	if err != nil {
		return nil, apperr.StorageUnavailable(err)
	}

	contentType := "application/octet-stream"
	tc := &tenant.Context{TenantID: claims.TenantID}
	if repo, rerr := g.router.Repository(ctx, tc); rerr == nil {
		if obj, gerr := repo.GetBlobObject(ctx, claims.Container, claims.FileName); gerr == nil {
			contentType = obj.ContentType
		}
	}

	return &Object{Data: data, ContentType: contentType, FileName: claims.FileName}, nil
}

// validate runs the upload validation pipeline.
func (g *Gateway) validate(container, fileName, contentType string, data []byte) error {
	types, ok := containerTypes[container]
	if !ok {
		return apperr.Validation("unknown container type").WithDetail("container", container)
	}

	allowed := false
	for _, t := range types {
		if t == contentType {
			allowed = true
			break
		}
	}
	if !allowed {
		return apperr.Validation("content type not accepted for this container").
			WithDetail("contentType", contentType).
			WithDetail("container", container)
	}

	limit := g.limits.MaxDocumentBytes
	if container == ContainerImages {
		limit = g.limits.MaxImageBytes
	}
	if int64(len(data)) > limit {
		return apperr.Validation("file exceeds the size limit for its content type").
			WithDetail("size", len(data)).
			WithDetail("limit", limit)
	}
	if len(data) == 0 {
		return apperr.Validation("file is empty")
	}

	if !matchesSignature(contentType, data) {
		return apperr.New(apperr.KindSignatureMismatch, "file content does not match the declared content type").
			WithDetail("contentType", contentType)
	}

	if len(fileName) > maxFileNameLen || !fileNamePattern.MatchString(fileName) ||
		strings.Contains(fileName, "..") {
		return apperr.Validation("file name contains disallowed characters").
			WithDetail("fileName", fileName)
	}

	return nil
}
