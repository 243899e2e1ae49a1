// Package apperr defines the error taxonomy shared by every storage
// component. Each error carries a stable Kind plus a tenant-safe message;
// raw driver errors are kept as the wrapped cause and never surface in
// HTTP responses.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is a stable, machine-readable error category.
type Kind string

const (
	// KindTenantNotFound: no tenant could be resolved for the request.
	KindTenantNotFound Kind = "TenantNotFound"
	// KindTenantSuspended: the tenant exists but is not active; callers
	// must refuse further resource access.
	KindTenantSuspended Kind = "TenantSuspended"
	// KindValidation: request rejected before touching storage
	// (size, content type, signature, filename).
	KindValidation Kind = "ValidationError"
	// KindSignatureMismatch: declared content type does not match the
	// file's binary signature. A validation error with its own HTTP code.
	KindSignatureMismatch Kind = "SignatureMismatch"
	// KindStorageUnavailable: a backing store stayed unreachable after
	// bounded retries.
	KindStorageUnavailable Kind = "StorageUnavailable"
	// KindSchemaDrift: a provider's objects conflict with the migration
	// manifest; never auto-fixed.
	KindSchemaDrift Kind = "SchemaDriftError"
	// KindBackupInProgress: a backup or restore is already running for
	// this tenant.
	KindBackupInProgress Kind = "BackupInProgress"
	// KindPartialFailure: a backup/restore completed with object-level
	// errors recorded in the manifest.
	KindPartialFailure Kind = "PartialFailure"
	// KindNotFound: a named object, backup, or record does not exist for
	// this tenant.
	KindNotFound Kind = "NotFound"
	// KindMigrationConflict: a tier migration is already running for this
	// tenant.
	KindMigrationConflict Kind = "MigrationInProgress"
	// KindInternal: anything else. The message is generic; the cause is
	// logged server-side only.
	KindInternal Kind = "InternalError"
)

// Error is the structured error type used across component boundaries.
type Error struct {
	Kind    Kind
	Message string
	Detail  map[string]any
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Cause }

// Is allows errors.Is matching on kind via sentinel comparison.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// WithDetail attaches a tenant-safe detail field for the response body.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Detail == nil {
		e.Detail = make(map[string]any)
	}
	e.Detail[key] = value
	return e
}

// New creates an Error with the given kind and message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates an Error with an underlying cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind from any error, defaulting to KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// HTTPStatus maps an error kind to the response status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindSignatureMismatch:
		return http.StatusUnsupportedMediaType
	case KindTenantNotFound:
		return http.StatusBadRequest
	case KindTenantSuspended:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindBackupInProgress, KindMigrationConflict:
		return http.StatusConflict
	case KindStorageUnavailable:
		return http.StatusServiceUnavailable
	case KindSchemaDrift, KindPartialFailure:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Convenience constructors for the common cases.

// TenantNotFound reports that no tenant matched the request.
func TenantNotFound(hint string) *Error {
	return New(KindTenantNotFound, "no tenant found for request").
		WithDetail("hint", hint)
}

// TenantSuspended reports that the tenant is not active.
func TenantSuspended(tenantID string) *Error {
	return New(KindTenantSuspended, "tenant is suspended").
		WithDetail("tenantId", tenantID)
}

// Validation reports a request rejected by the validation pipeline.
func Validation(message string) *Error {
	return New(KindValidation, message)
}

// StorageUnavailable reports a backing store that stayed down through
// the retry budget.
func StorageUnavailable(cause error) *Error {
	return Wrap(KindStorageUnavailable, "storage backend unavailable", cause)
}

// BackupInProgress reports the per-tenant backup/restore lease is held.
func BackupInProgress(tenantID string) *Error {
	return New(KindBackupInProgress, "a backup or restore is already running for this tenant").
		WithDetail("tenantId", tenantID)
}
