// Package config handles loading and validating the application
// configuration from a storage.json file.
//
// The configuration file is expected to be a JSON object with registry
// database connection details, storage locations for the three isolation
// strategies, blob storage settings, and an admin key for the management
// API.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"time"
)

// Config holds all application configuration loaded from storage.json.
// The file is read once at startup; changes require a restart.
type Config struct {
	// DBConn is the PostgreSQL host:port (e.g., "infra-postgres:5432").
	DBConn string `json:"dbConn"`

	// DBName is the registry database name.
	DBName string `json:"dbName"`

	// DBUser is the PostgreSQL username.
	DBUser string `json:"dbUser"`

	// DBPass is the PostgreSQL password.
	DBPass string `json:"dbPass"`

	// SharedDBName is the database holding shared-schema tenants, one
	// schema per tenant on the same instance.
	SharedDBName string `json:"sharedDbName"`

	// SQLiteDir is the directory for embedded-file tenant databases,
	// one SQLite file per tenant.
	SQLiteDir string `json:"sqliteDir"`

	// BlobDir is the root directory of the filesystem blob store.
	BlobDir string `json:"blobDir"`

	// ListenAddr is the HTTP listen address (default ":3000").
	ListenAddr string `json:"listenAddr"`

	// PublicBaseURL is the externally reachable base URL used when
	// building object URIs and temporary access URLs.
	PublicBaseURL string `json:"publicBaseUrl"`

	// BaseDomain is the platform domain under which tenant subdomains
	// live (e.g. "sites.example.com" makes "acme.sites.example.com"
	// resolve to tenant "acme"). Optional; subdomain resolution is
	// skipped when empty.
	BaseDomain string `json:"baseDomain,omitempty"`

	// AdminKey is a shared secret for authenticating management API calls.
	// Clients send it as "Authorization: Bearer <adminKey>".
	AdminKey string `json:"adminKey"`

	// SigningSecret signs temporary access URL tokens (HS256).
	SigningSecret string `json:"signingSecret"`

	// TempURLMaxMinutes caps the lifetime of temporary access URLs.
	// Defaults to 1440 (24h).
	TempURLMaxMinutes int `json:"tempUrlMaxMinutes,omitempty"`

	// MaxImageBytes is the upload size limit for image content types.
	// Defaults to 5 MiB.
	MaxImageBytes int64 `json:"maxImageBytes,omitempty"`

	// MaxDocumentBytes is the upload size limit for document content
	// types. Defaults to 20 MiB.
	MaxDocumentBytes int64 `json:"maxDocumentBytes,omitempty"`

	// RegistryCacheTTLSeconds bounds how long tenant registry lookups may
	// be served from cache. Defaults to 60.
	RegistryCacheTTLSeconds int `json:"registryCacheTtlSeconds,omitempty"`

	// StorageRetryAttempts is the bounded retry count for transient
	// storage failures. Defaults to 3.
	StorageRetryAttempts int `json:"storageRetryAttempts,omitempty"`

	// StorageRetryBackoffMs is the base backoff between retries,
	// doubled on each attempt. Defaults to 200.
	StorageRetryBackoffMs int `json:"storageRetryBackoffMs,omitempty"`

	// StorageTimeoutSeconds bounds every external storage call.
	// Defaults to 10.
	StorageTimeoutSeconds int `json:"storageTimeoutSeconds,omitempty"`

	// UploadsPerSecond rate-limits uploads per tenant (token bucket).
	// Defaults to 5 with a burst of 10.
	UploadsPerSecond float64 `json:"uploadsPerSecond,omitempty"`
	UploadBurst      int     `json:"uploadBurst,omitempty"`
}

// Load reads and parses configuration from the given file path.
// It returns an error if the file cannot be read, parsed, or is missing
// required fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":3000"
	}
	if c.SharedDBName == "" {
		c.SharedDBName = "cms_shared"
	}
	if c.TempURLMaxMinutes <= 0 {
		c.TempURLMaxMinutes = 1440
	}
	if c.MaxImageBytes <= 0 {
		c.MaxImageBytes = 5 << 20
	}
	if c.MaxDocumentBytes <= 0 {
		c.MaxDocumentBytes = 20 << 20
	}
	if c.RegistryCacheTTLSeconds <= 0 {
		c.RegistryCacheTTLSeconds = 60
	}
	if c.StorageRetryAttempts <= 0 {
		c.StorageRetryAttempts = 3
	}
	if c.StorageRetryBackoffMs <= 0 {
		c.StorageRetryBackoffMs = 200
	}
	if c.StorageTimeoutSeconds <= 0 {
		c.StorageTimeoutSeconds = 10
	}
	if c.UploadsPerSecond <= 0 {
		c.UploadsPerSecond = 5
	}
	if c.UploadBurst <= 0 {
		c.UploadBurst = 10
	}
}

// validate checks that all required fields are present.
func (c *Config) validate() error {
	switch {
	case c.DBConn == "":
		return fmt.Errorf("config: dbConn is required")
	case c.DBName == "":
		return fmt.Errorf("config: dbName is required")
	case c.DBUser == "":
		return fmt.Errorf("config: dbUser is required")
	case c.DBPass == "":
		return fmt.Errorf("config: dbPass is required")
	case c.SQLiteDir == "":
		return fmt.Errorf("config: sqliteDir is required")
	case c.BlobDir == "":
		return fmt.Errorf("config: blobDir is required")
	case c.AdminKey == "":
		return fmt.Errorf("config: adminKey is required")
	case c.SigningSecret == "":
		return fmt.Errorf("config: signingSecret is required")
	}
	return nil
}

// ConnString builds the registry database connection URI. The password
// is URL-encoded to handle special characters safely.
func (c *Config) ConnString() string {
	return fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=disable",
		url.QueryEscape(c.DBUser),
		url.QueryEscape(c.DBPass),
		c.DBConn,
		url.QueryEscape(c.DBName),
	)
}

// ConnBase returns a connection string template without a database name.
// Providers append a database name (and, for shared-schema tenants, a
// search_path) to construct per-tenant connection strings.
func (c *Config) ConnBase() string {
	return fmt.Sprintf("postgres://%s:%s@%s",
		url.QueryEscape(c.DBUser),
		url.QueryEscape(c.DBPass),
		c.DBConn,
	)
}

// CacheTTL returns the registry cache TTL as a duration.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.RegistryCacheTTLSeconds) * time.Second
}

// TempURLMax returns the temporary URL lifetime cap as a duration.
func (c *Config) TempURLMax() time.Duration {
	return time.Duration(c.TempURLMaxMinutes) * time.Minute
}

// StorageTimeout returns the per-call storage timeout as a duration.
func (c *Config) StorageTimeout() time.Duration {
	return time.Duration(c.StorageTimeoutSeconds) * time.Second
}

// RetryBackoff returns the base retry backoff as a duration.
func (c *Config) RetryBackoff() time.Duration {
	return time.Duration(c.StorageRetryBackoffMs) * time.Millisecond
}
