// Package provider describes the connection parameters for each supported
// object-storage service.
//
// A Config is a plain value: adapters receive it with every call and never
// cache it. Secrets are never rendered by LogValue.
package provider

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	bderr "github.com/bucketdesk/bucketdesk/internal/errors"
)

// Kind tags a provider variant.
type Kind string

// Supported provider kinds.
const (
	KindS3       Kind = "s3"
	KindSupabase Kind = "supabase"
	KindGCS      Kind = "gcs"
	KindAzure    Kind = "azure"
	KindMemory   Kind = "memory"
)

// Config is the closed set of provider configurations. The unexported marker
// method keeps implementations inside this package.
type Config interface {
	slog.LogValuer

	// Kind returns the variant tag.
	Kind() Kind
	// Validate reports missing or malformed fields.
	Validate() error
	// ID returns a stable identifier derived from non-secret fields.
	ID() string

	isConfig()
}

// S3Variant selects the flavour of an S3-compatible service.
type S3Variant string

// S3 variants.
const (
	VariantAWS     S3Variant = "aws"
	VariantR2      S3Variant = "r2"
	VariantMinIO   S3Variant = "minio"
	VariantGeneric S3Variant = "generic"
)

// defaultAWSRegion is used when an AWS config names no region.
const defaultAWSRegion = "us-east-1"

// S3Config connects to AWS S3 or any S3-compatible endpoint.
type S3Config struct {
	Variant         S3Variant `json:"variant" yaml:"variant"`
	AccessKeyID     string    `json:"accessKeyId" yaml:"access_key_id"`
	SecretAccessKey string    `json:"secretAccessKey" yaml:"secret_access_key"`
	Region          string    `json:"region,omitempty" yaml:"region,omitempty"`
	Endpoint        string    `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	AccountID       string    `json:"accountId,omitempty" yaml:"account_id,omitempty"`
	ForcePathStyle  bool      `json:"forcePathStyle,omitempty" yaml:"force_path_style,omitempty"`
}

func (S3Config) isConfig() {}

// Kind implements Config.
func (S3Config) Kind() Kind { return KindS3 }

// ResolvedEndpoint returns the endpoint URL the client should use. An empty
// result means the SDK's default AWS endpoint resolution.
func (c S3Config) ResolvedEndpoint() string {
	if c.Endpoint != "" {
		return strings.TrimRight(c.Endpoint, "/")
	}
	if c.Variant == VariantR2 && c.AccountID != "" {
		return fmt.Sprintf("https://%s.r2.cloudflarestorage.com", c.AccountID)
	}
	return ""
}

// ResolvedRegion returns the signing region.
func (c S3Config) ResolvedRegion() string {
	switch {
	case c.Variant == VariantR2:
		return "auto"
	case c.Region != "":
		return c.Region
	default:
		return defaultAWSRegion
	}
}

// PathStyle reports whether requests use path-style addressing.
func (c S3Config) PathStyle() bool {
	return c.ForcePathStyle || c.Variant == VariantMinIO || c.Variant == VariantGeneric
}

// Validate implements Config.
func (c S3Config) Validate() error {
	switch c.Variant {
	case VariantAWS, VariantR2, VariantMinIO, VariantGeneric:
	case "":
		return bderr.Invalid("s3: variant is required")
	default:
		return bderr.Invalid("s3: unknown variant %q", c.Variant)
	}
	if c.AccessKeyID == "" || c.SecretAccessKey == "" {
		return bderr.Invalid("s3: access key id and secret access key are required")
	}
	switch c.Variant {
	case VariantR2:
		if c.AccountID == "" && c.Endpoint == "" {
			return bderr.Invalid("s3: r2 requires an account id")
		}
	case VariantMinIO, VariantGeneric:
		if c.Endpoint == "" {
			return bderr.Invalid("s3: %s requires an endpoint", c.Variant)
		}
	}
	if c.Endpoint != "" {
		if err := validateURL(c.Endpoint); err != nil {
			return bderr.Invalid("s3: endpoint: %v", err)
		}
	}
	return nil
}

// ID implements Config.
func (c S3Config) ID() string {
	return fingerprint(KindS3, string(c.Variant), c.ResolvedEndpoint(), c.ResolvedRegion(), c.AccessKeyID)
}

// LogValue implements slog.LogValuer.
func (c S3Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("kind", string(KindS3)),
		slog.String("variant", string(c.Variant)),
		slog.String("endpoint", c.ResolvedEndpoint()),
		slog.String("region", c.ResolvedRegion()),
		slog.String("access_key_id", mask(c.AccessKeyID)),
		slog.String("secret_access_key", redact(c.SecretAccessKey)),
	)
}

// SupabaseConfig connects to a Supabase project's Storage API. The
// service-role key is preferred over the anon key when both are set.
type SupabaseConfig struct {
	ProjectURL     string `json:"projectUrl" yaml:"project_url"`
	AnonKey        string `json:"anonKey,omitempty" yaml:"anon_key,omitempty"`
	ServiceRoleKey string `json:"serviceRoleKey,omitempty" yaml:"service_role_key,omitempty"`
}

func (SupabaseConfig) isConfig() {}

// Kind implements Config.
func (SupabaseConfig) Kind() Kind { return KindSupabase }

// APIKey returns the key used to authenticate requests.
func (c SupabaseConfig) APIKey() string {
	if c.ServiceRoleKey != "" {
		return c.ServiceRoleKey
	}
	return c.AnonKey
}

// Validate implements Config.
func (c SupabaseConfig) Validate() error {
	if c.ProjectURL == "" {
		return bderr.Invalid("supabase: project url is required")
	}
	if err := validateURL(c.ProjectURL); err != nil {
		return bderr.Invalid("supabase: project url: %v", err)
	}
	if c.APIKey() == "" {
		return bderr.Invalid("supabase: an anon key or service role key is required")
	}
	return nil
}

// ID implements Config.
func (c SupabaseConfig) ID() string {
	return fingerprint(KindSupabase, strings.TrimRight(c.ProjectURL, "/"))
}

// LogValue implements slog.LogValuer.
func (c SupabaseConfig) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("kind", string(KindSupabase)),
		slog.String("project_url", c.ProjectURL),
		slog.String("anon_key", redact(c.AnonKey)),
		slog.String("service_role_key", redact(c.ServiceRoleKey)),
	)
}

// GCSConfig connects to Google Cloud Storage. Without CredentialsJSON the
// client falls back to Application Default Credentials.
type GCSConfig struct {
	ProjectID       string `json:"projectId" yaml:"project_id"`
	CredentialsJSON string `json:"credentialsJson,omitempty" yaml:"credentials_json,omitempty"`
	Endpoint        string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
}

func (GCSConfig) isConfig() {}

// Kind implements Config.
func (GCSConfig) Kind() Kind { return KindGCS }

// Validate implements Config.
func (c GCSConfig) Validate() error {
	if c.ProjectID == "" {
		return bderr.Invalid("gcs: project id is required")
	}
	if c.Endpoint != "" {
		if err := validateURL(c.Endpoint); err != nil {
			return bderr.Invalid("gcs: endpoint: %v", err)
		}
	}
	return nil
}

// ID implements Config.
func (c GCSConfig) ID() string {
	return fingerprint(KindGCS, c.ProjectID, c.Endpoint)
}

// LogValue implements slog.LogValuer.
func (c GCSConfig) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("kind", string(KindGCS)),
		slog.String("project_id", c.ProjectID),
		slog.String("endpoint", c.Endpoint),
		slog.String("credentials_json", redact(c.CredentialsJSON)),
	)
}

// AzureConfig connects to Azure Blob Storage. Buckets map to containers.
type AzureConfig struct {
	AccountName      string `json:"accountName" yaml:"account_name"`
	AccountKey       string `json:"accountKey,omitempty" yaml:"account_key,omitempty"`
	ConnectionString string `json:"connectionString,omitempty" yaml:"connection_string,omitempty"`
	Endpoint         string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
}

func (AzureConfig) isConfig() {}

// Kind implements Config.
func (AzureConfig) Kind() Kind { return KindAzure }

// ServiceURL returns the blob service URL for the account.
func (c AzureConfig) ServiceURL() string {
	if c.Endpoint != "" {
		return strings.TrimRight(c.Endpoint, "/") + "/"
	}
	return fmt.Sprintf("https://%s.blob.core.windows.net/", c.AccountName)
}

// Validate implements Config.
func (c AzureConfig) Validate() error {
	if c.ConnectionString != "" {
		return nil
	}
	if c.AccountName == "" {
		return bderr.Invalid("azure: account name or connection string is required")
	}
	if c.Endpoint != "" {
		if err := validateURL(c.Endpoint); err != nil {
			return bderr.Invalid("azure: endpoint: %v", err)
		}
	}
	return nil
}

// ID implements Config.
func (c AzureConfig) ID() string {
	name := c.AccountName
	if name == "" {
		name = accountFromConnectionString(c.ConnectionString)
	}
	return fingerprint(KindAzure, name, c.Endpoint)
}

// LogValue implements slog.LogValuer.
func (c AzureConfig) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("kind", string(KindAzure)),
		slog.String("account_name", c.AccountName),
		slog.String("endpoint", c.Endpoint),
		slog.String("account_key", redact(c.AccountKey)),
		slog.String("connection_string", redact(c.ConnectionString)),
	)
}

// MemoryConfig selects an in-process store. Configs with the same Name share
// one store for the life of the process. SnapshotPath, when set, persists
// the store to a SQLite file on shutdown and restores it on first use.
type MemoryConfig struct {
	Name         string `json:"name" yaml:"name"`
	SnapshotPath string `json:"snapshotPath,omitempty" yaml:"snapshot_path,omitempty"`
}

func (MemoryConfig) isConfig() {}

// Kind implements Config.
func (MemoryConfig) Kind() Kind { return KindMemory }

// Validate implements Config.
func (c MemoryConfig) Validate() error {
	if c.Name == "" {
		return bderr.Invalid("memory: name is required")
	}
	return nil
}

// ID implements Config.
func (c MemoryConfig) ID() string {
	return fingerprint(KindMemory, c.Name)
}

// LogValue implements slog.LogValuer.
func (c MemoryConfig) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("kind", string(KindMemory)),
		slog.String("name", c.Name),
	)
}

// fingerprint hashes the identifying fields of a config.
func fingerprint(kind Kind, fields ...string) string {
	h := sha256.New()
	h.Write([]byte(kind))
	for _, f := range fields {
		h.Write([]byte{0})
		h.Write([]byte(f))
	}
	return string(kind) + "-" + hex.EncodeToString(h.Sum(nil))[:16]
}

// redact replaces a secret with a fixed marker.
func redact(s string) string {
	if s == "" {
		return ""
	}
	return "[REDACTED]"
}

// mask keeps a short prefix of an identifier such as an access key id.
func mask(s string) string {
	if len(s) <= 4 {
		return redact(s)
	}
	return s[:4] + "****"
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host")
	}
	return nil
}

func accountFromConnectionString(cs string) string {
	for _, part := range strings.Split(cs, ";") {
		if name, ok := strings.CutPrefix(part, "AccountName="); ok {
			return name
		}
	}
	return ""
}

var (
	_ Config = S3Config{}
	_ Config = SupabaseConfig{}
	_ Config = GCSConfig{}
	_ Config = AzureConfig{}
	_ Config = MemoryConfig{}
)
