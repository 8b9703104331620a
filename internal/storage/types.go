// Package storage copies sealed artifacts to and from a remote artifact store.
package storage

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	apperrors "sealed-backup/internal/errors"
)

// ProviderType names a storage backend
type ProviderType string

const (
	ProviderLocal ProviderType = "local"
	ProviderS3    ProviderType = "s3"
	ProviderAzure ProviderType = "azure"
	ProviderGCS   ProviderType = "gcs"
)

// DefaultPrefix is prepended to object names in remote stores
const DefaultPrefix = "sealed-backup/"

// Object is one stored artifact
type Object struct {
	Name     string    `json:"name" yaml:"name"`
	Size     int64     `json:"size" yaml:"size"`
	Modified time.Time `json:"modified" yaml:"modified"`
	Location string    `json:"location" yaml:"location"`
}

// Provider stores artifacts by file name. Artifacts are opaque sealed files,
// providers never inspect their contents.
type Provider interface {
	// Upload copies localPath to the store as name and returns its location
	Upload(ctx context.Context, localPath, name string) (string, error)
	// Download copies name into dstDir and returns the local path
	Download(ctx context.Context, name, dstDir string) (string, error)
	// List returns stored artifacts whose name starts with prefix, sorted by name
	List(ctx context.Context, prefix string) ([]Object, error)
	// HealthCheck verifies the store is reachable and writable by this account
	HealthCheck(ctx context.Context) error
	Type() ProviderType
	Close() error
}

// Config selects and configures a provider
type Config struct {
	Provider ProviderType `mapstructure:"provider" yaml:"provider"`
	Prefix   string       `mapstructure:"prefix" yaml:"prefix"`
	Local    *LocalConfig `mapstructure:"local" yaml:"local,omitempty"`
	S3       *S3Config    `mapstructure:"s3" yaml:"s3,omitempty"`
	Azure    *AzureConfig `mapstructure:"azure" yaml:"azure,omitempty"`
	GCS      *GCSConfig   `mapstructure:"gcs" yaml:"gcs,omitempty"`
}

// LocalConfig for a directory used as artifact store
type LocalConfig struct {
	BasePath    string      `mapstructure:"base_path" yaml:"base_path"`
	Permissions os.FileMode `mapstructure:"permissions" yaml:"permissions"`
}

// S3Config for Amazon S3 or an S3 compatible endpoint
type S3Config struct {
	Bucket    string `mapstructure:"bucket" yaml:"bucket"`
	Region    string `mapstructure:"region" yaml:"region"`
	AccessKey string `mapstructure:"access_key" yaml:"access_key"`
	SecretKey string `mapstructure:"secret_key" yaml:"secret_key"`
	Endpoint  string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
}

// AzureConfig for Azure Blob Storage
type AzureConfig struct {
	AccountName   string `mapstructure:"account_name" yaml:"account_name"`
	AccountKey    string `mapstructure:"account_key" yaml:"account_key"`
	ContainerName string `mapstructure:"container_name" yaml:"container_name"`
}

// GCSConfig for Google Cloud Storage
type GCSConfig struct {
	Bucket          string `mapstructure:"bucket" yaml:"bucket"`
	CredentialsPath string `mapstructure:"credentials_path" yaml:"credentials_path"`
	ProjectID       string `mapstructure:"project_id" yaml:"project_id"`
}

// Enabled reports whether a provider is configured at all
func (c *Config) Enabled() bool {
	return c.Provider != ""
}

// SetDefaults fills unset optional fields
func (c *Config) SetDefaults() {
	if c.Prefix == "" && c.Provider != ProviderLocal {
		c.Prefix = DefaultPrefix
	}
	if c.Local != nil && c.Local.Permissions == 0 {
		c.Local.Permissions = 0600
	}
}

// Validate validates the storage configuration. An empty provider means no store
// is configured and is valid.
func (c *Config) Validate() error {
	var errs apperrors.ValidationErrors

	switch c.Provider {
	case "":
		return nil
	case ProviderLocal:
		if c.Local == nil {
			errs.Add("storage.local", "local storage configuration is required", nil)
		} else {
			errs.Merge("storage.local", c.Local.Validate())
		}
	case ProviderS3:
		if c.S3 == nil {
			errs.Add("storage.s3", "S3 storage configuration is required", nil)
		} else {
			errs.Merge("storage.s3", c.S3.Validate())
		}
	case ProviderAzure:
		if c.Azure == nil {
			errs.Add("storage.azure", "Azure storage configuration is required", nil)
		} else {
			errs.Merge("storage.azure", c.Azure.Validate())
		}
	case ProviderGCS:
		if c.GCS == nil {
			errs.Add("storage.gcs", "GCS storage configuration is required", nil)
		} else {
			errs.Merge("storage.gcs", c.GCS.Validate())
		}
	default:
		errs.Add("storage.provider", "invalid storage provider type, expected one of "+supportedList(), c.Provider)
	}

	if strings.Contains(c.Prefix, "..") {
		errs.Add("storage.prefix", "prefix must not contain '..'", c.Prefix)
	}

	return errs.Err()
}

// Validate validates the LocalConfig struct
func (lc *LocalConfig) Validate() error {
	var errs apperrors.ValidationErrors
	if lc.BasePath == "" {
		errs.Add("storage.local.base_path", "base path is required for local storage", lc.BasePath)
	}
	if lc.Permissions != 0 && lc.Permissions&^os.ModePerm != 0 {
		errs.Add("storage.local.permissions", "permissions must be a plain file mode", lc.Permissions)
	}
	return errs.Err()
}

// Validate validates the S3Config struct
func (s3c *S3Config) Validate() error {
	var errs apperrors.ValidationErrors
	if s3c.Bucket == "" {
		errs.Add("storage.s3.bucket", "S3 bucket name is required", s3c.Bucket)
	}
	if s3c.Region == "" {
		errs.Add("storage.s3.region", "S3 region is required", s3c.Region)
	}
	if s3c.AccessKey == "" {
		errs.Add("storage.s3.access_key", "S3 access key is required", nil)
	}
	if s3c.SecretKey == "" {
		errs.Add("storage.s3.secret_key", "S3 secret key is required", nil)
	}
	return errs.Err()
}

// Validate validates the AzureConfig struct
func (ac *AzureConfig) Validate() error {
	var errs apperrors.ValidationErrors
	if ac.AccountName == "" {
		errs.Add("storage.azure.account_name", "Azure account name is required", ac.AccountName)
	}
	if ac.AccountKey == "" {
		errs.Add("storage.azure.account_key", "Azure account key is required", nil)
	}
	if ac.ContainerName == "" {
		errs.Add("storage.azure.container_name", "Azure container name is required", ac.ContainerName)
	}
	return errs.Err()
}

// Validate validates the GCSConfig struct. Without a credentials path the
// application default credentials are used.
func (gc *GCSConfig) Validate() error {
	var errs apperrors.ValidationErrors
	if gc.Bucket == "" {
		errs.Add("storage.gcs.bucket", "GCS bucket name is required", gc.Bucket)
	}
	return errs.Err()
}

// ValidateName checks that name is a plain artifact file name
func ValidateName(name string) error {
	if name == "" || name == "." || name == ".." ||
		strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return apperrors.NewValidationError(fmt.Sprintf("invalid artifact name %q", name), nil)
	}
	return nil
}

func objectKey(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return path.Join(prefix, name)
}

// listKey is the key prefix matching names that start with namePrefix
func listKey(prefix, namePrefix string) string {
	if prefix == "" {
		return namePrefix
	}
	return strings.TrimSuffix(prefix, "/") + "/" + namePrefix
}

func trimKey(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return strings.TrimPrefix(key, strings.TrimSuffix(prefix, "/")+"/")
}
