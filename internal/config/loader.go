package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	apperrors "sealed-backup/internal/errors"
	"sealed-backup/internal/storage"
)

const (
	// EnvPrefix prefixes environment overrides, e.g. SEALED_BACKUP_COMPRESSION_ALGORITHM
	EnvPrefix = "SEALED_BACKUP"
	// FileName is the config file searched in $HOME and the working directory
	FileName = ".sealed-backup"
)

// storageKeys are bound to the environment without defaults, so a provider
// section exists only when a file or variable sets it
var storageKeys = []string{
	"storage.local.base_path",
	"storage.local.permissions",
	"storage.s3.bucket",
	"storage.s3.region",
	"storage.s3.access_key",
	"storage.s3.secret_key",
	"storage.s3.endpoint",
	"storage.azure.account_name",
	"storage.azure.account_key",
	"storage.azure.container_name",
	"storage.gcs.bucket",
	"storage.gcs.credentials_path",
	"storage.gcs.project_id",
}

// Loader reads configuration through a viper instance
type Loader struct {
	viper *viper.Viper
}

// NewLoader creates a loader with defaults and environment bindings in place
func NewLoader() *Loader {
	l := &Loader{viper: viper.New()}
	l.setDefaults()

	l.viper.SetEnvPrefix(EnvPrefix)
	l.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.viper.AutomaticEnv()
	for _, key := range storageKeys {
		_ = l.viper.BindEnv(key)
	}
	return l
}

// Viper exposes the underlying instance for flag binding
func (l *Loader) Viper() *viper.Viper {
	return l.viper
}

func (l *Loader) setDefaults() {
	d := Default()
	l.viper.SetDefault("log.level", d.Log.Level)
	l.viper.SetDefault("log.format", d.Log.Format)
	l.viper.SetDefault("log.file", "")
	l.viper.SetDefault("compression.algorithm", d.Compression.Algorithm)
	l.viper.SetDefault("compression.level", d.Compression.Level)
	l.viper.SetDefault("encryption.key_file", "")
	l.viper.SetDefault("encryption.iterations", d.Encryption.Iterations)
	l.viper.SetDefault("encryption.chunk_size", d.Encryption.ChunkSize)
	l.viper.SetDefault("storage.provider", "")
	l.viper.SetDefault("storage.prefix", "")
	l.viper.SetDefault("display.color_enabled", d.Display.ColorEnabled)
	l.viper.SetDefault("display.output_format", d.Display.OutputFormat)
}

// Load reads configPath, or searches $HOME and the working directory when it
// is empty. A missing searched file is not an error; a missing explicit file is.
func (l *Loader) Load(configPath string) (*Config, error) {
	if configPath != "" {
		l.viper.SetConfigFile(configPath)
	} else {
		l.viper.SetConfigName(FileName)
		l.viper.SetConfigType("yaml")
		if home, err := os.UserHomeDir(); err == nil {
			l.viper.AddConfigPath(home)
		}
		l.viper.AddConfigPath(".")
	}

	if err := l.viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, apperrors.NewValidationError("error reading config file", err).
				WithUserMessage(fmt.Sprintf("Cannot read configuration: %v", err))
		}
	}

	cfg := &Config{}
	if err := l.viper.Unmarshal(cfg); err != nil {
		return nil, apperrors.NewValidationError("failed to unmarshal configuration", err)
	}
	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, apperrors.NewValidationError("configuration validation failed", err).
			WithUserMessage(fmt.Sprintf("Invalid configuration: %v", err))
	}
	return cfg, nil
}

// ConfigFileUsed returns the file Load read, or "" when none was found
func (l *Loader) ConfigFileUsed() string {
	return l.viper.ConfigFileUsed()
}

// Render marshals cfg to YAML with credentials masked
func Render(cfg *Config) ([]byte, error) {
	masked := *cfg
	masked.Storage = maskStorage(cfg.Storage)

	data, err := yaml.Marshal(&masked)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal configuration: %w", err)
	}
	return data, nil
}

// WriteTemplate writes the default configuration to path. An existing file is
// never replaced.
func WriteTemplate(path string) error {
	data, err := Render(Default())
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		if os.IsExist(err) {
			return apperrors.NewValidationError(fmt.Sprintf("configuration file %s already exists", path), err)
		}
		return fmt.Errorf("failed to create configuration file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("failed to write configuration file: %w", err)
	}
	return f.Close()
}

const maskedValue = "********"

func mask(s string) string {
	if s == "" {
		return ""
	}
	return maskedValue
}

func maskStorage(sc storage.Config) storage.Config {
	if sc.S3 != nil {
		s3 := *sc.S3
		s3.AccessKey = mask(s3.AccessKey)
		s3.SecretKey = mask(s3.SecretKey)
		sc.S3 = &s3
	}
	if sc.Azure != nil {
		az := *sc.Azure
		az.AccountKey = mask(az.AccountKey)
		sc.Azure = &az
	}
	return sc
}
