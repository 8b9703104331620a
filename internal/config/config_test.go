package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	apperrors "sealed-backup/internal/errors"
	"sealed-backup/internal/storage"
)

func fieldsOf(t *testing.T, err error) []string {
	t.Helper()
	var verrs apperrors.ValidationErrors
	require.True(t, errors.As(err, &verrs), "expected ValidationErrors, got %T", err)
	var fields []string
	for _, fe := range verrs {
		fields = append(fields, fe.Field)
	}
	return fields
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	cfg.SetDefaults()
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, "zstd", cfg.Compression.Algorithm)
	assert.Equal(t, "table", cfg.Display.OutputFormat)
	assert.False(t, cfg.Storage.Enabled())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name       string
		modify     func(*Config)
		wantFields []string
	}{
		{
			name:       "bad log level",
			modify:     func(c *Config) { c.Log.Level = "loud" },
			wantFields: []string{"log.level"},
		},
		{
			name:       "bad log format",
			modify:     func(c *Config) { c.Log.Format = "xml" },
			wantFields: []string{"log.format"},
		},
		{
			name:       "unknown compression",
			modify:     func(c *Config) { c.Compression.Algorithm = "brotli" },
			wantFields: []string{"compression.algorithm"},
		},
		{
			name:       "level out of range",
			modify:     func(c *Config) { c.Compression.Algorithm = "gzip"; c.Compression.Level = 12 },
			wantFields: []string{"compression.level"},
		},
		{
			name:       "too few iterations",
			modify:     func(c *Config) { c.Encryption.Iterations = 5 },
			wantFields: []string{"encryption"},
		},
		{
			name:       "bad output format",
			modify:     func(c *Config) { c.Display.OutputFormat = "xml" },
			wantFields: []string{"display.output_format"},
		},
		{
			name:       "storage errors are merged",
			modify:     func(c *Config) { c.Storage = storage.Config{Provider: storage.ProviderS3, S3: &storage.S3Config{Bucket: "b"}} },
			wantFields: []string{"storage.s3.region", "storage.s3.access_key", "storage.s3.secret_key"},
		},
		{
			name: "several problems at once",
			modify: func(c *Config) {
				c.Log.Level = "loud"
				c.Display.OutputFormat = "xml"
			},
			wantFields: []string{"log.level", "display.output_format"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.ElementsMatch(t, tt.wantFields, fieldsOf(t, err))
		})
	}
}

func TestConfig_SetDefaults(t *testing.T) {
	cfg := &Config{Compression: CompressionConfig{Algorithm: "LZ4"}}
	cfg.SetDefaults()

	assert.Equal(t, "normal", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, "lz4", cfg.Compression.Algorithm)
	assert.Equal(t, 100000, cfg.Encryption.Iterations)
	assert.Equal(t, 64*1024, cfg.Encryption.ChunkSize)
	assert.Equal(t, "table", cfg.Display.OutputFormat)
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoader_LoadFile(t *testing.T) {
	path := writeConfig(t, `
log:
  level: verbose
compression:
  algorithm: gzip
  level: 9
storage:
  provider: local
  local:
    base_path: /srv/backups
`)

	loader := NewLoader()
	cfg, err := loader.Load(path)
	require.NoError(t, err)

	assert.Equal(t, path, loader.ConfigFileUsed())
	assert.Equal(t, "verbose", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, "gzip", cfg.Compression.Algorithm)
	assert.Equal(t, 9, cfg.Compression.Level)
	assert.Equal(t, 100000, cfg.Encryption.Iterations)
	require.NotNil(t, cfg.Storage.Local)
	assert.Equal(t, "/srv/backups", cfg.Storage.Local.BasePath)
	assert.Equal(t, os.FileMode(0600), cfg.Storage.Local.Permissions)
	assert.Nil(t, cfg.Storage.S3)
}

func TestLoader_EnvironmentOverrides(t *testing.T) {
	t.Setenv("SEALED_BACKUP_COMPRESSION_ALGORITHM", "lz4")
	t.Setenv("SEALED_BACKUP_STORAGE_PROVIDER", "s3")
	t.Setenv("SEALED_BACKUP_STORAGE_S3_BUCKET", "backups")
	t.Setenv("SEALED_BACKUP_STORAGE_S3_REGION", "eu-west-1")
	t.Setenv("SEALED_BACKUP_STORAGE_S3_ACCESS_KEY", "AKIA")
	t.Setenv("SEALED_BACKUP_STORAGE_S3_SECRET_KEY", "secret")

	cfg, err := NewLoader().Load(writeConfig(t, "compression:\n  algorithm: gzip\n"))
	require.NoError(t, err)

	assert.Equal(t, "lz4", cfg.Compression.Algorithm)
	assert.Equal(t, storage.ProviderS3, cfg.Storage.Provider)
	require.NotNil(t, cfg.Storage.S3)
	assert.Equal(t, "backups", cfg.Storage.S3.Bucket)
	assert.Equal(t, "secret", cfg.Storage.S3.SecretKey)
	assert.Equal(t, storage.DefaultPrefix, cfg.Storage.Prefix)
}

func TestLoader_Errors(t *testing.T) {
	_, err := NewLoader().Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeValidation))

	_, err = NewLoader().Load(writeConfig(t, "log:\n  level: loud\n"))
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeValidation))
	assert.Contains(t, apperrors.FormatUserError(err), "log.level")
}

func TestLoader_SearchWithoutFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	loader := NewLoader()
	cfg, err := loader.Load("")
	require.NoError(t, err)
	assert.Empty(t, loader.ConfigFileUsed())
	assert.Equal(t, "zstd", cfg.Compression.Algorithm)
}

func TestRender_MasksCredentials(t *testing.T) {
	cfg := Default()
	cfg.Storage = storage.Config{
		Provider: storage.ProviderS3,
		S3:       &storage.S3Config{Bucket: "b", Region: "r", AccessKey: "AKIA", SecretKey: "secret"},
	}

	data, err := Render(cfg)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "secret\n")
	assert.NotContains(t, string(data), "AKIA")

	var decoded Config
	require.NoError(t, yaml.Unmarshal(data, &decoded))
	assert.Equal(t, maskedValue, decoded.Storage.S3.SecretKey)
	assert.Equal(t, "b", decoded.Storage.S3.Bucket)
	assert.Equal(t, "secret", cfg.Storage.S3.SecretKey, "original must stay untouched")
}

func TestWriteTemplate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", ".sealed-backup.yaml")
	require.NoError(t, WriteTemplate(path))

	cfg, err := NewLoader().Load(path)
	require.NoError(t, err)
	assert.Equal(t, Default().Compression, cfg.Compression)

	err = WriteTemplate(path)
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeValidation))
}
