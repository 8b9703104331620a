// Package config holds the sealed-backup configuration file model.
package config

import (
	"strings"

	"sealed-backup/internal/archive"
	"sealed-backup/internal/cipher"
	apperrors "sealed-backup/internal/errors"
	"sealed-backup/internal/logging"
	"sealed-backup/internal/storage"
)

// Config is the full configuration loaded from file, environment and flags
type Config struct {
	Log         LogConfig         `mapstructure:"log" yaml:"log"`
	Compression CompressionConfig `mapstructure:"compression" yaml:"compression"`
	Encryption  EncryptionConfig  `mapstructure:"encryption" yaml:"encryption"`
	Storage     storage.Config    `mapstructure:"storage" yaml:"storage"`
	Display     DisplayConfig     `mapstructure:"display" yaml:"display"`
}

// LogConfig controls diagnostic output on stderr
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	File   string `mapstructure:"file" yaml:"file,omitempty"`
}

// CompressionConfig selects the compressor used for new artifacts
type CompressionConfig struct {
	Algorithm string `mapstructure:"algorithm" yaml:"algorithm"`
	Level     int    `mapstructure:"level" yaml:"level"`
}

// EncryptionConfig tunes the cipher. Passphrases are never read from
// configuration.
type EncryptionConfig struct {
	KeyFile    string `mapstructure:"key_file" yaml:"key_file,omitempty"`
	Iterations int    `mapstructure:"iterations" yaml:"iterations"`
	ChunkSize  int    `mapstructure:"chunk_size" yaml:"chunk_size"`
}

// DisplayConfig controls the run summary on stdout
type DisplayConfig struct {
	ColorEnabled bool   `mapstructure:"color_enabled" yaml:"color_enabled"`
	OutputFormat string `mapstructure:"output_format" yaml:"output_format"`
}

var (
	validLogLevels     = []string{string(logging.LogLevelQuiet), string(logging.LogLevelNormal), string(logging.LogLevelVerbose), string(logging.LogLevelDebug)}
	validLogFormats    = []string{"text", "json"}
	validOutputFormats = []string{"table", "json", "yaml"}
)

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  string(logging.LogLevelNormal),
			Format: "text",
		},
		Compression: CompressionConfig{
			Algorithm: string(archive.CompressionTypeZstd),
		},
		Encryption: EncryptionConfig{
			Iterations: cipher.DefaultIterations,
			ChunkSize:  cipher.DefaultChunkSize,
		},
		Display: DisplayConfig{
			ColorEnabled: true,
			OutputFormat: "table",
		},
	}
}

// SetDefaults fills unset fields
func (c *Config) SetDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = string(logging.LogLevelNormal)
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Compression.Algorithm == "" {
		c.Compression.Algorithm = string(archive.CompressionTypeZstd)
	}
	c.Compression.Algorithm = strings.ToLower(c.Compression.Algorithm)
	if c.Encryption.Iterations == 0 {
		c.Encryption.Iterations = cipher.DefaultIterations
	}
	if c.Encryption.ChunkSize == 0 {
		c.Encryption.ChunkSize = cipher.DefaultChunkSize
	}
	if c.Display.OutputFormat == "" {
		c.Display.OutputFormat = "table"
	}
	c.Storage.SetDefaults()
}

// Validate checks every section and reports all problems at once
func (c *Config) Validate() error {
	var errs apperrors.ValidationErrors

	if !contains(validLogLevels, c.Log.Level) {
		errs.Add("log.level", "must be one of: "+strings.Join(validLogLevels, ", "), c.Log.Level)
	}
	if !contains(validLogFormats, c.Log.Format) {
		errs.Add("log.format", "must be one of: "+strings.Join(validLogFormats, ", "), c.Log.Format)
	}

	compressor, err := archive.NewCompressionManager().GetCompressor(archive.CompressionType(c.Compression.Algorithm))
	if err != nil {
		errs.Add("compression.algorithm", err.Error(), c.Compression.Algorithm)
	} else if err := archive.ValidateLevel(compressor, c.Compression.Level); err != nil {
		errs.Add("compression.level", err.Error(), c.Compression.Level)
	}

	opts := cipher.Options{Iterations: c.Encryption.Iterations, ChunkSize: c.Encryption.ChunkSize}
	if err := opts.Validate(); err != nil {
		errs.Add("encryption", err.Error(), nil)
	}

	if !contains(validOutputFormats, c.Display.OutputFormat) {
		errs.Add("display.output_format", "must be one of: "+strings.Join(validOutputFormats, ", "), c.Display.OutputFormat)
	}

	errs.Merge("storage", c.Storage.Validate())

	return errs.Err()
}

// LogLevel returns the configured level as a logging level
func (c *Config) LogLevel() logging.LogLevel {
	return logging.LogLevel(c.Log.Level)
}

// CipherOptions returns the cipher tuning options
func (c *Config) CipherOptions() cipher.Options {
	return cipher.Options{Iterations: c.Encryption.Iterations, ChunkSize: c.Encryption.ChunkSize}
}

// contains checks if a slice contains a string
func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
