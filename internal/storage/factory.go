package storage

import (
	"context"
	"fmt"
	"strings"

	apperrors "sealed-backup/internal/errors"
)

// NewProvider creates the provider selected by config
func NewProvider(ctx context.Context, config Config) (Provider, error) {
	config.SetDefaults()
	if err := config.Validate(); err != nil {
		return nil, apperrors.NewValidationError("invalid storage configuration", err)
	}

	switch config.Provider {
	case ProviderLocal:
		return NewLocalProvider(config.Local)

	case ProviderS3:
		return NewS3Provider(config.S3, config.Prefix)

	case ProviderAzure:
		return NewAzureProvider(config.Azure, config.Prefix)

	case ProviderGCS:
		return NewGCSProvider(ctx, config.GCS, config.Prefix)

	case "":
		return nil, apperrors.NewValidationError("no storage provider configured", nil).
			WithUserMessage("No artifact store is configured. Set storage.provider in the configuration file.")

	default:
		return nil, apperrors.NewValidationError(
			fmt.Sprintf("unsupported storage provider %q, expected one of %s", config.Provider, supportedList()), nil)
	}
}

// SupportedProviders returns the provider types NewProvider accepts
func SupportedProviders() []ProviderType {
	return []ProviderType{
		ProviderLocal,
		ProviderS3,
		ProviderAzure,
		ProviderGCS,
	}
}

func supportedList() string {
	names := make([]string, 0, len(SupportedProviders()))
	for _, p := range SupportedProviders() {
		names = append(names, string(p))
	}
	return strings.Join(names, ", ")
}
