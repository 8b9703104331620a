package storage

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Azure/azure-storage-blob-go/azblob"

	apperrors "sealed-backup/internal/errors"
)

// AzureProvider stores artifacts in an Azure Blob Storage container
type AzureProvider struct {
	containerURL  azblob.ContainerURL
	containerName string
	prefix        string
}

// NewAzureProvider creates a new AzureProvider instance
func NewAzureProvider(config *AzureConfig, prefix string) (*AzureProvider, error) {
	if config == nil {
		return nil, apperrors.NewValidationError("Azure storage configuration is required", nil)
	}
	if err := config.Validate(); err != nil {
		return nil, apperrors.NewValidationError("invalid Azure storage configuration", err)
	}

	credential, err := azblob.NewSharedKeyCredential(config.AccountName, config.AccountKey)
	if err != nil {
		return nil, apperrors.NewStorageError("failed to create Azure credentials", err)
	}

	pipeline := azblob.NewPipeline(credential, azblob.PipelineOptions{})

	serviceURL, err := url.Parse(fmt.Sprintf("https://%s.blob.core.windows.net", config.AccountName))
	if err != nil {
		return nil, apperrors.NewStorageError("failed to parse Azure service URL", err)
	}

	return &AzureProvider{
		containerURL:  azblob.NewServiceURL(*serviceURL, pipeline).NewContainerURL(config.ContainerName),
		containerName: config.ContainerName,
		prefix:        prefix,
	}, nil
}

func (ap *AzureProvider) Type() ProviderType { return ProviderAzure }

func (ap *AzureProvider) location(blobName string) string {
	return fmt.Sprintf("azure://%s/%s", ap.containerName, blobName)
}

// Upload implements Provider. An existing blob is never replaced.
func (ap *AzureProvider) Upload(ctx context.Context, localPath, name string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}

	file, err := os.Open(localPath)
	if err != nil {
		return "", apperrors.NewStorageError("cannot open artifact for upload", err)
	}
	defer file.Close()

	blobName := objectKey(ap.prefix, name)
	blobURL := ap.containerURL.NewBlockBlobURL(blobName)

	_, err = azblob.UploadFileToBlockBlob(ctx, file, blobURL, azblob.UploadToBlockBlobOptions{
		BlockSize:   4 * 1024 * 1024, // 4MB blocks
		Parallelism: 16,
		Metadata: azblob.Metadata{
			"createdby": "sealed-backup",
		},
		BlobHTTPHeaders: azblob.BlobHTTPHeaders{
			ContentType: "application/octet-stream",
		},
		AccessConditions: azblob.BlobAccessConditions{
			ModifiedAccessConditions: azblob.ModifiedAccessConditions{IfNoneMatch: azblob.ETagAny},
		},
	})
	if err != nil {
		return "", apperrors.NewStorageError("failed to upload artifact to Azure", err).WithContext("blob", blobName)
	}
	return ap.location(blobName), nil
}

// Download implements Provider
func (ap *AzureProvider) Download(ctx context.Context, name, dstDir string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}

	blobURL := ap.containerURL.NewBlockBlobURL(objectKey(ap.prefix, name))
	response, err := blobURL.Download(ctx, 0, azblob.CountToEnd, azblob.BlobAccessConditions{}, false, azblob.ClientProvidedKeyOptions{})
	if err != nil {
		return "", apperrors.NewStorageError(fmt.Sprintf("failed to download %s from Azure", name), err)
	}

	body := response.Body(azblob.RetryReaderOptions{})
	defer body.Close()

	dst := filepath.Join(dstDir, name)
	if err := writeFileAtomic(ctx, body, dst, 0600); err != nil {
		return "", apperrors.NewStorageError("failed to read artifact from Azure", err)
	}
	return dst, nil
}

// List implements Provider
func (ap *AzureProvider) List(ctx context.Context, prefix string) ([]Object, error) {
	var objects []Object

	for marker := (azblob.Marker{}); marker.NotDone(); {
		listResponse, err := ap.containerURL.ListBlobsFlatSegment(ctx, marker, azblob.ListBlobsSegmentOptions{
			Prefix: listKey(ap.prefix, prefix),
		})
		if err != nil {
			return nil, apperrors.NewStorageError("failed to list artifacts in Azure", err)
		}

		for _, blob := range listResponse.Segment.BlobItems {
			name := trimKey(ap.prefix, blob.Name)
			if name == "" || strings.Contains(name, "/") {
				continue
			}
			var size int64
			if blob.Properties.ContentLength != nil {
				size = *blob.Properties.ContentLength
			}
			objects = append(objects, Object{
				Name:     name,
				Size:     size,
				Modified: blob.Properties.LastModified,
				Location: ap.location(blob.Name),
			})
		}
		marker = listResponse.NextMarker
	}

	sort.Slice(objects, func(i, j int) bool { return objects[i].Name < objects[j].Name })
	return objects, nil
}

// HealthCheck verifies that the container is accessible and listable
func (ap *AzureProvider) HealthCheck(ctx context.Context) error {
	if _, err := ap.containerURL.GetProperties(ctx, azblob.LeaseAccessConditions{}); err != nil {
		return apperrors.NewStorageError("Azure storage provider health check failed: container not accessible", err)
	}

	_, err := ap.containerURL.ListBlobsFlatSegment(ctx, azblob.Marker{}, azblob.ListBlobsSegmentOptions{
		Prefix:     ap.prefix,
		MaxResults: 1,
	})
	if err != nil {
		return apperrors.NewStorageError("Azure storage provider health check failed: cannot list blobs", err)
	}
	return nil
}

func (ap *AzureProvider) Close() error { return nil }
