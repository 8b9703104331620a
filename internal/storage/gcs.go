package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	apperrors "sealed-backup/internal/errors"
)

// GCSProvider stores artifacts in a Google Cloud Storage bucket
type GCSProvider struct {
	client     *gcs.Client
	bucketName string
	prefix     string
}

// NewGCSProvider creates a new GCSProvider instance
func NewGCSProvider(ctx context.Context, config *GCSConfig, prefix string) (*GCSProvider, error) {
	if config == nil {
		return nil, apperrors.NewValidationError("GCS storage configuration is required", nil)
	}
	if err := config.Validate(); err != nil {
		return nil, apperrors.NewValidationError("invalid GCS storage configuration", err)
	}

	var opts []option.ClientOption
	if config.CredentialsPath != "" {
		opts = append(opts, option.WithCredentialsFile(config.CredentialsPath))
	}
	if config.ProjectID != "" {
		opts = append(opts, option.WithQuotaProject(config.ProjectID))
	}

	// Without options the default credentials are used (environment or metadata server)
	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, apperrors.NewStorageError("failed to create GCS client", err)
	}

	return &GCSProvider{
		client:     client,
		bucketName: config.Bucket,
		prefix:     prefix,
	}, nil
}

func (gp *GCSProvider) Type() ProviderType { return ProviderGCS }

func (gp *GCSProvider) location(object string) string {
	return fmt.Sprintf("gs://%s/%s", gp.bucketName, object)
}

// Upload implements Provider. The write only succeeds if the object does not
// exist yet.
func (gp *GCSProvider) Upload(ctx context.Context, localPath, name string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}

	file, err := os.Open(localPath)
	if err != nil {
		return "", apperrors.NewStorageError("cannot open artifact for upload", err)
	}
	defer file.Close()

	objectName := objectKey(gp.prefix, name)
	object := gp.client.Bucket(gp.bucketName).Object(objectName).If(gcs.Conditions{DoesNotExist: true})

	writer := object.NewWriter(ctx)
	writer.ContentType = "application/octet-stream"
	writer.Metadata = map[string]string{
		"created-by": "sealed-backup",
	}

	if _, err := io.Copy(writer, file); err != nil {
		writer.Close()
		return "", apperrors.NewStorageError("failed to write artifact to GCS", err)
	}
	if err := writer.Close(); err != nil {
		return "", apperrors.NewStorageError("failed to upload artifact to GCS", err)
	}
	return gp.location(objectName), nil
}

// Download implements Provider
func (gp *GCSProvider) Download(ctx context.Context, name, dstDir string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}

	objectName := objectKey(gp.prefix, name)
	reader, err := gp.client.Bucket(gp.bucketName).Object(objectName).NewReader(ctx)
	if err != nil {
		return "", apperrors.NewStorageError(fmt.Sprintf("failed to download %s from GCS", name), err)
	}
	defer reader.Close()

	dst := filepath.Join(dstDir, name)
	if err := writeFileAtomic(ctx, reader, dst, 0600); err != nil {
		return "", apperrors.NewStorageError("failed to read artifact from GCS", err)
	}
	return dst, nil
}

// List implements Provider
func (gp *GCSProvider) List(ctx context.Context, prefix string) ([]Object, error) {
	var objects []Object

	it := gp.client.Bucket(gp.bucketName).Objects(ctx, &gcs.Query{Prefix: listKey(gp.prefix, prefix)})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, apperrors.NewStorageError("failed to list artifacts in GCS", err)
		}

		name := trimKey(gp.prefix, attrs.Name)
		if name == "" || strings.Contains(name, "/") {
			continue
		}
		objects = append(objects, Object{
			Name:     name,
			Size:     attrs.Size,
			Modified: attrs.Updated,
			Location: gp.location(attrs.Name),
		})
	}

	sort.Slice(objects, func(i, j int) bool { return objects[i].Name < objects[j].Name })
	return objects, nil
}

// HealthCheck verifies that the bucket is accessible and listable
func (gp *GCSProvider) HealthCheck(ctx context.Context) error {
	bucket := gp.client.Bucket(gp.bucketName)

	if _, err := bucket.Attrs(ctx); err != nil {
		return apperrors.NewStorageError("GCS storage provider health check failed: bucket not accessible", err)
	}

	it := bucket.Objects(ctx, &gcs.Query{Prefix: gp.prefix})
	if _, err := it.Next(); err != nil && err != iterator.Done {
		return apperrors.NewStorageError("GCS storage provider health check failed: cannot list objects", err)
	}
	return nil
}

// Close closes the GCS client
func (gp *GCSProvider) Close() error {
	return gp.client.Close()
}
