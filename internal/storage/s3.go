package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"

	apperrors "sealed-backup/internal/errors"
)

// S3Provider stores artifacts in an S3 bucket
type S3Provider struct {
	client s3iface.S3API
	bucket string
	prefix string
}

// NewS3Provider creates a new S3Provider instance
func NewS3Provider(config *S3Config, prefix string) (*S3Provider, error) {
	if config == nil {
		return nil, apperrors.NewValidationError("S3 storage configuration is required", nil)
	}
	if err := config.Validate(); err != nil {
		return nil, apperrors.NewValidationError("invalid S3 storage configuration", err)
	}

	awsConfig := &aws.Config{
		Region: aws.String(config.Region),
		Credentials: credentials.NewStaticCredentials(
			config.AccessKey,
			config.SecretKey,
			"", // token
		),
	}
	if config.Endpoint != "" {
		awsConfig.Endpoint = aws.String(config.Endpoint)
		awsConfig.S3ForcePathStyle = aws.Bool(true)
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, apperrors.NewStorageError("failed to create AWS session", err)
	}

	return newS3Provider(s3.New(sess), config.Bucket, prefix), nil
}

func newS3Provider(client s3iface.S3API, bucket, prefix string) *S3Provider {
	return &S3Provider{client: client, bucket: bucket, prefix: prefix}
}

func (sp *S3Provider) Type() ProviderType { return ProviderS3 }

func (sp *S3Provider) location(key string) string {
	return fmt.Sprintf("s3://%s/%s", sp.bucket, key)
}

// Upload implements Provider. An existing object is never replaced.
func (sp *S3Provider) Upload(ctx context.Context, localPath, name string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}

	key := objectKey(sp.prefix, name)
	exists, err := sp.exists(ctx, key)
	if err != nil {
		return "", apperrors.NewStorageError("failed to check for existing artifact in S3", err).WithContext("key", key)
	}
	if exists {
		return "", apperrors.NewStorageError(fmt.Sprintf("object %s already exists", name), nil)
	}

	file, err := os.Open(localPath)
	if err != nil {
		return "", apperrors.NewStorageError("cannot open artifact for upload", err)
	}
	defer file.Close()

	_, err = sp.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(sp.bucket),
		Key:         aws.String(key),
		Body:        file,
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]*string{
			"created-by": aws.String("sealed-backup"),
		},
	})
	if err != nil {
		return "", apperrors.NewStorageError("failed to upload artifact to S3", err).WithContext("key", key)
	}
	return sp.location(key), nil
}

func (sp *S3Provider) exists(ctx context.Context, key string) (bool, error) {
	_, err := sp.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(sp.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	if isS3NotFound(err) {
		return false, nil
	}
	return false, err
}

// isS3NotFound reports a missing key. HEAD responses carry no body, so the
// status code is the only reliable signal.
func isS3NotFound(err error) bool {
	var reqErr awserr.RequestFailure
	if errors.As(err, &reqErr) && reqErr.StatusCode() == http.StatusNotFound {
		return true
	}
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch aerr.Code() {
		case "NotFound", s3.ErrCodeNoSuchKey:
			return true
		}
	}
	return false
}

// Download implements Provider
func (sp *S3Provider) Download(ctx context.Context, name, dstDir string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}

	key := objectKey(sp.prefix, name)
	result, err := sp.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(sp.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", apperrors.NewStorageError(fmt.Sprintf("failed to download %s from S3", name), err)
	}
	defer result.Body.Close()

	dst := filepath.Join(dstDir, name)
	if err := writeFileAtomic(ctx, result.Body, dst, 0600); err != nil {
		return "", apperrors.NewStorageError("failed to read artifact from S3", err)
	}
	return dst, nil
}

// List implements Provider
func (sp *S3Provider) List(ctx context.Context, prefix string) ([]Object, error) {
	var objects []Object

	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(sp.bucket),
		Prefix: aws.String(listKey(sp.prefix, prefix)),
	}
	err := sp.client.ListObjectsV2PagesWithContext(ctx, input,
		func(page *s3.ListObjectsV2Output, lastPage bool) bool {
			for _, obj := range page.Contents {
				key := aws.StringValue(obj.Key)
				name := trimKey(sp.prefix, key)
				if name == "" || strings.Contains(name, "/") {
					continue
				}
				objects = append(objects, Object{
					Name:     name,
					Size:     aws.Int64Value(obj.Size),
					Modified: aws.TimeValue(obj.LastModified),
					Location: sp.location(key),
				})
			}
			return true
		})
	if err != nil {
		return nil, apperrors.NewStorageError("failed to list artifacts in S3", err)
	}

	sort.Slice(objects, func(i, j int) bool { return objects[i].Name < objects[j].Name })
	return objects, nil
}

// HealthCheck verifies that the bucket is accessible and listable
func (sp *S3Provider) HealthCheck(ctx context.Context) error {
	_, err := sp.client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(sp.bucket),
	})
	if err != nil {
		return apperrors.NewStorageError("S3 storage provider health check failed: bucket not accessible", err)
	}

	_, err = sp.client.ListObjectsV2WithContext(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(sp.bucket),
		Prefix:  aws.String(sp.prefix),
		MaxKeys: aws.Int64(1),
	})
	if err != nil {
		return apperrors.NewStorageError("S3 storage provider health check failed: cannot list objects", err)
	}
	return nil
}

func (sp *S3Provider) Close() error { return nil }
