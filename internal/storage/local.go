package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	apperrors "sealed-backup/internal/errors"
)

// LocalProvider stores artifacts in a directory, e.g. a mounted NAS share
type LocalProvider struct {
	basePath    string
	permissions os.FileMode
}

// NewLocalProvider creates a LocalProvider, creating the base directory if needed
func NewLocalProvider(config *LocalConfig) (*LocalProvider, error) {
	if config == nil {
		return nil, apperrors.NewValidationError("local storage configuration is required", nil)
	}
	if err := config.Validate(); err != nil {
		return nil, apperrors.NewValidationError("invalid local storage configuration", err)
	}

	perm := config.Permissions
	if perm == 0 {
		perm = 0600
	}
	provider := &LocalProvider{basePath: config.BasePath, permissions: perm}

	if err := os.MkdirAll(provider.basePath, 0700); err != nil {
		return nil, apperrors.NewStorageError("failed to create base directory", err)
	}
	return provider, nil
}

func (lp *LocalProvider) Type() ProviderType { return ProviderLocal }

// Upload copies localPath into the base directory. An existing object is never
// replaced.
func (lp *LocalProvider) Upload(ctx context.Context, localPath, name string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	target := filepath.Join(lp.basePath, name)
	if _, err := os.Lstat(target); err == nil {
		return "", apperrors.NewStorageError(fmt.Sprintf("object %s already exists", name), nil)
	}

	src, err := os.Open(localPath)
	if err != nil {
		return "", apperrors.NewStorageError("cannot open artifact for upload", err)
	}
	defer src.Close()

	if err := writeFileAtomic(ctx, src, target, lp.permissions); err != nil {
		return "", apperrors.NewStorageError("failed to store artifact", err).WithContext("path", target)
	}
	return target, nil
}

// Download copies name from the base directory into dstDir
func (lp *LocalProvider) Download(ctx context.Context, name, dstDir string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}

	src, err := os.Open(filepath.Join(lp.basePath, name))
	if err != nil {
		return "", apperrors.NewStorageError(fmt.Sprintf("object %s not found", name), err)
	}
	defer src.Close()

	dst := filepath.Join(dstDir, name)
	if err := writeFileAtomic(ctx, src, dst, 0600); err != nil {
		return "", apperrors.NewStorageError("failed to download artifact", err)
	}
	return dst, nil
}

// List implements Provider
func (lp *LocalProvider) List(ctx context.Context, prefix string) ([]Object, error) {
	entries, err := os.ReadDir(lp.basePath)
	if err != nil {
		return nil, apperrors.NewStorageError("failed to list local storage", err)
	}

	var objects []Object
	for _, entry := range entries {
		if !entry.Type().IsRegular() || !strings.HasPrefix(entry.Name(), prefix) ||
			strings.HasSuffix(entry.Name(), partialSuffix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		objects = append(objects, Object{
			Name:     entry.Name(),
			Size:     info.Size(),
			Modified: info.ModTime(),
			Location: filepath.Join(lp.basePath, entry.Name()),
		})
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Name < objects[j].Name })
	return objects, nil
}

// HealthCheck verifies the base directory is writable
func (lp *LocalProvider) HealthCheck(ctx context.Context) error {
	info, err := os.Stat(lp.basePath)
	if err != nil {
		return apperrors.NewStorageError("local storage health check failed: base path not accessible", err)
	}
	if !info.IsDir() {
		return apperrors.NewStorageError("local storage health check failed: base path is not a directory", nil)
	}

	probe, err := os.CreateTemp(lp.basePath, ".health-*")
	if err != nil {
		return apperrors.NewStorageError("local storage health check failed: base path not writable", err)
	}
	probe.Close()
	os.Remove(probe.Name())
	return nil
}

func (lp *LocalProvider) Close() error { return nil }

const partialSuffix = ".partial"

// writeFileAtomic streams r into target via target.partial and a rename
func writeFileAtomic(ctx context.Context, r io.Reader, target string, perm os.FileMode) error {
	partial := target + partialSuffix
	f, err := os.OpenFile(partial, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return err
	}

	if _, err := io.Copy(f, &contextReader{ctx: ctx, r: r}); err != nil {
		f.Close()
		os.Remove(partial)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(partial)
		return err
	}
	if err := os.Rename(partial, target); err != nil {
		os.Remove(partial)
		return err
	}
	return nil
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
