// Package archive turns a file or directory into a single compressed tar stream
// and back.
package archive

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	apperrors "sealed-backup/internal/errors"
	"sealed-backup/internal/logging"
)

// Archiver converts a path into one compressed artifact and back
type Archiver interface {
	// Compress archives srcPath into dstDir and returns the artifact path
	Compress(ctx context.Context, srcPath, dstDir string) (string, error)
	// Decompress expands artifactPath into dstDir
	Decompress(ctx context.Context, artifactPath, dstDir string) error
	// Extension is the artifact suffix, e.g. ".tar.zst"
	Extension() string
}

// TarArchiver writes tar streams through a streaming compressor
type TarArchiver struct {
	manager    *CompressionManager
	compressor Compressor
	level      int
	logger     *logging.Logger
}

// NewTarArchiver creates an archiver compressing with algorithm at level.
// Level 0 selects the algorithm's default.
func NewTarArchiver(algorithm CompressionType, level int, logger *logging.Logger) (*TarArchiver, error) {
	manager := NewCompressionManager()
	compressor, err := manager.GetCompressor(algorithm)
	if err != nil {
		return nil, err
	}
	if err := ValidateLevel(compressor, level); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &TarArchiver{
		manager:    manager,
		compressor: compressor,
		level:      level,
		logger:     logger,
	}, nil
}

// Extension returns ".tar." plus the compressor suffix
func (a *TarArchiver) Extension() string {
	return ".tar." + a.compressor.Extension()
}

// Algorithm returns the compression algorithm used for new archives
func (a *TarArchiver) Algorithm() CompressionType {
	return a.compressor.GetAlgorithm()
}

// BaseName returns the name an input is archived under
func BaseName(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = filepath.Clean(path)
	}
	base := filepath.Base(abs)
	if base == string(filepath.Separator) || base == "." || base == "" {
		return "root"
	}
	return base
}

// Compress archives srcPath into dstDir/<base><ext>. Entries are rooted at the
// input's base name. Regular files, directories and symlinks are stored; other
// file types are skipped. When dstDir lies inside srcPath it is left out of the
// archive.
func (a *TarArchiver) Compress(ctx context.Context, srcPath, dstDir string) (string, error) {
	root, err := filepath.EvalSymlinks(srcPath)
	if err != nil {
		return "", apperrors.NewArchiveError("cannot resolve input path", err).
			WithContext("path", srcPath)
	}

	dstInfo, err := os.Stat(dstDir)
	if err != nil {
		return "", apperrors.NewArchiveError("cannot access archive directory", err).
			WithContext("path", dstDir)
	}

	base := BaseName(srcPath)
	artifact := filepath.Join(dstDir, base+a.Extension())

	file, err := os.OpenFile(artifact, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return "", apperrors.NewArchiveError("cannot create archive", err).
			WithContext("path", artifact)
	}

	if err := a.writeArchive(ctx, file, root, base, dstInfo); err != nil {
		file.Close()
		os.Remove(artifact)
		return "", apperrors.NewArchiveError("failed to archive "+srcPath, err).
			WithContext("path", srcPath)
	}
	if err := file.Close(); err != nil {
		os.Remove(artifact)
		return "", apperrors.NewArchiveError("failed to finish archive", err).
			WithContext("path", artifact)
	}

	return artifact, nil
}

func (a *TarArchiver) writeArchive(ctx context.Context, w io.Writer, root, base string, skip os.FileInfo) error {
	cw, err := a.compressor.NewWriter(w, a.level)
	if err != nil {
		return err
	}
	tw := tar.NewWriter(cw)

	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() && path != root {
			if info, err := d.Info(); err == nil && os.SameFile(info, skip) {
				a.logger.WithField("path", path).Debug("Skipping archive scratch directory")
				return fs.SkipDir
			}
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		name := base
		if rel != "." {
			name = base + "/" + filepath.ToSlash(rel)
		}
		return a.addEntry(ctx, tw, path, name, d)
	})
	if walkErr != nil {
		tw.Close()
		cw.Close()
		return walkErr
	}

	if err := tw.Close(); err != nil {
		cw.Close()
		return err
	}
	return cw.Close()
}

func (a *TarArchiver) addEntry(ctx context.Context, tw *tar.Writer, path, name string, d fs.DirEntry) error {
	info, err := d.Info()
	if err != nil {
		return err
	}

	var link string
	switch mode := info.Mode(); {
	case mode.IsRegular(), mode.IsDir():
	case mode&os.ModeSymlink != 0:
		if link, err = os.Readlink(path); err != nil {
			return err
		}
	default:
		a.logger.WithField("path", path).Debug("Skipping unsupported file type")
		return nil
	}

	header, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return err
	}
	header.Name = name
	if info.IsDir() {
		header.Name += "/"
	}
	// Owner names are host specific and not restored.
	header.Uname, header.Gname = "", ""

	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = io.Copy(tw, &contextReader{ctx: ctx, r: f})
	return err
}

// Decompress expands artifactPath into dstDir. The decompressor is chosen from
// the artifact suffix, falling back to the configured compressor. Existing files
// are overwritten.
func (a *TarArchiver) Decompress(ctx context.Context, artifactPath, dstDir string) error {
	compressor := a.compressorFor(artifactPath)

	file, err := os.Open(artifactPath)
	if err != nil {
		return apperrors.NewExtractError("cannot open archive", err).
			WithContext("path", artifactPath)
	}
	defer file.Close()

	dst, err := filepath.Abs(dstDir)
	if err != nil {
		return apperrors.NewExtractError("cannot resolve destination", err)
	}

	cr, err := compressor.NewReader(&contextReader{ctx: ctx, r: file})
	if err != nil {
		return apperrors.NewExtractError("corrupt or truncated archive", err).
			WithContext("path", artifactPath)
	}
	defer cr.Close()

	if err := a.extract(ctx, tar.NewReader(cr), dst); err != nil {
		var appErr *apperrors.AppError
		if errors.As(err, &appErr) {
			return appErr
		}
		return apperrors.NewExtractError("failed to extract "+filepath.Base(artifactPath), err).
			WithContext("path", artifactPath)
	}
	return nil
}

func (a *TarArchiver) compressorFor(artifactPath string) Compressor {
	name := filepath.Base(artifactPath)
	if i := strings.LastIndex(name, ".tar."); i >= 0 {
		if c, err := a.manager.ForExtension(name[i+len(".tar."):]); err == nil {
			return c
		}
	}
	return a.compressor
}

type dirTimes struct {
	path  string
	mode  os.FileMode
	mtime time.Time
}

func (a *TarArchiver) extract(ctx context.Context, tr *tar.Reader, dst string) error {
	var dirs []dirTimes

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("corrupt or truncated archive: %w", err)
		}

		rel, err := entryPath(header.Name)
		if err != nil {
			return apperrors.NewExtractError(err.Error(), nil).WithContext("entry", header.Name)
		}
		if err := checkParents(dst, rel); err != nil {
			return apperrors.NewExtractError(err.Error(), nil).WithContext("entry", header.Name)
		}
		target := filepath.Join(dst, rel)
		mode := os.FileMode(header.Mode).Perm()

		switch header.Typeflag {
		case tar.TypeDir:
			if err := replaceNonDir(target); err != nil {
				return err
			}
			if err := os.MkdirAll(target, 0700); err != nil {
				return err
			}
			dirs = append(dirs, dirTimes{path: target, mode: mode, mtime: header.ModTime})

		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			if err := writeFile(ctx, tr, target, mode); err != nil {
				return err
			}
			if err := os.Chtimes(target, header.ModTime, header.ModTime); err != nil {
				return err
			}

		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			if err := removeIfExists(target); err != nil {
				return err
			}
			if err := os.Symlink(header.Linkname, target); err != nil {
				return err
			}

		default:
			a.logger.WithField("entry", header.Name).Debug("Skipping unsupported tar entry")
		}
	}

	// Directory metadata last, writing children changes their mtime.
	for i := len(dirs) - 1; i >= 0; i-- {
		if err := os.Chmod(dirs[i].path, dirs[i].mode); err != nil {
			return err
		}
		if err := os.Chtimes(dirs[i].path, dirs[i].mtime, dirs[i].mtime); err != nil {
			return err
		}
	}
	return nil
}

// entryPath validates a tar entry name and returns it as a local relative path
func entryPath(name string) (string, error) {
	if name == "" {
		return "", errors.New("archive contains an empty entry name")
	}
	if strings.HasPrefix(name, "/") || filepath.IsAbs(name) {
		return "", fmt.Errorf("archive entry %q has an absolute path", name)
	}
	rel := filepath.FromSlash(strings.TrimSuffix(name, "/"))
	if !filepath.IsLocal(rel) {
		return "", fmt.Errorf("archive entry %q escapes the destination", name)
	}
	return filepath.Clean(rel), nil
}

// checkParents refuses to write through a symlinked directory inside dst
func checkParents(dst, rel string) error {
	current := dst
	parts := strings.Split(filepath.Dir(rel), string(filepath.Separator))
	for _, part := range parts {
		if part == "." || part == "" {
			continue
		}
		current = filepath.Join(current, part)
		info, err := os.Lstat(current)
		if os.IsNotExist(err) {
			return nil
		}
		if err != nil {
			return err
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return fmt.Errorf("archive entry %q would be written through a symlink", rel)
		}
	}
	return nil
}

func writeFile(ctx context.Context, r io.Reader, target string, mode os.FileMode) error {
	if err := replaceNonRegular(target); err != nil {
		return err
	}

	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, &contextReader{ctx: ctx, r: r}); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	// OpenFile only applies mode on creation and is subject to umask.
	return os.Chmod(target, mode)
}

func replaceNonDir(target string) error {
	info, err := os.Lstat(target)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.IsDir() {
		return nil
	}
	return os.Remove(target)
}

func replaceNonRegular(target string) error {
	info, err := os.Lstat(target)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.Mode().IsRegular() {
		return nil
	}
	if info.IsDir() {
		return os.RemoveAll(target)
	}
	return os.Remove(target)
}

func removeIfExists(target string) error {
	info, err := os.Lstat(target)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.IsDir() {
		return os.RemoveAll(target)
	}
	return os.Remove(target)
}

// contextReader stops reading once ctx is done
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
