// Package cleanup keeps track of scratch files and directories created during a
// run and removes them exactly once, however the run ends.
package cleanup

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"sealed-backup/internal/logging"
)

// ErrRegistryClosed is returned when a resource is requested after cleanup ran.
var ErrRegistryClosed = errors.New("cleanup registry already closed")

// Resource is a tracked filesystem path, usually a temporary directory.
type Resource struct {
	path  string
	alive bool
	reg   *Registry
}

// Path returns the tracked path
func (r *Resource) Path() string {
	return r.path
}

// Join returns a path inside the resource
func (r *Resource) Join(elem ...string) string {
	return filepath.Join(append([]string{r.path}, elem...)...)
}

// Alive reports whether the resource is still pending removal
func (r *Resource) Alive() bool {
	r.reg.mu.Lock()
	defer r.reg.mu.Unlock()
	return r.alive
}

// Release removes the resource now instead of waiting for Cleanup.
// Releasing twice or releasing a path that no longer exists is not an error.
func (r *Resource) Release() error {
	r.reg.mu.Lock()
	if !r.alive {
		r.reg.mu.Unlock()
		return nil
	}
	r.alive = false
	r.reg.mu.Unlock()

	err := removePath(r.path)
	r.reg.logger.LogCleanup(r.path, err)
	return err
}

// Registry is the run-scoped set of temporary resources.
type Registry struct {
	mu        sync.Mutex
	resources []*Resource
	closed    bool
	once      sync.Once
	err       error
	baseDir   string
	logger    *logging.Logger
}

// NewRegistry creates an empty registry. Temporary directories are created under
// baseDir, or under the system temp directory when baseDir is empty.
func NewRegistry(baseDir string, logger *logging.Logger) *Registry {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Registry{
		baseDir: baseDir,
		logger:  logger,
	}
}

// Track records path for removal. Existence is checked at cleanup time, not here,
// so a path may be tracked before it is created.
func (r *Registry) Track(path string) *Resource {
	res := &Resource{path: path, alive: true, reg: r}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		// Cleanup already ran and will not run again; nothing else will remove it.
		res.alive = false
		r.logger.WithField("path", path).Warn("Resource tracked after cleanup, removing immediately")
		r.logger.LogCleanup(path, removePath(path))
		return res
	}
	r.resources = append(r.resources, res)
	return res
}

// TempDir creates a fresh directory and tracks it before returning, so every
// directory handed out is covered by Cleanup.
func (r *Registry) TempDir(pattern string) (*Resource, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrRegistryClosed
	}

	dir, err := os.MkdirTemp(r.baseDir, pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to create temporary directory: %w", err)
	}

	res := &Resource{path: dir, alive: true, reg: r}
	r.resources = append(r.resources, res)
	return res, nil
}

// Tracked returns the paths still pending removal
func (r *Registry) Tracked() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var paths []string
	for _, res := range r.resources {
		if res.alive {
			paths = append(paths, res.path)
		}
	}
	return paths
}

// Cleanup removes every live resource. Only the first call does any work; later
// calls return the same result. Removal failures are logged and returned joined,
// callers should not let them replace the run's own error.
func (r *Registry) Cleanup() error {
	r.once.Do(func() {
		r.mu.Lock()
		r.closed = true
		pending := make([]*Resource, 0, len(r.resources))
		for _, res := range r.resources {
			if res.alive {
				res.alive = false
				pending = append(pending, res)
			}
		}
		r.mu.Unlock()

		var errs []error
		// Newest first, nested resources go before their parents.
		for i := len(pending) - 1; i >= 0; i-- {
			path := pending[i].path
			if path == "" {
				continue
			}
			if _, err := os.Lstat(path); os.IsNotExist(err) {
				continue
			}
			err := removePath(path)
			r.logger.LogCleanup(path, err)
			if err != nil {
				errs = append(errs, err)
			}
		}
		r.err = errors.Join(errs...)
	})
	return r.err
}

func removePath(path string) error {
	if path == "" {
		return nil
	}
	if err := os.RemoveAll(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	return nil
}
