// Package local provides the local filesystem storage backend.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fruitsalade/projectd/internal/logging"
	"github.com/fruitsalade/projectd/internal/metrics"
	"github.com/fruitsalade/projectd/internal/storage"
)

// Config holds local filesystem backend settings.
type Config struct {
	RootPath   string
	CreateDirs bool
}

// Backend implements storage.Adapter on the local filesystem.
type Backend struct {
	rootPath string

	// rename is os.Rename outside of tests.
	rename func(oldpath, newpath string) error
}

var _ storage.Adapter = (*Backend)(nil)

// New creates a new local filesystem backend.
func New(cfg Config) (*Backend, error) {
	if cfg.RootPath == "" {
		return nil, fmt.Errorf("root path is required")
	}

	// Ensure root exists
	info, err := os.Stat(cfg.RootPath)
	if err != nil {
		if os.IsNotExist(err) && cfg.CreateDirs {
			if mkErr := os.MkdirAll(cfg.RootPath, 0755); mkErr != nil {
				return nil, fmt.Errorf("create root path %s: %w", cfg.RootPath, mkErr)
			}
		} else {
			return nil, fmt.Errorf("stat root path %s: %w", cfg.RootPath, err)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("root path %s is not a directory", cfg.RootPath)
	}

	return &Backend{
		rootPath: cfg.RootPath,
		rename:   os.Rename,
	}, nil
}

// Root returns the projects root directory.
func (b *Backend) Root() string { return b.rootPath }

func (b *Backend) fullPath(key string) (string, error) {
	rel := filepath.FromSlash(key)
	if !filepath.IsLocal(rel) {
		return "", fmt.Errorf("%w: %q", storage.ErrInvalidKey, key)
	}
	return filepath.Join(b.rootPath, rel), nil
}

func observe(op string, start time.Time, err error) {
	metrics.RecordStorageOperation(op, time.Since(start), err == nil)
}

// CreateProject allocates <root>/<uuid>/files.
func (b *Backend) CreateProject(ctx context.Context) (handle string, err error) {
	defer func(start time.Time) { observe("create_project", start, err) }(time.Now())
	if err := ctx.Err(); err != nil {
		return "", err
	}

	handle = uuid.NewString()
	dir := filepath.Join(b.rootPath, handle)
	if err := os.Mkdir(dir, 0755); err != nil {
		return "", fmt.Errorf("create project dir %s: %w", handle, err)
	}
	if err := os.Mkdir(filepath.Join(dir, storage.FilesDir), 0755); err != nil {
		os.RemoveAll(dir)
		return "", fmt.Errorf("create files dir for %s: %w", handle, err)
	}
	return handle, nil
}

// CreateDirectory creates key and any missing parents.
func (b *Backend) CreateDirectory(ctx context.Context, key string) (err error) {
	defer func(start time.Time) { observe("mkdir", start, err) }(time.Now())
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := b.fullPath(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(p, 0755); err != nil {
		return fmt.Errorf("create dirs %s: %w", key, err)
	}
	return nil
}

// DeleteTree removes key recursively.
func (b *Backend) DeleteTree(ctx context.Context, key string) (err error) {
	defer func(start time.Time) { observe("delete_tree", start, err) }(time.Now())
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := b.fullPath(key)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(p); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// WriteMetadata rewrites metadata.json in place. The file keeps its inode,
// so its birth time stays the project's creation time.
func (b *Backend) WriteMetadata(ctx context.Context, handle string, data []byte) (err error) {
	defer func(start time.Time) { observe("write_metadata", start, err) }(time.Now())
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := b.fullPath(storage.MetadataKey(handle))
	if err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("open metadata for %s: %w", handle, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write metadata for %s: %w", handle, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync metadata for %s: %w", handle, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close metadata for %s: %w", handle, err)
	}
	return nil
}

// ReadMetadata reads metadata.json and its timestamps.
func (b *Backend) ReadMetadata(ctx context.Context, handle string) (data []byte, times storage.Times, err error) {
	defer func(start time.Time) { observe("read_metadata", start, err) }(time.Now())
	if err := ctx.Err(); err != nil {
		return nil, storage.Times{}, err
	}
	path, err := b.fullPath(storage.MetadataKey(handle))
	if err != nil {
		return nil, storage.Times{}, err
	}
	data, err = os.ReadFile(path)
	if err != nil {
		return nil, storage.Times{}, fmt.Errorf("read metadata for %s: %w", handle, err)
	}
	times, err = statTimes(path)
	if err != nil {
		return nil, storage.Times{}, fmt.Errorf("stat metadata for %s: %w", handle, err)
	}
	return data, times, nil
}

// StatMetadata returns the timestamps of metadata.json.
func (b *Backend) StatMetadata(ctx context.Context, handle string) (times storage.Times, err error) {
	defer func(start time.Time) { observe("stat_metadata", start, err) }(time.Now())
	if err := ctx.Err(); err != nil {
		return storage.Times{}, err
	}
	path, err := b.fullPath(storage.MetadataKey(handle))
	if err != nil {
		return storage.Times{}, err
	}
	times, err = statTimes(path)
	if err != nil {
		return storage.Times{}, fmt.Errorf("stat metadata for %s: %w", handle, err)
	}
	return times, nil
}

// MoveFile moves oldKey to newKey inside the projects root.
func (b *Backend) MoveFile(ctx context.Context, oldKey, newKey string) (err error) {
	defer func(start time.Time) { observe("move", start, err) }(time.Now())
	if err := ctx.Err(); err != nil {
		return err
	}
	src, err := b.fullPath(oldKey)
	if err != nil {
		return err
	}
	dst, err := b.fullPath(newKey)
	if err != nil {
		return err
	}
	if err := b.move(src, dst); err != nil {
		return fmt.Errorf("move %s -> %s: %w", oldKey, newKey, err)
	}
	return nil
}

// Import moves a staged upload into the projects root.
func (b *Backend) Import(ctx context.Context, stagedPath, key string) (err error) {
	defer func(start time.Time) { observe("import", start, err) }(time.Now())
	if err := ctx.Err(); err != nil {
		return err
	}
	dst, err := b.fullPath(key)
	if err != nil {
		return err
	}
	if err := b.move(stagedPath, dst); err != nil {
		return fmt.Errorf("import %s: %w", key, err)
	}
	return nil
}

// move renames src to dst. When the rename crosses a device boundary it
// copies src exclusively and then removes it; any partial destination is
// removed if either step fails.
func (b *Backend) move(src, dst string) error {
	if _, err := os.Lstat(src); err != nil {
		return err
	}
	if _, err := os.Lstat(dst); err == nil {
		return &fs.PathError{Op: "move", Path: dst, Err: fs.ErrExist}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	err := b.rename(src, dst)
	if err == nil {
		return nil
	}
	if !isCrossDevice(err) {
		return err
	}

	metrics.RecordMoveFallback()
	logging.Warn("rename crossed devices, copying instead",
		zap.String("src", src),
		zap.String("dst", dst),
	)

	if err := copyTree(src, dst); err != nil {
		os.RemoveAll(dst)
		return fmt.Errorf("copy fallback: %w", err)
	}
	if err := os.RemoveAll(src); err != nil {
		os.RemoveAll(dst)
		return fmt.Errorf("remove source after copy: %w", err)
	}
	return nil
}

// copyTree copies a file or directory to dst, which must not exist.
func copyTree(src, dst string) error {
	info, err := os.Lstat(src)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return copyFile(src, dst, info.Mode().Perm())
	}

	if err := os.Mkdir(dst, info.Mode().Perm()); err != nil {
		return err
	}
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := copyTree(filepath.Join(src, e.Name()), filepath.Join(dst, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// ListProjects returns every directory directly under the root.
func (b *Backend) ListProjects(ctx context.Context) (handles []string, err error) {
	defer func(start time.Time) { observe("list_projects", start, err) }(time.Now())
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(b.rootPath)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() && e.Name()[0] != '.' {
			handles = append(handles, e.Name())
		}
	}
	return handles, nil
}

// ListFiles walks <handle>/files.
func (b *Backend) ListFiles(ctx context.Context, handle string) (paths []string, err error) {
	defer func(start time.Time) { observe("list_files", start, err) }(time.Now())
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	root, err := b.fullPath(storage.FileKey(handle, ""))
	if err != nil {
		return nil, err
	}
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if p == root {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			rel += "/"
		}
		paths = append(paths, rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list files for %s: %w", handle, err)
	}
	sort.Strings(paths)
	return paths, nil
}

// Type returns "local".
func (b *Backend) Type() string { return "local" }

// Close is a no-op for local backends.
func (b *Backend) Close() error { return nil }
