// Package storage defines the Adapter interface, the only code path that
// touches a project's durable state, and the optional metadata Mirror.
//
// Keys are slash-separated and relative to the projects root. A project
// lives under its handle:
//
//	<handle>/metadata.json
//	<handle>/files/...
package storage

import (
	"context"
	"errors"
	"path"
	"time"
)

const (
	// MetadataFile is the name of a project's metadata document.
	MetadataFile = "metadata.json"
	// FilesDir is the directory mirroring a project's file tree.
	FilesDir = "files"
)

// ErrInvalidKey is returned for keys that escape the projects root.
var ErrInvalidKey = errors.New("invalid storage key")

// Times holds the filesystem timestamps of a metadata document. Created is
// the birth time where the platform reports one, otherwise the mtime.
type Times struct {
	Created  time.Time
	Modified time.Time
}

// Adapter is the interface for project storage backends.
//
// Implementations return errors that wrap fs.ErrNotExist for missing keys and
// os.ErrExist when a move or import destination is occupied.
type Adapter interface {
	// CreateProject allocates a fresh project directory with an empty files
	// directory and returns its handle.
	CreateProject(ctx context.Context) (string, error)

	// CreateDirectory creates key and any missing parents.
	CreateDirectory(ctx context.Context, key string) error

	// DeleteTree removes key recursively. A missing key is not an error.
	DeleteTree(ctx context.Context, key string) error

	// WriteMetadata atomically replaces a project's metadata document.
	WriteMetadata(ctx context.Context, handle string, data []byte) error

	// ReadMetadata returns a project's metadata document and its timestamps.
	ReadMetadata(ctx context.Context, handle string) ([]byte, Times, error)

	// StatMetadata returns the timestamps of a project's metadata document.
	StatMetadata(ctx context.Context, handle string) (Times, error)

	// MoveFile moves a file or directory. The destination must not exist and
	// its parent must. Moves across devices fall back to copy then delete.
	MoveFile(ctx context.Context, oldKey, newKey string) error

	// Import moves a staged file from outside the projects root to key, with
	// the same rules as MoveFile.
	Import(ctx context.Context, stagedPath, key string) error

	// ListProjects returns the handles of every project directory.
	ListProjects(ctx context.Context) ([]string, error)

	// ListFiles returns every entry under a project's files directory as a
	// sorted list of relative paths. Directories end with a slash.
	ListFiles(ctx context.Context, handle string) ([]string, error)

	// Type returns the backend type identifier.
	Type() string

	// Close releases any resources held by the backend.
	Close() error
}

// Mirror replicates metadata documents off-site. It is best effort: the
// Adapter stays the system of record.
type Mirror interface {
	PutMetadata(ctx context.Context, handle string, data []byte) error
	DeleteMetadata(ctx context.Context, handle string) error
	Type() string
}

// FileKey returns the key of p inside a project's files directory.
func FileKey(handle, p string) string {
	if p == "" {
		return path.Join(handle, FilesDir)
	}
	return path.Join(handle, FilesDir, p)
}

// MetadataKey returns the key of a project's metadata document.
func MetadataKey(handle string) string {
	return path.Join(handle, MetadataFile)
}
