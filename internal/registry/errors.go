package registry

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by a Registry method is an *Error that
// matches exactly one of these with errors.Is.
var (
	ErrNotFound           = errors.New("not found")
	ErrAlreadyExists      = errors.New("already exists")
	ErrCorrupt            = errors.New("corrupt metadata")
	ErrIO                 = errors.New("storage failure")
	ErrStructuralConflict = errors.New("tree and storage disagree")
	ErrInvalidName        = errors.New("invalid project name")
	ErrInvalidPath        = errors.New("invalid file path")
)

// Error records the operation, project and path that failed.
type Error struct {
	Op      string
	Project string
	Path    string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Op
	if e.Project != "" {
		msg += " " + e.Project
	}
	if e.Path != "" {
		msg += ":" + e.Path
	}
	return msg + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// newError wraps cause under kind so both stay visible to errors.Is.
func newError(op, project, path string, kind, cause error) *Error {
	err := kind
	if cause != nil {
		err = fmt.Errorf("%w: %w", kind, cause)
	}
	return &Error{Op: op, Project: project, Path: path, Err: err}
}
