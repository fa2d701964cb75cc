package storage

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by every provider. Providers wrap their native
// failures so callers can use errors.Is(err, storage.ErrNotFound) regardless
// of which backend produced the error.
var (
	ErrNotFound      = errors.New("storage: not found")
	ErrAlreadyExists = errors.New("storage: already exists")
	ErrNotDirectory  = errors.New("storage: not a directory")
	ErrIsDirectory   = errors.New("storage: is a directory")
	ErrNotEmpty      = errors.New("storage: directory not empty")
	ErrUnsupported   = errors.New("storage: unsupported object type")
	ErrSizeMismatch  = errors.New("storage: size mismatch")
)

// PathError records the operation and path that failed.
type PathError struct {
	Op   string
	Path string
	Err  error
}

func (e *PathError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *PathError) Unwrap() error {
	return e.Err
}

// NewPathError wraps err with op and path. A nil err stays nil, and an err
// that already carries a PathError is returned unchanged so nested
// operations report the innermost path.
func NewPathError(op, path string, err error) error {
	if err == nil {
		return nil
	}

	var pe *PathError
	if errors.As(err, &pe) {
		return err
	}

	return &PathError{Op: op, Path: path, Err: err}
}

// IsNotFound reports whether err means the path does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
