// Package storage defines the provider contract every backend satisfies and
// the backend-agnostic Path/FS layer that copies and moves data between any
// two providers, using a native fast path when one backend can do the work
// itself and falling back to streamed or buffered transfer otherwise.
package storage

import (
	"context"
	"io"
	"io/fs"
	"time"
)

// Provider is the mandatory operation set of a storage backend. All paths are
// slash-separated and absolute within the backend (see CleanPath).
type Provider interface {
	// Name identifies the backend kind in logs and errors ("memory", "alipan").
	Name() string

	Mkdir(ctx context.Context, path string, opts MkdirOptions) error
	OpenReader(ctx context.Context, path string) (io.ReadCloser, error)
	OpenWriter(ctx context.Context, path string, opts WriteStreamOptions) (io.WriteCloser, error)
	ReadFile(ctx context.Context, path string, opts ReadFileOptions) ([]byte, error)
	WriteFile(ctx context.Context, path string, data []byte, opts WriteFileOptions) error
	Remove(ctx context.Context, path string, opts RemoveOptions) error

	// Stat fails with ErrNotFound when path does not exist.
	Stat(ctx context.Context, path string) (*FileStat, error)

	// Exists never fails; any error is reported as false.
	Exists(ctx context.Context, path string) bool

	// List returns absolute child paths. With Recursive set the result is a
	// pre-order walk: each directory is followed by its descendants.
	List(ctx context.Context, path string, opts ListOptions) ([]string, error)

	Capabilities() Capabilities
}

// Copier is a same-backend native copy. Unless overwrite is set, an existing
// destination fails with ErrAlreadyExists.
type Copier interface {
	Copy(ctx context.Context, src, dst string, overwrite bool) error
}

// Mover is a same-backend native move or rename, with the same overwrite
// semantics as Copier.
type Mover interface {
	Move(ctx context.Context, src, dst string, overwrite bool) error
}

// StatLister returns child metadata in one pass instead of one Stat per child.
type StatLister interface {
	ListStat(ctx context.Context, path string, opts ListOptions) ([]*FileStat, error)
}

// TextCodec reads and writes text in a named encoding natively.
type TextCodec interface {
	ReadText(ctx context.Context, path, encoding string) (string, error)
	WriteText(ctx context.Context, path, text, encoding string) error
}

// Capabilities describes the optional operations a provider offers. A nil
// field means the capability is absent.
type Capabilities struct {
	Copy     Copier
	Move     Mover
	ListStat StatLister
	Text     TextCodec
}

// MkdirOptions controls directory creation.
type MkdirOptions struct {
	// Recursive creates missing parents and tolerates an existing directory.
	Recursive bool
	Mode      fs.FileMode
}

// RemoveOptions controls removal. The zero value removes recursively and
// succeeds when the path is already absent.
type RemoveOptions struct {
	// Strict fails with ErrNotFound when the path does not exist.
	Strict bool
	// NonRecursive refuses to remove a non-empty directory.
	NonRecursive bool
}

// Force reports whether absence is tolerated.
func (o RemoveOptions) Force() bool { return !o.Strict }

// Recursive reports whether directory contents are removed too.
func (o RemoveOptions) Recursive() bool { return !o.NonRecursive }

// ListOptions controls listing.
type ListOptions struct {
	Recursive bool
}

// WriteStreamOptions configures OpenWriter.
type WriteStreamOptions struct {
	// ContentLength is the expected byte count, or <= 0 when unknown.
	// Providers that need the size up front verify it when the writer closes.
	ContentLength int64
}

// ReadFileOptions configures ReadFile.
type ReadFileOptions struct {
	OnProgress ProgressFunc
}

// WriteFileOptions configures WriteFile.
type WriteFileOptions struct {
	OnProgress ProgressFunc
}

// Progress reports cumulative transfer state for one file.
type Progress struct {
	Src     string
	Current int64
	Total   int64
}

// ProgressFunc receives progress updates. It is called synchronously from the
// transferring goroutine and must not block.
type ProgressFunc func(Progress)

// Report calls fn if it is non-nil. Providers use it after each chunk.
func (fn ProgressFunc) Report(src string, current, total int64) {
	if fn != nil {
		fn(Progress{Src: src, Current: current, Total: total})
	}
}

// Kind classifies a filesystem object.
type Kind int

// Object kinds.
const (
	KindFile Kind = iota + 1
	KindDir
	KindSymlink
)

func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDir:
		return "dir"
	case KindSymlink:
		return "symlink"
	default:
		return "unknown"
	}
}

// UnknownSize is reported by backends that omit a size, typically for directories.
const UnknownSize int64 = -1

// FileStat is object metadata. It is always fetched fresh from the provider.
type FileStat struct {
	Path      string
	Size      int64
	Kind      Kind
	ModTime   time.Time
	BirthTime time.Time
}

// IsFile reports whether the object is a regular file.
func (s *FileStat) IsFile() bool { return s.Kind == KindFile }

// IsDir reports whether the object is a directory.
func (s *FileStat) IsDir() bool { return s.Kind == KindDir }

// IsSymlink reports whether the object is a symbolic link.
func (s *FileStat) IsSymlink() bool { return s.Kind == KindSymlink }

// HasSize reports whether the backend returned a size.
func (s *FileStat) HasSize() bool { return s.Size >= 0 }
