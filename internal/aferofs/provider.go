// Package aferofs implements the local-disk and in-memory storage providers
// on top of spf13/afero. Both are thin delegations: the afero filesystem does
// the work and this package maps its errors and metadata onto the storage
// contract.
package aferofs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"

	"github.com/spf13/afero"

	"github.com/breadfs/breadfs/internal/storage"
)

// Provider names.
const (
	NameMemory = "memory"
	NameLocal  = "local"
)

const (
	defaultDirMode  fs.FileMode = 0o755
	defaultFileMode fs.FileMode = 0o644
)

// Provider is a storage.Provider backed by an afero.Fs.
type Provider struct {
	name   string
	fs     afero.Fs
	logger *slog.Logger
}

// NewMemory returns a provider over a fresh in-memory filesystem.
func NewMemory(logger *slog.Logger) *Provider {
	return NewFromFs(NameMemory, afero.NewMemMapFs(), logger)
}

// NewLocal returns a provider over the OS filesystem. When root is not "/",
// every provider path is resolved beneath root.
func NewLocal(root string, logger *slog.Logger) (*Provider, error) {
	if root == "" || root == "/" {
		return NewFromFs(NameLocal, afero.NewOsFs(), logger), nil
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("aferofs: resolving root %q: %w", root, err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("aferofs: root %q: %w", abs, mapErr(err))
	}

	if !info.IsDir() {
		return nil, fmt.Errorf("aferofs: root %q: %w", abs, storage.ErrNotDirectory)
	}

	return NewFromFs(NameLocal, afero.NewBasePathFs(afero.NewOsFs(), abs), logger), nil
}

// NewFromFs wraps an arbitrary afero filesystem.
func NewFromFs(name string, afs afero.Fs, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}

	return &Provider{name: name, fs: afs, logger: logger}
}

func (p *Provider) Name() string { return p.name }

// Capabilities reports native move (rename) and single-pass listing.
// Copy is left to the orchestrator.
func (p *Provider) Capabilities() storage.Capabilities {
	return storage.Capabilities{Move: p, ListStat: p}
}

func (p *Provider) Mkdir(_ context.Context, path string, opts storage.MkdirOptions) error {
	path = storage.CleanPath(path)

	mode := opts.Mode
	if mode == 0 {
		mode = defaultDirMode
	}

	if !opts.Recursive {
		if st, err := p.lstat(path); err == nil {
			if st.IsDir() {
				return storage.ErrAlreadyExists
			}

			return storage.ErrNotDirectory
		}

		parent, _ := storage.SplitParent(path)
		if err := p.requireDir(parent); err != nil {
			return fmt.Errorf("parent %s: %w", parent, err)
		}

		return mapErr(p.fs.Mkdir(path, mode))
	}

	cur := "/"
	for _, seg := range storage.SplitPath(path) {
		cur = storage.JoinPath(cur, seg)

		st, err := p.lstat(cur)
		if err == nil {
			if !st.IsDir() {
				return fmt.Errorf("%s: %w", cur, storage.ErrNotDirectory)
			}

			continue
		}

		if !errors.Is(err, storage.ErrNotFound) {
			return err
		}

		if err := p.fs.Mkdir(cur, mode); err != nil && !errors.Is(err, fs.ErrExist) {
			return mapErr(err)
		}
	}

	return nil
}

func (p *Provider) OpenReader(_ context.Context, path string) (io.ReadCloser, error) {
	path = storage.CleanPath(path)

	if err := p.requireFile(path); err != nil {
		return nil, err
	}

	f, err := p.fs.Open(path)
	if err != nil {
		return nil, mapErr(err)
	}

	return f, nil
}

func (p *Provider) OpenWriter(_ context.Context, path string, opts storage.WriteStreamOptions) (io.WriteCloser, error) {
	path = storage.CleanPath(path)

	if err := p.prepareWrite(path); err != nil {
		return nil, err
	}

	f, err := p.fs.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, defaultFileMode)
	if err != nil {
		return nil, mapErr(err)
	}

	return &countingWriter{f: f, path: path, want: opts.ContentLength}, nil
}

func (p *Provider) ReadFile(_ context.Context, path string, opts storage.ReadFileOptions) ([]byte, error) {
	path = storage.CleanPath(path)

	if err := p.requireFile(path); err != nil {
		return nil, err
	}

	data, err := afero.ReadFile(p.fs, path)
	if err != nil {
		return nil, mapErr(err)
	}

	size := int64(len(data))
	opts.OnProgress.Report(path, size, size)

	return data, nil
}

func (p *Provider) WriteFile(_ context.Context, path string, data []byte, opts storage.WriteFileOptions) error {
	path = storage.CleanPath(path)

	if err := p.prepareWrite(path); err != nil {
		return err
	}

	if err := afero.WriteFile(p.fs, path, data, defaultFileMode); err != nil {
		return mapErr(err)
	}

	size := int64(len(data))
	opts.OnProgress.Report(path, size, size)

	return nil
}

func (p *Provider) Remove(_ context.Context, path string, opts storage.RemoveOptions) error {
	path = storage.CleanPath(path)

	st, err := p.lstat(path)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) && opts.Force() {
			return nil
		}

		return err
	}

	if st.IsDir() {
		if opts.Recursive() {
			return mapErr(p.fs.RemoveAll(path))
		}

		entries, err := afero.ReadDir(p.fs, path)
		if err != nil {
			return mapErr(err)
		}

		if len(entries) > 0 {
			return storage.ErrNotEmpty
		}
	}

	return mapErr(p.fs.Remove(path))
}

func (p *Provider) Stat(_ context.Context, path string) (*storage.FileStat, error) {
	path = storage.CleanPath(path)

	info, err := p.lstat(path)
	if err != nil {
		return nil, err
	}

	return toStat(path, info), nil
}

func (p *Provider) Exists(_ context.Context, path string) bool {
	_, err := p.lstat(storage.CleanPath(path))
	return err == nil
}

func (p *Provider) List(ctx context.Context, path string, opts storage.ListOptions) ([]string, error) {
	stats, err := p.ListStat(ctx, path, opts)
	if err != nil {
		return nil, err
	}

	out := make([]string, len(stats))
	for i, st := range stats {
		out[i] = st.Path
	}

	return out, nil
}

// ListStat lists children with metadata, pre-order when recursive.
func (p *Provider) ListStat(ctx context.Context, path string, opts storage.ListOptions) ([]*storage.FileStat, error) {
	path = storage.CleanPath(path)

	if err := p.requireDir(path); err != nil {
		return nil, err
	}

	var out []*storage.FileStat
	if err := p.walk(ctx, path, opts.Recursive, &out); err != nil {
		return nil, err
	}

	return out, nil
}

func (p *Provider) walk(ctx context.Context, dir string, recursive bool, out *[]*storage.FileStat) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	entries, err := afero.ReadDir(p.fs, dir)
	if err != nil {
		return mapErr(err)
	}

	for _, e := range entries {
		child := storage.JoinPath(dir, e.Name())
		st := toStat(child, e)
		*out = append(*out, st)

		if recursive && st.IsDir() {
			if err := p.walk(ctx, child, true, out); err != nil {
				return err
			}
		}
	}

	return nil
}

// Move renames src to dst. The destination parent must exist; an existing
// destination is replaced only when overwrite is set.
func (p *Provider) Move(_ context.Context, src, dst string, overwrite bool) error {
	src = storage.CleanPath(src)
	dst = storage.CleanPath(dst)

	if _, err := p.lstat(src); err != nil {
		return err
	}

	parent, _ := storage.SplitParent(dst)
	if err := p.requireDir(parent); err != nil {
		return fmt.Errorf("parent %s: %w", parent, err)
	}

	if src == dst {
		return nil
	}

	if _, err := p.lstat(dst); err == nil {
		if !overwrite {
			return storage.ErrAlreadyExists
		}

		if err := p.fs.RemoveAll(dst); err != nil {
			return mapErr(err)
		}
	}

	p.logger.Debug("aferofs: rename",
		slog.String("backend", p.name),
		slog.String("src", src),
		slog.String("dst", dst),
	)

	return mapErr(p.fs.Rename(src, dst))
}

func (p *Provider) lstat(path string) (fs.FileInfo, error) {
	var (
		info fs.FileInfo
		err  error
	)

	if ls, ok := p.fs.(afero.Lstater); ok {
		info, _, err = ls.LstatIfPossible(path)
	} else {
		info, err = p.fs.Stat(path)
	}

	if err != nil {
		return nil, mapErr(err)
	}

	return info, nil
}

func (p *Provider) requireDir(path string) error {
	st, err := p.lstat(path)
	if err != nil {
		return err
	}

	if !st.IsDir() {
		return storage.ErrNotDirectory
	}

	return nil
}

func (p *Provider) requireFile(path string) error {
	st, err := p.lstat(path)
	if err != nil {
		return err
	}

	if st.IsDir() {
		return storage.ErrIsDirectory
	}

	return nil
}

// prepareWrite checks that path can be written as a file: the parent is an
// existing directory and path itself is not a directory.
func (p *Provider) prepareWrite(path string) error {
	parent, _ := storage.SplitParent(path)
	if err := p.requireDir(parent); err != nil {
		return fmt.Errorf("parent %s: %w", parent, err)
	}

	if st, err := p.lstat(path); err == nil && st.IsDir() {
		return storage.ErrIsDirectory
	}

	return nil
}

func toStat(path string, info fs.FileInfo) *storage.FileStat {
	st := &storage.FileStat{
		Path:      path,
		Size:      info.Size(),
		ModTime:   info.ModTime(),
		BirthTime: info.ModTime(),
	}

	switch {
	case info.Mode()&fs.ModeSymlink != 0:
		st.Kind = storage.KindSymlink
	case info.IsDir():
		st.Kind = storage.KindDir
		st.Size = storage.UnknownSize
	default:
		st.Kind = storage.KindFile
	}

	return st
}

// mapErr translates os and afero errors into storage sentinels while keeping
// the original error in the chain.
func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%w: %w", storage.ErrNotFound, err)
	case errors.Is(err, fs.ErrExist):
		return fmt.Errorf("%w: %w", storage.ErrAlreadyExists, err)
	case errors.Is(err, syscall.ENOTDIR):
		return fmt.Errorf("%w: %w", storage.ErrNotDirectory, err)
	case errors.Is(err, syscall.EISDIR):
		return fmt.Errorf("%w: %w", storage.ErrIsDirectory, err)
	case errors.Is(err, syscall.ENOTEMPTY):
		return fmt.Errorf("%w: %w", storage.ErrNotEmpty, err)
	default:
		return err
	}
}

// countingWriter verifies the declared content length when it closes.
type countingWriter struct {
	f    afero.File
	path string
	want int64
	n    int64
}

func (w *countingWriter) Write(b []byte) (int, error) {
	n, err := w.f.Write(b)
	w.n += int64(n)

	return n, err
}

func (w *countingWriter) Close() error {
	if err := w.f.Close(); err != nil {
		return mapErr(err)
	}

	if w.want > 0 && w.n != w.want {
		return fmt.Errorf("%s: wrote %d bytes, expected %d: %w", w.path, w.n, w.want, storage.ErrSizeMismatch)
	}

	return nil
}
