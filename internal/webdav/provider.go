// Package webdav implements a storage provider for WebDAV servers, with
// server-side COPY and MOVE as native transfers.
package webdav

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/studio-b12/gowebdav"
	"golang.org/x/sync/errgroup"

	"github.com/breadfs/breadfs/internal/storage"
)

// Name is the provider name reported to the storage layer.
const Name = "webdav"

// Options configures a Provider.
type Options struct {
	URL      string
	Username string
	Password string
	// Timeout bounds each request. Zero keeps the client default.
	Timeout time.Duration
	// Transport overrides the HTTP transport, mainly for tests.
	Transport http.RoundTripper
}

// Provider is a storage.Provider backed by a WebDAV server. The underlying
// client has no context support, so cancellation is checked between
// requests rather than during them.
type Provider struct {
	client *gowebdav.Client
	logger *slog.Logger
}

// New returns a Provider for opts.URL. No request is made until first use.
func New(opts Options, logger *slog.Logger) (*Provider, error) {
	if opts.URL == "" {
		return nil, errors.New("webdav: url is required")
	}

	if logger == nil {
		logger = slog.Default()
	}

	c := gowebdav.NewClient(opts.URL, opts.Username, opts.Password)

	if opts.Timeout > 0 {
		c.SetTimeout(opts.Timeout)
	}

	if opts.Transport != nil {
		c.SetTransport(opts.Transport)
	}

	return &Provider{
		client: c,
		logger: logger.With(slog.String("backend", Name)),
	}, nil
}

// Connect verifies the server is reachable and the credentials are accepted.
func (p *Provider) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := p.client.Connect(); err != nil {
		return fmt.Errorf("webdav: connecting: %w", mapErr(err))
	}

	return nil
}

// Name implements storage.Provider.
func (p *Provider) Name() string { return Name }

// Capabilities implements storage.Provider.
func (p *Provider) Capabilities() storage.Capabilities {
	return storage.Capabilities{Copy: p, Move: p, ListStat: p}
}

func (p *Provider) stat(ctx context.Context, path string) (*storage.FileStat, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fi, err := p.client.Stat(path)
	if err != nil {
		return nil, mapErr(err)
	}

	return toStat(path, fi), nil
}

// Stat implements storage.Provider.
func (p *Provider) Stat(ctx context.Context, path string) (*storage.FileStat, error) {
	path = storage.CleanPath(path)

	st, err := p.stat(ctx, path)
	if err != nil {
		return nil, storage.NewPathError("stat", path, err)
	}

	return st, nil
}

// Exists implements storage.Provider.
func (p *Provider) Exists(ctx context.Context, path string) bool {
	_, err := p.Stat(ctx, path)

	return err == nil
}

// Mkdir implements storage.Provider.
func (p *Provider) Mkdir(ctx context.Context, path string, opts storage.MkdirOptions) error {
	path = storage.CleanPath(path)

	if err := p.mkdir(ctx, path, opts); err != nil {
		return storage.NewPathError("mkdir", path, err)
	}

	return nil
}

func (p *Provider) mkdir(ctx context.Context, path string, opts storage.MkdirOptions) error {
	if !opts.Recursive {
		if st, err := p.stat(ctx, path); err == nil {
			if st.IsDir() {
				return storage.ErrAlreadyExists
			}

			return storage.ErrNotDirectory
		}

		if err := p.requireDir(ctx, parentOf(path)); err != nil {
			return err
		}

		return mapErr(p.client.Mkdir(path, mode(opts.Mode)))
	}

	cur := "/"

	for _, seg := range storage.SplitPath(path) {
		cur = storage.JoinPath(cur, seg)

		st, err := p.stat(ctx, cur)
		switch {
		case err == nil && st.IsDir():
			continue
		case err == nil:
			return storage.ErrNotDirectory
		case !errors.Is(err, storage.ErrNotFound):
			return err
		}

		if err := mapErr(p.client.Mkdir(cur, mode(opts.Mode))); err != nil {
			return err
		}
	}

	return nil
}

// requireDir fails unless path is an existing collection.
func (p *Provider) requireDir(ctx context.Context, path string) error {
	st, err := p.stat(ctx, path)
	if err != nil {
		return err
	}

	if !st.IsDir() {
		return storage.ErrNotDirectory
	}

	return nil
}

// prepareWrite checks that path can be written as a file. The client would
// otherwise create missing parents on its own.
func (p *Provider) prepareWrite(ctx context.Context, path string) error {
	if path == "/" {
		return storage.ErrIsDirectory
	}

	if err := p.requireDir(ctx, parentOf(path)); err != nil {
		return err
	}

	st, err := p.stat(ctx, path)
	if err == nil && st.IsDir() {
		return storage.ErrIsDirectory
	}

	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	return nil
}

// ReadFile implements storage.Provider.
func (p *Provider) ReadFile(ctx context.Context, path string, opts storage.ReadFileOptions) ([]byte, error) {
	path = storage.CleanPath(path)

	st, err := p.requireFile(ctx, path)
	if err != nil {
		return nil, storage.NewPathError("read", path, err)
	}

	rc, err := p.client.ReadStream(path)
	if err != nil {
		return nil, storage.NewPathError("read", path, mapErr(err))
	}
	defer rc.Close()

	data, err := readAll(rc, path, st.Size, opts.OnProgress)
	if err != nil {
		return nil, storage.NewPathError("read", path, err)
	}

	return data, nil
}

func (p *Provider) requireFile(ctx context.Context, path string) (*storage.FileStat, error) {
	st, err := p.stat(ctx, path)
	if err != nil {
		return nil, err
	}

	if st.IsDir() {
		return nil, storage.ErrIsDirectory
	}

	return st, nil
}

// OpenReader implements storage.Provider.
func (p *Provider) OpenReader(ctx context.Context, path string) (io.ReadCloser, error) {
	path = storage.CleanPath(path)

	if _, err := p.requireFile(ctx, path); err != nil {
		return nil, storage.NewPathError("open", path, err)
	}

	rc, err := p.client.ReadStream(path)
	if err != nil {
		return nil, storage.NewPathError("open", path, mapErr(err))
	}

	return rc, nil
}

// WriteFile implements storage.Provider.
func (p *Provider) WriteFile(ctx context.Context, path string, data []byte, opts storage.WriteFileOptions) error {
	path = storage.CleanPath(path)

	if err := p.prepareWrite(ctx, path); err != nil {
		return storage.NewPathError("write", path, err)
	}

	if err := p.client.Write(path, data, 0o644); err != nil {
		return storage.NewPathError("write", path, mapErr(err))
	}

	opts.OnProgress.Report(path, int64(len(data)), int64(len(data)))

	return nil
}

// OpenWriter implements storage.Provider. Bytes are streamed to the server
// through a pipe as they are written; Close waits for the upload to finish.
func (p *Provider) OpenWriter(ctx context.Context, path string, opts storage.WriteStreamOptions) (io.WriteCloser, error) {
	path = storage.CleanPath(path)

	if err := p.prepareWrite(ctx, path); err != nil {
		return nil, storage.NewPathError("write", path, err)
	}

	pr, pw := io.Pipe()

	var g errgroup.Group

	g.Go(func() error {
		err := p.client.WriteStream(path, pr, 0o644)
		// Unblock the writer side if the upload ended early.
		_ = pr.CloseWithError(err)

		return mapErr(err)
	})

	p.logger.Debug("webdav: write stream opened",
		slog.String("path", path),
		slog.Int64("content_length", opts.ContentLength),
	)

	return &streamWriter{pw: pw, group: &g, path: path, expected: opts.ContentLength}, nil
}

type streamWriter struct {
	pw       *io.PipeWriter
	group    *errgroup.Group
	path     string
	expected int64
	written  int64
	closed   bool
}

func (w *streamWriter) Write(b []byte) (int, error) {
	n, err := w.pw.Write(b)
	w.written += int64(n)

	return n, err
}

// Close finishes the upload and reports its outcome.
func (w *streamWriter) Close() error {
	if w.closed {
		return nil
	}

	w.closed = true

	if w.expected > 0 && w.written != w.expected {
		mismatch := fmt.Errorf("%w: wrote %d of %d bytes", storage.ErrSizeMismatch, w.written, w.expected)
		_ = w.pw.CloseWithError(mismatch)
		_ = w.group.Wait()

		return storage.NewPathError("write", w.path, mismatch)
	}

	_ = w.pw.Close()

	if err := w.group.Wait(); err != nil {
		return storage.NewPathError("write", w.path, err)
	}

	return nil
}

// CloseWithError aborts the upload.
func (w *streamWriter) CloseWithError(err error) error {
	if w.closed {
		return nil
	}

	w.closed = true
	_ = w.pw.CloseWithError(err)
	_ = w.group.Wait()

	return nil
}

// Remove implements storage.Provider.
func (p *Provider) Remove(ctx context.Context, path string, opts storage.RemoveOptions) error {
	path = storage.CleanPath(path)

	if path == "/" {
		return storage.NewPathError("remove", path, storage.ErrUnsupported)
	}

	st, err := p.stat(ctx, path)
	if errors.Is(err, storage.ErrNotFound) && opts.Force() {
		return nil
	}

	if err != nil {
		return storage.NewPathError("remove", path, err)
	}

	if st.IsDir() && !opts.Recursive() {
		fis, err := p.client.ReadDir(path)
		if err != nil {
			return storage.NewPathError("remove", path, mapErr(err))
		}

		if len(fis) > 0 {
			return storage.NewPathError("remove", path, storage.ErrNotEmpty)
		}
	}

	if err := p.client.RemoveAll(path); err != nil {
		return storage.NewPathError("remove", path, mapErr(err))
	}

	return nil
}

// List implements storage.Provider.
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

// ListStat implements storage.StatLister using PROPFIND listings.
func (p *Provider) ListStat(ctx context.Context, path string, opts storage.ListOptions) ([]*storage.FileStat, error) {
	path = storage.CleanPath(path)

	if err := p.requireDir(ctx, path); err != nil {
		return nil, storage.NewPathError("list", path, err)
	}

	var out []*storage.FileStat
	if err := p.walk(ctx, path, opts.Recursive, &out); err != nil {
		return nil, storage.NewPathError("list", path, err)
	}

	return out, nil
}

func (p *Provider) walk(ctx context.Context, dir string, recursive bool, out *[]*storage.FileStat) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	fis, err := p.client.ReadDir(dir)
	if err != nil {
		return mapErr(err)
	}

	for _, fi := range fis {
		child := storage.JoinPath(dir, fi.Name())
		st := toStat(child, fi)
		*out = append(*out, st)

		if recursive && st.IsDir() {
			if err := p.walk(ctx, child, true, out); err != nil {
				return err
			}
		}
	}

	return nil
}

// Copy implements storage.Copier with WebDAV COPY.
func (p *Provider) Copy(ctx context.Context, src, dst string, overwrite bool) error {
	return p.transfer(ctx, storage.CleanPath(src), storage.CleanPath(dst), overwrite, false)
}

// Move implements storage.Mover with WebDAV MOVE.
func (p *Provider) Move(ctx context.Context, src, dst string, overwrite bool) error {
	return p.transfer(ctx, storage.CleanPath(src), storage.CleanPath(dst), overwrite, true)
}

// transfer issues one COPY or MOVE per file or new directory. A directory
// onto an existing directory is merged child by child, since the protocol
// would otherwise replace the destination wholesale.
func (p *Provider) transfer(ctx context.Context, src, dst string, overwrite, move bool) error {
	op := "copy"
	if move {
		op = "move"
	}

	if src == dst {
		return nil
	}

	srcStat, err := p.stat(ctx, src)
	if err != nil {
		return storage.NewPathError(op, src, err)
	}

	dstStat, err := p.stat(ctx, dst)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return storage.NewPathError(op, dst, err)
	}

	if dstStat != nil {
		switch {
		case !overwrite:
			return storage.NewPathError(op, dst, storage.ErrAlreadyExists)
		case srcStat.IsDir() && !dstStat.IsDir():
			return storage.NewPathError(op, dst, storage.ErrNotDirectory)
		case !srcStat.IsDir() && dstStat.IsDir():
			return storage.NewPathError(op, dst, storage.ErrIsDirectory)
		case srcStat.IsDir():
			return p.merge(ctx, src, dst, move)
		}
	} else if err := p.requireDir(ctx, parentOf(dst)); err != nil {
		return storage.NewPathError(op, dst, err)
	}

	p.logger.Debug("webdav: server-side "+op,
		slog.String("src", src),
		slog.String("dst", dst),
	)

	if move {
		err = p.client.Rename(src, dst, overwrite)
	} else {
		err = p.client.Copy(src, dst, overwrite)
	}

	if err != nil {
		return storage.NewPathError(op, src, mapErr(err))
	}

	return nil
}

func (p *Provider) merge(ctx context.Context, src, dst string, move bool) error {
	fis, err := p.client.ReadDir(src)
	if err != nil {
		return storage.NewPathError("list", src, mapErr(err))
	}

	for _, fi := range fis {
		if err := p.transfer(ctx, storage.JoinPath(src, fi.Name()), storage.JoinPath(dst, fi.Name()), true, move); err != nil {
			return err
		}
	}

	if move {
		return p.Remove(ctx, src, storage.RemoveOptions{})
	}

	return nil
}

func toStat(path string, fi fs.FileInfo) *storage.FileStat {
	st := &storage.FileStat{
		Path:      path,
		Size:      fi.Size(),
		Kind:      storage.KindFile,
		ModTime:   fi.ModTime(),
		BirthTime: fi.ModTime(),
	}

	if fi.IsDir() {
		st.Kind = storage.KindDir
		st.Size = storage.UnknownSize
	}

	return st
}

func parentOf(path string) string {
	parent, _ := storage.SplitParent(path)

	return parent
}

func mode(m fs.FileMode) os.FileMode {
	if m == 0 {
		return 0o755
	}

	return m
}

// mapErr translates HTTP status errors from the client into storage
// sentinels, keeping the original error in the chain.
func mapErr(err error) error {
	if err == nil {
		return nil
	}

	var se gowebdav.StatusError
	if !errors.As(err, &se) {
		return err
	}

	switch se.Status {
	case http.StatusNotFound, http.StatusConflict:
		return fmt.Errorf("%w: %w", storage.ErrNotFound, err)
	case http.StatusMethodNotAllowed, http.StatusPreconditionFailed:
		return fmt.Errorf("%w: %w", storage.ErrAlreadyExists, err)
	default:
		return err
	}
}

// readAll reads r fully, reporting progress after each read.
func readAll(r io.Reader, src string, total int64, onProgress storage.ProgressFunc) ([]byte, error) {
	var out []byte

	if total > 0 {
		out = make([]byte, 0, total)
	}

	buf := make([]byte, 64*1024)

	for {
		n, err := r.Read(buf)
		if n > 0 {
			out = append(out, buf[:n]...)
			onProgress.Report(src, int64(len(out)), total)
		}

		if errors.Is(err, io.EOF) {
			return out, nil
		}

		if err != nil {
			return nil, err
		}
	}
}

var (
	_ storage.Provider   = (*Provider)(nil)
	_ storage.Copier     = (*Provider)(nil)
	_ storage.Mover      = (*Provider)(nil)
	_ storage.StatLister = (*Provider)(nil)
)
