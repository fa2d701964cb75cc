package storage

import (
	"context"
	"io"
	"log/slog"
)

// Fallback selects how Copy and Move transfer a file when no native fast path
// applies.
type Fallback int

// Fallback strategies.
const (
	// FallbackBuffer reads the whole file into memory, then writes it. It only
	// needs ReadFile and WriteFile, so it works with every provider.
	FallbackBuffer Fallback = iota
	// FallbackStream pipes a read stream into a write stream.
	FallbackStream
)

func (f Fallback) String() string {
	if f == FallbackStream {
		return "stream"
	}

	return "buffer"
}

// ParseFallback maps a config value to a Fallback. Unknown values return false.
func ParseFallback(s string) (Fallback, bool) {
	switch s {
	case "", "buffer":
		return FallbackBuffer, true
	case "stream":
		return FallbackStream, true
	default:
		return FallbackBuffer, false
	}
}

// TransferRecorder receives byte counts for cross-backend transfers.
type TransferRecorder interface {
	AddTransferBytes(direction string, n int64)
}

// Options configures an FS.
type Options struct {
	Logger   *slog.Logger
	Fallback Fallback
	Throttle *Throttle
	Recorder TransferRecorder
}

// FS binds a Provider to the orchestration layer. Paths created from the same
// *FS are on the same backend; two FS values wrapping equal providers are not.
type FS struct {
	provider Provider
	logger   *slog.Logger
	fallback Fallback
	throttle *Throttle
	recorder TransferRecorder
}

// New wraps provider.
func New(provider Provider, opts Options) *FS {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &FS{
		provider: provider,
		logger:   logger.With(slog.String("backend", provider.Name())),
		fallback: opts.Fallback,
		throttle: opts.Throttle,
		recorder: opts.Recorder,
	}
}

// Provider returns the wrapped provider.
func (f *FS) Provider() Provider { return f.provider }

// Name returns the provider name.
func (f *FS) Name() string { return f.provider.Name() }

// Path returns the Path for p on this backend.
func (f *FS) Path(p string) Path {
	return Path{fs: f, p: CleanPath(p)}
}

// Root returns the backend root.
func (f *FS) Root() Path { return f.Path("/") }

func (f *FS) recordBytes(direction string, n int64) {
	if f.recorder != nil && n > 0 {
		f.recorder.AddTransferBytes(direction, n)
	}
}

// Path is an immutable address on one backend.
type Path struct {
	fs *FS
	p  string
}

// FS returns the owning backend.
func (p Path) FS() *FS { return p.fs }

// String returns the provider path.
func (p Path) String() string { return p.p }

// IsZero reports whether p was never bound to a backend.
func (p Path) IsZero() bool { return p.fs == nil }

// SameBackend reports whether p and o belong to the identical FS instance.
func (p Path) SameBackend(o Path) bool { return p.fs != nil && p.fs == o.fs }

// Join appends elements to p.
func (p Path) Join(elem ...string) Path {
	return Path{fs: p.fs, p: JoinPath(p.p, elem...)}
}

// Resolve applies elements left to right like a shell cd: an absolute element
// restarts from root, a relative one is joined.
func (p Path) Resolve(elem ...string) Path {
	cur := p.p
	for _, e := range elem {
		if len(e) > 0 && (e[0] == '/' || e[0] == '\\') {
			cur = CleanPath(e)
			continue
		}

		cur = JoinPath(cur, e)
	}

	return Path{fs: p.fs, p: cur}
}

// Dir returns the parent path. The parent of root is root.
func (p Path) Dir() Path {
	parent, _ := SplitParent(p.p)
	return Path{fs: p.fs, p: parent}
}

// Base returns the final element, or "" for root.
func (p Path) Base() string {
	_, name := SplitParent(p.p)
	return name
}

func (p Path) Mkdir(ctx context.Context, opts MkdirOptions) error {
	return NewPathError("mkdir", p.p, p.fs.provider.Mkdir(ctx, p.p, opts))
}

func (p Path) ReadFile(ctx context.Context, opts ReadFileOptions) ([]byte, error) {
	data, err := p.fs.provider.ReadFile(ctx, p.p, opts)
	if err != nil {
		return nil, NewPathError("read", p.p, err)
	}

	return data, nil
}

func (p Path) WriteFile(ctx context.Context, data []byte, opts WriteFileOptions) error {
	return NewPathError("write", p.p, p.fs.provider.WriteFile(ctx, p.p, data, opts))
}

// ReadText reads the file as text in the named encoding.
func (p Path) ReadText(ctx context.Context, encoding string) (string, error) {
	if codec := p.fs.provider.Capabilities().Text; codec != nil {
		text, err := codec.ReadText(ctx, p.p, encoding)
		return text, NewPathError("read", p.p, err)
	}

	data, err := p.ReadFile(ctx, ReadFileOptions{})
	if err != nil {
		return "", err
	}

	text, err := DecodeText(data, encoding)

	return text, NewPathError("read", p.p, err)
}

// WriteText writes text in the named encoding.
func (p Path) WriteText(ctx context.Context, text, encoding string) error {
	if codec := p.fs.provider.Capabilities().Text; codec != nil {
		return NewPathError("write", p.p, codec.WriteText(ctx, p.p, text, encoding))
	}

	data, err := EncodeText(text, encoding)
	if err != nil {
		return NewPathError("write", p.p, err)
	}

	return p.WriteFile(ctx, data, WriteFileOptions{})
}

func (p Path) Remove(ctx context.Context, opts RemoveOptions) error {
	return NewPathError("remove", p.p, p.fs.provider.Remove(ctx, p.p, opts))
}

func (p Path) Stat(ctx context.Context) (*FileStat, error) {
	st, err := p.fs.provider.Stat(ctx, p.p)
	if err != nil {
		return nil, NewPathError("stat", p.p, err)
	}

	return st, nil
}

func (p Path) Exists(ctx context.Context) bool {
	return p.fs.provider.Exists(ctx, p.p)
}

// IsFile reports whether p exists and is a regular file.
func (p Path) IsFile(ctx context.Context) bool {
	st, err := p.fs.provider.Stat(ctx, p.p)
	return err == nil && st.IsFile()
}

// IsDir reports whether p exists and is a directory.
func (p Path) IsDir(ctx context.Context) bool {
	st, err := p.fs.provider.Stat(ctx, p.p)
	return err == nil && st.IsDir()
}

// List returns the children of p as Paths on the same backend.
func (p Path) List(ctx context.Context, opts ListOptions) ([]Path, error) {
	names, err := p.fs.provider.List(ctx, p.p, opts)
	if err != nil {
		return nil, NewPathError("list", p.p, err)
	}

	out := make([]Path, len(names))
	for i, n := range names {
		out[i] = p.fs.Path(n)
	}

	return out, nil
}

// ListStat returns child metadata, using the provider's single-pass listing
// when it has one and one Stat per child otherwise.
func (p Path) ListStat(ctx context.Context, opts ListOptions) ([]*FileStat, error) {
	if sl := p.fs.provider.Capabilities().ListStat; sl != nil {
		stats, err := sl.ListStat(ctx, p.p, opts)
		if err != nil {
			return nil, NewPathError("list", p.p, err)
		}

		return stats, nil
	}

	children, err := p.List(ctx, opts)
	if err != nil {
		return nil, err
	}

	stats := make([]*FileStat, 0, len(children))
	for _, c := range children {
		st, err := c.Stat(ctx)
		if err != nil {
			return nil, err
		}

		stats = append(stats, st)
	}

	return stats, nil
}

func (p Path) OpenReader(ctx context.Context) (io.ReadCloser, error) {
	rc, err := p.fs.provider.OpenReader(ctx, p.p)
	if err != nil {
		return nil, NewPathError("open", p.p, err)
	}

	return rc, nil
}

func (p Path) OpenWriter(ctx context.Context, opts WriteStreamOptions) (io.WriteCloser, error) {
	wc, err := p.fs.provider.OpenWriter(ctx, p.p, opts)
	if err != nil {
		return nil, NewPathError("create", p.p, err)
	}

	return wc, nil
}

// CopyTo copies p to dst. See Copy.
func (p Path) CopyTo(ctx context.Context, dst Path, opts CopyOptions) error {
	return Copy(ctx, p, dst, opts)
}

// MoveTo moves p to dst. See Move.
func (p Path) MoveTo(ctx context.Context, dst Path, opts CopyOptions) error {
	return Move(ctx, p, dst, opts)
}
