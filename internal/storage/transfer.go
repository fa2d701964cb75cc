package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"
)

// CopyOptions configures Copy and Move.
type CopyOptions struct {
	// Overwrite replaces an existing destination instead of failing with
	// ErrAlreadyExists.
	Overwrite bool
	// Fallback overrides the FS-level fallback when non-nil.
	Fallback *Fallback
	// ContentLength passes the source size to the destination write stream.
	// Only used by the stream fallback.
	ContentLength bool
	OnProgress    ProgressFunc
}

// Transfer directions reported to TransferRecorder.
const (
	directionStream = "stream"
	directionBuffer = "buffer"
)

// abortWriter is implemented by write streams that can discard buffered data
// instead of committing it, such as io.PipeWriter.
type abortWriter interface {
	CloseWithError(err error) error
}

// Copy copies src to dst. When both paths share a backend that offers a native
// copy it is used directly. Otherwise files are transferred with the
// configured fallback and directories are recreated child by child.
// Directory copies are not atomic: a failure part-way leaves a partially
// populated destination.
func Copy(ctx context.Context, src, dst Path, opts CopyOptions) error {
	return newTransfer(src, dst, opts, false).run(ctx, src, dst)
}

// Move moves src to dst. Like Copy, but the source is removed after each file
// and directory has been transferred. A failure part-way leaves the source of
// the failing subtree intact.
func Move(ctx context.Context, src, dst Path, opts CopyOptions) error {
	return newTransfer(src, dst, opts, true).run(ctx, src, dst)
}

type transfer struct {
	opts     CopyOptions
	move     bool
	op       string
	fallback Fallback
	logger   *slog.Logger
}

func newTransfer(src, dst Path, opts CopyOptions, move bool) *transfer {
	op := "copy"
	if move {
		op = "move"
	}

	fallback := src.fs.fallback
	if opts.Fallback != nil {
		fallback = *opts.Fallback
	}

	return &transfer{
		opts:     opts,
		move:     move,
		op:       op,
		fallback: fallback,
		logger: src.fs.logger.With(
			slog.String("op", op),
			slog.String("op_id", uuid.NewString()),
			slog.String("dst_backend", dst.fs.Name()),
		),
	}
}

func (t *transfer) run(ctx context.Context, src, dst Path) error {
	if src.IsZero() || dst.IsZero() {
		return fmt.Errorf("storage: %s on unbound path", t.op)
	}

	if src.SameBackend(dst) {
		if done, err := t.native(ctx, src, dst); done {
			return err
		}
	}

	dstStat, err := dst.fs.provider.Stat(ctx, dst.p)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return NewPathError(t.op, dst.p, err)
	}

	if dstStat != nil && !t.opts.Overwrite {
		return NewPathError(t.op, dst.p, ErrAlreadyExists)
	}

	srcStat, err := src.Stat(ctx)
	if err != nil {
		return err
	}

	switch {
	case srcStat.IsFile():
		if dstStat != nil && dstStat.IsDir() {
			return NewPathError(t.op, dst.p, ErrIsDirectory)
		}

		return t.file(ctx, src, dst, srcStat)
	case srcStat.IsDir():
		if dstStat != nil && !dstStat.IsDir() {
			return NewPathError(t.op, dst.p, ErrNotDirectory)
		}

		return t.dir(ctx, src, dst, dstStat != nil)
	default:
		return NewPathError(t.op, src.p, ErrUnsupported)
	}
}

// native delegates to the provider's own copy or move. done is false when the
// provider lacks the capability.
func (t *transfer) native(ctx context.Context, src, dst Path) (bool, error) {
	caps := src.fs.provider.Capabilities()

	if t.move && caps.Move != nil {
		t.logger.Debug("storage: native move",
			slog.String("src", src.p), slog.String("dst", dst.p))

		return true, NewPathError(t.op, src.p, caps.Move.Move(ctx, src.p, dst.p, t.opts.Overwrite))
	}

	if !t.move && caps.Copy != nil {
		t.logger.Debug("storage: native copy",
			slog.String("src", src.p), slog.String("dst", dst.p))

		return true, NewPathError(t.op, src.p, caps.Copy.Copy(ctx, src.p, dst.p, t.opts.Overwrite))
	}

	return false, nil
}

func (t *transfer) file(ctx context.Context, src, dst Path, st *FileStat) error {
	t.logger.Debug("storage: transferring file",
		slog.String("src", src.p),
		slog.String("dst", dst.p),
		slog.Int64("size", st.Size),
		slog.String("fallback", t.fallback.String()),
	)

	var err error
	if t.fallback == FallbackStream {
		err = t.stream(ctx, src, dst, st)
	} else {
		err = t.buffer(ctx, src, dst)
	}

	if err != nil {
		return err
	}

	if t.move {
		return src.Remove(ctx, RemoveOptions{})
	}

	return nil
}

func (t *transfer) stream(ctx context.Context, src, dst Path, st *FileStat) error {
	r, err := src.OpenReader(ctx)
	if err != nil {
		return err
	}
	defer r.Close()

	wopts := WriteStreamOptions{}
	if t.opts.ContentLength && st.HasSize() {
		wopts.ContentLength = st.Size
	}

	w, err := dst.OpenWriter(ctx, wopts)
	if err != nil {
		return err
	}

	pr := &progressReader{
		r:     src.fs.throttle.WrapReader(ctx, r),
		src:   src.p,
		total: st.Size,
		fn:    t.opts.OnProgress,
	}

	n, err := io.Copy(w, pr)
	if err != nil {
		if aw, ok := w.(abortWriter); ok {
			_ = aw.CloseWithError(err)
		} else {
			_ = w.Close()
		}

		return NewPathError(t.op, src.p, err)
	}

	if err := w.Close(); err != nil {
		return NewPathError(t.op, dst.p, err)
	}

	dst.fs.recordBytes(directionStream, n)

	return nil
}

func (t *transfer) buffer(ctx context.Context, src, dst Path) error {
	data, err := src.ReadFile(ctx, ReadFileOptions{})
	if err != nil {
		return err
	}

	var onProgress ProgressFunc
	if t.opts.OnProgress != nil {
		onProgress = func(p Progress) {
			t.opts.OnProgress(Progress{Src: src.p, Current: p.Current, Total: p.Total})
		}
	}

	if err := dst.WriteFile(ctx, data, WriteFileOptions{OnProgress: onProgress}); err != nil {
		return err
	}

	dst.fs.recordBytes(directionBuffer, int64(len(data)))

	return nil
}

func (t *transfer) dir(ctx context.Context, src, dst Path, dstExists bool) error {
	if !dstExists {
		if err := dst.Mkdir(ctx, MkdirOptions{Recursive: true}); err != nil {
			return err
		}
	}

	children, err := src.List(ctx, ListOptions{})
	if err != nil {
		return err
	}

	t.logger.Debug("storage: transferring directory",
		slog.String("src", src.p),
		slog.String("dst", dst.p),
		slog.Int("children", len(children)),
	)

	for _, child := range children {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := t.run(ctx, child, dst.Join(child.Base())); err != nil {
			return err
		}
	}

	if t.move {
		return src.Remove(ctx, RemoveOptions{})
	}

	return nil
}
