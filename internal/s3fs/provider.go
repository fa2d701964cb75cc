package s3fs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/url"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/breadfs/breadfs/internal/storage"
)

// Name is the provider name reported to the storage layer.
const Name = "s3"

const (
	dirContentType = "application/x-directory"
	// deleteBatch is the DeleteObjects per-request limit.
	deleteBatch = 1000
)

// Options configures a Provider.
type Options struct {
	Bucket string
	// Prefix roots the provider at a key prefix inside the bucket.
	Prefix string
}

// Provider is a storage.Provider over one bucket (and optional prefix).
type Provider struct {
	client ObjectAPI
	bucket string
	prefix string
	logger *slog.Logger
}

// New returns a Provider for opts.Bucket. No request is made until first use.
func New(client ObjectAPI, opts Options, logger *slog.Logger) (*Provider, error) {
	if client == nil {
		return nil, errors.New("s3fs: client is required")
	}

	if opts.Bucket == "" {
		return nil, errors.New("s3fs: bucket is required")
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Provider{
		client: client,
		bucket: opts.Bucket,
		prefix: strings.Trim(opts.Prefix, "/"),
		logger: logger.With(slog.String("backend", Name), slog.String("bucket", opts.Bucket)),
	}, nil
}

// Name implements storage.Provider.
func (p *Provider) Name() string { return Name }

// Capabilities implements storage.Provider.
func (p *Provider) Capabilities() storage.Capabilities {
	return storage.Capabilities{Copy: p, Move: p, ListStat: p}
}

// key maps a clean provider path to its object key.
func (p *Provider) key(name string) string {
	rel := strings.TrimPrefix(name, "/")

	switch {
	case p.prefix == "":
		return rel
	case rel == "":
		return p.prefix
	default:
		return p.prefix + "/" + rel
	}
}

// dirKey is the marker key of a directory, which is also the listing prefix
// of its children. The root of an unprefixed bucket is "".
func (p *Provider) dirKey(name string) string {
	k := p.key(name)
	if k == "" {
		return ""
	}

	return k + "/"
}

// pathOf maps an object key or common prefix back to a provider path.
func (p *Provider) pathOf(key string) string {
	rel := strings.TrimPrefix(key, p.prefix)

	return storage.CleanPath("/" + strings.Trim(rel, "/"))
}

func (p *Provider) stat(ctx context.Context, name string) (*storage.FileStat, error) {
	if name == "/" {
		return &storage.FileStat{Path: name, Size: storage.UnknownSize, Kind: storage.KindDir}, nil
	}

	head, err := p.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(p.key(name)),
	})
	if err == nil {
		return &storage.FileStat{
			Path:      name,
			Size:      aws.ToInt64(head.ContentLength),
			Kind:      storage.KindFile,
			ModTime:   aws.ToTime(head.LastModified),
			BirthTime: aws.ToTime(head.LastModified),
		}, nil
	}

	if err := mapErr(err); !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	ok, err := p.dirExists(ctx, name)
	if err != nil {
		return nil, err
	}

	if !ok {
		return nil, storage.ErrNotFound
	}

	return &storage.FileStat{Path: name, Size: storage.UnknownSize, Kind: storage.KindDir}, nil
}

// dirExists reports whether a marker or any key lives under name.
func (p *Provider) dirExists(ctx context.Context, name string) (bool, error) {
	out, err := p.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(p.bucket),
		Prefix:  aws.String(p.dirKey(name)),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return false, mapErr(err)
	}

	return len(out.Contents) > 0 || len(out.CommonPrefixes) > 0, nil
}

// Stat implements storage.Provider.
func (p *Provider) Stat(ctx context.Context, name string) (*storage.FileStat, error) {
	name = storage.CleanPath(name)

	st, err := p.stat(ctx, name)
	if err != nil {
		return nil, storage.NewPathError("stat", name, err)
	}

	return st, nil
}

// Exists implements storage.Provider.
func (p *Provider) Exists(ctx context.Context, name string) bool {
	_, err := p.Stat(ctx, name)

	return err == nil
}

func (p *Provider) requireDir(ctx context.Context, name string) error {
	st, err := p.stat(ctx, name)
	if err != nil {
		return err
	}

	if !st.IsDir() {
		return storage.ErrNotDirectory
	}

	return nil
}

func (p *Provider) requireFile(ctx context.Context, name string) (*storage.FileStat, error) {
	st, err := p.stat(ctx, name)
	if err != nil {
		return nil, err
	}

	if st.IsDir() {
		return nil, storage.ErrIsDirectory
	}

	return st, nil
}

// Mkdir implements storage.Provider by writing a marker object. An implied
// directory gets a marker too, so it survives the removal of its last child.
func (p *Provider) Mkdir(ctx context.Context, name string, opts storage.MkdirOptions) error {
	name = storage.CleanPath(name)

	if err := p.mkdir(ctx, name, opts.Recursive); err != nil {
		return storage.NewPathError("mkdir", name, err)
	}

	return nil
}

func (p *Provider) mkdir(ctx context.Context, name string, recursive bool) error {
	if name == "/" {
		if recursive {
			return nil
		}

		return storage.ErrAlreadyExists
	}

	if !recursive {
		st, err := p.stat(ctx, name)
		switch {
		case err == nil && st.IsDir():
			return storage.ErrAlreadyExists
		case err == nil:
			return storage.ErrNotDirectory
		case !errors.Is(err, storage.ErrNotFound):
			return err
		}

		parent, _ := storage.SplitParent(name)
		if err := p.requireDir(ctx, parent); err != nil {
			return err
		}

		return p.putMarker(ctx, name)
	}

	cur := "/"

	for _, seg := range storage.SplitPath(name) {
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

		if err := p.putMarker(ctx, cur); err != nil {
			return err
		}
	}

	return nil
}

func (p *Provider) putMarker(ctx context.Context, name string) error {
	_, err := p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(p.bucket),
		Key:           aws.String(p.dirKey(name)),
		Body:          bytes.NewReader(nil),
		ContentLength: aws.Int64(0),
		ContentType:   aws.String(dirContentType),
	})

	return mapErr(err)
}

// prepareWrite checks that name can be written as a file. S3 would happily
// create the object without a parent, so the check is done here.
func (p *Provider) prepareWrite(ctx context.Context, name string) error {
	if name == "/" {
		return storage.ErrIsDirectory
	}

	parent, _ := storage.SplitParent(name)
	if err := p.requireDir(ctx, parent); err != nil {
		return err
	}

	st, err := p.stat(ctx, name)
	if err == nil && st.IsDir() {
		return storage.ErrIsDirectory
	}

	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	return nil
}

// WriteFile implements storage.Provider.
func (p *Provider) WriteFile(ctx context.Context, name string, data []byte, opts storage.WriteFileOptions) error {
	name = storage.CleanPath(name)

	if err := p.prepareWrite(ctx, name); err != nil {
		return storage.NewPathError("write", name, err)
	}

	if err := p.put(ctx, name, data); err != nil {
		return storage.NewPathError("write", name, err)
	}

	opts.OnProgress.Report(name, int64(len(data)), int64(len(data)))

	return nil
}

func (p *Provider) put(ctx context.Context, name string, data []byte) error {
	in := &s3.PutObjectInput{
		Bucket:        aws.String(p.bucket),
		Key:           aws.String(p.key(name)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	}

	if ct := mime.TypeByExtension(path.Ext(name)); ct != "" {
		in.ContentType = aws.String(ct)
	}

	_, err := p.client.PutObject(ctx, in)

	return mapErr(err)
}

// OpenWriter implements storage.Provider. PutObject needs a seekable body
// for request signing, so the content is buffered and sent on Close.
func (p *Provider) OpenWriter(ctx context.Context, name string, opts storage.WriteStreamOptions) (io.WriteCloser, error) {
	name = storage.CleanPath(name)

	if err := p.prepareWrite(ctx, name); err != nil {
		return nil, storage.NewPathError("write", name, err)
	}

	return &bufferedWriter{ctx: ctx, provider: p, path: name, expected: opts.ContentLength}, nil
}

type bufferedWriter struct {
	ctx      context.Context
	provider *Provider
	path     string
	expected int64
	buf      bytes.Buffer
	done     bool
}

func (w *bufferedWriter) Write(b []byte) (int, error) {
	if w.done {
		return 0, storage.NewPathError("write", w.path, errors.New("write after close"))
	}

	return w.buf.Write(b)
}

// Close uploads the buffered content.
func (w *bufferedWriter) Close() error {
	if w.done {
		return nil
	}

	w.done = true

	if w.expected > 0 && int64(w.buf.Len()) != w.expected {
		return storage.NewPathError("write", w.path,
			fmt.Errorf("%w: wrote %d of %d bytes", storage.ErrSizeMismatch, w.buf.Len(), w.expected))
	}

	return storage.NewPathError("write", w.path, w.provider.put(w.ctx, w.path, w.buf.Bytes()))
}

// CloseWithError discards the buffer without uploading.
func (w *bufferedWriter) CloseWithError(error) error {
	w.done = true
	w.buf.Reset()

	return nil
}

func (p *Provider) get(ctx context.Context, name string) (*s3.GetObjectOutput, error) {
	out, err := p.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(p.key(name)),
	})
	if err != nil {
		return nil, mapErr(err)
	}

	return out, nil
}

// OpenReader implements storage.Provider.
func (p *Provider) OpenReader(ctx context.Context, name string) (io.ReadCloser, error) {
	name = storage.CleanPath(name)

	if _, err := p.requireFile(ctx, name); err != nil {
		return nil, storage.NewPathError("open", name, err)
	}

	out, err := p.get(ctx, name)
	if err != nil {
		return nil, storage.NewPathError("open", name, err)
	}

	return out.Body, nil
}

// ReadFile implements storage.Provider.
func (p *Provider) ReadFile(ctx context.Context, name string, opts storage.ReadFileOptions) ([]byte, error) {
	name = storage.CleanPath(name)

	st, err := p.requireFile(ctx, name)
	if err != nil {
		return nil, storage.NewPathError("read", name, err)
	}

	out, err := p.get(ctx, name)
	if err != nil {
		return nil, storage.NewPathError("read", name, err)
	}
	defer out.Body.Close()

	data, err := readAll(out.Body, name, st.Size, opts.OnProgress)
	if err != nil {
		return nil, storage.NewPathError("read", name, err)
	}

	return data, nil
}

// Remove implements storage.Provider. A directory is removed by deleting
// every key under its prefix, marker included.
func (p *Provider) Remove(ctx context.Context, name string, opts storage.RemoveOptions) error {
	name = storage.CleanPath(name)

	if name == "/" {
		return storage.NewPathError("remove", name, storage.ErrUnsupported)
	}

	st, err := p.stat(ctx, name)
	if errors.Is(err, storage.ErrNotFound) && opts.Force() {
		return nil
	}

	if err != nil {
		return storage.NewPathError("remove", name, err)
	}

	if !st.IsDir() {
		_, err := p.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(p.bucket),
			Key:    aws.String(p.key(name)),
		})

		return storage.NewPathError("remove", name, mapErr(err))
	}

	keys, err := p.keysUnder(ctx, name)
	if err != nil {
		return storage.NewPathError("remove", name, err)
	}

	if !opts.Recursive() {
		marker := p.dirKey(name)
		for _, k := range keys {
			if k != marker {
				return storage.NewPathError("remove", name, storage.ErrNotEmpty)
			}
		}
	}

	p.logger.Debug("s3fs: removing prefix",
		slog.String("path", name),
		slog.Int("objects", len(keys)),
	)

	return storage.NewPathError("remove", name, p.deleteKeys(ctx, keys))
}

// keysUnder returns every key below the directory name, following
// continuation tokens.
func (p *Provider) keysUnder(ctx context.Context, name string) ([]string, error) {
	pager := s3.NewListObjectsV2Paginator(p.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(p.bucket),
		Prefix: aws.String(p.dirKey(name)),
	})

	var keys []string

	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, mapErr(err)
		}

		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}

	return keys, nil
}

func (p *Provider) deleteKeys(ctx context.Context, keys []string) error {
	for start := 0; start < len(keys); start += deleteBatch {
		batch := keys[start:min(len(keys), start+deleteBatch)]

		ids := make([]types.ObjectIdentifier, len(batch))
		for i, k := range batch {
			ids[i] = types.ObjectIdentifier{Key: aws.String(k)}
		}

		out, err := p.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(p.bucket),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return mapErr(err)
		}

		if len(out.Errors) > 0 {
			first := out.Errors[0]

			return fmt.Errorf("s3fs: %d of %d deletes failed, first %s: %s %s",
				len(out.Errors), len(batch), aws.ToString(first.Key),
				aws.ToString(first.Code), aws.ToString(first.Message))
		}
	}

	return nil
}

// List implements storage.Provider.
func (p *Provider) List(ctx context.Context, name string, opts storage.ListOptions) ([]string, error) {
	stats, err := p.ListStat(ctx, name, opts)
	if err != nil {
		return nil, err
	}

	out := make([]string, len(stats))
	for i, st := range stats {
		out[i] = st.Path
	}

	return out, nil
}

// ListStat implements storage.StatLister with delimited listings, one per
// directory visited.
func (p *Provider) ListStat(ctx context.Context, name string, opts storage.ListOptions) ([]*storage.FileStat, error) {
	name = storage.CleanPath(name)

	if err := p.requireDir(ctx, name); err != nil {
		return nil, storage.NewPathError("list", name, err)
	}

	var out []*storage.FileStat
	if err := p.walk(ctx, name, opts.Recursive, &out); err != nil {
		return nil, storage.NewPathError("list", name, err)
	}

	return out, nil
}

func (p *Provider) walk(ctx context.Context, dir string, recursive bool, out *[]*storage.FileStat) error {
	children, err := p.children(ctx, dir)
	if err != nil {
		return err
	}

	for _, st := range children {
		*out = append(*out, st)

		if recursive && st.IsDir() {
			if err := p.walk(ctx, st.Path, true, out); err != nil {
				return err
			}
		}
	}

	return nil
}

// children lists the direct entries of dir. Files come back before
// sub-directories within each page; the result is not otherwise reordered.
func (p *Provider) children(ctx context.Context, dir string) ([]*storage.FileStat, error) {
	prefix := p.dirKey(dir)

	pager := s3.NewListObjectsV2Paginator(p.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(p.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})

	var out []*storage.FileStat

	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, mapErr(err)
		}

		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if key == prefix || strings.TrimPrefix(key, prefix) == "" {
				continue
			}

			out = append(out, &storage.FileStat{
				Path:      p.pathOf(key),
				Size:      aws.ToInt64(obj.Size),
				Kind:      storage.KindFile,
				ModTime:   aws.ToTime(obj.LastModified),
				BirthTime: aws.ToTime(obj.LastModified),
			})
		}

		for _, cp := range page.CommonPrefixes {
			sub := aws.ToString(cp.Prefix)
			if strings.Trim(strings.TrimPrefix(sub, prefix), "/") == "" {
				continue
			}

			out = append(out, &storage.FileStat{
				Path: p.pathOf(sub),
				Size: storage.UnknownSize,
				Kind: storage.KindDir,
			})
		}
	}

	return out, nil
}

// Copy implements storage.Copier with server-side CopyObject.
func (p *Provider) Copy(ctx context.Context, src, dst string, overwrite bool) error {
	return p.transfer(ctx, storage.CleanPath(src), storage.CleanPath(dst), overwrite, false)
}

// Move implements storage.Mover. S3 has no rename, so a move is a
// server-side copy followed by deleting the source.
func (p *Provider) Move(ctx context.Context, src, dst string, overwrite bool) error {
	return p.transfer(ctx, storage.CleanPath(src), storage.CleanPath(dst), overwrite, true)
}

func (p *Provider) transfer(ctx context.Context, src, dst string, overwrite, move bool) error {
	op := "copy"
	if move {
		op = "move"
	}

	if src == dst {
		return nil
	}

	if src == "/" || strings.HasPrefix(dst, src+"/") {
		return storage.NewPathError(op, dst, fmt.Errorf("%w: destination inside source", storage.ErrUnsupported))
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
		}
	} else {
		parent, _ := storage.SplitParent(dst)
		if err := p.requireDir(ctx, parent); err != nil {
			return storage.NewPathError(op, dst, err)
		}
	}

	if srcStat.IsDir() {
		return p.transferDir(ctx, src, dst, dstStat != nil, move)
	}

	if err := p.copyObject(ctx, p.key(src), p.key(dst)); err != nil {
		return storage.NewPathError(op, src, err)
	}

	if move {
		_, err := p.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(p.bucket),
			Key:    aws.String(p.key(src)),
		})
		if err != nil {
			return storage.NewPathError(op, src, mapErr(err))
		}
	}

	return nil
}

// transferDir copies every key under src to the same relative key under
// dst, merging into an existing destination.
func (p *Provider) transferDir(ctx context.Context, src, dst string, dstExists, move bool) error {
	op := "copy"
	if move {
		op = "move"
	}

	keys, err := p.keysUnder(ctx, src)
	if err != nil {
		return storage.NewPathError(op, src, err)
	}

	if !dstExists {
		if err := p.putMarker(ctx, dst); err != nil {
			return storage.NewPathError(op, dst, err)
		}
	}

	srcPrefix, dstPrefix := p.dirKey(src), p.dirKey(dst)

	p.logger.Debug("s3fs: server-side "+op,
		slog.String("src", src),
		slog.String("dst", dst),
		slog.Int("objects", len(keys)),
	)

	for _, k := range keys {
		if k == srcPrefix {
			continue
		}

		if err := p.copyObject(ctx, k, dstPrefix+strings.TrimPrefix(k, srcPrefix)); err != nil {
			return storage.NewPathError(op, p.pathOf(k), err)
		}
	}

	if move {
		return storage.NewPathError(op, src, p.deleteKeys(ctx, keys))
	}

	return nil
}

func (p *Provider) copyObject(ctx context.Context, srcKey, dstKey string) error {
	_, err := p.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(p.bucket),
		CopySource: aws.String(copySource(p.bucket, srcKey)),
		Key:        aws.String(dstKey),
	})

	return mapErr(err)
}

// copySource formats the URL-encoded "bucket/key" form CopyObject expects.
func copySource(bucket, key string) string {
	segs := strings.Split(key, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}

	return bucket + "/" + strings.Join(segs, "/")
}

// mapErr translates missing-object errors into storage.ErrNotFound, keeping
// the SDK error in the chain.
func mapErr(err error) error {
	if err == nil {
		return nil
	}

	var (
		nsk      *types.NoSuchKey
		notFound *types.NotFound
		apiErr   smithy.APIError
	)

	switch {
	case errors.As(err, &nsk), errors.As(err, &notFound):
		return fmt.Errorf("%w: %w", storage.ErrNotFound, err)
	case errors.As(err, &apiErr) && (apiErr.ErrorCode() == "NoSuchKey" || apiErr.ErrorCode() == "NotFound"):
		return fmt.Errorf("%w: %w", storage.ErrNotFound, err)
	default:
		return err
	}
}

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
