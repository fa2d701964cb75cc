package alipan

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/breadfs/breadfs/internal/ratelimit"
	"github.com/breadfs/breadfs/internal/storage"
)

const (
	downloadURLExpiry  = 4 * 60 * 60
	directionDownload  = "download"
	downloadReadBuffer = 256 * kib
)

// downloadURL returns a pre-signed URL for it. Live Photo containers have no
// plain URL and use the stream in the configured format instead.
func (p *Provider) downloadURL(ctx context.Context, driveID string, it *fileItem) (string, error) {
	var out downloadURLResponse
	if err := p.call(ctx, ratelimit.ClassLink, endpointDownloadURL, downloadURLRequest{
		DriveID:   driveID,
		FileID:    it.FileID,
		ExpireSec: downloadURLExpiry,
	}, &out); err != nil {
		return "", err
	}

	u := out.URL
	if u == "" && isLivp(it.displayName()) {
		u = out.StreamsURL[string(p.opts.LivpFormat)]
	}

	if u == "" {
		return "", ErrNoDownloadURL
	}

	return u, nil
}

// openDownload resolves path to a file and opens its content.
func (p *Provider) openDownload(ctx context.Context, path string) (*http.Response, error) {
	driveID, err := p.ensureReady(ctx)
	if err != nil {
		return nil, err
	}

	it, err := p.resolve(ctx, driveID, path)
	if err != nil {
		return nil, err
	}

	if it.isFolder() {
		return nil, storage.ErrIsDirectory
	}

	u, err := p.downloadURL(ctx, driveID, it)
	if err != nil {
		return nil, err
	}

	resp, err := p.fetch(ctx, http.MethodGet, u, nil, 0)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		resp.Body.Close()

		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Endpoint:   "download",
			Message:    http.StatusText(resp.StatusCode),
			Err:        classifyStatus(resp.StatusCode),
		}
	}

	p.logger.Debug("alipan: download opened",
		slog.String("path", path),
		slog.Int64("content_length", resp.ContentLength),
	)

	return resp, nil
}

// readAll drains r, reporting progress against total (which may be
// unknown) after every read.
func readAll(r io.Reader, src string, total int64, onProgress storage.ProgressFunc) ([]byte, error) {
	var (
		out []byte
		buf = make([]byte, downloadReadBuffer)
	)

	if total > 0 {
		out = make([]byte, 0, total)
	}

	for {
		n, err := r.Read(buf)
		if n > 0 {
			out = append(out, buf[:n]...)
			onProgress.Report(src, int64(len(out)), total)
		}

		if err == io.EOF {
			return out, nil
		}

		if err != nil {
			return nil, fmt.Errorf("alipan: reading download: %w", err)
		}
	}
}

// countingBody records downloaded bytes when closed.
type countingBody struct {
	io.ReadCloser
	n      int64
	record func(int64)
}

func (c *countingBody) Read(p []byte) (int, error) {
	n, err := c.ReadCloser.Read(p)
	c.n += int64(n)

	return n, err
}

func (c *countingBody) Close() error {
	c.record(c.n)

	return c.ReadCloser.Close()
}
