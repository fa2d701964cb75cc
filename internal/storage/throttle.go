package storage

import (
	"context"
	"io"
	"log/slog"

	"golang.org/x/time/rate"
)

// burstMultiplier sizes the token bucket relative to the per-second rate so a
// short stall can be made up on the next read without exceeding the limit.
const burstMultiplier = 2

// Throttle caps aggregate stream-copy throughput. One Throttle is shared by
// every transfer of an FS. A nil *Throttle means unlimited.
type Throttle struct {
	limiter *rate.Limiter
}

// NewThrottle returns a throttle for bytesPerSec, or nil when bytesPerSec <= 0.
func NewThrottle(bytesPerSec int64, logger *slog.Logger) *Throttle {
	if bytesPerSec <= 0 {
		return nil
	}

	if logger == nil {
		logger = slog.Default()
	}

	burst := int(bytesPerSec) * burstMultiplier

	logger.Info("storage: throttle created",
		slog.Int64("bytes_per_sec", bytesPerSec),
		slog.Int("burst", burst),
	)

	return &Throttle{limiter: rate.NewLimiter(rate.Limit(bytesPerSec), burst)}
}

// WrapReader returns a rate-limited reader. A nil Throttle returns r unchanged.
func (t *Throttle) WrapReader(ctx context.Context, r io.Reader) io.Reader {
	if t == nil {
		return r
	}

	return &throttledReader{ctx: ctx, r: r, limiter: t.limiter}
}

type throttledReader struct {
	ctx     context.Context
	r       io.Reader
	limiter *rate.Limiter
}

func (tr *throttledReader) Read(p []byte) (int, error) {
	n, err := tr.r.Read(p)
	if n > 0 {
		if waitErr := waitN(tr.ctx, tr.limiter, n); waitErr != nil {
			return n, waitErr
		}
	}

	return n, err
}

// waitN splits n into burst-sized requests; rate.Limiter.WaitN rejects
// anything larger than the burst.
func waitN(ctx context.Context, limiter *rate.Limiter, n int) error {
	burst := limiter.Burst()

	for n > 0 {
		take := min(n, burst)

		if err := limiter.WaitN(ctx, take); err != nil {
			return err
		}

		n -= take
	}

	return nil
}

// progressReader reports cumulative bytes after every read.
type progressReader struct {
	r       io.Reader
	src     string
	total   int64
	current int64
	fn      ProgressFunc
}

func (pr *progressReader) Read(p []byte) (int, error) {
	n, err := pr.r.Read(p)
	if n > 0 {
		pr.current += int64(n)
		pr.fn.Report(pr.src, pr.current, pr.total)
	}

	return n, err
}
