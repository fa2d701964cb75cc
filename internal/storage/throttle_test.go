package storage

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewThrottle_Unlimited(t *testing.T) {
	assert.Nil(t, NewThrottle(0, nil))
	assert.Nil(t, NewThrottle(-5, nil))

	var th *Throttle
	r := bytes.NewReader([]byte("abc"))
	assert.Same(t, io.Reader(r), th.WrapReader(context.Background(), r))
}

func TestThrottle_LimitsThroughput(t *testing.T) {
	// 200 KB/s with a 400 KB burst: reading 500 KB must wait for roughly
	// 100 KB worth of refill, i.e. about half a second.
	th := NewThrottle(200_000, nil)
	require.NotNil(t, th)

	src := bytes.NewReader(make([]byte, 500_000))

	start := time.Now()
	n, err := io.Copy(io.Discard, th.WrapReader(context.Background(), src))
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, int64(500_000), n)
	assert.GreaterOrEqual(t, elapsed, 400*time.Millisecond)
}

func TestThrottle_ContextCanceled(t *testing.T) {
	th := NewThrottle(1_000, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := io.Copy(io.Discard, th.WrapReader(ctx, bytes.NewReader(make([]byte, 10_000))))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestProgressReader_ReportsCumulative(t *testing.T) {
	var got []Progress

	pr := &progressReader{
		r:     bytes.NewReader(make([]byte, 10)),
		src:   "/src",
		total: 10,
		fn:    func(p Progress) { got = append(got, p) },
	}

	buf := make([]byte, 4)
	for {
		if _, err := pr.Read(buf); err != nil {
			break
		}
	}

	require.Len(t, got, 3)
	assert.Equal(t, Progress{Src: "/src", Current: 4, Total: 10}, got[0])
	assert.Equal(t, Progress{Src: "/src", Current: 10, Total: 10}, got[2])
}
