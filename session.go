package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/breadfs/breadfs/internal/aferofs"
	"github.com/breadfs/breadfs/internal/config"
	"github.com/breadfs/breadfs/internal/metrics"
	"github.com/breadfs/breadfs/internal/ratelimit"
	"github.com/breadfs/breadfs/internal/storage"
)

// session owns everything one CLI invocation shares between backends: the
// logger, the metrics registry, the per-account rate limiters, the HTTP
// client and the opened backends themselves.
type session struct {
	cfg    *config.Resolved
	logger *slog.Logger

	promReg     *prometheus.Registry
	metrics     *metrics.Collectors
	metricsPath string
	limits      *ratelimit.Registry
	httpClient  *http.Client
	fsOpts      storage.Options
	logCloser   io.Closer
	cancel      context.CancelFunc

	mu       sync.Mutex
	backends map[string]*storage.FS
	closers  []io.Closer
	host     *storage.FS
}

func newSession(cfg *config.Resolved, logger *slog.Logger, metricsPath string) (*session, error) {
	fallback, ok := storage.ParseFallback(cfg.Transfer.CopyFallback)
	if !ok {
		return nil, fmt.Errorf("unknown copy fallback %q", cfg.Transfer.CopyFallback)
	}

	bwlimit, err := config.ParseSize(cfg.Transfer.BandwidthLimit)
	if err != nil {
		return nil, fmt.Errorf("transfer.bandwidth_limit: %w", err)
	}

	httpClient, err := newHTTPClient(cfg.Network)
	if err != nil {
		return nil, err
	}

	promReg := prometheus.NewRegistry()
	collectors := metrics.New(promReg)

	s := &session{
		cfg:         cfg,
		logger:      logger,
		promReg:     promReg,
		metrics:     collectors,
		metricsPath: metricsPath,
		limits:      ratelimit.NewRegistry(ratelimit.DefaultIntervals(), collectors),
		httpClient:  httpClient,
		fsOpts: storage.Options{
			Logger:   logger,
			Fallback: fallback,
			Throttle: storage.NewThrottle(bwlimit, logger),
			Recorder: collectors,
		},
		backends: make(map[string]*storage.FS),
	}

	logger.Debug("session opened",
		slog.String("config", cfg.Path),
		slog.String("fallback", fallback.String()),
		slog.Int64("bandwidth_limit", bwlimit),
	)

	return s, nil
}

// newHTTPClient builds the client shared by the remote backends. The request
// timeout bounds the wait for response headers rather than the whole
// exchange, so long downloads are not cut off.
func newHTTPClient(n config.NetworkConfig) (*http.Client, error) {
	connect, err := time.ParseDuration(n.ConnectTimeout)
	if err != nil {
		return nil, fmt.Errorf("network.connect_timeout: %w", err)
	}

	request, err := time.ParseDuration(n.RequestTimeout)
	if err != nil {
		return nil, fmt.Errorf("network.request_timeout: %w", err)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{Timeout: connect, KeepAlive: 30 * time.Second}).DialContext
	transport.TLSHandshakeTimeout = connect
	transport.ResponseHeaderTimeout = request

	if n.ForceHTTP11 {
		transport.ForceAttemptHTTP2 = false
		transport.TLSNextProto = map[string]func(string, *tls.Conn) http.RoundTripper{}
	}

	return &http.Client{Transport: transport}, nil
}

// backend returns the named backend, opening it on first use. Repeated calls
// return the same *storage.FS, which is what lets same-backend copies take
// the provider's native path.
func (s *session) backend(ctx context.Context, name string) (*storage.FS, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if fsys, ok := s.backends[name]; ok {
		return fsys, nil
	}

	b, err := s.cfg.Backend(name)
	if err != nil {
		return nil, err
	}

	provider, closer, err := s.openProvider(ctx, name, b)
	if err != nil {
		return nil, fmt.Errorf("opening backend %q: %w", name, err)
	}

	if closer != nil {
		s.closers = append(s.closers, closer)
	}

	fsys := storage.New(provider, s.withBackendLogger(name))
	s.backends[name] = fsys

	s.logger.Debug("backend opened",
		slog.String("name", name),
		slog.String("type", b.Type),
	)

	return fsys, nil
}

// hostFS is the unrooted local filesystem used by put and get. It stays
// separate from any configured "local" backend so a rooted override cannot
// change what a bare host path means.
func (s *session) hostFS() (*storage.FS, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.host != nil {
		return s.host, nil
	}

	p, err := aferofs.NewLocal("/", s.logger)
	if err != nil {
		return nil, err
	}

	s.host = storage.New(p, s.withBackendLogger("host"))

	return s.host, nil
}

func (s *session) withBackendLogger(name string) storage.Options {
	opts := s.fsOpts
	opts.Logger = s.logger.With(slog.String("backend_name", name))

	return opts
}

// resolve turns a CLI target into a Path on its backend.
func (s *session) resolve(ctx context.Context, arg string) (storage.Path, error) {
	t, err := parseTarget(arg)
	if err != nil {
		return storage.Path{}, err
	}

	fsys, err := s.backend(ctx, t.backend)
	if err != nil {
		return storage.Path{}, err
	}

	return fsys.Path(t.path), nil
}

// Close releases every opened backend and writes the metrics textfile when
// one was requested. All failures are reported.
func (s *session) Close() error {
	if s.cancel != nil {
		s.cancel()
	}

	s.mu.Lock()
	closers := s.closers
	s.closers = nil
	s.mu.Unlock()

	var errs []error

	for _, c := range closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if s.metricsPath != "" {
		if err := metrics.WriteTextfile(s.metricsPath, s.promReg); err != nil {
			errs = append(errs, err)
		} else {
			s.logger.Debug("metrics written", slog.String("path", s.metricsPath))
		}
	}

	if s.logCloser != nil {
		if err := s.logCloser.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing log file: %w", err))
		}
	}

	return errors.Join(errs...)
}
