package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"golang.org/x/oauth2"

	"github.com/breadfs/breadfs/internal/aferofs"
	"github.com/breadfs/breadfs/internal/alipan"
	"github.com/breadfs/breadfs/internal/config"
	"github.com/breadfs/breadfs/internal/s3fs"
	"github.com/breadfs/breadfs/internal/storage"
	"github.com/breadfs/breadfs/internal/tokenfile"
	"github.com/breadfs/breadfs/internal/webdav"
)

// hostBackend is the backend a target without a "name:" prefix refers to.
const hostBackend = "local"

// metaSeed records which configured refresh token a token file descends
// from. When the configured token changes, the stored chain is abandoned.
const metaSeed = "seed"

// target is a parsed "backend:/path" argument.
type target struct {
	backend string
	path    string
}

// parseTarget splits a CLI argument into backend name and path. A prefix
// only counts as a backend name when it contains no path separator, so
// "./a:b" and "/tmp/x:y" stay host paths. Host paths are made absolute
// against the working directory.
func parseTarget(arg string) (target, error) {
	if arg == "" {
		return target{}, usageErrorf("empty path")
	}

	if name, rest, ok := strings.Cut(arg, ":"); ok && name != "" && !strings.ContainsAny(name, `/\`) {
		return target{backend: name, path: storage.CleanPath(rest)}, nil
	}

	abs, err := filepath.Abs(arg)
	if err != nil {
		return target{}, fmt.Errorf("resolving %q: %w", arg, err)
	}

	return target{backend: hostBackend, path: storage.CleanPath(filepath.ToSlash(abs))}, nil
}

// hostPath resolves a put/get local argument on the host filesystem.
func hostPath(fsys *storage.FS, arg string) (storage.Path, error) {
	abs, err := filepath.Abs(arg)
	if err != nil {
		return storage.Path{}, fmt.Errorf("resolving %q: %w", arg, err)
	}

	return fsys.Path(filepath.ToSlash(abs)), nil
}

// closerFunc adapts a function to io.Closer.
type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// openProvider builds the provider for one backend section. The returned
// closer, when non-nil, must run before the process exits.
func (s *session) openProvider(ctx context.Context, name string, b config.Backend) (storage.Provider, closerFunc, error) {
	logger := s.logger.With(slog.String("backend_name", name))

	switch b.Type {
	case config.TypeLocal:
		p, err := aferofs.NewLocal(config.ExpandHome(b.Root), logger)
		return p, nil, err
	case config.TypeMemory:
		return aferofs.NewMemory(logger), nil, nil
	case config.TypeWebDAV:
		return s.openWebDAV(ctx, b, logger)
	case config.TypeS3:
		return s.openS3(ctx, b, logger)
	case config.TypeAlipan:
		return s.openAlipan(name, b, logger)
	default:
		return nil, nil, fmt.Errorf("unsupported backend type %q", b.Type)
	}
}

func (s *session) openWebDAV(ctx context.Context, b config.Backend, logger *slog.Logger) (storage.Provider, closerFunc, error) {
	p, err := webdav.New(webdav.Options{
		URL:       b.URL,
		Username:  b.Username,
		Password:  b.Password,
		Transport: s.httpClient.Transport,
	}, logger)
	if err != nil {
		return nil, nil, err
	}

	if err := p.Connect(ctx); err != nil {
		return nil, nil, err
	}

	return p, nil, nil
}

func (s *session) openS3(ctx context.Context, b config.Backend, logger *slog.Logger) (storage.Provider, closerFunc, error) {
	client, err := s3fs.NewClient(ctx, s3fs.Config{
		Region:     b.Region,
		Endpoint:   b.Endpoint,
		AccessKey:  b.AccessKey,
		SecretKey:  b.SecretKey,
		PathStyle:  b.PathStyle,
		HTTPClient: s.httpClient,
	})
	if err != nil {
		return nil, nil, err
	}

	p, err := s3fs.New(client, s3fs.Options{Bucket: b.Bucket, Prefix: b.Prefix}, logger)
	if err != nil {
		return nil, nil, err
	}

	return p, nil, nil
}

// openAlipan wires the provider to its token file. Refresh tokens rotate on
// every exchange, so the newest pair lives in the token file, not the
// config; the configured token only seeds the chain.
func (s *session) openAlipan(name string, b config.Backend, logger *slog.Logger) (storage.Provider, closerFunc, error) {
	path := config.ExpandHome(b.TokenFile)
	if path == "" {
		path = tokenfile.PathFor(config.DefaultDataDir(), name)
	}

	store := tokenfile.NewStore(path, logger)

	tok, err := seedToken(store, b, logger)
	if err != nil {
		return nil, nil, err
	}

	p, err := alipan.New(alipan.Options{
		APIURL:         b.APIURL,
		DriveType:      alipan.DriveType(b.DriveType),
		RootFolderID:   b.RootFolderID,
		OrderBy:        alipan.OrderBy(b.OrderBy),
		OrderDirection: alipan.OrderDirection(b.OrderDirection),
		RemoveMethod:   alipan.RemoveMethod(b.RemoveMethod),
		RapidUpload:    b.RapidUpload,
		InternalUpload: b.InternalUpload,
		LivpFormat:     alipan.LivpFormat(b.LivpFormat),
		RefreshMode:    alipan.RefreshMode(b.RefreshMode),
		RefreshToken:   tok.RefreshToken,
		AccessToken:    tok.AccessToken,
		ClientID:       b.ClientID,
		ClientSecret:   b.ClientSecret,
		OnlineAPIURL:   b.OnlineAPIURL,
		OnlineType:     alipan.OnlineType(b.OnlineType),
		OnTokenChange:  store.Persist,
		Recorder:       s.metrics,
	}, s.limits, s.httpClient, logger)
	if err != nil {
		return nil, nil, err
	}

	closer := func() error {
		if driveID, userID := p.Selected(); driveID != "" {
			if err := store.SetMeta(map[string]string{
				tokenfile.MetaDriveID: driveID,
				tokenfile.MetaUserID:  userID,
			}); err != nil {
				logger.Warn("caching drive info failed", slog.String("error", err.Error()))
			}
		}

		return p.Close()
	}

	return p, closer, nil
}

// seedToken picks the token pair to start from: the stored pair when it
// descends from the configured refresh token, the configured pair otherwise.
// A fresh chain is written out immediately so the seed is on record.
func seedToken(store *tokenfile.Store, b config.Backend, logger *slog.Logger) (*oauth2.Token, error) {
	configured := &oauth2.Token{AccessToken: b.AccessToken, RefreshToken: b.RefreshToken}
	seed := tokenSeed(b.RefreshToken)

	stored, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("loading token file: %w", err)
	}

	if stored != nil && store.Meta()[metaSeed] == seed {
		logger.Debug("using stored token", slog.String("path", store.Path()))
		return stored, nil
	}

	if stored != nil {
		logger.Info("configured refresh token changed, discarding stored token",
			slog.String("path", store.Path()),
		)
	}

	if err := store.Save(configured); err != nil {
		return nil, err
	}

	if err := store.SetMeta(map[string]string{metaSeed: seed}); err != nil {
		return nil, err
	}

	return configured, nil
}

// tokenSeed fingerprints a refresh token without storing it a second time.
func tokenSeed(refreshToken string) string {
	sum := sha256.Sum256([]byte(refreshToken))
	return hex.EncodeToString(sum[:8])
}
