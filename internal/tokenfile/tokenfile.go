// Package tokenfile persists OAuth tokens for backends whose refresh tokens
// rotate on every exchange. A rotated token that is not written back is lost,
// so Store.Persist is wired as the provider's token-change callback.
package tokenfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// FilePerms restricts token files to owner-only read/write.
const FilePerms = 0o600

// DirPerms is used when creating the tokens directory.
const DirPerms = 0o700

// Metadata keys cached next to the token.
const (
	MetaDriveID = "drive_id"
	MetaUserID  = "user_id"
)

// File is the on-disk format.
type File struct {
	Token   *oauth2.Token     `json:"token"`
	Meta    map[string]string `json:"meta,omitempty"`
	SavedAt time.Time         `json:"saved_at"`
}

// PathFor returns the token file location for a named backend.
func PathFor(dataDir, backend string) string {
	return filepath.Join(dataDir, "tokens", backend+".json")
}

// Load reads a token file. It returns (nil, nil, nil) when the file does not
// exist so callers can fall back to the configured token.
func Load(path string) (*oauth2.Token, map[string]string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil, nil //nolint:nilnil // absent file is not an error
	}

	if err != nil {
		return nil, nil, fmt.Errorf("tokenfile: reading %s: %w", path, err)
	}

	var tf File
	if err := json.Unmarshal(data, &tf); err != nil {
		return nil, nil, fmt.Errorf("tokenfile: decoding %s: %w", path, err)
	}

	if tf.Token == nil {
		return nil, nil, fmt.Errorf("tokenfile: %s missing token field", path)
	}

	if tf.Token.RefreshToken == "" && tf.Token.AccessToken == "" {
		return nil, nil, fmt.Errorf("tokenfile: %s has empty credentials", path)
	}

	return tf.Token, tf.Meta, nil
}

// Save writes a token file atomically (temp file plus rename) with 0600
// permissions. Token values are never logged.
func Save(path string, tok *oauth2.Token, meta map[string]string) error {
	if tok == nil {
		return errors.New("tokenfile: refusing to save nil token")
	}

	data, err := json.MarshalIndent(File{Token: tok, Meta: meta, SavedAt: time.Now().UTC()}, "", "  ")
	if err != nil {
		return fmt.Errorf("tokenfile: encoding: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, DirPerms); err != nil {
		return fmt.Errorf("tokenfile: creating directory %s: %w", dir, err)
	}

	// Same directory keeps the rename on one filesystem.
	tmp, err := os.CreateTemp(dir, ".token-*.tmp")
	if err != nil {
		return fmt.Errorf("tokenfile: creating temp file: %w", err)
	}

	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := os.Chmod(tmpPath, FilePerms); err != nil {
		tmp.Close()
		return fmt.Errorf("tokenfile: setting permissions: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("tokenfile: writing: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("tokenfile: syncing: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("tokenfile: closing: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("tokenfile: renaming: %w", err)
	}

	success = true

	return nil
}

// Store is the token file of one backend. Its methods are safe for
// concurrent use.
type Store struct {
	path   string
	logger *slog.Logger

	mu   sync.Mutex
	meta map[string]string
	last *oauth2.Token
}

// NewStore returns a Store for path. Nothing is read until Load.
func NewStore(path string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}

	return &Store{path: path, logger: logger, meta: map[string]string{}}
}

// Path returns the file location.
func (s *Store) Path() string { return s.path }

// Load reads the stored token and remembers its metadata. A missing file
// returns (nil, nil).
func (s *Store) Load() (*oauth2.Token, error) {
	tok, meta, err := Load(s.path)
	if err != nil || tok == nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.last = tok
	maps.Copy(s.meta, meta)

	return tok, nil
}

// Meta returns a copy of the cached metadata.
func (s *Store) Meta() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return maps.Clone(s.meta)
}

// SetMeta merges kv into the metadata and rewrites the file when a token is
// already held.
func (s *Store) SetMeta(kv map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := false

	for k, v := range kv {
		if s.meta[k] != v {
			s.meta[k] = v
			changed = true
		}
	}

	if !changed || s.last == nil {
		return nil
	}

	return Save(s.path, s.last, s.meta)
}

// Save writes tok with the current metadata.
func (s *Store) Save(tok *oauth2.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := Save(s.path, tok, s.meta); err != nil {
		return err
	}

	s.last = tok

	return nil
}

// Persist saves tok and logs instead of returning a failure. It matches the
// token-change callback signature, which has no error path.
func (s *Store) Persist(tok *oauth2.Token) {
	if err := s.Save(tok); err != nil {
		s.logger.Error("tokenfile: persisting rotated token failed",
			slog.String("path", s.path),
			slog.String("error", err.Error()),
		)

		return
	}

	s.logger.Debug("tokenfile: rotated token saved",
		slog.String("path", s.path),
		slog.Time("expiry", tok.Expiry),
	)
}
