// Package session persists browser login state between runs, one
// storage-state file per host.
package session

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Store reads and writes storage-state files under a directory.
type Store struct {
	dir    string
	logger *zap.Logger
}

// NewStore returns a store rooted at dir. The directory is created lazily on
// the first Save.
func NewStore(dir string, logger *zap.Logger) *Store {
	return &Store{dir: dir, logger: logger.Named("session")}
}

// Path returns the file that holds the state for rawURL's host.
func (s *Store) Path(rawURL string) (string, error) {
	host, err := hostKey(rawURL)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.dir, host+".json"), nil
}

// Load returns the saved state for rawURL's host, or nil when none exists.
func (s *Store) Load(rawURL string) (*schemas.StorageState, error) {
	path, err := s.Path(rawURL)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		s.logger.Debug("No saved session for host.", zap.String("path", path))
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session file %s: %w", path, err)
	}

	var state schemas.StorageState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to parse session file %s: %w", path, err)
	}
	s.logger.Info("Loaded saved session.",
		zap.String("path", path),
		zap.Int("cookies", len(state.Cookies)),
		zap.Int("origins", len(state.Origins)))
	return &state, nil
}

// Save writes state for rawURL's host, replacing any earlier file.
func (s *Store) Save(rawURL string, state *schemas.StorageState) error {
	if state == nil {
		return errors.New("cannot save a nil storage state")
	}
	path, err := s.Path(rawURL)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode storage state: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, ".session-*")
	if err != nil {
		return fmt.Errorf("failed to create temp session file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write session file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close session file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to move session file into place: %w", err)
	}

	s.logger.Info("Saved session.", zap.String("path", path), zap.Int("cookies", len(state.Cookies)))
	return nil
}

// hostKey turns a URL into a file-name-safe host key. A leading "www." is
// dropped so both forms share one file.
func hostKey(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid url %q: %w", rawURL, err)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", fmt.Errorf("url %q has no host", rawURL)
	}
	host = strings.TrimPrefix(host, "www.")
	return strings.ReplaceAll(host, ":", "_"), nil
}
