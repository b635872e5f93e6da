package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"sharedtab/go-backend/internal/securestore"
)

// Well-known keys used by the coordinator and identity bootstrap.
const (
	KeyIdentity = "identity"
	KeySnapshot = "snapshot"
)

var (
	ErrInvalidKey = errors.New("storage: invalid key")

	keyPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)
)

// Store is the daemon's durable key-value store: one file per key under the
// data directory, encrypted with the configured secret when one is set.
// Loaded bytes are never authoritative; anything read back is only a merge
// candidate for the coordinator.
type Store struct {
	dir    string
	secret string
}

func New(dir, secret string) *Store {
	return &Store{dir: dir, secret: strings.TrimSpace(secret)}
}

// Load returns the stored bytes for key, reporting absence without error.
func (s *Store) Load(key string) ([]byte, bool, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, false, err
	}
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if s.secret == "" {
		return raw, true, nil
	}
	plain, err := securestore.Open(s.secret, raw)
	if err != nil {
		return nil, false, fmt.Errorf("storage: decrypt %s: %w", key, err)
	}
	return plain, true, nil
}

func (s *Store) Save(key string, value []byte) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	out := value
	if s.secret != "" {
		out, err = securestore.Seal(s.secret, value)
		if err != nil {
			return err
		}
	}
	// Write-then-rename so a crash never leaves a half-written value.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *Store) Delete(key string) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	err = os.Remove(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (s *Store) path(key string) (string, error) {
	if !keyPattern.MatchString(key) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return filepath.Join(s.dir, key+".dat"), nil
}
