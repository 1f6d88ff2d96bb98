// Package tokencache persists account credential blobs between runs so
// the bridge can reuse a session instead of re-authenticating, which the
// vendor cloud rate-limits.
package tokencache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotFound reports that no cached credential exists for the account.
// Callers treat it as "log in fresh", never as a failure.
var ErrNotFound = errors.New("cached credential not found")

// Store reads and writes one opaque credential blob per account.
type Store interface {
	Load(ctx context.Context, account string) ([]byte, error)
	Save(ctx context.Context, account string, data []byte) error
}

// FileStore keeps one file per account email under a fixed directory.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("cache directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Load returns the stored blob. A missing or unreadable file degrades to
// ErrNotFound; corruption is treated the same as absence.
func (s *FileStore) Load(_ context.Context, account string) ([]byte, error) {
	data, err := os.ReadFile(s.path(account))
	if err != nil {
		return nil, ErrNotFound
	}
	if len(data) == 0 {
		return nil, ErrNotFound
	}
	return data, nil
}

func (s *FileStore) Save(_ context.Context, account string, data []byte) error {
	path := s.path(account)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write credential: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("write credential: %w", err)
	}
	return nil
}

func (s *FileStore) path(account string) string {
	// Account emails can contain path separators in theory; flatten them.
	name := strings.NewReplacer("/", "_", string(os.PathSeparator), "_").Replace(account)
	return filepath.Join(s.dir, name)
}
