package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// FileStore keeps the credit record as a small JSON document on disk.
type FileStore struct {
	path   string
	mu     sync.Mutex
	logger *slog.Logger
}

// NewFile creates a file-backed repository rooted at path.
func NewFile(path string, logger *slog.Logger) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("ledger path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FileStore{path: path, logger: logger}, nil
}

// Path returns the location of the record.
func (s *FileStore) Path() string {
	return s.path
}

// LoadCredits reads the record from disk.
func (s *FileStore) LoadCredits(_ context.Context) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read ledger %s: %w", s.path, err)
	}

	var raw struct {
		TokensLeft *int64 `json:"tokens_left"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return 0, false, fmt.Errorf("%w: %s: %v", ErrCorrupt, s.path, err)
	}
	if raw.TokensLeft == nil {
		return 0, false, fmt.Errorf("%w: %s: missing tokens_left", ErrCorrupt, s.path)
	}
	return *raw.TokensLeft, true, nil
}

// SaveCredits writes the record to a temporary file in the same directory,
// syncs it and renames it over the previous record.
func (s *FileStore) SaveCredits(_ context.Context, credits int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(CreditRecord{TokensLeft: credits})
	if err != nil {
		return fmt.Errorf("encode ledger: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp ledger: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp ledger: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp ledger: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp ledger: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace ledger: %w", err)
	}
	committed = true

	s.syncDir(dir)
	return nil
}

// Ping checks that the ledger directory is still present.
func (s *FileStore) Ping(_ context.Context) error {
	info, err := os.Stat(filepath.Dir(s.path))
	if err != nil {
		return fmt.Errorf("stat ledger directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("ledger directory %s is not a directory", filepath.Dir(s.path))
	}
	return nil
}

// Close is a no-op for the file backend.
func (s *FileStore) Close() error {
	return nil
}

// syncDir flushes the directory entry after a rename. Not every platform
// supports fsync on directories, so failures are only logged.
func (s *FileStore) syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		s.logger.Debug("open ledger directory for sync failed", "dir", dir, "error", err)
		return
	}
	defer func() { _ = d.Close() }()
	if err := d.Sync(); err != nil {
		s.logger.Debug("sync ledger directory failed", "dir", dir, "error", err)
	}
}
