// Package store provides persistence for the credit ledger record.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrCorrupt is returned when a ledger record exists but cannot be parsed.
var ErrCorrupt = errors.New("ledger record is corrupt")

// Backend names accepted by Open.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// CreditRecord is the persisted form of the ledger.
type CreditRecord struct {
	TokensLeft int64 `json:"tokens_left"`
}

// Repository persists the single credit record shared by all chats.
type Repository interface {
	// LoadCredits returns the persisted credit count.
	// found is false when no record has been written yet.
	LoadCredits(ctx context.Context) (credits int64, found bool, err error)

	// SaveCredits replaces the persisted credit count. The write is all or
	// nothing: a crash never leaves a partially written record behind.
	SaveCredits(ctx context.Context, credits int64) error

	// Ping verifies the backing storage is reachable.
	Ping(ctx context.Context) error

	// Close releases the backing storage.
	Close() error
}

// Open returns the repository for the named backend. A nil logger uses
// slog.Default.
func Open(backend, path string, logger *slog.Logger) (Repository, error) {
	switch backend {
	case BackendFile:
		s, err := NewFile(path, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case BackendSQLite:
		s, err := NewSQLite(path, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown ledger backend %q", backend)
	}
}
