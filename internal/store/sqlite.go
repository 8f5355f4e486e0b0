package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.Mutex // serializes writes to avoid SQLITE_BUSY between our own connections
	logger *slog.Logger
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if dbPath == "" {
		return nil, errors.New("ledger path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL with FULL sync: a debit must survive a crash once SaveCredits returns.
	dsn := "file:" + dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}
	s := &SQLiteStore{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS ledger (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		tokens_left INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// LoadCredits reads the single ledger row.
func (s *SQLiteStore) LoadCredits(ctx context.Context) (int64, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT tokens_left FROM ledger WHERE id = 1`)

	// SQLite columns are dynamically typed; scan loosely so a non-integer
	// value is reported as corruption instead of a driver error.
	var raw any
	err := row.Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("scan ledger row: %w", err)
	}

	credits, ok := raw.(int64)
	if !ok {
		return 0, false, fmt.Errorf("%w: tokens_left has type %T", ErrCorrupt, raw)
	}
	return credits, true, nil
}

// SaveCredits upserts the ledger row, retrying with exponential backoff when
// the database is locked by another connection.
func (s *SQLiteStore) SaveCredits(ctx context.Context, credits int64) error {
	maxRetries := 3
	baseDelay := 50 * time.Millisecond

	var err error
	for i := 0; i < maxRetries; i++ {
		err = s.saveOnce(ctx, credits)
		if err == nil {
			return nil
		}
		if !isConflictError(err) || i == maxRetries-1 {
			break
		}

		delay := baseDelay * time.Duration(1<<i) // 50ms, 100ms
		s.logger.Debug("SaveCredits failed with SQLITE_BUSY, retrying",
			"attempt", i+1,
			"delay", delay)
		select {
		case <-ctx.Done():
			return fmt.Errorf("save credits: %w", ctx.Err())
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("save credits after %d attempts: %w", maxRetries, err)
}

func (s *SQLiteStore) saveOnce(ctx context.Context, credits int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
	INSERT INTO ledger (id, tokens_left, updated_at)
	VALUES (1, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		tokens_left = excluded.tokens_left,
		updated_at = excluded.updated_at`

	if _, err := s.db.ExecContext(ctx, query, credits, time.Now().Unix()); err != nil {
		return fmt.Errorf("upsert ledger: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// isConflictError reports SQLite concurrency errors that warrant a retry.
func isConflictError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}
