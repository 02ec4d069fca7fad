package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/visitor-chat/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	mu  sync.Mutex // serializes writes to prevent SQLITE_BUSY
	now func() time.Time
}

// NewSQLite creates a new SQLite-backed repository. The special path
// ":memory:" opens a private in-memory database.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	dsn := ":memory:"
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
		// modernc applies each _pragma on every new connection.
		dsn = "file:" + dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if dsn == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS visitor_values (
		scope TEXT NOT NULL,
		name TEXT NOT NULL,
		value TEXT NOT NULL,
		expires_at INTEGER,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (scope, name)
	);
	CREATE INDEX IF NOT EXISTS idx_visitor_values_expires ON visitor_values(expires_at) WHERE expires_at IS NOT NULL;

	CREATE TABLE IF NOT EXISTS chat_sessions (
		chat_key TEXT PRIMARY KEY,
		blob_json TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_chat_sessions_updated ON chat_sessions(updated_at);
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

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// GetValue returns a stored value.
func (s *SQLiteStore) GetValue(ctx context.Context, scope Scope, name string) (string, bool, error) {
	if !scope.Valid() {
		return "", false, fmt.Errorf("%w: %q", ErrInvalidScope, scope)
	}
	query := `
		SELECT value FROM visitor_values
		WHERE scope = ? AND name = ? AND (expires_at IS NULL OR expires_at > ?)`

	var value string
	err := s.db.QueryRowContext(ctx, query, string(scope), name, s.now().UnixMilli()).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get value %s/%s: %w", scope, name, err)
	}
	return value, true, nil
}

// SetValue stores a value.
func (s *SQLiteStore) SetValue(ctx context.Context, scope Scope, name, value string, ttl time.Duration) error {
	if !scope.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidScope, scope)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var expiresAt any
	if ttl > 0 {
		expiresAt = now.Add(ttl).UnixMilli()
	}
	query := `
	INSERT INTO visitor_values (scope, name, value, expires_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(scope, name) DO UPDATE SET
		value = excluded.value,
		expires_at = excluded.expires_at,
		updated_at = excluded.updated_at`

	return withBusyRetry(ctx, "set value", func() error {
		_, err := s.db.ExecContext(ctx, query, string(scope), name, value, expiresAt, now.UnixMilli())
		return err
	})
}

// DeleteValue removes a value.
func (s *SQLiteStore) DeleteValue(ctx context.Context, scope Scope, name string) error {
	if !scope.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidScope, scope)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	return withBusyRetry(ctx, "delete value", func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM visitor_values WHERE scope = ? AND name = ?`, string(scope), name)
		return err
	})
}

// LoadSession returns the blob stored for chatKey.
func (s *SQLiteStore) LoadSession(ctx context.Context, chatKey string) (*domain.SessionBlob, error) {
	var raw string
	var updatedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT blob_json, updated_at FROM chat_sessions WHERE chat_key = ?`, chatKey,
	).Scan(&raw, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan chat session: %w", err)
	}

	var blob domain.SessionBlob
	if err := json.Unmarshal([]byte(raw), &blob); err != nil {
		return nil, fmt.Errorf("decode chat session %s: %w", chatKey, err)
	}
	if blob.People == nil {
		blob.People = map[domain.ID]domain.Person{}
	}
	blob.UpdatedAt = time.UnixMilli(updatedAt)
	return &blob, nil
}

// SaveSession creates or replaces a session blob.
func (s *SQLiteStore) SaveSession(ctx context.Context, blob *domain.SessionBlob) error {
	if blob == nil || blob.ChatKey == "" {
		return fmt.Errorf("save chat session: missing chat key")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	blob.UpdatedAt = now
	data, err := json.Marshal(blob)
	if err != nil {
		return fmt.Errorf("encode chat session: %w", err)
	}

	query := `
	INSERT INTO chat_sessions (chat_key, blob_json, created_at, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(chat_key) DO UPDATE SET
		blob_json = excluded.blob_json,
		updated_at = excluded.updated_at`

	return withBusyRetry(ctx, "save chat session", func() error {
		_, err := s.db.ExecContext(ctx, query, blob.ChatKey, string(data), now.UnixMilli(), now.UnixMilli())
		return err
	})
}

// DeleteSession removes the blob stored for chatKey.
func (s *SQLiteStore) DeleteSession(ctx context.Context, chatKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return withBusyRetry(ctx, "delete chat session", func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM chat_sessions WHERE chat_key = ?`, chatKey)
		return err
	})
}

// CleanupExpired removes expired values and stale session blobs.
func (s *SQLiteStore) CleanupExpired(ctx context.Context, sessionTTL time.Duration) (int64, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	valRes, err := s.db.ExecContext(ctx,
		`DELETE FROM visitor_values WHERE expires_at IS NOT NULL AND expires_at <= ?`, now.UnixMilli())
	if err != nil {
		return 0, 0, fmt.Errorf("cleanup expired values: %w", err)
	}
	values, err := valRes.RowsAffected()
	if err != nil {
		return 0, 0, fmt.Errorf("expired values rows affected: %w", err)
	}

	sesRes, err := s.db.ExecContext(ctx,
		`DELETE FROM chat_sessions WHERE updated_at < ?`, now.Add(-sessionTTL).UnixMilli())
	if err != nil {
		return values, 0, fmt.Errorf("cleanup expired chat sessions: %w", err)
	}
	sessions, err := sesRes.RowsAffected()
	if err != nil {
		return values, 0, fmt.Errorf("expired chat sessions rows affected: %w", err)
	}
	return values, sessions, nil
}
