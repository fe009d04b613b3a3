package cache

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchemaSQL = `
CREATE TABLE IF NOT EXISTS cache_entries (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	expires_at INTEGER NOT NULL DEFAULT 0
);
`

// SQLite is a Cache backed by a shared SQLite file, for deployments where
// several processes must observe the same invalidations.
type SQLite struct {
	conn   *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewSQLite opens (or creates) the cache database at dsn.
func NewSQLite(dsn string, logger *slog.Logger) (*SQLite, error) {
	conn, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cache: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("cache: ping: %w", err)
	}
	if _, err := conn.Exec(sqliteSchemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("cache: apply schema: %w", err)
	}
	return &SQLite{conn: conn, logger: logger, now: time.Now}, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.conn.Close()
}

// Get returns the value for key. Expired rows are removed on read.
func (s *SQLite) Get(key string) ([]byte, bool) {
	var (
		value     []byte
		expiresAt int64
	)
	err := s.conn.QueryRow(`SELECT value, expires_at FROM cache_entries WHERE key = ?`, key).
		Scan(&value, &expiresAt)
	if err != nil {
		return nil, false
	}
	if expiresAt != 0 && s.now().Unix() > expiresAt {
		_, _ = s.conn.Exec(`DELETE FROM cache_entries WHERE key = ?`, key)
		return nil, false
	}
	return value, true
}

// Set stores value under key for ttl. Failures are logged and dropped; the
// cache is derived data and callers recompute on miss.
func (s *SQLite) Set(key string, value []byte, ttl time.Duration) {
	var expiresAt int64
	if ttl > 0 {
		expiresAt = s.now().Add(ttl).Unix()
	}
	_, err := s.conn.Exec(`
		INSERT INTO cache_entries (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at
	`, key, value, expiresAt)
	if err != nil {
		s.logger.Warn("cache: set failed", slog.String("key", key), slog.String("error", err.Error()))
	}
}

// Delete removes the given keys.
func (s *SQLite) Delete(keys ...string) {
	for _, k := range keys {
		if _, err := s.conn.Exec(`DELETE FROM cache_entries WHERE key = ?`, k); err != nil {
			s.logger.Warn("cache: delete failed", slog.String("key", k), slog.String("error", err.Error()))
		}
	}
}
