package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "embed"

	_ "github.com/mattn/go-sqlite3"
)

// DefaultDirPermissions defines the default permissions for database directories.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore stores records in a SQLite file.
type SQLiteStore struct {
	docStore
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	if path := sqlitePath(dsn); path != "" && path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
			slog.Error("Failed to create database directory", "error", err, "dir", dir)
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open(DriverSQLite, dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	// A single writer avoids SQLITE_BUSY under the write-behind flusher.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		db.Close()
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{docStore{
		db:   db,
		name: "SQLiteStore",
		dialect: dialect{
			upsertConversation: `INSERT INTO conversations (id, bot_id, data, last_activity, updated_at) VALUES (?, ?, ?, ?, ?)
				ON CONFLICT(id) DO UPDATE SET bot_id = excluded.bot_id, data = excluded.data,
				last_activity = excluded.last_activity, updated_at = excluded.updated_at
				WHERE excluded.last_activity >= conversations.last_activity`,
			deleteConversation: `DELETE FROM conversations WHERE id = ?`,
			upsertBot: `INSERT INTO bots (id, tenant_id, data, updated_at) VALUES (?, ?, ?, ?)
				ON CONFLICT(id) DO UPDATE SET tenant_id = excluded.tenant_id, data = excluded.data, updated_at = excluded.updated_at`,
			deleteBot: `DELETE FROM bots WHERE id = ?`,
		},
	}}, nil
}

// sqlitePath extracts the file path from a plain path or a file: URI DSN.
func sqlitePath(dsn string) string {
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	return path
}
