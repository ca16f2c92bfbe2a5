package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	sqliteBusyTimeout = 5 * time.Second

	// sqliteReaderConns bounds the read pool. WAL allows many readers next
	// to the single writer; the catalog is small, so four is plenty.
	sqliteReaderConns = 4
)

// OpenSQLite opens the catalog file for writes. The connection count is
// pinned to one so writes serialize in Go instead of failing with
// SQLITE_BUSY.
func OpenSQLite(dbPath string) (*sql.DB, error) {
	path := normalizeSQLitePath(dbPath)
	if err := prepareSQLiteFile(path); err != nil {
		return nil, fmt.Errorf("prepare database file: %w", err)
	}

	conn, err := sql.Open("sqlite3", sqliteDSN(path, "rwc"))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	return conn, nil
}

// OpenSQLiteReader opens the read-only side of the split.
func OpenSQLiteReader(dbPath string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite3", sqliteDSN(normalizeSQLitePath(dbPath), "ro"))
	if err != nil {
		return nil, fmt.Errorf("open read-only database: %w", err)
	}
	conn.SetMaxOpenConns(sqliteReaderConns)
	conn.SetMaxIdleConns(sqliteReaderConns)
	return conn, nil
}

// sqliteDSN assembles the connection string for one side of the WAL split.
// journal_mode and synchronous are database-level settings owned by the
// writer, so the read-only DSN leaves them alone.
func sqliteDSN(path, mode string) string {
	params := []string{
		"_foreign_keys=on",
		"_mode=" + mode,
		fmt.Sprintf("_busy_timeout=%d", int(sqliteBusyTimeout/time.Millisecond)),
		"_cache=shared",
	}
	if mode == "rwc" {
		params = append(params, "_journal_mode=WAL", "_synchronous=NORMAL")
	}
	return "file:" + path + "?" + strings.Join(params, "&")
}

// prepareSQLiteFile creates the parent directory and the database file up
// front so the read-only pool can open it before the first write.
func prepareSQLiteFile(path string) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

// normalizeSQLitePath resolves the path so the writer and reader DSNs name
// the same file regardless of working directory.
func normalizeSQLitePath(path string) string {
	if path == "" {
		return path
	}
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}
