// Package database opens Harbor's SQLite databases. Two drivers are
// registered: "sqlite3" (mattn/go-sqlite3, cgo) and "sqlite"
// (modernc.org/sqlite, pure Go, for images built without cgo). Both are
// opened in WAL mode with a busy timeout, and write transactions take
// the write lock at BEGIN so concurrent claimers never deadlock on
// lock upgrade.
package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Driver names accepted by Open.
const (
	DriverCGO  = "sqlite3"
	DriverPure = "sqlite"
)

// DSN returns the connection string for path under driver.
func DSN(driver, path string) (string, error) {
	switch driver {
	case DriverCGO, "":
		return path + "?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate&_foreign_keys=on", nil
	case DriverPure:
		return "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_txlock=immediate", nil
	default:
		return "", fmt.Errorf("unknown sqlite driver %q", driver)
	}
}

// Open opens (creating if needed) the database at path and applies
// schema, which must be idempotent.
func Open(driver, path, schema string) (*sql.DB, error) {
	if driver == "" {
		driver = DriverCGO
	}
	dsn, err := DSN(driver, path)
	if err != nil {
		return nil, err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if schema != "" {
		if _, err := db.Exec(schema); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate %s: %w", filepath.Base(path), err)
		}
	}
	return db, nil
}
