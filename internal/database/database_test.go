package database

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestOpen_BothDrivers(t *testing.T) {
	for _, driver := range []string{DriverCGO, DriverPure} {
		t.Run(driver, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "sub", "t.db")
			db, err := Open(driver, path, `CREATE TABLE IF NOT EXISTS kv (k TEXT PRIMARY KEY, v TEXT);`)
			if err != nil {
				t.Fatalf("Open(%q) error: %v", driver, err)
			}
			defer db.Close()

			if _, err := db.Exec(`INSERT INTO kv (k, v) VALUES ('a', 'b')`); err != nil {
				t.Fatalf("insert: %v", err)
			}
			var v string
			if err := db.QueryRow(`SELECT v FROM kv WHERE k = 'a'`).Scan(&v); err != nil || v != "b" {
				t.Errorf("select = %q, %v", v, err)
			}

			var mode string
			db.QueryRow(`PRAGMA journal_mode`).Scan(&mode)
			if !strings.EqualFold(mode, "wal") {
				t.Errorf("journal_mode = %q, want wal", mode)
			}
		})
	}
}

func TestDSN_UnknownDriver(t *testing.T) {
	if _, err := DSN("postgres", "x"); err == nil {
		t.Error("DSN(postgres) should error")
	}
}
