package storage

import (
	"os"
	"path/filepath"
	"testing"

	"rolechat/internal/config"
)

func TestOpenSQLiteCreatesParentDirectory(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "data", "nested", "rolechat.db")
	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {DSN: dsn},
		},
	}
	db, dialect, err := Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	if err := Migrate(db, dialect); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := os.Stat(dsn); err != nil {
		t.Fatalf("expected database file at %s: %v", dsn, err)
	}
}

func TestEnsureSQLiteDirSkipsSpecialDSNs(t *testing.T) {
	for _, dsn := range []string{":memory:", "file::memory:?cache=shared", "rolechat.db"} {
		if err := ensureSQLiteDir(dsn); err != nil {
			t.Fatalf("ensureSQLiteDir(%q): %v", dsn, err)
		}
	}
}
