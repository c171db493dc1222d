package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"rolechat/internal/config"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

// Open connects to the database configured for dbType.
func Open(dbType string, cfg *config.Config) (*sql.DB, Dialect, error) {
	dialect, err := ParseDialect(dbType)
	if err != nil {
		return nil, 0, err
	}
	dbCfg, ok := cfg.Databases[dbType]
	if !ok {
		return nil, 0, fmt.Errorf("database config for %s not found", dbType)
	}

	var db *sql.DB
	switch dialect {
	case SQLite:
		if dbCfg.DSN == "" {
			return nil, 0, fmt.Errorf("sqlite dsn must be provided")
		}
		if err := ensureSQLiteDir(dbCfg.DSN); err != nil {
			return nil, 0, err
		}
		db, err = sql.Open("sqlite3", dbCfg.DSN)
		if err != nil {
			return nil, 0, fmt.Errorf("open sqlite database: %w", err)
		}
		// one connection keeps :memory: databases coherent and serializes writers
		db.SetMaxOpenConns(1)
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, 0, fmt.Errorf("enable sqlite foreign keys: %w", err)
		}
	case MySQL:
		dsn := dbCfg.DSN
		if dsn == "" {
			params := dbCfg.Params
			if params == "" {
				params = "parseTime=true&loc=UTC&charset=utf8mb4"
			}
			dsn = fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?%s",
				dbCfg.Username,
				dbCfg.Password,
				dbCfg.Host,
				dbCfg.Port,
				dbCfg.DBName,
				params,
			)
		}
		db, err = sql.Open("mysql", dsn)
		if err != nil {
			return nil, 0, fmt.Errorf("open mysql database: %w", err)
		}
	case Postgres:
		dsn := dbCfg.DSN
		if dsn == "" {
			dsn = fmt.Sprintf("postgres://%s:%s@%s:%d/%s?%s",
				dbCfg.Username,
				dbCfg.Password,
				dbCfg.Host,
				dbCfg.Port,
				dbCfg.DBName,
				dbCfg.Params,
			)
		}
		db, err = sql.Open("pgx", dsn)
		if err != nil {
			return nil, 0, fmt.Errorf("open postgres database: %w", err)
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, 0, fmt.Errorf("ping database: %w", err)
	}
	return db, dialect, nil
}

// Migrate ensures the required tables are present.
func Migrate(db *sql.DB, dialect Dialect) error {
	var stmts []string
	switch dialect {
	case SQLite:
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS messages (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				thread_id TEXT NOT NULL,
				role_type TEXT NOT NULL,
				sender TEXT NOT NULL,
				message TEXT NOT NULL,
				created_at DATETIME NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_thread_role ON messages(thread_id, role_type, created_at)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_role_sender ON messages(role_type, sender)`,
			`CREATE TABLE IF NOT EXISTS transcripts (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				thread_id TEXT NOT NULL,
				role_type TEXT NOT NULL,
				transcript TEXT NOT NULL,
				created_at DATETIME NOT NULL,
				updated_at DATETIME NOT NULL,
				UNIQUE(thread_id, role_type)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_transcripts_updated_at ON transcripts(updated_at)`,
			`CREATE TABLE IF NOT EXISTS transcript_analysis (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				thread_id TEXT NOT NULL,
				role_type TEXT NOT NULL,
				analysis TEXT NOT NULL,
				created_at DATETIME NOT NULL,
				UNIQUE(thread_id, role_type)
			)`,
			`CREATE TABLE IF NOT EXISTS indexed_documents (
				doc_key TEXT PRIMARY KEY,
				index_id TEXT NOT NULL,
				doc_id TEXT NOT NULL,
				uploaded_at DATETIME NOT NULL
			)`,
		}
	case MySQL:
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS messages (
				id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
				thread_id VARCHAR(255) NOT NULL,
				role_type VARCHAR(255) NOT NULL,
				sender VARCHAR(50) NOT NULL,
				message MEDIUMTEXT NOT NULL,
				created_at DATETIME(6) NOT NULL,
				PRIMARY KEY (id),
				INDEX idx_messages_thread_role (thread_id, role_type, created_at),
				INDEX idx_messages_role_sender (role_type, sender)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS transcripts (
				id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
				thread_id VARCHAR(255) NOT NULL,
				role_type VARCHAR(255) NOT NULL,
				transcript MEDIUMTEXT NOT NULL,
				created_at DATETIME(6) NOT NULL,
				updated_at DATETIME(6) NOT NULL,
				PRIMARY KEY (id),
				UNIQUE KEY uniq_transcripts_pair (thread_id, role_type),
				INDEX idx_transcripts_updated_at (updated_at)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS transcript_analysis (
				id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
				thread_id VARCHAR(255) NOT NULL,
				role_type VARCHAR(255) NOT NULL,
				analysis MEDIUMTEXT NOT NULL,
				created_at DATETIME(6) NOT NULL,
				PRIMARY KEY (id),
				UNIQUE KEY uniq_analysis_pair (thread_id, role_type)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS indexed_documents (
				doc_key VARCHAR(512) NOT NULL,
				index_id VARCHAR(255) NOT NULL,
				doc_id VARCHAR(255) NOT NULL,
				uploaded_at DATETIME(6) NOT NULL,
				PRIMARY KEY (doc_key)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		}
	case Postgres:
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS messages (
				id BIGSERIAL PRIMARY KEY,
				thread_id TEXT NOT NULL,
				role_type TEXT NOT NULL,
				sender TEXT NOT NULL,
				message TEXT NOT NULL,
				created_at TIMESTAMPTZ NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_thread_role ON messages(thread_id, role_type, created_at)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_role_sender ON messages(role_type, sender)`,
			`CREATE TABLE IF NOT EXISTS transcripts (
				id BIGSERIAL PRIMARY KEY,
				thread_id TEXT NOT NULL,
				role_type TEXT NOT NULL,
				transcript TEXT NOT NULL,
				created_at TIMESTAMPTZ NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL,
				UNIQUE(thread_id, role_type)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_transcripts_updated_at ON transcripts(updated_at)`,
			`CREATE TABLE IF NOT EXISTS transcript_analysis (
				id BIGSERIAL PRIMARY KEY,
				thread_id TEXT NOT NULL,
				role_type TEXT NOT NULL,
				analysis TEXT NOT NULL,
				created_at TIMESTAMPTZ NOT NULL,
				UNIQUE(thread_id, role_type)
			)`,
			`CREATE TABLE IF NOT EXISTS indexed_documents (
				doc_key TEXT PRIMARY KEY,
				index_id TEXT NOT NULL,
				doc_id TEXT NOT NULL,
				uploaded_at TIMESTAMPTZ NOT NULL
			)`,
		}
	default:
		return fmt.Errorf("unsupported dialect for migration: %s", dialect)
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate (%s): %w", dialect, err)
		}
	}
	return nil
}

// OpenMemory returns a migrated in-memory sqlite database, used by tests and dry runs.
func OpenMemory() (*sql.DB, Dialect, error) {
	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {DSN: ":memory:"},
		},
	}
	db, dialect, err := Open("sqlite3", cfg)
	if err != nil {
		return nil, 0, err
	}
	if err := Migrate(db, dialect); err != nil {
		db.Close()
		return nil, 0, err
	}
	return db, dialect, nil
}

// ensureSQLiteDir creates the parent directory of a file-backed sqlite DSN.
func ensureSQLiteDir(dsn string) error {
	if dsn == ":memory:" || strings.HasPrefix(dsn, "file:") {
		return nil
	}
	dir := filepath.Dir(dsn)
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create sqlite directory %s: %w", dir, err)
	}
	return nil
}

func normalizeDriver(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
