package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hpungsan/unseal/internal/config"
	"github.com/hpungsan/unseal/internal/errors"
	_ "modernc.org/sqlite"
)

// CurrentSchemaVersion is the latest schema version.
// Bump this when adding migrations.
const CurrentSchemaVersion = 1

// Querier is satisfied by both *sql.DB and *sql.Tx, so every query helper can run
// standalone or inside a transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Init initializes the SQLite database at baseDir/unseal.db.
// The baseDir parameter allows tests to use t.TempDir() instead of ~/.unseal.
func Init(baseDir string) (*sql.DB, error) {
	// Create base directory with restricted permissions
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	_ = os.Chmod(baseDir, 0700)

	// Writers take the lock at BEGIN so a read-then-write transaction never has
	// to upgrade a stale snapshot.
	dbPath := filepath.Join(baseDir, "unseal.db")
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Verify WAL mode is active
	if err := verifyWALMode(db); err != nil {
		db.Close()
		return nil, err
	}

	// Run migrations (this creates the file if it doesn't exist)
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	_ = os.Chmod(dbPath, 0600)

	return db, nil
}

// ConfigurePool applies connection pool settings from config.
// Only sets limits if explicitly configured (non-zero values).
func ConfigurePool(db *sql.DB, cfg *config.Config) {
	if cfg == nil {
		return
	}
	if cfg.DBMaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	}
	if cfg.DBMaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	}
}

// WithTx runs fn inside a transaction. The transaction commits when fn returns
// nil and rolls back otherwise; fn's error is returned unchanged.
func WithTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errors.NewInternal(err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.NewInternal(err)
	}
	return nil
}

// migrate applies schema migrations based on user_version.
func migrate(db *sql.DB) error {
	version, err := GetUserVersion(db)
	if err != nil {
		return err
	}

	// Migration 0 -> 1: Initial schema (v1)
	if version < 1 {
		schema := `
		CREATE TABLE IF NOT EXISTS capsules (
		  id              TEXT PRIMARY KEY,
		  owner_id        TEXT NOT NULL,
		  content         BLOB NOT NULL,
		  content_type    TEXT NOT NULL,
		  recipients_json TEXT NOT NULL,
		  status          TEXT NOT NULL,
		  version         INTEGER NOT NULL DEFAULT 1,
		  created_at      INTEGER NOT NULL,
		  updated_at      INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_capsules_owner
		ON capsules(owner_id, created_at DESC);

		CREATE TABLE IF NOT EXISTS triggers (
		  id              TEXT PRIMARY KEY,
		  capsule_id      TEXT NOT NULL UNIQUE REFERENCES capsules(id),
		  kind            TEXT NOT NULL,
		  status          TEXT NOT NULL,
		  conditions_json TEXT,
		  evidence_json   TEXT,
		  unlock_at       INTEGER,
		  version         INTEGER NOT NULL DEFAULT 1,
		  created_at      INTEGER NOT NULL,
		  updated_at      INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_triggers_due
		ON triggers(unlock_at)
		WHERE kind = 'time' AND status IN ('pending', 'active');

		CREATE INDEX IF NOT EXISTS idx_triggers_status
		ON triggers(status);

		CREATE TABLE IF NOT EXISTS consensus_groups (
		  id         TEXT PRIMARY KEY,
		  trigger_id TEXT NOT NULL UNIQUE REFERENCES triggers(id),
		  capsule_id TEXT NOT NULL REFERENCES capsules(id),
		  threshold  INTEGER NOT NULL,
		  created_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS consensus_members (
		  id       TEXT PRIMARY KEY,
		  group_id TEXT NOT NULL REFERENCES consensus_groups(id),
		  user_id  TEXT NOT NULL,
		  position INTEGER NOT NULL,
		  vote     TEXT,
		  voted_at INTEGER,
		  version  INTEGER NOT NULL DEFAULT 1,
		  UNIQUE (group_id, user_id)
		);

		CREATE INDEX IF NOT EXISTS idx_consensus_members_user
		ON consensus_members(user_id);

		CREATE TABLE IF NOT EXISTS transfers (
		  id              TEXT PRIMARY KEY,
		  source_chain    TEXT NOT NULL,
		  dest_chain      TEXT NOT NULL,
		  source_tx_hash  TEXT NOT NULL,
		  dest_tx_hash    TEXT,
		  from_address    TEXT NOT NULL,
		  dest_address    TEXT NOT NULL,
		  token_ids_json  TEXT NOT NULL,
		  amounts_json    TEXT NOT NULL,
		  status          TEXT NOT NULL,
		  failure_reason  TEXT,
		  finality_checks INTEGER NOT NULL DEFAULT 0,
		  version         INTEGER NOT NULL DEFAULT 1,
		  created_at      INTEGER NOT NULL,
		  updated_at      INTEGER NOT NULL,
		  UNIQUE (source_chain, source_tx_hash)
		);

		CREATE INDEX IF NOT EXISTS idx_transfers_status_updated
		ON transfers(status, updated_at);

		CREATE TABLE IF NOT EXISTS submissions (
		  transfer_id TEXT PRIMARY KEY,
		  chain       TEXT NOT NULL,
		  payload     BLOB NOT NULL,
		  tx_hash     TEXT NOT NULL,
		  attempts    INTEGER NOT NULL DEFAULT 0,
		  created_at  INTEGER NOT NULL,
		  updated_at  INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS feed_cursors (
		  name       TEXT PRIMARY KEY,
		  position   TEXT NOT NULL,
		  updated_at INTEGER NOT NULL
		);
		`
		if _, err := db.Exec(schema); err != nil {
			return fmt.Errorf("migration 1 failed: %w", err)
		}
		if err := SetUserVersion(db, 1); err != nil {
			return err
		}
	}

	// Future migrations go here:
	// if version < 2 { ... }

	return nil
}

// verifyWALMode checks that WAL mode is active (set via connection string).
func verifyWALMode(db *sql.DB) error {
	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode;").Scan(&journalMode); err != nil {
		return fmt.Errorf("failed to verify journal mode: %w", err)
	}
	if journalMode != "wal" {
		return fmt.Errorf("expected WAL mode, got %s", journalMode)
	}
	return nil
}

// GetUserVersion returns the current schema version (user_version pragma).
func GetUserVersion(db *sql.DB) (int, error) {
	var version int
	if err := db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to get user_version: %w", err)
	}
	return version, nil
}

// SetUserVersion sets the schema version (user_version pragma).
func SetUserVersion(db *sql.DB, version int) error {
	_, err := db.Exec(fmt.Sprintf("PRAGMA user_version=%d", version))
	if err != nil {
		return fmt.Errorf("failed to set user_version: %w", err)
	}
	return nil
}

// isUniqueConstraintError checks if the error is a SQLite UNIQUE constraint violation.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	// SQLite returns "UNIQUE constraint failed: ..." for unique violations
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// toNullString maps "" to NULL.
func toNullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// toNullJSON maps an empty raw message to NULL.
func toNullJSON(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}
