// Package db provides database schema migration management.
package db

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/fieldbase/sitesync/internal/errors"
	"github.com/fieldbase/sitesync/internal/logging"
)

// migration is one versioned schema step compiled into the binary.
type migration struct {
	Version     int
	Description string
	SQL         string
}

// migrations must stay append-only; editing an applied step trips the
// checksum validation on startup.
var migrations = []migration{
	{
		Version:     1,
		Description: "entity records, sync queue and sync metadata",
		SQL: `
CREATE TABLE IF NOT EXISTS entity_records (
	tbl         TEXT NOT NULL,
	id          TEXT NOT NULL,
	payload     TEXT NOT NULL DEFAULT '{}',
	sync_status TEXT NOT NULL DEFAULT 'SYNCED'
		CHECK(sync_status IN ('SYNCED', 'PENDING', 'FAILED')),
	updated_at  INTEGER NOT NULL,
	PRIMARY KEY (tbl, id)
);

CREATE TABLE IF NOT EXISTS sync_queue (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	tbl         TEXT NOT NULL,
	action      TEXT NOT NULL CHECK(action IN ('CREATE', 'UPDATE', 'DELETE')),
	record_id   TEXT NOT NULL,
	client_id   TEXT,
	payload     TEXT,
	status      TEXT NOT NULL DEFAULT 'PENDING'
		CHECK(status IN ('PENDING', 'SYNCED', 'FAILED')),
	timestamp   INTEGER NOT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0,
	error       TEXT
);

CREATE INDEX IF NOT EXISTS idx_sync_queue_status
	ON sync_queue(status, timestamp, id);
CREATE INDEX IF NOT EXISTS idx_sync_queue_record
	ON sync_queue(tbl, record_id, status);

CREATE TABLE IF NOT EXISTS sync_meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`,
	},
}

// Migrator applies embedded schema migrations.
type Migrator struct {
	db *sql.DB
}

// NewMigrator creates a new Migrator instance.
func NewMigrator(db *sql.DB) *Migrator {
	return &Migrator{db: db}
}

// Initialize creates the schema_migrations table if it doesn't exist.
func (m *Migrator) Initialize() error {
	query := `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY CHECK(version > 0),
		applied_at INTEGER NOT NULL CHECK(applied_at > 0),
		description TEXT NOT NULL CHECK(length(description) > 0),
		checksum TEXT NOT NULL CHECK(length(checksum) = 64)
	);`
	if _, err := m.db.Exec(query); err != nil {
		return errors.Wrap(errors.ErrMigration, "failed to create schema_migrations", err)
	}
	return nil
}

// CurrentVersion returns the current schema version, 0 if none applied.
func (m *Migrator) CurrentVersion() (int, error) {
	var version int
	err := m.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, errors.Wrap(errors.ErrMigration, "failed to read schema version", err)
	}
	return version, nil
}

// Up applies all pending migrations in version order and validates the
// checksum of every already-applied step.
func (m *Migrator) Up() error {
	if err := m.Initialize(); err != nil {
		return err
	}

	applied := make(map[int]string)
	rows, err := m.db.Query("SELECT version, checksum FROM schema_migrations")
	if err != nil {
		return errors.Wrap(errors.ErrMigration, "failed to read applied migrations", err)
	}
	for rows.Next() {
		var version int
		var checksum string
		if err := rows.Scan(&version, &checksum); err != nil {
			rows.Close()
			return errors.Wrap(errors.ErrMigration, "failed to scan migration row", err)
		}
		applied[version] = checksum
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return errors.Wrap(errors.ErrMigration, "failed to iterate migrations", err)
	}

	for _, mig := range migrations {
		sum := checksum(mig.SQL)

		if appliedSum, ok := applied[mig.Version]; ok {
			if appliedSum != sum {
				return errors.New(errors.ErrMigration,
					fmt.Sprintf("checksum mismatch for migration V%d (%s)", mig.Version, mig.Description))
			}
			continue
		}

		tx, err := m.db.Begin()
		if err != nil {
			return errors.Wrap(errors.ErrMigration, "failed to begin migration transaction", err)
		}

		if _, err := tx.Exec(mig.SQL); err != nil {
			tx.Rollback()
			return errors.Wrap(errors.ErrMigration,
				fmt.Sprintf("migration V%d (%s) failed", mig.Version, mig.Description), err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, applied_at, description, checksum) VALUES (?, ?, ?, ?)",
			mig.Version, time.Now().Unix(), mig.Description, sum,
		); err != nil {
			tx.Rollback()
			return errors.Wrap(errors.ErrMigration, "failed to record migration", err)
		}

		if err := tx.Commit(); err != nil {
			return errors.Wrap(errors.ErrMigration, "failed to commit migration", err)
		}

		logging.Info("Applied schema migration", logging.Fields{
			"version":     mig.Version,
			"description": mig.Description,
		})
	}

	return nil
}

// checksum computes the sha256 hex digest of a migration body.
func checksum(sqlText string) string {
	sum := sha256.Sum256([]byte(sqlText))
	return hex.EncodeToString(sum[:])
}
