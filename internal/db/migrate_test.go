// Package db tests for schema migration management.
package db

import (
	"testing"
)

// TestMigratorUp verifies migrations apply and record their versions.
func TestMigratorUp(t *testing.T) {
	database, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer database.Close()

	m := NewMigrator(database.DB)

	if err := m.Up(); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}

	version, err := m.CurrentVersion()
	if err != nil {
		t.Fatalf("CurrentVersion() failed: %v", err)
	}
	if version != len(migrations) {
		t.Errorf("CurrentVersion() = %d, want %d", version, len(migrations))
	}

	// All sync tables must exist afterwards
	for _, table := range []string{"entity_records", "sync_queue", "sync_meta"} {
		var name string
		err := database.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %s missing after migration: %v", table, err)
		}
	}
}

// TestMigratorUp_idempotent verifies a second run applies nothing new.
func TestMigratorUp_idempotent(t *testing.T) {
	database, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer database.Close()

	m := NewMigrator(database.DB)
	if err := m.Up(); err != nil {
		t.Fatalf("first Up() failed: %v", err)
	}
	if err := m.Up(); err != nil {
		t.Fatalf("second Up() failed: %v", err)
	}

	var count int
	if err := database.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		t.Fatalf("failed to count migrations: %v", err)
	}
	if count != len(migrations) {
		t.Errorf("migration rows = %d, want %d", count, len(migrations))
	}
}

// TestMigratorUp_checksumMismatch verifies tampered history is rejected.
func TestMigratorUp_checksumMismatch(t *testing.T) {
	database, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer database.Close()

	m := NewMigrator(database.DB)
	if err := m.Up(); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}

	// Corrupt the recorded checksum
	bogus := checksum("SELECT 1")
	if _, err := database.Exec(
		"UPDATE schema_migrations SET checksum = ? WHERE version = 1", bogus,
	); err != nil {
		t.Fatalf("failed to corrupt checksum: %v", err)
	}

	if err := m.Up(); err == nil {
		t.Error("Up() accepted a checksum mismatch")
	}
}
