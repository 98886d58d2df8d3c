// Package models provides data model definitions for the sitesync engine.
package models

import (
	"encoding/json"
	"time"
)

// SyncState tags a record with its propagation state.
type SyncState string

const (
	// SyncStateSynced means the record has no unpropagated local edits.
	SyncStateSynced SyncState = "SYNCED"
	// SyncStatePending means at least one queue entry for the record has
	// not reached SYNCED.
	SyncStatePending SyncState = "PENDING"
	// SyncStateFailed means a queue entry for the record exhausted its
	// retries and needs attention.
	SyncStateFailed SyncState = "FAILED"
)

// Entity table names known to the application. The engine itself is
// schema-agnostic; these exist for callers.
const (
	TableActivities = "activities"
	TableEquipment  = "equipment"
	TableMaterials  = "materials"
	TableTransfers  = "transfers"
	TableSites      = "sites"
)

// Record is one syncable entity row. The payload is opaque to the sync
// engine; validation against the domain schema happens at the API boundary.
type Record struct {
	Table      string          `db:"tbl" json:"table"`
	ID         string          `db:"id" json:"id"`
	Payload    json.RawMessage `db:"payload" json:"payload"`
	SyncStatus SyncState       `db:"sync_status" json:"sync_status"`
	UpdatedAt  int64           `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for Record.
func (Record) TableName() string {
	return "entity_records"
}

// UpdatedAtTime returns the UpdatedAt as time.Time.
func (r *Record) UpdatedAtTime() time.Time {
	return time.UnixMilli(r.UpdatedAt)
}
