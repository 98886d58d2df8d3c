// Package models provides data model definitions for the sitesync engine.
package models

// Sync metadata keys.
const (
	// MetaLastSyncTimestamp holds the server-issued ISO-8601 watermark from
	// the most recent successful pull. Absent until the first pull,
	// overwritten after every successful pull, never rolled back.
	MetaLastSyncTimestamp = "lastSyncTimestamp"
)

// SyncMeta is a single key/value row of sync bookkeeping state.
type SyncMeta struct {
	Key   string `db:"key" json:"key"`
	Value string `db:"value" json:"value"`
}

// TableName returns the table name for SyncMeta.
func (SyncMeta) TableName() string {
	return "sync_meta"
}
