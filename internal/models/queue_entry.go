// Package models provides data model definitions for the sitesync engine.
package models

import (
	"encoding/json"
	"time"
)

// Action represents the kind of mutation a queue entry carries.
type Action string

const (
	ActionCreate Action = "CREATE"
	ActionUpdate Action = "UPDATE"
	ActionDelete Action = "DELETE"
)

// QueueStatus represents the status of a queued mutation.
type QueueStatus string

const (
	QueueStatusPending QueueStatus = "PENDING"
	QueueStatusSynced  QueueStatus = "SYNCED"
	QueueStatusFailed  QueueStatus = "FAILED"
)

// QueueEntry is one intended mutation awaiting propagation to the server.
// After insert only Status, RetryCount and Error change; corrections are
// expressed as a new entry, never an edit.
type QueueEntry struct {
	ID         int64           `db:"id" json:"id"`
	Table      string          `db:"tbl" json:"table"`
	Action     Action          `db:"action" json:"action"`
	RecordID   string          `db:"record_id" json:"record_id"`
	ClientID   string          `db:"client_id" json:"client_id,omitempty"`
	Payload    json.RawMessage `db:"payload" json:"payload,omitempty"`
	Status     QueueStatus     `db:"status" json:"status"`
	Timestamp  int64           `db:"timestamp" json:"timestamp"`
	RetryCount int             `db:"retry_count" json:"retry_count"`
	Error      string          `db:"error" json:"error,omitempty"`
}

// TableName returns the table name for QueueEntry.
func (QueueEntry) TableName() string {
	return "sync_queue"
}

// Time returns the Timestamp as time.Time.
func (q *QueueEntry) Time() time.Time {
	return time.UnixMilli(q.Timestamp)
}
