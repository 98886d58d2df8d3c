// Package db provides CRUD operations over the sync engine's local tables.
package db

import (
	"database/sql"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/fieldbase/sitesync/internal/errors"
	"github.com/fieldbase/sitesync/internal/models"
	"github.com/fieldbase/sitesync/internal/uuid"
)

// Store provides CRUD operations for entity records, the mutation queue and
// sync metadata. It never retries internally; I/O failures propagate to the
// caller as DATABASE_ERROR.
type Store struct {
	db *sql.DB

	// Prepared statement cache for frequently used queries.
	// Statements are prepared on first use and cached for reuse.
	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewStore creates a new Store instance.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// PrepareStmt gets or creates a prepared statement from cache.
func (s *Store) PrepareStmt(query string) (*sql.Stmt, error) {
	if stmt, ok := s.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := s.db.Prepare(query)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to prepare statement", err)
	}

	actual, loaded := s.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		// Another goroutine already prepared this, close our duplicate
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}

	return stmt, nil
}

// Close closes all cached prepared statements.
func (s *Store) Close() error {
	var firstErr error
	s.stmtCache.Range(func(key, value interface{}) bool {
		stmt := value.(*sql.Stmt)
		if err := stmt.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	return firstErr
}

// =====================================================
// Entity record operations
// =====================================================

// GetRecord retrieves an entity record by table and id.
// Returns (nil, nil) when the record is absent.
func (s *Store) GetRecord(table, id string) (*models.Record, error) {
	query := `
	SELECT tbl, id, payload, sync_status, updated_at
	FROM entity_records WHERE tbl = ? AND id = ?
	`
	stmt, err := s.PrepareStmt(query)
	if err != nil {
		return nil, err
	}

	var rec models.Record
	var payload string
	err = stmt.QueryRow(table, id).Scan(
		&rec.Table, &rec.ID, &payload, &rec.SyncStatus, &rec.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to get record", err)
	}
	rec.Payload = json.RawMessage(payload)
	return &rec, nil
}

// PutRecord inserts or replaces an entity record by (table, id). A Put with
// an empty SyncStatus preserves the status already stored, so UI writes and
// merge writes cannot clobber each other's status by accident.
func (s *Store) PutRecord(rec *models.Record) error {
	if rec.UpdatedAt == 0 {
		rec.UpdatedAt = time.Now().UnixMilli()
	}
	payload := rec.Payload
	if payload == nil {
		payload = json.RawMessage("{}")
	}

	query := `
	INSERT INTO entity_records (tbl, id, payload, sync_status, updated_at)
	VALUES (?, ?, ?, CASE WHEN ? = '' THEN 'SYNCED' ELSE ? END, ?)
	ON CONFLICT(tbl, id) DO UPDATE SET
		payload = excluded.payload,
		updated_at = excluded.updated_at,
		sync_status = CASE WHEN ? = '' THEN entity_records.sync_status
			ELSE excluded.sync_status END
	`
	status := string(rec.SyncStatus)
	_, err := s.db.Exec(query,
		rec.Table, rec.ID, string(payload), status, status, rec.UpdatedAt, status)
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to put record", err)
	}
	return nil
}

// =====================================================
// Mutation queue operations
// =====================================================

// Enqueue appends a new PENDING queue entry and, in the same transaction,
// marks the target record PENDING. CREATE actions carry a client id so the
// server can deduplicate retried pushes; one is generated when the caller
// passes none. payload may be nil for DELETE actions.
func (s *Store) Enqueue(table string, action models.Action, recordID, clientID string, payload json.RawMessage) (*models.QueueEntry, error) {
	if action == models.ActionCreate && clientID == "" {
		clientID = uuid.New()
	}

	entry := &models.QueueEntry{
		Table:     table,
		Action:    action,
		RecordID:  recordID,
		ClientID:  clientID,
		Payload:   payload,
		Status:    models.QueueStatusPending,
		Timestamp: time.Now().UnixMilli(),
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to begin enqueue transaction", err)
	}
	defer tx.Rollback()

	var payloadArg interface{}
	if payload != nil {
		payloadArg = string(payload)
	}
	var clientIDArg interface{}
	if clientID != "" {
		clientIDArg = clientID
	}

	res, err := tx.Exec(`
	INSERT INTO sync_queue (tbl, action, record_id, client_id, payload, status, timestamp, retry_count)
	VALUES (?, ?, ?, ?, ?, ?, ?, 0)
	`, entry.Table, entry.Action, entry.RecordID, clientIDArg, payloadArg, entry.Status, entry.Timestamp)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to enqueue mutation", err)
	}

	entry.ID, err = res.LastInsertId()
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to read queue entry id", err)
	}

	// Invariant: a record is PENDING iff at least one of its queue entries
	// has not reached SYNCED.
	if _, err := tx.Exec(
		"UPDATE entity_records SET sync_status = 'PENDING' WHERE tbl = ? AND id = ?",
		table, recordID,
	); err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to mark record pending", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to commit enqueue", err)
	}

	return entry, nil
}

// QueueByStatus returns queue entries with the given status in FIFO order
// (ascending timestamp, then id).
func (s *Store) QueueByStatus(status models.QueueStatus) ([]*models.QueueEntry, error) {
	query := `
	SELECT id, tbl, action, record_id, client_id, payload, status, timestamp, retry_count, error
	FROM sync_queue WHERE status = ?
	ORDER BY timestamp ASC, id ASC
	`
	rows, err := s.db.Query(query, status)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to query queue", err)
	}
	defer rows.Close()

	var entries []*models.QueueEntry
	for rows.Next() {
		entry, err := scanQueueEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to iterate queue", err)
	}
	return entries, nil
}

// GetQueueEntry retrieves a single queue entry by id.
// Returns (nil, nil) when the entry is absent.
func (s *Store) GetQueueEntry(id int64) (*models.QueueEntry, error) {
	query := `
	SELECT id, tbl, action, record_id, client_id, payload, status, timestamp, retry_count, error
	FROM sync_queue WHERE id = ?
	`
	rows, err := s.db.Query(query, id)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to get queue entry", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanQueueEntry(rows)
}

// scanQueueEntry scans one sync_queue row.
func scanQueueEntry(rows *sql.Rows) (*models.QueueEntry, error) {
	var entry models.QueueEntry
	var clientID, payload, lastErr sql.NullString
	err := rows.Scan(
		&entry.ID, &entry.Table, &entry.Action, &entry.RecordID,
		&clientID, &payload, &entry.Status, &entry.Timestamp,
		&entry.RetryCount, &lastErr,
	)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to scan queue entry", err)
	}
	if clientID.Valid {
		entry.ClientID = clientID.String
	}
	if payload.Valid {
		entry.Payload = json.RawMessage(payload.String)
	}
	if lastErr.Valid {
		entry.Error = lastErr.String
	}
	return &entry, nil
}

// CountByStatus returns the number of queue entries with the given status.
func (s *Store) CountByStatus(status models.QueueStatus) (int, error) {
	stmt, err := s.PrepareStmt("SELECT COUNT(*) FROM sync_queue WHERE status = ?")
	if err != nil {
		return 0, err
	}

	var count int
	if err := stmt.QueryRow(status).Scan(&count); err != nil {
		return 0, errors.Wrap(errors.ErrDatabase, "failed to count queue entries", err)
	}
	return count, nil
}

// PendingCount returns the number of not-yet-pushed mutations. UI status
// badges read this without touching the network.
func (s *Store) PendingCount() (int, error) {
	return s.CountByStatus(models.QueueStatusPending)
}

// HasFailures reports whether any queue entry has given up. Together with
// PendingCount this lets indicators derive the sync-error state from local
// storage alone.
func (s *Store) HasFailures() (bool, error) {
	count, err := s.CountByStatus(models.QueueStatusFailed)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// MarkQueueSynced transitions the given entries PENDING -> SYNCED and flips
// each affected record to SYNCED once no non-SYNCED entries reference it.
func (s *Store) MarkQueueSynced(ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	in, args := inClause(ids)

	if _, err := tx.Exec(
		"UPDATE sync_queue SET status = 'SYNCED' WHERE id IN ("+in+") AND status = 'PENDING'",
		args...,
	); err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to mark entries synced", err)
	}

	refs, err := queueRecordRefs(tx, in, args)
	if err != nil {
		return err
	}

	for _, ref := range refs {
		if _, err := tx.Exec(`
		UPDATE entity_records SET sync_status = 'SYNCED'
		WHERE tbl = ? AND id = ?
		  AND NOT EXISTS (
			SELECT 1 FROM sync_queue
			WHERE tbl = ? AND record_id = ? AND status != 'SYNCED'
		  )
		`, ref.table, ref.recordID, ref.table, ref.recordID); err != nil {
			return errors.Wrap(errors.ErrDatabase, "failed to mark record synced", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to commit mark synced", err)
	}
	return nil
}

// RecordPushFailure increments retry bookkeeping for the given entries after
// a failed push batch. Entries that reach maxRetry transition to FAILED and
// are excluded from all future automatic pushes; their records flip to
// FAILED as well. The rest stay PENDING for the next cycle.
func (s *Store) RecordPushFailure(ids []int64, message string, maxRetry int) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	in, args := inClause(ids)

	updateArgs := append([]interface{}{message, maxRetry}, args...)
	if _, err := tx.Exec(`
	UPDATE sync_queue SET
		retry_count = retry_count + 1,
		error = ?,
		status = CASE WHEN retry_count + 1 >= ? THEN 'FAILED' ELSE status END
	WHERE id IN (`+in+`) AND status = 'PENDING'
	`, updateArgs...); err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to record push failure", err)
	}

	// Flip records whose entry just gave up.
	if _, err := tx.Exec(`
	UPDATE entity_records SET sync_status = 'FAILED'
	WHERE EXISTS (
		SELECT 1 FROM sync_queue
		WHERE sync_queue.tbl = entity_records.tbl
		  AND sync_queue.record_id = entity_records.id
		  AND sync_queue.id IN (`+in+`)
		  AND sync_queue.status = 'FAILED'
	)
	`, args...); err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to mark records failed", err)
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to commit push failure", err)
	}
	return nil
}

// RequeueFailed resets all FAILED entries to PENDING with a fresh retry
// budget. This is the manual-resolution path for mutations that exhausted
// their retries; nothing requeues them automatically.
func (s *Store) RequeueFailed() (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, errors.Wrap(errors.ErrDatabase, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
	UPDATE sync_queue SET status = 'PENDING', retry_count = 0, error = NULL
	WHERE status = 'FAILED'
	`)
	if err != nil {
		return 0, errors.Wrap(errors.ErrDatabase, "failed to requeue entries", err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(errors.ErrDatabase, "failed to read requeue count", err)
	}

	if _, err := tx.Exec(`
	UPDATE entity_records SET sync_status = 'PENDING'
	WHERE sync_status = 'FAILED'
	  AND EXISTS (
		SELECT 1 FROM sync_queue
		WHERE sync_queue.tbl = entity_records.tbl
		  AND sync_queue.record_id = entity_records.id
		  AND sync_queue.status = 'PENDING'
	  )
	`); err != nil {
		return 0, errors.Wrap(errors.ErrDatabase, "failed to mark records pending", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(errors.ErrDatabase, "failed to commit requeue", err)
	}
	return int(count), nil
}

// DeleteQueueEntriesOlderThan prunes queue entries with the given status
// whose timestamp is strictly before cutoff. Returns the number deleted.
func (s *Store) DeleteQueueEntriesOlderThan(cutoff int64, status models.QueueStatus) (int64, error) {
	res, err := s.db.Exec(
		"DELETE FROM sync_queue WHERE status = ? AND timestamp < ?",
		status, cutoff,
	)
	if err != nil {
		return 0, errors.Wrap(errors.ErrDatabase, "failed to prune queue", err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(errors.ErrDatabase, "failed to read prune count", err)
	}
	return count, nil
}

// =====================================================
// Sync metadata operations
// =====================================================

// GetMeta retrieves a sync metadata value. The second return value reports
// whether the key exists.
func (s *Store) GetMeta(key string) (string, bool, error) {
	stmt, err := s.PrepareStmt("SELECT value FROM sync_meta WHERE key = ?")
	if err != nil {
		return "", false, err
	}

	var value string
	err = stmt.QueryRow(key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(errors.ErrDatabase, "failed to get metadata", err)
	}
	return value, true, nil
}

// SetMeta stores a sync metadata value, overwriting any previous one.
func (s *Store) SetMeta(key, value string) error {
	_, err := s.db.Exec(`
	INSERT INTO sync_meta (key, value) VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to set metadata", err)
	}
	return nil
}

// =====================================================
// helpers
// =====================================================

// recordRef is a (table, record id) pair referenced by queue entries.
type recordRef struct {
	table    string
	recordID string
}

// queueRecordRefs returns the distinct records referenced by the entries in
// the given IN clause.
func queueRecordRefs(tx *sql.Tx, in string, args []interface{}) ([]recordRef, error) {
	rows, err := tx.Query(
		"SELECT DISTINCT tbl, record_id FROM sync_queue WHERE id IN ("+in+")",
		args...,
	)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to query record refs", err)
	}
	defer rows.Close()

	var refs []recordRef
	for rows.Next() {
		var ref recordRef
		if err := rows.Scan(&ref.table, &ref.recordID); err != nil {
			return nil, errors.Wrap(errors.ErrDatabase, "failed to scan record ref", err)
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to iterate record refs", err)
	}
	return refs, nil
}

// inClause builds a "?, ?, ..." placeholder list and its argument slice.
func inClause(ids []int64) (string, []interface{}) {
	placeholders := make([]string, len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	return strings.Join(placeholders, ", "), args
}
