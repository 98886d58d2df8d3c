// Package sync implements the push/pull reconciliation engine.
package sync

import (
	"context"
	"sync"
	"time"

	"github.com/fieldbase/sitesync/internal/db"
	"github.com/fieldbase/sitesync/internal/errors"
	"github.com/fieldbase/sitesync/internal/logging"
	"github.com/fieldbase/sitesync/internal/models"
)

// Status represents the current engine status.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusSyncing Status = "syncing"
	StatusFailed  Status = "failed"
)

// Config holds the engine's tunables.
type Config struct {
	BatchSize      int           // queue entries per push request
	MaxRetry       int           // failed attempts before an entry gives up
	SyncInterval   time.Duration // scheduler tick, passed through to callers
	QueueRetention time.Duration // how long SYNCED entries are kept for audit
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() *Config {
	return &Config{
		BatchSize:      50,
		MaxRetry:       3,
		SyncInterval:   30 * time.Second,
		QueueRetention: 24 * time.Hour,
	}
}

// Result aggregates one FullSync outcome.
type Result struct {
	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration
	Pushed    int // queue entries accepted by the remote
	Failed    int // queue entries whose batch was rejected this cycle
	Pulled    int // remote records written locally
	Error     string
}

// Engine reconciles the local store with the remote sync service. FullSync
// runs push before pull so local edits are visible server-side before the
// client asks what changed.
type Engine struct {
	store  *db.Store
	remote RemoteService
	config *Config

	// syncMu serializes FullSync; a trigger that can't take it is dropped.
	syncMu sync.Mutex

	mu       sync.RWMutex
	status   Status
	lastSync *time.Time
	lastErr  error
}

// NewEngine creates a new Engine. A nil config selects DefaultConfig.
func NewEngine(store *db.Store, remote RemoteService, config *Config) *Engine {
	if config == nil {
		config = DefaultConfig()
	}
	return &Engine{
		store:  store,
		remote: remote,
		config: config,
		status: StatusIdle,
	}
}

// Status returns the current engine status.
func (e *Engine) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status
}

// LastSync returns the completion time of the last successful sync.
func (e *Engine) LastSync() *time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastSync
}

// LastError returns the last sync error.
func (e *Engine) LastError() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastErr
}

// PendingCount returns the number of not-yet-pushed mutations.
func (e *Engine) PendingCount() (int, error) {
	return e.store.PendingCount()
}

// RetryFailed re-arms every FAILED queue entry with a fresh retry budget.
// FAILED entries are never retried automatically; this is the explicit
// recovery path.
func (e *Engine) RetryFailed() (int, error) {
	count, err := e.store.RequeueFailed()
	if err != nil {
		return 0, err
	}
	if count > 0 {
		logging.Info("Requeued failed mutations", logging.Fields{"count": count})
	}
	return count, nil
}

// FullSync runs push then pull and aggregates the outcome. A call arriving
// while a sync is in flight is dropped with ErrSyncInProgress; state is
// fully reconciled again on the next trigger.
func (e *Engine) FullSync(ctx context.Context) (*Result, error) {
	if !e.syncMu.TryLock() {
		return nil, errors.New(errors.ErrSyncInProgress, "sync already in progress")
	}
	defer e.syncMu.Unlock()

	e.mu.Lock()
	e.status = StatusSyncing
	e.lastErr = nil
	e.mu.Unlock()

	result := &Result{StartTime: time.Now()}

	var syncErr error
	defer func() {
		result.EndTime = time.Now()
		result.Duration = result.EndTime.Sub(result.StartTime)

		e.mu.Lock()
		if syncErr != nil {
			e.status = StatusFailed
			e.lastErr = syncErr
			result.Error = syncErr.Error()
		} else {
			e.status = StatusIdle
			e.lastSync = &result.EndTime
		}
		e.mu.Unlock()
	}()

	pushed, failed, err := e.push(ctx)
	result.Pushed = pushed
	result.Failed = failed
	if err != nil {
		syncErr = err
		return result, err
	}

	pulled, err := e.pull(ctx)
	result.Pulled = pulled
	if err != nil {
		syncErr = err
		return result, err
	}

	logging.Info("Sync completed", logging.Fields{
		"pushed":      result.Pushed,
		"failed":      result.Failed,
		"pulled":      result.Pulled,
		"duration_ms": result.Duration.Milliseconds(),
	})
	return result, nil
}

// push drains PENDING queue entries to the remote in FIFO batches. Batch
// rejections are absorbed into per-entry retry bookkeeping and the failed
// count; only local storage errors are returned.
func (e *Engine) push(ctx context.Context) (pushed, failed int, err error) {
	entries, err := e.store.QueueByStatus(models.QueueStatusPending)
	if err != nil {
		return 0, 0, err
	}
	if len(entries) == 0 {
		return 0, 0, nil
	}

	// Batches run in sequence so a record's mutation history is applied in
	// creation order (CREATE before any later UPDATE/DELETE).
	for start := 0; start < len(entries); start += e.config.BatchSize {
		end := start + e.config.BatchSize
		if end > len(entries) {
			end = len(entries)
		}
		batch := entries[start:end]

		changes := make([]Change, len(batch))
		ids := make([]int64, len(batch))
		for i, entry := range batch {
			changes[i] = Change{
				Table:     entry.Table,
				Action:    entry.Action,
				RecordID:  entry.RecordID,
				ClientID:  entry.ClientID,
				Payload:   entry.Payload,
				Timestamp: entry.Timestamp,
			}
			ids[i] = entry.ID
		}

		if pushErr := e.remote.Push(ctx, changes); pushErr != nil {
			// A failing batch doesn't abort the ones after it.
			if err := e.store.RecordPushFailure(ids, pushErr.Error(), e.config.MaxRetry); err != nil {
				return pushed, failed, err
			}
			failed += len(batch)
			logging.Warn("Push batch rejected", logging.Fields{
				"size":  len(batch),
				"error": pushErr.Error(),
			})
			continue
		}

		if err := e.store.MarkQueueSynced(ids); err != nil {
			return pushed, failed, err
		}
		pushed += len(batch)
	}

	// Retention prune: SYNCED entries are kept for diagnostics, not
	// correctness.
	cutoff := time.Now().Add(-e.config.QueueRetention).UnixMilli()
	if _, err := e.store.DeleteQueueEntriesOlderThan(cutoff, models.QueueStatusSynced); err != nil {
		return pushed, failed, err
	}

	return pushed, failed, nil
}

// pull fetches remote deltas since the stored watermark and merges them into
// the local store. Records with unpropagated local edits (PENDING, or FAILED
// awaiting manual retry) win over the remote copy until they are pushed and
// re-pulled. The watermark advances only after the whole merge lands, so an
// interrupted pull repeats the same window on the next run.
func (e *Engine) pull(ctx context.Context) (int, error) {
	since, _, err := e.store.GetMeta(models.MetaLastSyncTimestamp)
	if err != nil {
		return 0, err
	}

	resp, err := e.remote.Pull(ctx, since)
	if err != nil {
		return 0, errors.Wrap(errors.ErrPullFailed, "remote pull failed", err)
	}

	pulled := 0
	for table, records := range resp.Tables {
		for _, remote := range records {
			local, err := e.store.GetRecord(table, remote.ID)
			if err != nil {
				return pulled, err
			}

			if local != nil && local.SyncStatus != models.SyncStateSynced {
				logging.Debug("Keeping local copy over remote", logging.Fields{
					"table":  table,
					"id":     remote.ID,
					"status": string(local.SyncStatus),
				})
				continue
			}

			if err := e.store.PutRecord(&models.Record{
				Table:      table,
				ID:         remote.ID,
				Payload:    remote.Data,
				SyncStatus: models.SyncStateSynced,
			}); err != nil {
				return pulled, err
			}
			pulled++
		}
	}

	if resp.SyncTimestamp != "" {
		if err := e.store.SetMeta(models.MetaLastSyncTimestamp, resp.SyncTimestamp); err != nil {
			return pulled, err
		}
	}

	return pulled, nil
}
