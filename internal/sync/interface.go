// Package sync provides synchronization interfaces and implementations.
package sync

import (
	"context"
	"time"
)

// Syncer is the engine surface consumed by the scheduler and by status UI.
// It allows mocking in tests and alternative implementations.
type Syncer interface {
	// FullSync runs push then pull. A call arriving while a sync is in
	// flight returns ErrSyncInProgress and does nothing.
	FullSync(ctx context.Context) (*Result, error)

	// Status returns the current engine status.
	Status() Status

	// LastSync returns the completion time of the last successful sync.
	LastSync() *time.Time

	// PendingCount returns the number of not-yet-pushed mutations.
	PendingCount() (int, error)

	// LastError returns the last error that occurred during sync.
	LastError() error
}

// Engine satisfies Syncer.
var _ Syncer = (*Engine)(nil)
