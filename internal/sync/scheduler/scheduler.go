// Package scheduler triggers background synchronization: a periodic tick
// while online, an immediate sync on reconnect, and jittered backoff after
// failed attempts.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fieldbase/sitesync/internal/errors"
	"github.com/fieldbase/sitesync/internal/logging"
	syncpkg "github.com/fieldbase/sitesync/internal/sync"
)

// Config holds scheduler configuration.
type Config struct {
	SyncInterval time.Duration // periodic tick while online (default: 30s)
	MaxBackoff   time.Duration // ceiling for post-failure delays (default: 5m)
	SyncTimeout  time.Duration // per-sync deadline (default: 5m)
}

// DefaultConfig returns default scheduler configuration.
func DefaultConfig() *Config {
	return &Config{
		SyncInterval: 30 * time.Second,
		MaxBackoff:   5 * time.Minute,
		SyncTimeout:  5 * time.Minute,
	}
}

// Scheduler drives the engine from a single goroutine. The engine itself
// drops overlapping triggers, so external SyncNow calls stay safe.
type Scheduler struct {
	engine       syncpkg.Syncer
	syncInterval time.Duration
	syncTimeout  time.Duration
	backoff      *backoff.ExponentialBackOff

	stopCh   chan struct{}
	onlineCh chan bool
	wg       sync.WaitGroup

	mu        sync.RWMutex
	isRunning bool
	isOnline  bool
	lastRun   time.Time
}

// New creates a new Scheduler.
func New(engine syncpkg.Syncer, config *Config) *Scheduler {
	if config == nil {
		config = DefaultConfig()
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = config.SyncInterval
	bo.MaxInterval = config.MaxBackoff
	bo.MaxElapsedTime = 0 // never give up; the queue holds state

	return &Scheduler{
		engine:       engine,
		syncInterval: config.SyncInterval,
		syncTimeout:  config.SyncTimeout,
		backoff:      bo,
		stopCh:       make(chan struct{}),
		onlineCh:     make(chan bool, 1),
		isOnline:     true, // assume online until told otherwise
	}
}

// Start starts the scheduler loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(ctx)

	logging.Info("Sync scheduler started", logging.Fields{
		"interval": s.syncInterval.String(),
	})
}

// Stop stops the scheduler gracefully.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()

	logging.Info("Sync scheduler stopped", nil)
}

// SetOnlineStatus records connectivity changes. The offline-to-online
// transition triggers an immediate sync so queued field edits drain as soon
// as the device reconnects.
func (s *Scheduler) SetOnlineStatus(isOnline bool) {
	s.mu.Lock()
	wasOnline := s.isOnline
	s.isOnline = isOnline
	s.mu.Unlock()

	if wasOnline == isOnline {
		return
	}

	logging.Info("Online status changed", logging.Fields{
		"was_online": wasOnline,
		"is_online":  isOnline,
	})

	if isOnline {
		select {
		case s.onlineCh <- true:
		default: // a reconnect trigger is already queued
		}
	}
}

// IsOnline returns whether the scheduler is in online mode.
func (s *Scheduler) IsOnline() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isOnline
}

// IsRunning returns whether the scheduler loop is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// LastRun returns the start time of the most recent sync attempt.
func (s *Scheduler) LastRun() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastRun
}

// SyncNow triggers an immediate sync and waits for it. Returns the engine's
// result; a sync already in flight surfaces as ErrSyncInProgress.
func (s *Scheduler) SyncNow(ctx context.Context) (*syncpkg.Result, error) {
	return s.runSync(ctx)
}

// loop is the single scheduling goroutine. After a failed sync the next
// periodic attempt is delayed with jittered exponential backoff; a reconnect
// trigger bypasses the delay.
func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	timer := time.NewTimer(s.syncInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-s.onlineCh:
			s.backoff.Reset()
			s.tick(ctx, timer)
		case <-timer.C:
			s.tick(ctx, timer)
		}
	}
}

// tick runs one sync attempt if online and arms the timer for the next one.
func (s *Scheduler) tick(ctx context.Context, timer *time.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}

	if !s.IsOnline() {
		logging.Debug("Skipping sync - offline", nil)
		timer.Reset(s.syncInterval)
		return
	}

	if _, err := s.runSync(ctx); err != nil && !errors.Is(err, errors.ErrSyncInProgress) {
		delay := s.backoff.NextBackOff()
		logging.Warn("Sync failed, backing off", logging.Fields{
			"delay": delay.String(),
			"error": err.Error(),
		})
		timer.Reset(delay)
		return
	}

	s.backoff.Reset()
	timer.Reset(s.syncInterval)
}

// runSync executes one sync with the configured deadline.
func (s *Scheduler) runSync(ctx context.Context) (*syncpkg.Result, error) {
	s.mu.Lock()
	s.lastRun = time.Now()
	s.mu.Unlock()

	syncCtx, cancel := context.WithTimeout(ctx, s.syncTimeout)
	defer cancel()

	result, err := s.engine.FullSync(syncCtx)
	if err != nil {
		if errors.Is(err, errors.ErrSyncInProgress) {
			logging.Debug("Sync already in progress, trigger dropped", nil)
			return nil, err
		}
		logging.ErrorWithCode("Sync failed", string(errors.ErrSyncFailed), err, nil)
		return result, err
	}

	logging.Debug("Scheduled sync completed", logging.Fields{
		"pushed": result.Pushed,
		"failed": result.Failed,
		"pulled": result.Pulled,
	})
	return result, nil
}
