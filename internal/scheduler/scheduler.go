// Package scheduler runs periodic background syncs for every user with an
// active provider connection.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vcscsvcscs/wearable-sync/pkg/model"
	"go.uber.org/zap"
)

// defaultMaxCatchUp bounds how far back a cycle reaches for a user whose last sync is stale
const defaultMaxCatchUp = 90 * 24 * time.Hour

// UserLister returns a sync cursor for every user with an active connection
type UserLister interface {
	ListSyncCursors(ctx context.Context) ([]model.SyncCursor, error)
}

// BatchSyncer syncs many users over one window
type BatchSyncer interface {
	SyncUsers(ctx context.Context, userIDs []string, providers []model.Provider, start, end time.Time) map[string][]model.SyncResult
}

// Scheduler triggers a batch sync on a fixed interval
type Scheduler struct {
	users    UserLister
	syncer   BatchSyncer
	interval time.Duration
	lookback time.Duration
	maxCatch time.Duration
	now      func() time.Time
	logger   *zap.Logger

	done chan struct{}
}

// NewScheduler creates a scheduler that syncs every interval. Each user's
// window ends now and starts at now-lookback, or earlier at the day of the
// oldest last sync when that is older, capped at 90 days back.
func NewScheduler(users UserLister, syncer BatchSyncer, interval, lookback time.Duration, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		users:    users,
		syncer:   syncer,
		interval: interval,
		lookback: lookback,
		maxCatch: defaultMaxCatchUp,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Start runs one cycle immediately and then one per interval until ctx ends.
// It blocks, so callers run it in a goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer func() {
		ticker.Stop()
		close(s.done)
	}()

	s.logger.Info("sync scheduler started",
		zap.Duration("interval", s.interval),
		zap.Duration("lookback", s.lookback),
	)

	for {
		if err := s.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("scheduled sync cycle failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			s.logger.Info("sync scheduler stopped")
			return
		case <-ticker.C:
		}
	}
}

// Wait blocks until Start has returned
func (s *Scheduler) Wait() {
	<-s.done
}

// RunOnce performs a single scheduling cycle
func (s *Scheduler) RunOnce(ctx context.Context) error {
	cursors, err := s.users.ListSyncCursors(ctx)
	if err != nil {
		return fmt.Errorf("failed to list users for scheduled sync: %w", err)
	}
	if len(cursors) == 0 {
		s.logger.Debug("no users with active connections")
		return nil
	}

	end := s.now()
	started := time.Now()

	// Users sharing a window start go out in one batch
	var starts []time.Time
	batches := make(map[int64][]string)
	for _, c := range cursors {
		start := s.windowStart(c, end)
		key := start.UnixNano()
		if _, ok := batches[key]; !ok {
			starts = append(starts, start)
		}
		batches[key] = append(batches[key], c.UserID)
	}

	synced, succeeded, failed := 0, 0, 0
	for _, start := range starts {
		if ctx.Err() != nil {
			break
		}
		reports := s.syncer.SyncUsers(ctx, batches[start.UnixNano()], nil, start, end)
		synced += len(reports)
		for _, results := range reports {
			for _, r := range results {
				if r.Success {
					succeeded++
				} else {
					failed++
				}
			}
		}
	}

	s.logger.Info("scheduled sync cycle completed",
		zap.Int("users", len(cursors)),
		zap.Int("windows", len(starts)),
		zap.Int("users_synced", synced),
		zap.Int("providers_succeeded", succeeded),
		zap.Int("providers_failed", failed),
		zap.Duration("duration", time.Since(started)),
	)
	return ctx.Err()
}

// windowStart never narrows the lookback window. A stale cursor widens it to
// the start of that day so providers re-cover everything since the last sync.
func (s *Scheduler) windowStart(c model.SyncCursor, end time.Time) time.Time {
	start := end.Add(-s.lookback)
	if c.OldestLastSync == nil || !c.OldestLastSync.Before(start) {
		return start
	}
	catchUp := c.OldestLastSync.UTC().Truncate(24 * time.Hour)
	if floor := end.Add(-s.maxCatch); catchUp.Before(floor) {
		catchUp = floor
	}
	if catchUp.After(start) {
		return start
	}
	return catchUp
}
