package core

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Sweeper periodically deletes stale sessions and old activity rows. It only removes rows
// whose timestamps are already past their deadlines, so it is safe alongside live traffic.
type Sweeper struct {
	service  *SessionService
	interval time.Duration
	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
}

// SweepResult counts what one sweep removed
type SweepResult struct {
	Sessions   int64 `json:"sessions"`
	Activities int64 `json:"activities"`
}

// NewSweeper creates a sweeper running at the service's configured interval
func NewSweeper(service *SessionService) *Sweeper {
	interval := service.config.SweepInterval
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &Sweeper{
		service:  service,
		interval: interval,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the sweep loop is active
func (sw *Sweeper) Running() bool {
	return sw.running.Load()
}

// Run sweeps on every tick until ctx is cancelled or Stop is called. Call in a goroutine.
func (sw *Sweeper) Run(ctx context.Context) {
	sw.running.Store(true)
	defer sw.running.Store(false)

	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sw.stop:
			return
		case <-ticker.C:
			sw.safeSweep(ctx)
		}
	}
}

// Stop signals the sweep loop to exit
func (sw *Sweeper) Stop() {
	sw.stopOnce.Do(func() { close(sw.stop) })
}

func (sw *Sweeper) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			sw.service.logger.Error("Panic in session sweeper", "panic", fmt.Sprint(r))
		}
	}()
	if _, err := sw.SweepOnce(ctx); err != nil {
		sw.service.logger.Error("Session sweep failed", "error", err)
	}
}

// SweepOnce runs a single sweep
func (sw *Sweeper) SweepOnce(ctx context.Context) (SweepResult, error) {
	s := sw.service
	now := s.now()
	result := SweepResult{}

	sessions, err := s.storage.DeleteStaleSessions(ctx, StaleCutoff{
		Now:                  now,
		IdleBefore:           now.Add(-s.config.IdleTimeout),
		RememberMeIdleBefore: now.Add(-s.config.RememberMeIdleTimeout),
	})
	if err != nil {
		return result, fmt.Errorf("failed to delete stale sessions: %w", err)
	}
	result.Sessions = sessions
	sweepDeletionsTotal.WithLabelValues("sessions").Add(float64(sessions))

	if s.config.ActivityRetention > 0 {
		activities, err := s.storage.DeleteActivitiesBefore(ctx, now.Add(-s.config.ActivityRetention))
		if err != nil {
			return result, fmt.Errorf("failed to delete old activities: %w", err)
		}
		result.Activities = activities
		sweepDeletionsTotal.WithLabelValues("activities").Add(float64(activities))
	}

	if result.Sessions > 0 || result.Activities > 0 {
		s.logger.Info("Session sweep complete",
			"sessions_deleted", result.Sessions,
			"activities_deleted", result.Activities,
			"geo_cache_entries", s.resolver.CacheLen())
	}
	return result, nil
}
