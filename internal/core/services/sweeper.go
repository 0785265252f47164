package services

import (
	"context"
	"log/slog"
	"time"

	"deckforge/internal/core/ports"
)

// CacheReaper is the slice of the store the sweeper needs.
type CacheReaper interface {
	ReapCache(ctx context.Context, now time.Time) (int, error)
}

// Sweeper periodically purges expired jobs, expired cache entries, and
// artifacts past the retention window.
type Sweeper struct {
	logger    *slog.Logger
	jobs      ports.JobStore
	cache     CacheReaper
	artifacts ports.ArtifactStore
	retention time.Duration
	interval  time.Duration
}

func NewSweeper(logger *slog.Logger, jobs ports.JobStore, cache CacheReaper, artifacts ports.ArtifactStore, retention, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &Sweeper{
		logger:    logger,
		jobs:      jobs,
		cache:     cache,
		artifacts: artifacts,
		retention: retention,
		interval:  interval,
	}
}

// Run blocks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	s.logger.Info("sweeper started", "interval", s.interval, "retention", s.retention)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return nil
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *Sweeper) sweepOnce(ctx context.Context) {
	now := time.Now()

	jobs, err := s.jobs.Sweep(ctx, now)
	if err != nil {
		s.logger.Error("job sweep failed", "error", err)
	}

	entries, err := s.cache.ReapCache(ctx, now)
	if err != nil {
		s.logger.Error("cache reap failed", "error", err)
	}

	artifacts, err := s.artifacts.Sweep(ctx, now.Add(-s.retention))
	if err != nil {
		s.logger.Error("artifact sweep failed", "error", err)
	}

	if jobs > 0 || entries > 0 || artifacts > 0 {
		s.logger.Info("sweep complete", "jobs", jobs, "cache_entries", entries, "artifacts", artifacts)
	}
}
