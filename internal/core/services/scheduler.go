package services

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/semaphore"

	"deckforge/internal/core/domain"
)

// ErrQueueFull is surfaced to the submission path when the pending queue
// cannot accept another job; clients see it as a 503.
var ErrQueueFull = errors.New("scheduling queue full")

// Scheduler is the background worker pool: it consumes queued job IDs and
// hands each to the runner, bounded by a weighted semaphore so at most
// maxConcurrent jobs generate decks at once.
type Scheduler struct {
	logger  *slog.Logger
	pending chan domain.JobID
	sem     *semaphore.Weighted
}

func NewScheduler(logger *slog.Logger, maxConcurrent int64, queueDepth int) *Scheduler {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	if queueDepth <= 0 {
		queueDepth = 100
	}
	return &Scheduler{
		logger:  logger,
		pending: make(chan domain.JobID, queueDepth),
		sem:     semaphore.NewWeighted(maxConcurrent),
	}
}

// Submit enqueues a job for execution.
func (s *Scheduler) Submit(id domain.JobID) error {
	select {
	case s.pending <- id:
		s.logger.Info("job enqueued", "job_id", id)
		return nil
	default:
		return ErrQueueFull
	}
}

// Start launches the consumer loop. handler runs one job to a terminal
// state; it is invoked on its own goroutine so the loop keeps consuming.
func (s *Scheduler) Start(ctx context.Context, handler func(context.Context, domain.JobID)) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				s.logger.Info("scheduler stopping")
				return
			case id := <-s.pending:
				if err := s.sem.Acquire(ctx, 1); err != nil {
					return
				}
				go func(id domain.JobID) {
					defer s.sem.Release(1)
					handler(ctx, id)
				}(id)
			}
		}
	}()
}
