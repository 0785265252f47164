package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"deckforge/internal/core/domain"
	"deckforge/internal/core/ports"
)

const recoveryListLimit = 1000

// RecoverJobs reconciles the durable store with the empty in-process queue
// at startup. Jobs left running by a previous process were interrupted
// mid-generation and are failed; queued jobs are re-submitted so they run
// instead of sitting orphaned until the sweeper expires them.
func RecoverJobs(ctx context.Context, logger *slog.Logger, jobs ports.JobStore, sched *Scheduler) error {
	all, err := jobs.List(ctx, recoveryListLimit)
	if err != nil {
		return fmt.Errorf("failed to list jobs for recovery: %w", err)
	}

	var requeued, failed int
	// List is newest first; walk backwards so re-submission keeps the
	// original queue order.
	for i := len(all) - 1; i >= 0; i-- {
		job := all[i]
		switch job.Status {
		case domain.JobStatusRunning:
			jobErr := domain.JobError{Kind: domain.ErrorKindInternal, Detail: "interrupted by restart"}
			if err := jobs.Fail(ctx, job.ID, jobErr); err != nil && !errors.Is(err, domain.ErrJobTerminal) {
				logger.Warn("could not fail interrupted job", "job_id", job.ID, "error", err)
				continue
			}
			failed++
		case domain.JobStatusQueued:
			if err := sched.Submit(job.ID); err != nil {
				jobErr := domain.JobError{Kind: domain.ErrorKindInternal, Detail: "job queue is full"}
				if ferr := jobs.Fail(ctx, job.ID, jobErr); ferr != nil && !errors.Is(ferr, domain.ErrJobTerminal) {
					logger.Warn("could not fail unqueueable job", "job_id", job.ID, "error", ferr)
				}
				failed++
				continue
			}
			requeued++
		}
	}

	if requeued > 0 || failed > 0 {
		logger.Info("job recovery complete", "requeued", requeued, "failed", failed)
	}
	return nil
}
