package ports

import (
	"context"
	"io"
	"time"

	"deckforge/internal/core/domain"
)

// JobStore abstracts the durable job table. All transitions are guarded:
// Start is a queued->running compare-and-set, Complete/Fail are
// running->terminal compare-and-sets, and Update is rejected once terminal.
type JobStore interface {
	// Create inserts a new job in queued state and returns its ID.
	Create(ctx context.Context, subjectKey string, opts domain.GenerateOptions) (domain.JobID, error)

	// Get retrieves a job by ID.
	Get(ctx context.Context, id domain.JobID) (*domain.Job, error)

	// List returns unexpired jobs, newest first.
	List(ctx context.Context, limit int) ([]domain.Job, error)

	// Start transitions queued -> running.
	Start(ctx context.Context, id domain.JobID) error

	// Update writes progress and message. Only valid while running.
	Update(ctx context.Context, id domain.JobID, progress int, message string) error

	// Complete transitions running -> completed with the result.
	Complete(ctx context.Context, id domain.JobID, result *domain.JobResult) error

	// Fail transitions running (or queued) -> failed with the error.
	Fail(ctx context.Context, id domain.JobID, jobErr domain.JobError) error

	// RequestCancel flags a non-terminal job for cancellation.
	RequestCancel(ctx context.Context, id domain.JobID) error

	// Sweep deletes jobs past their expiry. Returns the number removed.
	Sweep(ctx context.Context, now time.Time) (int, error)

	// Stats returns job counts by status for unexpired jobs.
	Stats(ctx context.Context) (map[domain.JobStatus]int, error)
}

// ArtifactStore holds generated deck binaries keyed by opaque refs.
type ArtifactStore interface {
	Save(ctx context.Context, jobID domain.JobID, filename string, data []byte) (ref string, err error)
	Open(ctx context.Context, ref string) (io.ReadCloser, int64, error)
	Delete(ctx context.Context, ref string) error

	// Sweep removes artifacts older than the cutoff. Returns the number removed.
	Sweep(ctx context.Context, olderThan time.Time) (int, error)
}
