package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"deckforge/internal/core/domain"
	"deckforge/internal/core/ports"
)

// Progress band reserved for task execution. Submission pins 0, the
// running transition pins the lower bound, terminal writes pin 100.
const (
	progressFloor = 5
	progressCeil  = 95
)

// Runner binds one job to one task graph execution: it owns every write to
// the job row from the running transition to the terminal one, forwards
// executor progress into the store, and publishes a snapshot on the event
// bus after each write.
type Runner struct {
	logger      *slog.Logger
	jobs        ports.JobStore
	bus         *EventBus
	exec        *Executor
	cache       domain.Cache
	graphs      map[string]*domain.Graph
	maxLifetime time.Duration
}

func NewRunner(logger *slog.Logger, jobs ports.JobStore, bus *EventBus, exec *Executor, cache domain.Cache, maxLifetime time.Duration) *Runner {
	if maxLifetime <= 0 {
		maxLifetime = 30 * time.Minute
	}
	return &Runner{
		logger:      logger,
		jobs:        jobs,
		bus:         bus,
		exec:        exec,
		cache:       cache,
		graphs:      make(map[string]*domain.Graph),
		maxLifetime: maxLifetime,
	}
}

// RegisterGraph installs the shared, read-only graph for a document type.
func (r *Runner) RegisterGraph(documentType string, g *domain.Graph) {
	r.graphs[documentType] = g
}

// Run executes the job to a terminal state. Safe to call from a duplicate
// worker: the store's compare-and-set transitions make the second caller a
// no-op.
func (r *Runner) Run(ctx context.Context, id domain.JobID, documentType string) {
	// Store writes must outlive executor timeouts and cancellation.
	storeCtx := context.WithoutCancel(ctx)

	job, err := r.jobs.Get(storeCtx, id)
	if err != nil {
		r.logger.Error("runner could not load job", "job_id", id, "error", err)
		return
	}

	if job.CancelRequested {
		r.fail(storeCtx, id, domain.JobError{Kind: domain.ErrorKindCancelled, Detail: "cancelled before start"})
		return
	}

	g, ok := r.graphs[documentType]
	if !ok {
		r.fail(storeCtx, id, domain.JobError{
			Kind:   domain.ErrorKindInternal,
			Detail: fmt.Sprintf("no graph registered for document type %q", documentType),
		})
		return
	}

	if err := r.jobs.Start(storeCtx, id); err != nil {
		if errors.Is(err, domain.ErrJobTerminal) {
			r.logger.Warn("job already claimed or finished, skipping", "job_id", id)
			return
		}
		r.logger.Error("failed to mark job running", "job_id", id, "error", err)
		return
	}
	r.publish(storeCtx, id)

	runCtx, cancel := context.WithTimeout(ctx, r.maxLifetime)
	defer cancel()

	progress := func(settled, total int, task string) {
		pct := progressFloor
		if total > 0 {
			pct += settled * (progressCeil - progressFloor) / total
		}
		msg := fmt.Sprintf("Settled %s (%d/%d sections)", task, settled, total)
		if err := r.jobs.Update(storeCtx, id, pct, msg); err != nil && !errors.Is(err, domain.ErrJobTerminal) {
			r.logger.Warn("progress write failed", "job_id", id, "error", err)
		}
		r.publish(storeCtx, id)
	}

	cancelled := func() bool {
		current, err := r.jobs.Get(storeCtx, id)
		if err != nil {
			return false
		}
		return current.CancelRequested
	}

	results := r.exec.Execute(runCtx, g, id, job.SubjectKey, job.Options, r.cache, progress, cancelled)

	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		r.fail(storeCtx, id, domain.JobError{
			Kind:   domain.ErrorKindTimeout,
			Detail: fmt.Sprintf("generation exceeded maximum lifetime of %s", r.maxLifetime),
		})
	case cancelled():
		r.fail(storeCtx, id, domain.JobError{Kind: domain.ErrorKindCancelled, Detail: "cancelled by client"})
	default:
		r.settle(storeCtx, id, g, results)
	}
}

// settle writes the terminal state from the executor's results. The graph's
// terminal task assembles the artifact; if it produced a result the job
// completes (possibly with degraded sections), otherwise the job fails with
// an aggregate of the failed branches.
func (r *Runner) settle(ctx context.Context, id domain.JobID, g *domain.Graph, results map[string]domain.TaskResult) {
	final := results[g.Terminal()]
	if final.Status != domain.TaskStatusFailed {
		result, ok := final.Output.(*domain.JobResult)
		if !ok {
			r.fail(ctx, id, domain.JobError{
				Kind:   domain.ErrorKindInternal,
				Detail: fmt.Sprintf("terminal task %q produced %T, expected job result", g.Terminal(), final.Output),
			})
			return
		}
		if err := r.jobs.Complete(ctx, id, result); err != nil && !errors.Is(err, domain.ErrJobTerminal) {
			r.logger.Error("failed to complete job", "job_id", id, "error", err)
		}
		r.publish(ctx, id)
		return
	}

	r.fail(ctx, id, domain.JobError{
		Kind:   domain.ErrorKindGeneration,
		Detail: summarizeFailures(results),
	})
}

// summarizeFailures aggregates failed branches into one readable detail line.
func summarizeFailures(results map[string]domain.TaskResult) string {
	var parts []string
	for name, res := range results {
		if res.Status == domain.TaskStatusFailed && res.Err != nil {
			parts = append(parts, fmt.Sprintf("%s: %s", name, firstLine(res.Err.Error())))
		}
	}
	sort.Strings(parts)
	if len(parts) == 0 {
		return "generation failed"
	}
	return strings.Join(parts, "; ")
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func (r *Runner) fail(ctx context.Context, id domain.JobID, jobErr domain.JobError) {
	if err := r.jobs.Fail(ctx, id, jobErr); err != nil && !errors.Is(err, domain.ErrJobTerminal) {
		r.logger.Error("failed to mark job failed", "job_id", id, "error", err)
	}
	r.publish(ctx, id)
}

func (r *Runner) publish(ctx context.Context, id domain.JobID) {
	job, err := r.jobs.Get(ctx, id)
	if err != nil {
		return
	}
	r.bus.Publish(*job)
}
