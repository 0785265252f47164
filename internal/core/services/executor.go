package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"deckforge/internal/core/domain"
)

// ProgressFunc is invoked after every task settles with the count of
// settled tasks and the graph total. Tasks settled without running (doomed
// descendants of a failed required task, cancellations) report too, so the
// count always reaches the total.
type ProgressFunc func(settled, total int, message string)

// Executor runs one document type's task graph for one job. It schedules
// tasks whose dependencies have all settled, runs independent tasks in
// parallel up to the concurrency limit, and records a per-task outcome
// instead of aborting on first failure.
type Executor struct {
	logger      *slog.Logger
	concurrency int
}

func NewExecutor(logger *slog.Logger, concurrency int) *Executor {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Executor{logger: logger, concurrency: concurrency}
}

// Execute drives the graph to completion and returns every task's result.
// cancelled is consulted between scheduling waves; once it reports true, no
// new task starts and the remaining pending tasks settle as failed with a
// cancellation error. In-flight tasks are allowed to finish.
func (e *Executor) Execute(
	ctx context.Context,
	g *domain.Graph,
	jobID domain.JobID,
	subjectKey string,
	opts domain.GenerateOptions,
	cache domain.Cache,
	progress ProgressFunc,
	cancelled func() bool,
) map[string]domain.TaskResult {
	total := g.Len()
	results := make(map[string]domain.TaskResult, total)
	var mu sync.Mutex

	settled := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(results)
	}

	report := func(name string) {
		if progress == nil {
			return
		}
		progress(settled(), total, name)
	}

	for settled() < total {
		if ctx.Err() != nil || (cancelled != nil && cancelled()) {
			for _, name := range e.cancelPending(g, results, &mu) {
				report(name)
			}
			return results
		}

		wave, doomed := e.eligible(g, results, &mu)
		for _, name := range doomed {
			report(name)
		}
		if len(wave) == 0 {
			if settled() >= total {
				return results
			}
			// Dependencies all settled yet nothing is runnable: cannot
			// happen on a validated DAG, but guard against looping forever.
			e.logger.Error("no eligible tasks on unfinished graph", "graph", g.Name())
			for _, name := range e.cancelPending(g, results, &mu) {
				report(name)
			}
			return results
		}

		var grp errgroup.Group
		grp.SetLimit(e.concurrency)
		for _, name := range wave {
			grp.Go(func() error {
				e.runTask(ctx, g, name, jobID, subjectKey, opts, cache, results, &mu)
				report(name)
				return nil
			})
		}
		_ = grp.Wait()
	}

	return results
}

// eligible returns pending tasks whose dependencies have all settled, in
// declared order. Before selecting, every descendant of a failed required
// task is settled as failed without being invoked; failed non-required
// tasks do not doom their dependents, which run and see an unavailable
// output instead. The second return lists the tasks settled this way so
// the caller can report them.
func (e *Executor) eligible(g *domain.Graph, results map[string]domain.TaskResult, mu *sync.Mutex) (wave, doomed []string) {
	mu.Lock()
	defer mu.Unlock()

	dependents := g.Dependents()
	for _, name := range g.Order() {
		res, done := results[name]
		node, _ := g.Node(name)
		if done && node.Required && res.Status == domain.TaskStatusFailed {
			doomed = append(doomed, e.doomDescendants(name, dependents, results)...)
		}
	}

	for _, name := range g.Order() {
		if _, done := results[name]; done {
			continue
		}
		node, _ := g.Node(name)

		ready := true
		for _, dep := range node.DependsOn {
			if _, settledDep := results[dep]; !settledDep {
				ready = false
				break
			}
		}
		if ready {
			wave = append(wave, name)
		}
	}
	return wave, doomed
}

// doomDescendants settles every transitive dependent of root as failed and
// returns their names.
func (e *Executor) doomDescendants(root string, dependents map[string][]string, results map[string]domain.TaskResult) []string {
	var settled []string
	queue := append([]string(nil), dependents[root]...)
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		if _, done := results[name]; done {
			continue
		}
		results[name] = domain.TaskResult{
			Status: domain.TaskStatusFailed,
			Err:    fmt.Errorf("required dependency %q failed", root),
		}
		settled = append(settled, name)
		queue = append(queue, dependents[name]...)
	}
	return settled
}

func (e *Executor) runTask(
	ctx context.Context,
	g *domain.Graph,
	name string,
	jobID domain.JobID,
	subjectKey string,
	opts domain.GenerateOptions,
	cache domain.Cache,
	results map[string]domain.TaskResult,
	mu *sync.Mutex,
) {
	node, _ := g.Node(name)

	mu.Lock()
	deps := make(map[string]domain.TaskResult, len(node.DependsOn))
	for _, dep := range node.DependsOn {
		deps[dep] = results[dep]
	}
	mu.Unlock()

	tc := domain.NewTaskContext(jobID, subjectKey, opts, cache, deps)
	output, err := node.Run(ctx, tc)

	res := domain.TaskResult{Status: domain.TaskStatusSuccess, Output: output}
	switch {
	case err == nil:
	case isDataUnavailable(err):
		res.Status = domain.TaskStatusDegraded
		res.Err = err
		e.logger.Warn("task degraded", "graph", g.Name(), "task", name, "error", err)
	default:
		res.Status = domain.TaskStatusFailed
		res.Output = nil
		res.Err = err
		e.logger.Error("task failed", "graph", g.Name(), "task", name, "required", node.Required, "error", err)
	}

	mu.Lock()
	results[name] = res
	mu.Unlock()
}

// cancelPending settles every still-pending task as failed-by-cancellation
// and returns their names.
func (e *Executor) cancelPending(g *domain.Graph, results map[string]domain.TaskResult, mu *sync.Mutex) []string {
	mu.Lock()
	defer mu.Unlock()
	var settled []string
	for _, name := range g.Order() {
		if _, done := results[name]; !done {
			results[name] = domain.TaskResult{
				Status: domain.TaskStatusFailed,
				Err:    context.Canceled,
			}
			settled = append(settled, name)
		}
	}
	return settled
}

func isDataUnavailable(err error) bool {
	return errors.Is(err, domain.ErrDataUnavailable)
}
