package domain

import (
	"context"
	"errors"
	"fmt"
)

type TaskStatus string

const (
	TaskStatusSuccess  TaskStatus = "success"
	TaskStatusDegraded TaskStatus = "degraded"
	TaskStatusFailed   TaskStatus = "failed"
)

// ErrDataUnavailable marks a task output that could not be fully built
// because an upstream source had no data. Producers return it (possibly
// wrapped) to settle as degraded instead of failed; dependents reading the
// output of a degraded or failed dependency receive it from Output.
var ErrDataUnavailable = errors.New("data unavailable")

// ErrCycle is returned by NewGraph when the declared dependencies do not
// form a DAG.
var ErrCycle = errors.New("task graph contains a cycle")

// TaskResult is the per-execution outcome of one task.
type TaskResult struct {
	Status TaskStatus
	Output any
	Err    error
}

// Cache is the namespaced read-through cache available to task producers.
// Concurrent misses on the same (namespace, key) invoke compute once.
type Cache interface {
	GetOrCompute(ctx context.Context, namespace, key string, compute func(ctx context.Context) ([]byte, error)) ([]byte, error)
}

// TaskContext carries everything a producer may consult: the job subject,
// its validated options, the shared cache, and the outputs of the task's
// declared dependencies.
type TaskContext struct {
	JobID      JobID
	SubjectKey string
	Options    GenerateOptions
	Cache      Cache

	deps map[string]TaskResult
}

func NewTaskContext(jobID JobID, subjectKey string, opts GenerateOptions, cache Cache, deps map[string]TaskResult) *TaskContext {
	return &TaskContext{JobID: jobID, SubjectKey: subjectKey, Options: opts, Cache: cache, deps: deps}
}

// Output returns the output of a declared dependency. For a degraded or
// failed dependency it returns ErrDataUnavailable so the producer can apply
// its own best-effort reduction.
func (tc *TaskContext) Output(name string) (any, error) {
	res, ok := tc.deps[name]
	if !ok {
		return nil, fmt.Errorf("task has no dependency %q", name)
	}
	if res.Status == TaskStatusFailed {
		return nil, ErrDataUnavailable
	}
	return res.Output, nil
}

// Dep returns the raw result of a declared dependency, including its status.
func (tc *TaskContext) Dep(name string) (TaskResult, bool) {
	res, ok := tc.deps[name]
	return res, ok
}

// Producer builds one section's content from its dependency outputs.
type Producer func(ctx context.Context, tc *TaskContext) (any, error)

// TaskNode is one named unit of work in a document type's graph.
// A non-required task that fails degrades its section; a required one
// fails its descendants.
type TaskNode struct {
	Name      string
	DependsOn []string
	Required  bool
	Run       Producer
}

// Graph is the fixed DAG of tasks for one document type. It is built once
// and shared read-only across job executions.
type Graph struct {
	name  string
	nodes map[string]*TaskNode
	order []string
}

// NewGraph validates the node set: names must be unique, dependencies must
// exist, and the dependency relation must be acyclic. The declared order is
// preserved and drives section ordering in the assembled artifact.
func NewGraph(name string, nodes []TaskNode) (*Graph, error) {
	g := &Graph{
		name:  name,
		nodes: make(map[string]*TaskNode, len(nodes)),
		order: make([]string, 0, len(nodes)),
	}
	for i := range nodes {
		n := nodes[i]
		if n.Name == "" {
			return nil, fmt.Errorf("graph %s: task with empty name", name)
		}
		if _, dup := g.nodes[n.Name]; dup {
			return nil, fmt.Errorf("graph %s: duplicate task %q", name, n.Name)
		}
		if n.Run == nil {
			return nil, fmt.Errorf("graph %s: task %q has no producer", name, n.Name)
		}
		g.nodes[n.Name] = &n
		g.order = append(g.order, n.Name)
	}
	for _, n := range g.nodes {
		for _, dep := range n.DependsOn {
			if _, ok := g.nodes[dep]; !ok {
				return nil, fmt.Errorf("graph %s: task %q depends on unknown task %q", name, n.Name, dep)
			}
		}
	}
	if err := g.checkAcyclic(); err != nil {
		return nil, err
	}
	return g, nil
}

// checkAcyclic runs a DFS with three-color marking over the dependency edges.
func (g *Graph) checkAcyclic() error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.nodes))

	var visit func(name string) error
	visit = func(name string) error {
		color[name] = gray
		for _, dep := range g.nodes[name].DependsOn {
			switch color[dep] {
			case gray:
				return fmt.Errorf("%w: %s -> %s", ErrCycle, name, dep)
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		color[name] = black
		return nil
	}

	for _, name := range g.order {
		if color[name] == white {
			if err := visit(name); err != nil {
				return err
			}
		}
	}
	return nil
}

func (g *Graph) Name() string { return g.name }

func (g *Graph) Len() int { return len(g.nodes) }

// Order returns task names in declared precedence order.
func (g *Graph) Order() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// Terminal returns the last declared task, by convention the one that
// assembles the artifact.
func (g *Graph) Terminal() string {
	if len(g.order) == 0 {
		return ""
	}
	return g.order[len(g.order)-1]
}

func (g *Graph) Node(name string) (*TaskNode, bool) {
	n, ok := g.nodes[name]
	return n, ok
}

// Dependents returns the reverse adjacency: task name to the tasks that
// directly depend on it.
func (g *Graph) Dependents() map[string][]string {
	out := make(map[string][]string, len(g.nodes))
	for _, name := range g.order {
		for _, dep := range g.nodes[name].DependsOn {
			out[dep] = append(out[dep], name)
		}
	}
	return out
}
