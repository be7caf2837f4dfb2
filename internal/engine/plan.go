package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/windlass-io/windlass/internal/ir"
	"github.com/windlass-io/windlass/internal/logging"
	"github.com/windlass-io/windlass/internal/provider"
)

// Engine orchestrates the lifecycle of resources: planning changes
// against recorded state and applying them through providers.
type Engine struct {
	registry *provider.Registry

	// Parallelism bounds concurrent provider calls during apply.
	// Zero means the default.
	Parallelism int
	// Retry overrides the retry policy for transient provider errors.
	Retry *RetryPolicy
	// Timeout bounds each provider operation. Zero means the default.
	Timeout time.Duration
}

func New(registry *provider.Registry) *Engine {
	return &Engine{registry: registry}
}

// Registry exposes the provider registry the engine was built with.
func (e *Engine) Registry() *provider.Registry {
	return e.registry
}

// ConfigureProviders loads every provider named in settings and hands it
// its settings block. Providers that need no settings load lazily during
// refresh, plan, and apply.
func (e *Engine) ConfigureProviders(ctx context.Context, settings map[string]map[string]any) error {
	names := make([]string, 0, len(settings))
	for name := range settings {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := e.registry.Load(name); err != nil {
			return err
		}
		prov, err := e.registry.Get(name)
		if err != nil {
			return err
		}
		if err := prov.Configure(ctx, settings[name]); err != nil {
			return fmt.Errorf("failed to configure provider %s: %w", name, err)
		}
	}
	return nil
}

func (e *Engine) retryPolicy() *RetryPolicy {
	if e.Retry != nil {
		return e.Retry
	}
	return DefaultRetryPolicy()
}

func (e *Engine) timeout() time.Duration {
	if e.Timeout > 0 {
		return e.Timeout
	}
	return DefaultTimeout
}

// PlanOptions adjusts how a plan is computed.
type PlanOptions struct {
	// Targets restricts the plan to these identifiers plus whatever
	// they transitively require. Empty means the whole graph.
	Targets []string
	// NoDelete reports resources recorded in state but absent from the
	// desired graph as orphans instead of planning their deletion.
	NoDelete bool
}

// Plan compares the desired graph against recorded state and produces
// the ordered change set that converges one onto the other. The result
// is deterministic: identical inputs always yield an identical plan.
func (e *Engine) Plan(graph *Graph, state *ir.State) (*ir.ChangeSet, error) {
	return e.PlanWithOptions(graph, state, PlanOptions{})
}

// PlanTargets plans only the given identifiers and their transitive
// dependencies.
func (e *Engine) PlanTargets(graph *Graph, state *ir.State, targets []string) (*ir.ChangeSet, error) {
	return e.PlanWithOptions(graph, state, PlanOptions{Targets: targets})
}

// PlanDestroy plans the deletion of every recorded resource, dependents
// before their dependencies.
func (e *Engine) PlanDestroy(state *ir.State) (*ir.ChangeSet, error) {
	empty, err := BuildGraph(nil)
	if err != nil {
		return nil, err
	}
	return e.PlanWithOptions(empty, state, PlanOptions{})
}

// PlanWithOptions is the full planner entry point.
func (e *Engine) PlanWithOptions(graph *Graph, state *ir.State, opts PlanOptions) (*ir.ChangeSet, error) {
	logging.Debug("planning", "desired", graph.Len(), "recorded", len(state.Resources), "targets", len(opts.Targets))

	cs := &ir.ChangeSet{
		BaseSerial: state.Serial,
		CreatedAt:  time.Now().UTC(),
	}

	stateGraph, err := BuildStateGraph(state.Resources)
	if err != nil {
		return nil, fmt.Errorf("state dependency graph: %w", err)
	}

	targetSet, err := resolveTargets(graph, stateGraph, opts.Targets)
	if err != nil {
		return nil, err
	}
	targeted := func(id string) bool {
		return targetSet == nil || targetSet[id]
	}

	records := state.Index()

	var createUpdates, deletes, noops []*ir.Change

	for _, id := range graph.CreationOrder() {
		res := graph.Resource(id)
		if !targeted(id) {
			noops = append(noops, &ir.Change{ID: id, Op: ir.OpNoop, Rank: -1, Desired: res})
			continue
		}
		rec, ok := records[id]
		if !ok {
			createUpdates = append(createUpdates, &ir.Change{
				ID:      id,
				Op:      ir.OpCreate,
				Reasons: createDiff(res.Attributes),
				Desired: res,
			})
			continue
		}
		reasons := diffAttributes(rec.Attributes, res.Attributes)
		if len(reasons) == 0 {
			noops = append(noops, &ir.Change{ID: id, Op: ir.OpNoop, Rank: -1, Desired: res, Prior: rec})
			continue
		}
		createUpdates = append(createUpdates, &ir.Change{
			ID:      id,
			Op:      ir.OpUpdate,
			Reasons: reasons,
			Desired: res,
			Prior:   rec,
		})
	}

	// Recorded resources absent from the desired graph are deleted in
	// reverse dependency order, or flagged as orphans when pruning is
	// disabled.
	for _, id := range stateGraph.DestructionOrder() {
		if graph.Has(id) || !targeted(id) {
			continue
		}
		rec := records[id]
		if opts.NoDelete {
			cs.Orphans = append(cs.Orphans, id)
			noops = append(noops, &ir.Change{ID: id, Op: ir.OpNoop, Rank: -1, Prior: rec})
			continue
		}
		deletes = append(deletes, &ir.Change{
			ID:      id,
			Op:      ir.OpDelete,
			Reasons: deleteDiff(rec.Attributes),
			Prior:   rec,
		})
	}

	// Creates and updates take ranks 0..k-1 in creation order; deletes
	// continue from k in reverse dependency order.
	rank := 0
	for _, c := range createUpdates {
		c.Rank = rank
		rank++
	}
	for _, c := range deletes {
		c.Rank = rank
		rank++
	}

	cs.Changes = append(cs.Changes, createUpdates...)
	cs.Changes = append(cs.Changes, deletes...)
	cs.Changes = append(cs.Changes, noops...)

	for _, c := range cs.Changes {
		switch c.Op {
		case ir.OpCreate:
			cs.Summary.Create++
		case ir.OpUpdate:
			cs.Summary.Update++
		case ir.OpDelete:
			cs.Summary.Delete++
		case ir.OpNoop:
			cs.Summary.NoOp++
		}
	}

	return cs, nil
}

// resolveTargets expands the requested identifiers with everything they
// transitively require: desired targets pull in their dependencies so
// nothing is applied on top of missing ground, and delete targets pull
// in their orphaned dependents so nothing is left dangling. Returns nil
// when no restriction applies.
func resolveTargets(graph, stateGraph *Graph, targets []string) (map[string]bool, error) {
	if len(targets) == 0 {
		return nil, nil
	}
	set := make(map[string]bool, len(targets))
	for _, t := range targets {
		if graph.Has(t) {
			set[t] = true
			for _, dep := range graph.TransitiveDeps(t) {
				set[dep] = true
			}
			continue
		}
		if stateGraph.Has(t) {
			set[t] = true
			for _, dependent := range stateGraph.TransitiveDependents(t) {
				if !graph.Has(dependent) {
					set[dependent] = true
				}
			}
			continue
		}
		return nil, fmt.Errorf("unknown target: %s", t)
	}
	return set, nil
}
