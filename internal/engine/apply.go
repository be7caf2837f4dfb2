package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/windlass-io/windlass/internal/ir"
	"github.com/windlass-io/windlass/internal/logging"
	"github.com/windlass-io/windlass/internal/provider"
)

const defaultParallelism = 10

// ErrLockLost aborts an apply: a state commit was rejected, so the run
// no longer owns the state exclusively. Nothing further is applied and
// the in-memory state must be re-read before reuse.
var ErrLockLost = errors.New("state lock lost during apply")

// CommitFunc persists the state snapshot after each applied entry. The
// executor calls it once per successful entry, under its own
// serialization; a rejected commit aborts the run.
type CommitFunc func(ctx context.Context, st *ir.State) error

// ApplyEvent is a progress event emitted while applying.
type ApplyEvent struct {
	ID       string
	Op       ir.Op
	Status   string // "started", "completed", "failed", "skipped"
	Duration time.Duration
	Error    error
}

// ApplyCallback receives progress events when set.
type ApplyCallback func(event ApplyEvent)

// ApplyOptions adjusts executor behavior for one run.
type ApplyOptions struct {
	Callback ApplyCallback
}

// Apply executes a change set: creates and updates first, in rank order
// across parallel independent branches, then deletes in reverse
// dependency order. Every successful entry commits the updated state
// immediately, so a crash mid-run leaves state consistent with what was
// actually applied and a fresh plan resumes with only the remainder.
//
// A failed entry skips its transitive dependents; unrelated branches
// continue. The returned result reports every entry's disposition even
// when the error is non-nil.
func (e *Engine) Apply(ctx context.Context, graph *Graph, cs *ir.ChangeSet, state *ir.State, commit CommitFunc) (*ir.ApplyResult, error) {
	return e.ApplyWithOptions(ctx, graph, cs, state, commit, ApplyOptions{})
}

// ApplyWithOptions executes a change set with progress callbacks.
func (e *Engine) ApplyWithOptions(ctx context.Context, graph *Graph, cs *ir.ChangeSet, state *ir.State, commit CommitFunc, opts ApplyOptions) (*ir.ApplyResult, error) {
	var createUpdates, deletes []*ir.Change
	for _, c := range cs.Changes {
		switch c.Op {
		case ir.OpCreate, ir.OpUpdate:
			createUpdates = append(createUpdates, c)
		case ir.OpDelete:
			deletes = append(deletes, c)
		}
	}
	sortByRank(createUpdates)
	sortByRank(deletes)

	// Load every provider the run touches before mutating anything.
	for _, c := range cs.Changes {
		if c.Op == ir.OpNoop {
			continue
		}
		if err := e.registry.Load(changeProvider(c)); err != nil {
			return nil, err
		}
	}

	// Deletions are ordered by the dependency edges recorded in state,
	// not the desired graph, which no longer names them.
	stateGraph, err := BuildStateGraph(state.Resources)
	if err != nil {
		return nil, fmt.Errorf("state dependency graph: %w", err)
	}

	run := &applyRun{
		engine:      e,
		state:       state,
		commit:      commit,
		parallelism: e.Parallelism,
		completed:   make(map[string]bool),
		failed:      make(map[string]bool),
		results:     make(map[string]*ir.EntryResult),
	}
	if run.parallelism <= 0 {
		run.parallelism = defaultParallelism
	}
	run.cond = sync.NewCond(&run.mu)
	run.emit = func(event ApplyEvent) {
		if opts.Callback != nil {
			opts.Callback(event)
		}
	}
	for _, c := range createUpdates {
		run.results[c.ID] = &ir.EntryResult{ID: c.ID, Op: c.Op}
	}
	for _, c := range deletes {
		run.results[c.ID] = &ir.EntryResult{ID: c.ID, Op: c.Op}
	}

	// Creates and updates wait on their transitive dependencies;
	// deletes wait on their transitive dependents, since a dependency
	// may only go once everything built on it is gone.
	run.executePhase(ctx, createUpdates, dependencyWaits(createUpdates, graph, false))
	run.executePhase(ctx, deletes, dependencyWaits(deletes, stateGraph, true))

	result := &ir.ApplyResult{}
	for _, c := range createUpdates {
		result.Entries = append(result.Entries, run.results[c.ID])
	}
	for _, c := range deletes {
		result.Entries = append(result.Entries, run.results[c.ID])
	}
	for _, entry := range result.Entries {
		switch entry.Status {
		case ir.EntryApplied:
			result.Applied++
		case ir.EntryFailed:
			result.Failed++
		case ir.EntrySkipped:
			result.Skipped++
		}
	}

	if run.aborted {
		return result, run.abortErr
	}
	if len(run.errs) > 0 {
		return result, fmt.Errorf("%d change(s) failed: %w", len(run.errs), errors.Join(run.errs...))
	}
	return result, nil
}

type applyRun struct {
	engine      *Engine
	state       *ir.State
	commit      CommitFunc
	emit        func(ApplyEvent)
	parallelism int

	stateMu sync.Mutex // serializes state mutation + commit

	mu        sync.Mutex
	cond      *sync.Cond
	completed map[string]bool
	failed    map[string]bool
	aborted   bool
	abortErr  error
	errs      []error

	results map[string]*ir.EntryResult
}

// dependencyWaits computes, for each change, the set of other changes
// in the same phase that must finish first. The closure runs over the
// full graph so chains bridged by no-op resources still order
// correctly.
func dependencyWaits(changes []*ir.Change, g *Graph, reverse bool) map[string]map[string]bool {
	inPhase := make(map[string]bool, len(changes))
	for _, c := range changes {
		inPhase[c.ID] = true
	}
	waits := make(map[string]map[string]bool, len(changes))
	for _, c := range changes {
		var closure []string
		if reverse {
			closure = g.TransitiveDependents(c.ID)
		} else {
			closure = g.TransitiveDeps(c.ID)
		}
		set := make(map[string]bool)
		for _, id := range closure {
			if inPhase[id] {
				set[id] = true
			}
		}
		waits[c.ID] = set
	}
	return waits
}

func (r *applyRun) executePhase(ctx context.Context, changes []*ir.Change, waits map[string]map[string]bool) {
	if len(changes) == 0 {
		return
	}
	sem := make(chan struct{}, r.parallelism)
	var wg sync.WaitGroup
	for _, change := range changes {
		wg.Add(1)
		go func(c *ir.Change) {
			defer wg.Done()
			r.executeChange(ctx, c, waits[c.ID], sem)
		}(change)
	}
	wg.Wait()
}

func (r *applyRun) executeChange(ctx context.Context, c *ir.Change, waits map[string]bool, sem chan struct{}) {
	res := r.results[c.ID]

	r.mu.Lock()
	for {
		if r.aborted {
			abortErr := r.abortErr
			res.Status = ir.EntrySkipped
			res.Error = abortErr.Error()
			r.failed[c.ID] = true
			r.mu.Unlock()
			r.cond.Broadcast()
			r.emit(ApplyEvent{ID: c.ID, Op: c.Op, Status: "skipped", Error: abortErr})
			return
		}
		if err := ctx.Err(); err != nil {
			r.aborted = true
			r.abortErr = fmt.Errorf("apply cancelled: %w", err)
			continue
		}
		blockedOn := ""
		ready := true
		for dep := range waits {
			if r.failed[dep] {
				blockedOn = dep
				break
			}
			if !r.completed[dep] {
				ready = false
				break
			}
		}
		if blockedOn != "" {
			res.Status = ir.EntrySkipped
			res.SkippedFor = blockedOn
			r.failed[c.ID] = true
			r.mu.Unlock()
			r.cond.Broadcast()
			r.emit(ApplyEvent{ID: c.ID, Op: c.Op, Status: "skipped"})
			return
		}
		if ready {
			break
		}
		r.cond.Wait()
	}
	r.mu.Unlock()

	sem <- struct{}{}
	defer func() { <-sem }()

	start := time.Now()
	r.emit(ApplyEvent{ID: c.ID, Op: c.Op, Status: "started"})

	err := r.applyChange(ctx, c, res)
	res.Duration = time.Since(start)

	if err != nil {
		res.Status = ir.EntryFailed
		res.Error = err.Error()
		r.mu.Lock()
		r.failed[c.ID] = true
		r.errs = append(r.errs, err)
		if errors.Is(err, ErrLockLost) && !r.aborted {
			r.aborted = true
			r.abortErr = err
		}
		r.mu.Unlock()
		r.cond.Broadcast()
		r.emit(ApplyEvent{ID: c.ID, Op: c.Op, Status: "failed", Duration: res.Duration, Error: err})
		return
	}

	res.Status = ir.EntryApplied
	r.mu.Lock()
	r.completed[c.ID] = true
	r.mu.Unlock()
	r.cond.Broadcast()
	r.emit(ApplyEvent{ID: c.ID, Op: c.Op, Status: "completed", Duration: res.Duration})
}

// applyChange performs the provider call for one entry and commits the
// resulting state mutation. Transient provider errors retry with
// backoff before escalating.
func (r *applyRun) applyChange(ctx context.Context, c *ir.Change, res *ir.EntryResult) error {
	logging.Debug("applying change", "id", c.ID, "op", c.Op)

	ctx, cancel := WithTimeout(ctx, r.engine.timeout())
	defer cancel()

	prov, err := r.engine.registry.Get(changeProvider(c))
	if err != nil {
		return err
	}

	policy := r.engine.retryPolicy()
	attempts := 0

	switch c.Op {
	case ir.OpCreate:
		var resp *provider.CreateResponse
		err := RetryWithBackoff(ctx, policy, func() error {
			attempts++
			var createErr error
			resp, createErr = prov.Create(ctx, &provider.CreateRequest{
				ID:         c.ID,
				Kind:       c.Desired.Kind,
				Attributes: ir.CloneAttributes(c.Desired.Attributes),
			})
			return createErr
		}, provider.IsTransient)
		res.Attempts = attempts
		if err != nil {
			return fmt.Errorf("create failed for %s: %w", c.ID, err)
		}
		return r.commitPut(ctx, &ir.RecordedResource{
			ID:           c.ID,
			Kind:         c.Desired.Kind,
			Provider:     c.Desired.Provider,
			ExternalID:   resp.ExternalID,
			Dependencies: append([]string(nil), c.Desired.DependsOn...),
			Attributes:   ir.CloneAttributes(c.Desired.Attributes),
		})

	case ir.OpUpdate:
		externalID := ""
		var priorAttrs map[string]any
		if c.Prior != nil {
			externalID = c.Prior.ExternalID
			priorAttrs = c.Prior.Attributes
		}
		var resp *provider.UpdateResponse
		err := RetryWithBackoff(ctx, policy, func() error {
			attempts++
			var updateErr error
			resp, updateErr = prov.Update(ctx, &provider.UpdateRequest{
				ID:         c.ID,
				Kind:       c.Desired.Kind,
				ExternalID: externalID,
				Prior:      ir.CloneAttributes(priorAttrs),
				Attributes: ir.CloneAttributes(c.Desired.Attributes),
			})
			return updateErr
		}, provider.IsTransient)
		res.Attempts = attempts
		if err != nil {
			return fmt.Errorf("update failed for %s: %w", c.ID, err)
		}
		rec := &ir.RecordedResource{
			ID:           c.ID,
			Kind:         c.Desired.Kind,
			Provider:     c.Desired.Provider,
			ExternalID:   externalID,
			Dependencies: append([]string(nil), c.Desired.DependsOn...),
			Attributes:   ir.CloneAttributes(c.Desired.Attributes),
		}
		if resp.ExternalID != "" {
			rec.ExternalID = resp.ExternalID
		}
		return r.commitPut(ctx, rec)

	case ir.OpDelete:
		err := RetryWithBackoff(ctx, policy, func() error {
			attempts++
			return prov.Delete(ctx, &provider.DeleteRequest{
				ID:         c.ID,
				Kind:       c.Prior.Kind,
				ExternalID: c.Prior.ExternalID,
				Attributes: ir.CloneAttributes(c.Prior.Attributes),
			})
		}, provider.IsTransient)
		res.Attempts = attempts
		if err != nil {
			return fmt.Errorf("delete failed for %s: %w", c.ID, err)
		}
		return r.commitRemove(ctx, c.ID)
	}

	return nil
}

// commitPut records an applied resource and persists the state before
// any other entry may commit. The serial bumps by exactly one per
// committed entry.
func (r *applyRun) commitPut(ctx context.Context, rec *ir.RecordedResource) error {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()

	r.state.Serial++
	rec.AppliedSerial = r.state.Serial
	r.state.Put(rec)
	r.state.Normalize()
	if r.commit != nil {
		if err := r.commit(ctx, r.state); err != nil {
			return fmt.Errorf("%w: %w", ErrLockLost, err)
		}
	}
	return nil
}

func (r *applyRun) commitRemove(ctx context.Context, id string) error {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()

	r.state.Serial++
	r.state.Remove(id)
	if r.commit != nil {
		if err := r.commit(ctx, r.state); err != nil {
			return fmt.Errorf("%w: %w", ErrLockLost, err)
		}
	}
	return nil
}

func sortByRank(changes []*ir.Change) {
	sort.Slice(changes, func(i, j int) bool {
		return changes[i].Rank < changes[j].Rank
	})
}

func changeProvider(c *ir.Change) string {
	if c.Desired != nil {
		return c.Desired.Provider
	}
	if c.Prior != nil {
		return c.Prior.Provider
	}
	return ""
}
