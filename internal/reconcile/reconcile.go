// Package reconcile runs the continuous convergence loop: on a fixed
// interval it fetches the desired-state source, re-reads observed
// provider state, and heals whatever diverged. Manual edits behind the
// engine's back are a key drift source, so observed state is refreshed
// every cycle even when the desired revision is unchanged. Pruning of
// resources that left the desired state is destructive and stays off
// unless explicitly enabled.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/windlass-io/windlass/internal/engine"
	"github.com/windlass-io/windlass/internal/ir"
	"github.com/windlass-io/windlass/internal/journal"
	"github.com/windlass-io/windlass/internal/logging"
	"github.com/windlass-io/windlass/internal/source"
	"github.com/windlass-io/windlass/internal/state"
)

// DefaultInterval is the pause between reconcile cycles.
const DefaultInterval = time.Minute

// DefaultCycleTimeout bounds one full cycle, shutdown included. It must
// stay below the lock lease so a wedged cycle cannot outlive its lease.
const DefaultCycleTimeout = 10 * time.Minute

// ErrDriftConflict aborts a cycle: recorded state moved between
// observation and lock acquisition, so the cycle's plan is stale. The
// next interval retries against fresh state.
var ErrDriftConflict = errors.New("state changed during reconcile cycle")

// Config parameterizes a reconciler.
type Config struct {
	// Scope is the state scope to reconcile. Empty means the default.
	Scope string

	// Interval is the pause between cycles.
	Interval time.Duration

	// CycleTimeout bounds a single cycle.
	CycleTimeout time.Duration

	// Prune deletes resources that are recorded and observed but no
	// longer desired. Off, they are flagged as orphans and left alone.
	Prune bool

	// Who identifies this reconciler in lock records.
	Who string
}

// Reconciler converges observed infrastructure onto the desired state.
type Reconciler struct {
	src     source.Source
	store   state.Store
	engine  *engine.Engine
	journal *journal.Journal
	cfg     Config

	mu           sync.Mutex
	lastRevision string
}

// New creates a reconciler. jnl may be nil to disable cycle journaling.
func New(src source.Source, store state.Store, eng *engine.Engine, jnl *journal.Journal, cfg Config) *Reconciler {
	return &Reconciler{
		src:     src,
		store:   store,
		engine:  eng,
		journal: jnl,
		cfg:     cfg,
	}
}

func (r *Reconciler) scope() string {
	if r.cfg.Scope == "" {
		return state.DefaultScope
	}
	return r.cfg.Scope
}

func (r *Reconciler) interval() time.Duration {
	if r.cfg.Interval <= 0 {
		return DefaultInterval
	}
	return r.cfg.Interval
}

func (r *Reconciler) cycleTimeout() time.Duration {
	if r.cfg.CycleTimeout <= 0 {
		return DefaultCycleTimeout
	}
	return r.cfg.CycleTimeout
}

// Run loops until ctx is cancelled, reconciling once per interval. A
// cycle in flight when shutdown arrives runs to completion: each cycle
// gets a context detached from the loop's cancellation, bounded only by
// the cycle timeout. Returns nil on graceful shutdown.
func (r *Reconciler) Run(ctx context.Context) error {
	logging.Info("reconciler started",
		"scope", r.scope(), "interval", r.interval().String(), "prune", r.cfg.Prune)

	ticker := time.NewTicker(r.interval())
	defer ticker.Stop()

	for {
		cycleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cycleTimeout())
		cycle, err := r.RunCycle(cycleCtx)
		cancel()
		if err != nil {
			logging.Error("reconcile cycle failed", "scope", r.scope(), "error", err)
		} else if cycle.Outcome != ir.CycleNoop {
			logging.Info("reconcile cycle finished",
				"scope", r.scope(), "outcome", string(cycle.Outcome), "drift", len(cycle.Drift))
		}

		select {
		case <-ctx.Done():
			logging.Info("reconciler stopped", "scope", r.scope())
			return nil
		case <-ticker.C:
		}
	}
}

// RunCycle performs one reconcile pass and journals its record. The
// error return is non-nil only for failed cycles; conflicts and no-ops
// report through the record's outcome.
func (r *Reconciler) RunCycle(ctx context.Context) (*ir.ReconcileCycle, error) {
	cycle := &ir.ReconcileCycle{StartedAt: time.Now().UTC()}

	snap, err := r.src.Fetch(ctx)
	if err != nil {
		return r.fail(cycle, fmt.Errorf("failed to fetch desired state: %w", err))
	}
	cycle.Revision = snap.Revision
	r.noteRevision(snap.Revision)

	if err := r.engine.ConfigureProviders(ctx, snap.Manifest.Providers); err != nil {
		return r.fail(cycle, err)
	}

	graph, err := engine.BuildGraph(snap.Manifest.Resources)
	if err != nil {
		return r.fail(cycle, fmt.Errorf("invalid desired graph: %w", err))
	}

	st, err := r.store.ReadState(ctx, r.scope())
	if err != nil {
		return r.fail(cycle, fmt.Errorf("failed to read state: %w", err))
	}
	observedSerial := st.Serial

	refreshed, drift, err := r.engine.Refresh(ctx, st)
	if err != nil {
		return r.fail(cycle, fmt.Errorf("failed to refresh observed state: %w", err))
	}

	cs, err := r.engine.PlanWithOptions(graph, refreshed, engine.PlanOptions{NoDelete: !r.cfg.Prune})
	if err != nil {
		return r.fail(cycle, fmt.Errorf("failed to plan: %w", err))
	}
	cycle.Drift = driftSet(drift, cs)

	// Refresh may have dropped records whose external object vanished,
	// or rewritten attribute snapshots the plan will not touch (a manual
	// edit that happens to match desired, or an orphan changing while
	// pruning is off). Those repairs only persist through a state write;
	// skipping it would leave every later cycle rediscovering them.
	bookkeeping := len(refreshed.Resources) < len(st.Resources) || adoptedSnapshots(drift, cs)
	if cs.Empty() && !bookkeeping {
		return r.finish(cycle, ir.CycleNoop), nil
	}

	lock, err := r.store.AcquireLock(ctx, r.scope(), state.LockOptions{
		Who:       r.who(),
		Operation: "reconcile",
	})
	if err != nil {
		if errors.Is(err, state.ErrLockContention) {
			cycle.Error = err.Error()
			return r.finish(cycle, ir.CycleConflict), nil
		}
		return r.fail(cycle, fmt.Errorf("failed to lock state: %w", err))
	}
	defer func() {
		if rerr := r.store.ReleaseLock(context.WithoutCancel(ctx), r.scope(), lock.Token); rerr != nil {
			logging.Warn("failed to release reconcile lock", "scope", r.scope(), "error", rerr)
		}
	}()

	// Somebody may have written state between our observation and the
	// lock grant; the plan is stale then and must not apply.
	current, err := r.store.ReadState(ctx, r.scope())
	if err != nil {
		return r.fail(cycle, fmt.Errorf("failed to re-read state: %w", err))
	}
	if current.Serial != observedSerial {
		cycle.Error = fmt.Sprintf("%v: serial moved %d -> %d", ErrDriftConflict, observedSerial, current.Serial)
		return r.finish(cycle, ir.CycleConflict), nil
	}

	commit := func(ctx context.Context, s *ir.State) error {
		return r.store.WriteState(ctx, r.scope(), s, lock.Token)
	}

	if cs.Empty() {
		// Nothing to apply, but repaired records still need persisting.
		refreshed.Serial++
		if err := commit(ctx, refreshed); err != nil {
			return r.fail(cycle, fmt.Errorf("failed to persist refreshed state: %w", err))
		}
		markRepairedRecords(cycle.Drift)
		return r.finish(cycle, ir.CycleConverged), nil
	}

	result, applyErr := r.engine.Apply(ctx, graph, cs, refreshed, commit)
	finalizeActions(cycle.Drift, cs, result)
	if applyErr != nil {
		return r.fail(cycle, fmt.Errorf("failed to heal drift: %w", applyErr))
	}
	return r.finish(cycle, ir.CycleConverged), nil
}

func (r *Reconciler) who() string {
	if r.cfg.Who != "" {
		return r.cfg.Who
	}
	return "reconciler"
}

func (r *Reconciler) noteRevision(rev string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lastRevision != "" && r.lastRevision != rev {
		logging.Info("desired revision changed", "scope", r.scope(), "revision", rev)
	}
	r.lastRevision = rev
}

func (r *Reconciler) finish(cycle *ir.ReconcileCycle, outcome ir.CycleOutcome) *ir.ReconcileCycle {
	cycle.Outcome = outcome
	cycle.FinishedAt = time.Now().UTC()
	if err := r.journal.Record(journal.KindReconcile, r.scope(), cycle); err != nil {
		logging.Warn("failed to journal reconcile cycle", "scope", r.scope(), "error", err)
	}
	return cycle
}

func (r *Reconciler) fail(cycle *ir.ReconcileCycle, err error) (*ir.ReconcileCycle, error) {
	cycle.Error = err.Error()
	r.finish(cycle, ir.CycleFailed)
	return cycle, err
}

// adoptedSnapshots reports whether refresh rewrote the attributes of a
// record the plan leaves alone. The rewritten snapshot reaches storage
// only through a bookkeeping write, as no apply entry will carry it.
func adoptedSnapshots(refreshDrift []*ir.DriftItem, cs *ir.ChangeSet) bool {
	planned := make(map[string]bool)
	for _, c := range cs.Actionable() {
		planned[c.ID] = true
	}
	for _, d := range refreshDrift {
		if d.Kind == ir.DriftChanged && !planned[d.ID] {
			return true
		}
	}
	return false
}

// driftSet merges refresh drift with the plan's view of orphans. A
// record that is both drifted and orphaned reports once, as orphaned.
func driftSet(refreshDrift []*ir.DriftItem, cs *ir.ChangeSet) []*ir.DriftItem {
	orphaned := make(map[string]bool)
	var items []*ir.DriftItem

	for _, id := range cs.Orphans {
		orphaned[id] = true
		items = append(items, &ir.DriftItem{ID: id, Kind: ir.DriftOrphaned, Action: ir.ActionNone})
	}
	for _, c := range cs.Changes {
		if c.Op == ir.OpDelete {
			orphaned[c.ID] = true
			items = append(items, &ir.DriftItem{ID: c.ID, Kind: ir.DriftOrphaned, Action: ir.ActionNone})
		}
	}
	for _, d := range refreshDrift {
		if orphaned[d.ID] {
			continue
		}
		items = append(items, &ir.DriftItem{ID: d.ID, Kind: d.Kind, Action: d.Action})
	}
	return items
}

// finalizeActions records what the apply actually did for each drift
// item: healed, pruned, or nothing.
func finalizeActions(drift []*ir.DriftItem, cs *ir.ChangeSet, result *ir.ApplyResult) {
	if result == nil {
		return
	}
	ops := make(map[string]ir.Op)
	for _, c := range cs.Actionable() {
		ops[c.ID] = c.Op
	}
	for _, d := range drift {
		entry := result.Entry(d.ID)
		if entry == nil || entry.Status != ir.EntryApplied {
			continue
		}
		if ops[d.ID] == ir.OpDelete {
			d.Action = ir.ActionPrune
		} else {
			d.Action = ir.ActionHeal
		}
	}
}

// markRepairedRecords flags missing-resource records whose removal was
// just persisted. The external object was already gone; only the stale
// record was pruned.
func markRepairedRecords(drift []*ir.DriftItem) {
	for _, d := range drift {
		if d.Kind == ir.DriftMissing {
			d.Action = ir.ActionPrune
		}
	}
}
