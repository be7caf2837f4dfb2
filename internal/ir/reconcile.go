package ir

import "time"

// DriftKind classifies how a resource's observed state departs from
// the recorded state.
type DriftKind string

const (
	DriftChanged  DriftKind = "changed"  // attributes differ from the record
	DriftMissing  DriftKind = "missing"  // the external object no longer exists
	DriftOrphaned DriftKind = "orphaned" // recorded but absent from the desired manifest
)

// DriftAction is what the reconciler did about a drift item.
type DriftAction string

const (
	ActionHeal  DriftAction = "heal"
	ActionPrune DriftAction = "prune"
	ActionNone  DriftAction = "none"
)

// DriftItem is one detected divergence and the action taken for it.
type DriftItem struct {
	ID     string      `json:"id"`
	Kind   DriftKind   `json:"kind"`
	Action DriftAction `json:"action"`
}

// CycleOutcome is the disposition of one reconcile cycle.
type CycleOutcome string

const (
	CycleConverged CycleOutcome = "converged" // changes were applied and succeeded
	CycleNoop      CycleOutcome = "no-op"     // nothing to do
	CycleConflict  CycleOutcome = "conflict"  // state moved underneath the cycle; skipped
	CycleFailed    CycleOutcome = "failed"
)

// ReconcileCycle records one pass of the continuous reconciler.
type ReconcileCycle struct {
	StartedAt  time.Time    `json:"startedAt"`
	FinishedAt time.Time    `json:"finishedAt"`
	Revision   string       `json:"revision,omitempty"`
	Drift      []*DriftItem `json:"drift,omitempty"`
	Outcome    CycleOutcome `json:"outcome"`
	Error      string       `json:"error,omitempty"`
}
