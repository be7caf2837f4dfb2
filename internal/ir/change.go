package ir

import "time"

// Op is the operation a change set entry performs.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
	OpNoop   Op = "noop"
)

// AttributeDiff records one attribute-level reason for a change.
type AttributeDiff struct {
	Path   string `json:"path"`
	Action string `json:"action"` // "add", "remove", "update"
	Before any    `json:"before,omitempty"`
	After  any    `json:"after,omitempty"`
}

// Change is a single entry of a change set. Rank is the
// dependency-resolved execution position: creates and updates are
// numbered in topological order, deletes follow in reverse dependency
// order. No-op entries carry rank -1 and are never executed.
type Change struct {
	ID      string            `json:"id"`
	Op      Op                `json:"op"`
	Rank    int               `json:"rank"`
	Reasons []AttributeDiff   `json:"reasons,omitempty"`
	Desired *Resource         `json:"desired,omitempty"`
	Prior   *RecordedResource `json:"prior,omitempty"`
}

// Summary counts a change set's entries by operation.
type Summary struct {
	Create int `json:"create"`
	Update int `json:"update"`
	Delete int `json:"delete"`
	NoOp   int `json:"noop"`
}

// ChangeSet is an ordered set of operations that converges recorded
// state onto the desired graph. Entries appear in execution order
// (creates/updates by rank, then deletes by rank, then no-ops).
// Orphans lists resources present in state but absent from the desired
// graph when pruning was disabled; they are flagged, not deleted.
type ChangeSet struct {
	BaseSerial uint64    `json:"baseSerial"`
	CreatedAt  time.Time `json:"createdAt"`
	Changes    []*Change `json:"changes"`
	Orphans    []string  `json:"orphans,omitempty"`
	Summary    Summary   `json:"summary"`
}

// Empty reports whether the change set contains no actionable entries.
func (cs *ChangeSet) Empty() bool {
	return cs.Summary.Create == 0 && cs.Summary.Update == 0 && cs.Summary.Delete == 0
}

// Actionable returns the entries that will actually execute, in rank order.
func (cs *ChangeSet) Actionable() []*Change {
	out := make([]*Change, 0, len(cs.Changes))
	for _, c := range cs.Changes {
		if c.Op != OpNoop {
			out = append(out, c)
		}
	}
	return out
}

// EntryStatus is the per-entry outcome of an apply.
type EntryStatus string

const (
	EntryApplied EntryStatus = "applied"
	EntryFailed  EntryStatus = "failed"
	EntrySkipped EntryStatus = "skipped"
)

// EntryResult reports how one change set entry fared during apply.
// SkippedFor names the failed dependency for skipped entries.
type EntryResult struct {
	ID         string        `json:"id"`
	Op         Op            `json:"op"`
	Status     EntryStatus   `json:"status"`
	Error      string        `json:"error,omitempty"`
	SkippedFor string        `json:"skippedFor,omitempty"`
	Attempts   int           `json:"attempts,omitempty"`
	Duration   time.Duration `json:"duration,omitempty"`
}

// ApplyResult is the per-entry report of one apply run. A partial
// failure lists exactly which entries succeeded, failed, and were
// skipped so a caller can re-plan and resume safely.
type ApplyResult struct {
	Entries []*EntryResult `json:"entries"`
	Applied int            `json:"applied"`
	Failed  int            `json:"failed"`
	Skipped int            `json:"skipped"`
}

// Entry returns the result for the given resource identifier, or nil.
func (r *ApplyResult) Entry(id string) *EntryResult {
	for _, e := range r.Entries {
		if e.ID == id {
			return e
		}
	}
	return nil
}
