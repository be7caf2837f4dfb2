package ir

import "time"

// RunState is a pipeline run's position in the gate state machine.
type RunState string

const (
	RunPending        RunState = "pending"
	RunBuilding       RunState = "building"
	RunAnalyzing      RunState = "analyzing"
	RunGateEvaluation RunState = "gate-evaluation"
	RunPublishing     RunState = "publishing"
	RunSucceeded      RunState = "succeeded"
	RunFailed         RunState = "failed"
)

// Terminal reports whether the state admits no further transitions.
func (s RunState) Terminal() bool {
	return s == RunSucceeded || s == RunFailed
}

// StageOutcome is the result class of a single pipeline stage.
type StageOutcome string

const (
	StagePassed  StageOutcome = "passed"
	StageFailed  StageOutcome = "failed"
	StageSkipped StageOutcome = "skipped"
)

// StageResult records one stage of a pipeline run. Score is meaningful
// only when HasScore is set (analysis and gate stages).
type StageResult struct {
	Name     string        `json:"name"`
	Outcome  StageOutcome  `json:"outcome"`
	Score    float64       `json:"score,omitempty"`
	HasScore bool          `json:"hasScore,omitempty"`
	Attempts int           `json:"attempts,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// RunOutcome is the overall disposition of a pipeline run.
type RunOutcome string

const (
	OutcomeSucceeded RunOutcome = "succeeded"
	OutcomeRejected  RunOutcome = "rejected" // quality gate not met; a designed outcome, not an error
	OutcomeFailed    RunOutcome = "failed"
)

// PipelineRun is the full record of one gated promotion attempt.
// ArtifactRef is the content-addressed reference; it is published to
// the registry only after the run reaches Publishing.
type PipelineRun struct {
	ID          string         `json:"id"`
	Candidate   string         `json:"candidate"`
	ArtifactRef string         `json:"artifactRef,omitempty"`
	State       RunState       `json:"state"`
	Stages      []*StageResult `json:"stages"`
	Outcome     RunOutcome     `json:"outcome,omitempty"`
	StartedAt   time.Time      `json:"startedAt"`
	FinishedAt  time.Time      `json:"finishedAt,omitempty"`
}

// Stage returns the stage result with the given name, or nil.
func (r *PipelineRun) Stage(name string) *StageResult {
	for _, s := range r.Stages {
		if s.Name == name {
			return s
		}
	}
	return nil
}
