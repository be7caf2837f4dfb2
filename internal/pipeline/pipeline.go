// Package pipeline drives gated promotion of candidate artifacts. Each
// run walks a fixed sequence of build, analyze, quality-gate, and
// publish stages, tracked by an explicit state machine. An artifact
// whose analysis score falls below the configured threshold is
// rejected and never reaches the registry; one at or above it is
// always published.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/windlass-io/windlass/internal/analysis"
	"github.com/windlass-io/windlass/internal/artifact"
	"github.com/windlass-io/windlass/internal/engine"
	"github.com/windlass-io/windlass/internal/ir"
	"github.com/windlass-io/windlass/internal/journal"
	"github.com/windlass-io/windlass/internal/logging"
)

// Stage names, in execution order. Stages are strictly sequential:
// code must build before it can be analyzed, and analysis must settle
// before the gate can rule on it.
const (
	StageBuild   = "build"
	StageAnalyze = "analyze"
	StageGate    = "quality-gate"
	StagePublish = "publish"
)

var stageOrder = []string{StageBuild, StageAnalyze, StageGate, StagePublish}

// DefaultGateThreshold is the score an artifact must meet when the
// configuration does not set one.
const DefaultGateThreshold = 0.8

// DefaultStageTimeout bounds a single stage attempt.
const DefaultStageTimeout = 10 * time.Minute

// DefaultPollInterval is the delay between analysis result polls.
const DefaultPollInterval = 2 * time.Second

// transitions is the run state machine. A transition is legal only if
// it appears here; terminal states have no row.
var transitions = map[ir.RunState][]ir.RunState{
	ir.RunPending:        {ir.RunBuilding, ir.RunFailed},
	ir.RunBuilding:       {ir.RunAnalyzing, ir.RunFailed},
	ir.RunAnalyzing:      {ir.RunGateEvaluation, ir.RunFailed},
	ir.RunGateEvaluation: {ir.RunPublishing, ir.RunFailed},
	ir.RunPublishing:     {ir.RunSucceeded, ir.RunFailed},
}

// Transition moves run to the target state after validating the move
// against the state machine.
func Transition(run *ir.PipelineRun, to ir.RunState) error {
	for _, next := range transitions[run.State] {
		if next == to {
			run.State = to
			return nil
		}
	}
	return fmt.Errorf("illegal pipeline transition %s -> %s", run.State, to)
}

// StagePolicy bounds one stage's execution. Attempts counts total
// tries, so 1 means no retry; Backoff is the base delay between tries.
type StagePolicy struct {
	Timeout  time.Duration
	Attempts int
	Backoff  time.Duration
}

// Config parameterizes a pipeline controller.
type Config struct {
	// Ruleset names the analysis rule set to submit candidates under.
	Ruleset string

	// GateThreshold is the minimum analysis score that clears the
	// quality gate. Zero or negative selects DefaultGateThreshold.
	GateThreshold float64

	// PollInterval is the delay between analysis result polls.
	PollInterval time.Duration

	// Stages holds per-stage execution policies, keyed by stage name.
	// Missing fields fall back to defaults.
	Stages map[string]StagePolicy
}

func (c Config) policy(stage string) StagePolicy {
	p := c.Stages[stage]
	if p.Timeout <= 0 {
		p.Timeout = DefaultStageTimeout
	}
	if p.Attempts <= 0 {
		p.Attempts = 1
	}
	if p.Backoff <= 0 {
		p.Backoff = time.Second
	}
	return p
}

func (c Config) threshold() float64 {
	if c.GateThreshold <= 0 {
		return DefaultGateThreshold
	}
	return c.GateThreshold
}

// Controller runs gated promotions. The toolchain, analysis service,
// and registry are injected so each can be swapped independently.
type Controller struct {
	builder  Builder
	analyzer analysis.Client
	registry artifact.Store
	journal  *journal.Journal
	cfg      Config
}

// New creates a controller. jnl may be nil to disable run journaling.
func New(builder Builder, analyzer analysis.Client, registry artifact.Store, jnl *journal.Journal, cfg Config) *Controller {
	return &Controller{
		builder:  builder,
		analyzer: analyzer,
		registry: registry,
		journal:  jnl,
		cfg:      cfg,
	}
}

// Run executes one gated promotion of the named candidate. The
// returned run always carries per-stage results and a terminal state.
// A quality-gate rejection is a designed outcome, not an error: the
// run finishes with OutcomeRejected and a nil error, and the artifact
// is never pushed. The error return is reserved for stage failures.
func (c *Controller) Run(ctx context.Context, candidate string) (*ir.PipelineRun, error) {
	run := &ir.PipelineRun{
		ID:        uuid.NewString(),
		Candidate: candidate,
		State:     ir.RunPending,
		StartedAt: time.Now().UTC(),
	}
	logging.Info("pipeline run starting", "run", run.ID, "candidate", candidate)

	// Reject unpublishable names before spending a build on them.
	if _, err := artifact.Ref(candidate, nil); err != nil {
		return run, c.fail(run, err)
	}

	if err := Transition(run, ir.RunBuilding); err != nil {
		return run, c.fail(run, err)
	}
	var payload []byte
	err := c.runStage(ctx, run, StageBuild, func(ctx context.Context) error {
		out, berr := c.builder.Build(ctx)
		if berr != nil {
			return berr
		}
		if len(out) == 0 {
			return errors.New("builder produced an empty artifact")
		}
		payload = out
		return nil
	})
	if err != nil {
		return run, c.fail(run, err)
	}

	// The content-addressed reference exists before the push, so
	// analysis can cite the exact bytes the gate will rule on.
	ref, err := artifact.Ref(candidate, payload)
	if err != nil {
		return run, c.fail(run, err)
	}

	if err := Transition(run, ir.RunAnalyzing); err != nil {
		return run, c.fail(run, err)
	}
	var score float64
	err = c.runStage(ctx, run, StageAnalyze, func(ctx context.Context) error {
		s, aerr := c.analyze(ctx, ref)
		if aerr != nil {
			return aerr
		}
		score = s
		return nil
	})
	if err != nil {
		return run, c.fail(run, err)
	}
	if st := run.Stage(StageAnalyze); st != nil {
		st.Score, st.HasScore = score, true
	}

	if err := Transition(run, ir.RunGateEvaluation); err != nil {
		return run, c.fail(run, err)
	}
	threshold := c.cfg.threshold()
	gate := &ir.StageResult{Name: StageGate, Score: score, HasScore: true, Attempts: 1}
	run.Stages = append(run.Stages, gate)
	if score < threshold {
		gate.Outcome = ir.StageFailed
		gate.Error = fmt.Sprintf("score %.2f below threshold %.2f", score, threshold)
		logging.Warn("quality gate rejected candidate",
			"run", run.ID, "candidate", candidate, "score", score, "threshold", threshold)
		skipRemaining(run)
		_ = Transition(run, ir.RunFailed)
		c.finish(run, ir.OutcomeRejected)
		return run, nil
	}
	gate.Outcome = ir.StagePassed

	if err := Transition(run, ir.RunPublishing); err != nil {
		return run, c.fail(run, err)
	}
	err = c.runStage(ctx, run, StagePublish, func(ctx context.Context) error {
		pushed, perr := c.registry.Push(ctx, candidate, payload)
		if perr != nil {
			return perr
		}
		run.ArtifactRef = pushed
		return nil
	})
	if err != nil {
		return run, c.fail(run, err)
	}

	if err := Transition(run, ir.RunSucceeded); err != nil {
		return run, c.fail(run, err)
	}
	c.finish(run, ir.OutcomeSucceeded)
	return run, nil
}

// runStage executes fn under the stage's timeout and retry policy and
// records a StageResult on the run. Each attempt gets its own
// deadline; retries stop early when the run's context is done.
func (c *Controller) runStage(ctx context.Context, run *ir.PipelineRun, name string, fn func(context.Context) error) error {
	policy := c.cfg.policy(name)
	result := &ir.StageResult{Name: name}
	run.Stages = append(run.Stages, result)
	start := time.Now()

	attempt := func() error {
		result.Attempts++
		attemptCtx, cancel := engine.WithTimeout(ctx, policy.Timeout)
		defer cancel()
		return fn(attemptCtx)
	}

	var err error
	if policy.Attempts == 1 {
		err = attempt()
	} else {
		retry := &engine.RetryPolicy{
			MaxRetries: policy.Attempts - 1,
			BaseDelay:  policy.Backoff,
			MaxDelay:   30 * time.Second,
		}
		err = engine.RetryWithBackoff(ctx, retry, attempt, func(error) bool {
			return ctx.Err() == nil
		})
	}

	result.Duration = time.Since(start)
	if err != nil {
		result.Outcome = ir.StageFailed
		result.Error = err.Error()
		logging.Error("pipeline stage failed",
			"run", run.ID, "stage", name, "attempts", result.Attempts, "error", err)
		return fmt.Errorf("stage %s: %w", name, err)
	}
	result.Outcome = ir.StagePassed
	logging.Debug("pipeline stage passed", "run", run.ID, "stage", name, "attempts", result.Attempts)
	return nil
}

// analyze submits the artifact reference and polls until the service
// reports a settled verdict.
func (c *Controller) analyze(ctx context.Context, ref string) (float64, error) {
	id, err := c.analyzer.Submit(ctx, ref, c.cfg.Ruleset)
	if err != nil {
		return 0, fmt.Errorf("failed to submit for analysis: %w", err)
	}

	interval := c.cfg.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		res, err := c.analyzer.Result(ctx, id)
		if err != nil {
			return 0, fmt.Errorf("failed to poll analysis result: %w", err)
		}
		if res.Done {
			return res.Score, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-ticker.C:
		}
	}
}

// fail finalizes a run after a stage failure. Stages that never
// started are marked skipped so the report stays complete.
func (c *Controller) fail(run *ir.PipelineRun, err error) error {
	skipRemaining(run)
	if !run.State.Terminal() {
		// Every non-terminal row in the transition table admits failed.
		_ = Transition(run, ir.RunFailed)
	}
	c.finish(run, ir.OutcomeFailed)
	return err
}

func (c *Controller) finish(run *ir.PipelineRun, outcome ir.RunOutcome) {
	run.Outcome = outcome
	run.FinishedAt = time.Now().UTC()
	if err := c.journal.Record(journal.KindPipeline, run.Candidate, run); err != nil {
		logging.Warn("failed to journal pipeline run", "run", run.ID, "error", err)
	}
	logging.Info("pipeline run finished",
		"run", run.ID, "state", string(run.State), "outcome", string(run.Outcome))
}

func skipRemaining(run *ir.PipelineRun) {
	for _, name := range stageOrder {
		if run.Stage(name) == nil {
			run.Stages = append(run.Stages, &ir.StageResult{Name: name, Outcome: ir.StageSkipped})
		}
	}
}
