package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/windlass-io/windlass/internal/artifact"
	"github.com/windlass-io/windlass/internal/ir"
	"github.com/windlass-io/windlass/internal/pipeline"
)

var (
	releaseContextDir string
	releaseTag        string
	releaseRuleset    string
	releaseThreshold  float64
)

var releaseCmd = &cobra.Command{
	Use:   "release <candidate>",
	Short: "Build, analyze, and publish an artifact through the quality gate",
	Long: `Runs one gated promotion: the candidate is built, submitted for
static analysis, and scored against the quality gate. An artifact at or
above the threshold is published to the registry under a
content-addressed reference; one below it is rejected and never
published.

A gate rejection is a normal outcome, reported in the run record, not a
command failure.`,
	Args: cobra.ExactArgs(1),
	RunE: runRelease,
}

func init() {
	releaseCmd.Flags().StringVar(&releaseContextDir, "context", "", "Override the build context directory")
	releaseCmd.Flags().StringVar(&releaseTag, "tag", "", "Override the image tag for image builds")
	releaseCmd.Flags().StringVar(&releaseRuleset, "ruleset", "", "Override the analysis ruleset")
	releaseCmd.Flags().Float64Var(&releaseThreshold, "threshold", 0, "Override the quality gate threshold")
}

func runRelease(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	candidate := args[0]

	if releaseThreshold < 0 || releaseThreshold > 1 {
		return fmt.Errorf("threshold %v outside [0, 1]", releaseThreshold)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	buildCfg := cfg.Pipeline.Build
	if releaseContextDir != "" {
		buildCfg.ContextDir = releaseContextDir
	}
	if releaseTag != "" {
		buildCfg.Tag = releaseTag
	}
	builder, err := buildCfg.Builder()
	if err != nil {
		return err
	}

	analyzer, err := cfg.Analysis.Client()
	if err != nil {
		return err
	}

	registry, err := artifact.NewStore(&cfg.Artifacts)
	if err != nil {
		return err
	}

	pcfg := cfg.Pipeline.Runtime()
	if releaseRuleset != "" {
		pcfg.Ruleset = releaseRuleset
	}
	if releaseThreshold > 0 {
		pcfg.GateThreshold = releaseThreshold
	}

	ctrl := pipeline.New(builder, analyzer, registry, cfg.Journal(), pcfg)

	fmt.Printf("Releasing %s...\n\n", candidate)
	run, err := ctrl.Run(ctx, candidate)
	if run != nil {
		renderRun(run)
	}
	if err != nil {
		return fmt.Errorf("release failed: %w", err)
	}
	return nil
}

// renderRun prints the stage-by-stage record of a pipeline run.
func renderRun(run *ir.PipelineRun) {
	for _, stage := range run.Stages {
		var color string
		switch stage.Outcome {
		case ir.StagePassed:
			color = ansiGreen
		case ir.StageFailed:
			color = ansiRed
		default:
			color = ansiYellow
		}

		line := fmt.Sprintf("  %-13s %s", stage.Name, stage.Outcome)
		if stage.HasScore {
			line += fmt.Sprintf(" (score %.2f)", stage.Score)
		}
		if stage.Attempts > 1 {
			line += fmt.Sprintf(" [%d attempts]", stage.Attempts)
		}
		if stage.Duration > 0 {
			line += fmt.Sprintf(" %s", stage.Duration.Round(time.Millisecond))
		}
		if stage.Error != "" {
			line += fmt.Sprintf(": %s", stage.Error)
		}
		fmt.Printf("%s%s%s\n", colorize(color), line, colorize(ansiReset))
	}

	fmt.Println()
	switch run.Outcome {
	case ir.OutcomeSucceeded:
		fmt.Printf("%sRelease succeeded.%s Published as %s\n",
			colorize(ansiGreen), colorize(ansiReset), run.ArtifactRef)
	case ir.OutcomeRejected:
		fmt.Printf("%sRelease rejected by the quality gate.%s Nothing was published.\n",
			colorize(ansiYellow), colorize(ansiReset))
	default:
		fmt.Printf("%sRelease failed.%s\n", colorize(ansiRed), colorize(ansiReset))
	}
}
