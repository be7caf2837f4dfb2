package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/windlass-io/windlass/internal/engine"
	"github.com/windlass-io/windlass/internal/ir"
	"github.com/windlass-io/windlass/internal/journal"
	"github.com/windlass-io/windlass/internal/logging"
	"github.com/windlass-io/windlass/internal/provider"
	"github.com/windlass-io/windlass/internal/state"
)

var (
	applyAutoApprove bool
	applyRefresh     bool
	applyTargets     []string
)

var applyCmd = &cobra.Command{
	Use:   "apply [path]",
	Short: "Apply the manifests to real infrastructure",
	Long: `Plans against recorded state and executes the change set in
dependency order. Every successful change commits state immediately, so
an interrupted apply leaves state matching what actually happened and a
fresh plan resumes with only the remainder.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runApply,
}

func init() {
	applyCmd.Flags().BoolVar(&applyAutoApprove, "auto-approve", false, "Skip interactive approval of the plan before applying")
	applyCmd.Flags().BoolVar(&applyRefresh, "refresh", false, "Re-read observed state from providers before diffing")
	applyCmd.Flags().StringSliceVar(&applyTargets, "target", nil, "Restrict to a resource and its dependencies (repeatable)")
}

func runApply(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	fmt.Print("Loading manifests... ")
	m, err := loadManifest(ctx, cfg, args)
	if err != nil {
		fmt.Println("FAILED")
		return err
	}
	fmt.Println("OK")

	graph, err := engine.BuildGraph(m.Resources)
	if err != nil {
		return fmt.Errorf("invalid resource graph: %w", err)
	}

	store, err := state.NewStore(&cfg.State)
	if err != nil {
		return err
	}

	eng := engine.New(provider.NewRegistry())
	if err := configureProviders(ctx, eng, cfg, m); err != nil {
		return err
	}

	lock, err := store.AcquireLock(ctx, cfg.Scope, state.LockOptions{
		Who:       lockWho(),
		Operation: "apply",
	})
	if err != nil {
		return lockHint(err)
	}
	defer func() {
		if rerr := store.ReleaseLock(context.WithoutCancel(ctx), cfg.Scope, lock.Token); rerr != nil {
			logging.Warn("failed to release lock", "scope", cfg.Scope, "error", rerr)
		}
	}()

	st, err := store.ReadState(ctx, cfg.Scope)
	if err != nil {
		return fmt.Errorf("failed to read state: %w", err)
	}

	var refreshDrift []*ir.DriftItem
	if applyRefresh {
		fmt.Print("Refreshing observed state... ")
		refreshed, drift, err := eng.Refresh(ctx, st)
		if err != nil {
			fmt.Println("FAILED")
			return fmt.Errorf("refresh failed: %w", err)
		}
		fmt.Printf("OK (%d drifted)\n", len(drift))
		refreshDrift = drift
		st = refreshed
	}

	fmt.Print("Calculating plan... ")
	cs, err := eng.PlanWithOptions(graph, st, engine.PlanOptions{Targets: applyTargets})
	if err != nil {
		fmt.Println("FAILED")
		return fmt.Errorf("plan generation failed: %w", err)
	}
	fmt.Println("OK")

	commit := func(ctx context.Context, s *ir.State) error {
		return store.WriteState(ctx, cfg.Scope, s, lock.Token)
	}

	if cs.Empty() {
		// Refresh repairs (dropped records, rewritten snapshots) only
		// persist through a write, or the next refresh rediscovers the
		// same drift.
		if len(refreshDrift) > 0 {
			st.Serial++
			if err := commit(ctx, st); err != nil {
				return fmt.Errorf("failed to persist refreshed state: %w", err)
			}
		}
		fmt.Println("\nNo changes. Infrastructure matches the manifests.")
		renderOrphans(cs)
		return nil
	}

	fmt.Println("\nWindlass will perform the following actions:")
	renderChangeSet(cs)
	renderSummary(cs)
	renderOrphans(cs)

	if !applyAutoApprove {
		if !confirm("\nDo you want to perform these actions?") {
			fmt.Println("Apply cancelled.")
			return nil
		}
	}

	actionable := len(cs.Actionable())
	fmt.Printf("\nApplying %d change(s)...\n", actionable)

	result, applyErr := eng.ApplyWithOptions(ctx, graph, cs, st, commit, engine.ApplyOptions{
		Callback: applyProgress,
	})

	if jerr := cfg.Journal().Record(journal.KindApply, cfg.Scope, result); jerr != nil {
		logging.Warn("failed to journal apply", "scope", cfg.Scope, "error", jerr)
	}

	renderApplyResult(result)
	if applyErr != nil {
		return fmt.Errorf("apply failed: %w", applyErr)
	}
	return nil
}

// lockHint decorates lock contention errors with the recovery command.
func lockHint(err error) error {
	if errors.Is(err, state.ErrLockContention) {
		return fmt.Errorf("%w\n\nIf the holder is gone, release it with 'windlass state unlock <token>'", err)
	}
	return err
}
