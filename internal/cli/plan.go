package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/windlass-io/windlass/internal/engine"
	"github.com/windlass-io/windlass/internal/provider"
	"github.com/windlass-io/windlass/internal/state"
)

var (
	planOutFile  string
	planRefresh  bool
	planNoDelete bool
	planTargets  []string
)

var planCmd = &cobra.Command{
	Use:   "plan [path]",
	Short: "Show what would change to match the manifests",
	Long: `Diffs the declared manifests against recorded state and prints the
ordered change set that would converge them.

The plan shows:
  • Resources to be created
  • Resources to be updated (with attribute diffs)
  • Resources to be deleted

Identical inputs always produce an identical plan.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runPlan,
}

func init() {
	planCmd.Flags().StringVarP(&planOutFile, "out", "o", "", "Write the change set to a JSON file")
	planCmd.Flags().BoolVar(&planRefresh, "refresh", false, "Re-read observed state from providers before diffing")
	planCmd.Flags().BoolVar(&planNoDelete, "no-delete", false, "Flag undeclared resources as orphans instead of planning deletion")
	planCmd.Flags().StringSliceVar(&planTargets, "target", nil, "Restrict to a resource and its dependencies (repeatable)")
}

func runPlan(cmd *cobra.Command, args []string) error {
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

	st, err := store.ReadState(ctx, cfg.Scope)
	if err != nil {
		return fmt.Errorf("failed to read state: %w", err)
	}

	if planRefresh {
		fmt.Print("Refreshing observed state... ")
		refreshed, drift, err := eng.Refresh(ctx, st)
		if err != nil {
			fmt.Println("FAILED")
			return fmt.Errorf("refresh failed: %w", err)
		}
		fmt.Printf("OK (%d drifted)\n", len(drift))
		st = refreshed
	}

	fmt.Print("Calculating plan... ")
	cs, err := eng.PlanWithOptions(graph, st, engine.PlanOptions{
		Targets:  planTargets,
		NoDelete: planNoDelete,
	})
	if err != nil {
		fmt.Println("FAILED")
		return fmt.Errorf("plan generation failed: %w", err)
	}
	fmt.Println("OK")

	if cs.Empty() {
		fmt.Println("\nNo changes. Infrastructure matches the manifests.")
	} else {
		fmt.Println("\nWindlass will perform the following actions:")
		renderChangeSet(cs)
		renderSummary(cs)
	}
	renderOrphans(cs)

	if planOutFile != "" {
		data, err := json.MarshalIndent(cs, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode plan: %w", err)
		}
		if err := os.WriteFile(planOutFile, data, 0644); err != nil {
			return fmt.Errorf("failed to write plan file: %w", err)
		}
		fmt.Printf("\nPlan written to %s\n", planOutFile)
	}

	return nil
}
