package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/windlass-io/windlass/internal/engine"
	"github.com/windlass-io/windlass/internal/ir"
	"github.com/windlass-io/windlass/internal/journal"
	"github.com/windlass-io/windlass/internal/logging"
	"github.com/windlass-io/windlass/internal/provider"
	"github.com/windlass-io/windlass/internal/state"
)

var destroyAutoApprove bool

var destroyCmd = &cobra.Command{
	Use:   "destroy",
	Short: "Delete every managed resource",
	Long: `Plans the deletion of every resource recorded in state and executes
it in reverse dependency order: nothing is removed while something that
depends on it still exists.`,
	RunE: runDestroy,
}

func init() {
	destroyCmd.Flags().BoolVar(&destroyAutoApprove, "auto-approve", false, "Skip interactive approval before destroying")
}

func runDestroy(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := state.NewStore(&cfg.State)
	if err != nil {
		return err
	}

	eng := engine.New(provider.NewRegistry())
	if err := configureProviders(ctx, eng, cfg, nil); err != nil {
		return err
	}

	lock, err := store.AcquireLock(ctx, cfg.Scope, state.LockOptions{
		Who:       lockWho(),
		Operation: "destroy",
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

	cs, err := eng.PlanDestroy(st)
	if err != nil {
		return fmt.Errorf("destroy plan failed: %w", err)
	}
	if cs.Empty() {
		fmt.Println("Nothing to destroy. State records no resources.")
		return nil
	}

	fmt.Println("Windlass will destroy the following resources:")
	renderChangeSet(cs)
	renderSummary(cs)

	if !destroyAutoApprove {
		if !confirm("\nDo you really want to destroy all resources?") {
			fmt.Println("Destroy cancelled.")
			return nil
		}
	}

	fmt.Printf("\nDestroying %d resource(s)...\n", cs.Summary.Delete)

	// The desired graph is empty for a destroy; deletion order comes
	// from the dependency edges recorded in state.
	empty, err := engine.BuildGraph(nil)
	if err != nil {
		return err
	}
	commit := func(ctx context.Context, s *ir.State) error {
		return store.WriteState(ctx, cfg.Scope, s, lock.Token)
	}

	result, applyErr := eng.ApplyWithOptions(ctx, empty, cs, st, commit, engine.ApplyOptions{
		Callback: applyProgress,
	})

	if jerr := cfg.Journal().Record(journal.KindDestroy, cfg.Scope, result); jerr != nil {
		logging.Warn("failed to journal destroy", "scope", cfg.Scope, "error", jerr)
	}

	renderApplyResult(result)
	if applyErr != nil {
		return fmt.Errorf("destroy failed: %w", applyErr)
	}
	return nil
}
