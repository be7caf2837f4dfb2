package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/windlass-io/windlass/internal/engine"
	"github.com/windlass-io/windlass/internal/ir"
	"github.com/windlass-io/windlass/internal/logging"
	"github.com/windlass-io/windlass/internal/provider"
	"github.com/windlass-io/windlass/internal/state"
)

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Update recorded state to match real infrastructure",
	Long: `Reads every managed resource back from its provider and rewrites the
state records to reflect what actually exists. Records whose external
object has vanished are removed.

This detects drift from manual edits without changing any infrastructure.`,
	RunE: runRefresh,
}

func runRefresh(cmd *cobra.Command, args []string) error {
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
		Operation: "refresh",
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
	if len(st.Resources) == 0 {
		fmt.Println("No resources to refresh.")
		return nil
	}

	fmt.Printf("Refreshing %d resource(s)...\n\n", len(st.Resources))

	refreshed, drift, err := eng.Refresh(ctx, st)
	if err != nil {
		return fmt.Errorf("refresh failed: %w", err)
	}

	for _, d := range drift {
		switch d.Kind {
		case ir.DriftMissing:
			fmt.Printf("  %s%s: MISSING (removed from state)%s\n", colorize(ansiRed), d.ID, colorize(ansiReset))
		case ir.DriftChanged:
			fmt.Printf("  %s%s: DRIFTED (record updated)%s\n", colorize(ansiYellow), d.ID, colorize(ansiReset))
		}
	}

	if len(drift) == 0 {
		fmt.Println("Refresh complete. No drift detected.")
		return nil
	}

	refreshed.Serial++
	if err := store.WriteState(ctx, cfg.Scope, refreshed, lock.Token); err != nil {
		return fmt.Errorf("failed to write refreshed state: %w", err)
	}

	fmt.Printf("\nRefresh complete. %d record(s) updated, serial now %d.\n", len(drift), refreshed.Serial)
	return nil
}
