package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/windlass-io/windlass/internal/engine"
	"github.com/windlass-io/windlass/internal/ir"
	"github.com/windlass-io/windlass/internal/provider"
	"github.com/windlass-io/windlass/internal/reconcile"
	"github.com/windlass-io/windlass/internal/source"
	"github.com/windlass-io/windlass/internal/state"
)

var (
	reconcileOnce     bool
	reconcileInterval time.Duration
	reconcilePrune    bool
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile [path]",
	Short: "Continuously converge infrastructure onto the manifests",
	Long: `Runs the reconciliation loop: on every cycle the manifests are
re-fetched, observed state is re-read from providers, and whatever
diverged is healed. Manual edits made behind the engine's back are
detected and reverted.

Resources that leave the manifests are flagged as orphans and left
untouched unless --prune is set. The loop runs until interrupted;
--once performs a single cycle and exits.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runReconcile,
}

func init() {
	reconcileCmd.Flags().BoolVar(&reconcileOnce, "once", false, "Run a single cycle and exit")
	reconcileCmd.Flags().DurationVar(&reconcileInterval, "interval", 0, "Override the pause between cycles")
	reconcileCmd.Flags().BoolVar(&reconcilePrune, "prune", false, "Delete resources that left the manifests")
}

func runReconcile(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	dir := cfg.Source.Dir
	if len(args) > 0 {
		dir = args[0]
	}
	if dir == "" {
		dir = "."
	}

	store, err := state.NewStore(&cfg.State)
	if err != nil {
		return err
	}
	eng := engine.New(provider.NewRegistry())
	if err := eng.ConfigureProviders(ctx, cfg.Providers); err != nil {
		return err
	}

	rcfg := cfg.Reconcile.Runtime(cfg.Scope, lockWho())
	if reconcileInterval > 0 {
		rcfg.Interval = reconcileInterval
	}
	if reconcilePrune {
		rcfg.Prune = true
	}

	rec := reconcile.New(source.NewDirSource(dir), store, eng, cfg.Journal(), rcfg)

	if reconcileOnce {
		cycle, err := rec.RunCycle(ctx)
		if cycle != nil {
			renderCycle(cycle)
		}
		return err
	}

	interval := rcfg.Interval
	if interval <= 0 {
		interval = reconcile.DefaultInterval
	}
	fmt.Printf("Reconciling %q onto scope %q every %s. Press Ctrl-C to stop.\n",
		dir, cfg.Scope, interval)
	return rec.Run(ctx)
}

// renderCycle prints one reconcile cycle's record.
func renderCycle(cycle *ir.ReconcileCycle) {
	fmt.Printf("Cycle finished: %s", cycle.Outcome)
	if cycle.Revision != "" {
		fmt.Printf(" (revision %s)", cycle.Revision)
	}
	fmt.Println()

	for _, d := range cycle.Drift {
		color := ansiYellow
		if d.Action == ir.ActionHeal || d.Action == ir.ActionPrune {
			color = ansiGreen
		}
		fmt.Printf("  %s%s: %s -> %s%s\n", colorize(color), d.ID, d.Kind, d.Action, colorize(ansiReset))
	}

	if cycle.Error != "" {
		fmt.Printf("  %serror: %s%s\n", colorize(ansiRed), cycle.Error, colorize(ansiReset))
	}
}
