package cli

import (
	"context"

	"github.com/spf13/cobra"
)

var (
	cfgFile      string
	scopeFlag    string
	logLevelFlag string
)

var rootCmd = &cobra.Command{
	Use:   "windlass",
	Short: "Declarative infrastructure reconciliation with gated releases",
	Long: `Windlass converges real infrastructure onto declared manifests.

It provides:
  • Deterministic plans diffed against recorded state
  • Dependency-ordered applies with per-change state commits
  • Lease-locked, versioned state shared across hosts
  • A continuous reconciler that detects and heals drift
  • Quality-gated artifact promotion for releases`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Path to windlass.toml (default ./windlass.toml)")
	rootCmd.PersistentFlags().StringVar(&scopeFlag, "scope", "", "State scope to operate on")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(destroyCmd)
	rootCmd.AddCommand(refreshCmd)
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(releaseCmd)
	rootCmd.AddCommand(stateCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(graphCmd)
	rootCmd.AddCommand(versionCmd)
}
