package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/windlass-io/windlass/internal/engine"
)

var validateCmd = &cobra.Command{
	Use:   "validate [path]",
	Short: "Validate manifests without touching state",
	Long: `Loads the manifests, checks every declaration, and builds the
dependency graph so duplicate identifiers, dangling references, and
cycles surface before anything runs.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	fmt.Print("Loading manifests... ")
	m, err := loadManifest(cmd.Context(), cfg, args)
	if err != nil {
		fmt.Println("FAILED")
		return fmt.Errorf("validation failed: %w", err)
	}
	fmt.Println("OK")

	fmt.Print("Building dependency graph... ")
	if _, err := engine.BuildGraph(m.Resources); err != nil {
		fmt.Println("FAILED")
		return fmt.Errorf("validation failed: %w", err)
	}
	fmt.Println("OK")

	fmt.Printf("\nManifests are valid: %d resource(s) declared.\n", len(m.Resources))
	return nil
}
