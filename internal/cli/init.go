package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/windlass-io/windlass/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a new windlass project",
	Long:  `Creates a starter configuration file and manifest directory.`,
	RunE:  runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	if _, err := os.Stat(config.DefaultPath); os.IsNotExist(err) {
		content := `# Windlass engine configuration.

scope = "default"

[state]
backend = "local"

[source]
dir = "manifests"

[reconcile]
interval = "1m"

[pipeline]
ruleset = "release"
gate_threshold = 0.8

[pipeline.build]
kind = "archive"
context_dir = "."
`
		if err := os.WriteFile(config.DefaultPath, []byte(content), 0644); err != nil {
			return fmt.Errorf("failed to create %s: %w", config.DefaultPath, err)
		}
		fmt.Printf("Created %s\n", config.DefaultPath)
	}

	if err := os.MkdirAll("manifests", 0755); err != nil {
		return fmt.Errorf("failed to create manifests directory: %w", err)
	}

	example := filepath.Join("manifests", "main.yaml")
	if _, err := os.Stat(example); os.IsNotExist(err) {
		content := `# Declared resources. Identifiers are unique; dependsOn orders applies.
resources:
  - id: app-net
    kind: network
    provider: docker
    attributes:
      driver: bridge

  - id: app
    kind: compute
    provider: docker
    dependsOn: [app-net]
    attributes:
      image: nginx:1.27
      network: app-net
`
		if err := os.WriteFile(example, []byte(content), 0644); err != nil {
			return fmt.Errorf("failed to create %s: %w", example, err)
		}
		fmt.Printf("Created %s\n", example)
	}

	fmt.Println("\nWindlass initialized.")
	fmt.Println("Next steps:")
	fmt.Println("  1. Edit manifests/ to declare your infrastructure")
	fmt.Println("  2. Run 'windlass plan' to see what would change")
	fmt.Println("  3. Run 'windlass apply' to make it so")
	return nil
}
