package cli

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/windlass-io/windlass/internal/state"
)

var showJSON bool

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the current recorded state",
	Long:  `Displays a human-readable view of the scope's recorded state.`,
	RunE:  runShow,
}

func init() {
	showCmd.Flags().BoolVar(&showJSON, "json", false, "Output in JSON format")
}

func runShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := state.NewStore(&cfg.State)
	if err != nil {
		return err
	}

	st, err := store.ReadState(cmd.Context(), cfg.Scope)
	if err != nil {
		return fmt.Errorf("failed to read state: %w", err)
	}

	if showJSON {
		data, err := json.MarshalIndent(st, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal state: %w", err)
		}
		fmt.Println(string(data))
		return nil
	}

	fmt.Printf("State: scope=%s serial=%d lineage=%s\n", cfg.Scope, st.Serial, st.Lineage)
	fmt.Printf("Resources: %d\n", len(st.Resources))

	for _, rec := range st.Resources {
		fmt.Printf("\n# %s (%s, provider %s)\n", rec.ID, rec.Kind, rec.Provider)
		if rec.ExternalID != "" {
			fmt.Printf("  external_id = %s\n", rec.ExternalID)
		}
		keys := make([]string, 0, len(rec.Attributes))
		for k := range rec.Attributes {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", k, formatValue(rec.Attributes[k]))
		}
	}
	return nil
}
