package cli

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/windlass-io/windlass/internal/journal"
	"github.com/windlass-io/windlass/internal/logging"
	"github.com/windlass-io/windlass/internal/state"
)

var stateHistoryCount int

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Inspect and repair recorded state",
	Long:  `Commands for inspecting and modifying the recorded resource state.`,
}

var stateListCmd = &cobra.Command{
	Use:   "list",
	Short: "List resources in state",
	RunE:  runStateList,
}

var stateShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show the record of a single resource",
	Args:  cobra.ExactArgs(1),
	RunE:  runStateShow,
}

var stateRmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Remove a resource from state (does not destroy it)",
	Args:  cobra.ExactArgs(1),
	RunE:  runStateRm,
}

var stateUnlockCmd = &cobra.Command{
	Use:   "unlock <token>",
	Short: "Force-release a held state lock",
	Long: `Removes the scope's lock regardless of lease expiry. The token must
match the held lock, which contention errors report, so only the lock
an operator was told about can be released.`,
	Args: cobra.ExactArgs(1),
	RunE: runStateUnlock,
}

var stateHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent engine activity for this scope",
	RunE:  runStateHistory,
}

func init() {
	stateHistoryCmd.Flags().IntVarP(&stateHistoryCount, "count", "n", 10, "Number of entries to show")

	stateCmd.AddCommand(stateListCmd)
	stateCmd.AddCommand(stateShowCmd)
	stateCmd.AddCommand(stateRmCmd)
	stateCmd.AddCommand(stateUnlockCmd)
	stateCmd.AddCommand(stateHistoryCmd)
}

func runStateList(cmd *cobra.Command, args []string) error {
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

	if len(st.Resources) == 0 {
		fmt.Println("No resources in state.")
		return nil
	}

	fmt.Printf("State: scope=%s serial=%d lineage=%s\n\n", cfg.Scope, st.Serial, st.Lineage)
	for _, rec := range st.Resources {
		fmt.Printf("  %s (%s, provider %s)\n", rec.ID, rec.Kind, rec.Provider)
	}
	fmt.Printf("\nTotal: %d resource(s)\n", len(st.Resources))
	return nil
}

func runStateShow(cmd *cobra.Command, args []string) error {
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

	rec := st.Resource(args[0])
	if rec == nil {
		return fmt.Errorf("resource %s not found in state", args[0])
	}

	fmt.Printf("# %s\n", rec.ID)
	fmt.Printf("  kind           = %s\n", rec.Kind)
	fmt.Printf("  provider       = %s\n", rec.Provider)
	if rec.ExternalID != "" {
		fmt.Printf("  external_id    = %s\n", rec.ExternalID)
	}
	fmt.Printf("  applied_serial = %d\n", rec.AppliedSerial)
	if len(rec.Dependencies) > 0 {
		fmt.Printf("  depends_on     = %v\n", rec.Dependencies)
	}

	if len(rec.Attributes) > 0 {
		fmt.Println("\n  Attributes:")
		keys := make([]string, 0, len(rec.Attributes))
		for k := range rec.Attributes {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("    %s = %s\n", k, formatValue(rec.Attributes[k]))
		}
	}
	return nil
}

func runStateRm(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	id := args[0]

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := state.NewStore(&cfg.State)
	if err != nil {
		return err
	}

	lock, err := store.AcquireLock(ctx, cfg.Scope, state.LockOptions{
		Who:       lockWho(),
		Operation: "state rm",
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
	if st.Resource(id) == nil {
		return fmt.Errorf("resource %s not found in state", id)
	}

	st.Remove(id)
	st.Serial++
	if err := store.WriteState(ctx, cfg.Scope, st, lock.Token); err != nil {
		return fmt.Errorf("failed to write state: %w", err)
	}

	if jerr := cfg.Journal().Record(journal.KindStateRm, cfg.Scope, map[string]string{"id": id}); jerr != nil {
		logging.Warn("failed to journal state rm", "scope", cfg.Scope, "error", jerr)
	}

	fmt.Printf("Removed %s from state. The real resource was NOT destroyed.\n", id)
	return nil
}

func runStateUnlock(cmd *cobra.Command, args []string) error {
	token := args[0]

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := state.NewStore(&cfg.State)
	if err != nil {
		return err
	}

	if err := store.ForceUnlock(cmd.Context(), cfg.Scope, token); err != nil {
		return fmt.Errorf("failed to unlock: %w", err)
	}

	if jerr := cfg.Journal().Record(journal.KindUnlock, cfg.Scope, map[string]string{"token": token}); jerr != nil {
		logging.Warn("failed to journal unlock", "scope", cfg.Scope, "error", jerr)
	}

	fmt.Printf("Lock released for scope %q.\n", cfg.Scope)
	return nil
}

func runStateHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	entries, err := cfg.Journal().Tail(stateHistoryCount)
	if err != nil {
		return fmt.Errorf("failed to read journal: %w", err)
	}
	if len(entries) == 0 {
		fmt.Println("No recorded activity.")
		return nil
	}

	for _, e := range entries {
		line := fmt.Sprintf("%s  %-10s scope=%s who=%s",
			e.Timestamp.Format(time.RFC3339), e.Kind, e.Scope, e.Who)
		if e.Error != "" {
			line += fmt.Sprintf("  error=%s", e.Error)
		}
		fmt.Println(line)
	}
	return nil
}
