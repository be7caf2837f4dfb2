package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/windlass-io/windlass/internal/config"
	"github.com/windlass-io/windlass/internal/engine"
	"github.com/windlass-io/windlass/internal/ir"
	"github.com/windlass-io/windlass/internal/logging"
	"github.com/windlass-io/windlass/internal/manifest"
)

// noColor disables ANSI escapes in rendered output.
var noColor bool

const (
	ansiReset  = "\033[0m"
	ansiRed    = "\033[31m"
	ansiGreen  = "\033[32m"
	ansiYellow = "\033[33m"
)

func colorize(code string) string {
	if noColor {
		return ""
	}
	return code
}

// loadConfig reads the configuration file, applies the persistent flag
// overrides, and initializes logging.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if scopeFlag != "" {
		cfg.Scope = scopeFlag
	}
	if logLevelFlag != "" {
		cfg.LogLevel = logLevelFlag
	}
	logging.Init(cfg.LogLevel)
	return cfg, nil
}

// loadManifest reads declarations from the path argument, falling back
// to the configured source directory, then the working directory. A
// file loads alone; a directory loads every manifest in it.
func loadManifest(ctx context.Context, cfg *config.Config, args []string) (*ir.Manifest, error) {
	path := cfg.Source.Dir
	if len(args) > 0 {
		path = args[0]
	}
	if path == "" {
		path = "."
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}

	var m *ir.Manifest
	if info.IsDir() {
		m, err = manifest.LoadDir(ctx, path)
	} else {
		m, err = manifest.Load(ctx, path)
	}
	if err != nil {
		return nil, err
	}
	if err := manifest.Validate(m); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	return m, nil
}

// configureProviders hands the engine both the config file's provider
// settings and the manifest's, with the manifest taking precedence.
func configureProviders(ctx context.Context, eng *engine.Engine, cfg *config.Config, m *ir.Manifest) error {
	if err := eng.ConfigureProviders(ctx, cfg.Providers); err != nil {
		return err
	}
	if m == nil {
		return nil
	}
	return eng.ConfigureProviders(ctx, m.Providers)
}

// lockWho identifies this invocation in lock and journal records.
func lockWho() string {
	user := os.Getenv("USER")
	if user == "" {
		user = os.Getenv("USERNAME")
	}
	if user == "" {
		user = "unknown"
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return user + "@" + host
}

// confirm prompts for interactive approval.
func confirm(prompt string) bool {
	fmt.Printf("%s (y/n): ", prompt)
	var response string
	fmt.Scanln(&response)
	return response == "y" || response == "yes"
}

func opSymbol(op ir.Op) string {
	switch op {
	case ir.OpCreate:
		return "+"
	case ir.OpUpdate:
		return "~"
	case ir.OpDelete:
		return "-"
	default:
		return " "
	}
}

func opColor(op ir.Op) string {
	switch op {
	case ir.OpCreate:
		return ansiGreen
	case ir.OpUpdate:
		return ansiYellow
	case ir.OpDelete:
		return ansiRed
	default:
		return ansiReset
	}
}

func opVerb(op ir.Op) string {
	switch op {
	case ir.OpCreate:
		return "Creating"
	case ir.OpUpdate:
		return "Updating"
	case ir.OpDelete:
		return "Deleting"
	default:
		return "Visiting"
	}
}

// changeMeta returns the kind and provider of a change, from the
// desired resource when present and the prior record otherwise.
func changeMeta(c *ir.Change) (kind, prov string) {
	if c.Desired != nil {
		return c.Desired.Kind, c.Desired.Provider
	}
	if c.Prior != nil {
		return c.Prior.Kind, c.Prior.Provider
	}
	return "", ""
}

// renderChangeSet prints the detailed change list for a plan.
func renderChangeSet(cs *ir.ChangeSet) {
	reset := colorize(ansiReset)
	for _, c := range cs.Changes {
		if c.Op == ir.OpNoop {
			continue
		}
		color := colorize(opColor(c.Op))

		kind, prov := changeMeta(c)
		fmt.Printf("\n%s  # %s will be %sd%s\n", color, c.ID, c.Op, reset)
		fmt.Printf("%s  %s %s %q (provider %s) {%s\n", color, opSymbol(c.Op), kind, c.ID, prov, reset)
		renderReasons(c.Reasons)
		fmt.Printf("%s    }%s\n", color, reset)
	}
}

// renderOrphans lists resources recorded in state but absent from the
// manifests. They are flagged, never deleted, until pruning is asked for.
func renderOrphans(cs *ir.ChangeSet) {
	if len(cs.Orphans) == 0 {
		return
	}
	fmt.Printf("\n%sOrphaned (recorded but no longer declared; not planned for deletion):%s\n",
		colorize(ansiYellow), colorize(ansiReset))
	for _, id := range cs.Orphans {
		fmt.Printf("  %s\n", id)
	}
}

// renderReasons prints attribute-level diffs.
func renderReasons(reasons []ir.AttributeDiff) {
	reset := colorize(ansiReset)
	for _, d := range reasons {
		switch d.Action {
		case "add":
			fmt.Printf("%s      + %s = %s%s\n", colorize(ansiGreen), d.Path, formatValue(d.After), reset)
		case "remove":
			fmt.Printf("%s      - %s = %s%s\n", colorize(ansiRed), d.Path, formatValue(d.Before), reset)
		default:
			fmt.Printf("%s      ~ %s = %s -> %s%s\n", colorize(ansiYellow), d.Path,
				formatValue(d.Before), formatValue(d.After), reset)
		}
	}
}

// formatValue returns a human-readable representation of a value.
func formatValue(v any) string {
	if v == nil {
		return "null"
	}
	switch val := v.(type) {
	case string:
		return fmt.Sprintf("%q", val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// renderSummary prints the plan summary counts.
func renderSummary(cs *ir.ChangeSet) {
	fmt.Println("\nPlan Summary:")
	fmt.Printf("  Create: %d\n", cs.Summary.Create)
	fmt.Printf("  Update: %d\n", cs.Summary.Update)
	fmt.Printf("  Delete: %d\n", cs.Summary.Delete)
	fmt.Printf("  NoOp:   %d\n", cs.Summary.NoOp)
}

// applyProgress prints per-change progress while an apply runs.
func applyProgress(event engine.ApplyEvent) {
	switch event.Status {
	case "started":
		fmt.Printf("  %s %s...\n", opVerb(event.Op), event.ID)
	case "completed":
		fmt.Printf("  %s%s %s: done (%s)%s\n", colorize(ansiGreen), opSymbol(event.Op),
			event.ID, event.Duration.Round(time.Millisecond), colorize(ansiReset))
	case "failed":
		fmt.Printf("  %s%s %s: FAILED (%v)%s\n", colorize(ansiRed), opSymbol(event.Op),
			event.ID, event.Error, colorize(ansiReset))
	case "skipped":
		fmt.Printf("  %s %s: skipped%s\n", colorize(ansiYellow), event.ID, colorize(ansiReset))
	}
}

// renderApplyResult prints the per-entry disposition of an apply run.
func renderApplyResult(result *ir.ApplyResult) {
	fmt.Printf("\nApply complete! Resources: %d applied, %d failed, %d skipped.\n",
		result.Applied, result.Failed, result.Skipped)

	for _, e := range result.Entries {
		switch e.Status {
		case ir.EntryFailed:
			fmt.Printf("  %s%s: %s%s\n", colorize(ansiRed), e.ID, e.Error, colorize(ansiReset))
		case ir.EntrySkipped:
			fmt.Printf("  %s%s: skipped (dependency %s failed)%s\n",
				colorize(ansiYellow), e.ID, e.SkippedFor, colorize(ansiReset))
		}
	}
}
