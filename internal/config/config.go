// Package config loads the engine configuration from windlass.toml.
// Settings layer in a fixed precedence: built-in defaults first, then
// the file, then whatever flags the CLI applies on top. Every section
// is optional, so a bare repository with no config file still gets a
// working local setup.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/windlass-io/windlass/internal/analysis"
	"github.com/windlass-io/windlass/internal/artifact"
	"github.com/windlass-io/windlass/internal/journal"
	"github.com/windlass-io/windlass/internal/pipeline"
	"github.com/windlass-io/windlass/internal/reconcile"
	"github.com/windlass-io/windlass/internal/state"
)

// DefaultPath is where Load looks when no path is given.
const DefaultPath = "windlass.toml"

// DefaultJournalPath is where engine activity is journaled.
const DefaultJournalPath = ".windlass/journal.jsonl"

// Duration decodes TOML strings like "90s" or "5m" into a duration.
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full engine configuration.
type Config struct {
	// Scope is the state scope commands operate on unless overridden.
	Scope string `toml:"scope"`

	// LogLevel is debug, info, warn, or error. Empty defers to the
	// WINDLASS_LOG_LEVEL environment variable, then info.
	LogLevel string `toml:"log_level"`

	// JournalPath is the JSONL activity log. Empty selects the default;
	// "off" disables journaling.
	JournalPath string `toml:"journal"`

	State     state.Config    `toml:"state"`
	Artifacts artifact.Config `toml:"artifacts"`
	Source    SourceConfig    `toml:"source"`
	Reconcile ReconcileConfig `toml:"reconcile"`
	Pipeline  PipelineConfig  `toml:"pipeline"`
	Analysis  AnalysisConfig  `toml:"analysis"`

	// Providers holds per-provider settings passed through to
	// Provider.Configure, keyed by provider name.
	Providers map[string]map[string]any `toml:"providers"`
}

// SourceConfig locates the desired-state declarations.
type SourceConfig struct {
	// Dir is the manifest directory. Empty means the working directory.
	Dir string `toml:"dir"`
}

// ReconcileConfig tunes the convergence loop.
type ReconcileConfig struct {
	Interval     Duration `toml:"interval"`
	CycleTimeout Duration `toml:"cycle_timeout"`
	Prune        bool     `toml:"prune"`
}

// PipelineConfig tunes gated promotion runs.
type PipelineConfig struct {
	// Ruleset names the analysis rule set candidates are scanned under.
	Ruleset string `toml:"ruleset"`

	// GateThreshold is the minimum analysis score that clears the
	// quality gate. Zero selects the engine default.
	GateThreshold float64 `toml:"gate_threshold"`

	// PollInterval is the delay between analysis result polls.
	PollInterval Duration `toml:"poll_interval"`

	Build BuildConfig `toml:"build"`

	// Stages holds per-stage execution policies keyed by stage name.
	Stages map[string]StagePolicy `toml:"stages"`
}

// BuildConfig selects and parameterizes the pipeline's builder.
type BuildConfig struct {
	// Kind is "archive" or "image". Empty means archive.
	Kind string `toml:"kind"`

	// ContextDir is the build context directory.
	ContextDir string `toml:"context_dir"`

	// Exclude holds .dockerignore-style patterns the archive builder
	// leaves out.
	Exclude []string `toml:"exclude"`

	// Dockerfile, Tag, and Host parameterize the image builder.
	Dockerfile string `toml:"dockerfile"`
	Tag        string `toml:"tag"`
	Host       string `toml:"host"`
}

// StagePolicy mirrors the pipeline's per-stage policy with
// TOML-friendly duration fields.
type StagePolicy struct {
	Timeout  Duration `toml:"timeout"`
	Attempts int      `toml:"attempts"`
	Backoff  Duration `toml:"backoff"`
}

// AnalysisConfig points at the static analysis service.
type AnalysisConfig struct {
	BaseURL string `toml:"base_url"`

	// Token is the bearer token. Empty defers to the
	// WINDLASS_ANALYSIS_TOKEN environment variable, so credentials can
	// stay out of checked-in files.
	Token string `toml:"token"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Scope:       state.DefaultScope,
		JournalPath: DefaultJournalPath,
	}
}

// Load reads the configuration at path, layering it over the defaults.
// An empty path means DefaultPath, and a missing file there is not an
// error: the defaults stand on their own. An explicitly named file
// must exist.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && !explicit {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to load config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unknown keys in config %s: %s", path, strings.Join(keys, ", "))
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func Validate(cfg *Config) error {
	switch cfg.State.Backend {
	case "", "local", "s3":
	default:
		return fmt.Errorf("unknown state backend %q", cfg.State.Backend)
	}

	switch cfg.Artifacts.Backend {
	case "", "fs", "s3":
	default:
		return fmt.Errorf("unknown artifact backend %q", cfg.Artifacts.Backend)
	}

	switch strings.ToLower(cfg.LogLevel) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("unknown log level %q", cfg.LogLevel)
	}

	if cfg.Reconcile.Interval < 0 {
		return errors.New("reconcile interval must not be negative")
	}
	if cfg.Reconcile.CycleTimeout < 0 {
		return errors.New("reconcile cycle_timeout must not be negative")
	}

	if t := cfg.Pipeline.GateThreshold; t < 0 || t > 1 {
		return fmt.Errorf("gate_threshold %v outside [0, 1]", t)
	}
	switch cfg.Pipeline.Build.Kind {
	case "", "archive", "image":
	default:
		return fmt.Errorf("unknown build kind %q", cfg.Pipeline.Build.Kind)
	}
	for name, policy := range cfg.Pipeline.Stages {
		switch name {
		case pipeline.StageBuild, pipeline.StageAnalyze, pipeline.StageGate, pipeline.StagePublish:
		default:
			return fmt.Errorf("stage policy for unknown stage %q", name)
		}
		if policy.Attempts < 0 {
			return fmt.Errorf("stage %s: attempts must not be negative", name)
		}
		if policy.Timeout < 0 || policy.Backoff < 0 {
			return fmt.Errorf("stage %s: timeout and backoff must not be negative", name)
		}
	}

	return nil
}

// Journal opens the configured activity log. A disabled journal is
// returned as nil, which the journal package treats as discard.
func (c *Config) Journal() *journal.Journal {
	switch c.JournalPath {
	case "off", "none":
		return nil
	case "":
		return journal.New(DefaultJournalPath)
	default:
		return journal.New(c.JournalPath)
	}
}

// Runtime translates the section into the reconciler's configuration.
func (rc ReconcileConfig) Runtime(scope, who string) reconcile.Config {
	return reconcile.Config{
		Scope:        scope,
		Interval:     rc.Interval.Std(),
		CycleTimeout: rc.CycleTimeout.Std(),
		Prune:        rc.Prune,
		Who:          who,
	}
}

// Runtime translates the section into the pipeline's configuration.
func (pc PipelineConfig) Runtime() pipeline.Config {
	out := pipeline.Config{
		Ruleset:       pc.Ruleset,
		GateThreshold: pc.GateThreshold,
		PollInterval:  pc.PollInterval.Std(),
	}
	if len(pc.Stages) > 0 {
		out.Stages = make(map[string]pipeline.StagePolicy, len(pc.Stages))
		for name, p := range pc.Stages {
			out.Stages[name] = pipeline.StagePolicy{
				Timeout:  p.Timeout.Std(),
				Attempts: p.Attempts,
				Backoff:  p.Backoff.Std(),
			}
		}
	}
	return out
}

// Builder constructs the toolchain the build section selects.
func (bc BuildConfig) Builder() (pipeline.Builder, error) {
	switch bc.Kind {
	case "", "archive":
		return &pipeline.ArchiveBuilder{
			ContextDir: bc.ContextDir,
			Exclude:    bc.Exclude,
		}, nil
	case "image":
		return &pipeline.ImageBuilder{
			ContextDir: bc.ContextDir,
			Dockerfile: bc.Dockerfile,
			Tag:        bc.Tag,
			Host:       bc.Host,
		}, nil
	default:
		return nil, fmt.Errorf("unknown build kind %q", bc.Kind)
	}
}

// Client builds the analysis service client. The release pipeline
// cannot run without one, so an unset base_url is an error rather
// than a silent stub.
func (ac AnalysisConfig) Client() (analysis.Client, error) {
	base := strings.TrimSpace(ac.BaseURL)
	if base == "" {
		return nil, errors.New("analysis service base_url is not configured")
	}
	token := ac.Token
	if token == "" {
		token = os.Getenv("WINDLASS_ANALYSIS_TOKEN")
	}
	var opts []analysis.Option
	if token != "" {
		opts = append(opts, analysis.WithToken(token))
	}
	return analysis.NewHTTPClient(base, opts...), nil
}
