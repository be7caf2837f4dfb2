// Package manifest loads and validates desired-state declarations. Two
// document languages are supported: YAML for plain manifests and PKL for
// typed, templated configuration. Either way the result is one
// ir.Manifest, which downstream components treat as the single desired
// snapshot.
package manifest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/apple/pkl-go/pkl"
	"gopkg.in/yaml.v3"

	"github.com/windlass-io/windlass/internal/ir"
)

// Load reads one manifest document, choosing the decoder by extension.
func Load(ctx context.Context, path string) (*ir.Manifest, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return loadYAML(path)
	case ".pkl":
		return loadPKL(ctx, path)
	default:
		return nil, fmt.Errorf("unsupported manifest format %q (want .yaml, .yml, or .pkl)", filepath.Ext(path))
	}
}

// LoadDir loads every manifest document directly under dir, in lexical
// order, and merges them into one manifest. Splitting resources across
// files is fine; scope and per-provider settings may be declared once.
func LoadDir(ctx context.Context, dir string) (*ir.Manifest, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest directory: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml", ".pkl":
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("no manifest documents found in %s", dir)
	}
	sort.Strings(names)

	merged := &ir.Manifest{}
	for _, name := range names {
		m, err := Load(ctx, filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		if err := merge(merged, m); err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
	}
	return merged, nil
}

func merge(dst, src *ir.Manifest) error {
	if src.Scope != "" {
		if dst.Scope != "" && dst.Scope != src.Scope {
			return fmt.Errorf("conflicting scope declarations %q and %q", dst.Scope, src.Scope)
		}
		dst.Scope = src.Scope
	}
	for name, settings := range src.Providers {
		if _, ok := dst.Providers[name]; ok {
			return fmt.Errorf("provider %q configured more than once", name)
		}
		if dst.Providers == nil {
			dst.Providers = make(map[string]map[string]any)
		}
		dst.Providers[name] = settings
	}
	dst.Resources = append(dst.Resources, src.Resources...)
	return nil
}

func loadYAML(path string) (*ir.Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest %s: %w", path, err)
	}
	var m ir.Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}
	return &m, nil
}

func loadPKL(ctx context.Context, path string) (*ir.Manifest, error) {
	evaluator, err := pkl.NewEvaluator(ctx, pkl.PreconfiguredOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to create PKL evaluator: %w", err)
	}
	defer evaluator.Close()

	var m ir.Manifest
	if err := evaluator.EvaluateModule(ctx, pkl.FileSource(path), &m); err != nil {
		return nil, fmt.Errorf("failed to evaluate manifest %s: %w", path, err)
	}
	return &m, nil
}

// Validate checks the declaration-level invariants: identifiers present
// and unique, kind and provider named, no self-dependencies. Graph-level
// problems (unresolved references, cycles) are the graph builder's job.
func Validate(m *ir.Manifest) error {
	seen := make(map[string]bool, len(m.Resources))
	for i, r := range m.Resources {
		if r == nil {
			return fmt.Errorf("resource %d is empty", i)
		}
		if r.ID == "" {
			return fmt.Errorf("resource %d has no id", i)
		}
		if seen[r.ID] {
			return fmt.Errorf("duplicate resource id %q", r.ID)
		}
		seen[r.ID] = true

		if r.Kind == "" {
			return fmt.Errorf("resource %q has no kind", r.ID)
		}
		if r.Provider == "" {
			return fmt.Errorf("resource %q has no provider", r.ID)
		}
		for _, dep := range r.DependsOn {
			if dep == r.ID {
				return fmt.Errorf("resource %q depends on itself", r.ID)
			}
		}
	}
	return nil
}
