// Package artifact stores built release artifacts content-addressed: a
// pushed artifact is identified by a canonical reference of the form
// name@sha256:digest, and pulls verify the payload against the digest in
// the reference, so a registry (or a disk) can never silently hand back
// different bytes than the pipeline published.
package artifact

import (
	"context"
	"errors"
	"fmt"

	"github.com/distribution/reference"
	"github.com/opencontainers/go-digest"
)

var (
	// ErrNotFound is returned when no artifact exists for a reference.
	ErrNotFound = errors.New("artifact not found")

	// ErrDigestMismatch is returned when stored bytes do not match the
	// digest in the reference.
	ErrDigestMismatch = errors.New("artifact digest mismatch")
)

// Store is a content-addressed artifact registry.
type Store interface {
	// Push stores the payload under name and returns the canonical
	// reference name@sha256:digest.
	Push(ctx context.Context, name string, payload []byte) (string, error)

	// Pull fetches the payload for a canonical reference and verifies it
	// against the reference's digest.
	Pull(ctx context.Context, ref string) ([]byte, error)
}

// Ref computes the canonical reference a payload would receive if
// pushed under name, without storing anything. The release pipeline
// uses this to hand analysis a stable reference before the artifact
// has cleared the quality gate.
func Ref(name string, payload []byte) (string, error) {
	return canonicalRef(name, digest.FromBytes(payload))
}

// canonicalRef builds the name@digest reference for a payload.
func canonicalRef(name string, dgst digest.Digest) (string, error) {
	named, err := reference.WithName(name)
	if err != nil {
		return "", fmt.Errorf("invalid artifact name %q: %w", name, err)
	}
	canonical, err := reference.WithDigest(named, dgst)
	if err != nil {
		return "", fmt.Errorf("failed to build artifact reference: %w", err)
	}
	return canonical.String(), nil
}

// parseRef extracts the digest from a canonical reference.
func parseRef(ref string) (digest.Digest, error) {
	parsed, err := reference.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("invalid artifact reference %q: %w", ref, err)
	}
	canonical, ok := parsed.(reference.Canonical)
	if !ok {
		return "", fmt.Errorf("artifact reference %q carries no digest", ref)
	}
	return canonical.Digest(), nil
}

// Config selects and parameterizes an artifact store backend.
type Config struct {
	// Backend is "fs" or "s3". Empty means fs.
	Backend string `json:"backend" toml:"backend"`

	// Path is the artifact directory for the fs backend.
	Path string `json:"path" toml:"path"`

	// Options hold backend-specific settings. For s3: bucket, prefix,
	// region, profile.
	Options map[string]string `json:"options" toml:"options"`
}

// NewStore creates an artifact store from configuration.
func NewStore(cfg *Config) (Store, error) {
	if cfg == nil {
		cfg = &Config{}
	}

	switch cfg.Backend {
	case "fs", "":
		path := cfg.Path
		if path == "" {
			path = ".windlass/artifacts"
		}
		return NewFSStore(path), nil
	case "s3":
		return newS3Store(cfg.Options)
	default:
		return nil, fmt.Errorf("unknown artifact backend: %s", cfg.Backend)
	}
}
