// Package source abstracts where desired-state declarations come from.
// A Source is pull-based: the reconciler fetches a snapshot each cycle and
// compares revisions to decide whether the declarations moved. Revisions
// are content digests, so the same declarations always map to the same
// revision no matter when or where they are fetched.
package source

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/opencontainers/go-digest"

	"github.com/windlass-io/windlass/internal/ir"
	"github.com/windlass-io/windlass/internal/manifest"
)

// Snapshot is one fetched view of the desired state.
type Snapshot struct {
	// Revision identifies the content, as a canonical digest string.
	Revision string

	// Manifest holds the validated declarations.
	Manifest *ir.Manifest
}

// Source yields desired-state snapshots.
type Source interface {
	Fetch(ctx context.Context) (*Snapshot, error)
}

// DirSource reads manifests from a directory, the common layout for a
// checked-out source-of-truth repository.
type DirSource struct {
	dir string
}

func NewDirSource(dir string) *DirSource {
	return &DirSource{dir: dir}
}

// Fetch loads and validates the directory's manifests. The revision is a
// digest over every manifest file's name and bytes in lexical order, so
// any edit, rename, addition, or removal produces a new revision.
func (s *DirSource) Fetch(ctx context.Context) (*Snapshot, error) {
	rev, err := s.revision()
	if err != nil {
		return nil, err
	}

	m, err := manifest.LoadDir(ctx, s.dir)
	if err != nil {
		return nil, err
	}
	if err := manifest.Validate(m); err != nil {
		return nil, fmt.Errorf("invalid manifest in %s: %w", s.dir, err)
	}

	return &Snapshot{Revision: rev, Manifest: m}, nil
}

func (s *DirSource) revision() (string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return "", fmt.Errorf("failed to read manifest directory: %w", err)
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
	sort.Strings(names)

	digester := digest.Canonical.Digester()
	h := digester.Hash()
	for _, name := range names {
		raw, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			return "", fmt.Errorf("failed to read manifest %s: %w", name, err)
		}
		h.Write([]byte(name))
		h.Write([]byte{0})
		h.Write(raw)
		h.Write([]byte{0})
	}
	return digester.Digest().String(), nil
}

// Static serves a fixed manifest from memory and recomputes its revision
// whenever the manifest is swapped. Used in tests and by embedders that
// manage declarations themselves.
type Static struct {
	mu       sync.Mutex
	snapshot *Snapshot
	err      error
}

func NewStatic(m *ir.Manifest) *Static {
	s := &Static{}
	s.Set(m)
	return s
}

// Set replaces the served manifest.
func (s *Static) Set(m *ir.Manifest) {
	raw, err := json.Marshal(m)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.err = fmt.Errorf("failed to encode manifest: %w", err)
		return
	}
	s.err = nil
	s.snapshot = &Snapshot{
		Revision: digest.FromBytes(raw).String(),
		Manifest: m,
	}
}

// Fail makes subsequent fetches return err, for exercising fetch failures.
func (s *Static) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *Static) Fetch(ctx context.Context) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return s.snapshot, nil
}
