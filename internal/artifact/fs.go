package artifact

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/opencontainers/go-digest"
)

// FSStore keeps artifact blobs on the local filesystem under
// blobs/<algorithm>/<hex>. The blob path is derived from the content, so
// pushing the same payload twice is a no-op.
type FSStore struct {
	dir string
}

func NewFSStore(dir string) *FSStore {
	return &FSStore{dir: dir}
}

func (s *FSStore) blobPath(dgst digest.Digest) string {
	return filepath.Join(s.dir, "blobs", dgst.Algorithm().String(), dgst.Encoded())
}

func (s *FSStore) Push(ctx context.Context, name string, payload []byte) (string, error) {
	dgst := digest.FromBytes(payload)
	ref, err := canonicalRef(name, dgst)
	if err != nil {
		return "", err
	}

	blobPath := s.blobPath(dgst)
	if _, err := os.Stat(blobPath); err == nil {
		return ref, nil // content-addressed, already present
	}

	if err := os.MkdirAll(filepath.Dir(blobPath), 0755); err != nil {
		return "", fmt.Errorf("failed to create blob directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(blobPath), ".blob-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp blob: %w", err)
	}
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to close blob: %w", err)
	}
	if err := os.Rename(tmp.Name(), blobPath); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to store blob: %w", err)
	}
	return ref, nil
}

func (s *FSStore) Pull(ctx context.Context, ref string) ([]byte, error) {
	dgst, err := parseRef(ref)
	if err != nil {
		return nil, err
	}

	payload, err := os.ReadFile(s.blobPath(dgst))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return nil, fmt.Errorf("failed to read blob: %w", err)
	}

	if digest.FromBytes(payload) != dgst {
		return nil, fmt.Errorf("%w: %s", ErrDigestMismatch, ref)
	}
	return payload, nil
}
