package artifact

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFSStore_PushPullRoundTrip(t *testing.T) {
	s := NewFSStore(t.TempDir())
	ctx := context.Background()
	payload := []byte("release candidate build output")

	ref, err := s.Push(ctx, "releases/app", payload)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(ref, "releases/app@sha256:"), "got ref %q", ref)

	got, err := s.Pull(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestFSStore_PushIsIdempotent(t *testing.T) {
	s := NewFSStore(t.TempDir())
	ctx := context.Background()
	payload := []byte("same bytes")

	ref1, err := s.Push(ctx, "releases/app", payload)
	require.NoError(t, err)
	ref2, err := s.Push(ctx, "releases/app", payload)
	require.NoError(t, err)
	assert.Equal(t, ref1, ref2)
}

func TestFSStore_SamePayloadDifferentNames(t *testing.T) {
	s := NewFSStore(t.TempDir())
	ctx := context.Background()
	payload := []byte("shared content")

	refA, err := s.Push(ctx, "releases/app", payload)
	require.NoError(t, err)
	refB, err := s.Push(ctx, "releases/other", payload)
	require.NoError(t, err)

	assert.NotEqual(t, refA, refB)

	// Both names resolve to the same verified bytes.
	gotA, err := s.Pull(ctx, refA)
	require.NoError(t, err)
	gotB, err := s.Pull(ctx, refB)
	require.NoError(t, err)
	assert.Equal(t, gotA, gotB)
}

func TestFSStore_PullMissing(t *testing.T) {
	s := NewFSStore(t.TempDir())

	ref, err := canonicalRef("releases/app", digest.FromBytes([]byte("never pushed")))
	require.NoError(t, err)

	_, err = s.Pull(context.Background(), ref)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFSStore_PullDetectsTampering(t *testing.T) {
	dir := t.TempDir()
	s := NewFSStore(dir)
	ctx := context.Background()

	payload := []byte("original artifact")
	ref, err := s.Push(ctx, "releases/app", payload)
	require.NoError(t, err)

	// Corrupt the blob behind the store's back.
	blob := s.blobPath(digest.FromBytes(payload))
	require.NoError(t, os.WriteFile(blob, []byte("tampered artifact"), 0644))

	_, err = s.Pull(ctx, ref)
	assert.ErrorIs(t, err, ErrDigestMismatch)
}

func TestFSStore_RejectsInvalidName(t *testing.T) {
	s := NewFSStore(t.TempDir())

	_, err := s.Push(context.Background(), "Not A Valid Name", []byte("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid artifact name")
}

func TestFSStore_RejectsDigestlessReference(t *testing.T) {
	s := NewFSStore(t.TempDir())

	_, err := s.Pull(context.Background(), "releases/app")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no digest")
}

func TestNewStore_Defaults(t *testing.T) {
	s, err := NewStore(&Config{Path: t.TempDir()})
	require.NoError(t, err)
	_, ok := s.(*FSStore)
	assert.True(t, ok)

	_, err = NewStore(&Config{Backend: "ftp"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown artifact backend")
}

func TestNewS3StoreRequiresBucket(t *testing.T) {
	_, err := newS3Store(map[string]string{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket")
}
