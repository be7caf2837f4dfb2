package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"
)

// Builder produces a candidate artifact payload. Implementations wrap
// whatever toolchain turns sources into publishable bytes.
type Builder interface {
	Build(ctx context.Context) ([]byte, error)
}

// ArchiveBuilder packages a source directory into a tar archive. It is
// the default toolchain when no image build is configured: the archive
// bytes are what analysis scores and the registry stores.
type ArchiveBuilder struct {
	// ContextDir is the directory to package.
	ContextDir string

	// Exclude holds .dockerignore-style patterns to leave out.
	Exclude []string
}

func (b *ArchiveBuilder) Build(ctx context.Context) ([]byte, error) {
	if b.ContextDir == "" {
		return nil, errors.New("build context directory is required")
	}
	rc, err := archive.TarWithOptions(b.ContextDir, &archive.TarOptions{
		ExcludePatterns: b.Exclude,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create build context tar: %w", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to read build context tar: %w", err)
	}
	return data, nil
}

// ImageBuilder builds a container image from a build context and
// exports the image as the artifact payload.
type ImageBuilder struct {
	// ContextDir is the build context directory.
	ContextDir string

	// Dockerfile is the path of the Dockerfile within the context.
	// Empty lets the daemon use its default.
	Dockerfile string

	// Tag names the built image.
	Tag string

	// Host overrides the daemon address from the environment.
	Host string

	client *client.Client
}

func (b *ImageBuilder) Build(ctx context.Context) ([]byte, error) {
	if b.ContextDir == "" {
		return nil, errors.New("build context directory is required")
	}
	if b.Tag == "" {
		return nil, errors.New("image tag is required")
	}
	if err := b.ensureClient(); err != nil {
		return nil, err
	}

	tar, err := archive.TarWithOptions(b.ContextDir, &archive.TarOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to create build context tar: %w", err)
	}

	opts := types.ImageBuildOptions{
		Tags:       []string{b.Tag},
		Dockerfile: b.Dockerfile,
		Remove:     true,
	}
	resp, err := b.client.ImageBuild(ctx, tar, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to build image: %w", err)
	}
	// Drain output to prevent blocking
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	saved, err := b.client.ImageSave(ctx, []string{b.Tag})
	if err != nil {
		return nil, fmt.Errorf("failed to export image: %w", err)
	}
	defer saved.Close()

	data, err := io.ReadAll(saved)
	if err != nil {
		return nil, fmt.Errorf("failed to read image export: %w", err)
	}
	return data, nil
}

func (b *ImageBuilder) ensureClient() error {
	if b.client != nil {
		return nil
	}
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if b.Host != "" {
		opts = append(opts, client.WithHost(b.Host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return fmt.Errorf("failed to create Docker client: %w", err)
	}
	b.client = cli
	return nil
}
