package manifest

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/windlass-io/windlass/internal/ir"
)

func writeManifest(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

const sampleYAML = `
scope: staging
providers:
  docker:
    host: unix:///var/run/docker.sock
resources:
  - id: network-1
    kind: network
    provider: docker
    attributes:
      name: app-net
      driver: bridge
  - id: compute-1
    kind: compute
    provider: docker
    dependsOn: [network-1]
    attributes:
      image: nginx:1.27
      networks: [app-net]
`

func TestLoad_YAML(t *testing.T) {
	path := writeManifest(t, t.TempDir(), "main.yaml", sampleYAML)

	m, err := Load(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, "staging", m.Scope)
	require.Contains(t, m.Providers, "docker")
	assert.Equal(t, "unix:///var/run/docker.sock", m.Providers["docker"]["host"])

	require.Len(t, m.Resources, 2)
	assert.Equal(t, "network-1", m.Resources[0].ID)
	assert.Equal(t, "network", m.Resources[0].Kind)
	assert.Equal(t, "bridge", m.Resources[0].Attributes["driver"])
	assert.Equal(t, []string{"network-1"}, m.Resources[1].DependsOn)
}

func TestLoad_UnsupportedExtension(t *testing.T) {
	path := writeManifest(t, t.TempDir(), "main.toml", "resources = []")

	_, err := Load(context.Background(), path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported manifest format")
}

func TestLoad_BadYAML(t *testing.T) {
	path := writeManifest(t, t.TempDir(), "main.yaml", "resources: [unclosed")

	_, err := Load(context.Background(), path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse manifest")
}

func TestLoadDir_MergesInLexicalOrder(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "20-compute.yaml", `
resources:
  - id: compute-1
    kind: compute
    provider: docker
    dependsOn: [network-1]
`)
	writeManifest(t, dir, "10-network.yaml", `
scope: prod
resources:
  - id: network-1
    kind: network
    provider: docker
`)
	writeManifest(t, dir, "README.md", "not a manifest")

	m, err := LoadDir(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, "prod", m.Scope)
	require.Len(t, m.Resources, 2)
	assert.Equal(t, "network-1", m.Resources[0].ID)
	assert.Equal(t, "compute-1", m.Resources[1].ID)
}

func TestLoadDir_ConflictingScopes(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "a.yaml", "scope: one\nresources: []\n")
	writeManifest(t, dir, "b.yaml", "scope: two\nresources: []\n")

	_, err := LoadDir(context.Background(), dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "conflicting scope")
}

func TestLoadDir_DuplicateProviderSettings(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "a.yaml", "providers:\n  docker:\n    host: a\n")
	writeManifest(t, dir, "b.yaml", "providers:\n  docker:\n    host: b\n")

	_, err := LoadDir(context.Background(), dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "configured more than once")
}

func TestLoadDir_Empty(t *testing.T) {
	_, err := LoadDir(context.Background(), t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no manifest documents")
}

func TestValidate(t *testing.T) {
	valid := &ir.Manifest{Resources: []*ir.Resource{
		{ID: "a", Kind: "network", Provider: "null"},
		{ID: "b", Kind: "compute", Provider: "null", DependsOn: []string{"a"}},
	}}
	require.NoError(t, Validate(valid))

	cases := []struct {
		name     string
		manifest *ir.Manifest
		wantErr  string
	}{
		{
			name:     "missing id",
			manifest: &ir.Manifest{Resources: []*ir.Resource{{Kind: "network", Provider: "null"}}},
			wantErr:  "has no id",
		},
		{
			name: "duplicate id",
			manifest: &ir.Manifest{Resources: []*ir.Resource{
				{ID: "a", Kind: "network", Provider: "null"},
				{ID: "a", Kind: "compute", Provider: "null"},
			}},
			wantErr: "duplicate resource id",
		},
		{
			name:     "missing kind",
			manifest: &ir.Manifest{Resources: []*ir.Resource{{ID: "a", Provider: "null"}}},
			wantErr:  "has no kind",
		},
		{
			name:     "missing provider",
			manifest: &ir.Manifest{Resources: []*ir.Resource{{ID: "a", Kind: "network"}}},
			wantErr:  "has no provider",
		},
		{
			name: "self dependency",
			manifest: &ir.Manifest{Resources: []*ir.Resource{
				{ID: "a", Kind: "network", Provider: "null", DependsOn: []string{"a"}},
			}},
			wantErr: "depends on itself",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(tc.manifest)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}
