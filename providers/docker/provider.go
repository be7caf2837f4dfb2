// Package docker implements the provider contract against a local Docker
// daemon. It maps resource kinds onto Docker objects: "network" to
// networks, "compute" to containers, "volume" to volumes. The declared
// attributes of each resource are stored in an object label so Read can
// echo them back in the declared shape and drift detection compares like
// with like.
package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/windlass-io/windlass/internal/provider"
)

const (
	KindNetwork = "network"
	KindCompute = "compute"
	KindVolume  = "volume"

	// labelResourceID marks an object as managed and names the resource
	// that owns it, so an interrupted create is adopted instead of
	// duplicated on the next run.
	labelResourceID = "io.windlass.resource-id"

	// labelAttributes carries the declared attributes as JSON. Read uses
	// it to reconstruct the declared shape for drift comparison.
	labelAttributes = "io.windlass.attributes"

	stopTimeoutSeconds = 10
)

func init() {
	provider.RegisterFactory("docker", func() provider.Provider { return New() })
}

// Provider talks to one Docker daemon, selected by the standard client
// environment variables unless Configure overrides the host.
type Provider struct {
	host   string
	client *client.Client
}

func New() *Provider {
	return &Provider{}
}

func (p *Provider) Name() string { return "docker" }

// Configure creates the daemon client. Supported settings: "host" to
// override DOCKER_HOST.
func (p *Provider) Configure(ctx context.Context, settings map[string]any) error {
	if host, ok := settings["host"].(string); ok && host != "" {
		p.host = host
	}
	return p.ensureClient()
}

func (p *Provider) ensureClient() error {
	if p.client != nil {
		return nil
	}
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if p.host != "" {
		opts = append(opts, client.WithHost(p.host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return fmt.Errorf("failed to create Docker client: %w", err)
	}
	p.client = cli
	return nil
}

func (p *Provider) Create(ctx context.Context, req *provider.CreateRequest) (*provider.CreateResponse, error) {
	if err := p.ensureClient(); err != nil {
		return nil, err
	}

	switch req.Kind {
	case KindNetwork:
		return p.createNetwork(ctx, req)
	case KindCompute:
		return p.createContainer(ctx, req)
	case KindVolume:
		return p.createVolume(ctx, req)
	}
	return nil, fmt.Errorf("docker provider does not support kind %q", req.Kind)
}

func (p *Provider) Read(ctx context.Context, req *provider.ReadRequest) (*provider.ReadResponse, error) {
	if err := p.ensureClient(); err != nil {
		return nil, err
	}

	switch req.Kind {
	case KindNetwork:
		return p.readNetwork(ctx, req)
	case KindCompute:
		return p.readContainer(ctx, req)
	case KindVolume:
		return p.readVolume(ctx, req)
	}
	return nil, fmt.Errorf("docker provider does not support kind %q", req.Kind)
}

// Update recreates the object under its new attributes. Docker networks and
// volumes are immutable, and container mutation in place covers too little
// to be worth a separate path, so replacement is the single update strategy.
// The response carries the replacement's identifier.
func (p *Provider) Update(ctx context.Context, req *provider.UpdateRequest) (*provider.UpdateResponse, error) {
	if err := p.ensureClient(); err != nil {
		return nil, err
	}

	del := &provider.DeleteRequest{ID: req.ID, Kind: req.Kind, ExternalID: req.ExternalID, Attributes: req.Prior}
	if err := p.Delete(ctx, del); err != nil {
		return nil, fmt.Errorf("failed to replace %s: %w", req.ID, err)
	}

	created, err := p.Create(ctx, &provider.CreateRequest{ID: req.ID, Kind: req.Kind, Attributes: req.Attributes})
	if err != nil {
		return nil, err
	}
	return &provider.UpdateResponse{ExternalID: created.ExternalID, Attributes: created.Attributes}, nil
}

func (p *Provider) Delete(ctx context.Context, req *provider.DeleteRequest) error {
	if err := p.ensureClient(); err != nil {
		return err
	}

	switch req.Kind {
	case KindNetwork:
		return p.deleteNetwork(ctx, req)
	case KindCompute:
		return p.deleteContainer(ctx, req)
	case KindVolume:
		return p.deleteVolume(ctx, req)
	}
	return fmt.Errorf("docker provider does not support kind %q", req.Kind)
}

// --- networks ---

func (p *Provider) createNetwork(ctx context.Context, req *provider.CreateRequest) (*provider.CreateResponse, error) {
	var cfg NetworkConfig
	if err := decodeAttributes(req.Attributes, &cfg); err != nil {
		return nil, err
	}
	name := cfg.Name
	if name == "" {
		name = req.ID
	}

	if nw, err := p.client.NetworkInspect(ctx, name, network.InspectOptions{}); err == nil {
		if nw.Labels[labelResourceID] == req.ID {
			return &provider.CreateResponse{ExternalID: nw.ID, Attributes: req.Attributes}, nil
		}
		return nil, fmt.Errorf("network %q already exists and is not managed by resource %s", name, req.ID)
	} else if !client.IsErrNotFound(err) {
		return nil, fmt.Errorf("failed to inspect network %q: %w", name, err)
	}

	labels, err := managedLabels(cfg.Labels, req.ID, req.Attributes)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.NetworkCreate(ctx, name, network.CreateOptions{
		Driver:   cfg.Driver,
		Internal: cfg.Internal,
		Labels:   labels,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create network: %w", err)
	}
	return &provider.CreateResponse{ExternalID: resp.ID, Attributes: req.Attributes}, nil
}

func (p *Provider) readNetwork(ctx context.Context, req *provider.ReadRequest) (*provider.ReadResponse, error) {
	ref := req.ExternalID
	if ref == "" {
		ref = req.ID
	}
	nw, err := p.client.NetworkInspect(ctx, ref, network.InspectOptions{})
	if err != nil {
		if client.IsErrNotFound(err) {
			return &provider.ReadResponse{Exists: false}, nil
		}
		return nil, fmt.Errorf("failed to inspect network: %w", err)
	}

	attrs := attributesFromLabels(nw.Labels)
	if attrs == nil {
		attrs = map[string]any{"name": nw.Name}
	}
	overlay(attrs, "name", nw.Name)
	overlay(attrs, "driver", nw.Driver)
	overlay(attrs, "internal", nw.Internal)
	return &provider.ReadResponse{Exists: true, Attributes: attrs}, nil
}

func (p *Provider) deleteNetwork(ctx context.Context, req *provider.DeleteRequest) error {
	if req.ExternalID == "" {
		return nil
	}
	if err := p.client.NetworkRemove(ctx, req.ExternalID); err != nil {
		if !client.IsErrNotFound(err) {
			return fmt.Errorf("failed to remove network: %w", err)
		}
	}
	return nil
}

// --- containers ---

func (p *Provider) createContainer(ctx context.Context, req *provider.CreateRequest) (*provider.CreateResponse, error) {
	var cfg ContainerConfig
	if err := decodeAttributes(req.Attributes, &cfg); err != nil {
		return nil, err
	}
	name := cfg.Name
	if name == "" {
		name = req.ID
	}

	if existing, err := p.client.ContainerInspect(ctx, name); err == nil {
		if existing.Config != nil && existing.Config.Labels[labelResourceID] == req.ID {
			if existing.State != nil && !existing.State.Running {
				if err := p.client.ContainerStart(ctx, existing.ID, container.StartOptions{}); err != nil {
					return nil, fmt.Errorf("failed to start adopted container: %w", err)
				}
			}
			return &provider.CreateResponse{ExternalID: existing.ID, Attributes: req.Attributes}, nil
		}
		return nil, fmt.Errorf("container %q already exists and is not managed by resource %s", name, req.ID)
	} else if !client.IsErrNotFound(err) {
		return nil, fmt.Errorf("failed to inspect container %q: %w", name, err)
	}

	reader, err := p.client.ImagePull(ctx, cfg.Image, image.PullOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to pull image %s: %w", cfg.Image, err)
	}
	// Drain output to prevent blocking
	io.Copy(io.Discard, reader)
	reader.Close()

	labels, err := managedLabels(cfg.Labels, req.ID, req.Attributes)
	if err != nil {
		return nil, err
	}

	hostConfig := &container.HostConfig{
		PortBindings: buildPortBindings(cfg.Ports),
		Binds:        buildBinds(cfg.Volumes),
	}
	if len(cfg.Networks) > 0 {
		hostConfig.NetworkMode = container.NetworkMode(cfg.Networks[0])
	}
	if cfg.Restart != "" {
		hostConfig.RestartPolicy = container.RestartPolicy{
			Name: container.RestartPolicyMode(cfg.Restart),
		}
	}
	if cfg.Logging != nil {
		hostConfig.LogConfig = container.LogConfig{
			Type:   cfg.Logging.Driver,
			Config: cfg.Logging.Options,
		}
	}

	// Mount secrets
	for _, secret := range cfg.Secrets {
		absPath, err := filepath.Abs(secret.File)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve secret file path: %w", err)
		}
		hostConfig.Binds = append(hostConfig.Binds, fmt.Sprintf("%s:%s:ro", absPath, secret.Target))
	}

	config := &container.Config{
		Image:      cfg.Image,
		Cmd:        cfg.Command,
		Env:        mapToEnvList(cfg.Env),
		Labels:     labels,
		WorkingDir: cfg.WorkingDir,
		User:       cfg.User,
	}

	if cfg.Healthcheck != nil {
		test := cfg.Healthcheck.Test
		if len(test) == 0 {
			test = []string{"NONE"}
		}

		interval, _ := time.ParseDuration(cfg.Healthcheck.Interval)
		timeout, _ := time.ParseDuration(cfg.Healthcheck.Timeout)
		startPeriod, _ := time.ParseDuration(cfg.Healthcheck.StartPeriod)

		config.Healthcheck = &container.HealthConfig{
			Test:        test,
			Interval:    interval,
			Timeout:     timeout,
			StartPeriod: startPeriod,
			Retries:     cfg.Healthcheck.Retries,
		}
	}

	resp, err := p.client.ContainerCreate(ctx,
		config,
		hostConfig,
		&network.NetworkingConfig{},
		&v1.Platform{},
		name,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	if err := p.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("failed to start container: %w", err)
	}
	return &provider.CreateResponse{ExternalID: resp.ID, Attributes: req.Attributes}, nil
}

func (p *Provider) readContainer(ctx context.Context, req *provider.ReadRequest) (*provider.ReadResponse, error) {
	ref := req.ExternalID
	if ref == "" {
		ref = req.ID
	}
	inspect, err := p.client.ContainerInspect(ctx, ref)
	if err != nil {
		if client.IsErrNotFound(err) {
			return &provider.ReadResponse{Exists: false}, nil
		}
		return nil, fmt.Errorf("failed to inspect container: %w", err)
	}

	var attrs map[string]any
	if inspect.Config != nil {
		attrs = attributesFromLabels(inspect.Config.Labels)
	}
	if attrs == nil {
		attrs = map[string]any{"name": strings.TrimPrefix(inspect.Name, "/")}
	}
	overlay(attrs, "name", strings.TrimPrefix(inspect.Name, "/"))
	if inspect.Config != nil {
		overlay(attrs, "image", inspect.Config.Image)
	}
	return &provider.ReadResponse{Exists: true, Attributes: attrs}, nil
}

func (p *Provider) deleteContainer(ctx context.Context, req *provider.DeleteRequest) error {
	if req.ExternalID == "" {
		return nil
	}
	timeout := stopTimeoutSeconds
	_ = p.client.ContainerStop(ctx, req.ExternalID, container.StopOptions{Timeout: &timeout})
	if err := p.client.ContainerRemove(ctx, req.ExternalID, container.RemoveOptions{Force: true}); err != nil {
		if !client.IsErrNotFound(err) {
			return fmt.Errorf("failed to remove container: %w", err)
		}
	}
	return nil
}

// --- volumes ---

func (p *Provider) createVolume(ctx context.Context, req *provider.CreateRequest) (*provider.CreateResponse, error) {
	var cfg VolumeConfig
	if err := decodeAttributes(req.Attributes, &cfg); err != nil {
		return nil, err
	}
	name := cfg.Name
	if name == "" {
		name = req.ID
	}

	if vol, err := p.client.VolumeInspect(ctx, name); err == nil {
		if vol.Labels[labelResourceID] == req.ID {
			return &provider.CreateResponse{ExternalID: vol.Name, Attributes: req.Attributes}, nil
		}
		return nil, fmt.Errorf("volume %q already exists and is not managed by resource %s", name, req.ID)
	} else if !client.IsErrNotFound(err) {
		return nil, fmt.Errorf("failed to inspect volume %q: %w", name, err)
	}

	labels, err := managedLabels(cfg.Labels, req.ID, req.Attributes)
	if err != nil {
		return nil, err
	}
	vol, err := p.client.VolumeCreate(ctx, volume.CreateOptions{
		Name:   name,
		Driver: cfg.Driver,
		Labels: labels,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create volume: %w", err)
	}
	return &provider.CreateResponse{ExternalID: vol.Name, Attributes: req.Attributes}, nil
}

func (p *Provider) readVolume(ctx context.Context, req *provider.ReadRequest) (*provider.ReadResponse, error) {
	ref := req.ExternalID
	if ref == "" {
		ref = req.ID
	}
	vol, err := p.client.VolumeInspect(ctx, ref)
	if err != nil {
		if client.IsErrNotFound(err) {
			return &provider.ReadResponse{Exists: false}, nil
		}
		return nil, fmt.Errorf("failed to inspect volume: %w", err)
	}

	attrs := attributesFromLabels(vol.Labels)
	if attrs == nil {
		attrs = map[string]any{"name": vol.Name}
	}
	overlay(attrs, "name", vol.Name)
	overlay(attrs, "driver", vol.Driver)
	return &provider.ReadResponse{Exists: true, Attributes: attrs}, nil
}

func (p *Provider) deleteVolume(ctx context.Context, req *provider.DeleteRequest) error {
	if req.ExternalID == "" {
		return nil
	}
	if err := p.client.VolumeRemove(ctx, req.ExternalID, true); err != nil {
		if !client.IsErrNotFound(err) {
			return fmt.Errorf("failed to remove volume: %w", err)
		}
	}
	return nil
}

// --- attribute plumbing ---

// decodeAttributes maps loosely typed manifest attributes onto a typed
// config struct through their JSON forms.
func decodeAttributes(attrs map[string]any, into any) error {
	raw, err := json.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("failed to encode attributes: %w", err)
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return fmt.Errorf("failed to decode attributes: %w", err)
	}
	return nil
}

// managedLabels merges the user's labels with the management labels,
// including the declared attributes snapshot.
func managedLabels(user map[string]string, id string, attrs map[string]any) (map[string]string, error) {
	raw, err := json.Marshal(attrs)
	if err != nil {
		return nil, fmt.Errorf("failed to encode attributes label: %w", err)
	}
	labels := make(map[string]string, len(user)+2)
	for k, v := range user {
		labels[k] = v
	}
	labels[labelResourceID] = id
	labels[labelAttributes] = string(raw)
	return labels, nil
}

// attributesFromLabels recovers the declared attributes snapshot, or nil
// when the object was not created by this provider.
func attributesFromLabels(labels map[string]string) map[string]any {
	raw, ok := labels[labelAttributes]
	if !ok {
		return nil
	}
	var attrs map[string]any
	if err := json.Unmarshal([]byte(raw), &attrs); err != nil {
		return nil
	}
	return attrs
}

// overlay replaces a declared attribute with its observed value, but only
// for keys the resource actually declares, so optional attributes the user
// never set do not show up as drift.
func overlay(attrs map[string]any, key string, observed any) {
	if _, ok := attrs[key]; ok {
		attrs[key] = observed
	}
}

func buildPortBindings(ports map[string]int) nat.PortMap {
	bindings := nat.PortMap{}
	for hostPort, containerPort := range ports {
		p := nat.Port(fmt.Sprintf("%d/tcp", containerPort))
		bindings[p] = append(bindings[p], nat.PortBinding{
			HostIP:   "0.0.0.0",
			HostPort: hostPort,
		})
	}
	return bindings
}

func buildBinds(volumes []string) []string {
	var binds []string
	for _, v := range volumes {
		parts := strings.SplitN(v, ":", 2)
		if len(parts) > 0 {
			if strings.HasPrefix(parts[0], "./") || strings.HasPrefix(parts[0], "../") {
				abs, err := filepath.Abs(parts[0])
				if err == nil {
					parts[0] = abs
					binds = append(binds, strings.Join(parts, ":"))
					continue
				}
			}
		}
		binds = append(binds, v)
	}
	return binds
}

func mapToEnvList(m map[string]string) []string {
	var env []string
	for k, v := range m {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	return env
}

// ContainerConfig is the attribute vocabulary for "compute" resources.
type ContainerConfig struct {
	Image       string             `json:"image"`
	Name        string             `json:"name"`
	Command     []string           `json:"command"`
	Ports       map[string]int     `json:"ports"`
	Env         map[string]string  `json:"env"`
	Networks    []string           `json:"networks"`
	Volumes     []string           `json:"volumes"`
	Labels      map[string]string  `json:"labels"`
	WorkingDir  string             `json:"workingDir"`
	User        string             `json:"user"`
	Restart     string             `json:"restart"`
	Healthcheck *HealthcheckConfig `json:"healthcheck"`
	Logging     *LoggingConfig     `json:"logging"`
	Secrets     []SecretConfig     `json:"secrets"`
}

type HealthcheckConfig struct {
	Test        []string `json:"test"`
	Interval    string   `json:"interval"`
	Timeout     string   `json:"timeout"`
	StartPeriod string   `json:"startPeriod"`
	Retries     int      `json:"retries"`
}

type LoggingConfig struct {
	Driver  string            `json:"driver"`
	Options map[string]string `json:"options"`
}

type SecretConfig struct {
	Source string `json:"source"`
	Target string `json:"target"`
	File   string `json:"file"`
}

// NetworkConfig is the attribute vocabulary for "network" resources.
type NetworkConfig struct {
	Name     string            `json:"name"`
	Driver   string            `json:"driver"`
	Internal bool              `json:"internal"`
	Labels   map[string]string `json:"labels"`
}

// VolumeConfig is the attribute vocabulary for "volume" resources.
type VolumeConfig struct {
	Name   string            `json:"name"`
	Driver string            `json:"driver"`
	Labels map[string]string `json:"labels"`
}
