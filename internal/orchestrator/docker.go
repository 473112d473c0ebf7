// Package orchestrator starts build execution units for queued deployments.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/splax/peep/internal/domain"
)

// ContainerAPI is the part of the Docker client the launcher needs.
type ContainerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
}

// DockerConfig describes the build container.
type DockerConfig struct {
	Image   string
	Network string
	// StreamAddress is the Redis address the build publishes log events to.
	StreamAddress string
	StreamName    string
}

// DockerLauncher runs one auto-removed build container per deployment.
type DockerLauncher struct {
	api    ContainerAPI
	cfg    DockerConfig
	logger *slog.Logger
}

// NewDockerClient creates a Docker SDK client using environment defaults.
func NewDockerClient(host string) (*client.Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	inner, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return inner, nil
}

// NewDockerLauncher wires a launcher to a Docker API.
func NewDockerLauncher(api ContainerAPI, cfg DockerConfig, logger *slog.Logger) (*DockerLauncher, error) {
	if strings.TrimSpace(cfg.Image) == "" {
		return nil, fmt.Errorf("build image cannot be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DockerLauncher{api: api, cfg: cfg, logger: logger.With("component", "orchestrator", "driver", "docker")}, nil
}

// Launch creates and starts the build container.
func (l *DockerLauncher) Launch(ctx context.Context, project domain.Project, deployment domain.Deployment) error {
	config := &container.Config{
		Image: l.cfg.Image,
		Env:   BuildEnv(project, deployment, l.cfg.StreamAddress, l.cfg.StreamName),
		Labels: map[string]string{
			"peep.project_id":    project.ID,
			"peep.deployment_id": deployment.ID,
		},
	}
	hostCfg := &container.HostConfig{AutoRemove: true}
	if l.cfg.Network != "" {
		hostCfg.NetworkMode = container.NetworkMode(l.cfg.Network)
	}

	resp, err := l.api.ContainerCreate(ctx, config, hostCfg, nil, nil, containerName(deployment.ID))
	if err != nil {
		return fmt.Errorf("container create: %w: %v", domain.ErrUpstreamUnavailable, err)
	}
	if err := l.api.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("container start: %w: %v", domain.ErrUpstreamUnavailable, err)
	}
	l.logger.Info("build container started", "deployment_id", deployment.ID, "container_id", resp.ID)
	return nil
}

// BuildEnv is the environment handed to a build: identity, source, build
// configuration and where to publish logs. Project variables come last in key
// order and cannot override the reserved names.
func BuildEnv(project domain.Project, deployment domain.Deployment, streamAddress, streamName string) []string {
	reserved := map[string]string{
		"PROJECT_ID":         project.ID,
		"DEPLOYMENT_ID":      deployment.ID,
		"GIT_REPOSITORY_URL": project.RepoURL,
		"ROOT_DIR":           project.RootDir,
		"INSTALL_COMMAND":    project.InstallCommand,
		"BUILD_COMMAND":      project.BuildCommand,
		"STREAM_ADDR":        streamAddress,
		"STREAM_NAME":        streamName,
	}
	env := make([]string, 0, len(reserved)+len(project.Env))
	for _, key := range slices.Sorted(maps.Keys(reserved)) {
		env = append(env, key+"="+reserved[key])
	}
	for _, key := range slices.Sorted(maps.Keys(project.Env)) {
		if _, taken := reserved[key]; taken {
			continue
		}
		env = append(env, key+"="+project.Env[key])
	}
	return env
}

func containerName(deploymentID string) string {
	id := strings.ReplaceAll(deploymentID, "-", "")
	if len(id) > 12 {
		id = id[:12]
	}
	return "peep-build-" + id
}
