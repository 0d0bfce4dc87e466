package deploy

import (
	"context"
	"io"

	"github.com/vortex44/deployer/internal/docker"
)

// Engine is the container runtime surface used by the pipeline. *docker.Client
// satisfies it.
type Engine interface {
	Ping(ctx context.Context) error
	BuildImage(ctx context.Context, dir, tag string, onOutput docker.BuildOutputCallback) (string, error)
	EnsureNetwork(ctx context.Context, name string) error
	RunContainer(ctx context.Context, spec docker.ContainerSpec) (docker.ContainerInfo, error)
	RemoveContainer(ctx context.Context, name string) error
	ContainerLogs(ctx context.Context, name string, tail int) (string, error)
	FollowLogs(ctx context.Context, name string, tail int, w io.Writer) error
	ListManaged(ctx context.Context, labelKey string) ([]docker.ManagedContainer, error)
}

var _ Engine = (*docker.Client)(nil)
