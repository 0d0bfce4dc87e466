package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
)

// ContainerSpec describes an application container.
type ContainerSpec struct {
	Name          string
	Image         string
	Env           []string
	Labels        map[string]string
	Network       string
	ContainerPort int
	HostPort      int
	MemoryBytes   int64
	CPUQuota      int64
	CPUPeriod     int64
}

// ContainerInfo captures the started container.
type ContainerInfo struct {
	ID       string
	HostPort int
}

// ManagedContainer is a container carrying the deployer's ownership label.
type ManagedContainer struct {
	ID        string
	Name      string
	Labels    map[string]string
	HostPorts []int
	Running   bool
}

// RunContainer creates and starts a container. A container that was created
// but failed to start is removed before the error is returned.
func (c *Client) RunContainer(ctx context.Context, spec ContainerSpec) (ContainerInfo, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return ContainerInfo{}, fmt.Errorf("container name cannot be empty")
	}
	if strings.TrimSpace(spec.Image) == "" {
		return ContainerInfo{}, fmt.Errorf("image cannot be empty")
	}
	port, err := nat.NewPort("tcp", strconv.Itoa(spec.ContainerPort))
	if err != nil {
		return ContainerInfo{}, fmt.Errorf("container port: %w", err)
	}

	config := &container.Config{
		Image:        spec.Image,
		Env:          spec.Env,
		Labels:       spec.Labels,
		ExposedPorts: nat.PortSet{port: struct{}{}},
	}
	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{
			port: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: strconv.Itoa(spec.HostPort)}},
		},
		NetworkMode: container.NetworkMode(spec.Network),
		Resources: container.Resources{
			Memory:    spec.MemoryBytes,
			CPUQuota:  spec.CPUQuota,
			CPUPeriod: spec.CPUPeriod,
		},
	}

	created, err := c.inner.ContainerCreate(ctx, config, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return ContainerInfo{}, fmt.Errorf("container create: %w", err)
	}
	if err := c.inner.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		_ = c.inner.ContainerRemove(context.WithoutCancel(ctx), created.ID, container.RemoveOptions{Force: true})
		return ContainerInfo{}, fmt.Errorf("container start: %w", err)
	}
	return ContainerInfo{ID: created.ID, HostPort: spec.HostPort}, nil
}

// RemoveContainer force-removes a container by name or id. A missing container is not an error.
func (c *Client) RemoveContainer(ctx context.Context, name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("container name cannot be empty")
	}
	if err := c.inner.ContainerRemove(ctx, name, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}

// ContainerLogs returns the last tail lines of stdout and stderr.
func (c *Client) ContainerLogs(ctx context.Context, name string, tail int) (string, error) {
	rc, err := c.inner.ContainerLogs(ctx, name, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(tail),
	})
	if err != nil {
		if client.IsErrNotFound(err) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("container logs: %w", err)
	}
	defer rc.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, rc); err != nil {
		return "", fmt.Errorf("demux logs: %w", err)
	}
	return buf.String(), nil
}

// FollowLogs streams logs into w until ctx is cancelled or the container exits.
func (c *Client) FollowLogs(ctx context.Context, name string, tail int, w io.Writer) error {
	rc, err := c.inner.ContainerLogs(ctx, name, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
		Tail:       strconv.Itoa(tail),
	})
	if err != nil {
		if client.IsErrNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("follow logs: %w", err)
	}
	defer rc.Close()

	if _, err := stdcopy.StdCopy(w, w, rc); err != nil && ctx.Err() == nil {
		return fmt.Errorf("demux logs: %w", err)
	}
	return nil
}

// ListManaged returns every container, running or not, that carries labelKey.
func (c *Client) ListManaged(ctx context.Context, labelKey string) ([]ManagedContainer, error) {
	list, err := c.inner.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", labelKey)),
	})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	out := make([]ManagedContainer, 0, len(list))
	for _, item := range list {
		mc := ManagedContainer{ID: item.ID, Labels: item.Labels, Running: item.State == "running"}
		if len(item.Names) > 0 {
			mc.Name = strings.TrimPrefix(item.Names[0], "/")
		}
		for _, p := range item.Ports {
			if p.PublicPort != 0 {
				mc.HostPorts = append(mc.HostPorts, int(p.PublicPort))
			}
		}
		out = append(out, mc)
	}
	return out, nil
}
