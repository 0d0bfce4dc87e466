package deploy

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/vortex44/deployer/internal/docker"
	"github.com/vortex44/deployer/internal/ports"
)

// RunRequest asks for a deployment's container to be (re)started.
type RunRequest struct {
	DeploymentID  string
	Subdomain     string
	ImageID       string
	ContainerPort int
}

// RunResult mirrors BuildResult for the runtime step.
type RunResult struct {
	Success     bool
	Logs        string
	ContainerID string
	Port        int
}

// RunnerConfig holds the container placement and resource settings.
type RunnerConfig struct {
	Namespace    string
	Network      string
	MemoryBytes  int64
	CPUQuota     int64
	CPUPeriod    int64
	PortAttempts int
}

// ContainerRunner starts and removes application containers.
type ContainerRunner interface {
	Run(ctx context.Context, req RunRequest) RunResult
	Remove(ctx context.Context, deploymentID string) error
}

// Runner implements ContainerRunner on an Engine.
type Runner struct {
	engine Engine
	ports  *ports.Allocator
	cfg    RunnerConfig
	logger *slog.Logger
}

// NewRunner returns a Runner.
func NewRunner(engine Engine, allocator *ports.Allocator, cfg RunnerConfig, logger *slog.Logger) Runner {
	if cfg.PortAttempts <= 0 {
		cfg.PortAttempts = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return Runner{engine: engine, ports: allocator, cfg: cfg, logger: logger}
}

// ContainerName is the deterministic container name of a deployment.
func ContainerName(namespace, deploymentID string) string {
	return namespace + "-" + deploymentID
}

// Run implements ContainerRunner. Any existing container with the same name
// is replaced. A start that fails on a taken host port is retried on a new port.
func (r Runner) Run(ctx context.Context, req RunRequest) RunResult {
	if err := r.engine.EnsureNetwork(ctx, r.cfg.Network); err != nil {
		return RunResult{Logs: "ensure network: " + err.Error()}
	}
	name := ContainerName(r.cfg.Namespace, req.DeploymentID)
	if err := r.engine.RemoveContainer(ctx, name); err != nil {
		return RunResult{Logs: "remove previous container: " + err.Error()}
	}
	r.ports.ReleaseOwner(req.DeploymentID)

	containerPort := req.ContainerPort
	if containerPort <= 0 {
		containerPort = genericPort
	}

	var lastErr error
	for attempt := 1; attempt <= r.cfg.PortAttempts; attempt++ {
		hostPort, err := r.ports.Lease(req.DeploymentID)
		if err != nil {
			return RunResult{Logs: "allocate host port: " + err.Error()}
		}
		info, err := r.engine.RunContainer(ctx, docker.ContainerSpec{
			Name:  name,
			Image: req.ImageID,
			Env: []string{
				"SUBDOMAIN=" + req.Subdomain,
				"PORT=" + strconv.Itoa(containerPort),
			},
			Labels: map[string]string{
				r.deploymentLabel():            req.DeploymentID,
				r.cfg.Namespace + ".subdomain": req.Subdomain,
			},
			Network:       r.cfg.Network,
			ContainerPort: containerPort,
			HostPort:      hostPort,
			MemoryBytes:   r.cfg.MemoryBytes,
			CPUQuota:      r.cfg.CPUQuota,
			CPUPeriod:     r.cfg.CPUPeriod,
		})
		if err == nil {
			return RunResult{
				Success:     true,
				Logs:        fmt.Sprintf("container %s started on host port %d", name, hostPort),
				ContainerID: info.ID,
				Port:        hostPort,
			}
		}
		r.ports.Release(hostPort)
		lastErr = err
		if !docker.IsPortConflict(err) {
			break
		}
		r.logger.Warn("host port taken, retrying", "deployment_id", req.DeploymentID, "port", hostPort, "attempt", attempt)
		_ = r.engine.RemoveContainer(ctx, name)
	}
	return RunResult{Logs: "start container: " + lastErr.Error()}
}

// Remove force-removes a deployment's container and frees its port. A missing
// container is not an error.
func (r Runner) Remove(ctx context.Context, deploymentID string) error {
	if err := r.engine.RemoveContainer(ctx, ContainerName(r.cfg.Namespace, deploymentID)); err != nil {
		return err
	}
	r.ports.ReleaseOwner(deploymentID)
	return nil
}

func (r Runner) deploymentLabel() string {
	return r.cfg.Namespace + ".deployment"
}

// Restore re-claims the host ports of containers left running by a previous
// process so new leases do not collide with them. It returns the number of
// ports claimed.
func (r Runner) Restore(ctx context.Context) (int, error) {
	containers, err := r.engine.ListManaged(ctx, r.deploymentLabel())
	if err != nil {
		return 0, err
	}
	claimed := 0
	for _, c := range containers {
		owner := c.Labels[r.deploymentLabel()]
		if owner == "" || !c.Running {
			continue
		}
		for _, port := range c.HostPorts {
			if r.ports.Claim(owner, port) {
				claimed++
			}
		}
	}
	return claimed, nil
}
