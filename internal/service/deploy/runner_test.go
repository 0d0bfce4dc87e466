package deploy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/vortex44/deployer/internal/docker"
	"github.com/vortex44/deployer/internal/ports"
)

func newTestRunner(engine Engine, allocator *ports.Allocator, attempts int) Runner {
	return NewRunner(engine, allocator, RunnerConfig{
		Namespace:    "vortex44",
		Network:      "vortex44-apps",
		PortAttempts: attempts,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRunnerGivesUpAfterPortAttempts(t *testing.T) {
	engine := newFakeEngine()
	conflict := errors.New("driver failed programming external connectivity: address already in use")
	engine.runErrs = []error{conflict, conflict, conflict}
	allocator := ports.New(31000, 10)
	runner := newTestRunner(engine, allocator, 2)

	res := runner.Run(context.Background(), RunRequest{DeploymentID: "d1", Subdomain: "demo", ImageID: "img"})
	if res.Success {
		t.Fatalf("expected failure")
	}
	if len(engine.runErrs) != 1 {
		t.Fatalf("expected two attempts, %d errors left", len(engine.runErrs))
	}
	if allocator.InUse() != 0 {
		t.Fatalf("leases must be released on failure")
	}
	if len(engine.networks) != 1 || engine.networks[0] != "vortex44-apps" {
		t.Fatalf("network not ensured: %v", engine.networks)
	}
}

func TestRunnerDefaultsContainerPort(t *testing.T) {
	engine := newFakeEngine()
	runner := newTestRunner(engine, ports.New(31000, 10), 1)

	res := runner.Run(context.Background(), RunRequest{DeploymentID: "d1", Subdomain: "demo", ImageID: "img"})
	if !res.Success || engine.runs[0].ContainerPort != genericPort {
		t.Fatalf("unexpected run %+v %+v", res, engine.runs)
	}
}

func TestRunnerRestoreClaimsRunningContainers(t *testing.T) {
	engine := newFakeEngine()
	engine.managed = []docker.ManagedContainer{
		{Name: "vortex44-a", Labels: map[string]string{"vortex44.deployment": "a"}, HostPorts: []int{31003}, Running: true},
		{Name: "vortex44-b", Labels: map[string]string{"vortex44.deployment": "b"}, HostPorts: []int{31004}},
		{Name: "vortex44-c", Labels: map[string]string{"vortex44.deployment": "c"}, HostPorts: []int{40000}, Running: true},
	}
	allocator := ports.New(31000, 10)
	runner := newTestRunner(engine, allocator, 1)

	claimed, err := runner.Restore(context.Background())
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if claimed != 1 || allocator.InUse() != 1 {
		t.Fatalf("expected one claim, got %d (in use %d)", claimed, allocator.InUse())
	}
	if allocator.Claim("other", 31003) {
		t.Fatalf("restored port should belong to its deployment")
	}
}
