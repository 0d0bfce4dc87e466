package deploy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/vortex44/deployer/internal/autofix"
	"github.com/vortex44/deployer/internal/docker"
	"github.com/vortex44/deployer/internal/domain"
	"github.com/vortex44/deployer/internal/filetree"
	"github.com/vortex44/deployer/internal/lock"
	"github.com/vortex44/deployer/internal/repository"
	"github.com/vortex44/deployer/internal/service/lifecycle"
)

var (
	// ErrNotFound is returned for unknown deployment ids.
	ErrNotFound = errors.New("deployment not found")
	// ErrNoActiveDeployment is returned by Rollback when the project has nothing active.
	ErrNoActiveDeployment = errors.New("no active deployment to roll back")
	// ErrBuildInProgress is returned when the same deployment is already building.
	ErrBuildInProgress = errors.New("build already in progress")
	// ErrNoContainer is returned by StreamLogs when the deployment has no container.
	ErrNoContainer = errors.New("no container found")
)

const (
	msgStartingBuild = "starting build"
	msgNoCode        = "no code to build"
	msgAutoFixing    = "auto-fixing"
	msgNoContainer   = "No container found"

	rollbackSearchLimit = 50
	statusWriteTimeout  = 10 * time.Second
)

// BundleStore returns the generated source bundle of a project.
type BundleStore interface {
	Get(ctx context.Context, projectID string) (string, error)
}

// FixPass proposes a patched bundle for a failed build.
type FixPass interface {
	DetectAndFix(ctx context.Context, buildLog, bundle string) autofix.Result
}

// Config holds orchestration settings.
type Config struct {
	PlatformDomain string
	BuildTimeout   time.Duration
	LockTTL        time.Duration
	LogTailLines   int
}

// Options wires a Service.
type Options struct {
	Tracker lifecycle.Tracker
	Bundles BundleStore
	Builder ImageBuilder
	Runner  ContainerRunner
	Fixer   FixPass
	Locker  lock.Locker
	Engine  Engine
	Logger  *slog.Logger
	Config  Config
}

// Service runs the build pipeline and the out-of-band lifecycle operations.
type Service struct {
	tracker   lifecycle.Tracker
	bundles   BundleStore
	builder   ImageBuilder
	runner    ContainerRunner
	fixer     FixPass
	locker    lock.Locker
	engine    Engine
	logger    *slog.Logger
	cfg       Config
	namespace string
}

// New returns a Service.
func New(opts Options, namespace string) Service {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Locker == nil {
		opts.Locker = lock.NewMemory()
	}
	if opts.Fixer == nil {
		opts.Fixer = autofix.NewPass(nil, opts.Logger)
	}
	if opts.Config.LogTailLines <= 0 {
		opts.Config.LogTailLines = 100
	}
	return Service{
		tracker:   opts.Tracker,
		bundles:   opts.Bundles,
		builder:   opts.Builder,
		runner:    opts.Runner,
		fixer:     opts.Fixer,
		locker:    opts.Locker,
		engine:    opts.Engine,
		logger:    opts.Logger,
		cfg:       opts.Config,
		namespace: namespace,
	}
}

// Outcome is the result of a build request.
type Outcome struct {
	Success     bool
	URL         string
	ContainerID string
	Port        int
	AutoFixed   bool
	Logs        string
	Deployment  *domain.Deployment
}

// RollbackResult reports what a rollback changed.
type RollbackResult struct {
	RolledBack *domain.Deployment
	Restored   *domain.Deployment
}

// PublicURL is the externally reachable address of a subdomain.
func (s Service) PublicURL(subdomain string) string {
	return fmt.Sprintf("https://%s.%s", subdomain, s.cfg.PlatformDomain)
}

// Create records a new pending deployment.
func (s Service) Create(ctx context.Context, projectID, subdomain string) (*domain.Deployment, error) {
	return s.tracker.Create(ctx, projectID, subdomain)
}

// Get fetches a deployment.
func (s Service) Get(ctx context.Context, id string) (*domain.Deployment, error) {
	d, err := s.tracker.Get(ctx, id)
	if err != nil {
		return nil, translateLookup(err)
	}
	return d, nil
}

// List returns a project's deployments, newest version first.
func (s Service) List(ctx context.Context, projectID string, limit int) ([]domain.Deployment, error) {
	return s.tracker.ListByProject(ctx, projectID, limit)
}

// Build runs the pipeline for a deployment to a terminal status. The pipeline
// is detached from ctx cancellation and bounded by BuildTimeout; status
// writes after the record leaves pending get their own deadline so an expired
// pipeline still ends failed. A returned error means the pipeline could not
// start or the tracker failed; build and runtime failures are reported
// through Outcome.
func (s Service) Build(ctx context.Context, id string) (Outcome, error) {
	d, err := s.Get(ctx, id)
	if err != nil {
		return Outcome{}, err
	}

	ttl := s.cfg.LockTTL
	if ttl <= 0 {
		ttl = s.cfg.BuildTimeout + time.Minute
	}
	release, err := s.locker.Acquire(ctx, "build:"+id, ttl)
	if err != nil {
		if errors.Is(err, lock.ErrHeld) {
			return Outcome{}, ErrBuildInProgress
		}
		return Outcome{}, fmt.Errorf("acquire build lock: %w", err)
	}
	defer release()

	ctx = context.WithoutCancel(ctx)
	if s.cfg.BuildTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.BuildTimeout)
		defer cancel()
	}
	log := s.logger.With("deployment_id", d.ID, "project_id", d.ProjectID)

	if _, err := s.tracker.UpdateStatus(ctx, d.ID, domain.StatusBuilding, msgStartingBuild, nil); err != nil {
		return Outcome{}, fmt.Errorf("mark building: %w", err)
	}

	bundle, err := s.bundles.Get(ctx, d.ProjectID)
	if err != nil || strings.TrimSpace(bundle) == "" {
		if err != nil {
			log.Warn("bundle unavailable", "error", err)
		}
		return s.fail(ctx, d.ID, msgNoCode)
	}

	build := s.builder.Build(ctx, BuildRequest{DeploymentID: d.ID, Subdomain: d.Subdomain, Tree: filetree.Parse(bundle)})
	autoFixed := false
	if !build.Success {
		fix := s.fixer.DetectAndFix(ctx, build.Logs, bundle)
		if !fix.WasFixed {
			log.Info("build failed without fix candidate", "stage", "build")
			return s.fail(ctx, d.ID, build.Logs)
		}
		log.Info("retrying build with auto-fix", "stage", "autofix", "categories", fix.Categories)
		if _, err := s.record(ctx, d.ID, domain.StatusBuilding, msgAutoFixing, nil); err != nil {
			return s.abort(ctx, d.ID, build.Logs, fmt.Errorf("mark auto-fixing: %w", err))
		}
		build = s.builder.Build(ctx, BuildRequest{DeploymentID: d.ID, Subdomain: d.Subdomain, Tree: filetree.Parse(fix.FixedCode)})
		if !build.Success {
			return s.fail(ctx, d.ID, build.Logs)
		}
		autoFixed = true
	}

	if _, err := s.record(ctx, d.ID, domain.StatusDeploying, build.Logs, map[string]any{
		domain.MetaImageID:  build.ImageID,
		domain.MetaStrategy: string(build.Recipe.Strategy),
	}); err != nil {
		return s.abort(ctx, d.ID, build.Logs, fmt.Errorf("mark deploying: %w", err))
	}

	run := s.runner.Run(ctx, RunRequest{
		DeploymentID:  d.ID,
		Subdomain:     d.Subdomain,
		ImageID:       build.ImageID,
		ContainerPort: build.Recipe.Port,
	})
	if !run.Success {
		log.Warn("container start failed", "stage", "run")
		return s.fail(ctx, d.ID, build.Logs+"\n"+run.Logs)
	}

	url := s.PublicURL(d.Subdomain)
	active, err := s.record(ctx, d.ID, domain.StatusActive, build.Logs+"\n"+run.Logs, map[string]any{
		domain.MetaURL:           url,
		domain.MetaContainerID:   run.ContainerID,
		domain.MetaHostPort:      run.Port,
		domain.MetaContainerPort: build.Recipe.Port,
		domain.MetaAutoFixed:     autoFixed,
	})
	if err != nil {
		if rmErr := s.runner.Remove(context.WithoutCancel(ctx), d.ID); rmErr != nil {
			log.Warn("remove unrecorded container failed", "error", rmErr)
		}
		return s.abort(ctx, d.ID, build.Logs+"\n"+run.Logs, fmt.Errorf("mark active: %w", err))
	}
	log.Info("deployment active", "url", url, "host_port", run.Port, "auto_fixed", autoFixed)
	s.retireOthers(context.WithoutCancel(ctx), active)

	return Outcome{
		Success:     true,
		URL:         url,
		ContainerID: run.ContainerID,
		Port:        run.Port,
		AutoFixed:   autoFixed,
		Logs:        active.BuildLogs,
		Deployment:  active,
	}, nil
}

func (s Service) fail(ctx context.Context, id, logs string) (Outcome, error) {
	d, err := s.record(ctx, id, domain.StatusFailed, logs, nil)
	if err != nil {
		return Outcome{}, fmt.Errorf("mark failed: %w", err)
	}
	return Outcome{Logs: logs, Deployment: d}, nil
}

// abort makes a best-effort attempt to end the record failed after a tracker
// error and returns cause.
func (s Service) abort(ctx context.Context, id, logs string, cause error) (Outcome, error) {
	if _, err := s.record(ctx, id, domain.StatusFailed, logs, nil); err != nil {
		s.logger.Error("mark failed after tracker error", "deployment_id", id, "cause", cause, "error", err)
	}
	return Outcome{}, cause
}

// record writes a status on a context that survives the pipeline deadline.
func (s Service) record(ctx context.Context, id, status, logs string, metadata map[string]any) (*domain.Deployment, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), statusWriteTimeout)
	defer cancel()
	return s.tracker.UpdateStatus(ctx, id, status, logs, metadata)
}

// retireOthers stops every other active deployment of the project so only the
// newly activated one keeps a container.
func (s Service) retireOthers(ctx context.Context, current *domain.Deployment) {
	list, err := s.tracker.ListByProject(ctx, current.ProjectID, rollbackSearchLimit)
	if err != nil {
		s.logger.Warn("list deployments for retirement failed", "project_id", current.ProjectID, "error", err)
		return
	}
	for _, other := range list {
		if other.ID == current.ID || other.Status != domain.StatusActive {
			continue
		}
		if err := s.runner.Remove(ctx, other.ID); err != nil {
			s.logger.Warn("remove superseded container failed", "deployment_id", other.ID, "error", err)
			continue
		}
		msg := fmt.Sprintf("superseded by version %d", current.Version)
		if _, err := s.tracker.UpdateStatus(ctx, other.ID, domain.StatusStopped, msg, nil); err != nil {
			s.logger.Warn("mark superseded deployment stopped failed", "deployment_id", other.ID, "error", err)
		}
	}
}

// Stop removes a deployment's container (a no-op when absent) and marks it stopped.
func (s Service) Stop(ctx context.Context, id string) (*domain.Deployment, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	if err := s.runner.Remove(ctx, id); err != nil {
		return nil, fmt.Errorf("remove container: %w", err)
	}
	return s.tracker.UpdateStatus(ctx, id, domain.StatusStopped, "", nil)
}

// Rollback flips the project's most recent active deployment to rolled_back
// and removes its container, then restarts the newest earlier stopped
// deployment that still has an image.
func (s Service) Rollback(ctx context.Context, id string) (RollbackResult, error) {
	d, err := s.Get(ctx, id)
	if err != nil {
		return RollbackResult{}, err
	}
	active, err := s.tracker.PreviousActive(ctx, d.ProjectID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return RollbackResult{}, ErrNoActiveDeployment
		}
		return RollbackResult{}, fmt.Errorf("find active deployment: %w", err)
	}

	release, err := s.locker.Acquire(ctx, "build:"+active.ID, time.Minute)
	if err != nil {
		if errors.Is(err, lock.ErrHeld) {
			return RollbackResult{}, ErrBuildInProgress
		}
		return RollbackResult{}, fmt.Errorf("acquire build lock: %w", err)
	}
	defer release()
	ctx = context.WithoutCancel(ctx)

	if err := s.runner.Remove(ctx, active.ID); err != nil {
		return RollbackResult{}, fmt.Errorf("remove container: %w", err)
	}
	rolledBack, err := s.tracker.UpdateStatus(ctx, active.ID, domain.StatusRolledBack, "", nil)
	if err != nil {
		return RollbackResult{}, fmt.Errorf("mark rolled back: %w", err)
	}
	result := RollbackResult{RolledBack: rolledBack}

	target := s.rollbackTarget(ctx, active)
	if target == nil {
		s.logger.Info("rolled back without predecessor", "deployment_id", active.ID, "project_id", active.ProjectID)
		return result, nil
	}
	port := target.MetaInt(domain.MetaContainerPort)
	run := s.runner.Run(ctx, RunRequest{
		DeploymentID:  target.ID,
		Subdomain:     target.Subdomain,
		ImageID:       target.ImageID,
		ContainerPort: port,
	})
	if !run.Success {
		s.logger.Warn("restore previous deployment failed", "deployment_id", target.ID, "logs", run.Logs)
		return result, nil
	}
	restored, err := s.tracker.UpdateStatus(ctx, target.ID, domain.StatusActive, "", map[string]any{
		domain.MetaURL:         s.PublicURL(target.Subdomain),
		domain.MetaContainerID: run.ContainerID,
		domain.MetaHostPort:    run.Port,
	})
	if err != nil {
		return result, fmt.Errorf("mark restored active: %w", err)
	}
	result.Restored = restored
	return result, nil
}

func (s Service) rollbackTarget(ctx context.Context, active *domain.Deployment) *domain.Deployment {
	list, err := s.tracker.ListByProject(ctx, active.ProjectID, rollbackSearchLimit)
	if err != nil {
		s.logger.Warn("list deployments for rollback failed", "project_id", active.ProjectID, "error", err)
		return nil
	}
	for i := range list {
		candidate := list[i]
		if candidate.Version < active.Version && candidate.Status == domain.StatusStopped && candidate.ImageID != "" {
			return &candidate
		}
	}
	return nil
}

// Logs returns the recent output of a deployment's container, or a notice
// when no container exists.
func (s Service) Logs(ctx context.Context, id string) (string, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return "", err
	}
	logs, err := s.engine.ContainerLogs(ctx, ContainerName(s.namespace, id), s.cfg.LogTailLines)
	if err != nil {
		if errors.Is(err, docker.ErrNotFound) {
			return msgNoContainer, nil
		}
		return "", fmt.Errorf("container logs: %w", err)
	}
	return logs, nil
}

// StreamLogs follows a deployment's container output into w until ctx ends.
func (s Service) StreamLogs(ctx context.Context, id string, w io.Writer) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	err := s.engine.FollowLogs(ctx, ContainerName(s.namespace, id), s.cfg.LogTailLines, w)
	if errors.Is(err, docker.ErrNotFound) {
		return ErrNoContainer
	}
	return err
}

// Health verifies connectivity to the container engine.
func (s Service) Health(ctx context.Context) error {
	return s.engine.Ping(ctx)
}

func translateLookup(err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return ErrNotFound
	}
	return err
}
