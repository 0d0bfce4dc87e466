// Package lifecycle is the single writer of deployment state.
package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/vortex44/deployer/internal/domain"
	"github.com/vortex44/deployer/internal/notify"
	"github.com/vortex44/deployer/internal/repository"
)

var (
	errMissingProjectID = errors.New("project id required")
	errInvalidSubdomain = errors.New("subdomain must be a lowercase DNS label")
)

var subdomainPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

// Notifier receives every persisted status transition.
type Notifier interface {
	Notify(ctx context.Context, ev notify.Event) bool
}

// Tracker reads and mutates deployment records.
type Tracker struct {
	repo     repository.DeploymentRepository
	notifier Notifier
	logger   *slog.Logger
}

// New returns a Tracker. notifier may be nil.
func New(repo repository.DeploymentRepository, notifier Notifier, logger *slog.Logger) Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return Tracker{repo: repo, notifier: notifier, logger: logger}
}

// IsInvalidInput reports whether err was caused by bad caller input.
func IsInvalidInput(err error) bool {
	return errors.Is(err, errMissingProjectID) || errors.Is(err, errInvalidSubdomain) || errors.Is(err, repository.ErrInvalidArgument)
}

// Create records a pending deployment with the next version of its project.
func (t Tracker) Create(ctx context.Context, projectID, subdomain string) (*domain.Deployment, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return nil, errMissingProjectID
	}
	subdomain = strings.ToLower(strings.TrimSpace(subdomain))
	if !subdomainPattern.MatchString(subdomain) {
		return nil, errInvalidSubdomain
	}
	d := &domain.Deployment{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Subdomain: subdomain,
		Status:    domain.StatusPending,
	}
	if err := t.repo.CreateDeployment(ctx, d); err != nil {
		return nil, err
	}
	t.logger.Info("deployment created", "deployment_id", d.ID, "project_id", projectID, "version", d.Version)
	t.emit(ctx, d, "")
	return d, nil
}

// Get fetches a deployment.
func (t Tracker) Get(ctx context.Context, id string) (*domain.Deployment, error) {
	return t.repo.GetDeploymentByID(ctx, id)
}

// ListByProject returns a project's deployments, newest version first.
func (t Tracker) ListByProject(ctx context.Context, projectID string, limit int) ([]domain.Deployment, error) {
	return t.repo.ListDeploymentsByProject(ctx, projectID, limit)
}

// PreviousActive returns the highest-version active deployment of a project.
func (t Tracker) PreviousActive(ctx context.Context, projectID string) (*domain.Deployment, error) {
	return t.repo.LatestDeploymentWithStatus(ctx, projectID, domain.StatusActive)
}

// UpdateStatus applies a transition atomically and notifies listeners.
// Logs are stored only when non-empty; metadata keys are merged.
func (t Tracker) UpdateStatus(ctx context.Context, id, status, logs string, metadata map[string]any) (*domain.Deployment, error) {
	d, err := t.repo.UpdateDeploymentStatus(ctx, domain.DeploymentStatusUpdate{
		DeploymentID: id,
		Status:       status,
		Logs:         logs,
		Metadata:     metadata,
	})
	if err != nil {
		return nil, err
	}
	t.logger.Info("deployment status", "deployment_id", id, "project_id", d.ProjectID, "status", status)
	t.emit(ctx, d, lastLine(logs))
	return d, nil
}

func (t Tracker) emit(ctx context.Context, d *domain.Deployment, message string) {
	if t.notifier == nil {
		return
	}
	t.notifier.Notify(ctx, notify.Event{
		DeploymentID: d.ID,
		ProjectID:    d.ProjectID,
		Version:      d.Version,
		Status:       d.Status,
		URL:          d.URL,
		Message:      message,
		Metadata:     d.BuildMetadata,
	})
}

func lastLine(logs string) string {
	logs = strings.TrimRight(logs, "\n")
	if i := strings.LastIndexByte(logs, '\n'); i >= 0 {
		return logs[i+1:]
	}
	return logs
}
