package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vortex44/deployer/internal/domain"
	"github.com/vortex44/deployer/internal/repository"
)

// Repository keeps deployments in process memory. It is meant for local
// development and tests; records do not survive a restart.
type Repository struct {
	mu          sync.RWMutex
	deployments map[string]domain.Deployment
	now         func() time.Time
}

var _ repository.DeploymentRepository = (*Repository)(nil)

// New constructs an empty Repository.
func New() *Repository {
	return &Repository{
		deployments: make(map[string]domain.Deployment),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// CreateDeployment stores a deployment and assigns the next project version.
func (r *Repository) CreateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	if deployment == nil || strings.TrimSpace(deployment.ID) == "" || strings.TrimSpace(deployment.ProjectID) == "" {
		return repository.ErrInvalidArgument
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.deployments[deployment.ID]; exists {
		return repository.ErrConflict
	}
	maxVersion := 0
	for _, d := range r.deployments {
		if d.ProjectID == deployment.ProjectID && d.Version > maxVersion {
			maxVersion = d.Version
		}
	}
	now := r.now()
	deployment.Version = maxVersion + 1
	if deployment.Status == "" {
		deployment.Status = domain.StatusPending
	}
	if deployment.CreatedAt.IsZero() {
		deployment.CreatedAt = now
	}
	deployment.UpdatedAt = now
	r.deployments[deployment.ID] = deployment.Clone()
	return nil
}

// GetDeploymentByID fetches a deployment by identifier.
func (r *Repository) GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.deployments[deploymentID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	clone := d.Clone()
	return &clone, nil
}

// ListDeploymentsByProject returns deployments for a project, newest version first.
func (r *Repository) ListDeploymentsByProject(ctx context.Context, projectID string, limit int) ([]domain.Deployment, error) {
	if limit <= 0 {
		limit = 20
	}
	r.mu.RLock()
	out := make([]domain.Deployment, 0)
	for _, d := range r.deployments {
		if d.ProjectID == projectID {
			out = append(out, d.Clone())
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Version > out[j].Version })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// LatestDeploymentWithStatus returns the highest-version deployment in status.
func (r *Repository) LatestDeploymentWithStatus(ctx context.Context, projectID, status string) (*domain.Deployment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var latest *domain.Deployment
	for _, d := range r.deployments {
		if d.ProjectID != projectID || d.Status != status {
			continue
		}
		if latest == nil || d.Version > latest.Version {
			clone := d.Clone()
			latest = &clone
		}
	}
	if latest == nil {
		return nil, repository.ErrNotFound
	}
	return latest, nil
}

// UpdateDeploymentStatus applies the update under the write lock.
func (r *Repository) UpdateDeploymentStatus(ctx context.Context, update domain.DeploymentStatusUpdate) (*domain.Deployment, error) {
	if !domain.IsValidStatus(update.Status) {
		return nil, repository.ErrInvalidArgument
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.deployments[update.DeploymentID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	d.Apply(update, r.now())
	r.deployments[d.ID] = d
	clone := d.Clone()
	return &clone, nil
}
