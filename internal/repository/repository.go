package repository

import (
	"context"

	"github.com/vortex44/deployer/internal/domain"
)

// DeploymentRepository stores deployment history.
type DeploymentRepository interface {
	// CreateDeployment inserts a pending deployment, assigning the next
	// version for its project.
	CreateDeployment(ctx context.Context, deployment *domain.Deployment) error
	GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error)
	ListDeploymentsByProject(ctx context.Context, projectID string, limit int) ([]domain.Deployment, error)
	// LatestDeploymentWithStatus returns the highest-version deployment of a
	// project currently in status.
	LatestDeploymentWithStatus(ctx context.Context, projectID, status string) (*domain.Deployment, error)
	// UpdateDeploymentStatus applies the update atomically and returns the
	// resulting record.
	UpdateDeploymentStatus(ctx context.Context, update domain.DeploymentStatusUpdate) (*domain.Deployment, error)
}
