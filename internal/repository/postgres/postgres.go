package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vortex44/deployer/internal/domain"
	"github.com/vortex44/deployer/internal/repository"
)

// versionAttempts bounds retries when two creates race for the same version.
const versionAttempts = 3

const deploymentColumns = `id, project_id, subdomain, version, status, url, container_id, image_id, build_logs, build_metadata, created_at, updated_at`

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ repository.DeploymentRepository = (*Repository)(nil)

// CreateDeployment inserts a deployment record with the next version for its project.
func (r *Repository) CreateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	if deployment == nil || strings.TrimSpace(deployment.ID) == "" || strings.TrimSpace(deployment.ProjectID) == "" {
		return repository.ErrInvalidArgument
	}
	status := deployment.Status
	if status == "" {
		status = domain.StatusPending
	}
	meta, err := encodeMetadata(deployment.BuildMetadata)
	if err != nil {
		return err
	}

	const query = `INSERT INTO deployments (id, project_id, subdomain, version, status, url, container_id, image_id, build_logs, build_metadata, created_at, updated_at)
		SELECT $1, $2, $3, COALESCE(MAX(version), 0) + 1, $4, $5, $6, $7, $8, $9, NOW(), NOW()
		FROM deployments WHERE project_id = $2
		RETURNING version, created_at, updated_at`

	for attempt := 1; ; attempt++ {
		row := r.pool.QueryRow(ctx, query,
			deployment.ID,
			deployment.ProjectID,
			deployment.Subdomain,
			status,
			deployment.URL,
			deployment.ContainerID,
			deployment.ImageID,
			deployment.BuildLogs,
			meta,
		)
		err = row.Scan(&deployment.Version, &deployment.CreatedAt, &deployment.UpdatedAt)
		if err == nil {
			deployment.Status = status
			return nil
		}
		var pgErr *pgconn.PgError
		if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
			return fmt.Errorf("insert deployment: %w", err)
		}
		if pgErr.ConstraintName == "deployments_pkey" || attempt >= versionAttempts {
			return repository.ErrConflict
		}
	}
}

// GetDeploymentByID fetches a deployment by identifier.
func (r *Repository) GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments WHERE id = $1`
	return scanDeployment(r.pool.QueryRow(ctx, query, deploymentID))
}

// ListDeploymentsByProject fetches recent deployments for a project.
func (r *Repository) ListDeploymentsByProject(ctx context.Context, projectID string, limit int) ([]domain.Deployment, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT ` + deploymentColumns + ` FROM deployments WHERE project_id = $1 ORDER BY version DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deployments []domain.Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		deployments = append(deployments, *d)
	}
	return deployments, rows.Err()
}

// LatestDeploymentWithStatus returns the highest-version deployment of a project in the given status.
func (r *Repository) LatestDeploymentWithStatus(ctx context.Context, projectID, status string) (*domain.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments
		WHERE project_id = $1 AND status = $2
		ORDER BY version DESC LIMIT 1`
	return scanDeployment(r.pool.QueryRow(ctx, query, projectID, status))
}

// UpdateDeploymentStatus locks the row, folds the update in and writes it back.
func (r *Repository) UpdateDeploymentStatus(ctx context.Context, update domain.DeploymentStatusUpdate) (*domain.Deployment, error) {
	if !domain.IsValidStatus(update.Status) {
		return nil, repository.ErrInvalidArgument
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	query := `SELECT ` + deploymentColumns + ` FROM deployments WHERE id = $1 FOR UPDATE`
	d, err := scanDeployment(tx.QueryRow(ctx, query, update.DeploymentID))
	if err != nil {
		return nil, err
	}
	d.Apply(update, time.Now().UTC())

	meta, err := encodeMetadata(d.BuildMetadata)
	if err != nil {
		return nil, err
	}
	const write = `UPDATE deployments
		SET status = $2,
			url = $3,
			container_id = $4,
			image_id = $5,
			build_logs = $6,
			build_metadata = $7,
			updated_at = $8
		WHERE id = $1`
	if _, err := tx.Exec(ctx, write, d.ID, d.Status, d.URL, d.ContainerID, d.ImageID, d.BuildLogs, meta, d.UpdatedAt); err != nil {
		return nil, fmt.Errorf("update deployment: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return d, nil
}

func scanDeployment(row pgx.Row) (*domain.Deployment, error) {
	var d domain.Deployment
	var meta []byte
	if err := row.Scan(&d.ID, &d.ProjectID, &d.Subdomain, &d.Version, &d.Status, &d.URL, &d.ContainerID, &d.ImageID, &d.BuildLogs, &meta, &d.CreatedAt, &d.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &d.BuildMetadata); err != nil {
			return nil, fmt.Errorf("decode build metadata: %w", err)
		}
	}
	return &d, nil
}

func encodeMetadata(meta map[string]any) ([]byte, error) {
	if len(meta) == 0 {
		return []byte("{}"), nil
	}
	payload, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encode build metadata: %w", err)
	}
	return payload, nil
}
