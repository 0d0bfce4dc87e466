package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/vortex44/deployer/internal/domain"
	"github.com/vortex44/deployer/internal/repository"
)

func TestCreateDeploymentAssignsIncrementingVersions(t *testing.T) {
	repo := New()
	ctx := context.Background()

	for i, id := range []string{"a", "b", "c"} {
		d := &domain.Deployment{ID: id, ProjectID: "p1", Subdomain: "demo"}
		if err := repo.CreateDeployment(ctx, d); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
		if d.Version != i+1 {
			t.Fatalf("expected version %d, got %d", i+1, d.Version)
		}
		if d.Status != domain.StatusPending {
			t.Fatalf("expected pending, got %s", d.Status)
		}
	}

	other := &domain.Deployment{ID: "x", ProjectID: "p2"}
	if err := repo.CreateDeployment(ctx, other); err != nil {
		t.Fatalf("create other: %v", err)
	}
	if other.Version != 1 {
		t.Fatalf("versions are per project, got %d", other.Version)
	}
}

func TestCreateDeploymentRejectsDuplicateID(t *testing.T) {
	repo := New()
	ctx := context.Background()
	if err := repo.CreateDeployment(ctx, &domain.Deployment{ID: "a", ProjectID: "p"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := repo.CreateDeployment(ctx, &domain.Deployment{ID: "a", ProjectID: "p"})
	if !errors.Is(err, repository.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestLatestDeploymentWithStatusPicksHighestVersion(t *testing.T) {
	repo := New()
	ctx := context.Background()
	for _, id := range []string{"v1", "v2", "v3"} {
		if err := repo.CreateDeployment(ctx, &domain.Deployment{ID: id, ProjectID: "p"}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	for _, id := range []string{"v1", "v2"} {
		if _, err := repo.UpdateDeploymentStatus(ctx, domain.DeploymentStatusUpdate{DeploymentID: id, Status: domain.StatusActive}); err != nil {
			t.Fatalf("update: %v", err)
		}
	}

	latest, err := repo.LatestDeploymentWithStatus(ctx, "p", domain.StatusActive)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.ID != "v2" {
		t.Fatalf("expected v2, got %s", latest.ID)
	}

	if _, err := repo.LatestDeploymentWithStatus(ctx, "p", domain.StatusRolledBack); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateDeploymentStatusUnknownID(t *testing.T) {
	repo := New()
	_, err := repo.UpdateDeploymentStatus(context.Background(), domain.DeploymentStatusUpdate{DeploymentID: "missing", Status: domain.StatusFailed})
	if !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListDeploymentsByProjectNewestFirst(t *testing.T) {
	repo := New()
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		_ = repo.CreateDeployment(ctx, &domain.Deployment{ID: id, ProjectID: "p"})
	}
	list, err := repo.ListDeploymentsByProject(ctx, "p", 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].ID != "c" || list[1].ID != "b" {
		t.Fatalf("unexpected order: %+v", list)
	}
}
