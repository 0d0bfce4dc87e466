package lifecycle

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/vortex44/deployer/internal/domain"
	"github.com/vortex44/deployer/internal/notify"
	"github.com/vortex44/deployer/internal/repository"
	"github.com/vortex44/deployer/internal/repository/memory"
)

type recordingNotifier struct {
	events []notify.Event
}

func (r *recordingNotifier) Notify(_ context.Context, ev notify.Event) bool {
	r.events = append(r.events, ev)
	return true
}

func newTracker() (Tracker, *recordingNotifier) {
	n := &recordingNotifier{}
	return New(memory.New(), n, slog.New(slog.NewTextHandler(io.Discard, nil))), n
}

func TestCreateValidatesInput(t *testing.T) {
	tr, _ := newTracker()
	ctx := context.Background()
	if _, err := tr.Create(ctx, "", "demo"); !IsInvalidInput(err) {
		t.Fatalf("expected invalid input for empty project, got %v", err)
	}
	for _, sub := range []string{"", "Has Space", "-lead", "trail-", "under_score"} {
		if _, err := tr.Create(ctx, "p1", sub); !IsInvalidInput(err) {
			t.Fatalf("subdomain %q: expected invalid input, got %v", sub, err)
		}
	}
	d, err := tr.Create(ctx, "p1", "My-App")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if d.Subdomain != "my-app" || d.Version != 1 || d.Status != domain.StatusPending {
		t.Fatalf("unexpected deployment %+v", d)
	}
}

func TestUpdateStatusMergesAndNotifies(t *testing.T) {
	tr, n := newTracker()
	ctx := context.Background()
	d, _ := tr.Create(ctx, "p1", "demo")

	if _, err := tr.UpdateStatus(ctx, d.ID, domain.StatusBuilding, "starting build", nil); err != nil {
		t.Fatalf("update: %v", err)
	}
	updated, err := tr.UpdateStatus(ctx, d.ID, domain.StatusActive, "", map[string]any{
		domain.MetaURL:         "https://demo.vortex44.com",
		domain.MetaContainerID: "c1",
		domain.MetaHostPort:    31005,
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.BuildLogs != "starting build" {
		t.Fatalf("logs must be kept when none supplied, got %q", updated.BuildLogs)
	}
	if updated.URL != "https://demo.vortex44.com" || updated.ContainerID != "c1" {
		t.Fatalf("unexpected record %+v", updated)
	}

	if len(n.events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(n.events))
	}
	last := n.events[2]
	if last.Status != domain.StatusActive || last.URL != "https://demo.vortex44.com" {
		t.Fatalf("unexpected final event %+v", last)
	}
}

func TestUpdateStatusUnknownDeployment(t *testing.T) {
	tr, n := newTracker()
	_, err := tr.UpdateStatus(context.Background(), "missing", domain.StatusFailed, "x", nil)
	if !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if len(n.events) != 0 {
		t.Fatalf("no event expected for failed update")
	}
}

func TestPreviousActive(t *testing.T) {
	tr, _ := newTracker()
	ctx := context.Background()
	if _, err := tr.PreviousActive(ctx, "p1"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	first, _ := tr.Create(ctx, "p1", "demo")
	second, _ := tr.Create(ctx, "p1", "demo")
	_, _ = tr.UpdateStatus(ctx, first.ID, domain.StatusActive, "", nil)
	_, _ = tr.UpdateStatus(ctx, second.ID, domain.StatusActive, "", nil)

	prev, err := tr.PreviousActive(ctx, "p1")
	if err != nil {
		t.Fatalf("previous active: %v", err)
	}
	if prev.ID != second.ID {
		t.Fatalf("expected highest version, got v%d", prev.Version)
	}
}

func TestLastLine(t *testing.T) {
	if lastLine("a\nb\n") != "b" || lastLine("single") != "single" || lastLine("") != "" {
		t.Fatalf("unexpected lastLine results")
	}
}
