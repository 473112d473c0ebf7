package resolver

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/splax/peep/internal/domain"
	"github.com/splax/peep/internal/repository/memory"
)

const storageBase = "http://storage:9000/peep-outputs/__outputs"

func seed(t *testing.T, states ...domain.DeploymentState) *memory.Repository {
	t.Helper()
	ctx := context.Background()
	repo := memory.New()
	if err := repo.CreateProject(ctx, &domain.Project{ID: "proj-1", Subdomain: "demo-x1"}); err != nil {
		t.Fatalf("create project: %v", err)
	}
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	for i, state := range states {
		dep := domain.Deployment{
			ID:        "dep-" + string(rune('a'+i)),
			ProjectID: "proj-1",
			State:     domain.StateQueued,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := repo.CreateDeployment(ctx, &dep); err != nil {
			t.Fatalf("create deployment: %v", err)
		}
		path := []domain.DeploymentState{domain.StateInProgress, state}
		if state == domain.StateFail {
			path = []domain.DeploymentState{domain.StateFail}
		}
		from := domain.StateQueued
		for _, to := range path {
			if err := repo.UpdateDeploymentState(ctx, domain.DeploymentStateUpdate{DeploymentID: dep.ID, From: from, To: to, UpdatedAt: dep.CreatedAt}); err != nil {
				t.Fatalf("advance: %v", err)
			}
			from = to
		}
	}
	return repo
}

func TestResolveProjectLayout(t *testing.T) {
	repo := seed(t, domain.StateReady, domain.StateReady, domain.StateFail)
	svc, err := New(repo, repo, storageBase+"/", LayoutProject)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	target, err := svc.Resolve(context.Background(), "demo-x1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if target.DeploymentID != "dep-b" {
		t.Fatalf("expected latest READY deployment dep-b, got %s", target.DeploymentID)
	}
	if got, want := target.URL.String(), storageBase+"/proj-1"; got != want {
		t.Fatalf("url = %s, want %s", got, want)
	}
}

func TestResolveDeploymentLayout(t *testing.T) {
	repo := seed(t, domain.StateReady)
	svc, err := New(repo, repo, storageBase, ParseLayout("Deployment"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	target, err := svc.Resolve(context.Background(), "demo-x1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got, want := target.URL.String(), storageBase+"/dep-a"; got != want {
		t.Fatalf("url = %s, want %s", got, want)
	}
}

func TestResolveErrors(t *testing.T) {
	repo := seed(t, domain.StateFail)
	svc, err := New(repo, repo, storageBase, LayoutProject)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	if _, err := svc.Resolve(ctx, "unknown"); !errors.Is(err, ErrProjectNotFound) || !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrProjectNotFound wrapping ErrNotFound, got %v", err)
	}
	if _, err := svc.Resolve(ctx, "DEMO-X1"); !errors.Is(err, ErrProjectNotFound) {
		t.Fatalf("expected case-sensitive match, got %v", err)
	}
	if _, err := svc.Resolve(ctx, "demo-x1"); !errors.Is(err, ErrNoLiveDeployment) || !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNoLiveDeployment, got %v", err)
	}
}

func TestNewRejectsRelativeBase(t *testing.T) {
	if _, err := New(nil, nil, "storage/outputs", LayoutProject); err == nil {
		t.Fatalf("expected error for relative base url")
	}
}
