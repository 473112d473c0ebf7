package supervisor

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/splax/peep/internal/domain"
	"github.com/splax/peep/internal/repository/memory"
	"github.com/splax/peep/internal/service/deploy"
)

func newTestSupervisor(t *testing.T, timeout time.Duration) (*Supervisor, *deploy.Service, *memory.Repository) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
	repo := memory.New()
	if err := repo.CreateProject(context.Background(), &domain.Project{ID: "p1", Subdomain: "p1-abc123"}); err != nil {
		t.Fatalf("create project: %v", err)
	}
	svc := deploy.New(repo, repo, nil, logger)
	sup := New(repo, svc, logger, timeout, time.Hour)
	if sup == nil {
		t.Fatalf("expected supervisor to be created")
	}
	svc.SetScheduler(sup)
	return sup, svc, repo
}

func waitForState(t *testing.T, svc *deploy.Service, id string, want domain.DeploymentState) *domain.Deployment {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		dep, err := svc.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if dep.State == want {
			return dep
		}
		if time.Now().After(deadline) {
			t.Fatalf("deployment %s stuck in %s, want %s", id, dep.State, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNewDisabledWithoutTimeout(t *testing.T) {
	if sup := New(memory.New(), nil, nil, 0, time.Second); sup != nil {
		t.Fatalf("expected nil supervisor for zero timeout")
	}
	var sup *Supervisor
	sup.Schedule(domain.Deployment{ID: "x"})
	sup.Run(context.Background())
}

func TestScheduledTimerFailsDeployment(t *testing.T) {
	_, svc, _ := newTestSupervisor(t, 20*time.Millisecond)

	dep, err := svc.Create(context.Background(), "p1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	failed := waitForState(t, svc, dep.ID, domain.StateFail)
	if failed.Reason != timeoutReason {
		t.Fatalf("expected reason %q, got %q", timeoutReason, failed.Reason)
	}
}

func TestTimerIsNoopForTerminalDeployment(t *testing.T) {
	sup, svc, _ := newTestSupervisor(t, 50*time.Millisecond)
	ctx := context.Background()

	dep, _ := svc.Create(ctx, "p1")
	if _, err := svc.Complete(ctx, dep.ID, "log: Done"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for sup.Pending() > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("timer never fired")
		}
		time.Sleep(5 * time.Millisecond)
	}
	stored, _ := svc.Get(ctx, dep.ID)
	if stored.State != domain.StateReady {
		t.Fatalf("expected READY to survive timeout, got %s", stored.State)
	}
}

func TestSweepFailsStaleDeployments(t *testing.T) {
	sup, svc, repo := newTestSupervisor(t, time.Hour)
	ctx := context.Background()

	old := domain.Deployment{
		ID:        "old",
		ProjectID: "p1",
		State:     domain.StateInProgress,
		CreatedAt: time.Now().Add(-2 * time.Hour),
		UpdatedAt: time.Now().Add(-2 * time.Hour),
	}
	if err := repo.CreateDeployment(ctx, &old); err != nil {
		t.Fatalf("seed: %v", err)
	}

	sup.sweep(ctx)

	stored, _ := svc.Get(ctx, "old")
	if stored.State != domain.StateFail || stored.Reason != timeoutReason {
		t.Fatalf("expected stale deployment to fail, got %+v", stored)
	}
}

func TestRunStopsTimersOnShutdown(t *testing.T) {
	sup, svc, _ := newTestSupervisor(t, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())

	if _, err := svc.Create(context.Background(), "p1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if sup.Pending() != 1 {
		t.Fatalf("expected one armed timer, got %d", sup.Pending())
	}

	done := make(chan struct{})
	go func() {
		sup.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("supervisor did not stop")
	}
	if sup.Pending() != 0 {
		t.Fatalf("expected timers to be stopped, %d remain", sup.Pending())
	}
}
