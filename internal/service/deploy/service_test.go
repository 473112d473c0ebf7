package deploy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/splax/peep/internal/domain"
	"github.com/splax/peep/internal/repository"
	"github.com/splax/peep/internal/repository/memory"
)

type fakeLauncher struct {
	mu       sync.Mutex
	err      error
	launched []string
}

func (f *fakeLauncher) Launch(_ context.Context, _ domain.Project, deployment domain.Deployment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.launched = append(f.launched, deployment.ID)
	return f.err
}

type fakeScheduler struct {
	mu        sync.Mutex
	scheduled []domain.Deployment
}

func (f *fakeScheduler) Schedule(deployment domain.Deployment) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scheduled = append(f.scheduled, deployment)
}

type staleOnceRepo struct {
	repository.DeploymentRepository
	fired bool
}

// UpdateDeploymentState simulates a concurrent writer landing a terminal state first.
func (r *staleOnceRepo) UpdateDeploymentState(ctx context.Context, update domain.DeploymentStateUpdate) error {
	if !r.fired {
		r.fired = true
		if err := r.DeploymentRepository.UpdateDeploymentState(ctx, domain.DeploymentStateUpdate{
			DeploymentID: update.DeploymentID,
			From:         update.From,
			To:           domain.StateFail,
			Reason:       "concurrent",
			UpdatedAt:    update.UpdatedAt,
		}); err != nil {
			return err
		}
	}
	return r.DeploymentRepository.UpdateDeploymentState(ctx, update)
}

const testProjectID = "project-1"

func newTestService(opts ...func(*Service)) (*Service, *memory.Repository) {
	repo := memory.New()
	_ = repo.CreateProject(context.Background(), &domain.Project{ID: testProjectID, Name: "demo", Subdomain: "demo-x1"})
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
	svc := New(repo, repo, nil, logger)
	for _, opt := range opts {
		opt(svc)
	}
	return svc, repo
}

func TestCreateQueuesDeploymentAndSchedules(t *testing.T) {
	scheduler := &fakeScheduler{}
	svc, _ := newTestService(func(s *Service) { s.SetScheduler(scheduler) })

	dep, err := svc.Create(context.Background(), testProjectID)
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if dep.State != domain.StateQueued {
		t.Fatalf("expected QUEUED, got %s", dep.State)
	}
	if len(scheduler.scheduled) != 1 || scheduler.scheduled[0].ID != dep.ID {
		t.Fatalf("expected deployment to be scheduled, got %+v", scheduler.scheduled)
	}
}

func TestCreateRejectsUnknownProject(t *testing.T) {
	svc, _ := newTestService()
	if _, err := svc.Create(context.Background(), "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateConflictsWhileActive(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	first, err := svc.Create(ctx, testProjectID)
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if _, err := svc.Create(ctx, testProjectID); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	if _, err := svc.Fail(ctx, first.ID, "test"); err != nil {
		t.Fatalf("Fail returned error: %v", err)
	}
	if _, err := svc.Create(ctx, testProjectID); err != nil {
		t.Fatalf("expected create after terminal state to succeed, got %v", err)
	}
}

func TestConcurrentCreateYieldsSingleActiveDeployment(t *testing.T) {
	svc, repo := newTestService()
	const workers = 16

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		conflicts int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Create(context.Background(), testProjectID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, domain.ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if successes != 1 || conflicts != workers-1 {
		t.Fatalf("expected 1 success and %d conflicts, got %d and %d", workers-1, successes, conflicts)
	}
	deps, _ := repo.ListDeploymentsByProject(context.Background(), testProjectID, 0)
	if len(deps) != 1 {
		t.Fatalf("expected one stored deployment, got %d", len(deps))
	}
}

func TestAdvanceFollowsLifecycle(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	dep, _ := svc.Create(ctx, testProjectID)

	if _, err := svc.Advance(ctx, dep.ID, domain.StateReady, ""); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected QUEUED->READY to be rejected, got %v", err)
	}
	if _, err := svc.Advance(ctx, dep.ID, domain.StateInProgress, ""); err != nil {
		t.Fatalf("QUEUED->IN_PROGRESS: %v", err)
	}
	ready, err := svc.Advance(ctx, dep.ID, domain.StateReady, "log: Done")
	if err != nil {
		t.Fatalf("IN_PROGRESS->READY: %v", err)
	}
	if ready.CompletedAt == nil || ready.Reason != "log: Done" {
		t.Fatalf("expected completion metadata, got %+v", ready)
	}

	_, err = svc.Advance(ctx, dep.ID, domain.StateFail, "late")
	var terr *domain.TransitionError
	if !errors.As(err, &terr) {
		t.Fatalf("expected TransitionError, got %v", err)
	}
	if terr.From != domain.StateReady || terr.To != domain.StateFail {
		t.Fatalf("unexpected transition error %+v", terr)
	}
	stored, _ := svc.Get(ctx, dep.ID)
	if stored.State != domain.StateReady {
		t.Fatalf("terminal state overwritten: %s", stored.State)
	}
}

func TestAdvanceUnknownDeployment(t *testing.T) {
	svc, _ := newTestService()
	if _, err := svc.Advance(context.Background(), "nope", domain.StateFail, ""); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAdvanceLosesToConcurrentTerminalWrite(t *testing.T) {
	repo := memory.New()
	ctx := context.Background()
	_ = repo.CreateProject(ctx, &domain.Project{ID: testProjectID, Subdomain: "demo-x1"})
	svc := New(repo, &staleOnceRepo{DeploymentRepository: repo}, nil, nil)

	dep, err := svc.Create(ctx, testProjectID)
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if _, err := svc.Advance(ctx, dep.ID, domain.StateInProgress, ""); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected loser to see invalid transition, got %v", err)
	}
	stored, _ := repo.GetDeploymentByID(ctx, dep.ID)
	if stored.State != domain.StateFail || stored.Reason != "concurrent" {
		t.Fatalf("expected concurrent FAIL to stand, got %+v", stored)
	}
}

func TestCompletePromotesQueued(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	dep, _ := svc.Create(ctx, testProjectID)

	ready, err := svc.Complete(ctx, dep.ID, "log: Done")
	if err != nil {
		t.Fatalf("Complete returned error: %v", err)
	}
	if ready.State != domain.StateReady {
		t.Fatalf("expected READY, got %s", ready.State)
	}
}

func TestTriggerLaunchesAndStartsDeployment(t *testing.T) {
	launcher := &fakeLauncher{}
	svc, _ := newTestService(func(s *Service) { s.launcher = launcher })

	dep, err := svc.Trigger(context.Background(), testProjectID)
	if err != nil {
		t.Fatalf("Trigger returned error: %v", err)
	}
	if dep.State != domain.StateInProgress {
		t.Fatalf("expected IN_PROGRESS, got %s", dep.State)
	}
	if len(launcher.launched) != 1 || launcher.launched[0] != dep.ID {
		t.Fatalf("expected launch of %s, got %v", dep.ID, launcher.launched)
	}
}

func TestTriggerLaunchFailureFailsDeployment(t *testing.T) {
	launcher := &fakeLauncher{err: errors.New("docker down")}
	svc, repo := newTestService(func(s *Service) { s.launcher = launcher })
	ctx := context.Background()

	if _, err := svc.Trigger(ctx, testProjectID); err == nil {
		t.Fatalf("expected launch error")
	}
	deps, _ := repo.ListDeploymentsByProject(ctx, testProjectID, 0)
	if len(deps) != 1 || deps[0].State != domain.StateFail || deps[0].Reason != "launch failed" {
		t.Fatalf("expected failed deployment, got %+v", deps)
	}
}

func TestListByProjectNewestFirst(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	svc.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}

	first, _ := svc.Create(ctx, testProjectID)
	_, _ = svc.Fail(ctx, first.ID, "x")
	second, _ := svc.Create(ctx, testProjectID)

	deps, err := svc.ListByProject(ctx, testProjectID, 0)
	if err != nil {
		t.Fatalf("ListByProject returned error: %v", err)
	}
	if len(deps) != 2 || deps[0].ID != second.ID || deps[1].ID != first.ID {
		t.Fatalf("unexpected order: %+v", deps)
	}
	if _, err := svc.ListByProject(ctx, "missing", 0); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown project, got %v", err)
	}
}
