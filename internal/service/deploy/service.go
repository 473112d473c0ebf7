package deploy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/splax/peep/internal/domain"
	"github.com/splax/peep/internal/repository"
)

const (
	defaultListLimit = 20
	// states only move forward, so a CAS loop settles within a few rounds.
	maxAdvanceAttempts = 4
)

// Launcher starts the build execution unit for a queued deployment.
type Launcher interface {
	Launch(ctx context.Context, project domain.Project, deployment domain.Deployment) error
}

// Scheduler is told about every deployment the service creates.
type Scheduler interface {
	Schedule(deployment domain.Deployment)
}

// Service is the deployment state machine.
type Service struct {
	projects    repository.ProjectRepository
	deployments repository.DeploymentRepository
	launcher    Launcher
	scheduler   Scheduler
	locks       *keyedMutex
	logger      *slog.Logger
	now         func() time.Time
}

// New returns a deployment service. launcher may be nil when an external
// orchestrator reports IN_PROGRESS itself.
func New(projects repository.ProjectRepository, deployments repository.DeploymentRepository, launcher Launcher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		projects:    projects,
		deployments: deployments,
		launcher:    launcher,
		locks:       newKeyedMutex(),
		logger:      logger.With("component", "deploy"),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetScheduler registers the timeout scheduler. It must be called before the
// service handles requests.
func (s *Service) SetScheduler(scheduler Scheduler) {
	s.scheduler = scheduler
}

// Create inserts a QUEUED deployment for the project. It fails with
// domain.ErrNotFound for unknown projects and domain.ErrConflict when the
// project already has a deployment in flight.
func (s *Service) Create(ctx context.Context, projectID string) (*domain.Deployment, error) {
	_, deployment, err := s.create(ctx, projectID)
	return deployment, err
}

func (s *Service) create(ctx context.Context, projectID string) (*domain.Project, *domain.Deployment, error) {
	unlock := s.locks.Lock(projectID)
	defer unlock()

	project, err := s.projects.GetProjectByID(ctx, projectID)
	if err != nil {
		return nil, nil, err
	}
	active, err := s.deployments.FindActiveForProject(ctx, projectID)
	switch {
	case err == nil:
		return nil, nil, fmt.Errorf("deployment %s is %s: %w", active.ID, active.State, domain.ErrConflict)
	case !errors.Is(err, repository.ErrNotFound):
		return nil, nil, err
	}

	now := s.now()
	deployment := &domain.Deployment{
		ID:        uuid.NewString(),
		ProjectID: project.ID,
		State:     domain.StateQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.deployments.CreateDeployment(ctx, deployment); err != nil {
		return nil, nil, err
	}
	s.logger.Info("deployment queued", "deployment_id", deployment.ID, "project_id", project.ID)
	if s.scheduler != nil {
		s.scheduler.Schedule(*deployment)
	}
	return project, deployment, nil
}

// Trigger creates a deployment, asks the launcher to start it and moves it to
// IN_PROGRESS. A launch failure drives the deployment to FAIL.
func (s *Service) Trigger(ctx context.Context, projectID string) (*domain.Deployment, error) {
	project, deployment, err := s.create(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if s.launcher == nil {
		return deployment, nil
	}
	if err := s.launcher.Launch(ctx, *project, *deployment); err != nil {
		s.logger.Error("launch failed", "deployment_id", deployment.ID, "error", err)
		if _, ferr := s.Fail(context.WithoutCancel(ctx), deployment.ID, "launch failed"); ferr != nil && !errors.Is(ferr, domain.ErrInvalidTransition) {
			s.logger.Warn("mark launch failure failed", "deployment_id", deployment.ID, "error", ferr)
		}
		return nil, fmt.Errorf("launch deployment %s: %w", deployment.ID, err)
	}
	updated, err := s.Advance(ctx, deployment.ID, domain.StateInProgress, "")
	if errors.Is(err, domain.ErrInvalidTransition) {
		// the build already reported a terminal state
		return s.Get(ctx, deployment.ID)
	}
	return updated, err
}

// Advance moves a deployment to target. It returns domain.ErrNotFound for
// unknown deployments and a *domain.TransitionError when target is not
// reachable from the stored state, including when a concurrent writer got
// there first.
func (s *Service) Advance(ctx context.Context, deploymentID string, target domain.DeploymentState, reason string) (*domain.Deployment, error) {
	if !target.Valid() {
		return nil, fmt.Errorf("unknown state %q: %w", target, domain.ErrInvalidTransition)
	}
	for attempt := 0; attempt < maxAdvanceAttempts; attempt++ {
		current, err := s.deployments.GetDeploymentByID(ctx, deploymentID)
		if err != nil {
			return nil, err
		}
		if !current.State.CanTransition(target) {
			return nil, &domain.TransitionError{DeploymentID: deploymentID, From: current.State, To: target}
		}
		now := s.now()
		err = s.deployments.UpdateDeploymentState(ctx, domain.DeploymentStateUpdate{
			DeploymentID: deploymentID,
			From:         current.State,
			To:           target,
			Reason:       reason,
			UpdatedAt:    now,
		})
		if errors.Is(err, repository.ErrStaleState) {
			continue
		}
		if err != nil {
			return nil, err
		}
		current.State = target
		current.UpdatedAt = now
		if reason != "" {
			current.Reason = reason
		}
		if target.Terminal() {
			current.CompletedAt = &now
		}
		s.logger.Info("deployment state changed", "deployment_id", deploymentID, "state", target, "reason", reason)
		return current, nil
	}
	return nil, fmt.Errorf("deployment %s: state kept changing: %w", deploymentID, domain.ErrConflict)
}

// Complete drives a deployment to READY, promoting a QUEUED one through
// IN_PROGRESS first.
func (s *Service) Complete(ctx context.Context, deploymentID, reason string) (*domain.Deployment, error) {
	current, err := s.deployments.GetDeploymentByID(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	if current.State == domain.StateQueued {
		if _, err := s.Advance(ctx, deploymentID, domain.StateInProgress, ""); err != nil && !errors.Is(err, domain.ErrInvalidTransition) {
			return nil, err
		}
	}
	return s.Advance(ctx, deploymentID, domain.StateReady, reason)
}

// Fail drives a deployment to FAIL.
func (s *Service) Fail(ctx context.Context, deploymentID, reason string) (*domain.Deployment, error) {
	return s.Advance(ctx, deploymentID, domain.StateFail, reason)
}

// Get returns a deployment by ID.
func (s *Service) Get(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	return s.deployments.GetDeploymentByID(ctx, deploymentID)
}

// ListByProject returns recent deployments for a project, newest first.
func (s *Service) ListByProject(ctx context.Context, projectID string, limit int) ([]domain.Deployment, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if _, err := s.projects.GetProjectByID(ctx, projectID); err != nil {
		return nil, err
	}
	return s.deployments.ListDeploymentsByProject(ctx, projectID, limit)
}
