package repository

import (
	"context"
	"time"

	"github.com/splax/peep/internal/domain"
)

// ProjectRepository persists project configuration.
type ProjectRepository interface {
	CreateProject(ctx context.Context, project *domain.Project) error
	GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error)
	GetProjectBySubdomain(ctx context.Context, subdomain string) (*domain.Project, error)
}

// DeploymentRepository is the deployment ledger.
type DeploymentRepository interface {
	// CreateDeployment inserts a deployment, failing with ErrConflict when the
	// project already has a QUEUED or IN_PROGRESS deployment.
	CreateDeployment(ctx context.Context, deployment *domain.Deployment) error
	GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error)
	// UpdateDeploymentState applies the update only while the stored state
	// equals update.From, otherwise it returns ErrStaleState.
	UpdateDeploymentState(ctx context.Context, update domain.DeploymentStateUpdate) error
	FindActiveForProject(ctx context.Context, projectID string) (*domain.Deployment, error)
	FindLatestReadyForProject(ctx context.Context, projectID string) (*domain.Deployment, error)
	ListDeploymentsByProject(ctx context.Context, projectID string, limit int) ([]domain.Deployment, error)
	ListActiveCreatedBefore(ctx context.Context, createdBefore time.Time) ([]domain.Deployment, error)
}

// LogRepository handles log persistence and retrieval.
type LogRepository interface {
	AppendLog(ctx context.Context, event domain.LogEvent) error
	ListLogsByDeployment(ctx context.Context, deploymentID string, limit, offset int) ([]domain.LogEvent, error)
}

// Store is a complete ledger: projects, deployments and their logs.
type Store interface {
	ProjectRepository
	DeploymentRepository
	LogRepository
}
