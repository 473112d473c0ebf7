// Package memory implements the repository interfaces in process memory. It is
// used for single-instance development setups and in tests.
package memory

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/splax/peep/internal/domain"
	"github.com/splax/peep/internal/repository"
)

// Repository stores projects, deployments and logs in maps guarded by one lock.
type Repository struct {
	mu          sync.RWMutex
	projects    map[string]domain.Project
	subdomains  map[string]string
	deployments map[string]domain.Deployment
	byProject   map[string][]string
	logs        map[string][]domain.LogEvent
}

var (
	_ repository.ProjectRepository    = (*Repository)(nil)
	_ repository.DeploymentRepository = (*Repository)(nil)
	_ repository.LogRepository        = (*Repository)(nil)
)

// New constructs an empty Repository.
func New() *Repository {
	return &Repository{
		projects:    make(map[string]domain.Project),
		subdomains:  make(map[string]string),
		deployments: make(map[string]domain.Deployment),
		byProject:   make(map[string][]string),
		logs:        make(map[string][]domain.LogEvent),
	}
}

// CreateProject inserts a project; the subdomain must be unused.
func (r *Repository) CreateProject(_ context.Context, project *domain.Project) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.projects[project.ID]; ok {
		return fmt.Errorf("project %s: %w", project.ID, repository.ErrConflict)
	}
	if _, ok := r.subdomains[project.Subdomain]; ok {
		return fmt.Errorf("subdomain %s: %w", project.Subdomain, repository.ErrConflict)
	}
	stored := *project
	stored.Env = maps.Clone(project.Env)
	r.projects[project.ID] = stored
	r.subdomains[project.Subdomain] = project.ID
	return nil
}

// GetProjectByID fetches a project.
func (r *Repository) GetProjectByID(_ context.Context, projectID string) (*domain.Project, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	project, ok := r.projects[projectID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	project.Env = maps.Clone(project.Env)
	return &project, nil
}

// GetProjectBySubdomain fetches a project by exact subdomain match.
func (r *Repository) GetProjectBySubdomain(ctx context.Context, subdomain string) (*domain.Project, error) {
	r.mu.RLock()
	projectID, ok := r.subdomains[subdomain]
	r.mu.RUnlock()
	if !ok {
		return nil, repository.ErrNotFound
	}
	return r.GetProjectByID(ctx, projectID)
}

// CreateDeployment inserts a deployment unless the project already has an active one.
func (r *Repository) CreateDeployment(_ context.Context, deployment *domain.Deployment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.projects[deployment.ProjectID]; !ok {
		return repository.ErrNotFound
	}
	if active := r.activeLocked(deployment.ProjectID); active != nil {
		return fmt.Errorf("project %s has active deployment %s: %w", deployment.ProjectID, active.ID, repository.ErrConflict)
	}
	r.deployments[deployment.ID] = *deployment
	r.byProject[deployment.ProjectID] = append(r.byProject[deployment.ProjectID], deployment.ID)
	return nil
}

// GetDeploymentByID fetches a deployment.
func (r *Repository) GetDeploymentByID(_ context.Context, deploymentID string) (*domain.Deployment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	dep, ok := r.deployments[deploymentID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &dep, nil
}

// UpdateDeploymentState performs a compare-and-set on the deployment state.
func (r *Repository) UpdateDeploymentState(_ context.Context, update domain.DeploymentStateUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	dep, ok := r.deployments[update.DeploymentID]
	if !ok {
		return repository.ErrNotFound
	}
	if dep.State != update.From {
		return repository.ErrStaleState
	}
	dep.State = update.To
	dep.UpdatedAt = update.UpdatedAt
	if update.Reason != "" {
		dep.Reason = update.Reason
	}
	if update.To.Terminal() {
		completed := update.UpdatedAt
		dep.CompletedAt = &completed
	}
	r.deployments[dep.ID] = dep
	return nil
}

// FindActiveForProject returns the project's QUEUED or IN_PROGRESS deployment.
func (r *Repository) FindActiveForProject(_ context.Context, projectID string) (*domain.Deployment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if dep := r.activeLocked(projectID); dep != nil {
		return dep, nil
	}
	return nil, repository.ErrNotFound
}

// FindLatestReadyForProject returns the most recently created READY deployment.
func (r *Repository) FindLatestReadyForProject(_ context.Context, projectID string) (*domain.Deployment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var latest *domain.Deployment
	for _, id := range r.byProject[projectID] {
		dep := r.deployments[id]
		if dep.State != domain.StateReady {
			continue
		}
		if latest == nil || dep.CreatedAt.After(latest.CreatedAt) {
			d := dep
			latest = &d
		}
	}
	if latest == nil {
		return nil, repository.ErrNotFound
	}
	return latest, nil
}

// ListDeploymentsByProject returns deployments newest first.
func (r *Repository) ListDeploymentsByProject(_ context.Context, projectID string, limit int) ([]domain.Deployment, error) {
	r.mu.RLock()
	ids := r.byProject[projectID]
	out := make([]domain.Deployment, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.deployments[id])
	}
	r.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListActiveCreatedBefore returns non-terminal deployments created before the cutoff.
func (r *Repository) ListActiveCreatedBefore(_ context.Context, createdBefore time.Time) ([]domain.Deployment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Deployment, 0)
	for _, dep := range r.deployments {
		if !dep.State.Terminal() && dep.CreatedAt.Before(createdBefore) {
			out = append(out, dep)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// AppendLog stores a log event.
func (r *Repository) AppendLog(_ context.Context, event domain.LogEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs[event.DeploymentID] = append(r.logs[event.DeploymentID], event)
	return nil
}

// ListLogsByDeployment returns log events in ingestion order.
func (r *Repository) ListLogsByDeployment(_ context.Context, deploymentID string, limit, offset int) ([]domain.LogEvent, error) {
	r.mu.RLock()
	events := append([]domain.LogEvent(nil), r.logs[deploymentID]...)
	r.mu.RUnlock()
	sort.SliceStable(events, func(i, j int) bool { return events[i].CreatedAt.Before(events[j].CreatedAt) })
	if offset > 0 {
		if offset >= len(events) {
			return []domain.LogEvent{}, nil
		}
		events = events[offset:]
	}
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	if events == nil {
		events = []domain.LogEvent{}
	}
	return events, nil
}

func (r *Repository) activeLocked(projectID string) *domain.Deployment {
	for _, id := range r.byProject[projectID] {
		dep := r.deployments[id]
		if !dep.State.Terminal() {
			return &dep
		}
	}
	return nil
}
