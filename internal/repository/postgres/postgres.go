package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/peep/internal/domain"
	"github.com/splax/peep/internal/repository"
)

const activeDeploymentIndex = "deployments_one_active_per_project"

// EnvSealer encrypts project environment values at rest.
type EnvSealer interface {
	SealMap(env map[string]string) (map[string]string, error)
	OpenMap(env map[string]string) (map[string]string, error)
}

// Option configures a Repository.
type Option func(*Repository)

// WithEnvSealer stores project env values encrypted.
func WithEnvSealer(sealer EnvSealer) Option {
	return func(r *Repository) { r.sealer = sealer }
}

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool   *pgxpool.Pool
	sealer EnvSealer
}

// New constructs a Repository.
func New(pool *pgxpool.Pool, opts ...Option) *Repository {
	r := &Repository{pool: pool}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ensure Repository satisfies interfaces.
var (
	_ repository.ProjectRepository    = (*Repository)(nil)
	_ repository.DeploymentRepository = (*Repository)(nil)
	_ repository.LogRepository        = (*Repository)(nil)
)

// Ping checks database connectivity.
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// CreateProject inserts a project.
func (r *Repository) CreateProject(ctx context.Context, project *domain.Project) error {
	stored := nonNilEnv(project.Env)
	if r.sealer != nil {
		sealed, err := r.sealer.SealMap(stored)
		if err != nil {
			return fmt.Errorf("seal project env: %w", err)
		}
		stored = sealed
	}
	env, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("encode project env: %w", err)
	}
	const query = `INSERT INTO projects (id, owner_id, name, repo_url, subdomain, root_dir, install_command, build_command, env, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err = r.pool.Exec(ctx, query,
		project.ID,
		project.OwnerID,
		project.Name,
		project.RepoURL,
		project.Subdomain,
		project.RootDir,
		project.InstallCommand,
		project.BuildCommand,
		env,
		project.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return fmt.Errorf("project %s: %w", project.Subdomain, repository.ErrConflict)
		}
		return err
	}
	return nil
}

const projectColumns = `id, owner_id, name, repo_url, subdomain, root_dir, install_command, build_command, env, created_at`

// GetProjectByID fetches project details.
func (r *Repository) GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = $1`, projectID)
	return r.scanProject(row)
}

// GetProjectBySubdomain fetches a project by exact subdomain.
func (r *Repository) GetProjectBySubdomain(ctx context.Context, subdomain string) (*domain.Project, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+projectColumns+` FROM projects WHERE subdomain = $1`, subdomain)
	return r.scanProject(row)
}

func (r *Repository) scanProject(row pgx.Row) (*domain.Project, error) {
	var (
		project domain.Project
		env     []byte
	)
	if err := row.Scan(
		&project.ID,
		&project.OwnerID,
		&project.Name,
		&project.RepoURL,
		&project.Subdomain,
		&project.RootDir,
		&project.InstallCommand,
		&project.BuildCommand,
		&env,
		&project.CreatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	if len(env) > 0 {
		if err := json.Unmarshal(env, &project.Env); err != nil {
			return nil, fmt.Errorf("decode project env: %w", err)
		}
	}
	if r.sealer != nil && len(project.Env) > 0 {
		opened, err := r.sealer.OpenMap(project.Env)
		if err != nil {
			return nil, fmt.Errorf("open project env: %w", err)
		}
		project.Env = opened
	}
	return &project, nil
}

// CreateDeployment inserts a deployment. The partial unique index on active
// deployments turns a concurrent second insert into ErrConflict.
func (r *Repository) CreateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	const query = `INSERT INTO deployments (id, project_id, state, reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := r.pool.Exec(ctx, query,
		deployment.ID,
		deployment.ProjectID,
		string(deployment.State),
		deployment.Reason,
		deployment.CreatedAt,
		deployment.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch {
			case pgErr.Code == pgerrcode.UniqueViolation && pgErr.ConstraintName == activeDeploymentIndex:
				return fmt.Errorf("project %s: %w", deployment.ProjectID, repository.ErrConflict)
			case pgErr.Code == pgerrcode.ForeignKeyViolation:
				return repository.ErrNotFound
			}
		}
		return err
	}
	return nil
}

const deploymentColumns = `id, project_id, state, reason, created_at, updated_at, completed_at`

// GetDeploymentByID retrieves a deployment.
func (r *Repository) GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+deploymentColumns+` FROM deployments WHERE id = $1`, deploymentID)
	return scanDeployment(row)
}

// UpdateDeploymentState applies a compare-and-set state change.
func (r *Repository) UpdateDeploymentState(ctx context.Context, update domain.DeploymentStateUpdate) error {
	const query = `UPDATE deployments
		SET state = $3::text,
			reason = CASE WHEN $4::text = '' THEN reason ELSE $4::text END,
			updated_at = $5::timestamptz,
			completed_at = CASE WHEN $3::text IN ('READY', 'FAIL') THEN $5::timestamptz ELSE completed_at END
		WHERE id = $1 AND state = $2`
	tag, err := r.pool.Exec(ctx, query,
		update.DeploymentID,
		string(update.From),
		string(update.To),
		update.Reason,
		update.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM deployments WHERE id = $1)`, update.DeploymentID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return repository.ErrNotFound
	}
	return repository.ErrStaleState
}

// FindActiveForProject returns the QUEUED or IN_PROGRESS deployment of a project.
func (r *Repository) FindActiveForProject(ctx context.Context, projectID string) (*domain.Deployment, error) {
	const query = `SELECT ` + deploymentColumns + ` FROM deployments
		WHERE project_id = $1 AND state IN ('QUEUED', 'IN_PROGRESS')
		LIMIT 1`
	return scanDeployment(r.pool.QueryRow(ctx, query, projectID))
}

// FindLatestReadyForProject returns the most recently created READY deployment.
func (r *Repository) FindLatestReadyForProject(ctx context.Context, projectID string) (*domain.Deployment, error) {
	const query = `SELECT ` + deploymentColumns + ` FROM deployments
		WHERE project_id = $1 AND state = 'READY'
		ORDER BY created_at DESC
		LIMIT 1`
	return scanDeployment(r.pool.QueryRow(ctx, query, projectID))
}

// ListDeploymentsByProject returns deployments newest first.
func (r *Repository) ListDeploymentsByProject(ctx context.Context, projectID string, limit int) ([]domain.Deployment, error) {
	const query = `SELECT ` + deploymentColumns + ` FROM deployments
		WHERE project_id = $1
		ORDER BY created_at DESC
		LIMIT $2`
	rows, err := r.pool.Query(ctx, query, projectID, limitToNil(limit))
	if err != nil {
		return nil, err
	}
	return collectDeployments(rows)
}

// ListActiveCreatedBefore returns non-terminal deployments created before the cutoff.
func (r *Repository) ListActiveCreatedBefore(ctx context.Context, createdBefore time.Time) ([]domain.Deployment, error) {
	const query = `SELECT ` + deploymentColumns + ` FROM deployments
		WHERE state IN ('QUEUED', 'IN_PROGRESS') AND created_at < $1
		ORDER BY created_at ASC`
	rows, err := r.pool.Query(ctx, query, createdBefore)
	if err != nil {
		return nil, err
	}
	return collectDeployments(rows)
}

func collectDeployments(rows pgx.Rows) ([]domain.Deployment, error) {
	defer rows.Close()
	deployments := make([]domain.Deployment, 0)
	for rows.Next() {
		dep, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		deployments = append(deployments, *dep)
	}
	return deployments, rows.Err()
}

func scanDeployment(row pgx.Row) (*domain.Deployment, error) {
	var (
		dep   domain.Deployment
		state string
	)
	if err := row.Scan(&dep.ID, &dep.ProjectID, &state, &dep.Reason, &dep.CreatedAt, &dep.UpdatedAt, &dep.CompletedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	dep.State = domain.DeploymentState(state)
	return &dep, nil
}

// AppendLog inserts a log event.
func (r *Repository) AppendLog(ctx context.Context, event domain.LogEvent) error {
	const query = `INSERT INTO log_events (id, deployment_id, project_id, message, created_at)
		VALUES ($1, $2, $3, $4, $5)`
	_, err := r.pool.Exec(ctx, query, event.ID, event.DeploymentID, event.ProjectID, event.Message, event.CreatedAt)
	return err
}

// ListLogsByDeployment returns log events in ingestion order.
func (r *Repository) ListLogsByDeployment(ctx context.Context, deploymentID string, limit, offset int) ([]domain.LogEvent, error) {
	const query = `SELECT id, deployment_id, project_id, message, created_at
		FROM log_events
		WHERE deployment_id = $1
		ORDER BY created_at ASC, id ASC
		LIMIT $2 OFFSET $3`
	if offset < 0 {
		offset = 0
	}
	rows, err := r.pool.Query(ctx, query, deploymentID, limitToNil(limit), offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]domain.LogEvent, 0)
	for rows.Next() {
		var event domain.LogEvent
		if err := rows.Scan(&event.ID, &event.DeploymentID, &event.ProjectID, &event.Message, &event.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func limitToNil(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}

func nonNilEnv(env map[string]string) map[string]string {
	if env == nil {
		return map[string]string{}
	}
	return env
}
