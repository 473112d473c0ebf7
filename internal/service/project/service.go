package project

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/splax/peep/internal/domain"
	"github.com/splax/peep/internal/repository"
)

const (
	suffixAlphabet   = "abcdefghijklmnopqrstuvwxyz0123456789"
	suffixLength     = 6
	maxSlugBase      = 40
	subdomainRetries = 5
)

// CreateInput encapsulates project creation attributes.
type CreateInput struct {
	OwnerID        string            `json:"owner_id"`
	Name           string            `json:"name"`
	RepoURL        string            `json:"repo_url"`
	RootDir        string            `json:"root_dir"`
	InstallCommand string            `json:"install_command"`
	BuildCommand   string            `json:"build_command"`
	Env            map[string]string `json:"env"`
}

// Service orchestrates project management.
type Service struct {
	projects repository.ProjectRepository
	logger   *slog.Logger
	suffix   func() (string, error)
}

// New returns a project service.
func New(projects repository.ProjectRepository, logger *slog.Logger) Service {
	if logger == nil {
		logger = slog.Default()
	}
	return Service{projects: projects, logger: logger, suffix: randomSuffix}
}

var (
	errInvalidProjectName = errors.New("project name is required")
	errInvalidRepoURL     = errors.New("repository URL is required")
	errMissingProjectID   = errors.New("project id required")
)

// IsValidationError reports whether err describes bad caller input.
func IsValidationError(err error) bool {
	return errors.Is(err, errInvalidProjectName) || errors.Is(err, errInvalidRepoURL) || errors.Is(err, errMissingProjectID)
}

// Create registers a project under a generated subdomain of the form
// "<slugified-name>-<6 random chars>".
func (s Service) Create(ctx context.Context, input CreateInput) (*domain.Project, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, errInvalidProjectName
	}
	repoURL := strings.TrimSpace(input.RepoURL)
	if repoURL == "" {
		return nil, errInvalidRepoURL
	}
	base := Slugify(name)

	var lastErr error
	for attempt := 0; attempt < subdomainRetries; attempt++ {
		suffix, err := s.suffix()
		if err != nil {
			return nil, fmt.Errorf("generate subdomain: %w", err)
		}
		project := &domain.Project{
			ID:             uuid.NewString(),
			OwnerID:        strings.TrimSpace(input.OwnerID),
			Name:           name,
			RepoURL:        repoURL,
			Subdomain:      base + "-" + suffix,
			RootDir:        strings.TrimSpace(input.RootDir),
			InstallCommand: strings.TrimSpace(input.InstallCommand),
			BuildCommand:   strings.TrimSpace(input.BuildCommand),
			Env:            input.Env,
			CreatedAt:      time.Now().UTC(),
		}
		err = s.projects.CreateProject(ctx, project)
		if err == nil {
			s.logger.Info("project created", "project_id", project.ID, "subdomain", project.Subdomain)
			return project, nil
		}
		if !errors.Is(err, repository.ErrConflict) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("allocate subdomain for %q: %w", name, lastErr)
}

// Get returns project details by identifier.
func (s Service) Get(ctx context.Context, projectID string) (*domain.Project, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return nil, errMissingProjectID
	}
	return s.projects.GetProjectByID(ctx, projectID)
}

// Slugify lower-cases name and collapses every run of characters outside
// [a-z0-9] into a single hyphen.
func Slugify(name string) string {
	var b strings.Builder
	pendingHyphen := false
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			if pendingHyphen && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingHyphen = false
			b.WriteRune(r)
			if b.Len() >= maxSlugBase {
				break
			}
			continue
		}
		pendingHyphen = true
	}
	slug := strings.Trim(b.String(), "-")
	if slug == "" {
		return "app"
	}
	return slug
}

func randomSuffix() (string, error) {
	buf := make([]byte, suffixLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i, v := range buf {
		buf[i] = suffixAlphabet[int(v)%len(suffixAlphabet)]
	}
	return string(buf), nil
}
