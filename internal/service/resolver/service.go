// Package resolver maps an inbound subdomain to the storage location of the
// project's live build.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/splax/peep/internal/domain"
	"github.com/splax/peep/internal/repository"
)

var (
	// ErrProjectNotFound indicates no project owns the subdomain.
	ErrProjectNotFound = fmt.Errorf("resolver: project not found: %w", domain.ErrNotFound)
	// ErrNoLiveDeployment indicates the project has no READY deployment.
	ErrNoLiveDeployment = fmt.Errorf("resolver: no live deployment: %w", domain.ErrNotFound)
)

// Layout selects how build outputs are keyed in storage.
type Layout string

const (
	// LayoutProject stores the latest build under the project ID.
	LayoutProject Layout = "project"
	// LayoutDeployment stores each build under its deployment ID.
	LayoutDeployment Layout = "deployment"
)

// ParseLayout maps a configuration value to a Layout, defaulting to LayoutProject.
func ParseLayout(raw string) Layout {
	if strings.EqualFold(strings.TrimSpace(raw), string(LayoutDeployment)) {
		return LayoutDeployment
	}
	return LayoutProject
}

// Target is where a request for a subdomain should be forwarded.
type Target struct {
	ProjectID    string
	DeploymentID string
	URL          *url.URL
}

// Service resolves subdomains against the ledger.
type Service struct {
	projects    repository.ProjectRepository
	deployments repository.DeploymentRepository
	base        *url.URL
	layout      Layout
}

// New constructs a resolver. baseURL is the storage prefix under which build
// outputs live, e.g. http://storage:9000/bucket/__outputs.
func New(projects repository.ProjectRepository, deployments repository.DeploymentRepository, baseURL string, layout Layout) (*Service, error) {
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse storage base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("storage base url %q must be absolute", baseURL)
	}
	return &Service{projects: projects, deployments: deployments, base: base, layout: layout}, nil
}

// Resolve looks up the project owning subdomain (exact, case-sensitive match)
// and the target of its most recent READY deployment.
func (s *Service) Resolve(ctx context.Context, subdomain string) (Target, error) {
	if subdomain == "" {
		return Target{}, ErrProjectNotFound
	}
	project, err := s.projects.GetProjectBySubdomain(ctx, subdomain)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return Target{}, ErrProjectNotFound
		}
		return Target{}, err
	}
	deployment, err := s.deployments.FindLatestReadyForProject(ctx, project.ID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return Target{}, ErrNoLiveDeployment
		}
		return Target{}, err
	}

	key := project.ID
	if s.layout == LayoutDeployment {
		key = deployment.ID
	}
	return Target{
		ProjectID:    project.ID,
		DeploymentID: deployment.ID,
		URL:          s.base.JoinPath(key),
	}, nil
}
