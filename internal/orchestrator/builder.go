package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/splax/peep/internal/domain"
)

// BuilderLauncher asks the builder service to run a deployment. Calls go
// through a circuit breaker so an unhealthy builder fails fast.
type BuilderLauncher struct {
	baseURL string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

type builderRequest struct {
	DeploymentID   string            `json:"deployment_id"`
	ProjectID      string            `json:"project_id"`
	RepoURL        string            `json:"repo_url"`
	RootDir        string            `json:"root_dir,omitempty"`
	InstallCommand string            `json:"install_command,omitempty"`
	BuildCommand   string            `json:"build_command,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
}

// NewBuilderLauncher returns a launcher posting to {baseURL}/deploy. The
// breaker opens after maxFailures consecutive failures.
func NewBuilderLauncher(baseURL string, timeout time.Duration, maxFailures int, logger *slog.Logger) *BuilderLauncher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if maxFailures <= 0 {
		maxFailures = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "orchestrator", "driver", "builder")
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "builder",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(maxFailures)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("builder circuit state changed", "from", from.String(), "to", to.String())
		},
	})
	return &BuilderLauncher{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		breaker: breaker,
		logger:  logger,
	}
}

// Launch implements deploy.Launcher.
func (l *BuilderLauncher) Launch(ctx context.Context, project domain.Project, deployment domain.Deployment) error {
	payload, err := json.Marshal(builderRequest{
		DeploymentID:   deployment.ID,
		ProjectID:      project.ID,
		RepoURL:        project.RepoURL,
		RootDir:        project.RootDir,
		InstallCommand: project.InstallCommand,
		BuildCommand:   project.BuildCommand,
		Env:            project.Env,
	})
	if err != nil {
		return err
	}
	_, err = l.breaker.Execute(func() (interface{}, error) {
		return nil, l.post(ctx, payload)
	})
	if err != nil {
		return fmt.Errorf("builder request: %w: %v", domain.ErrUpstreamUnavailable, err)
	}
	l.logger.Info("builder accepted deployment", "deployment_id", deployment.ID)
	return nil
}

func (l *BuilderLauncher) post(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.baseURL+"/deploy", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := l.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("builder returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return nil
}
