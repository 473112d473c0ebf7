package logs

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/splax/peep/internal/domain"
	"github.com/splax/peep/internal/repository"
	"github.com/splax/peep/internal/ws"
)

// Lifecycle event names published alongside log lines.
const (
	EventLog                = "log"
	EventDeploymentComplete = "deployment-complete"
	EventDeploymentFailed   = "deployment-failed"
)

// Service handles log persistence and streaming.
type Service struct {
	repo   repository.LogRepository
	fanout ws.Broadcaster
	logger *slog.Logger
	now    func() time.Time
}

// New constructs a log service. fanout may be the local hub or a bridge.
func New(repo repository.LogRepository, fanout ws.Broadcaster, logger *slog.Logger) Service {
	if logger == nil {
		logger = slog.Default()
	}
	return Service{repo: repo, fanout: fanout, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// Append stores a log line under a fresh event ID. Redelivered lines are stored
// again under a new ID.
func (s Service) Append(ctx context.Context, deploymentID, projectID, message string) (domain.LogEvent, error) {
	if strings.TrimSpace(deploymentID) == "" {
		return domain.LogEvent{}, errors.New("deployment id required")
	}
	event := domain.LogEvent{
		ID:           uuid.NewString(),
		DeploymentID: deploymentID,
		ProjectID:    projectID,
		Message:      message,
		CreatedAt:    s.now(),
	}
	if err := s.repo.AppendLog(ctx, event); err != nil {
		return domain.LogEvent{}, err
	}
	return event, nil
}

// List returns stored lines for a deployment in ingestion order.
func (s Service) List(ctx context.Context, deploymentID string, limit, offset int) ([]domain.LogEvent, error) {
	return s.repo.ListLogsByDeployment(ctx, deploymentID, limit, offset)
}

// Broadcast publishes a stored log line on the deployment's channel.
func (s Service) Broadcast(ctx context.Context, event domain.LogEvent) error {
	data, err := MarshalEvent(event)
	if err != nil {
		return err
	}
	return s.publish(ctx, event.DeploymentID, data)
}

// BroadcastLifecycle publishes a deployment-complete or deployment-failed event.
func (s Service) BroadcastLifecycle(ctx context.Context, kind string, deployment domain.Deployment) error {
	data, err := json.Marshal(map[string]any{
		"type":          kind,
		"deployment_id": deployment.ID,
		"project_id":    deployment.ProjectID,
		"state":         deployment.State,
		"reason":        deployment.Reason,
		"at":            deployment.UpdatedAt.Format(time.RFC3339Nano),
	})
	if err != nil {
		return err
	}
	return s.publish(ctx, deployment.ID, data)
}

func (s Service) publish(ctx context.Context, channel string, data []byte) error {
	if s.fanout == nil {
		return nil
	}
	if err := s.fanout.Broadcast(ctx, channel, data); err != nil {
		s.logger.Warn("log broadcast failed", "deployment_id", channel, "error", err)
		return err
	}
	return nil
}

// MarshalEvent formats a log line for streaming payloads.
func MarshalEvent(event domain.LogEvent) ([]byte, error) {
	payload := map[string]any{
		"type":          EventLog,
		"id":            event.ID,
		"deployment_id": event.DeploymentID,
		"project_id":    event.ProjectID,
		"message":       event.Message,
		"created_at":    event.CreatedAt.Format(time.RFC3339Nano),
	}
	return json.Marshal(payload)
}
