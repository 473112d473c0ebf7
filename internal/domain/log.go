package domain

import "time"

// LogEvent is one stored line of build output.
type LogEvent struct {
	ID           string    `json:"id"`
	DeploymentID string    `json:"deployment_id"`
	ProjectID    string    `json:"project_id,omitempty"`
	Message      string    `json:"message"`
	CreatedAt    time.Time `json:"created_at"`
}
