package domain

import "time"

// DeploymentState is a lifecycle position of a deployment.
type DeploymentState string

const (
	StateQueued     DeploymentState = "QUEUED"
	StateInProgress DeploymentState = "IN_PROGRESS"
	StateReady      DeploymentState = "READY"
	StateFail       DeploymentState = "FAIL"
)

// Terminal reports whether no transition may leave the state.
func (s DeploymentState) Terminal() bool {
	return s == StateReady || s == StateFail
}

// Valid reports whether s is one of the known states.
func (s DeploymentState) Valid() bool {
	switch s {
	case StateQueued, StateInProgress, StateReady, StateFail:
		return true
	}
	return false
}

// CanTransition reports whether the lifecycle graph allows moving from s to next.
//
// QUEUED -> IN_PROGRESS -> READY, and FAIL from either non-terminal state.
func (s DeploymentState) CanTransition(next DeploymentState) bool {
	switch s {
	case StateQueued:
		return next == StateInProgress || next == StateFail
	case StateInProgress:
		return next == StateReady || next == StateFail
	}
	return false
}

// Deployment captures a single deployment attempt.
type Deployment struct {
	ID          string          `json:"id"`
	ProjectID   string          `json:"project_id"`
	State       DeploymentState `json:"state"`
	Reason      string          `json:"reason,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// DeploymentStateUpdate is a compare-and-set state change.
type DeploymentStateUpdate struct {
	DeploymentID string
	From         DeploymentState
	To           DeploymentState
	Reason       string
	UpdatedAt    time.Time
}
