package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates an unknown project, deployment or subdomain.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates a project already has a non-terminal deployment.
	ErrConflict = errors.New("conflict")
	// ErrInvalidTransition indicates a state change not allowed by the lifecycle graph.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrUpstreamUnavailable indicates the stream broker or log store could not be reached.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrTransport indicates forwarding a proxied request failed.
	ErrTransport = errors.New("transport error")
)

// TransitionError describes a rejected state change.
type TransitionError struct {
	DeploymentID string
	From         DeploymentState
	To           DeploymentState
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("deployment %s: cannot move from %s to %s", e.DeploymentID, e.From, e.To)
}

// Is makes errors.Is(err, ErrInvalidTransition) match.
func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}
