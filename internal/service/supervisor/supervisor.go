// Package supervisor force-fails deployments that never reach a terminal state.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/splax/peep/internal/domain"
	"github.com/splax/peep/internal/repository"
)

const (
	defaultSweep  = 30 * time.Second
	sweepTimeout  = 15 * time.Second
	failTimeout   = 5 * time.Second
	timeoutReason = "timeout"
)

// Failer drives a deployment to FAIL.
type Failer interface {
	Fail(ctx context.Context, deploymentID, reason string) (*domain.Deployment, error)
}

// Supervisor arms a timer per deployment and periodically sweeps the ledger
// for deployments created by other instances or before a restart.
type Supervisor struct {
	deployments repository.DeploymentRepository
	failer      Failer
	logger      *slog.Logger
	timeout     time.Duration
	interval    time.Duration

	mu      sync.Mutex
	timers  map[string]*time.Timer
	stopped bool

	now func() time.Time
}

// New constructs a Supervisor. A non-positive timeout disables it.
func New(deployments repository.DeploymentRepository, failer Failer, logger *slog.Logger, timeout, interval time.Duration) *Supervisor {
	if timeout <= 0 {
		return nil
	}
	if interval <= 0 {
		interval = defaultSweep
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		deployments: deployments,
		failer:      failer,
		logger:      logger.With("component", "supervisor"),
		timeout:     timeout,
		interval:    interval,
		timers:      make(map[string]*time.Timer),
		now:         time.Now,
	}
}

// Schedule arms a timer that fails the deployment once it is older than the
// timeout. Scheduling the same deployment twice keeps the first timer.
func (s *Supervisor) Schedule(deployment domain.Deployment) {
	if s == nil || deployment.State.Terminal() {
		return
	}
	remaining := s.timeout - s.now().Sub(deployment.CreatedAt)
	if remaining < 0 {
		remaining = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if _, ok := s.timers[deployment.ID]; ok {
		return
	}
	id := deployment.ID
	s.timers[id] = time.AfterFunc(remaining, func() {
		s.mu.Lock()
		delete(s.timers, id)
		s.mu.Unlock()
		ctx, cancel := context.WithTimeout(context.Background(), failTimeout)
		defer cancel()
		s.expire(ctx, id)
	})
}

// Pending reports the number of armed timers.
func (s *Supervisor) Pending() int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Run sweeps the ledger until ctx is cancelled, then stops all timers.
func (s *Supervisor) Run(ctx context.Context) {
	if s == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	defer s.stop()

	s.logger.Info("supervisor started", "timeout", s.timeout, "interval", s.interval)
	s.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("supervisor stopped")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Supervisor) sweep(parent context.Context) {
	timeout := sweepTimeout
	if s.interval < timeout {
		timeout = s.interval
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	stale, err := s.deployments.ListActiveCreatedBefore(ctx, s.now().Add(-s.timeout))
	if err != nil {
		s.logger.Warn("failed to list stale deployments", "error", err)
		return
	}
	for _, dep := range stale {
		s.expire(ctx, dep.ID)
	}
}

func (s *Supervisor) expire(ctx context.Context, deploymentID string) {
	_, err := s.failer.Fail(ctx, deploymentID, timeoutReason)
	switch {
	case err == nil:
		s.logger.Warn("deployment timed out", "deployment_id", deploymentID, "timeout", formatDuration(s.timeout))
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrNotFound):
	default:
		s.logger.Warn("failed to time out deployment", "deployment_id", deploymentID, "error", err)
	}
}

func (s *Supervisor) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}
}

func formatDuration(d time.Duration) string {
	if d%time.Minute == 0 {
		return fmt.Sprintf("%dm", int(d/time.Minute))
	}
	return d.String()
}
