// Package ingest drains the build log stream: it stores every line, derives
// terminal deployment states from the lines and fans them out to subscribers.
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/splax/peep/internal/domain"
	"github.com/splax/peep/internal/service/logs"
	"github.com/splax/peep/internal/stream"
)

const (
	defaultHeartbeat    = 10 * time.Second
	defaultBackoffMax   = 30 * time.Second
	defaultDrainTimeout = 15 * time.Second
	maxReasonLength     = 200
)

// StateMachine is the subset of the deployment service the consumer drives.
type StateMachine interface {
	Complete(ctx context.Context, deploymentID, reason string) (*domain.Deployment, error)
	Fail(ctx context.Context, deploymentID, reason string) (*domain.Deployment, error)
}

// LogSink stores and broadcasts log lines.
type LogSink interface {
	Append(ctx context.Context, deploymentID, projectID, message string) (domain.LogEvent, error)
	Broadcast(ctx context.Context, event domain.LogEvent) error
	BroadcastLifecycle(ctx context.Context, kind string, deployment domain.Deployment) error
}

// Options tune the consumer loop.
type Options struct {
	// Heartbeat is the longest a batch may run without signalling liveness.
	Heartbeat time.Duration
	// BackoffMax caps the wait between failed receives.
	BackoffMax time.Duration
	// DrainTimeout bounds how long an in-flight batch may keep running after shutdown.
	DrainTimeout time.Duration
}

// Consumer processes log events from a stream.
type Consumer struct {
	source      stream.Consumer
	detector    Detector
	deployments StateMachine
	logs        LogSink
	logger      *slog.Logger
	opts        Options
	metrics     *consumerMetrics
	now         func() time.Time
}

// New constructs a Consumer. A nil detector means DefaultKeywordDetector.
func New(source stream.Consumer, detector Detector, deployments StateMachine, sink LogSink, logger *slog.Logger, opts Options) *Consumer {
	if detector == nil {
		detector = DefaultKeywordDetector()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = defaultHeartbeat
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = defaultBackoffMax
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = defaultDrainTimeout
	}
	return &Consumer{
		source:      source,
		detector:    detector,
		deployments: deployments,
		logs:        sink,
		logger:      logger.With("component", "ingest"),
		opts:        opts,
		metrics:     newConsumerMetrics(),
		now:         time.Now,
	}
}

// Run consumes until ctx is cancelled. Receive failures are retried with
// exponential backoff; Run returns nil on shutdown once the current batch has
// been drained.
func (c *Consumer) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxInterval = c.opts.BackoffMax
	bo.MaxElapsedTime = 0
	bo.Reset()

	c.logger.Info("log consumer started")
	defer c.logger.Info("log consumer stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}
		batch, err := c.source.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			wait := bo.NextBackOff()
			c.metrics.receiveErrors.Inc()
			c.logger.Warn("stream receive failed", "error", err, "retry_in", wait)
			if !sleep(ctx, wait) {
				return nil
			}
			continue
		}
		bo.Reset()
		if len(batch) == 0 {
			continue
		}
		c.ProcessBatch(ctx, batch)
	}
}

// ProcessBatch handles a batch in order. Messages that fail are left
// uncommitted for redelivery. Cancelling ctx does not abort the batch; it keeps
// running for up to DrainTimeout.
func (c *Consumer) ProcessBatch(ctx context.Context, batch []stream.Message) {
	work, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	stop := context.AfterFunc(ctx, func() {
		time.AfterFunc(c.opts.DrainTimeout, cancel)
	})
	defer stop()

	started := c.now()
	c.heartbeat(work, batch)
	lastBeat := c.now()

	for i, msg := range batch {
		if c.now().Sub(lastBeat) >= c.opts.Heartbeat {
			c.heartbeat(work, batch[i:])
			lastBeat = c.now()
		}
		if err := c.handle(work, msg); err != nil {
			c.metrics.messages.WithLabelValues("failed").Inc()
			c.logger.Error("log event processing failed", "message_id", msg.ID, "error", err)
		}
	}
	c.metrics.batchLatency.Observe(c.now().Sub(started).Seconds())
}

func (c *Consumer) handle(ctx context.Context, msg stream.Message) error {
	event, err := stream.Decode(msg.Payload)
	if err != nil {
		c.logger.Warn("dropping undecodable log event", "message_id", msg.ID, "error", err)
		c.metrics.messages.WithLabelValues("poison").Inc()
		return c.source.Commit(ctx, msg)
	}
	logger := c.logger.With("deployment_id", event.DeploymentID, "message_id", msg.ID)

	stored, err := c.logs.Append(ctx, event.DeploymentID, event.ProjectID, event.Log)
	if err != nil {
		return err
	}

	lifecycle, kind, err := c.applyVerdict(ctx, event)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidTransition):
			logger.Debug("deployment already terminal", "error", err)
		case errors.Is(err, domain.ErrNotFound):
			logger.Warn("log event for unknown deployment")
		default:
			return err
		}
	}

	if err := c.logs.Broadcast(ctx, stored); err != nil {
		return err
	}
	if lifecycle != nil {
		if err := c.logs.BroadcastLifecycle(ctx, kind, *lifecycle); err != nil {
			return err
		}
		c.metrics.transitions.WithLabelValues(string(lifecycle.State)).Inc()
	}

	if err := c.source.Commit(ctx, msg); err != nil {
		return err
	}
	c.metrics.messages.WithLabelValues("processed").Inc()
	return nil
}

func (c *Consumer) applyVerdict(ctx context.Context, event stream.LogEvent) (*domain.Deployment, string, error) {
	verdict := c.detector.Detect(event)
	if verdict == VerdictNone {
		return nil, "", nil
	}
	reason := "log: " + truncate(strings.TrimSpace(event.Log), maxReasonLength)
	c.logger.Info("terminal log line detected", "deployment_id", event.DeploymentID, "verdict", verdict.String())
	switch verdict {
	case VerdictReady:
		dep, err := c.deployments.Complete(ctx, event.DeploymentID, reason)
		return dep, logs.EventDeploymentComplete, err
	case VerdictFail:
		dep, err := c.deployments.Fail(ctx, event.DeploymentID, reason)
		return dep, logs.EventDeploymentFailed, err
	default:
		return nil, "", nil
	}
}

// heartbeat keeps only the messages still ahead in the current batch alive;
// earlier failures are left to lapse so the broker redelivers them.
func (c *Consumer) heartbeat(ctx context.Context, pending []stream.Message) {
	ids := make([]string, len(pending))
	for i, msg := range pending {
		ids[i] = msg.ID
	}
	if err := c.source.Heartbeat(ctx, ids); err != nil {
		c.logger.Warn("stream heartbeat failed", "error", err)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
