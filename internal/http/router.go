// Package httpx exposes the control-plane API: projects, deployments, build
// callbacks, stored logs and live log streaming.
package httpx

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/splax/peep/internal/domain"
	"github.com/splax/peep/internal/service/deploy"
	"github.com/splax/peep/internal/service/logs"
	"github.com/splax/peep/internal/service/project"
	"github.com/splax/peep/internal/stream"
	"github.com/splax/peep/internal/ws"
)

const (
	rateWindowDefault     = time.Minute
	rateWindowRealtime    = 30 * time.Second
	rateLimitWrite        = 60
	rateLimitRead         = 120
	rateLimitRealtime     = 30
	rateLimitBuilderWrite = 600
	rateLimitTrigger      = 20
	healthCheckTimeout    = 2 * time.Second
	maxIngestBody         = 64 << 10
)

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(context.Context) error

// Services groups the domain services the router exposes.
type Services struct {
	Projects project.Service
	Deploy   *deploy.Service
	Logs     logs.Service
	Hub      *ws.Hub
	// Ingest receives build log events posted over HTTP. Nil disables POST /logs.
	Ingest stream.Producer
}

// Options tunes router behaviour.
type Options struct {
	BuilderToken     string
	SubscriberBuffer int
	SSEHeartbeat     time.Duration
	Health           map[string]HealthCheck
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux      *http.ServeMux
	logger   *slog.Logger
	svc      Services
	opts     Options
	upgrader websocket.Upgrader
	limiter  RateLimiter
	metrics  *routerMetrics
}

// NewRouter assembles routes with dependencies. A nil limiter falls back to
// an in-memory one.
func NewRouter(logger *slog.Logger, svc Services, limiter RateLimiter, opts Options) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	opts.BuilderToken = strings.TrimSpace(opts.BuilderToken)
	r := &Router{
		mux:    http.NewServeMux(),
		logger: logger.With("component", "http"),
		svc:    svc,
		opts:   opts,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter: limiter,
		metrics: newRouterMetrics(),
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit("/healthz", r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/projects", r.audit("/projects", r.withRateLimit("/projects", r.handleProjects)))
	r.mux.HandleFunc("/projects/", r.audit("/projects/{id}", r.withRateLimit("/projects/{id}", r.handleProject)))
	r.mux.HandleFunc("/deploy/", r.audit("/deploy/{projectID}", r.withRateLimit("/deploy/{projectID}", r.handleDeploy)))
	r.mux.HandleFunc("/deployments/", r.audit("/deployments/{id}", r.handleDeployment))
	r.mux.HandleFunc("/logs", r.audit("/logs", r.handleIngest))
	r.mux.HandleFunc("/logs/", r.audit("/logs/{deploymentID}", r.withRateLimit("/logs/{deploymentID}", r.handleLogs)))
	r.mux.HandleFunc("/ws/logs", r.audit("/ws/logs", r.withRateLimit("/ws/logs", r.handleLogsWS)))
	r.mux.HandleFunc("/sse/logs", r.audit("/sse/logs", r.withRateLimit("/sse/logs", r.handleLogsSSE)))
}

func (r *Router) handleProjects(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload project.CreateInput
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	proj, err := r.svc.Projects.Create(req.Context(), payload)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, proj)
}

func (r *Router) handleProject(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	projectID := strings.TrimPrefix(req.URL.Path, "/projects/")
	if projectID == "" || strings.Contains(projectID, "/") {
		r.notFound(w)
		return
	}
	proj, err := r.svc.Projects.Get(req.Context(), projectID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, proj)
}

func (r *Router) handleDeploy(w http.ResponseWriter, req *http.Request) {
	projectID := strings.TrimPrefix(req.URL.Path, "/deploy/")
	if projectID == "" || strings.Contains(projectID, "/") {
		r.notFound(w)
		return
	}
	switch req.Method {
	case http.MethodPost:
		deployment, err := r.svc.Deploy.Trigger(req.Context(), projectID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, deployment)
	case http.MethodGet:
		limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
		deployments, err := r.svc.Deploy.ListByProject(req.Context(), projectID, limit)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, deployments)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleDeployment(w http.ResponseWriter, req *http.Request) {
	parts := strings.Split(strings.TrimPrefix(req.URL.Path, "/deployments/"), "/")
	deploymentID := parts[0]
	if deploymentID == "" {
		r.notFound(w)
		return
	}
	switch {
	case len(parts) == 1:
		if req.Method != http.MethodGet {
			r.methodNotAllowed(w)
			return
		}
		deployment, err := r.svc.Deploy.Get(req.Context(), deploymentID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, deployment)
	case len(parts) == 2 && parts[1] == "state":
		if r.allow(w, "/deployments/{id}/state", deploymentID) {
			r.handleDeploymentState(w, req, deploymentID)
		}
	default:
		r.notFound(w)
	}
}

// handleDeploymentState lets a build report its own lifecycle explicitly.
func (r *Router) handleDeploymentState(w http.ResponseWriter, req *http.Request, deploymentID string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if !r.verifyBuilderToken(w, req) {
		return
	}
	var payload struct {
		State  domain.DeploymentState `json:"state"`
		Reason string                 `json:"reason"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	target := domain.DeploymentState(strings.ToUpper(strings.TrimSpace(string(payload.State))))
	if !target.Valid() {
		writeError(w, http.StatusBadRequest, "unknown state")
		return
	}

	var (
		deployment *domain.Deployment
		err        error
	)
	switch target {
	case domain.StateReady:
		deployment, err = r.svc.Deploy.Complete(req.Context(), deploymentID, payload.Reason)
	default:
		deployment, err = r.svc.Deploy.Advance(req.Context(), deploymentID, target, payload.Reason)
	}
	if err != nil {
		writeServiceError(w, err)
		return
	}
	switch deployment.State {
	case domain.StateReady:
		_ = r.svc.Logs.BroadcastLifecycle(req.Context(), logs.EventDeploymentComplete, *deployment)
	case domain.StateFail:
		_ = r.svc.Logs.BroadcastLifecycle(req.Context(), logs.EventDeploymentFailed, *deployment)
	}
	writeJSON(w, http.StatusOK, deployment)
}

func (r *Router) handleLogs(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	deploymentID := strings.TrimPrefix(req.URL.Path, "/logs/")
	if deploymentID == "" || strings.Contains(deploymentID, "/") {
		r.notFound(w)
		return
	}
	if _, err := r.svc.Deploy.Get(req.Context(), deploymentID); err != nil {
		writeServiceError(w, err)
		return
	}
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 100
	}
	offset, _ := strconv.Atoi(req.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}
	entries, err := r.svc.Logs.List(req.Context(), deploymentID, limit, offset)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if entries == nil {
		entries = []domain.LogEvent{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// handleIngest appends a build log event to the stream on behalf of builds
// that cannot reach the broker directly.
func (r *Router) handleIngest(w http.ResponseWriter, req *http.Request) {
	if r.svc.Ingest == nil {
		r.notFound(w)
		return
	}
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if !r.verifyBuilderToken(w, req) {
		return
	}
	body, err := io.ReadAll(io.LimitReader(req.Body, maxIngestBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read body")
		return
	}
	event, err := stream.Decode(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !r.allow(w, "/logs", event.DeploymentID) {
		return
	}
	payload, err := stream.Encode(event)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := r.svc.Ingest.Publish(req.Context(), payload); err != nil {
		r.logger.Error("log ingest publish failed", "deployment_id", event.DeploymentID, "error", err)
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (r *Router) handleLogsWS(w http.ResponseWriter, req *http.Request) {
	deploymentID := strings.TrimSpace(req.URL.Query().Get("deployment_id"))
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger, r.opts.SubscriberBuffer)
	if deploymentID != "" {
		r.svc.Hub.Subscribe(client, deploymentID)
	}
	go client.ReadLoop(r.svc.Hub)
}

func (r *Router) handleLogsSSE(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	deploymentID := strings.TrimSpace(req.URL.Query().Get("deployment_id"))
	if deploymentID == "" {
		writeError(w, http.StatusBadRequest, "deployment_id query parameter required")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	client := ws.NewSSEClient(w, flusher, r.logger, r.opts.SubscriberBuffer)
	r.svc.Hub.Subscribe(client, deploymentID)
	client.Serve(req.Context(), r.svc.Hub, r.opts.SSEHeartbeat)
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any, len(r.opts.Health))
	status := "ok"
	for name, check := range r.opts.Health {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		err := check(ctx)
		cancel()
		if err != nil {
			status = "degraded"
			components[name] = map[string]any{"status": "down", "error": err.Error()}
			continue
		}
		components[name] = map[string]any{"status": "up"}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)
		r.metrics.recordRequest(req.Method, route, status, duration)

		actor := "anonymous"
		if req.Header.Get("X-Builder-Token") != "" {
			actor = "builder"
		}
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
			"actor", actor,
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

// verifyBuilderToken ensures builder calls include the configured secret.
func (r *Router) verifyBuilderToken(w http.ResponseWriter, req *http.Request) bool {
	expected := r.opts.BuilderToken
	if expected == "" {
		r.logger.Error("builder token not configured", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "builder authentication misconfigured")
		return false
	}
	token := strings.TrimSpace(req.Header.Get("X-Builder-Token"))
	if len(token) != len(expected) || subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
		r.logger.Warn("builder token mismatch", "path", req.URL.Path)
		writeError(w, http.StatusUnauthorized, "invalid builder token")
		return false
	}
	return true
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
