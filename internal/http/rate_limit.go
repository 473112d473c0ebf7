package httpx

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

const rateLimiterSweepInterval = 5 * time.Minute

// Rate limit scopes. A request's subject is its client address, the project
// in its path, or the deployment it reports for.
const (
	scopeIP         = "ip"
	scopeProject    = "project"
	scopeDeployment = "deployment"
)

// rateRule is the budget of one route.
type rateRule struct {
	limit  int
	window time.Duration
	scope  string
}

// rateRules holds every limited route. Triggers count per project and build
// callbacks per deployment.
var rateRules = map[string]rateRule{
	"/projects":               {limit: rateLimitWrite, window: rateWindowDefault, scope: scopeIP},
	"/projects/{id}":          {limit: rateLimitRead, window: rateWindowDefault, scope: scopeIP},
	"/deploy/{projectID}":     {limit: rateLimitTrigger, window: rateWindowDefault, scope: scopeProject},
	"/deployments/{id}/state": {limit: rateLimitBuilderWrite, window: rateWindowDefault, scope: scopeDeployment},
	"/logs":                   {limit: rateLimitBuilderWrite, window: rateWindowDefault, scope: scopeDeployment},
	"/logs/{deploymentID}":    {limit: rateLimitRead, window: rateWindowDefault, scope: scopeIP},
	"/ws/logs":                {limit: rateLimitRealtime, window: rateWindowRealtime, scope: scopeIP},
	"/sse/logs":               {limit: rateLimitRealtime, window: rateWindowRealtime, scope: scopeIP},
}

// RateLimiter counts requests per key in fixed windows.
type RateLimiter interface {
	Allow(key string, limit int, window time.Duration) rateDecision
	Close()
}

type rateDecision struct {
	allowed   bool
	count     int
	windowEnd time.Time
}

// memoryRateLimiter keeps windows in process. Expired windows are swept
// lazily from Allow.
type memoryRateLimiter struct {
	mu        sync.Mutex
	windows   map[string]rateDecision
	nextSweep time.Time
	now       func() time.Time
}

// NewMemoryRateLimiter returns a process-local limiter.
func NewMemoryRateLimiter() RateLimiter {
	return &memoryRateLimiter{
		windows: make(map[string]rateDecision),
		now:     time.Now,
	}
}

func (rl *memoryRateLimiter) Allow(key string, limit int, window time.Duration) rateDecision {
	if limit <= 0 {
		return rateDecision{allowed: true}
	}
	if window <= 0 {
		window = time.Minute
	}
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if now.After(rl.nextSweep) {
		for k, w := range rl.windows {
			if now.After(w.windowEnd) {
				delete(rl.windows, k)
			}
		}
		rl.nextSweep = now.Add(rateLimiterSweepInterval)
	}

	w, ok := rl.windows[key]
	if !ok || now.After(w.windowEnd) {
		w = rateDecision{windowEnd: now.Add(window)}
	}
	if w.count >= limit {
		return rateDecision{allowed: false, count: w.count, windowEnd: w.windowEnd}
	}
	w.count++
	w.allowed = true
	rl.windows[key] = w
	return w
}

func (rl *memoryRateLimiter) Close() {}

// withRateLimit applies the route's rule, taking the subject from the request.
func (r *Router) withRateLimit(route string, next http.HandlerFunc) http.HandlerFunc {
	scope := rateRules[route].scope
	return func(w http.ResponseWriter, req *http.Request) {
		if r.allow(w, route, rateSubject(scope, req)) {
			next(w, req)
		}
	}
}

// allow charges one request against route's budget for subject and writes the
// 429 response when it is exhausted.
func (r *Router) allow(w http.ResponseWriter, route, subject string) bool {
	rule, ok := rateRules[route]
	if !ok || rule.limit <= 0 || r.limiter == nil {
		return true
	}
	decision := r.limiter.Allow(rateKey(route, rule.scope, subject), rule.limit, rule.window)
	applyRateHeaders(w, rule.limit, decision)
	if !decision.allowed {
		r.metrics.recordRateLimitHit(route, rule.scope)
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return false
	}
	return true
}

// rateKey namespaces counters by route so routes never share a budget.
func rateKey(route, scope, subject string) string {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		subject = "unknown"
	}
	return route + "|" + scope + ":" + subject
}

// rateSubject extracts the subject for path-scoped rules from the second path
// segment (/deploy/{projectID}, /deployments/{id}/state).
func rateSubject(scope string, req *http.Request) string {
	switch scope {
	case scopeProject, scopeDeployment:
		parts := strings.Split(strings.Trim(req.URL.Path, "/"), "/")
		if len(parts) >= 2 {
			return parts[1]
		}
		return ""
	default:
		return clientIP(req)
	}
}

func applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	if limit <= 0 {
		return
	}
	remaining := limit - decision.count
	if remaining < 0 {
		remaining = 0
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.windowEnd.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		if ip := strings.TrimSpace(strings.Split(forwarded, ",")[0]); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}
