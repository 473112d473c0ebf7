package httpx

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
)

func TestRateKeyScopes(t *testing.T) {
	cases := []struct {
		name  string
		route string
		path  string
		want  string
	}{
		{"project trigger", "/deploy/{projectID}", "/deploy/p1", "/deploy/{projectID}|project:p1"},
		{"other project", "/deploy/{projectID}", "/deploy/p2", "/deploy/{projectID}|project:p2"},
		{"state callback", "/deployments/{id}/state", "/deployments/d1/state", "/deployments/{id}/state|deployment:d1"},
		{"project list", "/projects", "/projects", "/projects|ip:10.0.0.1"},
		{"project read", "/projects/{id}", "/projects/p1", "/projects/{id}|ip:10.0.0.1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.path, nil)
			req.RemoteAddr = "10.0.0.1:5123"
			scope := rateRules[tc.route].scope
			if got := rateKey(tc.route, scope, rateSubject(scope, req)); got != tc.want {
				t.Fatalf("rateKey = %q, want %q", got, tc.want)
			}
		})
	}
	if got := rateKey("/logs", scopeDeployment, " "); got != "/logs|deployment:unknown" {
		t.Fatalf("expected unknown subject, got %q", got)
	}
}

func TestTriggerBudgetIsPerProject(t *testing.T) {
	env := newTestRouter(t)
	proj := env.createProject(t)

	for i := 0; i < rateLimitTrigger; i++ {
		if rec := env.do(http.MethodPost, "/deploy/"+proj.ID, nil); rec.Code == http.StatusTooManyRequests {
			t.Fatalf("trigger %d limited too early", i)
		}
	}
	rec := env.do(http.MethodPost, "/deploy/"+proj.ID, nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 once the project budget is spent, got %d", rec.Code)
	}
	if rec := env.do(http.MethodPost, "/deploy/other", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected another project to keep its budget, got %d", rec.Code)
	}
	if rec := env.do(http.MethodGet, "/projects/"+proj.ID, nil); rec.Code != http.StatusOK {
		t.Fatalf("expected reads to keep their budget, got %d", rec.Code)
	}
}

func TestRedisRateLimiterFixedWindow(t *testing.T) {
	srv, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer srv.Close()
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})

	rl, err := NewRedisRateLimiter(t.Context(), client, nil)
	if err != nil {
		t.Fatalf("NewRedisRateLimiter: %v", err)
	}
	defer rl.Close()

	key := rateKey("/deploy/{projectID}", scopeProject, "p1")
	for i := 1; i <= 2; i++ {
		d := rl.Allow(key, 2, time.Minute)
		if !d.allowed || d.count != i {
			t.Fatalf("request %d: unexpected decision %+v", i, d)
		}
	}
	if d := rl.Allow(key, 2, time.Minute); d.allowed || d.count != 3 {
		t.Fatalf("third request should be limited, got %+v", d)
	}
	if ttl := srv.TTL("peep:ratelimit:" + key); ttl <= 0 || ttl > time.Minute {
		t.Fatalf("expected the window expiry set once, got %s", ttl)
	}
	if d := rl.Allow(rateKey("/deploy/{projectID}", scopeProject, "p2"), 2, time.Minute); !d.allowed {
		t.Fatalf("another project should have its own window")
	}

	srv.FastForward(time.Minute + time.Second)
	if d := rl.Allow(key, 2, time.Minute); !d.allowed || d.count != 1 {
		t.Fatalf("expected a fresh window, got %+v", d)
	}
}

func TestRedisRateLimiterFailsOpen(t *testing.T) {
	srv, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: srv.Addr(), MaxRetries: -1})
	rl, err := NewRedisRateLimiter(t.Context(), client, nil)
	if err != nil {
		t.Fatalf("NewRedisRateLimiter: %v", err)
	}
	defer rl.Close()
	srv.Close()

	if d := rl.Allow("k", 1, time.Minute); !d.allowed {
		t.Fatalf("expected fail-open decision, got %+v", d)
	}
}
