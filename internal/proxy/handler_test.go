package proxy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/splax/peep/internal/domain"
	"github.com/splax/peep/internal/repository/memory"
	"github.com/splax/peep/internal/service/resolver"
)

type resolverStub struct {
	targets map[string]resolver.Target
	err     error
	mu      sync.Mutex
	calls   []string
}

func (r *resolverStub) Resolve(_ context.Context, subdomain string) (resolver.Target, error) {
	r.mu.Lock()
	r.calls = append(r.calls, subdomain)
	r.mu.Unlock()
	if r.err != nil {
		return resolver.Target{}, r.err
	}
	target, ok := r.targets[subdomain]
	if !ok {
		return resolver.Target{}, resolver.ErrProjectNotFound
	}
	return target, nil
}

type upstreamRecorder struct {
	mu    sync.Mutex
	paths []string
	hosts []string
}

func (u *upstreamRecorder) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.mu.Lock()
		u.paths = append(u.paths, r.URL.RequestURI())
		u.hosts = append(u.hosts, r.Host)
		u.mu.Unlock()
		w.Header().Set("X-Upstream", "storage")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "content:"+r.URL.Path)
	})
}

func newTestHandler(t *testing.T, res Resolver) *Handler {
	t.Helper()
	h, err := New(res, slog.New(slog.NewTextHandler(io.Discard, nil)), Options{UpstreamTimeout: time.Second})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return h
}

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse %q: %v", raw, err)
	}
	return u
}

func TestSubdomain(t *testing.T) {
	cases := map[string]string{
		"demo-abc123.localhost:8000": "demo-abc123",
		"demo.peep.dev":              "demo",
		"bare":                       "bare",
		"":                           "",
	}
	for in, want := range cases {
		if got := Subdomain(in); got != want {
			t.Errorf("Subdomain(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestProxyForwardsToStorage(t *testing.T) {
	rec := &upstreamRecorder{}
	upstream := httptest.NewServer(rec.handler())
	defer upstream.Close()

	res := &resolverStub{targets: map[string]resolver.Target{
		"demo": {ProjectID: "p1", DeploymentID: "d1", URL: mustURL(t, upstream.URL+"/peep-outputs/__outputs/p1")},
	}}
	h := newTestHandler(t, res)

	cases := []struct {
		path string
		want string
	}{
		{"/", "/peep-outputs/__outputs/p1/index.html"},
		{"/assets/app.js?v=2", "/peep-outputs/__outputs/p1/assets/app.js?v=2"},
		{"/about/", "/peep-outputs/__outputs/p1/about/"},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "http://demo.localhost:8000"+tc.path, nil)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", tc.path, w.Code)
		}
		if w.Header().Get("X-Upstream") != "storage" {
			t.Fatalf("%s: expected upstream headers to be forwarded", tc.path)
		}
	}
	for i, tc := range cases {
		if rec.paths[i] != tc.want {
			t.Errorf("request %d forwarded to %q, want %q", i, rec.paths[i], tc.want)
		}
	}
	if want := strings.TrimPrefix(upstream.URL, "http://"); rec.hosts[0] != want {
		t.Fatalf("expected upstream host %q, got %q", want, rec.hosts[0])
	}
	if len(res.calls) != len(cases) {
		t.Fatalf("expected resolution on every request, got %d calls", len(res.calls))
	}
}

func TestProxyUnknownSubdomainServesNotFoundPage(t *testing.T) {
	h := newTestHandler(t, &resolverStub{})
	req := httptest.NewRequest(http.MethodGet, "http://ghost.localhost/", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Fatalf("expected html page, got %q", ct)
	}
	if !strings.Contains(w.Body.String(), "ghost.localhost") {
		t.Fatalf("expected host in page, got %s", w.Body.String())
	}
}

func TestProxyNoLiveDeploymentServesNotFoundPage(t *testing.T) {
	h := newTestHandler(t, &resolverStub{err: resolver.ErrNoLiveDeployment})
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "http://demo.localhost/", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestProxyLedgerFailureServesErrorPage(t *testing.T) {
	h := newTestHandler(t, &resolverStub{err: errors.New("connection reset")})
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "http://demo.localhost/", nil))
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
}

func TestProxyTransportFailureServesErrorPage(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	target := mustURL(t, upstream.URL+"/__outputs/p1")
	upstream.Close()

	h := newTestHandler(t, &resolverStub{targets: map[string]resolver.Target{"demo": {ProjectID: "p1", URL: target}}})
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "http://demo.localhost/index.html", nil))
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "<h1>500</h1>") {
		t.Fatalf("expected error page, got %s", w.Body.String())
	}
}

func TestProxyFollowsRedeployment(t *testing.T) {
	rec := &upstreamRecorder{}
	upstream := httptest.NewServer(rec.handler())
	defer upstream.Close()

	ctx := context.Background()
	repo := memory.New()
	if err := repo.CreateProject(ctx, &domain.Project{ID: "p1", Name: "demo", RepoURL: "r", Subdomain: "demo-x1y2z3"}); err != nil {
		t.Fatalf("create project: %v", err)
	}
	res, err := resolver.New(repo, repo, upstream.URL+"/bucket/__outputs", resolver.LayoutDeployment)
	if err != nil {
		t.Fatalf("resolver.New: %v", err)
	}
	h := newTestHandler(t, res)

	serve := func() int {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "http://demo-x1y2z3.localhost/", nil))
		return w.Code
	}
	if code := serve(); code != http.StatusNotFound {
		t.Fatalf("expected 404 before any READY deployment, got %d", code)
	}

	base := time.Date(2025, time.June, 1, 10, 0, 0, 0, time.UTC)
	for i, id := range []string{"d1", "d2"} {
		created := base.Add(time.Duration(i) * time.Minute)
		if err := repo.CreateDeployment(ctx, &domain.Deployment{ID: id, ProjectID: "p1", State: domain.StateQueued, CreatedAt: created, UpdatedAt: created}); err != nil {
			t.Fatalf("create deployment: %v", err)
		}
		for _, step := range []struct{ from, to domain.DeploymentState }{
			{domain.StateQueued, domain.StateInProgress},
			{domain.StateInProgress, domain.StateReady},
		} {
			if err := repo.UpdateDeploymentState(ctx, domain.DeploymentStateUpdate{DeploymentID: id, From: step.from, To: step.to, UpdatedAt: created}); err != nil {
				t.Fatalf("advance %s: %v", id, err)
			}
		}
		if code := serve(); code != http.StatusOK {
			t.Fatalf("expected 200 after %s, got %d", id, code)
		}
	}
	want := []string{"/bucket/__outputs/d1/index.html", "/bucket/__outputs/d2/index.html"}
	for i := range want {
		if rec.paths[i] != want[i] {
			t.Fatalf("request %d forwarded to %q, want %q", i, rec.paths[i], want[i])
		}
	}
}

func TestAdminHandler(t *testing.T) {
	healthy := AdminHandler(nil)
	w := httptest.NewRecorder()
	healthy.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	down := AdminHandler(func(context.Context) error { return errors.New("db down") })
	w = httptest.NewRecorder()
	down.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}

	newTestHandler(t, &resolverStub{})
	w = httptest.NewRecorder()
	healthy.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(w.Body.String(), "peep_proxy_requests_total") {
		t.Fatalf("expected proxy metrics to be exported")
	}
}
