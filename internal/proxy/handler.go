// Package proxy serves deployed sites: it maps the request's subdomain to the
// live build in storage and forwards the request there.
package proxy

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"html/template"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"strings"
	"time"

	"github.com/splax/peep/internal/domain"
	"github.com/splax/peep/internal/service/resolver"
)

//go:embed pages/*.html
var pageFS embed.FS

// Resolver finds the storage target for a subdomain.
type Resolver interface {
	Resolve(ctx context.Context, subdomain string) (resolver.Target, error)
}

// Options tunes the handler.
type Options struct {
	// IndexDocument replaces a bare "/" request path. Defaults to index.html.
	IndexDocument string
	// Transport forwards requests upstream. Defaults to a clone of
	// http.DefaultTransport bounded by UpstreamTimeout.
	Transport       http.RoundTripper
	UpstreamTimeout time.Duration
}

// Handler is the edge reverse proxy.
type Handler struct {
	resolver  Resolver
	index     string
	transport http.RoundTripper
	pages     *template.Template
	logger    *slog.Logger
	metrics   *proxyMetrics
}

// New builds a proxy handler.
func New(res Resolver, logger *slog.Logger, opts Options) (*Handler, error) {
	pages, err := template.ParseFS(pageFS, "pages/*.html")
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	index := strings.Trim(strings.TrimSpace(opts.IndexDocument), "/")
	if index == "" {
		index = "index.html"
	}
	transport := opts.Transport
	if transport == nil {
		base := http.DefaultTransport.(*http.Transport).Clone()
		if opts.UpstreamTimeout > 0 {
			base.ResponseHeaderTimeout = opts.UpstreamTimeout
		}
		transport = base
	}
	return &Handler{
		resolver:  res,
		index:     index,
		transport: transport,
		pages:     pages,
		logger:    logger.With("component", "proxy"),
		metrics:   newProxyMetrics(),
	}, nil
}

// ServeHTTP resolves the leftmost Host label on every request and forwards to
// the resolved storage prefix.
func (h *Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	start := time.Now()
	subdomain := Subdomain(req.Host)
	target, err := h.resolver.Resolve(req.Context(), subdomain)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			h.metrics.observe(resultNotFound, time.Since(start))
			h.renderPage(w, http.StatusNotFound, "not_found.html", req.Host)
			return
		}
		h.logger.Error("subdomain resolution failed", "subdomain", subdomain, "error", err)
		h.metrics.observe(resultError, time.Since(start))
		h.renderPage(w, http.StatusInternalServerError, "error.html", req.Host)
		return
	}

	failed := false
	rp := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target.URL)
			pr.SetXForwarded()
			if pr.In.URL.Path == "" || pr.In.URL.Path == "/" {
				pr.Out.URL.Path = strings.TrimRight(target.URL.Path, "/") + "/" + h.index
				pr.Out.URL.RawPath = ""
			}
		},
		Transport: h.transport,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			failed = true
			h.logger.Error("upstream request failed",
				"subdomain", subdomain,
				"deployment_id", target.DeploymentID,
				"path", r.URL.Path,
				"error", errors.Join(domain.ErrTransport, err),
			)
			h.renderPage(w, http.StatusInternalServerError, "error.html", req.Host)
		},
	}
	rp.ServeHTTP(w, req)

	result := resultProxied
	if failed {
		result = resultError
	}
	h.metrics.observe(result, time.Since(start))
}

func (h *Handler) renderPage(w http.ResponseWriter, status int, name, host string) {
	var buf bytes.Buffer
	if err := h.pages.ExecuteTemplate(&buf, name, map[string]string{"Host": host}); err != nil {
		h.logger.Error("render page failed", "page", name, "error", err)
		http.Error(w, http.StatusText(status), status)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}

// Subdomain returns the leftmost label of a Host header value, without port.
func Subdomain(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	label, _, _ := strings.Cut(host, ".")
	return label
}
