package proxy

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	resultProxied  = "proxied"
	resultNotFound = "not_found"
	resultError    = "error"
)

type proxyMetrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func newProxyMetrics() *proxyMetrics {
	m := &proxyMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "peep",
			Subsystem: "proxy",
			Name:      "requests_total",
			Help:      "Requests handled by the edge proxy by outcome",
		}, []string{"result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "peep",
			Subsystem: "proxy",
			Name:      "request_duration_seconds",
			Help:      "Edge proxy latency including resolution",
			Buckets:   prometheus.DefBuckets,
		}, []string{"result"}),
	}
	if err := prometheus.Register(m.requests); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			m.requests = are.ExistingCollector.(*prometheus.CounterVec)
		}
	}
	if err := prometheus.Register(m.duration); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			m.duration = are.ExistingCollector.(*prometheus.HistogramVec)
		}
	}
	for _, result := range []string{resultProxied, resultNotFound, resultError} {
		m.requests.WithLabelValues(result)
	}
	return m
}

func (m *proxyMetrics) observe(result string, d time.Duration) {
	m.requests.WithLabelValues(result).Inc()
	m.duration.WithLabelValues(result).Observe(d.Seconds())
}

// AdminHandler serves /healthz and /metrics for the proxy's admin listener.
// health may be nil.
func AdminHandler(health func(context.Context) error) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if health != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := health(ctx); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(`{"status":"degraded"}`))
				return
			}
		}
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}
