package ws

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type hubMetrics struct {
	subscribers prometheus.Gauge
	published   prometheus.Counter
	dropped     prometheus.Counter
}

var (
	hubMetricsOnce sync.Once
	sharedHub      *hubMetrics
)

func newHubMetrics() *hubMetrics {
	hubMetricsOnce.Do(func() {
		m := &hubMetrics{
			subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "peep",
				Subsystem: "hub",
				Name:      "subscriptions",
				Help:      "Current channel subscriptions across all connections",
			}),
			published: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "peep",
				Subsystem: "hub",
				Name:      "publish_total",
				Help:      "Number of payloads published to channels",
			}),
			dropped: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "peep",
				Subsystem: "hub",
				Name:      "dropped_subscribers_total",
				Help:      "Subscribers removed after a failed send",
			}),
		}
		m.subscribers = registerOrExisting(m.subscribers).(prometheus.Gauge)
		m.published = registerOrExisting(m.published).(prometheus.Counter)
		m.dropped = registerOrExisting(m.dropped).(prometheus.Counter)
		sharedHub = m
	})
	return sharedHub
}

func registerOrExisting(c prometheus.Collector) prometheus.Collector {
	if err := prometheus.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return are.ExistingCollector
		}
	}
	return c
}
