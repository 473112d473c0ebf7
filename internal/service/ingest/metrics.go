package ingest

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type consumerMetrics struct {
	messages      *prometheus.CounterVec
	transitions   *prometheus.CounterVec
	receiveErrors prometheus.Counter
	batchLatency  prometheus.Histogram
}

var (
	metricsOnce sync.Once
	metrics     *consumerMetrics
)

func newConsumerMetrics() *consumerMetrics {
	metricsOnce.Do(func() {
		m := &consumerMetrics{
			messages: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "peep",
				Subsystem: "ingest",
				Name:      "messages_total",
				Help:      "Stream messages handled by outcome",
			}, []string{"result"}),
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "peep",
				Subsystem: "ingest",
				Name:      "transitions_total",
				Help:      "Terminal deployment transitions derived from logs",
			}, []string{"state"}),
			receiveErrors: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "peep",
				Subsystem: "ingest",
				Name:      "receive_errors_total",
				Help:      "Failed stream reads",
			}),
			batchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "peep",
				Subsystem: "ingest",
				Name:      "batch_duration_seconds",
				Help:      "Time spent processing one stream batch",
				Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			}),
		}
		collectors := []prometheus.Collector{m.messages, m.transitions, m.receiveErrors, m.batchLatency}
		for _, collector := range collectors {
			if err := prometheus.Register(collector); err != nil {
				var are prometheus.AlreadyRegisteredError
				if !errors.As(err, &are) {
					continue
				}
				switch existing := are.ExistingCollector.(type) {
				case *prometheus.CounterVec:
					if collector == m.messages {
						m.messages = existing
					} else {
						m.transitions = existing
					}
				case prometheus.Histogram:
					m.batchLatency = existing
				case prometheus.Counter:
					m.receiveErrors = existing
				}
			}
		}
		metrics = m
	})
	return metrics
}
