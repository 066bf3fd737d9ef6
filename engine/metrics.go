package engine

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes Prometheus-compatible counters/histograms for engine
// execution, adapted from its PrometheusMetrics
// (graph/metrics.go): gauge for in-flight activities, histogram for
// element latency, counters for failures and gateway decisions.
type Metrics struct {
	inflightActivities prometheus.Gauge
	elementLatency     *prometheus.HistogramVec
	taskFailures       *prometheus.CounterVec
	gatewayDecisions   *prometheus.CounterVec
	compensations      prometheus.Counter
}

var (
	sharedMetricsOnce sync.Once
	sharedMetrics     *Metrics
)

// NewMetrics registers engine metrics against the default Prometheus
// registry via promauto, matching its registration style. Registration
// happens once per process; every later call returns the same Metrics, so
// several Schedulers can coexist without a duplicate-registration panic.
func NewMetrics() *Metrics {
	sharedMetricsOnce.Do(func() { sharedMetrics = newMetrics() })
	return sharedMetrics
}

func newMetrics() *Metrics {
	return &Metrics{
		inflightActivities: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "bpmnflow",
			Name:      "inflight_activities",
			Help:      "Current number of activities executing concurrently.",
		}),
		elementLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "bpmnflow",
			Name:      "element_latency_ms",
			Help:      "Element execution duration in milliseconds.",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000, 60000},
		}, []string{"element_type", "status"}),
		taskFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bpmnflow",
			Name:      "task_failures_total",
			Help:      "Cumulative task execution failures.",
		}, []string{"element_id", "category"}),
		gatewayDecisions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bpmnflow",
			Name:      "gateway_decisions_total",
			Help:      "Cumulative gateway path decisions.",
		}, []string{"gateway_id", "outcome"}),
		compensations: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "bpmnflow",
			Name:      "compensations_fired_total",
			Help:      "Cumulative compensation handlers fired.",
		}),
	}
}

func (m *Metrics) observeElement(elementType, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.elementLatency.WithLabelValues(elementType, status).Observe(float64(d.Milliseconds()))
}

func (m *Metrics) recordFailure(elementID string, category error) {
	if m == nil {
		return
	}
	m.taskFailures.WithLabelValues(elementID, category.Error()).Inc()
}

func (m *Metrics) recordGateway(gatewayID, outcome string) {
	if m == nil {
		return
	}
	m.gatewayDecisions.WithLabelValues(gatewayID, outcome).Inc()
}
