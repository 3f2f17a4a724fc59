// Package observability holds the Prometheus collectors and the
// OpenTelemetry tracer provider used by the HTTP service.
package observability

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sbl8/superablate/core"
)

const metricsNamespace = "superablate"

// Metrics counts controller operations.
type Metrics struct {
	// OperationsTotal counts operations by name and outcome.
	OperationsTotal *prometheus.CounterVec
	// OperationSeconds is the latency of each operation.
	OperationSeconds *prometheus.HistogramVec
	// LayerEditsTotal counts weight matrices rewritten.
	LayerEditsTotal prometheus.Counter
	// CachedBatches is the number of activation batches held by the controller.
	CachedBatches prometheus.Gauge

	gatherer prometheus.Gatherer
}

// NewMetrics registers the collectors with reg. A nil reg uses a fresh
// private registry.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Metrics{
		OperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "operations_total",
				Help:      "Controller operations by name and status",
			},
			[]string{"operation", "status"},
		),
		OperationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "operation_duration_seconds",
				Help:      "Controller operation latency in seconds",
				Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"operation"},
		),
		LayerEditsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "layer_edits_total",
				Help:      "Layer edits written through the controller",
			},
		),
		CachedBatches: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "cached_batches",
				Help:      "Activation batches held in the controller cache",
			},
		),
		gatherer: reg,
	}
}

// Status classifies err for the status label.
func Status(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, core.ErrPrecondition):
		return "precondition"
	case errors.Is(err, core.ErrShapeMismatch):
		return "shape_mismatch"
	case errors.Is(err, core.ErrConfiguration):
		return "configuration"
	default:
		return "error"
	}
}

// Observe records one operation that began at start.
func (m *Metrics) Observe(operation string, start time.Time, err error) {
	m.OperationsTotal.WithLabelValues(operation, Status(err)).Inc()
	m.OperationSeconds.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
