// Package metrics exposes the coordinator's training counters in
// Prometheus form.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Trainer struct {
	registry *prometheus.Registry

	StepsCompleted    prometheus.Counter
	GradientsReceived *prometheus.CounterVec
	ExcessDeliveries  prometheus.Counter
	ShapeMismatches   prometheus.Counter
	StepDuration      prometheus.Histogram
	ReduceDuration    prometheus.Histogram
	FirstGradLatency  prometheus.Histogram
}

func NewTrainer() *Trainer {
	t := &Trainer{
		registry: prometheus.NewRegistry(),
		StepsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gradhub_steps_completed_total",
			Help: "Training steps fully applied by the coordinator.",
		}),
		GradientsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gradhub_gradients_received_total",
			Help: "Gradient messages accepted, by layer.",
		}, []string{"layer"}),
		ExcessDeliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gradhub_excess_deliveries_total",
			Help: "Gradient messages for a layer beyond the worker count.",
		}),
		ShapeMismatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gradhub_shape_mismatches_total",
			Help: "Gradient messages dropped for carrying the wrong shape.",
		}),
		StepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gradhub_step_duration_seconds",
			Help:    "Wall time per training step.",
			Buckets: prometheus.DefBuckets,
		}),
		ReduceDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gradhub_reduce_duration_seconds",
			Help:    "Wall time spent in the aggregation rule.",
			Buckets: prometheus.DefBuckets,
		}),
		FirstGradLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gradhub_first_gradient_latency_seconds",
			Help:    "Time from posting receives to the first gradient, per step.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	t.registry.MustRegister(
		t.StepsCompleted,
		t.GradientsReceived,
		t.ExcessDeliveries,
		t.ShapeMismatches,
		t.StepDuration,
		t.ReduceDuration,
		t.FirstGradLatency,
	)
	return t
}

// Layer returns the label value for a layer index.
func Layer(l int) string { return strconv.Itoa(l) }

// Handler serves the registry in the Prometheus text format.
func (t *Trainer) Handler() http.Handler {
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}

// Serve blocks on an HTTP listener exposing /metrics.
func (t *Trainer) Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", t.Handler())
	return http.ListenAndServe(addr, mux)
}
