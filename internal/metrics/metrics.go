// Package metrics defines the Prometheus collectors exported by the
// daemon.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	EventsObserved = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "argosd_events_observed_total",
		Help: "Syscall events accepted into windows.",
	})
	EventsOutOfOrder = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "argosd_events_out_of_order_total",
		Help: "Syscall events rejected for timestamp regression.",
	})
	WindowsSealed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "argosd_windows_sealed_total",
		Help: "Windows sealed by the windowing engine.",
	})
	WindowsProcessed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "argosd_windows_processed_total",
		Help: "Windows scored by the processing stage.",
	})
	WindowErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "argosd_window_errors_total",
		Help: "Windows whose feature extraction or scoring failed.",
	})
	Alerts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "argosd_alerts_total",
		Help: "Alerts emitted by threshold evaluation.",
	})
	QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "argosd_queue_depth",
		Help: "Sealed windows waiting for the processing stage.",
	})
	Threshold = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "argosd_alert_threshold",
		Help: "Alert threshold currently in force.",
	})
	ModelDimensions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "argosd_model_dimensions",
		Help: "Feature dimensionality of the loaded model.",
	})
	ProcessingSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "argosd_window_processing_seconds",
		Help:    "Per-window extract+vectorize+score latency.",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
	})
	Scores = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "argosd_window_scores",
		Help:    "Distribution of filtered window scores.",
		Buckets: prometheus.LinearBuckets(0, 0.05, 21),
	})
)

// MustRegister installs all collectors on the default registry. Called
// once from daemon startup.
func MustRegister() {
	prometheus.MustRegister(
		EventsObserved,
		EventsOutOfOrder,
		WindowsSealed,
		WindowsProcessed,
		WindowErrors,
		Alerts,
		QueueDepth,
		Threshold,
		ModelDimensions,
		ProcessingSeconds,
		Scores,
	)
}

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler { return promhttp.Handler() }
