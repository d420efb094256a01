// Package metrics provides Prometheus metrics for the hubb client engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Command metrics
	commandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hubb_commands_total",
			Help: "Total number of commands executed against the remote store",
		},
		[]string{"verb", "status"},
	)

	commandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hubb_command_duration_seconds",
			Help:    "Round trip plus apply time of a command in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"verb"},
	)

	batchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hubb_batch_size",
			Help:    "Number of child commands carried by a batch request",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64},
		},
	)

	// Event bus metrics
	eventsDispatchedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hubb_events_dispatched_total",
			Help: "Total events dispatched on the bus",
		},
		[]string{"event"},
	)

	listenerFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hubb_event_listener_failures_total",
			Help: "Total listener callbacks that returned an error or panicked",
		},
		[]string{"event"},
	)

	// Download metrics
	downloadPollsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hubb_download_polls_total",
			Help: "Total progress polls issued for downloads, by reported state",
		},
		[]string{"state"},
	)

	downloadsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hubb_downloads_active",
			Help: "Number of downloads currently being polled",
		},
	)

	// Tree metrics
	treeNodes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hubb_tree_nodes",
			Help: "Number of nodes in the local mirror tree",
		},
	)

	// Transport metrics
	transportRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hubb_transport_requests_total",
			Help: "Total HTTP requests issued by the transport",
		},
		[]string{"status"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordCommand records a finished command.
func RecordCommand(verb string, duration time.Duration, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	commandsTotal.WithLabelValues(verb, status).Inc()
	commandDuration.WithLabelValues(verb).Observe(duration.Seconds())
}

// RecordBatchSize records the number of children in a submitted batch.
func RecordBatchSize(n int) {
	batchSize.Observe(float64(n))
}

// RecordEventDispatch records one dispatch pass and its failed listeners.
func RecordEventDispatch(event string, failures int) {
	eventsDispatchedTotal.WithLabelValues(event).Inc()
	if failures > 0 {
		listenerFailuresTotal.WithLabelValues(event).Add(float64(failures))
	}
}

// RecordDownloadPoll records a progress poll result.
func RecordDownloadPoll(state string) {
	downloadPollsTotal.WithLabelValues(state).Inc()
}

// AddDownloadsActive adjusts the active download gauge.
func AddDownloadsActive(delta int) {
	downloadsActive.Add(float64(delta))
}

// SetTreeNodes sets the current local tree size.
func SetTreeNodes(count int) {
	treeNodes.Set(float64(count))
}

// RecordTransportRequest records an HTTP request by outcome.
func RecordTransportRequest(status string) {
	transportRequestsTotal.WithLabelValues(status).Inc()
}
