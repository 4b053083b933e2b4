package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Publishing loop metrics
	cyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reel_publisher_cycles_total",
			Help: "Total number of scheduler cycles by outcome",
		},
		[]string{"outcome"},
	)

	publishDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "reel_publisher_publish_duration_seconds",
			Help:    "Duration of platform publish calls in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300},
		},
	)

	optimizerDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reel_publisher_optimizer_decisions_total",
			Help: "Total number of optimizer evaluations by decision",
		},
		[]string{"decision"},
	)

	intervalSeconds = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "reel_publisher_interval_seconds",
			Help: "Current strategy posting interval in seconds",
		},
	)

	paused = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "reel_publisher_paused",
			Help: "1 while the scheduler waits for manual action",
		},
	)

	postedArtifacts = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "reel_publisher_posted_artifacts",
			Help: "Number of artifacts in the posted set",
		},
	)

	// Attribution metrics
	linksMintedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reel_publisher_links_minted_total",
			Help: "Total number of tracking links minted",
		},
		[]string{"product", "result"},
	)

	clicksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reel_publisher_clicks_total",
			Help: "Total number of resolved tracking link clicks",
		},
		[]string{"product"},
	)

	inboxMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reel_publisher_inbox_messages_total",
			Help: "Total number of inbound messages by result",
		},
		[]string{"result"},
	)

	// HTTP metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reel_publisher_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reel_publisher_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

// RecordCycle records the outcome of one scheduler cycle
func RecordCycle(outcome string) {
	cyclesTotal.WithLabelValues(outcome).Inc()
}

// RecordPublishDuration records how long a publish call took
func RecordPublishDuration(d time.Duration) {
	publishDuration.Observe(d.Seconds())
}

// RecordOptimizerDecision records one optimizer evaluation
func RecordOptimizerDecision(decision string) {
	optimizerDecisionsTotal.WithLabelValues(decision).Inc()
}

// SetInterval sets the current strategy interval
func SetInterval(d time.Duration) {
	intervalSeconds.Set(d.Seconds())
}

// SetPaused sets the paused gauge
func SetPaused(p bool) {
	if p {
		paused.Set(1)
		return
	}
	paused.Set(0)
}

// SetPostedArtifacts sets the posted set size
func SetPostedArtifacts(n int) {
	postedArtifacts.Set(float64(n))
}

// RecordLinkMinted records a mint attempt
func RecordLinkMinted(product string, ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	linksMintedTotal.WithLabelValues(product, result).Inc()
}

// RecordClick records a resolved click
func RecordClick(product string) {
	clicksTotal.WithLabelValues(product).Inc()
}

// RecordInboxMessage records how an inbound message was handled
func RecordInboxMessage(result string) {
	inboxMessagesTotal.WithLabelValues(result).Inc()
}

// RecordHTTPRequest records one served request
func RecordHTTPRequest(method, route string, status int, d time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// MetricsHandler returns the Prometheus metrics handler
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
