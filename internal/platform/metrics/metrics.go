package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the media server.
type Metrics struct {
	registry               *prometheus.Registry
	requestsTotal          prometheus.Counter
	errorsTotal            prometheus.Counter
	activeSessions         prometheus.Gauge
	segmentsAcceptedTotal  prometheus.Counter
	gapsBackfilledTotal    prometheus.Counter
	fetchTimeoutsTotal     prometheus.Counter
	thumbnailsTotal        prometheus.Counter
	transcoderRetriesTotal prometheus.Counter
}

// New creates and registers Prometheus metrics for the media server.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hls_requests_total",
		Help: "Total number of HTTP requests received",
	})
	errorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hls_errors_total",
		Help: "Total number of HTTP responses with error status (4xx or 5xx)",
	})
	activeSessions := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "hls_active_sessions",
		Help: "Number of live publishing sessions",
	})
	segmentsAcceptedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hls_segments_accepted_total",
		Help: "Total number of segments accepted into rendition manifests",
	})
	gapsBackfilledTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hls_gaps_backfilled_total",
		Help: "Total number of missing segments synthesized as placeholders",
	})
	fetchTimeoutsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hls_fetch_timeouts_total",
		Help: "Total number of blocking manifest fetches that timed out",
	})
	thumbnailsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hls_thumbnails_written_total",
		Help: "Total number of session thumbnails captured",
	})
	transcoderRetriesTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hls_transcoder_retries_total",
		Help: "Total number of hardware to software transcoder fallbacks",
	})

	registry.MustRegister(
		requestsTotal,
		errorsTotal,
		activeSessions,
		segmentsAcceptedTotal,
		gapsBackfilledTotal,
		fetchTimeoutsTotal,
		thumbnailsTotal,
		transcoderRetriesTotal,
	)

	return &Metrics{
		registry:               registry,
		requestsTotal:          requestsTotal,
		errorsTotal:            errorsTotal,
		activeSessions:         activeSessions,
		segmentsAcceptedTotal:  segmentsAcceptedTotal,
		gapsBackfilledTotal:    gapsBackfilledTotal,
		fetchTimeoutsTotal:     fetchTimeoutsTotal,
		thumbnailsTotal:        thumbnailsTotal,
		transcoderRetriesTotal: transcoderRetriesTotal,
	}
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

// SetActiveSessions sets the active sessions gauge.
func (m *Metrics) SetActiveSessions(n int) {
	m.activeSessions.Set(float64(n))
}

// IncSegmentsAccepted increments the accepted segments counter.
func (m *Metrics) IncSegmentsAccepted() {
	m.segmentsAcceptedTotal.Inc()
}

// IncGapsBackfilled increments the backfilled placeholders counter.
func (m *Metrics) IncGapsBackfilled() {
	m.gapsBackfilledTotal.Inc()
}

// IncFetchTimeouts increments the fetch timeout counter.
func (m *Metrics) IncFetchTimeouts() {
	m.fetchTimeoutsTotal.Inc()
}

// IncThumbnails increments the thumbnails written counter.
func (m *Metrics) IncThumbnails() {
	m.thumbnailsTotal.Inc()
}

// IncTranscoderRetries increments the hardware fallback counter.
func (m *Metrics) IncTranscoderRetries() {
	m.transcoderRetriesTotal.Inc()
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values (e.g. active sessions).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
