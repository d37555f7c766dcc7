package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the broadcast bridge.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal       prometheus.Counter
	errorsTotal         prometheus.Counter
	platformReadsTotal  prometheus.Counter
	cacheHitsTotal      prometheus.Counter
	rateLimitWaitsTotal prometheus.Counter
	framesTotal         prometheus.Counter
	framesSkippedTotal  prometheus.Counter
	timelapseFrames     prometheus.Counter
	encoderExitsTotal   prometheus.Counter

	pollingIdle      prometheus.Gauge
	activeTimelapses prometheus.Gauge
}

// New creates and registers Prometheus metrics on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "printcast_http_requests_total",
		Help: "Total number of HTTP requests received",
	})
	errorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "printcast_http_errors_total",
		Help: "Total number of HTTP responses with error status (4xx or 5xx)",
	})
	platformReadsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "printcast_platform_reads_total",
		Help: "Total number of upstream platform API reads issued",
	})
	cacheHitsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "printcast_polling_cache_hits_total",
		Help: "Total number of platform reads served from the response cache",
	})
	rateLimitWaitsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "printcast_polling_rate_limit_waits_total",
		Help: "Total number of platform reads delayed by the token bucket",
	})
	framesTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "printcast_mjpeg_frames_total",
		Help: "Total number of complete JPEG frames extracted from the source",
	})
	framesSkippedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "printcast_mjpeg_frames_skipped_total",
		Help: "Total number of partial or oversize frames discarded",
	})
	timelapseFrames := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "printcast_timelapse_frames_written_total",
		Help: "Total number of frames persisted by time-lapse sinks",
	})
	encoderExitsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "printcast_encoder_exits_total",
		Help: "Total number of encoder process exits",
	})
	pollingIdle := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "printcast_polling_idle",
		Help: "1 when the polling manager is in idle mode, 0 otherwise",
	})
	activeTimelapses := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "printcast_timelapse_active_sessions",
		Help: "Number of time-lapse sessions currently accepting frames",
	})

	registry.MustRegister(
		requestsTotal,
		errorsTotal,
		platformReadsTotal,
		cacheHitsTotal,
		rateLimitWaitsTotal,
		framesTotal,
		framesSkippedTotal,
		timelapseFrames,
		encoderExitsTotal,
		pollingIdle,
		activeTimelapses,
	)

	return &Metrics{
		registry:            registry,
		requestsTotal:       requestsTotal,
		errorsTotal:         errorsTotal,
		platformReadsTotal:  platformReadsTotal,
		cacheHitsTotal:      cacheHitsTotal,
		rateLimitWaitsTotal: rateLimitWaitsTotal,
		framesTotal:         framesTotal,
		framesSkippedTotal:  framesSkippedTotal,
		timelapseFrames:     timelapseFrames,
		encoderExitsTotal:   encoderExitsTotal,
		pollingIdle:         pollingIdle,
		activeTimelapses:    activeTimelapses,
	}
}

// IncRequests increments the total HTTP request counter.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

// IncErrors increments the HTTP error counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

// IncPlatformReads increments the upstream read counter.
func (m *Metrics) IncPlatformReads() {
	m.platformReadsTotal.Inc()
}

// IncCacheHits increments the response cache hit counter.
func (m *Metrics) IncCacheHits() {
	m.cacheHitsTotal.Inc()
}

// IncRateLimitWaits increments the token-bucket wait counter.
func (m *Metrics) IncRateLimitWaits() {
	m.rateLimitWaitsTotal.Inc()
}

// IncFrames increments the extracted frame counter.
func (m *Metrics) IncFrames() {
	m.framesTotal.Inc()
}

// IncFramesSkipped increments the discarded frame counter.
func (m *Metrics) IncFramesSkipped() {
	m.framesSkippedTotal.Inc()
}

// IncTimelapseFrames increments the persisted time-lapse frame counter.
func (m *Metrics) IncTimelapseFrames() {
	m.timelapseFrames.Inc()
}

// IncEncoderExits increments the encoder exit counter.
func (m *Metrics) IncEncoderExits() {
	m.encoderExitsTotal.Inc()
}

// SetPollingIdle sets the idle-mode gauge.
func (m *Metrics) SetPollingIdle(idle bool) {
	if idle {
		m.pollingIdle.Set(1)
	} else {
		m.pollingIdle.Set(0)
	}
}

// SetActiveTimelapses sets the active time-lapse session gauge.
func (m *Metrics) SetActiveTimelapses(n int) {
	m.activeTimelapses.Set(float64(n))
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
