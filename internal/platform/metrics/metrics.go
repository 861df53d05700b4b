package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus instruments for the SSAI stitcher.
type Metrics struct {
	registry               *prometheus.Registry
	requestsTotal          prometheus.Counter
	errorsTotal            prometheus.Counter
	playlistsServedTotal   prometheus.Counter
	channelsEndedTotal     prometheus.Counter
	breaksArmedTotal       prometheus.Counter
	breaksCompletedTotal   prometheus.Counter
	breaksAbortedTotal     prometheus.Counter
	decisionFallbacksTotal prometheus.Counter
	returnHoldsTotal       prometheus.Counter
	activeChannels         prometheus.Gauge
	timebaseDriftMs        *prometheus.GaugeVec
	snapErrorMs            prometheus.Histogram
}

// New creates and registers Prometheus metrics for the stitcher.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ssai_requests_total",
		Help: "Total number of HTTP requests received",
	})
	errorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ssai_errors_total",
		Help: "Total number of HTTP responses with error status (4xx or 5xx)",
	})
	playlistsServedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ssai_playlists_served_total",
		Help: "Total number of stitched playlists served",
	})
	channelsEndedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ssai_channels_ended_total",
		Help: "Total number of channels ended",
	})
	breaksArmedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ssai_breaks_armed_total",
		Help: "Total number of ad breaks armed from OUT cues",
	})
	breaksCompletedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ssai_breaks_completed_total",
		Help: "Total number of ad breaks stitched to completion",
	})
	breaksAbortedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ssai_breaks_aborted_total",
		Help: "Total number of ad breaks aborted (content played through)",
	})
	decisionFallbacksTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ssai_decision_fallbacks_total",
		Help: "Total number of breaks degraded to the slate pod",
	})
	returnHoldsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ssai_return_holds_total",
		Help: "Total number of refresh cycles spent holding RETURNING for fresh content",
	})
	activeChannels := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ssai_active_channels",
		Help: "Number of channels that are not ended",
	})
	timebaseDriftMs := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ssai_timebase_drift_ms",
		Help: "Most recent PTS-to-wallclock anchor deviation per channel",
	}, []string{"channel"})
	snapErrorMs := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ssai_snap_error_ms",
		Help:    "Distance from ideal splice time to the snapped segment boundary",
		Buckets: []float64{10, 25, 50, 100, 250, 500, 1000, 2500},
	})

	registry.MustRegister(
		requestsTotal,
		errorsTotal,
		playlistsServedTotal,
		channelsEndedTotal,
		breaksArmedTotal,
		breaksCompletedTotal,
		breaksAbortedTotal,
		decisionFallbacksTotal,
		returnHoldsTotal,
		activeChannels,
		timebaseDriftMs,
		snapErrorMs,
	)

	return &Metrics{
		registry:               registry,
		requestsTotal:          requestsTotal,
		errorsTotal:            errorsTotal,
		playlistsServedTotal:   playlistsServedTotal,
		channelsEndedTotal:     channelsEndedTotal,
		breaksArmedTotal:       breaksArmedTotal,
		breaksCompletedTotal:   breaksCompletedTotal,
		breaksAbortedTotal:     breaksAbortedTotal,
		decisionFallbacksTotal: decisionFallbacksTotal,
		returnHoldsTotal:       returnHoldsTotal,
		activeChannels:         activeChannels,
		timebaseDriftMs:        timebaseDriftMs,
		snapErrorMs:            snapErrorMs,
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

// IncPlaylistsServed increments the stitched playlists counter.
func (m *Metrics) IncPlaylistsServed() {
	m.playlistsServedTotal.Inc()
}

// IncChannelsEnded increments the channels ended counter.
func (m *Metrics) IncChannelsEnded() {
	m.channelsEndedTotal.Inc()
}

// IncBreaksArmed increments the breaks armed counter.
func (m *Metrics) IncBreaksArmed() {
	m.breaksArmedTotal.Inc()
}

// IncBreaksCompleted increments the breaks completed counter.
func (m *Metrics) IncBreaksCompleted() {
	m.breaksCompletedTotal.Inc()
}

// IncBreaksAborted increments the breaks aborted counter.
func (m *Metrics) IncBreaksAborted() {
	m.breaksAbortedTotal.Inc()
}

// IncDecisionFallbacks increments the slate fallback counter.
func (m *Metrics) IncDecisionFallbacks() {
	m.decisionFallbacksTotal.Inc()
}

// IncReturnHolds increments the held-RETURNING cycle counter.
func (m *Metrics) IncReturnHolds() {
	m.returnHoldsTotal.Inc()
}

// SetActiveChannels sets the active channels gauge.
func (m *Metrics) SetActiveChannels(n int) {
	m.activeChannels.Set(float64(n))
}

// SetTimebaseDrift records the latest drift sample for a channel.
func (m *Metrics) SetTimebaseDrift(channel string, ms float64) {
	m.timebaseDriftMs.WithLabelValues(channel).Set(ms)
}

// ObserveSnapError records one resolved splice point's snap error.
func (m *Metrics) ObserveSnapError(ms float64) {
	m.snapErrorMs.Observe(ms)
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values (e.g.
// active channels).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
