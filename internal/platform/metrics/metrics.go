package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the camera recording server.
type Metrics struct {
	registry               *prometheus.Registry
	requestsTotal          prometheus.Counter
	packetsIngestedTotal   prometheus.Counter
	packetsDroppedTotal    prometheus.Counter
	segmentsFinalizedTotal prometheus.Counter
	eventRecordingsTotal   prometheus.Counter
	eventsDispatchedTotal  prometheus.Counter
	duplicateEventsTotal   prometheus.Counter
	activeCameras          prometheus.Gauge
	connectedCameras       prometheus.Gauge
	errorsTotal            prometheus.Counter
}

// New creates and registers Prometheus metrics for the recording server.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nvr_requests_total",
		Help: "Total number of HTTP requests received",
	})
	packetsIngestedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nvr_packets_ingested_total",
		Help: "Total number of packets read from camera streams",
	})
	packetsDroppedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nvr_packets_dropped_total",
		Help: "Total number of packets dropped at consumer queues",
	})
	segmentsFinalizedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nvr_segments_finalized_total",
		Help: "Total number of continuous segments finalized",
	})
	eventRecordingsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nvr_event_recordings_total",
		Help: "Total number of event recordings finalized",
	})
	eventsDispatchedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nvr_events_dispatched_total",
		Help: "Total number of external events dispatched to a camera",
	})
	duplicateEventsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nvr_duplicate_events_total",
		Help: "Total number of external events suppressed as duplicates",
	})
	activeCameras := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "nvr_active_cameras",
		Help: "Number of camera pipelines currently registered",
	})
	connectedCameras := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "nvr_connected_cameras",
		Help: "Number of camera pipelines with a live stream connection",
	})
	errorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nvr_errors_total",
		Help: "Total number of HTTP responses with error status (4xx or 5xx)",
	})

	registry.MustRegister(
		requestsTotal,
		packetsIngestedTotal,
		packetsDroppedTotal,
		segmentsFinalizedTotal,
		eventRecordingsTotal,
		eventsDispatchedTotal,
		duplicateEventsTotal,
		activeCameras,
		connectedCameras,
		errorsTotal,
	)

	return &Metrics{
		registry:               registry,
		requestsTotal:          requestsTotal,
		packetsIngestedTotal:   packetsIngestedTotal,
		packetsDroppedTotal:    packetsDroppedTotal,
		segmentsFinalizedTotal: segmentsFinalizedTotal,
		eventRecordingsTotal:   eventRecordingsTotal,
		eventsDispatchedTotal:  eventsDispatchedTotal,
		duplicateEventsTotal:   duplicateEventsTotal,
		activeCameras:          activeCameras,
		connectedCameras:       connectedCameras,
		errorsTotal:            errorsTotal,
	}
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

// AddPacketsIngested adds n to the ingested packet counter.
func (m *Metrics) AddPacketsIngested(n int) {
	m.packetsIngestedTotal.Add(float64(n))
}

// AddPacketsDropped adds n to the dropped packet counter.
func (m *Metrics) AddPacketsDropped(n int) {
	m.packetsDroppedTotal.Add(float64(n))
}

// IncSegmentsFinalized increments the finalized segment counter.
func (m *Metrics) IncSegmentsFinalized() {
	m.segmentsFinalizedTotal.Inc()
}

// IncEventRecordings increments the finalized event recording counter.
func (m *Metrics) IncEventRecordings() {
	m.eventRecordingsTotal.Inc()
}

// IncEventsDispatched increments the dispatched event counter.
func (m *Metrics) IncEventsDispatched() {
	m.eventsDispatchedTotal.Inc()
}

// IncDuplicateEvents increments the suppressed duplicate event counter.
func (m *Metrics) IncDuplicateEvents() {
	m.duplicateEventsTotal.Inc()
}

// SetActiveCameras sets the registered camera gauge.
func (m *Metrics) SetActiveCameras(n int) {
	m.activeCameras.Set(float64(n))
}

// SetConnectedCameras sets the connected camera gauge.
func (m *Metrics) SetConnectedCameras(n int) {
	m.connectedCameras.Set(float64(n))
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values
// (e.g. active and connected cameras).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
