package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the Prometheus metrics of the sync service. Each collector
// owns its registry so tests can build as many as they like. All methods are
// safe on a nil receiver, which disables metrics.
type Collector struct {
	registry *prometheus.Registry

	// HTTP metrics
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	// Gateway metrics
	ActiveConnections prometheus.Gauge
	ActiveRooms       prometheus.Gauge
	Rejections        *prometheus.CounterVec
	EventsBroadcast   *prometheus.CounterVec
	EventsDelivered   prometheus.Counter
	EventsDropped     prometheus.Counter
	TransportFailures prometheus.Counter

	// Concurrency metrics
	MutationsCommitted *prometheus.CounterVec
	StaleVersions      *prometheus.CounterVec

	// Client metrics
	Reconciliations *prometheus.CounterVec
}

// NewCollector creates a collector whose metric names are prefixed by namespace.
func NewCollector(namespace string) *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_active_connections",
			Help:      "Number of open websocket connections",
		}),
		ActiveRooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "presence_active_rooms",
			Help:      "Number of rooms with at least one joined connection",
		}),
		Rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_handshake_rejections_total",
			Help:      "Websocket handshakes rejected before upgrade",
		}, []string{"reason"}),
		EventsBroadcast: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_broadcast_total",
			Help:      "Envelopes fanned out to a room",
		}, []string{"kind"}),
		EventsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_enqueued_total",
			Help:      "Envelopes placed on a connection outbound queue",
		}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Queued envelopes discarded because an outbound queue was full",
		}),
		TransportFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_failures_total",
			Help:      "Sends skipped because the connection was gone",
		}),
		MutationsCommitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mutations_committed_total",
			Help:      "Mutations committed through the version check",
		}, []string{"kind"}),
		StaleVersions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_version_conflicts_total",
			Help:      "Mutations rejected because the client version was stale",
		}, []string{"kind"}),
		Reconciliations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciliations_total",
			Help:      "Client snapshot refetches by outcome",
		}, []string{"outcome"}),
	}

	c.registry.MustRegister(
		c.HTTPRequests, c.HTTPDuration,
		c.ActiveConnections, c.ActiveRooms, c.Rejections,
		c.EventsBroadcast, c.EventsDelivered, c.EventsDropped, c.TransportFailures,
		c.MutationsCommitted, c.StaleVersions,
		c.Reconciliations,
	)
	return c
}

// Handler serves the collector's registry.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func (c *Collector) RecordHTTP(method, route string, status int, d time.Duration) {
	if c == nil {
		return
	}
	c.HTTPRequests.WithLabelValues(method, route, http.StatusText(status)).Inc()
	c.HTTPDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

func (c *Collector) ConnectionOpened() {
	if c != nil {
		c.ActiveConnections.Inc()
	}
}

func (c *Collector) ConnectionClosed() {
	if c != nil {
		c.ActiveConnections.Dec()
	}
}

func (c *Collector) SetActiveRooms(n int) {
	if c != nil {
		c.ActiveRooms.Set(float64(n))
	}
}

func (c *Collector) HandshakeRejected(reason string) {
	if c != nil {
		c.Rejections.WithLabelValues(reason).Inc()
	}
}

// Broadcast records one fan-out and its per-connection outcome.
func (c *Collector) Broadcast(kind string, delivered, dropped, failed int) {
	if c == nil {
		return
	}
	c.EventsBroadcast.WithLabelValues(kind).Inc()
	c.Delivery(delivered, dropped, failed)
}

// Delivery records the outcome of queueing envelopes on connections.
func (c *Collector) Delivery(delivered, dropped, failed int) {
	if c == nil {
		return
	}
	c.EventsDelivered.Add(float64(delivered))
	c.EventsDropped.Add(float64(dropped))
	c.TransportFailures.Add(float64(failed))
}

func (c *Collector) MutationCommitted(kind string) {
	if c != nil {
		c.MutationsCommitted.WithLabelValues(kind).Inc()
	}
}

func (c *Collector) StaleVersion(kind string) {
	if c != nil {
		c.StaleVersions.WithLabelValues(kind).Inc()
	}
}

// Reconciliation counts one refetch. outcome is applied, failed or superseded.
func (c *Collector) Reconciliation(outcome string) {
	if c != nil {
		c.Reconciliations.WithLabelValues(outcome).Inc()
	}
}
