// Package metrics exposes prometheus instrumentation for the signaling edge
// and the room census.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nullcore1024/RTCPilot/internal/room"
)

// Collector defines the interface for metrics collection
type Collector interface {
	// Signaling metrics
	SignalingRequest(method string)
	SignalingNotificationSent(method string)
	SignalingError(method, errorType string)
	ClientConnected()
	ClientDisconnected()

	// Census metrics
	SetCensus(rooms int, stats room.Stats)

	// Handler returns an HTTP handler for the metrics endpoint
	Handler() http.Handler
}

// CensusSource is the census the collector polls; the room manager
// implements it.
type CensusSource interface {
	Count() int
	Census() room.Stats
}

// PrometheusCollector implements the Collector interface using Prometheus
type PrometheusCollector struct {
	activeClients prometheus.Gauge
	requests      *prometheus.CounterVec
	notifications *prometheus.CounterVec
	errors        *prometheus.CounterVec

	rooms      prometheus.Gauge
	users      prometheus.Gauge
	pushers    prometheus.Gauge
	pullers    prometheus.Gauge
	sendRelays prometheus.Gauge
	recvRelays prometheus.Gauge
}

// NewPrometheusCollector creates a new PrometheusCollector
func NewPrometheusCollector() *PrometheusCollector {
	return &PrometheusCollector{
		activeClients: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "rtc_active_signaling_clients",
			Help: "Number of active signaling WebSocket clients",
		}),
		requests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rtc_signaling_requests_total",
				Help: "Total number of signaling requests received",
			},
			[]string{"method"},
		),
		notifications: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rtc_signaling_notifications_total",
				Help: "Total number of signaling notifications sent",
			},
			[]string{"method"},
		),
		errors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rtc_signaling_errors_total",
				Help: "Total number of signaling request errors",
			},
			[]string{"method", "error_type"},
		),
		rooms: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "rtc_rooms",
			Help: "Number of live rooms",
		}),
		users: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "rtc_users",
			Help: "Number of participants across all rooms",
		}),
		pushers: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "rtc_pushers",
			Help: "Number of published tracks across all rooms",
		}),
		pullers: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "rtc_pullers",
			Help: "Number of subscriptions across all rooms",
		}),
		sendRelays: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "rtc_send_relays",
			Help: "Number of outbound inter-instance relays",
		}),
		recvRelays: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "rtc_recv_relays",
			Help: "Number of inbound inter-instance relays",
		}),
	}
}

// SignalingRequest records one inbound signaling request
func (c *PrometheusCollector) SignalingRequest(method string) {
	c.requests.WithLabelValues(method).Inc()
}

// SignalingNotificationSent records one outbound notification
func (c *PrometheusCollector) SignalingNotificationSent(method string) {
	c.notifications.WithLabelValues(method).Inc()
}

// SignalingError records one failed signaling request
func (c *PrometheusCollector) SignalingError(method, errorType string) {
	c.errors.WithLabelValues(method, errorType).Inc()
}

// ClientConnected records one signaling connection
func (c *PrometheusCollector) ClientConnected() {
	c.activeClients.Inc()
}

// ClientDisconnected records one signaling disconnection
func (c *PrometheusCollector) ClientDisconnected() {
	c.activeClients.Dec()
}

// SetCensus publishes the room census gauges
func (c *PrometheusCollector) SetCensus(rooms int, stats room.Stats) {
	c.rooms.Set(float64(rooms))
	c.users.Set(float64(stats.Users))
	c.pushers.Set(float64(stats.Pushers))
	c.pullers.Set(float64(stats.Pullers))
	c.sendRelays.Set(float64(stats.SendRelays))
	c.recvRelays.Set(float64(stats.RecvRelays))
}

// Handler returns an HTTP handler for the metrics endpoint
func (c *PrometheusCollector) Handler() http.Handler {
	return promhttp.Handler()
}

// PollCensus refreshes the census gauges from src every interval until stop
// closes.
func PollCensus(c Collector, src CensusSource, interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.SetCensus(src.Count(), src.Census())
		}
	}
}

// Nop discards all metrics, for tests and for wiring without prometheus.
type Nop struct{}

func (Nop) SignalingRequest(string)          {}
func (Nop) SignalingNotificationSent(string) {}
func (Nop) SignalingError(string, string)    {}
func (Nop) ClientConnected()                 {}
func (Nop) ClientDisconnected()              {}
func (Nop) SetCensus(int, room.Stats)        {}
func (Nop) Handler() http.Handler            { return promhttp.Handler() }
