// Package metrics provides Prometheus instrumentation for the Unspoken
// relay. It exposes gauges for connection and room counts, counters for
// frame throughput, and a histogram for relay latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "unspoken_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// UsersOnline tracks the number of logged-in users on this instance.
	UsersOnline = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "unspoken_users_online",
		Help: "Current number of logged-in users on this instance",
	})

	// OpenRooms tracks the number of rooms created by this instance and not
	// yet closed.
	OpenRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "unspoken_open_rooms",
		Help: "Current number of open rooms created by this instance",
	})

	// FramesTotal counts processed frames, labeled by action tag.
	FramesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "unspoken_frames_total",
		Help: "Total number of frames processed",
	}, []string{"action"})

	// RelayLatency records the time from receiving a frame to handing its
	// forwarded form to the delivery path.
	RelayLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "unspoken_relay_latency_seconds",
		Help:    "Frame relay latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// DeliveryFailures counts frames that could not be written to the
	// recipient's connection.
	DeliveryFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "unspoken_delivery_failures_total",
		Help: "Total number of frames dropped on delivery",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		UsersOnline,
		OpenRooms,
		FramesTotal,
		RelayLatency,
		DeliveryFailures,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
