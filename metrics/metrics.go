package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RoomsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mapsync_rooms_active",
			Help: "Number of rooms currently held by the registry",
		},
	)

	ClientsConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mapsync_clients_connected",
			Help: "Number of open websocket connections",
		},
	)

	MessagesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mapsync_messages_received_total",
			Help: "Inbound messages handled, by message type",
		},
		[]string{"type"},
	)

	MessagesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mapsync_messages_dropped_total",
			Help: "Inbound messages dropped, by reason",
		},
		[]string{"reason"},
	)

	ChangesApplied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mapsync_changes_applied_total",
			Help: "Feature/annotation changes accepted by the registry, by action",
		},
		[]string{"action"},
	)

	BroadcastsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mapsync_broadcasts_total",
			Help: "Room fan-out operations performed",
		},
	)
)

func init() {
	prometheus.MustRegister(RoomsActive)
	prometheus.MustRegister(ClientsConnected)
	prometheus.MustRegister(MessagesReceived)
	prometheus.MustRegister(MessagesDropped)
	prometheus.MustRegister(ChangesApplied)
	prometheus.MustRegister(BroadcastsTotal)
}

// Handler serves the prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
