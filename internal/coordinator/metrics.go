package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/powersync/tabsync/pkg/monitoring"
)

// Metrics holds the Prometheus instrumentation for the coordinator's
// connection and election activity, the coordinator's equivalent of the
// teacher's HubConnections/HubMessages/MessageDeliveryLag trio
// (api_realtime/internal/metrics, wired through api_realtime/internal/websocket/hub.go).
type Metrics struct {
	ActiveRunners    prometheus.Gauge
	ConnectedClients *prometheus.GaugeVec
	ElectionsTotal   *prometheus.CounterVec
	ElectionDuration prometheus.Histogram
}

// NewMetrics registers coordinator metrics against collector.
func NewMetrics(collector *monitoring.MetricsCollector) *Metrics {
	runners := collector.NewGauge("active_runners", "Number of live sync runners", nil)
	clients := collector.NewGauge("connected_clients", "Number of connected tabs per database", []string{"database"})
	elections := collector.NewCounter("elections_total", "Host elections by outcome", []string{"database", "outcome"})
	electionDuration := collector.NewHistogram("election_duration_seconds", "Time spent electing a host", nil, nil)

	return &Metrics{
		ActiveRunners:    runners.WithLabelValues(),
		ConnectedClients: clients,
		ElectionsTotal:   elections,
		ElectionDuration: electionDuration.WithLabelValues(),
	}
}
