package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	UpdatesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workload_source_updates_received_total",
			Help: "Total number of Workload API updates received",
		},
		[]string{"type"},
	)

	UpdatesRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workload_source_updates_rejected_total",
			Help: "Total number of Workload API updates dropped without replacing the published snapshot",
		},
		[]string{"type", "reason"},
	)

	StreamReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workload_source_stream_reconnects_total",
			Help: "Total number of stream reconnect attempts scheduled",
		},
		[]string{"type"},
	)

	RetriesExhausted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workload_source_retries_exhausted_total",
			Help: "Total number of sources that ran out of reconnect attempts",
		},
		[]string{"type"},
	)

	ConnectionStatus = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "workload_source_connection_status",
			Help: "Workload API stream status (1 = streaming, 0 = disconnected)",
		},
	)

	SVIDNotAfter = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "workload_source_svid_not_after_seconds",
			Help: "Expiry of the default X509-SVID as a unix timestamp",
		},
		[]string{"spiffe_id"},
	)

	SnapshotsWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workload_sink_snapshots_written_total",
			Help: "Total number of identity snapshots persisted to disk",
		},
		[]string{"status"},
	)
)

// RecordUpdateReceived counts a successfully decoded and published update.
func RecordUpdateReceived(updateType string) {
	UpdatesReceived.WithLabelValues(updateType).Inc()
}

// RecordUpdateRejected counts a dropped update; the previous snapshot stays.
func RecordUpdateRejected(updateType, reason string) {
	UpdatesRejected.WithLabelValues(updateType, reason).Inc()
}

// RecordReconnect counts a scheduled stream reconnect.
func RecordReconnect(updateType string) {
	StreamReconnects.WithLabelValues(updateType).Inc()
}

// RecordRetriesExhausted counts a source whose retry budget ran out.
func RecordRetriesExhausted(updateType string) {
	RetriesExhausted.WithLabelValues(updateType).Inc()
}

// SetConnected flips the connection status gauge.
func SetConnected(connected bool) {
	if connected {
		ConnectionStatus.Set(1)
		return
	}
	ConnectionStatus.Set(0)
}
