// Package metrics bundles the gateway's domain metrics on top of the
// shared monitoring collector.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/OpenCanoeTiming/c123-server-sub000/pkg/monitoring"
)

// Metrics holds the gateway-specific instruments. HTTP request metrics are
// handled by the monitoring middleware; these cover the timing pipeline.
type Metrics struct {
	FramesReceived  *prometheus.CounterVec // source: tcp|udp|file
	DecodeErrors    *prometheus.CounterVec // source
	RecordsApplied  *prometheus.CounterVec // kind
	MessagesSent    *prometheus.CounterVec // type
	Subscribers     *prometheus.GaugeVec
	SnapshotVersion *prometheus.GaugeVec
	SourceUp        *prometheus.GaugeVec // source
	XMLParses       *prometheus.CounterVec
	XMLChanges      *prometheus.CounterVec // section
	PublishAttempts *prometheus.CounterVec // outcome: ok|error|skipped
}

// New registers the gateway instruments on the collector's registry.
func New(mc *monitoring.MetricsCollector) *Metrics {
	return &Metrics{
		FramesReceived:  mc.NewCounter("frames_received_total", "Frames received from timing sources", []string{"source"}),
		DecodeErrors:    mc.NewCounter("decode_errors_total", "Frames that failed to decode", []string{"source"}),
		RecordsApplied:  mc.NewCounter("records_applied_total", "Decoded records applied to event state", []string{"kind"}),
		MessagesSent:    mc.NewCounter("messages_sent_total", "Envelopes delivered to subscribers", []string{"type"}),
		Subscribers:     mc.NewGauge("subscribers", "Connected websocket subscribers", nil),
		SnapshotVersion: mc.NewGauge("snapshot_version", "Version of the current event state snapshot", nil),
		SourceUp:        mc.NewGauge("source_up", "Source connection state (1 connected, 0 otherwise)", []string{"source"}),
		XMLParses:       mc.NewCounter("xml_parses_total", "Full parses of the XML database file", nil),
		XMLChanges:      mc.NewCounter("xml_changes_total", "Detected XML database section changes", []string{"section"}),
		PublishAttempts: mc.NewCounter("publish_attempts_total", "External publisher delivery attempts", []string{"outcome"}),
	}
}
