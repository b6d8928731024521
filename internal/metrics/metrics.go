// Package metrics registers the Prometheus instruments exported by the
// egress layer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the egress Prometheus instruments.
type Metrics struct {
	// Buffer metrics, labeled by stream kind ("audio"/"video").
	BufferFill    *prometheus.GaugeVec
	FramesWritten *prometheus.CounterVec
	FramesDropped *prometheus.CounterVec

	// Sink metrics.
	BytesSent    prometheus.Counter
	SendRateMbps prometheus.Gauge
	SinkOpens    prometheus.Counter
	SinkErrors   prometheus.Counter
}

// New creates and registers all metrics on reg. Pass
// prometheus.DefaultRegisterer outside of tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		BufferFill: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "egress_buffer_fill_ratio",
			Help: "Current buffer occupancy over capacity (0.0-1.0)",
		}, []string{"kind"}),
		FramesWritten: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "egress_frames_written_total",
			Help: "Frames successfully written to the sink",
		}, []string{"kind"}),
		FramesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "egress_frames_dropped_total",
			Help: "Frames rejected at offer time",
		}, []string{"kind"}),
		BytesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "egress_bytes_sent_total",
			Help: "Payload bytes accepted by the transport",
		}),
		SendRateMbps: factory.NewGauge(prometheus.GaugeOpts{
			Name: "egress_send_rate_mbps",
			Help: "Last computed transport send rate in Mbps",
		}),
		SinkOpens: factory.NewCounter(prometheus.CounterOpts{
			Name: "egress_sink_opens_total",
			Help: "Successful sink open operations",
		}),
		SinkErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "egress_sink_errors_total",
			Help: "Transport failures that terminated a session",
		}),
	}
}
