package delivery

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposed by the delivery hot path.
type Metrics struct {
	// FramesSent counts notification frames written to WebSockets,
	// including retransmits.
	FramesSent prometheus.Counter

	// ConfirmationsReceived counts application-level acknowledgements
	// received from clients.
	ConfirmationsReceived prometheus.Counter

	// DedupRejects counts duplicate or stale updates dropped by the
	// deduplication engine.
	DedupRejects prometheus.Counter
}

// NewMetrics registers the delivery collectors on the provided registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FramesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ws_delivery_frames_sent_total",
			Help: "Notification frames written to WebSockets, including retransmits.",
		}),
		ConfirmationsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ws_delivery_confirmations_received_total",
			Help: "Application-level acknowledgements received from clients.",
		}),
		DedupRejects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ws_delivery_dedup_rejects_total",
			Help: "Duplicate or stale updates dropped by the deduplication engine.",
		}),
	}
	reg.MustRegister(m.FramesSent, m.ConfirmationsReceived, m.DedupRejects)
	return m
}
