package websocket

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// FramesReceived counts inbound frames by msg_type
var FramesReceived = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "deriv_ws_frames_received_total",
		Help: "Inbound frames by msg_type",
	},
	[]string{"msg_type"},
)

// ServerErrors counts error envelopes by msg_type and code
var ServerErrors = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "deriv_ws_server_errors_total",
		Help: "Server error envelopes by msg_type and error code",
	},
	[]string{"msg_type", "code"},
)

// Connection health
var (
	WatchdogTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "deriv_ws_watchdog_timeouts_total",
			Help: "Times the response watchdog fired with requests outstanding",
		},
	)

	SiteDownAttempts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "deriv_ws_site_down_backoff_attempts_total",
			Help: "Reconnects scheduled while website_status reported the site down",
		},
	)

	Reconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deriv_ws_reconnects_total",
			Help: "Connection re-establishments by result",
		},
		[]string{"result"},
	)

	PendingRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "deriv_ws_pending_requests",
			Help: "Requests awaiting a response",
		},
	)

	ActiveStreams = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "deriv_ws_active_streams",
			Help: "Live subscription streams",
		},
	)
)

// RegisterMetrics registers the transport collectors with reg. Collectors
// that are already registered are skipped.
func RegisterMetrics(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		FramesReceived,
		ServerErrors,
		WatchdogTimeouts,
		SiteDownAttempts,
		Reconnects,
		PendingRequests,
		ActiveStreams,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				continue
			}
			return err
		}
	}
	return nil
}
