package observability

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registerOnce sync.Once

	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "capturectl",
			Subsystem: "conn",
			Name:      "state_transitions_total",
			Help:      "Connection state transitions raised by the connection manager.",
		},
		[]string{"state"},
	)
	framesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "capturectl",
			Subsystem: "conn",
			Name:      "frames_received_total",
			Help:      "Response frames received, by response type.",
		},
		[]string{"type"},
	)
	commandsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "capturectl",
			Subsystem: "conn",
			Name:      "commands_sent_total",
			Help:      "Command frames written, by message type and outcome.",
		},
		[]string{"type", "success"},
	)
	bytesTransferred = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "capturectl",
			Subsystem: "conn",
			Name:      "bytes_total",
			Help:      "Wire bytes moved, by direction.",
		},
		[]string{"direction"},
	)
	framesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "capturectl",
			Subsystem: "conn",
			Name:      "frames_dropped_total",
			Help:      "Frames consumed but not delivered, by reason.",
		},
		[]string{"reason"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(stateTransitions, framesReceived, commandsSent, bytesTransferred, framesDropped)
	})
}

// Handler serves the default registry for the CLI's --metrics-addr.
func Handler() http.Handler {
	RegisterMetrics()
	return promhttp.Handler()
}

func RecordStateTransition(state string) {
	RegisterMetrics()
	stateTransitions.WithLabelValues(state).Inc()
}

func RecordFrameReceived(responseType string, wireBytes int) {
	RegisterMetrics()
	framesReceived.WithLabelValues(responseType).Inc()
	bytesTransferred.WithLabelValues("in").Add(float64(wireBytes))
}

func RecordCommandSent(messageType string, wireBytes int, success bool) {
	RegisterMetrics()
	label := "false"
	if success {
		label = "true"
		bytesTransferred.WithLabelValues("out").Add(float64(wireBytes))
	}
	commandsSent.WithLabelValues(messageType, label).Inc()
}

func RecordFrameDropped(reason string) {
	RegisterMetrics()
	framesDropped.WithLabelValues(reason).Inc()
}
