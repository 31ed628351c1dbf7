// Package metrics holds the Prometheus instruments for a chat session.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "peerchat"

// Session groups the instruments of one session channel and its controller.
// A nil *Session is valid and records nothing.
type Session struct {
	FramesReceived  *prometheus.CounterVec
	FramesDiscarded prometheus.Counter
	CommandsSent    *prometheus.CounterVec
	CommandsDropped *prometheus.CounterVec
	CommandFailures *prometheus.CounterVec
	ConnectionState prometheus.Gauge
}

// NewSession creates the instruments and registers them with reg when reg is non-nil.
func NewSession(reg prometheus.Registerer) *Session {
	s := &Session{
		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Inbound frames decoded, by frame type.",
		}, []string{"type"}),
		FramesDiscarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_discarded_total",
			Help:      "Inbound frames that could not be decoded.",
		}),
		CommandsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_sent_total",
			Help:      "Commands written to the connection, by action.",
		}, []string{"action"}),
		CommandsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_dropped_total",
			Help:      "Commands dropped because the connection was not open, by action.",
		}, []string{"action"}),
		CommandFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "command_failures_total",
			Help:      "Responses reporting success=false, by action.",
		}, []string{"action"}),
		ConnectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "Current connection state (0 closed, 1 connecting, 2 open).",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			s.FramesReceived,
			s.FramesDiscarded,
			s.CommandsSent,
			s.CommandsDropped,
			s.CommandFailures,
			s.ConnectionState,
		)
	}
	return s
}

func (s *Session) FrameReceived(frameType string) {
	if s == nil {
		return
	}
	s.FramesReceived.WithLabelValues(frameType).Inc()
}

func (s *Session) FrameDiscarded() {
	if s == nil {
		return
	}
	s.FramesDiscarded.Inc()
}

func (s *Session) CommandSent(action string) {
	if s == nil {
		return
	}
	s.CommandsSent.WithLabelValues(action).Inc()
}

func (s *Session) CommandDropped(action string) {
	if s == nil {
		return
	}
	s.CommandsDropped.WithLabelValues(action).Inc()
}

func (s *Session) CommandFailed(action string) {
	if s == nil {
		return
	}
	s.CommandFailures.WithLabelValues(action).Inc()
}

func (s *Session) SetConnectionState(v int) {
	if s == nil {
		return
	}
	s.ConnectionState.Set(float64(v))
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
