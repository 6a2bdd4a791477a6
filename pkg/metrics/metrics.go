package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Counters
	RequestCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sbus_requests_total",
		Help: "The total number of S-Bus requests issued per connection and command",
	}, []string{"connection", "command", "status"})

	RetryCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sbus_retries_total",
		Help: "The total number of request attempts retried after a transient failure",
	}, []string{"connection"})

	ErrorCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sbus_errors_total",
		Help: "The total number of errors per connection and error kind",
	}, []string{"connection", "type"})

	ReconnectCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sbus_reconnects_total",
		Help: "The total number of transport reconnect attempts",
	}, []string{"connection"})

	// Gauges
	ConnectedSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sbus_connected_sessions_total",
		Help: "The number of sessions currently connected",
	})

	HealthState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sbus_health_state",
		Help: "Connection health per session: 0 healthy, 1 degraded, 2 disconnected",
	}, []string{"connection"})
)

// Status constants
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// IncRequest increments the request counter.
func IncRequest(connection, command, status string) {
	RequestCount.WithLabelValues(connection, command, status).Inc()
}

// IncRetry increments the retry counter.
func IncRetry(connection string) {
	RetryCount.WithLabelValues(connection).Inc()
}

// IncError increments the error counter.
func IncError(connection, errType string) {
	ErrorCount.WithLabelValues(connection, errType).Inc()
}

// IncReconnect increments the reconnect counter.
func IncReconnect(connection string) {
	ReconnectCount.WithLabelValues(connection).Inc()
}

// SetHealthState records the health state for a session.
func SetHealthState(connection string, state int) {
	HealthState.WithLabelValues(connection).Set(float64(state))
}
