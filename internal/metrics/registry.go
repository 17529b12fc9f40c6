package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds all Prometheus metrics
type Registry struct {
	publishes         *prometheus.CounterVec
	publishErrors     prometheus.Counter
	publishesSkipped  prometheus.Counter
	commandsReceived  *prometheus.CounterVec
	commandsFailed    *prometheus.CounterVec
	statusEvents      *prometheus.CounterVec
	upstreamConnected *prometheus.GaugeVec
	connectFailures   *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	breakerState      *prometheus.GaugeVec
	brokerConnected   prometheus.Gauge
}

// NewRegistry creates a new metrics registry on reg. Pass
// prometheus.DefaultRegisterer to expose the metrics on promhttp.Handler().
func NewRegistry(reg prometheus.Registerer) *Registry {
	f := promauto.With(reg)
	return &Registry{
		publishes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "urri_gateway_publishes_total",
			Help: "Total number of retained MQTT publications by kind (value, meta, error, clear)",
		}, []string{"kind"}),
		publishErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "urri_gateway_publish_errors_total",
			Help: "Total number of failed MQTT publications",
		}),
		publishesSkipped: f.NewCounter(prometheus.CounterOpts{
			Name: "urri_gateway_publishes_skipped_total",
			Help: "Total number of value updates skipped because the value did not change",
		}),
		commandsReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "urri_gateway_commands_received_total",
			Help: "Total number of control commands received from MQTT",
		}, []string{"device", "control"}),
		commandsFailed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "urri_gateway_commands_failed_total",
			Help: "Total number of control commands that failed or were rejected",
		}, []string{"device", "control"}),
		statusEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "urri_gateway_status_events_total",
			Help: "Total number of status events received from receivers",
		}, []string{"device"}),
		upstreamConnected: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "urri_gateway_receiver_connected",
			Help: "Whether the receiver event stream is connected (1) or not (0)",
		}, []string{"device"}),
		connectFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "urri_gateway_receiver_connect_failures_total",
			Help: "Total number of failed receiver connection attempts",
		}, []string{"device"}),
		requestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "urri_gateway_receiver_request_duration_seconds",
			Help:    "Duration of receiver HTTP requests",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 3.0},
		}, []string{"device", "endpoint"}),
		breakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "urri_gateway_receiver_breaker_state",
			Help: "Circuit breaker state per receiver (0 closed, 1 half-open, 2 open)",
		}, []string{"device"}),
		brokerConnected: f.NewGauge(prometheus.GaugeOpts{
			Name: "urri_gateway_broker_connected",
			Help: "Whether the MQTT broker connection is up (1) or not (0)",
		}),
	}
}

// IncPublishes increments the publication counter for kind
func (r *Registry) IncPublishes(kind string) {
	r.publishes.WithLabelValues(kind).Inc()
}

// IncPublishErrors increments the publish errors counter
func (r *Registry) IncPublishErrors() {
	r.publishErrors.Inc()
}

// IncPublishesSkipped increments the skipped publication counter
func (r *Registry) IncPublishesSkipped() {
	r.publishesSkipped.Inc()
}

// IncCommandsReceived increments the commands received counter
func (r *Registry) IncCommandsReceived(device, control string) {
	r.commandsReceived.WithLabelValues(device, control).Inc()
}

// IncCommandsFailed increments the commands failed counter
func (r *Registry) IncCommandsFailed(device, control string) {
	r.commandsFailed.WithLabelValues(device, control).Inc()
}

// IncStatusEvents increments the status events counter
func (r *Registry) IncStatusEvents(device string) {
	r.statusEvents.WithLabelValues(device).Inc()
}

// SetUpstreamConnected records the receiver connection state
func (r *Registry) SetUpstreamConnected(device string, connected bool) {
	v := 0.0
	if connected {
		v = 1
	}
	r.upstreamConnected.WithLabelValues(device).Set(v)
}

// IncConnectFailures increments the receiver connect failures counter
func (r *Registry) IncConnectFailures(device string) {
	r.connectFailures.WithLabelValues(device).Inc()
}

// ObserveRequestDuration records a receiver request duration
func (r *Registry) ObserveRequestDuration(device, endpoint string, seconds float64) {
	r.requestDuration.WithLabelValues(device, endpoint).Observe(seconds)
}

// SetBreakerState records the circuit breaker state
func (r *Registry) SetBreakerState(device string, state int) {
	r.breakerState.WithLabelValues(device).Set(float64(state))
}

// SetBrokerConnected records the MQTT connection state
func (r *Registry) SetBrokerConnected(connected bool) {
	v := 0.0
	if connected {
		v = 1
	}
	r.brokerConnected.Set(v)
}
