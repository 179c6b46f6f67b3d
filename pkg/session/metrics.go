package session

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsConfig конфигурация метрик слоя сессий
type MetricsConfig struct {
	// Namespace префикс для Prometheus метрик
	Namespace string
	// Subsystem подсистема, по умолчанию "session"
	Subsystem string
	// Registerer куда регистрируются коллекторы. nil означает prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer
}

// DefaultMetricsConfig возвращает конфигурацию по умолчанию
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Namespace: "softphone",
		Subsystem: "session",
	}
}

// Metrics Prometheus метрики регистрации и вызовов.
// Методы nil *Metrics ничего не делают.
type Metrics struct {
	registrationTransitions *prometheus.CounterVec
	registrationFailures    *prometheus.CounterVec
	callsTotal              *prometheus.CounterVec
	callsActive             prometheus.Gauge
	callDuration            prometheus.Histogram
	stateTransitions        *prometheus.CounterVec
}

// NewMetrics создаёт и регистрирует коллекторы
func NewMetrics(config MetricsConfig) *Metrics {
	if config.Subsystem == "" {
		config.Subsystem = "session"
	}
	reg := config.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	ns, sub := config.Namespace, config.Subsystem

	return &Metrics{
		registrationTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "registration_transitions_total",
			Help:      "Total number of registration status changes",
		}, []string{"to"}),
		registrationFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "registration_failures_total",
			Help:      "Total number of failed registrations by SIP code",
		}, []string{"code"}),
		callsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "calls_total",
			Help:      "Total number of finished calls by result",
		}, []string{"result"}),
		callsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "calls_active",
			Help:      "Number of currently active calls",
		}),
		callDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "call_duration_seconds",
			Help:      "Connected duration of finished calls in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 300, 1800, 3600},
		}),
		stateTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "state_transitions_total",
			Help:      "Total number of call state transitions",
		}, []string{"from", "to"}),
	}
}

func (m *Metrics) registrationChanged(to RegistrationStatus) {
	if m == nil {
		return
	}
	m.registrationTransitions.WithLabelValues(to.Kind.String()).Inc()
	if to.Kind == RegistrationFailed {
		m.registrationFailures.WithLabelValues(strconv.Itoa(to.Code)).Inc()
	}
}

func (m *Metrics) callTransition(from, to CallStatus) {
	if m == nil {
		return
	}
	m.stateTransitions.WithLabelValues(from.String(), to.String()).Inc()
}

func (m *Metrics) callStarted() {
	if m == nil {
		return
	}
	m.callsActive.Inc()
}

func (m *Metrics) callEnded(result CallStatus, duration uint64) {
	if m == nil {
		return
	}
	m.callsActive.Dec()
	m.callsTotal.WithLabelValues(result.String()).Inc()
	m.callDuration.Observe(float64(duration))
}
