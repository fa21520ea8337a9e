package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the upstream federation module.
type Metrics struct {
	// Link flow outcomes by HTTP method and branch taken
	LinkOutcome *prometheus.CounterVec

	// Users registered through an upstream identity
	Registrations prometheus.Counter

	// Upstream sessions consumed, by result ("ok", "replayed")
	SessionsConsumed *prometheus.CounterVec

	// Registration forms rejected, by field
	FormRejections *prometheus.CounterVec
}

// New creates a new Metrics instance with all upstream module metrics registered.
func New() *Metrics {
	return &Metrics{
		LinkOutcome: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "janus_upstream_link_outcomes_total",
			Help: "Total link flow outcomes by HTTP method and branch",
		}, []string{"method", "outcome"}), // outcome: "completed", "mismatch", "suggest_link", "register_prompt", "blocked"

		Registrations: promauto.NewCounter(prometheus.CounterOpts{
			Name: "janus_upstream_registrations_total",
			Help: "Total users registered through an upstream identity",
		}),

		SessionsConsumed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "janus_upstream_sessions_consumed_total",
			Help: "Total upstream session consumptions by result",
		}, []string{"result"}),

		FormRejections: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "janus_upstream_form_rejections_total",
			Help: "Total registration form rejections by field",
		}, []string{"field"}),
	}
}

// IncrementOutcome records a link flow outcome.
func (m *Metrics) IncrementOutcome(method, outcome string) {
	if m != nil {
		m.LinkOutcome.WithLabelValues(method, outcome).Inc()
	}
}

// IncrementRegistrations records a completed upstream registration.
func (m *Metrics) IncrementRegistrations() {
	if m != nil {
		m.Registrations.Inc()
	}
}

// IncrementSessionsConsumed records an upstream session consumption attempt.
func (m *Metrics) IncrementSessionsConsumed(result string) {
	if m != nil {
		m.SessionsConsumed.WithLabelValues(result).Inc()
	}
}

// IncrementFormRejections records a rejected registration form field.
func (m *Metrics) IncrementFormRejections(field string) {
	if m != nil {
		m.FormRejections.WithLabelValues(field).Inc()
	}
}
