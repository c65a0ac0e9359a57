// Package metrics provides Prometheus metrics for the reminder engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the dispatch API's application metrics.
type Metrics struct {
	RemindersSent         prometheus.Counter
	RemindersFailed       prometheus.Counter
	RemindersSkipped      prometheus.Counter
	DispatchCycleDuration prometheus.Histogram
	RateLimitRejections   *prometheus.CounterVec
	ConfirmationsResolved *prometheus.CounterVec
	Escalations           *prometheus.CounterVec
	WebhooksReceived      prometheus.Counter
	VerificationsStarted  prometheus.Counter
	VerificationsComplete prometheus.Counter
}

// New creates the metrics and registers them on the default registry.
func New() *Metrics {
	return NewWith(prometheus.DefaultRegisterer)
}

// NewWith creates the metrics on a caller-supplied registerer. Tests
// pass a fresh registry so constructions never collide.
func NewWith(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RemindersSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reminders_sent_total",
			Help: "Total reminders delivered to the messaging provider",
		}),
		RemindersFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reminders_failed_total",
			Help: "Total reminder send attempts that failed",
		}),
		RemindersSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reminders_skipped_total",
			Help: "Total reminders skipped as not due, rate limited, or already delivered",
		}),
		DispatchCycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dispatch_cycle_duration_seconds",
			Help:    "Dispatch cycle duration",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
		RateLimitRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rate_limit_rejections_total",
			Help: "Requests rejected by the sliding window limiter",
		}, []string{"bucket"}),
		ConfirmationsResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "confirmations_resolved_total",
			Help: "Confirmations resolved, by terminal status and resolver",
		}, []string{"status", "resolver"}),
		Escalations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "escalations_total",
			Help: "Volunteer escalations created, by reason",
		}, []string{"reason"}),
		WebhooksReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "webhooks_received_total",
			Help: "Inbound provider webhooks received",
		}),
		VerificationsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "verifications_started_total",
			Help: "Verification flows opened",
		}),
		VerificationsComplete: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "verifications_completed_total",
			Help: "Verification flows completed",
		}),
	}

	reg.MustRegister(
		m.RemindersSent,
		m.RemindersFailed,
		m.RemindersSkipped,
		m.DispatchCycleDuration,
		m.RateLimitRejections,
		m.ConfirmationsResolved,
		m.Escalations,
		m.WebhooksReceived,
		m.VerificationsStarted,
		m.VerificationsComplete,
	)

	return m
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
