// internal/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DonationsInitiated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "donations_initiated_total",
		Help: "Donation initiation requests by payment method.",
	}, []string{"method"})

	STKPushOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stk_push_requests_total",
		Help: "STK push outcomes: accepted, rejected, timeout, error.",
	}, []string{"outcome"})

	Callbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mpesa_callbacks_total",
		Help: "Provider callbacks by reconciliation result.",
	}, []string{"result"})

	ConfirmationEmails = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "confirmation_emails_total",
		Help: "Confirmation email attempts by outcome.",
	}, []string{"outcome"})
)
