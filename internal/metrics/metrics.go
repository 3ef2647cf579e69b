package metrics

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ticketsIssued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "spoticket_tickets_issued_total",
			Help: "Tickets persisted by the issuance manager",
		},
	)

	issueRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spoticket_issue_rejections_total",
			Help: "Issuance attempts that failed, by reason",
		},
		[]string{"reason"},
	)

	reservationCompensations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "spoticket_reservation_compensations_total",
			Help: "Reservations released after a failed issuance",
		},
	)

	checkIns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spoticket_checkins_total",
			Help: "Check-in attempts by outcome",
		},
		[]string{"outcome"},
	)

	refundTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spoticket_refund_transitions_total",
			Help: "Refund status transitions by target status and source",
		},
		[]string{"status", "source"},
	)

	webhooks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spoticket_webhooks_total",
			Help: "Inbound gateway webhooks by outcome",
		},
		[]string{"outcome"},
	)

	gatewayLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "spoticket_gateway_request_seconds",
			Help:    "Latency of outbound refund initiation calls",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		},
		[]string{"outcome"},
	)
)

func TicketsIssued(n int) {
	ticketsIssued.Add(float64(n))
}

func IssueRejected(reason string) {
	issueRejections.WithLabelValues(reason).Inc()
}

func ReservationCompensated() {
	reservationCompensations.Inc()
}

func CheckIn(outcome string) {
	checkIns.WithLabelValues(outcome).Inc()
}

func RefundTransition(status, source string) {
	refundTransitions.WithLabelValues(status, source).Inc()
}

func Webhook(outcome string) {
	webhooks.WithLabelValues(outcome).Inc()
}

func ObserveGateway(outcome string, started time.Time) {
	gatewayLatency.WithLabelValues(outcome).Observe(time.Since(started).Seconds())
}

// Handler serves the default registry.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
