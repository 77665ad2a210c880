package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "service_dispatch"

var (
	RequestsCreated   = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "requests_created_total", Help: "Total service requests created"})
	CancellationFees  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "cancellation_fees_total", Help: "Sum of cancellation fees charged, in currency units"})
	TechniciansOnline = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "technicians_online", Help: "Number of technicians with presence online"})

	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "transitions_total", Help: "Successful lifecycle transitions"},
		[]string{"transition"},
	)
	ConflictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "conflicts_total", Help: "Rejected commands by conflict reason"},
		[]string{"reason"},
	)
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "notifications_total", Help: "Notifications by delivery result"},
		[]string{"result"},
	)
	ChangesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "changes_published_total", Help: "Request change events by publish result"},
		[]string{"result"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
