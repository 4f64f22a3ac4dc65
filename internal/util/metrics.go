package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	NegotiationsOpenedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "negotiations_opened_total",
		Help: "Total number of negotiations opened",
	})

	NegotiationsAgreedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "negotiations_agreed_total",
		Help: "Total number of negotiations confirmed into orders",
	})

	NegotiationsCancelledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "negotiations_cancelled_total",
		Help: "Total number of negotiations cancelled",
	})

	NegotiationMessagesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "negotiation_messages_total",
		Help: "Total number of negotiation messages appended",
	})

	OrdersCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_created_total",
		Help: "Total number of orders created",
	})

	OrdersFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_failed_total",
		Help: "Total number of rejected or failed order submissions",
	}, []string{"reason"})

	OrderStatusUpdatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "order_status_updates_total",
		Help: "Total number of order lifecycle transitions",
	}, []string{"status"})

	OrderCommitLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "order_commit_latency_seconds",
		Help:    "Latency of the atomic order commit",
		Buckets: prometheus.DefBuckets,
	})

	EventsProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "events_processed_total",
		Help: "Total number of domain events processed by the audit worker",
	}, []string{"type"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
