package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "gorelay"

var (
	// ActiveConnections tracks currently open transport connections.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_connections",
		Help:      "Currently open transport connections.",
	})

	// OnlineUsers tracks distinct users with at least one live connection.
	OnlineUsers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "online_users",
		Help:      "Distinct users with at least one live connection.",
	})

	// MessagesDelivered counts successful per-connection deliveries.
	MessagesDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_delivered_total",
		Help:      "Successful per-connection message deliveries.",
	})

	// DeliveryErrors counts per-connection sends that failed in transport.
	DeliveryErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "delivery_errors_total",
		Help:      "Per-connection sends that failed in transport.",
	})

	// RateLimitRejected counts inbound invocations rejected by the limiter.
	RateLimitRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limit_rejected_total",
		Help:      "Inbound invocations rejected by the rate limiter.",
	}, []string{"operation"})

	// MessagesHandled counts inbound invocations that reached a handler.
	MessagesHandled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_handled_total",
		Help:      "Inbound invocations dispatched to a handler.",
	}, []string{"operation", "status"})
)
