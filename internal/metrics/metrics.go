// Package metrics exposes the gateway's Prometheus collectors.
// Labels never carry session ids or recipients to keep cardinality bounded.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionTransitions counts lifecycle state changes by target status.
	SessionTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_session_transitions_total",
		Help: "Total number of session status transitions, by target status.",
	}, []string{"status"})

	ReconnectsScheduled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_session_reconnects_scheduled_total",
		Help: "Total number of reconnect attempts scheduled after a non-logout close.",
	})

	// LiveSessions tracks runtimes currently held in the live map.
	LiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_live_sessions",
		Help: "Current number of live session runtimes.",
	})

	InboundMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_inbound_messages_total",
		Help: "Total number of inbound messages forwarded after filtering.",
	})

	// OutboundSends counts queued send tasks by content kind and result (ok/error).
	OutboundSends = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_outbound_sends_total",
		Help: "Total number of outbound send tasks, by kind and result.",
	}, []string{"kind", "result"})

	// WebhookDeliveries counts per-target deliveries by result
	// (delivered, failed, rejected, circuit_open).
	WebhookDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_webhook_deliveries_total",
		Help: "Total number of webhook deliveries, by result.",
	}, []string{"result"})

	WebhookAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_webhook_attempts_total",
		Help: "Total number of webhook HTTP attempts including retries.",
	})

	WebhookCircuitOpens = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_webhook_circuit_opens_total",
		Help: "Total number of times a webhook target circuit opened.",
	})

	WebhookActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_webhook_actions_total",
		Help: "Total number of webhook callback actions, by type and result.",
	}, []string{"type", "result"})

	RegistryPersistFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_registry_persist_failures_total",
		Help: "Total number of registry writes that failed to reach durable storage.",
	})

	// AntispamRejections counts requests refused by the anti-spam layer, by reason (cooldown/quota).
	AntispamRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_antispam_rejections_total",
		Help: "Total number of send requests rejected by anti-spam, by reason.",
	}, []string{"reason"})

	SubscriberConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_subscriber_connections",
		Help: "Current number of connected live subscribers.",
	})
)
