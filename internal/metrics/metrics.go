// Package metrics registers the domain-level Prometheus counters consumed by
// dashboards and by the billing/metering collaborator. HTTP-level metrics
// (latency, sizes) live in the middleware; these counters track what the
// conversation engine itself did.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// ConversationsStarted counts new visitor conversations per widget.
	ConversationsStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livechat_conversations_started_total",
			Help: "Total number of conversations started.",
		},
		[]string{"widget"},
	)

	// Messages counts persisted messages by sender type.
	Messages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livechat_messages_total",
			Help: "Total number of messages persisted.",
		},
		[]string{"sender_type"},
	)

	// AIResponses counts bot replies by where the text came from.
	AIResponses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livechat_ai_responses_total",
			Help: "Total number of AI responses served.",
		},
		[]string{"source"}, // "cache" | "provider"
	)

	// CacheLookups counts fingerprint-cache lookups by outcome.
	CacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livechat_response_cache_lookups_total",
			Help: "Total AI response cache lookups.",
		},
		[]string{"outcome"}, // "hit" | "miss" | "expired"
	)

	// Escalations counts conversations handed back to humans, by reason.
	Escalations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livechat_escalations_total",
			Help: "Total conversations escalated to a human agent.",
		},
		[]string{"reason"},
	)

	// ProviderErrors counts failed or timed-out provider calls.
	ProviderErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "livechat_provider_errors_total",
			Help: "Total AI provider call failures.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		ConversationsStarted,
		Messages,
		AIResponses,
		CacheLookups,
		Escalations,
		ProviderErrors,
	)
}
