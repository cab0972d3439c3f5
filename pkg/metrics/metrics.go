// Package metrics exposes the relay's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Forward directions.
const (
	DirectionToTopic = "to_topic"
	DirectionToUser  = "to_user"
)

// Forward outcomes.
const (
	StatusOK     = "ok"
	StatusFailed = "failed"
)

var (
	// ForwardsTotal counts relayed messages by direction and outcome.
	ForwardsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_forwards_total",
			Help: "Relayed messages by direction and outcome.",
		},
		[]string{"direction", "status"},
	)

	// TopicsCreated counts forum topics opened for first-contact users.
	TopicsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_topics_created_total",
			Help: "Forum topics created for new conversations.",
		},
	)

	// SpamDetected counts messages diverted to the spam topic.
	SpamDetected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_spam_detected_total",
			Help: "Messages flagged by the keyword filter.",
		},
	)

	// AutoReplies counts rule-matched automatic responses.
	AutoReplies = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_auto_replies_total",
			Help: "Automatic responses sent to users.",
		},
	)

	// CaptchaChallenges counts issued challenges by result.
	CaptchaChallenges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_captcha_events_total",
			Help: "Captcha gate events by kind.",
		},
		[]string{"kind"},
	)

	// BroadcastDeliveries counts broadcast sends by outcome.
	BroadcastDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_broadcast_deliveries_total",
			Help: "Broadcast deliveries by outcome.",
		},
		[]string{"status"},
	)

	// DroppedEvents counts inbound events dropped before processing.
	DroppedEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_dropped_events_total",
			Help: "Inbound events dropped before processing, by reason.",
		},
		[]string{"reason"},
	)

	// QueueDepth reports the buffered event count per dispatcher lane.
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_dispatcher_queue_depth",
			Help: "Buffered events per dispatcher lane.",
		},
		[]string{"lane"},
	)

	// HandlerDuration observes end-to-end event handling latency.
	HandlerDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_handler_duration_seconds",
			Help:    "Event handling latency by origin.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"origin"},
	)
)
