package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Protocol metrics
	FramesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zentalk_chat_frames_received_total",
			Help: "Total frames received",
		},
		[]string{"opcode"},
	)

	FramesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zentalk_chat_frames_sent_total",
			Help: "Total frames sent",
		},
		[]string{"opcode"},
	)

	MalformedFrames = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "zentalk_chat_malformed_frames_total",
			Help: "Total connections closed on a malformed frame",
		},
	)

	UnknownOpcodes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "zentalk_chat_unknown_opcodes_total",
			Help: "Total frames with an unrecognized opcode",
		},
	)

	// Session metrics
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "zentalk_chat_sessions_active",
			Help: "Currently open sessions",
		},
	)

	SessionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "zentalk_chat_sessions_total",
			Help: "Total sessions opened",
		},
	)

	SessionsEnded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zentalk_chat_sessions_ended_total",
			Help: "Total sessions ended by the protocol",
		},
		[]string{"reason"}, // "version_mismatch", "unknown_opcode", "end_request"
	)

	// Business metrics
	AccountsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "zentalk_chat_accounts_created_total",
			Help: "Total accounts created",
		},
	)

	AccountsDeleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "zentalk_chat_accounts_deleted_total",
			Help: "Total accounts deleted",
		},
	)

	MessagesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "zentalk_chat_messages_sent_total",
			Help: "Total messages accepted into a mailbox",
		},
	)

	MessagesDelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "zentalk_chat_messages_delivered_total",
			Help: "Total messages streamed to a pulling client",
		},
	)

	PushNotifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zentalk_chat_push_notifications_total",
			Help: "Total push notifications by outcome",
		},
		[]string{"result"}, // "queued" or "dropped"
	)

	// Infrastructure metrics
	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zentalk_chat_store_errors_total",
			Help: "Total unexpected store errors",
		},
		[]string{"operation"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zentalk_chat_http_requests_total",
			Help: "Total admin HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	RateLimitHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "zentalk_chat_rate_limit_hits_total",
			Help: "Total admin requests rejected by the rate limiter",
		},
	)
)
