package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Session metrics
	SessionsInitialized = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "orpheus_sessions_initialized_total",
			Help: "Total number of sessions initialized",
		},
	)

	SessionsClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orpheus_sessions_closed_total",
			Help: "Total number of sessions closed",
		},
		[]string{"reason"}, // reason: stop|disconnect|idle|stream_ended|shutdown|new_chat
	)

	ConnectionsLive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "orpheus_connections_live",
			Help: "Current number of live connections",
		},
	)

	StreamsLive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "orpheus_streams_live",
			Help: "Current number of live model streams",
		},
	)

	StreamingClientsBuilt = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "orpheus_streaming_clients_built_total",
			Help: "Total number of streaming clients constructed",
		},
	)

	// Audio metrics
	AudioFramesIn = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "orpheus_audio_frames_in_total",
			Help: "Total number of inbound audio frames accepted",
		},
	)

	AudioFramesRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orpheus_audio_frames_rejected_total",
			Help: "Total number of inbound audio frames rejected",
		},
		[]string{"reason"}, // reason: not_ready|rate_limited|malformed|stream_error
	)

	// Event relay metrics
	EventsRelayed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orpheus_events_relayed_total",
			Help: "Total number of stream events relayed to clients",
		},
		[]string{"type"},
	)

	// Tool metrics
	ToolCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orpheus_tool_calls_total",
			Help: "Total number of routed tool invocations",
		},
		[]string{"tool", "status"}, // status: success|error|discarded
	)

	ToolLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "orpheus_tool_latency_seconds",
			Help:    "Remote tool invocation latency in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"tool"},
	)

	// Credential metrics
	TokenRefreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orpheus_token_refreshes_total",
			Help: "Total number of credential refreshes",
		},
		[]string{"domain", "status"}, // domain: service|owner
	)

	// Sweeper metrics
	IdleEvictions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "orpheus_idle_evictions_total",
			Help: "Total number of streams force-closed by the idle sweeper",
		},
	)
)

func init() {
	prometheus.MustRegister(
		SessionsInitialized,
		SessionsClosed,
		ConnectionsLive,
		StreamsLive,
		StreamingClientsBuilt,
		AudioFramesIn,
		AudioFramesRejected,
		EventsRelayed,
		ToolCalls,
		ToolLatency,
		TokenRefreshes,
		IdleEvictions,
	)
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
