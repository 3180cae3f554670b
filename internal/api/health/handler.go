package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"

	redisclient "orpheus/internal/adapters/redis"
	"orpheus/internal/session"
	"orpheus/pkg/logger"
)

// Handler provides health check endpoints
type Handler struct {
	log         *logger.Logger
	registry    *session.Registry
	redis       *redisclient.Client // optional
	degraded    bool                // tool gateway unavailable at startup
	startTime   time.Time
	serviceName string
	version     string
}

// New creates a new health check handler. redis may be nil.
func New(
	log *logger.Logger,
	registry *session.Registry,
	redis *redisclient.Client,
	degraded bool,
	serviceName string,
	version string,
) *Handler {
	return &Handler{
		log:         log,
		registry:    registry,
		redis:       redis,
		degraded:    degraded,
		startTime:   time.Now(),
		serviceName: serviceName,
		version:     version,
	}
}

// HealthStatus represents the overall health status
type HealthStatus struct {
	Status           string                     `json:"status"` // "healthy", "degraded"
	Service          string                     `json:"service"`
	Version          string                     `json:"version"`
	Uptime           string                     `json:"uptime"`
	Timestamp        string                     `json:"timestamp"`
	LiveConnections  int                        `json:"live_connections"`
	LiveStreams      int                        `json:"live_streams"`
	StreamingClients int64                      `json:"streaming_clients_built"`
	Checks           map[string]ComponentHealth `json:"checks,omitempty"`
}

// ComponentHealth represents health of a single component
type ComponentHealth struct {
	Status       string `json:"status"`
	ResponseTime string `json:"response_time,omitempty"`
	Error        string `json:"error,omitempty"`
}

// HandleLiveness returns 200 OK if service is running
// Used by Kubernetes liveness probe
func (h *Handler) HandleLiveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status": "alive",
	})
}

// HandleReadiness checks if service is ready to accept traffic
// Used by Kubernetes readiness probe
func (h *Handler) HandleReadiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]ComponentHealth)
	allHealthy := true

	if h.redis != nil {
		checks["redis"] = h.checkRedis(ctx)
		if checks["redis"].Status != "healthy" {
			allHealthy = false
		}
	}
	if h.degraded {
		checks["gateway"] = ComponentHealth{Status: "degraded", Error: "tool gateway unavailable, built-in tools only"}
	}

	status := http.StatusOK
	if !allHealthy {
		status = http.StatusServiceUnavailable
	}
	h.write(w, status, checks, allHealthy)
}

// HandleHealth reports the process-level session counts: live streams, live
// connections and constructed streaming clients.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	h.write(w, http.StatusOK, nil, !h.degraded)
}

func (h *Handler) write(w http.ResponseWriter, status int, checks map[string]ComponentHealth, healthy bool) {
	overall := "healthy"
	if !healthy || h.degraded {
		overall = "degraded"
	}

	resp := HealthStatus{
		Status:           overall,
		Service:          h.serviceName,
		Version:          h.version,
		Uptime:           humanize.RelTime(h.startTime, time.Now(), "", ""),
		Timestamp:        time.Now().UTC().Format(time.RFC3339),
		LiveConnections:  h.registry.LiveConnections(),
		LiveStreams:      h.registry.LiveStreams(),
		StreamingClients: h.registry.ClientsBuilt(),
		Checks:           checks,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.log.Errorf("Failed to encode health response: %v", err)
	}
}

func (h *Handler) checkRedis(ctx context.Context) ComponentHealth {
	start := time.Now()
	if err := h.redis.Health(ctx); err != nil {
		return ComponentHealth{Status: "unhealthy", Error: err.Error()}
	}
	return ComponentHealth{Status: "healthy", ResponseTime: time.Since(start).String()}
}
