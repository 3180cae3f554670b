// Package ws exposes the client-facing voice websocket. Each accepted socket
// is one connection in the session registry; messages are JSON envelopes with
// a type discriminator and audio carried as base64 PCM.
package ws

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"orpheus/internal/adapters/config"
	"orpheus/internal/metrics"
	"orpheus/internal/session"
	"orpheus/internal/streaming"
	"orpheus/pkg/errors"
	"orpheus/pkg/logger"
)

// Client → orchestrator message types.
const (
	msgInitialize   = "initializeConnection"
	msgStartNewChat = "startNewChat"
	msgPromptStart  = "promptStart"
	msgSystemPrompt = "systemPrompt"
	msgAudioStart   = "audioStart"
	msgAudioInput   = "audioInput"
	msgStopAudio    = "stopAudio"
)

// clientMessage is the inbound envelope. Only the fields relevant to the
// message type are populated.
type clientMessage struct {
	Type    string                 `json:"type"`
	Token   string                 `json:"token,omitempty"`
	Context map[string]string      `json:"context,omitempty"`
	Text    string                 `json:"text,omitempty"`
	Audio   string                 `json:"audio,omitempty"`
	Config  *streaming.AudioConfig `json:"config,omitempty"`
}

// Handler upgrades HTTP requests to voice websockets and pumps their
// messages through the session manager.
type Handler struct {
	manager  *session.Manager
	cfg      config.ServerConfig
	upgrader websocket.Upgrader
	log      *logger.Logger
}

// NewHandler creates the websocket handler.
func NewHandler(manager *session.Manager, cfg config.ServerConfig) *Handler {
	return &Handler{
		manager: manager,
		cfg:     cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log: logger.Get().With("component", "ws"),
	}
}

// ServeHTTP accepts one client connection and runs its read loop until the
// socket drops.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sock, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnf("Websocket upgrade failed: %v", err)
		return
	}

	connID := uuid.NewString()
	conn := &connection{sock: sock}
	h.log.Infow("Client connected", "conn", connID, "remote", r.RemoteAddr)

	h.readLoop(r.Context(), connID, conn)

	h.manager.HandleDisconnect(connID)
	conn.Close()
	h.log.Infow("Client disconnected", "conn", connID)
}

func (h *Handler) readLoop(ctx context.Context, connID string, conn *connection) {
	// Per-connection cap on inbound audio frames. Burst absorbs the jitter of
	// browser audio worklets batching frames.
	limiter := rate.NewLimiter(rate.Limit(h.cfg.AudioFrameRate), h.cfg.AudioFrameBurst)
	// Audio rejections are answered with an error event, but at most one per
	// second: frames arrive at audio rates and a per-frame reply would flood
	// the socket.
	rejectNotice := rate.NewLimiter(rate.Every(time.Second), 1)

	for {
		_, raw, err := conn.sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.Warnw("Unexpected socket close", "conn", connID, "error", err)
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			h.sendError(conn, "malformed message", err)
			continue
		}

		h.dispatch(ctx, connID, conn, limiter, rejectNotice, msg)
	}
}

func (h *Handler) dispatch(ctx context.Context, connID string, conn *connection, limiter, rejectNotice *rate.Limiter, msg clientMessage) {
	switch msg.Type {
	case msgInitialize:
		if err := h.manager.Initialize(ctx, connID, msg.Token, msg.Context, conn); err != nil {
			h.sendError(conn, "session initialization failed", err)
			return
		}
		_ = conn.Send(streaming.Event{Type: streaming.EventSessionReady})

	case msgStartNewChat:
		if err := h.manager.StartNewChat(ctx, connID); err != nil {
			h.sendError(conn, "new chat failed", err)
			return
		}
		_ = conn.Send(streaming.Event{Type: streaming.EventSessionReady})

	case msgPromptStart:
		if err := h.manager.PromptStart(connID); err != nil {
			h.sendError(conn, "prompt start failed", err)
		}

	case msgSystemPrompt:
		if err := h.manager.SystemPrompt(connID, msg.Text); err != nil {
			h.sendError(conn, "system prompt failed", err)
		}

	case msgAudioStart:
		if err := h.manager.AudioStart(connID, msg.Config); err != nil {
			h.sendError(conn, "audio start failed", err)
			return
		}
		_ = conn.Send(streaming.Event{Type: streaming.EventAudioReady})

	case msgAudioInput:
		h.handleAudio(connID, conn, limiter, rejectNotice, msg.Audio)

	case msgStopAudio:
		// Teardown itself notifies the client with a sessionClosed event.
		h.manager.StopAudio(connID)

	default:
		h.sendError(conn, "unknown message type: "+msg.Type, errors.ErrInvalidInput)
	}
}

// handleAudio decodes and forwards one audio frame. Every rejection is
// counted and surfaced to the client, with the reply throttled through
// rejectNotice so a stream of bad frames yields a stream of counters, not a
// stream of error events.
func (h *Handler) handleAudio(connID string, conn *connection, limiter, rejectNotice *rate.Limiter, audio string) {
	if !limiter.Allow() {
		metrics.AudioFramesRejected.WithLabelValues("rate_limited").Inc()
		if rejectNotice.Allow() {
			h.sendError(conn, "audio frame rate limit exceeded", errors.ErrUnavailable)
		}
		return
	}

	chunk, err := base64.StdEncoding.DecodeString(audio)
	if err != nil {
		metrics.AudioFramesRejected.WithLabelValues("malformed").Inc()
		h.sendError(conn, "audio frame is not valid base64", err)
		return
	}

	if err := h.manager.AudioInput(connID, chunk); err != nil {
		if errors.Is(err, errors.ErrStreamNotReady) {
			metrics.AudioFramesRejected.WithLabelValues("not_ready").Inc()
			if rejectNotice.Allow() {
				h.sendError(conn, "audio rejected: session not accepting audio yet", err)
			}
			return
		}
		metrics.AudioFramesRejected.WithLabelValues("stream_error").Inc()
		h.log.Debugw("Audio frame dropped", "conn", connID, "error", err)
		if rejectNotice.Allow() {
			h.sendError(conn, "audio frame dropped", err)
		}
		return
	}
	metrics.AudioFramesIn.Inc()
}

func (h *Handler) sendError(conn *connection, message string, err error) {
	details := ""
	if err != nil {
		details = err.Error()
	}
	_ = conn.Send(streaming.Event{
		Type:    streaming.EventError,
		Code:    errors.CodeOf(err),
		Message: message,
		Details: details,
	})
}

// connection wraps one client socket. Writes come from the read loop, the
// per-stream relay goroutine and teardown concurrently, so they are
// serialized with a mutex.
type connection struct {
	writeMu sync.Mutex
	sock    *websocket.Conn
	closed  bool
}

// Send implements session.Sink.
func (c *connection) Send(ev streaming.Event) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return errors.ErrSessionClosed
	}
	return c.sock.WriteJSON(ev)
}

func (c *connection) Close() {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	_ = c.sock.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	_ = c.sock.Close()
}
