package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"orpheus/internal/adapters/config"
	"orpheus/internal/adapters/kafka"
	"orpheus/internal/events"
	"orpheus/internal/identity"
	"orpheus/internal/metrics"
	"orpheus/internal/streaming"
	"orpheus/pkg/errors"
	"orpheus/pkg/logger"
)

// Sink receives events destined for one connection's client.
type Sink interface {
	Send(ev streaming.Event) error
}

// CredentialExchanger turns a bearer identity token into owner-scoped
// credentials.
type CredentialExchanger interface {
	Exchange(ctx context.Context, bearerToken string) (*identity.OwnerCredentials, error)
	Invalidate(subject string)
}

// ToolRouter resolves and executes meta-tool invocations.
type ToolRouter interface {
	Degraded() bool
	Manifest() []streaming.ToolSpec
	PromptInstructions() string
	Execute(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error)
}

// Manager drives every connection's session state machine: initialization,
// prompt and audio flow, tool routing, and the guarded teardown that all
// triggers (explicit stop, abrupt disconnect, idle sweep, shutdown) converge
// on.
type Manager struct {
	cfg       config.SessionConfig
	modelCfg  config.ModelConfig
	registry  *Registry
	exchanger CredentialExchanger
	tools     ToolRouter
	publisher *events.Publisher
	log       *logger.Logger

	shuttingDown atomic.Bool
}

// NewManager creates the session manager.
func NewManager(
	cfg config.SessionConfig,
	modelCfg config.ModelConfig,
	registry *Registry,
	exchanger CredentialExchanger,
	tools ToolRouter,
	publisher *events.Publisher,
) *Manager {
	return &Manager{
		cfg:       cfg,
		modelCfg:  modelCfg,
		registry:  registry,
		exchanger: exchanger,
		tools:     tools,
		publisher: publisher,
		log:       logger.Get().With("component", "session"),
	}
}

// Registry exposes the session registry for health and sweep consumers.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Initialize starts a new session on a connection: exchanges the owner's
// credentials, constructs a streaming client scoped to them, dials a stream
// and moves the session to READY. Re-entrant calls while a session is live
// are idempotent no-ops that report success, so client retries on slow
// networks never create duplicate sessions.
func (m *Manager) Initialize(ctx context.Context, connID, ownerToken string, meta map[string]string, sink Sink) error {
	if m.shuttingDown.Load() {
		return errors.Wrap(errors.ErrUnavailable, "shutting down")
	}
	if len(meta) == 0 || ownerToken == "" {
		return errors.ErrContextMissing
	}

	entry := m.registry.GetOrCreate(connID)

	entry.mu.Lock()
	if entry.state.Live() {
		entry.mu.Unlock()
		m.log.Debugf("Connection %s already has a live session (%s), ignoring initialize", connID, entry.State())
		return nil
	}
	entry.state = StateInitializing
	entry.context = meta
	entry.ownerToken = ownerToken
	entry.sink = sink
	entry.mu.Unlock()
	m.syncGauges()

	creds, err := m.exchanger.Exchange(ctx, ownerToken)
	if err != nil {
		m.abortInitialize(entry)
		metrics.TokenRefreshes.WithLabelValues("owner", "error").Inc()
		return err
	}
	metrics.TokenRefreshes.WithLabelValues("owner", "success").Inc()

	client, err := streaming.NewClient(m.modelCfg, creds)
	if err != nil {
		m.abortInitialize(entry)
		return err
	}
	m.registry.countClientBuilt()
	metrics.StreamingClientsBuilt.Inc()

	streamID := uuid.NewString()
	stream, err := client.CreateStream(ctx, streamID)
	if err != nil {
		// The model endpoint may have refused these credentials; a retry must
		// re-exchange rather than replay them from cache.
		m.exchanger.Invalidate(creds.Subject)
		m.abortInitialize(entry)
		return err
	}

	entry.mu.Lock()
	entry.client = client
	entry.streamID = streamID
	entry.promptStarted = false
	entry.state = StateReady
	entry.mu.Unlock()

	go m.relay(entry, stream, sink)

	metrics.SessionsInitialized.Inc()
	m.syncGauges()

	m.publisher.Audit(ctx, kafka.TopicSessionInitialized, events.AuditEvent{
		Subject: client.Subject(),
		Email:   client.Email(),
		ConnID:  connID,
		Action:  "session_initialized",
		Details: meta,
	})

	m.log.Infow("Session initialized", "conn", connID, "subject", client.Subject(), "stream", streamID)
	return nil
}

// PromptStart declares the fixed tool manifest upstream. Valid in READY or
// ACTIVE; repeated calls are idempotent no-ops.
func (m *Manager) PromptStart(connID string) error {
	entry, stream, err := m.liveStream(connID)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	if entry.promptStarted {
		entry.mu.Unlock()
		return nil
	}
	entry.promptStarted = true
	entry.mu.Unlock()

	if err := stream.SendPromptStart(m.modelCfg.ModelID, m.tools.Manifest()); err != nil {
		// A failed declaration must not latch, or retries would no-op with
		// the manifest never declared upstream.
		entry.mu.Lock()
		entry.promptStarted = false
		entry.mu.Unlock()
		return err
	}
	return nil
}

// SystemPrompt forwards the system prompt, augmented with the connection's
// contextual metadata and, when the gateway is available, tool-usage
// instructions.
func (m *Manager) SystemPrompt(connID, text string) error {
	entry, stream, err := m.liveStream(connID)
	if err != nil {
		return err
	}
	return stream.SendSystemPrompt(m.augmentPrompt(text, entry.Context()))
}

// AudioStart completes audio configuration and moves the session to ACTIVE.
func (m *Manager) AudioStart(connID string, cfg *streaming.AudioConfig) error {
	entry, stream, err := m.liveStream(connID)
	if err != nil {
		return err
	}
	if err := stream.SendAudioStart(cfg); err != nil {
		return err
	}

	entry.mu.Lock()
	entry.state = StateActive
	entry.mu.Unlock()
	return nil
}

// AudioInput forwards one audio chunk. Audio is accepted only in ACTIVE;
// anything earlier is rejected with ErrStreamNotReady, never queued.
func (m *Manager) AudioInput(connID string, chunk []byte) error {
	entry, ok := m.registry.Get(connID)
	if !ok || entry.State() != StateActive {
		return errors.ErrStreamNotReady
	}

	client := entry.Client()
	if client == nil {
		return errors.ErrStreamNotReady
	}
	entry.mu.RLock()
	streamID := entry.streamID
	entry.mu.RUnlock()

	stream, ok := client.Stream(streamID)
	if !ok {
		return errors.ErrStreamNotReady
	}
	return stream.PushAudio(chunk)
}

// StopAudio is the explicit client-initiated teardown trigger.
func (m *Manager) StopAudio(connID string) {
	m.teardown(connID, m.cfg.StopCloseTimeout, "stop", false)
}

// HandleDisconnect is the abrupt-disconnect teardown trigger. The entry is
// removed entirely: the connection is gone.
func (m *Manager) HandleDisconnect(connID string) {
	m.teardown(connID, m.cfg.AbruptCloseTimeout, "disconnect", false)
	m.registry.Remove(connID)
	m.syncGauges()
}

// StartNewChat tears down the current session and starts a fresh one on the
// same connection, reusing its last-known credentials and context. No state
// carries over: the new conversation gets an isolated stream.
func (m *Manager) StartNewChat(ctx context.Context, connID string) error {
	entry, ok := m.registry.Get(connID)
	if !ok {
		return errors.Wrap(errors.ErrInvalidState, "connection has no session")
	}

	entry.mu.RLock()
	token := entry.ownerToken
	meta := entry.context
	sink := entry.sink
	entry.mu.RUnlock()

	if token == "" || len(meta) == 0 {
		return errors.ErrContextMissing
	}

	m.teardown(connID, m.cfg.StopCloseTimeout, "new_chat", false)
	return m.Initialize(ctx, connID, token, meta, sink)
}

// SweepIdle force-closes every stream whose last activity is older than the
// threshold, regardless of connection state. Returns the number of sessions
// evicted.
func (m *Manager) SweepIdle(threshold time.Duration) int {
	evicted := 0
	for _, entry := range m.registry.Snapshot() {
		client := entry.Client()
		if client == nil {
			continue
		}
		for _, sid := range client.StreamIDs() {
			last, ok := client.LastActivity(sid)
			if !ok {
				continue
			}
			if time.Since(last) >= threshold {
				m.log.Warnw("Evicting idle stream", "conn", entry.ConnID, "stream", sid, "idle", time.Since(last))
				if m.teardown(entry.ConnID, m.cfg.AbruptCloseTimeout, "idle", true) {
					metrics.IdleEvictions.Inc()
					evicted++
				}
				break
			}
		}
	}
	return evicted
}

// Shutdown closes every live session within the global grace window. New
// initializations are rejected as soon as it begins.
func (m *Manager) Shutdown(grace time.Duration) {
	m.shuttingDown.Store(true)
	deadline := time.Now().Add(grace)

	for _, entry := range m.registry.Snapshot() {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			m.teardown(entry.ConnID, 0, "shutdown", true)
			continue
		}
		timeout := m.cfg.StopCloseTimeout
		if timeout > remaining {
			timeout = remaining
		}
		m.teardown(entry.ConnID, timeout, "shutdown", false)
	}
	m.syncGauges()
}

// teardown is the single guarded close routine all triggers converge on.
// Exactly one trigger wins the CleanupGuard; the rest are no-ops. Reports
// whether this call performed the teardown.
func (m *Manager) teardown(connID string, timeout time.Duration, reason string, force bool) bool {
	return m.teardownStream(connID, "", timeout, reason, force)
}

// teardownStream is teardown scoped to one stream generation. With a
// non-empty streamID it refuses to touch the entry unless that stream is
// still the bound one, so a stale trigger from a finished stream cannot
// close a session that was recreated on the same connection in the
// meantime.
func (m *Manager) teardownStream(connID, streamID string, timeout time.Duration, reason string, force bool) bool {
	entry, ok := m.registry.Get(connID)
	if !ok {
		return false
	}
	if !entry.Guard.TryAcquire() {
		return false
	}
	defer entry.Guard.Release()

	entry.mu.Lock()
	if streamID != "" && entry.streamID != streamID {
		entry.mu.Unlock()
		return false
	}
	client := entry.client
	sink := entry.sink
	live := entry.state.Live()
	entry.mu.Unlock()

	if !live && client == nil {
		return false
	}

	if client != nil {
		if force {
			for _, sid := range client.StreamIDs() {
				client.ForceClose(sid)
			}
		} else {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			client.CloseAll(ctx)
			cancel()
		}
		subject := client.Subject()
		m.publisher.Audit(context.Background(), kafka.TopicSessionClosed, events.AuditEvent{
			Subject: subject,
			Email:   client.Email(),
			ConnID:  connID,
			Action:  "session_closed",
			Details: map[string]string{"reason": reason},
		})
	}

	entry.mu.Lock()
	entry.state = StateClosed
	entry.client = nil
	entry.streamID = ""
	entry.promptStarted = false
	entry.mu.Unlock()

	if sink != nil {
		_ = sink.Send(streaming.Event{Type: streaming.EventSessionClosed, Details: reason})
	}

	metrics.SessionsClosed.WithLabelValues(reason).Inc()
	m.syncGauges()
	m.log.Infow("Session closed", "conn", connID, "reason", reason)
	return true
}

// relay is the per-stream event pump: one subscriber per stream, forwarding
// to the owning connection's sink in upstream order, with toolUse events
// diverted through the router before generation resumes.
func (m *Manager) relay(entry *Entry, stream *streaming.Stream, sink Sink) {
	for ev := range stream.Events() {
		metrics.EventsRelayed.WithLabelValues(string(ev.Type)).Inc()

		switch ev.Type {
		case streaming.EventToolUse:
			m.forward(entry, sink, ev)
			m.handleToolUse(entry, stream, sink, ev)
		case streaming.EventUsage:
			if ev.Usage != nil {
				m.publisher.Usage(context.Background(), events.UsageEvent{
					Subject:      m.entrySubject(entry),
					ConnID:       entry.ConnID,
					InputTokens:  ev.Usage.InputTokens,
					OutputTokens: ev.Usage.OutputTokens,
				})
			}
			m.forward(entry, sink, ev)
		default:
			m.forward(entry, sink, ev)
		}
	}

	// The upstream sequence ended (streamComplete or socket loss). Make sure
	// the session reaches CLOSED, but only if this stream is still the bound
	// one: after an explicit teardown the connection may already be running a
	// fresh session, which this goroutine has no business touching.
	m.teardownStream(entry.ConnID, stream.ID(), m.cfg.AbruptCloseTimeout, "stream_ended", false)
}

func (m *Manager) forward(entry *Entry, sink Sink, ev streaming.Event) {
	if err := sink.Send(ev); err != nil {
		m.log.Debugf("Failed to relay %s event to connection %s: %v", ev.Type, entry.ConnID, err)
	}
}

// handleToolUse routes one meta-tool invocation through the gateway and
// returns the normalized result to the stream. Routing happens only in
// ACTIVE; a result arriving after the session closed is discarded.
func (m *Manager) handleToolUse(entry *Entry, stream *streaming.Stream, sink Sink, ev streaming.Event) {
	if entry.State() != StateActive {
		m.log.Warnw("Dropping toolUse outside ACTIVE", "conn", entry.ConnID, "tool", ev.ToolName, "state", entry.State())
		return
	}

	start := time.Now()
	result, err := m.tools.Execute(context.Background(), ev.ToolName, ev.Arguments)
	metrics.ToolLatency.WithLabelValues(ev.ToolName).Observe(time.Since(start).Seconds())

	// Best-effort cancellation: an in-flight call may complete, but its
	// result is discarded once the session is gone.
	if stream.Closed() || entry.State() != StateActive {
		metrics.ToolCalls.WithLabelValues(ev.ToolName, "discarded").Inc()
		return
	}

	if err != nil {
		metrics.ToolCalls.WithLabelValues(ev.ToolName, "error").Inc()
		m.log.Warnw("Tool execution failed", "conn", entry.ConnID, "tool", ev.ToolName, "error", err)

		errContent, _ := json.Marshal(map[string]string{"error": err.Error()})
		_ = stream.SendToolResult(ev.ToolUseID, errContent)
		m.forward(entry, sink, streaming.Event{
			Type:    streaming.EventError,
			Message: "tool execution failed",
			Details: err.Error(),
		})
		return
	}

	metrics.ToolCalls.WithLabelValues(ev.ToolName, "success").Inc()

	if err := stream.SendToolResult(ev.ToolUseID, result); err != nil {
		m.log.Warnf("Failed to return tool result to stream: %v", err)
		return
	}
	m.forward(entry, sink, streaming.Event{
		Type:      streaming.EventToolResult,
		ToolUseID: ev.ToolUseID,
		ToolName:  ev.ToolName,
		Content:   result,
	})

	m.publisher.Audit(context.Background(), kafka.TopicToolInvoked, events.AuditEvent{
		Subject: m.entrySubject(entry),
		ConnID:  entry.ConnID,
		Action:  "tool_invoked",
		Details: map[string]string{"tool": ev.ToolName, "duration": time.Since(start).String()},
	})
}

func (m *Manager) liveStream(connID string) (*Entry, *streaming.Stream, error) {
	entry, ok := m.registry.Get(connID)
	if !ok {
		return nil, nil, errors.Wrap(errors.ErrInvalidState, "connection has no session")
	}

	st := entry.State()
	if st != StateReady && st != StateActive {
		return nil, nil, errors.Wrapf(errors.ErrInvalidState, "operation not valid in %s", st)
	}

	entry.mu.RLock()
	client := entry.client
	streamID := entry.streamID
	entry.mu.RUnlock()

	if client == nil {
		return nil, nil, errors.Wrap(errors.ErrInvalidState, "no streaming client bound")
	}
	stream, ok := client.Stream(streamID)
	if !ok {
		return nil, nil, errors.ErrStreamNotFound
	}
	return entry, stream, nil
}

func (m *Manager) abortInitialize(entry *Entry) {
	entry.mu.Lock()
	entry.state = StateClosed
	entry.mu.Unlock()
	m.syncGauges()
}

// augmentPrompt appends the connection's contextual metadata and the
// router's tool-usage guidance to the client-supplied system prompt.
func (m *Manager) augmentPrompt(text string, meta map[string]string) string {
	var b strings.Builder
	b.WriteString(text)

	if len(meta) > 0 {
		keys := make([]string, 0, len(meta))
		for k := range meta {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		b.WriteString("\n\nContext:")
		for _, k := range keys {
			b.WriteString(fmt.Sprintf(" %s=%s.", k, meta[k]))
		}
	}

	if instructions := m.tools.PromptInstructions(); instructions != "" {
		b.WriteString("\n\n")
		b.WriteString(instructions)
	}
	return b.String()
}

func (m *Manager) entrySubject(entry *Entry) string {
	if c := entry.Client(); c != nil {
		return c.Subject()
	}
	return ""
}

func (m *Manager) syncGauges() {
	metrics.ConnectionsLive.Set(float64(m.registry.LiveConnections()))
	metrics.StreamsLive.Set(float64(m.registry.LiveStreams()))
}
