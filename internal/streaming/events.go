package streaming

import "encoding/json"

// EventType identifies one event on the bidirectional stream. The upstream
// service produces these in a strict order; they are relayed without
// reordering or coalescing.
type EventType string

const (
	// Outbound (orchestrator → model service)
	EventPromptStart  EventType = "promptStart"
	EventSystemPrompt EventType = "systemPrompt"
	EventAudioStart   EventType = "audioStart"
	EventAudioInput   EventType = "audioInput"
	EventAudioEnd     EventType = "audioEnd"
	EventPromptEnd    EventType = "promptEnd"
	EventSessionEnd   EventType = "sessionEnd"

	// Inbound (model service → orchestrator), relayed verbatim to the client
	EventUsage           EventType = "usageEvent"
	EventCompletionStart EventType = "completionStart"
	EventContentStart    EventType = "contentStart"
	EventTextOutput      EventType = "textOutput"
	EventAudioOutput     EventType = "audioOutput"
	EventToolUse         EventType = "toolUse"
	EventToolResult      EventType = "toolResult"
	EventContentEnd      EventType = "contentEnd"
	EventStreamComplete  EventType = "streamComplete"
	EventError           EventType = "error"

	// Connection-level events (orchestrator → client)
	EventSessionReady  EventType = "sessionReady"
	EventAudioReady    EventType = "audioReady"
	EventSessionClosed EventType = "sessionClosed"
)

// Usage carries token accounting reported by the streaming service.
type Usage struct {
	InputTokens  int64 `json:"inputTokens"`
	OutputTokens int64 `json:"outputTokens"`
}

// Event is the wire envelope for both directions of the model stream.
// Only the fields relevant to the event type are populated.
type Event struct {
	Type EventType `json:"type"`

	// Prompt configuration
	Model string     `json:"model,omitempty"`
	Tools []ToolSpec `json:"tools,omitempty"`
	Text  string     `json:"text,omitempty"`

	// Audio payloads are base64-encoded PCM
	Audio  string       `json:"audio,omitempty"`
	Config *AudioConfig `json:"config,omitempty"`

	// Content and tool events
	Role      string          `json:"role,omitempty"`
	ToolUseID string          `json:"toolUseId,omitempty"`
	ToolName  string          `json:"toolName,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`

	Usage *Usage `json:"usage,omitempty"`

	// Error events
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Details string `json:"details,omitempty"`
}

// ToolSpec declares one tool in the session manifest. The manifest is fixed
// for the life of a session and must be declared before the conversation
// starts.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// AudioConfig describes the audio format negotiated at audioStart.
type AudioConfig struct {
	SampleRateHz int    `json:"sampleRateHz,omitempty"`
	Encoding     string `json:"encoding,omitempty"`
	Channels     int    `json:"channels,omitempty"`
	VoiceID      string `json:"voiceId,omitempty"`
}
