package kafka

// Event topic constants
const (
	// Session lifecycle events
	TopicSessionInitialized = "voice.session_initialized"
	TopicSessionClosed      = "voice.session_closed"

	// Tool events
	TopicToolInvoked = "voice.tool_invoked"

	// Model usage events (token counts reported by the streaming service)
	TopicUsage = "voice.usage"
)
