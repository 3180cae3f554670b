package events

import (
	"context"
	"time"

	"orpheus/internal/adapters/kafka"
	"orpheus/pkg/logger"
)

// AuditEvent is the JSON payload published for session and tool activity.
// Mirrors what operators expect in the audit stream: who did what, when,
// against which asset context.
type AuditEvent struct {
	Timestamp time.Time         `json:"timestamp"`
	Subject   string            `json:"subject"`
	Email     string            `json:"email,omitempty"`
	ConnID    string            `json:"connection_id"`
	Action    string            `json:"action"`
	Details   map[string]string `json:"details,omitempty"`
}

// UsageEvent carries token usage reported by the streaming service.
type UsageEvent struct {
	Timestamp    time.Time `json:"timestamp"`
	Subject      string    `json:"subject"`
	ConnID       string    `json:"connection_id"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
}

// Publisher emits audit and usage events to Kafka. A nil Publisher or one
// constructed without a producer degrades to log-only.
type Publisher struct {
	producer *kafka.Producer
	log      *logger.Logger
}

// NewPublisher creates an event publisher. producer may be nil.
func NewPublisher(producer *kafka.Producer) *Publisher {
	return &Publisher{
		producer: producer,
		log:      logger.Get().With("component", "events"),
	}
}

// Audit publishes an audit event, keyed by connection id.
func (p *Publisher) Audit(ctx context.Context, topic string, ev AuditEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if p == nil || p.producer == nil {
		logger.Get().Infow("audit", "action", ev.Action, "subject", ev.Subject, "conn", ev.ConnID)
		return
	}
	if err := p.producer.Publish(ctx, topic, ev.ConnID, ev); err != nil {
		p.log.Warnf("Failed to publish audit event %s: %v", ev.Action, err)
	}
}

// Usage publishes a usage event, keyed by connection id.
func (p *Publisher) Usage(ctx context.Context, ev UsageEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if p == nil || p.producer == nil {
		return
	}
	if err := p.producer.Publish(ctx, kafka.TopicUsage, ev.ConnID, ev); err != nil {
		p.log.Warnf("Failed to publish usage event: %v", err)
	}
}
