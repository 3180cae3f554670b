package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"orpheus/internal/adapters/kafka"
)

func TestPublisher_NilProducerIsSafe(t *testing.T) {
	p := NewPublisher(nil)

	assert.NotPanics(t, func() {
		p.Audit(context.Background(), kafka.TopicSessionInitialized, AuditEvent{
			Timestamp: time.Now(),
			Subject:   "user-1",
			ConnID:    "c1",
			Action:    "session_initialized",
		})
		p.Usage(context.Background(), UsageEvent{
			Subject:      "user-1",
			ConnID:       "c1",
			InputTokens:  10,
			OutputTokens: 20,
		})
	})
}

func TestPublisher_NilReceiverIsSafe(t *testing.T) {
	var p *Publisher
	assert.NotPanics(t, func() {
		p.Audit(context.Background(), kafka.TopicSessionClosed, AuditEvent{})
		p.Usage(context.Background(), UsageEvent{})
	})
}
