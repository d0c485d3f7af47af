// Package memory keeps run summaries in process instead of sending them to Pub/Sub.
// It encodes payloads and carries trace context the same way the Pub/Sub
// publisher does, so tests see what subscribers would receive.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// Message is one accepted publish.
type Message struct {
	ID         string
	Topic      string
	Payload    any
	Data       []byte
	Attributes map[string]string
}

// Publisher implements records.Publisher.
type Publisher struct {
	mu   sync.RWMutex
	sent []Message
}

// New returns an empty Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish encodes payload as JSON and records it under topic.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if topic == "" {
		return "", fmt.Errorf("topic is required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	attrs := propagation.MapCarrier{"content_type": "application/json"}
	otel.GetTextMapPropagator().Inject(ctx, attrs)

	p.mu.Lock()
	defer p.mu.Unlock()
	id := fmt.Sprintf("%s-%d", topic, len(p.sent)+1)
	p.sent = append(p.sent, Message{ID: id, Topic: topic, Payload: payload, Data: data, Attributes: attrs})
	return id, nil
}

// Last returns the newest message on topic.
func (p *Publisher) Last(topic string) (Message, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for i := len(p.sent) - 1; i >= 0; i-- {
		if p.sent[i].Topic == topic {
			return p.sent[i], true
		}
	}
	return Message{}, false
}

// Messages returns a copy of everything published, oldest first.
func (p *Publisher) Messages() []Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]Message(nil), p.sent...)
}
