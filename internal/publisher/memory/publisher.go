// Package memory provides an in-process publisher for development and tests.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/jwkim-dev/shopscout/internal/recsys"
)

// Message is one published payload, already serialized.
type Message struct {
	Topic string
	Data  []byte
}

// Publisher records messages instead of sending them anywhere.
type Publisher struct {
	mu       sync.Mutex
	messages []Message
	nextID   int
}

// New returns an empty publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish serializes the payload as JSON and records it.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	p.messages = append(p.messages, Message{Topic: topic, Data: data})
	return fmt.Sprintf("mem-%d", p.nextID), nil
}

// Messages returns a copy of everything published so far.
func (p *Publisher) Messages() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Message, len(p.messages))
	copy(out, p.messages)
	return out
}

var _ recsys.Publisher = (*Publisher)(nil)
