// Package bus defines the live publish/subscribe transport that carries
// session commands and events between the host and its sandboxes, and
// the topic layout both sides agree on. Delivery is fire-and-forget:
// a message published while nobody is subscribed is lost. Durable
// delivery lives in the cmdlog and replay packages.
package bus

import (
	"context"
	"strings"
	"sync"
)

// Handler receives one message. Handlers run on the transport's
// delivery goroutine and must not block for long.
type Handler func(topic string, payload []byte)

// Unsubscribe removes a subscription. It is safe to call more than once.
type Unsubscribe func(ctx context.Context) error

// PubSub is a topic-addressed live message transport.
type PubSub interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string, h Handler) (Unsubscribe, error)
}

const root = "harbor"

// SessionCommands is the topic callers publish session commands to.
func SessionCommands(sessionID string) string {
	return root + "/session/" + sessionID + "/commands"
}

// SessionEvents is the topic observers receive normalized session
// events on.
func SessionEvents(sessionID string) string {
	return root + "/session/" + sessionID + "/events"
}

// SandboxCommands is the topic a sandbox receives commands on.
func SandboxCommands(sessionID string) string {
	return root + "/sandbox/" + sessionID + "/commands"
}

// SandboxEvents is the topic a sandbox publishes raw events on.
func SandboxEvents(sessionID string) string {
	return root + "/sandbox/" + sessionID + "/events"
}

// SessionFromTopic extracts the session id from any of the topics
// above.
func SessionFromTopic(topic string) (string, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 4 || parts[0] != root {
		return "", false
	}
	if parts[1] != "session" && parts[1] != "sandbox" {
		return "", false
	}
	return parts[2], parts[2] != ""
}

// Memory is an in-process PubSub. Publish delivers synchronously to
// every handler subscribed to the exact topic, outside the lock, so a
// handler may itself publish or subscribe. Nil-safe on Publish.
type Memory struct {
	mu     sync.RWMutex
	next   uint64
	topics map[string]map[uint64]Handler
}

// NewMemory creates an empty in-process bus.
func NewMemory() *Memory {
	return &Memory{topics: make(map[string]map[uint64]Handler)}
}

// Publish implements PubSub.
func (m *Memory) Publish(_ context.Context, topic string, payload []byte) error {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	subs := make([]Handler, 0, len(m.topics[topic]))
	for _, h := range m.topics[topic] {
		subs = append(subs, h)
	}
	m.mu.RUnlock()

	for _, h := range subs {
		cp := make([]byte, len(payload))
		copy(cp, payload)
		h(topic, cp)
	}
	return nil
}

// Subscribe implements PubSub.
func (m *Memory) Subscribe(_ context.Context, topic string, h Handler) (Unsubscribe, error) {
	m.mu.Lock()
	m.next++
	id := m.next
	if m.topics[topic] == nil {
		m.topics[topic] = make(map[uint64]Handler)
	}
	m.topics[topic][id] = h
	m.mu.Unlock()

	var once sync.Once
	return func(context.Context) error {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.topics[topic], id)
			if len(m.topics[topic]) == 0 {
				delete(m.topics, topic)
			}
		})
		return nil
	}, nil
}

// SubscriberCount returns the number of handlers on topic.
func (m *Memory) SubscriberCount(topic string) int {
	if m == nil {
		return 0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.topics[topic])
}
