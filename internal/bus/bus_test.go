package bus

import (
	"context"
	"testing"
)

func TestMemory_PublishSubscribe(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	var got []string
	unsub, err := m.Subscribe(ctx, "a", func(topic string, payload []byte) {
		got = append(got, topic+":"+string(payload))
	})
	if err != nil {
		t.Fatalf("Subscribe() error: %v", err)
	}

	m.Publish(ctx, "a", []byte("1"))
	m.Publish(ctx, "b", []byte("ignored"))
	m.Publish(ctx, "a", []byte("2"))

	if len(got) != 2 || got[0] != "a:1" || got[1] != "a:2" {
		t.Errorf("received %v", got)
	}

	unsub(ctx)
	unsub(ctx)
	m.Publish(ctx, "a", []byte("3"))
	if len(got) != 2 {
		t.Errorf("received after unsubscribe: %v", got)
	}
	if m.SubscriberCount("a") != 0 {
		t.Errorf("SubscriberCount = %d, want 0", m.SubscriberCount("a"))
	}
}

func TestMemory_HandlerMayPublish(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	var echoed bool
	m.Subscribe(ctx, "pong", func(string, []byte) { echoed = true })
	m.Subscribe(ctx, "ping", func(_ string, p []byte) { m.Publish(ctx, "pong", p) })

	m.Publish(ctx, "ping", []byte("x"))
	if !echoed {
		t.Error("nested publish was not delivered")
	}
}

func TestMemory_NilPublish(t *testing.T) {
	var m *Memory
	if err := m.Publish(context.Background(), "a", nil); err != nil {
		t.Errorf("nil Publish() error: %v", err)
	}
}

func TestSessionFromTopic(t *testing.T) {
	tests := []struct {
		topic  string
		want   string
		wantOK bool
	}{
		{SessionCommands("s1"), "s1", true},
		{SessionEvents("s1"), "s1", true},
		{SandboxEvents("abc-123"), "abc-123", true},
		{"harbor/other/s1/events", "", false},
		{"elsewhere/session/s1/events", "", false},
		{"harbor/session//events", "", false},
	}
	for _, tt := range tests {
		got, ok := SessionFromTopic(tt.topic)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("SessionFromTopic(%q) = %q, %v; want %q, %v", tt.topic, got, ok, tt.want, tt.wantOK)
		}
	}
}
