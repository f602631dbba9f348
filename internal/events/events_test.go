package events

import (
	"encoding/json"
	"reflect"
	"testing"
	"time"
)

func allEvents() []Event {
	return []Event{
		Output{Delta: "hel"},
		Thinking{Delta: "hmm"},
		ToolStart{ToolCallID: "t1", Name: "file_read", Args: map[string]any{"path": "a.txt"}},
		ToolEnd{ToolCallID: "t1", Name: "file_read", Result: "ok"},
		StepStart{Iteration: 1, Model: "m"},
		StepEnd{Iteration: 1, ToolCalls: 2},
		TurnEnd{RequestID: "r1", Output: "done", Success: true, ToolCalls: 2},
		ContainerReady{SessionID: "s1"},
		ContainerBusy{RequestID: "r1"},
		ContainerIdle{RequestID: "r1"},
		ContainerExiting{Reason: "stop"},
		ResponseAborted{RequestID: "r1"},
		SessionStatus{Status: "ready"},
		SessionError{Code: CodeImagePull, Message: "pull failed"},
	}
}

func TestEnvelopeDecodesEveryType(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	for _, ev := range allEvents() {
		t.Run(string(ev.Type()), func(t *testing.T) {
			b, err := Encode(ev, ts)
			if err != nil {
				t.Fatalf("Encode() error: %v", err)
			}
			env, err := Decode(b)
			if err != nil {
				t.Fatalf("Decode() error: %v", err)
			}
			if env.Type != ev.Type() {
				t.Errorf("Type = %q, want %q", env.Type, ev.Type())
			}
			if !env.Timestamp.Equal(ts) {
				t.Errorf("Timestamp = %v, want %v", env.Timestamp, ts)
			}
			got, err := env.Event()
			if err != nil {
				t.Fatalf("Event() error: %v", err)
			}
			if !reflect.DeepEqual(got, ev) {
				t.Errorf("Event() = %#v, want %#v", got, ev)
			}
		})
	}
}

func TestStructural(t *testing.T) {
	for _, ev := range allEvents() {
		want := true
		switch ev.(type) {
		case Output, Thinking:
			want = false
		}
		if got := Structural(ev); got != want {
			t.Errorf("Structural(%T) = %v, want %v", ev, got, want)
		}
	}
}

func TestTerminal(t *testing.T) {
	if !Terminal(TurnEnd{}) || !Terminal(ResponseAborted{}) {
		t.Error("TurnEnd and ResponseAborted must be terminal")
	}
	if Terminal(ToolEnd{}) || Terminal(ContainerIdle{}) {
		t.Error("ToolEnd and ContainerIdle must not be terminal")
	}
}

func TestDecode_Errors(t *testing.T) {
	if _, err := Decode([]byte("{not json")); err == nil {
		t.Error("Decode(garbage) should error")
	}
	if _, err := Decode([]byte(`{"data":{}}`)); err == nil {
		t.Error("Decode without type should error")
	}

	env := Envelope{Type: "telepathy", Data: json.RawMessage(`{}`)}
	if _, err := env.Event(); err == nil {
		t.Error("unknown type should error")
	}

	env = Envelope{Type: TypeToolEnd, Data: json.RawMessage(`{"duration_ms":"slow"}`)}
	if _, err := env.Event(); err == nil {
		t.Error("mistyped payload should error")
	}
}

func TestEnvelope_SeqOmittedWhenZero(t *testing.T) {
	b, err := Encode(Output{Delta: "x"}, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	var raw map[string]any
	json.Unmarshal(b, &raw)
	if _, ok := raw["seq"]; ok {
		t.Errorf("high-frequency envelope carries seq: %s", b)
	}
}
