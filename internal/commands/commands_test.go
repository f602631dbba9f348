package commands

import (
	"encoding/json"
	"testing"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    Type
		wantErr bool
	}{
		{"message", `{"type":"message","content":"hi","message_id":"m1"}`, Message, false},
		{"image only", `{"type":"message","attachments":[{"media_type":"image/png","data":"iVBORw=="}]}`, Message, false},
		{"empty message", `{"type":"message","content":"  "}`, "", true},
		{"stop", `{"type":"stop"}`, Stop, false},
		{"abort", `{"type":"abort"}`, Abort, false},
		{"update_model", `{"type":"update_model","model":"claude-x"}`, UpdateModel, false},
		{"update_model without model", `{"type":"update_model"}`, "", true},
		{"refresh_tools", `{"type":"refresh_tools","disabled_tools":["shell_exec"]}`, RefreshTools, false},
		{"unknown", `{"type":"dance"}`, "", true},
		{"no type", `{}`, "", true},
		{"bad schema", `{"type":"message","content":"x","output_schema":"{"}`, "", true},
		{"garbage", `not json`, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode([]byte(tt.in))
			if (err != nil) != tt.wantErr {
				t.Fatalf("Decode() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got.Type != tt.want {
				t.Errorf("Type = %q, want %q", got.Type, tt.want)
			}
		})
	}
}

func TestAttachment_DataBase64(t *testing.T) {
	c := Command{Type: Message, Attachments: []Attachment{{MediaType: "image/png", Data: []byte{0x89, 'P'}}}}
	b, err := Encode(c)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Decode(b)
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if !got.Attachments[0].IsImage() || string(got.Attachments[0].Data) != "\x89P" {
		t.Errorf("attachment = %+v", got.Attachments[0])
	}
}

func TestDecodeLifecycle(t *testing.T) {
	tests := []struct {
		name    string
		in      Lifecycle
		wantErr bool
	}{
		{"start", Lifecycle{Event: LifecycleStart, SessionID: "s", AgentID: "a"}, false},
		{"start task", Lifecycle{Event: LifecycleStart, SessionID: "s", AgentID: "a", SessionType: KindTask}, false},
		{"start bad type", Lifecycle{Event: LifecycleStart, SessionID: "s", AgentID: "a", SessionType: "batch"}, true},
		{"start no agent", Lifecycle{Event: LifecycleStart, SessionID: "s"}, true},
		{"stop", Lifecycle{Event: LifecycleStop, SessionID: "s"}, false},
		{"no session", Lifecycle{Event: LifecycleStop}, true},
		{"update_model", Lifecycle{Event: LifecycleUpdateModel, SessionID: "s", Model: "m"}, false},
		{"update_model empty", Lifecycle{Event: LifecycleUpdateModel, SessionID: "s"}, true},
		{"relay out of range", Lifecycle{Event: LifecycleStart, SessionID: "s", AgentID: "a",
			Relay: &Relay{ID: "r", Stages: []Stage{{AgentID: "a"}}, Index: 1}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, _ := json.Marshal(tt.in)
			_, err := DecodeLifecycle(b)
			if (err != nil) != tt.wantErr {
				t.Errorf("DecodeLifecycle() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRelay_Next(t *testing.T) {
	r := &Relay{ID: "r1", Stages: []Stage{{AgentID: "a"}, {AgentID: "b"}, {AgentID: "c"}}}
	if r.Last() {
		t.Fatal("first stage reported last")
	}

	n := r.Next("found three bugs")
	if n.Index != 1 || n.Current().AgentID != "b" {
		t.Errorf("Next() stage = %d/%s", n.Index, n.Current().AgentID)
	}
	if r.Index != 0 {
		t.Error("Next() mutated the receiver")
	}

	n = n.Next("fixed two")
	if !n.Last() {
		t.Error("third stage should be last")
	}
	if n.Context != "found three bugs\n\nfixed two" {
		t.Errorf("Context = %q", n.Context)
	}
	if StageSessionID("r1", 2) != "r1-2" {
		t.Errorf("StageSessionID = %q", StageSessionID("r1", 2))
	}
}
