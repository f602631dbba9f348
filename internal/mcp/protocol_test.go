package mcp

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestRequest_Marshal(t *testing.T) {
	tests := []struct {
		name string
		req  *Request
		want string
	}{
		{"with params", NewRequest(7, "tools/call", map[string]any{"name": "x"}),
			`{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"x"}}`},
		{"nil params omitted", NewRequest(1, "tools/list", nil),
			`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.req)
			if err != nil {
				t.Fatalf("Marshal: %v", err)
			}
			if string(data) != tt.want {
				t.Errorf("got %s, want %s", data, tt.want)
			}
		})
	}
}

func TestNotification_Marshal(t *testing.T) {
	data, _ := json.Marshal(NewNotification("notifications/initialized", nil))
	if string(data) != `{"jsonrpc":"2.0","method":"notifications/initialized"}` {
		t.Errorf("got %s", data)
	}
}

func TestResponse_Unmarshal(t *testing.T) {
	var ok Response
	if err := json.Unmarshal([]byte(`{"jsonrpc":"2.0","id":3,"result":{"tools":[]}}`), &ok); err != nil {
		t.Fatal(err)
	}
	if ok.ID != 3 || ok.Error != nil || string(ok.Result) != `{"tools":[]}` {
		t.Errorf("response = %+v", ok)
	}

	var bad Response
	json.Unmarshal([]byte(`{"jsonrpc":"2.0","id":4,"error":{"code":-32601,"message":"Method not found"}}`), &bad)
	if bad.Error == nil || bad.Error.Code != -32601 {
		t.Fatalf("error = %+v", bad.Error)
	}
	if !strings.Contains(bad.Error.Error(), "-32601") || !strings.Contains(bad.Error.Error(), "Method not found") {
		t.Errorf("Error() = %q", bad.Error.Error())
	}
}
