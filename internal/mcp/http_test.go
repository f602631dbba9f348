package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

func TestHTTPTransport_JSONAndSession(t *testing.T) {
	var (
		mu       sync.Mutex
		sessions []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		sessions = append(sessions, r.Header.Get(sessionHeader))
		mu.Unlock()
		if r.Header.Get("Authorization") != "Bearer tok" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		var req Request
		json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set(sessionHeader, "sess-1")
		if req.Method == "notifications/initialized" {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%d,"result":{"ok":true}}`, req.ID)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(HTTPConfig{URL: srv.URL, Headers: map[string]string{"Authorization": "Bearer tok"}, Client: srv.Client()})
	resp, err := tr.Send(context.Background(), NewRequest(1, "initialize", nil))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if resp.ID != 1 || string(resp.Result) != `{"ok":true}` {
		t.Errorf("response = %+v", resp)
	}
	if err := tr.Notify(context.Background(), NewNotification("notifications/initialized", nil)); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(sessions) != 2 || sessions[0] != "" || sessions[1] != "sess-1" {
		t.Errorf("session headers = %q", sessions)
	}
}

func TestHTTPTransport_EventStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req Request
		json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
		io.WriteString(w, "event: message\ndata: {\"jsonrpc\":\"2.0\",\"method\":\"notifications/progress\"}\n\n")
		fmt.Fprintf(w, "event: message\ndata: {\"jsonrpc\":\"2.0\",\"id\":%d,\n", req.ID)
		io.WriteString(w, "data: \"result\":{\"tools\":[]}}\n\n")
	}))
	defer srv.Close()

	tr := NewHTTPTransport(HTTPConfig{URL: srv.URL, Client: srv.Client()})
	resp, err := tr.Send(context.Background(), NewRequest(9, "tools/list", nil))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if resp.ID != 9 || string(resp.Result) != `{"tools":[]}` {
		t.Errorf("response = %+v", resp)
	}
}

func TestHTTPTransport_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "session gone", http.StatusNotFound)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(HTTPConfig{URL: srv.URL, Client: srv.Client()})
	tr.setSession("stale")
	_, err := tr.Send(context.Background(), NewRequest(1, "tools/list", nil))
	if err == nil || !strings.Contains(err.Error(), "404") {
		t.Fatalf("error = %v", err)
	}
	if tr.sessionID != "" {
		t.Errorf("stale session kept: %q", tr.sessionID)
	}
}

func TestReadEventStream_NoResponse(t *testing.T) {
	_, err := readEventStream(strings.NewReader("data: {\"jsonrpc\":\"2.0\",\"id\":2,\"result\":{}}\n\n"), 1)
	if err == nil {
		t.Error("expected error for mismatched id")
	}
}
