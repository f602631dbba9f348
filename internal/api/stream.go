package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/harbor/internal/bus"
)

const (
	streamBuffer  = 256
	writeTimeout  = 10 * time.Second
	pingInterval  = 30 * time.Second
	readIdleLimit = 2 * pingInterval
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Observers authenticate with the API token, not cookies, so any
	// origin may connect.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleEvents streams a session's events over a websocket. With
// ?cursor=N the observer first receives every structural event after
// N from the replay log, then live events. The live subscription is
// opened before the replay read, and live structural events at or
// below the last replayed seq are dropped, so nothing is missed or
// repeated. An observer that falls behind the buffer is disconnected
// and expected to reconnect from its last seq. A cursor past the
// session's last assigned seq is rejected, since live events at or
// below it would otherwise be dropped.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var cursor int64
	if v := r.URL.Query().Get("cursor"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			s.errorResponse(w, http.StatusBadRequest, "cursor must be a non-negative integer")
			return
		}
		cursor = n
	}
	if cursor > 0 {
		head, err := s.deps.Replay.Head(r.Context(), id)
		if err != nil {
			s.logger.Warn("replay head read failed", "session_id", id, "error", err)
			s.errorResponse(w, http.StatusServiceUnavailable, "replay unavailable")
			return
		}
		if cursor > head {
			s.errorResponse(w, http.StatusBadRequest, "cursor is ahead of the session's last event")
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "session_id", id, "error", err)
		return
	}
	defer conn.Close()

	log := s.logger.With("session_id", id, "remote", r.RemoteAddr)
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	live := make(chan []byte, streamBuffer)
	overflow := make(chan struct{})
	var once sync.Once
	unsub, err := s.deps.Events.Subscribe(ctx, bus.SessionEvents(id), func(_ string, payload []byte) {
		select {
		case live <- append([]byte(nil), payload...):
		default:
			once.Do(func() { close(overflow) })
		}
	})
	if err != nil {
		log.Warn("observer subscribe failed", "error", err)
		s.closeWith(conn, websocket.CloseInternalServerErr, "subscribe failed")
		return
	}
	defer func() {
		if err := unsub(context.WithoutCancel(ctx)); err != nil {
			log.Debug("observer unsubscribe failed", "error", err)
		}
	}()

	backlog, err := s.deps.Replay.Since(r.Context(), id, cursor)
	if err != nil {
		log.Warn("replay read failed", "cursor", cursor, "error", err)
		s.closeWith(conn, websocket.CloseInternalServerErr, "replay unavailable")
		return
	}
	high := cursor
	for _, env := range backlog {
		b, err := json.Marshal(env)
		if err != nil {
			continue
		}
		if err := s.write(conn, b); err != nil {
			log.Debug("observer write failed", "error", err)
			return
		}
		high = max(high, env.Seq)
	}
	log.Debug("observer attached", "cursor", cursor, "replayed", len(backlog))

	// The read side only services control frames and detects the close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(4096)
		_ = conn.SetReadDeadline(time.Now().Add(readIdleLimit))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(readIdleLimit))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case b := <-live:
			var head struct {
				Seq int64 `json:"seq"`
			}
			if err := json.Unmarshal(b, &head); err != nil {
				continue
			}
			if head.Seq > 0 {
				if head.Seq <= high {
					continue
				}
				high = head.Seq
			}
			if err := s.write(conn, b); err != nil {
				log.Debug("observer write failed", "error", err)
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-overflow:
			log.Info("observer fell behind, disconnecting", "last_seq", high)
			s.closeWith(conn, websocket.ClosePolicyViolation, "fell behind; reconnect with cursor "+strconv.FormatInt(high, 10))
			return
		case <-closed:
			log.Debug("observer detached")
			return
		case <-ctx.Done():
			s.closeWith(conn, websocket.CloseGoingAway, "server shutting down")
			return
		}
	}
}

func (s *Server) write(conn *websocket.Conn, b []byte) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, b)
}

func (s *Server) closeWith(conn *websocket.Conn, code int, text string) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, text),
		time.Now().Add(time.Second))
}
