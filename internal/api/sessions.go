package api

import (
	"encoding/json"
	"net/http"

	"github.com/nugget/harbor/internal/commands"
	"github.com/nugget/harbor/internal/session"
	"github.com/nugget/harbor/internal/store"
)

// maxBody caps request bodies, attachments included.
const maxBody = 32 << 20

// StartRequest is the body of POST /v1/sessions.
type StartRequest struct {
	SessionID   string          `json:"session_id,omitempty"`
	AgentID     string          `json:"agent_id"`
	Model       string          `json:"model,omitempty"`
	SessionType string          `json:"session_type,omitempty"`
	UserID      string          `json:"user_id,omitempty"`
	Relay       *commands.Relay `json:"relay,omitempty"`
}

// MessageRequest is the body of POST /v1/sessions/{id}/messages.
type MessageRequest struct {
	Content      string                `json:"content"`
	Model        string                `json:"model,omitempty"`
	MessageID    string                `json:"message_id,omitempty"`
	Attachments  []commands.Attachment `json:"attachments,omitempty"`
	OutputSchema json.RawMessage       `json:"output_schema,omitempty"`
	SystemPrompt string                `json:"system_prompt,omitempty"`
}

// MessageResponse acknowledges a dispatched message.
type MessageResponse struct {
	SessionID string `json:"session_id"`
	MessageID string `json:"message_id"`
}

// LifecycleResponse acknowledges a queued lifecycle entry.
type LifecycleResponse struct {
	SessionID string `json:"session_id"`
	EntryID   int64  `json:"entry_id,omitempty"`
	Status    string `json:"status"`
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(v); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func (s *Server) handleSessionList(w http.ResponseWriter, _ *http.Request) {
	s.respond(w, http.StatusOK, map[string]any{"sessions": s.deps.Sessions.Sessions()})
}

func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.deps.Sessions.Session(r.PathValue("id"))
	if !ok {
		s.errorResponse(w, http.StatusNotFound, "session not found")
		return
	}
	s.respond(w, http.StatusOK, snap)
}

// handleSessionStart queues a start on the lifecycle stream, or starts
// the session inline when no stream is configured.
func (s *Server) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if !s.decode(w, r, &req) {
		return
	}
	lc := commands.Lifecycle{
		Event:       commands.LifecycleStart,
		SessionID:   req.SessionID,
		AgentID:     req.AgentID,
		Model:       req.Model,
		SessionType: req.SessionType,
		UserID:      req.UserID,
		Relay:       req.Relay,
	}
	if lc.Relay != nil && lc.Relay.Validate() == nil {
		if lc.SessionID == "" {
			lc.SessionID = commands.StageSessionID(lc.Relay.ID, lc.Relay.Index)
		}
		stage := lc.Relay.Current()
		if lc.AgentID == "" {
			lc.AgentID = stage.AgentID
		}
		if lc.Model == "" {
			lc.Model = stage.Model
		}
		lc.SessionType = commands.KindTask
	}
	if lc.SessionID == "" {
		lc.SessionID = store.NewID()
	}
	if err := lc.Validate(); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	if s.deps.Lifecycle != nil {
		s.submit(w, r, lc)
		return
	}

	err := s.deps.Sessions.StartSession(r.Context(), session.StartRequest{
		ID:      lc.SessionID,
		AgentID: lc.AgentID,
		Model:   lc.Model,
		Kind:    lc.SessionType,
		UserID:  lc.UserID,
		Relay:   lc.Relay,
	})
	if err != nil {
		s.sessionError(w, err)
		return
	}
	if snap, ok := s.deps.Sessions.Session(lc.SessionID); ok {
		s.respond(w, http.StatusCreated, snap)
		return
	}
	// Already owned by another host, or already finished.
	s.respond(w, http.StatusOK, LifecycleResponse{SessionID: lc.SessionID, Status: "unchanged"})
}

func (s *Server) handleSessionStop(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.deps.Lifecycle != nil {
		s.submit(w, r, commands.Lifecycle{Event: commands.LifecycleStop, SessionID: id})
		return
	}
	if err := s.deps.Sessions.StopSession(r.Context(), id); err != nil {
		s.sessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSessionModel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req struct {
		Model string `json:"model"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.Model == "" {
		s.errorResponse(w, http.StatusBadRequest, "model is required")
		return
	}
	if s.deps.Lifecycle != nil {
		s.submit(w, r, commands.Lifecycle{Event: commands.LifecycleUpdateModel, SessionID: id, Model: req.Model})
		return
	}
	if err := s.deps.Sessions.UpdateModel(r.Context(), id, req.Model); err != nil {
		s.sessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request, lc commands.Lifecycle) {
	entry, err := s.deps.Lifecycle.Submit(r.Context(), lc)
	if err != nil {
		s.logger.Error("lifecycle submit failed", "event", lc.Event, "session_id", lc.SessionID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "could not queue lifecycle entry")
		return
	}
	s.logger.Debug("lifecycle entry queued", "event", lc.Event, "session_id", lc.SessionID, "entry_id", entry)
	s.respond(w, http.StatusAccepted, LifecycleResponse{SessionID: lc.SessionID, EntryID: entry, Status: "queued"})
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req MessageRequest
	if !s.decode(w, r, &req) {
		return
	}
	cmd := commands.Command{
		Type:         commands.Message,
		Content:      req.Content,
		Model:        req.Model,
		MessageID:    req.MessageID,
		Attachments:  req.Attachments,
		OutputSchema: req.OutputSchema,
		SystemPrompt: req.SystemPrompt,
	}
	if err := cmd.Validate(); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	messageID, err := s.deps.Sessions.SendMessage(r.Context(), id, cmd)
	if err != nil {
		s.sessionError(w, err)
		return
	}
	s.respond(w, http.StatusAccepted, MessageResponse{SessionID: id, MessageID: messageID})
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Sessions.Abort(r.Context(), r.PathValue("id")); err != nil {
		s.sessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
