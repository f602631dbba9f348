package api

import (
	"net/http"
	"net/url"
	"time"

	"github.com/nugget/harbor/internal/usage"
)

// UsageResponse is the body of the usage endpoints.
type UsageResponse struct {
	Total  usage.Summary            `json:"total"`
	By     string                   `json:"by"`
	Groups map[string]usage.Summary `json:"groups"`
}

func (s *Server) handleSessionUsage(w http.ResponseWriter, r *http.Request) {
	f, g, ok := s.usageQuery(w, r.URL.Query())
	if !ok {
		return
	}
	f.SessionID = r.PathValue("id")
	s.writeUsage(w, r, f, g)
}

// handleUsage aggregates the ledger. Query parameters: since and until
// (RFC 3339), agent, user, and by (model, agent or user).
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f, g, ok := s.usageQuery(w, q)
	if !ok {
		return
	}
	f.AgentID = q.Get("agent")
	f.UserID = q.Get("user")
	s.writeUsage(w, r, f, g)
}

func (s *Server) usageQuery(w http.ResponseWriter, q url.Values) (usage.Filter, usage.Grouping, bool) {
	if s.deps.Usage == nil {
		s.errorResponse(w, http.StatusNotFound, "usage ledger not enabled")
		return usage.Filter{}, "", false
	}
	var f usage.Filter
	for _, p := range []struct {
		name string
		dst  *time.Time
	}{{"since", &f.Since}, {"until", &f.Until}} {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.errorResponse(w, http.StatusBadRequest, p.name+" must be an RFC 3339 timestamp")
			return usage.Filter{}, "", false
		}
		*p.dst = t
	}
	g, err := usage.ParseGrouping(q.Get("by"))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return usage.Filter{}, "", false
	}
	return f, g, true
}

func (s *Server) writeUsage(w http.ResponseWriter, r *http.Request, f usage.Filter, g usage.Grouping) {
	total, err := s.deps.Usage.Summary(r.Context(), f)
	if err != nil {
		s.logger.Error("usage summary failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "internal error")
		return
	}
	groups, err := s.deps.Usage.SummaryBy(r.Context(), g, f)
	if err != nil {
		s.logger.Error("usage summary failed", "by", g, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.respond(w, http.StatusOK, UsageResponse{Total: total, By: string(g), Groups: groups})
}
