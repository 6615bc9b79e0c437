package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/alfredjeanlab/gados/internal/bus"
	"github.com/alfredjeanlab/gados/internal/registry"
	"github.com/alfredjeanlab/gados/internal/validator"
)

// defaultStaleThreshold hides agents from the roster after this much silence
// unless the caller asks for a different window.
const defaultStaleThreshold = time.Hour

// registerAPI mounts the /v1 JSON routes.
func (s *Server) registerAPI(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/health", s.handleHealth)
	mux.HandleFunc("POST /v1/bus/messages", s.requireWrite(s.handleSend))
	mux.HandleFunc("GET /v1/bus/inbox", s.handleInbox)
	mux.HandleFunc("POST /v1/bus/messages/{id}/ack", s.requireWrite(s.handleAck))
	mux.HandleFunc("POST /v1/agents/heartbeat", s.requireWrite(s.handleHeartbeat))
	mux.HandleFunc("GET /v1/agents/roster", s.handleRoster)
	mux.HandleFunc("GET /v1/validate", s.handleValidate)
	mux.HandleFunc("POST /v1/runs", s.requireWrite(s.handleStartRun))
	mux.HandleFunc("POST /v1/runs/{id}/complete", s.requireWrite(s.handleCompleteRun))
	mux.HandleFunc("GET /v1/runs", s.handleListRuns)
	mux.HandleFunc("GET /v1/projects", s.handleListProjects)
	mux.HandleFunc("GET /v1/beta/runs", s.handleListBetaRuns)
	mux.HandleFunc("POST /v1/track", s.requireWrite(s.handleTrack))
	mux.HandleFunc("GET /v1/events/stream", s.handleEventStream)
}

// handleSend handles POST /v1/bus/messages.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req bus.SendRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.bus.Send(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	code := http.StatusCreated
	if res.Duplicate {
		code = http.StatusOK
	}
	writeJSON(w, code, res)
}

// handleInbox handles GET /v1/bus/inbox.
func (s *Server) handleInbox(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	role, agentID := q.Get("role"), q.Get("agent_id")
	if role == "" || agentID == "" {
		s.fail(w, r, inputError("role and agent_id are required"))
		return
	}
	limit, err := queryInt(r, "limit", bus.DefaultInboxLimit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	msgs, err := s.bus.Inbox(r.Context(), role, agentID, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

// handleAck handles POST /v1/bus/messages/{id}/ack.
func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	var req bus.AckRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	req.MessageID = r.PathValue("id")
	if req.ActorID == "" {
		req.ActorID = userFrom(r.Context())
	}
	if err := s.bus.Ack(r.Context(), req); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "message_id": req.MessageID})
}

type heartbeatRequest struct {
	Role    string `json:"role"`
	AgentID string `json:"agent_id"`
}

// handleHeartbeat handles POST /v1/agents/heartbeat.
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if req.Role == "" || req.AgentID == "" {
		s.fail(w, r, inputError("role and agent_id are required"))
		return
	}
	if err := s.scenarios.Beat(r.Context(), req.Role, req.AgentID); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleRoster handles GET /v1/agents/roster. stale_threshold_secs
// overrides the default window; 0 lists every known agent.
func (s *Server) handleRoster(w http.ResponseWriter, r *http.Request) {
	stale := defaultStaleThreshold
	if v := r.URL.Query().Get("stale_threshold_secs"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs < 0 {
			s.fail(w, r, inputError("stale_threshold_secs must be a non-negative integer"))
			return
		}
		stale = time.Duration(secs) * time.Second
	}
	alive := 0
	for _, e := range s.presence.Roster(0) {
		if !e.Dead {
			alive++
		}
	}
	s.metrics.AgentsAlive.Set(float64(alive))
	writeJSON(w, http.StatusOK, map[string]any{"agents": s.presence.Roster(stale)})
}

// handleValidate handles GET /v1/validate.
func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	findings, err := s.validate()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	errs, warns := validator.Counts(findings)
	writeJSON(w, http.StatusOK, map[string]any{
		"findings": findings,
		"errors":   errs,
		"warnings": warns,
	})
}

// handleStartRun handles POST /v1/runs.
func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req registry.StartRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if req.ProjectID == "" {
		s.fail(w, r, inputError("project_id is required"))
		return
	}
	if req.TriggeredBy == "" {
		req.TriggeredBy = userFrom(r.Context())
	}
	run, err := s.registry.Start(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

// handleCompleteRun handles POST /v1/runs/{id}/complete.
func (s *Server) handleCompleteRun(w http.ResponseWriter, r *http.Request) {
	var req registry.CompleteRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if req.FinishedBy == "" {
		req.FinishedBy = userFrom(r.Context())
	}
	run, err := s.registry.Complete(r.Context(), r.PathValue("id"), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// handleListRuns handles GET /v1/runs.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", registry.DefaultLimit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	runs, err := s.registry.List(r.URL.Query().Get("project"), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// handleListProjects handles GET /v1/projects.
func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", registry.DefaultLimit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	projects, err := s.registry.Projects(limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": projects})
}

// handleListBetaRuns handles GET /v1/beta/runs.
func (s *Server) handleListBetaRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.runs.List()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

type trackRequest struct {
	Event      string         `json:"event"`
	UserID     string         `json:"user_id"`
	Properties map[string]any `json:"properties"`
}

// handleTrack handles POST /v1/track.
func (s *Server) handleTrack(w http.ResponseWriter, r *http.Request) {
	var req trackRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if req.Event == "" {
		s.fail(w, r, inputError("event is required"))
		return
	}
	ev, err := s.analytics.Track(r.Context(), req.Event, req.UserID, req.Properties)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "redactions": ev.Redactions})
}
