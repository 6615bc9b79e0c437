package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/alfredjeanlab/gados/internal/artifacts"
	"github.com/alfredjeanlab/gados/internal/bus"
	"github.com/alfredjeanlab/gados/internal/reporting"
	"github.com/alfredjeanlab/gados/internal/scenario"
)

// Default inbox shown after agent runs.
const (
	defaultRole    = "CoordinationAgent"
	defaultAgentID = "CA-1"
)

// registerForms mounts the form write routes. Every route answers 303.
func (s *Server) registerForms(mux *http.ServeMux) {
	mux.HandleFunc("POST /create/epic", s.requireWrite(s.handleCreateEpic))
	mux.HandleFunc("POST /create/story", s.requireWrite(s.handleCreateStory))
	mux.HandleFunc("POST /create/change", s.requireWrite(s.handleCreateChange))
	mux.HandleFunc("POST /create/adr", s.requireWrite(s.handleCreateADR))
	mux.HandleFunc("POST /append/story-log", s.requireWrite(s.handleAppendStoryLog))
	mux.HandleFunc("POST /beta/override", s.requireWrite(s.handleOverride))
	mux.HandleFunc("POST /agents/run/daily-digest", s.requireWrite(s.handleRunDailyDigest))
	mux.HandleFunc("POST /agents/run/daily-spend-guardrail", s.requireWrite(s.handleRunGuardrail))
	mux.HandleFunc("POST /agents/run/policy-drift-watchdog", s.requireWrite(s.handleRunDrift))
	mux.HandleFunc("POST /agents/heartbeat", s.requireWrite(s.handleHeartbeatForm))
	mux.HandleFunc("POST /agents/run/sla-sentinel", s.requireWrite(s.handleRunSLA))
	mux.HandleFunc("POST /agents/run/notifications-digest", s.requireWrite(s.handleFlushDigest))
	mux.HandleFunc("POST /bus/send", s.requireWrite(s.handleBusSendForm))
	mux.HandleFunc("POST /bus/ack", s.requireWrite(s.handleBusAckForm))
}

func (s *Server) handleCreateEpic(w http.ResponseWriter, r *http.Request) {
	if err := parseForm(r); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := requireFields(r, "epic_id", "title"); err != nil {
		s.fail(w, r, err)
		return
	}
	rel, err := artifacts.CreateEpic(s.project, artifacts.EpicInput{
		EpicID: formValue(r, "epic_id", ""),
		Title:  formValue(r, "title", ""),
		Owner:  formValue(r, "owner", ""),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	redirectView(w, r, rel)
}

func (s *Server) handleCreateStory(w http.ResponseWriter, r *http.Request) {
	if err := parseForm(r); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := requireFields(r, "story_id", "title", "epic_id"); err != nil {
		s.fail(w, r, err)
		return
	}
	rel, err := artifacts.CreateStory(s.project, artifacts.StoryInput{
		StoryID: formValue(r, "story_id", ""),
		EpicID:  formValue(r, "epic_id", ""),
		Title:   formValue(r, "title", ""),
	}, s.now())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	redirectView(w, r, rel)
}

func (s *Server) handleCreateChange(w http.ResponseWriter, r *http.Request) {
	if err := parseForm(r); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := requireFields(r, "change_id", "story_id", "epic_id", "title"); err != nil {
		s.fail(w, r, err)
		return
	}
	rel, err := artifacts.CreateChange(s.project, artifacts.ChangeInput{
		ChangeID: formValue(r, "change_id", ""),
		StoryID:  formValue(r, "story_id", ""),
		EpicID:   formValue(r, "epic_id", ""),
		Title:    formValue(r, "title", ""),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	redirectView(w, r, rel)
}

func (s *Server) handleCreateADR(w http.ResponseWriter, r *http.Request) {
	if err := parseForm(r); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := requireFields(r, "adr_id", "title", "human", "requested_by"); err != nil {
		s.fail(w, r, err)
		return
	}
	rel, err := artifacts.CreateADR(s.project, artifacts.ADRInput{
		ADRID:       formValue(r, "adr_id", ""),
		Title:       formValue(r, "title", ""),
		Human:       formValue(r, "human", ""),
		RequestedBy: formValue(r, "requested_by", ""),
		SubmittedBy: userFrom(r.Context()),
	}, s.now())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	redirectView(w, r, rel)
}

func (s *Server) handleAppendStoryLog(w http.ResponseWriter, r *http.Request) {
	if err := parseForm(r); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := requireFields(r, "story_id", "actor_role", "actor", "event_type"); err != nil {
		s.fail(w, r, err)
		return
	}
	rel, err := artifacts.AppendStoryLog(s.project, formValue(r, "story_id", ""), artifacts.StoryLogEvent{
		ActorRole:   formValue(r, "actor_role", ""),
		Actor:       formValue(r, "actor", ""),
		Type:        formValue(r, "event_type", ""),
		Notes:       r.PostFormValue("notes"),
		SubmittedBy: userFrom(r.Context()),
	}, s.now())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	redirectView(w, r, rel)
}

func (s *Server) handleOverride(w http.ResponseWriter, r *http.Request) {
	if err := parseForm(r); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := requireFields(r, "run_key", "approved_by", "reason"); err != nil {
		s.fail(w, r, err)
		return
	}
	rel, _, err := artifacts.CreateOverride(s.project, artifacts.OverrideInput{
		RunKey:     formValue(r, "run_key", ""),
		ApprovedBy: formValue(r, "approved_by", ""),
		Role:       formValue(r, "role", "HumanAuthority"),
		Reason:     formValue(r, "reason", ""),
	}, s.now())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	redirectView(w, r, rel)
}

func (s *Server) handleRunDailyDigest(w http.ResponseWriter, r *http.Request) {
	rel, err := reporting.RunDailyDigest(r.Context(), s.project, s.now())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	redirectView(w, r, rel)
}

func (s *Server) handleRunGuardrail(w http.ResponseWriter, r *http.Request) {
	if err := parseForm(r); err != nil {
		s.fail(w, r, err)
		return
	}
	budget, err := strconv.ParseFloat(formValue(r, "budget_usd", "10.00"), 64)
	if err != nil {
		s.fail(w, r, inputError("invalid budget_usd"))
		return
	}
	var steps []float64
	if raw := strings.TrimSpace(r.PostFormValue("spend_steps")); raw != "" {
		if steps, err = scenario.ParseSteps(raw); err != nil {
			s.fail(w, r, inputError("invalid spend_steps"))
			return
		}
	}
	res, err := s.scenarios.Guardrail(r.Context(), scenario.GuardrailInput{BudgetUSD: budget, StepsUSD: steps})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if _, err := s.scenarios.WriteGuardrailRun(r.Context(), res); err != nil {
		s.fail(w, r, err)
		return
	}
	if res.EscalationRel != "" {
		redirectView(w, r, res.EscalationRel)
		return
	}
	redirectInbox(w, r, defaultRole, defaultAgentID)
}

func (s *Server) handleRunDrift(w http.ResponseWriter, r *http.Request) {
	if err := parseForm(r); err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.scenarios.Drift(r.Context(), formValue(r, "baseline_rel_path", scenario.DefaultBaselineRel), "")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if _, err := s.scenarios.WriteDriftRun(r.Context(), res); err != nil {
		s.fail(w, r, err)
		return
	}
	if res.ReportRel != "" {
		redirectView(w, r, res.ReportRel)
		return
	}
	redirectInbox(w, r, defaultRole, defaultAgentID)
}

func (s *Server) handleHeartbeatForm(w http.ResponseWriter, r *http.Request) {
	if err := parseForm(r); err != nil {
		s.fail(w, r, err)
		return
	}
	role := formValue(r, "role", defaultRole)
	agentID := formValue(r, "agent_id", defaultAgentID)
	if err := s.scenarios.Beat(r.Context(), role, agentID); err != nil {
		s.fail(w, r, err)
		return
	}
	redirectInbox(w, r, role, agentID)
}

func (s *Server) handleRunSLA(w http.ResponseWriter, r *http.Request) {
	if err := parseForm(r); err != nil {
		s.fail(w, r, err)
		return
	}
	role := formValue(r, "role", defaultRole)
	agentID := formValue(r, "agent_id", defaultAgentID)
	hb, err1 := strconv.ParseFloat(formValue(r, "heartbeat_sla_seconds", "30"), 64)
	lat, err2 := strconv.ParseFloat(formValue(r, "latency_sla_ms", "250"), 64)
	if err1 != nil || err2 != nil {
		s.fail(w, r, inputError("invalid SLA values"))
		return
	}
	res, err := s.scenarios.SLA(r.Context(), scenario.SLAInput{
		Role:         role,
		AgentID:      agentID,
		HeartbeatSLA: time.Duration(hb * float64(time.Second)),
		LatencySLA:   time.Duration(lat * float64(time.Millisecond)),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if _, err := s.scenarios.WriteSLARun(r.Context(), res); err != nil {
		s.fail(w, r, err)
		return
	}
	if res.ReportRel != "" {
		redirectView(w, r, res.ReportRel)
		return
	}
	redirectInbox(w, r, role, agentID)
}

func (s *Server) handleFlushDigest(w http.ResponseWriter, r *http.Request) {
	path, _, err := s.notifier.FlushDigest()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if path == "" {
		redirectInbox(w, r, defaultRole, defaultAgentID)
		return
	}
	redirectView(w, r, s.project.Rel(path))
}

func (s *Server) handleBusSendForm(w http.ResponseWriter, r *http.Request) {
	if err := parseForm(r); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := requireFields(r, "from_role", "from_agent_id", "to_role", "to_agent_id", "type"); err != nil {
		s.fail(w, r, err)
		return
	}
	user := userFrom(r.Context())
	notes := r.PostFormValue("notes")
	req := bus.SendRequest{
		FromRole:    formValue(r, "from_role", ""),
		FromAgentID: formValue(r, "from_agent_id", ""),
		ToRole:      formValue(r, "to_role", ""),
		ToAgentID:   formValue(r, "to_agent_id", ""),
		Type:        formValue(r, "type", ""),
		Severity:    formValue(r, "severity", "INFO"),
		StoryID:     formValue(r, "story_id", ""),
		EpicID:      formValue(r, "epic_id", ""),
	}
	if notes != "" || user != "" {
		req.Payload = map[string]any{
			"notes":            notes,
			"submitted_by":     user,
			"submitted_at_utc": s.now().UTC().Truncate(time.Second).Format(time.RFC3339),
		}
	}
	if _, err := s.bus.Send(r.Context(), req); err != nil {
		s.fail(w, r, err)
		return
	}
	redirectInbox(w, r, req.ToRole, req.ToAgentID)
}

func (s *Server) handleBusAckForm(w http.ResponseWriter, r *http.Request) {
	if err := parseForm(r); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := requireFields(r, "message_id", "status", "actor_role", "actor_id"); err != nil {
		s.fail(w, r, err)
		return
	}
	notes := strings.TrimSpace(r.PostFormValue("notes") + " (submitted_by=" + userFrom(r.Context()) + ")")
	err := s.bus.Ack(r.Context(), bus.AckRequest{
		MessageID: formValue(r, "message_id", ""),
		Status:    formValue(r, "status", ""),
		ActorRole: formValue(r, "actor_role", ""),
		ActorID:   formValue(r, "actor_id", ""),
		Notes:     notes,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	redirectInbox(w, r, formValue(r, "redirect_role", defaultRole), formValue(r, "redirect_agent_id", defaultAgentID))
}
