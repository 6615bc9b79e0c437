package scenario

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/alfredjeanlab/gados/internal/betarun"
	"github.com/alfredjeanlab/gados/internal/bus"
	"github.com/alfredjeanlab/gados/internal/events"
	"github.com/alfredjeanlab/gados/internal/notify"
	"github.com/alfredjeanlab/gados/internal/presence"
)

// SLA defaults.
const (
	DefaultHeartbeatSLA = 30 * time.Second
	DefaultLatencySLA   = 250 * time.Millisecond
)

// Breach reasons.
const (
	ReasonHeartbeatMissed = "HEARTBEAT_MISSED"
	ReasonLatencyBreach   = "LATENCY_SLA_BREACH"
)

// SLAInput configures an SLA sentinel run.
type SLAInput struct {
	Role          string
	AgentID       string
	HeartbeatSLA  time.Duration
	LatencySLA    time.Duration
	CorrelationID string
}

// SLAResult summarises an SLA sentinel run.
type SLAResult struct {
	CorrelationID       string   `json:"correlation_id"`
	Role                string   `json:"role"`
	AgentID             string   `json:"agent_id"`
	LastSeenAt          string   `json:"last_seen_at,omitempty"`
	HeartbeatAgeSeconds *float64 `json:"heartbeat_age_seconds"`
	LatencyMS           float64  `json:"health_latency_ms"`
	Breached            bool     `json:"breached"`
	Reasons             []string `json:"reasons"`
	ReportRel           string   `json:"report_rel_path,omitempty"`
	MessageID           string   `json:"bus_message_id,omitempty"`
	QueuedPath          string   `json:"notification_queued_path,omitempty"`
}

// Beat records a heartbeat for role/agentID in the bus store and the
// presence roster.
func (r *Runner) Beat(ctx context.Context, role, agentID string) error {
	at := r.utcNow()
	if err := r.Bus.RecordHeartbeat(ctx, role, agentID, at); err != nil {
		return err
	}
	if r.Presence != nil {
		r.Presence.Beat(role, agentID, at)
	}
	r.publish(ctx, events.TopicAgentHeartbeat, events.AgentEvent{Role: role, AgentID: agentID, At: at})
	return nil
}

// AgentDead is the presence reaper callback: it warns a human that the
// agent stopped sending heartbeats and publishes the liveness change.
func (r *Runner) AgentDead(a presence.Agent, lastSeen time.Time) {
	ctx := context.Background()
	_, err := r.Notifier.Dispatch(ctx, notify.Notification{
		Type:     "AGENT_DEAD",
		Severity: "WARN",
		Title:    fmt.Sprintf("%s/%s stopped sending heartbeats", a.Role, a.AgentID),
		Payload: map[string]any{
			"role":         a.Role,
			"agent_id":     a.AgentID,
			"last_seen_at": lastSeen.UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		slog.Warn("failed to dispatch dead agent notification", "role", a.Role, "agent_id", a.AgentID, "error", err)
	}
	r.publish(ctx, events.TopicAgentDead, events.AgentEvent{Role: a.Role, AgentID: a.AgentID, At: lastSeen})
}

// SLA checks the age of the agent's last heartbeat and the latency of an
// inbox probe. A missing heartbeat is a breach. Breaches write an incident
// report and escalate at CRITICAL.
func (r *Runner) SLA(ctx context.Context, in SLAInput) (*SLAResult, error) {
	if in.Role == "" {
		in.Role = coordinatorRole
	}
	if in.AgentID == "" {
		in.AgentID = coordinatorID
	}
	if in.HeartbeatSLA <= 0 {
		in.HeartbeatSLA = DefaultHeartbeatSLA
	}
	if in.LatencySLA <= 0 {
		in.LatencySLA = DefaultLatencySLA
	}
	res := &SLAResult{
		CorrelationID: in.CorrelationID,
		Role:          in.Role,
		AgentID:       in.AgentID,
		Reasons:       []string{},
	}
	if res.CorrelationID == "" {
		res.CorrelationID = uuid.NewString()
	}

	last, err := r.Bus.LastHeartbeat(ctx, in.Role, in.AgentID)
	if err != nil {
		return nil, fmt.Errorf("load heartbeat: %w", err)
	}
	now := r.utcNow()
	if !last.IsZero() {
		res.LastSeenAt = last.UTC().Format(time.RFC3339)
		age := now.Sub(last).Seconds()
		res.HeartbeatAgeSeconds = &age
	}

	start := time.Now()
	if _, err := r.Bus.Inbox(ctx, in.Role, in.AgentID, 1); err != nil {
		return nil, fmt.Errorf("probe inbox: %w", err)
	}
	res.LatencyMS = float64(time.Since(start).Microseconds()) / 1000

	if res.HeartbeatAgeSeconds == nil || *res.HeartbeatAgeSeconds > in.HeartbeatSLA.Seconds() {
		res.Reasons = append(res.Reasons, ReasonHeartbeatMissed)
	}
	if res.LatencyMS > float64(in.LatencySLA.Microseconds())/1000 {
		res.Reasons = append(res.Reasons, ReasonLatencyBreach)
	}
	res.Breached = len(res.Reasons) > 0
	if !res.Breached {
		return res, nil
	}

	res.ReportRel, err = r.writeReport(reportsRel, "SLA-BREACH", renderSLAReport(res, in, now))
	if err != nil {
		return nil, err
	}
	payload := map[string]any{
		"schema":         "gados.sla.breach.v1",
		"event_type":     "agent.sla_breach",
		"at":             now.Format(time.RFC3339),
		"correlation_id": res.CorrelationID,
		"agent":          map[string]any{"role": in.Role, "agent_id": in.AgentID},
		"sla": map[string]any{
			"heartbeat_sla_seconds": in.HeartbeatSLA.Seconds(),
			"latency_sla_ms":        float64(in.LatencySLA.Microseconds()) / 1000,
		},
		"observations": map[string]any{
			"last_seen_at":          nullable(res.LastSeenAt),
			"heartbeat_age_seconds": res.HeartbeatAgeSeconds,
			"health_latency_ms":     res.LatencyMS,
		},
		"reasons":         res.Reasons,
		"report_rel_path": res.ReportRel,
	}
	res.MessageID, res.QueuedPath, err = r.escalate(ctx, bus.SendRequest{
		FromRole:      "SLAWatchdog",
		FromAgentID:   "SLA-1",
		Type:          "agent.sla_breach",
		Severity:      "CRITICAL",
		CorrelationID: res.CorrelationID,
		ArtifactRefs:  []string{res.ReportRel},
		Payload:       payload,
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func renderSLAReport(res *SLAResult, in SLAInput, now time.Time) string {
	var b strings.Builder
	b.WriteString("# SLA Breach Incident\n\n")
	fmt.Fprintf(&b, "**Generated (UTC)**: %s\n", now.Format(time.RFC3339))
	fmt.Fprintf(&b, "**Correlation ID**: `%s`\n", res.CorrelationID)
	fmt.Fprintf(&b, "**Agent**: `%s/%s`\n\n", in.Role, in.AgentID)
	b.WriteString("## SLA thresholds\n")
	fmt.Fprintf(&b, "- heartbeat_sla_seconds: %g\n", in.HeartbeatSLA.Seconds())
	fmt.Fprintf(&b, "- latency_sla_ms: %g\n\n", float64(in.LatencySLA.Microseconds())/1000)
	b.WriteString("## Observations\n")
	last, age := "none", "none"
	if res.LastSeenAt != "" {
		last = res.LastSeenAt
	}
	if res.HeartbeatAgeSeconds != nil {
		age = fmt.Sprintf("%.1f", *res.HeartbeatAgeSeconds)
	}
	fmt.Fprintf(&b, "- last_seen_at: `%s`\n", last)
	fmt.Fprintf(&b, "- heartbeat_age_seconds: %s\n", age)
	fmt.Fprintf(&b, "- health_latency_ms: %.3f\n\n", res.LatencyMS)
	b.WriteString("## Reasons\n")
	for _, reason := range res.Reasons {
		fmt.Fprintf(&b, "- %s\n", reason)
	}
	return b.String()
}

// WriteSLARun records res as a beta run: a breach is NO-GO, otherwise GO.
func (r *Runner) WriteSLARun(ctx context.Context, res *SLAResult) (betarun.Result, error) {
	meta := betarun.Meta{Scenario: "sla-sentinel", CorrelationID: res.CorrelationID}
	sev := "INFO"
	if res.Breached {
		meta.Recommendation = betarun.NoGo
		meta.Summary = "Agent health/SLA breach detected. Release blocked until incident is understood and resolved."
		meta.RequiredNextAction = "Review the incident report, restore heartbeats/latency, and re-run the sentinel."
		meta.Blockers = []betarun.Blocker{{Owner: "Eng", PMSummary: "SLA breach indicates operational risk; release blocked until resolved."}}
		sev = "CRITICAL"
	} else {
		meta.Recommendation = betarun.GO
		meta.Summary = "No SLA breach detected."
		meta.RequiredNextAction = "Proceed with release; continue monitoring."
	}
	age := "none"
	if res.HeartbeatAgeSeconds != nil {
		age = fmt.Sprintf("%.1f", *res.HeartbeatAgeSeconds)
	}
	meta.TopFindings = []map[string]any{{
		"severity": sev,
		"tool":     "sla",
		"title":    fmt.Sprintf("breached=%t heartbeat_age_seconds=%s latency_ms=%.3f", res.Breached, age, res.LatencyMS),
		"file":     res.ReportRel,
		"line":     "",
	}}
	meta.Checks = map[string]betarun.Check{
		"heartbeat_checked":       exitCode(true),
		"latency_checked":         exitCode(true),
		"incident_report_written": exitCode(res.ReportRel != "" || !res.Breached),
		"bus_event_emitted":       exitCode(res.MessageID != "" || !res.Breached),
		"notification_queued":     exitCode(res.QueuedPath != "" || !res.Breached),
	}
	if res.ReportRel != "" {
		meta.EvidencePaths = append(meta.EvidencePaths, res.ReportRel)
	}
	meta.EvidencePaths = append(meta.EvidencePaths, busAuditRel)
	return r.Runs.Write(ctx, meta)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
