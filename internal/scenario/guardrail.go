package scenario

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/alfredjeanlab/gados/internal/artifacts"
	"github.com/alfredjeanlab/gados/internal/betarun"
	"github.com/alfredjeanlab/gados/internal/bus"
	"github.com/alfredjeanlab/gados/internal/economics"
	"github.com/alfredjeanlab/gados/internal/events"
)

// DefaultBudgetUSD is the guardrail budget when none is given.
const DefaultBudgetUSD = 10.0

// defaultStepRatios splits the budget into spend steps that cross every
// threshold up to HARD_STOP.
var defaultStepRatios = []float64{0.4, 0.4, 0.3}

// GuardrailInput configures a spend guardrail run.
type GuardrailInput struct {
	BudgetUSD     float64
	StepsUSD      []float64
	ScopeID       string
	CorrelationID string
}

// GuardrailResult summarises a spend guardrail run.
type GuardrailResult struct {
	CorrelationID string   `json:"correlation_id"`
	ScopeID       string   `json:"scope_id"`
	BudgetUSD     float64  `json:"budget_usd"`
	SpendUSD      float64  `json:"spend_usd"`
	Threshold     string   `json:"threshold,omitempty"`
	Reached       []string `json:"reached"`
	LedgerRel     string   `json:"ledger_rel_path"`
	EscalationRel string   `json:"escalation_rel_path,omitempty"`
	MessageID     string   `json:"bus_message_id,omitempty"`
	QueuedPath    string   `json:"notification_queued_path,omitempty"`
}

// ThresholdSeverity maps an economics level onto a bus severity.
func ThresholdSeverity(level string) string {
	switch level {
	case economics.LevelWarn:
		return "WARN"
	case economics.LevelHigh:
		return "ERROR"
	case economics.LevelCritical, economics.LevelHardStop:
		return "CRITICAL"
	}
	return "INFO"
}

// ParseSteps parses a comma separated list of spend amounts.
func ParseSteps(s string) ([]float64, error) {
	var steps []float64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := strconv.ParseFloat(part, 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return nil, fmt.Errorf("invalid spend step %q", part)
		}
		steps = append(steps, v)
	}
	return steps, nil
}

// Guardrail appends simulated spend to the ledger step by step and escalates
// the first time a budget threshold is reached. Later thresholds are
// recorded in Reached without escalating again.
func (r *Runner) Guardrail(ctx context.Context, in GuardrailInput) (*GuardrailResult, error) {
	budget := in.BudgetUSD
	if budget <= 0 || math.IsNaN(budget) || math.IsInf(budget, 0) {
		budget = DefaultBudgetUSD
	}
	steps := in.StepsUSD
	if len(steps) == 0 {
		for _, ratio := range defaultStepRatios {
			steps = append(steps, budget*ratio)
		}
	}
	now := r.utcNow()
	res := &GuardrailResult{
		CorrelationID: in.CorrelationID,
		ScopeID:       in.ScopeID,
		BudgetUSD:     budget,
		Reached:       []string{},
		LedgerRel:     ledgerRel,
	}
	if res.CorrelationID == "" {
		res.CorrelationID = uuid.NewString()
	}
	if res.ScopeID == "" {
		res.ScopeID = now.Format("2006-01-02")
	}
	scope := economics.Scope{Type: "day", ID: res.ScopeID}
	runID := uuid.NewString()

	var entries []economics.Entry
	for i, amount := range steps {
		e, err := r.Ledger.Append(economics.Entry{
			CorrelationID: res.CorrelationID,
			RunID:         runID,
			Producer:      "beta.spend_guardrail",
			Category:      "llm_tokens",
			Unit:          "usd",
			Quantity:      amount,
			UnitCostUSD:   1,
			Labels:        map[string]any{"scenario": "daily_spend_guardrail", "scope_id": res.ScopeID, "step": i},
			Vendor:        "simulated",
			Model:         "simulated",
			Notes:         fmt.Sprintf("beta guardrail spend step %d", i),
		})
		if err != nil {
			return nil, fmt.Errorf("append spend step %d: %w", i, err)
		}
		entries = append(entries, e)

		trig := economics.BuildTriggerEvent(entries, budget, scope, res.CorrelationID)
		if trig == nil {
			continue
		}
		level := trig.Facts.Threshold
		if len(res.Reached) == 0 || res.Reached[len(res.Reached)-1] != level {
			res.Reached = append(res.Reached, level)
		}
		if res.EscalationRel != "" {
			continue
		}
		res.Threshold = level
		if err := r.escalateBudget(ctx, res, trig); err != nil {
			return nil, err
		}
	}
	res.SpendUSD = economics.Total(entries)
	return res, nil
}

func (r *Runner) escalateBudget(ctx context.Context, res *GuardrailResult, trig *economics.TriggerEvent) error {
	severity := ThresholdSeverity(res.Threshold)
	escRel, err := r.writeEscalation(res, trig, severity)
	if err != nil {
		return err
	}
	res.EscalationRel = escRel

	payload, err := asMap(trig)
	if err != nil {
		return fmt.Errorf("encode trigger: %w", err)
	}
	res.MessageID, res.QueuedPath, err = r.escalate(ctx, bus.SendRequest{
		FromRole:       "EconomicsAgent",
		FromAgentID:    "ECO-1",
		Type:           "economics.budget_threshold",
		Severity:       severity,
		CorrelationID:  res.CorrelationID,
		IdempotencyKey: res.CorrelationID + ":" + res.Threshold,
		ArtifactRefs:   []string{escRel},
		Payload:        payload,
	})
	if err != nil {
		return err
	}
	r.publish(ctx, events.TopicBudgetThreshold, events.BudgetThreshold{
		CorrelationID: res.CorrelationID,
		Level:         res.Threshold,
		SpentUSD:      deref(trig.Facts.SpendUSD),
		BudgetUSD:     res.BudgetUSD,
	})
	return nil
}

var escalationRE = regexp.MustCompile(`^ESCALATION-(\d{3})\.md$`)

const escalationFallback = `# ESCALATION-###: <Title>

**Date (UTC)**: <YYYY-MM-DD>
**Severity**: LOW | MEDIUM | HIGH | CRITICAL
**Raised by**: <name>

## Summary
What decision is needed and why was it escalated?
`

func (r *Runner) writeEscalation(res *GuardrailResult, trig *economics.TriggerEvent, severity string) (string, error) {
	tpl, err := artifacts.Read(r.Project, "templates/ESCALATION.template.md")
	if err != nil {
		tpl = escalationFallback
	}
	now := r.utcNow()
	body := fmt.Sprintf("Budget threshold reached.\n\n"+
		"- correlation_id: `%s`\n"+
		"- scope: `day/%s`\n"+
		"- threshold: **%s**\n"+
		"- spend_usd: %s\n"+
		"- budget_usd: %s\n"+
		"- generated_at_utc: %s\n",
		res.CorrelationID, res.ScopeID, res.Threshold,
		formatUSD(deref(trig.Facts.SpendUSD)), formatUSD(res.BudgetUSD),
		now.Format("2006-01-02T15:04:05Z"))
	escSeverity := "HIGH"
	if severity == "ERROR" || severity == "CRITICAL" {
		escSeverity = "CRITICAL"
	}

	dir, err := r.Project.Resolve("decision")
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create decision dir: %w", err)
	}
	for attempt := 0; attempt < betarun.MaxAllocAttempts; attempt++ {
		id, err := nextEscalationID(dir)
		if err != nil {
			return "", err
		}
		content := artifacts.RenderTemplate(tpl,
			"ESCALATION-###", id,
			"<Title>", fmt.Sprintf("Economics threshold %s reached (daily spend guardrail)", res.Threshold),
			"<YYYY-MM-DD>", now.Format("2006-01-02"),
			"LOW | MEDIUM | HIGH | CRITICAL", escSeverity,
			"<name>", coordinatorRole,
			"What decision is needed and why was it escalated?", body,
		)
		f, err := os.OpenFile(filepath.Join(dir, id+".md"), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("create escalation: %w", err)
		}
		_, werr := f.WriteString(content)
		if cerr := f.Close(); werr == nil {
			werr = cerr
		}
		if werr != nil {
			return "", fmt.Errorf("write escalation: %w", werr)
		}
		return "decision/" + id + ".md", nil
	}
	return "", betarun.ErrAllocExhausted
}

func nextEscalationID(dir string) (string, error) {
	des, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("list decisions: %w", err)
	}
	next := 1
	for _, de := range des {
		m := escalationRE.FindStringSubmatch(de.Name())
		if m == nil || de.IsDir() {
			continue
		}
		if n, _ := strconv.Atoi(m[1]); n+1 > next {
			next = n + 1
		}
	}
	return fmt.Sprintf("ESCALATION-%03d", next), nil
}

// WriteGuardrailRun records res as a beta run: CRITICAL and HARD_STOP are
// NO-GO, WARN and HIGH need REVIEW, no threshold is GO.
func (r *Runner) WriteGuardrailRun(ctx context.Context, res *GuardrailResult) (betarun.Result, error) {
	meta := betarun.Meta{Scenario: "daily-spend-guardrail", CorrelationID: res.CorrelationID}
	sev := "INFO"
	switch res.Threshold {
	case economics.LevelCritical, economics.LevelHardStop:
		meta.Recommendation = betarun.NoGo
		meta.Summary = "Budget threshold breached at critical level. Release blocked until spend is understood and controlled."
		meta.RequiredNextAction = "Review the escalation artifact, reduce spend, and re-run guardrail after remediation."
		meta.Blockers = []betarun.Blocker{{Owner: "Eng+PM", PMSummary: "Spend exceeded approved budget threshold; release blocked until mitigated."}}
		sev = "CRITICAL"
	case economics.LevelWarn, economics.LevelHigh:
		meta.Recommendation = betarun.Review
		meta.Summary = "Budget threshold warning detected. Release requires review before proceeding."
		meta.RequiredNextAction = "Review spend drivers and confirm budget approval before release."
		meta.Blockers = []betarun.Blocker{{Owner: "PM", PMSummary: "Spend warning requires approval; confirm budget and proceed with caution."}}
		sev = res.Threshold
	default:
		meta.Recommendation = betarun.GO
		meta.Summary = "No budget threshold breach detected."
		meta.RequiredNextAction = "Proceed with release; continue monitoring spend."
	}
	threshold := res.Threshold
	if threshold == "" {
		threshold = "NONE"
	}
	file := res.EscalationRel
	if file == "" {
		file = res.LedgerRel
	}
	meta.TopFindings = []map[string]any{{
		"severity": sev,
		"tool":     "economics",
		"title":    fmt.Sprintf("Threshold=%s spend_usd=%.2f budget_usd=%.2f", threshold, res.SpendUSD, res.BudgetUSD),
		"file":     file,
		"line":     "",
	}}
	meta.Checks = map[string]betarun.Check{
		"ledger_appended":     exitCode(res.LedgerRel != ""),
		"escalation_created":  exitCode(res.EscalationRel != ""),
		"bus_event_emitted":   exitCode(res.MessageID != ""),
		"notification_queued": exitCode(res.QueuedPath != ""),
	}
	meta.EvidencePaths = []string{res.LedgerRel}
	if res.EscalationRel != "" {
		meta.EvidencePaths = append(meta.EvidencePaths, res.EscalationRel)
	}
	meta.EvidencePaths = append(meta.EvidencePaths, busAuditRel, reportsRel)
	return r.Runs.Write(ctx, meta)
}

func deref(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}

func formatUSD(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
