package scenario

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mitchellh/mapstructure"

	"github.com/alfredjeanlab/gados/internal/artifacts"
	"github.com/alfredjeanlab/gados/internal/betarun"
	"github.com/alfredjeanlab/gados/internal/bus"
)

// DefaultBaselineRel is the approved policy baseline.
const DefaultBaselineRel = "memory/BETA_POLICY_BASELINE.yaml"

// unset is reported as the actual value of a missing variable.
const unset = "<unset>"

// ErrInvalidBaseline is returned when the baseline is not a mapping of
// policies.
var ErrInvalidBaseline = errors.New("invalid policy baseline")

var policySeverityRank = map[string]int{"LOW": 10, "MEDIUM": 20, "HIGH": 30, "CRITICAL": 40}

func policyRank(sev string) int {
	if r, ok := policySeverityRank[strings.ToUpper(sev)]; ok {
		return r
	}
	return policySeverityRank["LOW"]
}

// Policy is one baseline entry keyed by environment variable.
type Policy struct {
	Type          string `mapstructure:"type"`
	Severity      string `mapstructure:"severity"`
	Expected      any    `mapstructure:"expected"`
	ExpectedOneOf any    `mapstructure:"expected_one_of"`
}

// Drift is one variable that does not match its baseline.
type Drift struct {
	Key      string `json:"key"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
	Severity string `json:"severity"`
}

// DriftResult summarises a policy drift run.
type DriftResult struct {
	CorrelationID string  `json:"correlation_id"`
	BaselineRel   string  `json:"baseline_rel_path"`
	Drifts        []Drift `json:"drifts"`
	MaxSeverity   string  `json:"max_severity"`
	ReportRel     string  `json:"report_rel_path,omitempty"`
	MessageID     string  `json:"bus_message_id,omitempty"`
	QueuedPath    string  `json:"notification_queued_path,omitempty"`
}

// LoadBaseline reads the policies of the baseline at rel. Entries that are
// not mappings are skipped.
func (r *Runner) LoadBaseline(rel string) (map[string]Policy, error) {
	var doc any
	if err := artifacts.LoadYAML(r.Project, rel, &doc); err != nil {
		return nil, fmt.Errorf("load baseline: %w", err)
	}
	if doc == nil {
		return map[string]Policy{}, nil
	}
	top, ok := doc.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: %s must be a mapping", ErrInvalidBaseline, rel)
	}
	raw, ok := top["policies"]
	if !ok || raw == nil {
		return map[string]Policy{}, nil
	}
	entries, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: policies must be a mapping", ErrInvalidBaseline)
	}
	policies := make(map[string]Policy, len(entries))
	for key, v := range entries {
		if _, ok := v.(map[string]any); !ok {
			continue
		}
		var p Policy
		if err := mapstructure.Decode(v, &p); err != nil {
			return nil, fmt.Errorf("%w: policy %s: %v", ErrInvalidBaseline, key, err)
		}
		p.Type = strings.ToLower(strings.TrimSpace(cmp.Or(p.Type, "str")))
		p.Severity = strings.ToUpper(strings.TrimSpace(cmp.Or(p.Severity, "LOW")))
		policies[key] = p
	}
	return policies, nil
}

// coerce normalises a value for comparison under the policy type. Values
// that do not parse are compared verbatim.
func coerce(typ, raw string) string {
	switch typ {
	case "int":
		if n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64); err == nil {
			return strconv.FormatInt(n, 10)
		}
	case "float":
		if f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64); err == nil {
			return strconv.FormatFloat(f, 'f', -1, 64)
		}
	case "bool":
		if b, err := strconv.ParseBool(strings.TrimSpace(raw)); err == nil {
			return strconv.FormatBool(b)
		}
	}
	return raw
}

func scalar(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}

// check compares actual against p and returns the expectation text when
// they differ.
func (p Policy) check(actual string, present bool) (string, bool) {
	switch {
	case p.ExpectedOneOf != nil:
		var options []string
		if list, ok := p.ExpectedOneOf.([]any); ok {
			for _, o := range list {
				options = append(options, coerce(p.Type, scalar(o)))
			}
		} else {
			options = []string{coerce(p.Type, scalar(p.ExpectedOneOf))}
		}
		expected := "one_of=[" + strings.Join(options, ", ") + "]"
		return expected, present && slices.Contains(options, coerce(p.Type, actual))
	case p.Expected != nil:
		expected := coerce(p.Type, scalar(p.Expected))
		return expected, present && expected == coerce(p.Type, actual)
	}
	return "", true
}

// Drift compares the process environment against the baseline at
// baselineRel (DefaultBaselineRel when empty). A missing variable is drift.
// Drifts write a report and escalate with a severity derived from the
// highest drift severity.
func (r *Runner) Drift(ctx context.Context, baselineRel, correlationID string) (*DriftResult, error) {
	baselineRel = cmp.Or(strings.TrimSpace(baselineRel), DefaultBaselineRel)
	policies, err := r.LoadBaseline(baselineRel)
	if err != nil {
		return nil, err
	}
	res := &DriftResult{
		CorrelationID: cmp.Or(correlationID, uuid.NewString()),
		BaselineRel:   baselineRel,
		Drifts:        []Drift{},
		MaxSeverity:   "LOW",
	}
	for key, p := range policies {
		raw, present := os.LookupEnv(key)
		expected, ok := p.check(raw, present)
		if ok {
			continue
		}
		actual := coerce(p.Type, raw)
		if !present {
			actual = unset
		}
		res.Drifts = append(res.Drifts, Drift{Key: key, Expected: expected, Actual: actual, Severity: p.Severity})
		if policyRank(p.Severity) > policyRank(res.MaxSeverity) {
			res.MaxSeverity = p.Severity
		}
	}
	slices.SortFunc(res.Drifts, func(a, b Drift) int {
		if c := cmp.Compare(policyRank(b.Severity), policyRank(a.Severity)); c != 0 {
			return c
		}
		return cmp.Compare(a.Key, b.Key)
	})
	if len(res.Drifts) == 0 {
		return res, nil
	}

	now := r.utcNow()
	res.ReportRel, err = r.writeReport(reportsRel, "POLICY-DRIFT", renderDriftReport(res, now))
	if err != nil {
		return nil, err
	}
	drifts, err := asMap(map[string]any{"drifts": res.Drifts})
	if err != nil {
		return nil, fmt.Errorf("encode drifts: %w", err)
	}
	severity := DriftSeverity(res.MaxSeverity)
	res.MessageID, res.QueuedPath, err = r.escalate(ctx, bus.SendRequest{
		FromRole:      "PolicyWatchdog",
		FromAgentID:   "POL-1",
		Type:          "policy.drift_detected",
		Severity:      severity,
		CorrelationID: res.CorrelationID,
		ArtifactRefs:  []string{res.ReportRel},
		Payload: map[string]any{
			"schema":          "gados.policy.drift.v1",
			"event_type":      "policy.drift_detected",
			"at":              now.Format(time.RFC3339),
			"correlation_id":  res.CorrelationID,
			"baseline":        baselineRel,
			"max_severity":    res.MaxSeverity,
			"drifts":          drifts["drifts"],
			"report_rel_path": res.ReportRel,
		},
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// DriftSeverity maps a policy severity onto a bus severity.
func DriftSeverity(max string) string {
	switch strings.ToUpper(max) {
	case "HIGH", "CRITICAL":
		return "ERROR"
	case "MEDIUM":
		return "WARN"
	}
	return "INFO"
}

func renderDriftReport(res *DriftResult, now time.Time) string {
	var b strings.Builder
	b.WriteString("# Policy Drift Report\n\n")
	fmt.Fprintf(&b, "**Generated (UTC)**: %s\n", now.Format(time.RFC3339))
	fmt.Fprintf(&b, "**Baseline**: `%s`\n", res.BaselineRel)
	fmt.Fprintf(&b, "**Correlation ID**: `%s`\n", res.CorrelationID)
	fmt.Fprintf(&b, "**Drift count**: %d\n", len(res.Drifts))
	fmt.Fprintf(&b, "**Max severity**: **%s**\n\n", res.MaxSeverity)
	b.WriteString("## Drifts\n")
	for _, d := range res.Drifts {
		fmt.Fprintf(&b, "- **%s** `%s` expected `%s` got `%s`\n", d.Severity, d.Key, d.Expected, d.Actual)
	}
	return b.String()
}

// WriteDriftRun records res as a beta run: no drift is GO, HIGH or CRITICAL
// drift is NO-GO, anything else needs REVIEW.
func (r *Runner) WriteDriftRun(ctx context.Context, res *DriftResult) (betarun.Result, error) {
	meta := betarun.Meta{Scenario: "policy-drift-watchdog", CorrelationID: res.CorrelationID}
	ms := strings.ToUpper(cmp.Or(res.MaxSeverity, "LOW"))
	var sev string
	switch {
	case len(res.Drifts) == 0:
		meta.Recommendation = betarun.GO
		meta.Summary = "No policy drift detected against the approved baseline."
		meta.RequiredNextAction = "Proceed with release."
		sev = "INFO"
	case ms == "HIGH" || ms == "CRITICAL":
		meta.Recommendation = betarun.NoGo
		meta.Summary = "Policy drift detected at high severity. Release blocked until configuration is corrected or re-approved."
		meta.RequiredNextAction = "Revert configuration to baseline or obtain approval for new policy; then re-run watchdog."
		meta.Blockers = []betarun.Blocker{{Owner: "Eng+Security", PMSummary: "Runtime configuration drifted from approved baseline; release blocked until corrected."}}
		sev = ms
	default:
		meta.Recommendation = betarun.Review
		meta.Summary = "Policy drift detected. Release requires review before proceeding."
		meta.RequiredNextAction = "Review drift report; confirm whether drift is acceptable and document decision."
		meta.Blockers = []betarun.Blocker{{Owner: "PM", PMSummary: "Config drift requires review/approval before release."}}
		sev = "WARN"
	}
	clean := len(res.Drifts) == 0
	meta.TopFindings = []map[string]any{{
		"severity": sev,
		"tool":     "policy",
		"title":    fmt.Sprintf("Drifts=%d max_severity=%s", len(res.Drifts), ms),
		"file":     cmp.Or(res.ReportRel, res.BaselineRel),
		"line":     "",
	}}
	meta.Checks = map[string]betarun.Check{
		"baseline_loaded":     exitCode(res.BaselineRel != ""),
		"report_written":      exitCode(res.ReportRel != "" || clean),
		"bus_event_emitted":   exitCode(res.MessageID != "" || clean),
		"notification_queued": exitCode(res.QueuedPath != "" || clean),
	}
	meta.EvidencePaths = []string{res.BaselineRel}
	if res.ReportRel != "" {
		meta.EvidencePaths = append(meta.EvidencePaths, res.ReportRel)
	}
	meta.EvidencePaths = append(meta.EvidencePaths, busAuditRel)
	return r.Runs.Write(ctx, meta)
}
