package reporting

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alfredjeanlab/gados/internal/artifacts"
	"github.com/alfredjeanlab/gados/internal/paths"
	"github.com/alfredjeanlab/gados/internal/validator"
)

// Review holds the reviewer notes added to the digest.
type Review struct {
	Notes []string `json:"notes"`
}

// Assess derives reviewer notes from the metrics and findings.
func Assess(m Metrics, findings []validator.Finding) Review {
	r := Review{Notes: []string{}}
	if m.ValidationErrors > 0 {
		r.Notes = append(r.Notes, fmt.Sprintf("Resolve %d validation error(s) before the next release.", m.ValidationErrors))
	}
	for _, sc := range m.StoriesByStatus {
		if sc.Status == "UNKNOWN" {
			r.Notes = append(r.Notes, fmt.Sprintf("%d story(ies) have no **Status** line.", sc.Count))
		}
	}
	if m.VerifiedStoryCount > 0 && m.AvgHoursToVerified == nil {
		r.Notes = append(r.Notes, "Verified stories lack STATUS_CHANGED/VERIFICATION_DECISION log events; lead time is unknown.")
	}
	for _, f := range findings {
		if f.Code == "BAD_STORY_NAME" || f.Code == "BAD_CHANGE_NAME" {
			r.Notes = append(r.Notes, "Naming drift detected; see validator findings.")
			break
		}
	}
	return r
}

// RenderDigest renders the daily governance digest markdown.
func RenderDigest(now time.Time, m Metrics, findings []validator.Finding, review Review) string {
	var b strings.Builder
	b.WriteString("# GADOS Daily Governance Digest\n\n")
	fmt.Fprintf(&b, "**Generated (UTC)**: %s\n\n", now.UTC().Format(time.RFC3339))

	b.WriteString("## Snapshot\n")
	fmt.Fprintf(&b, "- **Epics**: %d\n", m.EpicCount)
	fmt.Fprintf(&b, "- **Stories**: %d\n", m.StoryCount)
	fmt.Fprintf(&b, "- **Verified/Released stories**: %d\n", m.VerifiedStoryCount)
	if m.AvgHoursToVerified == nil {
		b.WriteString("- **Avg time to verified**: n/a (insufficient log data)\n")
	} else {
		fmt.Fprintf(&b, "- **Avg time to verified**: %.2f hours\n", *m.AvgHoursToVerified)
	}
	fmt.Fprintf(&b, "- **Governance validation**: %d error(s), %d warning(s)\n\n", m.ValidationErrors, m.ValidationWarnings)

	b.WriteString("## Status distribution\n")
	if len(m.StoriesByStatus) == 0 {
		b.WriteString("- (no stories found)\n")
	}
	for _, sc := range m.StoriesByStatus {
		fmt.Fprintf(&b, "- `%s`: **%d**\n", sc.Status, sc.Count)
	}
	b.WriteString("\n## Governance findings (validator)\n")
	if len(findings) == 0 {
		b.WriteString("- (no findings)\n")
	}
	for _, f := range findings {
		where := ""
		if f.Artifact != "" {
			where = " [" + f.Artifact + "]"
		}
		fmt.Fprintf(&b, "- **%s** `%s`%s: %s\n", f.Level, f.Code, where, f.Message)
	}
	b.WriteString("\n## Review\n")
	if len(review.Notes) == 0 {
		b.WriteString("- (no concerns)\n")
	}
	for _, n := range review.Notes {
		fmt.Fprintf(&b, "- %s\n", n)
	}
	b.WriteString("\n## Notes\n")
	b.WriteString("- This report is derived from versioned artifacts under `/gados-project/`.\n")
	b.WriteString("- Certification of `VERIFIED` remains VDA authority and must be evidence-backed.\n")
	return b.String()
}

// digestState is threaded through the pipeline stages.
type digestState struct {
	now       time.Time
	findings  []validator.Finding
	metrics   Metrics
	review    Review
	markdown  string
	reportRel string
}

type stage struct {
	name string
	run  func(paths.Project, *digestState) error
}

// pipeline runs in order: plan, validate, collect, review, render, write.
var pipeline = []stage{
	{"plan", func(_ paths.Project, s *digestState) error {
		s.now = s.now.UTC().Truncate(time.Second)
		return nil
	}},
	{"validate", func(p paths.Project, s *digestState) error {
		var err error
		s.findings, err = validator.Validate(p)
		return err
	}},
	{"collect", func(p paths.Project, s *digestState) error {
		var err error
		s.metrics, err = CollectMetrics(p, s.findings)
		return err
	}},
	{"review", func(_ paths.Project, s *digestState) error {
		s.review = Assess(s.metrics, s.findings)
		return nil
	}},
	{"render", func(_ paths.Project, s *digestState) error {
		s.markdown = RenderDigest(s.now, s.metrics, s.findings, s.review)
		return nil
	}},
	{"write", func(p paths.Project, s *digestState) error {
		s.reportRel = "log/reports/REPORT-" + s.now.Format("20060102-150405") + ".md"
		return artifacts.Write(p, s.reportRel, s.markdown)
	}},
}

// RunDailyDigest runs the digest pipeline and returns the report path
// relative to the gados root.
func RunDailyDigest(ctx context.Context, p paths.Project, now time.Time) (string, error) {
	s := &digestState{now: now}
	for _, st := range pipeline {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if err := st.run(p, s); err != nil {
			return "", fmt.Errorf("daily digest %s: %w", st.name, err)
		}
		slog.DebugContext(ctx, "daily digest stage done", "stage", st.name)
	}
	return s.reportRel, nil
}
