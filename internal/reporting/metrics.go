// Package reporting computes governance metrics from project artifacts and
// renders the daily governance digest.
package reporting

import (
	"cmp"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/alfredjeanlab/gados/internal/artifacts"
	"github.com/alfredjeanlab/gados/internal/paths"
	"github.com/alfredjeanlab/gados/internal/validator"
)

// StatusCount is one row of the story status distribution.
type StatusCount struct {
	Status string `json:"status"`
	Count  int    `json:"count"`
}

// Metrics is the governance snapshot of a project.
type Metrics struct {
	EpicCount          int           `json:"epic_count"`
	StoryCount         int           `json:"story_count"`
	StoriesByStatus    []StatusCount `json:"stories_by_status"`
	VerifiedStoryCount int           `json:"verified_story_count"`
	// AvgHoursToVerified is nil when no story log has both timestamps.
	AvgHoursToVerified *float64 `json:"avg_time_to_verified_hours"`
	ValidationErrors   int      `json:"validation_errors"`
	ValidationWarnings int      `json:"validation_warnings"`
}

// Verified reports whether a story status counts as verified.
func Verified(status string) bool {
	return strings.Contains(status, "VERIFIED") || strings.Contains(status, "RELEASED")
}

// CollectMetrics scans epics, stories and story logs. findings are the
// validator results the counts are taken from.
func CollectMetrics(p paths.Project, findings []validator.Finding) (Metrics, error) {
	var m Metrics
	epics, err := artifacts.EpicSpecs(p)
	if err != nil {
		return m, err
	}
	m.EpicCount = len(epics)

	stories, err := artifacts.StorySpecs(p)
	if err != nil {
		return m, err
	}
	byStatus := map[string]int{}
	var verified []string
	for _, path := range stories {
		data, err := os.ReadFile(path)
		if err != nil {
			return m, fmt.Errorf("read story: %w", err)
		}
		status := cmp.Or(artifacts.ParseStatus(string(data)), "UNKNOWN")
		byStatus[status]++
		if Verified(status) {
			verified = append(verified, strings.TrimSuffix(filepath.Base(path), ".md"))
		}
	}
	m.StoryCount = len(stories)
	m.StoriesByStatus = SortStatuses(byStatus)
	m.VerifiedStoryCount = len(verified)

	var total float64
	var n int
	for _, id := range verified {
		if h, ok := hoursToVerified(filepath.Join(p.GadosRoot, "log", id+".log.yaml")); ok {
			total += h
			n++
		}
	}
	if n > 0 {
		avg := total / float64(n)
		m.AvgHoursToVerified = &avg
	}
	m.ValidationErrors, m.ValidationWarnings = validator.Counts(findings)
	return m, nil
}

// SortStatuses orders a status histogram by count descending, then name.
func SortStatuses(byStatus map[string]int) []StatusCount {
	out := make([]StatusCount, 0, len(byStatus))
	for s, c := range byStatus {
		out = append(out, StatusCount{Status: s, Count: c})
	}
	slices.SortFunc(out, func(a, b StatusCount) int {
		if c := cmp.Compare(b.Count, a.Count); c != 0 {
			return c
		}
		return cmp.Compare(a.Status, b.Status)
	})
	return out
}

type storyLog struct {
	Events []map[string]any `yaml:"events"`
}

// hoursToVerified measures from the earliest STATUS_CHANGED to IN_PROGRESS
// until the earliest VERIFIED decision. Unreadable logs are skipped.
func hoursToVerified(path string) (float64, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	var log storyLog
	if yaml.Unmarshal(data, &log) != nil {
		return 0, false
	}
	var started, verified time.Time
	for _, ev := range log.Events {
		at, ok := eventTime(ev["at"])
		if !ok {
			continue
		}
		switch {
		case ev["type"] == "STATUS_CHANGED" && ev["to"] == "IN_PROGRESS":
			if started.IsZero() || at.Before(started) {
				started = at
			}
		case ev["type"] == "VERIFICATION_DECISION" && ev["decision"] == "VERIFIED":
			if verified.IsZero() || at.Before(verified) {
				verified = at
			}
		}
	}
	if started.IsZero() || verified.IsZero() || verified.Before(started) {
		return 0, false
	}
	return verified.Sub(started).Hours(), true
}

// eventTime accepts RFC 3339 strings and the timestamps yaml.v3 already
// decoded.
func eventTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		at, err := time.Parse(time.RFC3339, t)
		return at, err == nil
	}
	return time.Time{}, false
}
