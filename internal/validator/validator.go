// Package validator checks a gados-project tree for governance compliance.
package validator

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/alfredjeanlab/gados/internal/artifacts"
	"github.com/alfredjeanlab/gados/internal/paths"
)

// Finding levels.
const (
	LevelError = "ERROR"
	LevelWarn  = "WARN"
	LevelInfo  = "INFO"
)

var (
	storyNameRE  = regexp.MustCompile(`^STORY-\d{3}\.md$`)
	changeNameRE = regexp.MustCompile(`^CHANGE-\d{3}-[A-Z0-9]+\.ya?ml$`)
)

// Required lists the foundational artifacts every project must carry.
var Required = []string{
	"memory/FOUNDATION.md",
	"memory/DESIGN_PRINCIPLES.md",
	"memory/ARCH_RULES.md",
	"memory/COMM_PROTOCOL.md",
	"memory/ARCH_DECISION_POLICY.md",
	"memory/NOTIFICATION_POLICY.md",
	"memory/VERIFICATION_POLICY.md",
	"strategy/ARCHITECTURE.md",
	"strategy/RUNBOOKS.md",
	"templates/EPIC.template.md",
	"templates/STORY.template.md",
	"templates/CHANGE.template.yaml",
	"templates/ADR.template.md",
}

// Finding is a single validation result.
type Finding struct {
	Level    string `json:"level"`
	Code     string `json:"code"`
	Message  string `json:"message"`
	Artifact string `json:"artifact,omitempty"`
}

// Validate walks the project and returns its findings. A clean project
// yields a single INFO OK finding.
func Validate(p paths.Project) ([]Finding, error) {
	var out []Finding

	for _, rel := range Required {
		if _, err := os.Stat(filepath.Join(p.GadosRoot, filepath.FromSlash(rel))); err != nil {
			out = append(out, Finding{LevelError, "MISSING_ARTIFACT", "Missing required artifact: " + rel, rel})
		}
	}

	stories, err := artifacts.StorySpecs(p)
	if err != nil {
		return nil, fmt.Errorf("list stories: %w", err)
	}
	for _, path := range stories {
		out = append(out, checkStory(p, path)...)
	}

	changes, err := checkChanges(p)
	if err != nil {
		return nil, err
	}
	out = append(out, changes...)

	if len(out) == 0 {
		out = append(out, Finding{Level: LevelInfo, Code: "OK", Message: "All validations passed."})
	}
	return out, nil
}

func checkStory(p paths.Project, path string) []Finding {
	var out []Finding
	name := filepath.Base(path)
	rel := p.Rel(path)
	if !storyNameRE.MatchString(name) {
		out = append(out, Finding{LevelWarn, "BAD_STORY_NAME", "Story filename should be STORY-###.md", rel})
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return append(out, Finding{LevelError, "UNREADABLE_STORY", err.Error(), rel})
	}
	status := artifacts.ParseStatus(string(data))
	if status == "" {
		return append(out, Finding{LevelWarn, "MISSING_STATUS", "Story is missing a **Status** line.", rel})
	}
	if !strings.Contains(status, "VERIFIED") && !strings.Contains(status, "RELEASED") {
		return out
	}

	id := strings.TrimSuffix(name, ".md")
	for _, req := range []struct{ rel, code, what string }{
		{"verification/" + id + "-evidence.md", "MISSING_EVIDENCE", "QA evidence package"},
		{"verification/" + id + "-review.md", "MISSING_PEER_REVIEW", "peer review report"},
		{"log/" + id + ".log.yaml", "MISSING_LOG", "story audit log"},
	} {
		if !artifacts.Exists(p, req.rel) {
			out = append(out, Finding{LevelError, req.code, "Story marked VERIFIED/RELEASED but " + req.what + " is missing.", req.rel})
		}
	}
	return out
}

func checkChanges(p paths.Project) ([]Finding, error) {
	dir := filepath.Join(p.GadosRoot, "plan", "changes")
	des, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list change plans: %w", err)
	}
	sort.Slice(des, func(i, j int) bool { return des[i].Name() < des[j].Name() })

	var out []Finding
	for _, de := range des {
		if de.IsDir() || de.Name() == "README.md" {
			continue
		}
		if !changeNameRE.MatchString(de.Name()) {
			out = append(out, Finding{LevelWarn, "BAD_CHANGE_NAME", "Change plan filename should be CHANGE-###-<suffix>.yaml", "plan/changes/" + de.Name()})
		}
	}
	return out, nil
}

// HasErrors reports whether any finding is an ERROR.
func HasErrors(findings []Finding) bool {
	for _, f := range findings {
		if f.Level == LevelError {
			return true
		}
	}
	return false
}

// Counts returns the number of ERROR and WARN findings.
func Counts(findings []Finding) (errs, warns int) {
	for _, f := range findings {
		switch f.Level {
		case LevelError:
			errs++
		case LevelWarn:
			warns++
		}
	}
	return errs, warns
}

// FormatText renders findings as "LEVEL: CODE [artifact] - message" lines.
func FormatText(findings []Finding) string {
	var b strings.Builder
	for _, f := range findings {
		b.WriteString(f.Level + ": " + f.Code)
		if f.Artifact != "" {
			b.WriteString(" [" + f.Artifact + "]")
		}
		b.WriteString(" - " + f.Message + "\n")
	}
	return b.String()
}
