package artifacts

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/alfredjeanlab/gados/internal/paths"
)

var idRE = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,79}$`)

// ValidID reports whether id is safe to use as a file name component.
func ValidID(id string) bool {
	return idRE.MatchString(id) && !strings.Contains(id, "..")
}

// InputError reports a rejected user-supplied value.
type InputError string

func (e InputError) Error() string { return string(e) }

func requireIDs(ids map[string]string) error {
	for field, v := range ids {
		if !ValidID(v) {
			return InputError(fmt.Sprintf("invalid %s: %q", field, v))
		}
	}
	return nil
}

func utcStamp(now time.Time) string {
	return now.UTC().Truncate(time.Second).Format(time.RFC3339)
}

// EpicInput holds the form fields for a new epic.
type EpicInput struct {
	EpicID string
	Title  string
	Owner  string
}

// CreateEpic renders templates/EPIC.template.md to strategy/<id>.md and
// returns the artifact path.
func CreateEpic(p paths.Project, in EpicInput) (string, error) {
	if err := requireIDs(map[string]string{"epic_id": in.EpicID}); err != nil {
		return "", err
	}
	if in.Owner == "" {
		in.Owner = "Strategic Brain"
	}
	tpl, err := Read(p, "templates/EPIC.template.md")
	if err != nil {
		return "", err
	}
	rel := "strategy/" + in.EpicID + ".md"
	content := RenderTemplate(tpl, "EPIC-###", in.EpicID, "<Epic Title>", in.Title, "<name>", in.Owner)
	return rel, Write(p, rel, content)
}

// StoryInput holds the form fields for a new story.
type StoryInput struct {
	StoryID string
	EpicID  string
	Title   string
}

// CreateStory renders the story spec and, when no log exists yet, a log stub
// at log/<id>.log.yaml. It returns the story artifact path.
func CreateStory(p paths.Project, in StoryInput, now time.Time) (string, error) {
	if err := requireIDs(map[string]string{"story_id": in.StoryID, "epic_id": in.EpicID}); err != nil {
		return "", err
	}
	tpl, err := Read(p, "templates/STORY.template.md")
	if err != nil {
		return "", err
	}
	rel := "plan/stories/" + in.StoryID + ".md"
	content := RenderTemplate(tpl, "STORY-###", in.StoryID, "<Story Title>", in.Title, "EPIC-###", in.EpicID)
	if err := Write(p, rel, content); err != nil {
		return "", err
	}

	logRel := "log/" + in.StoryID + ".log.yaml"
	if !Exists(p, logRel) {
		logTpl, err := Read(p, "templates/STORY.log.template.yaml")
		if err != nil {
			return "", err
		}
		stub := RenderTemplate(logTpl,
			"STORY-###", in.StoryID,
			"EPIC-###", in.EpicID,
			"<Story Title>", in.Title,
			"<ISO-8601 UTC timestamp>", utcStamp(now),
			"<name>", "CoordinationAgent",
		)
		if err := Write(p, logRel, stub); err != nil {
			return "", err
		}
	}
	return rel, nil
}

// ChangeInput holds the form fields for a new change plan.
type ChangeInput struct {
	ChangeID string
	StoryID  string
	EpicID   string
	Title    string
}

// CreateChange renders templates/CHANGE.template.yaml to plan/changes/<id>.yaml.
func CreateChange(p paths.Project, in ChangeInput) (string, error) {
	if err := requireIDs(map[string]string{"change_id": in.ChangeID, "story_id": in.StoryID, "epic_id": in.EpicID}); err != nil {
		return "", err
	}
	tpl, err := Read(p, "templates/CHANGE.template.yaml")
	if err != nil {
		return "", err
	}
	rel := "plan/changes/" + in.ChangeID + ".yaml"
	content := RenderTemplate(tpl,
		"CHANGE-###-A", in.ChangeID,
		"STORY-###", in.StoryID,
		"EPIC-###", in.EpicID,
		"<Change Plan Title>", in.Title,
	)
	return rel, Write(p, rel, content)
}

// ADRInput holds the form fields for a new architecture decision record.
type ADRInput struct {
	ADRID       string
	Title       string
	Human       string
	RequestedBy string
	SubmittedBy string
}

// CreateADR renders templates/ADR.template.md to decision/<id>.md with an
// attribution trailer.
func CreateADR(p paths.Project, in ADRInput, now time.Time) (string, error) {
	if err := requireIDs(map[string]string{"adr_id": in.ADRID}); err != nil {
		return "", err
	}
	tpl, err := Read(p, "templates/ADR.template.md")
	if err != nil {
		return "", err
	}
	content := RenderTemplate(tpl,
		"ADR-###", in.ADRID,
		"<Decision Title>", in.Title,
		"<name>", in.Human,
		"<role/agent>", in.RequestedBy,
		"<YYYY-MM-DD>", now.UTC().Format("2006-01-02"),
	)
	content += fmt.Sprintf("\n\n---\n**submitted_by**: %s\n**submitted_at_utc**: %s\n", in.SubmittedBy, utcStamp(now))
	rel := "decision/" + in.ADRID + ".md"
	return rel, Write(p, rel, content)
}

// StoryLogEvent is one entry appended to a story's audit log.
type StoryLogEvent struct {
	At          string `yaml:"at"`
	ActorRole   string `yaml:"actor_role"`
	Actor       string `yaml:"actor"`
	Type        string `yaml:"type"`
	Notes       string `yaml:"notes"`
	SubmittedBy string `yaml:"submitted_by"`
}

// AppendStoryLog appends ev as a YAML list item to log/<story>.log.yaml.
// Values go through the YAML encoder so user text cannot add keys.
func AppendStoryLog(p paths.Project, storyID string, ev StoryLogEvent, now time.Time) (string, error) {
	if err := requireIDs(map[string]string{"story_id": storyID}); err != nil {
		return "", err
	}
	if ev.At == "" {
		ev.At = utcStamp(now)
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode([]StoryLogEvent{ev}); err != nil {
		return "", fmt.Errorf("encode story log event: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("encode story log event: %w", err)
	}

	var out strings.Builder
	out.WriteString("\n")
	for _, line := range strings.Split(strings.TrimRight(buf.String(), "\n"), "\n") {
		out.WriteString("  " + line + "\n")
	}

	rel := "log/" + storyID + ".log.yaml"
	return rel, Append(p, rel, out.String())
}

// OverrideInput holds the fields of an accountable NO-GO override.
type OverrideInput struct {
	RunKey     string
	ApprovedBy string
	Role       string
	Reason     string
}

// OverrideRel returns the artifact path of the override for runKey.
func OverrideRel(runKey string) string {
	return "decision/OVERRIDE-" + runKey + ".md"
}

// CreateOverride writes decision/OVERRIDE-<run_key>.md. An existing override
// is left untouched. It returns the artifact path and whether it was created.
func CreateOverride(p paths.Project, in OverrideInput, now time.Time) (string, bool, error) {
	rk := strings.TrimSpace(in.RunKey)
	if rk == "" || len(rk) > 80 || !ValidID(rk) {
		return "", false, InputError("invalid run_key")
	}
	if in.Role == "" {
		in.Role = "HumanAuthority"
	}
	rel := OverrideRel(rk)
	if Exists(p, rel) {
		return rel, false, nil
	}
	content := strings.Join([]string{
		"# OVERRIDE for run_key: " + rk,
		"",
		"Decision: OVERRIDE",
		"",
		"Approved by: " + in.ApprovedBy,
		"approved_by: " + in.ApprovedBy,
		"Role: " + in.Role,
		"",
		"Reason:",
		"- " + in.Reason,
		"",
		"Recorded at (UTC): " + utcStamp(now),
		"",
		"_Note: Overrides are exceptional and must be reviewed. Follow-up remediation is still required._",
		"",
	}, "\n")
	if err := Write(p, rel, content); err != nil {
		return "", false, err
	}
	return rel, true, nil
}
