package notify

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/alfredjeanlab/gados/internal/jsonl"
)

// severityOrder lists digest sections, most severe first.
var severityOrder = []string{"CRITICAL", "ERROR", "WARN", "INFO"}

// FlushDigest renders the queued notifications as a markdown digest under
// ReportsDir and returns its path and record count. The queue is emptied
// only after the digest is written; if writing fails the notifications stay
// queued. An empty queue writes nothing and returns "".
func (d *Dispatcher) FlushDigest() (string, int, error) {
	d.flushMu.Lock()
	defer d.flushMu.Unlock()

	var (
		path string
		n    int
	)
	err := jsonl.Drain(d.QueuePath(), func(lines []json.RawMessage) error {
		var recs []record
		for _, raw := range lines {
			var r record
			if json.Unmarshal(raw, &r) == nil && r.Schema == Schema {
				recs = append(recs, r)
			}
		}
		if len(recs) == 0 {
			return nil
		}
		var err error
		path, err = d.writeDigest(recs)
		n = len(recs)
		return err
	})
	if err != nil {
		return "", 0, fmt.Errorf("flush notification digest: %w", err)
	}
	return path, n, nil
}

// writeDigest creates a new digest file, suffixing -N on name collisions.
func (d *Dispatcher) writeDigest(recs []record) (string, error) {
	now := d.now().UTC()
	md := renderDigest(recs, now.Format("2006-01-02T15:04:05Z"))
	if err := os.MkdirAll(d.cfg.ReportsDir, 0o755); err != nil {
		return "", fmt.Errorf("mkdir reports: %w", err)
	}
	base := "NOTIFICATIONS-DIGEST-" + now.Format("20060102-150405")
	for i := 1; ; i++ {
		name := base + ".md"
		if i > 1 {
			name = fmt.Sprintf("%s-%d.md", base, i)
		}
		path := filepath.Join(d.cfg.ReportsDir, name)
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("create digest: %w", err)
		}
		_, err = f.WriteString(md)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			os.Remove(path)
			return "", fmt.Errorf("write digest: %w", err)
		}
		return path, nil
	}
}

// renderDigest groups records by severity, most severe first.
func renderDigest(recs []record, generated string) string {
	var b strings.Builder
	b.WriteString("# Notifications Digest\n\n")
	fmt.Fprintf(&b, "**Generated (UTC)**: %s\n\n", generated)
	fmt.Fprintf(&b, "**Total**: %d\n", len(recs))

	groups := map[string][]record{}
	for _, r := range recs {
		groups[r.Severity] = append(groups[r.Severity], r)
	}
	sections := slices.Clone(severityOrder)
	for sev := range groups {
		if !slices.Contains(sections, sev) {
			sections = append(sections, sev)
		}
	}
	for _, sev := range sections {
		items := groups[sev]
		if len(items) == 0 {
			continue
		}
		fmt.Fprintf(&b, "\n## %s (%d)\n\n", sev, len(items))
		for _, r := range items {
			b.WriteString("- `" + r.Type + "`")
			if r.Title != "" {
				b.WriteString(" " + r.Title)
			}
			if r.StoryID != nil {
				b.WriteString(" `" + *r.StoryID + "`")
			}
			if r.At != "" {
				b.WriteString(" (" + r.At + ")")
			}
			b.WriteString("\n")
		}
	}
	return b.String()
}
