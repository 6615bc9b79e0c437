// Package artifacts reads and writes the Markdown/YAML governance artifacts
// stored under the gados-project directory.
package artifacts

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/alfredjeanlab/gados/internal/paths"
)

// ErrNotFound is returned when an artifact does not exist or is not a file.
var ErrNotFound = errors.New("artifact not found")

var statusRE = regexp.MustCompile(`(?i)^\*\*Status\*\*:\s*(.+?)\s*$`)

// Entry is one item of a directory listing.
type Entry struct {
	Name  string `json:"name"`
	Rel   string `json:"rel"`
	IsDir bool   `json:"is_dir"`
}

// List lists dir (relative to the gados root). Directories sort before
// files, then by case-insensitive name; dot-files are hidden. A file target
// lists itself and a missing target lists nothing.
func List(p paths.Project, dir string) ([]Entry, error) {
	target, err := p.Resolve(dir)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(target)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", dir, err)
	}
	if !info.IsDir() {
		return []Entry{{Name: info.Name(), Rel: p.Rel(target)}}, nil
	}

	des, err := os.ReadDir(target)
	if err != nil {
		return nil, fmt.Errorf("read dir %s: %w", dir, err)
	}
	entries := make([]Entry, 0, len(des))
	for _, de := range des {
		if strings.HasPrefix(de.Name(), ".") {
			continue
		}
		entries = append(entries, Entry{
			Name:  de.Name(),
			Rel:   p.Rel(filepath.Join(target, de.Name())),
			IsDir: de.IsDir(),
		})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].IsDir != entries[j].IsDir {
			return entries[i].IsDir
		}
		return strings.ToLower(entries[i].Name) < strings.ToLower(entries[j].Name)
	})
	return entries, nil
}

// Read returns the contents of the artifact at rel.
func Read(p paths.Project, rel string) (string, error) {
	path, err := p.Resolve(rel)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return "", fmt.Errorf("%w: %s", ErrNotFound, rel)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", rel, err)
	}
	return string(data), nil
}

// Exists reports whether rel names an existing file under the gados root.
func Exists(p paths.Project, rel string) bool {
	path, err := p.Resolve(rel)
	if err != nil {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// Write replaces the artifact at rel, creating parent directories.
func Write(p paths.Project, rel, content string) error {
	path, err := p.Resolve(rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", rel, err)
	}
	return nil
}

// Append appends text to the artifact at rel, creating it when missing.
func Append(p paths.Project, rel, text string) error {
	path, err := p.Resolve(rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", rel, err)
	}
	defer f.Close()
	if _, err := f.WriteString(text); err != nil {
		return fmt.Errorf("append %s: %w", rel, err)
	}
	return nil
}

// LoadYAML decodes the YAML artifact at rel into out.
func LoadYAML(p paths.Project, rel string, out any) error {
	raw, err := Read(p, rel)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("parse %s: %w", rel, err)
	}
	return nil
}

// ParseStatus returns the value of the first "**Status**:" line, or "".
func ParseStatus(markdown string) string {
	for _, line := range strings.Split(markdown, "\n") {
		if m := statusRE.FindStringSubmatch(strings.TrimSpace(line)); m != nil {
			return strings.TrimSpace(m[1])
		}
	}
	return ""
}

// StorySpecs returns the absolute paths of plan/stories/STORY-*.md, sorted.
func StorySpecs(p paths.Project) ([]string, error) {
	return matchFiles(filepath.Join(p.GadosRoot, "plan", "stories"), "STORY-", ".md")
}

// EpicSpecs returns the absolute paths of strategy/EPIC-*.md, sorted.
func EpicSpecs(p paths.Project) ([]string, error) {
	return matchFiles(filepath.Join(p.GadosRoot, "strategy"), "EPIC-", ".md")
}

// matchFiles lists regular files in dir with the given prefix and suffix.
// A missing dir yields no files.
func matchFiles(dir, prefix, suffix string) ([]string, error) {
	des, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read dir %s: %w", dir, err)
	}
	var out []string
	for _, de := range des {
		name := de.Name()
		if de.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, suffix) {
			continue
		}
		out = append(out, filepath.Join(dir, name))
	}
	sort.Strings(out)
	return out, nil
}

// RenderTemplate replaces each placeholder in one pass. pairs alternates
// placeholder, value. Substituted values are never re-scanned.
func RenderTemplate(tpl string, pairs ...string) string {
	return strings.NewReplacer(pairs...).Replace(tpl)
}
