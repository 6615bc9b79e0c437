// Package paths resolves the GADOS project layout and guards user-supplied
// relative paths against traversal.
package paths

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrOutsideRoot is returned when a user path is absolute or escapes its base.
var ErrOutsideRoot = errors.New("path escapes base directory")

// Project holds the key directories of a GADOS checkout.
type Project struct {
	RepoRoot     string
	GadosRoot    string
	TemplatesDir string
}

// New returns the project layout rooted at gadosRoot.
func New(repoRoot, gadosRoot string) Project {
	return Project{
		RepoRoot:     repoRoot,
		GadosRoot:    gadosRoot,
		TemplatesDir: filepath.Join(gadosRoot, "templates"),
	}
}

// Resolve resolves rel under the project's gados root.
func (p Project) Resolve(rel string) (string, error) {
	return SafeResolveUnder(p.GadosRoot, rel)
}

// Rel returns abs relative to the gados root using forward slashes.
func (p Project) Rel(abs string) string {
	r, err := filepath.Rel(p.GadosRoot, abs)
	if err != nil {
		return filepath.ToSlash(abs)
	}
	return filepath.ToSlash(r)
}

// SafeResolveUnder joins rel onto base and rejects absolute paths and any
// result that lands outside base.
func SafeResolveUnder(base, rel string) (string, error) {
	if filepath.IsAbs(rel) || strings.HasPrefix(rel, "/") {
		return "", fmt.Errorf("%w: %q must be relative", ErrOutsideRoot, rel)
	}
	baseAbs, err := filepath.Abs(base)
	if err != nil {
		return "", fmt.Errorf("resolve base: %w", err)
	}
	target := filepath.Join(baseAbs, filepath.FromSlash(rel))
	if target != baseAbs && !strings.HasPrefix(target, baseAbs+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrOutsideRoot, rel)
	}
	return target, nil
}
