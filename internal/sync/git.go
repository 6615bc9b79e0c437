package sync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

const gitCommitMessage = "archive: update gados evidence snapshot"

// GitDestination keeps the evidence snapshot as a file in a local clone,
// committing and pushing on change.
type GitDestination struct {
	repo, file, branch string
}

// NewGitDestination targets file inside the clone at repo, on branch.
func NewGitDestination(repo, file, branch string) *GitDestination {
	return &GitDestination{repo: repo, file: file, branch: branch}
}

func (d *GitDestination) Name() string { return "git:" + filepath.Join(d.repo, d.file) }

// errUnchanged ends a write early when the staged snapshot matches HEAD.
var errUnchanged = errors.New("snapshot unchanged")

// Write stores data, then commits and pushes if it differs from HEAD.
func (d *GitDestination) Write(ctx context.Context, data []byte) error {
	steps := []struct {
		name string
		run  func() error
	}{
		{"git checkout", func() error { return d.git(ctx, "checkout", d.branch) }},
		{"git pull", func() error {
			// A branch that was never pushed has nothing to pull.
			_ = d.git(ctx, "pull", "--ff-only", "origin", d.branch)
			return nil
		}},
		{"write snapshot", func() error { return d.writeFile(data) }},
		{"git add", func() error { return d.git(ctx, "add", d.file) }},
		{"git diff", func() error {
			if d.git(ctx, "diff", "--cached", "--quiet") == nil {
				return errUnchanged
			}
			return nil
		}},
		{"git commit", func() error { return d.git(ctx, "commit", "-m", gitCommitMessage) }},
		{"git push", func() error { return d.git(ctx, "push", "origin", d.branch) }},
	}
	for _, s := range steps {
		err := s.run()
		if errors.Is(err, errUnchanged) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
	}
	return nil
}

func (d *GitDestination) writeFile(data []byte) error {
	path := filepath.Join(d.repo, d.file)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// git runs one git command in the clone. Combined output is appended to
// the error.
func (d *GitDestination) git(ctx context.Context, args ...string) error {
	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", d.repo}, args...)...)
	cmd.Stdout, cmd.Stderr = &out, &out
	err := cmd.Run()
	if msg := strings.TrimSpace(out.String()); err != nil && msg != "" {
		return fmt.Errorf("%w: %s", err, msg)
	}
	return err
}
