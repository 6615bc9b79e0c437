package review

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/alfredjeanlab/gados/internal/betarun"
)

// Default and max timeout for check commands.
const (
	DefaultTimeout = 120 * time.Second
	MaxTimeout     = 900 * time.Second
)

// Exit codes for outcomes that have no process exit status.
const (
	ExitNotRun   = betarun.ExitNotRun
	ExitTimedOut = 124
)

// Outcome holds the result of running a single check command.
type Outcome struct {
	ExitCode int
	Output   string
	Duration time.Duration
}

// Execute runs command via "sh -c" in cwd with the given timeout, capped at
// MaxTimeout. A command the shell cannot find exits 127, which is reported as
// not run.
func Execute(ctx context.Context, command string, timeoutSec int, cwd string, env map[string]string) Outcome {
	timeout := time.Duration(timeoutSec) * time.Second
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if timeout > MaxTimeout {
		timeout = MaxTimeout
	}

	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(checkCtx, "sh", "-c", command) //nolint:gosec // commands come from the reviewed checks config
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	cmd.WaitDelay = time.Second

	if cwd != "" {
		if info, err := os.Stat(cwd); err == nil && info.IsDir() {
			cmd.Dir = cwd
		}
	}

	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	start := time.Now()
	err := cmd.Run()
	o := Outcome{Output: strings.TrimSpace(out.String()), Duration: time.Since(start)}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case checkCtx.Err() == context.DeadlineExceeded:
		o.ExitCode = ExitTimedOut
		o.Output = strings.TrimSpace(o.Output + "\ntimed out after " + timeout.String())
	case errors.As(err, &exitErr):
		o.ExitCode = exitErr.ExitCode()
		if o.ExitCode < 0 {
			o.ExitCode = ExitNotRun
		}
	default:
		o.ExitCode = ExitNotRun
		o.Output = strings.TrimSpace(o.Output + "\n" + err.Error())
	}
	return o
}
