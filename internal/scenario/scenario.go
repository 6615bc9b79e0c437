// Package scenario runs the scripted beta scenarios that produce GO/NO-GO
// evidence: the daily spend guardrail, the SLA sentinel and the policy drift
// watchdog. Each scenario escalates through the bus and the notification
// queue and can be recorded as an immutable beta run.
package scenario

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/alfredjeanlab/gados/internal/betarun"
	"github.com/alfredjeanlab/gados/internal/bus"
	"github.com/alfredjeanlab/gados/internal/economics"
	"github.com/alfredjeanlab/gados/internal/events"
	"github.com/alfredjeanlab/gados/internal/notify"
	"github.com/alfredjeanlab/gados/internal/paths"
	"github.com/alfredjeanlab/gados/internal/presence"
)

// Escalation target shared by every scenario.
const (
	coordinatorRole = "CoordinationAgent"
	coordinatorID   = "CA-1"
)

const (
	reportsRel  = "log/reports"
	busAuditRel = "log/bus/bus-events.jsonl"
	ledgerRel   = "log/economics/ledger.jsonl"
)

// Runner wires the scenarios to the control-plane services.
type Runner struct {
	Project   paths.Project
	Bus       *bus.Service
	Notifier  *notify.Dispatcher
	Runs      *betarun.Store
	Ledger    *economics.Ledger
	Presence  *presence.Tracker
	Publisher events.Publisher

	now func() time.Time
}

// New returns a Runner. ledger may be nil to use the project ledger at
// log/economics/ledger.jsonl; presence and publisher are optional.
func New(p paths.Project, b *bus.Service, n *notify.Dispatcher, runs *betarun.Store, ledger *economics.Ledger) *Runner {
	if ledger == nil {
		ledger = economics.NewLedger(filepath.Join(p.GadosRoot, filepath.FromSlash(ledgerRel)))
	}
	return &Runner{
		Project:   p,
		Bus:       b,
		Notifier:  n,
		Runs:      runs,
		Ledger:    ledger,
		Publisher: events.NoopPublisher{},
		now:       time.Now,
	}
}

func (r *Runner) utcNow() time.Time { return r.now().UTC() }

// stamp formats t the way report file names carry it.
func stamp(t time.Time) string { return t.UTC().Format("20060102-150405") }

// writeReport creates relDir/<prefix>-<stamp>.md without overwriting an
// existing report from the same second.
func (r *Runner) writeReport(relDir, prefix, content string) (string, error) {
	dir, err := r.Project.Resolve(relDir)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", relDir, err)
	}
	base := prefix + "-" + stamp(r.now())
	for n := 1; ; n++ {
		name := base + ".md"
		if n > 1 {
			name = fmt.Sprintf("%s-%d.md", base, n)
		}
		f, err := os.OpenFile(filepath.Join(dir, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("create report: %w", err)
		}
		_, werr := f.WriteString(content)
		if cerr := f.Close(); werr == nil {
			werr = cerr
		}
		if werr != nil {
			return "", fmt.Errorf("write report: %w", werr)
		}
		return relDir + "/" + name, nil
	}
}

// escalate sends the bus message and dispatches the notification that every
// scenario raises when it trips.
func (r *Runner) escalate(ctx context.Context, msg bus.SendRequest) (string, string, error) {
	msg.ToRole, msg.ToAgentID = coordinatorRole, coordinatorID
	sent, err := r.Bus.Send(ctx, msg)
	if err != nil {
		return "", "", fmt.Errorf("send %s: %w", msg.Type, err)
	}
	res, err := r.Notifier.Dispatch(ctx, notify.Notification{
		Type:          msg.Type,
		Severity:      msg.Severity,
		CorrelationID: msg.CorrelationID,
		ArtifactRefs:  msg.ArtifactRefs,
		Payload:       msg.Payload,
	})
	if err != nil {
		return sent.MessageID, "", fmt.Errorf("dispatch %s: %w", msg.Type, err)
	}
	return sent.MessageID, res.QueuedPath, nil
}

func (r *Runner) publish(ctx context.Context, topic string, event any) {
	if r.Publisher == nil {
		return
	}
	if err := r.Publisher.Publish(ctx, topic, event); err != nil {
		slog.Warn("failed to publish event", "topic", topic, "error", err)
	}
}

// asMap converts a JSON-encodable value into a bus payload.
func asMap(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func exitCode(ok bool) betarun.Check {
	if ok {
		return betarun.Check{ExitCode: 0}
	}
	return betarun.Check{ExitCode: 1}
}
