package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/alfredjeanlab/gados/internal/events"
	"github.com/alfredjeanlab/gados/internal/presence"
	"github.com/alfredjeanlab/gados/internal/store"
	"github.com/alfredjeanlab/gados/internal/ui"
)

func init() {
	ui.ForceNoColor()
}

// execute runs the root command against a fresh project under a temp dir.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append(args, "--no-color"))
	t.Cleanup(func() { jsonOutput = false })
	err := rootCmd.Execute()
	return out.String(), err
}

func useTempProject(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("GADOS_REPO_ROOT", dir)
	t.Setenv("GADOS_CONFIG_FILE", "")
	t.Setenv("GADOS_NATS_URL", "")
	t.Setenv("GADOS_BUS_DATABASE_URL", "")
	return dir
}

func TestHeartbeatThenSLA(t *testing.T) {
	useTempProject(t)

	out, err := execute(t, "heartbeat", "--role", "CoordinationAgent", "--agent-id", "CA-1")
	if err != nil {
		t.Fatalf("heartbeat: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Heartbeat recorded for CoordinationAgent/CA-1") {
		t.Fatalf("unexpected output: %q", out)
	}

	out, err = execute(t, "sla", "--latency-sla", "10s", "--heartbeat-sla", "1h", "--json")
	if err != nil {
		t.Fatalf("sla: %v\n%s", err, out)
	}
	var got struct {
		Result struct {
			Breached bool     `json:"breached"`
			Reasons  []string `json:"reasons"`
		} `json:"result"`
		Run struct {
			RunID string `json:"run_id"`
		} `json:"run"`
	}
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if got.Result.Breached {
		t.Fatalf("expected no breach, got reasons %v", got.Result.Reasons)
	}
	if got.Run.RunID == "" {
		t.Fatal("expected a recorded beta run")
	}
}

func TestGuardrailRejectsBadSteps(t *testing.T) {
	useTempProject(t)
	_, err := execute(t, "guardrail", "--steps", "1,abc")
	if err == nil || !strings.Contains(err.Error(), "invalid --steps") {
		t.Fatalf("expected invalid --steps error, got %v", err)
	}
}

func TestPrintInboxEmpty(t *testing.T) {
	var buf bytes.Buffer
	printInbox(&buf, nil)
	if got := buf.String(); got != "No pending messages.\n" {
		t.Fatalf("got %q", got)
	}
}

func TestPrintInboxRows(t *testing.T) {
	var buf bytes.Buffer
	printInbox(&buf, []*store.Message{{
		MessageID:   "msg-1",
		CreatedAt:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		FromRole:    "QA",
		FromAgentID: "QA-1",
		Type:        "test.failed",
		Severity:    "ERROR",
		Attempts:    2,
	}})
	out := buf.String()
	for _, want := range []string{"msg-1", "2026-01-02 03:04:05", "QA/QA-1", "test.failed", "ERROR"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestPrintRosterState(t *testing.T) {
	var buf bytes.Buffer
	printRoster(&buf, []presence.Entry{
		{Role: "Dev", AgentID: "D-1", LastSeen: time.Now()},
		{Role: "QA", AgentID: "Q-1", LastSeen: time.Now(), Dead: true},
	})
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3:\n%s", len(lines), buf.String())
	}
	if !strings.HasSuffix(lines[1], "alive") || !strings.HasSuffix(lines[2], "dead") {
		t.Fatalf("unexpected states:\n%s", buf.String())
	}
}

type fakeSubscriber struct {
	ch        chan events.Delivery
	topic     string
	cancelled bool
}

func (f *fakeSubscriber) Subscribe(topic string) (<-chan events.Delivery, func(), error) {
	f.topic = topic
	return f.ch, func() { f.cancelled = true }, nil
}

func (f *fakeSubscriber) Close() error { return nil }

func TestWatchEventsPrintsDeliveries(t *testing.T) {
	sub := &fakeSubscriber{ch: make(chan events.Delivery, 2)}
	sub.ch <- events.Delivery{Topic: events.TopicAgentHeartbeat, Data: []byte(`{"role":"Dev"}`)}
	close(sub.ch)

	var buf bytes.Buffer
	if err := watchEvents(context.Background(), sub, "gados.>", &buf); err != nil {
		t.Fatalf("watchEvents: %v", err)
	}
	if sub.topic != "gados.>" || !sub.cancelled {
		t.Fatalf("topic=%q cancelled=%t", sub.topic, sub.cancelled)
	}
	if !strings.Contains(buf.String(), events.TopicAgentHeartbeat+` {"role":"Dev"}`) {
		t.Fatalf("unexpected output: %q", buf.String())
	}
}

func TestWatchEventsStopsOnCancel(t *testing.T) {
	sub := &fakeSubscriber{ch: make(chan events.Delivery)}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := watchEvents(ctx, sub, "gados.>", &bytes.Buffer{}); err != nil {
		t.Fatalf("watchEvents: %v", err)
	}
}
