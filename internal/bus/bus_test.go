package bus

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alfredjeanlab/gados/internal/events"
	"github.com/alfredjeanlab/gados/internal/jsonl"
	"github.com/alfredjeanlab/gados/internal/store/sqlstore"
)

type capturePublisher struct {
	mu     sync.Mutex
	topics []string
}

func (c *capturePublisher) Publish(_ context.Context, topic string, _ any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.topics = append(c.topics, topic)
	return nil
}

func (c *capturePublisher) Close() error { return nil }

func newTestService(t *testing.T) (*Service, string, *capturePublisher) {
	t.Helper()
	dir := t.TempDir()
	st, err := sqlstore.Open(context.Background(), filepath.Join(dir, "bus.sqlite3"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	audit := filepath.Join(dir, "audit", "bus-events.jsonl")
	pub := &capturePublisher{}
	return New(st, audit, pub), audit, pub
}

func request() SendRequest {
	return SendRequest{
		FromRole: "EconomicsAgent", FromAgentID: "ECO-1",
		ToRole: "CoordinationAgent", ToAgentID: "CA-1",
		Type: "economics.budget_threshold", Severity: "warn",
		Payload: map[string]any{"level": "WARN", "ratio": 0.8},
	}
}

func auditEvents(t *testing.T, path string) []map[string]any {
	t.Helper()
	recs, err := jsonl.Decode[map[string]any](path)
	if err != nil {
		t.Fatal(err)
	}
	return recs
}

func TestSendWithoutKeyAlwaysEnqueues(t *testing.T) {
	svc, audit, pub := newTestService(t)
	ctx := context.Background()

	first, err := svc.Send(ctx, request())
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if first.Duplicate {
		t.Error("first send reported duplicate")
	}
	if err := svc.Ack(ctx, AckRequest{MessageID: first.MessageID, Status: "ACKED", ActorRole: "CoordinationAgent", ActorID: "CA-1"}); err != nil {
		t.Fatalf("Ack: %v", err)
	}

	again, err := svc.Send(ctx, request())
	if err != nil {
		t.Fatalf("Send again: %v", err)
	}
	if again.Duplicate || again.MessageID == first.MessageID {
		t.Fatalf("second keyless send = %+v, want a new message", again)
	}
	inbox, err := svc.Inbox(ctx, "CoordinationAgent", "CA-1", 0)
	if err != nil || len(inbox) != 1 || inbox[0].MessageID != again.MessageID {
		t.Fatalf("inbox = %v, %v; want only %s", inbox, err, again.MessageID)
	}
	if inbox[0].IdempotencyKey == "" {
		t.Error("stored message has no idempotency key")
	}

	recs := auditEvents(t, audit)
	if len(recs) != 3 {
		t.Fatalf("audit events = %d, want 3", len(recs))
	}
	msg := recs[0]["message"].(map[string]any)
	if recs[0]["schema"] != "gados.bus.event.v1" || recs[0]["event_type"] != "MESSAGE_SENT" || msg["severity"] != "WARN" {
		t.Errorf("audit record = %v", recs[0])
	}
	if msg["idempotency_key"] == recs[2]["message"].(map[string]any)["idempotency_key"] {
		t.Error("keyless sends share an idempotency key")
	}
	want := []string{events.TopicMessageSent, events.TopicMessageAcked, events.TopicMessageSent}
	if len(pub.topics) != len(want) {
		t.Fatalf("published = %v", pub.topics)
	}
	for i := range want {
		if pub.topics[i] != want[i] {
			t.Errorf("topic[%d] = %s, want %s", i, pub.topics[i], want[i])
		}
	}
}

func TestSendExplicitKeyScopedToSender(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	a := request()
	a.IdempotencyKey = "corr-1:WARN"
	r1, _ := svc.Send(ctx, a)

	b := request()
	b.IdempotencyKey = "corr-1:WARN"
	b.Payload = map[string]any{"changed": true}
	r2, _ := svc.Send(ctx, b)
	if r2.MessageID != r1.MessageID {
		t.Error("same sender and key must dedupe even with new content")
	}

	c := request()
	c.FromAgentID = "ECO-2"
	c.IdempotencyKey = "corr-1:WARN"
	r3, _ := svc.Send(ctx, c)
	if r3.MessageID == r1.MessageID {
		t.Error("different sender must not dedupe")
	}
}

func TestSendValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	for name, mutate := range map[string]func(*SendRequest){
		"MissingType":   func(r *SendRequest) { r.Type = "" },
		"MissingTo":     func(r *SendRequest) { r.ToAgentID = " " },
		"BadSeverity":   func(r *SendRequest) { r.Severity = "LOUD" },
		"MissingSender": func(r *SendRequest) { r.FromRole = "" },
	} {
		t.Run(name, func(t *testing.T) {
			r := request()
			mutate(&r)
			if _, err := svc.Send(context.Background(), r); !errors.Is(err, ErrInvalid) {
				t.Errorf("err = %v, want ErrInvalid", err)
			}
		})
	}
}

func TestAckAndNack(t *testing.T) {
	svc, audit, pub := newTestService(t)
	ctx := context.Background()

	res, _ := svc.Send(ctx, request())
	if err := svc.Ack(ctx, AckRequest{MessageID: res.MessageID, Status: "NACKED", ActorRole: "CoordinationAgent", ActorID: "CA-1", Notes: "retry later"}); err != nil {
		t.Fatalf("nack: %v", err)
	}
	inbox, err := svc.Inbox(ctx, "CoordinationAgent", "CA-1", 0)
	if err != nil || len(inbox) != 1 {
		t.Fatalf("inbox after nack = %v, %v", inbox, err)
	}
	if inbox[0].Attempts != 1 || inbox[0].LastError != "retry later" {
		t.Errorf("nacked message = %+v", inbox[0])
	}
	var payload map[string]any
	if err := json.Unmarshal(inbox[0].Payload, &payload); err != nil || payload["level"] != "WARN" {
		t.Errorf("payload = %s", inbox[0].Payload)
	}

	if err := svc.Ack(ctx, AckRequest{MessageID: res.MessageID, Status: "acked", ActorRole: "CoordinationAgent", ActorID: "CA-1"}); err != nil {
		t.Fatalf("ack: %v", err)
	}
	inbox, _ = svc.Inbox(ctx, "CoordinationAgent", "CA-1", 0)
	if len(inbox) != 0 {
		t.Errorf("acked message still in inbox")
	}

	recs := auditEvents(t, audit)
	if len(recs) != 3 || recs[1]["event_type"] != "NACKED" || recs[2]["event_type"] != "ACKED" {
		t.Errorf("audit = %v", recs)
	}
	want := []string{events.TopicMessageSent, events.TopicMessageNacked, events.TopicMessageAcked}
	for i, topic := range want {
		if pub.topics[i] != topic {
			t.Errorf("topic[%d] = %s, want %s", i, pub.topics[i], topic)
		}
	}

	if err := svc.Ack(ctx, AckRequest{MessageID: "msg-missing", Status: "ACKED"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown message err = %v", err)
	}
	if err := svc.Ack(ctx, AckRequest{MessageID: res.MessageID, Status: "DEAD"}); !errors.Is(err, ErrInvalid) {
		t.Errorf("bad status err = %v", err)
	}
}

func TestAckNotesReplaceLastError(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	res, _ := svc.Send(ctx, request())
	if err := svc.Ack(ctx, AckRequest{MessageID: res.MessageID, Status: "NACKED", Notes: "timeout"}); err != nil {
		t.Fatalf("nack: %v", err)
	}
	if err := svc.Ack(ctx, AckRequest{MessageID: res.MessageID, Status: "ACKED"}); err != nil {
		t.Fatalf("ack: %v", err)
	}
	m, err := svc.store.GetMessage(ctx, res.MessageID)
	if err != nil {
		t.Fatal(err)
	}
	if m.Status != "ACKED" || m.LastError != "timeout" {
		t.Errorf("after bare ack: status=%s last_error=%q", m.Status, m.LastError)
	}

	if err := svc.Ack(ctx, AckRequest{MessageID: res.MessageID, Status: "ACKED", Notes: "handled by CA-1"}); err != nil {
		t.Fatalf("ack with notes: %v", err)
	}
	m, _ = svc.store.GetMessage(ctx, res.MessageID)
	if m.LastError != "handled by CA-1" || m.Attempts != 1 {
		t.Errorf("after ack with notes: last_error=%q attempts=%d", m.LastError, m.Attempts)
	}
}

func TestHeartbeats(t *testing.T) {
	svc, _, pub := newTestService(t)
	ctx := context.Background()
	at := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
	if err := svc.RecordHeartbeat(ctx, "QA", "qa-1", at); err != nil {
		t.Fatal(err)
	}
	got, err := svc.LastHeartbeat(ctx, "QA", "qa-1")
	if err != nil || !got.Equal(at) {
		t.Errorf("LastHeartbeat = %v, %v", got, err)
	}
	if pub.topics[0] != events.TopicAgentHeartbeat {
		t.Errorf("topics = %v", pub.topics)
	}
	if err := svc.RecordHeartbeat(ctx, "", "x", at); !errors.Is(err, ErrInvalid) {
		t.Errorf("missing role err = %v", err)
	}
}

func TestClampLimit(t *testing.T) {
	for in, want := range map[int]int{0: 100, -5: 1, 1: 1, 250: 250, 9999: 500} {
		if got := ClampLimit(in); got != want {
			t.Errorf("ClampLimit(%d) = %d, want %d", in, got, want)
		}
	}
}
