package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
)

type recordingPublisher struct {
	topics []string
	err    error
	closed bool
}

func (r *recordingPublisher) Publish(_ context.Context, topic string, _ any) error {
	r.topics = append(r.topics, topic)
	return r.err
}

func (r *recordingPublisher) Close() error {
	r.closed = true
	return nil
}

func TestNoopPublisher(t *testing.T) {
	var pub Publisher = NoopPublisher{}
	if err := pub.Publish(context.Background(), TopicMessageSent, MessageEvent{}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := pub.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestFanout(t *testing.T) {
	a := &recordingPublisher{}
	b := &recordingPublisher{err: errors.New("down")}
	f := Fanout{a, b}

	err := f.Publish(context.Background(), TopicRunFinalized, RunEvent{RunID: "r1"})
	if err == nil || err.Error() != "down" {
		t.Fatalf("Publish err = %v, want down", err)
	}
	if len(a.topics) != 1 || len(b.topics) != 1 {
		t.Errorf("every publisher must see the event: a=%v b=%v", a.topics, b.topics)
	}
	if err := f.Close(); err != nil || !a.closed || !b.closed {
		t.Errorf("Close err=%v a=%v b=%v", err, a.closed, b.closed)
	}
}

func TestNATSPublisherWithoutRequestID(t *testing.T) {
	url := startTestNATS(t)
	pub, err := NewNATSPublisher(url)
	if err != nil {
		t.Fatalf("publisher: %v", err)
	}
	t.Cleanup(func() { _ = pub.Close() })

	raw, err := nats.Connect(url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(raw.Close)
	sub, err := raw.SubscribeSync("gados.bus.>")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := raw.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	want := MessageEvent{MessageID: "msg-1", Type: "economics.budget_threshold", Severity: "WARN"}
	if err := pub.Publish(context.Background(), TopicMessageSent, want); err != nil {
		t.Fatalf("publish: %v", err)
	}
	msg, err := sub.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	var got MessageEvent
	if err := json.Unmarshal(msg.Data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Subject != TopicMessageSent || got != want {
		t.Errorf("got %s %+v, want %s %+v", msg.Subject, got, TopicMessageSent, want)
	}
	if id := msg.Header.Get(RequestIDHeader); id != "" {
		t.Errorf("%s = %q without a request id on ctx", RequestIDHeader, id)
	}
}

func TestNATSPublisherClosed(t *testing.T) {
	pub, err := NewNATSPublisher(startTestNATS(t))
	if err != nil {
		t.Fatalf("publisher: %v", err)
	}
	_ = pub.Close()
	if err := pub.Publish(context.Background(), TopicAgentHeartbeat, AgentEvent{}); !errors.Is(err, nats.ErrConnectionClosed) {
		t.Errorf("publish after close = %v, want %v", err, nats.ErrConnectionClosed)
	}
}
