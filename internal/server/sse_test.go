package server

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alfredjeanlab/gados/internal/bus"
	"github.com/alfredjeanlab/gados/internal/events"
)

func recv(t *testing.T, s *streamSub) streamEvent {
	t.Helper()
	select {
	case ev := <-s.queue:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return streamEvent{}
}

func TestEventHubDeliversByPattern(t *testing.T) {
	hub := NewEventHub()
	all, _ := hub.join(nil, 0, false)
	busSub, _ := hub.join([]string{"gados.bus.message.*"}, 0, false)
	agents, _ := hub.join([]string{"gados.agent.>", "gados.beta.run.finalized"}, 0, false)
	defer hub.leave(all)
	defer hub.leave(busSub)
	defer hub.leave(agents)

	hub.deliver(events.TopicAgentHeartbeat, []byte(`{"role":"QA"}`))
	hub.deliver(events.TopicMessageSent, []byte(`{"message_id":"m-1"}`))
	hub.deliver(events.TopicRunFinalized, []byte(`{}`))

	if got := recv(t, all); got.topic != events.TopicAgentHeartbeat || got.seq != 1 {
		t.Fatalf("first event = %+v", got)
	}
	if got := recv(t, busSub); got.topic != events.TopicMessageSent || string(got.data) != `{"message_id":"m-1"}` {
		t.Fatalf("bus stream got %+v", got)
	}
	if got := recv(t, agents); got.topic != events.TopicAgentHeartbeat {
		t.Fatalf("agent stream got %+v", got)
	}
	if got := recv(t, agents); got.topic != events.TopicRunFinalized {
		t.Fatalf("agent stream got %+v", got)
	}
	if len(busSub.queue) != 0 {
		t.Fatalf("bus stream has %d unexpected events", len(busSub.queue))
	}
}

func TestEventHubLeaveStopsDelivery(t *testing.T) {
	hub := NewEventHub()
	s, _ := hub.join(nil, 0, false)
	hub.leave(s)
	hub.deliver(events.TopicMessageSent, []byte(`{}`))
	if len(s.queue) != 0 {
		t.Fatal("event delivered after leave")
	}
}

func TestEventHubSlowStreamDropsEvents(t *testing.T) {
	hub := NewEventHub()
	s, _ := hub.join(nil, 0, false)
	defer hub.leave(s)
	for range streamQueue + 10 {
		hub.deliver(events.TopicMessageSent, []byte(`{}`))
	}
	if len(s.queue) != streamQueue {
		t.Fatalf("queue holds %d, want %d", len(s.queue), streamQueue)
	}
}

func TestEventHubReplay(t *testing.T) {
	hub := NewEventHub()
	for _, topic := range []string{events.TopicMessageSent, events.TopicAgentHeartbeat, events.TopicMessageAcked} {
		hub.deliver(topic, []byte(`{}`))
	}

	tests := []struct {
		name     string
		patterns []string
		lastSeq  uint64
		replay   bool
		want     []uint64
	}{
		{"no resume", nil, 0, false, nil},
		{"from start", nil, 0, true, []uint64{1, 2, 3}},
		{"after second", nil, 2, true, []uint64{3}},
		{"caught up", nil, 3, true, nil},
		{"filtered", []string{"gados.bus.>"}, 0, true, []uint64{1, 3}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s, backlog := hub.join(tc.patterns, tc.lastSeq, tc.replay)
			defer hub.leave(s)
			if len(backlog) != len(tc.want) {
				t.Fatalf("backlog = %+v, want seqs %v", backlog, tc.want)
			}
			for i, ev := range backlog {
				if ev.seq != tc.want[i] {
					t.Fatalf("backlog[%d].seq = %d, want %d", i, ev.seq, tc.want[i])
				}
			}
		})
	}
}

func TestEventHubHistoryIsBounded(t *testing.T) {
	hub := NewEventHub()
	for range streamHistory + 100 {
		hub.deliver(events.TopicMessageSent, []byte(`{}`))
	}
	s, backlog := hub.join(nil, 0, true)
	defer hub.leave(s)
	if len(backlog) != streamHistory {
		t.Fatalf("replayed %d events, want %d", len(backlog), streamHistory)
	}
	if backlog[0].seq != 101 {
		t.Fatalf("oldest retained seq = %d, want 101", backlog[0].seq)
	}
}

func TestTopicMatches(t *testing.T) {
	tests := []struct {
		pattern, topic string
		want           bool
	}{
		{"gados.bus.message.sent", "gados.bus.message.sent", true},
		{"gados.bus.message.sent", "gados.bus.message.acked", false},
		{"gados.bus.message.*", "gados.bus.message.nacked", true},
		{"gados.*.heartbeat", "gados.agent.heartbeat", true},
		{"gados.*", "gados.agent.heartbeat", false},
		{"gados.>", "gados.agent.heartbeat", true},
		{"gados.>", "gados", false},
		{"gados.bus.>", "gados.agent.dead", false},
		{"gados.agent.heartbeat", "gados.agent", false},
		{">", "gados.agent.dead", true},
	}
	for _, tc := range tests {
		if got := topicMatches(tc.pattern, tc.topic); got != tc.want {
			t.Errorf("topicMatches(%q, %q) = %v, want %v", tc.pattern, tc.topic, got, tc.want)
		}
	}
}

// stream runs GET /v1/events/stream until publish has run and the stream
// has had time to flush, then returns the response.
func stream(t *testing.T, handler http.Handler, target, lastEventID string, publish func()) *httptest.ResponseRecorder {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req := httptest.NewRequest(http.MethodGet, target, nil).WithContext(ctx)
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}
	rec := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		defer close(done)
		handler.ServeHTTP(rec, req)
	}()

	time.Sleep(50 * time.Millisecond)
	publish()
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done
	return rec
}

func TestEventStreamFormat(t *testing.T) {
	srv, handler := newTestServer(t)
	rec := stream(t, handler, "/v1/events/stream", "", func() {
		srv.hub.deliver(events.TopicMessageSent, []byte(`{"message_id":"m-fmt"}`))
	})

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}
	fields := map[string]string{}
	sc := bufio.NewScanner(strings.NewReader(rec.Body.String()))
	for sc.Scan() {
		if k, v, ok := strings.Cut(sc.Text(), ":"); ok && k != "" {
			fields[k] = v
		}
	}
	if _, err := strconv.ParseUint(fields["id"], 10, 64); err != nil {
		t.Errorf("id = %q, want a sequence number", fields["id"])
	}
	want := map[string]string{
		"event": events.TopicMessageSent,
		"data":  `{"message_id":"m-fmt"}`,
	}
	for k, v := range want {
		if fields[k] != v {
			t.Errorf("%s = %q, want %q\n%s", k, fields[k], v, rec.Body.String())
		}
	}
}

func TestEventStreamTopicFilter(t *testing.T) {
	srv, handler := newTestServer(t)
	rec := stream(t, handler, "/v1/events/stream?topics=gados.agent.*", "", func() {
		srv.hub.deliver(events.TopicMessageSent, []byte(`{"message_id":"m-1"}`))
		srv.hub.deliver(events.TopicAgentHeartbeat, []byte(`{"role":"CoordinationAgent"}`))
	})
	body := rec.Body.String()
	if strings.Contains(body, events.TopicMessageSent) {
		t.Fatalf("bus event leaked through the filter:\n%s", body)
	}
	if !strings.Contains(body, "event:"+events.TopicAgentHeartbeat) {
		t.Fatalf("missing heartbeat event:\n%s", body)
	}
}

func TestEventStreamResumes(t *testing.T) {
	srv, handler := newTestServer(t)
	srv.hub.deliver(events.TopicMessageSent, []byte(`{"n":1}`))
	srv.hub.deliver(events.TopicMessageAcked, []byte(`{"n":2}`))

	rec := stream(t, handler, "/v1/events/stream", "1", func() {
		srv.hub.deliver(events.TopicMessageNacked, []byte(`{"n":3}`))
	})
	body := rec.Body.String()
	if strings.Contains(body, `data:{"n":1}`) {
		t.Fatalf("replayed an event the client already had:\n%s", body)
	}
	if i, j := strings.Index(body, `data:{"n":2}`), strings.Index(body, `data:{"n":3}`); i < 0 || j < i {
		t.Fatalf("expected n=2 replayed before live n=3:\n%s", body)
	}

	rec = stream(t, handler, "/v1/events/stream?since=2", "", func() {})
	if body := rec.Body.String(); !strings.Contains(body, `data:{"n":3}`) || strings.Contains(body, `data:{"n":2}`) {
		t.Fatalf("?since=2 replay wrong:\n%s", body)
	}
}

func TestEventStreamCarriesBusSends(t *testing.T) {
	srv, handler := newTestServer(t)
	rec := stream(t, handler, "/v1/events/stream?topics=gados.bus.>", "", func() {
		if _, err := srv.bus.Send(context.Background(), bus.SendRequest{
			FromRole: "Human", FromAgentID: "alice",
			ToRole: "CoordinationAgent", ToAgentID: "CA-1",
			Type: "STATUS_UPDATE",
		}); err != nil {
			t.Errorf("send: %v", err)
		}
		if err := srv.hub.Publish(context.Background(), events.TopicAgentHeartbeat, events.AgentEvent{Role: "QA"}); err != nil {
			t.Errorf("publish: %v", err)
		}
	})
	body := rec.Body.String()
	if !strings.Contains(body, "event:"+events.TopicMessageSent) {
		t.Fatalf("missing bus send event:\n%s", body)
	}
	if strings.Contains(body, events.TopicAgentHeartbeat) {
		t.Fatalf("heartbeat leaked through the filter:\n%s", body)
	}
}
