package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// streamHistory is how many recent events are kept for replay to
	// reconnecting clients.
	streamHistory = 1000

	streamKeepalive = 15 * time.Second
	streamQueue     = 64
)

// streamEvent is one event as sent to /v1/events/stream clients.
type streamEvent struct {
	seq   uint64
	topic string
	data  []byte
}

func (e streamEvent) writeTo(w io.Writer) {
	fmt.Fprintf(w, "id:%d\nevent:%s\ndata:%s\n\n", e.seq, e.topic, e.data)
}

// streamSub is one connected stream and its topic patterns. No patterns
// means every topic.
type streamSub struct {
	patterns []string
	queue    chan streamEvent
}

func (s *streamSub) wants(topic string) bool {
	if len(s.patterns) == 0 {
		return true
	}
	for _, p := range s.patterns {
		if topicMatches(p, topic) {
			return true
		}
	}
	return false
}

// EventHub is the in-process events.Publisher behind the SSE stream. It
// keeps the last streamHistory events so clients can resume with
// Last-Event-ID.
type EventHub struct {
	mu      sync.Mutex
	seq     uint64
	history []streamEvent
	subs    map[*streamSub]struct{}
}

// NewEventHub returns an empty hub.
func NewEventHub() *EventHub {
	return &EventHub{subs: make(map[*streamSub]struct{})}
}

// Publish marshals event and delivers it to matching streams.
func (h *EventHub) Publish(_ context.Context, topic string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", topic, err)
	}
	h.deliver(topic, data)
	return nil
}

// Close implements events.Publisher. Open streams end with their requests.
func (h *EventHub) Close() error { return nil }

// deliver records the event and hands it to every matching stream. A
// stream whose queue is full misses the event.
func (h *EventHub) deliver(topic string, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.seq++
	ev := streamEvent{seq: h.seq, topic: topic, data: data}
	h.history = append(h.history, ev)
	if over := len(h.history) - streamHistory; over > 0 {
		h.history = append(h.history[:0], h.history[over:]...)
	}

	for s := range h.subs {
		if !s.wants(topic) {
			continue
		}
		select {
		case s.queue <- ev:
		default:
		}
	}
}

// join registers a stream and returns the retained events after lastSeq
// that it wants, so nothing published in between is lost.
func (h *EventHub) join(patterns []string, lastSeq uint64, replay bool) (*streamSub, []streamEvent) {
	s := &streamSub{patterns: patterns, queue: make(chan streamEvent, streamQueue)}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs[s] = struct{}{}
	if !replay {
		return s, nil
	}
	var backlog []streamEvent
	for _, ev := range h.since(lastSeq) {
		if s.wants(ev.topic) {
			backlog = append(backlog, ev)
		}
	}
	return s, backlog
}

func (h *EventHub) leave(s *streamSub) {
	h.mu.Lock()
	delete(h.subs, s)
	h.mu.Unlock()
}

// since returns retained events with a sequence number above seq. The
// caller holds h.mu.
func (h *EventHub) since(seq uint64) []streamEvent {
	i := sort.Search(len(h.history), func(i int) bool { return h.history[i].seq > seq })
	return h.history[i:]
}

// topicMatches reports whether a dot separated topic matches pattern, where
// "*" matches exactly one segment and a trailing ">" matches one or more.
func topicMatches(pattern, topic string) bool {
	for {
		p, pRest, pMore := strings.Cut(pattern, ".")
		if p == ">" {
			return topic != ""
		}
		t, tRest, tMore := strings.Cut(topic, ".")
		if topic == "" || (p != "*" && p != t) {
			return false
		}
		if !pMore || !tMore {
			return pMore == tMore
		}
		pattern, topic = pRest, tRest
	}
}

// parseTopics splits the comma separated ?topics= filter.
func parseTopics(raw string) []string {
	var out []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// handleEventStream serves GET /v1/events/stream as server-sent events.
// Clients resume with Last-Event-ID (or ?since=) and narrow the stream with
// ?topics=a.*,b.>.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	resume := r.Header.Get("Last-Event-ID")
	if resume == "" {
		resume = r.URL.Query().Get("since")
	}
	lastSeq, err := strconv.ParseUint(resume, 10, 64)
	replay := resume != "" && err == nil

	sub, backlog := s.hub.join(parseTopics(r.URL.Query().Get("topics")), lastSeq, replay)
	defer s.hub.leave(sub)

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	for _, ev := range backlog {
		ev.writeTo(w)
	}
	flusher.Flush()

	keepalive := time.NewTicker(streamKeepalive)
	defer keepalive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-sub.queue:
			ev.writeTo(w)
			flusher.Flush()
		case <-keepalive.C:
			io.WriteString(w, ":keepalive\n\n")
			flusher.Flush()
		}
	}
}
