// Package analytics records product events with privacy scrubbing: only
// allowlisted property keys survive, secret-looking keys and values are
// redacted, and user ids are hashed before they reach logs or metrics.
package analytics

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"maps"
	"regexp"
	"slices"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

// Redacted replaces scrubbed values.
const Redacted = "<redacted>"

const (
	maxItems     = 50
	longValueLen = 80
)

// DefaultAllowlist is used when no allowlist is configured.
var DefaultAllowlist = []string{
	"scenario", "decision", "run_id", "run_key", "story_id", "epic_id",
	"status", "severity", "component", "route", "method", "http_status",
	"correlation_id",
}

var (
	suspectKeyRE = regexp.MustCompile(`(?i)(pass(word)?|secret|token|api[_-]?key|auth(orization)?|cookie|session|jwt|bearer|credit|card|pan|cvv|ssn|email|phone)`)
	jwtRE        = regexp.MustCompile(`^[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}$`)
	stripeRE     = regexp.MustCompile(`(?i)\bsk_(live|test)_[A-Za-z0-9]{10,}\b`)
)

// Event is the scrubbed form of a tracked event.
type Event struct {
	Name       string         `json:"event"`
	UserIDHash string         `json:"user_id_hash,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
	Redactions int            `json:"redactions"`
}

// Tracker scrubs and records analytics events.
type Tracker struct {
	allow      map[string]bool
	logger     *slog.Logger
	events     *prometheus.CounterVec
	redactions *prometheus.CounterVec
}

// New returns a Tracker registering its counters on reg. An empty allowlist
// selects DefaultAllowlist.
func New(reg prometheus.Registerer, allowlist []string, logger *slog.Logger) *Tracker {
	if len(allowlist) == 0 {
		allowlist = DefaultAllowlist
	}
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracker{
		allow:  make(map[string]bool, len(allowlist)),
		logger: logger,
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gados_analytics_events_total",
			Help: "Tracked analytics events by event name.",
		}, []string{"event_name"}),
		redactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gados_analytics_redactions_total",
			Help: "Dropped or redacted analytics properties by event name.",
		}, []string{"event_name"}),
	}
	for _, k := range allowlist {
		if k = strings.TrimSpace(k); k != "" {
			t.allow[k] = true
		}
	}
	if reg != nil {
		reg.MustRegister(t.events, t.redactions)
	}
	return t
}

// Track scrubs props, counts the event and logs it as analytics_event.
func (t *Tracker) Track(ctx context.Context, event, userID string, props map[string]any) (Event, error) {
	event = strings.TrimSpace(event)
	if event == "" {
		return Event{}, fmt.Errorf("event is required")
	}
	ev := Event{Name: event}
	ev.Properties, ev.Redactions = t.Scrub(props)
	if userID != "" {
		ev.UserIDHash = HashUserID(userID)
	}

	t.events.WithLabelValues(event).Inc()
	if ev.Redactions > 0 {
		t.redactions.WithLabelValues(event).Add(float64(ev.Redactions))
	}

	attrs := []any{"event_name", event}
	if ev.UserIDHash != "" {
		attrs = append(attrs, "user_id_hash", ev.UserIDHash)
	}
	if len(ev.Properties) > 0 {
		attrs = append(attrs, "properties", ev.Properties)
	}
	t.logger.InfoContext(ctx, "analytics_event", attrs...)
	return ev, nil
}

// Scrub keeps allowlisted keys, redacting suspect keys and secret-looking
// values. Dropped and redacted keys both count as redactions.
func (t *Tracker) Scrub(props map[string]any) (map[string]any, int) {
	safe := map[string]any{}
	redactions := 0
	for _, k := range slices.Sorted(maps.Keys(props)) {
		if !t.allow[k] {
			redactions++
			continue
		}
		if suspectKeyRE.MatchString(k) {
			safe[k] = Redacted
			redactions++
			continue
		}
		v := coerce(props[k])
		if looksSecret(v) {
			safe[k] = Redacted
			redactions++
			continue
		}
		safe[k] = v
	}
	return safe, redactions
}

// HashUserID returns the first 16 hex characters of sha256(userID).
func HashUserID(userID string) string {
	sum := sha256.Sum256([]byte(userID))
	return hex.EncodeToString(sum[:])[:16]
}

// coerce maps v onto JSON-friendly values, keeping at most maxItems entries
// of any list or map.
func coerce(v any) any {
	switch x := v.(type) {
	case nil, string, bool, int, int64, float64, float32, int32, uint, uint64:
		return x
	case []any:
		out := make([]any, 0, min(len(x), maxItems))
		for _, item := range x[:min(len(x), maxItems)] {
			out = append(out, coerce(item))
		}
		return out
	case []string:
		out := make([]any, 0, min(len(x), maxItems))
		for _, item := range x[:min(len(x), maxItems)] {
			out = append(out, item)
		}
		return out
	case map[string]any:
		keys := slices.Sorted(maps.Keys(x))
		out := make(map[string]any, min(len(keys), maxItems))
		for _, k := range keys[:min(len(keys), maxItems)] {
			out[k] = coerce(x[k])
		}
		return out
	}
	return fmt.Sprint(v)
}

func looksSecret(v any) bool {
	s, ok := v.(string)
	if !ok {
		return false
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return false
	}
	return jwtRE.MatchString(s) || stripeRE.MatchString(s) || len(s) >= longValueLen
}
