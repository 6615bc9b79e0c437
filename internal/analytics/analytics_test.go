package analytics

import (
	"bytes"
	"context"
	"log/slog"
	"slices"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTracker(t *testing.T, allow []string) (*Tracker, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	return New(prometheus.NewRegistry(), allow, logger), &buf
}

func TestScrub(t *testing.T) {
	tr, _ := newTracker(t, append(slices.Clone(DefaultAllowlist), "api_key", "tags", "meta"))
	jwt := "eyJhbGciOiJI.eyJzdWIiOiIxMjM0.SflKxwRJSMeKKF2QT4"
	for _, tc := range []struct {
		name      string
		props     map[string]any
		want      map[string]any
		wantCount int
	}{
		{"allowlisted", map[string]any{"run_id": "r1", "http_status": 200}, map[string]any{"run_id": "r1", "http_status": 200}, 0},
		{"dropped key", map[string]any{"email_address": "a@b.c", "status": "ok"}, map[string]any{"status": "ok"}, 1},
		{"suspect key", map[string]any{"api_key": "abc"}, map[string]any{"api_key": Redacted}, 1},
		{"jwt value", map[string]any{"decision": jwt}, map[string]any{"decision": Redacted}, 1},
		{"stripe value", map[string]any{"component": "key sk_live_abcdefghijk1"}, map[string]any{"component": Redacted}, 1},
		{"long value", map[string]any{"route": strings.Repeat("x", 80)}, map[string]any{"route": Redacted}, 1},
		{"79 chars kept", map[string]any{"route": strings.Repeat("x", 79)}, map[string]any{"route": strings.Repeat("x", 79)}, 0},
		{"nested", map[string]any{"meta": map[string]any{"a": []any{1, struct{}{}}}}, map[string]any{"meta": map[string]any{"a": []any{1, "{}"}}}, 0},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, n := tr.Scrub(tc.props)
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("Scrub mismatch (-want +got):\n%s", diff)
			}
			if n != tc.wantCount {
				t.Errorf("redactions = %d, want %d", n, tc.wantCount)
			}
		})
	}
}

func TestCoerceCapsItems(t *testing.T) {
	list := make([]any, 120)
	for i := range list {
		list[i] = i
	}
	if got := coerce(list).([]any); len(got) != maxItems {
		t.Errorf("len = %d, want %d", len(got), maxItems)
	}
	m := map[string]any{}
	for i := range 70 {
		m[strings.Repeat("k", i+1)] = i
	}
	if got := coerce(m).(map[string]any); len(got) != maxItems {
		t.Errorf("map len = %d, want %d", len(got), maxItems)
	}
}

func TestHashUserID(t *testing.T) {
	// sha256("alice") = 2bd806c97f0e00af1a1fc3328fa763a9269723c8db8fac4f93af71db186d6e90
	if got := HashUserID("alice"); got != "2bd806c97f0e00af" {
		t.Errorf("HashUserID = %q", got)
	}
}

func TestTrack(t *testing.T) {
	tr, buf := newTracker(t, nil)
	ev, err := tr.Track(context.Background(), "run_viewed", "alice", map[string]any{"run_id": "r1", "token": "x", "password": "p"})
	if err != nil {
		t.Fatalf("Track: %v", err)
	}
	if ev.UserIDHash != "2bd806c97f0e00af" || ev.Redactions != 2 {
		t.Errorf("event = %+v", ev)
	}
	if got := testutil.ToFloat64(tr.events.WithLabelValues("run_viewed")); got != 1 {
		t.Errorf("events counter = %v", got)
	}
	if got := testutil.ToFloat64(tr.redactions.WithLabelValues("run_viewed")); got != 2 {
		t.Errorf("redactions counter = %v", got)
	}
	out := buf.String()
	if !strings.Contains(out, `"msg":"analytics_event"`) || strings.Contains(out, "alice") {
		t.Errorf("log = %s", out)
	}

	if _, err := tr.Track(context.Background(), "  ", "", nil); err == nil {
		t.Error("empty event should fail")
	}
}
