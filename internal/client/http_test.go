package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alfredjeanlab/gados/internal/bus"
	"github.com/alfredjeanlab/gados/internal/logging"
	"github.com/alfredjeanlab/gados/internal/registry"
)

// testHandler captures the incoming request details and returns a canned response.
type testHandler struct {
	// captured from the request
	method      string
	path        string
	rawPath     string
	query       string
	body        string
	contentType string
	user        string
	password    string

	// canned response
	statusCode   int
	responseBody string
}

func (h *testHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.method = r.Method
	h.path = r.URL.Path
	h.rawPath = r.URL.RawPath
	h.query = r.URL.RawQuery
	h.contentType = r.Header.Get("Content-Type")
	h.user, h.password, _ = r.BasicAuth()
	if r.Body != nil {
		data, _ := io.ReadAll(r.Body)
		h.body = string(data)
	}

	w.Header().Set("Content-Type", "application/json")
	if h.statusCode != 0 {
		w.WriteHeader(h.statusCode)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	if h.responseBody != "" {
		_, _ = w.Write([]byte(h.responseBody))
	}
}

// newTestClient creates an HTTPClient pointed at a test server with the given handler.
func newTestClient(t *testing.T, h http.Handler) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewHTTPClient(srv.URL + "/")
}

// --- Bus ---

func TestHTTPClient_Send(t *testing.T) {
	h := &testHandler{statusCode: http.StatusCreated, responseBody: `{"message_id":"m-1","duplicate":false}`}
	c := newTestClient(t, h).WithBasicAuth("alice", "s3cret")

	res, err := c.Send(context.Background(), bus.SendRequest{
		FromRole: "Human", FromAgentID: "alice", ToRole: "QA", ToAgentID: "qa-1", Type: "PING",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h.method != http.MethodPost || h.path != "/v1/bus/messages" {
		t.Fatalf("request = %s %s", h.method, h.path)
	}
	if h.contentType != "application/json" {
		t.Fatalf("content type = %q", h.contentType)
	}
	if h.user != "alice" || h.password != "s3cret" {
		t.Fatalf("basic auth = %q/%q", h.user, h.password)
	}
	var sent map[string]any
	if err := json.Unmarshal([]byte(h.body), &sent); err != nil {
		t.Fatal(err)
	}
	if sent["to_agent_id"] != "qa-1" || sent["type"] != "PING" {
		t.Fatalf("body = %v", sent)
	}
	if res.MessageID != "m-1" || res.Duplicate {
		t.Fatalf("result = %+v", res)
	}
}

func TestHTTPClient_Inbox(t *testing.T) {
	h := &testHandler{responseBody: `{"messages":[{"message_id":"m-1","severity":"WARN","payload":{"a":1}}]}`}
	c := newTestClient(t, h)

	msgs, err := c.Inbox(context.Background(), "QA", "qa 1", 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h.query != "agent_id=qa+1&limit=5&role=QA" {
		t.Fatalf("query = %q", h.query)
	}
	if len(msgs) != 1 || msgs[0].MessageID != "m-1" || string(msgs[0].Payload) != `{"a":1}` {
		t.Fatalf("messages = %+v", msgs)
	}
}

func TestHTTPClient_Ack_EscapesID(t *testing.T) {
	h := &testHandler{responseBody: `{"ok":true}`}
	c := newTestClient(t, h)

	if err := c.Ack(context.Background(), bus.AckRequest{MessageID: "a/b", Status: "ACKED"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h.rawPath != "/v1/bus/messages/a%2Fb/ack" {
		t.Fatalf("raw path = %q", h.rawPath)
	}
}

// --- Agents ---

func TestHTTPClient_Roster(t *testing.T) {
	tests := []struct {
		name      string
		threshold int
		wantQuery string
	}{
		{"server default", -1, ""},
		{"all agents", 0, "stale_threshold_secs=0"},
		{"custom", 90, "stale_threshold_secs=90"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &testHandler{responseBody: `{"agents":[{"role":"QA","agent_id":"qa-1","beat_count":3}]}`}
			c := newTestClient(t, h)
			agents, err := c.Roster(context.Background(), tt.threshold)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if h.query != tt.wantQuery {
				t.Fatalf("query = %q, want %q", h.query, tt.wantQuery)
			}
			if len(agents) != 1 || agents[0].BeatCount != 3 {
				t.Fatalf("agents = %+v", agents)
			}
		})
	}
}

func TestHTTPClient_Heartbeat(t *testing.T) {
	h := &testHandler{responseBody: `{"ok":true}`}
	c := newTestClient(t, h)
	if err := c.Heartbeat(context.Background(), "QA", "qa-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h.path != "/v1/agents/heartbeat" || !strings.Contains(h.body, `"agent_id":"qa-1"`) {
		t.Fatalf("request = %s %s", h.path, h.body)
	}
}

// --- Run registry ---

func TestHTTPClient_RunLifecycle(t *testing.T) {
	h := &testHandler{statusCode: http.StatusCreated, responseBody: `{"run_id":"r-1","project_id":"acme","status":"running"}`}
	c := newTestClient(t, h)

	run, err := c.StartRun(context.Background(), registry.StartRequest{ProjectID: "acme"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if run.RunID != "r-1" || run.Status != registry.StatusRunning {
		t.Fatalf("run = %+v", run)
	}

	h.statusCode = http.StatusOK
	h.responseBody = `{"run_id":"r-1","status":"failed"}`
	run, err = c.CompleteRun(context.Background(), "r-1", registry.CompleteRequest{Status: registry.StatusFailed})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if h.path != "/v1/runs/r-1/complete" || run.Status != registry.StatusFailed {
		t.Fatalf("complete = %s %+v", h.path, run)
	}

	h.responseBody = `{"runs":[{"run_id":"r-1"}]}`
	runs, err := c.ListRuns(context.Background(), "acme", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if h.query != "limit=10&project=acme" || len(runs) != 1 {
		t.Fatalf("list = %q %+v", h.query, runs)
	}

	h.responseBody = `{"projects":[{"project_id":"acme","latest_run":{"run_id":"r-1"}}]}`
	projects, err := c.ListProjects(context.Background(), 0)
	if err != nil {
		t.Fatalf("projects: %v", err)
	}
	if h.query != "" || len(projects) != 1 || projects[0].LatestRun.RunID != "r-1" {
		t.Fatalf("projects = %q %+v", h.query, projects)
	}
}

// --- Validate, beta runs, health ---

func TestHTTPClient_ReadEndpoints(t *testing.T) {
	h := &testHandler{responseBody: `{"findings":[{"level":"WARN","code":"BAD_STORY_NAME","message":"m"}],"errors":0,"warnings":1}`}
	c := newTestClient(t, h)

	v, err := c.Validate(context.Background())
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if v.Warnings != 1 || v.Findings[0].Code != "BAD_STORY_NAME" {
		t.Fatalf("validate = %+v", v)
	}

	h.responseBody = `{"runs":[{"run_id":"DAILY-SPEND-GUARDRAIL-20260101-000000-001","decision":"GO","detail_url":"/beta/runs/x"}]}`
	runs, err := c.BetaRuns(context.Background())
	if err != nil {
		t.Fatalf("beta runs: %v", err)
	}
	if h.path != "/v1/beta/runs" || len(runs) != 1 || runs[0].Decision != "GO" {
		t.Fatalf("beta runs = %+v", runs)
	}

	h.responseBody = `{"status":"READY","ready":true,"auth_enabled":true}`
	health, err := c.Health(context.Background())
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if !health.Ready || health.Status != "READY" || !health.AuthEnabled {
		t.Fatalf("health = %+v", health)
	}
}

// --- Errors ---

func TestHTTPClient_APIError(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		body        string
		wantMessage string
	}{
		{"json error", http.StatusNotFound, `{"error":"not found"}`, "not found"},
		{"plain body", http.StatusBadGateway, `upstream down`, "upstream down"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, &testHandler{statusCode: tt.status, responseBody: tt.body})
			err := c.Ack(context.Background(), bus.AckRequest{MessageID: "m", Status: "ACKED"})
			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("expected APIError, got %v", err)
			}
			if apiErr.StatusCode != tt.status || apiErr.Message != tt.wantMessage {
				t.Fatalf("err = %+v", apiErr)
			}
		})
	}
}

func TestHTTPClient_DecodeError(t *testing.T) {
	c := newTestClient(t, &testHandler{responseBody: `not json`})
	if _, err := c.Health(context.Background()); err == nil || !strings.Contains(err.Error(), "decoding response") {
		t.Fatalf("err = %v", err)
	}
}

func TestHTTPClient_IsNotFound(t *testing.T) {
	c := newTestClient(t, &testHandler{statusCode: http.StatusNotFound, responseBody: `{"error":"run not found"}`})
	_, err := c.CompleteRun(context.Background(), "r-missing", registry.CompleteRequest{Status: registry.StatusFailed})
	if !IsNotFound(err) {
		t.Fatalf("IsNotFound(%v) = false", err)
	}
	if IsNotFound(errors.New("other")) {
		t.Fatal("plain error reported as not found")
	}
}

func TestHTTPClient_ForwardsRequestID(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("X-Request-Id")
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)

	ctx := logging.WithRequestID(context.Background(), "req-7")
	if err := NewHTTPClient(srv.URL).Heartbeat(ctx, "QA", "qa-1"); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if got != "req-7" {
		t.Fatalf("X-Request-Id = %q, want req-7", got)
	}
}
