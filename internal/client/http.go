package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/alfredjeanlab/gados/internal/betarun"
	"github.com/alfredjeanlab/gados/internal/bus"
	"github.com/alfredjeanlab/gados/internal/logging"
	"github.com/alfredjeanlab/gados/internal/presence"
	"github.com/alfredjeanlab/gados/internal/registry"
	"github.com/alfredjeanlab/gados/internal/store"
)

// HTTPClient talks to a gados server over its JSON API.
type HTTPClient struct {
	base           string
	user, password string
	hc             *http.Client
}

// NewHTTPClient targets baseURL, e.g. "http://localhost:8080".
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		base: strings.TrimRight(baseURL, "/"),
		hc:   &http.Client{Timeout: 30 * time.Second},
	}
}

// WithBasicAuth sets the credentials sent with every request.
func (c *HTTPClient) WithBasicAuth(user, password string) *HTTPClient {
	c.user, c.password = user, password
	return c
}

func (c *HTTPClient) Close() error { return nil }

// APIError is a non-2xx reply. Message is the server's "error" field, or
// the raw body when there is none.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string { return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message) }

// withQuery appends the non-empty values of q to path.
func withQuery(path string, q url.Values) string {
	for k, vs := range q {
		if len(vs) == 0 || vs[0] == "" {
			delete(q, k)
		}
	}
	if len(q) == 0 {
		return path
	}
	return path + "?" + q.Encode()
}

func limitParam(n int) string {
	if n <= 0 {
		return ""
	}
	return strconv.Itoa(n)
}

// call sends body (if any) as JSON and decodes the reply into a T.
func call[T any](ctx context.Context, c *HTTPClient, method, path string, body any) (*T, error) {
	var out T
	if err := c.roundTrip(ctx, method, path, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) roundTrip(ctx context.Context, method, path string, body, out any) error {
	var payload io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		payload = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, payload)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if id := logging.RequestID(ctx); id != "" {
		req.Header.Set("X-Request-Id", id)
	}
	if c.user != "" {
		req.SetBasicAuth(c.user, c.password)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	switch {
	case resp.StatusCode >= http.StatusBadRequest:
		return apiError(resp.StatusCode, raw)
	case resp.StatusCode == http.StatusNoContent, out == nil:
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func apiError(code int, raw []byte) error {
	var body struct {
		Error string `json:"error"`
	}
	msg := string(raw)
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		msg = body.Error
	}
	return &APIError{StatusCode: code, Message: msg}
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

func (c *HTTPClient) Send(ctx context.Context, req bus.SendRequest) (*bus.SendResult, error) {
	return call[bus.SendResult](ctx, c, http.MethodPost, "/v1/bus/messages", req)
}

func (c *HTTPClient) Inbox(ctx context.Context, role, agentID string, limit int) ([]*store.Message, error) {
	path := withQuery("/v1/bus/inbox", url.Values{"role": {role}, "agent_id": {agentID}, "limit": {limitParam(limit)}})
	resp, err := call[struct {
		Messages []*store.Message `json:"messages"`
	}](ctx, c, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

func (c *HTTPClient) Ack(ctx context.Context, req bus.AckRequest) error {
	return c.roundTrip(ctx, http.MethodPost, "/v1/bus/messages/"+url.PathEscape(req.MessageID)+"/ack", req, nil)
}

func (c *HTTPClient) Heartbeat(ctx context.Context, role, agentID string) error {
	return c.roundTrip(ctx, http.MethodPost, "/v1/agents/heartbeat", map[string]string{"role": role, "agent_id": agentID}, nil)
}

// Roster lists known agents. A negative staleThresholdSecs leaves the
// threshold to the server.
func (c *HTTPClient) Roster(ctx context.Context, staleThresholdSecs int) ([]presence.Entry, error) {
	q := url.Values{}
	if staleThresholdSecs >= 0 {
		q.Set("stale_threshold_secs", strconv.Itoa(staleThresholdSecs))
	}
	resp, err := call[struct {
		Agents []presence.Entry `json:"agents"`
	}](ctx, c, http.MethodGet, withQuery("/v1/agents/roster", q), nil)
	if err != nil {
		return nil, err
	}
	return resp.Agents, nil
}

func (c *HTTPClient) Validate(ctx context.Context) (*ValidateResponse, error) {
	return call[ValidateResponse](ctx, c, http.MethodGet, "/v1/validate", nil)
}

func (c *HTTPClient) StartRun(ctx context.Context, req registry.StartRequest) (*registry.Run, error) {
	return call[registry.Run](ctx, c, http.MethodPost, "/v1/runs", req)
}

func (c *HTTPClient) CompleteRun(ctx context.Context, runID string, req registry.CompleteRequest) (*registry.Run, error) {
	return call[registry.Run](ctx, c, http.MethodPost, "/v1/runs/"+url.PathEscape(runID)+"/complete", req)
}

func (c *HTTPClient) ListRuns(ctx context.Context, projectID string, limit int) ([]registry.Run, error) {
	path := withQuery("/v1/runs", url.Values{"project": {projectID}, "limit": {limitParam(limit)}})
	resp, err := call[struct {
		Runs []registry.Run `json:"runs"`
	}](ctx, c, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	return resp.Runs, nil
}

func (c *HTTPClient) ListProjects(ctx context.Context, limit int) ([]registry.Project, error) {
	resp, err := call[struct {
		Projects []registry.Project `json:"projects"`
	}](ctx, c, http.MethodGet, withQuery("/v1/projects", url.Values{"limit": {limitParam(limit)}}), nil)
	if err != nil {
		return nil, err
	}
	return resp.Projects, nil
}

func (c *HTTPClient) BetaRuns(ctx context.Context) ([]betarun.Summary, error) {
	resp, err := call[struct {
		Runs []betarun.Summary `json:"runs"`
	}](ctx, c, http.MethodGet, "/v1/beta/runs", nil)
	if err != nil {
		return nil, err
	}
	return resp.Runs, nil
}

func (c *HTTPClient) Health(ctx context.Context) (*HealthResponse, error) {
	return call[HealthResponse](ctx, c, http.MethodGet, "/v1/health", nil)
}
