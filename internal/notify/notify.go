// Package notify queues notifications for the daily digest and delivers
// urgent ones to a signed webhook.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/alfredjeanlab/gados/internal/events"
	"github.com/alfredjeanlab/gados/internal/jsonl"
)

// Schema tags queued notifications.
const Schema = "gados.notification.v1"

// SignatureHeader carries the webhook body HMAC.
const SignatureHeader = "X-GADOS-Signature"

var severityRank = map[string]int{"INFO": 10, "WARN": 20, "ERROR": 30, "CRITICAL": 40}

// Notification is an event worth telling a human about.
type Notification struct {
	Type          string         `json:"type"`
	Severity      string         `json:"severity"`
	Title         string         `json:"title,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	StoryID       string         `json:"story_id,omitempty"`
	EpicID        string         `json:"epic_id,omitempty"`
	ArtifactRefs  []string       `json:"artifact_refs,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
}

// record is the queued and webhook wire form.
type record struct {
	Schema        string         `json:"schema"`
	At            string         `json:"at"`
	Type          string         `json:"type"`
	Severity      string         `json:"severity"`
	Title         string         `json:"title,omitempty"`
	CorrelationID *string        `json:"correlation_id"`
	StoryID       *string        `json:"story_id"`
	EpicID        *string        `json:"epic_id"`
	ArtifactRefs  []string       `json:"artifact_refs"`
	Payload       map[string]any `json:"payload"`
}

// Result describes what Dispatch did.
type Result struct {
	Queued     bool   `json:"queued"`
	Sent       bool   `json:"sent"`
	QueuedPath string `json:"queued_path"`
}

// Config configures a Dispatcher.
type Config struct {
	RuntimeDir  string
	WebhookURL  string
	MinSeverity string
	HMACSecret  string
	ReportsDir  string
	HTTPClient  *http.Client
	Publisher   events.Publisher
}

// Dispatcher queues notifications and flushes digests.
type Dispatcher struct {
	cfg     Config
	client  *http.Client
	flushMu sync.Mutex
	now     func() time.Time
}

// New returns a Dispatcher. An unknown MinSeverity falls back to CRITICAL.
func New(cfg Config) *Dispatcher {
	cfg.MinSeverity = strings.ToUpper(strings.TrimSpace(cfg.MinSeverity))
	if _, ok := severityRank[cfg.MinSeverity]; !ok {
		cfg.MinSeverity = "CRITICAL"
	}
	if cfg.Publisher == nil {
		cfg.Publisher = events.NoopPublisher{}
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &Dispatcher{cfg: cfg, client: client, now: time.Now}
}

// QueuePath returns the digest queue file.
func (d *Dispatcher) QueuePath() string {
	return filepath.Join(d.cfg.RuntimeDir, "notifications.queue.jsonl")
}

// Dispatch always appends n to the digest queue. When a webhook is
// configured and n is at least the minimum severity it is also POSTed;
// delivery failures are reported in Result.Sent, never as errors.
func (d *Dispatcher) Dispatch(ctx context.Context, n Notification) (Result, error) {
	n.Severity = strings.ToUpper(n.Severity)
	if _, ok := severityRank[n.Severity]; !ok {
		return Result{}, fmt.Errorf("unknown severity %q", n.Severity)
	}
	rec := record{
		Schema:        Schema,
		At:            d.now().UTC().Format(time.RFC3339),
		Type:          n.Type,
		Severity:      n.Severity,
		Title:         n.Title,
		CorrelationID: optional(n.CorrelationID),
		StoryID:       optional(n.StoryID),
		EpicID:        optional(n.EpicID),
		ArtifactRefs:  n.ArtifactRefs,
		Payload:       n.Payload,
	}
	if rec.ArtifactRefs == nil {
		rec.ArtifactRefs = []string{}
	}
	if rec.Payload == nil {
		rec.Payload = map[string]any{}
	}
	if err := jsonl.Append(d.QueuePath(), rec); err != nil {
		return Result{}, fmt.Errorf("queue notification: %w", err)
	}

	res := Result{Queued: true, QueuedPath: d.QueuePath()}
	if d.cfg.WebhookURL != "" && severityRank[n.Severity] >= severityRank[d.cfg.MinSeverity] {
		res.Sent = d.post(ctx, rec)
	}
	if err := d.cfg.Publisher.Publish(ctx, events.TopicNotificationDispatched, events.NotificationDispatched{
		Severity: n.Severity,
		Title:    n.Type,
		Sent:     res.Sent,
	}); err != nil {
		slog.Warn("failed to publish event", "topic", events.TopicNotificationDispatched, "error", err)
	}
	return res, nil
}

func (d *Dispatcher) post(ctx context.Context, rec record) bool {
	body, err := json.Marshal(rec)
	if err != nil {
		slog.Warn("webhook marshal failed", "error", err)
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		slog.Warn("webhook request failed", "error", err)
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	if d.cfg.HMACSecret != "" {
		req.Header.Set(SignatureHeader, Sign(d.cfg.HMACSecret, body))
	}
	resp, err := d.client.Do(req)
	if err != nil {
		slog.Warn("webhook delivery failed", "type", rec.Type, "error", err)
		return false
	}
	resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
