// Package bus implements the at-least-once agent message bus on top of
// store.Store, with an append-only JSONL audit trail.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/alfredjeanlab/gados/internal/events"
	"github.com/alfredjeanlab/gados/internal/idgen"
	"github.com/alfredjeanlab/gados/internal/jsonl"
	"github.com/alfredjeanlab/gados/internal/store"
)

// ErrNotFound is returned when acking an unknown message.
var ErrNotFound = store.ErrNotFound

// ErrInvalid wraps rejected send or ack input.
var ErrInvalid = errors.New("invalid bus request")

// Severities in ascending order.
var Severities = []string{"INFO", "WARN", "ERROR", "CRITICAL"}

const (
	auditSchema   = "gados.bus.event.v1"
	messageSchema = "gados.bus.message.v1"

	DefaultInboxLimit = 100
	MaxInboxLimit     = 500
)

// Service sends, lists and acknowledges bus messages.
type Service struct {
	store     store.Store
	auditPath string
	publisher events.Publisher
	now       func() time.Time
}

// New returns a Service. auditPath is the bus-events.jsonl file.
func New(st store.Store, auditPath string, publisher events.Publisher) *Service {
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	return &Service{store: st, auditPath: auditPath, publisher: publisher, now: time.Now}
}

// SendRequest describes a message to enqueue.
type SendRequest struct {
	FromRole       string         `json:"from_role"`
	FromAgentID    string         `json:"from_agent_id"`
	ToRole         string         `json:"to_role"`
	ToAgentID      string         `json:"to_agent_id"`
	Type           string         `json:"type"`
	Severity       string         `json:"severity,omitempty"`
	CorrelationID  string         `json:"correlation_id,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	StoryID        string         `json:"story_id,omitempty"`
	EpicID         string         `json:"epic_id,omitempty"`
	ArtifactRefs   []string       `json:"artifact_refs,omitempty"`
	Payload        map[string]any `json:"payload,omitempty"`
}

// SendResult reports the stored message id. Duplicate is set when the
// idempotency key was already used by the same sender.
type SendResult struct {
	MessageID string `json:"message_id"`
	Duplicate bool   `json:"duplicate"`
}

func (r *SendRequest) normalize() error {
	for _, f := range []struct{ name, v string }{
		{"from_role", r.FromRole}, {"from_agent_id", r.FromAgentID},
		{"to_role", r.ToRole}, {"to_agent_id", r.ToAgentID}, {"type", r.Type},
	} {
		if strings.TrimSpace(f.v) == "" {
			return fmt.Errorf("%w: %s is required", ErrInvalid, f.name)
		}
	}
	r.Severity = strings.ToUpper(strings.TrimSpace(r.Severity))
	if r.Severity == "" {
		r.Severity = "INFO"
	}
	if SeverityRank(r.Severity) < 0 {
		return fmt.Errorf("%w: unknown severity %q", ErrInvalid, r.Severity)
	}
	if r.ArtifactRefs == nil {
		r.ArtifactRefs = []string{}
	}
	if r.Payload == nil {
		r.Payload = map[string]any{}
	}
	return nil
}

// Send enqueues a message. Retrying with the same sender and idempotency key
// returns the original message id and writes no new audit event. Only
// producer supplied keys deduplicate.
func (s *Service) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	if err := req.normalize(); err != nil {
		return SendResult{}, err
	}
	// Without a producer key every send is a new message.
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = uuid.NewString()
	}
	if req.CorrelationID == "" {
		req.CorrelationID = uuid.NewString()
	}
	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return SendResult{}, fmt.Errorf("%w: payload: %v", ErrInvalid, err)
	}
	id, err := idgen.New(idgen.Message)
	if err != nil {
		return SendResult{}, err
	}

	now := s.now().UTC()
	m := &store.Message{
		MessageID:      id,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      now,
		FromRole:       req.FromRole,
		FromAgentID:    req.FromAgentID,
		ToRole:         req.ToRole,
		ToAgentID:      req.ToAgentID,
		Type:           req.Type,
		Severity:       req.Severity,
		CorrelationID:  req.CorrelationID,
		StoryID:        req.StoryID,
		EpicID:         req.EpicID,
		ArtifactRefs:   req.ArtifactRefs,
		Payload:        payload,
		Status:         store.StatusPending,
	}
	inserted, err := s.store.InsertMessage(ctx, m)
	if err != nil {
		return SendResult{}, err
	}
	if !inserted {
		existing, err := s.store.MessageIDForKey(ctx, req.FromRole, req.FromAgentID, req.IdempotencyKey)
		if err != nil {
			return SendResult{}, err
		}
		return SendResult{MessageID: existing, Duplicate: true}, nil
	}

	if err := jsonl.Append(s.auditPath, map[string]any{
		"schema":     auditSchema,
		"event_type": "MESSAGE_SENT",
		"at":         now.Format(time.RFC3339),
		"message": map[string]any{
			"schema":          messageSchema,
			"message_id":      m.MessageID,
			"idempotency_key": m.IdempotencyKey,
			"created_at":      now.Format(time.RFC3339),
			"from":            map[string]string{"role": m.FromRole, "agent_id": m.FromAgentID},
			"to":              map[string]string{"role": m.ToRole, "agent_id": m.ToAgentID},
			"type":            m.Type,
			"severity":        m.Severity,
			"correlation_id":  m.CorrelationID,
			"story_id":        nullable(m.StoryID),
			"epic_id":         nullable(m.EpicID),
			"artifact_refs":   m.ArtifactRefs,
			"payload":         req.Payload,
		},
	}); err != nil {
		return SendResult{}, fmt.Errorf("append bus audit: %w", err)
	}

	s.publish(ctx, events.TopicMessageSent, events.MessageEvent{
		MessageID:     m.MessageID,
		Type:          m.Type,
		Severity:      m.Severity,
		FromRole:      m.FromRole,
		ToRole:        m.ToRole,
		ToAgentID:     m.ToAgentID,
		CorrelationID: m.CorrelationID,
	})
	return SendResult{MessageID: m.MessageID}, nil
}

// Inbox lists pending messages for role and agentID (including broadcasts
// to "*"), newest first. limit is clamped to [1, MaxInboxLimit]; zero means
// DefaultInboxLimit.
func (s *Service) Inbox(ctx context.Context, role, agentID string, limit int) ([]*store.Message, error) {
	if strings.TrimSpace(role) == "" || strings.TrimSpace(agentID) == "" {
		return nil, fmt.Errorf("%w: role and agent_id are required", ErrInvalid)
	}
	return s.store.Inbox(ctx, role, agentID, ClampLimit(limit))
}

// ClampLimit applies the inbox limit defaults and bounds.
func ClampLimit(limit int) int {
	switch {
	case limit == 0:
		return DefaultInboxLimit
	case limit < 1:
		return 1
	case limit > MaxInboxLimit:
		return MaxInboxLimit
	}
	return limit
}

// AckRequest acknowledges (ACKED) or rejects (NACKED) a message.
type AckRequest struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
	ActorRole string `json:"actor_role"`
	ActorID   string `json:"actor_id"`
	Notes     string `json:"notes,omitempty"`
}

// Ack applies req. ACKED removes the message from inboxes; NACKED keeps it
// pending for redelivery and records the notes as last_error.
func (s *Service) Ack(ctx context.Context, req AckRequest) error {
	req.Status = strings.ToUpper(strings.TrimSpace(req.Status))
	if req.MessageID == "" {
		return fmt.Errorf("%w: message_id is required", ErrInvalid)
	}

	var topic string
	switch req.Status {
	case store.StatusAcked:
		topic = events.TopicMessageAcked
	case store.StatusNacked:
		topic = events.TopicMessageNacked
	default:
		return fmt.Errorf("%w: status must be ACKED or NACKED, got %q", ErrInvalid, req.Status)
	}

	var msg *store.Message
	err := s.store.RunInTransaction(ctx, func(tx store.Store) error {
		m, err := tx.GetMessage(ctx, req.MessageID)
		if err != nil {
			return err
		}
		if req.Status == store.StatusAcked {
			err = tx.AckMessage(ctx, req.MessageID, req.Notes)
		} else {
			err = tx.NackMessage(ctx, req.MessageID, req.Notes)
		}
		msg = m
		return err
	})
	if err != nil {
		return err
	}

	now := s.now().UTC()
	if err := jsonl.Append(s.auditPath, map[string]any{
		"schema":     auditSchema,
		"event_type": req.Status,
		"at":         now.Format(time.RFC3339),
		"message_id": req.MessageID,
		"actor":      map[string]string{"role": req.ActorRole, "agent_id": req.ActorID},
		"notes":      req.Notes,
	}); err != nil {
		return fmt.Errorf("append bus audit: %w", err)
	}

	s.publish(ctx, topic, events.MessageEvent{
		MessageID: req.MessageID,
		Type:      msg.Type,
		Severity:  msg.Severity,
		FromRole:  msg.FromRole,
		ToRole:    msg.ToRole,
		ToAgentID: msg.ToAgentID,
		ActorRole: req.ActorRole,
		ActorID:   req.ActorID,
		Notes:     req.Notes,
	})
	return nil
}

// RecordHeartbeat stores the liveness time of an agent.
func (s *Service) RecordHeartbeat(ctx context.Context, role, agentID string, at time.Time) error {
	if strings.TrimSpace(role) == "" || strings.TrimSpace(agentID) == "" {
		return fmt.Errorf("%w: role and agent_id are required", ErrInvalid)
	}
	if err := s.store.RecordHeartbeat(ctx, store.Heartbeat{Role: role, AgentID: agentID, At: at.UTC()}); err != nil {
		return err
	}
	s.publish(ctx, events.TopicAgentHeartbeat, events.AgentEvent{Role: role, AgentID: agentID, At: at.UTC()})
	return nil
}

// LastHeartbeat returns the zero time when the agent never reported.
func (s *Service) LastHeartbeat(ctx context.Context, role, agentID string) (time.Time, error) {
	return s.store.LastHeartbeat(ctx, role, agentID)
}

// Heartbeats lists every agent's last heartbeat.
func (s *Service) Heartbeats(ctx context.Context) ([]store.Heartbeat, error) {
	return s.store.ListHeartbeats(ctx)
}

func (s *Service) publish(ctx context.Context, topic string, event any) {
	if err := s.publisher.Publish(ctx, topic, event); err != nil {
		slog.Warn("failed to publish event", "topic", topic, "error", err)
	}
}

// SeverityRank returns the position of sev in Severities, or -1.
func SeverityRank(sev string) int {
	for i, s := range Severities {
		if s == sev {
			return i
		}
	}
	return -1
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
