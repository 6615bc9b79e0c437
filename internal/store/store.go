// Package store defines persistence for the agent message bus.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a message does not exist.
var ErrNotFound = errors.New("not found")

// Message statuses.
const (
	StatusPending = "PENDING"
	StatusAcked   = "ACKED"
	StatusNacked  = "NACKED"
)

// Message is one bus message row.
type Message struct {
	MessageID      string          `json:"message_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	CreatedAt      time.Time       `json:"created_at"`
	FromRole       string          `json:"from_role"`
	FromAgentID    string          `json:"from_agent_id"`
	ToRole         string          `json:"to_role"`
	ToAgentID      string          `json:"to_agent_id"`
	Type           string          `json:"type"`
	Severity       string          `json:"severity"`
	CorrelationID  string          `json:"correlation_id,omitempty"`
	StoryID        string          `json:"story_id,omitempty"`
	EpicID         string          `json:"epic_id,omitempty"`
	ArtifactRefs   []string        `json:"artifact_refs"`
	Payload        json.RawMessage `json:"payload"`
	Status         string          `json:"status"`
	Attempts       int             `json:"attempts"`
	LastError      string          `json:"last_error,omitempty"`
}

// Heartbeat is the last liveness report of an agent.
type Heartbeat struct {
	Role    string    `json:"role"`
	AgentID string    `json:"agent_id"`
	At      time.Time `json:"at"`
}

// Store defines the persistence interface for the message bus.
type Store interface {
	// InsertMessage stores m unless a message with the same sender and
	// idempotency key exists. It reports whether a row was written.
	InsertMessage(ctx context.Context, m *Message) (bool, error)
	// MessageIDForKey returns the id stored for a sender's idempotency key.
	MessageIDForKey(ctx context.Context, fromRole, fromAgentID, key string) (string, error)
	GetMessage(ctx context.Context, id string) (*Message, error)
	// Inbox lists PENDING messages addressed to role and either agentID or
	// the "*" broadcast id, newest first.
	Inbox(ctx context.Context, role, agentID string, limit int) ([]*Message, error)
	// AckMessage marks the message acked. Non-empty notes replace last_error.
	AckMessage(ctx context.Context, id, notes string) error
	// NackMessage keeps the message pending, bumps attempts and records reason.
	NackMessage(ctx context.Context, id, reason string) error

	RecordHeartbeat(ctx context.Context, hb Heartbeat) error
	// LastHeartbeat returns the zero time when the agent never reported.
	LastHeartbeat(ctx context.Context, role, agentID string) (time.Time, error)
	ListHeartbeats(ctx context.Context) ([]Heartbeat, error)

	// RunInTransaction runs fn against a Store bound to one transaction.
	RunInTransaction(ctx context.Context, fn func(tx Store) error) error
	Close() error
}
