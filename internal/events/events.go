// Package events carries control-plane notifications to NATS and in-process
// subscribers.
package events

import (
	"context"
	"errors"
	"time"
)

// Topics. Subscribers may use NATS wildcards such as "gados.>".
const (
	TopicMessageSent   = "gados.bus.message.sent"
	TopicMessageAcked  = "gados.bus.message.acked"
	TopicMessageNacked = "gados.bus.message.nacked"

	TopicNotificationDispatched = "gados.notification.dispatched"
	TopicBudgetThreshold        = "gados.economics.threshold"

	TopicRunFinalized  = "gados.beta.run.finalized"
	TopicRunRegistered = "gados.beta.run.registered"
	TopicRunCompleted  = "gados.beta.run.completed"

	TopicAgentHeartbeat = "gados.agent.heartbeat"
	TopicAgentDead      = "gados.agent.dead"

	TopicArtifactsValidated = "gados.artifacts.validated"
)

// MessageEvent describes a bus message state change.
type MessageEvent struct {
	MessageID     string `json:"message_id"`
	Type          string `json:"type"`
	Severity      string `json:"severity,omitempty"`
	FromRole      string `json:"from_role,omitempty"`
	ToRole        string `json:"to_role,omitempty"`
	ToAgentID     string `json:"to_agent_id,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
	ActorRole     string `json:"actor_role,omitempty"`
	ActorID       string `json:"actor_id,omitempty"`
	Notes         string `json:"notes,omitempty"`
}

// NotificationDispatched reports a queued (and possibly delivered) notification.
type NotificationDispatched struct {
	Severity string `json:"severity"`
	Title    string `json:"title"`
	Sent     bool   `json:"sent"`
}

// BudgetThreshold reports a spend ratio crossing a threshold.
type BudgetThreshold struct {
	CorrelationID string  `json:"correlation_id"`
	Level         string  `json:"level"`
	SpentUSD      float64 `json:"spent_usd"`
	BudgetUSD     float64 `json:"budget_usd"`
}

// RunEvent reports a beta or review run lifecycle change.
type RunEvent struct {
	RunID          string `json:"run_id"`
	Scenario       string `json:"scenario,omitempty"`
	Project        string `json:"project,omitempty"`
	Status         string `json:"status,omitempty"`
	Recommendation string `json:"recommendation,omitempty"`
}

// AgentEvent reports agent liveness.
type AgentEvent struct {
	Role    string    `json:"role"`
	AgentID string    `json:"agent_id"`
	At      time.Time `json:"at"`
}

// ArtifactsValidated reports a validation pass triggered by file changes.
type ArtifactsValidated struct {
	Errors   int      `json:"errors"`
	Warnings int      `json:"warnings"`
	Changed  []string `json:"changed,omitempty"`
}

// Publisher is the interface for emitting events.
type Publisher interface {
	Publish(ctx context.Context, topic string, event any) error
	Close() error
}

// Fanout publishes each event to every publisher and joins their errors.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, topic string, event any) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, topic, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f Fanout) Close() error {
	var errs []error
	for _, p := range f {
		errs = append(errs, p.Close())
	}
	return errors.Join(errs...)
}
