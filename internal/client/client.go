// Package client provides a transport-agnostic interface for the GADOS
// control plane and an HTTP/JSON implementation that talks to its /v1 API.
package client

import (
	"context"

	"github.com/alfredjeanlab/gados/internal/betarun"
	"github.com/alfredjeanlab/gados/internal/bus"
	"github.com/alfredjeanlab/gados/internal/presence"
	"github.com/alfredjeanlab/gados/internal/registry"
	"github.com/alfredjeanlab/gados/internal/store"
	"github.com/alfredjeanlab/gados/internal/validator"
)

// ControlPlane is the interface the gados CLI uses to talk to a running
// server. It is implemented by HTTPClient.
type ControlPlane interface {
	// Bus
	Send(ctx context.Context, req bus.SendRequest) (*bus.SendResult, error)
	Inbox(ctx context.Context, role, agentID string, limit int) ([]*store.Message, error)
	Ack(ctx context.Context, req bus.AckRequest) error

	// Agents
	Heartbeat(ctx context.Context, role, agentID string) error
	Roster(ctx context.Context, staleThresholdSecs int) ([]presence.Entry, error)

	// Artifacts
	Validate(ctx context.Context) (*ValidateResponse, error)

	// Run registry
	StartRun(ctx context.Context, req registry.StartRequest) (*registry.Run, error)
	CompleteRun(ctx context.Context, runID string, req registry.CompleteRequest) (*registry.Run, error)
	ListRuns(ctx context.Context, projectID string, limit int) ([]registry.Run, error)
	ListProjects(ctx context.Context, limit int) ([]registry.Project, error)

	// Beta runs
	BetaRuns(ctx context.Context) ([]betarun.Summary, error)

	// Health
	Health(ctx context.Context) (*HealthResponse, error)

	// Lifecycle
	Close() error
}

// ValidateResponse is the response from Validate.
type ValidateResponse struct {
	Findings []validator.Finding `json:"findings"`
	Errors   int                 `json:"errors"`
	Warnings int                 `json:"warnings"`
}

// HealthResponse is the readiness payload of /v1/health.
type HealthResponse struct {
	Status      string `json:"status"`
	Ready       bool   `json:"ready"`
	AuthEnabled bool   `json:"auth_enabled"`
}
