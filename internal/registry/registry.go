// Package registry tracks externally triggered beta runs in an append-only
// JSONL file. Every state change appends a full record; the latest record per
// run id wins on read.
package registry

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/alfredjeanlab/gados/internal/events"
	"github.com/alfredjeanlab/gados/internal/idgen"
	"github.com/alfredjeanlab/gados/internal/jsonl"
)

// Schema tags every registry record.
const Schema = "gados.beta.run.v1"

// Run statuses.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// DefaultLimit caps List and Projects when no limit is given.
const DefaultLimit = 50

var (
	ErrNotFound      = errors.New("run not found")
	ErrInvalidStatus = errors.New("invalid completion status")
)

// Run is one registry record.
type Run struct {
	Schema        string         `json:"schema"`
	RunID         string         `json:"run_id"`
	ProjectID     string         `json:"project_id"`
	ProjectName   string         `json:"project_name,omitempty"`
	Environment   string         `json:"environment"`
	Status        string         `json:"status"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	TriggeredBy   string         `json:"triggered_by,omitempty"`
	FinishedBy    string         `json:"finished_by,omitempty"`
	Labels        map[string]any `json:"labels"`
	Details       map[string]any `json:"details"`
	StartedAt     time.Time      `json:"started_at"`
	FinishedAt    *time.Time     `json:"finished_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// StartRequest registers a new run.
type StartRequest struct {
	ProjectID     string         `json:"project_id"`
	ProjectName   string         `json:"project_name,omitempty"`
	Environment   string         `json:"environment,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	TriggeredBy   string         `json:"triggered_by,omitempty"`
	Labels        map[string]any `json:"labels,omitempty"`
	Details       map[string]any `json:"details,omitempty"`
}

// CompleteRequest finishes a run.
type CompleteRequest struct {
	Status     string         `json:"status"`
	FinishedBy string         `json:"finished_by,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

// Project is a project with its most recently updated run.
type Project struct {
	ProjectID   string `json:"project_id"`
	ProjectName string `json:"project_name,omitempty"`
	LatestRun   Run    `json:"latest_run"`
}

// Registry appends run records to a JSONL file.
type Registry struct {
	path      string
	publisher events.Publisher
	now       func() time.Time

	// mu serialises read-modify-append in Complete within this process.
	mu sync.Mutex
}

// New returns a Registry backed by path.
func New(path string, publisher events.Publisher) *Registry {
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	return &Registry{path: path, publisher: publisher, now: time.Now}
}

// Path returns the backing JSONL file.
func (r *Registry) Path() string { return r.path }

// Start appends a running record and returns it.
func (r *Registry) Start(ctx context.Context, req StartRequest) (Run, error) {
	if strings.TrimSpace(req.ProjectID) == "" {
		return Run{}, fmt.Errorf("project_id is required")
	}
	id, err := idgen.New(idgen.Run)
	if err != nil {
		return Run{}, err
	}
	now := r.now().UTC()
	run := Run{
		Schema:        Schema,
		RunID:         id,
		ProjectID:     req.ProjectID,
		ProjectName:   req.ProjectName,
		Environment:   cmp.Or(req.Environment, "beta"),
		Status:        StatusRunning,
		CorrelationID: req.CorrelationID,
		TriggeredBy:   req.TriggeredBy,
		Labels:        orEmpty(req.Labels),
		Details:       orEmpty(req.Details),
		StartedAt:     now,
		UpdatedAt:     now,
	}
	if err := jsonl.Append(r.path, run); err != nil {
		return Run{}, fmt.Errorf("append run: %w", err)
	}
	r.publish(ctx, events.TopicRunRegistered, run)
	return run, nil
}

// Complete appends a finished record for runID, merging req.Details over the
// existing details.
func (r *Registry) Complete(ctx context.Context, runID string, req CompleteRequest) (Run, error) {
	switch req.Status {
	case StatusSucceeded, StatusFailed, StatusCancelled:
	default:
		return Run{}, fmt.Errorf("%w: %q", ErrInvalidStatus, req.Status)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	latest, err := r.latest()
	if err != nil {
		return Run{}, err
	}
	run, ok := latest[runID]
	if !ok {
		return Run{}, ErrNotFound
	}
	now := r.now().UTC()
	run.Status = req.Status
	run.FinishedBy = req.FinishedBy
	run.Details = orEmpty(run.Details)
	maps.Copy(run.Details, req.Details)
	run.FinishedAt = &now
	run.UpdatedAt = now
	if err := jsonl.Append(r.path, run); err != nil {
		return Run{}, fmt.Errorf("append run: %w", err)
	}
	r.publish(ctx, events.TopicRunCompleted, run)
	return run, nil
}

// List returns the latest record of each run, optionally for one project,
// most recently updated first.
func (r *Registry) List(projectID string, limit int) ([]Run, error) {
	latest, err := r.latest()
	if err != nil {
		return nil, err
	}
	runs := make([]Run, 0, len(latest))
	for _, run := range latest {
		if projectID == "" || run.ProjectID == projectID {
			runs = append(runs, run)
		}
	}
	sortByUpdated(runs)
	return truncate(runs, limit), nil
}

// Projects returns each project with its most recently updated run.
func (r *Registry) Projects(limit int) ([]Project, error) {
	latest, err := r.latest()
	if err != nil {
		return nil, err
	}
	byProject := map[string]Run{}
	for _, run := range latest {
		if run.ProjectID == "" {
			continue
		}
		prev, ok := byProject[run.ProjectID]
		if !ok || !run.UpdatedAt.Before(prev.UpdatedAt) {
			byProject[run.ProjectID] = run
		}
	}
	runs := slices.Collect(maps.Values(byProject))
	sortByUpdated(runs)
	runs = truncate(runs, limit)
	out := make([]Project, len(runs))
	for i, run := range runs {
		out[i] = Project{ProjectID: run.ProjectID, ProjectName: run.ProjectName, LatestRun: run}
	}
	return out, nil
}

func (r *Registry) latest() (map[string]Run, error) {
	latest := map[string]Run{}
	err := jsonl.ReadAll(r.path, func(raw json.RawMessage) error {
		var run Run
		if json.Unmarshal(raw, &run) != nil || run.Schema != Schema || run.RunID == "" {
			return nil
		}
		latest[run.RunID] = run
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read runs: %w", err)
	}
	return latest, nil
}

func (r *Registry) publish(ctx context.Context, topic string, run Run) {
	if err := r.publisher.Publish(ctx, topic, events.RunEvent{
		RunID:   run.RunID,
		Project: run.ProjectID,
		Status:  run.Status,
	}); err != nil {
		slog.Warn("failed to publish event", "topic", topic, "run_id", run.RunID, "error", err)
	}
}

func sortByUpdated(runs []Run) {
	slices.SortFunc(runs, func(a, b Run) int {
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.RunID, b.RunID)
	})
}

func truncate(runs []Run, limit int) []Run {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if len(runs) > limit {
		return runs[:limit]
	}
	return runs
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
