package sqlstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alfredjeanlab/gados/internal/store"
)

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(s scanner) (*store.Message, error) {
	var (
		m                          store.Message
		createdAt, refs, payload   string
		corr, story, epic, lastErr sql.NullString
	)
	err := s.Scan(
		&m.MessageID, &m.IdempotencyKey, &createdAt, &m.FromRole, &m.FromAgentID,
		&m.ToRole, &m.ToAgentID, &m.Type, &m.Severity, &corr, &story, &epic,
		&refs, &payload, &m.Status, &m.Attempts, &lastErr,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan message: %w", err)
	}
	if m.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	m.CorrelationID = corr.String
	m.StoryID = story.String
	m.EpicID = epic.String
	m.LastError = lastErr.String
	if err := json.Unmarshal([]byte(refs), &m.ArtifactRefs); err != nil {
		return nil, fmt.Errorf("decode artifact_refs of %s: %w", m.MessageID, err)
	}
	m.Payload = json.RawMessage(payload)
	return &m, nil
}

func encodeJSONColumns(m *store.Message) (refs, payload string, err error) {
	list := m.ArtifactRefs
	if list == nil {
		list = []string{}
	}
	b, err := json.Marshal(list)
	if err != nil {
		return "", "", fmt.Errorf("encode artifact_refs: %w", err)
	}
	payload = "{}"
	if len(m.Payload) > 0 {
		if !json.Valid(m.Payload) {
			return "", "", fmt.Errorf("payload is not valid JSON")
		}
		payload = string(m.Payload)
	}
	return string(b), payload, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t.UTC(), nil
}

// nullString converts a string to sql.NullString; empty string is null.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
