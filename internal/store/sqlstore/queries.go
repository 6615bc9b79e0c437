package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/alfredjeanlab/gados/internal/store"
)

// timeLayout is fixed-width so text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000Z"

const messageColumns = `message_id, idempotency_key, created_at, from_role, from_agent_id,
	to_role, to_agent_id, type, severity, correlation_id, story_id, epic_id,
	artifact_refs, payload, status, attempts, last_error`

// executor is the interface satisfied by both *sql.DB and *sql.Tx.
type executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

var placeholderRE = regexp.MustCompile(`\$(\d+)`)

// querier runs queries written with $N placeholders against either dialect.
type querier struct {
	ex executor
	d  Dialect
}

func (q querier) rebind(query string) string {
	if q.d == SQLite {
		return placeholderRE.ReplaceAllString(query, "?$1")
	}
	return query
}

func (q querier) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return q.ex.ExecContext(ctx, q.rebind(query), args...)
}

func (q querier) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return q.ex.QueryContext(ctx, q.rebind(query), args...)
}

func (q querier) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return q.ex.QueryRowContext(ctx, q.rebind(query), args...)
}

func (q querier) insertMessage(ctx context.Context, m *store.Message) (bool, error) {
	refs, payload, err := encodeJSONColumns(m)
	if err != nil {
		return false, err
	}
	res, err := q.exec(ctx, `
		INSERT INTO bus_messages (
			message_id, idempotency_key, created_at, from_role, from_agent_id,
			to_role, to_agent_id, type, severity, correlation_id, story_id, epic_id,
			artifact_refs, payload, status, attempts, last_error
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10, $11, $12,
			$13, $14, $15, $16, $17
		)
		ON CONFLICT (from_role, from_agent_id, idempotency_key) DO NOTHING`,
		m.MessageID,
		m.IdempotencyKey,
		formatTime(m.CreatedAt),
		m.FromRole,
		m.FromAgentID,
		m.ToRole,
		m.ToAgentID,
		m.Type,
		m.Severity,
		nullString(m.CorrelationID),
		nullString(m.StoryID),
		nullString(m.EpicID),
		refs,
		payload,
		m.Status,
		m.Attempts,
		nullString(m.LastError),
	)
	if err != nil {
		return false, fmt.Errorf("insert message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert message: %w", err)
	}
	return n > 0, nil
}

func (q querier) messageIDForKey(ctx context.Context, fromRole, fromAgentID, key string) (string, error) {
	var id string
	err := q.queryRow(ctx, `
		SELECT message_id FROM bus_messages
		WHERE from_role = $1 AND from_agent_id = $2 AND idempotency_key = $3`,
		fromRole, fromAgentID, key,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", store.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("lookup idempotency key: %w", err)
	}
	return id, nil
}

func (q querier) getMessage(ctx context.Context, id string) (*store.Message, error) {
	row := q.queryRow(ctx, `SELECT `+messageColumns+` FROM bus_messages WHERE message_id = $1`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return m, err
}

func (q querier) inbox(ctx context.Context, role, agentID string, limit int) ([]*store.Message, error) {
	rows, err := q.query(ctx, `SELECT `+messageColumns+` FROM bus_messages
		WHERE status = $1 AND to_role = $2 AND (to_agent_id = $3 OR to_agent_id = '*')
		ORDER BY created_at DESC, message_id DESC
		LIMIT $4`,
		store.StatusPending, role, agentID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query inbox: %w", err)
	}
	defer rows.Close()

	var out []*store.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (q querier) ackMessage(ctx context.Context, id, notes string) error {
	res, err := q.exec(ctx, `
		UPDATE bus_messages
		SET status = $1, last_error = COALESCE($2, last_error)
		WHERE message_id = $3`,
		store.StatusAcked, nullString(notes), id,
	)
	if err != nil {
		return fmt.Errorf("ack message: %w", err)
	}
	return requireRow(res, id)
}

func (q querier) nackMessage(ctx context.Context, id, reason string) error {
	res, err := q.exec(ctx, `
		UPDATE bus_messages
		SET status = $1, attempts = attempts + 1, last_error = COALESCE($2, last_error)
		WHERE message_id = $3`,
		store.StatusPending, nullString(reason), id,
	)
	if err != nil {
		return fmt.Errorf("nack message: %w", err)
	}
	return requireRow(res, id)
}

func (q querier) recordHeartbeat(ctx context.Context, hb store.Heartbeat) error {
	_, err := q.exec(ctx, `
		INSERT INTO agent_heartbeats (role, agent_id, at) VALUES ($1, $2, $3)
		ON CONFLICT (role, agent_id) DO UPDATE SET at = excluded.at`,
		hb.Role, hb.AgentID, formatTime(hb.At),
	)
	if err != nil {
		return fmt.Errorf("record heartbeat: %w", err)
	}
	return nil
}

func (q querier) lastHeartbeat(ctx context.Context, role, agentID string) (time.Time, error) {
	var at string
	err := q.queryRow(ctx, `SELECT at FROM agent_heartbeats WHERE role = $1 AND agent_id = $2`, role, agentID).Scan(&at)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("query heartbeat: %w", err)
	}
	return parseTime(at)
}

func (q querier) listHeartbeats(ctx context.Context) ([]store.Heartbeat, error) {
	rows, err := q.query(ctx, `SELECT role, agent_id, at FROM agent_heartbeats ORDER BY role, agent_id`)
	if err != nil {
		return nil, fmt.Errorf("query heartbeats: %w", err)
	}
	defer rows.Close()

	var out []store.Heartbeat
	for rows.Next() {
		var hb store.Heartbeat
		var at string
		if err := rows.Scan(&hb.Role, &hb.AgentID, &at); err != nil {
			return nil, fmt.Errorf("scan heartbeat: %w", err)
		}
		if hb.At, err = parseTime(at); err != nil {
			return nil, err
		}
		out = append(out, hb)
	}
	return out, rows.Err()
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("message %s: %w", id, store.ErrNotFound)
	}
	return nil
}
