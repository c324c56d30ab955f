// ABOUTME: Ledger tables for agent lifecycle events and request outcomes
// ABOUTME: Provides save and filtered, newest-first list operations

package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SaveAgentEvent persists an agent lifecycle event and sets its ID.
func (s *SQLiteStore) SaveAgentEvent(ctx context.Context, ev *AgentEvent) error {
	if ev.Type == "" {
		return errors.New("event type is required")
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_events (type, identity, conn_id, transport, remote_addr, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.Type, ev.Identity, ev.ConnID, ev.Transport, ev.RemoteAddr, ev.Detail, formatTime(ev.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting agent event: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading agent event id: %w", err)
	}
	ev.ID = id
	return nil
}

// ListAgentEvents returns agent events, newest first.
func (s *SQLiteStore) ListAgentEvents(ctx context.Context, p ListParams) ([]*AgentEvent, error) {
	where, args := filterClause("identity", p)
	query := `
		SELECT id, type, identity, conn_id, transport, remote_addr, detail, created_at
		FROM agent_events` + where + `
		ORDER BY created_at DESC, id DESC
		LIMIT ?`
	args = append(args, p.normalizedLimit())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying agent events: %w", err)
	}
	defer rows.Close()

	var events []*AgentEvent
	for rows.Next() {
		var ev AgentEvent
		var createdAt string
		if err := rows.Scan(&ev.ID, &ev.Type, &ev.Identity, &ev.ConnID, &ev.Transport,
			&ev.RemoteAddr, &ev.Detail, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning agent event: %w", err)
		}
		if ev.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating agent events: %w", err)
	}
	return events, nil
}

// SaveRequest persists the terminal outcome of a request. Saving the same
// correlation ID twice is an error.
func (s *SQLiteStore) SaveRequest(ctx context.Context, rec *RequestRecord) error {
	if rec.CorrelationID == "" {
		return errors.New("correlation id is required")
	}
	if rec.Outcome == "" {
		return errors.New("outcome is required")
	}
	if rec.CompletedAt.IsZero() {
		rec.CompletedAt = time.Now()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = rec.CompletedAt.Add(-rec.Duration)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO requests (correlation_id, target, action, outcome, error, duration_ms, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.CorrelationID, rec.Target, rec.Action, rec.Outcome, rec.Error,
		rec.Duration.Milliseconds(), formatTime(rec.CreatedAt), formatTime(rec.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting request record: %w", err)
	}
	return nil
}

// ListRequests returns request records, newest first.
func (s *SQLiteStore) ListRequests(ctx context.Context, p ListParams) ([]*RequestRecord, error) {
	where, args := filterClause("target", p)
	query := `
		SELECT correlation_id, target, action, outcome, error, duration_ms, created_at, completed_at
		FROM requests` + where + `
		ORDER BY created_at DESC, correlation_id DESC
		LIMIT ?`
	args = append(args, p.normalizedLimit())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying requests: %w", err)
	}
	defer rows.Close()

	var records []*RequestRecord
	for rows.Next() {
		var rec RequestRecord
		var durationMS int64
		var createdAt, completedAt string
		if err := rows.Scan(&rec.CorrelationID, &rec.Target, &rec.Action, &rec.Outcome, &rec.Error,
			&durationMS, &createdAt, &completedAt); err != nil {
			return nil, fmt.Errorf("scanning request record: %w", err)
		}
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		if rec.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if rec.CompletedAt, err = parseTime(completedAt); err != nil {
			return nil, err
		}
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating requests: %w", err)
	}
	return records, nil
}

// filterClause builds the WHERE clause shared by the list queries.
func filterClause(identityColumn string, p ListParams) (string, []any) {
	var conds []string
	var args []any
	if p.Identity != "" {
		conds = append(conds, identityColumn+" = ?")
		args = append(args, p.Identity)
	}
	if p.Since != nil {
		conds = append(conds, "created_at >= ?")
		args = append(args, formatTime(*p.Since))
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}
