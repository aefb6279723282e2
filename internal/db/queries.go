package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lucasnoah/stageflow/internal/events"
)

// Event is one stored lifecycle event.
type Event struct {
	ID           int64
	WorkflowID   string
	WorkflowName string
	Event        events.EventType
	Stage        string
	Message      string
	Error        string
	Progress     int
	Payload      string // the event as sent to observers
	Timestamp    string
}

// LogEvent stores p.
func (d *DB) LogEvent(p events.Payload) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = d.conn.Exec(
		`INSERT INTO workflow_events (workflow_id, workflow_name, event, stage, message, error, progress, payload, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.WorkflowID, p.WorkflowName, string(p.EventType), nullable(p.StageName), nullable(p.Message),
		nullable(p.Error), p.ProgressPercent(), string(payload), p.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("log event: %w", err)
	}
	return nil
}

// Events returns a workflow's events oldest first. A positive limit keeps
// only the most recent limit events.
func (d *DB) Events(workflowID string, limit int) ([]Event, error) {
	query := `SELECT id, workflow_id, workflow_name, event, stage, message, error, progress, payload, timestamp
		 FROM workflow_events WHERE workflow_id = ? ORDER BY id DESC`
	args := []any{workflowID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := d.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("get events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// LatestEvent returns the most recent event for a workflow, or nil.
func (d *DB) LatestEvent(workflowID string) (*Event, error) {
	evs, err := d.Events(workflowID, 1)
	if err != nil || len(evs) == 0 {
		return nil, err
	}
	return &evs[0], nil
}

// CountEvents counts a workflow's events of type t, or all when t is "".
func (d *DB) CountEvents(workflowID string, t events.EventType) (int, error) {
	var n int
	err := d.conn.QueryRow(
		`SELECT COUNT(*) FROM workflow_events WHERE workflow_id = ? AND (? = '' OR event = ?)`,
		workflowID, string(t), string(t),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

// DeleteEvents removes a workflow's history and returns how many rows went.
func (d *DB) DeleteEvents(workflowID string) (int, error) {
	res, err := d.conn.Exec(`DELETE FROM workflow_events WHERE workflow_id = ?`, workflowID)
	if err != nil {
		return 0, fmt.Errorf("delete events: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Recorder returns a bus handler that stores every event.
func Recorder(d *DB) events.Handler {
	return func(p events.Payload) error {
		return d.LogEvent(p)
	}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(s scanner) (Event, error) {
	var e Event
	var event string
	var stage, message, errText sql.NullString
	if err := s.Scan(&e.ID, &e.WorkflowID, &e.WorkflowName, &event, &stage, &message, &errText, &e.Progress, &e.Payload, &e.Timestamp); err != nil {
		return e, fmt.Errorf("scan event: %w", err)
	}
	e.Event = events.EventType(event)
	e.Stage = stage.String
	e.Message = message.String
	e.Error = errText.String
	return e, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
