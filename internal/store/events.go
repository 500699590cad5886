package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	v1 "github.com/skillrunner/skillrunner/pkg/api/v1"
)

// AppendEvent persists an event on one of the per-attempt streams. The
// sequence number is assigned inside the transaction as max(existing)+1, so
// sequences within a (run, attempt, stream) are gap-free and start at 1.
func (s *Store) AppendEvent(ctx context.Context, runID string, attempt int, stream v1.EventStream, eventType string, payload json.RawMessage) (*v1.StoredEvent, error) {
	if payload == nil {
		payload = json.RawMessage(`{}`)
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.GetContext(ctx, &seq, `
		SELECT COALESCE(MAX(seq), 0) FROM run_events
		WHERE run_id = ? AND attempt = ? AND stream = ?`,
		runID, attempt, string(stream)); err != nil {
		return nil, err
	}
	seq++

	ts := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO run_events (run_id, attempt, stream, seq, type, ts, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		runID, attempt, string(stream), seq, eventType, ts, string(payload)); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &v1.StoredEvent{
		RunID:   runID,
		Attempt: attempt,
		Stream:  stream,
		Seq:     seq,
		Type:    eventType,
		TS:      ts,
		Payload: payload,
	}, nil
}

// LatestAttempt returns the highest attempt number with stored events for a
// run, 0 when none exist.
func (s *Store) LatestAttempt(ctx context.Context, runID string) (int, error) {
	var attempt int
	err := s.ro.GetContext(ctx, &attempt,
		`SELECT COALESCE(MAX(attempt), 0) FROM run_events WHERE run_id = ?`, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return attempt, err
}

// ListAttempts returns every attempt number with stored events, ascending.
func (s *Store) ListAttempts(ctx context.Context, runID string) ([]int, error) {
	var attempts []int
	err := s.ro.SelectContext(ctx, &attempts,
		`SELECT DISTINCT attempt FROM run_events WHERE run_id = ? ORDER BY attempt`, runID)
	return attempts, err
}

// ListEvents returns stored events matching the query in seq order. When the
// query's Attempt is 0 the latest attempt is used.
func (s *Store) ListEvents(ctx context.Context, runID string, q v1.EventQuery) ([]v1.StoredEvent, error) {
	attempt := q.Attempt
	if attempt == 0 {
		latest, err := s.LatestAttempt(ctx, runID)
		if err != nil {
			return nil, err
		}
		attempt = latest
	}

	query := `SELECT run_id, attempt, stream, seq, type, ts, payload
		FROM run_events WHERE run_id = ? AND attempt = ?`
	args := []interface{}{runID, attempt}
	if q.Stream != "" {
		query += ` AND stream = ?`
		args = append(args, string(q.Stream))
	}
	if q.FromSeq > 0 {
		query += ` AND seq >= ?`
		args = append(args, q.FromSeq)
	}
	if q.ToSeq > 0 {
		query += ` AND seq <= ?`
		args = append(args, q.ToSeq)
	}
	if q.FromTS != nil {
		query += ` AND ts >= ?`
		args = append(args, *q.FromTS)
	}
	if q.ToTS != nil {
		query += ` AND ts <= ?`
		args = append(args, *q.ToTS)
	}
	query += ` ORDER BY stream, seq`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	var rows []struct {
		RunID   string    `db:"run_id"`
		Attempt int       `db:"attempt"`
		Stream  string    `db:"stream"`
		Seq     int64     `db:"seq"`
		Type    string    `db:"type"`
		TS      time.Time `db:"ts"`
		Payload string    `db:"payload"`
	}
	if err := s.ro.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	events := make([]v1.StoredEvent, 0, len(rows))
	for _, r := range rows {
		events = append(events, v1.StoredEvent{
			RunID:   r.RunID,
			Attempt: r.Attempt,
			Stream:  v1.EventStream(r.Stream),
			Seq:     r.Seq,
			Type:    r.Type,
			TS:      r.TS,
			Payload: json.RawMessage(r.Payload),
		})
	}
	return events, nil
}
