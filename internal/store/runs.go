package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	v1 "github.com/skillrunner/skillrunner/pkg/api/v1"
)

// ErrNotFound is returned when a request or run does not exist.
var ErrNotFound = errors.New("not found")

type requestRow struct {
	RequestID      string    `db:"request_id"`
	RunID          string    `db:"run_id"`
	SkillID        string    `db:"skill_id"`
	Engine         string    `db:"engine"`
	RunSource      string    `db:"run_source"`
	Model          string    `db:"model"`
	Input          string    `db:"input"`
	Parameter      string    `db:"parameter"`
	EngineOptions  string    `db:"engine_options"`
	RuntimeOptions string    `db:"runtime_options"`
	CreatedAt      time.Time `db:"created_at"`
}

type runRow struct {
	RunID             string    `db:"run_id"`
	RequestID         string    `db:"request_id"`
	SkillID           string    `db:"skill_id"`
	Engine            string    `db:"engine"`
	RunSource         string    `db:"run_source"`
	Status            string    `db:"status"`
	Warnings          string    `db:"warnings"`
	ErrorCode         string    `db:"error_code"`
	ErrorMessage      string    `db:"error_message"`
	RecoveryState     string    `db:"recovery_state"`
	Attempt           int       `db:"attempt"`
	SessionTimeoutSec int       `db:"session_timeout_sec"`
	CreatedAt         time.Time `db:"created_at"`
	UpdatedAt         time.Time `db:"updated_at"`
}

func (r runRow) toRun() (*v1.Run, error) {
	var warnings []string
	if err := json.Unmarshal([]byte(r.Warnings), &warnings); err != nil {
		return nil, fmt.Errorf("decode warnings for %s: %w", r.RunID, err)
	}
	run := &v1.Run{
		RunID:         r.RunID,
		RequestID:     r.RequestID,
		SkillID:       r.SkillID,
		Engine:        v1.Engine(r.Engine),
		RunSource:     v1.RunSource(r.RunSource),
		Status:        v1.RunStatus(r.Status),
		Warnings:      warnings,
		RecoveryState: v1.RecoveryState(r.RecoveryState),
		Attempt:       r.Attempt,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
	if r.ErrorCode != "" {
		run.Error = &v1.RunError{Code: r.ErrorCode, Message: r.ErrorMessage}
	}
	return run, nil
}

// CreateRequest persists a new request.
func (s *Store) CreateRequest(ctx context.Context, req *v1.Request) error {
	input, _ := json.Marshal(orEmpty(req.Input))
	parameter, _ := json.Marshal(orEmpty(req.Parameter))
	engineOpts, _ := json.Marshal(orEmpty(req.EngineOptions))
	runtimeOpts, _ := json.Marshal(req.RuntimeOptions)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO requests (request_id, run_id, skill_id, engine, run_source, model,
			input, parameter, engine_options, runtime_options, created_at)
		VALUES (?, '', ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.RequestID, req.SkillID, string(req.Engine), string(req.RunSource), req.Model,
		string(input), string(parameter), string(engineOpts), string(runtimeOpts), req.CreatedAt)
	return err
}

// GetRequest loads a request by ID.
func (s *Store) GetRequest(ctx context.Context, requestID string) (*v1.Request, error) {
	var row requestRow
	err := s.ro.GetContext(ctx, &row, `SELECT * FROM requests WHERE request_id = ?`, requestID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toRequest()
}

func (r requestRow) toRequest() (*v1.Request, error) {
	req := &v1.Request{
		RequestID: r.RequestID,
		RunID:     r.RunID,
		SkillID:   r.SkillID,
		Engine:    v1.Engine(r.Engine),
		RunSource: v1.RunSource(r.RunSource),
		Model:     r.Model,
		CreatedAt: r.CreatedAt,
	}
	for _, pair := range []struct {
		raw  string
		dest interface{}
	}{
		{r.Input, &req.Input},
		{r.Parameter, &req.Parameter},
		{r.EngineOptions, &req.EngineOptions},
		{r.RuntimeOptions, &req.RuntimeOptions},
	} {
		if pair.raw == "" {
			continue
		}
		if err := json.Unmarshal([]byte(pair.raw), pair.dest); err != nil {
			return nil, fmt.Errorf("decode request %s: %w", r.RequestID, err)
		}
	}
	return req, nil
}

// AssignRun creates the run row for a request and records the run_id on the
// request. A request only ever gets one run.
func (s *Store) AssignRun(ctx context.Context, requestID, runID string) (*v1.Run, error) {
	req, err := s.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.RunID != "" {
		return nil, fmt.Errorf("request %s already has run %s", requestID, req.RunID)
	}

	now := time.Now().UTC()
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO runs (run_id, request_id, skill_id, engine, run_source,
			status, warnings, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, '[]', ?, ?)`,
		runID, requestID, req.SkillID, string(req.Engine), string(req.RunSource),
		string(v1.RunStatusQueued), now, now); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE requests SET run_id = ? WHERE request_id = ?`, runID, requestID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &v1.Run{
		RunID:         runID,
		RequestID:     requestID,
		SkillID:       req.SkillID,
		Engine:        req.Engine,
		RunSource:     req.RunSource,
		Status:        v1.RunStatusQueued,
		Warnings:      []string{},
		RecoveryState: v1.RecoveryNone,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// GetRun loads a run by ID.
func (s *Store) GetRun(ctx context.Context, runID string) (*v1.Run, error) {
	var row runRow
	err := s.ro.GetContext(ctx, &row, `SELECT * FROM runs WHERE run_id = ?`, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toRun()
}

// GetRunByRequest loads the run created for a request.
func (s *Store) GetRunByRequest(ctx context.Context, requestID string) (*v1.Run, error) {
	var row runRow
	err := s.ro.GetContext(ctx, &row, `SELECT * FROM runs WHERE request_id = ?`, requestID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toRun()
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	Engine v1.Engine
	Status v1.RunStatus
	Since  time.Time
	Limit  int
}

// ListRuns returns runs matching the filter, newest first.
func (s *Store) ListRuns(ctx context.Context, f RunFilter) ([]*v1.Run, error) {
	query := `SELECT * FROM runs WHERE 1=1`
	args := []interface{}{}
	if f.Engine != "" {
		query += ` AND engine = ?`
		args = append(args, string(f.Engine))
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if !f.Since.IsZero() {
		query += ` AND updated_at >= ?`
		args = append(args, f.Since)
	}
	query += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	var rows []runRow
	if err := s.ro.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	runs := make([]*v1.Run, 0, len(rows))
	for _, row := range rows {
		run, err := row.toRun()
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// UpdateRunStatus transitions a run's status. Terminal statuses are fixed
// points: once a run is terminal, further updates are silently dropped and
// the stored terminal status is returned.
func (s *Store) UpdateRunStatus(ctx context.Context, runID string, status v1.RunStatus, runErr *v1.RunError) (v1.RunStatus, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	var current string
	if err := tx.GetContext(ctx, &current,
		`SELECT status FROM runs WHERE run_id = ?`, runID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", err
	}
	if v1.RunStatus(current).IsTerminal() {
		return v1.RunStatus(current), tx.Commit()
	}

	code, msg := "", ""
	if runErr != nil {
		code, msg = runErr.Code, runErr.Message
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE runs SET status = ?, error_code = ?, error_message = ?, updated_at = ?
		WHERE run_id = ?`,
		string(status), code, msg, time.Now().UTC(), runID); err != nil {
		return "", err
	}
	return status, tx.Commit()
}

// SetRecoveryState records the restart-time recovery decision.
func (s *Store) SetRecoveryState(ctx context.Context, runID string, state v1.RecoveryState) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET recovery_state = ?, updated_at = ? WHERE run_id = ?`,
		string(state), time.Now().UTC(), runID)
	return err
}

// AddWarning appends a warning string to the run.
func (s *Store) AddWarning(ctx context.Context, runID, warning string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var raw string
	if err := tx.GetContext(ctx, &raw, `SELECT warnings FROM runs WHERE run_id = ?`, runID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	var warnings []string
	_ = json.Unmarshal([]byte(raw), &warnings)
	warnings = append(warnings, warning)
	enc, _ := json.Marshal(warnings)

	if _, err := tx.ExecContext(ctx,
		`UPDATE runs SET warnings = ?, updated_at = ? WHERE run_id = ?`,
		string(enc), time.Now().UTC(), runID); err != nil {
		return err
	}
	return tx.Commit()
}

// BeginAttempt increments and returns the run's attempt counter.
func (s *Store) BeginAttempt(ctx context.Context, runID string) (int, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var attempt int
	if err := tx.GetContext(ctx, &attempt, `SELECT attempt FROM runs WHERE run_id = ?`, runID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	attempt++
	if _, err := tx.ExecContext(ctx,
		`UPDATE runs SET attempt = ?, updated_at = ? WHERE run_id = ?`,
		attempt, time.Now().UTC(), runID); err != nil {
		return 0, err
	}
	return attempt, tx.Commit()
}

// SetSessionTimeout records the effective session timeout for a run.
func (s *Store) SetSessionTimeout(ctx context.Context, runID string, seconds int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET session_timeout_sec = ? WHERE run_id = ?`, seconds, runID)
	return err
}

// SessionTimeout returns the effective session timeout, 0 when unset.
func (s *Store) SessionTimeout(ctx context.Context, runID string) (int, error) {
	var sec int
	err := s.ro.GetContext(ctx, &sec,
		`SELECT session_timeout_sec FROM runs WHERE run_id = ?`, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	return sec, err
}

// NonTerminalRuns returns runs whose status is not a fixed point. Used by
// restart-time recovery.
func (s *Store) NonTerminalRuns(ctx context.Context) ([]*v1.Run, error) {
	var rows []runRow
	err := s.ro.SelectContext(ctx, &rows, `
		SELECT * FROM runs WHERE status NOT IN (?, ?, ?)`,
		string(v1.RunStatusSucceeded), string(v1.RunStatusFailed), string(v1.RunStatusCanceled))
	if err != nil {
		return nil, err
	}
	runs := make([]*v1.Run, 0, len(rows))
	for _, row := range rows {
		run, convErr := row.toRun()
		if convErr != nil {
			return nil, convErr
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// RunsOlderThan returns run IDs (with their request IDs) whose last update is
// before the cutoff. Used by the retention sweep.
func (s *Store) RunsOlderThan(ctx context.Context, cutoff time.Time) (runIDs, requestIDs []string, err error) {
	type pair struct {
		RunID     string `db:"run_id"`
		RequestID string `db:"request_id"`
	}
	var rows []pair
	if err := s.ro.SelectContext(ctx, &rows,
		`SELECT run_id, request_id FROM runs WHERE updated_at < ?`, cutoff); err != nil {
		return nil, nil, err
	}
	for _, p := range rows {
		runIDs = append(runIDs, p.RunID)
		requestIDs = append(requestIDs, p.RequestID)
	}
	return runIDs, requestIDs, nil
}

// DeleteRun removes a run row and everything cascading from it.
func (s *Store) DeleteRun(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE run_id = ?`, runID)
	return err
}

// DeleteRequest removes a request row (cascades to its run).
func (s *Store) DeleteRequest(ctx context.Context, requestID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM requests WHERE request_id = ?`, requestID)
	return err
}

// ClearAll purges every request, run and dependent row.
func (s *Store) ClearAll(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM requests`)
	return err
}

// SaveSessionHandle stores the resume handle for a run.
func (s *Store) SaveSessionHandle(ctx context.Context, runID string, h v1.SessionHandle) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_handles (run_id, engine, handle_type, handle_value, created_at_turn)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			handle_type = excluded.handle_type,
			handle_value = excluded.handle_value,
			created_at_turn = excluded.created_at_turn`,
		runID, string(h.Engine), h.HandleType, h.HandleValue, h.CreatedAtTurn)
	return err
}

// GetSessionHandle loads the resume handle for a run, if any.
func (s *Store) GetSessionHandle(ctx context.Context, runID string) (v1.SessionHandle, error) {
	var row struct {
		Engine        string `db:"engine"`
		HandleType    string `db:"handle_type"`
		HandleValue   string `db:"handle_value"`
		CreatedAtTurn int    `db:"created_at_turn"`
	}
	err := s.ro.GetContext(ctx, &row,
		`SELECT engine, handle_type, handle_value, created_at_turn FROM session_handles WHERE run_id = ?`,
		runID)
	if errors.Is(err, sql.ErrNoRows) {
		return v1.SessionHandle{}, nil
	}
	if err != nil {
		return v1.SessionHandle{}, err
	}
	return v1.SessionHandle{
		Engine:        v1.Engine(row.Engine),
		HandleType:    row.HandleType,
		HandleValue:   row.HandleValue,
		CreatedAtTurn: row.CreatedAtTurn,
	}, nil
}

func orEmpty(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}
