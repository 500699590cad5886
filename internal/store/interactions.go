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

// SetPending registers the current ask_user turn for a run. A run has at most
// one pending interaction: re-registering replaces it.
func (s *Store) SetPending(ctx context.Context, runID string, turn v1.InteractionTurn) error {
	payload, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("encode interaction turn: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pending_interactions (run_id, interaction_id, payload, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			interaction_id = excluded.interaction_id,
			payload = excluded.payload,
			created_at = excluded.created_at`,
		runID, turn.InteractionID, string(payload), turn.CreatedAt)
	return err
}

// GetPending returns the pending interaction for a run, or nil when none.
func (s *Store) GetPending(ctx context.Context, runID string) (*v1.InteractionTurn, error) {
	var raw string
	err := s.ro.GetContext(ctx, &raw,
		`SELECT payload FROM pending_interactions WHERE run_id = ?`, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var turn v1.InteractionTurn
	if err := json.Unmarshal([]byte(raw), &turn); err != nil {
		return nil, fmt.Errorf("decode pending interaction for %s: %w", runID, err)
	}
	return &turn, nil
}

// ClearPending drops the pending interaction for a run, if any.
func (s *Store) ClearPending(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM pending_interactions WHERE run_id = ?`, runID)
	return err
}

// SubmitInteractionReply resolves the pending interaction in a single
// transaction. The reply is accepted only when the run is waiting_user AND
// interactionID matches the registered pending turn; a mismatched ID yields
// ReplyStale, a run not waiting yields ReplyNotWaiting. On acceptance the
// pending row is cleared and a user_reply record is appended to history.
func (s *Store) SubmitInteractionReply(ctx context.Context, runID string, interactionID int, response map[string]interface{}) (v1.ReplyOutcome, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	var status string
	if err := tx.GetContext(ctx, &status,
		`SELECT status FROM runs WHERE run_id = ?`, runID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", err
	}
	if status != string(v1.RunStatusWaitingUser) {
		return v1.ReplyNotWaiting, tx.Commit()
	}

	var pending struct {
		InteractionID int    `db:"interaction_id"`
		Payload       string `db:"payload"`
	}
	if err := tx.GetContext(ctx, &pending,
		`SELECT interaction_id, payload FROM pending_interactions WHERE run_id = ?`, runID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return v1.ReplyNotWaiting, tx.Commit()
		}
		return "", err
	}
	if pending.InteractionID != interactionID {
		return v1.ReplyStale, tx.Commit()
	}

	var turn v1.InteractionTurn
	if err := json.Unmarshal([]byte(pending.Payload), &turn); err != nil {
		return "", fmt.Errorf("decode pending interaction for %s: %w", runID, err)
	}

	encoded, err := json.Marshal(response)
	if err != nil {
		return "", fmt.Errorf("encode reply response: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO interaction_history
			(run_id, interaction_id, kind, prompt, response, resolution_mode, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		runID, interactionID, string(turn.Kind), turn.Prompt,
		string(encoded), string(v1.ResolutionUserReply), time.Now().UTC()); err != nil {
		return "", err
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM pending_interactions WHERE run_id = ?`, runID); err != nil {
		return "", err
	}
	return v1.ReplyAccepted, tx.Commit()
}

// ResolvePending resolves the pending interaction without a user reply
// (auto-decision or cancellation), appending a history record and clearing
// the pending row atomically.
func (s *Store) ResolvePending(ctx context.Context, runID string, mode v1.ResolutionMode, response map[string]interface{}) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var pending struct {
		InteractionID int    `db:"interaction_id"`
		Payload       string `db:"payload"`
	}
	if err := tx.GetContext(ctx, &pending,
		`SELECT interaction_id, payload FROM pending_interactions WHERE run_id = ?`, runID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return tx.Commit()
		}
		return err
	}
	var turn v1.InteractionTurn
	if err := json.Unmarshal([]byte(pending.Payload), &turn); err != nil {
		return fmt.Errorf("decode pending interaction for %s: %w", runID, err)
	}
	encoded, err := json.Marshal(response)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO interaction_history
			(run_id, interaction_id, kind, prompt, response, resolution_mode, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		runID, pending.InteractionID, string(turn.Kind), turn.Prompt,
		string(encoded), string(mode), time.Now().UTC()); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM pending_interactions WHERE run_id = ?`, runID); err != nil {
		return err
	}
	return tx.Commit()
}

// InteractionHistory returns the resolved interactions of a run in order.
func (s *Store) InteractionHistory(ctx context.Context, runID string) ([]v1.InteractionRecord, error) {
	var rows []struct {
		InteractionID  int       `db:"interaction_id"`
		Kind           string    `db:"kind"`
		Prompt         string    `db:"prompt"`
		Response       string    `db:"response"`
		ResolutionMode string    `db:"resolution_mode"`
		ResolvedAt     time.Time `db:"resolved_at"`
	}
	if err := s.ro.SelectContext(ctx, &rows, `
		SELECT interaction_id, kind, prompt, response, resolution_mode, resolved_at
		FROM interaction_history WHERE run_id = ? ORDER BY interaction_id`, runID); err != nil {
		return nil, err
	}
	records := make([]v1.InteractionRecord, 0, len(rows))
	for _, r := range rows {
		rec := v1.InteractionRecord{
			InteractionID:  r.InteractionID,
			Kind:           v1.InteractionKind(r.Kind),
			Prompt:         r.Prompt,
			ResolutionMode: v1.ResolutionMode(r.ResolutionMode),
			ResolvedAt:     r.ResolvedAt,
		}
		if r.Response != "" {
			if err := json.Unmarshal([]byte(r.Response), &rec.Response); err != nil {
				return nil, fmt.Errorf("decode interaction response: %w", err)
			}
		}
		records = append(records, rec)
	}
	return records, nil
}

// IncrementAutoDecisions bumps and returns the run's auto-decision counter.
func (s *Store) IncrementAutoDecisions(ctx context.Context, runID string) (int, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO auto_decisions (run_id, count) VALUES (?, 1)
		ON CONFLICT(run_id) DO UPDATE SET count = count + 1`, runID); err != nil {
		return 0, err
	}
	var count int
	if err := tx.GetContext(ctx, &count,
		`SELECT count FROM auto_decisions WHERE run_id = ?`, runID); err != nil {
		return 0, err
	}
	return count, tx.Commit()
}

// AutoDecisionCount returns the run's auto-decision counter.
func (s *Store) AutoDecisionCount(ctx context.Context, runID string) (int, error) {
	var count int
	err := s.ro.GetContext(ctx, &count,
		`SELECT count FROM auto_decisions WHERE run_id = ?`, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return count, err
}
