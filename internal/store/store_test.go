package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/skillrunner/skillrunner/pkg/api/v1"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "runner.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedRun(t *testing.T, s *Store, requestID, runID string) *v1.Run {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.CreateRequest(ctx, &v1.Request{
		RequestID: requestID,
		SkillID:   "summarize",
		Engine:    v1.EngineCodex,
		RunSource: v1.RunSourceInstalled,
		CreatedAt: time.Now().UTC(),
	}))
	run, err := s.AssignRun(ctx, requestID, runID)
	require.NoError(t, err)
	return run
}

func TestRequestRunRoundtrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	req := &v1.Request{
		RequestID: "req-1",
		SkillID:   "summarize",
		Engine:    v1.EngineGemini,
		RunSource: v1.RunSourceTemp,
		Model:     "gemini-2.5-pro",
		Input:     map[string]interface{}{"text": "hello"},
		RuntimeOptions: v1.RuntimeOptions{
			ExecutionMode:      "interactive",
			SessionTimeoutSec:  900,
			PassthroughCLIArgs: []string{"--sandbox"},
		},
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.CreateRequest(ctx, req))

	got, err := s.GetRequest(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, v1.EngineGemini, got.Engine)
	assert.Equal(t, v1.RunSourceTemp, got.RunSource)
	assert.Equal(t, "hello", got.Input["text"])
	assert.Equal(t, 900, got.RuntimeOptions.SessionTimeoutSec)
	assert.Equal(t, []string{"--sandbox"}, got.RuntimeOptions.PassthroughCLIArgs)

	run, err := s.AssignRun(ctx, "req-1", "run-1")
	require.NoError(t, err)
	assert.Equal(t, v1.RunStatusQueued, run.Status)

	// One run per request.
	_, err = s.AssignRun(ctx, "req-1", "run-2")
	assert.Error(t, err)

	byReq, err := s.GetRunByRequest(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, "run-1", byReq.RunID)
}

func TestGetRunNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetRun(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateRunStatusTerminalIsFixedPoint(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedRun(t, s, "req-1", "run-1")

	status, err := s.UpdateRunStatus(ctx, "run-1", v1.RunStatusRunning, nil)
	require.NoError(t, err)
	assert.Equal(t, v1.RunStatusRunning, status)

	status, err = s.UpdateRunStatus(ctx, "run-1", v1.RunStatusFailed,
		&v1.RunError{Code: "TIMEOUT", Message: "hard timeout exceeded"})
	require.NoError(t, err)
	assert.Equal(t, v1.RunStatusFailed, status)

	// A later transition attempt leaves the terminal status in place.
	status, err = s.UpdateRunStatus(ctx, "run-1", v1.RunStatusRunning, nil)
	require.NoError(t, err)
	assert.Equal(t, v1.RunStatusFailed, status)

	run, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, v1.RunStatusFailed, run.Status)
	require.NotNil(t, run.Error)
	assert.Equal(t, "TIMEOUT", run.Error.Code)
}

func TestWarningsAccumulate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedRun(t, s, "req-1", "run-1")

	require.NoError(t, s.AddWarning(ctx, "run-1", "schema repair applied"))
	require.NoError(t, s.AddWarning(ctx, "run-1", "session handle missing"))

	run, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"schema repair applied", "session handle missing"}, run.Warnings)
}

func TestBeginAttemptIncrements(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedRun(t, s, "req-1", "run-1")

	for want := 1; want <= 3; want++ {
		got, err := s.BeginAttempt(ctx, "run-1")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestEventSeqGapFreePerStream(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedRun(t, s, "req-1", "run-1")

	for i := 0; i < 3; i++ {
		_, err := s.AppendEvent(ctx, "run-1", 1, v1.StreamRASP, "stdout_line", nil)
		require.NoError(t, err)
	}
	ev, err := s.AppendEvent(ctx, "run-1", 1, v1.StreamFCMP, "agent_message", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), ev.Seq, "streams sequence independently")

	// Attempt 2 restarts at 1.
	ev, err = s.AppendEvent(ctx, "run-1", 2, v1.StreamRASP, "stdout_line", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), ev.Seq)

	events, err := s.ListEvents(ctx, "run-1", v1.EventQuery{Stream: v1.StreamRASP, Attempt: 1})
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.Seq)
	}
}

func TestListEventsDefaultsToLatestAttempt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedRun(t, s, "req-1", "run-1")

	_, err := s.AppendEvent(ctx, "run-1", 1, v1.StreamOrchestrator, "run_started", nil)
	require.NoError(t, err)
	_, err = s.AppendEvent(ctx, "run-1", 2, v1.StreamOrchestrator, "run_resumed",
		json.RawMessage(`{"reason":"retry"}`))
	require.NoError(t, err)

	events, err := s.ListEvents(ctx, "run-1", v1.EventQuery{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, 2, events[0].Attempt)
	assert.Equal(t, "run_resumed", events[0].Type)

	attempts, err := s.ListAttempts(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, attempts)
}

func TestListEventsFromSeq(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedRun(t, s, "req-1", "run-1")

	for i := 0; i < 5; i++ {
		_, err := s.AppendEvent(ctx, "run-1", 1, v1.StreamFCMP, "agent_message", nil)
		require.NoError(t, err)
	}

	events, err := s.ListEvents(ctx, "run-1", v1.EventQuery{
		Stream: v1.StreamFCMP, Attempt: 1, FromSeq: 3,
	})
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, int64(3), events[0].Seq)
}

func TestPendingInteractionAtMostOne(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedRun(t, s, "req-1", "run-1")

	require.NoError(t, s.SetPending(ctx, "run-1", v1.InteractionTurn{
		InteractionID: 1, Kind: v1.InteractionConfirm, Prompt: "delete files?",
		CreatedAt: time.Now().UTC(),
	}))
	require.NoError(t, s.SetPending(ctx, "run-1", v1.InteractionTurn{
		InteractionID: 2, Kind: v1.InteractionOpenText, Prompt: "which branch?",
		CreatedAt: time.Now().UTC(),
	}))

	pending, err := s.GetPending(ctx, "run-1")
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.Equal(t, 2, pending.InteractionID)
	assert.Equal(t, v1.InteractionOpenText, pending.Kind)
}

func TestSubmitInteractionReply(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedRun(t, s, "req-1", "run-1")

	// Run not waiting yet.
	outcome, err := s.SubmitInteractionReply(ctx, "run-1", 1, map[string]interface{}{"answer": "yes"})
	require.NoError(t, err)
	assert.Equal(t, v1.ReplyNotWaiting, outcome)

	_, err = s.UpdateRunStatus(ctx, "run-1", v1.RunStatusWaitingUser, nil)
	require.NoError(t, err)
	require.NoError(t, s.SetPending(ctx, "run-1", v1.InteractionTurn{
		InteractionID: 3, Kind: v1.InteractionConfirm, Prompt: "proceed?",
		CreatedAt: time.Now().UTC(),
	}))

	// Stale interaction ID.
	outcome, err = s.SubmitInteractionReply(ctx, "run-1", 2, map[string]interface{}{"answer": "yes"})
	require.NoError(t, err)
	assert.Equal(t, v1.ReplyStale, outcome)

	// Matching ID is accepted and clears the pending row.
	outcome, err = s.SubmitInteractionReply(ctx, "run-1", 3, map[string]interface{}{"answer": "yes"})
	require.NoError(t, err)
	assert.Equal(t, v1.ReplyAccepted, outcome)

	pending, err := s.GetPending(ctx, "run-1")
	require.NoError(t, err)
	assert.Nil(t, pending)

	history, err := s.InteractionHistory(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, 3, history[0].InteractionID)
	assert.Equal(t, v1.ResolutionUserReply, history[0].ResolutionMode)
	assert.Equal(t, "yes", history[0].Response["answer"])

	// A second reply for the now-resolved turn is not_waiting again.
	outcome, err = s.SubmitInteractionReply(ctx, "run-1", 3, map[string]interface{}{"answer": "no"})
	require.NoError(t, err)
	assert.Equal(t, v1.ReplyNotWaiting, outcome)
}

func TestResolvePendingAutoDecision(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedRun(t, s, "req-1", "run-1")

	require.NoError(t, s.SetPending(ctx, "run-1", v1.InteractionTurn{
		InteractionID: 1, Kind: v1.InteractionChooseOne, Prompt: "pick one",
		CreatedAt: time.Now().UTC(),
	}))
	require.NoError(t, s.ResolvePending(ctx, "run-1", v1.ResolutionAutoDecision,
		map[string]interface{}{"decision": "auto", "policy": "engine_judgement"}))

	pending, err := s.GetPending(ctx, "run-1")
	require.NoError(t, err)
	assert.Nil(t, pending)

	history, err := s.InteractionHistory(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, v1.ResolutionAutoDecision, history[0].ResolutionMode)

	count, err := s.IncrementAutoDecisions(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	count, err = s.IncrementAutoDecisions(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestSessionHandleRoundtrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedRun(t, s, "req-1", "run-1")

	h, err := s.GetSessionHandle(ctx, "run-1")
	require.NoError(t, err)
	assert.True(t, h.Empty())

	require.NoError(t, s.SaveSessionHandle(ctx, "run-1", v1.SessionHandle{
		Engine: v1.EngineCodex, HandleType: "thread_id",
		HandleValue: "thr_abc123", CreatedAtTurn: 1,
	}))
	require.NoError(t, s.SaveSessionHandle(ctx, "run-1", v1.SessionHandle{
		Engine: v1.EngineCodex, HandleType: "thread_id",
		HandleValue: "thr_def456", CreatedAtTurn: 2,
	}))

	h, err = s.GetSessionHandle(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "thr_def456", h.HandleValue)
	assert.Equal(t, 2, h.CreatedAtTurn)
}

func TestNonTerminalRunsForRecovery(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedRun(t, s, "req-1", "run-1")
	seedRun(t, s, "req-2", "run-2")
	seedRun(t, s, "req-3", "run-3")

	_, err := s.UpdateRunStatus(ctx, "run-1", v1.RunStatusSucceeded, nil)
	require.NoError(t, err)
	_, err = s.UpdateRunStatus(ctx, "run-2", v1.RunStatusWaitingUser, nil)
	require.NoError(t, err)

	runs, err := s.NonTerminalRuns(ctx)
	require.NoError(t, err)
	ids := make([]string, 0, len(runs))
	for _, r := range runs {
		ids = append(ids, r.RunID)
	}
	assert.ElementsMatch(t, []string{"run-2", "run-3"}, ids)
}

func TestDeleteCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedRun(t, s, "req-1", "run-1")

	_, err := s.AppendEvent(ctx, "run-1", 1, v1.StreamRASP, "stdout_line", nil)
	require.NoError(t, err)
	require.NoError(t, s.SetPending(ctx, "run-1", v1.InteractionTurn{
		InteractionID: 1, Kind: v1.InteractionConfirm, Prompt: "ok?",
		CreatedAt: time.Now().UTC(),
	}))

	require.NoError(t, s.DeleteRequest(ctx, "req-1"))

	_, err = s.GetRun(ctx, "run-1")
	assert.ErrorIs(t, err, ErrNotFound)
	events, err := s.ListEvents(ctx, "run-1", v1.EventQuery{Attempt: 1})
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestRunsOlderThan(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedRun(t, s, "req-1", "run-1")

	runIDs, reqIDs, err := s.RunsOlderThan(ctx, time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{"run-1"}, runIDs)
	assert.Equal(t, []string{"req-1"}, reqIDs)

	runIDs, _, err = s.RunsOlderThan(ctx, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, runIDs)
}
