package interaction

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skillrunner/skillrunner/internal/adapter"
	"github.com/skillrunner/skillrunner/internal/common/logger"
	"github.com/skillrunner/skillrunner/internal/store"
	v1 "github.com/skillrunner/skillrunner/pkg/api/v1"
)

func newTestService(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "runner.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return NewService(st, logger.Default()), st
}

func seedWaitingRun(t *testing.T, st *store.Store, runID string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.CreateRequest(ctx, &v1.Request{
		RequestID: runID + "-req",
		SkillID:   "summarize",
		Engine:    v1.EngineCodex,
		RunSource: v1.RunSourceInstalled,
		CreatedAt: time.Now().UTC(),
	}))
	_, err := st.AssignRun(ctx, runID+"-req", runID)
	require.NoError(t, err)
	_, err = st.UpdateRunStatus(ctx, runID, v1.RunStatusRunning, nil)
	require.NoError(t, err)
	_, err = st.UpdateRunStatus(ctx, runID, v1.RunStatusWaitingUser, nil)
	require.NoError(t, err)
}

func TestRegisterAskNormalizes(t *testing.T) {
	svc, _ := newTestService(t)
	seedWaitingRun(t, svc.store, "run-1")

	pending, err := svc.RegisterAsk(context.Background(), "run-1", &adapter.TurnInteraction{
		InteractionID: 1,
		Kind:          "decision",
		Prompt:        "  Pick a path  ",
		Options: []v1.InteractionOption{
			{ID: "a", Label: "Option A"},
			{ID: "b", Label: "   "},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, v1.InteractionChooseOne, pending.Kind)
	assert.Equal(t, "Pick a path", pending.Prompt)
	require.Len(t, pending.Options, 1, "empty-label options are dropped")
	assert.Equal(t, DefaultDecisionPolicy, pending.DefaultDecisionPolicy)

	stored, err := svc.Pending(context.Background(), "run-1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, 1, stored.InteractionID)
}

func TestRegisterAskRejectsInvalid(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.RegisterAsk(context.Background(), "run-1",
		&adapter.TurnInteraction{InteractionID: 0, Prompt: "p"})
	assert.Error(t, err)

	_, err = svc.RegisterAsk(context.Background(), "run-1",
		&adapter.TurnInteraction{InteractionID: 3, Prompt: "   "})
	assert.Error(t, err)
}

func TestSubmitReplyWakesWaiter(t *testing.T) {
	svc, _ := newTestService(t)
	seedWaitingRun(t, svc.store, "run-1")
	ctx := context.Background()

	_, err := svc.RegisterAsk(ctx, "run-1", &adapter.TurnInteraction{
		InteractionID: 7, Kind: "confirm", Prompt: "Proceed?",
	})
	require.NoError(t, err)

	type waitResult struct {
		reply Reply
		ok    bool
		err   error
	}
	done := make(chan waitResult, 1)
	go func() {
		r, ok, err := svc.WaitForReply(ctx, "run-1", 5*time.Second)
		done <- waitResult{r, ok, err}
	}()

	// Let the waiter register before replying.
	time.Sleep(20 * time.Millisecond)
	outcome, err := svc.SubmitReply(ctx, "run-1", 7,
		map[string]interface{}{"confirmed": true})
	require.NoError(t, err)
	assert.Equal(t, v1.ReplyAccepted, outcome)

	got := <-done
	require.NoError(t, got.err)
	require.True(t, got.ok)
	assert.Equal(t, 7, got.reply.InteractionID)
	assert.Equal(t, true, got.reply.Response["confirmed"])
	assert.False(t, got.reply.Auto)

	history, err := svc.History(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, v1.ResolutionUserReply, history[0].ResolutionMode)
}

func TestSubmitReplyStaleAndNotWaiting(t *testing.T) {
	svc, st := newTestService(t)
	seedWaitingRun(t, st, "run-1")
	ctx := context.Background()

	_, err := svc.RegisterAsk(ctx, "run-1", &adapter.TurnInteraction{
		InteractionID: 2, Prompt: "Which?",
	})
	require.NoError(t, err)

	outcome, err := svc.SubmitReply(ctx, "run-1", 1, nil)
	require.NoError(t, err)
	assert.Equal(t, v1.ReplyStale, outcome)

	outcome, err = svc.SubmitReply(ctx, "run-1", 2, map[string]interface{}{"x": 1})
	require.NoError(t, err)
	assert.Equal(t, v1.ReplyAccepted, outcome)

	// Second submission for the same interaction: pending is gone.
	outcome, err = svc.SubmitReply(ctx, "run-1", 2, nil)
	require.NoError(t, err)
	assert.Equal(t, v1.ReplyNotWaiting, outcome)
}

func TestReplyAcceptedBeforeWaitIsRecovered(t *testing.T) {
	svc, st := newTestService(t)
	seedWaitingRun(t, st, "run-1")
	ctx := context.Background()

	_, err := svc.RegisterAsk(ctx, "run-1", &adapter.TurnInteraction{
		InteractionID: 4, Kind: "confirm", Prompt: "Proceed?",
	})
	require.NoError(t, err)

	// The reply lands while no waiter is registered.
	outcome, err := svc.SubmitReply(ctx, "run-1", 4,
		map[string]interface{}{"confirmed": true})
	require.NoError(t, err)
	require.Equal(t, v1.ReplyAccepted, outcome)

	// The late waiter must pick the accepted reply up instead of timing out.
	reply, ok, err := svc.WaitForReply(ctx, "run-1", 50*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 4, reply.InteractionID)
	assert.Equal(t, true, reply.Response["confirmed"])
	assert.False(t, reply.Auto)
}

func TestWaitForReplyTimeout(t *testing.T) {
	svc, _ := newTestService(t)

	_, ok, err := svc.WaitForReply(context.Background(), "run-1", 30*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAutoDecide(t *testing.T) {
	svc, st := newTestService(t)
	seedWaitingRun(t, st, "run-1")
	ctx := context.Background()

	_, err := svc.RegisterAsk(ctx, "run-1", &adapter.TurnInteraction{
		InteractionID: 1, Prompt: "Pick", DefaultDecisionPolicy: "first_option",
	})
	require.NoError(t, err)

	exceeded, reply, err := svc.AutoDecide(ctx, "run-1", 2)
	require.NoError(t, err)
	assert.False(t, exceeded)
	assert.True(t, reply.Auto)
	assert.Equal(t, "auto", reply.Response["decision"])
	assert.Equal(t, "first_option", reply.Response["policy"])

	history, err := svc.History(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, v1.ResolutionAutoDecision, history[0].ResolutionMode)
}

func TestAutoDecideExceedsCap(t *testing.T) {
	svc, st := newTestService(t)
	seedWaitingRun(t, st, "run-1")
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		_, err := svc.RegisterAsk(ctx, "run-1", &adapter.TurnInteraction{
			InteractionID: i, Prompt: "Pick",
		})
		require.NoError(t, err)
		exceeded, _, err := svc.AutoDecide(ctx, "run-1", 1)
		require.NoError(t, err)
		if i == 1 {
			assert.False(t, exceeded)
		} else {
			assert.True(t, exceeded, "second auto-decision exceeds max_attempt=1")
		}
	}
}

func TestAutoDecideWithoutPendingIsNoop(t *testing.T) {
	svc, _ := newTestService(t)

	exceeded, reply, err := svc.AutoDecide(context.Background(), "run-1", 1)
	require.NoError(t, err)
	assert.False(t, exceeded)
	assert.Zero(t, reply.InteractionID)
}

func TestCancelPendingRecordsResolution(t *testing.T) {
	svc, st := newTestService(t)
	seedWaitingRun(t, st, "run-1")
	ctx := context.Background()

	_, err := svc.RegisterAsk(ctx, "run-1", &adapter.TurnInteraction{
		InteractionID: 1, Prompt: "Pick",
	})
	require.NoError(t, err)
	require.NoError(t, svc.CancelPending(ctx, "run-1"))

	history, err := svc.History(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, v1.ResolutionCanceled, history[0].ResolutionMode)

	pending, err := svc.Pending(ctx, "run-1")
	require.NoError(t, err)
	assert.Nil(t, pending)
}

func TestExpirePendingRecordsResolution(t *testing.T) {
	svc, st := newTestService(t)
	seedWaitingRun(t, st, "run-1")
	ctx := context.Background()

	_, err := svc.RegisterAsk(ctx, "run-1", &adapter.TurnInteraction{
		InteractionID: 1, Prompt: "Pick",
	})
	require.NoError(t, err)
	require.NoError(t, svc.ExpirePending(ctx, "run-1"))

	history, err := svc.History(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, v1.ResolutionTimeout, history[0].ResolutionMode)

	pending, err := svc.Pending(ctx, "run-1")
	require.NoError(t, err)
	assert.Nil(t, pending)

	// A timeout resolution is not a reply; a waiter must not consume it.
	_, ok, err := svc.WaitForReply(ctx, "run-1", 30*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)
}
