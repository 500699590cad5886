package protocol

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skillrunner/skillrunner/internal/adapter"
	apperrors "github.com/skillrunner/skillrunner/internal/common/errors"
	"github.com/skillrunner/skillrunner/internal/common/logger"
	"github.com/skillrunner/skillrunner/internal/events/bus"
	"github.com/skillrunner/skillrunner/internal/store"
	v1 "github.com/skillrunner/skillrunner/pkg/api/v1"
)

func newTestEmitter(t *testing.T) (*Emitter, *store.Store, *bus.MemoryEventBus) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "runner.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	memBus := bus.NewMemoryEventBus(logger.Default())
	t.Cleanup(memBus.Close)

	emitter, err := NewEmitter(st, memBus, logger.Default())
	require.NoError(t, err)
	return emitter, st, memBus
}

func seedRun(t *testing.T, st *store.Store, runID string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.CreateRequest(ctx, &v1.Request{
		RequestID: runID + "-req",
		SkillID:   "demo",
		Engine:    v1.EngineCodex,
		RunSource: v1.RunSourceInstalled,
		CreatedAt: time.Now().UTC(),
	}))
	_, err := st.AssignRun(ctx, runID+"-req", runID)
	require.NoError(t, err)
	_, err = st.BeginAttempt(ctx, runID)
	require.NoError(t, err)
}

func listStream(t *testing.T, st *store.Store, runID string, stream v1.EventStream) []v1.StoredEvent {
	t.Helper()
	events, err := st.ListEvents(context.Background(), runID, v1.EventQuery{Stream: stream})
	require.NoError(t, err)
	return events
}

func TestSchemaRegistryCoversCanonicalTypes(t *testing.T) {
	registry, err := NewSchemaRegistry()
	require.NoError(t, err)
	for _, eventType := range []string{
		EventStateChanged, EventCompleted, EventFailed,
		EventAssistantFinal, EventInputRequired, EventReplyAccepted,
		EventRunStarted, EventRunStatus, EventRunTerminal, EventWarning,
	} {
		assert.True(t, registry.Has(eventType), eventType)
	}
}

func TestSchemaRegistryValidates(t *testing.T) {
	registry, err := NewSchemaRegistry()
	require.NoError(t, err)

	valid := json.RawMessage(`{"from":"running","to":"waiting_user","trigger":"turn.needs_input"}`)
	assert.NoError(t, registry.Validate(EventStateChanged, valid))

	invalid := json.RawMessage(`{"from":"running"}`)
	assert.Error(t, registry.Validate(EventStateChanged, invalid))

	// Unknown types pass through.
	assert.NoError(t, registry.Validate("some.unknown.type", json.RawMessage(`{}`)))
}

func TestCanonicalInteractiveSequence(t *testing.T) {
	emitter, st, _ := newTestEmitter(t)
	seedRun(t, st, "run-1")
	ctx := context.Background()

	require.NoError(t, emitter.StateChanged(ctx, "run-1", 1,
		v1.RunStatusRunning, v1.RunStatusWaitingUser, "turn.needs_input"))
	require.NoError(t, emitter.AssistantFinal(ctx, "run-1", 1, 1, "Which path?"))
	require.NoError(t, emitter.InputRequired(ctx, "run-1", 1, &v1.InteractionTurn{
		InteractionID: 1, Kind: v1.InteractionChooseOne, Prompt: "Which path?",
		Options: []v1.InteractionOption{{ID: "a", Label: "A"}},
	}))
	require.NoError(t, emitter.ReplyAccepted(ctx, "run-1", 1, 1,
		map[string]interface{}{"choice": "a"}, false))
	require.NoError(t, emitter.StateChanged(ctx, "run-1", 1,
		v1.RunStatusWaitingUser, v1.RunStatusRunning, "reply"))
	require.NoError(t, emitter.Completed(ctx, "run-1", 1,
		map[string]interface{}{"message": "ok"}))

	events := listStream(t, st, "run-1", v1.StreamFCMP)
	require.Len(t, events, 6)
	types := make([]string, len(events))
	for i, ev := range events {
		types[i] = ev.Type
		assert.Equal(t, int64(i+1), ev.Seq, "seq is gap-free")
	}
	assert.Equal(t, []string{
		EventStateChanged, EventAssistantFinal, EventInputRequired,
		EventReplyAccepted, EventStateChanged, EventCompleted,
	}, types)

	// No schema warnings were produced.
	orch := listStream(t, st, "run-1", v1.StreamOrchestrator)
	assert.Empty(t, orch)
}

func TestInvalidPayloadEmitsWarningButKeepsEvent(t *testing.T) {
	emitter, st, _ := newTestEmitter(t)
	seedRun(t, st, "run-1")
	ctx := context.Background()

	// Empty trigger violates the schema but the transition must survive.
	require.NoError(t, emitter.StateChanged(ctx, "run-1", 1,
		v1.RunStatusQueued, v1.RunStatusRunning, ""))

	fcmp := listStream(t, st, "run-1", v1.StreamFCMP)
	require.Len(t, fcmp, 1)
	assert.Equal(t, EventStateChanged, fcmp[0].Type)

	orch := listStream(t, st, "run-1", v1.StreamOrchestrator)
	require.Len(t, orch, 1)
	assert.Equal(t, EventWarning, orch[0].Type)
	var warning struct {
		Code string `json:"code"`
		Path string `json:"path"`
	}
	require.NoError(t, json.Unmarshal(orch[0].Payload, &warning))
	assert.Equal(t, apperrors.CodeSchemaInternalInvalid, warning.Code)
	assert.Contains(t, warning.Path, EventStateChanged)
}

func TestEmitTurnDedupesAskPrompt(t *testing.T) {
	emitter, st, _ := newTestEmitter(t)
	seedRun(t, st, "run-1")
	ctx := context.Background()

	ask := "Which option?\n<ASK_USER_YAML>\ninteraction_id: 1\nprompt: Which option?\n</ASK_USER_YAML>"
	parsed := &adapter.ParseResult{
		Parser:     "codex",
		Confidence: 0.95,
		AssistantMessages: []adapter.AssistantMessage{
			{Text: ask},
			{Text: ask},
		},
	}
	require.NoError(t, emitter.EmitTurn(ctx, "run-1", 1, 1, parsed, ask))

	fcmp := listStream(t, st, "run-1", v1.StreamFCMP)
	require.Len(t, fcmp, 1, "duplicate prompt text collapses to one message")
	var payload struct {
		Text string `json:"text"`
	}
	require.NoError(t, json.Unmarshal(fcmp[0].Payload, &payload))
	assert.Equal(t, "Which option?", payload.Text, "ask block is stripped")

	rasp := listStream(t, st, "run-1", v1.StreamRASP)
	require.Len(t, rasp, 3, "two raw messages plus the turn marker")
	assert.Equal(t, raspTurnCompleted, rasp[len(rasp)-1].Type)
}

func TestEmitTurnDiagnostics(t *testing.T) {
	emitter, st, _ := newTestEmitter(t)
	seedRun(t, st, "run-1")

	parsed := &adapter.ParseResult{
		Parser:            "iflow",
		Confidence:        0.3,
		AssistantMessages: []adapter.AssistantMessage{{Text: "hello"}},
		Diagnostics:       []string{adapter.DiagPTYFallbackUsed},
	}
	require.NoError(t, emitter.EmitTurn(context.Background(), "run-1", 1, 2, parsed, ""))

	rasp := listStream(t, st, "run-1", v1.StreamRASP)
	require.Len(t, rasp, 3)
	assert.Equal(t, raspDiagnostic, rasp[1].Type)
}

func TestEventsReachBus(t *testing.T) {
	emitter, st, memBus := newTestEmitter(t)
	seedRun(t, st, "run-1")

	received := make(chan *bus.Event, 4)
	_, err := memBus.Subscribe(bus.BuildRunEventsSubject("run-1"),
		func(ctx context.Context, event *bus.Event) error {
			received <- event
			return nil
		})
	require.NoError(t, err)

	require.NoError(t, emitter.RunStarted(context.Background(), "run-1", 1,
		"demo", v1.EngineCodex))

	select {
	case ev := <-received:
		assert.Equal(t, EventRunStarted, ev.Type)
		assert.Equal(t, "run-1", ev.Data["run_id"])
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered on the bus")
	}
}

func TestPreviewResponseTruncates(t *testing.T) {
	long := map[string]interface{}{"text": string(make([]byte, 500))}
	preview := previewResponse(long)
	assert.LessOrEqual(t, len([]rune(preview)), responsePreviewMax+1)
	assert.Empty(t, previewResponse(nil))
}
