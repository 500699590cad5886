package protocol

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/skillrunner/skillrunner/internal/adapter"
	apperrors "github.com/skillrunner/skillrunner/internal/common/errors"
	"github.com/skillrunner/skillrunner/internal/common/logger"
	"github.com/skillrunner/skillrunner/internal/events/bus"
	"github.com/skillrunner/skillrunner/internal/store"
	v1 "github.com/skillrunner/skillrunner/pkg/api/v1"
)

// FCMP event types.
const (
	EventStateChanged   = "conversation.state.changed"
	EventCompleted      = "conversation.completed"
	EventFailed         = "conversation.failed"
	EventAssistantFinal = "assistant.message.final"
	EventInputRequired  = "user.input.required"
	EventReplyAccepted  = "interaction.reply.accepted"
)

// Orchestrator event types.
const (
	EventRunStarted  = "lifecycle.run.started"
	EventRunStatus   = "lifecycle.run.status"
	EventRunTerminal = "lifecycle.run.terminal"
	EventWarning     = "diagnostic.warning"
)

// RASP event types.
const (
	raspAssistantMessage = "assistant.message"
	raspTurnCompleted    = "turn.completed"
	raspDiagnostic       = "parser.diagnostic"
)

const responsePreviewMax = 200

// Emitter persists events to the per-run streams, validates each payload
// against the schema registry and mirrors them onto the event bus. A schema
// failure produces a diagnostic.warning but never drops the event itself.
type Emitter struct {
	store    *store.Store
	bus      bus.EventBus
	registry *SchemaRegistry
	logger   *logger.Logger
}

func NewEmitter(st *store.Store, eventBus bus.EventBus, log *logger.Logger) (*Emitter, error) {
	registry, err := NewSchemaRegistry()
	if err != nil {
		return nil, err
	}
	return &Emitter{
		store:    st,
		bus:      eventBus,
		registry: registry,
		logger:   log.WithComponent("protocol"),
	}, nil
}

func (e *Emitter) emit(ctx context.Context, runID string, attempt int, stream v1.EventStream, eventType string, payload map[string]interface{}) (*v1.StoredEvent, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", eventType, err)
	}

	if err := e.registry.Validate(eventType, raw); err != nil {
		e.logger.Warn("event fails internal schema",
			zap.String("run_id", runID),
			zap.String("type", eventType),
			zap.Error(err))
		warning, _ := json.Marshal(map[string]interface{}{
			"code":    apperrors.CodeSchemaInternalInvalid,
			"message": err.Error(),
			"path":    string(stream) + "/" + eventType,
			"attempt": attempt,
		})
		if _, werr := e.store.AppendEvent(ctx, runID, attempt,
			v1.StreamOrchestrator, EventWarning, warning); werr != nil {
			e.logger.Error("append schema warning failed",
				zap.String("run_id", runID), zap.Error(werr))
		}
	}

	stored, err := e.store.AppendEvent(ctx, runID, attempt, stream, eventType, raw)
	if err != nil {
		return nil, err
	}
	e.publish(ctx, stored)
	return stored, nil
}

func (e *Emitter) publish(ctx context.Context, stored *v1.StoredEvent) {
	if e.bus == nil {
		return
	}
	event := bus.NewEvent(stored.Type, "protocol", map[string]interface{}{
		"run_id":  stored.RunID,
		"attempt": stored.Attempt,
		"stream":  string(stored.Stream),
		"seq":     stored.Seq,
		"ts":      stored.TS,
		"payload": json.RawMessage(stored.Payload),
	})
	if err := e.bus.Publish(ctx, bus.BuildRunEventsSubject(stored.RunID), event); err != nil {
		e.logger.Warn("event bus publish failed",
			zap.String("run_id", stored.RunID),
			zap.String("type", stored.Type),
			zap.Error(err))
	}
}

// RunStarted records the orchestrator picking the run up.
func (e *Emitter) RunStarted(ctx context.Context, runID string, attempt int, skillID string, engine v1.Engine) error {
	_, err := e.emit(ctx, runID, attempt, v1.StreamOrchestrator, EventRunStarted, map[string]interface{}{
		"skill_id": skillID,
		"engine":   string(engine),
		"attempt":  attempt,
	})
	return err
}

// RunStatus records a non-terminal status observation.
func (e *Emitter) RunStatus(ctx context.Context, runID string, attempt int, status v1.RunStatus) error {
	_, err := e.emit(ctx, runID, attempt, v1.StreamOrchestrator, EventRunStatus, map[string]interface{}{
		"status":  string(status),
		"attempt": attempt,
	})
	return err
}

// RunTerminal records the run reaching its terminal status.
func (e *Emitter) RunTerminal(ctx context.Context, runID string, attempt int, status v1.RunStatus, runErr *v1.RunError) error {
	payload := map[string]interface{}{
		"status":  string(status),
		"attempt": attempt,
	}
	if runErr != nil {
		payload["error"] = map[string]interface{}{
			"code":    runErr.Code,
			"message": runErr.Message,
		}
	}
	_, err := e.emit(ctx, runID, attempt, v1.StreamOrchestrator, EventRunTerminal, payload)
	return err
}

// Warning records a recoverable problem without affecting run state.
func (e *Emitter) Warning(ctx context.Context, runID string, attempt int, code, message, path string) error {
	payload := map[string]interface{}{
		"code":    code,
		"message": message,
		"attempt": attempt,
	}
	if path != "" {
		payload["path"] = path
	}
	_, err := e.emit(ctx, runID, attempt, v1.StreamOrchestrator, EventWarning, payload)
	return err
}

// StateChanged records an FCMP conversation state transition.
func (e *Emitter) StateChanged(ctx context.Context, runID string, attempt int, from, to v1.RunStatus, trigger string) error {
	_, err := e.emit(ctx, runID, attempt, v1.StreamFCMP, EventStateChanged, map[string]interface{}{
		"from":    string(from),
		"to":      string(to),
		"trigger": trigger,
		"meta":    map[string]interface{}{"attempt": attempt},
	})
	return err
}

// AssistantFinal records one finalized assistant message.
func (e *Emitter) AssistantFinal(ctx context.Context, runID string, attempt, turn int, text string) error {
	_, err := e.emit(ctx, runID, attempt, v1.StreamFCMP, EventAssistantFinal, map[string]interface{}{
		"text": text,
		"turn": turn,
		"meta": map[string]interface{}{"attempt": attempt},
	})
	return err
}

// InputRequired records a pending interaction being surfaced to the user.
func (e *Emitter) InputRequired(ctx context.Context, runID string, attempt int, turn *v1.InteractionTurn) error {
	payload := map[string]interface{}{
		"interaction_id": turn.InteractionID,
		"kind":           string(turn.Kind),
		"prompt":         turn.Prompt,
		"meta":           map[string]interface{}{"attempt": attempt},
	}
	if len(turn.Options) > 0 {
		payload["options"] = turn.Options
	}
	if len(turn.RequiredFields) > 0 {
		payload["required_fields"] = turn.RequiredFields
	}
	if turn.Context != "" {
		payload["context"] = turn.Context
	}
	_, err := e.emit(ctx, runID, attempt, v1.StreamFCMP, EventInputRequired, payload)
	return err
}

// ReplyAccepted records an interaction resolution (user reply or
// auto-decision) with a truncated response preview.
func (e *Emitter) ReplyAccepted(ctx context.Context, runID string, attempt, interactionID int, response map[string]interface{}, auto bool) error {
	_, err := e.emit(ctx, runID, attempt, v1.StreamFCMP, EventReplyAccepted, map[string]interface{}{
		"interaction_id":   interactionID,
		"response_preview": previewResponse(response),
		"auto":             auto,
		"meta":             map[string]interface{}{"attempt": attempt},
	})
	return err
}

// Completed records the conversation finishing successfully.
func (e *Emitter) Completed(ctx context.Context, runID string, attempt int, result map[string]interface{}) error {
	payload := map[string]interface{}{
		"meta": map[string]interface{}{"attempt": attempt},
	}
	if result != nil {
		payload["result"] = result
	}
	_, err := e.emit(ctx, runID, attempt, v1.StreamFCMP, EventCompleted, payload)
	return err
}

// Failed records the conversation ending with an error code.
func (e *Emitter) Failed(ctx context.Context, runID string, attempt int, code, message string) error {
	payload := map[string]interface{}{
		"code": code,
		"meta": map[string]interface{}{"attempt": attempt},
	}
	if message != "" {
		payload["message"] = message
	}
	_, err := e.emit(ctx, runID, attempt, v1.StreamFCMP, EventFailed, payload)
	return err
}

// EmitTurn translates one turn's parse result into RASP events plus FCMP
// assistant messages. askPrompt is the pending interaction prompt of an
// ask_user turn, or empty; an assistant message whose cleaned body equals
// the cleaned prompt is deduplicated down to a single FCMP message.
func (e *Emitter) EmitTurn(ctx context.Context, runID string, attempt, turn int, parsed *adapter.ParseResult, askPrompt string) error {
	source := map[string]interface{}{
		"engine":     parsed.Parser,
		"parser":     parsed.Parser,
		"confidence": parsed.Confidence,
	}

	cleanedPrompt := adapter.StripAskBlocks(askPrompt)
	emittedAsk := false
	for _, msg := range parsed.AssistantMessages {
		raspPayload := map[string]interface{}{
			"source":   source,
			"category": "message",
			"type":     raspAssistantMessage,
			"data":     map[string]interface{}{"text": msg.Text},
		}
		if msg.RawRef != "" {
			raspPayload["raw_ref"] = msg.RawRef
		}
		if _, err := e.emit(ctx, runID, attempt, v1.StreamRASP, raspAssistantMessage, raspPayload); err != nil {
			return err
		}

		cleaned := adapter.StripAskBlocks(msg.Text)
		if cleaned == "" {
			continue
		}
		if cleanedPrompt != "" && cleaned == cleanedPrompt {
			if emittedAsk {
				continue
			}
			emittedAsk = true
		}
		if err := e.AssistantFinal(ctx, runID, attempt, turn, cleaned); err != nil {
			return err
		}
	}

	for _, diag := range parsed.Diagnostics {
		if _, err := e.emit(ctx, runID, attempt, v1.StreamRASP, raspDiagnostic, map[string]interface{}{
			"source":   source,
			"category": "diagnostic",
			"type":     raspDiagnostic,
			"data":     map[string]interface{}{"code": diag},
		}); err != nil {
			return err
		}
	}

	_, err := e.emit(ctx, runID, attempt, v1.StreamRASP, raspTurnCompleted, map[string]interface{}{
		"source":   source,
		"category": "lifecycle",
		"type":     raspTurnCompleted,
		"data":     map[string]interface{}{"turn": turn},
	})
	return err
}

func previewResponse(response map[string]interface{}) string {
	if response == nil {
		return ""
	}
	raw, err := json.Marshal(response)
	if err != nil {
		return ""
	}
	if len(raw) > responsePreviewMax {
		return string(raw[:responsePreviewMax]) + "…"
	}
	return string(raw)
}
