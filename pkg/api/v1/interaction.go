package v1

import "time"

// InteractionKind classifies what the engine is asking the user for.
type InteractionKind string

const (
	InteractionChooseOne  InteractionKind = "choose_one"
	InteractionConfirm    InteractionKind = "confirm"
	InteractionFillFields InteractionKind = "fill_fields"
	InteractionOpenText   InteractionKind = "open_text"
	InteractionRiskAck    InteractionKind = "risk_ack"
)

// NormalizeInteractionKind maps legacy kind names onto the canonical set.
// Unknown kinds degrade to open_text.
func NormalizeInteractionKind(kind string) InteractionKind {
	switch kind {
	case string(InteractionChooseOne), "decision":
		return InteractionChooseOne
	case string(InteractionConfirm), "confirmation":
		return InteractionConfirm
	case string(InteractionFillFields):
		return InteractionFillFields
	case string(InteractionOpenText), "clarification":
		return InteractionOpenText
	case string(InteractionRiskAck):
		return InteractionRiskAck
	}
	return InteractionOpenText
}

// InteractionOption is a single selectable option of a choose_one ask.
type InteractionOption struct {
	ID          string `json:"id,omitempty"`
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// InteractionTurn is one ask_user round surfaced to the end user.
type InteractionTurn struct {
	InteractionID         int                 `json:"interaction_id"`
	Kind                  InteractionKind     `json:"kind"`
	Prompt                string              `json:"prompt"`
	Options               []InteractionOption `json:"options,omitempty"`
	RequiredFields        []string            `json:"required_fields,omitempty"`
	Context               string              `json:"context,omitempty"`
	DefaultDecisionPolicy string              `json:"default_decision_policy,omitempty"`
	CreatedAt             time.Time           `json:"created_at"`
}

// ResolutionMode records how a pending interaction was resolved.
type ResolutionMode string

const (
	ResolutionUserReply    ResolutionMode = "user_reply"
	ResolutionAutoDecision ResolutionMode = "auto_decision"
	ResolutionCanceled     ResolutionMode = "canceled"
	ResolutionTimeout      ResolutionMode = "timeout"
)

// InteractionRecord is one row of the append-only interaction history.
type InteractionRecord struct {
	InteractionID  int                    `json:"interaction_id"`
	Kind           InteractionKind        `json:"kind"`
	Prompt         string                 `json:"prompt"`
	Response       map[string]interface{} `json:"response,omitempty"`
	ResolutionMode ResolutionMode         `json:"resolution_mode"`
	ResolvedAt     time.Time              `json:"resolved_at"`
}

// ReplyOutcome is the result of submitting an interaction reply.
type ReplyOutcome string

const (
	ReplyAccepted   ReplyOutcome = "accepted"
	ReplyStale      ReplyOutcome = "stale"
	ReplyNotWaiting ReplyOutcome = "not_waiting"
)
