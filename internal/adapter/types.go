// Package adapter normalizes the four engine CLIs behind one contract:
// workspace provisioning, config composition, prompt rendering, command
// building, process supervision, stream parsing and session-handle
// extraction.
package adapter

import (
	"github.com/skillrunner/skillrunner/internal/skill"
	v1 "github.com/skillrunner/skillrunner/pkg/api/v1"
)

// Outcome classifies how a turn ended.
type Outcome string

const (
	OutcomeFinal   Outcome = "final"
	OutcomeAskUser Outcome = "ask_user"
	OutcomeError   Outcome = "error"
)

// RepairLevel records how a raw payload was coerced into valid JSON.
type RepairLevel string

const (
	RepairNone                 RepairLevel = "none"
	RepairDeterministicGeneric RepairLevel = "deterministic_generic"
)

// Diagnostic flag codes attached to parse results.
const (
	DiagPTYFallbackUsed        = "PTY_FALLBACK_USED"
	DiagUnparsedFellBackToRaw  = "UNPARSED_CONTENT_FELL_BACK_TO_RAW"
	DiagGeminiStreamFallback   = "GEMINI_STREAM_JSON_FALLBACK_USED"
)

// TurnInteraction is the ask_user payload surfaced by a turn.
type TurnInteraction struct {
	InteractionID         int                    `json:"interaction_id"`
	Kind                  string                 `json:"kind"`
	Prompt                string                 `json:"prompt"`
	Options               []v1.InteractionOption `json:"options,omitempty"`
	RequiredFields        []string               `json:"required_fields,omitempty"`
	Context               string                 `json:"context,omitempty"`
	DefaultDecisionPolicy string                 `json:"default_decision_policy,omitempty"`
}

// TurnResult is the canonical single-turn outcome.
type TurnResult struct {
	Outcome       Outcome                `json:"outcome"`
	FinalData     map[string]interface{} `json:"final_data,omitempty"`
	Interaction   *TurnInteraction       `json:"interaction,omitempty"`
	FailureReason string                 `json:"failure_reason,omitempty"`
	RepairLevel   RepairLevel            `json:"repair_level"`
	Stderr        string                 `json:"stderr,omitempty"`
}

// AssistantMessage is one extracted assistant utterance.
type AssistantMessage struct {
	Text   string `json:"text"`
	RawRef string `json:"raw_ref,omitempty"`
}

// ParseResult is the structured runtime parse result feeding the event
// pipeline alongside the legacy TurnResult.
type ParseResult struct {
	Parser            string             `json:"parser"`
	Confidence        float64            `json:"confidence"`
	SessionID         string             `json:"session_id,omitempty"`
	AssistantMessages []AssistantMessage `json:"assistant_messages"`
	RawRows           []string           `json:"raw_rows"`
	Diagnostics       []string           `json:"diagnostics,omitempty"`
	StructuredTypes   []string           `json:"structured_types,omitempty"`
}

// CapturedOutput is the supervised subprocess output handed to parsers.
type CapturedOutput struct {
	Stdout   string
	Stderr   string
	PTY      string // rendered PTY text, empty unless PTY capture ran
	ExitCode int
	TimedOut bool
}

// ExecutionContext carries everything a turn needs.
type ExecutionContext struct {
	RunID     string
	Attempt   int
	Turn      int
	Skill     *skill.Skill
	RunDir    string
	Input     map[string]interface{}
	Parameter map[string]interface{}
	Model     string
	Options   v1.RuntimeOptions
	// Resume is non-empty for resume turns.
	Resume v1.SessionHandle
	// Reply is the user response handed back on a resume turn.
	Reply map[string]interface{}
}

// ConfigComposer writes the engine's merged config into the workspace.
type ConfigComposer interface {
	Compose(ectx *ExecutionContext) error
}

// WorkspaceProvisioner copies and patches the skill package into the
// engine's workspace.
type WorkspaceProvisioner interface {
	Prepare(ectx *ExecutionContext) error
}

// PromptBuilder renders the engine prompt.
type PromptBuilder interface {
	Render(ectx *ExecutionContext) (string, error)
}

// CommandBuilder produces start and resume argv.
type CommandBuilder interface {
	BuildStart(ectx *ExecutionContext, prompt string) ([]string, error)
	BuildResume(ectx *ExecutionContext, prompt string) ([]string, error)
}

// StreamParser turns captured output into a TurnResult and ParseResult.
type StreamParser interface {
	Parse(out *CapturedOutput) (*TurnResult, *ParseResult)
}

// SessionHandleCodec extracts the engine session handle from captured output.
type SessionHandleCodec interface {
	Extract(out *CapturedOutput, turn int) (v1.SessionHandle, error)
}

// TurnOutput bundles everything one executed turn produced.
type TurnOutput struct {
	Result   *TurnResult
	Parse    *ParseResult
	Session  v1.SessionHandle
	Captured *CapturedOutput
}
