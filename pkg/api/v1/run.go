package v1

import "time"

// Engine identifies one of the supported agent CLI engines.
type Engine string

const (
	EngineCodex    Engine = "codex"
	EngineGemini   Engine = "gemini"
	EngineIflow    Engine = "iflow"
	EngineOpencode Engine = "opencode"
)

// Engines lists every supported engine.
func Engines() []Engine {
	return []Engine{EngineCodex, EngineGemini, EngineIflow, EngineOpencode}
}

// ValidEngine reports whether e names a supported engine.
func ValidEngine(e Engine) bool {
	switch e {
	case EngineCodex, EngineGemini, EngineIflow, EngineOpencode:
		return true
	}
	return false
}

// RunStatus represents the lifecycle status of a run.
type RunStatus string

const (
	RunStatusQueued      RunStatus = "queued"
	RunStatusRunning     RunStatus = "running"
	RunStatusWaitingUser RunStatus = "waiting_user"
	RunStatusSucceeded   RunStatus = "succeeded"
	RunStatusFailed      RunStatus = "failed"
	RunStatusCanceled    RunStatus = "canceled"
)

// IsTerminal reports whether the status is a fixed point.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusFailed, RunStatusCanceled:
		return true
	}
	return false
}

// RunSource distinguishes installed skills from uploaded one-shot packages.
type RunSource string

const (
	RunSourceInstalled RunSource = "installed"
	RunSourceTemp      RunSource = "temp"
)

// RecoveryState describes what restart-time recovery decided for a run.
type RecoveryState string

const (
	RecoveryNone            RecoveryState = "none"
	RecoveryRecoveredWaiting RecoveryState = "recovered_waiting"
	RecoveryRecoveredTerminal RecoveryState = "recovered_terminal"
)

// RunError is the persisted terminal error of a run.
type RunError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RuntimeOptions is the typed option bag accepted on job submission.
// EngineConfig is passed through opaquely to the engine layer.
type RuntimeOptions struct {
	ExecutionMode             string                 `json:"execution_mode,omitempty"` // auto | interactive
	NoCache                   bool                   `json:"no_cache,omitempty"`
	Debug                     bool                   `json:"debug,omitempty"`
	DebugKeepTemp             bool                   `json:"debug_keep_temp,omitempty"`
	InteractiveRequireUserReply bool                 `json:"interactive_require_user_reply,omitempty"`
	SessionTimeoutSec         int                    `json:"session_timeout_sec,omitempty"`
	InteractiveWaitTimeoutSec int                    `json:"interactive_wait_timeout_sec,omitempty"`
	HardWaitTimeoutSec        int                    `json:"hard_wait_timeout_sec,omitempty"`
	HardTimeoutSeconds        int                    `json:"hard_timeout_seconds,omitempty"`
	PassthroughCLIArgs        []string               `json:"passthrough_cli_args,omitempty"`
	UseProfileDefaults        *bool                  `json:"use_profile_defaults,omitempty"`
	PromptOverride            string                 `json:"prompt_override,omitempty"`
	CodexProfileName          string                 `json:"codex_profile_name,omitempty"`
	ResumeSessionHandle       string                 `json:"resume_session_handle,omitempty"`
	RunID                     string                 `json:"run_id,omitempty"`
	EngineConfig              map[string]interface{} `json:"engine_config,omitempty"`
}

// Request is a submitted job request. Exactly one run is ever created for it.
type Request struct {
	RequestID      string                 `json:"request_id"`
	RunID          string                 `json:"run_id,omitempty"`
	SkillID        string                 `json:"skill_id"`
	Engine         Engine                 `json:"engine"`
	RunSource      RunSource              `json:"run_source"`
	Input          map[string]interface{} `json:"input,omitempty"`
	Parameter      map[string]interface{} `json:"parameter,omitempty"`
	Model          string                 `json:"model,omitempty"`
	EngineOptions  map[string]interface{} `json:"engine_options,omitempty"`
	RuntimeOptions RuntimeOptions         `json:"runtime_options"`
	CreatedAt      time.Time              `json:"created_at"`
}

// Run is the persisted lifecycle record of a run.
type Run struct {
	RunID         string        `json:"run_id"`
	RequestID     string        `json:"request_id"`
	SkillID       string        `json:"skill_id"`
	Engine        Engine        `json:"engine"`
	RunSource     RunSource     `json:"run_source"`
	Status        RunStatus     `json:"status"`
	Warnings      []string      `json:"warnings"`
	Error         *RunError     `json:"error,omitempty"`
	RecoveryState RecoveryState `json:"recovery_state"`
	Attempt       int           `json:"attempt"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// StatusFile is the authoritative on-disk status object at run_dir/status.json.
type StatusFile struct {
	Status         RunStatus     `json:"status"`
	UpdatedAt      time.Time     `json:"updated_at"`
	Warnings       []string      `json:"warnings"`
	Error          *RunError     `json:"error,omitempty"`
	RecoveryState  RecoveryState `json:"recovery_state,omitempty"`
	RecoveredAt    *time.Time    `json:"recovered_at,omitempty"`
	RecoveryReason string        `json:"recovery_reason,omitempty"`
}

// SessionHandle is the opaque engine session identifier used to resume.
type SessionHandle struct {
	Engine        Engine `json:"engine"`
	HandleType    string `json:"handle_type"`
	HandleValue   string `json:"handle_value"`
	CreatedAtTurn int    `json:"created_at_turn"`
}

// Empty reports whether the handle carries no resumable value.
func (h SessionHandle) Empty() bool {
	return h.HandleValue == ""
}
