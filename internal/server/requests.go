package server

import (
	v1 "github.com/skillrunner/skillrunner/pkg/api/v1"
)

// SubmitJobRequest is the body of POST /v1/jobs and /v1/temp-skill-runs.
type SubmitJobRequest struct {
	SkillID        string                 `json:"skill_id"`
	Engine         v1.Engine              `json:"engine"`
	Input          map[string]interface{} `json:"input,omitempty"`
	Parameter      map[string]interface{} `json:"parameter,omitempty"`
	Model          string                 `json:"model,omitempty"`
	EngineOptions  map[string]interface{} `json:"engine_options,omitempty"`
	RuntimeOptions v1.RuntimeOptions      `json:"runtime_options"`
	// DeferStart holds the run back until POST …/start, so uploads can be
	// attached first. Temp-skill runs always defer.
	DeferStart bool `json:"defer_start,omitempty"`
}

// SubmitJobResponse acknowledges a submitted job.
type SubmitJobResponse struct {
	RequestID string `json:"request_id"`
	RunID     string `json:"run_id,omitempty"`
	Status    string `json:"status"`
}

// UploadResponse lists the files extracted from an uploaded zip.
type UploadResponse struct {
	RequestID      string   `json:"request_id"`
	ExtractedFiles []string `json:"extracted_files"`
}

// ReplyRequest is the body of POST …/interaction/reply.
type ReplyRequest struct {
	InteractionID int                    `json:"interaction_id" binding:"required"`
	Response      map[string]interface{} `json:"response"`
}

// ReplyResponse reports what the reply submission did.
type ReplyResponse struct {
	RequestID string          `json:"request_id"`
	Outcome   v1.ReplyOutcome `json:"outcome"`
}

// PendingResponse carries the at-most-one pending interaction of a run.
type PendingResponse struct {
	RequestID string              `json:"request_id"`
	Pending   *v1.InteractionTurn `json:"pending"`
}

// CancelResponse reports a cancellation attempt.
type CancelResponse struct {
	RequestID string       `json:"request_id"`
	Status    v1.RunStatus `json:"status"`
	Accepted  bool         `json:"accepted"`
}

// ArtifactsResponse lists a run's artifact files.
type ArtifactsResponse struct {
	RequestID string   `json:"request_id"`
	Artifacts []string `json:"artifacts"`
}
