package v1

import (
	"encoding/json"
	"time"
)

// EventStream names one of the three persisted per-attempt event streams.
type EventStream string

const (
	StreamRASP         EventStream = "rasp"         // raw adapter stream protocol
	StreamFCMP         EventStream = "fcmp"         // canonical conversation protocol
	StreamOrchestrator EventStream = "orchestrator" // lifecycle + diagnostics
)

// ValidStream reports whether s names a persisted stream.
func ValidStream(s EventStream) bool {
	switch s {
	case StreamRASP, StreamFCMP, StreamOrchestrator:
		return true
	}
	return false
}

// StoredEvent is one persisted event row. Seq is strictly increasing from 1
// within (run_id, attempt, stream).
type StoredEvent struct {
	RunID   string          `json:"run_id"`
	Attempt int             `json:"attempt"`
	Stream  EventStream     `json:"stream"`
	Seq     int64           `json:"seq"`
	Type    string          `json:"type"`
	TS      time.Time       `json:"ts"`
	Payload json.RawMessage `json:"payload"`
}

// EventQuery filters historical event reads.
type EventQuery struct {
	Stream  EventStream `json:"stream"`
	Attempt int         `json:"attempt"` // 0 means latest
	FromSeq int64       `json:"from_seq"`
	ToSeq   int64       `json:"to_seq"` // 0 means unbounded
	FromTS  *time.Time  `json:"from_ts,omitempty"`
	ToTS    *time.Time  `json:"to_ts,omitempty"`
	Limit   int         `json:"limit"`
}
