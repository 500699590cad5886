// Package observability is the read side of a run: status snapshots, event
// history, SSE/WebSocket streaming, log byte ranges and workspace bundles.
// It never mutates run state.
package observability

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/skillrunner/skillrunner/internal/common/config"
	apperrors "github.com/skillrunner/skillrunner/internal/common/errors"
	"github.com/skillrunner/skillrunner/internal/common/logger"
	"github.com/skillrunner/skillrunner/internal/events/bus"
	"github.com/skillrunner/skillrunner/internal/store"
	"github.com/skillrunner/skillrunner/internal/workspace"
	v1 "github.com/skillrunner/skillrunner/pkg/api/v1"
)

// Snapshot is the current observable state of a run.
type Snapshot struct {
	RunID              string              `json:"run_id"`
	Status             v1.RunStatus        `json:"status"`
	Attempt            int                 `json:"attempt"`
	Warnings           []string            `json:"warnings"`
	Error              *v1.RunError        `json:"error,omitempty"`
	RecoveryState      v1.RecoveryState    `json:"recovery_state,omitempty"`
	PendingInteraction *v1.InteractionTurn `json:"pending_interaction,omitempty"`
	InteractionCount   int                 `json:"interaction_count"`
	AutoDecisions      int                 `json:"auto_decisions"`
	UpdatedAt          time.Time           `json:"updated_at"`
}

// HistoryResult is an event history page plus the attempts that exist.
type HistoryResult struct {
	Events   []v1.StoredEvent `json:"events"`
	Attempts []int            `json:"attempts"`
}

// LogChunk is one byte slice of a run log.
type LogChunk struct {
	Stream   string `json:"stream"`
	ByteFrom int64  `json:"byte_from"`
	ByteTo   int64  `json:"byte_to"`
	Size     int64  `json:"size"`
	// Text is the chunk decoded as UTF-8, invalid sequences replaced.
	Text string `json:"text"`
}

// Service implements the read-only observation surface.
type Service struct {
	store      *store.Store
	workspaces *workspace.Manager
	bus        bus.EventBus
	heartbeat  time.Duration
	logger     *logger.Logger
}

func NewService(st *store.Store, ws *workspace.Manager, eventBus bus.EventBus, cfg *config.Config, log *logger.Logger) *Service {
	heartbeat := cfg.Interaction.Heartbeat()
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	return &Service{
		store:      st,
		workspaces: ws,
		bus:        eventBus,
		heartbeat:  heartbeat,
		logger:     log.WithComponent("observability"),
	}
}

// Snapshot assembles the run's current state, pending-interaction preview
// and interaction counters.
func (s *Service) Snapshot(ctx context.Context, runID string) (*Snapshot, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	pending, err := s.store.GetPending(ctx, runID)
	if err != nil {
		return nil, err
	}
	history, err := s.store.InteractionHistory(ctx, runID)
	if err != nil {
		return nil, err
	}
	autoCount, err := s.store.AutoDecisionCount(ctx, runID)
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		RunID:              run.RunID,
		Status:             run.Status,
		Attempt:            run.Attempt,
		Warnings:           run.Warnings,
		Error:              run.Error,
		RecoveryState:      run.RecoveryState,
		PendingInteraction: pending,
		InteractionCount:   len(history),
		AutoDecisions:      autoCount,
		UpdatedAt:          run.UpdatedAt,
	}, nil
}

// History returns filtered events plus the run's attempt list.
func (s *Service) History(ctx context.Context, runID string, query v1.EventQuery) (*HistoryResult, error) {
	if query.Stream != "" && !v1.ValidStream(query.Stream) {
		return nil, apperrors.ValidationError("stream", fmt.Sprintf("unknown stream %q", query.Stream))
	}
	attempts, err := s.store.ListAttempts(ctx, runID)
	if err != nil {
		return nil, err
	}

	var events []v1.StoredEvent
	if query.Stream != "" {
		events, err = s.store.ListEvents(ctx, runID, query)
		if err != nil {
			return nil, err
		}
	} else {
		for _, stream := range []v1.EventStream{v1.StreamRASP, v1.StreamFCMP, v1.StreamOrchestrator} {
			q := query
			q.Stream = stream
			part, err := s.store.ListEvents(ctx, runID, q)
			if err != nil {
				return nil, err
			}
			events = append(events, part...)
		}
	}
	return &HistoryResult{Events: events, Attempts: attempts}, nil
}

// LogRange reads bytes [from, to) of logs/<stream>.txt. to<=0 means EOF.
// Byte offsets are public and stable; decoding is best-effort UTF-8.
func (s *Service) LogRange(runID, stream string, from, to int64) (*LogChunk, error) {
	if stream != "stdout" && stream != "stderr" {
		return nil, apperrors.ValidationError("stream", "must be stdout or stderr")
	}
	if from < 0 || (to > 0 && to < from) {
		return nil, apperrors.ValidationError("byte_range", "invalid byte range")
	}

	path := filepath.Join(s.workspaces.RunDir(runID), "logs", stream+".txt")
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, apperrors.NotFound("log", stream)
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := info.Size()
	if to <= 0 || to > size {
		to = size
	}
	if from > to {
		from = to
	}

	data := make([]byte, to-from)
	if _, err := f.ReadAt(data, from); err != nil && err != io.EOF {
		return nil, err
	}
	return &LogChunk{
		Stream:   stream,
		ByteFrom: from,
		ByteTo:   to,
		Size:     size,
		Text:     string(data),
	}, nil
}

// Result reads result/result.json, present only after a final outcome.
func (s *Service) Result(runID string) ([]byte, error) {
	raw, err := os.ReadFile(filepath.Join(s.workspaces.RunDir(runID), "result", "result.json"))
	if os.IsNotExist(err) {
		return nil, apperrors.NotFound("result", runID)
	}
	return raw, err
}

// Artifacts lists the files under artifacts/ as slash-relative paths.
func (s *Service) Artifacts(runID string) ([]string, error) {
	root := filepath.Join(s.workspaces.RunDir(runID), "artifacts")
	var files []string
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	if files == nil {
		files = []string{}
	}
	return files, nil
}
