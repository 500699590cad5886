// Package orchestrator drives each run through its state machine: admission,
// the turn loop against the engine adapter, interaction waits, cancellation
// and startup recovery. One goroutine owns one run; every status mutation
// goes through the store and is mirrored to status.json and the event
// streams.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/skillrunner/skillrunner/internal/adapter"
	"github.com/skillrunner/skillrunner/internal/common/config"
	apperrors "github.com/skillrunner/skillrunner/internal/common/errors"
	"github.com/skillrunner/skillrunner/internal/common/logger"
	"github.com/skillrunner/skillrunner/internal/common/tracing"
	"github.com/skillrunner/skillrunner/internal/concurrency"
	"github.com/skillrunner/skillrunner/internal/interaction"
	"github.com/skillrunner/skillrunner/internal/protocol"
	"github.com/skillrunner/skillrunner/internal/skill"
	"github.com/skillrunner/skillrunner/internal/store"
	"github.com/skillrunner/skillrunner/internal/trustfolder"
	"github.com/skillrunner/skillrunner/internal/workspace"
	v1 "github.com/skillrunner/skillrunner/pkg/api/v1"
)

// CancelResult is returned by CancelRun.
type CancelResult struct {
	Status   v1.RunStatus `json:"status"`
	Accepted bool         `json:"accepted"`
}

// Orchestrator owns the run lifecycle.
type Orchestrator struct {
	cfg          *config.Config
	store        *store.Store
	workspaces   *workspace.Manager
	slots        *concurrency.Manager
	adapters     *adapter.Registry
	interactions *interaction.Service
	emitter      *protocol.Emitter
	trust        *trustfolder.Registry
	skills       *skill.Registry
	logger       *logger.Logger
	tracer       trace.Tracer

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

func New(
	cfg *config.Config,
	st *store.Store,
	ws *workspace.Manager,
	slots *concurrency.Manager,
	adapters *adapter.Registry,
	interactions *interaction.Service,
	emitter *protocol.Emitter,
	trust *trustfolder.Registry,
	skills *skill.Registry,
	log *logger.Logger,
) *Orchestrator {
	return &Orchestrator{
		cfg:          cfg,
		store:        st,
		workspaces:   ws,
		slots:        slots,
		adapters:     adapters,
		interactions: interactions,
		emitter:      emitter,
		trust:        trust,
		skills:       skills,
		logger:       log.WithComponent("orchestrator"),
		tracer:       tracing.Tracer("orchestrator"),
		cancels:      make(map[string]context.CancelFunc),
	}
}

// Submit admits the run and starts its goroutine. A full queue is reported
// as a queue-full error without touching run state.
func (o *Orchestrator) Submit(runID string) error {
	if err := o.Reserve(); err != nil {
		return err
	}
	o.StartReserved(runID)
	return nil
}

// Reserve takes a queue position before any run state exists, so callers can
// reject a full queue without allocating a run. Every reservation must be
// followed by StartReserved or ReleaseReservation.
func (o *Orchestrator) Reserve() error {
	if !o.slots.AdmitOrReject() {
		return apperrors.QueueFull()
	}
	return nil
}

// ReleaseReservation gives back a queue position whose run never started.
func (o *Orchestrator) ReleaseReservation() {
	o.slots.Abandon()
}

// StartReserved starts the goroutine for a run that already holds a queue
// position from Reserve.
func (o *Orchestrator) StartReserved(runID string) {
	ctx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	o.cancels[runID] = cancel
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer func() {
			o.mu.Lock()
			delete(o.cancels, runID)
			o.mu.Unlock()
		}()
		o.runTask(ctx, runID)
	}()
}

// Shutdown waits for all run goroutines to finish.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	for _, cancel := range o.cancels {
		cancel()
	}
	o.mu.Unlock()
	o.wg.Wait()
}

// HasActive reports whether the run has a live task.
func (o *Orchestrator) HasActive(runID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.cancels[runID]
	return ok
}

func (o *Orchestrator) runTask(ctx context.Context, runID string) {
	if err := o.slots.AcquireSlot(ctx); err != nil {
		o.logger.Warn("slot wait aborted", zap.String("run_id", runID), zap.Error(err))
		return
	}
	holding := true
	defer func() {
		if holding {
			o.slots.ReleaseSlot()
		}
	}()

	ctx, span := o.tracer.Start(ctx, "run",
		trace.WithAttributes(attribute.String("run.id", runID)))
	defer span.End()

	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		o.logger.Error("load run", zap.String("run_id", runID), zap.Error(err))
		return
	}
	req, err := o.store.GetRequest(ctx, run.RequestID)
	if err != nil {
		o.fail(ctx, run, run.Attempt, apperrors.ErrCodeInternalError, "request record missing")
		return
	}
	sk, err := o.loadSkill(run, req)
	if err != nil {
		o.fail(ctx, run, run.Attempt, apperrors.ErrCodeNotFound, err.Error())
		return
	}

	attempt, err := o.store.BeginAttempt(ctx, runID)
	if err != nil {
		o.logger.Error("begin attempt", zap.String("run_id", runID), zap.Error(err))
		return
	}

	if err := o.emitter.RunStarted(ctx, runID, attempt, run.SkillID, run.Engine); err != nil {
		o.logger.Warn("emit run started", zap.String("run_id", runID), zap.Error(err))
	}
	if !o.transition(ctx, run, attempt, v1.RunStatusRunning, "admit", nil) {
		return
	}

	runDir := o.workspaces.RunDir(runID)
	if err := o.trust.Register(run.Engine, runDir); err != nil {
		// The engine may still work if the directory was trusted before.
		o.warn(ctx, run, attempt, "trust-folder registration failed: "+err.Error())
	}
	defer func() {
		if err := o.trust.Remove(run.Engine, runDir); err != nil {
			o.logger.Warn("trust-folder removal failed",
				zap.String("run_id", runID), zap.Error(err))
		}
	}()

	holding = o.turnLoop(ctx, run, req, sk, attempt, runDir, nil)
}

// turnLoop runs turns until the run reaches a terminal state, starting with
// an optional reply to resume from. It returns whether the goroutine still
// holds its concurrency slot: ask_user waits release the slot and re-acquire
// it when the run resumes.
func (o *Orchestrator) turnLoop(ctx context.Context, run *v1.Run, req *v1.Request, sk *skill.Skill, attempt int, runDir string, reply *interaction.Reply) bool {
	eng, err := o.adapters.Get(run.Engine)
	if err != nil {
		o.fail(ctx, run, attempt, apperrors.ErrCodeUnprocessable, err.Error())
		return true
	}

	turn := 0
	for {
		turn++
		ectx := &adapter.ExecutionContext{
			RunID:     run.RunID,
			Attempt:   attempt,
			Turn:      turn,
			Skill:     sk,
			RunDir:    runDir,
			Input:     req.Input,
			Parameter: req.Parameter,
			Model:     req.Model,
			Options:   req.RuntimeOptions,
		}
		if reply != nil {
			handle, err := o.store.GetSessionHandle(ctx, run.RunID)
			if err != nil || handle.Empty() {
				o.fail(ctx, run, attempt, apperrors.CodeSessionResumeFailed,
					"no session handle to resume from")
				return true
			}
			ectx.Resume = handle
			ectx.Reply = reply.Response
		}

		out, err := o.executeTurn(ctx, eng, ectx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				// cancel_run already wrote the terminal state.
				return true
			}
			code := apperrors.CodeAdapterTurnError
			var appErr *apperrors.AppError
			if errors.As(err, &appErr) {
				code = appErr.Code
			}
			o.fail(ctx, run, attempt, code, err.Error())
			return true
		}

		if !out.Session.Empty() {
			if err := o.store.SaveSessionHandle(ctx, run.RunID, out.Session); err != nil {
				o.warn(ctx, run, attempt, "session handle not persisted: "+err.Error())
			}
		}

		askPrompt := ""
		if out.Result.Outcome == adapter.OutcomeAskUser && out.Result.Interaction != nil {
			askPrompt = out.Result.Interaction.Prompt
		}
		if err := o.emitter.EmitTurn(ctx, run.RunID, attempt, turn, out.Parse, askPrompt); err != nil {
			o.logger.Warn("emit turn events", zap.String("run_id", run.RunID), zap.Error(err))
		}

		switch out.Result.Outcome {
		case adapter.OutcomeFinal:
			o.succeed(ctx, run, attempt, out.Result.FinalData)
			return true

		case adapter.OutcomeError:
			o.fail(ctx, run, attempt, out.Result.FailureReason, out.Result.Stderr)
			return true

		case adapter.OutcomeAskUser:
			next, holding, ok := o.awaitReply(ctx, run, req, sk, attempt, out.Result.Interaction)
			if !ok {
				return holding
			}
			reply = next

		default:
			o.fail(ctx, run, attempt, apperrors.CodeAdapterTurnError,
				fmt.Sprintf("unknown turn outcome %q", out.Result.Outcome))
			return true
		}
	}
}

func (o *Orchestrator) executeTurn(ctx context.Context, eng *adapter.Adapter, ectx *adapter.ExecutionContext) (*adapter.TurnOutput, error) {
	ctx, span := o.tracer.Start(ctx, "turn", trace.WithAttributes(
		attribute.String("run.id", ectx.RunID),
		attribute.Int("turn", ectx.Turn),
		attribute.String("engine", string(eng.Engine())),
	))
	defer span.End()
	return eng.ExecuteTurn(ctx, ectx)
}

// awaitReply registers the pending interaction, parks the run in
// waiting_user and blocks for a user reply or timeout. Returns the reply to
// resume with, whether the slot is still held, and whether the loop should
// continue.
func (o *Orchestrator) awaitReply(ctx context.Context, run *v1.Run, req *v1.Request, sk *skill.Skill, attempt int, turnInteraction *adapter.TurnInteraction) (*interaction.Reply, bool, bool) {
	pending, err := o.interactions.RegisterAsk(ctx, run.RunID, turnInteraction)
	if err != nil {
		o.fail(ctx, run, attempt, apperrors.CodeAdapterTurnError,
			"invalid ask_user payload: "+err.Error())
		return nil, true, false
	}
	if !o.transition(ctx, run, attempt, v1.RunStatusWaitingUser, "turn.needs_input", nil) {
		return nil, true, false
	}
	if err := o.emitter.InputRequired(ctx, run.RunID, attempt, pending); err != nil {
		o.logger.Warn("emit input required", zap.String("run_id", run.RunID), zap.Error(err))
	}

	// The slot is freed for the whole wait so other runs can progress. The
	// hard deadline caps this waiting_user episode.
	o.slots.ReleaseSlot()
	waitDeadline := time.Now().Add(o.hardWaitTimeout(req))

	reply := o.waitForResolution(ctx, run, req, sk, attempt, waitDeadline)
	if reply == nil {
		return nil, false, false
	}

	if err := o.slots.ReacquireSlot(ctx); err != nil {
		o.logger.Warn("slot re-acquire aborted",
			zap.String("run_id", run.RunID), zap.Error(err))
		return nil, false, false
	}

	if err := o.emitter.ReplyAccepted(ctx, run.RunID, attempt,
		reply.InteractionID, reply.Response, reply.Auto); err != nil {
		o.logger.Warn("emit reply accepted", zap.String("run_id", run.RunID), zap.Error(err))
	}
	if !o.transition(ctx, run, attempt, v1.RunStatusRunning, "reply", nil) {
		o.slots.ReleaseSlot()
		return nil, false, false
	}
	return reply, true, true
}

// waitForResolution blocks until a user reply arrives or the wait times out.
// A soft timeout triggers an auto-decision (unless the request requires a
// user reply); the hard deadline fails the run. A nil reply means the run is
// already terminal.
func (o *Orchestrator) waitForResolution(ctx context.Context, run *v1.Run, req *v1.Request, sk *skill.Skill, attempt int, waitDeadline time.Time) *interaction.Reply {
	for {
		remaining := time.Until(waitDeadline)
		if remaining <= 0 {
			// Resolve the ask before failing so the run does not keep
			// reporting a live pending interaction.
			if err := o.interactions.ExpirePending(ctx, run.RunID); err != nil {
				o.logger.Warn("clear pending on hard timeout",
					zap.String("run_id", run.RunID), zap.Error(err))
			}
			o.fail(ctx, run, attempt, apperrors.CodeTimeout,
				"interaction wait exceeded the hard timeout")
			return nil
		}
		softWait := o.softWaitTimeout(req)
		if softWait > remaining {
			softWait = remaining
		}

		reply, ok, err := o.interactions.WaitForReply(ctx, run.RunID, softWait)
		if err != nil {
			// Context canceled: cancel_run owns the terminal state.
			return nil
		}
		if ok {
			return &reply
		}

		if req.RuntimeOptions.InteractiveRequireUserReply {
			// No auto-decisions allowed; keep waiting until the hard cap.
			continue
		}

		exceeded, auto, err := o.interactions.AutoDecide(ctx, run.RunID, sk.Manifest.EffectiveMaxAttempt())
		if err != nil {
			o.fail(ctx, run, attempt, apperrors.ErrCodeInternalError,
				"auto-decision failed: "+err.Error())
			return nil
		}
		if exceeded {
			o.fail(ctx, run, attempt, apperrors.CodeInteractiveMaxAttemptExceeded,
				"interactive auto-decision cap exceeded")
			return nil
		}
		if auto.InteractionID == 0 {
			// Pending vanished (reply raced the timeout); retry the wait.
			continue
		}
		return &auto
	}
}

// CancelRun terminates the run from any state. Idempotent: cancelling a
// terminal run reports its current status with accepted=false.
func (o *Orchestrator) CancelRun(ctx context.Context, runID string) (*CancelResult, error) {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.IsTerminal() {
		return &CancelResult{Status: run.Status, Accepted: false}, nil
	}

	wasWaiting := run.Status == v1.RunStatusWaitingUser
	runErr := &v1.RunError{Code: apperrors.CodeCanceledByUser, Message: "canceled by user"}
	stored, err := o.store.UpdateRunStatus(ctx, runID, v1.RunStatusCanceled, runErr)
	if err != nil {
		return nil, err
	}
	if stored != v1.RunStatusCanceled {
		// Lost the race against a terminal transition.
		return &CancelResult{Status: stored, Accepted: false}, nil
	}

	// Stop the task and its process tree.
	o.mu.Lock()
	cancel := o.cancels[runID]
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if eng, aerr := o.adapters.Get(run.Engine); aerr == nil {
		if terr := eng.TerminateRun(runID); terr != nil {
			o.logger.Warn("terminate on cancel",
				zap.String("run_id", runID), zap.Error(terr))
		}
	}
	if wasWaiting {
		if err := o.interactions.CancelPending(ctx, runID); err != nil {
			o.logger.Warn("clear pending on cancel",
				zap.String("run_id", runID), zap.Error(err))
		}
	}

	attempt := run.Attempt
	if attempt == 0 {
		attempt = 1
	}
	if err := o.emitter.StateChanged(ctx, runID, attempt,
		run.Status, v1.RunStatusCanceled, "cancel"); err != nil {
		o.logger.Warn("emit cancel state change", zap.String("run_id", runID), zap.Error(err))
	}
	if err := o.emitter.Failed(ctx, runID, attempt, apperrors.CodeCanceled, ""); err != nil {
		o.logger.Warn("emit cancel failure", zap.String("run_id", runID), zap.Error(err))
	}
	if err := o.emitter.RunTerminal(ctx, runID, attempt, v1.RunStatusCanceled, runErr); err != nil {
		o.logger.Warn("emit cancel terminal", zap.String("run_id", runID), zap.Error(err))
	}
	o.writeStatusFile(runID, v1.RunStatusCanceled, runErr)

	return &CancelResult{Status: v1.RunStatusCanceled, Accepted: true}, nil
}

func (o *Orchestrator) loadSkill(run *v1.Run, req *v1.Request) (*skill.Skill, error) {
	if run.RunSource == v1.RunSourceTemp {
		// One-shot packages were extracted into the run's uploads directory.
		return skill.Load(filepath.Join(o.workspaces.RunDir(run.RunID), "uploads"))
	}
	return o.skills.Get(req.SkillID)
}

// transition moves the run to status, mirrors status.json and emits the FCMP
// state change. Returns false when the run was already terminal.
func (o *Orchestrator) transition(ctx context.Context, run *v1.Run, attempt int, to v1.RunStatus, trigger string, runErr *v1.RunError) bool {
	stored, err := o.store.UpdateRunStatus(ctx, run.RunID, to, runErr)
	if err != nil {
		o.logger.Error("update status",
			zap.String("run_id", run.RunID), zap.String("to", string(to)), zap.Error(err))
		return false
	}
	if stored != to {
		o.logger.Info("transition skipped, run already terminal",
			zap.String("run_id", run.RunID), zap.String("status", string(stored)))
		return false
	}

	from := run.Status
	run.Status = to
	if err := o.emitter.StateChanged(ctx, run.RunID, attempt, from, to, trigger); err != nil {
		o.logger.Warn("emit state change", zap.String("run_id", run.RunID), zap.Error(err))
	}
	if err := o.emitter.RunStatus(ctx, run.RunID, attempt, to); err != nil {
		o.logger.Warn("emit run status", zap.String("run_id", run.RunID), zap.Error(err))
	}
	o.writeStatusFile(run.RunID, to, runErr)
	return true
}

func (o *Orchestrator) succeed(ctx context.Context, run *v1.Run, attempt int, result map[string]interface{}) {
	if !o.transition(ctx, run, attempt, v1.RunStatusSucceeded, "turn.final", nil) {
		return
	}
	if err := o.emitter.Completed(ctx, run.RunID, attempt, result); err != nil {
		o.logger.Warn("emit completed", zap.String("run_id", run.RunID), zap.Error(err))
	}
	if err := o.emitter.RunTerminal(ctx, run.RunID, attempt, v1.RunStatusSucceeded, nil); err != nil {
		o.logger.Warn("emit terminal", zap.String("run_id", run.RunID), zap.Error(err))
	}
	o.logger.Info("run succeeded", zap.String("run_id", run.RunID), zap.Int("attempt", attempt))
}

func (o *Orchestrator) fail(ctx context.Context, run *v1.Run, attempt int, code, message string) {
	if code == "" {
		code = apperrors.CodeAdapterTurnError
	}
	if attempt == 0 {
		attempt = 1
	}
	runErr := &v1.RunError{Code: code, Message: message}
	if !o.transition(ctx, run, attempt, v1.RunStatusFailed, "turn.error", runErr) {
		return
	}
	if err := o.emitter.Failed(ctx, run.RunID, attempt, code, message); err != nil {
		o.logger.Warn("emit failed", zap.String("run_id", run.RunID), zap.Error(err))
	}
	if err := o.emitter.RunTerminal(ctx, run.RunID, attempt, v1.RunStatusFailed, runErr); err != nil {
		o.logger.Warn("emit terminal", zap.String("run_id", run.RunID), zap.Error(err))
	}
	o.logger.Info("run failed",
		zap.String("run_id", run.RunID), zap.String("code", code))
}

func (o *Orchestrator) warn(ctx context.Context, run *v1.Run, attempt int, message string) {
	if err := o.store.AddWarning(ctx, run.RunID, message); err != nil {
		o.logger.Warn("persist warning", zap.String("run_id", run.RunID), zap.Error(err))
	}
	if err := o.emitter.Warning(ctx, run.RunID, attempt,
		apperrors.ErrCodeInternalError, message, ""); err != nil {
		o.logger.Warn("emit warning", zap.String("run_id", run.RunID), zap.Error(err))
	}
}

func (o *Orchestrator) writeStatusFile(runID string, status v1.RunStatus, runErr *v1.RunError) {
	sf := v1.StatusFile{
		Status:    status,
		UpdatedAt: time.Now().UTC(),
		Warnings:  []string{},
		Error:     runErr,
	}
	if run, err := o.store.GetRun(context.Background(), runID); err == nil {
		sf.Warnings = run.Warnings
		sf.RecoveryState = run.RecoveryState
	}
	if err := o.workspaces.WriteStatus(runID, sf); err != nil {
		o.logger.Warn("write status.json", zap.String("run_id", runID), zap.Error(err))
	}
}

func (o *Orchestrator) softWaitTimeout(req *v1.Request) time.Duration {
	if req.RuntimeOptions.InteractiveWaitTimeoutSec > 0 {
		return time.Duration(req.RuntimeOptions.InteractiveWaitTimeoutSec) * time.Second
	}
	return o.cfg.Interaction.WaitTimeout()
}

func (o *Orchestrator) hardWaitTimeout(req *v1.Request) time.Duration {
	if req.RuntimeOptions.HardWaitTimeoutSec > 0 {
		return time.Duration(req.RuntimeOptions.HardWaitTimeoutSec) * time.Second
	}
	return o.cfg.Interaction.HardWaitTimeout()
}
