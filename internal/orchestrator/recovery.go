package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/skillrunner/skillrunner/internal/common/errors"
	v1 "github.com/skillrunner/skillrunner/pkg/api/v1"
)

// Recover inspects every non-terminal run left behind by a previous process.
// A waiting_user run whose workspace and pending interaction are intact is
// kept waiting and marked recovered_waiting; anything else is terminated
// with RECOVERY_FAILED rather than silently resumed.
func (o *Orchestrator) Recover(ctx context.Context) error {
	runs, err := o.store.NonTerminalRuns(ctx)
	if err != nil {
		return err
	}
	for _, run := range runs {
		if err := o.recoverRun(ctx, run); err != nil {
			o.logger.Error("recovery failed",
				zap.String("run_id", run.RunID), zap.Error(err))
		}
	}
	if len(runs) > 0 {
		o.logger.Info("recovery pass finished", zap.Int("runs", len(runs)))
	}
	return nil
}

func (o *Orchestrator) recoverRun(ctx context.Context, run *v1.Run) error {
	resumable := false
	if run.Status == v1.RunStatusWaitingUser && o.workspaces.RunDirExists(run.RunID) {
		pending, err := o.store.GetPending(ctx, run.RunID)
		if err != nil {
			return err
		}
		resumable = pending != nil
	}

	if resumable {
		if err := o.store.SetRecoveryState(ctx, run.RunID, v1.RecoveryRecoveredWaiting); err != nil {
			return err
		}
		o.writeRecoveryStatus(run.RunID, run.Status, v1.RecoveryRecoveredWaiting,
			"pending interaction intact across restart", nil)
		// A reply will arrive with no goroutine parked on the reply channel;
		// restart the task so it waits again.
		o.resumeWaiting(run.RunID)
		o.logger.Info("run recovered waiting", zap.String("run_id", run.RunID))
		return nil
	}

	runErr := &v1.RunError{
		Code:    apperrors.CodeRecoveryFailed,
		Message: "process restarted while the run was active",
	}
	if _, err := o.store.UpdateRunStatus(ctx, run.RunID, v1.RunStatusFailed, runErr); err != nil {
		return err
	}
	if err := o.store.SetRecoveryState(ctx, run.RunID, v1.RecoveryRecoveredTerminal); err != nil {
		return err
	}

	attempt := run.Attempt
	if attempt == 0 {
		attempt = 1
	}
	if err := o.emitter.Failed(ctx, run.RunID, attempt,
		apperrors.CodeRecoveryFailed, runErr.Message); err != nil {
		o.logger.Warn("emit recovery failure", zap.String("run_id", run.RunID), zap.Error(err))
	}
	if err := o.emitter.RunTerminal(ctx, run.RunID, attempt,
		v1.RunStatusFailed, runErr); err != nil {
		o.logger.Warn("emit recovery terminal", zap.String("run_id", run.RunID), zap.Error(err))
	}
	o.writeRecoveryStatus(run.RunID, v1.RunStatusFailed, v1.RecoveryRecoveredTerminal,
		"workspace or pending interaction not recoverable", runErr)
	o.logger.Warn("run recovered terminal", zap.String("run_id", run.RunID))
	return nil
}

// resumeWaiting spawns a task that re-enters the wait loop for a recovered
// waiting_user run, so a later reply or timeout is handled normally.
func (o *Orchestrator) resumeWaiting(runID string) {
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
		o.waitRecovered(ctx, runID)
	}()
}

func (o *Orchestrator) waitRecovered(ctx context.Context, runID string) {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		o.logger.Error("load recovered run", zap.String("run_id", runID), zap.Error(err))
		return
	}
	req, err := o.store.GetRequest(ctx, run.RequestID)
	if err != nil {
		o.fail(ctx, run, run.Attempt, apperrors.CodeRecoveryFailed, "request record missing")
		return
	}
	sk, err := o.loadSkill(run, req)
	if err != nil {
		o.fail(ctx, run, run.Attempt, apperrors.CodeRecoveryFailed, err.Error())
		return
	}

	attempt := run.Attempt
	if attempt == 0 {
		attempt = 1
	}
	waitDeadline := time.Now().Add(o.hardWaitTimeout(req))
	reply := o.waitForResolution(ctx, run, req, sk, attempt, waitDeadline)
	if reply == nil {
		return
	}

	if err := o.slots.ReacquireSlot(ctx); err != nil {
		o.logger.Warn("slot re-acquire aborted", zap.String("run_id", runID), zap.Error(err))
		return
	}
	holding := true
	defer func() {
		if holding {
			o.slots.ReleaseSlot()
		}
	}()

	if err := o.emitter.ReplyAccepted(ctx, runID, attempt,
		reply.InteractionID, reply.Response, reply.Auto); err != nil {
		o.logger.Warn("emit reply accepted", zap.String("run_id", runID), zap.Error(err))
	}
	if !o.transition(ctx, run, attempt, v1.RunStatusRunning, "reply", nil) {
		return
	}

	holding = o.turnLoop(ctx, run, req, sk, attempt,
		o.workspaces.RunDir(runID), reply)
}

func (o *Orchestrator) writeRecoveryStatus(runID string, status v1.RunStatus, state v1.RecoveryState, reason string, runErr *v1.RunError) {
	now := time.Now().UTC()
	sf := v1.StatusFile{
		Status:         status,
		UpdatedAt:      now,
		Warnings:       []string{},
		Error:          runErr,
		RecoveryState:  state,
		RecoveredAt:    &now,
		RecoveryReason: reason,
	}
	if run, err := o.store.GetRun(context.Background(), runID); err == nil {
		sf.Warnings = run.Warnings
	}
	if err := o.workspaces.WriteStatus(runID, sf); err != nil {
		o.logger.Warn("write recovery status", zap.String("run_id", runID), zap.Error(err))
	}
}
