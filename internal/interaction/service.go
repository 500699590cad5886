package interaction

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/skillrunner/skillrunner/internal/adapter"
	apperrors "github.com/skillrunner/skillrunner/internal/common/errors"
	"github.com/skillrunner/skillrunner/internal/common/logger"
	"github.com/skillrunner/skillrunner/internal/store"
	v1 "github.com/skillrunner/skillrunner/pkg/api/v1"
)

// DefaultDecisionPolicy is applied when neither the ask payload nor the
// engine configuration names one.
const DefaultDecisionPolicy = "engine_judgement"

// Reply is what a resumed turn receives after a pending interaction resolves.
type Reply struct {
	InteractionID int
	Response      map[string]interface{}
	// Auto is true when the resolution was a timeout auto-decision rather
	// than a user reply.
	Auto bool
}

// Service is the only writer of pending-interaction state. It persists asks,
// linearizes reply submission through the store and wakes the waiting run.
type Service struct {
	store  *store.Store
	logger *logger.Logger

	mu      sync.Mutex
	waiters map[string]chan Reply
}

func NewService(st *store.Store, log *logger.Logger) *Service {
	return &Service{
		store:   st,
		logger:  log.WithComponent("interaction"),
		waiters: make(map[string]chan Reply),
	}
}

// RegisterAsk normalizes and persists an ask_user turn as the run's pending
// interaction. The adapter already rejected blocks without a positive ID or
// prompt; this guards the service's own callers too.
func (s *Service) RegisterAsk(ctx context.Context, runID string, turn *adapter.TurnInteraction) (*v1.InteractionTurn, error) {
	if turn == nil || turn.InteractionID <= 0 {
		return nil, apperrors.ValidationError("interaction_id", "must be a positive integer")
	}
	if strings.TrimSpace(turn.Prompt) == "" {
		return nil, apperrors.ValidationError("prompt", "must not be empty")
	}

	options := make([]v1.InteractionOption, 0, len(turn.Options))
	for _, opt := range turn.Options {
		if strings.TrimSpace(opt.Label) == "" {
			continue
		}
		options = append(options, opt)
	}

	policy := turn.DefaultDecisionPolicy
	if policy == "" {
		policy = DefaultDecisionPolicy
	}

	pending := v1.InteractionTurn{
		InteractionID:         turn.InteractionID,
		Kind:                  v1.NormalizeInteractionKind(turn.Kind),
		Prompt:                strings.TrimSpace(turn.Prompt),
		Options:               options,
		RequiredFields:        turn.RequiredFields,
		Context:               turn.Context,
		DefaultDecisionPolicy: policy,
		CreatedAt:             time.Now().UTC(),
	}
	if err := s.store.SetPending(ctx, runID, pending); err != nil {
		return nil, err
	}
	s.logger.Info("interaction pending",
		zap.String("run_id", runID),
		zap.Int("interaction_id", pending.InteractionID),
		zap.String("kind", string(pending.Kind)))
	return &pending, nil
}

// Pending returns the run's pending interaction, or nil when none.
func (s *Service) Pending(ctx context.Context, runID string) (*v1.InteractionTurn, error) {
	return s.store.GetPending(ctx, runID)
}

// History returns the run's resolved interactions in order.
func (s *Service) History(ctx context.Context, runID string) ([]v1.InteractionRecord, error) {
	return s.store.InteractionHistory(ctx, runID)
}

// SubmitReply resolves the pending interaction with a user reply. The store
// transaction is the linearization point: at most one reply per interaction
// is persisted, and only while the run is waiting_user with a matching ID.
// On acceptance the waiting run task is woken with the response.
func (s *Service) SubmitReply(ctx context.Context, runID string, interactionID int, response map[string]interface{}) (v1.ReplyOutcome, error) {
	outcome, err := s.store.SubmitInteractionReply(ctx, runID, interactionID, response)
	if err != nil {
		return "", err
	}
	if outcome == v1.ReplyAccepted {
		s.notify(runID, Reply{InteractionID: interactionID, Response: response})
	} else {
		s.logger.Debug("interaction reply rejected",
			zap.String("run_id", runID),
			zap.Int("interaction_id", interactionID),
			zap.String("outcome", string(outcome)))
	}
	return outcome, nil
}

// AutoDecide resolves the pending interaction after a wait timeout with the
// configured decision policy, bumps the run's auto-decision counter and
// reports whether the skill's attempt cap was exceeded. When the cap is hit
// the caller must fail the run with INTERACTIVE_MAX_ATTEMPT_EXCEEDED.
func (s *Service) AutoDecide(ctx context.Context, runID string, maxAttempt int) (exceeded bool, reply Reply, err error) {
	pending, err := s.store.GetPending(ctx, runID)
	if err != nil {
		return false, Reply{}, err
	}
	if pending == nil {
		return false, Reply{}, nil
	}

	policy := pending.DefaultDecisionPolicy
	if policy == "" {
		policy = DefaultDecisionPolicy
	}
	response := map[string]interface{}{
		"decision": "auto",
		"policy":   policy,
	}
	if err := s.store.ResolvePending(ctx, runID, v1.ResolutionAutoDecision, response); err != nil {
		return false, Reply{}, err
	}
	count, err := s.store.IncrementAutoDecisions(ctx, runID)
	if err != nil {
		return false, Reply{}, err
	}
	s.logger.Info("interaction auto-decided",
		zap.String("run_id", runID),
		zap.Int("interaction_id", pending.InteractionID),
		zap.String("policy", policy),
		zap.Int("auto_decisions", count))

	if maxAttempt > 0 && count > maxAttempt {
		return true, Reply{}, nil
	}
	return false, Reply{
		InteractionID: pending.InteractionID,
		Response:      response,
		Auto:          true,
	}, nil
}

// CancelPending resolves the pending interaction as canceled, if any. Used by
// cancel_run so history records how the ask ended.
func (s *Service) CancelPending(ctx context.Context, runID string) error {
	return s.store.ResolvePending(ctx, runID, v1.ResolutionCanceled,
		map[string]interface{}{"canceled": true})
}

// ExpirePending resolves the pending interaction as timed out, if any. The
// hard wait deadline uses it so a failed run does not keep a live ask.
func (s *Service) ExpirePending(ctx context.Context, runID string) error {
	return s.store.ResolvePending(ctx, runID, v1.ResolutionTimeout,
		map[string]interface{}{"timed_out": true})
}

// resolvedReply reports a resolution that landed while no waiter was
// registered: the pending row is gone and the newest history record carries
// the response. Cancel and timeout resolutions are not replies.
func (s *Service) resolvedReply(ctx context.Context, runID string) (Reply, bool, error) {
	pending, err := s.store.GetPending(ctx, runID)
	if err != nil {
		return Reply{}, false, err
	}
	if pending != nil {
		return Reply{}, false, nil
	}
	records, err := s.store.InteractionHistory(ctx, runID)
	if err != nil || len(records) == 0 {
		return Reply{}, false, err
	}
	last := records[len(records)-1]
	switch last.ResolutionMode {
	case v1.ResolutionUserReply:
		return Reply{InteractionID: last.InteractionID, Response: last.Response}, true, nil
	case v1.ResolutionAutoDecision:
		return Reply{InteractionID: last.InteractionID, Response: last.Response, Auto: true}, true, nil
	default:
		return Reply{}, false, nil
	}
}

// WaitForReply blocks until the run's pending interaction is resolved by a
// user reply, the wait timeout elapses, or the context is canceled. The
// second return is false on timeout.
func (s *Service) WaitForReply(ctx context.Context, runID string, timeout time.Duration) (Reply, bool, error) {
	ch := s.register(runID)
	defer s.unregister(runID, ch)

	// A reply accepted before the channel above existed had no waiter to
	// wake. It already cleared the pending row, so recover it from history;
	// anything accepted from here on lands on the channel.
	if reply, ok, err := s.resolvedReply(ctx, runID); err != nil || ok {
		return reply, ok, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply := <-ch:
		return reply, true, nil
	case <-timer.C:
		return Reply{}, false, nil
	case <-ctx.Done():
		return Reply{}, false, ctx.Err()
	}
}

func (s *Service) register(runID string) chan Reply {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan Reply, 1)
	s.waiters[runID] = ch
	return ch
}

func (s *Service) unregister(runID string, ch chan Reply) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.waiters[runID] == ch {
		delete(s.waiters, runID)
	}
}

func (s *Service) notify(runID string, reply Reply) {
	s.mu.Lock()
	ch := s.waiters[runID]
	s.mu.Unlock()
	if ch == nil {
		// Accepted between asks, before the run task registered its waiter.
		// WaitForReply checks history right after registering and finds it.
		s.logger.Debug("reply accepted with no waiter", zap.String("run_id", runID))
		return
	}
	select {
	case ch <- reply:
	default:
	}
}
