// Package cleanup runs the retention sweep: expired runs and requests are
// deleted from the store and from disk, and stale trust-folder entries are
// garbage-collected afterwards.
package cleanup

import (
	"context"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/skillrunner/skillrunner/internal/common/config"
	"github.com/skillrunner/skillrunner/internal/common/logger"
	"github.com/skillrunner/skillrunner/internal/runtime"
	"github.com/skillrunner/skillrunner/internal/store"
	"github.com/skillrunner/skillrunner/internal/trustfolder"
	"github.com/skillrunner/skillrunner/internal/workspace"
)

// Manager schedules and executes retention sweeps.
type Manager struct {
	cfg        *config.Config
	store      *store.Store
	workspaces *workspace.Manager
	trust      *trustfolder.Registry
	profile    *runtime.Profile
	logger     *logger.Logger

	done chan struct{}
}

func New(cfg *config.Config, st *store.Store, ws *workspace.Manager, trust *trustfolder.Registry, profile *runtime.Profile, log *logger.Logger) *Manager {
	return &Manager{
		cfg:        cfg,
		store:      st,
		workspaces: ws,
		trust:      trust,
		profile:    profile,
		logger:     log.WithComponent("cleanup"),
	}
}

// Start launches the periodic sweep. It returns immediately; Stop blocks
// until the loop has exited.
func (m *Manager) Start(ctx context.Context) {
	m.done = make(chan struct{})
	interval := m.cfg.Retention.SweepInterval()

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := m.Sweep(ctx); err != nil {
					m.logger.Error("retention sweep failed", zap.Error(err))
				}
			}
		}
	}()
}

// Stop waits for a started sweep loop to exit.
func (m *Manager) Stop() {
	if m.done != nil {
		<-m.done
	}
}

// Sweep deletes expired terminal runs and their requests, then removes trust
// entries that no longer belong to an active run. With retention disabled
// (days <= 0) only the trust GC runs.
func (m *Manager) Sweep(ctx context.Context) error {
	active, err := m.activeRuns(ctx)
	if err != nil {
		return err
	}

	if m.cfg.Retention.Days > 0 {
		cutoff := time.Now().UTC().Add(-time.Duration(m.cfg.Retention.Days) * 24 * time.Hour)
		runIDs, requestIDs, err := m.store.RunsOlderThan(ctx, cutoff)
		if err != nil {
			return err
		}

		var expiredRuns, expiredRequests []string
		for i, runID := range runIDs {
			// A run can outlive the window while it waits on the user;
			// only terminal runs are reclaimed.
			if active[runID] {
				continue
			}
			expiredRuns = append(expiredRuns, runID)
			expiredRequests = append(expiredRequests, requestIDs[i])
		}

		for i, runID := range expiredRuns {
			if err := m.store.DeleteRequest(ctx, expiredRequests[i]); err != nil {
				m.logger.Warn("failed to delete expired request",
					zap.String("request_id", expiredRequests[i]), zap.Error(err))
				continue
			}
			m.logger.Info("expired run reclaimed",
				zap.String("run_id", runID),
				zap.String("request_id", expiredRequests[i]))
		}
		m.workspaces.PurgeRuns(expiredRuns)
		m.workspaces.PurgeRequests(expiredRequests)
	}

	return m.trust.CleanupStale(m.profile.RunsRoot, func(path string) bool {
		return active[filepath.Base(path)]
	})
}

// ClearAll purges every run and request unconditionally, then clears the
// trust files of anything under the runs root.
func (m *Manager) ClearAll(ctx context.Context) error {
	runIDs, requestIDs, err := m.store.RunsOlderThan(ctx, time.Now().UTC().Add(time.Hour))
	if err != nil {
		return err
	}
	if err := m.store.ClearAll(ctx); err != nil {
		return err
	}
	m.workspaces.PurgeRuns(runIDs)
	m.workspaces.PurgeRequests(requestIDs)

	m.logger.Info("all runs cleared", zap.Int("runs", len(runIDs)))
	return m.trust.CleanupStale(m.profile.RunsRoot, func(string) bool { return false })
}

func (m *Manager) activeRuns(ctx context.Context) (map[string]bool, error) {
	runs, err := m.store.NonTerminalRuns(ctx)
	if err != nil {
		return nil, err
	}
	active := make(map[string]bool, len(runs))
	for _, run := range runs {
		active[run.RunID] = true
	}
	return active, nil
}
