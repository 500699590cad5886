// Package trustfolder keeps each engine's on-disk "trusted directories" file
// in sync with live run workspaces. Every mutation runs under a two-level
// lock: an in-process mutex per target file plus an OS advisory file lock,
// so concurrent runs and a second runner process cannot corrupt the file.
package trustfolder

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/skillrunner/skillrunner/internal/common/logger"
	"github.com/skillrunner/skillrunner/internal/runtime"
	v1 "github.com/skillrunner/skillrunner/pkg/api/v1"
)

// Strategy mutates one engine's trust file.
type Strategy interface {
	// File returns the target trust file path.
	File() string
	// Register adds path as trusted. Idempotent.
	Register(path string) error
	// Remove drops path. Removing a missing entry is a no-op.
	Remove(path string) error
	// Entries lists the currently trusted paths.
	Entries() ([]string, error)
}

// Registry dispatches trust-file mutations per engine.
type Registry struct {
	strategies map[v1.Engine]Strategy
	logger     *logger.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewRegistry builds the per-engine strategies over the runtime's agent home.
// iflow and opencode have no trust-file concept and get the no-op strategy.
func NewRegistry(rt *runtime.Profile, log *logger.Logger) *Registry {
	return &Registry{
		strategies: map[v1.Engine]Strategy{
			v1.EngineCodex: &codexStrategy{
				file: filepath.Join(rt.AgentHome, ".codex", "config.toml"),
			},
			v1.EngineGemini: &geminiStrategy{
				file: filepath.Join(rt.AgentHome, ".gemini", "trustedFolders.json"),
			},
			v1.EngineIflow:    noopStrategy{},
			v1.EngineOpencode: noopStrategy{},
		},
		logger: log.WithComponent("trustfolder"),
		locks:  make(map[string]*sync.Mutex),
	}
}

// Register marks the run workspace as trusted for the engine.
func (r *Registry) Register(engine v1.Engine, workspace string) error {
	strategy := r.strategy(engine)
	abs, err := filepath.Abs(workspace)
	if err != nil {
		return err
	}
	return r.withLock(strategy.File(), func() error {
		if err := strategy.Register(abs); err != nil {
			return fmt.Errorf("register trust for %s: %w", abs, err)
		}
		r.logger.Debug("workspace trusted",
			zap.String("engine", string(engine)), zap.String("path", abs))
		return nil
	})
}

// Remove drops the workspace from the engine's trust file.
func (r *Registry) Remove(engine v1.Engine, workspace string) error {
	strategy := r.strategy(engine)
	abs, err := filepath.Abs(workspace)
	if err != nil {
		return err
	}
	return r.withLock(strategy.File(), func() error {
		return strategy.Remove(abs)
	})
}

// CleanupStale removes trusted entries under runsRoot whose run is no longer
// active. Entries outside runsRoot are left alone: the user may have trusted
// them by hand.
func (r *Registry) CleanupStale(runsRoot string, isActive func(path string) bool) error {
	prefix := runsRoot + string(os.PathSeparator)
	for engine, strategy := range r.strategies {
		err := r.withLock(strategy.File(), func() error {
			entries, err := strategy.Entries()
			if err != nil {
				return err
			}
			for _, entry := range entries {
				if !strings.HasPrefix(entry, prefix) {
					continue
				}
				if isActive(entry) {
					continue
				}
				if err := strategy.Remove(entry); err != nil {
					return err
				}
				r.logger.Info("stale trust entry removed",
					zap.String("engine", string(engine)), zap.String("path", entry))
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("cleanup trust entries for %s: %w", engine, err)
		}
	}
	return nil
}

func (r *Registry) strategy(engine v1.Engine) Strategy {
	if s, ok := r.strategies[engine]; ok {
		return s
	}
	return noopStrategy{}
}

// withLock serializes access to one trust file across goroutines and across
// processes. The no-op strategy has no file and skips locking entirely.
func (r *Registry) withLock(file string, fn func() error) error {
	if file == "" {
		return fn()
	}

	r.mu.Lock()
	pathMu, ok := r.locks[file]
	if !ok {
		pathMu = &sync.Mutex{}
		r.locks[file] = pathMu
	}
	r.mu.Unlock()

	pathMu.Lock()
	defer pathMu.Unlock()

	if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
		return err
	}
	fileLock := flock.New(file + ".lock")
	if err := fileLock.Lock(); err != nil {
		return fmt.Errorf("lock %s: %w", file, err)
	}
	defer fileLock.Unlock()

	return fn()
}

// writeAtomic writes content via a temp file and rename so readers never see
// a half-written trust file.
func writeAtomic(path string, content []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
