// Package models resolves the set of models an engine may run with. Pinned
// snapshot files under the data dir win; otherwise a `models list` style CLI
// probe fills a short-lived cache, with built-in defaults as the last resort.
package models

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/skillrunner/skillrunner/internal/climanager"
	apperrors "github.com/skillrunner/skillrunner/internal/common/errors"
	"github.com/skillrunner/skillrunner/internal/common/logger"
	"github.com/skillrunner/skillrunner/internal/runtime"
	v1 "github.com/skillrunner/skillrunner/pkg/api/v1"
)

const (
	probeCacheTTL = 10 * time.Minute
	probeTimeout  = 10 * time.Second
)

// probeArgs is the per-engine model-listing invocation.
var probeArgs = map[v1.Engine][]string{
	v1.EngineCodex:    {"models", "list"},
	v1.EngineGemini:   {"models", "list"},
	v1.EngineIflow:    {"models", "list"},
	v1.EngineOpencode: {"models"},
}

// builtinModels backs engines whose CLI cannot be probed.
var builtinModels = map[v1.Engine][]string{
	v1.EngineCodex:    {"gpt-5", "gpt-5-codex", "o4-mini"},
	v1.EngineGemini:   {"gemini-2.5-pro", "gemini-2.5-flash"},
	v1.EngineIflow:    {"qwen3-coder", "deepseek-v3"},
	v1.EngineOpencode: nil, // opencode takes provider/model pairs; anything goes
}

// Snapshot is the resolved model set for one engine.
type Snapshot struct {
	Engine   v1.Engine `json:"engine"`
	Models   []string  `json:"models"`
	Source   string    `json:"source"` // pinned | probe | builtin
	PinnedAt time.Time `json:"pinned_at,omitempty"`
}

type cacheEntry struct {
	snapshot  Snapshot
	expiresAt time.Time
}

// Registry resolves and pins per-engine model sets.
type Registry struct {
	profile *runtime.Profile
	clis    *climanager.Manager
	logger  *logger.Logger

	mu    sync.Mutex
	cache map[v1.Engine]cacheEntry
}

func NewRegistry(profile *runtime.Profile, clis *climanager.Manager, log *logger.Logger) *Registry {
	return &Registry{
		profile: profile,
		clis:    clis,
		logger:  log.WithComponent("models"),
		cache:   make(map[v1.Engine]cacheEntry),
	}
}

// Resolve returns the engine's allowed models: pinned snapshot first, then a
// cached probe, then the built-in defaults.
func (r *Registry) Resolve(ctx context.Context, engine v1.Engine) (Snapshot, error) {
	if snap, ok, err := r.readPinned(engine); err != nil {
		return Snapshot{}, err
	} else if ok {
		return snap, nil
	}

	r.mu.Lock()
	entry, cached := r.cache[engine]
	r.mu.Unlock()
	if cached && time.Now().Before(entry.expiresAt) {
		return entry.snapshot, nil
	}

	snap := r.probe(ctx, engine)
	r.mu.Lock()
	r.cache[engine] = cacheEntry{snapshot: snap, expiresAt: time.Now().Add(probeCacheTTL)}
	r.mu.Unlock()
	return snap, nil
}

// Validate checks a user-requested model against the engine's resolved set.
// An empty model always passes (the engine picks its default), as does any
// model when the resolved set is open-ended.
func (r *Registry) Validate(ctx context.Context, engine v1.Engine, model string) error {
	if model == "" {
		return nil
	}
	snap, err := r.Resolve(ctx, engine)
	if err != nil {
		return err
	}
	if len(snap.Models) == 0 {
		return nil
	}
	for _, m := range snap.Models {
		if m == model {
			return nil
		}
	}
	return apperrors.ValidationError("model", fmt.Sprintf(
		"model %q is not available for engine %s", model, engine))
}

// Pin writes a snapshot file so Resolve stops probing for this engine.
func (r *Registry) Pin(engine v1.Engine, models []string) error {
	if len(models) == 0 {
		return apperrors.ValidationError("models", "pinned model list must not be empty")
	}
	snap := Snapshot{
		Engine:   engine,
		Models:   models,
		Source:   "pinned",
		PinnedAt: time.Now().UTC(),
	}
	path := r.snapshotPath(engine)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Unpin removes the snapshot file; Resolve falls back to probing.
func (r *Registry) Unpin(engine v1.Engine) error {
	err := os.Remove(r.snapshotPath(engine))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// Invalidate drops the probe cache for one engine.
func (r *Registry) Invalidate(engine v1.Engine) {
	r.mu.Lock()
	delete(r.cache, engine)
	r.mu.Unlock()
}

// ResolveAll resolves every engine, for the management surface.
func (r *Registry) ResolveAll(ctx context.Context) []Snapshot {
	snaps := make([]Snapshot, 0, len(v1.Engines()))
	for _, engine := range v1.Engines() {
		snap, err := r.Resolve(ctx, engine)
		if err != nil {
			r.logger.Warn("model resolution failed",
				zap.String("engine", string(engine)), zap.Error(err))
			continue
		}
		snaps = append(snaps, snap)
	}
	return snaps
}

func (r *Registry) snapshotPath(engine v1.Engine) string {
	return filepath.Join(r.profile.DataRoot, "models", string(engine)+".json")
}

func (r *Registry) readPinned(engine v1.Engine) (Snapshot, bool, error) {
	raw, err := os.ReadFile(r.snapshotPath(engine))
	if os.IsNotExist(err) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, err
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return Snapshot{}, false, fmt.Errorf("parse pinned models for %s: %w", engine, err)
	}
	snap.Engine = engine
	snap.Source = "pinned"
	return snap, true, nil
}

func (r *Registry) probe(ctx context.Context, engine v1.Engine) Snapshot {
	builtin := Snapshot{Engine: engine, Models: builtinModels[engine], Source: "builtin"}

	bin := r.clis.ResolveEngineCommand(engine)
	args, ok := probeArgs[engine]
	if bin == "" || !ok {
		return builtin
	}

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	out, err := exec.CommandContext(probeCtx, bin, args...).Output()
	if err != nil {
		r.logger.Debug("model probe failed, using builtin list",
			zap.String("engine", string(engine)), zap.Error(err))
		return builtin
	}

	models := parseModelList(string(out))
	if len(models) == 0 {
		return builtin
	}
	return Snapshot{Engine: engine, Models: models, Source: "probe"}
}

// parseModelList takes the first token of every non-empty, non-comment line.
func parseModelList(out string) []string {
	var models []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		models = append(models, strings.Fields(line)[0])
	}
	return models
}
