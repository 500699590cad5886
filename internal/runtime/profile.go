// Package runtime resolves the host paths and base subprocess environment
// every other component works against. A Profile is computed once at startup;
// nothing else derives paths on its own.
package runtime

import (
	"fmt"
	"os"
	"path/filepath"

	v1 "github.com/skillrunner/skillrunner/pkg/api/v1"
)

// Profile holds the resolved host layout.
type Profile struct {
	// DataRoot is the top-level data directory.
	DataRoot string
	// RunsRoot holds one directory per run.
	RunsRoot string
	// RequestsRoot holds one directory per request.
	RequestsRoot string
	// AgentHome is the HOME presented to engine subprocesses; each engine
	// keeps its credentials and config beneath it.
	AgentHome string
	// ManagedRoot holds per-engine managed CLI installations
	// (<ManagedRoot>/<engine>/bin/<cli>).
	ManagedRoot string
	// SkillsRoot holds installed skill packages.
	SkillsRoot string
	// StorePath is the run store database file.
	StorePath string
}

// New computes a Profile rooted at dataDir. No directories are created;
// EnsureLayout does that.
func New(dataDir string) (*Profile, error) {
	abs, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("resolve data dir: %w", err)
	}
	return &Profile{
		DataRoot:     abs,
		RunsRoot:     filepath.Join(abs, "runs"),
		RequestsRoot: filepath.Join(abs, "requests"),
		AgentHome:    filepath.Join(abs, "agent-home"),
		ManagedRoot:  filepath.Join(abs, "managed"),
		SkillsRoot:   filepath.Join(abs, "skills"),
		StorePath:    filepath.Join(abs, "skill-runner.db"),
	}, nil
}

// EnsureLayout creates the base directory tree. Idempotent.
func (p *Profile) EnsureLayout() error {
	for _, dir := range []string{
		p.DataRoot, p.RunsRoot, p.RequestsRoot, p.AgentHome, p.ManagedRoot, p.SkillsRoot,
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// RunDir returns the directory for a run.
func (p *Profile) RunDir(runID string) string {
	return filepath.Join(p.RunsRoot, runID)
}

// RequestDir returns the directory for a request.
func (p *Profile) RequestDir(requestID string) string {
	return filepath.Join(p.RequestsRoot, requestID)
}

// ManagedBin returns the managed bin directory for an engine.
func (p *Profile) ManagedBin(engine v1.Engine) string {
	return filepath.Join(p.ManagedRoot, string(engine), "bin")
}

// EngineHome returns the engine's config/credential directory under agent-home.
func (p *Profile) EngineHome(engine v1.Engine) string {
	switch engine {
	case v1.EngineCodex:
		return filepath.Join(p.AgentHome, ".codex")
	case v1.EngineGemini:
		return filepath.Join(p.AgentHome, ".gemini")
	case v1.EngineIflow:
		return filepath.Join(p.AgentHome, ".iflow")
	case v1.EngineOpencode:
		return filepath.Join(p.AgentHome, ".config", "opencode")
	}
	return filepath.Join(p.AgentHome, "."+string(engine))
}

// BaseEnv builds the subprocess environment: the parent environment with
// HOME pointed at agent-home and every managed bin directory prepended to
// PATH so managed binaries win over globals.
func (p *Profile) BaseEnv() []string {
	env := os.Environ()
	out := make([]string, 0, len(env)+2)

	managed := ""
	for _, e := range v1.Engines() {
		managed += p.ManagedBin(e) + string(os.PathListSeparator)
	}

	for _, kv := range env {
		switch {
		case hasKey(kv, "HOME"):
			continue
		case hasKey(kv, "PATH"):
			out = append(out, "PATH="+managed+kv[len("PATH="):])
		default:
			out = append(out, kv)
		}
	}
	out = append(out, "HOME="+p.AgentHome)
	return out
}

func hasKey(kv, key string) bool {
	return len(kv) > len(key) && kv[:len(key)] == key && kv[len(key)] == '='
}
