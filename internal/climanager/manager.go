// Package climanager locates engine binaries, bootstraps per-engine config
// under agent-home, probes resume capability and imports credentials.
package climanager

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
	"go.uber.org/zap"

	"github.com/skillrunner/skillrunner/internal/common/logger"
	"github.com/skillrunner/skillrunner/internal/runtime"
	v1 "github.com/skillrunner/skillrunner/pkg/api/v1"
)

// cliBinary maps engines to their binary names.
var cliBinary = map[v1.Engine]string{
	v1.EngineCodex:    "codex",
	v1.EngineGemini:   "gemini",
	v1.EngineIflow:    "iflow",
	v1.EngineOpencode: "opencode",
}

// credentialWhitelist lists the only files ever copied into agent-home.
var credentialWhitelist = map[v1.Engine][]string{
	v1.EngineCodex:    {"auth.json"},
	v1.EngineGemini:   {"google_accounts.json", "oauth_creds.json"},
	v1.EngineIflow:    {"iflow_accounts.json", "oauth_creds.json"},
	v1.EngineOpencode: {"auth.json", "antigravity-accounts.json"},
}

// Manager resolves and prepares engine CLIs.
type Manager struct {
	profile *runtime.Profile
	logger  *logger.Logger
}

// New creates a Manager.
func New(profile *runtime.Profile, log *logger.Logger) *Manager {
	return &Manager{
		profile: profile,
		logger:  log.WithComponent("cli-manager"),
	}
}

// ResolveEngineCommand returns the absolute path of the engine binary, or ""
// when the engine is not installed. Managed binaries win over globals.
func (m *Manager) ResolveEngineCommand(engine v1.Engine) string {
	name, ok := cliBinary[engine]
	if !ok {
		return ""
	}

	managed := filepath.Join(m.profile.ManagedBin(engine), name)
	if info, err := os.Stat(managed); err == nil && !info.IsDir() {
		return managed
	}

	if global, err := exec.LookPath(name); err == nil {
		abs, err := filepath.Abs(global)
		if err == nil {
			return abs
		}
		return global
	}
	return ""
}

// EnsureLayout creates the agent-home subtrees and bootstrap config files
// each engine expects on first launch. Idempotent: existing files are kept.
func (m *Manager) EnsureLayout() error {
	for _, engine := range v1.Engines() {
		home := m.profile.EngineHome(engine)
		if err := os.MkdirAll(home, 0o755); err != nil {
			return fmt.Errorf("create %s home: %w", engine, err)
		}
		if err := m.bootstrapConfig(engine, home); err != nil {
			return fmt.Errorf("bootstrap %s config: %w", engine, err)
		}
	}

	// opencode additionally wants data/state dirs under agent-home.
	for _, sub := range []string{
		filepath.Join(".local", "share", "opencode"),
		filepath.Join(".local", "state", "opencode"),
	} {
		if err := os.MkdirAll(filepath.Join(m.profile.AgentHome, sub), 0o755); err != nil {
			return fmt.Errorf("create opencode %s: %w", sub, err)
		}
	}
	return nil
}

func (m *Manager) bootstrapConfig(engine v1.Engine, home string) error {
	switch engine {
	case v1.EngineCodex:
		path := filepath.Join(home, "config.toml")
		if fileExists(path) {
			return nil
		}
		seed := map[string]interface{}{
			"approval_policy": "never",
			"sandbox_mode":    "workspace-write",
		}
		data, err := toml.Marshal(seed)
		if err != nil {
			return err
		}
		return writeFileAtomic(path, data, 0o644)

	case v1.EngineGemini, v1.EngineIflow:
		path := filepath.Join(home, "settings.json")
		if fileExists(path) {
			return nil
		}
		seed := map[string]interface{}{
			"selectedAuthType": "oauth-personal",
			"autoAccept":       true,
		}
		return writeJSONAtomic(path, seed)

	case v1.EngineOpencode:
		path := filepath.Join(home, "opencode.json")
		if fileExists(path) {
			return nil
		}
		seed := map[string]interface{}{
			"$schema":    "https://opencode.ai/config.json",
			"autoupdate": false,
		}
		return writeJSONAtomic(path, seed)
	}
	return nil
}

// AuthStatus describes credential readiness for one engine.
type AuthStatus struct {
	Engine          v1.Engine `json:"engine"`
	ManagedPresent  bool      `json:"managed_present"`
	GlobalPresent   bool      `json:"global_present"`
	EffectiveSource string    `json:"effective_source"` // managed | global | none
	CredentialFiles []string  `json:"credential_files"`
	MissingFiles    []string  `json:"missing_files"`
	AuthReady       bool      `json:"auth_ready"`
}

// CollectAuthStatus reports per-engine binary and credential readiness.
func (m *Manager) CollectAuthStatus() []AuthStatus {
	statuses := make([]AuthStatus, 0, len(v1.Engines()))
	for _, engine := range v1.Engines() {
		name := cliBinary[engine]
		managed := fileExists(filepath.Join(m.profile.ManagedBin(engine), name))
		_, globalErr := exec.LookPath(name)
		global := globalErr == nil

		source := "none"
		if managed {
			source = "managed"
		} else if global {
			source = "global"
		}

		st := AuthStatus{
			Engine:          engine,
			ManagedPresent:  managed,
			GlobalPresent:   global,
			EffectiveSource: source,
		}

		home := m.profile.EngineHome(engine)
		for _, f := range credentialWhitelist[engine] {
			if fileExists(filepath.Join(home, f)) {
				st.CredentialFiles = append(st.CredentialFiles, f)
			} else {
				st.MissingFiles = append(st.MissingFiles, f)
			}
		}
		st.AuthReady = source != "none" && len(st.CredentialFiles) > 0
		statuses = append(statuses, st)
	}
	return statuses
}

// ImportCredentials copies whitelisted credential files from sourceRoot
// (a user's real home directory layout) into agent-home. Files outside the
// whitelist are never touched. Idempotent: copies overwrite in place.
func (m *Manager) ImportCredentials(sourceRoot string) ([]string, error) {
	var imported []string
	for _, engine := range v1.Engines() {
		srcHome := engineHomeUnder(sourceRoot, engine)
		dstHome := m.profile.EngineHome(engine)
		if err := os.MkdirAll(dstHome, 0o755); err != nil {
			return imported, err
		}
		for _, f := range credentialWhitelist[engine] {
			src := filepath.Join(srcHome, f)
			if !fileExists(src) {
				continue
			}
			dst := filepath.Join(dstHome, f)
			if err := copyFile(src, dst, 0o600); err != nil {
				return imported, fmt.Errorf("copy %s credential %s: %w", engine, f, err)
			}
			imported = append(imported, filepath.Join(string(engine), f))
			m.logger.Debug("imported credential",
				zap.String("engine", string(engine)),
				zap.String("file", f))
		}
	}
	return imported, nil
}

// engineHomeUnder mirrors Profile.EngineHome against an arbitrary root.
func engineHomeUnder(root string, engine v1.Engine) string {
	switch engine {
	case v1.EngineCodex:
		return filepath.Join(root, ".codex")
	case v1.EngineGemini:
		return filepath.Join(root, ".gemini")
	case v1.EngineIflow:
		return filepath.Join(root, ".iflow")
	case v1.EngineOpencode:
		return filepath.Join(root, ".config", "opencode")
	}
	return filepath.Join(root, "."+string(engine))
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func writeJSONAtomic(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(path, append(data, '\n'), 0o644)
}
