package climanager

import (
	"context"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	v1 "github.com/skillrunner/skillrunner/pkg/api/v1"
)

const probeTimeout = 10 * time.Second

// ResumeCapability reports whether an engine CLI can resume sessions.
type ResumeCapability struct {
	Supported   bool   `json:"supported"`
	ProbeMethod string `json:"probe_method"` // help_text | dry_resume | none
	Detail      string `json:"detail"`
}

// resumeHelpHints are engine-specific strings looked for in `<cli> --help`.
var resumeHelpHints = map[v1.Engine][]string{
	v1.EngineCodex:    {"resume", "experimental-json"},
	v1.EngineGemini:   {"--resume", "session"},
	v1.EngineIflow:    {"--resume", "session"},
	v1.EngineOpencode: {"--session", "run"},
}

// dryResumeArgs are engine-specific arguments whose exit code distinguishes
// "resume exists but session unknown" from "no such flag".
var dryResumeArgs = map[v1.Engine][]string{
	v1.EngineCodex:    {"resume", "--help"},
	v1.EngineGemini:   {"--resume", "00000000-0000-0000-0000-000000000000", "--help"},
	v1.EngineIflow:    {"--resume", "--help"},
	v1.EngineOpencode: {"run", "--help"},
}

// ProbeResumeCapability checks whether the engine CLI supports resuming a
// session. The static step scans `--help`; the dynamic step runs a dry resume
// invocation and records the exit code.
func (m *Manager) ProbeResumeCapability(ctx context.Context, engine v1.Engine) ResumeCapability {
	bin := m.ResolveEngineCommand(engine)
	if bin == "" {
		return ResumeCapability{Supported: false, ProbeMethod: "none", Detail: "binary not found"}
	}

	// Static step: --help text.
	helpCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	out, _ := exec.CommandContext(helpCtx, bin, "--help").CombinedOutput()
	help := strings.ToLower(string(out))

	matched := 0
	for _, hint := range resumeHelpHints[engine] {
		if strings.Contains(help, strings.ToLower(hint)) {
			matched++
		}
	}
	if matched == len(resumeHelpHints[engine]) && matched > 0 {
		return ResumeCapability{Supported: true, ProbeMethod: "help_text",
			Detail: "all resume hints present in help output"}
	}

	// Dynamic step: dry resume invocation.
	args, ok := dryResumeArgs[engine]
	if !ok {
		return ResumeCapability{Supported: false, ProbeMethod: "help_text",
			Detail: "resume hints absent"}
	}
	dryCtx, cancel2 := context.WithTimeout(ctx, probeTimeout)
	defer cancel2()
	err := exec.CommandContext(dryCtx, bin, args...).Run()
	if err == nil {
		return ResumeCapability{Supported: true, ProbeMethod: "dry_resume",
			Detail: "dry resume exited zero"}
	}

	m.logger.Debug("dry resume probe failed",
		zap.String("engine", string(engine)),
		zap.Error(err))
	return ResumeCapability{Supported: false, ProbeMethod: "dry_resume",
		Detail: "dry resume failed: " + err.Error()}
}

// ProbeVersion returns the CLI version string, or "" when unavailable.
func (m *Manager) ProbeVersion(ctx context.Context, engine v1.Engine) string {
	bin := m.ResolveEngineCommand(engine)
	if bin == "" {
		return ""
	}
	verCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	out, err := exec.CommandContext(verCtx, bin, "--version").Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}
