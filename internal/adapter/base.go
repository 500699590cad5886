package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/skillrunner/skillrunner/internal/adapter/profile"
	"github.com/skillrunner/skillrunner/internal/climanager"
	apperrors "github.com/skillrunner/skillrunner/internal/common/errors"
	"github.com/skillrunner/skillrunner/internal/common/logger"
	"github.com/skillrunner/skillrunner/internal/runtime"
	v1 "github.com/skillrunner/skillrunner/pkg/api/v1"
)

// Env exposes the narrow slice of shared machinery each plug-in needs:
// profile accessors, binary resolution, the supervisor and host paths. It is
// the only cross-component dependency an adapter carries.
type Env struct {
	Runtime     *runtime.Profile
	CLIs        *climanager.Manager
	Supervisor  *Supervisor
	HardTimeout time.Duration
	// LandlockEnabled gates codex's sandbox flag mapping.
	LandlockEnabled bool
	Logger          *logger.Logger
}

// Adapter is one engine's plug-in set over the shared base.
type Adapter struct {
	engine      v1.Engine
	prof        *profile.Profile
	env         *Env
	composer    ConfigComposer
	provisioner WorkspaceProvisioner
	prompter    PromptBuilder
	commander   CommandBuilder
	parser      StreamParser
	codec       SessionHandleCodec
	// ptyFallback allows re-capturing through a pseudo-terminal when the
	// primary parse yields no assistant messages.
	ptyFallback bool
	logger      *logger.Logger
}

// Engine returns the adapter's engine.
func (a *Adapter) Engine() v1.Engine { return a.engine }

// Profile returns the adapter's declarative profile.
func (a *Adapter) Profile() *profile.Profile { return a.prof }

// Parser exposes the stream parser (tests and the event layer use it).
func (a *Adapter) Parser() StreamParser { return a.parser }

// SessionCodec exposes the session-handle codec.
func (a *Adapter) SessionCodec() SessionHandleCodec { return a.codec }

// TerminateRun kills the run's live process tree, if any.
func (a *Adapter) TerminateRun(runID string) error {
	return a.env.Supervisor.Terminate(runID)
}

// ExecuteTurn runs one complete turn: compose and provision on the first
// turn, render the prompt, build the start or resume command, supervise the
// subprocess, classify the wrap-up and parse the streams.
func (a *Adapter) ExecuteTurn(ctx context.Context, ectx *ExecutionContext) (*TurnOutput, error) {
	if ectx.Turn == 1 {
		if err := a.composer.Compose(ectx); err != nil {
			return nil, fmt.Errorf("compose config: %w", err)
		}
		if err := a.provisioner.Prepare(ectx); err != nil {
			return nil, fmt.Errorf("provision workspace: %w", err)
		}
	}

	prompt, err := a.prompter.Render(ectx)
	if err != nil {
		return nil, fmt.Errorf("render prompt: %w", err)
	}

	var argv []string
	if ectx.Resume.Empty() {
		argv, err = a.commander.BuildStart(ectx, prompt)
	} else {
		argv, err = a.commander.BuildResume(ectx, prompt)
	}
	if err != nil {
		return nil, err
	}

	timeout := a.env.HardTimeout
	if ectx.Options.HardTimeoutSeconds > 0 {
		timeout = time.Duration(ectx.Options.HardTimeoutSeconds) * time.Second
	}
	spec := SpawnSpec{
		RunID:       ectx.RunID,
		Argv:        argv,
		Dir:         ectx.RunDir,
		Env:         a.env.Runtime.BaseEnv(),
		LogDir:      filepath.Join(ectx.RunDir, "logs"),
		HardTimeout: timeout,
	}

	out, err := a.env.Supervisor.Run(ctx, spec)
	if err != nil {
		return nil, err
	}

	// Wrap-up classification precedes parsing: a login prompt or a hard
	// timeout is terminal regardless of what the parser would extract.
	if AuthRequired(out) {
		return a.failedTurn(out, apperrors.CodeAuthRequired), nil
	}
	if out.TimedOut {
		return a.failedTurn(out, apperrors.CodeTimeout), nil
	}

	result, parsed := a.parser.Parse(out)
	if a.ptyFallback && len(parsed.AssistantMessages) == 0 {
		if ptyText, ptyErr := a.env.Supervisor.RunPTY(ctx, spec); ptyErr == nil && ptyText != "" {
			out.PTY = ptyText
			result, parsed = a.parser.Parse(out)
			parsed.Diagnostics = appendUnique(parsed.Diagnostics, DiagPTYFallbackUsed)
		} else if ptyErr != nil {
			a.logger.Debug("pty fallback failed",
				zap.String("run_id", ectx.RunID), zap.Error(ptyErr))
		}
	}

	turnOut := &TurnOutput{Result: result, Parse: parsed, Captured: out}
	if handle, err := a.codec.Extract(out, ectx.Turn); err == nil {
		turnOut.Session = handle
		parsed.SessionID = handle.HandleValue
	}

	if result.Outcome == OutcomeFinal {
		if err := writeResultJSON(ectx.RunDir, result.FinalData); err != nil {
			return nil, fmt.Errorf("write result.json: %w", err)
		}
	}
	return turnOut, nil
}

func (a *Adapter) failedTurn(out *CapturedOutput, code string) *TurnOutput {
	return &TurnOutput{
		Result: &TurnResult{
			Outcome:       OutcomeError,
			FailureReason: code,
			RepairLevel:   RepairNone,
			Stderr:        out.Stderr,
		},
		Parse: &ParseResult{
			Parser:            string(a.engine),
			Confidence:        0,
			AssistantMessages: []AssistantMessage{},
			RawRows:           []string{},
		},
		Captured: out,
	}
}

func writeResultJSON(runDir string, data map[string]interface{}) error {
	if data == nil {
		data = map[string]interface{}{}
	}
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Join(runDir, "result")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(dir, "result.json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(raw, '\n'), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}
