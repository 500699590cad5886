package adapter

import (
	"fmt"
	"strings"

	apperrors "github.com/skillrunner/skillrunner/internal/common/errors"
)

// resumeStrippedFlags are never valid on a resume invocation.
var resumeStrippedFlags = map[string]struct{}{
	"--profile": {},
	"-p":        {},
}

// resolveBinary returns the engine binary path or an error.
func (a *Adapter) resolveBinary() (string, error) {
	bin := a.env.CLIs.ResolveEngineCommand(a.engine)
	if bin == "" {
		return "", fmt.Errorf("%s binary not found", a.engine)
	}
	return bin, nil
}

// effectiveFlags picks the flag set for a turn: explicit passthrough argv
// replaces profile defaults entirely. On resume, flags that only make sense
// at session start are stripped from passthrough.
func effectiveFlags(defaults, passthrough []string, resume bool) []string {
	if len(passthrough) == 0 {
		out := make([]string, len(defaults))
		copy(out, defaults)
		return out
	}
	if !resume {
		out := make([]string, len(passthrough))
		copy(out, passthrough)
		return out
	}
	out := make([]string, 0, len(passthrough))
	skipNext := false
	for _, f := range passthrough {
		if skipNext {
			skipNext = false
			continue
		}
		if _, strip := resumeStrippedFlags[f]; strip {
			skipNext = true
			continue
		}
		out = append(out, f)
	}
	return out
}

// requireResumeHandle validates the resume precondition shared by every
// command builder.
func requireResumeHandle(ectx *ExecutionContext) (string, error) {
	if ectx.Resume.Empty() {
		return "", &apperrors.AppError{
			Code:       apperrors.CodeSessionResumeFailed,
			Message:    "resume requested without a session handle",
			HTTPStatus: 409,
		}
	}
	return ectx.Resume.HandleValue, nil
}

// replaceFlag swaps a flag in place, returning whether it was found.
func replaceFlag(argv []string, from, to string) bool {
	for i, f := range argv {
		if f == from {
			argv[i] = to
			return true
		}
	}
	return false
}

// hasFlag reports whether argv carries the flag (exact or key=value form).
func hasFlag(argv []string, flag string) bool {
	for _, f := range argv {
		if f == flag || strings.HasPrefix(f, flag+"=") {
			return true
		}
	}
	return false
}
