//go:build windows

package adapter

import (
	"context"
	"fmt"
)

// RunPTY is unavailable on Windows; parsers skip the PTY fallback there.
func (s *Supervisor) RunPTY(_ context.Context, _ SpawnSpec) (string, error) {
	return "", fmt.Errorf("pty capture not supported on windows")
}
