//go:build !windows

package adapter

import (
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/creack/pty"
	"github.com/tuzig/vt10x"
)

const (
	ptyCols = 120
	ptyRows = 40
)

// RunPTY re-runs the command under a pseudo-terminal and renders the final
// screen through a terminal emulator. Used as the last-resort capture when an
// engine only produces meaningful output on a TTY.
func (s *Supervisor) RunPTY(ctx context.Context, spec SpawnSpec) (string, error) {
	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env

	tty, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: ptyCols, Rows: ptyRows})
	if err != nil {
		return "", err
	}
	defer tty.Close()

	term := vt10x.New(vt10x.WithSize(ptyCols, ptyRows))
	copied := make(chan struct{})
	go func() {
		defer close(copied)
		buf := make([]byte, 4096)
		for {
			n, readErr := tty.Read(buf)
			if n > 0 {
				_, _ = term.Write(buf[:n])
			}
			if readErr != nil {
				return
			}
		}
	}()

	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()

	timeout := time.NewTimer(spec.HardTimeout)
	defer timeout.Stop()
	select {
	case <-done:
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-done
	case <-timeout.C:
		_ = cmd.Process.Kill()
		<-done
	}
	<-copied

	return renderScreen(term, ptyCols, ptyRows), nil
}

// renderScreen extracts the visible terminal text, trimming trailing blank
// lines and per-line trailing spaces.
func renderScreen(term vt10x.Terminal, cols, rows int) string {
	lines := make([]string, 0, rows)
	for row := 0; row < rows; row++ {
		var sb strings.Builder
		for col := 0; col < cols; col++ {
			g := term.Cell(col, row)
			if g.Char == 0 {
				sb.WriteRune(' ')
			} else {
				sb.WriteRune(g.Char)
			}
		}
		lines = append(lines, strings.TrimRight(sb.String(), " "))
	}
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return strings.Join(lines, "\n")
}
