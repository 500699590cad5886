package adapter

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/skillrunner/skillrunner/internal/common/logger"
)

// killGracePeriod is the wait between SIGTERM and SIGKILL escalation.
const killGracePeriod = 5 * time.Second

type liveProc struct {
	cmd *exec.Cmd
	// done is closed once Wait returns; closing lets any number of
	// terminators observe exit without racing on a value receive.
	done chan struct{}
}

// Supervisor spawns engine subprocesses in their own process groups, streams
// their output byte-exact to the run's log files, and terminates whole
// process trees on timeout or cancel. One live process per run.
type Supervisor struct {
	logger *logger.Logger

	mu     sync.Mutex
	active map[string]*liveProc // run_id -> live process
}

// NewSupervisor creates a Supervisor.
func NewSupervisor(log *logger.Logger) *Supervisor {
	return &Supervisor{
		logger: log.WithComponent("supervisor"),
		active: make(map[string]*liveProc),
	}
}

// SpawnSpec describes one subprocess invocation.
type SpawnSpec struct {
	RunID       string
	Argv        []string
	Dir         string
	Env         []string
	LogDir      string // logs are appended to <LogDir>/{stdout,stderr}.txt
	HardTimeout time.Duration
}

// Run spawns the process, waits up to the hard timeout, and returns the
// captured output. On timeout the whole process tree is terminated
// (SIGTERM, then SIGKILL after the grace period) and TimedOut is set.
func (s *Supervisor) Run(ctx context.Context, spec SpawnSpec) (*CapturedOutput, error) {
	if len(spec.Argv) == 0 {
		return nil, fmt.Errorf("empty argv")
	}

	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	setProcGroup(cmd)

	stdoutLog, err := openLog(spec.LogDir, "stdout.txt")
	if err != nil {
		return nil, err
	}
	defer stdoutLog.Close()
	stderrLog, err := openLog(spec.LogDir, "stderr.txt")
	if err != nil {
		return nil, err
	}
	defer stderrLog.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = io.MultiWriter(stdoutLog, &stdoutBuf)
	cmd.Stderr = io.MultiWriter(stderrLog, &stderrBuf)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn %s: %w", spec.Argv[0], err)
	}
	proc := &liveProc{cmd: cmd, done: make(chan struct{})}
	s.register(spec.RunID, proc)
	defer s.unregister(spec.RunID)

	go func() {
		_ = cmd.Wait()
		close(proc.done)
	}()

	timeout := time.NewTimer(spec.HardTimeout)
	defer timeout.Stop()

	timedOut := false
	select {
	case <-proc.done:
	case <-ctx.Done():
		s.terminateTree(spec.RunID, proc)
		timedOut = ctx.Err() == context.DeadlineExceeded
	case <-timeout.C:
		timedOut = true
		s.terminateTree(spec.RunID, proc)
	}

	out := &CapturedOutput{
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		TimedOut: timedOut,
	}
	if ps := cmd.ProcessState; ps != nil {
		out.ExitCode = ps.ExitCode()
	} else {
		out.ExitCode = -1
	}
	return out, nil
}

// Terminate kills the run's live process tree, if any. Idempotent and safe
// from any state.
func (s *Supervisor) Terminate(runID string) error {
	s.mu.Lock()
	proc, ok := s.active[runID]
	s.mu.Unlock()
	if !ok || proc.cmd.Process == nil {
		return nil
	}
	s.terminateTree(runID, proc)
	return nil
}

// HasActive reports whether the run has a live process.
func (s *Supervisor) HasActive(runID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[runID]
	return ok
}

func (s *Supervisor) register(runID string, proc *liveProc) {
	s.mu.Lock()
	s.active[runID] = proc
	s.mu.Unlock()
}

func (s *Supervisor) unregister(runID string) {
	s.mu.Lock()
	delete(s.active, runID)
	s.mu.Unlock()
}

// terminateTree escalates: group SIGTERM, wait the grace period, group
// SIGKILL. If group signalling fails (process not a group leader), fall back
// to signalling the process directly.
func (s *Supervisor) terminateTree(runID string, proc *liveProc) {
	pid := proc.cmd.Process.Pid
	if err := terminateProcessGroup(pid); err != nil {
		s.logger.Warn("group terminate failed, signalling process directly",
			zap.String("run_id", runID), zap.Int("pid", pid), zap.Error(err))
		_ = proc.cmd.Process.Signal(os.Interrupt)
	}

	select {
	case <-proc.done:
		return
	case <-time.After(killGracePeriod):
	}

	if err := killProcessGroup(pid); err != nil {
		s.logger.Warn("group kill failed, killing process directly",
			zap.String("run_id", runID), zap.Int("pid", pid), zap.Error(err))
		_ = proc.cmd.Process.Kill()
	}
	<-proc.done
}

func openLog(dir, name string) (*os.File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(filepath.Join(dir, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
}
