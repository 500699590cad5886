package observability

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skillrunner/skillrunner/internal/common/config"
	apperrors "github.com/skillrunner/skillrunner/internal/common/errors"
	"github.com/skillrunner/skillrunner/internal/common/logger"
	"github.com/skillrunner/skillrunner/internal/events/bus"
	"github.com/skillrunner/skillrunner/internal/protocol"
	"github.com/skillrunner/skillrunner/internal/runtime"
	"github.com/skillrunner/skillrunner/internal/skill"
	"github.com/skillrunner/skillrunner/internal/store"
	"github.com/skillrunner/skillrunner/internal/workspace"
	v1 "github.com/skillrunner/skillrunner/pkg/api/v1"
)

type fixture struct {
	svc     *Service
	store   *store.Store
	ws      *workspace.Manager
	emitter *protocol.Emitter
	rt      *runtime.Profile
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	rt, err := runtime.New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, rt.EnsureLayout())

	log := logger.Default()
	st, err := store.Open(rt.StorePath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	memBus := bus.NewMemoryEventBus(log)
	t.Cleanup(memBus.Close)
	emitter, err := protocol.NewEmitter(st, memBus, log)
	require.NoError(t, err)

	ws := workspace.New(rt, skill.NewRegistry(rt.SkillsRoot), log)
	cfg := &config.Config{}
	cfg.Interaction.HeartbeatSec = 1

	return &fixture{
		svc:     NewService(st, ws, memBus, cfg, log),
		store:   st,
		ws:      ws,
		emitter: emitter,
		rt:      rt,
	}
}

func (f *fixture) seedRun(t *testing.T, runID string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.CreateRequest(ctx, &v1.Request{
		RequestID: runID + "-req",
		SkillID:   "demo",
		Engine:    v1.EngineCodex,
		RunSource: v1.RunSourceInstalled,
		CreatedAt: time.Now().UTC(),
	}))
	_, err := f.store.AssignRun(ctx, runID+"-req", runID)
	require.NoError(t, err)
	_, err = f.store.BeginAttempt(ctx, runID)
	require.NoError(t, err)

	runDir := f.rt.RunDir(runID)
	for _, sub := range []string{"logs", "result", "artifacts"} {
		require.NoError(t, os.MkdirAll(filepath.Join(runDir, sub), 0o755))
	}
}

func TestSnapshotReportsPendingAndCounts(t *testing.T) {
	f := newFixture(t)
	f.seedRun(t, "run-1")
	ctx := context.Background()

	require.NoError(t, f.store.SetPending(ctx, "run-1", v1.InteractionTurn{
		InteractionID: 3, Kind: v1.InteractionConfirm, Prompt: "Go on?",
		CreatedAt: time.Now().UTC(),
	}))
	_, err := f.store.IncrementAutoDecisions(ctx, "run-1")
	require.NoError(t, err)

	snap, err := f.svc.Snapshot(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, v1.RunStatusQueued, snap.Status)
	require.NotNil(t, snap.PendingInteraction)
	assert.Equal(t, 3, snap.PendingInteraction.InteractionID)
	assert.Equal(t, 1, snap.AutoDecisions)
	assert.Equal(t, 0, snap.InteractionCount)
}

func TestHistoryMergesStreamsAndListsAttempts(t *testing.T) {
	f := newFixture(t)
	f.seedRun(t, "run-1")
	ctx := context.Background()

	require.NoError(t, f.emitter.RunStarted(ctx, "run-1", 1, "demo", v1.EngineCodex))
	require.NoError(t, f.emitter.StateChanged(ctx, "run-1", 1,
		v1.RunStatusQueued, v1.RunStatusRunning, "admit"))
	require.NoError(t, f.emitter.RunStatus(ctx, "run-1", 1, v1.RunStatusRunning))

	all, err := f.svc.History(ctx, "run-1", v1.EventQuery{})
	require.NoError(t, err)
	assert.Len(t, all.Events, 3, "state change, status and lifecycle events")
	assert.Equal(t, []int{1}, all.Attempts)

	fcmpOnly, err := f.svc.History(ctx, "run-1", v1.EventQuery{Stream: v1.StreamFCMP})
	require.NoError(t, err)
	assert.Len(t, fcmpOnly.Events, 1)

	_, err = f.svc.History(ctx, "run-1", v1.EventQuery{Stream: "bogus"})
	assert.Error(t, err)
}

func TestLogRange(t *testing.T) {
	f := newFixture(t)
	f.seedRun(t, "run-1")
	logPath := filepath.Join(f.rt.RunDir("run-1"), "logs", "stdout.txt")
	require.NoError(t, os.WriteFile(logPath, []byte("hello world"), 0o644))

	chunk, err := f.svc.LogRange("run-1", "stdout", 6, 11)
	require.NoError(t, err)
	assert.Equal(t, "world", chunk.Text)
	assert.Equal(t, int64(11), chunk.Size)

	// Open-ended range reads to EOF.
	chunk, err = f.svc.LogRange("run-1", "stdout", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "hello world", chunk.Text)

	_, err = f.svc.LogRange("run-1", "trace", 0, 0)
	assert.Error(t, err)

	_, err = f.svc.LogRange("run-1", "stderr", 0, 0)
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestBundleSkipsSymlinks(t *testing.T) {
	f := newFixture(t)
	f.seedRun(t, "run-1")
	runDir := f.rt.RunDir("run-1")
	require.NoError(t, os.WriteFile(filepath.Join(runDir, "artifacts", "out.txt"),
		[]byte("artifact"), 0o644))

	secret := filepath.Join(t.TempDir(), "secret.txt")
	require.NoError(t, os.WriteFile(secret, []byte("leak"), 0o644))
	require.NoError(t, os.Symlink(secret, filepath.Join(runDir, "artifacts", "link.txt")))

	var buf bytes.Buffer
	require.NoError(t, f.svc.WriteBundle(&buf, "run-1"))

	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)
	names := map[string]bool{}
	for _, file := range zr.File {
		names[file.Name] = true
	}
	assert.True(t, names["artifacts/out.txt"])
	assert.False(t, names["artifacts/link.txt"], "symlinks never enter the bundle")
}

func TestPreviewRefusesBinaryAndEscapes(t *testing.T) {
	f := newFixture(t)
	f.seedRun(t, "run-1")
	runDir := f.rt.RunDir("run-1")

	require.NoError(t, os.WriteFile(filepath.Join(runDir, "artifacts", "notes.txt"),
		[]byte("plain text"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(runDir, "artifacts", "blob.bin"),
		[]byte{0x00, 0x01, 0x02, 'a'}, 0o644))

	preview, err := f.svc.Preview("run-1", "artifacts/notes.txt")
	require.NoError(t, err)
	assert.Equal(t, "plain text", preview.Text)

	_, err = f.svc.Preview("run-1", "artifacts/blob.bin")
	assert.Error(t, err)

	_, err = f.svc.Preview("run-1", "../other-run/status.json")
	assert.Error(t, err)

	big := bytes.Repeat([]byte("x"), PreviewMaxBytes+1)
	require.NoError(t, os.WriteFile(filepath.Join(runDir, "artifacts", "big.txt"), big, 0o644))
	_, err = f.svc.Preview("run-1", "artifacts/big.txt")
	assert.Error(t, err)
}

func TestArtifactsListing(t *testing.T) {
	f := newFixture(t)
	f.seedRun(t, "run-1")
	runDir := f.rt.RunDir("run-1")
	require.NoError(t, os.MkdirAll(filepath.Join(runDir, "artifacts", "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(runDir, "artifacts", "a.txt"), []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(runDir, "artifacts", "sub", "b.txt"), []byte("b"), 0o644))

	files, err := f.svc.Artifacts("run-1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a.txt", "sub/b.txt"}, files)
}

func TestStreamRunReplayAndLiveTail(t *testing.T) {
	f := newFixture(t)
	f.seedRun(t, "run-1")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := f.store.UpdateRunStatus(ctx, "run-1", v1.RunStatusRunning, nil)
	require.NoError(t, err)
	require.NoError(t, f.emitter.StateChanged(ctx, "run-1", 1,
		v1.RunStatusQueued, v1.RunStatusRunning, "admit"))
	require.NoError(t, f.emitter.AssistantFinal(ctx, "run-1", 1, 1, "working"))

	frames := make(chan streamFrame, 32)
	done := make(chan error, 1)
	go func() {
		done <- f.svc.streamRun(ctx, "run-1", 1, func(frame streamFrame) error {
			frames <- frame
			return nil
		}, func() error { return nil })
	}()

	expectFrame := func(name string) streamFrame {
		select {
		case frame := <-frames:
			require.Equal(t, name, frame.name)
			return frame
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for %s frame", name)
			return streamFrame{}
		}
	}

	expectFrame("snapshot")
	// Replay starts after cursor=1, so only the assistant message appears.
	replayed := expectFrame("chat_event")
	assert.Equal(t, int64(2), replayed.data.(chatEvent).Seq)

	// Live tail: completion then terminal marker end the stream.
	_, err = f.store.UpdateRunStatus(ctx, "run-1", v1.RunStatusSucceeded, nil)
	require.NoError(t, err)
	require.NoError(t, f.emitter.Completed(ctx, "run-1", 1, map[string]interface{}{"ok": true}))
	require.NoError(t, f.emitter.RunTerminal(ctx, "run-1", 1, v1.RunStatusSucceeded, nil))

	live := expectFrame("chat_event")
	assert.Equal(t, protocol.EventCompleted, live.data.(chatEvent).Type)
	end := expectFrame("end")
	endData, err := json.Marshal(end.data)
	require.NoError(t, err)
	assert.Contains(t, string(endData), string(v1.RunStatusSucceeded))

	require.NoError(t, <-done)
}

func TestStreamRunEndsImmediatelyWhenTerminal(t *testing.T) {
	f := newFixture(t)
	f.seedRun(t, "run-1")
	ctx := context.Background()

	_, err := f.store.UpdateRunStatus(ctx, "run-1", v1.RunStatusFailed,
		&v1.RunError{Code: apperrors.CodeTimeout})
	require.NoError(t, err)

	var names []string
	err = f.svc.streamRun(ctx, "run-1", 0, func(frame streamFrame) error {
		names = append(names, frame.name)
		return nil
	}, func() error { return nil })
	require.NoError(t, err)
	assert.Equal(t, "end", names[len(names)-1])
}
